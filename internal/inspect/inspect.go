// Package inspect computes the metadata recorded for every downloaded document.
package inspect

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

type Result struct {
	Size   int64
	SHA256 string
	// Pages is 0 for anything that is not a readable pdf.
	Pages int
}

// Inspector is the fault injection point for document inspection.
type Inspector interface {
	Inspect(path string) (Result, error)
}

type Standard struct{}

func NewStandard() Standard {
	return Standard{}
}

var pdfMagic = []byte("%PDF-")

func isPDF(path string, head []byte) bool {
	return bytes.HasPrefix(head, pdfMagic) ||
		strings.EqualFold(filepath.Ext(path), ".pdf")
}

// Inspect hashes the file at `path` and counts its pages if it is a pdf. A pdf that cannot be
// parsed returns the hash along with the error.
func (Standard) Inspect(path string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("inspect: %w", err)
	}
	defer f.Close()

	hash := sha256.New()
	head := make([]byte, len(pdfMagic))
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return Result{}, fmt.Errorf("inspect: %w", err)
	}
	head = head[:n]
	hash.Write(head)

	rest, err := io.Copy(hash, f)
	if err != nil {
		return Result{}, fmt.Errorf("inspect: %w", err)
	}
	res := Result{
		Size:   int64(n) + rest,
		SHA256: hex.EncodeToString(hash.Sum(nil)),
	}

	if !isPDF(path, head) {
		return res, nil
	}

	_, err = f.Seek(0, io.SeekStart)
	if err != nil {
		return res, fmt.Errorf("inspect: %w", err)
	}
	pages, err := api.PageCount(f, model.NewDefaultConfiguration())
	if err != nil {
		return res, fmt.Errorf("inspect: count pages of %s: %w", filepath.Base(path), err)
	}
	res.Pages = pages
	return res, nil
}
