package inspect

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// minimalPDF builds a valid pdf with `pages` blank pages and a correct xref table.
func minimalPDF(pages int) []byte {
	var kids bytes.Buffer
	for i := 0; i < pages; i++ {
		fmt.Fprintf(&kids, "%d 0 R ", 3+i)
	}

	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", kids.String(), pages),
	}
	for i := 0; i < pages; i++ {
		objects = append(objects, "<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>")
	}

	var out bytes.Buffer
	out.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = out.Len()
		fmt.Fprintf(&out, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}

	xref := out.Len()
	fmt.Fprintf(&out, "xref\n0 %d\n", len(objects)+1)
	out.WriteString("0000000000 65535 f \n")
	for _, offset := range offsets {
		fmt.Fprintf(&out, "%010d 00000 n \n", offset)
	}
	fmt.Fprintf(&out, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return out.Bytes()
}

func write(t testing.TB, name string, data []byte) string {
	path := filepath.Join(t.TempDir(), name)
	err := os.WriteFile(path, data, 0644)
	if err != nil {
		t.Fatal(err)
	}
	return path
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestInspectPlain(t *testing.T) {
	data := []byte("meeting minutes")
	res, err := NewStandard().Inspect(write(t, "minutes.txt", data))
	require.NoError(t, err)
	require.Equal(t, Result{Size: int64(len(data)), SHA256: digest(data)}, res)

	res, err = NewStandard().Inspect(write(t, "empty.txt", nil))
	require.NoError(t, err)
	require.Equal(t, int64(0), res.Size)
	require.Equal(t, digest(nil), res.SHA256)
}

func TestInspectPDF(t *testing.T) {
	data := minimalPDF(3)
	res, err := NewStandard().Inspect(write(t, "contract", data))
	require.NoError(t, err)
	require.Equal(t, 3, res.Pages)
	require.Equal(t, digest(data), res.SHA256)
	require.Equal(t, int64(len(data)), res.Size)
}

func TestInspectBrokenPDF(t *testing.T) {
	data := []byte("this is not really a pdf")
	res, err := NewStandard().Inspect(write(t, "broken.pdf", data))
	require.Error(t, err)
	require.Equal(t, digest(data), res.SHA256)
	require.Equal(t, 0, res.Pages)
}

func TestInspectMissing(t *testing.T) {
	_, err := NewStandard().Inspect(filepath.Join(t.TempDir(), "missing.pdf"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
