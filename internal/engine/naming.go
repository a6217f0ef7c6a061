package engine

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"foiatool/internal/config"
	"foiatool/internal/portal"
)

const (
	maxFileNameBytes = 255
	orphansDirName   = "orphans"
)

// truncateBytes cuts s to at most n bytes without splitting a rune.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == ':' || r == '/' || r == '\\':
			return '_'
		case unicode.IsControl(r):
			return '_'
		}
		return r
	}, name)
}

// fitName truncates name to the file name limit keeping its extension.
func fitName(name string) string {
	if len(name) <= maxFileNameBytes {
		return name
	}
	ext := filepath.Ext(name)
	if len(ext) >= maxFileNameBytes {
		return truncateBytes(name, maxFileNameBytes)
	}
	stem := strings.TrimSuffix(name, ext)
	return truncateBytes(stem, maxFileNameBytes-len(ext)) + ext
}

// SafeFileName turns a portal supplied file name into something that can be written to disk.
func SafeFileName(name, documentID string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = path.Base(strings.TrimSpace(name))
	if name == "." || name == "/" || name == ".." {
		name = ""
	}
	name = strings.TrimSpace(sanitize(name))
	if name == "" {
		name = sanitize(fmt.Sprintf("document-%s", documentID))
	}
	return fitName(name)
}

// suffixed inserts `_<documentID>` before the extension.
func suffixed(name, documentID string) string {
	ext := filepath.Ext(name)
	suffix := "_" + sanitize(documentID)
	stem := strings.TrimSuffix(name, ext)
	if len(stem)+len(suffix)+len(ext) > maxFileNameBytes {
		stem = truncateBytes(stem, maxFileNameBytes-len(suffix)-len(ext))
	}
	return stem + suffix + ext
}

func destinationDir(downloadPath string, site config.Site, doc portal.Document) string {
	dir := filepath.Join(downloadPath, site.Name)
	if !site.GroupByRequest {
		return dir
	}
	if doc.RequestID == "" {
		return filepath.Join(dir, orphansDirName)
	}
	return filepath.Join(dir, SafeFileName(doc.RequestID, "request"))
}

func exists(path string) (bool, error) {
	_, err := os.Lstat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// targetPath picks the final path of a document according to the site's collision policy.
func targetPath(dir string, site config.Site, doc portal.Document) (string, error) {
	name := SafeFileName(doc.FileName, doc.ID)
	target := filepath.Join(dir, name)
	if site.OnCollision == config.CollisionOverwrite {
		return target, nil
	}

	taken, err := exists(target)
	if err != nil {
		return "", err
	}
	if !taken {
		return target, nil
	}

	target = filepath.Join(dir, suffixed(name, doc.ID))
	taken, err = exists(target)
	if err != nil {
		return "", err
	}
	if !taken {
		return target, nil
	}
	// the suffixed name is taken when this document was downloaded before and then forgotten
	for i := 2; ; i++ {
		target = filepath.Join(dir, suffixed(name, fmt.Sprintf("%s_%d", doc.ID, i)))
		taken, err = exists(target)
		if err != nil {
			return "", err
		}
		if !taken {
			return target, nil
		}
	}
}

// DocumentKey names a document across portals.
type DocumentKey struct {
	Portal   string
	Document string
}

// replacementPath returns the file a document is downloaded over, its previous copy when that
// copy lives in dir, otherwise the result of targetPath.
func replacementPath(replace map[DocumentKey]string, dir string, site config.Site, doc portal.Document) (string, error) {
	previous, ok := replace[DocumentKey{Portal: site.Name, Document: doc.ID}]
	if ok && previous != "" && filepath.Dir(filepath.Clean(previous)) == filepath.Clean(dir) {
		return filepath.Clean(previous), nil
	}
	return targetPath(dir, site, doc)
}
