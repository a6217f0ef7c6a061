package engine

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"foiatool/internal/config"

	"github.com/stretchr/testify/require"
)

func TestSafeFileName(t *testing.T) {
	long := strings.Repeat("a", 300) + ".pdf"

	cases := []struct {
		name     string
		input    string
		id       string
		expected string
	}{
		{name: "plain", input: "report.pdf", id: "1", expected: "report.pdf"},
		{name: "unix traversal", input: "../../etc/passwd", id: "1", expected: "passwd"},
		{name: "windows path", input: `C:\Users\clerk\memo.docx`, id: "1", expected: "memo.docx"},
		{name: "colon", input: "minutes 10:30.pdf", id: "1", expected: "minutes 10_30.pdf"},
		{name: "control characters", input: "a\x00b\nc.txt", id: "1", expected: "a_b_c.txt"},
		{name: "empty", input: "", id: "42", expected: "document-42"},
		{name: "whitespace", input: "   ", id: "42", expected: "document-42"},
		{name: "dot dot", input: "..", id: "7", expected: "document-7"},
		{name: "trailing slash", input: "folder/", id: "7", expected: "folder"},
		{name: "unicode", input: "présupposé.pdf", id: "1", expected: "présupposé.pdf"},
		{name: "long", input: long, id: "1", expected: strings.Repeat("a", maxFileNameBytes-len(".pdf")) + ".pdf"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			actual := SafeFileName(tc.input, tc.id)
			require.Equal(t, tc.expected, actual)
			require.LessOrEqual(t, len(actual), maxFileNameBytes)
		})
	}
}

func TestTruncateBytes(t *testing.T) {
	// é is two bytes, cutting through it must drop the whole rune
	require.Equal(t, "ab", truncateBytes("abé", 3))
	require.Equal(t, "abé", truncateBytes("abé", 4))
	require.Equal(t, "abc", truncateBytes("abc", 10))
}

func TestSuffixed(t *testing.T) {
	require.Equal(t, "report_11.pdf", suffixed("report.pdf", "11"))
	require.Equal(t, "README_3", suffixed("README", "3"))
	require.Equal(t, "archive.tar_1.gz", suffixed("archive.tar.gz", "1"))

	long := strings.Repeat("x", 260) + ".pdf"
	actual := suffixed(fitName(long), "12345")
	require.Len(t, actual, maxFileNameBytes)
	require.True(t, strings.HasSuffix(actual, "_12345.pdf"))
}

func TestDestinationDir(t *testing.T) {
	city := site("city", cityURL)
	require.Equal(t, filepath.Join("dl", "city"), destinationDir("dl", city, doc("1", "21-1", "a.pdf")))

	city.GroupByRequest = true
	require.Equal(t, filepath.Join("dl", "city", "21-1"), destinationDir("dl", city, doc("1", "21-1", "a.pdf")))
	require.Equal(t, filepath.Join("dl", "city", "orphans"), destinationDir("dl", city, doc("1", "", "a.pdf")))
	require.Equal(t, filepath.Join("dl", "city", "etc"), destinationDir("dl", city, doc("1", "../etc", "a.pdf")))
}

func TestTargetPath(t *testing.T) {
	dir := t.TempDir()
	city := site("city", cityURL)

	target, err := targetPath(dir, city, doc("10", "1", "report.pdf"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "report.pdf"), target)
	require.NoError(t, os.WriteFile(target, []byte("first"), 0666))

	target, err = targetPath(dir, city, doc("11", "1", "report.pdf"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "report_11.pdf"), target)
	require.NoError(t, os.WriteFile(target, []byte("second"), 0666))

	// the same document downloaded again after being forgotten
	target, err = targetPath(dir, city, doc("11", "1", "report.pdf"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "report_11_2.pdf"), target)

	city.OnCollision = config.CollisionOverwrite
	target, err = targetPath(dir, city, doc("11", "1", "report.pdf"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "report.pdf"), target)
}
