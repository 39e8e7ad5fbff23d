package archive

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeZip builds a zip at path with the given name -> content entries.
func writeZip(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range entries {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestExtractReturnsXMLFiles(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "release.zip")
	writeZip(t, zipPath, map[string]string{
		"prescription/label1.xml": "<doc/>",
		"prescription/label2.XML": "<doc/>",
		"prescription/image.jpg":  "binary",
		"readme.txt":              "notes",
	})

	dest := filepath.Join(dir, "out")
	xmls, err := Extract(zipPath, dest)
	require.NoError(t, err)
	assert.Len(t, xmls, 2, "only xml entries are reported, case-insensitively")

	for _, x := range xmls {
		_, err := os.Stat(x)
		assert.NoError(t, err)
	}
	// Non-XML entries are still extracted.
	_, err = os.Stat(filepath.Join(dest, "readme.txt"))
	assert.NoError(t, err)
}

func TestExtractRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "evil.zip")
	writeZip(t, zipPath, map[string]string{"../evil.xml": "<doc/>"})

	_, err := Extract(zipPath, filepath.Join(dir, "out"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes destination")
}

func TestExtractRejectsNonZip(t *testing.T) {
	dir := t.TempDir()
	notZip := filepath.Join(dir, "not.zip")
	require.NoError(t, os.WriteFile(notZip, []byte("plain text"), 0o644))

	_, err := Extract(notZip, filepath.Join(dir, "out"))
	assert.Error(t, err)
}

func TestSHA256File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o644))

	sum, err := SHA256File(path)
	require.NoError(t, err)
	// Well-known digest of "abc".
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", sum)

	_, err = SHA256File(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
