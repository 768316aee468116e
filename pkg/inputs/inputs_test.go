package inputs

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00\x1f\x15\xc4\x89")
	pdfHeader = []byte("%PDF-1.7\n%\xe2\xe3\xcf\xd3\n1 0 obj\n<<>>\nendobj\n")
	jpgHeader = []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func tree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "scans/a.png", pngHeader)
	writeFile(t, dir, "scans/b.png", pngHeader)
	writeFile(t, dir, "scans/2026/c.jpg", jpgHeader)
	writeFile(t, dir, "scans/.cache/d.png", pngHeader)
	writeFile(t, dir, "scans/notes.txt", []byte("plain text notes\n"))
	writeFile(t, dir, "forms/w2.pdf", pdfHeader)
	return dir
}

func TestExpand(t *testing.T) {
	dir := tree(t)
	j := func(p string) string { return filepath.Join(dir, filepath.FromSlash(p)) }

	t.Run("doublestar glob skips hidden", func(t *testing.T) {
		got, err := Expand([]string{filepath.Join(dir, "scans", "**", "*.{png,jpg}")}, Options{})
		require.NoError(t, err)
		assert.Equal(t, []string{j("scans/2026/c.jpg"), j("scans/a.png"), j("scans/b.png")}, got)
	})

	t.Run("include hidden", func(t *testing.T) {
		got, err := Expand([]string{filepath.Join(dir, "scans", "**", "*.png")}, Options{IncludeHidden: true})
		require.NoError(t, err)
		assert.Contains(t, got, j("scans/.cache/d.png"))
	})

	t.Run("literal and glob deduplicated in argument order", func(t *testing.T) {
		got, err := Expand([]string{j("forms/w2.pdf"), j("scans/b.png"), filepath.Join(dir, "scans", "*.png")}, Options{})
		require.NoError(t, err)
		assert.Equal(t, []string{j("forms/w2.pdf"), j("scans/b.png"), j("scans/a.png")}, got)
	})

	t.Run("excludes", func(t *testing.T) {
		got, err := Expand([]string{filepath.Join(dir, "scans", "*.png")}, Options{Excludes: []string{filepath.ToSlash(filepath.Join(dir, "scans", "b.*"))}})
		require.NoError(t, err)
		assert.Equal(t, []string{j("scans/a.png")}, got)
	})

	t.Run("no match", func(t *testing.T) {
		_, err := Expand([]string{filepath.Join(dir, "*.heic")}, Options{})
		assert.ErrorIs(t, err, ErrNoMatch)
	})

	t.Run("missing literal", func(t *testing.T) {
		_, err := Expand([]string{j("nope.png")}, Options{})
		require.Error(t, err)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("directory literal", func(t *testing.T) {
		_, err := Expand([]string{j("scans")}, Options{})
		require.Error(t, err)
		var pe *PathError
		assert.ErrorAs(t, err, &pe)
	})

	t.Run("invalid pattern", func(t *testing.T) {
		_, err := Expand([]string{filepath.Join(dir, "[")}, Options{})
		assert.ErrorIs(t, err, ErrInvalidPattern)
	})
}

func TestLoad(t *testing.T) {
	dir := tree(t)

	img, err := Load(filepath.Join(dir, "scans", "a.png"), Options{})
	require.NoError(t, err)
	assert.Equal(t, "image/png", img.MimeType)
	assert.Equal(t, pngHeader, img.Data)

	img, err = Load(filepath.Join(dir, "forms", "w2.pdf"), Options{})
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", img.MimeType)

	_, err = Load(filepath.Join(dir, "scans", "notes.txt"), Options{})
	assert.ErrorIs(t, err, ErrUnsupportedType)

	big := writeFile(t, dir, "big.png", append(bytes.Clone(pngHeader), make([]byte, 64)...))
	_, err = Load(big, Options{MaxFileBytes: 32})
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestLoadAll(t *testing.T) {
	dir := tree(t)

	images, paths, err := LoadAll([]string{filepath.Join(dir, "scans", "*.png")}, Options{})
	require.NoError(t, err)
	assert.Len(t, images, 2)
	assert.Len(t, paths, 2)

	_, _, err = LoadAll([]string{filepath.Join(dir, "scans", "*")}, Options{})
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

func TestDetect(t *testing.T) {
	assert.Equal(t, "image/png", Detect(pngHeader))
	assert.Equal(t, "image/jpeg", Detect(jpgHeader))
	assert.Equal(t, "text/plain", Detect([]byte("hello world")))
}
