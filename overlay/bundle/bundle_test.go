package bundle

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeZip(t *testing.T, dir, name string, files map[string]string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	for n, content := range files {
		w, err := zw.Create(n)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return path
}

func TestUnsafeContentStrict(t *testing.T) {
	dir := t.TempDir()
	path := writeZip(t, dir, "bundle.zip", map[string]string{
		"index.md": "# hello",
		"evil.exe": "MZ\x00\x00",
	})

	b, err := Open(path)
	require.NoError(t, err)
	defer b.Close()

	err = b.ExtractAll(filepath.Join(dir, "out"), true)
	require.ErrorIs(t, err, ErrUnsafeContent)
}

func TestUnsafeContentNonStrictSkips(t *testing.T) {
	dir := t.TempDir()
	path := writeZip(t, dir, "bundle.zip", map[string]string{
		"index.md": "# hello",
		"evil.exe": "MZ\x00\x00",
	})

	b, err := Open(path)
	require.NoError(t, err)
	defer b.Close()

	dest := filepath.Join(dir, "out")
	require.NoError(t, b.ExtractAll(dest, false))

	_, err = os.Stat(filepath.Join(dest, "index.md"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dest, "evil.exe"))
	require.True(t, os.IsNotExist(err))
}

func TestRenderMarkdownManifest(t *testing.T) {
	dir := t.TempDir()
	path := writeZip(t, dir, "bundle.zip", map[string]string{
		"content.json": `{"version":"1.0","index":"pic.png","text":"hi"}`,
		"pic.png":      "fake-png-bytes",
	})

	b, err := Open(path)
	require.NoError(t, err)
	defer b.Close()

	md, err := b.RenderMarkdown()
	require.NoError(t, err)
	require.Equal(t, "![image](pic.png)\n\nhi", md)
}

func TestRenderMarkdownNoManifestPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := writeZip(t, dir, "bundle.zip", map[string]string{
		"index.txt": "plain text",
		"index.png": "ignored",
	})

	b, err := Open(path)
	require.NoError(t, err)
	defer b.Close()

	// no index.md present, so index.txt wins over the image indexes
	md, err := b.RenderMarkdown()
	require.NoError(t, err)
	require.Equal(t, "plain text", md)
}

func TestRenderMarkdownDeterministic(t *testing.T) {
	dir := t.TempDir()
	path := writeZip(t, dir, "bundle.zip", map[string]string{
		"index.md": "stable content",
	})

	b, err := Open(path)
	require.NoError(t, err)
	defer b.Close()

	md1, err := b.RenderMarkdown()
	require.NoError(t, err)
	md2, err := b.RenderMarkdown()
	require.NoError(t, err)
	require.Equal(t, md1, md2)
}

func TestUnsupportedManifestVersion(t *testing.T) {
	dir := t.TempDir()
	path := writeZip(t, dir, "bundle.zip", map[string]string{
		"content.json": `{"version":"2.0","text":"hi"}`,
	})

	_, err := Open(path)
	require.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestBundleFormatErrorWhenNeitherIndexNorText(t *testing.T) {
	dir := t.TempDir()
	path := writeZip(t, dir, "bundle.zip", map[string]string{
		"content.json": `{"version":"1.0"}`,
	})

	_, err := Open(path)
	require.ErrorIs(t, err, ErrBundleFormat)
}
