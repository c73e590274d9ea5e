package vault

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notedex/notedex/internal/errors"
)

func testOptions() Options {
	return Options{
		Extensions: []string{".md", ".txt"},
		Exclude:    []string{".notedex/", ".git/", "templates/"},
	}
}

func writeFile(t *testing.T, root, relPath, content string) {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(relPath))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
}

func TestOpen_RejectsMissingRoot(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope"), testOptions())

	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeConfigInvalid, errors.GetCode(err))
}

func TestVault_ListFiltersByExtensionAndExclusion(t *testing.T) {
	// Given: a vault with notes, foreign files, and excluded directories
	root := t.TempDir()
	writeFile(t, root, "carbon.md", "# Carbon")
	writeFile(t, root, "notes/quantum.md", "# Quantum")
	writeFile(t, root, "plain.txt", "plain")
	writeFile(t, root, "image.png", "binary")
	writeFile(t, root, "templates/daily.md", "# Template")
	writeFile(t, root, ".notedex/index.json", "{}")

	v, err := Open(root, testOptions())
	require.NoError(t, err)

	// When: listing
	files, err := v.List(context.Background())
	require.NoError(t, err)

	// Then: only matching extensions outside exclusions survive
	paths := make([]string, 0, len(files))
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	assert.ElementsMatch(t, []string{"carbon.md", "notes/quantum.md", "plain.txt"}, paths)
}

func TestVault_ListSkipsOversizedFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "small.md", "ok")
	writeFile(t, root, "big.md", "0123456789")

	v, err := Open(root, Options{Extensions: []string{".md"}, MaxFileSize: 5})
	require.NoError(t, err)

	files, err := v.List(context.Background())
	require.NoError(t, err)

	require.Len(t, files, 1)
	assert.Equal(t, "small.md", files[0].Path)
}

func TestVault_ReadReturnsContentAndInfo(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "notes/carbon.md", "# Carbon Accounting")

	v, err := Open(root, testOptions())
	require.NoError(t, err)

	data, info, err := v.Read(context.Background(), "notes/carbon.md")
	require.NoError(t, err)

	assert.Equal(t, "# Carbon Accounting", string(data))
	assert.Equal(t, "notes/carbon.md", info.Path)
	assert.False(t, info.ModTime.IsZero())
}

func TestVault_ReadExcludedPathFails(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "templates/daily.md", "# Template")

	v, err := Open(root, testOptions())
	require.NoError(t, err)

	_, _, err = v.Read(context.Background(), "templates/daily.md")

	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeExcludedPath, errors.GetCode(err))
}

func TestVault_ReadMissingFileFails(t *testing.T) {
	v, err := Open(t.TempDir(), testOptions())
	require.NoError(t, err)

	_, _, err = v.Read(context.Background(), "ghost.md")

	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeDocumentRead, errors.GetCode(err))
}

func TestVault_ReadRejectsEscapingPaths(t *testing.T) {
	v, err := Open(t.TempDir(), testOptions())
	require.NoError(t, err)

	for _, p := range []string{"../outside.md", "a/../../outside.md"} {
		_, _, err := v.Read(context.Background(), p)
		assert.Error(t, err, p)
	}
}

func TestVault_Accepts(t *testing.T) {
	v, err := Open(t.TempDir(), testOptions())
	require.NoError(t, err)

	assert.True(t, v.Accepts("notes/a.md"))
	assert.True(t, v.Accepts("A.MD"), "extension match is case-insensitive")
	assert.False(t, v.Accepts("notes/a.png"))
	assert.False(t, v.Accepts(".notedex/a.md"))
	assert.False(t, v.Accepts("templates/sub/a.md"))
	assert.True(t, v.Accepts("templates2/a.md"), "prefix match is per path segment")
}

func TestContentHash_Deterministic(t *testing.T) {
	a := ContentHash([]byte("same content"))
	b := ContentHash([]byte("same content"))
	c := ContentHash([]byte("other content"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
