package prv

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestComputeFileDescriptor(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hello.txt")
	writeFile(t, path, "hello")

	p, err := ComputeFileDescriptor(path)
	require.NoError(t, err)
	assert.Equal(t, "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d", p.OriginalChecksum)
	assert.Equal(t, int64(5), p.OriginalSize)

	again, err := ComputeFileDescriptor(path)
	require.NoError(t, err)
	assert.Equal(t, p, again)
}

func TestComputeFileDescriptorMissing(t *testing.T) {
	_, err := ComputeFileDescriptor(filepath.Join(t.TempDir(), "nope"))
	var ioErr *IOError
	require.True(t, errors.As(err, &ioErr))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestComputeDirectoryDescriptor(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "alpha")
	writeFile(t, filepath.Join(root, "b.txt"), "bravo")
	writeFile(t, filepath.Join(root, "sub", "c.txt"), "charlie")

	d, err := ComputeDirectoryDescriptor(root)
	require.NoError(t, err)

	var seen []string
	d.Walk(func(rel string, p PRV) {
		seen = append(seen, rel)
		direct, err := ComputeFileDescriptor(filepath.Join(root, filepath.FromSlash(rel)))
		require.NoError(t, err)
		assert.Equal(t, direct, p)
	})
	assert.Equal(t, []string{"a.txt", "b.txt", "sub/c.txt"}, seen)
}

func TestDescriptorFilesRoundTrip(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "data", "x.bin"), "xyz")

	d, err := ComputeDirectoryDescriptor(filepath.Join(root, "data"))
	require.NoError(t, err)
	out := filepath.Join(root, "data.prvdir")
	require.NoError(t, WriteDirectoryFile(out, d))

	loaded, err := ReadDirectoryFile(out)
	require.NoError(t, err)
	assert.Equal(t, d.Files["x.bin"], loaded.Files["x.bin"])

	p := d.Files["x.bin"]
	require.NoError(t, WriteFile(filepath.Join(root, "x.prv"), p))
	back, err := ReadFile(filepath.Join(root, "x.prv"))
	require.NoError(t, err)
	assert.Equal(t, p, back)
}
