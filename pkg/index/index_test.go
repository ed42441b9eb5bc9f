package index

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kbnet/pkg/watcher"
)

const helloSHA1 = "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d"

func TestIndexFollowsWatcher(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "songs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "songs", "x.bin"), []byte("hello"), 0o644))

	ix := New(root, nil, nil)
	w := watcher.New(root, watcher.Options{})
	w.OnUpdate(ix.HandleUpdate)
	w.OnRemove(ix.HandleRemove)

	require.NoError(t, w.Pass(context.Background()))
	e, ok := ix.Lookup(helloSHA1)
	require.True(t, ok)
	assert.Equal(t, "songs/x.bin", e.RelativePath)
	assert.Equal(t, int64(5), e.Size)

	byPath, ok := ix.LookupPath("songs/x.bin")
	require.True(t, ok)
	assert.Equal(t, helloSHA1, byPath.SHA1)

	require.NoError(t, os.Remove(filepath.Join(root, "songs", "x.bin")))
	require.NoError(t, w.Pass(context.Background()))
	_, ok = ix.Lookup(helloSHA1)
	assert.False(t, ok)
	assert.Equal(t, 0, ix.Len())
}

func TestIndexEqualContentCollapses(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), []byte("hello"), 0o644))

	ix := New(root, nil, nil)
	for _, name := range []string{"a.txt", "b.txt"} {
		info, err := os.Stat(filepath.Join(root, name))
		require.NoError(t, err)
		ix.HandleUpdate(name, info)
	}
	assert.Equal(t, 1, ix.Len())
	e, _ := ix.Lookup(helloSHA1)
	assert.Equal(t, "b.txt", e.RelativePath)

	// removing the path that lost the slot leaves the winner in place
	ix.HandleRemove("a.txt")
	_, ok := ix.Lookup(helloSHA1)
	assert.True(t, ok)
}

func indexFiles(t *testing.T, root string, ix *Index, names ...string) {
	t.Helper()
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte("hello"), 0o644))
		info, err := os.Stat(filepath.Join(root, name))
		require.NoError(t, err)
		ix.HandleUpdate(name, info)
	}
}

func TestLookupPathKeepsOwnEntry(t *testing.T) {
	root := t.TempDir()
	ix := New(root, nil, nil)
	indexFiles(t, root, ix, "a.txt", "b.txt")

	for _, name := range []string{"a.txt", "b.txt"} {
		e, ok := ix.LookupPath(name)
		require.True(t, ok)
		assert.Equal(t, helloSHA1, e.SHA1)
		assert.Equal(t, int64(5), e.Size)
		assert.Equal(t, name, e.RelativePath)
	}
}

func TestRemovingSlotOwnerPromotesDuplicate(t *testing.T) {
	root := t.TempDir()
	ix := New(root, nil, nil)
	indexFiles(t, root, ix, "a.txt", "c.txt", "b.txt")

	ix.HandleRemove("b.txt")
	e, ok := ix.Lookup(helloSHA1)
	require.True(t, ok)
	assert.Equal(t, "a.txt", e.RelativePath)
	assert.Equal(t, int64(5), e.Size)

	ix.HandleRemove("a.txt")
	e, ok = ix.Lookup(helloSHA1)
	require.True(t, ok)
	assert.Equal(t, "c.txt", e.RelativePath)

	ix.HandleRemove("c.txt")
	_, ok = ix.Lookup(helloSHA1)
	assert.False(t, ok)
	assert.Equal(t, 0, ix.Len())
}

func TestCacheSkipsRehash(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))
	info, err := os.Stat(path)
	require.NoError(t, err)

	cache, err := OpenCache(filepath.Join(root, ".kbucket", "hashes.db"))
	require.NoError(t, err)
	defer cache.Close()

	cache.Store("a.txt", info, "cafebabe")
	sum, ok := cache.Lookup("a.txt", info)
	require.True(t, ok)
	assert.Equal(t, "cafebabe", sum)

	ix := New(root, cache, nil)
	ix.HandleUpdate("a.txt", info)
	_, ok = ix.Lookup("cafebabe")
	assert.True(t, ok, "cached hash used without reading the file")

	cache.Forget("a.txt")
	_, ok = cache.Lookup("a.txt", info)
	assert.False(t, ok)
}
