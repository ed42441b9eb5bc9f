// Package index maintains a share's sha1 -> file index from watcher events.
package index

import (
	"io/fs"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"kbnet/pkg/model"
	"kbnet/pkg/prv"
)

// Index maps content hashes to the file currently holding them.
type Index struct {
	root  string
	cache *Cache
	log   *zap.Logger

	mu     sync.RWMutex
	bySHA1 map[string]model.FileIndexEntry
	byPath map[string]model.FileIndexEntry
}

// New creates an empty index over root. cache may be nil.
func New(root string, cache *Cache, logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		root:   root,
		cache:  cache,
		log:    logger.With(zap.String("component", "index")),
		bySHA1: make(map[string]model.FileIndexEntry),
		byPath: make(map[string]model.FileIndexEntry),
	}
}

// HandleUpdate hashes rel and records it. An unreadable file is logged and left out.
func (ix *Index) HandleUpdate(rel string, info fs.FileInfo) {
	sum, ok := ix.cache.Lookup(rel, info)
	size := info.Size()
	if !ok {
		p, err := prv.ComputeFileDescriptor(filepath.Join(ix.root, filepath.FromSlash(rel)))
		if err != nil {
			ix.log.Warn("skip unhashable file", zap.String("path", rel), zap.Error(err))
			return
		}
		sum, size = p.OriginalChecksum, p.OriginalSize
		ix.cache.Store(rel, info, sum)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.dropPathLocked(rel)
	e := model.FileIndexEntry{SHA1: sum, Size: size, RelativePath: rel}
	ix.bySHA1[sum] = e
	ix.byPath[rel] = e
}

// HandleRemove forgets rel.
func (ix *Index) HandleRemove(rel string) {
	ix.mu.Lock()
	ix.dropPathLocked(rel)
	ix.mu.Unlock()
	ix.cache.Forget(rel)
}

// dropPathLocked forgets rel. When rel held the hash slot, another path with the
// same content takes it over (lowest path first).
func (ix *Index) dropPathLocked(rel string) {
	old, ok := ix.byPath[rel]
	if !ok {
		return
	}
	delete(ix.byPath, rel)
	if e, ok := ix.bySHA1[old.SHA1]; !ok || e.RelativePath != rel {
		return
	}
	delete(ix.bySHA1, old.SHA1)
	var next model.FileIndexEntry
	for p, e := range ix.byPath {
		if e.SHA1 == old.SHA1 && (next.RelativePath == "" || p < next.RelativePath) {
			next = e
		}
	}
	if next.RelativePath != "" {
		ix.bySHA1[old.SHA1] = next
	}
}

// Reset empties the index; used together with a watcher restart.
func (ix *Index) Reset() {
	ix.mu.Lock()
	ix.bySHA1 = make(map[string]model.FileIndexEntry)
	ix.byPath = make(map[string]model.FileIndexEntry)
	ix.mu.Unlock()
}

// Lookup returns the entry for a content hash.
func (ix *Index) Lookup(sha1 string) (model.FileIndexEntry, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.bySHA1[sha1]
	return e, ok
}

// LookupPath returns the entry currently stored for rel.
func (ix *Index) LookupPath(rel string) (model.FileIndexEntry, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.byPath[rel]
	return e, ok
}

// Snapshot copies the index for advertising to a parent hub.
func (ix *Index) Snapshot() map[string]model.FileIndexEntry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make(map[string]model.FileIndexEntry, len(ix.bySHA1))
	for k, v := range ix.bySHA1 {
		out[k] = v
	}
	return out
}

// Len reports the number of distinct hashes.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.bySHA1)
}
