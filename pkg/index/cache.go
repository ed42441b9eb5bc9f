package index

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Cache remembers hashes per (path, size, mtime) across restarts so unchanged
// files are not re-read. A nil *Cache is valid and caches nothing.
type Cache struct {
	db *sql.DB
}

// OpenCache opens (creating if needed) the sqlite hash cache at path.
func OpenCache(path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir cache dir: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS file_hashes(path TEXT PRIMARY KEY, size INTEGER, mtime INTEGER, sha1 TEXT)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Cache{db: db}, nil
}

// Lookup returns the cached hash if the file has not changed since it was stored.
func (c *Cache) Lookup(rel string, info fs.FileInfo) (string, bool) {
	if c == nil {
		return "", false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var sum string
	err := c.db.QueryRowContext(ctx, `SELECT sha1 FROM file_hashes WHERE path=? AND size=? AND mtime=?`,
		rel, info.Size(), info.ModTime().UnixNano()).Scan(&sum)
	if err != nil {
		return "", false
	}
	return sum, true
}

// Store records the hash for the current stat of rel.
func (c *Cache) Store(rel string, info fs.FileInfo, sum string) {
	if c == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _ = c.db.ExecContext(ctx, `INSERT OR REPLACE INTO file_hashes(path, size, mtime, sha1) VALUES(?,?,?,?)`,
		rel, info.Size(), info.ModTime().UnixNano(), sum)
}

// Forget drops rel from the cache.
func (c *Cache) Forget(rel string) {
	if c == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _ = c.db.ExecContext(ctx, `DELETE FROM file_hashes WHERE path=?`, rel)
}

// Close releases the database.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.db.Close()
}
