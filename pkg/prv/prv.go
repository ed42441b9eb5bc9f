// Package prv computes and persists content descriptors. A PRV names a file by its
// sha1 and size; a Directory names a tree of them by entry name.
package prv

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// PRV describes a file by content.
type PRV struct {
	OriginalChecksum string `json:"original_checksum"`
	OriginalSize     int64  `json:"original_size"`
	OriginalPath     string `json:"original_path,omitempty"`
}

// Directory mirrors a directory tree. Each entry is either a file descriptor or a
// nested directory, keyed by entry name.
type Directory struct {
	Files map[string]PRV        `json:"files"`
	Dirs  map[string]*Directory `json:"dirs"`
}

// IOError reports a filesystem failure while computing a descriptor.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string { return fmt.Sprintf("prv: %s: %v", e.Path, e.Err) }

func (e *IOError) Unwrap() error { return e.Err }

// ComputeFileDescriptor hashes the file at path.
func ComputeFileDescriptor(path string) (PRV, error) {
	f, err := os.Open(path)
	if err != nil {
		return PRV{}, &IOError{Path: path, Err: err}
	}
	defer f.Close()
	h := sha1.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return PRV{}, &IOError{Path: path, Err: err}
	}
	return PRV{
		OriginalChecksum: hex.EncodeToString(h.Sum(nil)),
		OriginalSize:     n,
	}, nil
}

// ComputeDirectoryDescriptor descends into path. Any unreadable descendant fails the
// whole call; no partial tree is returned.
func ComputeDirectoryDescriptor(path string) (*Directory, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, &IOError{Path: path, Err: err}
	}
	dir := &Directory{Files: map[string]PRV{}, Dirs: map[string]*Directory{}}
	for _, e := range entries {
		child := filepath.Join(path, e.Name())
		if e.IsDir() {
			sub, err := ComputeDirectoryDescriptor(child)
			if err != nil {
				return nil, err
			}
			dir.Dirs[e.Name()] = sub
			continue
		}
		if !e.Type().IsRegular() {
			continue
		}
		p, err := ComputeFileDescriptor(child)
		if err != nil {
			return nil, err
		}
		dir.Files[e.Name()] = p
	}
	return dir, nil
}

// Walk visits every file descriptor depth-first, in name order. rel is the
// slash-separated path below the directory root.
func (d *Directory) Walk(fn func(rel string, p PRV)) {
	d.walk("", fn)
}

func (d *Directory) walk(prefix string, fn func(string, PRV)) {
	names := make([]string, 0, len(d.Files))
	for name := range d.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fn(prefix+name, d.Files[name])
	}
	dirs := make([]string, 0, len(d.Dirs))
	for name := range d.Dirs {
		dirs = append(dirs, name)
	}
	sort.Strings(dirs)
	for _, name := range dirs {
		d.Dirs[name].walk(prefix+name+"/", fn)
	}
}

// WriteFile stores a descriptor as a .prv JSON document.
func WriteFile(path string, p PRV) error {
	return writeJSON(path, p)
}

// ReadFile loads a .prv document.
func ReadFile(path string) (PRV, error) {
	var p PRV
	if err := readJSON(path, &p); err != nil {
		return PRV{}, err
	}
	return p, nil
}

// WriteDirectoryFile stores a directory descriptor as a .prvdir JSON document.
func WriteDirectoryFile(path string, d *Directory) error {
	return writeJSON(path, d)
}

// ReadDirectoryFile loads a .prvdir document.
func ReadDirectoryFile(path string) (*Directory, error) {
	var d Directory
	if err := readJSON(path, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func writeJSON(path string, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return &IOError{Path: path, Err: err}
	}
	return nil
}

func readJSON(path string, v interface{}) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return &IOError{Path: path, Err: err}
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
