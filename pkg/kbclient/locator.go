package kbclient

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound means no configured share could serve the file.
	ErrNotFound = errors.New("kbclient: not found")
	// ErrInvalidLocator means the locator syntax is not recognized.
	ErrInvalidLocator = errors.New("kbclient: invalid locator")
)

// Locator is a parsed file reference: either a content hash or a share-relative path.
type Locator struct {
	SHA1     string
	Filename string
	ShareID  string
	Path     string
}

// ParseLocator accepts sha1://<hash>[/<filename>] and kbucket://<share>/<path>.
func ParseLocator(s string) (Locator, error) {
	switch {
	case strings.HasPrefix(s, "sha1://"):
		rest := strings.TrimPrefix(s, "sha1://")
		hash, filename, _ := strings.Cut(rest, "/")
		if !isSHA1(hash) {
			return Locator{}, fmt.Errorf("%w: %q is not a sha1", ErrInvalidLocator, hash)
		}
		return Locator{SHA1: strings.ToLower(hash), Filename: filename}, nil
	case strings.HasPrefix(s, "kbucket://"):
		rest := strings.TrimPrefix(s, "kbucket://")
		share, path, ok := strings.Cut(rest, "/")
		path = strings.Trim(path, "/")
		if !ok || share == "" || path == "" {
			return Locator{}, fmt.Errorf("%w: %q needs a share and a path", ErrInvalidLocator, s)
		}
		return Locator{ShareID: share, Path: path}, nil
	}
	return Locator{}, fmt.Errorf("%w: %q", ErrInvalidLocator, s)
}

func isSHA1(s string) bool {
	if len(s) != 40 {
		return false
	}
	for _, c := range strings.ToLower(s) {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// splitIndirect splits a "collection.key" share identifier.
func splitIndirect(id string) (collection, key string, ok bool) {
	collection, key, ok = strings.Cut(id, ".")
	return collection, key, ok && collection != "" && key != ""
}
