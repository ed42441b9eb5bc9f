package model

// FileIndexEntry is one slot of a share's local index, keyed by content hash.
// Distinct paths with equal content collapse into one slot; the last writer wins.
type FileIndexEntry struct {
	SHA1         string `json:"sha1"`
	Size         int64  `json:"size"`
	RelativePath string `json:"path"`
}

// FindResult is one hit of a distributed search.
type FindResult struct {
	KBShareID string `json:"kbshare_id"`
	Size      int64  `json:"size"`
	Path      string `json:"path"`
}

// FindResponse is the wire shape of the find endpoints.
type FindResponse struct {
	Success bool         `json:"success"`
	Found   bool         `json:"found"`
	Results []FindResult `json:"results"`
	URLs    []string     `json:"urls"`
	Error   string       `json:"error,omitempty"`
}
