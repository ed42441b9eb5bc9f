// Package resolver searches a hub's subtree for a file by content hash and ranks
// the URLs it can be downloaded from.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"kbnet/pkg/metrics"
	"kbnet/pkg/model"
	"kbnet/pkg/topology"
	"kbnet/pkg/tunnel"
)

// Query selects a file. Filename and KBShareID are optional.
type Query struct {
	SHA1      string
	Filename  string
	KBShareID string
}

// LocalIndex is the node's own file index, searched before its children.
type LocalIndex interface {
	Lookup(sha1 string) (model.FileIndexEntry, bool)
}

// Options configure a Resolver.
type Options struct {
	// Self returns this node's current public info.
	Self     func() model.NodeInfo
	Registry *topology.Registry
	// Local is set on share nodes.
	Local   LocalIndex
	Metrics *metrics.Collector
	Logger  *zap.Logger
}

// Resolver runs searches over one node's registry.
type Resolver struct {
	opts Options
	log  *zap.Logger
}

// New builds a resolver. A nil Registry searches only the local index.
func New(opts Options) *Resolver {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if opts.Registry == nil {
		opts.Registry = topology.NewRegistry()
	}
	if opts.Self == nil {
		opts.Self = func() model.NodeInfo { return model.NodeInfo{} }
	}
	return &Resolver{opts: opts, log: opts.Logger.With(zap.String("component", "resolver"))}
}

// hit is a result plus the child hub it came through, if any.
type hit struct {
	model.FindResult
	via string
}

// FindFile searches the local index, then connected leaves in registration order,
// then each child hub in turn. A child hub that fails contributes nothing. Results
// are not de-duplicated.
func (r *Resolver) FindFile(ctx context.Context, q Query) model.FindResponse {
	r.opts.Metrics.FindRequests.Inc()
	self := r.opts.Self()
	sha1 := strings.ToLower(q.SHA1)

	var hits []hit
	if r.opts.Local != nil && (q.KBShareID == "" || q.KBShareID == self.NodeID) {
		if e, ok := r.opts.Local.Lookup(sha1); ok {
			hits = append(hits, hit{FindResult: model.FindResult{KBShareID: self.NodeID, Size: e.Size, Path: e.RelativePath}})
		}
	}

	for _, id := range r.opts.Registry.ListLeafIDs() {
		if q.KBShareID != "" && id != q.KBShareID {
			continue
		}
		entry, ok := r.opts.Registry.Get(id)
		if !ok {
			continue
		}
		if e, ok := entry.Data.Files[sha1]; ok {
			hits = append(hits, hit{FindResult: model.FindResult{KBShareID: id, Size: e.Size, Path: e.RelativePath}})
		}
	}

	for _, id := range r.opts.Registry.ListChildHubIDs() {
		results, err := r.queryChildHub(ctx, id, q)
		if err != nil {
			r.log.Debug("child hub search failed", zap.String("hub", id), zap.Error(err))
			continue
		}
		for _, res := range results {
			hits = append(hits, hit{FindResult: res, via: id})
		}
	}

	resp := model.FindResponse{Success: true, Found: len(hits) > 0, Results: []model.FindResult{}, URLs: []string{}}
	if len(hits) == 0 {
		return resp
	}
	snapshot := r.opts.Registry.SnapshotForParent(self.NodeID)
	seen := make(map[string]struct{})
	for _, h := range hits {
		resp.Results = append(resp.Results, h.FindResult)
		for _, u := range candidateURLs(snapshot, self, h) {
			if _, dup := seen[u]; dup {
				continue
			}
			seen[u] = struct{}{}
			resp.URLs = append(resp.URLs, u)
		}
	}
	return resp
}

func (r *Resolver) queryChildHub(ctx context.Context, id string, q Query) ([]model.FindResult, error) {
	entry, ok := r.opts.Registry.Get(id)
	if !ok || entry.Tunnel == nil {
		return nil, fmt.Errorf("%w: hub %s not connected", tunnel.ErrTransport, id)
	}
	resp, err := entry.Tunnel.Do(ctx, tunnel.HTTPRequest{Method: http.MethodGet, Path: FindPath(q)})
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: %s", tunnel.ErrTransport, resp.Error)
	}
	if resp.Status != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", tunnel.ErrTransport, resp.Status)
	}
	var fr model.FindResponse
	if err := json.Unmarshal(resp.Body, &fr); err != nil {
		return nil, fmt.Errorf("decode find response: %w", err)
	}
	if !fr.Success {
		return nil, fmt.Errorf("child hub reported failure: %s", fr.Error)
	}
	return fr.Results, nil
}

// FindPath is the path a hub asks a child hub for.
func FindPath(q Query) string {
	p := "/find/" + url.PathEscape(q.SHA1)
	if q.KBShareID != "" {
		p = "/" + url.PathEscape(q.KBShareID) + p
	}
	if q.Filename != "" {
		p += "/" + url.PathEscape(q.Filename)
	}
	return p
}

// candidateURLs lists download locations for one hit: the share itself, then each
// ancestor hub with an address, then this node.
func candidateURLs(snapshot map[string]model.DescendantNode, self model.NodeInfo, h hit) []string {
	var urls []string
	start := h.via
	if share, ok := snapshot[h.KBShareID]; ok {
		if share.ListenURL != "" {
			urls = append(urls, DownloadURL(share.ListenURL, "", h.Path))
		}
		start = share.ParentNodeID
	} else if h.KBShareID == self.NodeID && self.ListenURL != "" {
		urls = append(urls, DownloadURL(self.ListenURL, "", h.Path))
	}
	for _, hub := range topology.AncestorChain(snapshot, start) {
		if hub.ListenURL != "" {
			urls = append(urls, DownloadURL(hub.ListenURL, h.KBShareID, h.Path))
		}
	}
	if self.ListenURL != "" {
		urls = append(urls, DownloadURL(self.ListenURL, h.KBShareID, h.Path))
	}
	return urls
}

// DownloadURL joins base with the download route. An empty shareID addresses the
// share's own listener.
func DownloadURL(base, shareID, relPath string) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(base, "/"))
	if shareID != "" {
		b.WriteString("/")
		b.WriteString(url.PathEscape(shareID))
	}
	b.WriteString("/download")
	for _, seg := range strings.Split(relPath, "/") {
		if seg == "" {
			continue
		}
		b.WriteString("/")
		b.WriteString(url.PathEscape(seg))
	}
	return b.String()
}
