// Package api exposes a node's HTTP surface: search, descriptors, downloads and the
// child tunnel endpoint, proxying requests for descendants through their tunnels.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"kbnet/pkg/agent"
	"kbnet/pkg/logging"
	"kbnet/pkg/model"
	"kbnet/pkg/prv"
	"kbnet/pkg/resolver"
	"kbnet/pkg/topology"
	"kbnet/pkg/tunnel"
)

// forwarded are the request headers passed down a tunnel.
var forwarded = []string{"Accept", "Range", "If-Range", "If-None-Match", "If-Modified-Since"}

// hopByHop are response headers not copied back from a tunnel.
var hopByHop = map[string]bool{"Connection": true, "Content-Length": true, "Keep-Alive": true, "Transfer-Encoding": true}

// Server serves one node's API.
type Server struct {
	d    Deps
	log  *zap.Logger
	auth func(r *http.Request) bool
}

// NewServer fills defaults for optional dependencies.
func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Registry == nil {
		d.Registry = topology.NewRegistry()
	}
	if d.Self == nil {
		d.Self = func() model.NodeInfo { return model.NodeInfo{} }
	}
	if d.Resolver == nil {
		d.Resolver = resolver.New(resolver.Options{Self: d.Self, Registry: d.Registry, Metrics: d.Metrics, Logger: d.Logger})
	}
	return &Server{d: d, log: d.Logger.With(zap.String("component", "api")), auth: authFunc(d.AdminToken)}
}

// Handler wires the routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.d.Metrics != nil {
		mux.Handle("GET /metrics", s.d.Metrics.Handler())
	}
	if s.d.Hub != nil {
		mux.HandleFunc("GET "+agent.ChildPath, s.d.Hub.HandleChildWS)
		mux.HandleFunc("GET /api/v1/audit", s.handleAudit)
	}
	mux.HandleFunc("GET /find/{sha1}", s.handleFind)
	mux.HandleFunc("GET /find/{sha1}/{filename}", s.handleFind)
	mux.HandleFunc("GET /download/{path...}", func(w http.ResponseWriter, r *http.Request) {
		s.serveDownload(w, r, r.PathValue("path"))
	})
	mux.HandleFunc("GET /{node}/{rest...}", s.handleNode)
	return logging.Middleware(s.d.Logger)(mux)
}

func (s *Server) handleFind(w http.ResponseWriter, r *http.Request) {
	q := resolver.Query{SHA1: r.PathValue("sha1"), Filename: r.PathValue("filename")}
	writeJSON(w, r, http.StatusOK, s.d.Resolver.FindFile(r.Context(), q))
}

// handleNode serves /{node}/... for this node itself, and forwards everything
// addressed to a descendant except searches, which are answered here.
func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	node := r.PathValue("node")
	op, tail, _ := strings.Cut(r.PathValue("rest"), "/")
	if op == "api" {
		op, tail, _ = strings.Cut(tail, "/")
	}
	self := s.d.Self()

	if op == "find" {
		s.findScoped(w, r, node, tail)
		return
	}
	if node != self.NodeID {
		s.proxy(w, r, node)
		return
	}
	switch op {
	case "nodeinfo":
		s.handleNodeInfo(w, r, self)
	case "prv":
		s.servePRV(w, r, tail)
	case "download":
		s.serveDownload(w, r, tail)
	default:
		writeError(w, r, http.StatusNotFound, "unknown endpoint")
	}
}

func (s *Server) findScoped(w http.ResponseWriter, r *http.Request, shareID, tail string) {
	sha1, filename, _ := strings.Cut(tail, "/")
	if sha1 == "" {
		writeError(w, r, http.StatusBadRequest, "sha1 required")
		return
	}
	q := resolver.Query{SHA1: sha1, Filename: filename, KBShareID: shareID}
	writeJSON(w, r, http.StatusOK, s.d.Resolver.FindFile(r.Context(), q))
}

func (s *Server) handleNodeInfo(w http.ResponseWriter, r *http.Request, self model.NodeInfo) {
	resp := NodeInfoResponse{Info: self}
	if s.d.Metrics != nil {
		resp.Metrics = s.d.Metrics.Snapshot()
	}
	if s.d.Parent != nil {
		if p, ok := s.d.Parent.ParentHubInfo(); ok {
			resp.ParentHubInfo = &p
		}
		resp.TopHubURL = s.d.Parent.TopHubURL()
	}
	if ids := s.d.Registry.ListLeafIDs(); len(ids) > 0 {
		resp.ChildShares = make(map[string]model.NodeInfo, len(ids))
		for _, id := range ids {
			if e, ok := s.d.Registry.Get(id); ok {
				resp.ChildShares[id] = e.Info
			}
		}
	}
	if ids := s.d.Registry.ListChildHubIDs(); len(ids) > 0 {
		resp.ChildHubs = make(map[string]model.NodeInfo, len(ids))
		for _, id := range ids {
			if e, ok := s.d.Registry.Get(id); ok {
				resp.ChildHubs[id] = e.Info
			}
		}
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// servePRV answers from the index when the path is indexed, otherwise computes the
// descriptor from disk. Directories get a directory descriptor.
func (s *Server) servePRV(w http.ResponseWriter, r *http.Request, rel string) {
	if s.d.Index != nil {
		if e, ok := s.d.Index.LookupPath(rel); ok && e.SHA1 != "" {
			writeJSON(w, r, http.StatusOK, prv.PRV{OriginalChecksum: e.SHA1, OriginalSize: e.Size})
			return
		}
	}
	full, err := s.sharePath(rel)
	if err != nil {
		writeError(w, r, http.StatusNotFound, err.Error())
		return
	}
	info, err := os.Stat(full)
	if err != nil {
		writeError(w, r, http.StatusNotFound, "no such path")
		return
	}
	if info.IsDir() {
		d, err := prv.ComputeDirectoryDescriptor(full)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, r, http.StatusOK, d)
		return
	}
	p, err := prv.ComputeFileDescriptor(full)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, p)
}

func (s *Server) serveDownload(w http.ResponseWriter, r *http.Request, rel string) {
	full, err := s.sharePath(rel)
	if err != nil {
		writeError(w, r, http.StatusNotFound, err.Error())
		return
	}
	info, err := os.Stat(full)
	if err != nil || !info.Mode().IsRegular() {
		writeError(w, r, http.StatusNotFound, "no such file")
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", info.Name()))
	http.ServeFile(w, r, full)
}

// sharePath maps a slash-separated share-relative path into the share root.
func (s *Server) sharePath(rel string) (string, error) {
	if s.d.ShareRoot == "" {
		return "", errors.New("this node has no share")
	}
	clean := path.Clean("/" + rel)
	if clean == "/" {
		return "", errors.New("path required")
	}
	return filepath.Join(s.d.ShareRoot, filepath.FromSlash(clean)), nil
}

// proxy relays r to the child through which node is reachable.
func (s *Server) proxy(w http.ResponseWriter, r *http.Request, node string) {
	entry, ok := s.d.Registry.RouteFor(node)
	if !ok || entry.Tunnel == nil {
		writeError(w, r, http.StatusNotFound, "unknown node "+node)
		return
	}
	req := tunnel.HTTPRequest{Method: r.Method, Path: r.URL.RequestURI(), Header: http.Header{}}
	for _, h := range forwarded {
		if v := r.Header.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}
	resp, err := entry.Tunnel.Do(r.Context(), req)
	if err != nil {
		logging.WithContext(r.Context(), s.log).Warn("tunnel request failed", zap.String("node", node), zap.String("via", entry.NodeID()), zap.Error(err))
		writeError(w, r, http.StatusBadGateway, "node unreachable")
		return
	}
	if resp.Status == 0 || (resp.Error != "" && len(resp.Body) == 0) {
		status := resp.Status
		if status == 0 {
			status = http.StatusBadGateway
		}
		writeError(w, r, status, resp.Error)
		return
	}
	for k, vs := range resp.Header {
		if hopByHop[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(resp.Status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(resp.Body)
	}
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if !s.auth(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.d.Audit == nil {
		writeJSON(w, r, http.StatusOK, []model.AuditEntry{})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.d.Audit.ListAudit(limit)
	if err != nil {
		logging.WithContext(r.Context(), s.log).Error("list audit failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "failed to list audit")
		return
	}
	writeJSON(w, r, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.WithContext(r.Context(), logging.L()).Debug("failed to write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, r, status, errorResponse{Success: false, Error: msg})
}
