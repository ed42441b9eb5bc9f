package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"kbnet/pkg/tunnel"
)

// maxRelayBody bounds a relayed response held in memory.
const maxRelayBody = 256 << 20

// TunnelServer re-issues tunneled requests against the node's own HTTP listener.
type TunnelServer struct {
	baseURL string
	client  *http.Client
	maxBody int64
}

// NewTunnelServer targets the local API at baseURL (e.g. http://127.0.0.1:2000).
func NewTunnelServer(baseURL string, client *http.Client) *TunnelServer {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &TunnelServer{baseURL: strings.TrimRight(baseURL, "/"), client: client, maxBody: maxRelayBody}
}

// Relay performs req locally. Failures become a 502 response rather than an error
// so the parent always gets an answer.
func (s *TunnelServer) Relay(ctx context.Context, req tunnel.HTTPRequest) tunnel.HTTPResponse {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	path := req.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, bytes.NewReader(req.Body))
	if err != nil {
		return badGateway(fmt.Errorf("build request: %w", err))
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	resp, err := s.client.Do(httpReq)
	if err != nil {
		return badGateway(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBody+1))
	if err != nil {
		return badGateway(fmt.Errorf("read body: %w", err))
	}
	if int64(len(body)) > s.maxBody {
		return badGateway(fmt.Errorf("response body exceeds %d bytes", s.maxBody))
	}
	return tunnel.HTTPResponse{Status: resp.StatusCode, Header: resp.Header, Body: body}
}

func badGateway(err error) tunnel.HTTPResponse {
	return tunnel.HTTPResponse{Status: http.StatusBadGateway, Error: err.Error()}
}
