// Package kbclient turns file locators into a verified, reachable download URL.
package kbclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"kbnet/pkg/model"
	"kbnet/pkg/prv"
)

const defaultCacheSize = 256

// KV resolves an indirect "collection.key" share identifier.
type KV interface {
	Lookup(ctx context.Context, collection, key string) (string, error)
}

// Options configure a Client.
type Options struct {
	// HubURL is the base address shares are reached through: {HubURL}/{share id}/...
	HubURL string
	// Shares are searched when a locator names no share.
	Shares     []string
	KV         KV
	HTTPClient *http.Client
	CacheSize  int
	Logger     *zap.Logger
}

// Client resolves locators. It is safe for concurrent use.
type Client struct {
	opts Options
	http *http.Client
	ids  *lru.Cache[string, string]
	log  *zap.Logger
}

// New builds a client.
func New(opts Options) (*Client, error) {
	if opts.HubURL == "" {
		return nil, fmt.Errorf("kbclient: hub url required")
	}
	opts.HubURL = strings.TrimRight(opts.HubURL, "/")
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	ids, err := lru.New[string, string](opts.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Client{opts: opts, http: hc, ids: ids, log: opts.Logger.With(zap.String("component", "kbclient"))}, nil
}

// Resolve returns the first reachable URL for locator.
func (c *Client) Resolve(ctx context.Context, locator string) (string, error) {
	loc, err := ParseLocator(locator)
	if err != nil {
		return "", err
	}
	shares := c.opts.Shares
	sha1, filename := loc.SHA1, loc.Filename
	if loc.ShareID != "" {
		shareID, err := c.ShareID(ctx, loc.ShareID)
		if err != nil {
			return "", err
		}
		p, err := c.FetchPRV(ctx, shareID, loc.Path)
		if err != nil {
			return "", err
		}
		sha1, filename = p.OriginalChecksum, path.Base(loc.Path)
		shares = []string{shareID}
	}
	for _, s := range shares {
		shareID, err := c.ShareID(ctx, s)
		if err != nil {
			c.log.Debug("share id lookup failed", zap.String("share", s), zap.Error(err))
			continue
		}
		resp, err := c.Find(ctx, shareID, sha1, filename)
		if err != nil {
			c.log.Debug("find failed", zap.String("share", shareID), zap.Error(err))
			continue
		}
		for _, u := range resp.URLs {
			if c.Probe(ctx, u) {
				return u, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, locator)
}

// ShareID resolves an indirect "collection.key" identifier once per client; any
// other id is returned as is.
func (c *Client) ShareID(ctx context.Context, id string) (string, error) {
	collection, key, ok := splitIndirect(id)
	if !ok {
		return id, nil
	}
	if v, ok := c.ids.Get(id); ok {
		return v, nil
	}
	if c.opts.KV == nil {
		return "", fmt.Errorf("%w: no lookup service for %q", ErrInvalidLocator, id)
	}
	v, err := c.opts.KV.Lookup(ctx, collection, key)
	if err != nil {
		return "", err
	}
	c.ids.Add(id, v)
	return v, nil
}

// FetchPRV reads the descriptor a share publishes for relPath.
func (c *Client) FetchPRV(ctx context.Context, shareID, relPath string) (prv.PRV, error) {
	var p prv.PRV
	err := c.getJSON(ctx, c.shareURL(shareID, "prv", relPath), &p)
	if err != nil {
		return prv.PRV{}, err
	}
	if p.OriginalChecksum == "" {
		return prv.PRV{}, fmt.Errorf("%w: %s/%s has no descriptor", ErrNotFound, shareID, relPath)
	}
	return p, nil
}

// Find asks a share for the URLs of sha1.
func (c *Client) Find(ctx context.Context, shareID, sha1, filename string) (model.FindResponse, error) {
	var resp model.FindResponse
	segs := []string{"api", "find", sha1}
	if filename != "" {
		segs = append(segs, filename)
	}
	if err := c.getJSON(ctx, c.shareURL(shareID, segs...), &resp); err != nil {
		return resp, err
	}
	if !resp.Success {
		return resp, fmt.Errorf("find on %s: %s", shareID, resp.Error)
	}
	return resp, nil
}

// Probe checks that u answers without downloading it: HEAD first, then a one-byte
// ranged GET for servers that refuse HEAD.
func (c *Client) Probe(ctx context.Context, u string) bool {
	if ok, err := c.probe(ctx, http.MethodHead, u); err == nil && ok {
		return true
	}
	ok, err := c.probe(ctx, http.MethodGet, u)
	return err == nil && ok
}

func (c *Client) probe(ctx context.Context, method, u string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return false, err
	}
	if method == http.MethodGet {
		req.Header.Set("Range", "bytes=0-0")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	return resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent, nil
}

func (c *Client) shareURL(shareID string, segs ...string) string {
	var b strings.Builder
	b.WriteString(c.opts.HubURL)
	b.WriteString("/")
	b.WriteString(url.PathEscape(shareID))
	for _, s := range segs {
		for _, part := range strings.Split(s, "/") {
			if part == "" {
				continue
			}
			b.WriteString("/")
			b.WriteString(url.PathEscape(part))
		}
	}
	return b.String()
}

func (c *Client) getJSON(ctx context.Context, u string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, u)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get %s: status %d", u, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", u, err)
	}
	return nil
}

// IsNotFound reports whether err means the file is simply not reachable.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
