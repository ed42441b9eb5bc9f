package hub

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"kbnet/pkg/model"
	"kbnet/pkg/tunnel"
)

// Child is the hub's handle on one connected child. It implements topology.Tunnel.
type Child struct {
	hub  *Hub
	info model.NodeInfo
	pub  ed25519.PublicKey
	conn *tunnel.Conn

	mu        sync.Mutex
	pending   map[string]chan tunnel.HTTPResponse
	done      chan struct{}
	closeOnce sync.Once
}

func newChild(h *Hub, conn *tunnel.Conn, info model.NodeInfo, pub ed25519.PublicKey) *Child {
	return &Child{
		hub:     h,
		info:    info,
		pub:     pub,
		conn:    conn,
		pending: make(map[string]chan tunnel.HTTPResponse),
		done:    make(chan struct{}),
	}
}

// Info is what the child registered with.
func (c *Child) Info() model.NodeInfo { return c.info }

// Do sends req down the tunnel and waits for the matching http_response.
func (c *Child) Do(ctx context.Context, req tunnel.HTTPRequest) (tunnel.HTTPResponse, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.hub.opts.RequestTimeout)
		defer cancel()
	}
	ch := make(chan tunnel.HTTPResponse, 1)
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return tunnel.HTTPResponse{}, fmt.Errorf("%w: child %s disconnected", tunnel.ErrTransport, c.info.NodeID)
	default:
	}
	c.pending[req.RequestID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.RequestID)
		c.mu.Unlock()
	}()

	msg := tunnel.NewMessageType(tunnel.KindHTTP)
	msg.Request = &req
	if err := c.conn.Send(msg, false); err != nil {
		return tunnel.HTTPResponse{}, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-c.done:
		return tunnel.HTTPResponse{}, fmt.Errorf("%w: child %s disconnected", tunnel.ErrTransport, c.info.NodeID)
	case <-ctx.Done():
		return tunnel.HTTPResponse{}, fmt.Errorf("%w: %s %s: %v", tunnel.ErrTransport, req.Method, req.Path, ctx.Err())
	}
}

func (c *Child) deliver(resp tunnel.HTTPResponse) {
	c.mu.Lock()
	ch, ok := c.pending[resp.RequestID]
	c.mu.Unlock()
	if !ok {
		c.hub.log.Debug("response for unknown request", zap.String("request_id", resp.RequestID))
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

// readLoop handles every message after registration. Each one must verify against
// the key the child registered with.
func (c *Child) readLoop() {
	var reason error
	defer func() { c.close(reason) }()
	for {
		env, err := c.conn.Receive()
		if err != nil {
			reason = err
			return
		}
		msg, err := tunnel.Open(env, c.pub)
		if err != nil {
			reason = err
			return
		}
		if msg.NodeID != c.info.NodeID {
			reason = fmt.Errorf("%w: message from %s on tunnel of %s", tunnel.ErrProtocol, msg.NodeID, c.info.NodeID)
			return
		}
		switch msg.Kind() {
		case tunnel.KindReportNodeData:
			if msg.Data == nil {
				continue
			}
			if c.hub.opts.Registry.UpdateData(c.info.NodeID, *msg.Data) {
				c.hub.changed()
			}
		case tunnel.KindHTTPResponse:
			if msg.Response == nil {
				reason = fmt.Errorf("%w: http_response without body", tunnel.ErrProtocol)
				return
			}
			c.deliver(*msg.Response)
		case tunnel.KindAck:
		default:
			reason = fmt.Errorf("%w: unexpected message %q", tunnel.ErrProtocol, msg.Kind())
			return
		}
	}
}

func (c *Child) close(reason error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.done)
		c.mu.Unlock()
		_ = c.conn.Close()
		c.hub.drop(c, reason)
	})
}
