package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"kbnet/pkg/identity"
	"kbnet/pkg/metrics"
	"kbnet/pkg/model"
	"kbnet/pkg/tunnel"
)

// ChildPath is the hub endpoint children dial.
const ChildPath = "/api/v1/ws/child"

const registrationTimeout = 30 * time.Second

// State is the lifecycle of the parent link.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateRegistering
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateRegistering:
		return "registering"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Relay answers an HTTP request that arrived over the tunnel.
type Relay interface {
	Relay(ctx context.Context, req tunnel.HTTPRequest) tunnel.HTTPResponse
}

// RelayFunc adapts a function to Relay.
type RelayFunc func(ctx context.Context, req tunnel.HTTPRequest) tunnel.HTTPResponse

func (f RelayFunc) Relay(ctx context.Context, req tunnel.HTTPRequest) tunnel.HTTPResponse {
	return f(ctx, req)
}

// Options configure a ParentClient.
type Options struct {
	// ParentURL is the parent hub's HTTP base URL.
	ParentURL string
	// JoinToken is sent as a bearer token if the parent requires one.
	JoinToken string
	Identity  *identity.Identity
	// NodeData produces the snapshot advertised on registration and on ReportNodeData.
	NodeData func() model.NodeData
	Relay    Relay
	// OnTopHubURL is called when the parent announces the top-level hub address.
	OnTopHubURL func(string)
	Metrics     *metrics.Collector
	Logger      *zap.Logger
	Dialer      *websocket.Dialer
}

// ParentClient holds a node's single outbound link to its parent hub. It never
// reconnects on its own; a closed client stays closed.
type ParentClient struct {
	opts     Options
	endpoint string
	log      *zap.Logger

	mu         sync.Mutex
	state      State
	conn       *tunnel.Conn
	parentInfo *model.NodeInfo
	topHubURL  string
	onClose    []func(error)
	closeOnce  sync.Once
	closeErr   error
}

// NewParentClient validates opts and derives the WebSocket endpoint.
func NewParentClient(opts Options) (*ParentClient, error) {
	if opts.Identity == nil {
		return nil, fmt.Errorf("parent client: identity required")
	}
	u, err := url.Parse(opts.ParentURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("parent client: invalid parent url %q", opts.ParentURL)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = ChildPath
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.NodeData == nil {
		opts.NodeData = func() model.NodeData { return model.NodeData{} }
	}
	return &ParentClient{
		opts:     opts,
		endpoint: u.String(),
		log:      opts.Logger.With(zap.String("component", "parent_client"), zap.String("parent", opts.ParentURL)),
	}, nil
}

// Connect dials the parent and completes registration. A dial failure wraps
// tunnel.ErrTransport; a refused registration wraps tunnel.ErrProtocol.
func (c *ParentClient) Connect(ctx context.Context) error {
	c.setState(StateConnecting)
	header := http.Header{}
	if c.opts.JoinToken != "" {
		header.Set("Authorization", "Bearer "+c.opts.JoinToken)
	}
	ws, resp, err := c.opts.Dialer.DialContext(ctx, c.endpoint, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		c.opts.Metrics.ParentHubConnectionsFailed.Inc()
		c.setState(StateClosed)
		return fmt.Errorf("%w: dial %s (status=%d): %v", tunnel.ErrTransport, c.endpoint, status, err)
	}
	c.opts.Metrics.ParentHubConnections.Inc()
	conn := tunnel.NewConn(ws, c.opts.Identity, c.opts.Metrics)
	c.mu.Lock()
	c.conn = conn
	c.state = StateRegistering
	c.mu.Unlock()

	info := c.opts.Identity.Info()
	data := c.opts.NodeData()
	reg := tunnel.NewCommand(tunnel.KindRegisterChildNode)
	reg.Info = &info
	reg.Data = &data
	if err := conn.Send(reg, true); err != nil {
		c.opts.Metrics.ParentHubRegistrationsFailed.Inc()
		c.close(err)
		return err
	}

	deadline := time.Now().Add(registrationTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = ws.SetReadDeadline(deadline)
	env, err := conn.Receive()
	if err != nil {
		c.opts.Metrics.ParentHubRegistrationsFailed.Inc()
		c.close(err)
		return err
	}
	_ = ws.SetReadDeadline(time.Time{})
	c.opts.Metrics.MessagesFromParentHub.Inc()
	msg, err := tunnel.Decode(env)
	if err == nil && msg.Error != "" {
		err = fmt.Errorf("%w: parent refused registration: %s", tunnel.ErrProtocol, msg.Error)
	}
	if err == nil && (msg.Kind() != tunnel.KindConfirmRegistration || msg.Info == nil) {
		err = fmt.Errorf("%w: expected confirm_registration, got %q", tunnel.ErrProtocol, msg.Kind())
	}
	if err != nil {
		c.opts.Metrics.ParentHubRegistrationsFailed.Inc()
		c.close(err)
		return err
	}

	c.mu.Lock()
	c.parentInfo = msg.Info
	c.state = StateConnected
	c.mu.Unlock()
	c.log.Info("registered with parent hub",
		zap.String("parent_node_id", msg.Info.NodeID),
		zap.String("node_id", info.NodeID),
		zap.String("key", c.opts.Identity.Fingerprint()))
	return nil
}

// Run dispatches inbound messages until the link closes or ctx is done. It returns
// the reason the link closed.
func (c *ParentClient) Run(ctx context.Context) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if conn == nil || state != StateConnected {
		return fmt.Errorf("parent client: run in state %s", state)
	}
	stop := context.AfterFunc(ctx, func() { c.close(ctx.Err()) })
	defer stop()

	for {
		env, err := conn.Receive()
		if err != nil {
			c.close(err)
			return c.closeReason()
		}
		c.opts.Metrics.MessagesFromParentHub.Inc()
		msg, err := tunnel.Decode(env)
		if err != nil {
			c.close(err)
			return c.closeReason()
		}
		if err := c.dispatch(ctx, msg); err != nil {
			c.log.Warn("closing parent link", zap.Error(err))
			c.close(err)
			return c.closeReason()
		}
	}
}

func (c *ParentClient) dispatch(ctx context.Context, msg tunnel.Message) error {
	if msg.Error != "" {
		return fmt.Errorf("%w: parent reported error: %s", tunnel.ErrProtocol, msg.Error)
	}
	switch msg.Kind() {
	case tunnel.KindHTTP:
		if msg.Request == nil {
			return fmt.Errorf("%w: http message without request", tunnel.ErrProtocol)
		}
		c.opts.Metrics.HTTPMessagesFromParentHub.Inc()
		go c.relay(ctx, *msg.Request)
	case tunnel.KindSetTopHubURL:
		c.mu.Lock()
		c.topHubURL = msg.TopHubURL
		c.mu.Unlock()
		c.log.Debug("top hub url updated", zap.String("url", msg.TopHubURL))
		if c.opts.OnTopHubURL != nil {
			c.opts.OnTopHubURL(msg.TopHubURL)
		}
	case tunnel.KindAck:
	default:
		return fmt.Errorf("%w: unexpected message %q", tunnel.ErrProtocol, msg.Kind())
	}
	return nil
}

func (c *ParentClient) relay(ctx context.Context, req tunnel.HTTPRequest) {
	var resp tunnel.HTTPResponse
	if c.opts.Relay == nil {
		resp = tunnel.HTTPResponse{Status: http.StatusNotImplemented, Error: "no local api"}
	} else {
		resp = c.opts.Relay.Relay(ctx, req)
	}
	resp.RequestID = req.RequestID
	out := tunnel.NewCommand(tunnel.KindHTTPResponse)
	out.Response = &resp
	if err := c.send(out); err != nil {
		c.log.Debug("http response not delivered", zap.String("request_id", req.RequestID), zap.Error(err))
	}
}

// ReportNodeData pushes a fresh snapshot to the parent.
func (c *ParentClient) ReportNodeData(context.Context) error {
	data := c.opts.NodeData()
	msg := tunnel.NewCommand(tunnel.KindReportNodeData)
	msg.Data = &data
	return c.send(msg)
}

func (c *ParentClient) send(msg tunnel.Message) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if conn == nil || state != StateConnected {
		return fmt.Errorf("%w: parent link is %s", tunnel.ErrTransport, state)
	}
	return conn.Send(msg, false)
}

// OnClose registers fn to run once when the link closes.
func (c *ParentClient) OnClose(fn func(error)) {
	c.mu.Lock()
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

// Close shuts the link down.
func (c *ParentClient) Close() error {
	c.close(nil)
	return nil
}

func (c *ParentClient) close(reason error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		conn := c.conn
		wasOpen := c.state == StateRegistering || c.state == StateConnected
		c.state = StateClosed
		c.closeErr = reason
		handlers := append([]func(error){}, c.onClose...)
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		if wasOpen {
			c.opts.Metrics.ParentHubConnectionsClosed.Inc()
		}
		if reason != nil && !errors.Is(reason, context.Canceled) {
			c.log.Warn("parent link closed", zap.Error(reason))
		} else {
			c.log.Info("parent link closed")
		}
		for _, fn := range handlers {
			fn(reason)
		}
	})
}

func (c *ParentClient) closeReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// State reports the current lifecycle state.
func (c *ParentClient) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ParentHubInfo returns what the parent sent in confirm_registration.
func (c *ParentClient) ParentHubInfo() (model.NodeInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.parentInfo == nil {
		return model.NodeInfo{}, false
	}
	return *c.parentInfo, true
}

// TopHubURL is the last address of the top-level hub announced by the parent.
func (c *ParentClient) TopHubURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topHubURL
}

func (c *ParentClient) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
