// Package hub accepts child nodes on their WebSocket tunnel, verifies who they are
// and keeps the topology registry in step with the live connections.
package hub

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"kbnet/pkg/auth"
	"kbnet/pkg/identity"
	"kbnet/pkg/metrics"
	"kbnet/pkg/model"
	"kbnet/pkg/store"
	"kbnet/pkg/topology"
	"kbnet/pkg/tunnel"
)

const (
	registrationTimeout   = 30 * time.Second
	defaultRequestTimeout = 60 * time.Second
)

var errReplaced = errors.New("replaced by a newer connection")

// Options configure a Hub.
type Options struct {
	Identity *identity.Identity
	Registry *topology.Registry
	Audit    store.AuditStore
	Metrics  *metrics.Collector
	Logger   *zap.Logger
	// JoinSecret, when set, requires children to present a join token signed with it.
	JoinSecret []byte
	// TopHubURL returns the address announced to children after registration.
	TopHubURL func() string
	// OnChange runs after a child registers, reports data or leaves.
	OnChange func()
	// RequestTimeout bounds a tunneled request whose context has no deadline.
	RequestTimeout time.Duration
}

// Hub is the parent side of the tunnel.
type Hub struct {
	opts     Options
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	children map[string]*Child
}

// New builds a hub. Identity and Registry are required.
func New(opts Options) (*Hub, error) {
	if opts.Identity == nil || opts.Registry == nil {
		return nil, fmt.Errorf("hub: identity and registry required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if opts.Audit == nil {
		opts.Audit = store.NewMemory()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	return &Hub{
		opts: opts,
		log:  opts.Logger.With(zap.String("component", "hub")),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		children: make(map[string]*Child),
	}, nil
}

// HandleChildWS upgrades a child's connection and runs its registration handshake.
func (h *Hub) HandleChildWS(w http.ResponseWriter, r *http.Request) {
	var claims *auth.JoinClaims
	if len(h.opts.JoinSecret) > 0 {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		c, err := auth.ParseJoinToken(h.opts.JoinSecret, token)
		if err != nil {
			h.opts.Metrics.ChildRegistrationsReject.Inc()
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		claims = c
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	conn := tunnel.NewConn(ws, h.opts.Identity, nil)
	child, err := h.register(conn, ws, claims)
	if err != nil {
		h.opts.Metrics.ChildRegistrationsReject.Inc()
		h.log.Warn("child registration rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
		if !errors.Is(err, tunnel.ErrTransport) {
			reply := tunnel.NewMessageType(tunnel.KindError)
			reply.Error = err.Error()
			_ = conn.Send(reply, false)
		}
		_ = conn.Close()
		return
	}
	go child.readLoop()
}

func (h *Hub) register(conn *tunnel.Conn, ws *websocket.Conn, claims *auth.JoinClaims) (*Child, error) {
	_ = ws.SetReadDeadline(time.Now().Add(registrationTimeout))
	env, err := conn.Receive()
	if err != nil {
		return nil, err
	}
	_ = ws.SetReadDeadline(time.Time{})

	if env.PublicKey == "" {
		return nil, fmt.Errorf("%w: registration without public key", tunnel.ErrProtocol)
	}
	pub, err := identity.ParsePublicKey(env.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tunnel.ErrProtocol, err)
	}
	if identity.NodeID(pub) != env.NodeID {
		return nil, fmt.Errorf("%w: node id %s does not match key", tunnel.ErrSignature, env.NodeID)
	}
	msg, err := tunnel.Open(env, pub)
	if err != nil {
		return nil, err
	}
	if msg.Kind() != tunnel.KindRegisterChildNode || msg.Info == nil {
		return nil, fmt.Errorf("%w: expected register_child_node, got %q", tunnel.ErrProtocol, msg.Kind())
	}
	info := *msg.Info
	info.NodeID = env.NodeID
	if _, err := model.ParseNodeType(string(info.NodeType)); err != nil {
		return nil, fmt.Errorf("%w: %v", tunnel.ErrProtocol, err)
	}
	if claims != nil && !claims.Admits(info.NodeID, string(info.NodeType)) {
		return nil, fmt.Errorf("%w: join token not valid for %s node %s", tunnel.ErrProtocol, info.NodeType, info.NodeID)
	}
	var data model.NodeData
	if msg.Data != nil {
		data = *msg.Data
	}

	child := newChild(h, conn, info, pub)
	h.mu.Lock()
	old := h.children[info.NodeID]
	h.children[info.NodeID] = child
	h.opts.Metrics.ConnectedChildren.Set(float64(len(h.children)))
	h.mu.Unlock()
	if old != nil {
		old.close(errReplaced)
	}
	if err := h.opts.Registry.RegisterChild(topology.Entry{
		Info:         info,
		ParentNodeID: h.opts.Identity.NodeID(),
		Tunnel:       child,
		Data:         data,
	}); err != nil {
		h.drop(child, err)
		return nil, err
	}

	self := h.opts.Identity.Info()
	confirm := tunnel.NewMessageType(tunnel.KindConfirmRegistration)
	confirm.Info = &self
	if err := conn.Send(confirm, false); err != nil {
		h.drop(child, err)
		return nil, err
	}
	if top := h.topHubURL(); top != "" {
		announce := tunnel.NewMessageType(tunnel.KindSetTopHubURL)
		announce.TopHubURL = top
		_ = conn.Send(announce, false)
	}

	h.opts.Metrics.ChildRegistrations.Inc()
	h.audit("register", info.NodeID, fmt.Sprintf("%s %s %s", info.NodeType, info.Name, info.ListenURL))
	h.log.Info("child registered",
		zap.String("node_id", info.NodeID),
		zap.String("node_type", string(info.NodeType)),
		zap.String("name", info.Name),
		zap.Int("files", len(data.Files)),
		zap.Int("descendants", len(data.DescendantNodes)))
	h.changed()
	return child, nil
}

// drop removes c if it is still the live connection for its node id.
func (h *Hub) drop(c *Child, reason error) {
	id := c.info.NodeID
	h.mu.Lock()
	current := h.children[id] == c
	if current {
		delete(h.children, id)
		h.opts.Metrics.ConnectedChildren.Set(float64(len(h.children)))
	}
	h.mu.Unlock()
	if !current {
		return
	}
	h.opts.Registry.UnregisterChild(id)
	detail := "closed"
	if reason != nil {
		detail = reason.Error()
	}
	h.audit("unregister", id, detail)
	h.log.Info("child disconnected", zap.String("node_id", id), zap.String("reason", detail))
	h.changed()
}

func (h *Hub) audit(action, target, detail string) {
	err := h.opts.Audit.AppendAudit(model.AuditEntry{
		Actor:     h.opts.Identity.NodeID(),
		Action:    action,
		Target:    target,
		Detail:    detail,
		Timestamp: time.Now(),
	})
	if err != nil {
		h.log.Warn("audit append failed", zap.Error(err))
	}
}

func (h *Hub) changed() {
	if h.opts.OnChange != nil {
		h.opts.OnChange()
	}
}

func (h *Hub) topHubURL() string {
	if h.opts.TopHubURL != nil {
		return h.opts.TopHubURL()
	}
	return h.opts.Identity.Info().ListenURL
}

// BroadcastTopHubURL announces url to every connected child.
func (h *Hub) BroadcastTopHubURL(url string) {
	for _, c := range h.snapshot() {
		msg := tunnel.NewMessageType(tunnel.KindSetTopHubURL)
		msg.TopHubURL = url
		if err := c.conn.Send(msg, false); err != nil {
			h.log.Debug("top hub url not delivered", zap.String("node_id", c.info.NodeID), zap.Error(err))
		}
	}
}

// Connected reports whether a child with id holds a live tunnel.
func (h *Hub) Connected(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.children[id]
	return ok
}

// Close disconnects every child.
func (h *Hub) Close() {
	for _, c := range h.snapshot() {
		c.close(nil)
	}
}

func (h *Hub) snapshot() []*Child {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Child, 0, len(h.children))
	for _, c := range h.children {
		out = append(out, c)
	}
	return out
}
