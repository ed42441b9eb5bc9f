package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kbnet/pkg/agent"
	"kbnet/pkg/auth"
	"kbnet/pkg/identity"
	"kbnet/pkg/metrics"
	"kbnet/pkg/model"
	"kbnet/pkg/store"
	"kbnet/pkg/topology"
	"kbnet/pkg/tunnel"
)

type testHub struct {
	hub      *Hub
	registry *topology.Registry
	audit    *store.MemoryStore
	metrics  *metrics.Collector
	server   *httptest.Server
}

func newTestHub(t *testing.T, tweak func(*Options)) *testHub {
	t.Helper()
	id, err := identity.Generate(model.NodeInfo{NodeType: model.NodeTypeHub, Name: "hub", ListenURL: "http://hub.example"})
	require.NoError(t, err)
	th := &testHub{
		registry: topology.NewRegistry(),
		audit:    store.NewMemoryStore(0),
		metrics:  metrics.New(nil),
	}
	opts := Options{
		Identity:  id,
		Registry:  th.registry,
		Audit:     th.audit,
		Metrics:   th.metrics,
		TopHubURL: func() string { return "http://top.example" },
	}
	if tweak != nil {
		tweak(&opts)
	}
	th.hub, err = New(opts)
	require.NoError(t, err)
	mux := http.NewServeMux()
	mux.HandleFunc(agent.ChildPath, th.hub.HandleChildWS)
	th.server = httptest.NewServer(mux)
	t.Cleanup(func() {
		th.hub.Close()
		th.server.Close()
	})
	return th
}

func newTestChild(t *testing.T, parentURL string, nodeType model.NodeType, tweak func(*agent.Options)) (*agent.ParentClient, *identity.Identity) {
	t.Helper()
	id, err := identity.Generate(model.NodeInfo{NodeType: nodeType, Name: "child", ListenURL: "http://child.example"})
	require.NoError(t, err)
	opts := agent.Options{ParentURL: parentURL, Identity: id}
	if tweak != nil {
		tweak(&opts)
	}
	c, err := agent.NewParentClient(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, id
}

func connectAndRun(t *testing.T, c *agent.ParentClient) {
	t.Helper()
	require.NoError(t, c.Connect(context.Background()))
	go func() { _ = c.Run(context.Background()) }()
}

func TestRegistrationHandshake(t *testing.T) {
	th := newTestHub(t, nil)
	c, id := newTestChild(t, th.server.URL, model.NodeTypeShare, func(o *agent.Options) {
		o.NodeData = func() model.NodeData {
			return model.NodeData{Files: map[string]model.FileIndexEntry{
				"aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d": {SHA1: "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d", Size: 5, RelativePath: "hello.txt"},
			}}
		}
	})
	connectAndRun(t, c)

	assert.Equal(t, agent.StateConnected, c.State())
	parent, ok := c.ParentHubInfo()
	require.True(t, ok)
	assert.Equal(t, th.hub.opts.Identity.NodeID(), parent.NodeID)
	assert.Equal(t, "http://hub.example", parent.ListenURL)

	entry, ok := th.registry.Get(id.NodeID())
	require.True(t, ok)
	assert.Equal(t, model.NodeTypeShare, entry.Info.NodeType)
	assert.Equal(t, th.hub.opts.Identity.NodeID(), entry.ParentNodeID)
	assert.Len(t, entry.Data.Files, 1)
	assert.Equal(t, []string{id.NodeID()}, th.registry.ListLeafIDs())
	assert.Empty(t, th.registry.ListChildHubIDs())

	require.Eventually(t, func() bool { return c.TopHubURL() == "http://top.example" }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(th.metrics.ChildRegistrations))
	assert.Equal(t, 1.0, testutil.ToFloat64(th.metrics.ConnectedChildren))
	assert.True(t, th.hub.Connected(id.NodeID()))
}

func TestChildHubGoesToHubPartition(t *testing.T) {
	th := newTestHub(t, nil)
	c, id := newTestChild(t, th.server.URL, model.NodeTypeHub, nil)
	connectAndRun(t, c)
	assert.Equal(t, []string{id.NodeID()}, th.registry.ListChildHubIDs())
	assert.Empty(t, th.registry.ListLeafIDs())
}

func TestTunnelRoundTrip(t *testing.T) {
	th := newTestHub(t, nil)
	c, id := newTestChild(t, th.server.URL, model.NodeTypeShare, func(o *agent.Options) {
		o.Relay = agent.RelayFunc(func(_ context.Context, req tunnel.HTTPRequest) tunnel.HTTPResponse {
			return tunnel.HTTPResponse{Status: http.StatusOK, Body: []byte("pong:" + req.Path)}
		})
	})
	connectAndRun(t, c)

	entry, ok := th.registry.Get(id.NodeID())
	require.True(t, ok)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := entry.Tunnel.Do(ctx, tunnel.HTTPRequest{Method: http.MethodGet, Path: "/find/abc"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "pong:/find/abc", string(resp.Body))
	assert.NotEmpty(t, resp.RequestID)
}

func TestReportNodeDataUpdatesRegistry(t *testing.T) {
	changes := make(chan struct{}, 8)
	th := newTestHub(t, func(o *Options) {
		o.OnChange = func() { changes <- struct{}{} }
	})
	files := map[string]model.FileIndexEntry{}
	c, id := newTestChild(t, th.server.URL, model.NodeTypeShare, func(o *agent.Options) {
		o.NodeData = func() model.NodeData { return model.NodeData{Files: files} }
	})
	connectAndRun(t, c)
	<-changes

	files["0123456789012345678901234567890123456789"] = model.FileIndexEntry{SHA1: "0123456789012345678901234567890123456789", Size: 1, RelativePath: "x"}
	require.NoError(t, c.ReportNodeData(context.Background()))
	require.Eventually(t, func() bool {
		e, ok := th.registry.Get(id.NodeID())
		return ok && len(e.Data.Files) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDisconnectUnregistersAndFailsPending(t *testing.T) {
	th := newTestHub(t, nil)
	block := make(chan struct{})
	defer close(block)
	c, id := newTestChild(t, th.server.URL, model.NodeTypeShare, func(o *agent.Options) {
		o.Relay = agent.RelayFunc(func(ctx context.Context, _ tunnel.HTTPRequest) tunnel.HTTPResponse {
			<-block
			return tunnel.HTTPResponse{Status: http.StatusOK}
		})
	})
	connectAndRun(t, c)
	entry, ok := th.registry.Get(id.NodeID())
	require.True(t, ok)

	errc := make(chan error, 1)
	go func() {
		_, err := entry.Tunnel.Do(context.Background(), tunnel.HTTPRequest{Method: http.MethodGet, Path: "/slow"})
		errc <- err
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, tunnel.ErrTransport)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not failed")
	}
	require.Eventually(t, func() bool {
		_, ok := th.registry.Get(id.NodeID())
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, th.hub.Connected(id.NodeID()))

	entries, err := th.audit.ListAudit(0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "register", entries[0].Action)
	assert.Equal(t, "unregister", entries[1].Action)
	assert.Equal(t, id.NodeID(), entries[1].Target)
}

func TestJoinToken(t *testing.T) {
	secret := []byte("join-secret")
	th := newTestHub(t, func(o *Options) { o.JoinSecret = secret })

	c, _ := newTestChild(t, th.server.URL, model.NodeTypeShare, nil)
	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, tunnel.ErrTransport)
	assert.Equal(t, agent.StateClosed, c.State())

	token, err := auth.GenerateJoinToken(secret, "someone-else", "", time.Hour)
	require.NoError(t, err)
	c2, _ := newTestChild(t, th.server.URL, model.NodeTypeShare, func(o *agent.Options) { o.JoinToken = token })
	err = c2.Connect(context.Background())
	assert.ErrorIs(t, err, tunnel.ErrProtocol)

	hubsOnly, err := auth.GenerateJoinToken(secret, "", string(model.NodeTypeHub), time.Hour)
	require.NoError(t, err)
	cShare, _ := newTestChild(t, th.server.URL, model.NodeTypeShare, func(o *agent.Options) { o.JoinToken = hubsOnly })
	err = cShare.Connect(context.Background())
	assert.ErrorIs(t, err, tunnel.ErrProtocol)
	cHub, idHub := newTestChild(t, th.server.URL, model.NodeTypeHub, func(o *agent.Options) { o.JoinToken = hubsOnly })
	require.NoError(t, cHub.Connect(context.Background()))
	assert.Equal(t, []string{idHub.NodeID()}, th.registry.ListChildHubIDs())

	open, err := auth.GenerateJoinToken(secret, "", "", time.Hour)
	require.NoError(t, err)
	c3, id3 := newTestChild(t, th.server.URL, model.NodeTypeShare, func(o *agent.Options) { o.JoinToken = open })
	require.NoError(t, c3.Connect(context.Background()))
	_, ok := th.registry.Get(id3.NodeID())
	assert.True(t, ok)
	assert.Equal(t, 3.0, testutil.ToFloat64(th.metrics.ChildRegistrationsReject))
}

func TestRegistrationWithForeignKeyRejected(t *testing.T) {
	th := newTestHub(t, nil)
	sender, err := identity.Generate(model.NodeInfo{NodeType: model.NodeTypeShare})
	require.NoError(t, err)
	other, err := identity.Generate(model.NodeInfo{NodeType: model.NodeTypeShare})
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(th.server.URL, "http") + agent.ChildPath
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()

	info := sender.Info()
	msg := tunnel.NewCommand(tunnel.KindRegisterChildNode)
	msg.Info = &info
	env, err := tunnel.Seal(sender, msg, true)
	require.NoError(t, err)
	env.PublicKey = other.PublicKeyHex()
	require.NoError(t, ws.WriteJSON(env))

	_, b, err := ws.ReadMessage()
	require.NoError(t, err)
	var reply tunnel.Envelope
	require.NoError(t, json.Unmarshal(b, &reply))
	got, err := tunnel.Decode(reply)
	require.NoError(t, err)
	assert.Equal(t, tunnel.KindError, got.Kind())
	assert.Contains(t, got.Error, "does not match key")
	assert.Empty(t, th.registry.ListLeafIDs())
}

func TestUnexpectedCommandClosesChild(t *testing.T) {
	th := newTestHub(t, nil)
	child, err := identity.Generate(model.NodeInfo{NodeType: model.NodeTypeShare})
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(th.server.URL, "http") + agent.ChildPath
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	conn := tunnel.NewConn(ws, child, nil)
	defer conn.Close()

	info := child.Info()
	reg := tunnel.NewCommand(tunnel.KindRegisterChildNode)
	reg.Info = &info
	require.NoError(t, conn.Send(reg, true))
	env, err := conn.Receive()
	require.NoError(t, err)
	confirm, err := tunnel.Decode(env)
	require.NoError(t, err)
	assert.Equal(t, tunnel.KindConfirmRegistration, confirm.Kind())
	_, ok := th.registry.Get(child.NodeID())
	require.True(t, ok)

	require.NoError(t, conn.Send(tunnel.Message{Command: "launch_rockets"}, false))
	require.Eventually(t, func() bool {
		_, ok := th.registry.Get(child.NodeID())
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}
