// Package node assembles a hub or share node from its configuration.
package node

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"kbnet/pkg/agent"
	"kbnet/pkg/api"
	"kbnet/pkg/config"
	"kbnet/pkg/db"
	"kbnet/pkg/hub"
	"kbnet/pkg/identity"
	"kbnet/pkg/index"
	"kbnet/pkg/metrics"
	"kbnet/pkg/model"
	"kbnet/pkg/resolver"
	"kbnet/pkg/store"
	"kbnet/pkg/topology"
	"kbnet/pkg/watcher"
)

// Node owns every component of one running node. Nothing here is process-global.
type Node struct {
	cfg      config.Config
	log      *zap.Logger
	id       *identity.Identity
	metrics  *metrics.Collector
	registry *topology.Registry
	audit    store.AuditStore
	resolver *resolver.Resolver
	server   *api.Server

	// hub nodes
	hub *hub.Hub

	// share nodes
	index   *index.Index
	cache   *index.Cache
	watcher *watcher.Watcher

	parent *agent.ParentClient
	dirty  atomic.Bool

	mu        sync.RWMutex
	topHubURL string
}

// New loads the node's key and builds its components. Nothing is started.
func New(cfg config.Config, logger *zap.Logger) (*Node, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	id, err := identity.LoadOrCreate(cfg.KeyFile, cfg.NodeInfo())
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	n := &Node{
		cfg:      cfg,
		log:      logger.With(zap.String("node_id", id.NodeID())),
		id:       id,
		metrics:  metrics.New(nil),
		registry: topology.NewRegistry(),
	}

	if cfg.AuditDSN != "" {
		gdb, err := db.Open(cfg.AuditDSN)
		if err != nil {
			return nil, err
		}
		n.audit = store.NewGormStore(gdb)
	} else {
		n.audit = store.NewMemory()
	}

	ropts := resolver.Options{Self: n.Info, Registry: n.registry, Metrics: n.metrics, Logger: n.log}
	deps := api.Deps{
		Self:       n.Info,
		Registry:   n.registry,
		Metrics:    n.metrics,
		Audit:      n.audit,
		AdminToken: cfg.AdminToken,
		Logger:     n.log,
	}
	deps.Parent = n

	if cfg.Type().IsHub() {
		n.hub, err = hub.New(hub.Options{
			Identity:   id,
			Registry:   n.registry,
			Audit:      n.audit,
			Metrics:    n.metrics,
			Logger:     n.log,
			JoinSecret: []byte(cfg.JoinSecret),
			TopHubURL:  n.TopHubURL,
			OnChange:   n.markDirty,
		})
		if err != nil {
			return nil, err
		}
		deps.Hub = n.hub
	} else {
		if cfg.IndexDB != "" {
			if n.cache, err = index.OpenCache(cfg.IndexDB); err != nil {
				return nil, err
			}
		}
		n.index = index.New(cfg.ShareDir, n.cache, n.log)
		n.watcher = watcher.New(cfg.ShareDir, watcher.Options{
			Interval:    cfg.WatchInterval,
			PacingDelay: cfg.WatchPacing,
			Logger:      n.log,
		})
		n.watcher.OnUpdate(func(rel string, info fs.FileInfo) {
			n.index.HandleUpdate(rel, info)
			n.markDirty()
		})
		n.watcher.OnRemove(func(rel string) {
			n.index.HandleRemove(rel)
			n.markDirty()
		})
		ropts.Local = n.index
		deps.Index = n.index
		deps.ShareRoot = cfg.ShareDir
	}

	n.resolver = resolver.New(ropts)
	deps.Resolver = n.resolver
	n.server = api.NewServer(deps)
	return n, nil
}

// Start indexes the share once, connects to the parent if one is configured and
// launches the background loops. localURL is where the node's own listener can be
// reached for tunneled requests, through client when it is non-nil. A parent that
// cannot be reached is an error; the node never retries on its own.
func (n *Node) Start(ctx context.Context, localURL string, client *http.Client) error {
	if n.watcher != nil {
		if err := n.watcher.Pass(ctx); err != nil {
			return fmt.Errorf("initial index of %s: %w", n.cfg.ShareDir, err)
		}
		n.log.Info("share indexed", zap.String("dir", n.cfg.ShareDir), zap.Int("files", n.index.Len()))
		go n.watcher.Run(ctx)
	}

	if n.cfg.ParentHubURL != "" {
		pc, err := agent.NewParentClient(agent.Options{
			ParentURL:   n.cfg.ParentHubURL,
			JoinToken:   n.cfg.JoinToken,
			Identity:    n.id,
			NodeData:    n.NodeData,
			Relay:       agent.NewTunnelServer(localURL, client),
			OnTopHubURL: n.setTopHubURL,
			Metrics:     n.metrics,
			Logger:      n.log,
		})
		if err != nil {
			return err
		}
		if err := pc.Connect(ctx); err != nil {
			return err
		}
		pc.OnClose(func(err error) {
			n.log.Error("lost parent hub; not reconnecting", zap.Error(err))
		})
		n.mu.Lock()
		n.parent = pc
		n.mu.Unlock()
		n.dirty.Store(false)
		go func() { _ = pc.Run(ctx) }()
		go n.reportLoop(ctx, pc)
	}
	return nil
}

// reportLoop pushes the node data upward whenever it changed since the last push.
func (n *Node) reportLoop(ctx context.Context, pc *agent.ParentClient) {
	interval := n.cfg.ReportInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if pc.State() == agent.StateClosed {
			return
		}
		if !n.dirty.Swap(false) {
			continue
		}
		if err := pc.ReportNodeData(ctx); err != nil {
			n.log.Warn("report node data failed", zap.Error(err))
			n.dirty.Store(true)
		}
	}
}

func (n *Node) markDirty() { n.dirty.Store(true) }

// NodeData is what this node advertises to its parent.
func (n *Node) NodeData() model.NodeData {
	data := model.NodeData{DescendantNodes: n.registry.SnapshotForParent(n.id.NodeID())}
	if n.index != nil {
		data.Files = n.index.Snapshot()
	}
	return data
}

// Info is the node's public metadata.
func (n *Node) Info() model.NodeInfo { return n.id.Info() }

// TopHubURL is the top-level hub address: the one announced by the parent, or this
// node's own address when it has no parent.
func (n *Node) TopHubURL() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.topHubURL != "" || n.cfg.ParentHubURL != "" {
		return n.topHubURL
	}
	return n.cfg.ListenURL
}

func (n *Node) setTopHubURL(u string) {
	n.mu.Lock()
	n.topHubURL = u
	n.mu.Unlock()
	if n.hub != nil {
		n.hub.BroadcastTopHubURL(u)
	}
}

// Rescan forgets the index and re-reports every file on the next watcher pass.
func (n *Node) Rescan() {
	if n.watcher == nil {
		return
	}
	n.index.Reset()
	n.watcher.Restart()
}

// ParentHubInfo is what the parent confirmed at registration.
func (n *Node) ParentHubInfo() (model.NodeInfo, bool) {
	n.mu.RLock()
	pc := n.parent
	n.mu.RUnlock()
	if pc == nil {
		return model.NodeInfo{}, false
	}
	return pc.ParentHubInfo()
}

// Handler is the node's HTTP surface.
func (n *Node) Handler() http.Handler { return n.server.Handler() }

// Close disconnects children and the parent and releases the index cache.
func (n *Node) Close() error {
	if n.hub != nil {
		n.hub.Close()
	}
	n.mu.RLock()
	pc := n.parent
	n.mu.RUnlock()
	if pc != nil {
		_ = pc.Close()
	}
	return n.cache.Close()
}
