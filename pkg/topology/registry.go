// Package topology tracks the children connected to a hub and the subtree they report.
package topology

import (
	"context"
	"fmt"
	"sync"
	"time"

	"kbnet/pkg/model"
	"kbnet/pkg/tunnel"
)

// Tunnel relays an HTTP request to a connected child and waits for its answer.
type Tunnel interface {
	Do(ctx context.Context, req tunnel.HTTPRequest) (tunnel.HTTPResponse, error)
}

// Entry is one connected child.
type Entry struct {
	Info         model.NodeInfo
	ParentNodeID string
	Tunnel       Tunnel
	Data         model.NodeData
	ConnectedAt  time.Time
}

// NodeID is shorthand for Info.NodeID.
func (e Entry) NodeID() string { return e.Info.NodeID }

// Registry holds connected leaves and connected child hubs in two partitions. An id
// lives in at most one of them.
type Registry struct {
	mu        sync.RWMutex
	leaves    map[string]*Entry
	leafOrder []string
	hubs      map[string]*Entry
	hubOrder  []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		leaves: make(map[string]*Entry),
		hubs:   make(map[string]*Entry),
	}
}

// RegisterChild adds or replaces a child. A child whose type changed moves to the
// other partition.
func (r *Registry) RegisterChild(e Entry) error {
	id := e.NodeID()
	if id == "" {
		return fmt.Errorf("register child: empty node id")
	}
	if e.ConnectedAt.IsZero() {
		e.ConnectedAt = time.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.Info.NodeType.IsHub() {
		r.removeLocked(id, false)
		if _, ok := r.hubs[id]; !ok {
			r.hubOrder = append(r.hubOrder, id)
		}
		r.hubs[id] = &e
		return nil
	}
	r.removeLocked(id, true)
	if _, ok := r.leaves[id]; !ok {
		r.leafOrder = append(r.leafOrder, id)
	}
	r.leaves[id] = &e
	return nil
}

// UnregisterChild removes id from whichever partition holds it. Removing an absent
// id is a no-op.
func (r *Registry) UnregisterChild(id string) {
	r.mu.Lock()
	r.removeLocked(id, false)
	r.removeLocked(id, true)
	r.mu.Unlock()
}

func (r *Registry) removeLocked(id string, hubs bool) {
	m, order := r.leaves, &r.leafOrder
	if hubs {
		m, order = r.hubs, &r.hubOrder
	}
	if _, ok := m[id]; !ok {
		return
	}
	delete(m, id)
	for i, v := range *order {
		if v == id {
			*order = append((*order)[:i:i], (*order)[i+1:]...)
			break
		}
	}
}

// Get returns a copy of the entry for id.
func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.leaves[id]; ok {
		return *e, true
	}
	if e, ok := r.hubs[id]; ok {
		return *e, true
	}
	return Entry{}, false
}

// UpdateData replaces the last snapshot a child reported.
func (r *Registry) UpdateData(id string, data model.NodeData) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.leaves[id]
	if !ok {
		e, ok = r.hubs[id]
	}
	if !ok {
		return false
	}
	e.Data = data
	return true
}

// ListLeafIDs returns connected leaf and share ids in registration order.
func (r *Registry) ListLeafIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.leafOrder...)
}

// ListChildHubIDs returns connected child hub ids in registration order.
func (r *Registry) ListChildHubIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.hubOrder...)
}

// SnapshotForParent flattens the known subtree below selfID: every direct child,
// plus everything child hubs reported. Direct children win over reported entries.
func (r *Registry) SnapshotForParent(selfID string) map[string]model.DescendantNode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]model.DescendantNode)
	for _, id := range r.hubOrder {
		for did, d := range r.hubs[id].Data.DescendantNodes {
			if did == selfID {
				continue
			}
			out[did] = d
		}
	}
	for _, id := range r.hubOrder {
		out[id] = descendant(r.hubs[id], selfID)
	}
	for _, id := range r.leafOrder {
		out[id] = descendant(r.leaves[id], selfID)
	}
	return out
}

func descendant(e *Entry, parentID string) model.DescendantNode {
	return model.DescendantNode{
		NodeID:       e.Info.NodeID,
		NodeType:     e.Info.NodeType,
		ListenURL:    e.Info.ListenURL,
		ParentNodeID: parentID,
		Name:         e.Info.Name,
	}
}

// RouteFor finds the direct child through which id can be reached: id itself if it
// is connected here, otherwise the first child hub whose reported subtree holds it.
func (r *Registry) RouteFor(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.leaves[id]; ok {
		return *e, true
	}
	if e, ok := r.hubs[id]; ok {
		return *e, true
	}
	for _, hid := range r.hubOrder {
		if _, ok := r.hubs[hid].Data.DescendantNodes[id]; ok {
			return *r.hubs[hid], true
		}
	}
	return Entry{}, false
}
