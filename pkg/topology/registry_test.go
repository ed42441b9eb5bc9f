package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kbnet/pkg/model"
)

func entry(id string, typ model.NodeType, url string) Entry {
	return Entry{Info: model.NodeInfo{NodeID: id, NodeType: typ, ListenURL: url}}
}

func TestRegistryPartitions(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterChild(entry("s1", model.NodeTypeShare, "")))
	require.NoError(t, r.RegisterChild(entry("l1", model.NodeTypeLeaf, "")))
	require.NoError(t, r.RegisterChild(entry("h1", model.NodeTypeHub, "")))

	assert.Equal(t, []string{"s1", "l1"}, r.ListLeafIDs())
	assert.Equal(t, []string{"h1"}, r.ListChildHubIDs())

	// re-registering as a hub moves the id
	require.NoError(t, r.RegisterChild(entry("s1", model.NodeTypeHub, "")))
	assert.Equal(t, []string{"l1"}, r.ListLeafIDs())
	assert.Equal(t, []string{"h1", "s1"}, r.ListChildHubIDs())

	r.UnregisterChild("s1")
	r.UnregisterChild("s1")
	r.UnregisterChild("never-there")
	_, ok := r.Get("s1")
	assert.False(t, ok)
	assert.Equal(t, []string{"h1"}, r.ListChildHubIDs())

	assert.Error(t, r.RegisterChild(Entry{}))
}

func TestRegistryReRegisterKeepsOrder(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterChild(entry("a", model.NodeTypeShare, "")))
	require.NoError(t, r.RegisterChild(entry("b", model.NodeTypeShare, "")))
	require.NoError(t, r.RegisterChild(entry("a", model.NodeTypeShare, "http://a")))
	assert.Equal(t, []string{"a", "b"}, r.ListLeafIDs())
	e, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, "http://a", e.Info.ListenURL)
}

func TestSnapshotForParent(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterChild(entry("s1", model.NodeTypeShare, "http://s1")))
	require.NoError(t, r.RegisterChild(entry("c", model.NodeTypeHub, "http://c")))
	ok := r.UpdateData("c", model.NodeData{DescendantNodes: map[string]model.DescendantNode{
		"s2":   {NodeID: "s2", NodeType: model.NodeTypeShare, ParentNodeID: "c", ListenURL: "http://s2"},
		"self": {NodeID: "self", ParentNodeID: "c"},
	}})
	require.True(t, ok)
	assert.False(t, r.UpdateData("ghost", model.NodeData{}))

	snap := r.SnapshotForParent("self")
	assert.Len(t, snap, 3)
	assert.Equal(t, "self", snap["s1"].ParentNodeID)
	assert.Equal(t, "self", snap["c"].ParentNodeID)
	assert.Equal(t, "c", snap["s2"].ParentNodeID)
	assert.Equal(t, "http://s2", snap["s2"].ListenURL)

	route, ok := r.RouteFor("s2")
	require.True(t, ok)
	assert.Equal(t, "c", route.NodeID())
	_, ok = r.RouteFor("nowhere")
	assert.False(t, ok)
}

func TestAncestorChainStopsOnCycle(t *testing.T) {
	snap := map[string]model.DescendantNode{
		"A": {NodeID: "A", ParentNodeID: "B", ListenURL: "http://a"},
		"B": {NodeID: "B", ParentNodeID: "A", ListenURL: "http://b"},
	}
	chain := AncestorChain(snap, "A")
	require.Len(t, chain, 2)
	assert.Equal(t, "A", chain[0].NodeID)
	assert.Equal(t, "B", chain[1].NodeID)
}

func TestAncestorChainStopsAtUnknown(t *testing.T) {
	snap := map[string]model.DescendantNode{
		"C": {NodeID: "C", ParentNodeID: "H"},
	}
	chain := AncestorChain(snap, "C")
	assert.Len(t, chain, 1)
	assert.Empty(t, AncestorChain(snap, "X"))
}
