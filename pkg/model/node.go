package model

import "fmt"

// NodeType is the role a node plays in the hub tree.
type NodeType string

const (
	NodeTypeHub   NodeType = "hub"
	NodeTypeLeaf  NodeType = "leaf"
	NodeTypeShare NodeType = "share"
)

// ParseNodeType validates a configured node type.
func ParseNodeType(s string) (NodeType, error) {
	switch NodeType(s) {
	case NodeTypeHub, NodeTypeLeaf, NodeTypeShare:
		return NodeType(s), nil
	}
	return "", fmt.Errorf("unknown node type %q", s)
}

// IsHub reports whether children of this type are routed as child hubs.
func (t NodeType) IsHub() bool { return t == NodeTypeHub }

// NodeInfo is the public projection of a node identity. It is what goes on the wire
// and never carries key material.
type NodeInfo struct {
	NodeID             string   `json:"node_id"`
	NodeType           NodeType `json:"node_type"`
	Name               string   `json:"name,omitempty"`
	Owner              string   `json:"owner,omitempty"`
	OwnerEmail         string   `json:"owner_email,omitempty"`
	Description        string   `json:"description,omitempty"`
	ScientificResearch bool     `json:"scientific_research,omitempty"`
	ListenURL          string   `json:"listen_url,omitempty"`
}

// DescendantNode is one node of a hub's known subtree, as reported upward so that
// ancestors can build download URLs without querying every descendant.
type DescendantNode struct {
	NodeID       string   `json:"node_id"`
	NodeType     NodeType `json:"node_type"`
	ListenURL    string   `json:"listen_url,omitempty"`
	ParentNodeID string   `json:"parent_node_id,omitempty"`
	Name         string   `json:"name,omitempty"`
}

// NodeData is the snapshot a child advertises to its parent: its own file index
// (shares) and its flattened subtree (hubs).
type NodeData struct {
	Files           map[string]FileIndexEntry `json:"files,omitempty"`
	DescendantNodes map[string]DescendantNode `json:"descendant_nodes,omitempty"`
}
