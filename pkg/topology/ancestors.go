package topology

import "kbnet/pkg/model"

// AncestorChain walks parent pointers upward from startID through snapshot and
// returns the nodes visited, nearest first. The walk stops at an id missing from
// the snapshot or at the first id seen twice, so inconsistent reports cannot loop.
func AncestorChain(snapshot map[string]model.DescendantNode, startID string) []model.DescendantNode {
	var chain []model.DescendantNode
	visited := make(map[string]struct{})
	for id := startID; id != ""; {
		if _, seen := visited[id]; seen {
			break
		}
		visited[id] = struct{}{}
		node, ok := snapshot[id]
		if !ok {
			break
		}
		chain = append(chain, node)
		id = node.ParentNodeID
	}
	return chain
}
