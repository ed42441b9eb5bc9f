package api

import "kbnet/pkg/model"

// NodeInfoResponse is served by /{kbnode_id}/api/nodeinfo.
type NodeInfoResponse struct {
	Info          model.NodeInfo            `json:"info"`
	ParentHubInfo *model.NodeInfo           `json:"parent_hub_info,omitempty"`
	TopHubURL     string                    `json:"top_hub_url,omitempty"`
	ChildShares   map[string]model.NodeInfo `json:"child_shares,omitempty"`
	ChildHubs     map[string]model.NodeInfo `json:"child_hubs,omitempty"`
	Metrics       map[string]float64        `json:"metrics,omitempty"`
}

// errorResponse is the body of every JSON error.
type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}
