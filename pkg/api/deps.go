package api

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"kbnet/pkg/hub"
	"kbnet/pkg/index"
	"kbnet/pkg/metrics"
	"kbnet/pkg/model"
	"kbnet/pkg/resolver"
	"kbnet/pkg/store"
	"kbnet/pkg/topology"
)

// ParentLink is what the API reports about the node's own parent.
type ParentLink interface {
	ParentHubInfo() (model.NodeInfo, bool)
	TopHubURL() string
}

// Deps are the node components the HTTP surface exposes. Hub nodes set Registry and
// Hub; share nodes set Index and ShareRoot.
type Deps struct {
	Self      func() model.NodeInfo
	Resolver  *resolver.Resolver
	Registry  *topology.Registry
	Hub       *hub.Hub
	Index     *index.Index
	ShareRoot string
	Parent    ParentLink
	Metrics   *metrics.Collector
	Audit     store.AuditStore
	// AdminToken guards the audit listing; empty leaves it open.
	AdminToken string
	Logger     *zap.Logger
}

func authFunc(token string) func(r *http.Request) bool {
	if token == "" {
		return func(_ *http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		h := r.Header.Get("X-Auth-Token")
		if h == "" {
			authz := r.Header.Get("Authorization")
			if strings.HasPrefix(authz, "Bearer ") {
				h = strings.TrimPrefix(authz, "Bearer ")
			}
		}
		return h == token
	}
}
