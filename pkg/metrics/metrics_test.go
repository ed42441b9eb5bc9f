package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorSnapshot(t *testing.T) {
	c := New(nil)
	c.ParentHubConnections.Inc()
	c.BytesIn(10)
	c.BytesOut(4)
	c.ConnectedChildren.Set(2)

	snap := c.Snapshot()
	assert.Equal(t, 1.0, snap["parent_hub_connections"])
	assert.Equal(t, 10.0, snap["bytes_from_parent_hub"])
	assert.Equal(t, 4.0, snap["bytes_to_parent_hub"])
	assert.Equal(t, 2.0, snap["connected_children"])
	assert.Equal(t, 0.0, snap["parent_hub_connections_closed"])
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ParentHubConnections))
}

func TestCollectorHandler(t *testing.T) {
	c := New(nil)
	c.FindRequests.Add(3)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "kbnet_find_requests 3")
}
