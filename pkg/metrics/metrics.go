// Package metrics holds the Prometheus counters a node reports.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Collector groups the counters of one node process.
type Collector struct {
	registry *prometheus.Registry

	// Parent hub link
	ParentHubConnections         prometheus.Counter
	ParentHubConnectionsFailed   prometheus.Counter
	ParentHubRegistrationsFailed prometheus.Counter
	ParentHubConnectionsClosed   prometheus.Counter
	MessagesFromParentHub        prometheus.Counter
	HTTPMessagesFromParentHub    prometheus.Counter
	BytesFromParentHub           prometheus.Counter
	BytesToParentHub             prometheus.Counter

	// Hub side
	ChildRegistrations       prometheus.Counter
	ChildRegistrationsReject prometheus.Counter
	ConnectedChildren        prometheus.Gauge
	FindRequests             prometheus.Counter

	named map[string]prometheus.Metric
}

// New creates the counters on a fresh registry, or on reg when given.
func New(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	counter := func(name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{Namespace: "kbnet", Name: name, Help: help})
	}
	c := &Collector{
		registry:                     reg,
		ParentHubConnections:         counter("parent_hub_connections", "Successful connections to the parent hub"),
		ParentHubConnectionsFailed:   counter("parent_hub_connections_failed", "Failed attempts to connect to the parent hub"),
		ParentHubRegistrationsFailed: counter("parent_hub_registrations_failed", "Registrations refused by the parent hub"),
		ParentHubConnectionsClosed:   counter("parent_hub_connections_closed", "Parent hub connections that closed"),
		MessagesFromParentHub:        counter("messages_from_parent_hub", "Messages received from the parent hub"),
		HTTPMessagesFromParentHub:    counter("http_messages_from_parent_hub", "Tunneled HTTP requests received from the parent hub"),
		BytesFromParentHub:           counter("bytes_from_parent_hub", "Bytes received from the parent hub"),
		BytesToParentHub:             counter("bytes_to_parent_hub", "Bytes sent to the parent hub"),
		ChildRegistrations:           counter("child_registrations", "Children registered with this hub"),
		ChildRegistrationsReject:     counter("child_registrations_rejected", "Child registrations rejected by this hub"),
		ConnectedChildren: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "kbnet",
			Name:      "connected_children",
			Help:      "Children currently connected to this hub",
		}),
		FindRequests: counter("find_requests", "File searches served"),
	}
	c.named = map[string]prometheus.Metric{
		"parent_hub_connections":          c.ParentHubConnections,
		"parent_hub_connections_failed":   c.ParentHubConnectionsFailed,
		"parent_hub_registrations_failed": c.ParentHubRegistrationsFailed,
		"parent_hub_connections_closed":   c.ParentHubConnectionsClosed,
		"messages_from_parent_hub":        c.MessagesFromParentHub,
		"http_messages_from_parent_hub":   c.HTTPMessagesFromParentHub,
		"bytes_from_parent_hub":           c.BytesFromParentHub,
		"bytes_to_parent_hub":             c.BytesToParentHub,
		"child_registrations":             c.ChildRegistrations,
		"child_registrations_rejected":    c.ChildRegistrationsReject,
		"connected_children":              c.ConnectedChildren,
		"find_requests":                   c.FindRequests,
	}
	return c
}

// BytesIn counts bytes received on the parent link.
func (c *Collector) BytesIn(n int) { c.BytesFromParentHub.Add(float64(n)) }

// BytesOut counts bytes sent on the parent link.
func (c *Collector) BytesOut(n int) { c.BytesToParentHub.Add(float64(n)) }

// Snapshot reads the current values for the nodeinfo endpoint.
func (c *Collector) Snapshot() map[string]float64 {
	out := make(map[string]float64, len(c.named))
	for name, m := range c.named {
		var pb dto.Metric
		if err := m.Write(&pb); err != nil {
			continue
		}
		switch {
		case pb.Counter != nil:
			out[name] = pb.Counter.GetValue()
		case pb.Gauge != nil:
			out[name] = pb.Gauge.GetValue()
		}
	}
	return out
}

// Handler serves the registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
