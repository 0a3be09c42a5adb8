package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks publish and dispatch activity.
type Metrics struct {
	Published       prometheus.Counter
	PublishFailures prometheus.Counter
	Dispatched      prometheus.Counter
}

// NewMetrics creates router metrics. A nil registerer yields unregistered
// (but usable) collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		Published: factory.NewCounter(prometheus.CounterOpts{
			Name: "router_published_total",
			Help: "Total number of messages published to the broadcast medium",
		}),
		PublishFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "router_publish_failures_total",
			Help: "Total number of publishes that failed with RouterUnavailable",
		}),
		Dispatched: factory.NewCounter(prometheus.CounterOpts{
			Name: "router_dispatched_total",
			Help: "Total number of broadcast messages dispatched locally",
		}),
	}
}
