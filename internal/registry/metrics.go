package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks registry activity. Registered against an injectable
// registerer so parallel instances (and tests) do not collide.
type Metrics struct {
	Registrations    prometheus.Counter
	Rejections       *prometheus.CounterVec
	LocalConnections prometheus.Gauge
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
}

// NewMetrics creates registry metrics. A nil registerer yields unregistered
// (but usable) collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		Registrations: factory.NewCounter(prometheus.CounterOpts{
			Name: "registry_registrations_total",
			Help: "Total number of connections registered",
		}),
		Rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "registry_rejections_total",
			Help: "Total number of connection registrations rejected",
		}, []string{"reason"}),
		LocalConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "registry_local_connections",
			Help: "Current number of locally-owned live connections",
		}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "registry_cache_hits_total",
			Help: "Registry lookup cache hits",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "registry_cache_misses_total",
			Help: "Registry lookup cache misses",
		}),
	}
}
