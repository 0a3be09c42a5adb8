package push

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics covers the connection-facing surface.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	Connects          prometheus.Counter
	Resumes           prometheus.Counter
	Refused           *prometheus.CounterVec
	Commands          *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "axion_connections_active",
			Help: "Connections currently served by this instance.",
		}),
		Connects: f.NewCounter(prometheus.CounterOpts{
			Name: "axion_connections_opened_total",
			Help: "Fresh connections accepted.",
		}),
		Resumes: f.NewCounter(prometheus.CounterOpts{
			Name: "axion_connections_resumed_total",
			Help: "Reconnects attached to existing sessions.",
		}),
		Refused: f.NewCounterVec(prometheus.CounterOpts{
			Name: "axion_connections_refused_total",
			Help: "Connection attempts turned away.",
		}, []string{"reason"}),
		Commands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "axion_client_commands_total",
			Help: "Inbound client commands by operation.",
		}, []string{"op"}),
	}
}
