package backpressure

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates outbound-path counters across all connections.
type Metrics struct {
	Enqueued        prometheus.Counter
	Dropped         *prometheus.CounterVec
	Sent            prometheus.Counter
	NoticesSent     prometheus.Counter
	SendRetries     prometheus.Counter
	Throttled       prometheus.Counter
	DeadConnections prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Enqueued: f.NewCounter(prometheus.CounterOpts{
			Name: "axion_outbound_enqueued_total",
			Help: "Messages admitted to per-connection queues.",
		}),
		Dropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "axion_outbound_dropped_total",
			Help: "Messages dropped by per-connection queues.",
		}, []string{"reason"}),
		Sent: f.NewCounter(prometheus.CounterOpts{
			Name: "axion_outbound_sent_total",
			Help: "Message frames written to transports.",
		}),
		NoticesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "axion_outbound_drop_notices_total",
			Help: "Drop notification frames written to transports.",
		}),
		SendRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "axion_outbound_send_retries_total",
			Help: "Transient write failures that were retried.",
		}),
		Throttled: f.NewCounter(prometheus.CounterOpts{
			Name: "axion_outbound_throttled_total",
			Help: "Connections marked as slow consumers.",
		}),
		DeadConnections: f.NewCounter(prometheus.CounterOpts{
			Name: "axion_outbound_dead_connections_total",
			Help: "Connections terminated after exhausting the send budget.",
		}),
	}
}
