package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts session lifecycle transitions and replay volume.
type Metrics struct {
	Created            prometheus.Counter
	Graced             prometheus.Counter
	Reconnected        prometheus.Counter
	Adopted            prometheus.Counter
	ReconnectsRejected *prometheus.CounterVec
	Expired            prometheus.Counter
	Replayed           prometheus.Counter
	ReplayGaps         prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Created: f.NewCounter(prometheus.CounterOpts{
			Name: "axion_sessions_created_total",
			Help: "Sessions opened.",
		}),
		Graced: f.NewCounter(prometheus.CounterOpts{
			Name: "axion_sessions_grace_total",
			Help: "Sessions that entered the reconnection grace window.",
		}),
		Reconnected: f.NewCounter(prometheus.CounterOpts{
			Name: "axion_sessions_reconnected_total",
			Help: "Successful reconnects onto existing sessions.",
		}),
		Adopted: f.NewCounter(prometheus.CounterOpts{
			Name: "axion_sessions_adopted_total",
			Help: "Sessions rebuilt from the store mirror after instance loss.",
		}),
		ReconnectsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "axion_sessions_reconnects_rejected_total",
			Help: "Reconnect attempts turned away.",
		}, []string{"reason"}),
		Expired: f.NewCounter(prometheus.CounterOpts{
			Name: "axion_sessions_expired_total",
			Help: "Sessions that lapsed without a reconnect.",
		}),
		Replayed: f.NewCounter(prometheus.CounterOpts{
			Name: "axion_session_replayed_messages_total",
			Help: "Messages replayed to reconnecting clients.",
		}),
		ReplayGaps: f.NewCounter(prometheus.CounterOpts{
			Name: "axion_session_replay_gaps_total",
			Help: "Reconnects where part of the backlog was already gone.",
		}),
	}
}
