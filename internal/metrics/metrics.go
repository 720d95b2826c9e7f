package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AgentsKnown = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "opshub_agents_known",
		Help: "Number of agents with registry state (seen and not yet expired).",
	})
	AgentsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "opshub_agents_connected",
		Help: "Number of live agent connections.",
	})
	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opshub_frames_total",
		Help: "Total number of inbound frames by frame type.",
	}, []string{"type"})
	AuthTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opshub_auth_total",
		Help: "Total number of authentication handshakes by result.",
	}, []string{"result"})
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opshub_commands_total",
		Help: "Total number of tracked commands by outcome.",
	}, []string{"status"})
	CommandDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "opshub_command_duration_seconds",
		Help:    "Time from command dispatch to result receipt.",
		Buckets: prometheus.DefBuckets,
	})
	BroadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opshub_broadcasts_total",
		Help: "Total number of broadcast messages sent.",
	})
	ConnectionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opshub_connections_rejected_total",
		Help: "Total number of connections rejected at the connection cap.",
	})
	SweepEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opshub_sweep_evictions_total",
		Help: "Total number of entries dropped by background sweeps.",
	}, []string{"kind"})
)
