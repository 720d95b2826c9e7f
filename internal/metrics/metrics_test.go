package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetricsRegistered(t *testing.T) {
	// Initialise vec label combinations so they appear in Gather output.
	// Labelled metrics are not gathered until at least one label set is created.
	FramesTotal.WithLabelValues("client_info")
	AuthTotal.WithLabelValues("success")
	CommandsTotal.WithLabelValues("dispatched")
	SweepEvictions.WithLabelValues("client")

	// Verify all metrics are registered by gathering them.
	// promauto registers on init, so if we get here without panic, registration succeeded.
	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	expected := map[string]bool{
		"opshub_agents_known":               false,
		"opshub_agents_connected":           false,
		"opshub_frames_total":               false,
		"opshub_auth_total":                 false,
		"opshub_commands_total":             false,
		"opshub_command_duration_seconds":   false,
		"opshub_broadcasts_total":           false,
		"opshub_connections_rejected_total": false,
		"opshub_sweep_evictions_total":      false,
	}

	for _, mf := range mfs {
		if _, ok := expected[mf.GetName()]; ok {
			expected[mf.GetName()] = true
		}
	}

	for name, found := range expected {
		if !found {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestCounterIncrements(t *testing.T) {
	BroadcastsTotal.Add(1)
	ConnectionsRejected.Add(1)
	AuthTotal.WithLabelValues("success").Inc()
	AuthTotal.WithLabelValues("failure").Inc()
	CommandsTotal.WithLabelValues("completed").Inc()
	// No panic = success; actual values verified via Gather if needed.
}

func TestGaugeSets(t *testing.T) {
	AgentsKnown.Set(10)
	AgentsConnected.Set(8)
	// No panic = success.
}
