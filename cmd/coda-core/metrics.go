package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the Prometheus gauges/counters surfaced on /metrics,
// one per named component (bus lag, skill health, subagent load,
// confirmation abuse) per SPEC_FULL.md's supplemented metrics surface.
type metrics struct {
	registry *prometheus.Registry

	busPendingDepth          prometheus.Gauge
	skillUnavailableTotal    prometheus.Gauge
	subagentActiveRuns       prometheus.Gauge
	subagentActiveRunsByUser *prometheus.GaugeVec
	confirmAbuseTriggers     prometheus.Counter
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &metrics{
		registry: reg,
		busPendingDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "coda",
			Subsystem: "bus",
			Name:      "pending_depth",
			Help:      "Number of event-bus messages currently pending (delivered, unacknowledged).",
		}),
		skillUnavailableTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "coda",
			Subsystem: "skills",
			Name:      "unavailable_total",
			Help:      "Number of skills currently in the unavailable health state.",
		}),
		subagentActiveRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "coda",
			Subsystem: "subagent",
			Name:      "active_runs",
			Help:      "Number of subagent runs currently admitted and not yet terminal.",
		}),
		subagentActiveRunsByUser: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "coda",
			Subsystem: "subagent",
			Name:      "active_runs_by_user",
			Help:      "Number of subagent runs currently admitted and not yet terminal, per user.",
		}, []string{"user_id"}),
		confirmAbuseTriggers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "coda",
			Subsystem: "confirm",
			Name:      "abuse_triggers_total",
			Help:      "Number of times the confirmation manager has blocked a user for abuse.",
		}),
	}
}
