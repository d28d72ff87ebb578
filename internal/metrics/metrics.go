// Package metrics defines the prometheus collectors for the
// orchestrator. Label orders here are load-bearing; call sites pass
// labels positionally.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values.
const (
	OutcomeOK       = "ok"
	OutcomeDeclined = "declined"
	OutcomeError    = "error"
	OutcomeOrphan   = "orphan"
	OutcomeInvalid  = "invalid"
)

// Review decision label values.
const (
	DecisionApproved       = "approved"
	DecisionRequestChanges = "request_changes"
)

// Metrics holds every collector, registered on its own registry so
// tests and multiple orchestrators never collide on global state.
type Metrics struct {
	// Spawns counts gateway spawn attempts. Labels: role, outcome.
	Spawns *prometheus.CounterVec
	// Webhooks counts inbound webhook deliveries. Labels: endpoint, outcome.
	Webhooks *prometheus.CounterVec
	// RetriesScheduled counts delayed re-dispatches.
	RetriesScheduled prometheus.Counter
	// WatchdogRetries counts forced dispatches after stalled progress.
	WatchdogRetries prometheus.Counter
	// MergeConflicts counts merges that needed a resolver.
	MergeConflicts prometheus.Counter
	// ReviewDecisions counts reviewer verdicts. Labels: decision.
	ReviewDecisions *prometheus.CounterVec
	// EscalationsOpen is the current human queue depth.
	EscalationsOpen prometheus.Gauge
	// RunsActive is the number of non-terminal runs.
	RunsActive prometheus.Gauge
	// PhaseDuration observes wall time from phase start to merge.
	PhaseDuration prometheus.Histogram

	registry *prometheus.Registry
}

// New creates a Metrics with a fresh registry including the standard
// process and Go runtime collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		Spawns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "swarmops_spawns_total",
			Help: "Gateway spawn attempts by role and outcome.",
		}, []string{"role", "outcome"}),
		Webhooks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "swarmops_webhooks_total",
			Help: "Inbound webhook deliveries by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		RetriesScheduled: factory.NewCounter(prometheus.CounterOpts{
			Name: "swarmops_retries_scheduled_total",
			Help: "Delayed re-dispatches scheduled after spawn failures.",
		}),
		WatchdogRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "swarmops_watchdog_retries_total",
			Help: "Forced dispatches after the progress watchdog fired.",
		}),
		MergeConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "swarmops_merge_conflicts_total",
			Help: "Branch merges that conflicted and spawned a resolver.",
		}),
		ReviewDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "swarmops_review_decisions_total",
			Help: "Reviewer verdicts by decision.",
		}, []string{"decision"}),
		EscalationsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "swarmops_escalations_open",
			Help: "Escalations currently waiting for an operator.",
		}),
		RunsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "swarmops_runs_active",
			Help: "Runs in a non-terminal status.",
		}),
		PhaseDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "swarmops_phase_duration_seconds",
			Help:    "Wall time from phase dispatch to merge.",
			Buckets: prometheus.ExponentialBuckets(30, 2, 8),
		}),
		registry: reg,
	}
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
