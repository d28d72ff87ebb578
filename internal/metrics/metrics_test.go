package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndGauges(t *testing.T) {
	m := New()

	m.Spawns.WithLabelValues("builder", OutcomeOK).Inc()
	m.Spawns.WithLabelValues("builder", OutcomeError).Inc()
	m.Webhooks.WithLabelValues("worker-complete", OutcomeOK).Add(3)
	m.ReviewDecisions.WithLabelValues(DecisionApproved).Inc()
	m.EscalationsOpen.Set(2)
	m.RunsActive.Set(1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Spawns.WithLabelValues("builder", OutcomeOK)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Webhooks.WithLabelValues("worker-complete", OutcomeOK)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EscalationsOpen))
}

func TestIndependentRegistries(t *testing.T) {
	a := New()
	b := New()
	a.MergeConflicts.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.MergeConflicts))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.MergeConflicts))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.PhaseDuration.Observe(95)
	m.RetriesScheduled.Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "swarmops_phase_duration_seconds_bucket")
	assert.Contains(t, body, "swarmops_retries_scheduled_total 1")
	assert.Contains(t, body, "go_goroutines")
}
