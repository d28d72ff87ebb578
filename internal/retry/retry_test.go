package retry

import (
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmops/swarmops/internal/store"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	return New(store.New(nil), filepath.Join(t.TempDir(), "retry-state.json"))
}

func TestInitStateIdempotent(t *testing.T) {
	c := newTestController(t)
	s1, err := c.InitState("run-1", 100042, DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, StatusPending, s1.Status)

	s2, err := c.InitState("run-1", 100042, Policy{MaxAttempts: 9})
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy(), s2.Policy, "existing state keeps its policy")
}

func TestSuccessClearsNextRetry(t *testing.T) {
	c := newTestController(t)
	_, err := c.InitState("run-1", 1, DefaultPolicy())
	require.NoError(t, err)

	s, err := c.RecordAttempt("run-1", 1, false, "gateway down", 120)
	require.NoError(t, err)
	assert.Equal(t, StatusRetrying, s.Status)
	require.NotNil(t, s.NextRetryAt)

	s, err = c.RecordAttempt("run-1", 1, true, "", 80)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, s.Status)
	assert.Nil(t, s.NextRetryAt)
	assert.Len(t, s.Attempts, 2)
	assert.Equal(t, 1, s.FailureCount())
}

// After max consecutive failures the state is exhausted with no retry
// scheduled; delays along the way respect the jitter bound.
func TestExhaustionAndDelayBounds(t *testing.T) {
	policy := Policy{MaxAttempts: 4, BaseDelayMs: 100, MaxDelayMs: 100000, BackoffMultiplier: 2.0}
	c := newTestController(t)
	_, err := c.InitState("run-1", 7, policy)
	require.NoError(t, err)

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	c.SetNowFunc(func() time.Time { return now })

	for i := 1; i <= policy.MaxAttempts; i++ {
		s, err := c.RecordAttempt("run-1", 7, false, fmt.Sprintf("fail %d", i), 0)
		require.NoError(t, err)
		if i == policy.MaxAttempts {
			assert.Equal(t, StatusExhausted, s.Status)
			assert.Nil(t, s.NextRetryAt)
			break
		}
		assert.Equal(t, StatusRetrying, s.Status)
		require.NotNil(t, s.NextRetryAt)
		delay := s.NextRetryAt.Sub(now)
		raw := float64(policy.BaseDelayMs) * math.Pow(policy.BackoffMultiplier, float64(i))
		lo := time.Duration(0.9*raw) * time.Millisecond
		hi := time.Duration(1.1*raw) * time.Millisecond
		assert.GreaterOrEqual(t, delay, lo, "attempt %d", i)
		assert.LessOrEqual(t, delay, hi, "attempt %d", i)
	}

	exhausted, err := c.IsExhausted("run-1", 7)
	require.NoError(t, err)
	assert.True(t, exhausted)
}

func TestDelayCapsAtMax(t *testing.T) {
	policy := Policy{MaxAttempts: 10, BaseDelayMs: 5000, MaxDelayMs: 60000, BackoffMultiplier: 2.0}
	for i := 0; i < 100; i++ {
		d := policy.Delay(8) // raw would be 1280s
		assert.LessOrEqual(t, d, 60000*time.Millisecond)
		assert.Greater(t, d, 0*time.Millisecond)
	}
}

func TestDelayNoJitter(t *testing.T) {
	policy := Policy{MaxAttempts: 3, BaseDelayMs: 100, MaxDelayMs: 100000, BackoffMultiplier: 2.0}
	assert.Equal(t, 200*time.Millisecond, policy.DelayNoJitter(1))
	assert.Equal(t, 400*time.Millisecond, policy.DelayNoJitter(2))
	assert.Equal(t, 800*time.Millisecond, policy.DelayNoJitter(3))
}

func TestRecordAttemptWithoutInit(t *testing.T) {
	c := newTestController(t)
	s, err := c.RecordAttempt("run-9", 3, false, "boom", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy(), s.Policy)
	assert.Equal(t, StatusRetrying, s.Status)
}

func TestClearStateAndPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retry-state.json")
	c := New(store.New(nil), path)

	_, err := c.RecordAttempt("run-1", 1, false, "x", 0)
	require.NoError(t, err)
	_, err = c.RecordAttempt("run-1", 2, false, "y", 0)
	require.NoError(t, err)

	// A fresh controller sees the persisted states.
	c2 := New(store.New(nil), path)
	s, ok, err := c2.Get("run-1", 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusRetrying, s.Status)
	assert.Equal(t, "x", s.LastError())

	require.NoError(t, c2.ClearState("run-1", 1))
	_, ok, err = c2.Get("run-1", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	// And the removal is durable.
	c3 := New(store.New(nil), path)
	_, ok, err = c3.Get("run-1", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	states, err := c3.ByRun("run-1")
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, 2, states[0].StepOrder)
}
