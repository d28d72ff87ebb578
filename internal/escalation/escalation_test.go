package escalation

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmops/swarmops/internal/store"
	"github.com/swarmops/swarmops/internal/swarmerr"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return New(store.New(nil), filepath.Join(t.TempDir(), "escalations.json"))
}

func TestCreateDefaultSeverity(t *testing.T) {
	tests := []struct {
		name     string
		attempts int
		max      int
		want     Severity
	}{
		{name: "standard budget exhausted", attempts: 3, max: 3, want: SeverityHigh},
		{name: "over budget", attempts: 4, max: 3, want: SeverityHigh},
		{name: "small budget exhausted", attempts: 2, max: 2, want: SeverityMedium},
		{name: "under budget", attempts: 1, max: 3, want: SeverityLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t)
			esc, err := m.Create(CreateParams{
				RunID:        "run-1",
				TaskID:       "parser",
				Message:      "spawn failed",
				AttemptCount: tt.attempts,
				MaxAttempts:  tt.max,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, esc.Severity)
			assert.Equal(t, StatusOpen, esc.Status)
			assert.NotEmpty(t, esc.ID)
		})
	}
}

func TestCreateExplicitSeverity(t *testing.T) {
	m := newTestManager(t)
	esc, err := m.Create(CreateParams{Message: "merge failed", Severity: SeverityCritical})
	require.NoError(t, err)
	assert.Equal(t, SeverityCritical, esc.Severity)

	_, err = m.Create(CreateParams{Message: "x", Severity: Severity("urgent")})
	assert.Error(t, err)
}

func TestGetUnknownID(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Get("esc-missing")
	var se *swarmerr.Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, swarmerr.CodeEscalationNotFound, se.Code)
}

func TestResolveLifecycle(t *testing.T) {
	m := newTestManager(t)
	esc, err := m.Create(CreateParams{RunID: "run-1", TaskID: "parser", Message: "boom", AttemptCount: 3, MaxAttempts: 3})
	require.NoError(t, err)

	open, err := m.ListOpen()
	require.NoError(t, err)
	require.Len(t, open, 1)

	got, err := m.Resolve(esc.ID, "re-ran by hand", "alex")
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, got.Status)
	assert.Equal(t, "re-ran by hand", got.Resolution)
	assert.Equal(t, "alex", got.ResolvedBy)
	require.NotNil(t, got.ResolvedAt)

	// Resolving again changes nothing.
	again, err := m.Resolve(esc.ID, "other text", "sam")
	require.NoError(t, err)
	assert.Equal(t, "re-ran by hand", again.Resolution)

	open, err = m.ListOpen()
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestDismiss(t *testing.T) {
	m := newTestManager(t)
	esc, err := m.Create(CreateParams{Message: "flaky"})
	require.NoError(t, err)

	got, err := m.Dismiss(esc.ID, "known flake")
	require.NoError(t, err)
	assert.Equal(t, StatusDismissed, got.Status)
	assert.Equal(t, "known flake", got.Resolution)
}

func TestAddNoteAndSetSeverity(t *testing.T) {
	m := newTestManager(t)
	esc, err := m.Create(CreateParams{Message: "boom"})
	require.NoError(t, err)

	got, err := m.AddNote(esc.ID, "looking into it")
	require.NoError(t, err)
	require.Len(t, got.Notes, 1)
	assert.Equal(t, "looking into it", got.Notes[0].Text)

	got, err = m.SetSeverity(esc.ID, SeverityCritical)
	require.NoError(t, err)
	assert.Equal(t, SeverityCritical, got.Severity)

	_, err = m.SetSeverity(esc.ID, Severity("nope"))
	assert.Error(t, err)
}

func TestEnsureOpenDeduplicates(t *testing.T) {
	m := newTestManager(t)
	p := CreateParams{RunID: "run-1", TaskID: "parser", Message: "exhausted", AttemptCount: 3, MaxAttempts: 3}

	first, created, err := m.EnsureOpen(p)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := m.EnsureOpen(p)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	// A resolved escalation no longer blocks a fresh one.
	_, err = m.Resolve(first.ID, "done", "")
	require.NoError(t, err)
	third, created, err := m.EnsureOpen(p)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestResolveByTaskIDClosesAllOpen(t *testing.T) {
	m := newTestManager(t)
	for i := 0; i < 2; i++ {
		_, err := m.Create(CreateParams{RunID: "run-1", TaskID: "parser", Message: "boom"})
		require.NoError(t, err)
	}
	other, err := m.Create(CreateParams{RunID: "run-1", TaskID: "api", Message: "boom"})
	require.NoError(t, err)

	n, err := m.ResolveByTaskID("parser", "task completed on retry", "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	open, err := m.ListOpen()
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, other.ID, open[0].ID)

	// Nothing left to close for that task.
	n, err = m.ResolveByTaskID("parser", "again", "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestByRunAndByPipeline(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Create(CreateParams{RunID: "run-1", PipelineID: "deploy", Message: "a"})
	require.NoError(t, err)
	_, err = m.Create(CreateParams{RunID: "run-2", PipelineID: "deploy", Message: "b"})
	require.NoError(t, err)

	byRun, err := m.ByRun("run-1")
	require.NoError(t, err)
	assert.Len(t, byRun, 1)

	byPipe, err := m.ByPipeline("deploy")
	require.NoError(t, err)
	assert.Len(t, byPipe, 2)
}

func TestStats(t *testing.T) {
	m := newTestManager(t)
	a, err := m.Create(CreateParams{Message: "a", Severity: SeverityHigh})
	require.NoError(t, err)
	_, err = m.Create(CreateParams{Message: "b", Severity: SeverityHigh})
	require.NoError(t, err)
	c, err := m.Create(CreateParams{Message: "c", Severity: SeverityLow})
	require.NoError(t, err)

	_, err = m.Resolve(a.ID, "done", "")
	require.NoError(t, err)
	_, err = m.Dismiss(c.ID, "noise")
	require.NoError(t, err)

	st, err := m.Stats()
	require.NoError(t, err)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 1, st.Open)
	assert.Equal(t, 1, st.Resolved)
	assert.Equal(t, 1, st.Dismissed)
	assert.Equal(t, 1, st.OpenBySeverity[SeverityHigh])
}

func TestPruneKeepsOpen(t *testing.T) {
	m := newTestManager(t)
	current := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	m.SetNowFunc(func() time.Time { return current })

	old, err := m.Create(CreateParams{Message: "old resolved"})
	require.NoError(t, err)
	_, err = m.Resolve(old.ID, "done", "")
	require.NoError(t, err)
	stale, err := m.Create(CreateParams{Message: "old but open"})
	require.NoError(t, err)

	current = current.AddDate(0, 0, 45)

	fresh, err := m.Create(CreateParams{Message: "recent resolved"})
	require.NoError(t, err)
	_, err = m.Resolve(fresh.ID, "done", "")
	require.NoError(t, err)

	n, err := m.Prune(30)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = m.Get(old.ID)
	assert.Error(t, err, "old resolved entry pruned")
	got, err := m.Get(stale.ID)
	require.NoError(t, err, "open entries survive any age")
	assert.Equal(t, StatusOpen, got.Status)
	_, err = m.Get(fresh.ID)
	assert.NoError(t, err)
}
