package project

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmops/swarmops/internal/config"
	"github.com/swarmops/swarmops/internal/store"
	"github.com/swarmops/swarmops/internal/swarmerr"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	root := t.TempDir()
	paths := config.Paths{
		DataDir:     filepath.Join(root, "data"),
		ProjectsDir: filepath.Join(root, "projects"),
	}
	return NewManager(store.New(nil), paths)
}

const sampleProgress = `# blog

## Phase 1: Core
- [ ] Build the parser @id(parser) @role(builder)
- [ ] Build the store @id(store) @role(builder)

## Phase 2: API
- [ ] Wire the endpoints @id(api) @role(builder) @depends(parser,store)
`

func TestInitAndState(t *testing.T) {
	m := newTestManager(t)

	st, err := m.Init("blog")
	require.NoError(t, err)
	assert.Equal(t, PhaseInterview, st.Phase)
	assert.Equal(t, StatusIdle, st.Status)

	got, err := m.State("blog")
	require.NoError(t, err)
	assert.Equal(t, "blog", got.Name)

	iv, err := m.Interview("blog")
	require.NoError(t, err)
	assert.False(t, iv.Complete)

	_, err = m.Init("blog")
	assert.Error(t, err, "double init must fail")
}

func TestStateUnknownProject(t *testing.T) {
	m := newTestManager(t)
	_, err := m.State("ghost")
	var se *swarmerr.Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, swarmerr.CodeProjectNotFound, se.Code)
}

func TestSetPhaseRecordsHistory(t *testing.T) {
	m := newTestManager(t)
	current := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	m.SetNowFunc(func() time.Time { return current })
	_, err := m.Init("blog")
	require.NoError(t, err)

	st, err := m.SetPhase("blog", PhaseSpec, "interview complete")
	require.NoError(t, err)
	assert.Equal(t, PhaseSpec, st.Phase)
	require.Len(t, st.History, 1)
	assert.Equal(t, PhaseInterview, st.History[0].From)
	assert.Equal(t, PhaseSpec, st.History[0].To)
	assert.Equal(t, "interview complete", st.History[0].Note)

	// Same-phase set is a no-op for history.
	st, err = m.SetPhase("blog", PhaseSpec, "again")
	require.NoError(t, err)
	assert.Len(t, st.History, 1)
}

func TestStatusAndIteration(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Init("blog")
	require.NoError(t, err)

	st, err := m.SetStatus("blog", StatusRunning)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, st.Status)

	st, err = m.BumpIteration("blog")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Iteration)
}

func TestProgressAndGraph(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Init("blog")
	require.NoError(t, err)

	assert.False(t, m.HasProgress("blog"))
	require.NoError(t, m.WriteProgress("blog", sampleProgress))
	assert.True(t, m.HasProgress("blog"))

	g, err := m.Graph("blog")
	require.NoError(t, err)
	assert.Len(t, g.Tasks, 3)
	assert.Len(t, g.Phases, 2)

	require.NoError(t, m.MarkTaskDone("blog", "parser"))
	g, err = m.Graph("blog")
	require.NoError(t, err)
	assert.True(t, g.Tasks["parser"].Done)
	assert.False(t, g.Tasks["store"].Done)
}

func TestHasPlan(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Init("blog")
	require.NoError(t, err)
	assert.False(t, m.HasPlan("blog"))

	planPath := m.paths.ProjectPlan("blog")
	require.NoError(t, os.MkdirAll(filepath.Dir(planPath), 0o755))
	require.NoError(t, os.WriteFile(planPath, []byte(""), 0o644))
	assert.False(t, m.HasPlan("blog"), "empty plan does not count")

	require.NoError(t, os.WriteFile(planPath, []byte("# Plan\n"), 0o644))
	assert.True(t, m.HasPlan("blog"))
}

func TestInterviewRoundTrip(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Init("blog")
	require.NoError(t, err)

	iv := &Interview{
		Complete: true,
		Goals:    "a small blog engine",
		Transcript: []InterviewTurn{
			{Role: "interviewer", Text: "What are you building?"},
			{Role: "user", Text: "A blog."},
		},
	}
	require.NoError(t, m.SaveInterview("blog", iv))

	got, err := m.Interview("blog")
	require.NoError(t, err)
	assert.True(t, got.Complete)
	assert.Len(t, got.Transcript, 2)
}

func TestLastTouched(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Init("blog")
	require.NoError(t, err)

	assert.False(t, m.LastTouched("blog").IsZero())
	assert.True(t, m.LastTouched("ghost").IsZero(), "missing project has zero touch time")
}

func TestList(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Init("zulu")
	require.NoError(t, err)
	_, err = m.Init("alpha")
	require.NoError(t, err)

	// A directory without state.json is not a project.
	require.NoError(t, os.MkdirAll(filepath.Join(m.paths.ProjectsDir, "scratch"), 0o755))

	names, err := m.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "zulu"}, names)
}

func TestInitRejectsPathyNames(t *testing.T) {
	m := newTestManager(t)
	for _, name := range []string{"", "a/b", "..", "a\\b"} {
		_, err := m.Init(name)
		assert.Error(t, err, "name %q", name)
	}
}
