package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmops/swarmops/internal/config"
	"github.com/swarmops/swarmops/internal/escalation"
	"github.com/swarmops/swarmops/internal/events"
	"github.com/swarmops/swarmops/internal/gateway"
	"github.com/swarmops/swarmops/internal/gitops"
	"github.com/swarmops/swarmops/internal/ledger"
	"github.com/swarmops/swarmops/internal/metrics"
	"github.com/swarmops/swarmops/internal/phasecol"
	"github.com/swarmops/swarmops/internal/pipeline"
	"github.com/swarmops/swarmops/internal/project"
	"github.com/swarmops/swarmops/internal/registry"
	"github.com/swarmops/swarmops/internal/retry"
	"github.com/swarmops/swarmops/internal/roles"
	"github.com/swarmops/swarmops/internal/runstate"
	"github.com/swarmops/swarmops/internal/skills"
	"github.com/swarmops/swarmops/internal/store"
	"github.com/swarmops/swarmops/internal/taskgraph"
)

// fakeGateway scripts spawn outcomes by label. Unscripted labels
// succeed with sequential session keys.
type fakeGateway struct {
	mu      sync.Mutex
	reqs    []gateway.SpawnRequest
	fail    map[string]int // label -> remaining transport errors
	decline map[string]int // label -> remaining ok=false answers
	n       int
}

func (f *fakeGateway) failTimes(label string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail == nil {
		f.fail = make(map[string]int)
	}
	f.fail[label] = n
}

func (f *fakeGateway) declineTimes(label string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.decline == nil {
		f.decline = make(map[string]int)
	}
	f.decline[label] = n
}

func (f *fakeGateway) Spawn(_ context.Context, req gateway.SpawnRequest) (*gateway.SpawnResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.fail[req.Label] > 0 {
		f.fail[req.Label]--
		return nil, errors.New("connection refused")
	}
	if f.decline[req.Label] > 0 {
		f.decline[req.Label]--
		return &gateway.SpawnResponse{OK: false, Error: "no session capacity"}, nil
	}
	f.n++
	return &gateway.SpawnResponse{
		OK:              true,
		ChildSessionKey: fmt.Sprintf("sess-%d", f.n),
		Verified:        true,
	}, nil
}

func (f *fakeGateway) labels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.reqs))
	for i, r := range f.reqs {
		out[i] = r.Label
	}
	return out
}

func (f *fakeGateway) requestFor(label string) (gateway.SpawnRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.reqs) - 1; i >= 0; i-- {
		if f.reqs[i].Label == label {
			return f.reqs[i], true
		}
	}
	return gateway.SpawnRequest{}, false
}

// fakeGit scripts git output by command prefix. Unmatched commands
// succeed with empty output.
type fakeGit struct {
	mu    sync.Mutex
	calls []string
	rules []fakeRule
}

type fakeRule struct {
	prefix string
	out    string
	err    error
}

func (f *fakeGit) on(prefix, out string, err error) *fakeGit {
	f.rules = append(f.rules, fakeRule{prefix: prefix, out: out, err: err})
	return f
}

func (f *fakeGit) Run(_ context.Context, _ string, name string, args ...string) (string, error) {
	cmd := name + " " + strings.Join(args, " ")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cmd)
	for _, r := range f.rules {
		if strings.HasPrefix(cmd, r.prefix) {
			return r.out, r.err
		}
	}
	return "", nil
}

func (f *fakeGit) called(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

type armedTimer struct {
	delay time.Duration
	fn    func()
}

type harness struct {
	dsp   *Dispatcher
	gw    *fakeGateway
	git   *fakeGit
	cfg   *config.Config
	paths config.Paths
	mtr   *metrics.Metrics

	runs        *runstate.Manager
	reg         *registry.Registry
	retries     *retry.Controller
	escalations *escalation.Manager
	collector   *phasecol.Collector
	projects    *project.Manager
	pipelines   *pipeline.Store
	work        *ledger.Ledger

	mu     sync.Mutex
	sleeps []time.Duration
	timers []armedTimer
}

func newHarness(t *testing.T, tweak ...func(*config.Config)) *harness {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = filepath.Join(root, "data")
	cfg.ProjectsDir = filepath.Join(root, "projects")
	cfg.Dispatch.SpawnDelayMs = 0
	cfg.Git.WorktreesEnabled = false
	cfg.Git.WorktreeRoot = filepath.Join(root, "worktrees")
	for _, fn := range tweak {
		fn(cfg)
	}
	paths := config.NewPaths(cfg)
	s := store.New(nil)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	roleStore := roles.New(s, paths.RolesFile(), paths.PromptsDir())
	require.NoError(t, roleStore.Seed())
	// Inline instructions keep prompt assertions independent of the
	// embedded prompt text.
	require.NoError(t, roleStore.Save(&roles.Role{
		ID: "builder", Name: "Builder", Model: "sonnet", Thinking: roles.ThinkingMedium,
		Instructions: "Build {{TASK_TITLE}} on {{BRANCH}} from {{BASE_BRANCH}} in {{WORKTREE_PATH}}.",
	}))

	git := &fakeGit{}
	gw := &fakeGateway{}
	repos := gitops.NewManager(git, logger)

	h := &harness{
		gw:          gw,
		git:         git,
		cfg:         cfg,
		paths:       paths,
		mtr:         metrics.New(),
		runs:        runstate.New(s, paths),
		reg:         registry.New(s, paths.RegistryFile()),
		retries:     retry.New(s, paths.RetryFile()),
		escalations: escalation.New(s, paths.EscalationsFile()),
		collector:   phasecol.New(s, paths, repos, logger),
		projects:    project.NewManager(s, paths),
		pipelines:   pipeline.New(s, paths.PipelinesFile()),
		work:        ledger.New(s, paths),
	}
	h.dsp = New(Deps{
		Config:      cfg,
		Paths:       paths,
		Registry:    h.reg,
		Retries:     h.retries,
		Ledger:      h.work,
		Feed:        events.NewFeed(s, paths, events.WithLogger(logger)),
		Roles:       roleStore,
		Skills:      skills.New(paths.SkillsDir(), nil, logger),
		Gateway:     gw,
		Repos:       repos,
		Escalations: h.escalations,
		Runs:        h.runs,
		Projects:    h.projects,
		Pipelines:   h.pipelines,
		Collector:   h.collector,
		Metrics:     h.mtr,
		Logger:      logger,
	})
	h.dsp.sleep = func(d time.Duration) {
		h.mu.Lock()
		h.sleeps = append(h.sleeps, d)
		h.mu.Unlock()
	}
	h.dsp.afterFunc = func(delay time.Duration, fn func()) *time.Timer {
		h.mu.Lock()
		h.timers = append(h.timers, armedTimer{delay: delay, fn: fn})
		h.mu.Unlock()
		return time.NewTimer(time.Hour)
	}
	return h
}

// fireTimers runs every captured retry callback once, as if the timers
// had elapsed, and returns how many fired.
func (h *harness) fireTimers() int {
	h.mu.Lock()
	pending := h.timers
	h.timers = nil
	h.mu.Unlock()
	for _, tm := range pending {
		tm.fn()
	}
	return len(pending)
}

const blogDoc = `# Blog

## Phase 1: Core
- [ ] Set up the data model @id(task-a)
- [ ] Build the landing page UI @id(task-b)

## Phase 2: Polish
- [ ] Wire up search @id(task-c) @depends(task-a)
`

func (h *harness) seedProject(t *testing.T, name, doc string) {
	t.Helper()
	_, err := h.projects.Init(name)
	require.NoError(t, err)
	require.NoError(t, h.projects.WriteProgress(name, doc))
}

func (h *harness) startBlogRun(t *testing.T) *runstate.Run {
	t.Helper()
	h.seedProject(t, "blog", blogDoc)
	run, err := h.dsp.StartProjectRun(context.Background(), "blog")
	require.NoError(t, err)
	return run
}

func completionFor(run *runstate.Run, taskID string, phase int, status registry.Status, output, errMsg string) Completion {
	return Completion{
		RunID:       run.RunID,
		PhaseNumber: phase,
		Scope:       scopeOf(run),
		Project:     run.ProjectName,
		PipelineID:  run.PipelineID,
		TaskID:      taskID,
		WorkerID:    gitops.SanitizeID(taskID),
		StepOrder:   taskgraph.StepOrder(phase, taskID),
		Status:      status,
		Output:      output,
		Error:       errMsg,
	}
}

func TestStartProjectRunSpawnsWave(t *testing.T) {
	h := newHarness(t)
	run := h.startBlogRun(t)

	assert.NotEmpty(t, run.RunID)
	assert.Equal(t, runstate.StatusRunning, run.Status)

	got, err := h.runs.Get(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentPhaseNumber)
	assert.Equal(t, runstate.PhaseRunning, got.Phase(1).Status)
	assert.Equal(t, runstate.PhasePending, got.Phase(2).Status)
	assert.Equal(t, "task-b", got.ActiveTaskID, "last spawned task owns the session pointer")
	assert.Equal(t, "sess-2", got.ActiveSessionKey)

	assert.Equal(t, []string{"blog/task-a", "blog/task-b"}, h.gw.labels())
	req, ok := h.gw.requestFor("blog/task-a")
	require.True(t, ok)
	assert.Equal(t, "sonnet", req.Model)
	assert.Equal(t, "medium", req.Thinking)
	assert.True(t, req.Cleanup)
	assert.Equal(t, 600, req.RunTimeoutSeconds)

	repoDir := h.paths.ProjectDir("blog")
	branch := gitops.WorkerBranch(run.RunID, "task-a")
	assert.Contains(t, req.Task, "Build Set up the data model on "+branch+" from main in "+repoDir+".")
	assert.Contains(t, req.Task, h.cfg.WebhookBaseURL()+"/worker-complete")
	assert.Contains(t, req.Task, fmt.Sprintf(`"stepOrder": %d`, taskgraph.StepOrder(1, "task-a")))
	assert.Contains(t, req.Task, fmt.Sprintf(`"runId": %q`, run.RunID))

	// Both tasks are claimed in the registry.
	for _, id := range []string{"task-a", "task-b"} {
		dec, err := h.reg.CanSpawn("blog", id)
		require.NoError(t, err)
		assert.False(t, dec.CanSpawn)
	}

	// The phase record tracks both workers as running.
	ph, err := h.collector.Get(run.RunID, 1)
	require.NoError(t, err)
	require.Len(t, ph.Workers, 2)
	for _, w := range ph.Workers {
		assert.Equal(t, phasecol.WorkerRunning, w.Status)
	}

	// Retry state is initialized per step.
	st, found, err := h.retries.Get(run.RunID, taskgraph.StepOrder(1, "task-a"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, retry.StatusPending, st.Status)

	items, err := h.work.List(ledger.Filters{Type: "worker", Tag: run.RunID, Status: ledger.StatusRunning})
	require.NoError(t, err)
	assert.Len(t, items, 2)

	activity, err := os.ReadFile(h.paths.ProjectActivity("blog"))
	require.NoError(t, err)
	assert.Contains(t, string(activity), `"run_started"`)
	assert.Contains(t, string(activity), `"spawn"`)

	assert.Equal(t, 2.0, testutil.ToFloat64(h.mtr.Spawns.WithLabelValues("builder", metrics.OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.mtr.RunsActive))
}

func TestUITaskPromptCarriesSkillDoc(t *testing.T) {
	h := newHarness(t)
	h.startBlogRun(t)

	req, ok := h.gw.requestFor("blog/task-b")
	require.True(t, ok)
	assert.Contains(t, req.Task, "# Skill: Web Visuals")

	req, ok = h.gw.requestFor("blog/task-a")
	require.True(t, ok)
	assert.NotContains(t, req.Task, "# Skill: Web Visuals")
}

func TestDispatchStaggersSpawns(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.Dispatch.SpawnDelayMs = 3000 })
	h.startBlogRun(t)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.sleeps, 1, "delay between spawns, not before the first")
	assert.Equal(t, 3*time.Second, h.sleeps[0])
}

func TestStartProjectRunRefusesSecondActiveRun(t *testing.T) {
	h := newHarness(t)
	h.startBlogRun(t)

	_, err := h.dsp.StartProjectRun(context.Background(), "blog")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blog")
}

func TestContinueRunDedupsRunningTasks(t *testing.T) {
	h := newHarness(t)
	run := h.startBlogRun(t)

	res, err := h.dsp.ContinueRun(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Empty(t, res.Spawned)
	assert.Len(t, res.Skipped, 2)
	assert.Len(t, h.gw.labels(), 2, "no duplicate spawns")
}

func TestContinueRunRefusesTerminalRun(t *testing.T) {
	h := newHarness(t)
	run := h.startBlogRun(t)
	_, err := h.runs.SetStatus(run.RunID, runstate.StatusCompleted)
	require.NoError(t, err)

	_, err = h.dsp.ContinueRun(context.Background(), run.RunID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "completed")
}

func TestWorkerCompleteSuccess(t *testing.T) {
	h := newHarness(t)
	run := h.startBlogRun(t)

	res, err := h.dsp.HandleWorkerComplete(context.Background(),
		completionFor(run, "task-a", 1, registry.StatusCompleted, "models in place", ""))
	require.NoError(t, err)
	assert.False(t, res.PhaseComplete, "task-b still running")

	got, err := h.runs.Get(run.RunID)
	require.NoError(t, err)
	sr := got.StepResult(taskgraph.StepOrder(1, "task-a"))
	require.NotNil(t, sr)
	assert.Equal(t, runstate.StepCompleted, sr.Status)
	assert.Equal(t, "models in place", sr.Output)

	// The progress checkbox flipped.
	g, err := h.projects.Graph("blog")
	require.NoError(t, err)
	assert.True(t, g.Tasks["task-a"].Done)
	assert.False(t, g.Tasks["task-b"].Done)

	st, found, err := h.retries.Get(run.RunID, taskgraph.StepOrder(1, "task-a"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, retry.StatusSucceeded, st.Status)

	items, err := h.work.List(ledger.Filters{Type: "worker", Tag: run.RunID, Status: ledger.StatusComplete})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "models in place", items[0].Output)

	res, err = h.dsp.HandleWorkerComplete(context.Background(),
		completionFor(run, "task-b", 1, registry.StatusCompleted, "", ""))
	require.NoError(t, err)
	assert.True(t, res.PhaseComplete)
	assert.True(t, res.AllSucceeded)
}

func TestWorkerCompleteRedeliveryIsNoop(t *testing.T) {
	h := newHarness(t)
	run := h.startBlogRun(t)

	_, err := h.dsp.HandleWorkerComplete(context.Background(),
		completionFor(run, "task-a", 1, registry.StatusCompleted, "done", ""))
	require.NoError(t, err)

	// A late failure redelivery must not burn a retry attempt or touch
	// the recorded result.
	res, err := h.dsp.HandleWorkerComplete(context.Background(),
		completionFor(run, "task-a", 1, registry.StatusFailed, "", "spurious"))
	require.NoError(t, err)
	assert.False(t, res.PhaseComplete)

	st, _, err := h.retries.Get(run.RunID, taskgraph.StepOrder(1, "task-a"))
	require.NoError(t, err)
	assert.Equal(t, retry.StatusSucceeded, st.Status)
	assert.Equal(t, 0, st.FailureCount())

	got, err := h.runs.Get(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, runstate.StepCompleted, got.StepResult(taskgraph.StepOrder(1, "task-a")).Status)
}

func TestWorkerFailureSchedulesRedispatch(t *testing.T) {
	h := newHarness(t)
	run := h.startBlogRun(t)

	res, err := h.dsp.HandleWorkerComplete(context.Background(),
		completionFor(run, "task-a", 1, registry.StatusFailed, "", "tests red"))
	require.NoError(t, err)
	assert.True(t, res.AnyFailed, "failure shows until the retry rearms the slot")

	got, err := h.runs.Get(run.RunID)
	require.NoError(t, err)
	sr := got.StepResult(taskgraph.StepOrder(1, "task-a"))
	require.NotNil(t, sr)
	assert.Equal(t, runstate.StepFailed, sr.Status)
	assert.Equal(t, "tests red", sr.Error)

	h.mu.Lock()
	require.Len(t, h.timers, 1)
	delay := h.timers[0].delay
	h.mu.Unlock()
	assert.Greater(t, delay, time.Second, "backoff, not an immediate respawn")

	require.Equal(t, 1, h.fireTimers())

	assert.Equal(t, []string{"blog/task-a", "blog/task-b", "blog/task-a"}, h.gw.labels())

	ph, err := h.collector.Get(run.RunID, 1)
	require.NoError(t, err)
	assert.Equal(t, phasecol.WorkerRunning, ph.Worker("task-a").Status, "rearmed for the retry's webhook")

	dec, err := h.reg.CanSpawn("blog", "task-a")
	require.NoError(t, err)
	assert.False(t, dec.CanSpawn, "claimed again by the retry")

	assert.Equal(t, 1.0, testutil.ToFloat64(h.mtr.RetriesScheduled))
}

func TestSpawnFailuresExhaustIntoSkip(t *testing.T) {
	h := newHarness(t)
	h.seedProject(t, "blog", blogDoc)
	h.gw.failTimes("blog/task-a", 3)

	var notified []phasecol.Result
	h.dsp.OnPhaseComplete(func(runID string, phase int, res phasecol.Result) {
		notified = append(notified, res)
	})

	run, err := h.dsp.StartProjectRun(context.Background(), "blog")
	require.NoError(t, err)

	// Attempt 1 failed at spawn; two timer-driven retries burn the rest
	// of the budget.
	require.Equal(t, 1, h.fireTimers())
	require.Equal(t, 1, h.fireTimers())
	assert.Equal(t, []string{"blog/task-a", "blog/task-b", "blog/task-a", "blog/task-a"}, h.gw.labels())

	open, err := h.escalations.ListOpen()
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "task-a", open[0].TaskID)
	assert.Equal(t, escalation.SeverityHigh, open[0].Severity)
	assert.Equal(t, 3, open[0].AttemptCount)

	got, err := h.runs.Get(run.RunID)
	require.NoError(t, err)
	sr := got.StepResult(taskgraph.StepOrder(1, "task-a"))
	require.NotNil(t, sr)
	assert.Equal(t, runstate.StepSkipped, sr.Status)
	assert.Equal(t, open[0].ID, sr.EscalationID)
	assert.Contains(t, sr.Error, "connection refused")

	ph, err := h.collector.Get(run.RunID, 1)
	require.NoError(t, err)
	assert.Equal(t, phasecol.WorkerCancelled, ph.Worker("task-a").Status)
	assert.Empty(t, notified, "task-b still running, phase not resolved")

	// The surviving worker completes: phase done, nothing failed, one
	// task skipped.
	res, err := h.dsp.HandleWorkerComplete(context.Background(),
		completionFor(run, "task-b", 1, registry.StatusCompleted, "", ""))
	require.NoError(t, err)
	assert.True(t, res.PhaseComplete)
	assert.False(t, res.AnyFailed)
	assert.False(t, res.AllSucceeded)
}

func TestWebhookFailuresExhaustIntoSkip(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.Retry.MaxAttempts = 2 })
	run := h.startBlogRun(t)

	var notified int
	h.dsp.OnPhaseComplete(func(runID string, phase int, res phasecol.Result) {
		notified++
		assert.Equal(t, run.RunID, runID)
		assert.Equal(t, 1, phase)
		assert.True(t, res.PhaseComplete)
		assert.False(t, res.AnyFailed)
	})

	_, err := h.dsp.HandleWorkerComplete(context.Background(),
		completionFor(run, "task-b", 1, registry.StatusCompleted, "", ""))
	require.NoError(t, err)

	_, err = h.dsp.HandleWorkerComplete(context.Background(),
		completionFor(run, "task-a", 1, registry.StatusFailed, "", "panic in handler"))
	require.NoError(t, err)
	require.Equal(t, 1, h.fireTimers())

	res, err := h.dsp.HandleWorkerComplete(context.Background(),
		completionFor(run, "task-a", 1, registry.StatusFailed, "", "panic in handler"))
	require.NoError(t, err)
	assert.True(t, res.PhaseComplete, "exhausted task released its slot")
	assert.False(t, res.AnyFailed)
	assert.Equal(t, 1, notified, "skip resolved the phase and told the orchestrator")

	open, err := h.escalations.ListOpen()
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, escalation.SeverityMedium, open[0].Severity, "two-attempt budget")

	got, err := h.runs.Get(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, runstate.StepSkipped, got.StepResult(taskgraph.StepOrder(1, "task-a")).Status)
}

func TestWaveWithOnlyExhaustedTasksResolvesPhase(t *testing.T) {
	h := newHarness(t)
	h.seedProject(t, "solo", "# Solo\n\n## Phase 1:\n- [ ] Flaky task @id(only)\n")
	h.gw.failTimes("solo/only", 3)

	var notified []string
	h.dsp.OnPhaseComplete(func(runID string, phase int, res phasecol.Result) {
		notified = append(notified, fmt.Sprintf("%s/%d complete=%v", runID, phase, res.PhaseComplete))
	})

	run, err := h.dsp.StartProjectRun(context.Background(), "solo")
	require.NoError(t, err)
	require.Equal(t, 1, h.fireTimers())
	require.Equal(t, 1, h.fireTimers())

	require.Len(t, notified, 1)
	assert.Equal(t, run.RunID+"/1 complete=true", notified[0])

	ph, err := h.collector.Get(run.RunID, 1)
	require.NoError(t, err)
	assert.Equal(t, phasecol.WorkerCancelled, ph.Worker("only").Status)
}

func TestSpawnDeclineCountsAgainstBudget(t *testing.T) {
	h := newHarness(t)
	h.seedProject(t, "blog", blogDoc)
	h.gw.declineTimes("blog/task-a", 1)

	run, err := h.dsp.StartProjectRun(context.Background(), "blog")
	require.NoError(t, err)

	st, found, err := h.retries.Get(run.RunID, taskgraph.StepOrder(1, "task-a"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, st.FailureCount())
	assert.Contains(t, st.LastError(), "no session capacity")

	assert.Equal(t, 1.0, testutil.ToFloat64(h.mtr.Spawns.WithLabelValues("builder", metrics.OutcomeDeclined)))
}

func TestCompletionResolvesEarlierEscalations(t *testing.T) {
	h := newHarness(t)
	run := h.startBlogRun(t)

	_, err := h.escalations.Create(escalation.CreateParams{
		RunID: run.RunID, TaskID: "task-a", PhaseNumber: 1,
		Message: "stuck earlier", AttemptCount: 3, MaxAttempts: 3,
	})
	require.NoError(t, err)

	_, err = h.dsp.HandleWorkerComplete(context.Background(),
		completionFor(run, "task-a", 1, registry.StatusCompleted, "", ""))
	require.NoError(t, err)

	open, err := h.escalations.ListOpen()
	require.NoError(t, err)
	assert.Empty(t, open, "success on a later attempt clears the queue entry")
}

func TestCancelTimersDropsPendingRetries(t *testing.T) {
	h := newHarness(t)
	h.seedProject(t, "blog", blogDoc)
	h.gw.failTimes("blog/task-a", 1)
	h.gw.failTimes("blog/task-b", 1)

	run, err := h.dsp.StartProjectRun(context.Background(), "blog")
	require.NoError(t, err)

	assert.Equal(t, 2, h.dsp.CancelTimers(run.RunID))
	assert.Equal(t, 0, h.dsp.CancelTimers(run.RunID))
}

func TestWorktreeCreationAndFallback(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.Git.WorktreesEnabled = true })
	run := h.startBlogRun(t)

	branch := gitops.WorkerBranch(run.RunID, "task-a")
	path := gitops.WorktreePath(h.cfg.Git.WorktreeRoot, run.RunID, "task-a")
	assert.True(t, h.git.called("git worktree add -b "+branch+" "+path+" main"))

	req, ok := h.gw.requestFor("blog/task-a")
	require.True(t, ok)
	assert.Contains(t, req.Task, "in "+path+".")
}

func TestWorktreeFailureFallsBackToRepoDir(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.Git.WorktreesEnabled = true })
	h.git.on("git worktree add", "", errors.New("disk full"))
	run := h.startBlogRun(t)

	req, ok := h.gw.requestFor("blog/task-a")
	require.True(t, ok)
	assert.Contains(t, req.Task, "in "+h.paths.ProjectDir("blog")+".",
		"worktree failure degrades to the shared checkout")
	assert.Contains(t, req.Task, gitops.WorkerBranch(run.RunID, "task-a"))
}

func TestPipelineRunDispatchAndPhaseGating(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.pipelines.Save(&pipeline.Pipeline{
		ID: "pipe-1", Name: "Release checks", RepoDir: "/srv/repo", BaseBranch: "develop",
		Steps: []pipeline.Step{
			{ID: "s1", Order: 1, RoleID: "builder", Title: "Generate changelog"},
			{ID: "s2", Order: 2, RoleID: "builder", Title: "Tag release", DependsOn: []string{"s1"}},
		},
	}))

	run, err := h.dsp.StartPipelineRun(context.Background(), "pipe-1")
	require.NoError(t, err)
	assert.Equal(t, "pipe-1", run.PipelineID)
	assert.Empty(t, run.ProjectName)
	assert.Equal(t, "develop", run.BaseBranch)

	assert.Equal(t, []string{"pipeline:pipe-1/s1"}, h.gw.labels())
	req, _ := h.gw.requestFor("pipeline:pipe-1/s1")
	assert.Contains(t, req.Task, "from develop")

	res, err := h.dsp.HandleWorkerComplete(context.Background(),
		completionFor(run, "s1", 1, registry.StatusCompleted, "changelog written", ""))
	require.NoError(t, err)
	assert.True(t, res.PhaseComplete)

	// Phase 2 becomes dispatchable once the step result marks s1 done;
	// pipeline steps have no checkbox to flip.
	got, err := h.runs.Get(run.RunID)
	require.NoError(t, err)
	wave, err := h.dsp.DispatchPhase(context.Background(), got, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"s2"}, wave.Spawned)
	assert.Contains(t, h.gw.labels(), "pipeline:pipe-1/s2")
}

func TestDispatchPhaseWithUnmetDependencies(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.pipelines.Save(&pipeline.Pipeline{
		ID: "pipe-2", Name: "Two step",
		Steps: []pipeline.Step{
			{ID: "s1", Order: 1, RoleID: "builder", Title: "First"},
			{ID: "s2", Order: 2, RoleID: "builder", Title: "Second", DependsOn: []string{"s1"}},
		},
	}))
	run, err := h.dsp.StartPipelineRun(context.Background(), "pipe-2")
	require.NoError(t, err)

	// s1 has not completed; phase 2 has nothing ready.
	got, err := h.runs.Get(run.RunID)
	require.NoError(t, err)
	res, err := h.dsp.DispatchPhase(context.Background(), got, 2)
	require.NoError(t, err)
	assert.Empty(t, res.Spawned)
	assert.Len(t, h.gw.labels(), 1, "only the phase 1 spawn")
}

func TestSkippedStepUnblocksDependents(t *testing.T) {
	h := newHarness(t)
	h.seedProject(t, "blog", blogDoc)
	h.gw.failTimes("blog/task-a", 3)

	run, err := h.dsp.StartProjectRun(context.Background(), "blog")
	require.NoError(t, err)
	require.Equal(t, 1, h.fireTimers())
	require.Equal(t, 1, h.fireTimers())

	// task-c depends on skipped task-a; the overlay treats the skip as
	// done so the run can move forward.
	got, err := h.runs.Get(run.RunID)
	require.NoError(t, err)
	res, err := h.dsp.DispatchPhase(context.Background(), got, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"task-c"}, res.Spawned)
}
