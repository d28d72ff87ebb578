package orchestrator

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

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmops/swarmops/internal/config"
	"github.com/swarmops/swarmops/internal/gateway"
	"github.com/swarmops/swarmops/internal/gitops"
	"github.com/swarmops/swarmops/internal/phasecol"
	"github.com/swarmops/swarmops/internal/project"
	"github.com/swarmops/swarmops/internal/queue"
	"github.com/swarmops/swarmops/internal/registry"
	"github.com/swarmops/swarmops/internal/resolver"
	"github.com/swarmops/swarmops/internal/review"
	"github.com/swarmops/swarmops/internal/runstate"
	"github.com/swarmops/swarmops/internal/store"
	"github.com/swarmops/swarmops/internal/swarmerr"
	"github.com/swarmops/swarmops/internal/taskgraph"
)

// fakeGateway scripts spawn outcomes by label. Unscripted labels
// succeed with sequential session keys.
type fakeGateway struct {
	mu   sync.Mutex
	reqs []gateway.SpawnRequest
	fail map[string]int
	n    int
}

func (f *fakeGateway) failTimes(label string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail == nil {
		f.fail = make(map[string]int)
	}
	f.fail[label] = n
}

func (f *fakeGateway) Spawn(_ context.Context, req gateway.SpawnRequest) (*gateway.SpawnResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.fail[req.Label] > 0 {
		f.fail[req.Label]--
		return nil, errors.New("connection refused")
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
	f.mu.Lock()
	defer f.mu.Unlock()
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

type harness struct {
	o   *Orchestrator
	gw  *fakeGateway
	git *fakeGit
	cfg *config.Config
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
	cfg.Review.Chain = []string{"reviewer"}
	for _, fn := range tweak {
		fn(cfg)
	}
	return buildHarness(t, cfg)
}

// rebuild constructs a fresh orchestrator over the same data, as a
// process restart would.
func (h *harness) rebuild(t *testing.T) *harness {
	t.Helper()
	return buildHarness(t, h.cfg)
}

func buildHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	gw := &fakeGateway{}
	git := &fakeGit{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	o, err := New(cfg, Options{Gateway: gw, Git: git, Logger: logger})
	require.NoError(t, err)
	return &harness{o: o, gw: gw, git: git, cfg: cfg}
}

// branchesCarryCommits scripts rev-list so collection keeps every
// worker branch.
func (h *harness) branchesCarryCommits() {
	h.git.on("git rev-list --count", "1", nil)
}

const blogDoc = `# Blog

## Phase 1: Core
- [ ] Set up the data model @id(task-a)
- [ ] Build the landing page UI @id(task-b)

## Phase 2: Polish
- [ ] Wire up search @id(task-c) @depends(task-a)
`

func (h *harness) seedProject(t *testing.T, name string, phase project.LifecyclePhase, doc string) {
	t.Helper()
	_, err := h.o.projects.Init(name)
	require.NoError(t, err)
	if phase != project.PhaseInterview {
		_, err = h.o.projects.SetPhase(name, phase, "seeded")
		require.NoError(t, err)
	}
	if doc != "" {
		require.NoError(t, h.o.projects.WriteProgress(name, doc))
	}
}

func (h *harness) writePlan(t *testing.T, name string) {
	t.Helper()
	plan := h.o.paths.ProjectPlan(name)
	require.NoError(t, os.MkdirAll(filepath.Dir(plan), 0o755))
	require.NoError(t, os.WriteFile(plan, []byte("# Plan\n\nBuild it.\n"), 0o644))
}

func (h *harness) startBlog(t *testing.T) *runstate.Run {
	t.Helper()
	h.seedProject(t, "blog", project.PhaseInterview, blogDoc)
	res, err := h.o.Orchestrate(context.Background(), OrchestrateRequest{Action: "start", Project: "blog"})
	require.NoError(t, err)
	run, err := h.o.runs.Get(res.RunID)
	require.NoError(t, err)
	return run
}

func (h *harness) workerDone(t *testing.T, runID, taskID string, phase int) Disposition {
	t.Helper()
	disp, err := h.o.HandleWorkerComplete(context.Background(), WorkerComplete{
		RunID:     runID,
		StepOrder: taskgraph.StepOrder(phase, taskID),
		Status:    "completed",
		Output:    "done",
	})
	require.NoError(t, err)
	return disp
}

func (h *harness) approve(t *testing.T, runID string, phase int) Disposition {
	t.Helper()
	disp, err := h.o.HandleReviewResult(context.Background(), review.Verdict{
		RunID: runID, PhaseNumber: phase, Status: "approved", Summary: "ship it",
	})
	require.NoError(t, err)
	return disp
}

func (h *harness) requestChanges(t *testing.T, runID string, phase int, findings ...review.Finding) Disposition {
	t.Helper()
	disp, err := h.o.HandleReviewResult(context.Background(), review.Verdict{
		RunID: runID, PhaseNumber: phase, Status: "request_changes", Findings: findings,
	})
	require.NoError(t, err)
	return disp
}

func (h *harness) runOf(t *testing.T, runID string) *runstate.Run {
	t.Helper()
	run, err := h.o.runs.Get(runID)
	require.NoError(t, err)
	return run
}

func (h *harness) queueOf(t *testing.T, runID string) *queue.Entry {
	t.Helper()
	entry, found, err := h.o.queue.ByRun(runID)
	require.NoError(t, err)
	require.True(t, found)
	return entry
}

func TestOrchestrateStartProject(t *testing.T) {
	h := newHarness(t)
	h.seedProject(t, "blog", project.PhaseInterview, blogDoc)

	res, err := h.o.Orchestrate(context.Background(), OrchestrateRequest{Action: "start", Project: "blog"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.RunID)
	assert.NotEmpty(t, res.QueueID)

	run := h.runOf(t, res.RunID)
	assert.Equal(t, runstate.StatusRunning, run.Status)
	assert.Equal(t, []string{"blog/task-a", "blog/task-b"}, h.gw.labels())

	entry := h.queueOf(t, res.RunID)
	assert.Equal(t, queue.StatusRunning, entry.Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.o.metrics.RunsActive))
}

func TestOrchestrateValidation(t *testing.T) {
	h := newHarness(t)

	cases := []OrchestrateRequest{
		{Action: "launch"},
		{Action: "start"},
		{Action: "start", Project: "blog", PipelineID: "pl-1"},
		{Action: "continue"},
		{Action: "cancel"},
	}
	for _, req := range cases {
		_, err := h.o.Orchestrate(context.Background(), req)
		var se *swarmerr.Error
		require.ErrorAs(t, err, &se, "request %+v", req)
		assert.Equal(t, swarmerr.CodeWebhookInvalid, se.Code)
	}

	_, err := h.o.Orchestrate(context.Background(), OrchestrateRequest{Action: "cancel", RunID: "run-nope"})
	var se *swarmerr.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, swarmerr.CodeRunNotFound, se.Code)
}

func TestStartUnknownProjectFailsQueueEntry(t *testing.T) {
	h := newHarness(t)

	res, err := h.o.Orchestrate(context.Background(), OrchestrateRequest{Action: "start", Project: "ghost"})
	require.Error(t, err)
	assert.Nil(t, res)

	failed, err := h.o.queue.List(queue.StatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "ghost", failed[0].ProjectName)
}

func TestRunFlowsThroughReviewToCompletion(t *testing.T) {
	h := newHarness(t)
	h.branchesCarryCommits()
	run := h.startBlog(t)

	assert.Equal(t, Applied, h.workerDone(t, run.RunID, "task-a", 1))
	assert.Equal(t, runstate.StatusRunning, h.runOf(t, run.RunID).Status,
		"half-finished phase keeps running")

	assert.Equal(t, Applied, h.workerDone(t, run.RunID, "task-b", 1))
	got := h.runOf(t, run.RunID)
	assert.Equal(t, runstate.StatusReviewing, got.Status)
	assert.Equal(t, runstate.PhaseReviewing, got.Phase(1).Status)
	assert.True(t, h.git.called("git merge "+gitops.WorkerBranch(run.RunID, "task-a")))
	assert.True(t, h.git.called("git merge "+gitops.WorkerBranch(run.RunID, "task-b")))

	assert.Equal(t, Applied, h.approve(t, run.RunID, 1))
	got = h.runOf(t, run.RunID)
	assert.Equal(t, runstate.StatusRunning, got.Status, "approval dispatches the next phase")
	assert.Equal(t, runstate.PhaseCompleted, got.Phase(1).Status)
	assert.Equal(t, 2, got.CurrentPhaseNumber)

	assert.Equal(t, Applied, h.workerDone(t, run.RunID, "task-c", 2))
	assert.Equal(t, Applied, h.approve(t, run.RunID, 2))

	got = h.runOf(t, run.RunID)
	assert.Equal(t, runstate.StatusCompleted, got.Status)
	assert.Equal(t, []string{
		"blog/task-a", "blog/task-b",
		"blog/phase-1-reviewer",
		"blog/task-c",
		"blog/phase-2-reviewer",
	}, h.gw.labels())

	st, err := h.o.projects.State("blog")
	require.NoError(t, err)
	assert.Equal(t, project.StatusIdle, st.Status)

	g, err := h.o.projects.Graph("blog")
	require.NoError(t, err)
	done, total := g.Counts()
	assert.Equal(t, 3, done)
	assert.Equal(t, 3, total)

	assert.Equal(t, queue.StatusCompleted, h.queueOf(t, run.RunID).Status)
	assert.Equal(t, 0.0, testutil.ToFloat64(h.o.metrics.RunsActive))
}

func TestReviewChainWalksAllReviewers(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Review.Chain = []string{"reviewer", "security-reviewer"}
	})
	h.branchesCarryCommits()
	run := h.startBlog(t)
	h.workerDone(t, run.RunID, "task-a", 1)
	h.workerDone(t, run.RunID, "task-b", 1)

	assert.Equal(t, Applied, h.approve(t, run.RunID, 1))
	assert.Equal(t, runstate.StatusReviewing, h.runOf(t, run.RunID).Status,
		"first approval hands off to the next reviewer")
	assert.Contains(t, h.gw.labels(), "blog/phase-1-security-reviewer")

	assert.Equal(t, Applied, h.approve(t, run.RunID, 1))
	got := h.runOf(t, run.RunID)
	assert.Equal(t, runstate.StatusRunning, got.Status)
	assert.Equal(t, 2, got.CurrentPhaseNumber)
}

func TestRequestChangesRunsFixLoop(t *testing.T) {
	h := newHarness(t)
	h.branchesCarryCommits()
	run := h.startBlog(t)
	h.workerDone(t, run.RunID, "task-a", 1)
	h.workerDone(t, run.RunID, "task-b", 1)

	disp := h.requestChanges(t, run.RunID, 1, review.Finding{
		Severity: "major", File: "api.js", Description: "missing input validation",
	})
	assert.Equal(t, Applied, disp)
	assert.Contains(t, h.gw.labels(), "blog/phase-1-fixer")
	assert.Equal(t, runstate.StatusReviewing, h.runOf(t, run.RunID).Status)

	fixDisp, err := h.o.HandleFixComplete(context.Background(), review.FixReport{
		RunID: run.RunID, PhaseNumber: 1, IssuesFixed: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, Applied, fixDisp)

	labels := h.gw.labels()
	assert.Equal(t, "blog/phase-1-reviewer", labels[len(labels)-1],
		"the landed fix goes back to the same reviewer")

	assert.Equal(t, Applied, h.approve(t, run.RunID, 1))
	assert.Equal(t, 2, h.runOf(t, run.RunID).CurrentPhaseNumber)
}

func TestFixCompleteWithoutRunIDFindsTheFixingCycle(t *testing.T) {
	h := newHarness(t)
	h.branchesCarryCommits()
	run := h.startBlog(t)
	h.workerDone(t, run.RunID, "task-a", 1)
	h.workerDone(t, run.RunID, "task-b", 1)
	h.requestChanges(t, run.RunID, 1, review.Finding{Severity: "minor", Description: "typo"})

	disp, err := h.o.HandleFixComplete(context.Background(), review.FixReport{IssuesFixed: 1})
	require.NoError(t, err)
	assert.Equal(t, Applied, disp)

	cyc, err := h.o.review.Cycle(run.RunID, 1)
	require.NoError(t, err)
	assert.Equal(t, review.CyclePending, cyc.Status, "fix landed, re-review out")
}

func TestFixCompleteWithNothingFixingIsOrphan(t *testing.T) {
	h := newHarness(t)

	disp, err := h.o.HandleFixComplete(context.Background(), review.FixReport{IssuesFixed: 3})
	require.NoError(t, err)
	assert.Equal(t, Orphan, disp)
}

func TestMergeConflictPausesRunForResolver(t *testing.T) {
	h := newHarness(t)
	h.branchesCarryCommits()
	run := h.startBlog(t)
	bB := gitops.WorkerBranch(run.RunID, "task-b")
	h.git.on("git merge "+bB, "", errors.New("exit status 1"))
	h.git.on("git diff --name-only --diff-filter=U", "src/app.js", nil)

	h.workerDone(t, run.RunID, "task-a", 1)
	h.workerDone(t, run.RunID, "task-b", 1)

	assert.Equal(t, runstate.StatusMerging, h.runOf(t, run.RunID).Status)
	assert.Contains(t, h.gw.labels(), run.RunID+"/conflict-resolver")
	_, err := h.o.review.Cycle(run.RunID, 1)
	assert.ErrorIs(t, err, store.ErrNotFound, "review waits for the resolver")

	// The resolver reports through the same webhook as workers; its
	// synthetic step order routes it.
	disp, err := h.o.HandleWorkerComplete(context.Background(), WorkerComplete{
		RunID:     run.RunID,
		StepOrder: resolver.StepOrderFor(1, bB),
		Status:    "completed",
		Output:    "kept both hunks",
	})
	require.NoError(t, err)
	assert.Equal(t, Applied, disp)

	got := h.runOf(t, run.RunID)
	assert.Equal(t, runstate.StatusReviewing, got.Status)
	labels := h.gw.labels()
	assert.Equal(t, "blog/phase-1-reviewer", labels[len(labels)-1])
}

func TestResolverFailureFailsRun(t *testing.T) {
	h := newHarness(t)
	h.branchesCarryCommits()
	run := h.startBlog(t)
	bB := gitops.WorkerBranch(run.RunID, "task-b")
	h.git.on("git merge "+bB, "", errors.New("exit status 1"))
	h.git.on("git diff --name-only --diff-filter=U", "src/app.js", nil)

	h.workerDone(t, run.RunID, "task-a", 1)
	h.workerDone(t, run.RunID, "task-b", 1)

	disp, err := h.o.HandleWorkerComplete(context.Background(), WorkerComplete{
		RunID:     run.RunID,
		StepOrder: resolver.StepOrderFor(1, bB),
		Status:    "failed",
		Error:     "conflicting rewrites of the same function",
	})
	require.NoError(t, err)
	assert.Equal(t, Applied, disp)

	got := h.runOf(t, run.RunID)
	assert.Equal(t, runstate.StatusFailed, got.Status)
	assert.Equal(t, runstate.PhaseFailed, got.Phase(1).Status)

	open, err := h.o.escalations.ListOpen()
	require.NoError(t, err)
	require.Len(t, open, 1)

	st, err := h.o.projects.State("blog")
	require.NoError(t, err)
	assert.Equal(t, project.StatusError, st.Status)
	assert.Equal(t, queue.StatusFailed, h.queueOf(t, run.RunID).Status)
	assert.Equal(t, 0.0, testutil.ToFloat64(h.o.metrics.RunsActive))
}

func TestRequestChangesWithoutFindingsOpensOneEscalation(t *testing.T) {
	h := newHarness(t)
	h.branchesCarryCommits()
	run := h.startBlog(t)
	h.workerDone(t, run.RunID, "task-a", 1)
	h.workerDone(t, run.RunID, "task-b", 1)

	assert.Equal(t, Applied, h.requestChanges(t, run.RunID, 1))
	assert.Equal(t, runstate.StatusReviewing, h.runOf(t, run.RunID).Status,
		"the run parks; a human talks to the reviewer")

	open, err := h.o.escalations.ListOpen()
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "review:phase-1", open[0].TaskID)

	// A redelivered verdict re-derives the same outcome and must not
	// open a second one.
	assert.Equal(t, Applied, h.requestChanges(t, run.RunID, 1))
	open, err = h.o.escalations.ListOpen()
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestCancelRun(t *testing.T) {
	h := newHarness(t)
	run := h.startBlog(t)

	require.NoError(t, h.o.CancelRun(context.Background(), run.RunID))

	got := h.runOf(t, run.RunID)
	assert.Equal(t, runstate.StatusCancelled, got.Status)
	for _, taskID := range []string{"task-a", "task-b"} {
		entry, found, err := h.o.registry.Get("blog", taskID)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, registry.StatusCancelled, entry.Status, taskID)
	}
	ph, err := h.o.collector.Get(run.RunID, 1)
	require.NoError(t, err)
	assert.Equal(t, phasecol.StatusFailed, ph.Status)
	for _, w := range ph.Workers {
		assert.Equal(t, phasecol.WorkerCancelled, w.Status)
	}

	st, err := h.o.projects.State("blog")
	require.NoError(t, err)
	assert.Equal(t, project.StatusIdle, st.Status)
	assert.Equal(t, queue.StatusFailed, h.queueOf(t, run.RunID).Status)
	assert.Equal(t, 0.0, testutil.ToFloat64(h.o.metrics.RunsActive))

	// The gateway still owns the sessions; whatever they send later is
	// an orphan.
	disp, err := h.o.HandleWorkerComplete(context.Background(), WorkerComplete{
		RunID:     run.RunID,
		StepOrder: taskgraph.StepOrder(1, "task-a"),
		Status:    "completed",
	})
	require.NoError(t, err)
	assert.Equal(t, Orphan, disp)

	require.NoError(t, h.o.CancelRun(context.Background(), run.RunID), "cancel is idempotent")
	assert.Equal(t, 0.0, testutil.ToFloat64(h.o.metrics.RunsActive))
}

func TestWorkerWebhookOrphansAndValidation(t *testing.T) {
	h := newHarness(t)
	run := h.startBlog(t)
	ctx := context.Background()

	_, err := h.o.HandleWorkerComplete(ctx, WorkerComplete{RunID: run.RunID, StepOrder: 0})
	var se *swarmerr.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, swarmerr.CodeWebhookInvalid, se.Code)

	_, err = h.o.HandleWorkerComplete(ctx, WorkerComplete{
		RunID: run.RunID, StepOrder: taskgraph.StepOrder(1, "task-a"), Status: "exploded",
	})
	require.ErrorAs(t, err, &se)
	assert.Equal(t, swarmerr.CodeWebhookInvalid, se.Code)

	disp, err := h.o.HandleWorkerComplete(ctx, WorkerComplete{
		RunID: "run-nope", StepOrder: taskgraph.StepOrder(1, "task-a"), Status: "completed",
	})
	require.NoError(t, err)
	assert.Equal(t, Orphan, disp)

	disp, err = h.o.HandleWorkerComplete(ctx, WorkerComplete{
		RunID: run.RunID, StepOrder: taskgraph.StepOrder(1, "ghost-task"), Status: "completed",
	})
	require.NoError(t, err)
	assert.Equal(t, Orphan, disp, "live run, no matching worker slot")

	disp, err = h.o.HandleReviewResult(ctx, review.Verdict{
		RunID: "run-nope", PhaseNumber: 1, Status: "approved",
	})
	require.NoError(t, err)
	assert.Equal(t, Orphan, disp)

	disp, err = h.o.HandleTaskComplete(ctx, TaskComplete{TaskID: "no-such-task"})
	require.NoError(t, err)
	assert.Equal(t, Orphan, disp)

	disp, err = h.o.HandleSpecComplete(ctx, SpecComplete{Source: "ghost"})
	require.NoError(t, err)
	assert.Equal(t, Orphan, disp)
}

func TestRedeliveredWorkerWebhookChangesNothing(t *testing.T) {
	h := newHarness(t)
	h.branchesCarryCommits()
	run := h.startBlog(t)
	h.workerDone(t, run.RunID, "task-a", 1)
	h.workerDone(t, run.RunID, "task-b", 1)
	require.Equal(t, runstate.StatusReviewing, h.runOf(t, run.RunID).Status)
	spawns := len(h.gw.labels())

	assert.Equal(t, Applied, h.workerDone(t, run.RunID, "task-b", 1))

	assert.Equal(t, runstate.StatusReviewing, h.runOf(t, run.RunID).Status)
	assert.Len(t, h.gw.labels(), spawns, "no second collection, no second reviewer")
	cycles, err := h.o.review.Cycles()
	require.NoError(t, err)
	assert.Len(t, cycles, 1)
}

func TestTaskCompleteMarksProgressAndRegistry(t *testing.T) {
	h := newHarness(t)
	run := h.startBlog(t)

	// No project and no run id: ownership comes from the graph scan.
	disp, err := h.o.HandleTaskComplete(context.Background(), TaskComplete{TaskID: "task-a"})
	require.NoError(t, err)
	assert.Equal(t, Applied, disp)

	g, err := h.o.projects.Graph("blog")
	require.NoError(t, err)
	assert.True(t, g.Tasks["task-a"].Done)

	entry, found, err := h.o.registry.Get("blog", "task-a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, registry.StatusCompleted, entry.Status)

	// Redelivery: the checkbox is already checked, nothing to apply.
	disp, err = h.o.HandleTaskComplete(context.Background(), TaskComplete{TaskID: "task-a", RunID: run.RunID})
	require.NoError(t, err)
	assert.Equal(t, Applied, disp)
}

func TestSpecCompleteStartsBuildRun(t *testing.T) {
	h := newHarness(t)
	h.seedProject(t, "blog", project.PhaseSpec, blogDoc)
	h.writePlan(t, "blog")

	disp, err := h.o.HandleSpecComplete(context.Background(), SpecComplete{Source: "blog"})
	require.NoError(t, err)
	assert.Equal(t, Applied, disp)

	st, err := h.o.projects.State("blog")
	require.NoError(t, err)
	assert.Equal(t, project.PhaseBuild, st.Phase)
	assert.Equal(t, []string{"blog/task-a", "blog/task-b"}, h.gw.labels())
}

func TestAnonymousSpecCompleteResolvesSpecPhaseProject(t *testing.T) {
	h := newHarness(t)
	h.seedProject(t, "blog", project.PhaseSpec, blogDoc)
	h.writePlan(t, "blog")
	h.seedProject(t, "shop", project.PhaseInterview, "")

	disp, err := h.o.HandleSpecComplete(context.Background(), SpecComplete{})
	require.NoError(t, err)
	assert.Equal(t, Applied, disp)

	st, err := h.o.projects.State("blog")
	require.NoError(t, err)
	assert.Equal(t, project.PhaseBuild, st.Phase)
}

func TestResumeContinuesRunningRun(t *testing.T) {
	h := newHarness(t)
	h.branchesCarryCommits()
	run := h.startBlog(t)
	h.workerDone(t, run.RunID, "task-a", 1)

	h2 := h.rebuild(t)
	h2.branchesCarryCommits()
	require.NoError(t, h2.o.Resume(context.Background()))

	assert.Empty(t, h2.gw.labels(),
		"registry dedup keeps the resumed dispatch from respawning live workers")
	assert.Equal(t, 1.0, testutil.ToFloat64(h2.o.metrics.RunsActive))

	// The surviving worker's webhook lands on the new process and
	// carries the run into review.
	assert.Equal(t, Applied, h2.workerDone(t, run.RunID, "task-b", 1))
	assert.Equal(t, runstate.StatusReviewing, h2.runOf(t, run.RunID).Status)
	assert.Equal(t, []string{"blog/phase-1-reviewer"}, h2.gw.labels())
}

func TestResumeLeavesPendingReviewAlone(t *testing.T) {
	h := newHarness(t)
	h.branchesCarryCommits()
	run := h.startBlog(t)
	h.workerDone(t, run.RunID, "task-a", 1)
	h.workerDone(t, run.RunID, "task-b", 1)
	require.Equal(t, runstate.StatusReviewing, h.runOf(t, run.RunID).Status)

	h2 := h.rebuild(t)
	require.NoError(t, h2.o.Resume(context.Background()))

	assert.Empty(t, h2.gw.labels(), "the reviewer session is still out; wait for its webhook")
	assert.Equal(t, runstate.StatusReviewing, h2.runOf(t, run.RunID).Status)

	assert.Equal(t, Applied, func() Disposition {
		disp, err := h2.o.HandleReviewResult(context.Background(), review.Verdict{
			RunID: run.RunID, PhaseNumber: 1, Status: "approved",
		})
		require.NoError(t, err)
		return disp
	}())
	assert.Equal(t, 2, h2.runOf(t, run.RunID).CurrentPhaseNumber)
}
