// Package dispatch is the scheduler that turns ready tasks into spawned
// workers. It owns every piece of spawn policy: registry deduplication,
// staggered parallelism, backoff timers for failed attempts, and the
// task-level bookkeeping around completion webhooks. Project runs and
// pipeline runs share this one engine; only the source of the task
// graph differs.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

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
	"github.com/swarmops/swarmops/internal/swarmerr"
	"github.com/swarmops/swarmops/internal/taskgraph"
)

// Spawner is the gateway surface the dispatcher uses. *gateway.Client
// implements it; tests substitute a fake.
type Spawner interface {
	Spawn(ctx context.Context, req gateway.SpawnRequest) (*gateway.SpawnResponse, error)
}

// PhaseNotify is invoked when dispatcher-side bookkeeping resolves the
// last open worker slot of a phase with no timer or webhook in flight
// (an exhausted task skipped to an escalation). The orchestrator hooks
// its collection flow here; the flow must tolerate being triggered for
// a phase it is already collecting.
type PhaseNotify func(runID string, phaseNumber int, res phasecol.Result)

// Wave is one dispatch request: the ready tasks of one phase of a run.
type Wave struct {
	RunID       string
	PhaseNumber int

	// Scope keys registry deduplication. Project runs use the project
	// name, pipeline runs a prefixed pipeline id.
	Scope string

	// Project is set for project runs only; it routes activity events
	// and the progress-document rewrite. Empty for pipeline runs.
	Project    string
	ProjectDir string
	PipelineID string

	RepoDir    string
	BaseBranch string

	Tasks []*taskgraph.Task
}

// Result summarizes one dispatch wave.
type Result struct {
	Spawned   []string           // handed to the gateway
	Skipped   []registry.Skipped // registry dedup hits
	Exhausted []string           // abandoned to an escalation before spawning
	Failed    []string           // spawn failures now owned by retry timers
}

// Completion is one worker's terminal webhook, resolved by the caller
// to its task via the phase record.
type Completion struct {
	RunID       string
	PhaseNumber int
	Scope       string
	Project     string
	PipelineID  string
	TaskID      string
	WorkerID    string
	StepOrder   int
	Status      registry.Status
	Output      string
	Error       string
	DurationMs  int64
}

// NewCompletion fills a Completion from the run and the worker's slot
// in the phase record.
func NewCompletion(run *runstate.Run, w WorkerRef, status registry.Status, output, errMsg string) Completion {
	return Completion{
		RunID:       run.RunID,
		PhaseNumber: w.StepOrder / 100000,
		Scope:       scopeOf(run),
		Project:     run.ProjectName,
		PipelineID:  run.PipelineID,
		TaskID:      w.TaskID,
		WorkerID:    w.WorkerID,
		StepOrder:   w.StepOrder,
		Status:      status,
		Output:      output,
		Error:       errMsg,
	}
}

// WorkerRef identifies one dispatched worker.
type WorkerRef struct {
	WorkerID  string
	TaskID    string
	StepOrder int
}

// Deps wires the dispatcher's collaborators. Logger is optional.
type Deps struct {
	Config      *config.Config
	Paths       config.Paths
	Registry    *registry.Registry
	Retries     *retry.Controller
	Ledger      *ledger.Ledger
	Feed        *events.Feed
	Roles       *roles.Store
	Skills      *skills.Augmenter
	Gateway     Spawner
	Repos       *gitops.Manager
	Escalations *escalation.Manager
	Runs        *runstate.Manager
	Projects    *project.Manager
	Pipelines   *pipeline.Store
	Collector   *phasecol.Collector
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Dispatcher is the engine. One instance serves the whole process;
// retry timers live in its process-local map and die with it, which is
// fine because resume re-dispatches from persisted state.
type Dispatcher struct {
	cfg         *config.Config
	paths       config.Paths
	registry    *registry.Registry
	retries     *retry.Controller
	ledger      *ledger.Ledger
	feed        *events.Feed
	roles       *roles.Store
	skills      *skills.Augmenter
	gateway     Spawner
	repos       *gitops.Manager
	escalations *escalation.Manager
	runs        *runstate.Manager
	projects    *project.Manager
	pipelines   *pipeline.Store
	collector   *phasecol.Collector
	metrics     *metrics.Metrics
	logger      *slog.Logger

	now       func() time.Time
	sleep     func(time.Duration)
	afterFunc func(time.Duration, func()) *time.Timer

	notify PhaseNotify

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// New creates a Dispatcher.
func New(deps Deps) *Dispatcher {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:         deps.Config,
		paths:       deps.Paths,
		registry:    deps.Registry,
		retries:     deps.Retries,
		ledger:      deps.Ledger,
		feed:        deps.Feed,
		roles:       deps.Roles,
		skills:      deps.Skills,
		gateway:     deps.Gateway,
		repos:       deps.Repos,
		escalations: deps.Escalations,
		runs:        deps.Runs,
		projects:    deps.Projects,
		pipelines:   deps.Pipelines,
		collector:   deps.Collector,
		metrics:     deps.Metrics,
		logger:      logger,
		now:         time.Now,
		sleep:       time.Sleep,
		afterFunc:   time.AfterFunc,
		timers:      make(map[string]*time.Timer),
	}
}

// SetNowFunc overrides the clock, for tests.
func (d *Dispatcher) SetNowFunc(now func() time.Time) { d.now = now }

// OnPhaseComplete registers the phase-complete hook.
func (d *Dispatcher) OnPhaseComplete(fn PhaseNotify) { d.notify = fn }

// Close stops every pending retry timer. In-flight spawns finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for key, t := range d.timers {
		t.Stop()
		delete(d.timers, key)
	}
}

// CancelTimers stops every pending retry timer of one run and reports
// how many were dropped.
func (d *Dispatcher) CancelTimers(runID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	prefix := runID + "/"
	n := 0
	for key, t := range d.timers {
		if strings.HasPrefix(key, prefix) {
			t.Stop()
			delete(d.timers, key)
			n++
		}
	}
	return n
}

// scopeOf is the registry dedup scope: the project name for project
// runs, a prefixed pipeline id otherwise, so the two namespaces cannot
// collide.
func scopeOf(run *runstate.Run) string {
	if run.ProjectName != "" {
		return run.ProjectName
	}
	return "pipeline:" + run.PipelineID
}

// roleOf defaults untagged tasks to the builder role.
func roleOf(t *taskgraph.Task) string {
	if t.Role != "" {
		return t.Role
	}
	return "builder"
}

// StartProjectRun creates a run over the project's progress graph and
// dispatches its first incomplete phase.
func (d *Dispatcher) StartProjectRun(ctx context.Context, projectName string) (*runstate.Run, error) {
	if _, err := d.projects.State(projectName); err != nil {
		return nil, err
	}
	g, err := d.projects.Graph(projectName)
	if err != nil {
		return nil, err
	}
	cur, ok := g.CurrentPhase()
	if !ok {
		return nil, fmt.Errorf("project %s: every task is already done", projectName)
	}

	projDir := d.paths.ProjectDir(projectName)
	run := &runstate.Run{
		ProjectName: projectName,
		ProjectDir:  projDir,
		RepoDir:     projDir,
		BaseBranch:  d.cfg.Git.BaseBranch,
		Phases:      phaseRecords(g),
	}
	if err := d.runs.Create(run); err != nil {
		return nil, err
	}
	d.metrics.RunsActive.Inc()
	d.feed.Emit(events.Event{
		Type: events.TypeRunStarted, RunID: run.RunID, Project: projectName,
		Data: map[string]any{"phase": cur.Number, "tasks": len(g.Tasks)},
	})
	if _, err := d.projects.SetStatus(projectName, project.StatusRunning); err != nil {
		d.logger.Warn("project status update failed", "project", projectName, "error", err)
	}
	d.logger.Info("project run started",
		"run", run.RunID, "project", projectName, "phase", cur.Number)

	if _, err := d.dispatchPhase(ctx, run, g, cur.Number); err != nil {
		return run, err
	}
	return run, nil
}

// StartPipelineRun creates a run from a stored pipeline definition and
// dispatches its first phase. Pipeline runs have no project workspace;
// their progress is tracked purely through step results.
func (d *Dispatcher) StartPipelineRun(ctx context.Context, pipelineID string) (*runstate.Run, error) {
	p, err := d.pipelines.Get(pipelineID)
	if err != nil {
		return nil, err
	}
	g, err := p.Graph()
	if err != nil {
		return nil, err
	}
	cur, ok := g.CurrentPhase()
	if !ok {
		return nil, fmt.Errorf("pipeline %s has no tasks to dispatch", pipelineID)
	}

	base := p.BaseBranch
	if base == "" {
		base = d.cfg.Git.BaseBranch
	}
	run := &runstate.Run{
		PipelineID:   p.ID,
		PipelineName: p.Name,
		RepoDir:      p.RepoDir,
		BaseBranch:   base,
		Phases:       phaseRecords(g),
	}
	if err := d.runs.Create(run); err != nil {
		return nil, err
	}
	d.metrics.RunsActive.Inc()
	d.feed.Emit(events.Event{
		Type: events.TypeRunStarted, RunID: run.RunID,
		Data: map[string]any{"pipeline": p.ID, "phase": cur.Number},
	})
	d.logger.Info("pipeline run started", "run", run.RunID, "pipeline", p.ID)

	if _, err := d.dispatchPhase(ctx, run, g, cur.Number); err != nil {
		return run, err
	}
	return run, nil
}

// ContinueRun re-dispatches the ready tasks of the run's current phase.
// Resume after restart, watcher recovery, and the orchestrate continue
// action all land here; registry dedup makes it a no-op on a healthy
// run.
func (d *Dispatcher) ContinueRun(ctx context.Context, runID string) (*Result, error) {
	run, err := d.runs.Get(runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, fmt.Errorf("run %s is %s", runID, run.Status)
	}
	g, err := d.graphForRun(run)
	if err != nil {
		return nil, err
	}
	phase := run.CurrentPhaseNumber
	if phase == 0 {
		cur, ok := g.CurrentPhase()
		if !ok {
			return &Result{}, nil
		}
		phase = cur.Number
	}
	return d.dispatchPhase(ctx, run, g, phase)
}

// DispatchPhase dispatches every ready task of one phase of a run. The
// advancer calls this when a review approves the previous phase.
func (d *Dispatcher) DispatchPhase(ctx context.Context, run *runstate.Run, phase int) (*Result, error) {
	g, err := d.graphForRun(run)
	if err != nil {
		return nil, err
	}
	return d.dispatchPhase(ctx, run, g, phase)
}

func (d *Dispatcher) dispatchPhase(ctx context.Context, run *runstate.Run, g *taskgraph.Graph, phase int) (*Result, error) {
	ready := g.ReadyInPhase(phase)
	if len(ready) == 0 {
		d.logger.Info("nothing ready to dispatch", "run", run.RunID, "phase", phase)
		return &Result{}, nil
	}
	if _, err := d.runs.StartPhase(run.RunID, phase); err != nil {
		return nil, err
	}
	return d.Dispatch(ctx, d.waveFor(run, phase, ready))
}

// graphForRun builds the task graph a run dispatches from: progress.md
// for project runs, the stored definition for pipeline runs. Step
// results overlay the document, because completed pipeline steps have
// no checkbox to flip and skipped steps must not block readiness.
func (d *Dispatcher) graphForRun(run *runstate.Run) (*taskgraph.Graph, error) {
	var (
		g   *taskgraph.Graph
		err error
	)
	if run.ProjectName != "" {
		g, err = d.projects.Graph(run.ProjectName)
	} else {
		var p *pipeline.Pipeline
		if p, err = d.pipelines.Get(run.PipelineID); err == nil {
			g, err = p.Graph()
		}
	}
	if err != nil {
		return nil, err
	}
	for _, sr := range run.StepResults {
		if sr.Status != runstate.StepCompleted && sr.Status != runstate.StepSkipped {
			continue
		}
		if t, ok := g.Tasks[sr.StepID]; ok {
			t.Done = true
		}
	}
	return g, nil
}

func (d *Dispatcher) waveFor(run *runstate.Run, phase int, tasks []*taskgraph.Task) Wave {
	base := run.BaseBranch
	if base == "" {
		base = d.cfg.Git.BaseBranch
	}
	return Wave{
		RunID:       run.RunID,
		PhaseNumber: phase,
		Scope:       scopeOf(run),
		Project:     run.ProjectName,
		ProjectDir:  run.ProjectDir,
		PipelineID:  run.PipelineID,
		RepoDir:     run.RepoDir,
		BaseBranch:  base,
		Tasks:       tasks,
	}
}

// phaseRecords seeds run phase records from the graph. Phases that are
// already fully done (a resumed project) start completed.
func phaseRecords(g *taskgraph.Graph) []runstate.PhaseRecord {
	out := make([]runstate.PhaseRecord, 0, len(g.Phases))
	for _, p := range g.Phases {
		rec := runstate.PhaseRecord{
			Number:  p.Number,
			Name:    p.Name,
			TaskIDs: append([]string(nil), p.TaskIDs...),
			Status:  runstate.PhasePending,
		}
		done := true
		for _, id := range p.TaskIDs {
			if !g.Tasks[id].Done {
				done = false
				break
			}
		}
		if done {
			rec.Status = runstate.PhaseCompleted
		}
		out = append(out, rec)
	}
	return out
}

// Dispatch spawns a worker for every spawnable task in the wave,
// spacing spawns by the configured delay. Dedup skips, exhausted tasks,
// and spawn failures never abort the wave.
func (d *Dispatcher) Dispatch(ctx context.Context, wave Wave) (*Result, error) {
	res := &Result{}

	ids := make([]string, len(wave.Tasks))
	for i, t := range wave.Tasks {
		ids[i] = t.ID
	}
	spawnable, skipped, err := d.registry.FilterSpawnable(wave.Scope, ids)
	if err != nil {
		return nil, err
	}
	for _, sk := range skipped {
		d.logger.Info("task already claimed",
			"run", wave.RunID, "task", sk.TaskID, "reason", sk.Reason)
	}
	res.Skipped = skipped

	keep := make(map[string]bool, len(spawnable))
	for _, id := range spawnable {
		keep[id] = true
	}

	// Exhausted tasks need a human, not another spawn.
	var toSpawn, exhausted []*taskgraph.Task
	for _, task := range wave.Tasks {
		if !keep[task.ID] {
			continue
		}
		burned, err := d.retries.IsExhausted(wave.RunID, taskgraph.StepOrder(wave.PhaseNumber, task.ID))
		if err != nil {
			return nil, err
		}
		if burned {
			exhausted = append(exhausted, task)
		} else {
			toSpawn = append(toSpawn, task)
		}
	}

	// Seed slots for everything this wave accounts for, exhausted tasks
	// included, before any skip runs. The skip then releases the slot,
	// and a wave where every task is exhausted still resolves the phase
	// instead of leaving it without a record.
	if tracked := append(append([]*taskgraph.Task{}, toSpawn...), exhausted...); len(tracked) > 0 {
		if err := d.seedCollector(wave, tracked); err != nil {
			return nil, err
		}
	}
	for _, task := range exhausted {
		stepOrder := taskgraph.StepOrder(wave.PhaseNumber, task.ID)
		st, _, err := d.retries.Get(wave.RunID, stepOrder)
		if err != nil {
			return nil, err
		}
		d.skipStep(skipParams{
			RunID:       wave.RunID,
			PipelineID:  wave.PipelineID,
			Project:     wave.Project,
			PhaseNumber: wave.PhaseNumber,
			TaskID:      task.ID,
			RoleID:      roleOf(task),
			StepOrder:   stepOrder,
			Attempts:    st.FailureCount(),
			MaxAttempts: st.Policy.MaxAttempts,
			LastError:   st.LastError(),
		})
		res.Exhausted = append(res.Exhausted, task.ID)
	}

	delay := time.Duration(d.cfg.Dispatch.SpawnDelayMs) * time.Millisecond
	for i, task := range toSpawn {
		if i > 0 && delay > 0 {
			d.sleep(delay)
		}
		if err := d.dispatchOne(ctx, wave, task); err != nil {
			d.logger.Warn("spawn failed",
				"run", wave.RunID, "task", task.ID, "error", err)
			res.Failed = append(res.Failed, task.ID)
			continue
		}
		res.Spawned = append(res.Spawned, task.ID)
	}
	return res, nil
}

// seedCollector makes sure the phase record carries a slot for every
// worker this wave accounts for. The first wave creates the record;
// recovery and retry waves rearm individual slots.
func (d *Dispatcher) seedCollector(wave Wave, tasks []*taskgraph.Task) error {
	seeds := make([]phasecol.WorkerSeed, 0, len(tasks))
	for _, t := range tasks {
		workerID := gitops.SanitizeID(t.ID)
		seeds = append(seeds, phasecol.WorkerSeed{
			WorkerID:  workerID,
			TaskID:    t.ID,
			StepOrder: taskgraph.StepOrder(wave.PhaseNumber, t.ID),
			Branch:    gitops.WorkerBranch(wave.RunID, workerID),
		})
	}

	_, err := d.collector.Get(wave.RunID, wave.PhaseNumber)
	switch {
	case errors.Is(err, store.ErrNotFound):
		_, err = d.collector.InitPhase(phasecol.InitParams{
			RunID:       wave.RunID,
			PhaseNumber: wave.PhaseNumber,
			RepoDir:     wave.RepoDir,
			BaseBranch:  wave.BaseBranch,
			ProjectName: wave.Project,
			ProjectPath: wave.ProjectDir,
			Workers:     seeds,
		})
		return err
	case err != nil:
		return err
	}
	for _, seed := range seeds {
		if err := d.collector.RearmWorker(wave.RunID, wave.PhaseNumber, seed); err != nil {
			return err
		}
	}
	return nil
}

// dispatchOne runs the per-task spawn sequence. The registry entry goes
// in before the gateway call; a gateway failure flips it to failed so a
// retry can reclaim the task.
func (d *Dispatcher) dispatchOne(ctx context.Context, wave Wave, task *taskgraph.Task) error {
	workerID := gitops.SanitizeID(task.ID)
	stepOrder := taskgraph.StepOrder(wave.PhaseNumber, task.ID)
	roleID := roleOf(task)

	if _, err := d.retries.InitState(wave.RunID, stepOrder, d.policy()); err != nil {
		return err
	}

	role, err := d.roles.Get(roleID)
	if err != nil {
		d.metrics.Spawns.WithLabelValues(roleID, metrics.OutcomeInvalid).Inc()
		d.failSpawn(wave, task, roleID, stepOrder, err, 0)
		return err
	}

	wt := d.worktreeFor(ctx, wave, workerID)

	err = d.registry.Register(wave.Scope, task.ID, registry.RegisterInput{
		RunID:       wave.RunID,
		PhaseNumber: wave.PhaseNumber,
		WorkerID:    workerID,
		Branch:      wt.Branch,
	})
	if err != nil {
		return err
	}

	prompt, err := d.buildPrompt(wave, task, role, wt, stepOrder)
	if err != nil {
		if uerr := d.registry.UpdateStatus(wave.Scope, task.ID, registry.StatusFailed, err.Error()); uerr != nil {
			d.logger.Warn("registry update failed", "task", task.ID, "error", uerr)
		}
		return err
	}

	start := d.now()
	resp, err := d.gateway.Spawn(ctx, gateway.SpawnRequest{
		Task:              prompt,
		Label:             wave.Scope + "/" + task.ID,
		Model:             role.Model,
		Thinking:          string(role.Thinking),
		Cleanup:           true,
		RunTimeoutSeconds: d.cfg.Dispatch.RunTimeoutSeconds,
	})
	durationMs := d.now().Sub(start).Milliseconds()

	outcome := metrics.OutcomeOK
	switch {
	case err != nil:
		outcome = metrics.OutcomeError
	case !resp.OK:
		outcome = metrics.OutcomeDeclined
		err = swarmerr.ErrSpawnFailed(task.ID, errors.New(resp.Error))
	}
	d.metrics.Spawns.WithLabelValues(role.ID, outcome).Inc()
	if err != nil {
		d.failSpawn(wave, task, role.ID, stepOrder, err, durationMs)
		return err
	}

	d.recordSpawn(wave, task, role.ID, workerID, stepOrder, wt, resp)
	return nil
}

// redispatchOne is the timer path back into dispatch: the registry may
// have been claimed and the phase record resolved while the timer was
// pending, so both are re-checked.
func (d *Dispatcher) redispatchOne(ctx context.Context, wave Wave, task *taskgraph.Task) error {
	dec, err := d.registry.CanSpawn(wave.Scope, task.ID)
	if err != nil {
		return err
	}
	if !dec.CanSpawn {
		d.logger.Info("retry obsolete, task already claimed",
			"run", wave.RunID, "task", task.ID, "reason", dec.Reason)
		return nil
	}
	if err := d.seedCollector(wave, []*taskgraph.Task{task}); err != nil {
		return err
	}
	return d.dispatchOne(ctx, wave, task)
}

// worktreeFor creates the worker's isolated checkout. Worktree failure
// is not fatal: the worker falls back to the shared repo dir on the
// same branch, with a warning.
func (d *Dispatcher) worktreeFor(ctx context.Context, wave Wave, workerID string) gitops.Worktree {
	branch := gitops.WorkerBranch(wave.RunID, workerID)
	if !d.cfg.Git.WorktreesEnabled {
		return gitops.Worktree{Path: wave.RepoDir, Branch: branch}
	}
	repo := d.repos.Repo(wave.RepoDir)
	wt, err := gitops.NewWorktrees(repo, d.cfg.Git.WorktreeRoot).Create(ctx, wave.RunID, workerID, wave.BaseBranch)
	if err != nil {
		d.logger.Warn("worktree creation failed, falling back to shared repo dir",
			"run", wave.RunID, "worker", workerID, "error", err)
		return gitops.Worktree{Path: wave.RepoDir, Branch: branch}
	}
	return wt
}

// buildPrompt assembles the worker prompt: role instructions with the
// placeholder variables filled, a machine-readable context block, and
// any skill documents the role/task combination matches.
func (d *Dispatcher) buildPrompt(wave Wave, task *taskgraph.Task, role *roles.Role, wt gitops.Worktree, stepOrder int) (string, error) {
	text, _, err := d.roles.Instructions(role)
	if err != nil {
		return "", err
	}
	prompt := strings.NewReplacer(
		"{{WORKTREE_PATH}}", wt.Path,
		"{{BRANCH}}", wt.Branch,
		"{{BASE_BRANCH}}", wave.BaseBranch,
		"{{REPO_DIR}}", wave.RepoDir,
		"{{TASK_ID}}", task.ID,
		"{{TASK_TITLE}}", task.Title,
	).Replace(text)
	prompt += d.contextBlock(wave, task, wt, stepOrder)
	return d.skills.Augment(prompt, role.ID, task.Title), nil
}

// contextBlock is the trailer every worker prompt carries: what to
// build and where to report.
func (d *Dispatcher) contextBlock(wave Wave, task *taskgraph.Task, wt gitops.Worktree, stepOrder int) string {
	var b strings.Builder
	b.WriteString("\n\n## Context\n\n")
	fmt.Fprintf(&b, "- Task: %s (%s)\n", task.Title, task.ID)
	fmt.Fprintf(&b, "- Run: %s, phase %d\n", wave.RunID, wave.PhaseNumber)
	fmt.Fprintf(&b, "- Worktree: %s\n", wt.Path)
	fmt.Fprintf(&b, "- Branch: %s (base: %s)\n", wt.Branch, wave.BaseBranch)
	fmt.Fprintf(&b, "- Webhook URL: %s/worker-complete\n", d.cfg.WebhookBaseURL())
	b.WriteString("\nReport completion by POSTing to the webhook URL:\n\n```json\n")
	fmt.Fprintf(&b, "{\"runId\": %q, \"stepOrder\": %d, \"status\": \"completed\", \"output\": \"<one-line summary>\"}\n", wave.RunID, stepOrder)
	b.WriteString("```\n\nUse \"status\": \"failed\" with an \"error\" field when blocked.\n")
	return b.String()
}

// recordSpawn is the post-spawn bookkeeping: ledger item, activity
// event, session pointer on the run.
func (d *Dispatcher) recordSpawn(wave Wave, task *taskgraph.Task, roleID, workerID string, stepOrder int, wt gitops.Worktree, resp *gateway.SpawnResponse) {
	item, err := d.ledger.Create(ledger.CreateInput{
		Type:   "worker",
		Title:  task.Title,
		RoleID: roleID,
		Tags:   []string{wave.RunID, "task:" + task.ID, "phase:" + strconv.Itoa(wave.PhaseNumber)},
	})
	if err != nil {
		d.logger.Warn("ledger create failed", "run", wave.RunID, "task", task.ID, "error", err)
	} else {
		if err := d.ledger.UpdateStatus(item.ID, ledger.StatusRunning, ""); err != nil {
			d.logger.Warn("ledger status update failed", "work", item.ID, "error", err)
		}
		if err := d.ledger.AppendEvent(item.ID, "spawn", "session "+resp.ChildSessionKey); err != nil {
			d.logger.Warn("ledger event failed", "work", item.ID, "error", err)
		}
	}

	if _, err := d.runs.SetActiveSession(wave.RunID, resp.ChildSessionKey, task.ID); err != nil {
		d.logger.Warn("active session update failed", "run", wave.RunID, "error", err)
	}

	d.feed.Emit(events.Event{
		Type:    events.TypeSpawn,
		RunID:   wave.RunID,
		Project: wave.Project,
		TaskID:  task.ID,
		Data: map[string]any{
			"phaseNumber": wave.PhaseNumber,
			"workerId":    workerID,
			"branch":      wt.Branch,
			"path":        wt.Path,
			"sessionKey":  resp.ChildSessionKey,
			"role":        roleID,
			"stepOrder":   stepOrder,
		},
	})

	d.logger.Info("worker spawned",
		"run", wave.RunID, "phase", wave.PhaseNumber, "task", task.ID,
		"worker", workerID, "session", resp.ChildSessionKey, "verified", resp.Verified)
}

// failSpawn runs the spawn-failure policy: registry flipped to failed,
// the attempt recorded, then either a skip-to-escalation (exhausted) or
// a backoff timer.
func (d *Dispatcher) failSpawn(wave Wave, task *taskgraph.Task, roleID string, stepOrder int, spawnErr error, durationMs int64) {
	if err := d.registry.UpdateStatus(wave.Scope, task.ID, registry.StatusFailed, spawnErr.Error()); err != nil {
		d.logger.Warn("registry update failed", "task", task.ID, "error", err)
	}

	st, err := d.retries.RecordAttempt(wave.RunID, stepOrder, false, spawnErr.Error(), durationMs)
	if err != nil {
		d.logger.Error("recording spawn failure failed",
			"run", wave.RunID, "task", task.ID, "error", err)
		return
	}

	if st.Status == retry.StatusExhausted {
		d.skipStep(skipParams{
			RunID:       wave.RunID,
			PipelineID:  wave.PipelineID,
			Project:     wave.Project,
			PhaseNumber: wave.PhaseNumber,
			TaskID:      task.ID,
			RoleID:      roleID,
			StepOrder:   stepOrder,
			Attempts:    st.FailureCount(),
			MaxAttempts: st.Policy.MaxAttempts,
			LastError:   st.LastError(),
		})
		return
	}

	d.scheduleRetry(wave, task, d.delayUntil(st))
}

// delayUntil converts the controller-computed next attempt time into a
// timer duration.
func (d *Dispatcher) delayUntil(st *retry.State) time.Duration {
	if st.NextRetryAt == nil {
		return 0
	}
	delay := st.NextRetryAt.Sub(d.now().UTC())
	if delay < 0 {
		return 0
	}
	return delay
}

// scheduleRetry arms the (run, task) backoff timer, cancelling any
// earlier one. Timers are process-local; a crash loses them, and resume
// re-dispatches from persisted state instead.
func (d *Dispatcher) scheduleRetry(wave Wave, task *taskgraph.Task, delay time.Duration) {
	key := wave.RunID + "/" + task.ID
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if t, ok := d.timers[key]; ok {
		t.Stop()
	}
	d.timers[key] = d.afterFunc(delay, func() {
		d.mu.Lock()
		delete(d.timers, key)
		closed := d.closed
		d.mu.Unlock()
		if closed {
			return
		}
		if err := d.redispatchOne(context.Background(), wave, task); err != nil {
			d.logger.Warn("retry dispatch failed",
				"run", wave.RunID, "task", task.ID, "error", err)
		}
	})
	d.mu.Unlock()

	d.metrics.RetriesScheduled.Inc()
	d.feed.Emit(events.Event{
		Type: events.TypeRetryScheduled, RunID: wave.RunID, Project: wave.Project, TaskID: task.ID,
		Data: map[string]any{"delayMs": delay.Milliseconds()},
	})
	d.logger.Info("spawn retry scheduled", "run", wave.RunID, "task", task.ID, "delay", delay)
}

type skipParams struct {
	RunID       string
	PipelineID  string
	Project     string
	PhaseNumber int
	TaskID      string
	RoleID      string
	StepOrder   int
	Attempts    int
	MaxAttempts int
	LastError   string
}

// skipStep abandons a task to its escalation: the step result records
// the skip, the phase stops waiting for the worker, and the run moves
// on without the work. This is the skip-and-continue policy for build
// steps whose retries are exhausted.
func (d *Dispatcher) skipStep(p skipParams) {
	esc, created, err := d.escalations.EnsureOpen(escalation.CreateParams{
		RunID:        p.RunID,
		PipelineID:   p.PipelineID,
		PhaseNumber:  p.PhaseNumber,
		StepOrder:    p.StepOrder,
		RoleID:       p.RoleID,
		TaskID:       p.TaskID,
		Message:      fmt.Sprintf("task %s exhausted %d attempts: %s", p.TaskID, p.Attempts, p.LastError),
		AttemptCount: p.Attempts,
		MaxAttempts:  p.MaxAttempts,
	})
	if err != nil {
		d.logger.Error("escalation failed", "run", p.RunID, "task", p.TaskID, "error", err)
		return
	}
	if created {
		d.metrics.EscalationsOpen.Inc()
		d.feed.Emit(events.Event{
			Type: events.TypeEscalation, RunID: p.RunID, Project: p.Project, TaskID: p.TaskID,
			Data: map[string]any{"escalationId": esc.ID, "severity": string(esc.Severity)},
		})
	}

	if _, err := d.runs.AddStepResult(p.RunID, runstate.StepResult{
		StepID:       p.TaskID,
		StepOrder:    p.StepOrder,
		Status:       runstate.StepSkipped,
		Error:        p.LastError,
		EscalationID: esc.ID,
	}); err != nil {
		d.logger.Error("step result failed", "run", p.RunID, "task", p.TaskID, "error", err)
	}

	d.logger.Warn("task skipped after exhausted retries",
		"run", p.RunID, "task", p.TaskID, "escalation", esc.ID, "severity", string(esc.Severity))

	res, err := d.collector.SkipWorker(p.RunID, p.PhaseNumber, gitops.SanitizeID(p.TaskID), "retries exhausted: "+p.LastError)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			d.logger.Warn("collector skip failed", "run", p.RunID, "task", p.TaskID, "error", err)
		}
		return
	}
	if res.PhaseComplete && !res.AnyFailed && d.notify != nil {
		d.notify(p.RunID, p.PhaseNumber, res)
	}
}

// HandleWorkerComplete runs the task-level bookkeeping for one worker
// webhook and reports the phase's resulting shape. A redelivered
// webhook changes nothing and returns the current shape.
func (d *Dispatcher) HandleWorkerComplete(ctx context.Context, c Completion) (phasecol.Result, error) {
	d.cancelTimer(c.RunID, c.TaskID)

	res, applied, err := d.collector.OnWorkerComplete(
		c.RunID, c.PhaseNumber, c.WorkerID, workerStatus(c.Status), c.Output, c.Error)
	if err != nil {
		return phasecol.Result{}, err
	}
	if !applied {
		d.logger.Info("duplicate worker webhook ignored",
			"run", c.RunID, "worker", c.WorkerID, "status", string(c.Status))
		return res, nil
	}

	if err := d.registry.UpdateStatus(c.Scope, c.TaskID, c.Status, c.Error); err != nil {
		d.logger.Warn("registry update failed", "task", c.TaskID, "error", err)
	}
	d.finishLedger(c)

	switch c.Status {
	case registry.StatusCompleted:
		d.completeStep(c)
	case registry.StatusFailed:
		d.failStep(c)
	}

	d.feed.Emit(events.Event{
		Type: events.TypeWorkerComplete, RunID: c.RunID, Project: c.Project, TaskID: c.TaskID,
		Data: map[string]any{"status": string(c.Status), "stepOrder": c.StepOrder, "workerId": c.WorkerID},
	})

	// failStep may have released the slot to an escalation; report the
	// phase as it stands now.
	if ph, err := d.collector.Get(c.RunID, c.PhaseNumber); err == nil {
		res = ph.Result()
	}
	return res, nil
}

func workerStatus(s registry.Status) phasecol.WorkerStatus {
	switch s {
	case registry.StatusCompleted:
		return phasecol.WorkerCompleted
	case registry.StatusCancelled:
		return phasecol.WorkerCancelled
	default:
		return phasecol.WorkerFailed
	}
}

// completeStep settles a successful worker: attempt history closed,
// step result recorded, progress checkbox flipped, and any escalation
// the task accumulated on earlier attempts auto-resolved.
func (d *Dispatcher) completeStep(c Completion) {
	st, err := d.retries.RecordAttempt(c.RunID, c.StepOrder, true, "", c.DurationMs)
	if err != nil {
		d.logger.Warn("recording success failed", "run", c.RunID, "task", c.TaskID, "error", err)
	} else if st.FailureCount() > 0 {
		if err := d.retries.ClearState(c.RunID, c.StepOrder); err != nil {
			d.logger.Warn("retry state clear failed", "run", c.RunID, "task", c.TaskID, "error", err)
		}
	}

	if _, err := d.runs.AddStepResult(c.RunID, runstate.StepResult{
		StepID:    c.TaskID,
		StepOrder: c.StepOrder,
		Status:    runstate.StepCompleted,
		Output:    c.Output,
	}); err != nil {
		d.logger.Error("step result failed", "run", c.RunID, "task", c.TaskID, "error", err)
	}

	if c.Project != "" {
		if err := d.projects.MarkTaskDone(c.Project, c.TaskID); err != nil {
			d.logger.Warn("progress update failed",
				"project", c.Project, "task", c.TaskID, "error", err)
		}
	}

	if n, err := d.escalations.ResolveByTaskID(c.TaskID, "task completed on a later attempt", "system"); err != nil {
		d.logger.Warn("escalation resolve failed", "task", c.TaskID, "error", err)
	} else if n > 0 {
		d.metrics.EscalationsOpen.Sub(float64(n))
		d.logger.Info("escalations auto-resolved", "task", c.TaskID, "count", n)
	}

	d.feed.Emit(events.Event{
		Type: events.TypeTaskComplete, RunID: c.RunID, Project: c.Project, TaskID: c.TaskID,
		Data: map[string]any{"stepOrder": c.StepOrder},
	})
	d.logger.Info("task completed", "run", c.RunID, "task", c.TaskID)
}

// failStep settles a failed worker: the attempt counts against the
// retry budget, and the task is either re-dispatched after a backoff or
// skipped to an escalation.
func (d *Dispatcher) failStep(c Completion) {
	st, err := d.retries.RecordAttempt(c.RunID, c.StepOrder, false, c.Error, c.DurationMs)
	if err != nil {
		d.logger.Error("recording failure failed", "run", c.RunID, "task", c.TaskID, "error", err)
		return
	}

	run, err := d.runs.Get(c.RunID)
	if err != nil {
		d.logger.Error("run lookup failed", "run", c.RunID, "error", err)
		return
	}
	g, err := d.graphForRun(run)
	if err != nil {
		d.logger.Error("graph rebuild failed", "run", c.RunID, "error", err)
		return
	}
	task, ok := g.Tasks[c.TaskID]

	if st.Status == retry.StatusExhausted {
		roleID := ""
		if ok {
			roleID = roleOf(task)
		}
		d.skipStep(skipParams{
			RunID:       c.RunID,
			PipelineID:  c.PipelineID,
			Project:     c.Project,
			PhaseNumber: c.PhaseNumber,
			TaskID:      c.TaskID,
			RoleID:      roleID,
			StepOrder:   c.StepOrder,
			Attempts:    st.FailureCount(),
			MaxAttempts: st.Policy.MaxAttempts,
			LastError:   st.LastError(),
		})
		return
	}

	if _, err := d.runs.AddStepResult(c.RunID, runstate.StepResult{
		StepID:    c.TaskID,
		StepOrder: c.StepOrder,
		Status:    runstate.StepFailed,
		Output:    c.Output,
		Error:     c.Error,
	}); err != nil {
		d.logger.Error("step result failed", "run", c.RunID, "task", c.TaskID, "error", err)
	}

	if !ok {
		d.logger.Warn("failed task no longer in graph, not retrying",
			"run", c.RunID, "task", c.TaskID)
		return
	}
	d.scheduleRetry(d.waveFor(run, c.PhaseNumber, nil), task, d.delayUntil(st))
}

// finishLedger closes the worker's open ledger item for the webhook
// outcome. A missing item (crash between spawn and webhook) is fine.
func (d *Dispatcher) finishLedger(c Completion) {
	items, err := d.ledger.List(ledger.Filters{Type: "worker", Tag: c.RunID, Status: ledger.StatusRunning})
	if err != nil {
		d.logger.Warn("ledger lookup failed", "run", c.RunID, "error", err)
		return
	}
	taskTag := "task:" + c.TaskID
	for _, item := range items {
		if !hasTag(item.Tags, taskTag) {
			continue
		}
		switch c.Status {
		case registry.StatusCompleted:
			if c.Output != "" {
				if err := d.ledger.SetOutput(item.ID, c.Output); err != nil {
					d.logger.Warn("ledger output failed", "work", item.ID, "error", err)
				}
			}
			err = d.ledger.UpdateStatus(item.ID, ledger.StatusComplete, "")
		case registry.StatusFailed:
			err = d.ledger.UpdateStatus(item.ID, ledger.StatusFailed, c.Error)
		default:
			err = d.ledger.Cancel(item.ID, c.Error)
		}
		if err != nil {
			d.logger.Warn("ledger close failed", "work", item.ID, "error", err)
		}
		return
	}
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func (d *Dispatcher) cancelTimer(runID, taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[runID+"/"+taskID]; ok {
		t.Stop()
		delete(d.timers, runID+"/"+taskID)
	}
}

func (d *Dispatcher) policy() retry.Policy {
	r := d.cfg.Retry
	if r.MaxAttempts <= 0 {
		return retry.DefaultPolicy()
	}
	return retry.Policy{
		MaxAttempts:       r.MaxAttempts,
		BaseDelayMs:       r.BaseDelayMs,
		MaxDelayMs:        r.MaxDelayMs,
		BackoffMultiplier: r.BackoffMultiplier,
	}
}
