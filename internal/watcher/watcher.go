// Package watcher keeps projects and runs moving without human pushes.
// The Advancer reacts to review approvals and starts the next phase;
// the Watcher polls project state for lifecycle transitions and
// redispatches builds that went quiet; the watchdog sweeps workers
// that stopped reporting.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/swarmops/swarmops/internal/config"
	"github.com/swarmops/swarmops/internal/dispatch"
	"github.com/swarmops/swarmops/internal/escalation"
	"github.com/swarmops/swarmops/internal/events"
	"github.com/swarmops/swarmops/internal/gateway"
	"github.com/swarmops/swarmops/internal/ledger"
	"github.com/swarmops/swarmops/internal/metrics"
	"github.com/swarmops/swarmops/internal/project"
	"github.com/swarmops/swarmops/internal/registry"
	"github.com/swarmops/swarmops/internal/roles"
	"github.com/swarmops/swarmops/internal/runstate"
	"github.com/swarmops/swarmops/internal/swarmerr"
	"github.com/swarmops/swarmops/internal/taskgraph"
)

// Spawner is the gateway surface the watcher uses. *gateway.Client
// satisfies it.
type Spawner interface {
	Spawn(ctx context.Context, req gateway.SpawnRequest) (*gateway.SpawnResponse, error)
}

// Deps carries everything the package constructors need.
type Deps struct {
	Config      *config.Config
	Paths       config.Paths
	Projects    *project.Manager
	Runs        *runstate.Manager
	Registry    *registry.Registry
	Dispatcher  *dispatch.Dispatcher
	Roles       *roles.Store
	Gateway     Spawner
	Ledger      *ledger.Ledger
	Feed        *events.Feed
	Escalations *escalation.Manager
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Watcher is the polling half: one goroutine ticking over project
// lifecycles, one over the progress watchdog. Every decision re-reads
// persisted state, so a restarted watcher picks up where the old one
// stopped; only trigger cooldowns and watchdog counts are in memory.
type Watcher struct {
	cfg         *config.Config
	paths       config.Paths
	projects    *project.Manager
	runs        *runstate.Manager
	registry    *registry.Registry
	dispatch    *dispatch.Dispatcher
	roles       *roles.Store
	gateway     Spawner
	ledger      *ledger.Ledger
	feed        *events.Feed
	escalations *escalation.Manager
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time

	mu        sync.Mutex
	triggered map[string]time.Time // "<project>/<phase>" -> last trigger
	nudges    map[string]int       // "<project>:<taskID>" -> watchdog retries
	escalated map[string]bool      // nudge keys already escalated

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a stopped Watcher.
func NewWatcher(deps Deps) *Watcher {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		cfg:         deps.Config,
		paths:       deps.Paths,
		projects:    deps.Projects,
		runs:        deps.Runs,
		registry:    deps.Registry,
		dispatch:    deps.Dispatcher,
		roles:       deps.Roles,
		gateway:     deps.Gateway,
		ledger:      deps.Ledger,
		feed:        deps.Feed,
		escalations: deps.Escalations,
		metrics:     deps.Metrics,
		logger:      logger.With("component", "watcher"),
		now:         time.Now,
		triggered:   make(map[string]time.Time),
		nudges:      make(map[string]int),
		escalated:   make(map[string]bool),
	}
}

// SetNowFunc overrides the clock, for tests.
func (w *Watcher) SetNowFunc(now func() time.Time) { w.now = now }

// Start launches the poll and watchdog loops. It returns an error if
// the watcher is already running.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	w.wg.Add(2)
	go w.loop(ctx, w.cfg.Watcher.PollInterval, w.Tick)
	go w.loop(ctx, w.cfg.Watcher.WatchdogInterval, w.WatchdogTick)
	w.logger.Info("watcher started",
		"poll", w.cfg.Watcher.PollInterval, "watchdog", w.cfg.Watcher.WatchdogInterval)
	return nil
}

// Stop cancels the loops and waits for in-flight passes to finish.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	w.wg.Wait()
	w.logger.Info("watcher stopped")
}

func (w *Watcher) loop(ctx context.Context, every time.Duration, pass func(context.Context)) {
	defer w.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pass(ctx)
		}
	}
}

// Tick runs one lifecycle pass over every project. Exported so the
// orchestrator can force a pass after resume.
func (w *Watcher) Tick(ctx context.Context) {
	names, err := w.projects.List()
	if err != nil {
		w.logger.Warn("project listing failed", "error", err)
		return
	}
	for _, name := range names {
		if err := w.pollProject(ctx, name); err != nil {
			w.logger.Warn("watcher pass failed", "project", name, "error", err)
		}
	}
}

// pollProject applies the phase-specific advancement predicate for one
// project. Projects in error status wait for a human; advancing them
// would paper over whatever the escalation is about.
func (w *Watcher) pollProject(ctx context.Context, name string) error {
	st, err := w.projects.State(name)
	if err != nil {
		return err
	}
	if st.Status == project.StatusError {
		return nil
	}
	switch st.Phase {
	case project.PhaseInterview:
		return w.pollInterview(ctx, name)
	case project.PhaseSpec:
		return w.pollSpec(ctx, name)
	case project.PhaseBuild:
		return w.pollBuild(ctx, name)
	case project.PhaseReview:
		return w.pollReview(ctx, name)
	default:
		return nil
	}
}

// pollInterview advances interview -> spec once the transcript says it
// is complete, then sends the spec writer in the same pass.
func (w *Watcher) pollInterview(ctx context.Context, name string) error {
	iv, err := w.projects.Interview(name)
	if err != nil {
		return err
	}
	if !iv.Complete {
		return nil
	}
	if err := w.advanceLifecycle(name, project.PhaseInterview, project.PhaseSpec, "interview complete"); err != nil {
		return err
	}
	return w.triggerSpecWriter(ctx, name)
}

// pollSpec advances spec -> build when the plan and a non-empty task
// graph exist, and otherwise respawns the spec writer under its
// cooldown. The webhook path (OnSpecComplete) usually wins; this is
// the fallback for a writer that died without reporting.
func (w *Watcher) pollSpec(ctx context.Context, name string) error {
	ready, err := w.specReady(name)
	if err != nil {
		return err
	}
	if !ready {
		return w.triggerSpecWriter(ctx, name)
	}
	if err := w.advanceLifecycle(name, project.PhaseSpec, project.PhaseBuild, "plan and task graph present"); err != nil {
		return err
	}
	return w.startBuildRun(ctx, name)
}

// pollBuild advances build -> review when every task is checked off,
// and otherwise redispatches a build that has ready tasks but nothing
// running. Redispatch is safe to repeat: registry dedup makes it a
// no-op on a healthy run.
func (w *Watcher) pollBuild(ctx context.Context, name string) error {
	if !w.projects.HasProgress(name) {
		return nil
	}
	g, err := w.projects.Graph(name)
	if err != nil {
		return err
	}
	_, total := g.Counts()
	if total == 0 {
		return nil
	}

	run, active, err := w.runs.ActiveRun(name)
	if err != nil {
		return err
	}

	if g.AllDone() {
		// Checkboxes flip before the final phase merges; hold the
		// transition until the run itself is finished.
		if active {
			return nil
		}
		return w.advanceLifecycle(name, project.PhaseBuild, project.PhaseReview,
			fmt.Sprintf("all %d tasks done", total))
	}

	ready := g.Ready()
	if len(ready) == 0 {
		return nil
	}
	if active && run.Status != runstate.StatusRunning {
		// Merging or reviewing: the run is moving, just not through
		// workers.
		return nil
	}
	running, err := w.runningWorkers(name, g)
	if err != nil {
		return err
	}
	if running > 0 {
		return nil
	}
	if !w.cooldownElapsed(name, project.PhaseBuild) {
		return nil
	}
	w.markTriggered(name, project.PhaseBuild)

	if !active {
		w.logger.Info("build has ready tasks and no active run, starting one",
			"project", name, "ready", len(ready))
		return w.startBuildRun(ctx, name)
	}
	res, err := w.dispatch.ContinueRun(ctx, run.RunID)
	if err != nil {
		return err
	}
	w.logger.Info("build idle with ready tasks, redispatched",
		"project", name, "run", run.RunID, "ready", len(ready), "spawned", len(res.Spawned))
	return nil
}

// pollReview advances review -> complete when the task set stayed fully
// checked, and flips back to build when review added unchecked tasks.
// Both wait for any active run to finish first.
func (w *Watcher) pollReview(ctx context.Context, name string) error {
	if !w.projects.HasProgress(name) {
		return nil
	}
	g, err := w.projects.Graph(name)
	if err != nil {
		return err
	}
	_, total := g.Counts()
	if total == 0 {
		return nil
	}
	if _, active, err := w.runs.ActiveRun(name); err != nil {
		return err
	} else if active {
		return nil
	}

	if g.AllDone() {
		return w.advanceLifecycle(name, project.PhaseReview, project.PhaseComplete,
			fmt.Sprintf("all %d tasks done", total))
	}
	if _, err := w.projects.BumpIteration(name); err != nil {
		w.logger.Warn("iteration bump failed", "project", name, "error", err)
	}
	return w.advanceLifecycle(name, project.PhaseReview, project.PhaseBuild,
		"unchecked tasks added during review")
}

// advanceLifecycle persists the transition and tells the activity feed.
func (w *Watcher) advanceLifecycle(name string, from, to project.LifecyclePhase, note string) error {
	if _, err := w.projects.SetPhase(name, to, note); err != nil {
		return err
	}
	w.feed.Emit(events.Event{
		Type:    events.TypePhaseAdvanced,
		Project: name,
		Data:    map[string]any{"from": string(from), "to": string(to), "note": note},
	})
	w.logger.Info("project phase advanced", "project", name, "from", from, "to", to, "note", note)
	return nil
}

// specReady reports whether the spec phase produced what build needs:
// a plan file and at least one parsed task.
func (w *Watcher) specReady(name string) (bool, error) {
	if !w.projects.HasPlan(name) {
		return false, nil
	}
	if !w.projects.HasProgress(name) {
		return false, nil
	}
	g, err := w.projects.Graph(name)
	if err != nil {
		// An unparseable draft is not ready; the writer may still be
		// mid-document.
		w.logger.Warn("progress document does not parse", "project", name, "error", err)
		return false, nil
	}
	return len(g.Tasks) > 0, nil
}

// startBuildRun starts a project run, tolerating one already running.
func (w *Watcher) startBuildRun(ctx context.Context, name string) error {
	_, err := w.dispatch.StartProjectRun(ctx, name)
	if err != nil {
		var se *swarmerr.Error
		if errors.As(err, &se) && se.Code == swarmerr.CodeRunActive {
			return nil
		}
		return err
	}
	return nil
}

// OnSpecComplete handles the spec writer's webhook. The poller would
// pick the transition up within a tick; the webhook just makes it
// immediate. Returns whether the project advanced to build.
func (w *Watcher) OnSpecComplete(ctx context.Context, name string) (bool, error) {
	st, err := w.projects.State(name)
	if err != nil {
		return false, err
	}
	if st.Phase != project.PhaseSpec {
		w.logger.Info("spec-complete for project not in spec phase",
			"project", name, "phase", st.Phase)
		return false, nil
	}
	ready, err := w.specReady(name)
	if err != nil {
		return false, err
	}
	w.closeSpecLedger(name, ready)
	if !ready {
		w.logger.Warn("spec-complete reported but plan or tasks missing", "project", name)
		return false, nil
	}
	if err := w.advanceLifecycle(name, project.PhaseSpec, project.PhaseBuild, "spec writer reported completion"); err != nil {
		return false, err
	}
	return true, w.startBuildRun(ctx, name)
}

// closeSpecLedger finishes the running ledger items of the project's
// spec writers. Best effort.
func (w *Watcher) closeSpecLedger(name string, ok bool) {
	items, err := w.ledger.List(ledger.Filters{
		Type: "spec", Status: ledger.StatusRunning, Tag: "project:" + name,
	})
	if err != nil {
		w.logger.Warn("ledger listing failed", "project", name, "error", err)
		return
	}
	status, errMsg := ledger.StatusComplete, ""
	if !ok {
		status, errMsg = ledger.StatusFailed, "reported completion without a usable plan"
	}
	for _, item := range items {
		if err := w.ledger.UpdateStatus(item.ID, status, errMsg); err != nil {
			w.logger.Warn("ledger status update failed", "work", item.ID, "error", err)
		}
	}
}

// triggerSpecWriter spawns the spec-writer agent for a project whose
// interview is done but whose plan is not. The cooldown runs from the
// attempt, not the success, so a flapping gateway is not hammered.
func (w *Watcher) triggerSpecWriter(ctx context.Context, name string) error {
	if !w.cooldownElapsed(name, project.PhaseSpec) {
		return nil
	}
	iv, err := w.projects.Interview(name)
	if err != nil {
		return err
	}
	role, err := w.roles.Get("spec-writer")
	if err != nil {
		return err
	}
	prompt, err := w.specPrompt(role, name, iv)
	if err != nil {
		return err
	}
	w.markTriggered(name, project.PhaseSpec)

	resp, err := w.gateway.Spawn(ctx, gateway.SpawnRequest{
		Task:              prompt,
		Label:             name + "/spec-writer",
		Model:             role.Model,
		Thinking:          string(role.Thinking),
		Cleanup:           true,
		RunTimeoutSeconds: w.cfg.Dispatch.RunTimeoutSeconds,
	})
	outcome := metrics.OutcomeOK
	switch {
	case err != nil:
		outcome = metrics.OutcomeError
	case !resp.OK:
		outcome = metrics.OutcomeDeclined
		err = fmt.Errorf("gateway declined spec-writer session: %s", resp.Error)
	}
	w.metrics.Spawns.WithLabelValues(role.ID, outcome).Inc()
	if err != nil {
		return err
	}

	item, lerr := w.ledger.Create(ledger.CreateInput{
		Type:   "spec",
		Title:  "Write implementation plan for " + name,
		RoleID: role.ID,
		Tags:   []string{"project:" + name},
	})
	if lerr != nil {
		w.logger.Warn("ledger create failed", "project", name, "error", lerr)
	} else {
		if err := w.ledger.UpdateStatus(item.ID, ledger.StatusRunning, ""); err != nil {
			w.logger.Warn("ledger status update failed", "work", item.ID, "error", err)
		}
		if err := w.ledger.AppendEvent(item.ID, "spawn", "session "+resp.ChildSessionKey); err != nil {
			w.logger.Warn("ledger event failed", "work", item.ID, "error", err)
		}
	}

	w.feed.Emit(events.Event{
		Type:    events.TypeSpawn,
		Project: name,
		Data: map[string]any{
			"role":       role.ID,
			"sessionKey": resp.ChildSessionKey,
		},
	})
	w.logger.Info("spec writer spawned",
		"project", name, "session", resp.ChildSessionKey, "verified", resp.Verified)
	return nil
}

// specPrompt fills the spec writer's instructions and appends the
// context block with the reporting webhook.
func (w *Watcher) specPrompt(role *roles.Role, name string, iv *project.Interview) (string, error) {
	text, _, err := w.roles.Instructions(role)
	if err != nil {
		return "", err
	}
	projDir := w.paths.ProjectDir(name)
	prompt := strings.NewReplacer(
		"{{PROJECT}}", name,
		"{{PROJECT_DIR}}", projDir,
	).Replace(text)

	var b strings.Builder
	b.WriteString("\n\n## Project Context\n\n")
	fmt.Fprintf(&b, "- Project: %s\n", name)
	fmt.Fprintf(&b, "- Directory: %s\n", projDir)
	if goals := strings.TrimSpace(iv.Goals); goals != "" {
		fmt.Fprintf(&b, "- Goals: %s\n", goals)
	}
	fmt.Fprintf(&b, "- Webhook URL: %s/spec-complete\n", w.cfg.WebhookBaseURL())
	b.WriteString("\nWrite specs/IMPLEMENTATION_PLAN.md and progress.md in the project directory, then report:\n\n```json\n")
	fmt.Fprintf(&b, "{\"project\": %q, \"summary\": \"<one-line summary>\"}\n", name)
	b.WriteString("```\n")
	return prompt + b.String(), nil
}

// runningWorkers counts unchecked tasks with a running registry entry.
func (w *Watcher) runningWorkers(name string, g *taskgraph.Graph) (int, error) {
	running := 0
	for _, p := range g.Phases {
		for _, id := range p.TaskIDs {
			if g.Tasks[id].Done {
				continue
			}
			e, ok, err := w.registry.Get(name, id)
			if err != nil {
				return 0, err
			}
			if ok && e.Status == registry.StatusRunning {
				running++
			}
		}
	}
	return running, nil
}

func (w *Watcher) cooldownFor(phase project.LifecyclePhase) time.Duration {
	if phase == project.PhaseSpec {
		return w.cfg.Watcher.SpecCooldown
	}
	return w.cfg.Watcher.BuildCooldown
}

func (w *Watcher) cooldownElapsed(name string, phase project.LifecyclePhase) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	last, ok := w.triggered[name+"/"+string(phase)]
	if !ok {
		return true
	}
	return w.now().Sub(last) >= w.cooldownFor(phase)
}

func (w *Watcher) markTriggered(name string, phase project.LifecyclePhase) {
	w.mu.Lock()
	w.triggered[name+"/"+string(phase)] = w.now()
	w.mu.Unlock()
}
