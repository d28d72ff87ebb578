package watcher

import (
	"context"
	"log/slog"

	"github.com/swarmops/swarmops/internal/config"
	"github.com/swarmops/swarmops/internal/dispatch"
	"github.com/swarmops/swarmops/internal/events"
	"github.com/swarmops/swarmops/internal/metrics"
	"github.com/swarmops/swarmops/internal/project"
	"github.com/swarmops/swarmops/internal/runstate"
)

// Advancer moves a run forward after its phase clears review. It is
// event-driven: the final-approval webhook is the only caller.
type Advancer struct {
	cfg      *config.Config
	runs     *runstate.Manager
	projects *project.Manager
	dispatch *dispatch.Dispatcher
	feed     *events.Feed
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewAdvancer creates an Advancer from the shared dependency set.
func NewAdvancer(deps Deps) *Advancer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Advancer{
		cfg:      deps.Config,
		runs:     deps.Runs,
		projects: deps.Projects,
		dispatch: deps.Dispatcher,
		feed:     deps.Feed,
		metrics:  deps.Metrics,
		logger:   logger.With("component", "advancer"),
	}
}

// Advance reports what AdvanceAfterReview did.
type Advance struct {
	// RunCompleted is true when the merged phase was the last one.
	RunCompleted bool

	// NextPhase is the phase that was dispatched, when one remains.
	NextPhase int

	// Spawned lists the task ids handed to the gateway for NextPhase.
	Spawned []string
}

// AdvanceAfterReview completes a phase whose branch merged to base and
// either finishes the run or dispatches the next phase. Phase records
// were seeded from the graph at run creation, so a missing next phase
// means the run is done.
func (a *Advancer) AdvanceAfterReview(ctx context.Context, runID string, phaseNumber int) (*Advance, error) {
	run, err := a.runs.SetPhaseStatus(runID, phaseNumber, runstate.PhaseCompleted)
	if err != nil {
		return nil, err
	}

	next, ok := nextPhase(run, phaseNumber)
	if !ok {
		return a.completeRun(run, phaseNumber)
	}

	// Back to running before the dispatch so webhooks from the new
	// wave never see a run stuck in reviewing.
	run, err = a.runs.SetStatus(runID, runstate.StatusRunning)
	if err != nil {
		return nil, err
	}
	a.feed.Emit(events.Event{
		Type:    events.TypePhaseAdvanced,
		RunID:   runID,
		Project: run.ProjectName,
		Data:    map[string]any{"from": phaseNumber, "to": next},
	})
	a.logger.Info("phase advanced", "run", runID, "from", phaseNumber, "to", next)

	res, err := a.dispatch.DispatchPhase(ctx, run, next)
	if err != nil {
		return nil, err
	}
	return &Advance{NextPhase: next, Spawned: res.Spawned}, nil
}

func (a *Advancer) completeRun(run *runstate.Run, lastPhase int) (*Advance, error) {
	if _, err := a.runs.SetStatus(run.RunID, runstate.StatusCompleted); err != nil {
		return nil, err
	}
	a.metrics.RunsActive.Dec()
	a.feed.Emit(events.Event{
		Type:    events.TypeRunCompleted,
		RunID:   run.RunID,
		Project: run.ProjectName,
		Data:    map[string]any{"lastPhase": lastPhase, "phases": len(run.Phases)},
	})
	if run.ProjectName != "" {
		if _, err := a.projects.SetStatus(run.ProjectName, project.StatusIdle); err != nil {
			a.logger.Warn("project status update failed",
				"project", run.ProjectName, "error", err)
		}
	}
	a.logger.Info("run completed",
		"run", run.RunID, "project", run.ProjectName, "phases", len(run.Phases))
	return &Advance{RunCompleted: true}, nil
}

// nextPhase returns the lowest-numbered phase after n that still has
// work. Failed phases never reach the advancer; the run is already
// terminal by then.
func nextPhase(run *runstate.Run, n int) (int, bool) {
	next, found := 0, false
	for _, p := range run.Phases {
		if p.Number <= n || p.Status == runstate.PhaseCompleted {
			continue
		}
		if !found || p.Number < next {
			next, found = p.Number, true
		}
	}
	return next, found
}
