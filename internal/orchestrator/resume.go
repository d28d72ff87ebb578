package orchestrator

import (
	"context"
	"errors"

	"github.com/swarmops/swarmops/internal/events"
	"github.com/swarmops/swarmops/internal/phasecol"
	"github.com/swarmops/swarmops/internal/project"
	"github.com/swarmops/swarmops/internal/registry"
	"github.com/swarmops/swarmops/internal/runstate"
	"github.com/swarmops/swarmops/internal/store"
)

// Resume picks every non-terminal run back up after a restart. Workers
// that finished while the process was down were deduplicated by the
// registry; their webhooks were lost, so the stale sweep and a forced
// re-dispatch reconstruct the gap.
func (o *Orchestrator) Resume(ctx context.Context) error {
	if n, err := o.registry.ClearStale(o.cfg.Watcher.StaleAfter); err != nil {
		o.logger.Warn("stale registry sweep failed", "error", err)
	} else if n > 0 {
		o.logger.Info("stale registry entries cleared", "count", n)
	}

	runs, err := o.runs.LoadActive()
	if err != nil {
		return err
	}
	o.metrics.RunsActive.Set(float64(len(runs)))
	for _, run := range runs {
		o.logger.Info("resuming run",
			"run", run.RunID, "status", string(run.Status), "phase", run.CurrentPhaseNumber)
		if err := o.resumeRun(ctx, run); err != nil {
			o.logger.Error("run resume failed", "run", run.RunID, "error", err)
		}
	}

	// One forced lifecycle pass so projects parked mid-transition do
	// not wait out the first poll interval.
	o.watcher.Tick(ctx)
	return nil
}

func (o *Orchestrator) resumeRun(ctx context.Context, run *runstate.Run) error {
	switch run.Status {
	case runstate.StatusRunning:
		// Re-dispatch the current phase. Registry dedup skips every
		// task that already has a live or finished worker.
		_, err := o.dispatch.ContinueRun(ctx, run.RunID)
		return err

	case runstate.StatusMerging:
		active, err := o.resolver.FindActive(run.RunID)
		if err != nil {
			return err
		}
		if len(active) > 0 {
			// A resolver session is still out; its webhook carries the
			// merge loop forward.
			return nil
		}
		return o.resumeReview(ctx, run)

	case runstate.StatusReviewing:
		return o.resumeReview(ctx, run)
	}
	return nil
}

// resumeReview re-derives what the current phase waits on. A run that
// died between collection and the first merge has no cycle yet; the
// collection is rerun from the phase record.
func (o *Orchestrator) resumeReview(ctx context.Context, run *runstate.Run) error {
	phase := run.CurrentPhaseNumber
	if phase == 0 {
		_, err := o.dispatch.ContinueRun(ctx, run.RunID)
		return err
	}
	out, err := o.review.ResumeCycle(ctx, run.RunID, phase)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return o.collectPhase(ctx, run.RunID, phase)
		}
		return err
	}
	return o.applyOutcome(ctx, run.RunID, phase, out)
}

// CancelRun stops a run. Gateway sessions are not killed: the gateway
// owns them, and whatever they report later lands as an orphan. Pending
// retry timers are cancelled so nothing new spawns.
func (o *Orchestrator) CancelRun(ctx context.Context, runID string) error {
	run, err := o.runs.Get(runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		o.logger.Info("cancel of finished run is a no-op",
			"run", runID, "status", string(run.Status))
		return nil
	}

	scope := scopeOf(run)
	phase := run.CurrentPhaseNumber
	if phase > 0 {
		if ph, err := o.collector.Get(runID, phase); err == nil {
			for i := range ph.Workers {
				w := &ph.Workers[i]
				if w.Status != phasecol.WorkerRunning {
					continue
				}
				if err := o.registry.UpdateStatus(scope, w.TaskID, registry.StatusCancelled, "run cancelled"); err != nil {
					o.logger.Warn("registry update failed",
						"task", w.TaskID, "error", err)
				}
			}
			if err := o.collector.CancelWorkers(runID, phase); err != nil {
				o.logger.Warn("worker cancellation failed", "run", runID, "error", err)
			}
			if ph.Status == phasecol.StatusActive {
				if err := o.collector.FailPhase(runID, phase, "run cancelled"); err != nil {
					o.logger.Warn("phase record close failed", "run", runID, "error", err)
				}
			}
		}
		if _, err := o.runs.SetPhaseStatus(runID, phase, runstate.PhaseFailed); err != nil {
			o.logger.Warn("phase status update failed", "run", runID, "error", err)
		}
	}

	timers := o.dispatch.CancelTimers(runID)
	o.cancelLedger(runID, "run cancelled")

	if _, err := o.runs.SetStatus(runID, runstate.StatusCancelled); err != nil {
		return err
	}
	o.metrics.RunsActive.Dec()
	o.feed.Emit(events.Event{
		Type:    events.TypeRunCancelled,
		RunID:   runID,
		Project: run.ProjectName,
		Data:    map[string]any{"timersCancelled": timers, "phaseNumber": phase},
	})
	if run.ProjectName != "" {
		if _, err := o.projects.SetStatus(run.ProjectName, project.StatusIdle); err != nil {
			o.logger.Warn("project status update failed",
				"project", run.ProjectName, "error", err)
		}
	}
	o.settleQueue(runID, false, "run cancelled")
	o.logger.Info("run cancelled", "run", runID, "timersCancelled", timers)
	return nil
}
