package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/swarmops/swarmops/internal/events"
	"github.com/swarmops/swarmops/internal/ledger"
	"github.com/swarmops/swarmops/internal/phasecol"
	"github.com/swarmops/swarmops/internal/project"
	"github.com/swarmops/swarmops/internal/review"
	"github.com/swarmops/swarmops/internal/runstate"
	"github.com/swarmops/swarmops/internal/store"
)

// onPhaseShape is the dispatcher's phase-complete hook. It fires when a
// retry-exhausted task settles the last open slot, a path with no
// webhook to carry the collection forward.
func (o *Orchestrator) onPhaseShape(runID string, phaseNumber int, res phasecol.Result) {
	if !res.PhaseComplete {
		return
	}
	if err := o.collectPhase(context.Background(), runID, phaseNumber); err != nil {
		o.logger.Error("phase collection failed",
			"run", runID, "phase", phaseNumber, "error", err)
	}
}

// collectPhase drives one settled phase through collect, merge, and the
// start of review. Safe to call more than once: the first caller in
// wins the in-flight guard and the phase record itself goes inactive.
func (o *Orchestrator) collectPhase(ctx context.Context, runID string, phaseNumber int) error {
	key := fmt.Sprintf("%s/%d", runID, phaseNumber)
	o.mu.Lock()
	if o.collecting[key] {
		o.mu.Unlock()
		return nil
	}
	o.collecting[key] = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.collecting, key)
		o.mu.Unlock()
	}()

	ph, err := o.collector.Get(runID, phaseNumber)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			o.logger.Warn("no phase record to collect", "run", runID, "phase", phaseNumber)
			return nil
		}
		return err
	}
	if ph.Status != phasecol.StatusActive {
		return nil
	}
	run, err := o.runs.Get(runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}

	// A redelivered worker webhook must not restart a collection the
	// review chain or a resolver already owns. Only a phase with
	// neither (fresh, or cut off before the first merge) collects.
	if _, err := o.review.Cycle(runID, phaseNumber); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if active, err := o.resolver.FindActive(runID); err != nil {
		return err
	} else if len(active) > 0 {
		return nil
	}

	if _, err := o.runs.SetPhaseStatus(runID, phaseNumber, runstate.PhaseCollecting); err != nil {
		o.logger.Warn("phase status update failed", "run", runID, "error", err)
	}
	branches, err := o.collector.CollectPhaseBranches(ctx, runID, phaseNumber)
	if err != nil {
		o.failPhase(runID, phaseNumber, "branch collection failed: "+err.Error())
		return nil
	}
	o.feed.Emit(events.Event{
		Type:    events.TypePhaseCollected,
		RunID:   runID,
		Project: run.ProjectName,
		Data:    map[string]any{"phaseNumber": phaseNumber, "branches": branches},
	})

	// Nothing survived the phase: the collector already closed the
	// record, there is nothing to review. Move on.
	if len(branches) == 0 {
		return o.advance(ctx, runID, phaseNumber)
	}

	// Park the run before the first merge so a resolver webhook landing
	// mid-merge never races a running status.
	if _, err := o.runs.SetPhaseStatus(runID, phaseNumber, runstate.PhaseMerging); err != nil {
		o.logger.Warn("phase status update failed", "run", runID, "error", err)
	}
	if _, err := o.runs.SetStatus(runID, runstate.StatusMerging); err != nil {
		o.logger.Warn("run status update failed", "run", runID, "error", err)
	}

	out, err := o.review.BeginPhase(ctx, runID, phaseNumber, branches)
	if err != nil {
		o.failPhase(runID, phaseNumber, "phase merge failed: "+err.Error())
		return nil
	}
	return o.applyOutcome(ctx, runID, phaseNumber, out)
}

// applyOutcome maps a review outcome onto run state. Every branch is
// idempotent; verdict redeliveries re-derive the same outcome.
func (o *Orchestrator) applyOutcome(ctx context.Context, runID string, phaseNumber int, out review.Outcome) error {
	switch out.State {
	case review.StateAwaitingResolver:
		// The resolver's webhook picks the merge loop back up.
		return nil

	case review.StateReviewing, review.StateFixing:
		o.parkForReview(runID, phaseNumber)
		return nil

	case review.StateNeedsClarification:
		o.parkForReview(runID, phaseNumber)
		o.ensureClarification(runID, phaseNumber, out.Reviewer)
		return nil

	case review.StateMerged:
		if err := o.collector.CompletePhase(runID, phaseNumber); err != nil {
			o.logger.Warn("phase record close failed",
				"run", runID, "phase", phaseNumber, "error", err)
		}
		return o.advance(ctx, runID, phaseNumber)

	case review.StateEscalated:
		o.failPhase(runID, phaseNumber, "review fix budget exhausted")
		return nil

	case review.StateMergeFailed:
		o.failPhase(runID, phaseNumber, "approved branch conflicts with base")
		return nil

	default:
		return fmt.Errorf("unhandled review state %q", out.State)
	}
}

func (o *Orchestrator) parkForReview(runID string, phaseNumber int) {
	if _, err := o.runs.SetPhaseStatus(runID, phaseNumber, runstate.PhaseReviewing); err != nil {
		o.logger.Warn("phase status update failed", "run", runID, "error", err)
	}
	if _, err := o.runs.SetStatus(runID, runstate.StatusReviewing); err != nil {
		o.logger.Warn("run status update failed", "run", runID, "error", err)
	}
}

// advance closes the phase on the run record and either dispatches the
// next phase or completes the run.
func (o *Orchestrator) advance(ctx context.Context, runID string, phaseNumber int) error {
	adv, err := o.advancer.AdvanceAfterReview(ctx, runID, phaseNumber)
	if err != nil {
		return err
	}
	if adv.RunCompleted {
		o.settleQueue(runID, true, "")
	}
	return nil
}

// failPhase is the single sink for a phase that cannot continue. The
// run fails with it; remaining phases never dispatch.
func (o *Orchestrator) failPhase(runID string, phaseNumber int, reason string) {
	o.logger.Error("phase failed", "run", runID, "phase", phaseNumber, "reason", reason)

	if err := o.collector.FailPhase(runID, phaseNumber, reason); err != nil && !errors.Is(err, store.ErrNotFound) {
		o.logger.Warn("phase record close failed", "run", runID, "error", err)
	}
	if _, err := o.runs.SetPhaseStatus(runID, phaseNumber, runstate.PhaseFailed); err != nil {
		o.logger.Warn("phase status update failed", "run", runID, "error", err)
	}

	run, err := o.runs.Get(runID)
	if err != nil {
		o.logger.Error("run load failed", "run", runID, "error", err)
		return
	}
	if run.Status.Terminal() {
		return
	}
	if _, err := o.runs.SetStatus(runID, runstate.StatusFailed); err != nil {
		o.logger.Warn("run status update failed", "run", runID, "error", err)
	}
	o.metrics.RunsActive.Dec()
	o.dispatch.CancelTimers(runID)
	o.feed.Emit(events.Event{
		Type:    events.TypeRunFailed,
		RunID:   runID,
		Project: run.ProjectName,
		Data:    map[string]any{"phaseNumber": phaseNumber, "reason": reason},
	})
	if run.ProjectName != "" {
		if _, err := o.projects.SetStatus(run.ProjectName, project.StatusError); err != nil {
			o.logger.Warn("project status update failed",
				"project", run.ProjectName, "error", err)
		}
	}
	o.settleQueue(runID, false, reason)
}

// settleQueue closes the work-queue entry that started the run, if one
// did.
func (o *Orchestrator) settleQueue(runID string, ok bool, reason string) {
	entry, found, err := o.queue.ByRun(runID)
	if err != nil || !found {
		return
	}
	if ok {
		_, err = o.queue.MarkCompleted(entry.ID)
	} else {
		_, err = o.queue.MarkFailed(entry.ID, reason)
	}
	if err != nil {
		o.logger.Warn("queue update failed", "entry", entry.ID, "error", err)
	}
}

// cancelLedger closes every running ledger item tagged with the run.
func (o *Orchestrator) cancelLedger(runID, reason string) {
	items, err := o.ledger.List(ledger.Filters{Status: ledger.StatusRunning, Tag: runID})
	if err != nil {
		o.logger.Warn("ledger listing failed", "run", runID, "error", err)
		return
	}
	for _, item := range items {
		if err := o.ledger.Cancel(item.ID, reason); err != nil {
			o.logger.Warn("ledger cancel failed", "work", item.ID, "error", err)
		}
	}
}
