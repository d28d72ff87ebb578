package watcher

import (
	"context"
	"fmt"
	"time"

	"github.com/swarmops/swarmops/internal/escalation"
	"github.com/swarmops/swarmops/internal/events"
	"github.com/swarmops/swarmops/internal/project"
	"github.com/swarmops/swarmops/internal/registry"
	"github.com/swarmops/swarmops/internal/taskgraph"
)

// WatchdogTick runs one watchdog pass over every project. Exported for
// the same reason as Tick.
func (w *Watcher) WatchdogTick(ctx context.Context) {
	names, err := w.projects.List()
	if err != nil {
		w.logger.Warn("project listing failed", "error", err)
		return
	}
	for _, name := range names {
		if err := w.watchProject(ctx, name); err != nil {
			w.logger.Warn("watchdog pass failed", "project", name, "error", err)
		}
	}
}

// watchProject retries a project whose files have not moved in too
// long. Staleness is judged on progress.md, activity.jsonl, and
// state.json mtimes; every spawn writes the activity feed, so a stale
// project means nothing was spawned or reported for the whole window.
// Stuck workers are marked failed in the registry (nudged) and the run
// is force-continued. A task nudged past the retry cap escalates once
// and is then left to a human.
func (w *Watcher) watchProject(ctx context.Context, name string) error {
	st, err := w.projects.State(name)
	if err != nil {
		return err
	}
	if st.Status != project.StatusRunning {
		return nil
	}
	if st.Phase != project.PhaseBuild && st.Phase != project.PhaseReview {
		return nil
	}
	touched := w.projects.LastTouched(name)
	if touched.IsZero() {
		return nil
	}
	idle := w.now().Sub(touched)
	if idle < w.cfg.Watcher.StaleAfter {
		return nil
	}

	run, active, err := w.runs.ActiveRun(name)
	if err != nil {
		return err
	}
	if !active {
		// Status says running but no run exists: the poller's build
		// recovery owns this case.
		return nil
	}
	if !w.projects.HasProgress(name) {
		return nil
	}
	g, err := w.projects.Graph(name)
	if err != nil {
		return err
	}

	retry, capped, err := w.classifyStalled(name, g)
	if err != nil {
		return err
	}
	for _, taskID := range capped {
		if err := w.escalateStalled(name, run.RunID, taskID); err != nil {
			w.logger.Warn("escalation create failed",
				"project", name, "task", taskID, "error", err)
		}
	}
	if len(retry) == 0 {
		return nil
	}

	for _, taskID := range retry {
		msg := fmt.Sprintf("watchdog: no activity for %s", idle.Round(time.Second))
		if err := w.registry.UpdateStatus(name, taskID, registry.StatusFailed, msg); err != nil {
			w.logger.Warn("registry sweep failed",
				"project", name, "task", taskID, "error", err)
		}
	}
	w.metrics.WatchdogRetries.Inc()
	w.feed.Emit(events.Event{
		Type:    events.TypeWatchdogNudge,
		RunID:   run.RunID,
		Project: name,
		Data: map[string]any{
			"reason": "watchdog-retry",
			"tasks":  retry,
			"idle":   idle.Round(time.Second).String(),
		},
	})
	w.logger.Warn("watchdog-retry: project stalled, forcing dispatch",
		"project", name, "run", run.RunID, "idle", idle.Round(time.Second), "tasks", retry)

	res, err := w.dispatch.ContinueRun(ctx, run.RunID)
	if err != nil {
		return err
	}
	w.logger.Info("watchdog redispatch",
		"project", name, "run", run.RunID, "spawned", len(res.Spawned))
	return nil
}

// classifyStalled walks the unchecked tasks that still hold a running
// registry entry and splits them by nudge budget: retry gets another
// forced dispatch, capped gets an escalation.
func (w *Watcher) classifyStalled(name string, g *taskgraph.Graph) (retry, capped []string, err error) {
	for _, p := range g.Phases {
		for _, id := range p.TaskIDs {
			if g.Tasks[id].Done {
				continue
			}
			e, ok, gerr := w.registry.Get(name, id)
			if gerr != nil {
				return nil, nil, gerr
			}
			if !ok || e.Status != registry.StatusRunning {
				continue
			}
			key := name + ":" + id
			w.mu.Lock()
			n := w.nudges[key] + 1
			if n > w.cfg.Watcher.MaxWatchdogRetries {
				first := !w.escalated[key]
				w.escalated[key] = true
				w.mu.Unlock()
				if first {
					capped = append(capped, id)
				}
				continue
			}
			w.nudges[key] = n
			w.mu.Unlock()
			retry = append(retry, id)
		}
	}
	return retry, capped, nil
}

func (w *Watcher) escalateStalled(name, runID, taskID string) error {
	esc, err := w.escalations.Create(escalation.CreateParams{
		RunID:  runID,
		TaskID: taskID,
		Message: fmt.Sprintf("task %s stalled %d times with no progress; watchdog retries are spent",
			taskID, w.cfg.Watcher.MaxWatchdogRetries),
		AttemptCount: w.cfg.Watcher.MaxWatchdogRetries,
		MaxAttempts:  w.cfg.Watcher.MaxWatchdogRetries,
		Severity:     escalation.SeverityHigh,
	})
	if err != nil {
		return err
	}
	w.metrics.EscalationsOpen.Inc()
	w.feed.Emit(events.Event{
		Type:    events.TypeEscalation,
		RunID:   runID,
		Project: name,
		TaskID:  taskID,
		Data:    map[string]any{"escalationId": esc.ID, "reason": "watchdog retries exhausted"},
	})
	w.logger.Error("watchdog retries exhausted",
		"project", name, "task", taskID, "escalation", esc.ID)
	return nil
}
