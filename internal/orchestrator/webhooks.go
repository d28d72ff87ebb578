package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/swarmops/swarmops/internal/dispatch"
	"github.com/swarmops/swarmops/internal/escalation"
	"github.com/swarmops/swarmops/internal/events"
	"github.com/swarmops/swarmops/internal/project"
	"github.com/swarmops/swarmops/internal/registry"
	"github.com/swarmops/swarmops/internal/resolver"
	"github.com/swarmops/swarmops/internal/review"
	"github.com/swarmops/swarmops/internal/runstate"
	"github.com/swarmops/swarmops/internal/store"
	"github.com/swarmops/swarmops/internal/swarmerr"
)

// Disposition tells the HTTP layer how a webhook landed: applied to
// live state, or an orphan that matched nothing and was dropped.
// Orphans are logged and acknowledged so the sending agent does not
// retry into a dead run.
type Disposition string

const (
	Applied Disposition = "applied"
	Orphan  Disposition = "orphan"
)

// WorkerComplete is the body of POST /worker-complete. Workers and
// conflict resolvers both report here; the step order decides which.
type WorkerComplete struct {
	RunID      string `json:"runId"`
	StepOrder  int    `json:"stepOrder"`
	Status     string `json:"status"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

// TaskComplete is the body of POST /task-complete: an agent flipping
// one progress checkbox outside the worker flow.
type TaskComplete struct {
	TaskID      string `json:"taskId"`
	RunID       string `json:"runId,omitempty"`
	Project     string `json:"project,omitempty"`
	PhaseNumber int    `json:"phaseNumber,omitempty"`
}

// SpecComplete is the body of POST /spec-complete. Source names the
// project the spec writer worked on.
type SpecComplete struct {
	Project string `json:"project,omitempty"`
	Source  string `json:"source,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// HandleWorkerComplete routes one terminal webhook. Resolver step
// orders are checked first: a resolver completion resumes the paused
// merge loop, everything else is a worker settling its phase slot.
func (o *Orchestrator) HandleWorkerComplete(ctx context.Context, p WorkerComplete) (Disposition, error) {
	if p.RunID == "" || p.StepOrder <= 0 {
		return "", swarmerr.ErrWebhookInvalid("runId and stepOrder are required")
	}
	status, err := completionStatus(p.Status)
	if err != nil {
		return "", err
	}

	rc, err := o.resolver.FindByStep(p.RunID, p.StepOrder)
	if err != nil {
		return "", err
	}
	if rc != nil {
		return o.finishResolver(ctx, rc, p)
	}

	run, disp, err := o.liveRunGet(p.RunID, "worker webhook")
	if run == nil {
		return disp, err
	}

	phase := p.StepOrder / 100000
	ph, err := o.collector.Get(p.RunID, phase)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			o.logger.Warn("webhook for undispatched phase ignored",
				"run", p.RunID, "phase", phase)
			return Orphan, nil
		}
		return "", err
	}
	var ref *dispatch.WorkerRef
	for i := range ph.Workers {
		if ph.Workers[i].StepOrder == p.StepOrder {
			ref = &dispatch.WorkerRef{
				WorkerID:  ph.Workers[i].WorkerID,
				TaskID:    ph.Workers[i].TaskID,
				StepOrder: ph.Workers[i].StepOrder,
			}
			break
		}
	}
	if ref == nil {
		o.logger.Warn("webhook matches no worker slot, ignored",
			"run", p.RunID, "phase", phase, "stepOrder", p.StepOrder)
		return Orphan, nil
	}

	c := dispatch.NewCompletion(run, *ref, status, p.Output, p.Error)
	c.DurationMs = p.DurationMs
	res, err := o.dispatch.HandleWorkerComplete(ctx, c)
	if err != nil {
		return "", err
	}
	if res.PhaseComplete {
		if err := o.collectPhase(ctx, p.RunID, phase); err != nil {
			return Applied, err
		}
	}
	return Applied, nil
}

// finishResolver settles a resolver context. Completion resumes the
// merge loop with whatever branches were still waiting; failure leaves
// the phase behind the escalation Fail opened. A resolver reporting
// into a run that ended while it worked changes nothing.
func (o *Orchestrator) finishResolver(ctx context.Context, rc *resolver.Context, p WorkerComplete) (Disposition, error) {
	if disp, err := o.liveRun(rc.RunID, "resolver webhook"); disp == Orphan || err != nil {
		return disp, err
	}
	if p.Status != "completed" {
		reason := p.Error
		if reason == "" {
			reason = "resolver reported failure"
		}
		_, applied, err := o.resolver.Fail(p.RunID, p.StepOrder, reason)
		if err != nil {
			return "", err
		}
		if !applied {
			return Orphan, nil
		}
		o.failPhase(rc.RunID, rc.PhaseNumber, "merge conflict on "+rc.SourceBranch+" could not be resolved")
		return Applied, nil
	}

	rc, applied, err := o.resolver.Complete(p.RunID, p.StepOrder)
	if err != nil {
		return "", err
	}
	if !applied {
		return Orphan, nil
	}
	out, err := o.review.ResumeMerge(ctx, rc.RunID, rc.PhaseNumber, rc.RemainingBranches)
	if err != nil {
		o.failPhase(rc.RunID, rc.PhaseNumber, "merge could not resume after resolution: "+err.Error())
		return Applied, nil
	}
	return Applied, o.applyOutcome(ctx, rc.RunID, rc.PhaseNumber, out)
}

// HandleReviewResult applies one reviewer verdict and maps the cycle's
// new state onto the run.
func (o *Orchestrator) HandleReviewResult(ctx context.Context, v review.Verdict) (Disposition, error) {
	if v.RunID == "" || v.PhaseNumber <= 0 {
		return "", swarmerr.ErrWebhookInvalid("runId and phaseNumber are required")
	}
	if disp, err := o.liveRun(v.RunID, "review verdict"); disp == Orphan || err != nil {
		return disp, err
	}
	out, err := o.review.HandleReviewResult(ctx, v)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			o.logger.Warn("review result for unknown cycle ignored",
				"run", v.RunID, "phase", v.PhaseNumber)
			return Orphan, nil
		}
		return "", err
	}
	return Applied, o.applyOutcome(ctx, v.RunID, v.PhaseNumber, out)
}

// HandleFixComplete applies a fixer's report. A report with no run id
// is matched against the single fixing cycle when exactly one exists.
func (o *Orchestrator) HandleFixComplete(ctx context.Context, f review.FixReport) (Disposition, error) {
	if f.RunID == "" {
		cyc, disp, err := o.soleFixingCycle()
		if cyc == nil {
			return disp, err
		}
		f.RunID = cyc.RunID
		f.PhaseNumber = cyc.PhaseNumber
	}
	if f.PhaseNumber <= 0 {
		return "", swarmerr.ErrWebhookInvalid("phaseNumber is required")
	}
	if disp, err := o.liveRun(f.RunID, "fix completion"); disp == Orphan || err != nil {
		return disp, err
	}
	out, err := o.review.HandleFixComplete(ctx, f)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			o.logger.Warn("fix completion for unknown cycle ignored",
				"run", f.RunID, "phase", f.PhaseNumber)
			return Orphan, nil
		}
		return "", err
	}
	return Applied, o.applyOutcome(ctx, f.RunID, f.PhaseNumber, out)
}

// soleFixingCycle resolves an anonymous fix-complete to its cycle.
func (o *Orchestrator) soleFixingCycle() (*review.Cycle, Disposition, error) {
	cycles, err := o.review.Cycles()
	if err != nil {
		return nil, "", err
	}
	var fixing []*review.Cycle
	for _, c := range cycles {
		if c.Status == review.CycleFixing {
			fixing = append(fixing, c)
		}
	}
	switch len(fixing) {
	case 1:
		return fixing[0], Applied, nil
	case 0:
		o.logger.Warn("fix completion with no run id and no fixing cycle, ignored")
		return nil, Orphan, nil
	default:
		return nil, "", swarmerr.ErrWebhookInvalid(
			fmt.Sprintf("runId is required: %d cycles are fixing", len(fixing)))
	}
}

// HandleTaskComplete flips one progress checkbox, settles any
// escalations the task accumulated, and re-dispatches the owning run so
// newly unblocked tasks go out without waiting for the poller.
func (o *Orchestrator) HandleTaskComplete(ctx context.Context, p TaskComplete) (Disposition, error) {
	if p.TaskID == "" {
		return "", swarmerr.ErrWebhookInvalid("taskId is required")
	}
	name := p.Project
	if name == "" && p.RunID != "" {
		if run, err := o.runs.Get(p.RunID); err == nil {
			name = run.ProjectName
		}
	}
	if name == "" {
		var disp Disposition
		var err error
		name, disp, err = o.taskOwner(p.TaskID)
		if name == "" {
			return disp, err
		}
	}

	if err := o.projects.MarkTaskDone(name, p.TaskID); err != nil {
		o.logger.Warn("task completion matched nothing, ignored",
			"project", name, "task", p.TaskID, "error", err)
		return Orphan, nil
	}
	if err := o.registry.UpdateStatus(name, p.TaskID, registry.StatusCompleted, ""); err != nil {
		o.logger.Debug("no registry entry to settle", "project", name, "task", p.TaskID)
	}
	if n, err := o.escalations.ResolveByTaskID(p.TaskID, "task reported complete", "system"); err != nil {
		o.logger.Warn("escalation resolve failed", "task", p.TaskID, "error", err)
	} else if n > 0 {
		o.metrics.EscalationsOpen.Sub(float64(n))
	}
	o.feed.Emit(events.Event{
		Type: events.TypeTaskComplete, RunID: p.RunID, Project: name, TaskID: p.TaskID,
		Data: map[string]any{"via": "webhook"},
	})

	if run, active, err := o.runs.ActiveRun(name); err == nil && active && run.Status == runstate.StatusRunning {
		if _, err := o.dispatch.ContinueRun(ctx, run.RunID); err != nil {
			o.logger.Warn("follow-up dispatch failed", "run", run.RunID, "error", err)
		}
	}
	return Applied, nil
}

// taskOwner scans the projects for the one whose graph carries the
// task. Ambiguity is the sender's problem to disambiguate.
func (o *Orchestrator) taskOwner(taskID string) (string, Disposition, error) {
	names, err := o.projects.List()
	if err != nil {
		return "", "", err
	}
	var owners []string
	for _, name := range names {
		if !o.projects.HasProgress(name) {
			continue
		}
		g, err := o.projects.Graph(name)
		if err != nil {
			continue
		}
		if _, ok := g.Tasks[taskID]; ok {
			owners = append(owners, name)
		}
	}
	switch len(owners) {
	case 1:
		return owners[0], Applied, nil
	case 0:
		o.logger.Warn("task completion matches no project, ignored", "task", taskID)
		return "", Orphan, nil
	default:
		return "", "", swarmerr.ErrWebhookInvalid(
			fmt.Sprintf("task %s exists in %d projects; include the project", taskID, len(owners)))
	}
}

// HandleSpecComplete advances a project out of the spec phase. The
// poller would pick the transition up within a tick; the webhook makes
// it immediate.
func (o *Orchestrator) HandleSpecComplete(ctx context.Context, p SpecComplete) (Disposition, error) {
	name := p.Project
	if name == "" {
		name = p.Source
	}
	if name == "" {
		var disp Disposition
		var err error
		name, disp, err = o.soleSpecProject()
		if name == "" {
			return disp, err
		}
	}
	advanced, err := o.watcher.OnSpecComplete(ctx, name)
	if err != nil {
		if isCode(err, swarmerr.CodeProjectNotFound) {
			o.logger.Warn("spec completion for unknown project ignored", "project", name)
			return Orphan, nil
		}
		return "", err
	}
	o.logger.Info("spec completion handled", "project", name, "advanced", advanced)
	return Applied, nil
}

// soleSpecProject resolves an anonymous spec-complete to its project.
func (o *Orchestrator) soleSpecProject() (string, Disposition, error) {
	names, err := o.projects.List()
	if err != nil {
		return "", "", err
	}
	var waiting []string
	for _, name := range names {
		st, err := o.projects.State(name)
		if err != nil {
			continue
		}
		if st.Phase == project.PhaseSpec {
			waiting = append(waiting, name)
		}
	}
	switch len(waiting) {
	case 1:
		return waiting[0], Applied, nil
	case 0:
		o.logger.Warn("spec completion with no project in the spec phase, ignored")
		return "", Orphan, nil
	default:
		return "", "", swarmerr.ErrWebhookInvalid(
			fmt.Sprintf("source is required: %d projects are in the spec phase", len(waiting)))
	}
}

// OrchestrateRequest is the body of POST /orchestrate and the CLI's
// start/continue/cancel commands.
type OrchestrateRequest struct {
	Action     string `json:"action"`
	Project    string `json:"project,omitempty"`
	PipelineID string `json:"pipelineId,omitempty"`
	RunID      string `json:"runId,omitempty"`
}

// OrchestrateResult reports what an orchestrate action did.
type OrchestrateResult struct {
	Action  string `json:"action"`
	RunID   string `json:"runId,omitempty"`
	QueueID string `json:"queueId,omitempty"`
	Spawned int    `json:"spawned"`
}

// Orchestrate executes one operator action. Start requests pass
// through the work queue so the CLI can answer what happened to them;
// registry dedup makes every action safe to replay.
func (o *Orchestrator) Orchestrate(ctx context.Context, req OrchestrateRequest) (*OrchestrateResult, error) {
	switch req.Action {
	case "start":
		return o.startAction(ctx, req)
	case "continue":
		if req.RunID == "" {
			return nil, swarmerr.ErrWebhookInvalid("continue requires a runId")
		}
		res, err := o.dispatch.ContinueRun(ctx, req.RunID)
		if err != nil {
			return nil, err
		}
		return &OrchestrateResult{Action: req.Action, RunID: req.RunID, Spawned: len(res.Spawned)}, nil
	case "cancel":
		if req.RunID == "" {
			return nil, swarmerr.ErrWebhookInvalid("cancel requires a runId")
		}
		if err := o.CancelRun(ctx, req.RunID); err != nil {
			return nil, err
		}
		return &OrchestrateResult{Action: req.Action, RunID: req.RunID}, nil
	default:
		return nil, swarmerr.ErrWebhookInvalid(fmt.Sprintf("unknown action %q", req.Action))
	}
}

func (o *Orchestrator) startAction(ctx context.Context, req OrchestrateRequest) (*OrchestrateResult, error) {
	if (req.Project == "") == (req.PipelineID == "") {
		return nil, swarmerr.ErrWebhookInvalid("start requires exactly one of project or pipelineId")
	}
	entry, err := o.queue.Enqueue(req.Project, req.PipelineID)
	if err != nil {
		return nil, err
	}

	var run *runstate.Run
	if req.Project != "" {
		run, err = o.dispatch.StartProjectRun(ctx, req.Project)
	} else {
		run, err = o.dispatch.StartPipelineRun(ctx, req.PipelineID)
	}
	if run == nil {
		if _, qerr := o.queue.MarkFailed(entry.ID, err.Error()); qerr != nil {
			o.logger.Warn("queue update failed", "entry", entry.ID, "error", qerr)
		}
		return nil, err
	}
	if _, qerr := o.queue.MarkRunning(entry.ID, run.RunID); qerr != nil {
		o.logger.Warn("queue update failed", "entry", entry.ID, "error", qerr)
	}
	if err != nil {
		// The run exists; the first dispatch hit trouble. Retry timers
		// and the watcher own it from here.
		o.logger.Warn("run started with a degraded first dispatch",
			"run", run.RunID, "error", err)
	}
	return &OrchestrateResult{Action: req.Action, RunID: run.RunID, QueueID: entry.ID}, nil
}

// completionStatus maps a webhook status string onto the registry's.
func completionStatus(s string) (registry.Status, error) {
	switch s {
	case "completed":
		return registry.StatusCompleted, nil
	case "failed":
		return registry.StatusFailed, nil
	default:
		return "", swarmerr.ErrWebhookInvalid(fmt.Sprintf("unknown completion status %q", s))
	}
}

// isCode reports whether err carries the given structured code.
func isCode(err error, code swarmerr.Code) bool {
	var se *swarmerr.Error
	return errors.As(err, &se) && se.Code == code
}

// liveRunGet loads a run for webhook routing. Unknown and terminal runs
// come back nil with an Orphan disposition; late webhooks for them are
// acknowledged and dropped.
func (o *Orchestrator) liveRunGet(runID, what string) (*runstate.Run, Disposition, error) {
	run, err := o.runs.Get(runID)
	if err != nil {
		if isCode(err, swarmerr.CodeRunNotFound) {
			o.logger.Warn(what+" for unknown run ignored", "run", runID)
			return nil, Orphan, nil
		}
		return nil, "", err
	}
	if run.Status.Terminal() {
		o.logger.Warn(what+" for finished run ignored",
			"run", runID, "status", string(run.Status))
		return nil, Orphan, nil
	}
	return run, Applied, nil
}

func (o *Orchestrator) liveRun(runID, what string) (Disposition, error) {
	run, disp, err := o.liveRunGet(runID, what)
	if run == nil {
		return disp, err
	}
	return Applied, nil
}

// EnsureClarification parks a needs-clarification phase behind a human
// queue entry. Keyed by a synthetic task id so webhook redelivery never
// opens a second one.
func (o *Orchestrator) ensureClarification(runID string, phase int, reviewer string) {
	esc, created, err := o.escalations.EnsureOpen(escalation.CreateParams{
		RunID:       runID,
		PhaseNumber: phase,
		RoleID:      reviewer,
		TaskID:      fmt.Sprintf("review:phase-%d", phase),
		Message: fmt.Sprintf("reviewer %s requested changes on phase %d without naming findings; the review cannot continue on its own",
			reviewer, phase),
		Severity: escalation.SeverityMedium,
	})
	if err != nil {
		o.logger.Error("clarification escalation failed", "run", runID, "phase", phase, "error", err)
		return
	}
	if !created {
		return
	}
	o.metrics.EscalationsOpen.Inc()
	o.feed.Emit(events.Event{
		Type:  events.TypeEscalation,
		RunID: runID,
		Data: map[string]any{
			"escalationId": esc.ID,
			"severity":     string(esc.Severity),
			"phaseNumber":  phase,
			"reviewer":     reviewer,
		},
	})
}
