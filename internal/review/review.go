// Package review drives a phase from collected branches to a commit on
// the base branch. It owns three pieces that always run in this order:
// the sequential merger that folds worker branches into the phase
// branch (pausing on conflicts for a resolver agent), the reviewer
// chain where each configured reviewer must approve before the next is
// spawned, and the fix loop that turns request_changes verdicts into
// fixer agents until the budget runs out.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/swarmops/swarmops/internal/config"
	"github.com/swarmops/swarmops/internal/escalation"
	"github.com/swarmops/swarmops/internal/events"
	"github.com/swarmops/swarmops/internal/gateway"
	"github.com/swarmops/swarmops/internal/gitops"
	"github.com/swarmops/swarmops/internal/ledger"
	"github.com/swarmops/swarmops/internal/metrics"
	"github.com/swarmops/swarmops/internal/phasecol"
	"github.com/swarmops/swarmops/internal/resolver"
	"github.com/swarmops/swarmops/internal/roles"
	"github.com/swarmops/swarmops/internal/store"
	"github.com/swarmops/swarmops/internal/swarmerr"
)

// Reviewer verdict values, as posted to the review-result webhook.
const (
	DecisionApproved       = "approved"
	DecisionRequestChanges = "request_changes"
)

// CycleStatus is where a phase's review machine currently sits.
// pending-review and pending-fix are transition markers: they persist
// long enough that a crash between "fix landed" and "re-review spawned"
// can be picked back up.
type CycleStatus string

const (
	CyclePending            CycleStatus = "pending"
	CycleFixing             CycleStatus = "fixing"
	CyclePendingFix         CycleStatus = "pending-fix"
	CyclePendingReview      CycleStatus = "pending-review"
	CycleNeedsClarification CycleStatus = "needs_clarification"
	CycleApproved           CycleStatus = "approved"
	CycleMerged             CycleStatus = "merged"
	CycleEscalated          CycleStatus = "escalated"
)

// Terminal reports whether the cycle is settled for good.
func (s CycleStatus) Terminal() bool {
	return s == CycleMerged || s == CycleEscalated
}

// Finding is one issue a reviewer reported.
type Finding struct {
	Severity    string `json:"severity"`
	File        string `json:"file,omitempty"`
	Line        int    `json:"line,omitempty"`
	Description string `json:"description"`
	Fix         string `json:"fix,omitempty"`
}

// Verdict is a parsed review-result webhook body.
type Verdict struct {
	RunID       string    `json:"runId"`
	PhaseNumber int       `json:"phaseNumber"`
	Status      string    `json:"status"`
	Findings    []Finding `json:"findings,omitempty"`
	Summary     string    `json:"summary,omitempty"`
}

// FixReport is a parsed fix-complete webhook body. Status defaults to
// completed; fixers that give up send failed with an error.
type FixReport struct {
	RunID       string `json:"runId"`
	PhaseNumber int    `json:"phaseNumber"`
	IssuesFixed int    `json:"issuesFixed"`
	Status      string `json:"status,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Failed reports whether the fixer gave up.
func (f FixReport) Failed() bool { return f.Status == "failed" }

// Cycle is the live machine state, persisted in fix-cycles.json keyed
// by <runID>-phase-<N>. The verdict-by-verdict audit trail lives in the
// separate per-phase history file.
type Cycle struct {
	RunID          string      `json:"runId"`
	PhaseNumber    int         `json:"phaseNumber"`
	Project        string      `json:"project,omitempty"`
	RepoDir        string      `json:"repoDir"`
	BaseBranch     string      `json:"baseBranch"`
	PhaseBranch    string      `json:"phaseBranch"`
	Status         CycleStatus `json:"status"`
	Chain          []string    `json:"chain"`
	ReviewerIndex  int         `json:"reviewerIndex"`
	FixCount       int         `json:"fixCount"`
	MaxFixAttempts int         `json:"maxFixAttempts"`
	SessionKey     string      `json:"sessionKey,omitempty"`
	LastFindings   []Finding   `json:"lastFindings,omitempty"`
	EscalationID   string      `json:"escalationId,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
	CompletedAt    *time.Time  `json:"completedAt,omitempty"`
}

// Reviewer returns the role id the cycle is waiting on, or "" when the
// chain is exhausted.
func (c *Cycle) Reviewer() string {
	if c.ReviewerIndex < len(c.Chain) {
		return c.Chain[c.ReviewerIndex]
	}
	return ""
}

// Attempt is one reviewer verdict in the phase's audit history.
// FixInstructions is the rendered findings block that was handed to the
// fixer, when one was spawned for this verdict.
type Attempt struct {
	Reviewer        string    `json:"reviewer"`
	Decision        string    `json:"decision"`
	Summary         string    `json:"summary,omitempty"`
	Findings        []Finding `json:"findings,omitempty"`
	FixInstructions string    `json:"fixInstructions,omitempty"`
	At              time.Time `json:"at"`
}

// History is the persisted audit trail at reviews/<runID>-phase-<N>.json.
type History struct {
	RunID       string    `json:"runId"`
	PhaseNumber int       `json:"phaseNumber"`
	Attempts    []Attempt `json:"attempts"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// State tells the caller what the phase waits on after a review step.
type State string

const (
	// StateReviewing: a reviewer session is out; wait for its webhook.
	StateReviewing State = "reviewing"
	// StateAwaitingResolver: the merge loop paused on a conflict.
	StateAwaitingResolver State = "awaiting-resolver"
	// StateFixing: a fixer session is out; wait for its webhook.
	StateFixing State = "fixing"
	// StateNeedsClarification: request_changes with no findings; a
	// human has to talk to the reviewer, nothing happens on its own.
	StateNeedsClarification State = "needs-clarification"
	// StateMerged: the phase branch is in the base branch.
	StateMerged State = "merged"
	// StateEscalated: the fix budget is spent; an escalation is open.
	StateEscalated State = "escalated"
	// StateMergeFailed: the approved phase branch conflicts with base.
	StateMergeFailed State = "merge-failed"
)

// Outcome reports what a review step did and what it is waiting on.
type Outcome struct {
	State        State
	Reviewer     string
	EscalationID string
	ResolverID   string
}

// Spawner is the gateway surface the review chain uses.
type Spawner interface {
	Spawn(ctx context.Context, req gateway.SpawnRequest) (*gateway.SpawnResponse, error)
}

// Deps wires the service's collaborators. Logger is optional.
type Deps struct {
	Config      *config.Config
	Paths       config.Paths
	Store       *store.Store
	Repos       *gitops.Manager
	Gateway     Spawner
	Roles       *roles.Store
	Ledger      *ledger.Ledger
	Feed        *events.Feed
	Escalations *escalation.Manager
	Resolver    *resolver.Manager
	Collector   *phasecol.Collector
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Service runs phase merges and review chains.
type Service struct {
	cfg         *config.Config
	paths       config.Paths
	store       *store.Store
	repos       *gitops.Manager
	gateway     Spawner
	roles       *roles.Store
	ledger      *ledger.Ledger
	feed        *events.Feed
	escalations *escalation.Manager
	resolver    *resolver.Manager
	collector   *phasecol.Collector
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a Service.
func New(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:         deps.Config,
		paths:       deps.Paths,
		store:       deps.Store,
		repos:       deps.Repos,
		gateway:     deps.Gateway,
		roles:       deps.Roles,
		ledger:      deps.Ledger,
		feed:        deps.Feed,
		escalations: deps.Escalations,
		resolver:    deps.Resolver,
		collector:   deps.Collector,
		metrics:     deps.Metrics,
		logger:      logger,
		now:         time.Now,
	}
}

// SetNowFunc overrides the clock, for tests.
func (s *Service) SetNowFunc(now func() time.Time) { s.now = now }

// BeginPhase merges the collected branches into the phase branch in
// order and, when all are in, starts the reviewer chain. A conflict
// pauses the loop behind a resolver agent; the resolver's webhook
// drives ResumeMerge with whatever branches were still waiting.
func (s *Service) BeginPhase(ctx context.Context, runID string, phaseNumber int, branches []string) (Outcome, error) {
	if len(branches) == 0 {
		return Outcome{}, fmt.Errorf("phase %d of run %s: no branches to merge", phaseNumber, runID)
	}
	ph, err := s.collector.Get(runID, phaseNumber)
	if err != nil {
		return Outcome{}, err
	}
	return s.mergeAndReview(ctx, ph, branches)
}

// ResumeMerge continues the merge loop after a conflict resolution. The
// remaining branches come from the resolver context; the resolved
// branch itself is already in the phase branch via the resolver's
// commit. An empty remainder goes straight to the reviewer chain.
func (s *Service) ResumeMerge(ctx context.Context, runID string, phaseNumber int, remaining []string) (Outcome, error) {
	ph, err := s.collector.Get(runID, phaseNumber)
	if err != nil {
		return Outcome{}, err
	}
	return s.mergeAndReview(ctx, ph, remaining)
}

func (s *Service) mergeAndReview(ctx context.Context, ph *phasecol.Phase, branches []string) (Outcome, error) {
	repo := s.repos.Repo(ph.RepoDir)
	phaseBranch := gitops.PhaseBranch(ph.RunID, ph.PhaseNumber)

	for i, branch := range branches {
		msg := fmt.Sprintf("Merge %s into phase %d (run: %s)", branch, ph.PhaseNumber, ph.RunID)
		res, err := repo.MergeBranchInto(ctx, phaseBranch, branch, msg)
		if err != nil {
			return Outcome{}, err
		}
		if res.Success {
			continue
		}

		s.metrics.MergeConflicts.Inc()
		s.feed.Emit(events.Event{
			Type:    events.TypeMergeConflict,
			RunID:   ph.RunID,
			Project: ph.ProjectName,
			Data: map[string]any{
				"phaseNumber": ph.PhaseNumber,
				"branch":      branch,
				"target":      phaseBranch,
				"files":       res.ConflictFiles,
			},
		})
		s.logger.Warn("merge conflict, pausing for a resolver",
			"run", ph.RunID, "phase", ph.PhaseNumber, "branch", branch,
			"files", len(res.ConflictFiles))

		rc, err := s.resolver.Begin(ctx, resolver.BeginParams{
			RunID:             ph.RunID,
			Project:           ph.ProjectName,
			PhaseNumber:       ph.PhaseNumber,
			PhaseBranch:       phaseBranch,
			SourceBranch:      branch,
			ConflictFiles:     res.ConflictFiles,
			RemainingBranches: branches[i+1:],
			RepoDir:           ph.RepoDir,
			BaseBranch:        ph.BaseBranch,
			Tasks:             s.collidingTasks(ph),
		})
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{State: StateAwaitingResolver, ResolverID: rc.ID}, nil
	}

	return s.beginReview(ctx, ph, phaseBranch)
}

// collidingTasks describes every worker whose changes may sit in the
// phase branch, titles pulled from the ledger.
func (s *Service) collidingTasks(ph *phasecol.Phase) []resolver.ConflictTask {
	titles := make(map[string]string)
	items, err := s.ledger.List(ledger.Filters{Type: "worker", Tag: ph.RunID})
	if err != nil {
		s.logger.Warn("ledger lookup failed", "run", ph.RunID, "error", err)
	} else {
		for _, it := range items {
			for _, tag := range it.Tags {
				if id, ok := strings.CutPrefix(tag, "task:"); ok {
					titles[id] = it.Title
				}
			}
		}
	}
	var out []resolver.ConflictTask
	for i := range ph.Workers {
		w := ph.Workers[i]
		if w.Status != phasecol.WorkerCompleted {
			continue
		}
		out = append(out, resolver.ConflictTask{
			TaskID: w.TaskID,
			Title:  titles[w.TaskID],
			Branch: w.Branch,
		})
	}
	return out
}

// beginReview starts a fresh cycle for the phase. A re-collected phase
// overwrites any stale cycle: the phase branch was rebuilt from base,
// so prior verdicts no longer describe it. The history file keeps
// accumulating across collections.
func (s *Service) beginReview(ctx context.Context, ph *phasecol.Phase, phaseBranch string) (Outcome, error) {
	now := s.now().UTC()
	cyc := &Cycle{
		RunID:          ph.RunID,
		PhaseNumber:    ph.PhaseNumber,
		Project:        ph.ProjectName,
		RepoDir:        ph.RepoDir,
		BaseBranch:     ph.BaseBranch,
		PhaseBranch:    phaseBranch,
		Status:         CyclePending,
		Chain:          append([]string(nil), s.cfg.Review.Chain...),
		MaxFixAttempts: s.cfg.Review.MaxFixAttempts,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.saveCycle(cyc); err != nil {
		return Outcome{}, err
	}
	s.logger.Info("review chain started",
		"run", cyc.RunID, "phase", cyc.PhaseNumber, "chain", strings.Join(cyc.Chain, ","))
	if err := s.spawnReviewer(ctx, cyc); err != nil {
		return s.escalateCycle(cyc, StateEscalated,
			fmt.Sprintf("reviewer %s could not be spawned: %v", cyc.Reviewer(), err))
	}
	return Outcome{State: StateReviewing, Reviewer: cyc.Reviewer()}, nil
}

// HandleReviewResult applies one reviewer verdict. Verdicts arriving
// while the cycle is not waiting on one (duplicates, late deliveries)
// change nothing; a redelivered approval for a cycle stuck in approved
// re-runs the final merge it was cut off from.
func (s *Service) HandleReviewResult(ctx context.Context, v Verdict) (Outcome, error) {
	if v.Status != DecisionApproved && v.Status != DecisionRequestChanges {
		return Outcome{}, swarmerr.ErrWebhookInvalid(fmt.Sprintf("unknown review status %q", v.Status))
	}
	cyc, err := s.Cycle(v.RunID, v.PhaseNumber)
	if err != nil {
		return Outcome{}, err
	}
	if cyc.Status == CycleApproved && v.Status == DecisionApproved {
		return s.finalMerge(ctx, cyc)
	}
	if cyc.Status != CyclePending {
		s.logger.Info("review result ignored, cycle not awaiting a verdict",
			"run", v.RunID, "phase", v.PhaseNumber, "cycle", string(cyc.Status), "decision", v.Status)
		return s.outcomeFor(cyc), nil
	}

	reviewer := cyc.Reviewer()
	s.metrics.ReviewDecisions.WithLabelValues(v.Status).Inc()
	s.feed.Emit(events.Event{
		Type:    events.TypeReviewDecision,
		RunID:   cyc.RunID,
		Project: cyc.Project,
		Data: map[string]any{
			"phaseNumber": cyc.PhaseNumber,
			"reviewer":    reviewer,
			"decision":    v.Status,
			"findings":    len(v.Findings),
			"summary":     v.Summary,
		},
	})
	s.logger.Info("review verdict",
		"run", cyc.RunID, "phase", cyc.PhaseNumber, "reviewer", reviewer,
		"decision", v.Status, "findings", len(v.Findings))

	switch {
	case v.Status == DecisionApproved:
		s.appendAttempt(cyc, Attempt{Reviewer: reviewer, Decision: v.Status, Summary: v.Summary})
		return s.advanceChain(ctx, cyc)

	case len(v.Findings) == 0:
		// The reviewer wants changes but named none. Auto-approving
		// would override the verdict and spawning a fixer would give it
		// nothing to do. A human has to ask the reviewer what it meant.
		s.appendAttempt(cyc, Attempt{Reviewer: reviewer, Decision: v.Status, Summary: v.Summary})
		cyc.Status = CycleNeedsClarification
		if err := s.saveCycle(cyc); err != nil {
			return Outcome{}, err
		}
		s.logger.Warn("request_changes with no findings, waiting for a human",
			"run", cyc.RunID, "phase", cyc.PhaseNumber, "reviewer", reviewer)
		return Outcome{State: StateNeedsClarification, Reviewer: reviewer}, nil

	default:
		return s.requestFixes(ctx, cyc, reviewer, v)
	}
}

// advanceChain moves past an approval: next reviewer, or the final
// merge when the chain is done.
func (s *Service) advanceChain(ctx context.Context, cyc *Cycle) (Outcome, error) {
	cyc.ReviewerIndex++
	if cyc.ReviewerIndex < len(cyc.Chain) {
		if err := s.saveCycle(cyc); err != nil {
			return Outcome{}, err
		}
		if err := s.spawnReviewer(ctx, cyc); err != nil {
			return s.escalateCycle(cyc, StateEscalated,
				fmt.Sprintf("reviewer %s could not be spawned: %v", cyc.Reviewer(), err))
		}
		return Outcome{State: StateReviewing, Reviewer: cyc.Reviewer()}, nil
	}

	cyc.Status = CycleApproved
	if err := s.saveCycle(cyc); err != nil {
		return Outcome{}, err
	}
	return s.finalMerge(ctx, cyc)
}

// finalMerge lands the approved phase branch on the base branch. The
// merge commit message format is what dashboards and changelog tooling
// grep for.
func (s *Service) finalMerge(ctx context.Context, cyc *Cycle) (Outcome, error) {
	repo := s.repos.Repo(cyc.RepoDir)
	msg := fmt.Sprintf("Merge phase %d (run: %s) - Approved by AI review", cyc.PhaseNumber, cyc.RunID)
	res, err := repo.MergeBranchInto(ctx, cyc.BaseBranch, cyc.PhaseBranch, msg)
	if err != nil {
		return Outcome{}, err
	}
	if !res.Success {
		s.metrics.MergeConflicts.Inc()
		s.feed.Emit(events.Event{
			Type:    events.TypeMergeConflict,
			RunID:   cyc.RunID,
			Project: cyc.Project,
			Data: map[string]any{
				"phaseNumber": cyc.PhaseNumber,
				"branch":      cyc.PhaseBranch,
				"target":      cyc.BaseBranch,
				"files":       res.ConflictFiles,
			},
		})
		return s.escalateCycle(cyc, StateMergeFailed,
			fmt.Sprintf("approved phase branch %s conflicts with %s: %s",
				cyc.PhaseBranch, cyc.BaseBranch, strings.Join(res.ConflictFiles, ", ")))
	}

	now := s.now().UTC()
	cyc.Status = CycleMerged
	cyc.CompletedAt = &now
	if err := s.saveCycle(cyc); err != nil {
		return Outcome{}, err
	}
	if ph, err := s.collector.Get(cyc.RunID, cyc.PhaseNumber); err == nil {
		s.metrics.PhaseDuration.Observe(now.Sub(ph.CreatedAt).Seconds())
	}
	s.feed.Emit(events.Event{
		Type:    events.TypePhaseMerged,
		RunID:   cyc.RunID,
		Project: cyc.Project,
		Data: map[string]any{
			"phaseNumber": cyc.PhaseNumber,
			"branch":      cyc.PhaseBranch,
			"base":        cyc.BaseBranch,
			"fixCount":    cyc.FixCount,
		},
	})
	s.logger.Info("phase merged",
		"run", cyc.RunID, "phase", cyc.PhaseNumber, "base", cyc.BaseBranch)
	return Outcome{State: StateMerged}, nil
}

// requestFixes turns a request_changes verdict with findings into a
// fixer agent, or an escalation once the budget is spent.
func (s *Service) requestFixes(ctx context.Context, cyc *Cycle, reviewer string, v Verdict) (Outcome, error) {
	if cyc.FixCount >= cyc.MaxFixAttempts {
		s.appendAttempt(cyc, Attempt{
			Reviewer: reviewer, Decision: v.Status, Summary: v.Summary, Findings: v.Findings,
		})
		return s.escalateCycle(cyc, StateEscalated,
			fmt.Sprintf("phase %d still failing review after %d fix attempts; %s reported %d findings",
				cyc.PhaseNumber, cyc.FixCount, reviewer, len(v.Findings)))
	}

	instructions := renderFindings(v.Findings)
	s.appendAttempt(cyc, Attempt{
		Reviewer: reviewer, Decision: v.Status, Summary: v.Summary,
		Findings: v.Findings, FixInstructions: instructions,
	})
	cyc.LastFindings = v.Findings
	cyc.FixCount++
	cyc.Status = CycleFixing
	if err := s.saveCycle(cyc); err != nil {
		return Outcome{}, err
	}
	s.feed.Emit(events.Event{
		Type:    events.TypeFixRequested,
		RunID:   cyc.RunID,
		Project: cyc.Project,
		Data: map[string]any{
			"phaseNumber": cyc.PhaseNumber,
			"reviewer":    reviewer,
			"findings":    len(v.Findings),
			"fixCount":    cyc.FixCount,
		},
	})
	if err := s.spawnFixer(ctx, cyc); err != nil {
		return s.escalateCycle(cyc, StateEscalated, "fixer could not be spawned: "+err.Error())
	}
	return Outcome{State: StateFixing}, nil
}

// HandleFixComplete processes a fixer's report: success re-runs the
// reviewer that requested the changes, failure burns another fix
// attempt or escalates.
func (s *Service) HandleFixComplete(ctx context.Context, f FixReport) (Outcome, error) {
	cyc, err := s.Cycle(f.RunID, f.PhaseNumber)
	if err != nil {
		return Outcome{}, err
	}
	if cyc.Status != CycleFixing {
		s.logger.Info("fix completion ignored, cycle not fixing",
			"run", f.RunID, "phase", f.PhaseNumber, "cycle", string(cyc.Status))
		return s.outcomeFor(cyc), nil
	}

	if f.Failed() {
		s.logger.Warn("fixer gave up",
			"run", cyc.RunID, "phase", cyc.PhaseNumber, "attempt", cyc.FixCount, "error", f.Error)
		if cyc.FixCount >= cyc.MaxFixAttempts {
			return s.escalateCycle(cyc, StateEscalated,
				fmt.Sprintf("fixer failed with the budget spent (%d attempts): %s", cyc.FixCount, f.Error))
		}
		cyc.Status = CyclePendingFix
		if err := s.saveCycle(cyc); err != nil {
			return Outcome{}, err
		}
		return s.nextFixer(ctx, cyc)
	}

	s.logger.Info("fixes committed, re-running reviewer",
		"run", cyc.RunID, "phase", cyc.PhaseNumber,
		"reviewer", cyc.Reviewer(), "issuesFixed", f.IssuesFixed)

	// pending-review is the durable marker that the fix landed; pending
	// goes down before the spawn so a fast verdict is never dropped.
	cyc.Status = CyclePendingReview
	if err := s.saveCycle(cyc); err != nil {
		return Outcome{}, err
	}
	cyc.Status = CyclePending
	if err := s.saveCycle(cyc); err != nil {
		return Outcome{}, err
	}
	if err := s.spawnReviewer(ctx, cyc); err != nil {
		return s.escalateCycle(cyc, StateEscalated,
			fmt.Sprintf("re-review by %s could not be spawned: %v", cyc.Reviewer(), err))
	}
	return Outcome{State: StateReviewing, Reviewer: cyc.Reviewer()}, nil
}

// nextFixer burns one more fix attempt on the last known findings.
func (s *Service) nextFixer(ctx context.Context, cyc *Cycle) (Outcome, error) {
	cyc.FixCount++
	cyc.Status = CycleFixing
	if err := s.saveCycle(cyc); err != nil {
		return Outcome{}, err
	}
	s.feed.Emit(events.Event{
		Type:    events.TypeFixRequested,
		RunID:   cyc.RunID,
		Project: cyc.Project,
		Data: map[string]any{
			"phaseNumber": cyc.PhaseNumber,
			"findings":    len(cyc.LastFindings),
			"fixCount":    cyc.FixCount,
			"retry":       true,
		},
	})
	if err := s.spawnFixer(ctx, cyc); err != nil {
		return s.escalateCycle(cyc, StateEscalated, "fixer could not be spawned: "+err.Error())
	}
	return Outcome{State: StateFixing}, nil
}

// ResumeCycle picks a cycle back up after a restart. Transitions that
// were cut off mid-flight (a landed fix with no re-review out, a
// pending follow-up fixer, an approval with no merge) are re-run;
// cycles waiting on a webhook are left alone.
func (s *Service) ResumeCycle(ctx context.Context, runID string, phaseNumber int) (Outcome, error) {
	cyc, err := s.Cycle(runID, phaseNumber)
	if err != nil {
		return Outcome{}, err
	}
	switch cyc.Status {
	case CycleApproved:
		return s.finalMerge(ctx, cyc)
	case CyclePendingReview:
		cyc.Status = CyclePending
		if err := s.saveCycle(cyc); err != nil {
			return Outcome{}, err
		}
		if err := s.spawnReviewer(ctx, cyc); err != nil {
			return s.escalateCycle(cyc, StateEscalated,
				fmt.Sprintf("re-review by %s could not be spawned: %v", cyc.Reviewer(), err))
		}
		return Outcome{State: StateReviewing, Reviewer: cyc.Reviewer()}, nil
	case CyclePendingFix:
		return s.nextFixer(ctx, cyc)
	default:
		return s.outcomeFor(cyc), nil
	}
}

// escalateCycle terminates the cycle into the human queue.
func (s *Service) escalateCycle(cyc *Cycle, state State, msg string) (Outcome, error) {
	esc, err := s.escalations.Create(escalation.CreateParams{
		RunID:        cyc.RunID,
		PhaseNumber:  cyc.PhaseNumber,
		RoleID:       cyc.Reviewer(),
		Message:      msg,
		AttemptCount: cyc.FixCount,
		MaxAttempts:  cyc.MaxFixAttempts,
		Severity:     escalation.SeverityHigh,
	})
	if err != nil {
		return Outcome{}, err
	}
	s.metrics.EscalationsOpen.Inc()
	s.feed.Emit(events.Event{
		Type:    events.TypeEscalation,
		RunID:   cyc.RunID,
		Project: cyc.Project,
		Data: map[string]any{
			"escalationId": esc.ID,
			"severity":     string(esc.Severity),
			"phaseNumber":  cyc.PhaseNumber,
		},
	})

	now := s.now().UTC()
	cyc.Status = CycleEscalated
	cyc.EscalationID = esc.ID
	cyc.CompletedAt = &now
	if err := s.saveCycle(cyc); err != nil {
		return Outcome{}, err
	}
	s.logger.Warn("review cycle escalated",
		"run", cyc.RunID, "phase", cyc.PhaseNumber,
		"escalation", esc.ID, "reason", msg)
	return Outcome{State: state, EscalationID: esc.ID}, nil
}

// spawnReviewer sends the cycle's current reviewer to the gateway and
// records the session. Callers persist the cycle in the state the
// verdict webhook expects before calling.
func (s *Service) spawnReviewer(ctx context.Context, cyc *Cycle) error {
	roleID := cyc.Reviewer()
	role, err := s.roles.Get(roleID)
	if err != nil {
		s.metrics.Spawns.WithLabelValues(roleID, metrics.OutcomeInvalid).Inc()
		return err
	}
	prompt, err := s.reviewerPrompt(role, cyc)
	if err != nil {
		return err
	}
	sessionKey, err := s.spawnAgent(ctx, cyc, role, prompt, "review",
		fmt.Sprintf("%s review of phase %d", role.Name, cyc.PhaseNumber))
	if err != nil {
		return err
	}
	cyc.SessionKey = sessionKey
	return s.saveCycle(cyc)
}

// spawnFixer sends a fixer for the cycle's last findings.
func (s *Service) spawnFixer(ctx context.Context, cyc *Cycle) error {
	role, err := s.roles.Get("fixer")
	if err != nil {
		s.metrics.Spawns.WithLabelValues("fixer", metrics.OutcomeInvalid).Inc()
		return err
	}
	prompt, err := s.fixerPrompt(role, cyc)
	if err != nil {
		return err
	}
	sessionKey, err := s.spawnAgent(ctx, cyc, role, prompt, "fix",
		fmt.Sprintf("Fix phase %d review findings (attempt %d)", cyc.PhaseNumber, cyc.FixCount))
	if err != nil {
		return err
	}
	cyc.SessionKey = sessionKey
	return s.saveCycle(cyc)
}

// spawnAgent is the shared gateway call plus ledger and activity
// bookkeeping for reviewers and fixers.
func (s *Service) spawnAgent(ctx context.Context, cyc *Cycle, role *roles.Role, prompt, kind, title string) (string, error) {
	scope := cyc.Project
	if scope == "" {
		scope = cyc.RunID
	}
	resp, err := s.gateway.Spawn(ctx, gateway.SpawnRequest{
		Task:              prompt,
		Label:             fmt.Sprintf("%s/phase-%d-%s", scope, cyc.PhaseNumber, role.ID),
		Model:             role.Model,
		Thinking:          string(role.Thinking),
		Cleanup:           true,
		RunTimeoutSeconds: s.cfg.Dispatch.RunTimeoutSeconds,
	})
	outcome := metrics.OutcomeOK
	switch {
	case err != nil:
		outcome = metrics.OutcomeError
	case !resp.OK:
		outcome = metrics.OutcomeDeclined
		err = fmt.Errorf("gateway declined %s session: %s", role.ID, resp.Error)
	}
	s.metrics.Spawns.WithLabelValues(role.ID, outcome).Inc()
	if err != nil {
		return "", err
	}

	item, lerr := s.ledger.Create(ledger.CreateInput{
		Type:   kind,
		Title:  title,
		RoleID: role.ID,
		Tags:   []string{cyc.RunID, "phase:" + strconv.Itoa(cyc.PhaseNumber)},
	})
	if lerr != nil {
		s.logger.Warn("ledger create failed", "run", cyc.RunID, "role", role.ID, "error", lerr)
	} else {
		if err := s.ledger.UpdateStatus(item.ID, ledger.StatusRunning, ""); err != nil {
			s.logger.Warn("ledger status update failed", "work", item.ID, "error", err)
		}
		if err := s.ledger.AppendEvent(item.ID, "spawn", "session "+resp.ChildSessionKey); err != nil {
			s.logger.Warn("ledger event failed", "work", item.ID, "error", err)
		}
	}

	s.feed.Emit(events.Event{
		Type:    events.TypeSpawn,
		RunID:   cyc.RunID,
		Project: cyc.Project,
		Data: map[string]any{
			"phaseNumber": cyc.PhaseNumber,
			"role":        role.ID,
			"sessionKey":  resp.ChildSessionKey,
			"branch":      cyc.PhaseBranch,
		},
	})
	s.logger.Info("review agent spawned",
		"run", cyc.RunID, "phase", cyc.PhaseNumber, "role", role.ID,
		"session", resp.ChildSessionKey, "verified", resp.Verified)
	return resp.ChildSessionKey, nil
}

// reviewerPrompt fills the reviewer's instructions and appends the
// machine-readable context block.
func (s *Service) reviewerPrompt(role *roles.Role, cyc *Cycle) (string, error) {
	text, _, err := s.roles.Instructions(role)
	if err != nil {
		return "", err
	}
	prompt := strings.NewReplacer(
		"{{BRANCH}}", cyc.PhaseBranch,
		"{{BASE_BRANCH}}", cyc.BaseBranch,
		"{{REPO_DIR}}", cyc.RepoDir,
		"{{WORKTREE_PATH}}", cyc.RepoDir,
	).Replace(text)

	var b strings.Builder
	b.WriteString("\n\n## Review Context\n\n")
	fmt.Fprintf(&b, "- Run: %s, phase %d\n", cyc.RunID, cyc.PhaseNumber)
	fmt.Fprintf(&b, "- Phase branch: %s (base: %s)\n", cyc.PhaseBranch, cyc.BaseBranch)
	fmt.Fprintf(&b, "- Repository: %s\n", cyc.RepoDir)
	fmt.Fprintf(&b, "- Reviewer: %s (%d of %d in the chain)\n", role.ID, cyc.ReviewerIndex+1, len(cyc.Chain))
	fmt.Fprintf(&b, "- Webhook URL: %s/review-result\n", s.cfg.WebhookBaseURL())
	b.WriteString("\nReport your verdict by POSTing to the webhook URL:\n\n```json\n")
	fmt.Fprintf(&b, "{\"runId\": %q, \"phaseNumber\": %d, \"status\": \"approved\", \"summary\": \"<one-line summary>\"}\n",
		cyc.RunID, cyc.PhaseNumber)
	b.WriteString("```\n\nUse \"status\": \"request_changes\" with a \"findings\" array when the phase needs work. ")
	b.WriteString("Each finding carries \"severity\", \"file\", \"line\", \"description\", and \"fix\".\n")
	return prompt + b.String(), nil
}

// fixerPrompt fills the fixer's instructions, enumerates the findings,
// and appends the context block.
func (s *Service) fixerPrompt(role *roles.Role, cyc *Cycle) (string, error) {
	text, _, err := s.roles.Instructions(role)
	if err != nil {
		return "", err
	}
	prompt := strings.NewReplacer(
		"{{BRANCH}}", cyc.PhaseBranch,
		"{{BASE_BRANCH}}", cyc.BaseBranch,
		"{{REPO_DIR}}", cyc.RepoDir,
		"{{WORKTREE_PATH}}", cyc.RepoDir,
	).Replace(text)

	var b strings.Builder
	b.WriteString("\n\n## Findings to Fix\n\n")
	b.WriteString(renderFindings(cyc.LastFindings))
	b.WriteString("\n## Context\n\n")
	fmt.Fprintf(&b, "- Run: %s, phase %d\n", cyc.RunID, cyc.PhaseNumber)
	fmt.Fprintf(&b, "- Phase branch: %s (base: %s)\n", cyc.PhaseBranch, cyc.BaseBranch)
	fmt.Fprintf(&b, "- Repository: %s\n", cyc.RepoDir)
	fmt.Fprintf(&b, "- Fix attempt: %d of %d\n", cyc.FixCount, cyc.MaxFixAttempts)
	fmt.Fprintf(&b, "- Webhook URL: %s/fix-complete\n", s.cfg.WebhookBaseURL())
	b.WriteString("\nReport by POSTing to the webhook URL:\n\n```json\n")
	fmt.Fprintf(&b, "{\"runId\": %q, \"phaseNumber\": %d, \"issuesFixed\": %d}\n",
		cyc.RunID, cyc.PhaseNumber, len(cyc.LastFindings))
	b.WriteString("```\n\nUse \"status\": \"failed\" with an \"error\" field when the findings cannot be resolved.\n")
	return prompt + b.String(), nil
}

// renderFindings formats findings the way fixer prompts and the audit
// history carry them.
func renderFindings(findings []Finding) string {
	var b strings.Builder
	for i, f := range findings {
		fmt.Fprintf(&b, "%d. [%s] %s", i+1, f.Severity, f.Description)
		if f.File != "" {
			b.WriteString(" (")
			b.WriteString(f.File)
			if f.Line > 0 {
				fmt.Fprintf(&b, ":%d", f.Line)
			}
			b.WriteString(")")
		}
		b.WriteByte('\n')
		if f.Fix != "" {
			fmt.Fprintf(&b, "   Fix: %s\n", f.Fix)
		}
	}
	return b.String()
}

// outcomeFor maps a cycle's persisted status to the waiting state, for
// duplicate deliveries and status queries.
func (s *Service) outcomeFor(cyc *Cycle) Outcome {
	switch cyc.Status {
	case CyclePending, CyclePendingReview, CycleApproved:
		return Outcome{State: StateReviewing, Reviewer: cyc.Reviewer()}
	case CycleFixing, CyclePendingFix:
		return Outcome{State: StateFixing}
	case CycleNeedsClarification:
		return Outcome{State: StateNeedsClarification, Reviewer: cyc.Reviewer()}
	case CycleMerged:
		return Outcome{State: StateMerged}
	case CycleEscalated:
		return Outcome{State: StateEscalated, EscalationID: cyc.EscalationID}
	}
	return Outcome{}
}

func cycleKey(runID string, phase int) string {
	return fmt.Sprintf("%s-phase-%d", runID, phase)
}

// Cycle returns the persisted machine state for a phase.
func (s *Service) Cycle(runID string, phaseNumber int) (*Cycle, error) {
	m, err := store.ReadJSON[map[string]*Cycle](s.paths.FixCyclesFile())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("no review cycle for phase %d of run %s: %w", phaseNumber, runID, store.ErrNotFound)
		}
		return nil, err
	}
	cyc, ok := m[cycleKey(runID, phaseNumber)]
	if !ok {
		return nil, fmt.Errorf("no review cycle for phase %d of run %s: %w", phaseNumber, runID, store.ErrNotFound)
	}
	return cyc, nil
}

// Cycles returns every persisted cycle, most recently updated first.
func (s *Service) Cycles() ([]*Cycle, error) {
	m, err := store.ReadJSON[map[string]*Cycle](s.paths.FixCyclesFile())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]*Cycle, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	sortCycles(out)
	return out, nil
}

func sortCycles(cs []*Cycle) {
	for i := 1; i < len(cs); i++ {
		for j := i; j > 0 && cs[j].UpdatedAt.After(cs[j-1].UpdatedAt); j-- {
			cs[j], cs[j-1] = cs[j-1], cs[j]
		}
	}
}

// History returns the phase's audit trail, or an empty one.
func (s *Service) History(runID string, phaseNumber int) (*History, error) {
	h, err := store.ReadJSON[*History](s.paths.ReviewFile(runID, phaseNumber))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &History{RunID: runID, PhaseNumber: phaseNumber}, nil
		}
		return nil, err
	}
	return h, nil
}

func (s *Service) saveCycle(cyc *Cycle) error {
	cyc.UpdatedAt = s.now().UTC()
	_, err := store.Update(s.store, s.paths.FixCyclesFile(), func(cur map[string]*Cycle, found bool) (map[string]*Cycle, error) {
		if cur == nil {
			cur = make(map[string]*Cycle)
		}
		cur[cycleKey(cyc.RunID, cyc.PhaseNumber)] = cyc
		return cur, nil
	})
	return err
}

func (s *Service) appendAttempt(cyc *Cycle, a Attempt) {
	a.At = s.now().UTC()
	path := s.paths.ReviewFile(cyc.RunID, cyc.PhaseNumber)
	_, err := store.Update(s.store, path, func(cur *History, found bool) (*History, error) {
		if !found || cur == nil {
			cur = &History{RunID: cyc.RunID, PhaseNumber: cyc.PhaseNumber}
		}
		cur.Attempts = append(cur.Attempts, a)
		cur.UpdatedAt = a.At
		return cur, nil
	})
	if err != nil {
		s.logger.Warn("review history append failed",
			"run", cyc.RunID, "phase", cyc.PhaseNumber, "error", err)
	}
}
