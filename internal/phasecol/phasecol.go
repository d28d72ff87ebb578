// Package phasecol tracks which workers of a phase have reported back
// and assembles the phase branch once they all have. State lives in one
// JSON file per (run, phase) so a restart picks up mid-phase exactly
// where the last webhook left off.
package phasecol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/swarmops/swarmops/internal/config"
	"github.com/swarmops/swarmops/internal/gitops"
	"github.com/swarmops/swarmops/internal/store"
)

// WorkerStatus is the collector's view of one worker.
type WorkerStatus string

const (
	WorkerRunning   WorkerStatus = "running"
	WorkerCompleted WorkerStatus = "completed"
	WorkerFailed    WorkerStatus = "failed"
	WorkerCancelled WorkerStatus = "cancelled"
)

// WorkerState is one worker's slot in the phase record.
type WorkerState struct {
	WorkerID    string       `json:"workerId"`
	TaskID      string       `json:"taskId"`
	StepOrder   int          `json:"stepOrder"`
	Branch      string       `json:"branch"`
	Status      WorkerStatus `json:"status"`
	Output      string       `json:"output,omitempty"`
	Error       string       `json:"error,omitempty"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
}

// Status of the phase record itself.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Phase is the persisted record at phases/<runID>-phase-<N>.json.
type Phase struct {
	RunID             string        `json:"runId"`
	PhaseNumber       int           `json:"phaseNumber"`
	ProjectName       string        `json:"projectName,omitempty"`
	ProjectPath       string        `json:"projectPath,omitempty"`
	RepoDir           string        `json:"repoDir"`
	BaseBranch        string        `json:"baseBranch"`
	Status            Status        `json:"status"`
	Workers           []WorkerState `json:"workers"`
	CollectedBranches []string      `json:"collectedBranches,omitempty"`
	Error             string        `json:"error,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
	CompletedAt       *time.Time    `json:"completedAt,omitempty"`
}

// Worker returns the slot for a worker id, or nil.
func (p *Phase) Worker(workerID string) *WorkerState {
	for i := range p.Workers {
		if p.Workers[i].WorkerID == workerID {
			return &p.Workers[i]
		}
	}
	return nil
}

// Result summarizes the phase after a worker webhook. AnyFailed
// distinguishes a worker that reported failure (retry territory) from
// one that was skipped or cancelled (the phase proceeds without it).
type Result struct {
	PhaseComplete bool `json:"phaseComplete"`
	AllSucceeded  bool `json:"allSucceeded"`
	AnyFailed     bool `json:"anyFailed"`
}

// Result computes the phase's current shape.
func (p *Phase) Result() Result {
	res := Result{PhaseComplete: true, AllSucceeded: true}
	for i := range p.Workers {
		switch p.Workers[i].Status {
		case WorkerRunning:
			res.PhaseComplete = false
			res.AllSucceeded = false
		case WorkerCompleted:
		case WorkerFailed:
			res.AllSucceeded = false
			res.AnyFailed = true
		default:
			res.AllSucceeded = false
		}
	}
	return res
}

// WorkerSeed describes one worker being dispatched into a phase.
type WorkerSeed struct {
	WorkerID  string
	TaskID    string
	StepOrder int
	Branch    string
}

// InitParams describes a phase about to dispatch.
type InitParams struct {
	RunID       string
	PhaseNumber int
	RepoDir     string
	BaseBranch  string
	ProjectName string
	ProjectPath string
	Workers     []WorkerSeed
}

// Collector reads and writes phase records.
type Collector struct {
	store  *store.Store
	paths  config.Paths
	repos  *gitops.Manager
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Collector.
func New(s *store.Store, paths config.Paths, repos *gitops.Manager, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{store: s, paths: paths, repos: repos, logger: logger, now: time.Now}
}

// SetNowFunc overrides the clock, for tests.
func (c *Collector) SetNowFunc(now func() time.Time) { c.now = now }

// InitPhase persists a fresh record with every worker running. A
// re-dispatch of the same phase overwrites the old record.
func (c *Collector) InitPhase(p InitParams) (*Phase, error) {
	if len(p.Workers) == 0 {
		return nil, fmt.Errorf("phase %d of run %s: no workers", p.PhaseNumber, p.RunID)
	}
	now := c.now().UTC()
	ph := &Phase{
		RunID:       p.RunID,
		PhaseNumber: p.PhaseNumber,
		ProjectName: p.ProjectName,
		ProjectPath: p.ProjectPath,
		RepoDir:     p.RepoDir,
		BaseBranch:  p.BaseBranch,
		Status:      StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, w := range p.Workers {
		ph.Workers = append(ph.Workers, WorkerState{
			WorkerID:  w.WorkerID,
			TaskID:    w.TaskID,
			StepOrder: w.StepOrder,
			Branch:    w.Branch,
			Status:    WorkerRunning,
		})
	}
	if err := store.WriteJSONAtomic(c.phasePath(p.RunID, p.PhaseNumber), ph); err != nil {
		return nil, err
	}
	return ph, nil
}

// Get loads a phase record.
func (c *Collector) Get(runID string, phase int) (*Phase, error) {
	ph, err := store.ReadJSON[*Phase](c.phasePath(runID, phase))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("phase %d of run %s: %w", phase, runID, store.ErrNotFound)
		}
		return nil, err
	}
	return ph, nil
}

// OnWorkerComplete records one worker's webhook. The first terminal
// status for a worker wins; a redelivery changes nothing and comes back
// with applied=false so the caller can skip its own bookkeeping. An
// unknown worker id is an error so the caller can log the orphan.
func (c *Collector) OnWorkerComplete(runID string, phase int, workerID string, status WorkerStatus, output, errMsg string) (Result, bool, error) {
	if status == WorkerRunning {
		return Result{}, false, fmt.Errorf("worker %s: completion status cannot be %q", workerID, status)
	}
	var res Result
	applied := false
	_, err := store.Update(c.store, c.phasePath(runID, phase), func(cur *Phase, found bool) (*Phase, error) {
		if !found || cur == nil {
			return nil, fmt.Errorf("phase %d of run %s: %w", phase, runID, store.ErrNotFound)
		}
		w := cur.Worker(workerID)
		if w == nil {
			return nil, fmt.Errorf("phase %d of run %s: unknown worker %s", phase, runID, workerID)
		}
		if w.Status == WorkerRunning {
			now := c.now().UTC()
			w.Status = status
			w.Output = output
			w.Error = errMsg
			w.CompletedAt = &now
			cur.UpdatedAt = now
			applied = true
		}
		res = cur.Result()
		return cur, nil
	})
	if err != nil {
		return Result{}, false, err
	}
	return res, applied, nil
}

// SkipWorker releases a slot whose task was abandoned to an escalation,
// so the phase stops waiting for it. Completed slots are left alone; a
// slot that never existed releases nothing. Both cases still report the
// phase's shape.
func (c *Collector) SkipWorker(runID string, phase int, workerID, reason string) (Result, error) {
	var res Result
	_, err := store.Update(c.store, c.phasePath(runID, phase), func(cur *Phase, found bool) (*Phase, error) {
		if !found || cur == nil {
			return nil, fmt.Errorf("phase %d of run %s: %w", phase, runID, store.ErrNotFound)
		}
		if w := cur.Worker(workerID); w != nil && w.Status != WorkerCompleted {
			now := c.now().UTC()
			w.Status = WorkerCancelled
			w.Error = reason
			if w.CompletedAt == nil {
				w.CompletedAt = &now
			}
			cur.UpdatedAt = now
		}
		res = cur.Result()
		return cur, nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// RearmWorker returns a worker slot to running ahead of a re-dispatch,
// so the next webhook for it is not swallowed by first-terminal-wins. A
// missing slot is appended; recovery dispatches may extend a phase.
func (c *Collector) RearmWorker(runID string, phase int, seed WorkerSeed) error {
	_, err := store.Update(c.store, c.phasePath(runID, phase), func(cur *Phase, found bool) (*Phase, error) {
		if !found || cur == nil {
			return nil, fmt.Errorf("phase %d of run %s: %w", phase, runID, store.ErrNotFound)
		}
		if cur.Status != StatusActive {
			return nil, fmt.Errorf("phase %d of run %s is %s, cannot rearm worker", phase, runID, cur.Status)
		}
		if w := cur.Worker(seed.WorkerID); w != nil {
			w.Status = WorkerRunning
			w.Output = ""
			w.Error = ""
			w.CompletedAt = nil
		} else {
			cur.Workers = append(cur.Workers, WorkerState{
				WorkerID:  seed.WorkerID,
				TaskID:    seed.TaskID,
				StepOrder: seed.StepOrder,
				Branch:    seed.Branch,
				Status:    WorkerRunning,
			})
		}
		cur.UpdatedAt = c.now().UTC()
		return cur, nil
	})
	return err
}

// CancelWorkers marks every still-running worker cancelled. Used when a
// run is cancelled so late webhooks become orphans instead of advancing
// a dead phase.
func (c *Collector) CancelWorkers(runID string, phase int) error {
	_, err := store.Update(c.store, c.phasePath(runID, phase), func(cur *Phase, found bool) (*Phase, error) {
		if !found || cur == nil {
			return nil, fmt.Errorf("phase %d of run %s: %w", phase, runID, store.ErrNotFound)
		}
		now := c.now().UTC()
		for i := range cur.Workers {
			if cur.Workers[i].Status == WorkerRunning {
				cur.Workers[i].Status = WorkerCancelled
				cur.Workers[i].CompletedAt = &now
			}
		}
		cur.UpdatedAt = now
		return cur, nil
	})
	return err
}

// CollectPhaseBranches filters the phase's worker branches down to the
// ones that exist and carry commits beyond the base branch, and resets
// the phase branch to base as the merge target. A failed or running
// worker aborts collection; skipped and cancelled workers contribute no
// branch. When no branch produced commits the phase is completed on the
// spot and the empty set is returned.
func (c *Collector) CollectPhaseBranches(ctx context.Context, runID string, phase int) ([]string, error) {
	ph, err := c.Get(runID, phase)
	if err != nil {
		return nil, err
	}
	var candidates []WorkerState
	for i := range ph.Workers {
		w := ph.Workers[i]
		switch w.Status {
		case WorkerCompleted:
			candidates = append(candidates, w)
		case WorkerCancelled:
		default:
			return nil, fmt.Errorf("phase %d of run %s: worker %s is %s: %s",
				phase, runID, w.WorkerID, w.Status, w.Error)
		}
	}

	repo := c.repos.Repo(ph.RepoDir)
	keep := make([]bool, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	for i := range candidates {
		g.Go(func() error {
			branch := candidates[i].Branch
			if !repo.BranchExists(gctx, branch) {
				c.logger.Warn("worker branch missing at collection",
					"run", runID, "phase", phase, "branch", branch)
				return nil
			}
			ahead, err := repo.HasCommitsBeyond(gctx, ph.BaseBranch, branch)
			if err != nil {
				return err
			}
			keep[i] = ahead
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var branches []string
	for i, ok := range keep {
		if ok {
			branches = append(branches, candidates[i].Branch)
		}
	}

	if len(branches) == 0 {
		c.logger.Info("no worker produced commits, completing phase",
			"run", runID, "phase", phase)
		if err := c.CompletePhase(runID, phase); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if err := repo.RecreateBranch(ctx, gitops.PhaseBranch(runID, phase), ph.BaseBranch); err != nil {
		return nil, err
	}
	_, err = store.Update(c.store, c.phasePath(runID, phase), func(cur *Phase, found bool) (*Phase, error) {
		if !found || cur == nil {
			return nil, fmt.Errorf("phase %d of run %s: %w", phase, runID, store.ErrNotFound)
		}
		cur.CollectedBranches = branches
		cur.UpdatedAt = c.now().UTC()
		return cur, nil
	})
	if err != nil {
		return nil, err
	}
	return branches, nil
}

// CompletePhase marks the record completed.
func (c *Collector) CompletePhase(runID string, phase int) error {
	return c.finish(runID, phase, StatusCompleted, "")
}

// FailPhase marks the record failed with a reason.
func (c *Collector) FailPhase(runID string, phase int, reason string) error {
	return c.finish(runID, phase, StatusFailed, reason)
}

func (c *Collector) finish(runID string, phase int, status Status, reason string) error {
	_, err := store.Update(c.store, c.phasePath(runID, phase), func(cur *Phase, found bool) (*Phase, error) {
		if !found || cur == nil {
			return nil, fmt.Errorf("phase %d of run %s: %w", phase, runID, store.ErrNotFound)
		}
		if cur.Status == StatusActive {
			now := c.now().UTC()
			cur.Status = status
			cur.Error = reason
			cur.UpdatedAt = now
			cur.CompletedAt = &now
		}
		return cur, nil
	})
	return err
}

func (c *Collector) phasePath(runID string, phase int) string {
	return c.paths.PhaseFile(runID, phase)
}
