// Package runstate persists per-run execution state under the runs
// directory, one JSON file per run, rewritten atomically on every
// transition. It also owns the project -> active-run mapping that
// enforces the one-non-terminal-run-per-project rule and feeds crash
// resume.
package runstate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/swarmops/swarmops/internal/config"
	"github.com/swarmops/swarmops/internal/store"
	"github.com/swarmops/swarmops/internal/swarmerr"
)

// Status of a run. Completed, failed and cancelled are terminal.
type Status string

const (
	StatusRunning   Status = "running"
	StatusMerging   Status = "merging"
	StatusReviewing Status = "reviewing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a run in this status is finished.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// PhaseStatus tracks one phase inside a run. It only moves forward;
// failed is a sink reachable from any non-terminal state.
type PhaseStatus string

const (
	PhasePending    PhaseStatus = "pending"
	PhaseRunning    PhaseStatus = "running"
	PhaseCollecting PhaseStatus = "collecting"
	PhaseMerging    PhaseStatus = "merging"
	PhaseReviewing  PhaseStatus = "reviewing"
	PhaseCompleted  PhaseStatus = "completed"
	PhaseFailed     PhaseStatus = "failed"
)

var phaseOrder = map[PhaseStatus]int{
	PhasePending:    0,
	PhaseRunning:    1,
	PhaseCollecting: 2,
	PhaseMerging:    3,
	PhaseReviewing:  4,
	PhaseCompleted:  5,
}

// PhaseRecord is the run-level summary of one phase.
type PhaseRecord struct {
	Number      int         `json:"number"`
	Name        string      `json:"name,omitempty"`
	TaskIDs     []string    `json:"taskIds,omitempty"`
	Status      PhaseStatus `json:"status"`
	StartedAt   *time.Time  `json:"startedAt,omitempty"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
}

func (p *PhaseRecord) advance(to PhaseStatus, now time.Time) error {
	if to == p.Status {
		return nil
	}
	if p.Status == PhaseCompleted || p.Status == PhaseFailed {
		return fmt.Errorf("phase %d is already %s", p.Number, p.Status)
	}
	if p.StartedAt == nil && p.Status == PhasePending {
		at := now
		p.StartedAt = &at
	}
	if to == PhaseFailed {
		p.Status = to
		at := now
		p.CompletedAt = &at
		return nil
	}
	from, okFrom := phaseOrder[p.Status]
	rank, okTo := phaseOrder[to]
	if !okFrom || !okTo || rank < from {
		return fmt.Errorf("phase %d: cannot move from %q to %q", p.Number, p.Status, to)
	}
	p.Status = to
	if to == PhaseCompleted {
		at := now
		p.CompletedAt = &at
	}
	return nil
}

// StepStatus is the outcome of one dispatch unit.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepResult records the outcome of one step. Skipped steps carry the
// escalation that replaced their retries.
type StepResult struct {
	StepID       string     `json:"stepId"`
	StepOrder    int        `json:"stepOrder"`
	Status       StepStatus `json:"status"`
	Output       string     `json:"output,omitempty"`
	Error        string     `json:"error,omitempty"`
	CompletedAt  time.Time  `json:"completedAt"`
	EscalationID string     `json:"escalationId,omitempty"`
}

// Run is the persisted state of one pipeline execution. Exactly one of
// ProjectName / PipelineID identifies the owner; project runs also keep
// the project -> run mapping current.
type Run struct {
	RunID              string        `json:"runId"`
	ProjectName        string        `json:"projectName,omitempty"`
	PipelineID         string        `json:"pipelineId,omitempty"`
	PipelineName       string        `json:"pipelineName,omitempty"`
	Status             Status        `json:"status"`
	CurrentPhaseNumber int           `json:"currentPhaseNumber"`
	Phases             []PhaseRecord `json:"phases,omitempty"`
	StepResults        []StepResult  `json:"stepResults,omitempty"`
	StartedAt          time.Time     `json:"startedAt"`
	CompletedAt        *time.Time    `json:"completedAt,omitempty"`
	ProjectDir         string        `json:"projectDir,omitempty"`
	RepoDir            string        `json:"repoDir,omitempty"`
	BaseBranch         string        `json:"baseBranch,omitempty"`
	ActiveSessionKey   string        `json:"activeSessionKey,omitempty"`
	ActiveTaskID       string        `json:"activeTaskId,omitempty"`
}

// Phase returns the record for a phase number, or nil.
func (r *Run) Phase(number int) *PhaseRecord {
	for i := range r.Phases {
		if r.Phases[i].Number == number {
			return &r.Phases[i]
		}
	}
	return nil
}

// StepResult returns the recorded result for a step order, or nil.
func (r *Run) StepResult(stepOrder int) *StepResult {
	for i := range r.StepResults {
		if r.StepResults[i].StepOrder == stepOrder {
			return &r.StepResults[i]
		}
	}
	return nil
}

// activeRef is the body of project-runs/<project>.json.
type activeRef struct {
	RunID     string    `json:"runId"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Manager reads and writes run files.
type Manager struct {
	store *store.Store
	paths config.Paths
	now   func() time.Time
}

// New creates a Manager over the configured data root.
func New(s *store.Store, paths config.Paths) *Manager {
	return &Manager{store: s, paths: paths, now: time.Now}
}

// SetNowFunc overrides the clock, for tests.
func (m *Manager) SetNowFunc(now func() time.Time) { m.now = now }

// NewRunID returns a fresh time-ordered run id.
func (m *Manager) NewRunID() string {
	stamp := m.now().UTC().Format("20060102-150405")
	return "run-" + stamp + "-" + strings.Split(uuid.NewString(), "-")[0]
}

// Create persists a new run. For project-owned runs it refuses to start
// while the project's mapped run is still non-terminal, and records the
// new run as the project's active run. The check and both writes happen
// under the mapping file's lock so two concurrent starts cannot race.
func (m *Manager) Create(run *Run) error {
	if run.RunID == "" {
		run.RunID = m.NewRunID()
	}
	if run.Status == "" {
		run.Status = StatusRunning
	}
	now := m.now().UTC()
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	for i := range run.Phases {
		if run.Phases[i].Status == "" {
			run.Phases[i].Status = PhasePending
		}
	}

	if run.ProjectName == "" {
		return store.WriteJSONAtomic(m.paths.RunFile(run.RunID), run)
	}

	mapping := m.paths.ProjectRunFile(run.ProjectName)
	return m.store.WithLock(mapping, func() error {
		ref, err := store.ReadJSON[activeRef](mapping)
		switch {
		case err == nil && ref.RunID != "":
			prev, gerr := m.Get(ref.RunID)
			if gerr == nil && !prev.Status.Terminal() {
				return swarmerr.ErrRunActive(run.ProjectName, ref.RunID)
			}
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return err
		}
		if err := store.WriteJSONAtomic(m.paths.RunFile(run.RunID), run); err != nil {
			return err
		}
		return store.WriteJSONAtomic(mapping, activeRef{RunID: run.RunID, UpdatedAt: now})
	})
}

// Get loads a run by id.
func (m *Manager) Get(runID string) (*Run, error) {
	run, err := store.ReadJSON[*Run](m.paths.RunFile(runID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, swarmerr.ErrRunNotFound(runID)
		}
		return nil, err
	}
	return run, nil
}

// Update applies mutate to the run under its file lock and persists the
// result. A mutate error aborts without writing.
func (m *Manager) Update(runID string, mutate func(*Run) error) (*Run, error) {
	return store.Update(m.store, m.paths.RunFile(runID), func(cur *Run, found bool) (*Run, error) {
		if !found || cur == nil {
			return nil, swarmerr.ErrRunNotFound(runID)
		}
		if err := mutate(cur); err != nil {
			return nil, err
		}
		return cur, nil
	})
}

// SetStatus moves the run to a new status. Terminal runs never change
// again, so a late duplicate webhook is a no-op. Entering a terminal
// status stamps CompletedAt and releases the project's active-run slot.
func (m *Manager) SetStatus(runID string, status Status) (*Run, error) {
	run, err := m.Update(runID, func(r *Run) error {
		if r.Status.Terminal() {
			return nil
		}
		r.Status = status
		if status.Terminal() && r.CompletedAt == nil {
			now := m.now().UTC()
			r.CompletedAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() && run.ProjectName != "" {
		if err := m.clearActive(run.ProjectName, runID); err != nil {
			return nil, err
		}
	}
	return run, nil
}

// StartPhase makes phase number the run's current phase and marks its
// record running.
func (m *Manager) StartPhase(runID string, number int) (*Run, error) {
	return m.Update(runID, func(r *Run) error {
		p := r.Phase(number)
		if p == nil {
			return fmt.Errorf("run %s has no phase %d", runID, number)
		}
		if err := p.advance(PhaseRunning, m.now().UTC()); err != nil {
			return err
		}
		r.CurrentPhaseNumber = number
		return nil
	})
}

// SetPhaseStatus advances one phase record.
func (m *Manager) SetPhaseStatus(runID string, number int, status PhaseStatus) (*Run, error) {
	return m.Update(runID, func(r *Run) error {
		p := r.Phase(number)
		if p == nil {
			return fmt.Errorf("run %s has no phase %d", runID, number)
		}
		return p.advance(status, m.now().UTC())
	})
}

// AddStepResult records a step outcome, replacing any earlier result
// for the same step order so webhook redelivery stays idempotent.
func (m *Manager) AddStepResult(runID string, res StepResult) (*Run, error) {
	if res.CompletedAt.IsZero() {
		res.CompletedAt = m.now().UTC()
	}
	return m.Update(runID, func(r *Run) error {
		for i := range r.StepResults {
			if r.StepResults[i].StepOrder == res.StepOrder {
				r.StepResults[i] = res
				return nil
			}
		}
		r.StepResults = append(r.StepResults, res)
		return nil
	})
}

// SetActiveSession records the session the run is currently waiting on.
func (m *Manager) SetActiveSession(runID, sessionKey, taskID string) (*Run, error) {
	return m.Update(runID, func(r *Run) error {
		r.ActiveSessionKey = sessionKey
		r.ActiveTaskID = taskID
		return nil
	})
}

// ActiveRun returns the project's mapped run when it is still
// non-terminal.
func (m *Manager) ActiveRun(project string) (*Run, bool, error) {
	ref, err := store.ReadJSON[activeRef](m.paths.ProjectRunFile(project))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if ref.RunID == "" {
		return nil, false, nil
	}
	run, err := m.Get(ref.RunID)
	if err != nil {
		var se *swarmerr.Error
		if errors.As(err, &se) && se.Code == swarmerr.CodeRunNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	if run.Status.Terminal() {
		return nil, false, nil
	}
	return run, true, nil
}

// clearActive removes the project mapping if it still points at runID.
func (m *Manager) clearActive(project, runID string) error {
	mapping := m.paths.ProjectRunFile(project)
	return m.store.WithLock(mapping, func() error {
		ref, err := store.ReadJSON[activeRef](mapping)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		if ref.RunID != runID {
			return nil
		}
		if err := os.Remove(mapping); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	})
}

// LoadActive enumerates every run file and returns the non-terminal
// runs, oldest first. Called once at process start so interrupted runs
// re-enter the active table and resume.
func (m *Manager) LoadActive() ([]*Run, error) {
	runs, err := m.readAll()
	if err != nil {
		return nil, err
	}
	var active []*Run
	for _, r := range runs {
		if !r.Status.Terminal() {
			active = append(active, r)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].StartedAt.Before(active[j].StartedAt) })
	return active, nil
}

// List returns every run, newest first.
func (m *Manager) List() ([]*Run, error) {
	runs, err := m.readAll()
	if err != nil {
		return nil, err
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	return runs, nil
}

func (m *Manager) readAll() ([]*Run, error) {
	entries, err := os.ReadDir(m.paths.RunsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var runs []*Run
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		run, err := store.ReadJSON[*Run](filepath.Join(m.paths.RunsDir(), e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read run %s: %w", e.Name(), err)
		}
		runs = append(runs, run)
	}
	return runs, nil
}
