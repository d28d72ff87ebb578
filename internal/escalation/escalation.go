// Package escalation keeps the human action queue: failures that burned
// through automated retries or fix budgets and now need an operator.
// Escalations only leave the queue by human action (resolve or dismiss).
package escalation

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/swarmops/swarmops/internal/store"
	"github.com/swarmops/swarmops/internal/swarmerr"
)

// Severity ranks how urgently an operator should look.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ValidSeverity reports whether s is a known severity.
func ValidSeverity(s Severity) bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Status of a queue entry.
type Status string

const (
	StatusOpen      Status = "open"
	StatusResolved  Status = "resolved"
	StatusDismissed Status = "dismissed"
)

// Note is a free-form operator annotation.
type Note struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// Escalation is one human queue entry.
type Escalation struct {
	ID           string     `json:"id"`
	RunID        string     `json:"runId,omitempty"`
	PipelineID   string     `json:"pipelineId,omitempty"`
	PhaseNumber  int        `json:"phaseNumber,omitempty"`
	StepOrder    int        `json:"stepOrder,omitempty"`
	RoleID       string     `json:"roleId,omitempty"`
	TaskID       string     `json:"taskId,omitempty"`
	Message      string     `json:"message"`
	AttemptCount int        `json:"attemptCount,omitempty"`
	MaxAttempts  int        `json:"maxAttempts,omitempty"`
	Severity     Severity   `json:"severity"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	ResolvedAt   *time.Time `json:"resolvedAt,omitempty"`
	Resolution   string     `json:"resolution,omitempty"`
	ResolvedBy   string     `json:"resolvedBy,omitempty"`
	Notes        []Note     `json:"notes,omitempty"`
}

// CreateParams describes a new escalation. Severity is optional; when
// empty it is derived from the attempt counts.
type CreateParams struct {
	RunID        string
	PipelineID   string
	PhaseNumber  int
	StepOrder    int
	RoleID       string
	TaskID       string
	Message      string
	AttemptCount int
	MaxAttempts  int
	Severity     Severity
}

// defaultSeverity maps attempt exhaustion onto a severity: a fully
// burned standard budget is high, a smaller budget medium, anything
// still under budget low.
func defaultSeverity(attemptCount, maxAttempts int) Severity {
	switch {
	case maxAttempts >= 3 && attemptCount >= maxAttempts:
		return SeverityHigh
	case attemptCount >= maxAttempts:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Manager persists the queue as a single JSON list.
type Manager struct {
	store *store.Store
	path  string
	now   func() time.Time
}

// New creates a Manager backed by the file at path.
func New(s *store.Store, path string) *Manager {
	return &Manager{store: s, path: path, now: time.Now}
}

// SetNowFunc overrides the clock, for tests.
func (m *Manager) SetNowFunc(now func() time.Time) { m.now = now }

func newID() string {
	return "esc-" + strings.Split(uuid.NewString(), "-")[0]
}

func (m *Manager) load() ([]*Escalation, error) {
	list, err := store.ReadJSON[[]*Escalation](m.path)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return list, nil
}

// Create adds an open escalation to the queue.
func (m *Manager) Create(p CreateParams) (*Escalation, error) {
	sev := p.Severity
	if sev == "" {
		sev = defaultSeverity(p.AttemptCount, p.MaxAttempts)
	}
	if !ValidSeverity(sev) {
		return nil, fmt.Errorf("invalid severity %q", sev)
	}

	now := m.now().UTC()
	esc := &Escalation{
		ID:           newID(),
		RunID:        p.RunID,
		PipelineID:   p.PipelineID,
		PhaseNumber:  p.PhaseNumber,
		StepOrder:    p.StepOrder,
		RoleID:       p.RoleID,
		TaskID:       p.TaskID,
		Message:      p.Message,
		AttemptCount: p.AttemptCount,
		MaxAttempts:  p.MaxAttempts,
		Severity:     sev,
		Status:       StatusOpen,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err := store.Update(m.store, m.path, func(cur []*Escalation, _ bool) ([]*Escalation, error) {
		return append(cur, esc), nil
	})
	if err != nil {
		return nil, err
	}
	return esc, nil
}

// EnsureOpen returns the open escalation for (runID, taskID) or creates
// one. The dispatcher calls this when it skips an exhausted task so the
// queue never grows a duplicate per dispatch wave.
func (m *Manager) EnsureOpen(p CreateParams) (*Escalation, bool, error) {
	list, err := m.load()
	if err != nil {
		return nil, false, err
	}
	for _, e := range list {
		if e.Status == StatusOpen && e.RunID == p.RunID && e.TaskID == p.TaskID {
			return e, false, nil
		}
	}
	esc, err := m.Create(p)
	if err != nil {
		return nil, false, err
	}
	return esc, true, nil
}

// Get returns the escalation with the given id.
func (m *Manager) Get(id string) (*Escalation, error) {
	list, err := m.load()
	if err != nil {
		return nil, err
	}
	for _, e := range list {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, swarmerr.ErrEscalationNotFound(id)
}

// ListOpen returns open escalations, newest first.
func (m *Manager) ListOpen() ([]*Escalation, error) {
	return m.filter(func(e *Escalation) bool { return e.Status == StatusOpen })
}

// ByRun returns every escalation for a run, newest first.
func (m *Manager) ByRun(runID string) ([]*Escalation, error) {
	return m.filter(func(e *Escalation) bool { return e.RunID == runID })
}

// ByPipeline returns every escalation for a pipeline, newest first.
func (m *Manager) ByPipeline(pipelineID string) ([]*Escalation, error) {
	return m.filter(func(e *Escalation) bool { return e.PipelineID == pipelineID })
}

func (m *Manager) filter(keep func(*Escalation) bool) ([]*Escalation, error) {
	list, err := m.load()
	if err != nil {
		return nil, err
	}
	var out []*Escalation
	for _, e := range list {
		if keep(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Resolve closes an escalation with a resolution text. Resolving an
// already-terminal entry is a no-op.
func (m *Manager) Resolve(id, resolution, by string) (*Escalation, error) {
	return m.mutate(id, func(e *Escalation) {
		if e.Status != StatusOpen {
			return
		}
		now := m.now().UTC()
		e.Status = StatusResolved
		e.Resolution = resolution
		e.ResolvedBy = by
		e.ResolvedAt = &now
		e.UpdatedAt = now
	})
}

// Dismiss closes an escalation without treating it as fixed.
func (m *Manager) Dismiss(id, reason string) (*Escalation, error) {
	return m.mutate(id, func(e *Escalation) {
		if e.Status != StatusOpen {
			return
		}
		now := m.now().UTC()
		e.Status = StatusDismissed
		e.Resolution = reason
		e.ResolvedAt = &now
		e.UpdatedAt = now
	})
}

// AddNote appends an operator note.
func (m *Manager) AddNote(id, text string) (*Escalation, error) {
	return m.mutate(id, func(e *Escalation) {
		now := m.now().UTC()
		e.Notes = append(e.Notes, Note{At: now, Text: text})
		e.UpdatedAt = now
	})
}

// SetSeverity reclassifies an escalation.
func (m *Manager) SetSeverity(id string, sev Severity) (*Escalation, error) {
	if !ValidSeverity(sev) {
		return nil, fmt.Errorf("invalid severity %q", sev)
	}
	return m.mutate(id, func(e *Escalation) {
		e.Severity = sev
		e.UpdatedAt = m.now().UTC()
	})
}

func (m *Manager) mutate(id string, apply func(*Escalation)) (*Escalation, error) {
	var target *Escalation
	_, err := store.Update(m.store, m.path, func(cur []*Escalation, _ bool) ([]*Escalation, error) {
		for _, e := range cur {
			if e.ID == id {
				apply(e)
				target = e
				return cur, nil
			}
		}
		return nil, swarmerr.ErrEscalationNotFound(id)
	})
	if err != nil {
		return nil, err
	}
	return target, nil
}

// ResolveByTaskID closes every open escalation for a task. Called from
// the webhook path when a previously-failed task later succeeds.
func (m *Manager) ResolveByTaskID(taskID, reason, by string) (int, error) {
	resolved := 0
	_, err := store.Update(m.store, m.path, func(cur []*Escalation, _ bool) ([]*Escalation, error) {
		now := m.now().UTC()
		for _, e := range cur {
			if e.Status != StatusOpen || e.TaskID != taskID {
				continue
			}
			e.Status = StatusResolved
			e.Resolution = reason
			e.ResolvedBy = by
			e.ResolvedAt = &now
			e.UpdatedAt = now
			resolved++
		}
		return cur, nil
	})
	if err != nil {
		return 0, err
	}
	return resolved, nil
}

// Stats summarizes the queue.
type Stats struct {
	Total          int              `json:"total"`
	Open           int              `json:"open"`
	Resolved       int              `json:"resolved"`
	Dismissed      int              `json:"dismissed"`
	OpenBySeverity map[Severity]int `json:"openBySeverity"`
}

// Stats returns queue counts by status and, for open entries, severity.
func (m *Manager) Stats() (Stats, error) {
	list, err := m.load()
	if err != nil {
		return Stats{}, err
	}
	st := Stats{OpenBySeverity: make(map[Severity]int)}
	for _, e := range list {
		st.Total++
		switch e.Status {
		case StatusOpen:
			st.Open++
			st.OpenBySeverity[e.Severity]++
		case StatusResolved:
			st.Resolved++
		case StatusDismissed:
			st.Dismissed++
		}
	}
	return st, nil
}

// Prune drops resolved and dismissed escalations older than keepDays.
// Open entries are never pruned regardless of age.
func (m *Manager) Prune(keepDays int) (int, error) {
	cutoff := m.now().UTC().AddDate(0, 0, -keepDays)
	pruned := 0
	_, err := store.Update(m.store, m.path, func(cur []*Escalation, _ bool) ([]*Escalation, error) {
		kept := cur[:0]
		for _, e := range cur {
			old := e.UpdatedAt.Before(cutoff)
			if e.Status != StatusOpen && old {
				pruned++
				continue
			}
			kept = append(kept, e)
		}
		return kept, nil
	})
	if err != nil {
		return 0, err
	}
	return pruned, nil
}
