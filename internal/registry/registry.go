// Package registry is the process-wide (project, task) index used for
// spawn deduplication. It is a weak back-reference only: ownership of
// tasks stays with runs and phases.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/swarmops/swarmops/internal/store"
	"github.com/swarmops/swarmops/internal/swarmerr"
)

// Status of a registry entry.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Entry records where a task was last dispatched.
type Entry struct {
	Status      Status     `json:"status"`
	RunID       string     `json:"runId"`
	PhaseNumber int        `json:"phaseNumber"`
	WorkerID    string     `json:"workerId"`
	Branch      string     `json:"branch,omitempty"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// cacheTTL bounds how stale reads may be; mutations always hit disk.
const cacheTTL = 5 * time.Second

// Registry persists to a single JSON file keyed "project:taskId".
type Registry struct {
	store *store.Store
	path  string
	now   func() time.Time

	mu       sync.Mutex
	cache    map[string]Entry
	cachedAt time.Time
}

// New creates a Registry backed by the file at path.
func New(s *store.Store, path string) *Registry {
	return &Registry{store: s, path: path, now: time.Now}
}

// SetNowFunc overrides the clock, for tests.
func (r *Registry) SetNowFunc(now func() time.Time) { r.now = now }

func key(project, taskID string) string { return project + ":" + taskID }

// load returns the current registry map, honoring the TTL cache.
// Callers must hold r.mu.
func (r *Registry) loadLocked(force bool) (map[string]Entry, error) {
	if !force && r.cache != nil && r.now().Sub(r.cachedAt) < cacheTTL {
		return r.cache, nil
	}
	m, err := store.ReadJSON[map[string]Entry](r.path)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		m = make(map[string]Entry)
	}
	r.cache = m
	r.cachedAt = r.now()
	return m, nil
}

// invalidate drops the TTL cache after a write.
func (r *Registry) invalidateLocked(next map[string]Entry) {
	r.cache = next
	r.cachedAt = r.now()
}

// Get returns the entry for (project, taskID) if present.
func (r *Registry) Get(project, taskID string) (Entry, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.loadLocked(false)
	if err != nil {
		return Entry{}, false, err
	}
	e, ok := m[key(project, taskID)]
	return e, ok, err
}

// Decision is the CanSpawn verdict.
type Decision struct {
	CanSpawn bool
	Reason   string
	Existing *Entry
}

// CanSpawn reports whether a task may be dispatched: false iff an entry
// exists with status running or completed. failed/cancelled/absent all
// allow a new spawn.
func (r *Registry) CanSpawn(project, taskID string) (Decision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.loadLocked(false)
	if err != nil {
		return Decision{}, err
	}
	return decide(m, project, taskID), nil
}

func decide(m map[string]Entry, project, taskID string) Decision {
	e, ok := m[key(project, taskID)]
	if !ok {
		return Decision{CanSpawn: true}
	}
	switch e.Status {
	case StatusRunning:
		return Decision{Reason: fmt.Sprintf("already running as worker %s", e.WorkerID), Existing: &e}
	case StatusCompleted:
		return Decision{Reason: "already completed", Existing: &e}
	default:
		return Decision{CanSpawn: true, Existing: &e}
	}
}

// RegisterInput carries the dispatch context for a new entry.
type RegisterInput struct {
	RunID       string
	PhaseNumber int
	WorkerID    string
	Branch      string
}

// Register claims (project, taskID) as running. It re-checks the spawn
// decision under the file lock, so for two racing callers exactly one
// wins; the loser gets a DUPLICATE_SPAWN error.
func (r *Registry) Register(project, taskID string, in RegisterInput) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := store.Update(r.store, r.path, func(m map[string]Entry, found bool) (map[string]Entry, error) {
		if m == nil {
			m = make(map[string]Entry)
		}
		if d := decide(m, project, taskID); !d.CanSpawn {
			return nil, &swarmerr.Error{
				Code: swarmerr.CodeDuplicateSpawn,
				What: fmt.Sprintf("task %s is not spawnable", taskID),
				Why:  d.Reason,
			}
		}
		m[key(project, taskID)] = Entry{
			Status:      StatusRunning,
			RunID:       in.RunID,
			PhaseNumber: in.PhaseNumber,
			WorkerID:    in.WorkerID,
			Branch:      in.Branch,
			StartedAt:   r.now().UTC(),
		}
		r.invalidateLocked(m)
		return m, nil
	})
	return err
}

// UpdateStatus mutates an existing entry's status.
func (r *Registry) UpdateStatus(project, taskID string, status Status, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := store.Update(r.store, r.path, func(m map[string]Entry, found bool) (map[string]Entry, error) {
		if m == nil {
			m = make(map[string]Entry)
		}
		k := key(project, taskID)
		e, ok := m[k]
		if !ok {
			return nil, fmt.Errorf("no registry entry for %s", k)
		}
		e.Status = status
		e.Error = errMsg
		if status != StatusRunning && e.CompletedAt == nil {
			at := r.now().UTC()
			e.CompletedAt = &at
		}
		m[k] = e
		r.invalidateLocked(m)
		return m, nil
	})
	return err
}

// ClearStale sweeps entries stuck in running beyond maxAge, marking them
// failed. Returns how many were swept.
func (r *Registry) ClearStale(maxAge time.Duration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	swept := 0
	_, err := store.Update(r.store, r.path, func(m map[string]Entry, found bool) (map[string]Entry, error) {
		if m == nil {
			m = make(map[string]Entry)
		}
		cutoff := r.now().UTC().Add(-maxAge)
		for k, e := range m {
			if e.Status == StatusRunning && e.StartedAt.Before(cutoff) {
				e.Status = StatusFailed
				e.Error = fmt.Sprintf("stale: no completion after %s", maxAge)
				at := r.now().UTC()
				e.CompletedAt = &at
				m[k] = e
				swept++
			}
		}
		r.invalidateLocked(m)
		return m, nil
	})
	return swept, err
}

// Skipped explains why FilterSpawnable dropped a task.
type Skipped struct {
	TaskID string
	Reason string
}

// FilterSpawnable partitions candidates into spawnable and skipped for
// batch dispatch.
func (r *Registry) FilterSpawnable(project string, taskIDs []string) ([]string, []Skipped, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.loadLocked(true)
	if err != nil {
		return nil, nil, err
	}
	var spawnable []string
	var skipped []Skipped
	for _, id := range taskIDs {
		if d := decide(m, project, id); d.CanSpawn {
			spawnable = append(spawnable, id)
		} else {
			skipped = append(skipped, Skipped{TaskID: id, Reason: d.Reason})
		}
	}
	return spawnable, skipped, nil
}
