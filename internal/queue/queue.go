// Package queue records operator submissions in work-queue.json. The
// queue is bookkeeping, not scheduling: entries trace a start request
// from submission through its run so the CLI can answer "what happened
// to the start I issued".
package queue

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/swarmops/swarmops/internal/store"
)

// Status of a queue entry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Entry is one operator submission.
type Entry struct {
	ID          string     `json:"id"`
	ProjectName string     `json:"projectName,omitempty"`
	PipelineID  string     `json:"pipelineId,omitempty"`
	RunID       string     `json:"runId,omitempty"`
	Status      Status     `json:"status"`
	EnqueuedAt  time.Time  `json:"enqueuedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Queue persists entries as a single JSON list.
type Queue struct {
	store *store.Store
	path  string
	now   func() time.Time
}

// New creates a Queue backed by the file at path.
func New(s *store.Store, path string) *Queue {
	return &Queue{store: s, path: path, now: time.Now}
}

// SetNowFunc overrides the clock, for tests.
func (q *Queue) SetNowFunc(now func() time.Time) { q.now = now }

// Enqueue records a submission for a project or a pipeline.
func (q *Queue) Enqueue(projectName, pipelineID string) (*Entry, error) {
	if projectName == "" && pipelineID == "" {
		return nil, fmt.Errorf("enqueue: a project or a pipeline is required")
	}
	e := &Entry{
		ID:          "wq-" + strings.Split(uuid.NewString(), "-")[0],
		ProjectName: projectName,
		PipelineID:  pipelineID,
		Status:      StatusPending,
		EnqueuedAt:  q.now().UTC(),
	}
	_, err := store.Update(q.store, q.path, func(cur []*Entry, _ bool) ([]*Entry, error) {
		return append(cur, e), nil
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// MarkRunning records that the submission turned into a run.
func (q *Queue) MarkRunning(id, runID string) (*Entry, error) {
	return q.mutate(id, func(e *Entry) {
		if e.Status != StatusPending {
			return
		}
		now := q.now().UTC()
		e.Status = StatusRunning
		e.RunID = runID
		e.StartedAt = &now
	})
}

// MarkCompleted closes the entry after its run finished.
func (q *Queue) MarkCompleted(id string) (*Entry, error) {
	return q.finish(id, StatusCompleted, "")
}

// MarkFailed closes the entry with an error, either because the start
// itself was rejected or because the run failed.
func (q *Queue) MarkFailed(id, reason string) (*Entry, error) {
	return q.finish(id, StatusFailed, reason)
}

func (q *Queue) finish(id string, status Status, reason string) (*Entry, error) {
	return q.mutate(id, func(e *Entry) {
		if e.Status == StatusCompleted || e.Status == StatusFailed {
			return
		}
		now := q.now().UTC()
		e.Status = status
		e.Error = reason
		e.CompletedAt = &now
	})
}

func (q *Queue) mutate(id string, apply func(*Entry)) (*Entry, error) {
	var target *Entry
	_, err := store.Update(q.store, q.path, func(cur []*Entry, _ bool) ([]*Entry, error) {
		for _, e := range cur {
			if e.ID == id {
				apply(e)
				target = e
				return cur, nil
			}
		}
		return nil, fmt.Errorf("queue entry %s not found", id)
	})
	if err != nil {
		return nil, err
	}
	return target, nil
}

// ByRun returns the entry that produced a run, if any.
func (q *Queue) ByRun(runID string) (*Entry, bool, error) {
	list, err := q.load()
	if err != nil {
		return nil, false, err
	}
	for _, e := range list {
		if e.RunID == runID {
			return e, true, nil
		}
	}
	return nil, false, nil
}

// List returns entries newest first, optionally filtered by status.
func (q *Queue) List(status Status) ([]*Entry, error) {
	list, err := q.load()
	if err != nil {
		return nil, err
	}
	var out []*Entry
	for _, e := range list {
		if status == "" || e.Status == status {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.After(out[j].EnqueuedAt) })
	return out, nil
}

// Prune drops terminal entries older than keepDays.
func (q *Queue) Prune(keepDays int) (int, error) {
	cutoff := q.now().UTC().AddDate(0, 0, -keepDays)
	pruned := 0
	_, err := store.Update(q.store, q.path, func(cur []*Entry, _ bool) ([]*Entry, error) {
		kept := cur[:0]
		for _, e := range cur {
			terminal := e.Status == StatusCompleted || e.Status == StatusFailed
			if terminal && e.EnqueuedAt.Before(cutoff) {
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

func (q *Queue) load() ([]*Entry, error) {
	list, err := store.ReadJSON[[]*Entry](q.path)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return list, nil
}
