// Package ledger is the append-only work log. Every work item lives on
// the JSONL shard for its creation date; the in-memory cache is a pure
// fold of the records, so replaying a shard reconstructs state exactly.
package ledger

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/swarmops/swarmops/internal/config"
	"github.com/swarmops/swarmops/internal/store"
	"github.com/swarmops/swarmops/internal/swarmerr"
)

// Status is a work item's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// terminal statuses set the completion timestamp.
func (s Status) terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusCancelled
}

// allowedTransitions is the work state machine. Anything absent is an
// invalid transition.
var allowedTransitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusComplete, StatusFailed, StatusCancelled},
}

func transitionAllowed(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// WorkEvent is a timestamped note attached to a work item.
type WorkEvent struct {
	Type    string    `json:"type"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// WorkItem is one unit of tracked work.
type WorkItem struct {
	ID          string      `json:"id"`
	Type        string      `json:"type"`
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	Status      Status      `json:"status"`
	RoleID      string      `json:"roleId,omitempty"`
	ParentID    string      `json:"parentId,omitempty"`
	Tags        []string    `json:"tags,omitempty"`
	Output      string      `json:"output,omitempty"`
	Error       string      `json:"error,omitempty"`
	Iterations  int         `json:"iterations"`
	Date        string      `json:"date"` // shard key, UTC YYYY-MM-DD
	CreatedAt   time.Time   `json:"createdAt"`
	StartedAt   *time.Time  `json:"startedAt,omitempty"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
	Events      []WorkEvent `json:"events,omitempty"`
}

func (w *WorkItem) clone() *WorkItem {
	c := *w
	c.Tags = append([]string(nil), w.Tags...)
	c.Events = append([]WorkEvent(nil), w.Events...)
	if w.StartedAt != nil {
		t := *w.StartedAt
		c.StartedAt = &t
	}
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// patch is the payload of an update record; nil fields are untouched.
type patch struct {
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	Output      *string   `json:"output,omitempty"`
	Error       *string   `json:"error,omitempty"`
	Iterations  *int      `json:"iterations,omitempty"`
	Tags        *[]string `json:"tags,omitempty"`
}

// record is the tagged envelope appended to a shard. Kind discriminates
// the variant so serialization round-trips unambiguously.
type record struct {
	Kind   string     `json:"kind"` // create | event | status | update
	At     time.Time  `json:"at"`
	Item   *WorkItem  `json:"item,omitempty"`
	WorkID string     `json:"workId,omitempty"`
	Event  *WorkEvent `json:"event,omitempty"`
	Status Status     `json:"status,omitempty"`
	Error  string     `json:"error,omitempty"`
	Patch  *patch     `json:"patch,omitempty"`
}

// Ledger folds per-day shards into an authoritative in-memory cache.
type Ledger struct {
	store  *store.Store
	paths  config.Paths
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	items     map[string]*WorkItem
	loaded    map[string]bool // date -> folded
	allLoaded bool
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(lg *Ledger) { lg.logger = l }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(lg *Ledger) { lg.now = now }
}

// New creates a Ledger over the given store and path layout.
func New(s *store.Store, paths config.Paths, opts ...Option) *Ledger {
	l := &Ledger{
		store:  s,
		paths:  paths,
		logger: slog.Default(),
		now:    time.Now,
		items:  make(map[string]*WorkItem),
		loaded: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CreateInput is the caller-facing shape for Create.
type CreateInput struct {
	ID          string
	Type        string
	Title       string
	Description string
	RoleID      string
	ParentID    string
	Tags        []string
}

// Create appends a create record and returns the new item.
func (l *Ledger) Create(in CreateInput) (*WorkItem, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	id := in.ID
	if id == "" {
		id = "work-" + strings.Split(uuid.NewString(), "-")[0]
	}
	if err := l.ensureLoadedLocked(dateOf(now)); err != nil {
		return nil, err
	}
	if _, exists := l.items[id]; exists {
		return nil, fmt.Errorf("work item %s already exists", id)
	}

	item := &WorkItem{
		ID:          id,
		Type:        in.Type,
		Title:       in.Title,
		Description: in.Description,
		Status:      StatusPending,
		RoleID:      in.RoleID,
		ParentID:    in.ParentID,
		Tags:        append([]string(nil), in.Tags...),
		Date:        dateOf(now),
		CreatedAt:   now,
	}
	rec := &record{Kind: "create", At: now, Item: item}
	if err := l.appendLocked(item.Date, rec); err != nil {
		return nil, err
	}
	if err := l.applyLocked(rec); err != nil {
		return nil, err
	}
	return l.items[id].clone(), nil
}

// Get returns a copy of the item, loading shards as needed.
func (l *Ledger) Get(id string) (*WorkItem, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	item, err := l.findLocked(id)
	if err != nil {
		return nil, err
	}
	return item.clone(), nil
}

// Filters narrows List output. Zero values mean "any".
type Filters struct {
	Date     string
	Status   Status
	Type     string
	RoleID   string
	ParentID string
	Tag      string
	Offset   int
	Limit    int
}

// List returns matching items, newest first.
func (l *Ledger) List(f Filters) ([]*WorkItem, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if f.Date != "" {
		if err := l.ensureLoadedLocked(f.Date); err != nil {
			return nil, err
		}
	} else if err := l.loadAllLocked(); err != nil {
		return nil, err
	}

	var out []*WorkItem
	for _, item := range l.items {
		if f.Date != "" && item.Date != f.Date {
			continue
		}
		if f.Status != "" && item.Status != f.Status {
			continue
		}
		if f.Type != "" && item.Type != f.Type {
			continue
		}
		if f.RoleID != "" && item.RoleID != f.RoleID {
			continue
		}
		if f.ParentID != "" && item.ParentID != f.ParentID {
			continue
		}
		if f.Tag != "" && !contains(item.Tags, f.Tag) {
			continue
		}
		out = append(out, item.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// AppendEvent attaches a timestamped event to an item.
func (l *Ledger) AppendEvent(id string, evType, message string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	item, err := l.findLocked(id)
	if err != nil {
		return err
	}
	rec := &record{
		Kind:   "event",
		At:     l.now().UTC(),
		WorkID: id,
		Event:  &WorkEvent{Type: evType, Message: message, At: l.now().UTC()},
	}
	if err := l.appendLocked(item.Date, rec); err != nil {
		return err
	}
	return l.applyLocked(rec)
}

// UpdateStatus moves an item through the work state machine.
func (l *Ledger) UpdateStatus(id string, to Status, errMsg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	item, err := l.findLocked(id)
	if err != nil {
		return err
	}
	if !transitionAllowed(item.Status, to) {
		return swarmerr.ErrInvalidTransition(id, string(item.Status), string(to))
	}
	rec := &record{
		Kind:   "status",
		At:     l.now().UTC(),
		WorkID: id,
		Status: to,
		Error:  errMsg,
	}
	if err := l.appendLocked(item.Date, rec); err != nil {
		return err
	}
	return l.applyLocked(rec)
}

// SetOutput records the item's final output.
func (l *Ledger) SetOutput(id, output string) error {
	return l.patch(id, &patch{Output: &output})
}

// IncrementIterations bumps the iteration counter by one.
func (l *Ledger) IncrementIterations(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	item, err := l.findLocked(id)
	if err != nil {
		return err
	}
	n := item.Iterations + 1
	rec := &record{Kind: "update", At: l.now().UTC(), WorkID: id, Patch: &patch{Iterations: &n}}
	if err := l.appendLocked(item.Date, rec); err != nil {
		return err
	}
	return l.applyLocked(rec)
}

// Cancel marks a pending or running item cancelled.
func (l *Ledger) Cancel(id, reason string) error {
	return l.UpdateStatus(id, StatusCancelled, reason)
}

func (l *Ledger) patch(id string, p *patch) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	item, err := l.findLocked(id)
	if err != nil {
		return err
	}
	rec := &record{Kind: "update", At: l.now().UTC(), WorkID: id, Patch: p}
	if err := l.appendLocked(item.Date, rec); err != nil {
		return err
	}
	return l.applyLocked(rec)
}

// --- fold machinery ---

// findLocked looks the item up in the cache, folding shards on a miss.
func (l *Ledger) findLocked(id string) (*WorkItem, error) {
	if item, ok := l.items[id]; ok {
		return item, nil
	}
	if err := l.loadAllLocked(); err != nil {
		return nil, err
	}
	if item, ok := l.items[id]; ok {
		return item, nil
	}
	return nil, swarmerr.ErrWorkNotFound(id)
}

func (l *Ledger) ensureLoadedLocked(date string) error {
	if l.loaded[date] {
		return nil
	}
	l.loaded[date] = true
	return l.foldShard(l.paths.WorkShard(date))
}

// loadAllLocked folds every shard under the work dir.
func (l *Ledger) loadAllLocked() error {
	if l.allLoaded {
		return nil
	}
	entries, err := os.ReadDir(l.paths.WorkDir())
	if err != nil {
		if os.IsNotExist(err) {
			l.allLoaded = true
			return nil
		}
		return fmt.Errorf("read work dir: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		date := strings.TrimSuffix(name, ".jsonl")
		if err := l.ensureLoadedLocked(date); err != nil {
			return err
		}
	}
	l.allLoaded = true
	return nil
}

func (l *Ledger) foldShard(path string) error {
	return l.store.FoldJSONL(path, func(line []byte) error {
		kind := gjson.GetBytes(line, "kind").String()
		switch kind {
		case "create", "event", "status", "update":
		default:
			return fmt.Errorf("unknown record kind %q", kind)
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		return l.applyLocked(&rec)
	})
}

// applyLocked is the single mutation path shared by live operations and
// shard replay. Whatever it does to the cache, replay reproduces.
func (l *Ledger) applyLocked(rec *record) error {
	switch rec.Kind {
	case "create":
		if rec.Item == nil {
			return fmt.Errorf("create record without item")
		}
		l.items[rec.Item.ID] = rec.Item.clone()
		return nil
	case "event":
		item, ok := l.items[rec.WorkID]
		if !ok {
			return fmt.Errorf("event for unknown work item %s", rec.WorkID)
		}
		if rec.Event != nil {
			item.Events = append(item.Events, *rec.Event)
		}
		return nil
	case "status":
		item, ok := l.items[rec.WorkID]
		if !ok {
			return fmt.Errorf("status for unknown work item %s", rec.WorkID)
		}
		item.Status = rec.Status
		if rec.Error != "" {
			item.Error = rec.Error
		}
		if rec.Status == StatusRunning && item.StartedAt == nil {
			at := rec.At
			item.StartedAt = &at
		}
		if rec.Status.terminal() && item.CompletedAt == nil {
			at := rec.At
			item.CompletedAt = &at
		}
		return nil
	case "update":
		item, ok := l.items[rec.WorkID]
		if !ok {
			return fmt.Errorf("update for unknown work item %s", rec.WorkID)
		}
		if p := rec.Patch; p != nil {
			if p.Title != nil {
				item.Title = *p.Title
			}
			if p.Description != nil {
				item.Description = *p.Description
			}
			if p.Output != nil {
				item.Output = *p.Output
			}
			if p.Error != nil {
				item.Error = *p.Error
			}
			if p.Iterations != nil {
				item.Iterations = *p.Iterations
			}
			if p.Tags != nil {
				item.Tags = append([]string(nil), (*p.Tags)...)
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown record kind %q", rec.Kind)
	}
}

func (l *Ledger) appendLocked(date string, rec *record) error {
	return l.store.AppendJSONL(l.paths.WorkShard(date), rec)
}

func dateOf(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
