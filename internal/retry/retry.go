// Package retry tracks per-(run, step) attempt history with exponential
// backoff and jitter. It only computes and records state; the dispatcher
// owns the actual retry timers.
package retry

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/swarmops/swarmops/internal/store"
)

// Policy is the spawn retry policy.
type Policy struct {
	MaxAttempts       int     `json:"maxAttempts"`
	BaseDelayMs       int     `json:"baseDelayMs"`
	MaxDelayMs        int     `json:"maxDelayMs"`
	BackoffMultiplier float64 `json:"backoffMultiplier"`
}

// DefaultPolicy returns the standard spawn retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		BaseDelayMs:       5000,
		MaxDelayMs:        60000,
		BackoffMultiplier: 2.0,
	}
}

// Delay computes the backoff after attemptCount recorded failures:
// min(maxDelay, base * multiplier^attemptCount ± 10% jitter).
func (p Policy) Delay(attemptCount int) time.Duration {
	raw := float64(p.BaseDelayMs) * math.Pow(p.BackoffMultiplier, float64(attemptCount))
	jitter := (rand.Float64()*2 - 1) * 0.1 * raw
	ms := math.Floor(raw + jitter)
	if max := float64(p.MaxDelayMs); ms > max {
		ms = max
	}
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}

// DelayNoJitter is Delay without the random component, for tests.
func (p Policy) DelayNoJitter(attemptCount int) time.Duration {
	raw := float64(p.BaseDelayMs) * math.Pow(p.BackoffMultiplier, float64(attemptCount))
	if max := float64(p.MaxDelayMs); raw > max {
		raw = max
	}
	return time.Duration(raw) * time.Millisecond
}

// Status of a retry state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRetrying  Status = "retrying"
	StatusExhausted Status = "exhausted"
	StatusSucceeded Status = "succeeded"
)

// Attempt is one recorded try.
type Attempt struct {
	At         time.Time `json:"at"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"durationMs,omitempty"`
}

// State is the attempt history for one (run, stepOrder) key.
type State struct {
	RunID       string     `json:"runId"`
	StepOrder   int        `json:"stepOrder"`
	Policy      Policy     `json:"policy"`
	Attempts    []Attempt  `json:"attempts"`
	Status      Status     `json:"status"`
	NextRetryAt *time.Time `json:"nextRetryAt,omitempty"`
}

// FailureCount returns the number of failed attempts.
func (s *State) FailureCount() int {
	n := 0
	for _, a := range s.Attempts {
		if !a.Success {
			n++
		}
	}
	return n
}

// LastError returns the most recent attempt error, if any.
func (s *State) LastError() string {
	for i := len(s.Attempts) - 1; i >= 0; i-- {
		if s.Attempts[i].Error != "" {
			return s.Attempts[i].Error
		}
	}
	return ""
}

// Controller persists retry state to a single JSON file plus an
// in-memory map for fast reads.
type Controller struct {
	store *store.Store
	path  string
	now   func() time.Time

	mu     sync.Mutex
	states map[string]*State
	loaded bool
}

// New creates a Controller backed by the file at path.
func New(s *store.Store, path string) *Controller {
	return &Controller{
		store:  s,
		path:   path,
		now:    time.Now,
		states: make(map[string]*State),
	}
}

// SetNowFunc overrides the clock, for tests.
func (c *Controller) SetNowFunc(now func() time.Time) { c.now = now }

func stateKey(runID string, stepOrder int) string {
	return fmt.Sprintf("%s:%d", runID, stepOrder)
}

func (c *Controller) ensureLoadedLocked() error {
	if c.loaded {
		return nil
	}
	m, err := store.ReadJSON[map[string]*State](c.path)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		m = make(map[string]*State)
	}
	c.states = m
	c.loaded = true
	return nil
}

func (c *Controller) persistLocked() error {
	return store.WriteJSONAtomic(c.path, c.states)
}

// InitState creates the entry for (runID, stepOrder) if absent.
func (c *Controller) InitState(runID string, stepOrder int, policy Policy) (*State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoadedLocked(); err != nil {
		return nil, err
	}
	k := stateKey(runID, stepOrder)
	if s, ok := c.states[k]; ok {
		return s, nil
	}
	s := &State{
		RunID:     runID,
		StepOrder: stepOrder,
		Policy:    policy,
		Status:    StatusPending,
	}
	c.states[k] = s
	if err := c.persistLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// RecordAttempt appends an attempt and advances the state: success wins
// immediately; the policy cap makes it exhausted; otherwise a retry is
// scheduled at now + Delay(failures).
func (c *Controller) RecordAttempt(runID string, stepOrder int, success bool, errMsg string, durationMs int64) (*State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoadedLocked(); err != nil {
		return nil, err
	}
	k := stateKey(runID, stepOrder)
	s, ok := c.states[k]
	if !ok {
		s = &State{RunID: runID, StepOrder: stepOrder, Policy: DefaultPolicy(), Status: StatusPending}
		c.states[k] = s
	}

	s.Attempts = append(s.Attempts, Attempt{
		At:         c.now().UTC(),
		Success:    success,
		Error:      errMsg,
		DurationMs: durationMs,
	})

	switch {
	case success:
		s.Status = StatusSucceeded
		s.NextRetryAt = nil
	case len(s.Attempts) >= s.Policy.MaxAttempts:
		s.Status = StatusExhausted
		s.NextRetryAt = nil
	default:
		s.Status = StatusRetrying
		at := c.now().UTC().Add(s.Policy.Delay(len(s.Attempts)))
		s.NextRetryAt = &at
	}

	if err := c.persistLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns the state for (runID, stepOrder) if present.
func (c *Controller) Get(runID string, stepOrder int) (*State, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoadedLocked(); err != nil {
		return nil, false, err
	}
	s, ok := c.states[stateKey(runID, stepOrder)]
	return s, ok, nil
}

// IsExhausted reports whether the key has burned through its attempts.
func (c *Controller) IsExhausted(runID string, stepOrder int) (bool, error) {
	s, ok, err := c.Get(runID, stepOrder)
	if err != nil || !ok {
		return false, err
	}
	return s.Status == StatusExhausted, nil
}

// ClearState removes the entry, used when a retried step finally lands.
func (c *Controller) ClearState(runID string, stepOrder int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoadedLocked(); err != nil {
		return err
	}
	delete(c.states, stateKey(runID, stepOrder))
	return c.persistLocked()
}

// ByRun returns all states belonging to a run.
func (c *Controller) ByRun(runID string) ([]*State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLoadedLocked(); err != nil {
		return nil, err
	}
	var out []*State
	for _, s := range c.states {
		if s.RunID == runID {
			out = append(out, s)
		}
	}
	return out, nil
}
