// Package project manages the per-project workspace files: lifecycle
// state, the progress document, the interview transcript, and the
// implementation plan. The watcher reads these to decide phase
// advancement; the dispatcher rewrites progress.md as tasks land.
package project

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/swarmops/swarmops/internal/config"
	"github.com/swarmops/swarmops/internal/store"
	"github.com/swarmops/swarmops/internal/swarmerr"
	"github.com/swarmops/swarmops/internal/taskgraph"
)

// LifecyclePhase is a project's position in the interview-to-complete
// pipeline.
type LifecyclePhase string

const (
	PhaseInterview LifecyclePhase = "interview"
	PhaseSpec      LifecyclePhase = "spec"
	PhaseBuild     LifecyclePhase = "build"
	PhaseReview    LifecyclePhase = "review"
	PhaseComplete  LifecyclePhase = "complete"
)

// Status is the coarse health of the project within its phase.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusError   Status = "error"
)

// HistoryEntry records one lifecycle transition.
type HistoryEntry struct {
	At   time.Time      `json:"at"`
	From LifecyclePhase `json:"from"`
	To   LifecyclePhase `json:"to"`
	Note string         `json:"note,omitempty"`
}

// State is the persisted project lifecycle (state.json).
type State struct {
	Name      string         `json:"name"`
	Phase     LifecyclePhase `json:"phase"`
	Status    Status         `json:"status"`
	Iteration int            `json:"iteration"`
	History   []HistoryEntry `json:"history,omitempty"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// InterviewTurn is one exchange in the project interview.
type InterviewTurn struct {
	At   time.Time `json:"at"`
	Role string    `json:"role"` // "interviewer" or "user"
	Text string    `json:"text"`
}

// Interview is the persisted transcript (interview.json). The watcher
// advances interview -> spec when Complete flips true.
type Interview struct {
	Complete   bool            `json:"complete"`
	Goals      string          `json:"goals,omitempty"`
	Transcript []InterviewTurn `json:"transcript,omitempty"`
}

// Manager reads and writes project workspaces.
type Manager struct {
	store *store.Store
	paths config.Paths
	now   func() time.Time
}

// NewManager creates a Manager over the configured projects root.
func NewManager(s *store.Store, paths config.Paths) *Manager {
	return &Manager{store: s, paths: paths, now: time.Now}
}

// SetNowFunc overrides the clock, for tests.
func (m *Manager) SetNowFunc(now func() time.Time) { m.now = now }

// Init creates the project directory with an initial state file and an
// empty interview. Initializing an existing project is an error.
func (m *Manager) Init(name string) (*State, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	statePath := m.paths.ProjectState(name)
	if _, err := os.Stat(statePath); err == nil {
		return nil, fmt.Errorf("project %s already exists", name)
	}
	if err := os.MkdirAll(m.paths.ProjectDir(name), 0o755); err != nil {
		return nil, fmt.Errorf("create project dir: %w", err)
	}

	st := &State{
		Name:      name,
		Phase:     PhaseInterview,
		Status:    StatusIdle,
		UpdatedAt: m.now().UTC(),
	}
	if err := store.WriteJSONAtomic(statePath, st); err != nil {
		return nil, err
	}
	if err := store.WriteJSONAtomic(m.paths.ProjectInterview(name), &Interview{}); err != nil {
		return nil, err
	}
	return st, nil
}

// State returns the persisted lifecycle state.
func (m *Manager) State(name string) (*State, error) {
	st, err := store.ReadJSON[*State](m.paths.ProjectState(name))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, swarmerr.ErrProjectNotFound(name)
		}
		return nil, err
	}
	if st.Name == "" {
		st.Name = name
	}
	return st, nil
}

// SetPhase transitions the lifecycle phase and appends to history.
func (m *Manager) SetPhase(name string, phase LifecyclePhase, note string) (*State, error) {
	return m.update(name, func(st *State) {
		if st.Phase == phase {
			return
		}
		st.History = append(st.History, HistoryEntry{
			At:   m.now().UTC(),
			From: st.Phase,
			To:   phase,
			Note: note,
		})
		st.Phase = phase
	})
}

// SetStatus sets the coarse status within the current phase.
func (m *Manager) SetStatus(name string, status Status) (*State, error) {
	return m.update(name, func(st *State) { st.Status = status })
}

// BumpIteration increments the iteration counter (used per build wave).
func (m *Manager) BumpIteration(name string) (*State, error) {
	return m.update(name, func(st *State) { st.Iteration++ })
}

func (m *Manager) update(name string, apply func(*State)) (*State, error) {
	var out *State
	_, err := store.Update(m.store, m.paths.ProjectState(name), func(cur *State, found bool) (*State, error) {
		if !found || cur == nil {
			return nil, swarmerr.ErrProjectNotFound(name)
		}
		if cur.Name == "" {
			cur.Name = name
		}
		apply(cur)
		cur.UpdatedAt = m.now().UTC()
		out = cur
		return cur, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Interview returns the interview transcript; a missing file is an
// empty, incomplete interview.
func (m *Manager) Interview(name string) (*Interview, error) {
	iv, err := store.ReadJSON[*Interview](m.paths.ProjectInterview(name))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &Interview{}, nil
		}
		return nil, err
	}
	return iv, nil
}

// SaveInterview persists the transcript.
func (m *Manager) SaveInterview(name string, iv *Interview) error {
	return store.WriteJSONAtomic(m.paths.ProjectInterview(name), iv)
}

// HasPlan reports whether specs/IMPLEMENTATION_PLAN.md exists and is
// non-empty.
func (m *Manager) HasPlan(name string) bool {
	info, err := os.Stat(m.paths.ProjectPlan(name))
	return err == nil && info.Size() > 0
}

// Progress returns the raw progress document text.
func (m *Manager) Progress(name string) (string, error) {
	data, err := os.ReadFile(m.paths.ProjectProgress(name))
	if err != nil {
		return "", fmt.Errorf("read progress for %s: %w", name, err)
	}
	return string(data), nil
}

// HasProgress reports whether progress.md exists.
func (m *Manager) HasProgress(name string) bool {
	_, err := os.Stat(m.paths.ProjectProgress(name))
	return err == nil
}

// WriteProgress atomically replaces the progress document. Rewrites are
// serialized on the file path so two webhook-driven checkbox flips
// cannot interleave.
func (m *Manager) WriteProgress(name, text string) error {
	path := m.paths.ProjectProgress(name)
	return m.store.WithLock(path, func() error {
		return store.WriteFileAtomic(path, []byte(text))
	})
}

// MarkTaskDone flips one task's checkbox in progress.md under the
// progress file lock, read-modify-write.
func (m *Manager) MarkTaskDone(name, taskID string) error {
	path := m.paths.ProjectProgress(name)
	return m.store.WithLock(path, func() error {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read progress for %s: %w", name, err)
		}
		updated, err := taskgraph.MarkDone(string(data), taskID)
		if err != nil {
			return err
		}
		return store.WriteFileAtomic(path, []byte(updated))
	})
}

// Graph parses the progress document into a task graph.
func (m *Manager) Graph(name string) (*taskgraph.Graph, error) {
	text, err := m.Progress(name)
	if err != nil {
		return nil, err
	}
	return taskgraph.Parse(text)
}

// LastTouched returns the newest modification time among progress.md,
// activity.jsonl, and state.json. The watchdog treats a project whose
// newest touch is old as stalled. Missing files contribute nothing.
func (m *Manager) LastTouched(name string) time.Time {
	var newest time.Time
	for _, path := range []string{
		m.paths.ProjectProgress(name),
		m.paths.ProjectActivity(name),
		m.paths.ProjectState(name),
	} {
		if info, err := os.Stat(path); err == nil && info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}
	return newest
}

// List returns the names of all projects (directories with a state
// file), sorted.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.paths.ProjectsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read projects dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(m.paths.ProjectState(e.Name())); err == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func validName(name string) error {
	if name == "" {
		return fmt.Errorf("project name must not be empty")
	}
	if strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return fmt.Errorf("project name %q must be a plain directory name", name)
	}
	return nil
}
