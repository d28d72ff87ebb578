// Package roles stores the role configurations dispatch reads: which
// model an agent runs with, its thinking level, and where its prompt
// instructions come from. Roles are data, looked up by id.
package roles

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/swarmops/swarmops/internal/store"
	"github.com/swarmops/swarmops/internal/swarmerr"
	"github.com/swarmops/swarmops/templates"
)

// ThinkingLevel controls how much deliberation a role's sessions get.
type ThinkingLevel string

const (
	ThinkingNone   ThinkingLevel = "none"
	ThinkingLow    ThinkingLevel = "low"
	ThinkingMedium ThinkingLevel = "medium"
	ThinkingHigh   ThinkingLevel = "high"
)

// Role is the static configuration for one agent kind. Immutable for
// the lifetime of a run; dispatch reads it through a short TTL cache.
type Role struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Model       string        `json:"model,omitempty"`
	Thinking    ThinkingLevel `json:"thinking,omitempty"`

	// Instructions, when set, override the prompt file chain.
	Instructions string `json:"instructions,omitempty"`
}

// Defaults returns the built-in role set.
func Defaults() []*Role {
	return []*Role{
		{
			ID: "builder", Name: "Builder",
			Description: "Implements one task in an isolated worktree",
			Model:       "sonnet", Thinking: ThinkingMedium,
		},
		{
			ID: "reviewer", Name: "Code Reviewer",
			Description: "Reviews a merged phase branch for correctness",
			Model:       "opus", Thinking: ThinkingHigh,
		},
		{
			ID: "security-reviewer", Name: "Security Reviewer",
			Description: "Reviews a merged phase branch for vulnerabilities",
			Model:       "opus", Thinking: ThinkingHigh,
		},
		{
			ID: "designer", Name: "Design Reviewer",
			Description: "Reviews a merged phase branch for structure and API shape",
			Model:       "sonnet", Thinking: ThinkingHigh,
		},
		{
			ID: "fixer", Name: "Fixer",
			Description: "Resolves review findings on the phase branch",
			Model:       "sonnet", Thinking: ThinkingMedium,
		},
		{
			ID: "conflict-resolver", Name: "Conflict Resolver",
			Description: "Resolves merge conflicts between worker branches",
			Model:       "sonnet", Thinking: ThinkingHigh,
		},
		{
			ID: "spec-writer", Name: "Spec Writer",
			Description: "Turns a finished interview into a plan and task graph",
			Model:       "opus", Thinking: ThinkingHigh,
		},
	}
}

// cacheTTL bounds how stale the in-memory role map may get. Roles
// change rarely (operator edits); rereading every call would hit disk
// once per spawned worker.
const cacheTTL = 5 * time.Second

// Store reads and writes roles.json.
type Store struct {
	store      *store.Store
	path       string
	promptsDir string
	now        func() time.Time

	mu       sync.Mutex
	cache    map[string]*Role
	cachedAt time.Time
}

// New creates a role store. promptsDir is where per-role prompt
// overrides live (data/prompts).
func New(s *store.Store, path, promptsDir string) *Store {
	return &Store{
		store:      s,
		path:       path,
		promptsDir: promptsDir,
		now:        time.Now,
	}
}

// SetNowFunc overrides the clock, for tests.
func (s *Store) SetNowFunc(now func() time.Time) { s.now = now }

func (s *Store) load() (map[string]*Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache != nil && s.now().Sub(s.cachedAt) < cacheTTL {
		return s.cache, nil
	}
	m, err := store.ReadJSON[map[string]*Role](s.path)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		m = make(map[string]*Role)
	}
	s.cache = m
	s.cachedAt = s.now()
	return m, nil
}

func (s *Store) invalidate() {
	s.mu.Lock()
	s.cache = nil
	s.mu.Unlock()
}

// Seed writes the default role set if roles.json does not exist yet.
func (s *Store) Seed() error {
	_, err := store.ReadJSON[map[string]*Role](s.path)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	m := make(map[string]*Role, len(Defaults()))
	for _, r := range Defaults() {
		m[r.ID] = r
	}
	if err := store.WriteJSONAtomic(s.path, m); err != nil {
		return fmt.Errorf("seed roles: %w", err)
	}
	s.invalidate()
	return nil
}

// Get returns the role with the given id.
func (s *Store) Get(id string) (*Role, error) {
	m, err := s.load()
	if err != nil {
		return nil, err
	}
	r, ok := m[id]
	if !ok {
		return nil, swarmerr.ErrRoleNotFound(id)
	}
	return r, nil
}

// List returns all roles sorted by id.
func (s *Store) List() ([]*Role, error) {
	m, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]*Role, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Save upserts a role and drops the cache.
func (s *Store) Save(r *Role) error {
	if r.ID == "" {
		return fmt.Errorf("role id must not be empty")
	}
	_, err := store.Update(s.store, s.path, func(cur map[string]*Role, found bool) (map[string]*Role, error) {
		if !found {
			cur = make(map[string]*Role)
		}
		cur[r.ID] = r
		return cur, nil
	})
	if err != nil {
		return err
	}
	s.invalidate()
	return nil
}

// Instructions resolves a role's prompt body: inline instructions win,
// then a data/prompts/<id>.md override, then the embedded default.
func (s *Store) Instructions(r *Role) (string, string, error) {
	if strings.TrimSpace(r.Instructions) != "" {
		return r.Instructions, "inline", nil
	}
	diskPath := filepath.Join(s.promptsDir, r.ID+".md")
	if data, err := os.ReadFile(diskPath); err == nil {
		return string(data), diskPath, nil
	}
	if data, err := templates.Prompts.ReadFile("prompts/" + r.ID + ".md"); err == nil {
		return string(data), "embedded", nil
	}
	return "", "", fmt.Errorf("role %s has no instructions: no inline text, no %s, no embedded default", r.ID, diskPath)
}
