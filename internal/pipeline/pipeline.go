// Package pipeline stores named pipeline definitions (pipelines.json).
// A pipeline is an ordered list of role-tagged steps; at run time it is
// rendered into the same progress-document form project runs use, so
// both entry points share one dispatcher.
package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/swarmops/swarmops/internal/store"
	"github.com/swarmops/swarmops/internal/swarmerr"
	"github.com/swarmops/swarmops/internal/taskgraph"
)

// Step is one dispatch unit. Steps sharing an Order value run as one
// phase; the order value becomes the phase number.
type Step struct {
	ID        string   `json:"id"`
	Order     int      `json:"order"`
	RoleID    string   `json:"roleId"`
	Title     string   `json:"title"`
	DependsOn []string `json:"dependsOn,omitempty"`
}

// Pipeline is a stored definition.
type Pipeline struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	BaseBranch string `json:"baseBranch,omitempty"`
	RepoDir    string `json:"repoDir,omitempty"`
	Steps      []Step `json:"steps"`
}

// ProgressDoc renders the pipeline as a progress document, one phase
// header per order group.
func (p *Pipeline) ProgressDoc() string {
	steps := make([]Step, len(p.Steps))
	copy(steps, p.Steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", p.Name)
	lastOrder := -1
	for _, s := range steps {
		if s.Order != lastOrder {
			fmt.Fprintf(&b, "\n## Phase %d:\n", s.Order)
			lastOrder = s.Order
		}
		fmt.Fprintf(&b, "- [ ] %s @id(%s) @role(%s)", s.Title, s.ID, s.RoleID)
		if len(s.DependsOn) > 0 {
			fmt.Fprintf(&b, " @depends(%s)", strings.Join(s.DependsOn, ","))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Graph parses the rendered document, which also validates step ids,
// dependencies and acyclicity with the same rules project documents get.
func (p *Pipeline) Graph() (*taskgraph.Graph, error) {
	return taskgraph.Parse(p.ProgressDoc())
}

// Validate checks a definition without storing it.
func (p *Pipeline) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("pipeline id is required")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("pipeline %s has no steps", p.ID)
	}
	for _, s := range p.Steps {
		switch {
		case strings.TrimSpace(s.ID) == "":
			return fmt.Errorf("pipeline %s: step with empty id", p.ID)
		case s.Order < 1:
			return fmt.Errorf("pipeline %s: step %s: order must be >= 1", p.ID, s.ID)
		case strings.TrimSpace(s.RoleID) == "":
			return fmt.Errorf("pipeline %s: step %s: roleId is required", p.ID, s.ID)
		case strings.TrimSpace(s.Title) == "":
			return fmt.Errorf("pipeline %s: step %s: title is required", p.ID, s.ID)
		case strings.Contains(s.Title, "@id(") || strings.Contains(s.Title, "@depends(") || strings.Contains(s.Title, "@role("):
			return fmt.Errorf("pipeline %s: step %s: title may not contain task annotations", p.ID, s.ID)
		}
	}
	_, err := p.Graph()
	return err
}

// Defaults returns the seed definitions for a fresh data directory.
func Defaults() []*Pipeline {
	return []*Pipeline{
		{
			ID:         "default",
			Name:       "Design, build, verify",
			BaseBranch: "main",
			Steps: []Step{
				{ID: "design", Order: 1, RoleID: "designer", Title: "Design the change and write an approach note"},
				{ID: "build", Order: 2, RoleID: "builder", Title: "Implement the change with tests", DependsOn: []string{"design"}},
				{ID: "verify", Order: 3, RoleID: "builder", Title: "Run the suite and fix fallout", DependsOn: []string{"build"}},
			},
		},
	}
}

// Store persists definitions as a single JSON list.
type Store struct {
	store *store.Store
	path  string
}

// New creates a Store backed by the file at path.
func New(s *store.Store, path string) *Store {
	return &Store{store: s, path: path}
}

func (s *Store) load() ([]*Pipeline, error) {
	list, err := store.ReadJSON[[]*Pipeline](s.path)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return list, nil
}

// Seed writes the default definitions when no pipelines file exists.
// An existing file is left alone, including operator edits.
func (s *Store) Seed() error {
	if _, err := s.load(); err != nil {
		return err
	}
	_, err := store.Update(s.store, s.path, func(cur []*Pipeline, found bool) ([]*Pipeline, error) {
		if found {
			return cur, nil
		}
		return Defaults(), nil
	})
	return err
}

// Get returns the definition with the given id.
func (s *Store) Get(id string) (*Pipeline, error) {
	list, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, p := range list {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, swarmerr.ErrPipelineNotFound(id)
}

// List returns every definition sorted by id.
func (s *Store) List() ([]*Pipeline, error) {
	list, err := s.load()
	if err != nil {
		return nil, err
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

// Save validates and upserts a definition.
func (s *Store) Save(p *Pipeline) error {
	if err := p.Validate(); err != nil {
		return err
	}
	_, err := store.Update(s.store, s.path, func(cur []*Pipeline, _ bool) ([]*Pipeline, error) {
		for i := range cur {
			if cur[i].ID == p.ID {
				cur[i] = p
				return cur, nil
			}
		}
		return append(cur, p), nil
	})
	return err
}
