// Package taskgraph parses the progress document into an annotated task
// DAG grouped by phases, and derives readiness from it.
//
// A task line looks like:
//
//	- [ ] Build the parser @id(parser) @depends(setup) @role(builder)
//
// Phases come from "## Phase N: name" (or h3) headers; tasks between two
// headers belong to the earlier one. A document with no phase headers is
// a single phase 1.
package taskgraph

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/swarmops/swarmops/internal/swarmerr"
)

var (
	taskLinePattern = regexp.MustCompile(`^\s*-\s*\[([ xX])\]\s*(.*)$`)
	phasePattern    = regexp.MustCompile(`(?i)^#{2,3}\s*Phase\s+(\d+)\s*:?\s*(.*)$`)
	idPattern       = regexp.MustCompile(`@id\(([^)]+)\)`)
	dependsPattern  = regexp.MustCompile(`@depends\(([^)]*)\)`)
	rolePattern     = regexp.MustCompile(`@role\(([^)]+)\)`)
	annotations     = regexp.MustCompile(`@(?:id|depends|role)\([^)]*\)`)
)

// Task is one annotated unit of work from the progress document.
type Task struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Done      bool     `json:"done"`
	Role      string   `json:"role,omitempty"`
	DependsOn []string `json:"dependsOn,omitempty"`
	Phase     int      `json:"phase"`
	Line      int      `json:"line"` // 1-based line number in the document
}

// Phase is an ordered group of tasks.
type Phase struct {
	Number  int      `json:"number"`
	Name    string   `json:"name,omitempty"`
	TaskIDs []string `json:"taskIds"` // document order
}

// Graph is the parsed task DAG.
type Graph struct {
	Tasks  map[string]*Task
	Phases []*Phase // ascending by number
}

// Parse builds a Graph from the progress document text. Lines without an
// @id annotation are plain checklist notes and are ignored.
func Parse(text string) (*Graph, error) {
	g := &Graph{Tasks: make(map[string]*Task)}

	phases := make(map[int]*Phase)
	current := 0 // 0 means "before any phase header"
	order := map[int][]string{}

	for i, line := range strings.Split(text, "\n") {
		if m := phasePattern.FindStringSubmatch(line); m != nil {
			n, _ := strconv.Atoi(m[1])
			current = n
			if _, ok := phases[n]; !ok {
				phases[n] = &Phase{Number: n, Name: strings.TrimSpace(m[2])}
			}
			continue
		}

		m := taskLinePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		idm := idPattern.FindStringSubmatch(m[2])
		if idm == nil {
			continue
		}
		id := strings.TrimSpace(idm[1])
		if _, dup := g.Tasks[id]; dup {
			return nil, swarmerr.ErrDuplicateID(id)
		}

		t := &Task{
			ID:    id,
			Done:  m[1] == "x" || m[1] == "X",
			Title: strings.TrimSpace(annotations.ReplaceAllString(m[2], "")),
			Line:  i + 1,
		}
		if rm := rolePattern.FindStringSubmatch(m[2]); rm != nil {
			t.Role = strings.TrimSpace(rm[1])
		}
		if dm := dependsPattern.FindStringSubmatch(m[2]); dm != nil {
			for _, dep := range strings.Split(dm[1], ",") {
				dep = strings.TrimSpace(dep)
				if dep != "" {
					t.DependsOn = append(t.DependsOn, dep)
				}
			}
		}

		phaseNo := current
		if phaseNo == 0 {
			phaseNo = 1 // preamble tasks land in phase 1
		}
		t.Phase = phaseNo
		if _, ok := phases[phaseNo]; !ok {
			phases[phaseNo] = &Phase{Number: phaseNo}
		}
		g.Tasks[id] = t
		order[phaseNo] = append(order[phaseNo], id)
	}

	if len(g.Tasks) == 0 {
		return nil, swarmerr.ErrNoTasks()
	}

	for _, t := range g.Tasks {
		for _, dep := range t.DependsOn {
			if _, ok := g.Tasks[dep]; !ok {
				return nil, swarmerr.ErrUnknownDependency(t.ID, dep)
			}
		}
	}
	if path := g.findCycle(); path != nil {
		return nil, swarmerr.ErrCycle(path)
	}

	numbers := make([]int, 0, len(phases))
	for n := range phases {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	for _, n := range numbers {
		p := phases[n]
		p.TaskIDs = order[n]
		g.Phases = append(g.Phases, p)
	}
	return g, nil
}

// findCycle runs an iterative three-color DFS over the dependency edges
// and returns one cycle path, or nil when the graph is acyclic.
func (g *Graph) findCycle() []string {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(g.Tasks))

	ids := make([]string, 0, len(g.Tasks))
	for id := range g.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	type frame struct {
		id   string
		next int
	}
	for _, root := range ids {
		if color[root] != white {
			continue
		}
		stack := []frame{{id: root}}
		color[root] = grey
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			deps := g.Tasks[top.id].DependsOn
			if top.next < len(deps) {
				dep := deps[top.next]
				top.next++
				switch color[dep] {
				case white:
					color[dep] = grey
					stack = append(stack, frame{id: dep})
				case grey:
					// Found a back edge; slice the stack from dep onward.
					var path []string
					for _, f := range stack {
						if len(path) > 0 || f.id == dep {
							path = append(path, f.id)
						}
					}
					return append(path, dep)
				}
				continue
			}
			color[top.id] = black
			stack = stack[:len(stack)-1]
		}
	}
	return nil
}

// Ready returns tasks that are not done and whose dependencies are all
// done, in (phase, document) order.
func (g *Graph) Ready() []*Task {
	var out []*Task
	for _, p := range g.Phases {
		out = append(out, g.readyIn(p)...)
	}
	return out
}

// ReadyInPhase returns ready tasks belonging to phase n.
func (g *Graph) ReadyInPhase(n int) []*Task {
	for _, p := range g.Phases {
		if p.Number == n {
			return g.readyIn(p)
		}
	}
	return nil
}

func (g *Graph) readyIn(p *Phase) []*Task {
	var out []*Task
	for _, id := range p.TaskIDs {
		t := g.Tasks[id]
		if t.Done {
			continue
		}
		ready := true
		for _, dep := range t.DependsOn {
			if !g.Tasks[dep].Done {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, t)
		}
	}
	return out
}

// PhaseStatus values derived from task completion.
const (
	PhaseCompleted = "completed"
	PhaseRunning   = "running"
	PhaseBlocked   = "blocked"
)

// PhaseStatus derives the state of phase n: completed when every member
// task is done; running when n is the earliest incomplete phase and has
// a ready task; blocked otherwise.
func (g *Graph) PhaseStatus(n int) string {
	var target *Phase
	for _, p := range g.Phases {
		if p.Number == n {
			target = p
			break
		}
	}
	if target == nil {
		return PhaseBlocked
	}
	if g.phaseDone(target) {
		return PhaseCompleted
	}
	if cur, ok := g.CurrentPhase(); ok && cur.Number == n && len(g.readyIn(target)) > 0 {
		return PhaseRunning
	}
	return PhaseBlocked
}

// CurrentPhase returns the earliest phase with an incomplete task.
func (g *Graph) CurrentPhase() (*Phase, bool) {
	for _, p := range g.Phases {
		if !g.phaseDone(p) {
			return p, true
		}
	}
	return nil, false
}

func (g *Graph) phaseDone(p *Phase) bool {
	for _, id := range p.TaskIDs {
		if !g.Tasks[id].Done {
			return false
		}
	}
	return true
}

// AllDone reports whether every task in the document is checked off.
func (g *Graph) AllDone() bool {
	for _, t := range g.Tasks {
		if !t.Done {
			return false
		}
	}
	return true
}

// Counts returns (done, total) task counts.
func (g *Graph) Counts() (done, total int) {
	for _, t := range g.Tasks {
		total++
		if t.Done {
			done++
		}
	}
	return done, total
}

// MarkDone returns the document text with the task's checkbox flipped to
// [x]. Parsing never mutates the document; this is the single rewrite
// helper the dispatcher uses when a completion webhook arrives. Flipping
// an already-done task is a no-op.
func MarkDone(text, taskID string) (string, error) {
	needle := "@id(" + taskID + ")"
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if !strings.Contains(line, needle) {
			continue
		}
		m := taskLinePattern.FindStringSubmatchIndex(line)
		if m == nil {
			continue
		}
		// m[2]:m[3] is the checkbox character group. Rewriting that
		// span keeps MarkDone in step with every spacing variant the
		// pattern accepts.
		if box := line[m[2]:m[3]]; box == "x" || box == "X" {
			return text, nil
		}
		lines[i] = line[:m[2]] + "x" + line[m[3]:]
		return strings.Join(lines, "\n"), nil
	}
	return "", fmt.Errorf("task %s not found in progress document", taskID)
}

// StepOrder computes the retry-state partition key for a task within a
// run: phase*100000 plus a stable hash of the task id.
func StepOrder(phase int, taskID string) int {
	return phase*100000 + int(xxhash.Sum64String(taskID)%100000)
}

// Summary renders a one-line progress summary, e.g. "7/12 tasks done".
func (g *Graph) Summary() string {
	done, total := g.Counts()
	return fmt.Sprintf("%d/%d tasks done across %d phases", done, total, len(g.Phases))
}
