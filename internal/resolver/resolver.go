// Package resolver handles merge-conflict recovery. When a worker
// branch cannot merge cleanly into the phase branch, the merge loop
// stops, a context is persisted with everything the resolution needs
// (conflicting files, the colliding tasks, the branches still waiting),
// and a specialized agent is spawned to re-run the merge and commit the
// resolution on the phase branch. The agent reports through the normal
// worker-complete webhook under a synthetic step order; the context is
// how that webhook finds its way back to the paused merge.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/swarmops/swarmops/internal/config"
	"github.com/swarmops/swarmops/internal/escalation"
	"github.com/swarmops/swarmops/internal/events"
	"github.com/swarmops/swarmops/internal/gateway"
	"github.com/swarmops/swarmops/internal/ledger"
	"github.com/swarmops/swarmops/internal/metrics"
	"github.com/swarmops/swarmops/internal/roles"
	"github.com/swarmops/swarmops/internal/store"
	"github.com/swarmops/swarmops/internal/taskgraph"
)

// RoleID is the agent role every conflict resolution runs with.
const RoleID = "conflict-resolver"

// Status of a resolver context.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ConflictTask names one worker whose changes are involved in the
// conflict. The titles go into the resolver prompt so the agent knows
// the intent behind each side.
type ConflictTask struct {
	TaskID string `json:"taskId"`
	Title  string `json:"title,omitempty"`
	Branch string `json:"branch"`
}

// Context is the persisted record at conflict-resolvers/<id>.json. The
// id doubles as the file stem.
type Context struct {
	ID                string         `json:"id"`
	RunID             string         `json:"runId"`
	PhaseNumber       int            `json:"phaseNumber"`
	Project           string         `json:"project,omitempty"`
	StepOrder         int            `json:"stepOrder"`
	PhaseBranch       string         `json:"phaseBranch"`
	SourceBranch      string         `json:"sourceBranch"`
	ConflictFiles     []string       `json:"conflictFiles"`
	RemainingBranches []string       `json:"remainingBranches,omitempty"`
	RepoDir           string         `json:"repoDir"`
	BaseBranch        string         `json:"baseBranch"`
	Tasks             []ConflictTask `json:"tasks,omitempty"`
	Status            Status         `json:"status"`
	SessionKey        string         `json:"sessionKey,omitempty"`
	Error             string         `json:"error,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
	CompletedAt       *time.Time     `json:"completedAt,omitempty"`
}

// Spawner is the gateway surface the resolver uses.
type Spawner interface {
	Spawn(ctx context.Context, req gateway.SpawnRequest) (*gateway.SpawnResponse, error)
}

// BeginParams describes a merge conflict about to be handed to an agent.
type BeginParams struct {
	RunID       string
	Project     string
	PhaseNumber int

	PhaseBranch  string
	SourceBranch string

	ConflictFiles     []string
	RemainingBranches []string

	RepoDir    string
	BaseBranch string

	Tasks []ConflictTask
}

// Deps wires the resolver's collaborators. Logger is optional.
type Deps struct {
	Config      *config.Config
	Paths       config.Paths
	Store       *store.Store
	Roles       *roles.Store
	Gateway     Spawner
	Ledger      *ledger.Ledger
	Feed        *events.Feed
	Escalations *escalation.Manager
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Manager persists resolver contexts and spawns resolution agents.
type Manager struct {
	cfg         *config.Config
	paths       config.Paths
	store       *store.Store
	roles       *roles.Store
	gateway     Spawner
	ledger      *ledger.Ledger
	feed        *events.Feed
	escalations *escalation.Manager
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a Manager.
func New(deps Deps) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:         deps.Config,
		paths:       deps.Paths,
		store:       deps.Store,
		roles:       deps.Roles,
		gateway:     deps.Gateway,
		ledger:      deps.Ledger,
		feed:        deps.Feed,
		escalations: deps.Escalations,
		metrics:     deps.Metrics,
		logger:      logger,
		now:         time.Now,
	}
}

// SetNowFunc overrides the clock, for tests.
func (m *Manager) SetNowFunc(now func() time.Time) { m.now = now }

// StepOrderFor returns the synthetic step order a resolver reports
// under. It lives in the same per-phase band as worker step orders; the
// "conflict:" prefix keeps it from colliding with any task id.
func StepOrderFor(phaseNumber int, sourceBranch string) int {
	return taskgraph.StepOrder(phaseNumber, "conflict:"+sourceBranch)
}

// Begin persists an active context and spawns the resolver agent. The
// context is written before the gateway call so the completion webhook
// always finds it. A spawn failure marks the context failed and opens
// an escalation; the merge stays paused for a human.
func (m *Manager) Begin(ctx context.Context, p BeginParams) (*Context, error) {
	now := m.now().UTC()
	rc := &Context{
		ID:                p.RunID + "-" + strings.Split(uuid.NewString(), "-")[0],
		RunID:             p.RunID,
		PhaseNumber:       p.PhaseNumber,
		Project:           p.Project,
		StepOrder:         StepOrderFor(p.PhaseNumber, p.SourceBranch),
		PhaseBranch:       p.PhaseBranch,
		SourceBranch:      p.SourceBranch,
		ConflictFiles:     p.ConflictFiles,
		RemainingBranches: p.RemainingBranches,
		RepoDir:           p.RepoDir,
		BaseBranch:        p.BaseBranch,
		Tasks:             p.Tasks,
		Status:            StatusActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := store.WriteJSONAtomic(m.pathFor(rc), rc); err != nil {
		return nil, err
	}

	role, err := m.roles.Get(RoleID)
	if err != nil {
		m.metrics.Spawns.WithLabelValues(RoleID, metrics.OutcomeInvalid).Inc()
		return m.failBegin(rc, err)
	}
	prompt, err := m.buildPrompt(role, rc)
	if err != nil {
		return m.failBegin(rc, err)
	}

	resp, err := m.gateway.Spawn(ctx, gateway.SpawnRequest{
		Task:              prompt,
		Label:             p.RunID + "/conflict-resolver",
		Model:             role.Model,
		Thinking:          string(role.Thinking),
		Cleanup:           true,
		RunTimeoutSeconds: m.cfg.Dispatch.RunTimeoutSeconds,
	})
	outcome := metrics.OutcomeOK
	switch {
	case err != nil:
		outcome = metrics.OutcomeError
	case !resp.OK:
		outcome = metrics.OutcomeDeclined
		err = fmt.Errorf("gateway declined resolver session: %s", resp.Error)
	}
	m.metrics.Spawns.WithLabelValues(role.ID, outcome).Inc()
	if err != nil {
		return m.failBegin(rc, err)
	}

	rc, uerr := m.update(rc.ID, func(cur *Context) {
		cur.SessionKey = resp.ChildSessionKey
	})
	if uerr != nil {
		return nil, uerr
	}

	m.recordBegin(rc, resp.ChildSessionKey, role.ID)
	return rc, nil
}

// failBegin stamps a context that never got its agent and escalates.
func (m *Manager) failBegin(rc *Context, cause error) (*Context, error) {
	reason := "resolver spawn failed: " + cause.Error()
	if _, _, err := m.Fail(rc.RunID, rc.StepOrder, reason); err != nil {
		m.logger.Error("could not mark resolver context failed",
			"context", rc.ID, "error", err)
	}
	return rc, fmt.Errorf("conflict resolver for %s: %w", rc.SourceBranch, cause)
}

func (m *Manager) recordBegin(rc *Context, sessionKey, roleID string) {
	item, err := m.ledger.Create(ledger.CreateInput{
		Type:   "resolver",
		Title:  fmt.Sprintf("Resolve merge conflict: %s", rc.SourceBranch),
		RoleID: roleID,
		Tags:   []string{rc.RunID, "phase:" + strconv.Itoa(rc.PhaseNumber), "context:" + rc.ID},
	})
	if err != nil {
		m.logger.Warn("ledger create failed", "context", rc.ID, "error", err)
	} else {
		if err := m.ledger.UpdateStatus(item.ID, ledger.StatusRunning, ""); err != nil {
			m.logger.Warn("ledger status update failed", "work", item.ID, "error", err)
		}
		if err := m.ledger.AppendEvent(item.ID, "spawn", "session "+sessionKey); err != nil {
			m.logger.Warn("ledger event failed", "work", item.ID, "error", err)
		}
	}

	m.feed.Emit(events.Event{
		Type:    events.TypeSpawn,
		RunID:   rc.RunID,
		Project: rc.Project,
		Data: map[string]any{
			"phaseNumber":  rc.PhaseNumber,
			"role":         RoleID,
			"sessionKey":   sessionKey,
			"sourceBranch": rc.SourceBranch,
			"files":        len(rc.ConflictFiles),
			"stepOrder":    rc.StepOrder,
		},
	})

	m.logger.Info("conflict resolver spawned",
		"run", rc.RunID, "phase", rc.PhaseNumber, "branch", rc.SourceBranch,
		"files", len(rc.ConflictFiles), "session", sessionKey, "context", rc.ID)
}

// buildPrompt assembles the resolver prompt: role instructions plus a
// context block naming the source branch, the conflicting files, and
// the colliding tasks' intents.
func (m *Manager) buildPrompt(role *roles.Role, rc *Context) (string, error) {
	text, _, err := m.roles.Instructions(role)
	if err != nil {
		return "", err
	}
	prompt := strings.NewReplacer(
		"{{BRANCH}}", rc.PhaseBranch,
		"{{BASE_BRANCH}}", rc.BaseBranch,
		"{{REPO_DIR}}", rc.RepoDir,
		"{{WORKTREE_PATH}}", rc.RepoDir,
	).Replace(text)

	var b strings.Builder
	b.WriteString("\n\n## Context\n\n")
	fmt.Fprintf(&b, "- Run: %s, phase %d\n", rc.RunID, rc.PhaseNumber)
	fmt.Fprintf(&b, "- Phase branch: %s (base: %s)\n", rc.PhaseBranch, rc.BaseBranch)
	fmt.Fprintf(&b, "- Source branch to re-merge: %s\n", rc.SourceBranch)
	fmt.Fprintf(&b, "- Repository: %s\n", rc.RepoDir)
	b.WriteString("- Conflicting files:\n")
	for _, f := range rc.ConflictFiles {
		fmt.Fprintf(&b, "  - %s\n", f)
	}
	if len(rc.Tasks) > 0 {
		b.WriteString("- Colliding tasks:\n")
		for _, t := range rc.Tasks {
			title := t.Title
			if title == "" {
				title = t.TaskID
			}
			fmt.Fprintf(&b, "  - %s: %s (%s)\n", t.TaskID, title, t.Branch)
		}
	}
	fmt.Fprintf(&b, "- Webhook URL: %s/worker-complete\n", m.cfg.WebhookBaseURL())
	b.WriteString("\nReport by POSTing to the webhook URL:\n\n```json\n")
	fmt.Fprintf(&b, "{\"runId\": %q, \"stepOrder\": %d, \"status\": \"completed\"}\n", rc.RunID, rc.StepOrder)
	b.WriteString("```\n\nUse \"status\": \"failed\" with an \"error\" field when the conflict cannot be reconciled.\n")
	return prompt + b.String(), nil
}

// FindByStep returns the active context a worker-complete webhook with
// this (runID, stepOrder) belongs to, or nil when the webhook is a
// plain worker completion.
func (m *Manager) FindByStep(runID string, stepOrder int) (*Context, error) {
	list, err := m.contexts(runID)
	if err != nil {
		return nil, err
	}
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Status == StatusActive && list[i].StepOrder == stepOrder {
			return list[i], nil
		}
	}
	return nil, nil
}

// FindActive returns the run's active contexts, oldest first.
func (m *Manager) FindActive(runID string) ([]*Context, error) {
	list, err := m.contexts(runID)
	if err != nil {
		return nil, err
	}
	var out []*Context
	for _, c := range list {
		if c.Status == StatusActive {
			out = append(out, c)
		}
	}
	return out, nil
}

// ByRun returns every context for a run, oldest first.
func (m *Manager) ByRun(runID string) ([]*Context, error) {
	return m.contexts(runID)
}

// Complete marks a context done. applied=false means the context was
// already terminal (duplicate webhook) and the caller must not resume
// the merge a second time.
func (m *Manager) Complete(runID string, stepOrder int) (*Context, bool, error) {
	rc, applied, err := m.finish(runID, stepOrder, StatusCompleted, "")
	if err != nil || !applied {
		return rc, applied, err
	}
	m.finishLedger(rc, ledger.StatusComplete, "")
	m.logger.Info("merge conflict resolved",
		"run", rc.RunID, "phase", rc.PhaseNumber, "branch", rc.SourceBranch,
		"remaining", len(rc.RemainingBranches))
	return rc, true, nil
}

// Fail marks a context failed and opens an escalation; the phase merge
// cannot proceed without a human.
func (m *Manager) Fail(runID string, stepOrder int, reason string) (*Context, bool, error) {
	rc, applied, err := m.finish(runID, stepOrder, StatusFailed, reason)
	if err != nil || !applied {
		return rc, applied, err
	}
	m.finishLedger(rc, ledger.StatusFailed, reason)

	esc, err := m.escalations.Create(escalation.CreateParams{
		RunID:       rc.RunID,
		PhaseNumber: rc.PhaseNumber,
		StepOrder:   rc.StepOrder,
		RoleID:      RoleID,
		Message:     fmt.Sprintf("merge conflict on %s could not be resolved: %s", rc.SourceBranch, reason),
		Severity:    escalation.SeverityHigh,
	})
	if err != nil {
		m.logger.Error("escalation failed", "context", rc.ID, "error", err)
		return rc, true, nil
	}
	m.metrics.EscalationsOpen.Inc()
	m.feed.Emit(events.Event{
		Type:    events.TypeEscalation,
		RunID:   rc.RunID,
		Project: rc.Project,
		Data: map[string]any{
			"escalationId": esc.ID,
			"severity":     string(esc.Severity),
			"phaseNumber":  rc.PhaseNumber,
			"sourceBranch": rc.SourceBranch,
		},
	})
	m.logger.Warn("conflict resolution failed",
		"run", rc.RunID, "phase", rc.PhaseNumber, "branch", rc.SourceBranch,
		"escalation", esc.ID, "reason", reason)
	return rc, true, nil
}

func (m *Manager) finish(runID string, stepOrder int, status Status, reason string) (*Context, bool, error) {
	target, err := m.FindByStep(runID, stepOrder)
	if err != nil {
		return nil, false, err
	}
	if target == nil {
		return nil, false, nil
	}
	applied := false
	rc, err := m.update(target.ID, func(cur *Context) {
		if cur.Status != StatusActive {
			return
		}
		now := m.now().UTC()
		cur.Status = status
		cur.Error = reason
		cur.UpdatedAt = now
		cur.CompletedAt = &now
		applied = true
	})
	if err != nil {
		return nil, false, err
	}
	return rc, applied, nil
}

func (m *Manager) finishLedger(rc *Context, status ledger.Status, errMsg string) {
	items, err := m.ledger.List(ledger.Filters{Type: "resolver", Tag: rc.RunID, Status: ledger.StatusRunning})
	if err != nil {
		m.logger.Warn("ledger lookup failed", "context", rc.ID, "error", err)
		return
	}
	for _, it := range items {
		for _, tag := range it.Tags {
			if tag != "context:"+rc.ID {
				continue
			}
			if err := m.ledger.UpdateStatus(it.ID, status, errMsg); err != nil {
				m.logger.Warn("ledger status update failed", "work", it.ID, "error", err)
			}
		}
	}
}

func (m *Manager) update(id string, mutate func(*Context)) (*Context, error) {
	path := filepath.Join(m.paths.ResolversDir(), id+".json")
	return store.Update(m.store, path, func(cur *Context, found bool) (*Context, error) {
		if !found || cur == nil {
			return nil, fmt.Errorf("resolver context %s: %w", id, store.ErrNotFound)
		}
		mutate(cur)
		return cur, nil
	})
}

func (m *Manager) pathFor(rc *Context) string {
	return filepath.Join(m.paths.ResolversDir(), rc.ID+".json")
}

// contexts reads every context file for a run, oldest first. The run id
// prefix on the file name prunes the scan; the parsed RunID decides.
func (m *Manager) contexts(runID string) ([]*Context, error) {
	entries, err := os.ReadDir(m.paths.ResolversDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list resolver contexts: %w", err)
	}
	var out []*Context
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, runID+"-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		rc, err := store.ReadJSON[*Context](filepath.Join(m.paths.ResolversDir(), name))
		if err != nil {
			m.logger.Warn("unreadable resolver context", "file", name, "error", err)
			continue
		}
		if rc.RunID != runID {
			continue
		}
		out = append(out, rc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
