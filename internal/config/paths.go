package config

import (
	"fmt"
	"path/filepath"
)

// Paths computes every state-file location under the data root and the
// projects root. The layout is compatibility-relevant; nothing outside
// this type hard-codes a file name.
type Paths struct {
	DataDir     string
	ProjectsDir string
}

// NewPaths derives the path layout from a loaded configuration.
func NewPaths(cfg *Config) Paths {
	return Paths{DataDir: cfg.DataDir, ProjectsDir: cfg.ProjectsDir}
}

// --- data root ---

func (p Paths) LedgerFile() string      { return filepath.Join(p.DataDir, "ledger.jsonl") }
func (p Paths) QueueFile() string       { return filepath.Join(p.DataDir, "work-queue.json") }
func (p Paths) RegistryFile() string    { return filepath.Join(p.DataDir, "task-registry.json") }
func (p Paths) RetryFile() string       { return filepath.Join(p.DataDir, "retry-state.json") }
func (p Paths) EscalationsFile() string { return filepath.Join(p.DataDir, "escalations.json") }
func (p Paths) FixCyclesFile() string   { return filepath.Join(p.DataDir, "fix-cycles.json") }
func (p Paths) PipelinesFile() string   { return filepath.Join(p.DataDir, "pipelines.json") }
func (p Paths) RolesFile() string       { return filepath.Join(p.DataDir, "roles.json") }

func (p Paths) RunsDir() string { return filepath.Join(p.DataDir, "runs") }
func (p Paths) RunFile(runID string) string {
	return filepath.Join(p.RunsDir(), runID+".json")
}

func (p Paths) ProjectRunsDir() string { return filepath.Join(p.DataDir, "project-runs") }
func (p Paths) ProjectRunFile(project string) string {
	return filepath.Join(p.ProjectRunsDir(), project+".json")
}

func (p Paths) PhasesDir() string { return filepath.Join(p.DataDir, "phases") }
func (p Paths) PhaseFile(runID string, phase int) string {
	return filepath.Join(p.PhasesDir(), fmt.Sprintf("%s-phase-%d.json", runID, phase))
}

func (p Paths) ReviewsDir() string { return filepath.Join(p.DataDir, "reviews") }
func (p Paths) ReviewFile(runID string, phase int) string {
	return filepath.Join(p.ReviewsDir(), fmt.Sprintf("%s-phase-%d.json", runID, phase))
}

func (p Paths) ResolversDir() string { return filepath.Join(p.DataDir, "conflict-resolvers") }
func (p Paths) ResolverFile(runID, suffix string) string {
	return filepath.Join(p.ResolversDir(), fmt.Sprintf("%s-%s.json", runID, suffix))
}

func (p Paths) WorkDir() string { return filepath.Join(p.DataDir, "work") }

// WorkShard returns the ledger shard for a UTC date like "2026-08-25".
func (p Paths) WorkShard(date string) string {
	return filepath.Join(p.WorkDir(), date+".jsonl")
}

func (p Paths) PromptsDir() string { return filepath.Join(p.DataDir, "prompts") }
func (p Paths) PromptFile(roleID string) string {
	return filepath.Join(p.PromptsDir(), roleID+".md")
}

func (p Paths) SkillsDir() string { return filepath.Join(p.DataDir, "skills") }

// --- per-project files ---

func (p Paths) ProjectDir(name string) string {
	return filepath.Join(p.ProjectsDir, name)
}

func (p Paths) ProjectState(name string) string {
	return filepath.Join(p.ProjectDir(name), "state.json")
}

func (p Paths) ProjectProgress(name string) string {
	return filepath.Join(p.ProjectDir(name), "progress.md")
}

func (p Paths) ProjectActivity(name string) string {
	return filepath.Join(p.ProjectDir(name), "activity.jsonl")
}

func (p Paths) ProjectInterview(name string) string {
	return filepath.Join(p.ProjectDir(name), "interview.json")
}

func (p Paths) ProjectPlan(name string) string {
	return filepath.Join(p.ProjectDir(name), "specs", "IMPLEMENTATION_PLAN.md")
}
