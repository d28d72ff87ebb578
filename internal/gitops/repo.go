package gitops

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
)

// Repo runs git operations against one repository. Operations that move
// the main repository's HEAD (checkout, merge, branch create/delete,
// worktree add/remove) serialize on the repo mutex; read-only queries
// run unlocked. Commits inside worktrees happen in the agents' own
// processes and never touch this lock.
type Repo struct {
	dir    string
	runner CommandRunner
	logger *slog.Logger

	// mu guards HEAD-mutating operations. Compound sequences such as
	// checkout+merge+abort hold it for the whole sequence so a conflict
	// recovery can never interleave with another mutation.
	mu sync.Mutex
}

// RepoOption configures a Repo.
type RepoOption func(*Repo)

// WithRunner replaces the subprocess runner, for tests.
func WithRunner(r CommandRunner) RepoOption {
	return func(repo *Repo) { repo.runner = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RepoOption {
	return func(repo *Repo) { repo.logger = l }
}

// NewRepo creates a Repo for the repository at dir.
func NewRepo(dir string, opts ...RepoOption) *Repo {
	r := &Repo{
		dir:    dir,
		runner: NewExecRunner(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dir returns the repository path.
func (r *Repo) Dir() string { return r.dir }

func (r *Repo) git(ctx context.Context, args ...string) (string, error) {
	return r.runner.Run(ctx, r.dir, "git", args...)
}

// gitIn runs git with a different working directory (worktrees).
func (r *Repo) gitIn(ctx context.Context, dir string, args ...string) (string, error) {
	return r.runner.Run(ctx, dir, "git", args...)
}

// IsRepo reports whether dir is inside a git repository.
func (r *Repo) IsRepo(ctx context.Context) bool {
	_, err := r.git(ctx, "rev-parse", "--git-dir")
	return err == nil
}

// CurrentBranch returns the branch HEAD points at.
func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	out, err := r.git(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("current branch: %w", err)
	}
	return out, nil
}

// HeadCommit returns the SHA HEAD points at.
func (r *Repo) HeadCommit(ctx context.Context) (string, error) {
	out, err := r.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("head commit: %w", err)
	}
	return out, nil
}

// BranchExists reports whether a local branch exists.
func (r *Repo) BranchExists(ctx context.Context, name string) bool {
	_, err := r.git(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	return err == nil
}

// CreateBranch creates name at from without checking it out. Creating a
// branch that already exists is an error; use EnsureBranch to recreate.
func (r *Repo) CreateBranch(ctx context.Context, name, from string) error {
	if err := ValidateBranchName(name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.git(ctx, "branch", name, from); err != nil {
		return fmt.Errorf("create branch %s from %s: %w", name, from, err)
	}
	return nil
}

// RecreateBranch force-resets name to from, creating it if needed. The
// phase collector uses this so a re-collected phase starts clean.
func (r *Repo) RecreateBranch(ctx context.Context, name, from string) error {
	if err := ValidateBranchName(name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.git(ctx, "branch", "-f", name, from); err != nil {
		return fmt.Errorf("recreate branch %s from %s: %w", name, from, err)
	}
	return nil
}

// DeleteBranch removes a local branch. force uses -D for branches not
// merged into HEAD.
func (r *Repo) DeleteBranch(ctx context.Context, name string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.git(ctx, "branch", flag, name); err != nil {
		return fmt.Errorf("delete branch %s: %w", name, err)
	}
	return nil
}

// CheckoutBranch moves HEAD to the named branch.
func (r *Repo) CheckoutBranch(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checkoutLocked(ctx, name)
}

func (r *Repo) checkoutLocked(ctx context.Context, name string) error {
	if _, err := r.git(ctx, "checkout", name); err != nil {
		return fmt.Errorf("checkout %s: %w", name, err)
	}
	return nil
}

// HasCommitsBeyond reports whether branch carries commits not reachable
// from base. A worker branch with zero extra commits produced nothing
// and is skipped at collection.
func (r *Repo) HasCommitsBeyond(ctx context.Context, base, branch string) (bool, error) {
	out, err := r.git(ctx, "rev-list", "--count", base+".."+branch)
	if err != nil {
		return false, fmt.Errorf("rev-list %s..%s: %w", base, branch, err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return false, fmt.Errorf("rev-list count %q: %w", out, err)
	}
	return n > 0, nil
}

// MergeResult reports the outcome of a merge attempt.
type MergeResult struct {
	Success       bool     `json:"success"`
	Conflicted    bool     `json:"conflicted"`
	ConflictFiles []string `json:"conflictFiles,omitempty"`
}

// MergeBranchInto checks out target, merges src into it, and restores
// the previously checked-out branch. On a conflict the merge is aborted
// and HEAD ends up exactly where it started; the conflicting files are
// reported for the resolver. The whole sequence holds the repo lock.
func (r *Repo) MergeBranchInto(ctx context.Context, target, src, message string) (MergeResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	original, err := r.git(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return MergeResult{}, fmt.Errorf("merge %s into %s: resolve HEAD: %w", src, target, err)
	}

	if original != target {
		if err := r.checkoutLocked(ctx, target); err != nil {
			return MergeResult{}, err
		}
	}
	restore := func() {
		if original == target {
			return
		}
		if err := r.checkoutLocked(ctx, original); err != nil {
			r.logger.Warn("could not restore original branch after merge",
				"repo", r.dir, "branch", original, "error", err)
		}
	}

	if _, err := r.git(ctx, "merge", src, "-m", message); err != nil {
		files, confErr := r.conflictFilesLocked(ctx)
		if confErr == nil && len(files) > 0 {
			if _, abortErr := r.git(ctx, "merge", "--abort"); abortErr != nil {
				r.logger.Warn("merge --abort failed", "repo", r.dir, "error", abortErr)
			}
			restore()
			return MergeResult{Conflicted: true, ConflictFiles: files}, nil
		}
		// Not a content conflict: make sure no half-merge lingers.
		_, _ = r.git(ctx, "merge", "--abort")
		restore()
		return MergeResult{}, fmt.Errorf("merge %s into %s: %w", src, target, err)
	}

	restore()
	return MergeResult{Success: true}, nil
}

// AbortMerge discards an in-progress merge. Safe to call when no merge
// is in progress; the error is swallowed in that case.
func (r *Repo) AbortMerge(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.git(ctx, "merge", "--abort"); err != nil {
		if strings.Contains(err.Error(), "MERGE_HEAD") {
			return nil
		}
		return fmt.Errorf("merge --abort: %w", err)
	}
	return nil
}

// ConflictFiles lists unmerged paths of an in-progress merge.
func (r *Repo) ConflictFiles(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conflictFilesLocked(ctx)
}

func (r *Repo) conflictFilesLocked(ctx context.Context) ([]string, error) {
	out, err := r.git(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, fmt.Errorf("list conflict files: %w", err)
	}
	if out == "" {
		return nil, nil
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// Manager hands out Repo instances, one per repository path, so every
// caller touching the same repository shares the same HEAD mutex.
type Manager struct {
	runner CommandRunner
	logger *slog.Logger

	mu    sync.Mutex
	repos map[string]*Repo
}

// NewManager creates a Manager. A nil runner uses real subprocesses.
func NewManager(runner CommandRunner, logger *slog.Logger) *Manager {
	if runner == nil {
		runner = NewExecRunner()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{runner: runner, logger: logger, repos: make(map[string]*Repo)}
}

// Repo returns the shared Repo for dir.
func (m *Manager) Repo(dir string) *Repo {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.repos[dir]; ok {
		return r
	}
	r := NewRepo(dir, WithRunner(m.runner), WithLogger(m.logger))
	m.repos[dir] = r
	return r
}
