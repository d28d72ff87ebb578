package gitops

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Worktree is one worker's isolated checkout.
type Worktree struct {
	Path   string `json:"path"`
	Branch string `json:"branch"`
}

// Worktrees manages per-worker worktree isolation for one repository.
// Worktree add/remove mutate the repository's administrative state and
// therefore serialize on the repo lock.
type Worktrees struct {
	repo *Repo
	root string
}

// NewWorktrees creates a worktree manager rooted at root (default
// layout: <root>/<runID>/<workerID>).
func NewWorktrees(repo *Repo, root string) *Worktrees {
	return &Worktrees{repo: repo, root: root}
}

// Create ensures a fresh branch off baseBranch and a worktree for it at
// the computed path. Idempotent: an existing worktree for the worker is
// reused. A stale registration (directory deleted, git still tracking
// it) is pruned and the add retried once.
func (w *Worktrees) Create(ctx context.Context, runID, workerID, baseBranch string) (Worktree, error) {
	branch := WorkerBranch(runID, workerID)
	path := WorktreePath(w.root, runID, workerID)
	wt := Worktree{Path: path, Branch: branch}

	if err := ValidateBranchName(branch); err != nil {
		return Worktree{}, err
	}

	w.repo.mu.Lock()
	defer w.repo.mu.Unlock()

	// Reuse: the worktree directory exists and git knows about it.
	if _, err := os.Stat(path); err == nil {
		if registered, _ := w.registeredLocked(ctx, path); registered {
			return wt, nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Worktree{}, fmt.Errorf("create worktree dir for %s: %w", workerID, err)
	}

	if err := w.addLocked(ctx, branch, path, baseBranch); err != nil {
		// Prune stale registrations and retry once.
		_, _ = w.repo.git(ctx, "worktree", "prune")
		if err = w.addLocked(ctx, branch, path, baseBranch); err != nil {
			return Worktree{}, fmt.Errorf("create worktree for %s: %w", workerID, err)
		}
	}
	return wt, nil
}

// addLocked tries worktree-add with a new branch first, then for an
// existing branch (a retried worker keeps its earlier commits).
func (w *Worktrees) addLocked(ctx context.Context, branch, path, baseBranch string) error {
	if _, err := w.repo.git(ctx, "worktree", "add", "-b", branch, path, baseBranch); err == nil {
		return nil
	}
	_, err := w.repo.git(ctx, "worktree", "add", path, branch)
	return err
}

// Remove prunes the worktree at path and force-deletes its branch.
// Missing pieces are tolerated so removal is retriable.
func (w *Worktrees) Remove(ctx context.Context, path, branch string) error {
	w.repo.mu.Lock()
	defer w.repo.mu.Unlock()

	if _, err := w.repo.git(ctx, "worktree", "remove", path); err != nil {
		if _, err := w.repo.git(ctx, "worktree", "remove", "--force", path); err != nil {
			if !strings.Contains(err.Error(), "is not a working tree") {
				return fmt.Errorf("remove worktree %s: %w", path, err)
			}
		}
	}
	_, _ = w.repo.git(ctx, "worktree", "prune")

	if branch != "" {
		if _, err := w.repo.git(ctx, "branch", "-D", branch); err != nil {
			if !strings.Contains(err.Error(), "not found") {
				return fmt.Errorf("delete branch %s: %w", branch, err)
			}
		}
	}
	return nil
}

// ListRun returns every worktree created for a run, in list order.
func (w *Worktrees) ListRun(ctx context.Context, runID string) ([]Worktree, error) {
	all, err := w.list(ctx)
	if err != nil {
		return nil, err
	}
	prefix := RunWorktreeDir(w.root, runID) + string(filepath.Separator)
	var out []Worktree
	for _, wt := range all {
		if strings.HasPrefix(wt.Path, prefix) || IsRunBranch(wt.Branch, runID) {
			out = append(out, wt)
		}
	}
	return out, nil
}

// registeredLocked reports whether git tracks a worktree at path.
func (w *Worktrees) registeredLocked(ctx context.Context, path string) (bool, error) {
	out, err := w.repo.git(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimPrefix(line, "worktree ") == path {
			return true, nil
		}
	}
	return false, nil
}

func (w *Worktrees) list(ctx context.Context) ([]Worktree, error) {
	out, err := w.repo.git(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}

	var worktrees []Worktree
	var cur Worktree
	flush := func() {
		if cur.Path != "" {
			worktrees = append(worktrees, cur)
			cur = Worktree{}
		}
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			flush()
			cur.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	flush()
	return worktrees, nil
}
