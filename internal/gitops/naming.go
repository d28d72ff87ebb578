package gitops

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// BranchNamespace prefixes every branch the orchestrator creates. The
// naming below is compatibility-relevant: dashboards and cleanup tooling
// match on it byte for byte.
const BranchNamespace = "swarmops"

// WorkerBranch returns the branch a worker commits to:
// swarmops/<runID>/<workerID>.
func WorkerBranch(runID, workerID string) string {
	return fmt.Sprintf("%s/%s/%s", BranchNamespace, runID, workerID)
}

// PhaseBranch returns the merge target for a phase:
// swarmops/<runID>/phase-<N>.
func PhaseBranch(runID string, phase int) string {
	return fmt.Sprintf("%s/%s/phase-%d", BranchNamespace, runID, phase)
}

// WorktreePath returns where a worker's worktree lives:
// <root>/<runID>/<workerID>.
func WorktreePath(root, runID, workerID string) string {
	return filepath.Join(root, runID, workerID)
}

// RunWorktreeDir returns the directory holding all worktrees of a run.
func RunWorktreeDir(root, runID string) string {
	return filepath.Join(root, runID)
}

// ParseWorkerBranch splits a worker branch into its run and worker ids.
// Phase branches and foreign branches return ok=false.
func ParseWorkerBranch(branch string) (runID, workerID string, ok bool) {
	parts := strings.Split(branch, "/")
	if len(parts) != 3 || parts[0] != BranchNamespace {
		return "", "", false
	}
	if strings.HasPrefix(parts[2], "phase-") {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// IsRunBranch reports whether branch belongs to the given run.
func IsRunBranch(branch, runID string) bool {
	return strings.HasPrefix(branch, BranchNamespace+"/"+runID+"/")
}

// MaxBranchNameLength bounds branch names for git compatibility.
const MaxBranchNameLength = 256

var branchNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9/_.-]*$`)

// ValidateBranchName rejects names git cannot create or that could
// smuggle revision syntax into shell arguments.
func ValidateBranchName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("branch name cannot be empty")
	case len(name) > MaxBranchNameLength:
		return fmt.Errorf("branch name exceeds %d characters", MaxBranchNameLength)
	case strings.EqualFold(name, "head"), name == "@":
		return fmt.Errorf("branch name %q is reserved", name)
	case strings.Contains(name, "@{"):
		return fmt.Errorf("branch name cannot contain '@{'")
	case strings.Contains(name, ".."):
		return fmt.Errorf("branch name cannot contain '..'")
	case strings.HasSuffix(name, ".lock"), strings.HasSuffix(name, "."):
		return fmt.Errorf("branch name cannot end with '.lock' or '.'")
	case strings.HasSuffix(name, "/"), strings.Contains(name, "//"):
		return fmt.Errorf("branch name has empty path component")
	case strings.Contains(name, "/."), strings.Contains(name, "./"):
		return fmt.Errorf("branch path components cannot start or end with '.'")
	case !branchNamePattern.MatchString(name):
		return fmt.Errorf("branch name contains invalid characters")
	}
	return nil
}

// SanitizeID makes an arbitrary identifier safe for use inside a branch
// name component: lowercase, alphanumerics and hyphens only.
func SanitizeID(id string) string {
	safe := strings.ToLower(id)
	safe = regexp.MustCompile(`[^a-z0-9-]`).ReplaceAllString(safe, "-")
	safe = regexp.MustCompile(`-+`).ReplaceAllString(safe, "-")
	return strings.Trim(safe, "-")
}
