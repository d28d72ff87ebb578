package gitops

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorkerBranch(t *testing.T) {
	assert.Equal(t, "swarmops/run-20250110-120000-a1b2c3d4/worker-1",
		WorkerBranch("run-20250110-120000-a1b2c3d4", "worker-1"))
}

func TestPhaseBranch(t *testing.T) {
	assert.Equal(t, "swarmops/run-1/phase-2", PhaseBranch("run-1", 2))
}

func TestNaming_WorktreePath(t *testing.T) {
	assert.Equal(t, "/tmp/swarmops-worktrees/run-1/worker-3",
		WorktreePath("/tmp/swarmops-worktrees", "run-1", "worker-3"))
	assert.Equal(t, "/tmp/swarmops-worktrees/run-1",
		RunWorktreeDir("/tmp/swarmops-worktrees", "run-1"))
}

func TestParseWorkerBranch(t *testing.T) {
	tests := []struct {
		name       string
		branch     string
		wantRun    string
		wantWorker string
		wantOK     bool
	}{
		{
			name:       "worker branch",
			branch:     "swarmops/run-1/worker-2",
			wantRun:    "run-1",
			wantWorker: "worker-2",
			wantOK:     true,
		},
		{
			name:   "phase branch is not a worker branch",
			branch: "swarmops/run-1/phase-3",
			wantOK: false,
		},
		{
			name:   "foreign branch",
			branch: "main",
			wantOK: false,
		},
		{
			name:   "feature branch",
			branch: "feature/run-1/worker-2",
			wantOK: false,
		},
		{
			name:   "too many components",
			branch: "swarmops/run-1/worker-2/extra",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runID, workerID, ok := ParseWorkerBranch(tt.branch)
			assert.Equal(t, tt.wantOK, ok, "ok mismatch")
			if tt.wantOK {
				assert.Equal(t, tt.wantRun, runID)
				assert.Equal(t, tt.wantWorker, workerID)
			}
		})
	}
}

func TestIsRunBranch(t *testing.T) {
	assert.True(t, IsRunBranch("swarmops/run-1/worker-2", "run-1"))
	assert.True(t, IsRunBranch("swarmops/run-1/phase-2", "run-1"))
	assert.False(t, IsRunBranch("swarmops/run-10/worker-2", "run-1"))
	assert.False(t, IsRunBranch("main", "run-1"))
}

func TestValidateBranchName(t *testing.T) {
	tests := []struct {
		name    string
		branch  string
		wantErr bool
	}{
		{name: "valid worker branch", branch: "swarmops/run-1/worker-2"},
		{name: "valid with dots and underscores", branch: "swarmops/run_1/v1.2"},
		{name: "empty", branch: "", wantErr: true},
		{name: "reserved HEAD", branch: "HEAD", wantErr: true},
		{name: "reserved at", branch: "@", wantErr: true},
		{name: "reflog syntax", branch: "swarmops/x@{1}", wantErr: true},
		{name: "double dot", branch: "swarmops/a..b", wantErr: true},
		{name: "lock suffix", branch: "swarmops/run.lock", wantErr: true},
		{name: "trailing dot", branch: "swarmops/run.", wantErr: true},
		{name: "trailing slash", branch: "swarmops/run/", wantErr: true},
		{name: "empty component", branch: "swarmops//run", wantErr: true},
		{name: "dot component", branch: "swarmops/./run", wantErr: true},
		{name: "space", branch: "swarmops/run 1", wantErr: true},
		{name: "tilde", branch: "swarmops/run~1", wantErr: true},
		{name: "leading dash", branch: "-swarmops/run", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBranchName(tt.branch)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateBranchName_Length(t *testing.T) {
	long := "a"
	for len(long) <= MaxBranchNameLength {
		long += "a"
	}
	assert.Error(t, ValidateBranchName(long))
}

func TestSanitizeID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Worker 1", "worker-1"},
		{"auth/login", "auth-login"},
		{"already-safe", "already-safe"},
		{"--trim--", "trim"},
		{"A__B", "a-b"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeID(tt.in), "input %q", tt.in)
	}
}
