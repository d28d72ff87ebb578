package gitops

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner scripts git outcomes. Rules match on a prefix of the full
// command line; the first unexhausted match wins, commands with no rule
// succeed with empty output.
type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	rules []*fakeRule
}

type fakeRule struct {
	prefix string
	out    string
	err    error
	times  int // 0 = unlimited
	used   int
}

func (f *fakeRunner) on(prefix, out string, err error) *fakeRunner {
	f.rules = append(f.rules, &fakeRule{prefix: prefix, out: out, err: err})
	return f
}

func (f *fakeRunner) once(prefix, out string, err error) *fakeRunner {
	f.rules = append(f.rules, &fakeRule{prefix: prefix, out: out, err: err, times: 1})
	return f
}

func (f *fakeRunner) Run(_ context.Context, _ string, name string, args ...string) (string, error) {
	cmd := strings.Join(append([]string{name}, args...), " ")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cmd)
	for _, r := range f.rules {
		if r.times > 0 && r.used >= r.times {
			continue
		}
		if strings.HasPrefix(cmd, r.prefix) {
			r.used++
			return r.out, r.err
		}
	}
	return "", nil
}

func (f *fakeRunner) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRunner) called(prefix string) bool {
	for _, c := range f.commands() {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func gitFailure(output string) error {
	return &CommandError{Command: "git", Output: output, ExitCode: 1}
}

func newTestRepo(t *testing.T, fake *fakeRunner) *Repo {
	t.Helper()
	return NewRepo("/repo", WithRunner(fake))
}

func TestRepo_BranchExists(t *testing.T) {
	fake := (&fakeRunner{}).
		on("git show-ref --verify --quiet refs/heads/main", "", nil).
		on("git show-ref", "", gitFailure("fatal: not a valid ref"))
	repo := newTestRepo(t, fake)

	assert.True(t, repo.BranchExists(context.Background(), "main"))
	assert.False(t, repo.BranchExists(context.Background(), "missing"))
}

func TestRepo_CreateBranch_RejectsInvalidName(t *testing.T) {
	fake := &fakeRunner{}
	repo := newTestRepo(t, fake)

	err := repo.CreateBranch(context.Background(), "bad..name", "main")
	require.Error(t, err)
	assert.Empty(t, fake.commands(), "invalid names must not reach git")
}

func TestRepo_HasCommitsBeyond(t *testing.T) {
	fake := (&fakeRunner{}).
		on("git rev-list --count main..swarmops/run-1/worker-1", "3", nil).
		on("git rev-list --count main..swarmops/run-1/worker-2", "0", nil)
	repo := newTestRepo(t, fake)

	got, err := repo.HasCommitsBeyond(context.Background(), "main", "swarmops/run-1/worker-1")
	require.NoError(t, err)
	assert.True(t, got)

	got, err = repo.HasCommitsBeyond(context.Background(), "main", "swarmops/run-1/worker-2")
	require.NoError(t, err)
	assert.False(t, got)
}

func TestRepo_MergeBranchInto_Success(t *testing.T) {
	fake := (&fakeRunner{}).
		on("git rev-parse --abbrev-ref HEAD", "main", nil)
	repo := newTestRepo(t, fake)

	res, err := repo.MergeBranchInto(context.Background(),
		"swarmops/run-1/phase-1", "swarmops/run-1/worker-1", "Merge worker-1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Conflicted)

	cmds := fake.commands()
	require.Len(t, cmds, 4)
	assert.Equal(t, "git checkout swarmops/run-1/phase-1", cmds[1])
	assert.Equal(t, "git merge swarmops/run-1/worker-1 -m Merge worker-1", cmds[2])
	assert.Equal(t, "git checkout main", cmds[3], "original branch restored")
}

func TestRepo_MergeBranchInto_AlreadyOnTarget(t *testing.T) {
	fake := (&fakeRunner{}).
		on("git rev-parse --abbrev-ref HEAD", "swarmops/run-1/phase-1", nil)
	repo := newTestRepo(t, fake)

	res, err := repo.MergeBranchInto(context.Background(),
		"swarmops/run-1/phase-1", "swarmops/run-1/worker-1", "msg")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, fake.called("git checkout"), "no checkout needed on target")
}

func TestRepo_MergeBranchInto_Conflict(t *testing.T) {
	fake := (&fakeRunner{}).
		on("git rev-parse --abbrev-ref HEAD", "main", nil).
		on("git merge --abort", "", nil).
		on("git merge", "", gitFailure("CONFLICT (content): Merge conflict in internal/app/app.go")).
		on("git diff --name-only --diff-filter=U", "internal/app/app.go\ninternal/app/routes.go", nil)
	repo := newTestRepo(t, fake)

	res, err := repo.MergeBranchInto(context.Background(),
		"swarmops/run-1/phase-1", "swarmops/run-1/worker-1", "msg")
	require.NoError(t, err, "a content conflict is a result, not an error")
	assert.False(t, res.Success)
	assert.True(t, res.Conflicted)
	assert.Equal(t, []string{"internal/app/app.go", "internal/app/routes.go"}, res.ConflictFiles)

	assert.True(t, fake.called("git merge --abort"), "conflicted merge must be aborted")
	cmds := fake.commands()
	assert.Equal(t, "git checkout main", cmds[len(cmds)-1], "HEAD restored after abort")
}

func TestRepo_MergeBranchInto_NonConflictFailure(t *testing.T) {
	fake := (&fakeRunner{}).
		on("git rev-parse --abbrev-ref HEAD", "main", nil).
		on("git merge --abort", "", gitFailure("fatal: there is no merge to abort (MERGE_HEAD missing)")).
		on("git merge", "", gitFailure("fatal: refusing to merge unrelated histories")).
		on("git diff --name-only --diff-filter=U", "", nil)
	repo := newTestRepo(t, fake)

	res, err := repo.MergeBranchInto(context.Background(),
		"swarmops/run-1/phase-1", "swarmops/run-1/worker-1", "msg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unrelated histories")
	assert.False(t, res.Conflicted)
	assert.True(t, fake.called("git checkout main"), "HEAD restored after failure")
}

func TestRepo_AbortMerge_NoMergeInProgress(t *testing.T) {
	fake := (&fakeRunner{}).
		on("git merge --abort", "", gitFailure("fatal: there is no merge to abort (MERGE_HEAD missing)"))
	repo := newTestRepo(t, fake)

	assert.NoError(t, repo.AbortMerge(context.Background()))
}

func TestManager_SharesRepoPerPath(t *testing.T) {
	m := NewManager(&fakeRunner{}, nil)
	a := m.Repo("/repo")
	b := m.Repo("/repo")
	c := m.Repo("/other")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}

func TestWorktrees_Create(t *testing.T) {
	root := t.TempDir()
	fake := &fakeRunner{}
	w := NewWorktrees(newTestRepo(t, fake), root)

	wt, err := w.Create(context.Background(), "run-1", "worker-1", "main")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "run-1", "worker-1"), wt.Path)
	assert.Equal(t, "swarmops/run-1/worker-1", wt.Branch)

	cmds := fake.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, "git worktree add -b swarmops/run-1/worker-1 "+wt.Path+" main", cmds[0])
}

func TestWorktrees_Create_ReusesExisting(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "run-1", "worker-1")
	require.NoError(t, os.MkdirAll(path, 0o755))

	fake := (&fakeRunner{}).
		on("git worktree list --porcelain",
			"worktree /repo\nbranch refs/heads/main\n\nworktree "+path+
				"\nbranch refs/heads/swarmops/run-1/worker-1", nil)
	w := NewWorktrees(newTestRepo(t, fake), root)

	wt, err := w.Create(context.Background(), "run-1", "worker-1", "main")
	require.NoError(t, err)
	assert.Equal(t, path, wt.Path)
	assert.False(t, fake.called("git worktree add"), "existing worktree is reused")
}

func TestWorktrees_Create_PrunesStaleAndRetries(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "run-1", "worker-1")

	fake := (&fakeRunner{}).
		once("git worktree add -b", "", gitFailure("fatal: '"+path+"' already exists")).
		once("git worktree add "+path, "", gitFailure("fatal: invalid reference"))
	w := NewWorktrees(newTestRepo(t, fake), root)

	wt, err := w.Create(context.Background(), "run-1", "worker-1", "main")
	require.NoError(t, err)
	assert.Equal(t, path, wt.Path)
	assert.True(t, fake.called("git worktree prune"), "stale registration pruned before retry")
}

func TestWorktrees_Remove_ToleratesMissing(t *testing.T) {
	fake := (&fakeRunner{}).
		on("git worktree remove", "", gitFailure("fatal: '/gone' is not a working tree")).
		on("git branch -D", "", gitFailure("error: branch 'swarmops/run-1/worker-1' not found"))
	w := NewWorktrees(newTestRepo(t, fake), "/tmp/wt")

	err := w.Remove(context.Background(), "/gone", "swarmops/run-1/worker-1")
	assert.NoError(t, err)
	assert.True(t, fake.called("git worktree prune"))
}

func TestWorktrees_ListRun(t *testing.T) {
	root := "/tmp/wt"
	porcelain := strings.Join([]string{
		"worktree /repo",
		"HEAD 1111111111111111111111111111111111111111",
		"branch refs/heads/main",
		"",
		"worktree /tmp/wt/run-1/worker-1",
		"HEAD 2222222222222222222222222222222222222222",
		"branch refs/heads/swarmops/run-1/worker-1",
		"",
		"worktree /tmp/wt/run-2/worker-9",
		"HEAD 3333333333333333333333333333333333333333",
		"branch refs/heads/swarmops/run-2/worker-9",
		"",
		"worktree /tmp/wt/run-1/worker-2",
		"HEAD 4444444444444444444444444444444444444444",
		"branch refs/heads/swarmops/run-1/worker-2",
	}, "\n")

	fake := (&fakeRunner{}).on("git worktree list --porcelain", porcelain, nil)
	w := NewWorktrees(newTestRepo(t, fake), root)

	got, err := w.ListRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "/tmp/wt/run-1/worker-1", got[0].Path)
	assert.Equal(t, "swarmops/run-1/worker-1", got[0].Branch)
	assert.Equal(t, "/tmp/wt/run-1/worker-2", got[1].Path)
}
