// Package gitops runs the git operations behind worker isolation and
// phase integration: worktree lifecycle, branch naming, and merges with
// conflict reporting. All mutations of a repository's HEAD serialize on
// a per-repository mutex; read-only queries run unlocked.
package gitops

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
)

// CommandRunner executes git subprocesses. The interface exists so tests
// can script command outcomes without a real repository.
type CommandRunner interface {
	// Run executes a command in workDir and returns the trimmed stdout.
	// On failure the returned error is a *CommandError carrying the
	// command output and exit code.
	Run(ctx context.Context, workDir, name string, args ...string) (stdout string, err error)
}

// ExecRunner is the default CommandRunner using exec.CommandContext.
type ExecRunner struct{}

// NewExecRunner creates a runner backed by real subprocesses.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

func (r *ExecRunner) Run(ctx context.Context, workDir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		if msg == "" {
			msg = err.Error()
		}
		cmdErr := &CommandError{
			Command:  name,
			Args:     args,
			WorkDir:  workDir,
			Output:   msg,
			ExitCode: -1,
			Err:      err,
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			cmdErr.ExitCode = exitErr.ExitCode()
		}
		return msg, cmdErr
	}

	return strings.TrimSpace(stdout.String()), nil
}

// CommandError reports a failed subprocess with its captured output.
type CommandError struct {
	Command  string
	Args     []string
	WorkDir  string
	Output   string
	ExitCode int
	Err      error
}

func (e *CommandError) Error() string {
	if e.Output != "" {
		return e.Output
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "command failed"
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// exitCode extracts the subprocess exit code from err, or -1 when err
// is not a CommandError.
func exitCode(err error) int {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.ExitCode
	}
	return -1
}
