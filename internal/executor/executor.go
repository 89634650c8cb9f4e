// Package executor runs tasks by spawning an external worker command. The
// engine stays agnostic about what the work is; the worker reads the task
// description from its environment and reports the outcome via exit code.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/calder/mender/internal/graph"
	"github.com/calder/mender/internal/logging"
	"github.com/calder/mender/internal/scheduler"
)

// Worker exit codes. Anything else is an execution failure.
const (
	exitSucceeded   = 0
	exitIssuesFound = 2
)

// CommandRunner executes shell commands. Allows mocking in tests.
type CommandRunner interface {
	Run(ctx context.Context, name string, args []string, dir string, env []string) (stdout, stderr string, exitCode int, err error)
}

// ExecRunner is the default CommandRunner using os/exec.
type ExecRunner struct{}

// Run executes a command with extra environment entries and returns output.
func (r *ExecRunner) Run(ctx context.Context, name string, args []string, dir string, env []string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = append(os.Environ(), env...)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, err
}

// Command is a scheduler.Runner that invokes a shell command once per task.
// The task's id, role, and goal are exported as MENDER_TASK_* environment
// variables; exit code 0 means the task succeeded, 2 means it completed but
// found issues, and anything else is an execution failure.
type Command struct {
	command string
	workDir string
	runner  CommandRunner
	logger  *logging.Logger
}

// Option configures a Command runner.
type Option func(*Command)

// WithWorkDir sets the working directory for worker invocations.
func WithWorkDir(dir string) Option {
	return func(c *Command) {
		c.workDir = dir
	}
}

// WithRunner sets a custom command runner (for testing).
func WithRunner(r CommandRunner) Option {
	return func(c *Command) {
		c.runner = r
	}
}

// New creates a Command runner for the given shell command.
func New(command string, opts ...Option) *Command {
	c := &Command{
		command: command,
		runner:  &ExecRunner{},
		logger:  logging.Component("executor"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the runner identifier.
func (c *Command) Name() string {
	return "command"
}

// Run spawns the worker for one task and maps its exit code to an outcome.
// The first line of stdout becomes the result summary.
func (c *Command) Run(ctx context.Context, task graph.Task) (*scheduler.Result, error) {
	env := []string{
		"MENDER_TASK_ID=" + task.ID,
		"MENDER_TASK_ROLE=" + task.Role,
		"MENDER_TASK_GOAL=" + task.Goal,
		fmt.Sprintf("MENDER_TASK_VERIFICATION=%t", task.Verification),
	}
	if task.RemediationRoot != "" {
		env = append(env, "MENDER_REMEDIATION_ROOT="+task.RemediationRoot)
	}

	stdout, stderr, exitCode, err := c.runner.Run(ctx, "sh", []string{"-c", c.command}, c.workDir, env)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("spawning worker: %w", err)
		}
	}

	res := &scheduler.Result{TaskID: task.ID, Summary: firstLine(stdout)}
	switch exitCode {
	case exitSucceeded:
		res.Outcome = scheduler.OutcomeSucceeded
	case exitIssuesFound:
		res.Outcome = scheduler.OutcomeIssuesFound
		if res.Summary == "" {
			res.Summary = firstLine(stderr)
		}
	default:
		res.Outcome = scheduler.OutcomeExecutionFailed
		if s := firstLine(stderr); s != "" {
			res.Summary = s
		} else if res.Summary == "" {
			res.Summary = fmt.Sprintf("worker exited with code %d", exitCode)
		}
	}

	c.logger.DebugCtx("worker finished", map[string]any{
		"task_id": task.ID,
		"exit":    exitCode,
		"outcome": string(res.Outcome),
	})
	return res, nil
}

// firstLine returns the first non-empty line of s, trimmed and capped.
func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(line) > 200 {
			line = line[:200]
		}
		return line
	}
	return ""
}
