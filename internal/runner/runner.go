// Package runner spawns external programs (git, the build wrapper, the
// container runtime) and captures what they print.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Command describes one program invocation.
type Command struct {
	// Dir is the working directory. Empty means the current directory.
	Dir  string
	Name string
	Args []string
	// Env is appended to the parent environment.
	Env []string
}

// String renders the command line for logs and error messages.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Result is a finished invocation.
type Result struct {
	Command  Command
	Output   string
	Duration time.Duration
}

// Runner runs a command to completion.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// ExitError reports a command that ran but did not succeed: a non-zero exit
// or a kill because ctx ended. In the latter case Err wraps the context error.
type ExitError struct {
	Command  Command
	ExitCode int
	Output   string
	Err      error
}

func (e *ExitError) Error() string {
	if e.Err != nil && (errors.Is(e.Err, context.DeadlineExceeded) || errors.Is(e.Err, context.Canceled)) {
		return fmt.Sprintf("%s: interrupted: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("%s: exit status %d", e.Command, e.ExitCode)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NotFoundError reports an executable missing from PATH or the working
// directory.
type NotFoundError struct {
	Name string
	Err  error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("executable not found: %s", e.Name)
}

func (e *NotFoundError) Unwrap() error {
	return e.Err
}

// OutputOf returns the captured output carried by err, if any.
func OutputOf(err error) string {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Output
	}
	return ""
}

// waitDelay bounds how long Run waits for output pipes after the process
// group has been killed.
const waitDelay = 2 * time.Second

// ExecRunner runs commands with os/exec. The zero value is usable.
type ExecRunner struct {
	// Logger receives one line per invocation. Nil discards.
	Logger *slog.Logger
	// Stream, when set, receives output as it is produced.
	Stream io.Writer
}

// NewExecRunner returns an ExecRunner logging to logger.
func NewExecRunner(logger *slog.Logger, stream io.Writer) *ExecRunner {
	return &ExecRunner{Logger: logger, Stream: stream}
}

// Run implements Runner. It imposes no timeout of its own; ctx cancellation
// kills the child and everything it started.
func (r *ExecRunner) Run(ctx context.Context, cmd Command) (*Result, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...) // #nosec G204 -- arguments come from validated descriptors and config
	c.Dir = cmd.Dir
	c.WaitDelay = waitDelay
	setProcessGroup(c)
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}

	var buf bytes.Buffer
	var out io.Writer = &buf
	if r.Stream != nil {
		out = io.MultiWriter(&buf, r.Stream)
	}
	c.Stdout = out
	c.Stderr = out

	logger.Debug("exec", "cmd", cmd.String(), "dir", cmd.Dir)
	start := time.Now()
	err := c.Run()
	res := &Result{Command: cmd, Output: buf.String(), Duration: time.Since(start)}

	if err == nil {
		logger.Debug("exec done", "cmd", cmd.Name, "duration", res.Duration)
		return res, nil
	}

	if errors.Is(err, exec.ErrNotFound) {
		return res, &NotFoundError{Name: cmd.Name, Err: err}
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) && errors.Is(pathErr.Err, os.ErrNotExist) {
		return res, &NotFoundError{Name: cmd.Name, Err: err}
	}

	exitErr := &ExitError{Command: cmd, ExitCode: -1, Output: res.Output, Err: err}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		exitErr.ExitCode = ee.ExitCode()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		exitErr.Err = ctxErr
	}
	logger.Debug("exec failed", "cmd", cmd.Name, "exit_code", exitErr.ExitCode, "duration", res.Duration, "error", err)
	return res, exitErr
}
