// Package execx runs external tools with bounded, cancellable execution and
// captured output.
package execx

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	toolerrors "github.com/bibin-skaria/cosplay/internal/errors"
)

// waitDelay bounds how long Run waits for output pipes after the process
// has been killed.
const waitDelay = 2 * time.Second

// Command describes one invocation of an external program
type Command struct {
	Program string
	Args    []string
	Dir     string
	Env     map[string]string
	// Timeout bounds the invocation; zero means only ctx applies.
	Timeout time.Duration
	// Stream, when set, also receives stdout and stderr as they are written.
	Stream io.Writer
}

func (c Command) String() string {
	return strings.TrimSpace(c.Program + " " + strings.Join(c.Args, " "))
}

// Result holds the output of a finished command
type Result struct {
	Stdout   string
	Stderr   string
	Combined string
	ExitCode int
	Duration time.Duration
}

// Success reports whether the command exited with status zero
func (r *Result) Success() bool {
	return r.ExitCode == 0
}

// Diagnostic returns stderr, or the combined output when stderr is empty
func (r *Result) Diagnostic() string {
	if strings.TrimSpace(r.Stderr) != "" {
		return r.Stderr
	}
	return r.Combined
}

// Runner executes commands. A non-zero exit is not an error: callers inspect
// Result.ExitCode. Errors are reserved for commands that could not run to
// completion.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// ExecRunner runs commands as child processes
type ExecRunner struct{}

// NewExecRunner creates a runner backed by os/exec
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes cmd and waits for it to finish
func (r *ExecRunner) Run(ctx context.Context, cmd Command) (*Result, error) {
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	c := exec.CommandContext(ctx, cmd.Program, cmd.Args...)
	c.Dir = cmd.Dir
	c.WaitDelay = waitDelay
	if len(cmd.Env) > 0 {
		c.Env = os.Environ()
		for k, v := range cmd.Env {
			c.Env = append(c.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}

	var stdout, stderr bytes.Buffer
	combined := &lockedBuffer{}
	outWriters := []io.Writer{&stdout, combined}
	errWriters := []io.Writer{&stderr, combined}
	if cmd.Stream != nil {
		outWriters = append(outWriters, cmd.Stream)
		errWriters = append(errWriters, cmd.Stream)
	}
	c.Stdout = io.MultiWriter(outWriters...)
	c.Stderr = io.MultiWriter(errWriters...)

	start := time.Now()
	err := c.Run()
	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Combined: combined.String(),
		Duration: time.Since(start),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		result.ExitCode = -1
		return result, contextError(ctxErr, cmd, result)
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		result.ExitCode = 0
	case stderrors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		result.ExitCode = -1
		return result, fmt.Errorf("failed to run %s: %w", cmd.Program, err)
	}

	return result, nil
}

// lockedBuffer is written from both the stdout and stderr copy goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func contextError(ctxErr error, cmd Command, result *Result) error {
	if stderrors.Is(ctxErr, context.DeadlineExceeded) {
		return toolerrors.NewErrorBuilder().
			Kind(toolerrors.KindExternalToolTimeout).
			Operation(cmd.Program).
			Messagef("%s did not finish within its deadline", cmd.String()).
			Cause(ctxErr).
			Diagnostic(result.Diagnostic()).
			Build()
	}
	return fmt.Errorf("%s interrupted: %w", cmd.String(), ctxErr)
}
