package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrNoTimeout rejects specs without a timeout. Nothing the
	// harness runs is allowed to block unbounded.
	ErrNoTimeout = errors.New("tools: command timeout is required")

	// ErrTimeout marks a command that exceeded its wall-clock bound
	// and had its process group terminated.
	ErrTimeout = errors.New("tools: command timed out")
)

// ExitError reports a command that ran to completion with a non-zero
// exit code.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("tools: command exited with code %d", e.Code)
	}
	return fmt.Sprintf("tools: command exited with code %d: %s", e.Code, e.Stderr)
}

// Spec describes one bounded command invocation.
type Spec struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string // appended to the inherited environment
	Timeout time.Duration
	Stream  bool // stream to the controlling terminal instead of capturing
}

// Result holds captured output from a completed command.
type Result struct {
	Stdout string
	Stderr string
}

// Runner executes local commands under an enforced timeout.
type Runner interface {
	Run(ctx context.Context, spec Spec) (Result, error)
}

// ExecRunner implements Runner with os/exec. Commands run in their own
// process group so a timeout can reap spawned children too.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, spec Spec) (Result, error) {
	if spec.Timeout <= 0 {
		return Result{}, ErrNoTimeout
	}

	log.Info().
		Str("cmd", commandText(spec)).
		Dur("timeout", spec.Timeout).
		Msg("exec")

	runCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	configureProcessGroup(cmd)
	cmd.Cancel = func() error {
		terminateProcessGroup(cmd)
		return nil
	}

	var stdout, stderr bytes.Buffer
	if spec.Stream {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	} else {
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
	}

	err := cmd.Run()
	result := Result{
		Stdout: strings.TrimRight(stdout.String(), " \t\r\n"),
		Stderr: strings.TrimSpace(stderr.String()),
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return result, fmt.Errorf("%w after %s: %s", ErrTimeout, spec.Timeout, commandText(spec))
	}
	if err == nil {
		return result, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return result, &ExitError{Code: exitErr.ExitCode(), Stderr: result.Stderr}
	}
	return result, fmt.Errorf("tools: %s: %w", commandText(spec), err)
}

func commandText(spec Spec) string {
	if len(spec.Args) == 0 {
		return spec.Name
	}
	return spec.Name + " " + strings.Join(spec.Args, " ")
}
