package checker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"time"
)

// waitDelay bounds how long Run waits for output pipes after the process is
// killed, in case the check left children holding them open.
const waitDelay = 2 * time.Second

// CommandExecutor runs a check command with a timeout.
type CommandExecutor interface {
	Run(ctx context.Context, argv []string, timeout time.Duration) Result
}

// osExecutor is the real CommandExecutor that uses os/exec.
type osExecutor struct{}

// NewExecutor returns a CommandExecutor backed by os/exec.
func NewExecutor() CommandExecutor {
	return &osExecutor{}
}

// Run executes argv and never returns an error past this boundary: every
// failure is folded into the Result.
func (e *osExecutor) Run(ctx context.Context, argv []string, timeout time.Duration) (res Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = Result{
				Outcome:  OutcomeError,
				Err:      fmt.Errorf("panic while running check: %v", r),
				Duration: time.Since(start),
			}
		}
	}()

	if len(argv) == 0 || argv[0] == "" {
		return Result{Outcome: OutcomeError, Err: errors.New("empty command")}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	err := cmd.Run()
	res = Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}

	var exitErr *exec.ExitError
	switch {
	case errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist):
		res.Outcome = OutcomeNotFound
		res.Stdout = nil
		res.Stderr = []byte(fmt.Sprintf("check command not found: %s", argv[0]))
		res.Err = err
	case ctx.Err() != nil:
		res.Outcome = OutcomeError
		res.Err = fmt.Errorf("check interrupted: %w", ctx.Err())
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.Outcome = OutcomeTimedOut
		res.Err = fmt.Errorf("check exceeded timeout of %s", timeout)
	case err == nil:
		res.Outcome = OutcomeExited
		res.ExitCode = 0
	case errors.As(err, &exitErr):
		res.Outcome = OutcomeExited
		res.ExitCode = exitErr.ExitCode()
	default:
		res.Outcome = OutcomeError
		res.Err = fmt.Errorf("running %s: %w", argv[0], err)
	}
	return res
}
