package checker

import (
	"fmt"
	"time"
)

// Outcome classifies how a check execution ended.
type Outcome int

const (
	// OutcomeExited means the command ran to completion; ExitCode is valid.
	OutcomeExited Outcome = iota
	// OutcomeTimedOut means the command was killed after exceeding its timeout.
	OutcomeTimedOut
	// OutcomeNotFound means the executable does not exist.
	OutcomeNotFound
	// OutcomeError covers every other failure to run the command.
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeExited:
		return "exited"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeError:
		return "error"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Status represents the health state derived from a result.
type Status string

const (
	StatusUp   Status = "up"
	StatusDown Status = "down"
)

// Result is the outcome of a single check execution.
type Result struct {
	Outcome  Outcome
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
	Err      error
}

// OK reports whether the check passed.
func (r Result) OK() bool {
	return r.Outcome == OutcomeExited && r.ExitCode == 0
}

// Status maps the result onto up/down.
func (r Result) Status() Status {
	if r.OK() {
		return StatusUp
	}
	return StatusDown
}

// Describe renders the outcome for logs and notifications.
func (r Result) Describe() string {
	switch r.Outcome {
	case OutcomeExited:
		return fmt.Sprintf("exit code %d", r.ExitCode)
	case OutcomeTimedOut:
		return fmt.Sprintf("timed out after %s", r.Duration.Round(time.Millisecond))
	case OutcomeNotFound:
		return "command not found"
	default:
		if r.Err != nil {
			return fmt.Sprintf("execution error: %v", r.Err)
		}
		return "execution error"
	}
}

// ErrorString returns Err as a string, or "" when there is none.
func (r Result) ErrorString() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}
