package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotImplemented is returned by an activation strategy that has no way to
// deploy in the current environment. It must never be reported as success.
var ErrNotImplemented = errors.New("no deployment logic configured")

// ConfigurationError reports an unknown environment or invalid configuration.
type ConfigurationError struct {
	Environment string
	Reason      string
}

func (e *ConfigurationError) Error() string {
	if e.Environment != "" {
		return fmt.Sprintf("configuration error: %s: %s", e.Reason, e.Environment)
	}
	return "configuration error: " + e.Reason
}

// PrerequisiteError reports a missing manifest, missing tool, or a dirty
// working tree when targeting production.
type PrerequisiteError struct {
	Check  string
	Reason string
}

func (e *PrerequisiteError) Error() string {
	return fmt.Sprintf("prerequisite %s failed: %s", e.Check, e.Reason)
}

// ExecutionError reports an external command that exited non-zero.
type ExecutionError struct {
	Command  string
	ExitCode int
	Output   string
	Err      error
}

func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("command failed: %s (exit %d)", e.Command, e.ExitCode)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + lastLines(out, 20)
	}
	return msg
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// TimeoutError reports an operation that did not finish before its deadline.
type TimeoutError struct {
	Operation string
	Deadline  time.Duration
	Attempts  int
}

func (e *TimeoutError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("%s timed out after %s (%d attempts)", e.Operation, e.Deadline, e.Attempts)
	}
	return fmt.Sprintf("%s timed out after %s", e.Operation, e.Deadline)
}

// NotificationError reports a sink that failed to deliver. It is logged and
// never escalated to a pipeline failure.
type NotificationError struct {
	Sink string
	Err  error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("notification via %s failed: %v", e.Sink, e.Err)
}

func (e *NotificationError) Unwrap() error { return e.Err }

func lastLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
