package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrGraphFrozen is returned when a frozen graph is modified.
	ErrGraphFrozen = errors.New("task graph is frozen")
	// ErrUpstreamFailed is recorded on instances that never ran because an upstream failed.
	ErrUpstreamFailed = errors.New("upstream task failed")
)

// ConfigError reports malformed task or graph configuration. It is detected
// while the graph is built and is never retried.
type ConfigError struct {
	TaskID string
	Msg    string
	Err    error
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("config error")
	if e.TaskID != "" {
		fmt.Fprintf(&b, " in task %q", e.TaskID)
	}
	if e.Msg != "" {
		b.WriteString(": " + e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *ConfigError) Unwrap() error { return e.Err }

func configErrorf(taskID, format string, args ...any) error {
	return &ConfigError{TaskID: taskID, Msg: fmt.Sprintf(format, args...)}
}

// TransientError wraps a warehouse or source store failure that may succeed
// on a later attempt.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err unless it is a context error, which must stay
// recognizable as cancellation.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &TransientError{Op: op, Err: err}
}

// DataQualityError is a failed data assertion. Retrying cannot fix stale data,
// so it always fails the run.
type DataQualityError struct {
	Table  string
	Column string
	Msg    string
}

func (e *DataQualityError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("data quality check failed for %s.%s: %s", e.Table, e.Column, e.Msg)
	}
	return fmt.Sprintf("data quality check failed for %s: %s", e.Table, e.Msg)
}

// CycleError rejects an edge that would close a cycle.
type CycleError struct {
	From string
	To   string
}

func (e *CycleError) Error() string {
	if e.From == e.To {
		return fmt.Sprintf("cycle detected: task %q depends on itself", e.From)
	}
	return fmt.Sprintf("cycle detected: edge %q -> %q would create a cycle", e.From, e.To)
}

// DuplicateIDError rejects a second task with an existing id.
type DuplicateIDError struct {
	ID string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("task with ID %q already exists", e.ID)
}

// BlockedError marks a run that could not finish because instances stayed
// pending, typically on depends_on_past.
type BlockedError struct {
	TaskIDs []string
	Reason  string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("tasks never became ready (%s): %s", e.Reason, strings.Join(e.TaskIDs, ", "))
}

// Retryable reports whether a failed attempt should be retried. Config and
// data quality failures and cancellation are final; everything else the
// warehouse or source store reports is treated as transient, since the
// warehouse client only distinguishes success from failure.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		return false
	}
	var dqErr *DataQualityError
	return !errors.As(err, &dqErr)
}
