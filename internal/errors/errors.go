package errors

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ParallelParkError is implemented by every error a delegated call can return.
type ParallelParkError interface {
	error
	IsParallelParkError() bool
}

// Compile-time verification that all error types implement ParallelParkError.
var (
	_ ParallelParkError = (*UsageError)(nil)
	_ ParallelParkError = (*SpawnError)(nil)
	_ ParallelParkError = (*ProcessError)(nil)
	_ ParallelParkError = (*ProtocolError)(nil)
	_ ParallelParkError = (*ApplicationError)(nil)
)

var (
	// ErrNotWorker is returned when worker-only entrypoints run in a process
	// that was not spawned by a controller.
	ErrNotWorker = errors.New("not running as a parallelpark worker")

	// ErrChannelMissing indicates the worker could not open one of its
	// dedicated communication channels.
	ErrChannelMissing = errors.New("communication channel missing")
)

// UsageError reports invalid arguments. No process is spawned.
type UsageError struct {
	Op  string
	Msg string
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

// IsParallelParkError implements ParallelParkError.
func (e *UsageError) IsParallelParkError() bool { return true }

// SpawnError indicates the OS refused to create the worker process.
type SpawnError struct {
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn worker process: %v", e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// IsParallelParkError implements ParallelParkError.
func (e *SpawnError) IsParallelParkError() bool { return true }

// ProcessError indicates the worker exited with a nonzero status or was
// killed by a signal. Code is nil when the process was signalled, Signal is
// empty when it exited on its own.
type ProcessError struct {
	Code   *int
	Signal string
	Cause  error
}

func (e *ProcessError) Error() string {
	status := struct {
		Code   *int    `json:"code"`
		Signal *string `json:"signal"`
	}{Code: e.Code}
	if e.Signal != "" {
		status.Signal = &e.Signal
	}
	encoded, _ := json.Marshal(status)
	return fmt.Sprintf("worker process exited abnormally: %s", encoded)
}

func (e *ProcessError) Unwrap() error {
	return e.Cause
}

// IsParallelParkError implements ParallelParkError.
func (e *ProcessError) IsParallelParkError() bool { return true }

// ProtocolError indicates the response could not be parsed or carried a
// result type this controller does not understand. Raw holds the response
// text as received.
type ProtocolError struct {
	Msg string
	Raw string
	Err error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("internal parallelpark error: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("internal parallelpark error: %s", e.Msg)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsParallelParkError implements ParallelParkError.
func (e *ProtocolError) IsParallelParkError() bool { return true }

// ApplicationError is the delegated callable's own failure, rebuilt in the
// controller with a stack that spans the process boundary.
type ApplicationError struct {
	Name    string
	Message string
	Stack   string
}

func (e *ApplicationError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

// IsParallelParkError implements ParallelParkError.
func (e *ApplicationError) IsParallelParkError() bool { return true }

// Usage is shorthand for building a UsageError.
func Usage(op, format string, args ...any) error {
	return &UsageError{Op: op, Msg: fmt.Sprintf(format, args...)}
}
