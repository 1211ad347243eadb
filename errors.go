package chatgate

import (
	"errors"
	"strconv"
)

// Sentinel errors crossing component boundaries.
var (
	// ErrBusy indicates the global concurrency ceiling is reached.
	// Admission refuses rather than queues to keep turn latency predictable.
	ErrBusy = errors.New("chatgate: busy")

	// ErrRateLimited indicates a per-origin or per-identity rate window
	// is exhausted.
	ErrRateLimited = errors.New("chatgate: rate limited")

	// ErrTerminated indicates the turn was stopped before completion
	// (client disconnect, explicit stop).
	ErrTerminated = errors.New("chatgate: turn terminated")

	// ErrUnavailable indicates the agent CLI cannot be started
	// (binary not found, spawn failure).
	ErrUnavailable = errors.New("chatgate: agent unavailable")

	// ErrTimeout indicates the turn exceeded its wall-clock deadline
	// and the subprocess was killed.
	ErrTimeout = errors.New("chatgate: turn timeout")

	// ErrStoreUnavailable indicates the persistent store failed and the
	// turn completed in degraded, in-memory-only mode.
	ErrStoreUnavailable = errors.New("chatgate: store unavailable")
)

// ExitError represents a subprocess that exited with a non-zero status.
// The underlying error stays in the chain, so errors.As reaches
// *exec.ExitError for OS-level detail.
//
// Code semantics: positive = exit status, negative (-1) = signal-killed.
//
// The runner produces ExitError only for natural exits. Stops initiated
// through Process.Stop produce ErrTerminated instead.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return "chatgate: exit status " + strconv.Itoa(e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode extracts the exit code from an error chain containing *ExitError.
// Returns (0, false) if the error does not contain an ExitError.
func ExitCode(err error) (int, bool) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code, true
	}
	return 0, false
}
