package concurrent

import "errors"

// Sentinel errors returned by the tracked executor and its tasks. Callers match
// them with errors.Is; the executor wraps them with its current state.
var (
	// ErrRejected is returned by the ABORT policy when a task cannot be queued
	// because the pool is saturated or shut down.
	ErrRejected = errors.New("task rejected")

	// ErrInvalidConfig is returned by New for impossible pool bounds.
	ErrInvalidConfig = errors.New("invalid executor configuration")

	// ErrUnknownPolicy is returned by ParsePolicy for unrecognised names.
	ErrUnknownPolicy = errors.New("unknown rejection policy")

	// ErrCancelled is the outcome of a Future cancelled before it completed.
	ErrCancelled = errors.New("task cancelled")

	// ErrTaskPanicked marks a task that panicked on a worker. The panic value is
	// attached to the wrapping error message.
	ErrTaskPanicked = errors.New("task panicked during execution")
)

// ErrNilTask is returned when Execute is called without a task.
var ErrNilTask = errors.New("nil task")
