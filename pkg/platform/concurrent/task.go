package concurrent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Task is a unit of work run by an executor.
//
// The context handed to Run is the worker's context, which ShutdownNow
// cancels, or the submitter's context when a CALLER_RUNS policy runs the task
// on the submitting goroutine.
type Task interface {
	Run(ctx context.Context) error
}

// TaskFunc adapts a plain function to the Task interface.
type TaskFunc func(ctx context.Context) error

// Run calls f(ctx).
func (f TaskFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// Deferred is a handle on an asynchronous outcome. The executor waits on
// tasks implementing it before deciding whether they completed or failed, so
// a task that returns cleanly but carries a failed result is still counted as
// failed.
type Deferred interface {
	Wait(ctx context.Context) error
}

// Canceller is implemented by tasks that can be abandoned. Rejection policies
// cancel the tasks they drop so waiters are released.
type Canceller interface {
	Cancel() bool
}

// Callable is the work wrapped by a Future.
type Callable func(ctx context.Context) (any, error)

const (
	futurePending int32 = iota
	futureRunning
	futureDone
	futureCancelled
)

// Future is a Task that keeps the value and error produced by its Callable.
// Run never returns the callable's error; the outcome is read through Wait or
// Get. If the callable returns a Deferred value, the future waits on it and
// adopts its outcome.
type Future struct {
	fn    Callable
	state atomic.Int32
	done  chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	value  any
	err    error
}

// NewFuture wraps fn in a pending Future.
func NewFuture(fn Callable) *Future {
	return &Future{fn: fn, done: make(chan struct{})}
}

// Run executes the callable once. Later calls, and calls after Cancel, are
// no-ops.
func (f *Future) Run(ctx context.Context) error {
	if !f.state.CompareAndSwap(futurePending, futureRunning) {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	f.mu.Lock()
	f.cancel = cancel
	f.mu.Unlock()
	if f.state.Load() == futureCancelled {
		cancel()
	}

	value, err := f.call(ctx)
	if err == nil {
		if inner, ok := value.(Deferred); ok {
			err = inner.Wait(ctx)
		}
	}
	f.complete(value, err)
	return nil
}

func (f *Future) call(ctx context.Context) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
		}
	}()
	return f.fn(ctx)
}

func (f *Future) complete(value any, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.state.CompareAndSwap(futureRunning, futureDone) {
		return
	}
	f.value, f.err = value, err
	close(f.done)
}

// Cancel abandons the future. A pending future never runs; a running one has
// its context cancelled. Waiters observe ErrCancelled. Returns false if the
// future had already completed or been cancelled.
func (f *Future) Cancel() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state.CompareAndSwap(futurePending, futureCancelled) ||
		f.state.CompareAndSwap(futureRunning, futureCancelled) {
		f.err = ErrCancelled
		if f.cancel != nil {
			f.cancel()
		}
		close(f.done)
		return true
	}
	return false
}

// Wait blocks until the future completes or ctx is done and returns the
// callable's error.
func (f *Future) Wait(ctx context.Context) error {
	_, err := f.Get(ctx)
	return err
}

// Get blocks until the future completes or ctx is done.
func (f *Future) Get(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.result()
	default:
	}
	select {
	case <-f.done:
		return f.result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Future) result() (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

// Done is closed once the future completes or is cancelled.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// IsCancelled reports whether Cancel won over completion.
func (f *Future) IsCancelled() bool {
	return f.state.Load() == futureCancelled
}
