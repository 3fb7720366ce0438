package concurrent

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
)

// RejectionPolicy handles a task the executor cannot accept, either because
// its queue is full and the pool is at its maximum size or because it has
// been shut down. e is the rejecting executor.
type RejectionPolicy interface {
	Reject(ctx context.Context, task Task, e *TrackedExecutor) error
}

// PolicyFunc adapts a function to the RejectionPolicy interface.
type PolicyFunc func(ctx context.Context, task Task, e *TrackedExecutor) error

// Reject calls f(ctx, task, e).
func (f PolicyFunc) Reject(ctx context.Context, task Task, e *TrackedExecutor) error {
	return f(ctx, task, e)
}

// Policy names one of the built-in rejection strategies.
type Policy string

const (
	// PolicyAbort fails the submission with ErrRejected.
	PolicyAbort Policy = "ABORT"
	// PolicyCallerRuns runs the task on the submitting goroutine. Once the
	// executor is shut down the task is discarded instead.
	PolicyCallerRuns Policy = "CALLER_RUNS"
	// PolicyDiscard silently drops the task.
	PolicyDiscard Policy = "DISCARD"
	// PolicyDiscardOldest drops the oldest queued task and retries the
	// submission. Once the executor is shut down the task is discarded.
	PolicyDiscardOldest Policy = "DISCARD_OLDEST"
)

// Policies lists the built-in strategies.
func Policies() []Policy {
	return []Policy{PolicyAbort, PolicyCallerRuns, PolicyDiscard, PolicyDiscardOldest}
}

// ParsePolicy resolves a policy name. Matching ignores case and accepts '-' in
// place of '_'.
func ParsePolicy(name string) (Policy, error) {
	normalized := Policy(strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(name)), "-", "_"))
	for _, p := range Policies() {
		if p == normalized {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
}

func (p Policy) String() string {
	return string(p)
}

// Reject applies the named strategy. Unknown names behave like ABORT.
func (p Policy) Reject(ctx context.Context, task Task, e *TrackedExecutor) error {
	switch p {
	case PolicyCallerRuns:
		if e.IsShutdown() {
			cancelTask(task)
			return nil
		}
		e.runTask(ctx, task)
		return nil
	case PolicyDiscard:
		cancelTask(task)
		return nil
	case PolicyDiscardOldest:
		if e.IsShutdown() {
			cancelTask(task)
			return nil
		}
		if oldest, ok := e.pollOldest(); ok {
			cancelTask(oldest)
		}
		return e.place(ctx, task)
	default:
		cancelTask(task)
		return fmt.Errorf("%w by %s", ErrRejected, e)
	}
}

func cancelTask(task Task) {
	if c, ok := task.(Canceller); ok {
		c.Cancel()
	}
}

// CountingPolicy is the fixed outer layer the executor installs around every
// rejection policy. It counts the rejection and delegates to the inner
// strategy, so the rejected counter keeps moving whichever strategy is
// active.
type CountingPolicy struct {
	inner    RejectionPolicy
	rejected *atomic.Int64
}

// Reject counts the rejection, logs it and delegates to the inner policy.
func (c *CountingPolicy) Reject(ctx context.Context, task Task, e *TrackedExecutor) error {
	c.rejected.Add(1)
	e.logger.WarnContext(ctx, "task rejected",
		"executor", e.Name(),
		"policy", policyName(c.inner),
		"queue_size", e.QueueSize(),
		"pool_size", e.PoolSize(),
		"shutdown", e.IsShutdown(),
	)
	return c.inner.Reject(ctx, task, e)
}

// Unwrap returns the strategy behind the counting layer.
func (c *CountingPolicy) Unwrap() RejectionPolicy {
	return c.inner
}

func (c *CountingPolicy) String() string {
	return "counting(" + policyName(c.inner) + ")"
}

func policyName(p RejectionPolicy) string {
	if s, ok := p.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", p)
}
