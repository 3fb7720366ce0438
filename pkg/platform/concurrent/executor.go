package concurrent

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/clockz"
)

// Executor accepts tasks for asynchronous execution.
type Executor interface {
	Execute(ctx context.Context, task Task) error
}

// Tracker exposes task lifecycle counters. All counts are monotonic and safe
// to read concurrently with execution.
type Tracker interface {
	SubmittedTaskCount() int64
	CompletedTaskCount() int64
	FailedTaskCount() int64
	RejectedTaskCount() int64
}

// Pool exposes the native sizing metrics of a worker pool.
type Pool interface {
	PoolSize() int
	CoreSize() int
	MaxSize() int
	ActiveCount() int
	QueueSize() int
	RemainingCapacity() int
}

// Defaults used by New when the corresponding option is not given.
const (
	DefaultIdleTimeout   = 3 * time.Second
	DefaultQueueCapacity = math.MaxInt32
	DefaultName          = "executor"
)

type runState int32

const (
	stateRunning runState = iota
	stateShutdown
	stateStopped
	stateTerminated
)

// Option configures a TrackedExecutor during creation.
type Option func(*TrackedExecutor)

// WithIdleTimeout sets how long workers above the core size wait for work
// before retiring. Default is DefaultIdleTimeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(e *TrackedExecutor) {
		e.idleTimeout = d
	}
}

// WithQueueCapacity bounds the task queue. Default is DefaultQueueCapacity.
func WithQueueCapacity(capacity int) Option {
	return func(e *TrackedExecutor) {
		e.queue = newTaskQueue(capacity)
	}
}

// WithRejectionPolicy sets the initial rejection policy. Default is PolicyAbort.
func WithRejectionPolicy(p RejectionPolicy) Option {
	return func(e *TrackedExecutor) {
		e.initialPolicy = p
	}
}

// WithName names the pool in logs, String output and metrics.
func WithName(name string) Option {
	return func(e *TrackedExecutor) {
		e.name = name
	}
}

// WithClock sets the clock used for idle timeouts.
// Default is clockz.RealClock.
func WithClock(clock clockz.Clock) Option {
	return func(e *TrackedExecutor) {
		e.clock = clock
	}
}

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *TrackedExecutor) {
		e.logger = logger
	}
}

// TrackedExecutor is a bounded worker pool that counts submitted, completed,
// failed and rejected tasks.
//
// Placement follows the classic bounded pool rules:
//   - below the core size a new worker is started for the task
//   - otherwise the task is offered to the queue without blocking
//   - if the queue is full a worker above the core size is started, up to the max size
//   - otherwise the task is rejected through the active RejectionPolicy
//
// Every installed policy is wrapped in a CountingPolicy, so the rejected
// counter is maintained whichever strategy is active, including right after
// SetRejectionPolicy.
type TrackedExecutor struct {
	name          string
	core          int
	max           int
	idleTimeout   time.Duration
	clock         clockz.Clock
	logger        *slog.Logger
	initialPolicy RejectionPolicy

	// Context handed to tasks run by workers; cancelled by ShutdownNow.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	queue   *taskQueue
	largest int

	// Written under mu, read lock-free.
	state   atomic.Int32
	workers atomic.Int32

	signal     chan struct{}
	done       chan struct{}
	doneOnce   sync.Once
	terminated chan struct{}

	policy atomic.Pointer[CountingPolicy]

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
	active    atomic.Int64
	queued    atomic.Int64
}

// New creates a TrackedExecutor keeping core workers alive and growing up to
// max workers when the queue is full.
//
// Returns ErrInvalidConfig if core < 0, max <= 0, max < core, the idle timeout
// is negative or the queue capacity is not positive.
func New(core, max int, opts ...Option) (*TrackedExecutor, error) {
	e := &TrackedExecutor{
		name:        DefaultName,
		core:        core,
		max:         max,
		idleTimeout: DefaultIdleTimeout,
		clock:       clockz.RealClock,
		logger:      slog.Default(),
		queue:       newTaskQueue(DefaultQueueCapacity),
	}
	for _, opt := range opts {
		opt(e)
	}

	switch {
	case core < 0:
		return nil, fmt.Errorf("%w: core size %d is negative", ErrInvalidConfig, core)
	case max <= 0:
		return nil, fmt.Errorf("%w: max size %d must be positive", ErrInvalidConfig, max)
	case max < core:
		return nil, fmt.Errorf("%w: max size %d is below core size %d", ErrInvalidConfig, max, core)
	case e.idleTimeout < 0:
		return nil, fmt.Errorf("%w: idle timeout %s is negative", ErrInvalidConfig, e.idleTimeout)
	case e.queue.capacity <= 0:
		return nil, fmt.Errorf("%w: queue capacity %d must be positive", ErrInvalidConfig, e.queue.capacity)
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.signal = make(chan struct{}, max)
	e.done = make(chan struct{})
	e.terminated = make(chan struct{})
	e.SetRejectionPolicy(e.initialPolicy)
	e.initialPolicy = nil
	return e, nil
}

// Execute schedules task. The submitted counter is incremented before
// placement, so rejected attempts are counted as both submitted and rejected.
// The returned error is whatever the active rejection policy returns; a nil
// error does not guarantee the task will run (DISCARD policies).
func (e *TrackedExecutor) Execute(ctx context.Context, task Task) error {
	if task == nil {
		return ErrNilTask
	}
	e.submitted.Add(1)
	return e.place(ctx, task)
}

// Submit wraps fn in a Future and executes it. On error the future has been
// cancelled and is not returned.
func (e *TrackedExecutor) Submit(ctx context.Context, fn Callable) (*Future, error) {
	f := NewFuture(fn)
	if err := e.Execute(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

// place runs the placement rules without touching the submitted counter;
// DISCARD_OLDEST retries through it.
func (e *TrackedExecutor) place(ctx context.Context, task Task) error {
	e.mu.Lock()
	if e.runState() != stateRunning {
		e.mu.Unlock()
		return e.reject(ctx, task)
	}

	if int(e.workers.Load()) < e.core {
		e.startWorkerLocked(task)
		e.mu.Unlock()
		return nil
	}

	if e.queue.offer(task) {
		e.queued.Add(1)
		if e.workers.Load() == 0 {
			e.startWorkerLocked(nil)
		}
		e.mu.Unlock()
		e.wake()
		return nil
	}

	if int(e.workers.Load()) < e.max {
		e.startWorkerLocked(task)
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()
	return e.reject(ctx, task)
}

func (e *TrackedExecutor) reject(ctx context.Context, task Task) error {
	return e.policy.Load().Reject(ctx, task, e)
}

// wake hands a token to an idle worker. A full signal buffer already holds a
// token for every worker, so dropping is safe.
func (e *TrackedExecutor) wake() {
	select {
	case e.signal <- struct{}{}:
	default:
	}
}

func (e *TrackedExecutor) startWorkerLocked(first Task) {
	n := int(e.workers.Add(1))
	if n > e.largest {
		e.largest = n
	}
	go e.worker(first)
}

func (e *TrackedExecutor) worker(task Task) {
	for {
		if task != nil {
			e.runTask(e.ctx, task)
		}
		var ok bool
		if task, ok = e.next(); !ok {
			return
		}
	}
}

// next blocks until a task is available or the worker should exit. Exiting
// workers are retired before next returns false.
func (e *TrackedExecutor) next() (Task, bool) {
	for {
		e.mu.Lock()
		state := e.runState()
		if state < stateStopped {
			if task, ok := e.queue.poll(); ok {
				e.queued.Add(-1)
				e.mu.Unlock()
				return task, true
			}
		}
		if state != stateRunning {
			e.retireLocked()
			e.mu.Unlock()
			return nil, false
		}
		timed := int(e.workers.Load()) > e.core
		e.mu.Unlock()

		if !timed {
			select {
			case <-e.signal:
			case <-e.done:
			}
			continue
		}

		select {
		case <-e.signal:
		case <-e.done:
		case <-e.clock.After(e.idleTimeout):
			e.mu.Lock()
			if e.runState() == stateRunning && int(e.workers.Load()) > e.core && e.queue.len() == 0 {
				e.retireLocked()
				e.mu.Unlock()
				return nil, false
			}
			e.mu.Unlock()
		}
	}
}

func (e *TrackedExecutor) retireLocked() {
	if e.workers.Add(-1) == 0 && e.runState() != stateRunning {
		e.terminateLocked()
	}
}

func (e *TrackedExecutor) terminateLocked() {
	if e.runState() == stateTerminated {
		return
	}
	e.state.Store(int32(stateTerminated))
	close(e.terminated)
	e.cancel()
	e.logger.Info("executor terminated",
		"executor", e.name,
		"submitted", e.submitted.Load(),
		"completed", e.completed.Load(),
		"failed", e.failed.Load(),
		"rejected", e.rejected.Load(),
	)
}

// runTask executes task and records exactly one terminal outcome. Panics are
// recovered; Deferred tasks are awaited so failures carried in a future are
// counted as failures.
func (e *TrackedExecutor) runTask(ctx context.Context, task Task) {
	e.active.Add(1)
	defer e.active.Add(-1)

	err := e.runSafely(ctx, task)
	if err == nil {
		if d, ok := task.(Deferred); ok {
			err = d.Wait(context.WithoutCancel(ctx))
		}
	}
	if err != nil {
		e.failed.Add(1)
		e.logger.DebugContext(ctx, "task failed", "executor", e.name, "error", err)
		return
	}
	e.completed.Add(1)
}

func (e *TrackedExecutor) runSafely(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "task panicked", "executor", e.name, "panic", r)
			err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
		}
	}()
	return task.Run(ctx)
}

// pollOldest removes the head of the queue. Used by DISCARD_OLDEST.
func (e *TrackedExecutor) pollOldest() (Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	task, ok := e.queue.poll()
	if ok {
		e.queued.Add(-1)
	}
	return task, ok
}

// SetRejectionPolicy atomically replaces the rejection strategy. The counting
// layer is kept: a CountingPolicy already bound to this executor is installed
// as is, any other policy is wrapped. A nil policy installs PolicyAbort.
func (e *TrackedExecutor) SetRejectionPolicy(p RejectionPolicy) {
	e.policy.Store(e.counting(p))
}

func (e *TrackedExecutor) counting(p RejectionPolicy) *CountingPolicy {
	if p == nil {
		p = PolicyAbort
	}
	if c, ok := p.(*CountingPolicy); ok && c != nil {
		if c.rejected == &e.rejected {
			return c
		}
		p = c.inner
	}
	return &CountingPolicy{inner: p, rejected: &e.rejected}
}

// RejectionPolicy returns the installed policy, always a *CountingPolicy.
func (e *TrackedExecutor) RejectionPolicy() RejectionPolicy {
	return e.policy.Load()
}

// Shutdown stops accepting tasks. Queued tasks are still run; workers exit
// once the queue is drained.
func (e *TrackedExecutor) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.runState() == stateRunning {
		e.state.Store(int32(stateShutdown))
		e.logger.Info("executor shutting down", "executor", e.name, "queued", e.queue.len())
	}
	e.closeDone()
	e.settleLocked()
}

// ShutdownNow stops accepting tasks, removes and returns the queued tasks and
// cancels the context of running tasks. Running tasks are not waited for.
func (e *TrackedExecutor) ShutdownNow() []Task {
	e.mu.Lock()
	if e.runState() < stateStopped {
		e.state.Store(int32(stateStopped))
	}
	pending := e.queue.drain()
	e.queued.Add(-int64(len(pending)))
	e.closeDone()
	e.settleLocked()
	e.mu.Unlock()

	e.cancel()
	e.logger.Info("executor stopped", "executor", e.name, "dropped", len(pending))
	return pending
}

// settleLocked terminates an idle pool or makes sure a queued backlog has a
// worker to drain it.
func (e *TrackedExecutor) settleLocked() {
	if e.workers.Load() > 0 {
		return
	}
	if e.runState() == stateShutdown && e.queue.len() > 0 {
		e.startWorkerLocked(nil)
		return
	}
	e.terminateLocked()
}

func (e *TrackedExecutor) closeDone() {
	e.doneOnce.Do(func() { close(e.done) })
}

// AwaitTermination blocks until every worker has exited after a shutdown, or
// until ctx is done.
func (e *TrackedExecutor) AwaitTermination(ctx context.Context) error {
	select {
	case <-e.terminated:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *TrackedExecutor) runState() runState {
	return runState(e.state.Load())
}

// IsShutdown reports whether Shutdown or ShutdownNow has been called.
func (e *TrackedExecutor) IsShutdown() bool {
	return e.runState() != stateRunning
}

// IsTerminating reports whether the pool is shut down but still has workers.
func (e *TrackedExecutor) IsTerminating() bool {
	s := e.runState()
	return s == stateShutdown || s == stateStopped
}

// IsTerminated reports whether every worker has exited after a shutdown.
func (e *TrackedExecutor) IsTerminated() bool {
	return e.runState() == stateTerminated
}

// Name returns the pool name.
func (e *TrackedExecutor) Name() string { return e.name }

// SubmittedTaskCount returns the number of Execute calls, accepted or not.
func (e *TrackedExecutor) SubmittedTaskCount() int64 { return e.submitted.Load() }

// CompletedTaskCount returns the number of tasks that ran without error.
func (e *TrackedExecutor) CompletedTaskCount() int64 { return e.completed.Load() }

// FailedTaskCount returns the number of tasks that returned an error,
// panicked, were cancelled or whose deferred result failed.
func (e *TrackedExecutor) FailedTaskCount() int64 { return e.failed.Load() }

// RejectedTaskCount returns the number of rejections, whichever policy
// handled them.
func (e *TrackedExecutor) RejectedTaskCount() int64 { return e.rejected.Load() }

// PoolSize returns the current number of workers.
func (e *TrackedExecutor) PoolSize() int { return int(e.workers.Load()) }

// CoreSize returns the number of workers kept alive while idle.
func (e *TrackedExecutor) CoreSize() int { return e.core }

// MaxSize returns the upper bound on workers.
func (e *TrackedExecutor) MaxSize() int { return e.max }

// ActiveCount returns the number of tasks currently running, including tasks
// run on callers by CALLER_RUNS.
func (e *TrackedExecutor) ActiveCount() int { return int(e.active.Load()) }

// QueueSize returns the number of queued tasks.
func (e *TrackedExecutor) QueueSize() int { return int(e.queued.Load()) }

// RemainingCapacity returns how many more tasks the queue accepts.
func (e *TrackedExecutor) RemainingCapacity() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.remaining()
}

// LargestPoolSize returns the highest number of workers seen at once.
func (e *TrackedExecutor) LargestPoolSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.largest
}

// String identifies the pool and its state, e.g.
// "audit[Running, pool size = 1, active workers = 0, queued tasks = 0, completed tasks = 3]".
func (e *TrackedExecutor) String() string {
	state := "Running"
	switch {
	case e.IsTerminated():
		state = "Terminated"
	case e.IsTerminating():
		state = "Shutting down"
	}
	return fmt.Sprintf("%s[%s, pool size = %d, active workers = %d, queued tasks = %d, completed tasks = %d]",
		e.name, state, e.PoolSize(), e.ActiveCount(), e.QueueSize(), e.CompletedTaskCount())
}
