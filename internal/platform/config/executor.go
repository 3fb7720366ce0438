package config

import (
	"fmt"
	"log/slog"
	"time"

	"audittrail/pkg/platform/concurrent"
	"audittrail/pkg/platform/metrics"
)

// Defaults for the asynchronous audit executor.
const (
	DefaultCoreSize      = 1
	DefaultMaxSize       = 4
	DefaultIdleTimeout   = 3 * time.Second
	DefaultPolicy        = string(concurrent.PolicyAbort)
	DefaultMetricsPrefix = "wd.commons.audit."
	DefaultExecutorName  = "asyncAuditExecutor"
)

// Executor describes the pool that delivers asynchronous audit records.
type Executor struct {
	QueueCapacity int
	CoreSize      int
	MaxSize       int
	IdleTimeout   time.Duration
	Policy        string
	MetricsPrefix string
	Name          string
}

func (e Executor) Validate() error {
	if _, err := concurrent.ParsePolicy(e.Policy); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch {
	case e.QueueCapacity <= 0:
		return fmt.Errorf("%w: queue capacity %d must be positive", ErrInvalid, e.QueueCapacity)
	case e.CoreSize < 0, e.MaxSize <= 0, e.MaxSize < e.CoreSize:
		return fmt.Errorf("%w: pool sizes core=%d max=%d", ErrInvalid, e.CoreSize, e.MaxSize)
	}
	return nil
}

// Build creates the executor and the metrics describing it. The metrics are
// not bound; callers register them with their registry or meter.
func (e Executor) Build(logger *slog.Logger) (*concurrent.TrackedExecutor, *metrics.ExecutorMetrics, error) {
	policy, err := concurrent.ParsePolicy(e.Policy)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	exec, err := concurrent.New(e.CoreSize, e.MaxSize,
		concurrent.WithName(e.Name),
		concurrent.WithQueueCapacity(e.QueueCapacity),
		concurrent.WithIdleTimeout(e.IdleTimeout),
		concurrent.WithRejectionPolicy(policy),
		concurrent.WithLogger(logger),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("build audit executor: %w", err)
	}
	logger.Info("audit executor created",
		"name", e.Name,
		"core", e.CoreSize,
		"max", e.MaxSize,
		"queue_capacity", e.QueueCapacity,
		"policy", policy.String(),
	)
	return exec, metrics.NewExecutorMetrics(exec, e.Name, e.MetricsPrefix, nil), nil
}
