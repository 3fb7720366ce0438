// Package ops guards an audit sink for operational use: records can be
// sampled per action, a circuit breaker stops hammering a failing
// destination, and every outcome is counted in Prometheus.
package ops

import (
	"context"
	"fmt"
	"log/slog"

	audit "audittrail/pkg/platform/audit"
	"audittrail/pkg/platform/circuit"
	"audittrail/pkg/platform/sentinel"
)

// ErrCircuitOpen is returned for records refused while the breaker is open.
var ErrCircuitOpen = fmt.Errorf("audit sink circuit open: %w", sentinel.ErrUnavailable)

// Sink wraps another sink with sampling, a circuit breaker and metrics.
// Sampled-out records are not errors. Refused and failed records are.
type Sink struct {
	next    audit.Sink
	breaker *circuit.Breaker
	sampler *Sampler
	metrics *Metrics
	logger  *slog.Logger
}

// Option configures the Sink.
type Option func(*Sink)

func WithBreaker(b *circuit.Breaker) Option {
	return func(s *Sink) { s.breaker = b }
}

func WithSampler(sm *Sampler) Option {
	return func(s *Sink) { s.sampler = sm }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Sink) { s.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Sink) { s.logger = logger }
}

// New guards next. Without options it only forwards.
func New(next audit.Sink, opts ...Option) *Sink {
	s := &Sink{next: next, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Deliver forwards rec unless sampling skips it or the breaker refuses it.
func (s *Sink) Deliver(ctx context.Context, rec audit.Record) error {
	if s.sampler != nil && !s.sampler.Keep(rec.Action) {
		if s.metrics != nil {
			s.metrics.Sampled.Inc()
		}
		return nil
	}
	if s.breaker != nil && !s.breaker.Allow() {
		if s.metrics != nil {
			s.metrics.CircuitDrops.Inc()
		}
		return fmt.Errorf("%w: %s", ErrCircuitOpen, s.breaker.Name())
	}

	err := s.next.Deliver(ctx, rec)
	if err != nil {
		if s.metrics != nil {
			s.metrics.Failures.WithLabelValues(string(rec.Phase)).Inc()
		}
		if s.breaker != nil {
			if _, change := s.breaker.RecordFailure(); change.Opened {
				s.logger.WarnContext(ctx, "audit sink circuit opened", "sink", s.breaker.Name(), "error", err)
				s.observeState()
			}
		}
		return err
	}

	if s.metrics != nil {
		s.metrics.Delivered.WithLabelValues(string(rec.Phase)).Inc()
	}
	if s.breaker != nil {
		if _, change := s.breaker.RecordSuccess(); change.Closed {
			s.logger.InfoContext(ctx, "audit sink circuit closed", "sink", s.breaker.Name())
			s.observeState()
		}
	}
	return nil
}

func (s *Sink) observeState() {
	if s.metrics != nil {
		s.metrics.setCircuitOpen(s.breaker.IsOpen())
	}
}
