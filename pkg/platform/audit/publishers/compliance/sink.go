// Package compliance provides a fail-closed audit sink for regulatory records.
//
// Records are validated and written synchronously; if validation or the write
// fails, the error is returned and, for sync definitions, the audited call
// fails with it. Use it for operations whose audit trail is mandatory.
package compliance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	audit "audittrail/pkg/platform/audit"
)

// ErrIncomplete is returned for records missing a field compliance requires.
var ErrIncomplete = errors.New("compliance record incomplete")

// Metrics observes compliance writes.
type Metrics struct {
	PersistDuration prometheus.Histogram
	PersistFailures prometheus.Counter
	Rejected        prometheus.Counter
}

// NewMetrics registers compliance metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PersistDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "audittrail_compliance_persist_duration_seconds",
			Help:    "Time spent writing compliance audit records",
			Buckets: prometheus.DefBuckets,
		}),
		PersistFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "audittrail_compliance_persist_failures_total",
			Help: "Compliance audit records that could not be written",
		}),
		Rejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "audittrail_compliance_rejected_total",
			Help: "Compliance audit records rejected as incomplete",
		}),
	}
}

// Sink writes compliance records with fail-closed semantics.
type Sink struct {
	store   audit.Sink
	logger  *slog.Logger
	metrics *Metrics
}

// Option configures the Sink.
type Option func(*Sink)

// WithLogger sets a logger for error reporting.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sink) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(s *Sink) {
		s.metrics = m
	}
}

// New creates a compliance sink writing to store.
func New(store audit.Sink, opts ...Option) *Sink {
	s := &Sink{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Deliver validates rec and writes it. A record with an unresolved subject or
// no action is refused.
func (s *Sink) Deliver(ctx context.Context, rec audit.Record) error {
	if err := validate(rec); err != nil {
		if s.metrics != nil {
			s.metrics.Rejected.Inc()
		}
		return err
	}

	start := time.Now()
	if err := s.store.Deliver(ctx, rec); err != nil {
		if s.metrics != nil {
			s.metrics.PersistFailures.Inc()
		}
		s.logger.ErrorContext(ctx, "CRITICAL: compliance audit failed",
			"record_id", rec.ID,
			"action", rec.Action,
			"subject", rec.Subject,
			"error", err,
		)
		return fmt.Errorf("compliance audit persistence failed: %w", err)
	}
	if s.metrics != nil {
		s.metrics.PersistDuration.Observe(time.Since(start).Seconds())
	}
	return nil
}

func validate(rec audit.Record) error {
	switch {
	case strings.TrimSpace(rec.Action) == "":
		return fmt.Errorf("%w: action is required", ErrIncomplete)
	case strings.TrimSpace(rec.Subject) == "" || rec.Subject == audit.UnknownSubject:
		return fmt.Errorf("%w: subject is required", ErrIncomplete)
	}
	return nil
}
