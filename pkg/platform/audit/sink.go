package audit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Sink delivers audit records to their destination. Implementations used
// with async definitions are called from executor workers and must be safe
// for concurrent use.
type Sink interface {
	Deliver(ctx context.Context, rec Record) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, rec Record) error

// Deliver calls f(ctx, rec).
func (f SinkFunc) Deliver(ctx context.Context, rec Record) error { return f(ctx, rec) }

// ConsoleSink prints each record on its own line. Meant for development and
// tests.
type ConsoleSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsoleSink writes to w, or to stdout when w is nil.
func NewConsoleSink(w io.Writer) *ConsoleSink {
	if w == nil {
		w = os.Stdout
	}
	return &ConsoleSink{w: w}
}

// Deliver writes rec.String() and a newline.
func (s *ConsoleSink) Deliver(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintln(s.w, rec.String()); err != nil {
		return fmt.Errorf("console sink: %w", err)
	}
	return nil
}

// LogSink writes each record as a structured log entry.
type LogSink struct {
	logger *slog.Logger
	level  slog.Level
}

// NewLogSink logs records on logger at level.
func NewLogSink(logger *slog.Logger, level slog.Level) *LogSink {
	return &LogSink{logger: logger, level: level}
}

func (s *LogSink) Deliver(ctx context.Context, rec Record) error {
	s.logger.LogAttrs(ctx, s.level, "audit",
		slog.String("audit_id", rec.ID.String()),
		slog.Time("timestamp", rec.Timestamp),
		slog.String("phase", string(rec.Phase)),
		slog.String("subject", rec.Subject),
		slog.String("action", rec.Action),
		slog.String("object", rec.Object),
		slog.String("origin", rec.Origin),
		slog.String("path", rec.Path),
		slog.String("message", rec.Message),
		slog.Bool("async", rec.Async),
	)
	return nil
}

// MultiSink delivers each record to every sink in order. All sinks are
// attempted; their errors are joined.
type MultiSink []Sink

// Deliver fans rec out to every sink.
func (m MultiSink) Deliver(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Deliver(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
