// Package buffered decouples record producers from a slow destination. Deliver
// only appends to a bounded ring buffer; a background loop flushes batches to
// the destination.
package buffered

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zoobzio/clockz"

	audit "audittrail/pkg/platform/audit"
)

// BatchSink is implemented by destinations that accept many records per call,
// such as the postgres store.
type BatchSink interface {
	DeliverBatch(ctx context.Context, recs []audit.Record) error
}

// Sink buffers records for a destination sink.
type Sink struct {
	next      audit.Sink
	buffer    *RingBuffer
	batchSize int
	interval  time.Duration
	clock     clockz.Clock
	logger    *slog.Logger
	flushNow  chan struct{}
}

// Option configures the Sink.
type Option func(*Sink)

// WithCapacity sets the ring buffer size. Default 10000.
func WithCapacity(n int) Option {
	return func(s *Sink) { s.buffer = NewRingBuffer(n) }
}

// WithBatchSize sets the maximum records per flush call. Default 100.
func WithBatchSize(n int) Option {
	return func(s *Sink) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithFlushInterval sets how often Run flushes. Default 1s.
func WithFlushInterval(d time.Duration) Option {
	return func(s *Sink) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithClock(clock clockz.Clock) Option {
	return func(s *Sink) { s.clock = clock }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Sink) { s.logger = logger }
}

// New buffers records for next.
func New(next audit.Sink, opts ...Option) *Sink {
	s := &Sink{
		next:      next,
		buffer:    NewRingBuffer(0),
		batchSize: 100,
		interval:  time.Second,
		clock:     clockz.RealClock,
		logger:    slog.Default(),
		flushNow:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Deliver buffers rec and never fails. A full buffer drops its oldest record.
// Reaching a full batch wakes the flush loop early.
func (s *Sink) Deliver(ctx context.Context, rec audit.Record) error {
	if s.buffer.Enqueue(rec) {
		s.logger.WarnContext(ctx, "audit buffer full, dropped oldest record",
			"dropped_total", s.buffer.Dropped(),
		)
	}
	if s.buffer.Len() >= s.batchSize {
		select {
		case s.flushNow <- struct{}{}:
		default:
		}
	}
	return nil
}

// Run flushes on every interval until ctx is done, then drains what is left
// with a fresh context.
func (s *Sink) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.Flush(context.WithoutCancel(ctx)); err != nil {
				s.logger.Error("final audit flush failed", "error", err)
			}
			return ctx.Err()
		case <-ticker.C():
		case <-s.flushNow:
		}
		if err := s.Flush(ctx); err != nil {
			s.logger.ErrorContext(ctx, "audit flush failed", "error", err)
		}
	}
}

// Flush sends every buffered record to the destination in batches. Records of
// a failed batch are lost; the error is returned after the remaining batches
// are attempted.
func (s *Sink) Flush(ctx context.Context) error {
	var failed int
	var last error
	for {
		batch := s.buffer.DequeueBatch(s.batchSize)
		if len(batch) == 0 {
			break
		}
		if err := s.deliver(ctx, batch); err != nil {
			failed += len(batch)
			last = err
		}
	}
	if last != nil {
		return fmt.Errorf("flush audit buffer: %d records in failed batches: %w", failed, last)
	}
	return nil
}

func (s *Sink) deliver(ctx context.Context, batch []audit.Record) error {
	if bs, ok := s.next.(BatchSink); ok {
		return bs.DeliverBatch(ctx, batch)
	}
	var last error
	for _, rec := range batch {
		if err := s.next.Deliver(ctx, rec); err != nil {
			last = err
		}
	}
	return last
}

// Len reports how many records wait for the next flush.
func (s *Sink) Len() int { return s.buffer.Len() }

// Dropped reports how many records were lost to overflow.
func (s *Sink) Dropped() int64 { return s.buffer.Dropped() }
