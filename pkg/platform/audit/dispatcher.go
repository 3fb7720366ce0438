package audit

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"audittrail/pkg/platform/concurrent"
)

const tracerName = "audittrail/pkg/platform/audit"

// Dispatcher routes records to a sink, either on the calling goroutine or
// through an executor.
type Dispatcher struct {
	sink     Sink
	executor concurrent.Executor
	logger   *slog.Logger
	tracer   trace.Tracer
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithExecutor sets the executor for async records. Without one, async
// records fail with ErrNoExecutor.
func WithExecutor(e concurrent.Executor) DispatcherOption {
	return func(d *Dispatcher) {
		d.executor = e
	}
}

// WithDispatchLogger sets the logger for delivery failures.
func WithDispatchLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithTracerProvider sets the provider for dispatch spans. Defaults to the
// global provider.
func WithTracerProvider(tp trace.TracerProvider) DispatcherOption {
	return func(d *Dispatcher) {
		d.tracer = tp.Tracer(tracerName)
	}
}

// NewDispatcher creates a Dispatcher delivering to sink.
func NewDispatcher(sink Sink, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		sink:   sink,
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch delivers rec.
//
// Sync records go to the sink before Dispatch returns; a sink error is
// returned as a *DispatchError. Async records are handed to the executor and
// Dispatch returns without waiting. Only a refused submission is returned;
// failures inside the worker are logged and counted by the executor.
func (d *Dispatcher) Dispatch(ctx context.Context, rec Record) error {
	ctx, span := d.tracer.Start(ctx, "audit.dispatch", trace.WithAttributes(
		attribute.String("audit.phase", string(rec.Phase)),
		attribute.String("audit.action", rec.Action),
		attribute.Bool("audit.async", rec.Async),
	))
	defer span.End()

	err := d.dispatch(ctx, rec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "audit dispatch failed")
	}
	return err
}

func (d *Dispatcher) dispatch(ctx context.Context, rec Record) error {
	if !rec.Async {
		if err := d.sink.Deliver(ctx, rec); err != nil {
			return &DispatchError{Record: rec, Err: err}
		}
		return nil
	}

	if d.executor == nil {
		return &DispatchError{Record: rec, Err: ErrNoExecutor}
	}
	task := &deliveryTask{sink: d.sink, rec: rec, logger: d.logger}
	if err := d.executor.Execute(ctx, task); err != nil {
		return &DispatchError{Record: rec, Err: err}
	}
	return nil
}

// deliveryTask delivers one record on an executor worker.
type deliveryTask struct {
	sink   Sink
	rec    Record
	logger *slog.Logger
}

func (t *deliveryTask) Run(ctx context.Context) error {
	if err := t.sink.Deliver(ctx, t.rec); err != nil {
		t.logger.ErrorContext(ctx, "async audit delivery failed",
			"record_id", t.rec.ID,
			"phase", t.rec.Phase,
			"action", t.rec.Action,
			"error", err,
		)
		return err
	}
	return nil
}
