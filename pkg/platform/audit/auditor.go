package audit

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/clockz"

	"audittrail/pkg/platform/audit/expr"
	"audittrail/pkg/requestcontext"
)

// Operation is the shape of an audited call. Typed functions are adapted
// with Wrap0 through Wrap3.
type Operation func(ctx context.Context, args ...any) (any, error)

// RecordDispatcher accepts built records. *Dispatcher is the implementation.
type RecordDispatcher interface {
	Dispatch(ctx context.Context, rec Record) error
}

// Auditor wraps operations so that each call produces audit records as its
// Definition describes.
type Auditor struct {
	dispatcher RecordDispatcher
	eval       Evaluator
	triggers   *TriggerEvaluator
	subjects   SubjectResolver
	origins    OriginResolver
	security   func(ctx context.Context) any
	clock      clockz.Clock
	logger     *slog.Logger
}

// Option configures an Auditor.
type Option func(*Auditor)

// WithEvaluator sets the expression evaluator. Default is expr.New().
func WithEvaluator(e Evaluator) Option {
	return func(a *Auditor) {
		a.eval = e
	}
}

// WithSubjectResolver sets the resolver used when a definition declares no
// subject. Default is PrincipalSubject.
func WithSubjectResolver(r SubjectResolver) Option {
	return func(a *Auditor) {
		a.subjects = r
	}
}

// WithOriginResolver sets the resolver used when a definition declares no
// origin. Default is PrincipalOrigin.
func WithOriginResolver(r OriginResolver) Option {
	return func(a *Auditor) {
		a.origins = r
	}
}

// WithSecurity sets how the identity snapshot is taken from the caller's
// context. Default reads requestcontext.PrincipalFrom.
func WithSecurity(fn func(ctx context.Context) any) Option {
	return func(a *Auditor) {
		a.security = fn
	}
}

// WithClock sets the clock stamping records. Default is clockz.RealClock.
func WithClock(clock clockz.Clock) Option {
	return func(a *Auditor) {
		a.clock = clock
	}
}

// WithLogger sets the logger for audit errors. Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(a *Auditor) {
		a.logger = logger
	}
}

// NewAuditor creates an Auditor dispatching through d.
func NewAuditor(d RecordDispatcher, opts ...Option) *Auditor {
	a := &Auditor{
		dispatcher: d,
		eval:       expr.New(),
		subjects:   PrincipalSubject{},
		origins:    PrincipalOrigin{},
		security:   principalSnapshot,
		clock:      clockz.RealClock,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.triggers = NewTriggerEvaluator(a.eval)
	return a
}

func principalSnapshot(ctx context.Context) any {
	if p := requestcontext.PrincipalFrom(ctx); p != nil {
		return p
	}
	return nil
}

// Validate parses every expression of def when the evaluator can compile
// ahead of time, so malformed declarations fail at startup rather than on the
// first call.
func (a *Auditor) Validate(def Definition) error {
	c, ok := a.eval.(interface{ Compile(string) error })
	if !ok {
		return nil
	}
	for label, expression := range def.Expressions() {
		if err := c.Compile(expression); err != nil {
			return &ConfigError{Field: label, Expression: expression, Err: err}
		}
	}
	return nil
}

// Wrap returns op instrumented with def. params names op's arguments in
// order; they become expression variables alongside arg0, arg1, ...
//
// On each call:
//   - record fields (subject, action, object, origin, path) are evaluated
//     and the before trigger fires, all before op runs; an error here is
//     returned and op is not called
//   - if op succeeds, "result" is bound and the after trigger fires; an
//     audit error is returned together with op's result
//   - if op fails, "exception" is bound to its error and the failure trigger
//     fires; op's error is returned unchanged and any audit error is only
//     logged
//   - if op panics, "exception" is bound to the panic value, the failure
//     trigger fires and the panic is resumed
//
// Audit errors are *ConfigError or *DispatchError and are always logged.
func (a *Auditor) Wrap(def Definition, params []string, op Operation) Operation {
	if !def.Enabled() {
		return op
	}
	return func(ctx context.Context, args ...any) (any, error) {
		cc := NewCallContext(params, args, a.security(ctx))
		base, err := a.header(ctx, def, cc)
		if err != nil {
			return nil, err
		}
		if err := a.fire(ctx, PhaseBefore, def, base, cc); err != nil {
			return nil, err
		}

		out := invoke(ctx, op, args)
		switch {
		case out.panicked:
			cc.SetException(out.panicValue)
			_ = a.fire(ctx, PhaseFailure, def, base, cc)
			panic(out.panicValue)
		case out.err != nil:
			cc.SetException(out.err)
			_ = a.fire(ctx, PhaseFailure, def, base, cc)
			return out.result, out.err
		}

		cc.SetResult(out.result)
		if err := a.fire(ctx, PhaseAfter, def, base, cc); err != nil {
			return out.result, err
		}
		return out.result, nil
	}
}

type outcome struct {
	result     any
	err        error
	panicValue any
	panicked   bool
}

func invoke(ctx context.Context, op Operation, args []any) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = outcome{panicValue: r, panicked: true}
		}
	}()
	out.result, out.err = op(ctx, args...)
	return out
}

// header builds the record fields shared by every phase of one call.
func (a *Auditor) header(ctx context.Context, def Definition, cc *CallContext) (Record, error) {
	rec := Record{Async: def.Async, Security: cc.Security()}
	fields := []struct {
		name       string
		expression string
		dst        *string
	}{
		{"action", def.Action, &rec.Action},
		{"object", def.Object, &rec.Object},
		{"path", def.Path, &rec.Path},
		{"subject", def.Subject, &rec.Subject},
		{"origin", def.Origin, &rec.Origin},
	}
	for _, f := range fields {
		v, err := a.triggers.Field(f.name, f.expression, cc)
		if err != nil {
			a.logError(ctx, "audit field evaluation failed", err)
			return Record{}, err
		}
		*f.dst = v
	}
	if isBlank(def.Subject) {
		rec.Subject = a.subjects.Resolve(cc.Security())
	}
	if isBlank(def.Origin) {
		rec.Origin = a.origins.Resolve(cc.Security())
	}
	return rec, nil
}

// fire evaluates phase's trigger and dispatches a record when it fires.
func (a *Auditor) fire(ctx context.Context, phase Phase, def Definition, base Record, cc *CallContext) error {
	msg, ok, err := a.triggers.Evaluate(phase, def.Trigger(phase), cc)
	if err != nil {
		a.logError(ctx, "audit trigger evaluation failed", err)
		return err
	}
	if !ok {
		return nil
	}

	rec := base
	rec.ID = uuid.New()
	rec.Phase = phase
	rec.Message = msg
	rec.Timestamp = a.clock.Now().Truncate(time.Millisecond)

	a.logger.DebugContext(ctx, "audit record built", "record", rec.String())
	if err := a.dispatcher.Dispatch(ctx, rec); err != nil {
		a.logError(ctx, "audit dispatch failed", err)
		return err
	}
	return nil
}

func (a *Auditor) logError(ctx context.Context, msg string, err error) {
	a.logger.ErrorContext(ctx, msg,
		"request_id", requestcontext.RequestID(ctx),
		"error", err,
	)
}

// Wrap0 audits a function without arguments.
func Wrap0[R any](a *Auditor, def Definition, fn func(context.Context) (R, error)) func(context.Context) (R, error) {
	op := a.Wrap(def, nil, func(ctx context.Context, _ ...any) (any, error) {
		return fn(ctx)
	})
	return func(ctx context.Context) (R, error) {
		return typed[R](op(ctx))
	}
}

// Wrap1 audits a function of one argument named param.
func Wrap1[A, R any](a *Auditor, def Definition, param string, fn func(context.Context, A) (R, error)) func(context.Context, A) (R, error) {
	op := a.Wrap(def, []string{param}, func(ctx context.Context, args ...any) (any, error) {
		return fn(ctx, as[A](args[0]))
	})
	return func(ctx context.Context, x A) (R, error) {
		return typed[R](op(ctx, x))
	}
}

// Wrap2 audits a function of two arguments named params.
func Wrap2[A, B, R any](a *Auditor, def Definition, params [2]string, fn func(context.Context, A, B) (R, error)) func(context.Context, A, B) (R, error) {
	op := a.Wrap(def, params[:], func(ctx context.Context, args ...any) (any, error) {
		return fn(ctx, as[A](args[0]), as[B](args[1]))
	})
	return func(ctx context.Context, x A, y B) (R, error) {
		return typed[R](op(ctx, x, y))
	}
}

// Wrap3 audits a function of three arguments named params.
func Wrap3[A, B, C, R any](a *Auditor, def Definition, params [3]string, fn func(context.Context, A, B, C) (R, error)) func(context.Context, A, B, C) (R, error) {
	op := a.Wrap(def, params[:], func(ctx context.Context, args ...any) (any, error) {
		return fn(ctx, as[A](args[0]), as[B](args[1]), as[C](args[2]))
	})
	return func(ctx context.Context, x A, y B, z C) (R, error) {
		return typed[R](op(ctx, x, y, z))
	}
}

// as converts an argument back to its static type; a nil interface becomes
// the zero value.
func as[T any](v any) T {
	t, _ := v.(T)
	return t
}

func typed[R any](v any, err error) (R, error) {
	return as[R](v), err
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
