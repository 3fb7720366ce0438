package audit_test

//go:generate mockgen -source=sink.go -destination=mocks/mock_sink.go -package=mocks Sink

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"audittrail/pkg/platform/audit"
	"audittrail/pkg/platform/audit/expr"
	"audittrail/pkg/platform/audit/mocks"
	"audittrail/pkg/platform/concurrent"
	"audittrail/pkg/requestcontext"
)

// =============================================================================
// Auditor Test Suite
// =============================================================================
// The wrapper is where the phase rules live: which trigger fires for which
// outcome, which variables each phase sees, and which error reaches the
// caller. A gomock sink captures exactly what was delivered.

type AuditorSuite struct {
	suite.Suite
	ctrl    *gomock.Controller
	sink    *mocks.MockSink
	auditor *audit.Auditor
	logger  *slog.Logger

	mu        sync.Mutex
	delivered []audit.Record
}

func TestAuditorSuite(t *testing.T) {
	suite.Run(t, new(AuditorSuite))
}

func (s *AuditorSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.sink = mocks.NewMockSink(s.ctrl)
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.auditor = audit.NewAuditor(
		audit.NewDispatcher(s.sink, audit.WithDispatchLogger(s.logger)),
		audit.WithLogger(s.logger),
	)
	s.delivered = nil
}


// expectDeliveries captures n records.
func (s *AuditorSuite) expectDeliveries(n int) {
	s.sink.EXPECT().Deliver(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, rec audit.Record) error {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.delivered = append(s.delivered, rec)
			return nil
		}).Times(n)
}

func (s *AuditorSuite) records() []audit.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Record(nil), s.delivered...)
}

func succeed(result any) audit.Operation {
	return func(context.Context, ...any) (any, error) { return result, nil }
}

func fail(err error) audit.Operation {
	return func(context.Context, ...any) (any, error) { return nil, err }
}

// =============================================================================
// Phase selection
// =============================================================================

func (s *AuditorSuite) TestBeforePhase() {
	s.Run("message is built from named arguments", func() {
		s.SetupTest()
		s.expectDeliveries(1)
		op := s.auditor.Wrap(audit.Definition{
			Before: audit.Trigger{Message: `'start ' + #name + ' ' + #n`},
		}, []string{"name", "n"}, succeed("ok"))

		result, err := op(context.Background(), "X", 5)
		s.Require().NoError(err)
		s.Equal("ok", result)

		recs := s.records()
		s.Require().Len(recs, 1)
		s.Equal("start X 5", recs[0].Message)
		s.Equal(audit.PhaseBefore, recs[0].Phase)
		s.Equal(audit.UnknownSubject, recs[0].Subject)
		s.Equal(audit.UnknownOrigin, recs[0].Origin)
		s.False(recs[0].Async)
	})

	s.Run("positional names and args are always bound", func() {
		s.SetupTest()
		s.expectDeliveries(1)
		op := s.auditor.Wrap(audit.Definition{
			Before: audit.Trigger{Message: `#arg0 + '/' + #args[1] + '/' + #arg1`},
		}, []string{"name", "arg1"}, succeed(nil))

		_, err := op(context.Background(), "a", "b")
		s.Require().NoError(err)
		s.Equal("a/b/b", s.records()[0].Message)
	})

	s.Run("before phase does not see result", func() {
		s.SetupTest()
		called := false
		op := s.auditor.Wrap(audit.Definition{
			Before: audit.Trigger{Message: `'r=' + #result`},
		}, nil, func(context.Context, ...any) (any, error) {
			called = true
			return nil, nil
		})

		_, err := op(context.Background())
		var cfgErr *audit.ConfigError
		s.Require().ErrorAs(err, &cfgErr)
		s.Equal(audit.PhaseBefore, cfgErr.Phase)
		s.ErrorIs(err, expr.ErrUnbound)
		s.False(called, "operation must not run after a before-phase audit error")
	})
}

func (s *AuditorSuite) TestAfterPhaseOnlyOnSuccess() {
	def := audit.Definition{
		After:   audit.Trigger{Message: `'got ' + #result`},
		Failure: audit.Trigger{Message: `'failed: ' + #exception.message`},
	}

	s.Run("success fires after with result bound", func() {
		s.SetupTest()
		s.expectDeliveries(1)
		result, err := s.auditor.Wrap(def, nil, succeed(42))(context.Background())
		s.Require().NoError(err)
		s.Equal(42, result)

		recs := s.records()
		s.Require().Len(recs, 1)
		s.Equal(audit.PhaseAfter, recs[0].Phase)
		s.Equal("got 42", recs[0].Message)
	})

	s.Run("failure fires failure phase and returns the original error", func() {
		s.SetupTest()
		s.expectDeliveries(1)
		boom := errors.New("boom")

		_, err := s.auditor.Wrap(def, nil, fail(boom))(context.Background())
		s.Same(boom, err)

		recs := s.records()
		s.Require().Len(recs, 1)
		s.Equal(audit.PhaseFailure, recs[0].Phase)
		s.Equal("failed: boom", recs[0].Message)
	})
}

func (s *AuditorSuite) TestDisabledAndEmptyMessages() {
	s.Run("blank messages produce no delivery", func() {
		s.SetupTest()
		def := audit.Definition{Before: audit.Trigger{Message: "  ", Guard: "true"}}
		_, err := s.auditor.Wrap(def, nil, succeed(nil))(context.Background())
		s.NoError(err)
		_, err = s.auditor.Wrap(def, nil, fail(errors.New("x")))(context.Background())
		s.EqualError(err, "x")
	})

	s.Run("empty string literal is an emitted empty message", func() {
		s.SetupTest()
		s.expectDeliveries(1)
		_, err := s.auditor.Wrap(audit.Definition{After: audit.Trigger{Message: `''`}}, nil, succeed(nil))(context.Background())
		s.Require().NoError(err)
		recs := s.records()
		s.Require().Len(recs, 1)
		s.Equal("", recs[0].Message)
	})
}

func (s *AuditorSuite) TestGuards() {
	cases := []struct {
		guard string
		fires bool
	}{
		{"", true},
		{"true", true},
		{"false", false},
		{"#n > 3", true},
		{"#n > 10", false},
	}
	for _, tc := range cases {
		s.Run("guard "+tc.guard, func() {
			s.SetupTest()
			want := 0
			if tc.fires {
				want = 1
			}
			s.expectDeliveries(want)
			def := audit.Definition{Before: audit.Trigger{Message: `'m'`, Guard: tc.guard}}
			_, err := s.auditor.Wrap(def, []string{"n"}, succeed(nil))(context.Background(), 5)
			s.NoError(err)
			s.Len(s.records(), want)
		})
	}

	s.Run("non-boolean guard is a configuration error", func() {
		s.SetupTest()
		def := audit.Definition{After: audit.Trigger{Message: `'m'`, Guard: `#n + 1`}}
		result, err := s.auditor.Wrap(def, []string{"n"}, succeed("r"))(context.Background(), 5)

		s.Equal("r", result, "result is still returned")
		var cfgErr *audit.ConfigError
		s.Require().ErrorAs(err, &cfgErr)
		s.Equal(audit.PhaseAfter, cfgErr.Phase)
		s.Equal("guard", cfgErr.Field)
		s.ErrorIs(err, expr.ErrNotBoolean)
	})
}

// =============================================================================
// Error precedence
// =============================================================================

func (s *AuditorSuite) TestOperationErrorWinsOverFailureAuditError() {
	def := audit.Definition{Failure: audit.Trigger{Message: `#missing`}}
	boom := errors.New("boom")

	_, err := s.auditor.Wrap(def, nil, fail(boom))(context.Background())
	s.Same(boom, err)
	s.False(audit.IsAuditError(err))
}

type owner struct {
	Name string
}

type holder struct {
	*owner
}

type fragile struct{}

func (fragile) Describe() string { panic("describe failed") }

func (s *AuditorSuite) TestEvaluationPanicsAreConfigErrors() {
	s.Run("before phase reports a config error and skips the operation", func() {
		s.SetupTest()
		ran := false
		op := func(context.Context, ...any) (any, error) {
			ran = true
			return "r", nil
		}
		def := audit.Definition{Before: audit.Trigger{Message: `'user ' + #u.name`}}

		var err error
		s.Require().NotPanics(func() {
			_, err = s.auditor.Wrap(def, []string{"u"}, op)(context.Background(), holder{})
		})
		var cfgErr *audit.ConfigError
		s.Require().ErrorAs(err, &cfgErr)
		s.Equal(audit.PhaseBefore, cfgErr.Phase)
		s.ErrorIs(err, expr.ErrType)
		s.False(ran)
	})

	s.Run("failure phase keeps the operation error", func() {
		s.SetupTest()
		boom := errors.New("boom")
		def := audit.Definition{Failure: audit.Trigger{Message: `#f.describe`}}

		var err error
		s.Require().NotPanics(func() {
			_, err = s.auditor.Wrap(def, []string{"f"}, fail(boom))(context.Background(), fragile{})
		})
		s.Same(boom, err)
	})
}

func (s *AuditorSuite) TestSyncSinkFailureIsDispatchError() {
	s.Run("before phase failure stops the operation", func() {
		s.SetupTest()
		s.sink.EXPECT().Deliver(gomock.Any(), gomock.Any()).Return(errors.New("disk full"))
		called := false
		op := s.auditor.Wrap(audit.Definition{Before: audit.Trigger{Message: `'m'`}}, nil,
			func(context.Context, ...any) (any, error) {
				called = true
				return nil, nil
			})

		_, err := op(context.Background())
		var dispatchErr *audit.DispatchError
		s.Require().ErrorAs(err, &dispatchErr)
		s.Equal(audit.PhaseBefore, dispatchErr.Record.Phase)
		s.EqualError(errors.Unwrap(err), "disk full")
		s.False(called)
	})

	s.Run("after phase failure returns result and error", func() {
		s.SetupTest()
		s.sink.EXPECT().Deliver(gomock.Any(), gomock.Any()).Return(errors.New("disk full"))
		result, err := s.auditor.Wrap(audit.Definition{After: audit.Trigger{Message: `'m'`}}, nil, succeed(7))(context.Background())
		s.Equal(7, result)
		s.True(audit.IsAuditError(err))
	})
}

func (s *AuditorSuite) TestPanicFiresFailureAndRepanics() {
	s.expectDeliveries(1)
	op := s.auditor.Wrap(audit.Definition{
		Failure: audit.Trigger{Message: `'panicked: ' + #exception`},
	}, nil, func(context.Context, ...any) (any, error) {
		panic("kaboom")
	})

	s.PanicsWithValue("kaboom", func() {
		_, _ = op(context.Background())
	})
	recs := s.records()
	s.Require().Len(recs, 1)
	s.Equal("panicked: kaboom", recs[0].Message)
}

// =============================================================================
// Record fields
// =============================================================================

func (s *AuditorSuite) TestRecordFields() {
	s.Run("resolvers read the principal snapshot", func() {
		s.SetupTest()
		s.expectDeliveries(2)
		ctx := requestcontext.WithPrincipal(context.Background(), &requestcontext.Principal{Subject: "alice", Origin: "10.0.0.1"})
		def := audit.Definition{
			Before: audit.Trigger{Message: `'in'`},
			After:  audit.Trigger{Message: `'out'`},
			Action: `'update'`,
			Object: `'account:' + #id`,
			Path:   `'/accounts/' + #id`,
		}

		before := time.Now().Truncate(time.Millisecond)
		_, err := s.auditor.Wrap(def, []string{"id"}, succeed(nil))(ctx, 42)
		s.Require().NoError(err)

		recs := s.records()
		s.Require().Len(recs, 2)
		for _, rec := range recs {
			s.Equal("alice", rec.Subject)
			s.Equal("10.0.0.1", rec.Origin)
			s.Equal("update", rec.Action)
			s.Equal("account:42", rec.Object)
			s.Equal("/accounts/42", rec.Path)
			s.Zero(rec.Timestamp.Nanosecond() % int(time.Millisecond))
			s.False(rec.Timestamp.Before(before))
			s.IsType(&requestcontext.Principal{}, rec.Security)
		}
		s.NotEqual(recs[0].ID, recs[1].ID)
	})

	s.Run("declared subject and origin take precedence", func() {
		s.SetupTest()
		s.expectDeliveries(1)
		ctx := requestcontext.WithPrincipal(context.Background(), &requestcontext.Principal{Subject: "alice"})
		def := audit.Definition{
			Before:  audit.Trigger{Message: `'m'`},
			Subject: `'svc-' + #who`,
			Origin:  `'batch'`,
		}
		_, err := s.auditor.Wrap(def, []string{"who"}, succeed(nil))(ctx, "cron")
		s.Require().NoError(err)
		s.Equal("svc-cron", s.records()[0].Subject)
		s.Equal("batch", s.records()[0].Origin)
	})

	s.Run("malformed field expression stops the call", func() {
		s.SetupTest()
		def := audit.Definition{Before: audit.Trigger{Message: `'m'`}, Action: `'open`}
		_, err := s.auditor.Wrap(def, nil, succeed(nil))(context.Background())
		var cfgErr *audit.ConfigError
		s.Require().ErrorAs(err, &cfgErr)
		s.Equal("action", cfgErr.Field)
		s.ErrorIs(err, expr.ErrSyntax)
	})
}

func (s *AuditorSuite) TestCustomResolversAndBeans() {
	s.expectDeliveries(1)
	a := audit.NewAuditor(
		audit.NewDispatcher(s.sink),
		audit.WithLogger(s.logger),
		audit.WithSubjectResolver(audit.ResolverFunc(func(any) string { return "system" })),
		audit.WithSecurity(func(context.Context) any { return nil }),
		audit.WithEvaluator(expr.New(expr.WithResolver(func(name string) (any, bool) {
			return map[string]string{"name": "acme"}, name == "tenant"
		}))),
	)

	_, err := a.Wrap(audit.Definition{Before: audit.Trigger{Message: `'tenant ' + @tenant.name`}}, nil, succeed(nil))(context.Background())
	s.Require().NoError(err)
	s.Equal("tenant acme", s.records()[0].Message)
	s.Equal("system", s.records()[0].Subject)
}

func (s *AuditorSuite) TestTypedWrappers() {
	s.expectDeliveries(3)
	def := audit.Definition{After: audit.Trigger{Message: `'r=' + #result`}}

	get := audit.Wrap0(s.auditor, def, func(context.Context) (string, error) { return "v", nil })
	double := audit.Wrap1(s.auditor, def, "n", func(_ context.Context, n int) (int, error) { return 2 * n, nil })
	join := audit.Wrap2(s.auditor, audit.Definition{After: audit.Trigger{Message: `#a + #b`}}, [2]string{"a", "b"},
		func(_ context.Context, a, b string) (string, error) { return a + b, nil })

	v, err := get(context.Background())
	s.Require().NoError(err)
	s.Equal("v", v)
	n, err := double(context.Background(), 21)
	s.Require().NoError(err)
	s.Equal(42, n)
	j, err := join(context.Background(), "x", "y")
	s.Require().NoError(err)
	s.Equal("xy", j)

	recs := s.records()
	s.Equal("r=v", recs[0].Message)
	s.Equal("r=42", recs[1].Message)
	s.Equal("xy", recs[2].Message)
}

func (s *AuditorSuite) TestValidate() {
	s.NoError(s.auditor.Validate(audit.Definition{Before: audit.Trigger{Message: `'ok ' + #x`, Guard: `#x > 1`}}))

	err := s.auditor.Validate(audit.Definition{After: audit.Trigger{Message: `'ok'`, Guard: `#x >`}})
	var cfgErr *audit.ConfigError
	s.Require().ErrorAs(err, &cfgErr)
	s.Equal("after.guard", cfgErr.Field)
}

// =============================================================================
// Async delivery
// =============================================================================

func (s *AuditorSuite) TestAsyncDelivery() {
	s.Run("records are delivered on the executor", func() {
		s.SetupTest()
		s.expectDeliveries(2)
		exec, err := concurrent.New(1, 4, concurrent.WithLogger(s.logger))
		s.Require().NoError(err)
		a := audit.NewAuditor(
			audit.NewDispatcher(s.sink, audit.WithExecutor(exec), audit.WithDispatchLogger(s.logger)),
			audit.WithLogger(s.logger),
		)
		def := audit.Definition{Async: true, Before: audit.Trigger{Message: `'in'`}, After: audit.Trigger{Message: `'out'`}}

		_, err = a.Wrap(def, nil, succeed(nil))(context.Background())
		s.Require().NoError(err)

		exec.Shutdown()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Require().NoError(exec.AwaitTermination(ctx))

		s.Len(s.records(), 2)
		for _, rec := range s.records() {
			s.True(rec.Async)
		}
		s.EqualValues(2, exec.SubmittedTaskCount())
		s.EqualValues(2, exec.CompletedTaskCount())
	})

	s.Run("sink failure is counted not returned", func() {
		s.SetupTest()
		s.sink.EXPECT().Deliver(gomock.Any(), gomock.Any()).Return(errors.New("down"))
		exec, err := concurrent.New(1, 1, concurrent.WithLogger(s.logger))
		s.Require().NoError(err)
		a := audit.NewAuditor(audit.NewDispatcher(s.sink, audit.WithExecutor(exec), audit.WithDispatchLogger(s.logger)), audit.WithLogger(s.logger))

		_, err = a.Wrap(audit.Definition{Async: true, Before: audit.Trigger{Message: `'m'`}}, nil, succeed(nil))(context.Background())
		s.NoError(err)

		exec.Shutdown()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Require().NoError(exec.AwaitTermination(ctx))
		s.EqualValues(1, exec.FailedTaskCount())
	})

	s.Run("rejected submission is a dispatch error", func() {
		s.SetupTest()
		exec, err := concurrent.New(1, 1, concurrent.WithLogger(s.logger))
		s.Require().NoError(err)
		exec.Shutdown()
		a := audit.NewAuditor(audit.NewDispatcher(s.sink, audit.WithExecutor(exec), audit.WithDispatchLogger(s.logger)), audit.WithLogger(s.logger))

		_, err = a.Wrap(audit.Definition{Async: true, Before: audit.Trigger{Message: `'m'`}}, nil, succeed(nil))(context.Background())
		var dispatchErr *audit.DispatchError
		s.Require().ErrorAs(err, &dispatchErr)
		s.ErrorIs(err, concurrent.ErrRejected)
		s.EqualValues(1, exec.RejectedTaskCount())
	})

	s.Run("async without executor", func() {
		s.SetupTest()
		_, err := s.auditor.Wrap(audit.Definition{Async: true, Before: audit.Trigger{Message: `'m'`}}, nil, succeed(nil))(context.Background())
		s.ErrorIs(err, audit.ErrNoExecutor)
	})
}
