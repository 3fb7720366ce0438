package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"audittrail/internal/platform/config"
	platformmetrics "audittrail/internal/platform/metrics"
	redisclient "audittrail/internal/platform/redis"
	"audittrail/pkg/platform/audit"
	"audittrail/pkg/platform/audit/expr"
	"audittrail/pkg/platform/audit/store/memory"
	"audittrail/pkg/platform/concurrent"
	"audittrail/pkg/platform/middleware/auth"
)

const executorDrainTimeout = 10 * time.Second

// transferOperation names the sample operation in the definitions file.
const transferOperation = "transfer"

// defaultTransferDefinition is used when the definitions file has no entry
// for the transfer operation.
var defaultTransferDefinition = audit.Definition{
	Action: `'transfer'`,
	Object: `#from + ' -> ' + #to`,
	Path:   `'/transfers'`,
	Before: audit.Trigger{Message: `'transfer of ' + #amount + ' requested'`},
	After: audit.Trigger{
		Message: `'transfer ' + #result.reference + ' completed, ' + @ledger.count + ' so far'`,
	},
	Failure: audit.Trigger{Message: `'transfer failed: ' + #exception.message`},
}

// app holds the wired service.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *platformmetrics.Metrics

	executor *concurrent.TrackedExecutor
	auditor  *audit.Auditor
	tokens   *auth.HMACTokens
	ledger   *ledger
	transfer func(ctx context.Context, from, to string, amount int64) (Transfer, error)

	memory  *memory.Store
	records recordReader
	db      *sql.DB
	redis   *redisclient.Client

	// flushers run until shutdown has drained the executor.
	flushers []func(ctx context.Context) error
	// workers run until the service context is cancelled.
	workers []func(ctx context.Context) error
	closers []func() error
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: platformmetrics.New(),
		tokens:  auth.NewHMACTokens(cfg.Server.JWTSigningKey, cfg.Server.JWTIssuer),
		memory:  memory.NewStore(),
	}
	a.records = memoryReader{a.memory}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	exec, execMetrics, err := cfg.Executor.Build(logger)
	if err != nil {
		return nil, err
	}
	a.executor = exec
	if err := a.metrics.BindExecutor(execMetrics); err != nil {
		return nil, err
	}
	if cfg.PolicyFile != "" {
		a.workers = append(a.workers, config.NewPolicyWatcher(cfg.PolicyFile, exec, logger).Run)
	}

	sink, err := a.buildSinks(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.startConsumer(); err != nil {
		return nil, err
	}

	a.ledger = newLedger(a.db)
	if err := a.ledger.ensureSchema(ctx); err != nil {
		return nil, err
	}

	eval := expr.New(expr.WithResolver(a.resolveBean))
	dispatcher := audit.NewDispatcher(sink,
		audit.WithExecutor(exec),
		audit.WithDispatchLogger(logger),
	)
	a.auditor = audit.NewAuditor(dispatcher,
		audit.WithEvaluator(eval),
		audit.WithLogger(logger),
	)

	defs, err := loadDefinitions(cfg)
	if err != nil {
		return nil, err
	}
	if err := defs.Validate(a.auditor); err != nil {
		return nil, err
	}
	a.transfer = audit.Wrap3(a.auditor, defs.Lookup(transferOperation),
		[3]string{"from", "to", "amount"}, a.ledger.Transfer)

	logger.Info("auditd ready",
		"sinks", cfg.Sinks,
		"operations", defs.Names(),
		"executor", exec.String(),
	)
	return a, nil
}

// loadDefinitions reads the definitions file and fills in the sample
// operation when the file does not declare it.
func loadDefinitions(cfg config.Config) (config.Definitions, error) {
	defs, err := config.LoadDefinitions(cfg.DefinitionsFile)
	if err != nil {
		return nil, err
	}
	if _, ok := defs[transferOperation]; !ok {
		defs[transferOperation] = defaultTransferDefinition
	}
	return defs, nil
}

// resolveBean serves '@name' references in audit expressions.
func (a *app) resolveBean(name string) (any, bool) {
	switch name {
	case "ledger":
		return a.ledger, true
	case "executor":
		return a.executor, true
	}
	return nil, false
}

// drainExecutor stops accepting records and waits for queued deliveries.
func (a *app) drainExecutor() {
	if a.executor == nil {
		return
	}
	a.executor.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), executorDrainTimeout)
	defer cancel()
	if err := a.executor.AwaitTermination(ctx); err != nil {
		dropped := a.executor.ShutdownNow()
		a.logger.Warn("audit executor did not drain in time",
			"error", err,
			"dropped", len(dropped),
		)
		return
	}
	a.logger.Info("audit executor drained",
		"completed", a.executor.CompletedTaskCount(),
		"failed", a.executor.FailedTaskCount(),
		"rejected", a.executor.RejectedTaskCount(),
	)
}

// Close releases clients in reverse order of creation.
func (a *app) Close() error {
	if a.executor != nil && !a.executor.IsShutdown() {
		a.executor.ShutdownNow()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close auditd: %w", err)
	}
	return nil
}
