package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/lib/pq"

	"audittrail/internal/platform/config"
	redisclient "audittrail/internal/platform/redis"
	"audittrail/pkg/platform/audit"
	"audittrail/pkg/platform/audit/consumer"
	"audittrail/pkg/platform/audit/publishers/buffered"
	"audittrail/pkg/platform/audit/publishers/compliance"
	kafkapub "audittrail/pkg/platform/audit/publishers/kafka"
	"audittrail/pkg/platform/audit/publishers/ops"
	"audittrail/pkg/platform/audit/publishers/redisstream"
	"audittrail/pkg/platform/audit/store/memory"
	pgstore "audittrail/pkg/platform/audit/store/postgres"
	"audittrail/pkg/platform/circuit"
)

// recordReader backs the record listing endpoint.
type recordReader interface {
	Recent(ctx context.Context, limit int) ([]audit.Record, error)
	BySubject(ctx context.Context, subject string, limit int) ([]audit.Record, error)
}

type memoryReader struct{ store *memory.Store }

func (m memoryReader) Recent(ctx context.Context, limit int) ([]audit.Record, error) {
	return m.store.ListRecent(ctx, limit)
}

func (m memoryReader) BySubject(ctx context.Context, subject string, limit int) ([]audit.Record, error) {
	recs, err := m.store.ListBySubject(ctx, subject)
	if err != nil {
		return nil, err
	}
	// newest first, like the Postgres store
	out := make([]audit.Record, 0, min(limit, len(recs)))
	for i := len(recs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, recs[i])
	}
	return out, nil
}

type postgresReader struct{ store *pgstore.Store }

func (p postgresReader) Recent(ctx context.Context, limit int) ([]audit.Record, error) {
	return p.store.ListRecent(ctx, limit)
}

func (p postgresReader) BySubject(ctx context.Context, subject string, limit int) ([]audit.Record, error) {
	return p.store.ListBySubject(ctx, subject, limit)
}

// buildSinks creates every configured sink and fans records out to them.
func (a *app) buildSinks(ctx context.Context) (audit.Sink, error) {
	var sinks audit.MultiSink
	for _, name := range a.cfg.Sinks {
		var (
			sink audit.Sink
			err  error
		)
		switch name {
		case config.SinkConsole:
			sink = audit.NewConsoleSink(os.Stdout)
		case config.SinkLog:
			sink = audit.NewLogSink(a.logger, slog.LevelInfo)
		case config.SinkMemory:
			sink = a.memory
		case config.SinkPostgres:
			sink, err = a.postgresSink(ctx)
		case config.SinkRedis:
			sink, err = a.redisSink(ctx)
		case config.SinkKafka:
			sink, err = a.kafkaSink(ctx)
		default:
			err = fmt.Errorf("%w: unknown sink %q", config.ErrInvalid, name)
		}
		if err != nil {
			return nil, fmt.Errorf("build %s sink: %w", name, err)
		}
		sinks = append(sinks, sink)
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return sinks, nil
}

// postgresSink stores records synchronously, so a record written inside a
// transaction commits with it. Incomplete records are refused.
func (a *app) postgresSink(ctx context.Context) (audit.Sink, error) {
	db, err := sql.Open("postgres", a.cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.closers = append(a.closers, db.Close)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	a.db = db

	store := pgstore.New(db)
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	a.records = postgresReader{store}
	return compliance.New(store,
		compliance.WithLogger(a.logger),
		compliance.WithMetrics(compliance.NewMetrics(a.metrics.Registry)),
	), nil
}

// redisSink appends to a capped stream behind a circuit breaker.
func (a *app) redisSink(ctx context.Context) (audit.Sink, error) {
	client, err := redisclient.New(ctx, a.cfg.Redis)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, client.Close)
	a.redis = client

	return ops.New(redisstream.New(client, a.cfg.Redis.Stream, a.cfg.Redis.MaxLen),
		ops.WithBreaker(circuit.New("redis")),
		ops.WithMetrics(ops.NewMetrics(a.metrics.Registry, config.SinkRedis)),
		ops.WithLogger(a.logger),
	), nil
}

// kafkaSink buffers records and produces them in batches.
func (a *app) kafkaSink(ctx context.Context) (audit.Sink, error) {
	client, err := kafkapub.NewClient(a.cfg.Kafka.Brokers)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { client.Close(); return nil })
	if err := kafkapub.EnsureTopic(ctx, client, a.cfg.Kafka.Topic, 1, 1); err != nil {
		return nil, err
	}

	buf := buffered.New(kafkapub.NewSink(client, a.cfg.Kafka.Topic),
		buffered.WithCapacity(a.cfg.Buffer.Capacity),
		buffered.WithBatchSize(a.cfg.Buffer.BatchSize),
		buffered.WithFlushInterval(a.cfg.Buffer.FlushInterval),
		buffered.WithLogger(a.logger),
	)
	a.flushers = append(a.flushers, buf.Run)

	return ops.New(buf,
		ops.WithSampler(ops.NewSampler(1)),
		ops.WithMetrics(ops.NewMetrics(a.metrics.Registry, config.SinkKafka)),
		ops.WithLogger(a.logger),
	), nil
}

// startConsumer replays the audit topic into the memory store so records
// produced by other instances can be listed.
func (a *app) startConsumer() error {
	if !a.cfg.Kafka.Consume {
		return nil
	}
	client, err := kafkapub.NewClient(a.cfg.Kafka.Brokers, consumer.GroupOptions(a.cfg.Kafka.Group, a.cfg.Kafka.Topic)...)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error { client.Close(); return nil })

	router := consumer.NewRouter(a.logger, nil)
	router.Register(a.cfg.Kafka.Topic, consumer.NewRecordHandler(a.memory, a.logger))
	a.workers = append(a.workers, consumer.New(client, router, a.logger).Run)
	return nil
}
