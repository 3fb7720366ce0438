package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	audit "audittrail/pkg/platform/audit"
	txcontext "audittrail/pkg/platform/tx"
)

// Schema creates the table the Store writes to.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_records (
	id         UUID PRIMARY KEY,
	timestamp  TIMESTAMPTZ NOT NULL,
	phase      TEXT NOT NULL,
	subject    TEXT NOT NULL,
	action     TEXT NOT NULL DEFAULT '',
	object     TEXT NOT NULL DEFAULT '',
	origin     TEXT NOT NULL,
	path       TEXT NOT NULL DEFAULT '',
	message    TEXT NOT NULL,
	async      BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS audit_records_subject_ts ON audit_records (subject, timestamp DESC);
`

// Store persists audit records in PostgreSQL. It is a Sink; inserts are
// idempotent on the record ID so redelivered records are ignored.
type Store struct {
	db *sql.DB
}

// New creates a PostgreSQL audit store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// execer joins the caller's transaction when one is in ctx, so a sync audit
// record commits or rolls back with the audited write.
func (s *Store) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// EnsureSchema applies Schema.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("create audit schema: %w", err)
	}
	return nil
}

// Deliver inserts rec.
func (s *Store) Deliver(ctx context.Context, rec audit.Record) error {
	query := `
		INSERT INTO audit_records (
			id, timestamp, phase, subject, action, object, origin, path, message, async
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		rec.ID,
		rec.Timestamp,
		string(rec.Phase),
		rec.Subject,
		rec.Action,
		rec.Object,
		rec.Origin,
		rec.Path,
		rec.Message,
		rec.Async,
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// DeliverBatch inserts recs in one round trip using unnest.
func (s *Store) DeliverBatch(ctx context.Context, recs []audit.Record) error {
	if len(recs) == 0 {
		return nil
	}
	var (
		ids      = make([]string, len(recs))
		stamps   = make([]string, len(recs))
		phases   = make([]string, len(recs))
		subjects = make([]string, len(recs))
		actions  = make([]string, len(recs))
		objects  = make([]string, len(recs))
		origins  = make([]string, len(recs))
		paths    = make([]string, len(recs))
		messages = make([]string, len(recs))
		asyncs   = make([]bool, len(recs))
	)
	for i, rec := range recs {
		ids[i] = rec.ID.String()
		stamps[i] = rec.Timestamp.UTC().Format(time.RFC3339Nano)
		phases[i] = string(rec.Phase)
		subjects[i] = rec.Subject
		actions[i] = rec.Action
		objects[i] = rec.Object
		origins[i] = rec.Origin
		paths[i] = rec.Path
		messages[i] = rec.Message
		asyncs[i] = rec.Async
	}

	query := `
		INSERT INTO audit_records (
			id, timestamp, phase, subject, action, object, origin, path, message, async
		)
		SELECT * FROM unnest(
			$1::uuid[], $2::timestamptz[], $3::text[], $4::text[], $5::text[],
			$6::text[], $7::text[], $8::text[], $9::text[], $10::boolean[]
		)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		pq.Array(ids),
		pq.Array(stamps),
		pq.Array(phases),
		pq.Array(subjects),
		pq.Array(actions),
		pq.Array(objects),
		pq.Array(origins),
		pq.Array(paths),
		pq.Array(messages),
		pq.Array(asyncs),
	)
	if err != nil {
		return fmt.Errorf("insert audit record batch: %w", err)
	}
	return nil
}

const selectColumns = `
	SELECT id, timestamp, phase, subject, action, object, origin, path, message, async
	FROM audit_records
`

// ListBySubject returns up to limit records of subject, newest first.
func (s *Store) ListBySubject(ctx context.Context, subject string, limit int) ([]audit.Record, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		WHERE subject = $1
		ORDER BY timestamp DESC
		LIMIT $2
	`, subject, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// ListRecent returns the limit most recent records.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]audit.Record, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		ORDER BY timestamp DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]audit.Record, error) {
	var records []audit.Record

	for rows.Next() {
		var (
			rec   audit.Record
			id    uuid.UUID
			phase string
		)
		err := rows.Scan(
			&id,
			&rec.Timestamp,
			&phase,
			&rec.Subject,
			&rec.Action,
			&rec.Object,
			&rec.Origin,
			&rec.Path,
			&rec.Message,
			&rec.Async,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.ID = id
		rec.Phase = audit.Phase(phase)
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit records: %w", err)
	}
	return records, nil
}
