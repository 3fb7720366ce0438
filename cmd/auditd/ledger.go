package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"audittrail/pkg/platform/sentinel"
	txcontext "audittrail/pkg/platform/tx"
)

// Transfer is the result of the audited sample operation.
type Transfer struct {
	Reference string    `json:"reference"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Amount    int64     `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS ledger_transfers (
	reference  UUID PRIMARY KEY,
	source     TEXT NOT NULL,
	target     TEXT NOT NULL,
	amount     BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
)`

// ledger records transfers. With a database the row is written through the
// transaction carried by ctx, so it commits together with sync audit records.
type ledger struct {
	db *sql.DB

	mu        sync.Mutex
	transfers []Transfer
}

func newLedger(db *sql.DB) *ledger {
	return &ledger{db: db}
}

func (l *ledger) ensureSchema(ctx context.Context) error {
	if l.db == nil {
		return nil
	}
	if _, err := l.db.ExecContext(ctx, ledgerSchema); err != nil {
		return fmt.Errorf("create ledger schema: %w", err)
	}
	return nil
}

// Transfer moves amount from one account to another.
func (l *ledger) Transfer(ctx context.Context, from, to string, amount int64) (Transfer, error) {
	from, to = strings.TrimSpace(from), strings.TrimSpace(to)
	switch {
	case from == "" || to == "":
		return Transfer{}, fmt.Errorf("%w: both accounts are required", sentinel.ErrBadRequest)
	case from == to:
		return Transfer{}, fmt.Errorf("%w: cannot transfer to the same account", sentinel.ErrBadRequest)
	case amount <= 0:
		return Transfer{}, fmt.Errorf("%w: amount must be positive", sentinel.ErrBadRequest)
	}

	t := Transfer{
		Reference: uuid.NewString(),
		From:      from,
		To:        to,
		Amount:    amount,
		CreatedAt: time.Now().UTC(),
	}
	if l.db != nil {
		query := `INSERT INTO ledger_transfers (reference, source, target, amount, created_at) VALUES ($1, $2, $3, $4, $5)`
		var err error
		if tx, ok := txcontext.From(ctx); ok {
			_, err = tx.ExecContext(ctx, query, t.Reference, t.From, t.To, t.Amount, t.CreatedAt)
		} else {
			_, err = l.db.ExecContext(ctx, query, t.Reference, t.From, t.To, t.Amount, t.CreatedAt)
		}
		if err != nil {
			return Transfer{}, fmt.Errorf("insert transfer: %w", err)
		}
	}

	l.mu.Lock()
	l.transfers = append(l.transfers, t)
	l.mu.Unlock()
	return t, nil
}

// Count is exposed to audit expressions as @ledger.count.
func (l *ledger) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.transfers)
}
