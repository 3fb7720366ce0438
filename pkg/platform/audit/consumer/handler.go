package consumer

import (
	"context"
	"fmt"
	"log/slog"

	audit "audittrail/pkg/platform/audit"
)

// RecordHandler materializes published audit records into a sink, usually
// the postgres store. The store must ignore duplicate IDs because a message
// is redelivered when its offset was not committed.
type RecordHandler struct {
	store  audit.Sink
	logger *slog.Logger
}

func NewRecordHandler(store audit.Sink, logger *slog.Logger) *RecordHandler {
	return &RecordHandler{store: store, logger: logger}
}

// Handle decodes and stores one record. Malformed messages are logged and
// skipped; store failures are returned so the offset is not committed.
func (h *RecordHandler) Handle(ctx context.Context, msg *Message) error {
	rec, err := audit.DecodeRecord(msg.Value)
	if err != nil {
		h.logger.ErrorContext(ctx, "skipping malformed audit message",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"key", string(msg.Key),
			"error", err,
		)
		return nil
	}

	if err := h.store.Deliver(ctx, rec); err != nil {
		h.logger.ErrorContext(ctx, "failed to store audit record",
			"record_id", rec.ID,
			"action", rec.Action,
			"error", err,
		)
		return fmt.Errorf("store audit record: %w", err)
	}

	h.logger.DebugContext(ctx, "stored audit record",
		"record_id", rec.ID,
		"phase", rec.Phase,
	)
	return nil
}
