// Package redisstream appends audit records to a Redis stream, trimmed to an
// approximate maximum length.
package redisstream

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	audit "audittrail/pkg/platform/audit"
)

// DefaultStream is used when no stream key is configured.
const DefaultStream = "audit:records"

// Streamer is the subset of redis.Cmdable the sink needs.
type Streamer interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// Sink writes one stream entry per record with the fields id, phase and
// record (the JSON encoding).
type Sink struct {
	client Streamer
	stream string
	maxLen int64
}

// New appends to stream, keeping roughly maxLen entries. maxLen <= 0 keeps
// everything.
func New(client Streamer, stream string, maxLen int64) *Sink {
	if stream == "" {
		stream = DefaultStream
	}
	return &Sink{client: client, stream: stream, maxLen: maxLen}
}

// Deliver adds rec to the stream.
func (s *Sink) Deliver(ctx context.Context, rec audit.Record) error {
	value, err := audit.EncodeRecord(rec)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"id":     rec.ID.String(),
			"phase":  string(rec.Phase),
			"record": value,
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}
