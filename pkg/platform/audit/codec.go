package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// payload is the wire form of a Record used by the stream and log sinks.
// The security snapshot is never serialized.
type payload struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Phase     string `json:"phase"`
	Subject   string `json:"subject"`
	Action    string `json:"action,omitempty"`
	Object    string `json:"object,omitempty"`
	Origin    string `json:"origin"`
	Path      string `json:"path,omitempty"`
	Message   string `json:"message"`
	Async     bool   `json:"async"`
}

// EncodeRecord marshals rec to JSON. Timestamps are RFC 3339 in UTC with
// millisecond precision.
func EncodeRecord(rec Record) ([]byte, error) {
	b, err := json.Marshal(payload{
		ID:        rec.ID.String(),
		Timestamp: rec.Timestamp.UTC().Format(timestampLayout),
		Phase:     string(rec.Phase),
		Subject:   rec.Subject,
		Action:    rec.Action,
		Object:    rec.Object,
		Origin:    rec.Origin,
		Path:      rec.Path,
		Message:   rec.Message,
		Async:     rec.Async,
	})
	if err != nil {
		return nil, fmt.Errorf("encode audit record: %w", err)
	}
	return b, nil
}

// DecodeRecord is the inverse of EncodeRecord.
func DecodeRecord(data []byte) (Record, error) {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Record{}, fmt.Errorf("decode audit record: %w", err)
	}
	id, err := uuid.Parse(p.ID)
	if err != nil {
		return Record{}, fmt.Errorf("decode audit record id: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, p.Timestamp)
	if err != nil {
		return Record{}, fmt.Errorf("decode audit record timestamp: %w", err)
	}
	return Record{
		ID:        id,
		Timestamp: ts,
		Phase:     Phase(p.Phase),
		Subject:   p.Subject,
		Action:    p.Action,
		Object:    p.Object,
		Origin:    p.Origin,
		Path:      p.Path,
		Message:   p.Message,
		Async:     p.Async,
	}, nil
}

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"
