package audit

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audittrail/pkg/requestcontext"
)

func TestEncodeRecord_WireFormat(t *testing.T) {
	id := uuid.MustParse("7f1c8a52-6d0e-4a3e-9a57-3c1f0f5e2b11")
	rec := Record{
		ID:        id,
		Timestamp: time.Date(2024, 5, 6, 7, 8, 9, 120_000_000, time.FixedZone("CET", 3600)),
		Phase:     PhaseAfter,
		Subject:   "alice",
		Origin:    "10.0.0.1",
		Message:   "done",
		Security:  &requestcontext.Principal{Subject: "alice"},
	}

	b, err := EncodeRecord(rec)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id": "7f1c8a52-6d0e-4a3e-9a57-3c1f0f5e2b11",
		"timestamp": "2024-05-06T06:08:09.120Z",
		"phase": "after",
		"subject": "alice",
		"origin": "10.0.0.1",
		"message": "done",
		"async": false
	}`, string(b))

	back, err := DecodeRecord(b)
	require.NoError(t, err)
	assert.Equal(t, id, back.ID)
	assert.True(t, rec.Timestamp.Equal(back.Timestamp))
	assert.Nil(t, back.Security)
}

func TestDecodeRecord_Rejects(t *testing.T) {
	for name, in := range map[string]string{
		"not json":      `{`,
		"bad id":        `{"id":"x","timestamp":"2024-05-06T06:08:09.120Z"}`,
		"bad timestamp": `{"id":"7f1c8a52-6d0e-4a3e-9a57-3c1f0f5e2b11","timestamp":"yesterday"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeRecord([]byte(in))
			assert.Error(t, err)
		})
	}
}
