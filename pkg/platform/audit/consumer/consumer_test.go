package consumer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	audit "audittrail/pkg/platform/audit"
	"audittrail/pkg/platform/audit/store/memory"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeFetcher struct {
	committed []*kgo.Record
	commitErr error
	rewound   []map[string]map[int32]kgo.EpochOffset
}

func (f *fakeFetcher) SetOffsets(offsets map[string]map[int32]kgo.EpochOffset) {
	f.rewound = append(f.rewound, offsets)
}

func (f *fakeFetcher) committedOffsets() []int64 {
	out := make([]int64, 0, len(f.committed))
	for _, r := range f.committed {
		out = append(out, r.Offset)
	}
	return out
}

func (f *fakeFetcher) PollFetches(context.Context) kgo.Fetches { return nil }

func (f *fakeFetcher) CommitRecords(_ context.Context, rs ...*kgo.Record) error {
	f.committed = append(f.committed, rs...)
	return f.commitErr
}

func encoded(t *testing.T, subject string) *kgo.Record {
	t.Helper()
	rec := audit.Record{ID: uuid.New(), Subject: subject, Phase: audit.PhaseAfter}
	value, err := audit.EncodeRecord(rec)
	require.NoError(t, err)
	return &kgo.Record{Topic: "audit.records", Key: []byte(rec.ID.String()), Value: value}
}

func fetchesOf(partitions ...[]*kgo.Record) kgo.Fetches {
	topic := kgo.FetchTopic{Topic: "audit.records"}
	for i, recs := range partitions {
		for j, r := range recs {
			r.Partition = int32(i)
			r.Offset = int64(j)
		}
		topic.Partitions = append(topic.Partitions, kgo.FetchPartition{Partition: int32(i), Records: recs})
	}
	return kgo.Fetches{{Topics: []kgo.FetchTopic{topic}}}
}

func TestConsumer_MaterializesAndCommits(t *testing.T) {
	store := memory.NewStore()
	router := NewRouter(discard(), nil)
	router.Register("audit.records", NewRecordHandler(store, discard()))
	fetcher := &fakeFetcher{}
	c := New(fetcher, router, discard())

	err := c.Process(context.Background(), fetchesOf(
		[]*kgo.Record{encoded(t, "alice"), encoded(t, "bob")},
		[]*kgo.Record{encoded(t, "carol")},
	))
	require.NoError(t, err)
	assert.Equal(t, 3, store.Len())
	assert.Len(t, fetcher.committed, 3)
}

func TestConsumer_MalformedMessagesAreSkippedAndCommitted(t *testing.T) {
	store := memory.NewStore()
	fetcher := &fakeFetcher{}
	c := New(fetcher, NewRecordHandler(store, discard()), discard())

	bad := &kgo.Record{Topic: "audit.records", Value: []byte("not json")}
	require.NoError(t, c.Process(context.Background(), fetchesOf([]*kgo.Record{bad, encoded(t, "alice")})))
	assert.Equal(t, 1, store.Len())
	assert.Len(t, fetcher.committed, 2)
}

func TestConsumer_StoreFailureStopsPartition(t *testing.T) {
	calls := 0
	failing := audit.SinkFunc(func(context.Context, audit.Record) error {
		calls++
		if calls == 2 {
			return errors.New("db down")
		}
		return nil
	})
	fetcher := &fakeFetcher{}
	c := New(fetcher, NewRecordHandler(failing, discard()), discard())

	first := encoded(t, "a")
	err := c.Process(context.Background(), fetchesOf([]*kgo.Record{first, encoded(t, "b"), encoded(t, "c")}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
	assert.Equal(t, 2, calls, "records after the failure are not handled")
	require.Len(t, fetcher.committed, 1)
	assert.Same(t, first, fetcher.committed[0])
	require.Len(t, fetcher.rewound, 1)
	assert.Equal(t, map[string]map[int32]kgo.EpochOffset{
		"audit.records": {0: {Epoch: 0, Offset: 1}},
	}, fetcher.rewound[0])
}

func TestConsumer_FailedRecordIsRedeliveredBeforeLaterOffsets(t *testing.T) {
	fail := true
	var handled []string
	sink := audit.SinkFunc(func(_ context.Context, rec audit.Record) error {
		if rec.Subject == "b" && fail {
			fail = false
			return errors.New("db down")
		}
		handled = append(handled, rec.Subject)
		return nil
	})
	fetcher := &fakeFetcher{}
	c := New(fetcher, NewRecordHandler(sink, discard()), discard())

	a, b, cc := encoded(t, "a"), encoded(t, "b"), encoded(t, "c")
	require.Error(t, c.Process(context.Background(), fetchesOf([]*kgo.Record{a, b})))
	assert.Equal(t, []int64{0}, fetcher.committedOffsets())
	require.Len(t, fetcher.rewound, 1)
	assert.EqualValues(t, 1, fetcher.rewound[0]["audit.records"][0].Offset)

	// After the rewind the client resumes at the failed offset.
	second := fetchesOf([]*kgo.Record{a, b, cc})
	second[0].Topics[0].Partitions[0].Records = second[0].Topics[0].Partitions[0].Records[1:]
	require.NoError(t, c.Process(context.Background(), second))

	assert.Equal(t, []int64{0, 1, 2}, fetcher.committedOffsets())
	assert.Equal(t, []string{"a", "b", "c"}, handled)
	assert.Len(t, fetcher.rewound, 1)
}

func TestConsumer_PartitionSkippedForRestOfPollAfterFailure(t *testing.T) {
	calls := 0
	sink := audit.SinkFunc(func(context.Context, audit.Record) error {
		calls++
		return errors.New("db down")
	})
	fetcher := &fakeFetcher{}
	c := New(fetcher, NewRecordHandler(sink, discard()), discard())

	first := fetchesOf([]*kgo.Record{encoded(t, "a")})
	again := fetchesOf([]*kgo.Record{encoded(t, "b")})
	again[0].Topics[0].Partitions[0].Records[0].Offset = 1
	fetches := append(first, again...)

	require.Error(t, c.Process(context.Background(), fetches))
	assert.Equal(t, 1, calls)
	assert.Empty(t, fetcher.committed)
}

func TestRouter_UnknownTopic(t *testing.T) {
	var handled []string
	r := NewRouter(discard(), nil)
	r.Register("a", HandlerFunc(func(_ context.Context, m *Message) error {
		handled = append(handled, m.Topic)
		return nil
	}))

	require.NoError(t, r.Handle(context.Background(), &Message{Topic: "a"}))
	require.NoError(t, r.Handle(context.Background(), &Message{Topic: "b"}))
	assert.Equal(t, []string{"a"}, handled)
	assert.Equal(t, []string{"a"}, r.Topics())

	withFallback := NewRouter(discard(), HandlerFunc(func(_ context.Context, m *Message) error {
		handled = append(handled, "fallback:"+m.Topic)
		return nil
	}))
	require.NoError(t, withFallback.Handle(context.Background(), &Message{Topic: "b"}))
	assert.Contains(t, handled, "fallback:b")
}

func TestGroupOptions(t *testing.T) {
	assert.Len(t, GroupOptions("auditd", "audit.records"), 3)
}
