// Package consumer reads published audit records back from Kafka and hands
// them to topic handlers, committing offsets only for handled records.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Fetcher is the subset of *kgo.Client the consumer needs.
type Fetcher interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	SetOffsets(offsets map[string]map[int32]kgo.EpochOffset)
}

// Consumer polls a Fetcher and routes every record through a handler.
type Consumer struct {
	client  Fetcher
	handler TopicHandler
	logger  *slog.Logger
}

// New creates a consumer. The client must be created with ConsumeTopics,
// ConsumerGroup and DisableAutoCommit.
func New(client Fetcher, handler TopicHandler, logger *slog.Logger) *Consumer {
	return &Consumer{client: client, handler: handler, logger: logger}
}

// GroupOptions returns the kgo options for a manually committing group
// consumer of topics.
func GroupOptions(group string, topics ...string) []kgo.Opt {
	return []kgo.Opt{
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
	}
}

// Run polls until ctx is done or the client is closed.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.Process(ctx, fetches); err != nil {
			c.logger.ErrorContext(ctx, "audit consumer batch incomplete", "error", err)
		}
	}
}

// Process handles one poll result. Per partition, records are handled in
// order and the first failure stops that partition: the client is rewound to
// the failed offset so the next poll redelivers it, and nothing after it is
// committed. Handled records are committed.
func (c *Consumer) Process(ctx context.Context, fetches kgo.Fetches) error {
	var errs []error
	fetches.EachError(func(topic string, partition int32, err error) {
		if errors.Is(err, context.Canceled) {
			return
		}
		errs = append(errs, fmt.Errorf("fetch %s[%d]: %w", topic, partition, err))
	})

	var done []*kgo.Record
	rewind := map[string]map[int32]kgo.EpochOffset{}
	fetches.EachPartition(func(p kgo.FetchTopicPartition) {
		if _, failed := rewind[p.Topic][p.Partition]; failed {
			return
		}
		for _, r := range p.Records {
			msg := &Message{
				Topic:     r.Topic,
				Partition: r.Partition,
				Offset:    r.Offset,
				Key:       r.Key,
				Value:     r.Value,
			}
			if err := c.handler.Handle(ctx, msg); err != nil {
				errs = append(errs, fmt.Errorf("handle %s[%d]@%d: %w", r.Topic, r.Partition, r.Offset, err))
				if rewind[r.Topic] == nil {
					rewind[r.Topic] = map[int32]kgo.EpochOffset{}
				}
				rewind[r.Topic][r.Partition] = kgo.EpochOffset{Epoch: r.LeaderEpoch, Offset: r.Offset}
				return
			}
			done = append(done, r)
		}
	})

	if len(rewind) > 0 {
		c.client.SetOffsets(rewind)
	}
	if len(done) > 0 {
		if err := c.client.CommitRecords(ctx, done...); err != nil {
			errs = append(errs, fmt.Errorf("commit offsets: %w", err))
		}
	}
	return errors.Join(errs...)
}
