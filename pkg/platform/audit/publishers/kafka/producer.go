// Package kafka publishes audit records to a Kafka topic. Records are keyed
// by ID so a consumer can materialize them idempotently.
package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	audit "audittrail/pkg/platform/audit"
)

// DefaultTopic is used when no topic is configured.
const DefaultTopic = "audit.records"

// Producer is the subset of *kgo.Client the sink needs.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Sink produces each record synchronously and returns once the broker
// acknowledged it.
type Sink struct {
	producer Producer
	topic    string
}

// NewSink publishes to topic through producer.
func NewSink(producer Producer, topic string) *Sink {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Sink{producer: producer, topic: topic}
}

// Deliver encodes rec and produces it.
func (s *Sink) Deliver(ctx context.Context, rec audit.Record) error {
	msg, err := s.message(rec)
	if err != nil {
		return err
	}
	if err := s.producer.ProduceSync(ctx, msg).FirstErr(); err != nil {
		return fmt.Errorf("produce audit record to %s: %w", s.topic, err)
	}
	return nil
}

// DeliverBatch produces recs in one call and waits for every
// acknowledgement.
func (s *Sink) DeliverBatch(ctx context.Context, recs []audit.Record) error {
	msgs := make([]*kgo.Record, 0, len(recs))
	for _, rec := range recs {
		msg, err := s.message(rec)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := s.producer.ProduceSync(ctx, msgs...).FirstErr(); err != nil {
		return fmt.Errorf("produce %d audit records to %s: %w", len(msgs), s.topic, err)
	}
	return nil
}

func (s *Sink) message(rec audit.Record) (*kgo.Record, error) {
	value, err := audit.EncodeRecord(rec)
	if err != nil {
		return nil, err
	}
	return &kgo.Record{
		Topic: s.topic,
		Key:   []byte(rec.ID.String()),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "phase", Value: []byte(rec.Phase)},
		},
	}, nil
}

// NewClient connects to brokers. The client is shared by the sink and, when
// consuming, by the consumer group.
func NewClient(brokers []string, opts ...kgo.Opt) (*kgo.Client, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka: no seed brokers")
	}
	cl, err := kgo.NewClient(append([]kgo.Opt{kgo.SeedBrokers(brokers...)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return cl, nil
}

// EnsureTopic creates topic when it does not exist yet.
func EnsureTopic(ctx context.Context, cl *kgo.Client, topic string, partitions int32, replication int16) error {
	adm := kadm.NewClient(cl)
	resp, err := adm.CreateTopics(ctx, partitions, replication, nil, topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", topic, err)
	}
	for _, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}
