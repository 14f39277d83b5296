package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// kafkaMessageWriter abstracts kafka.Writer for testability.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// kafkaMessageReader abstracts a consumer-group kafka.Reader for testability.
type kafkaMessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaQueue publishes tasks to a Kafka topic and consumes them as a group member.
type KafkaQueue struct {
	writer kafkaMessageWriter
	reader kafkaMessageReader
	logger *zap.Logger
	closer []func() error
}

// SplitBrokers turns a comma-separated bootstrap list into broker addresses.
func SplitBrokers(bootstrap string) []string {
	var brokers []string
	for _, a := range strings.Split(bootstrap, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			brokers = append(brokers, a)
		}
	}
	return brokers
}

// WriteBatchTimeout bounds how long a synchronous write waits for its batch
// to fill. Tasks are published one at a time from the ingest path.
const WriteBatchTimeout = 5 * time.Millisecond

// NewSyncWriter returns a kafka.Writer that flushes every message as soon as
// it is written instead of waiting out kafka-go's one second batch timeout.
func NewSyncWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchSize:    1,
		BatchTimeout: WriteBatchTimeout,
	}
}

// NewKafkaPublisher creates a producer-only queue.
func NewKafkaPublisher(bootstrap, topic string, logger *zap.Logger) *KafkaQueue {
	w := NewSyncWriter(SplitBrokers(bootstrap), topic)
	return &KafkaQueue{writer: w, logger: logger, closer: []func() error{w.Close}}
}

// NewKafkaConsumer creates a consumer-only queue in the given group.
func NewKafkaConsumer(bootstrap, topic, groupID string, logger *zap.Logger) *KafkaQueue {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  SplitBrokers(bootstrap),
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &KafkaQueue{reader: r, logger: logger, closer: []func() error{r.Close}}
}

// NewKafkaQueueWith is only for tests to inject fakes.
func NewKafkaQueueWith(w kafkaMessageWriter, r kafkaMessageReader, logger *zap.Logger) *KafkaQueue {
	return &KafkaQueue{writer: w, reader: r, logger: logger}
}

func (k *KafkaQueue) Publish(ctx context.Context, t Task) error {
	if k.writer == nil {
		return errors.New("queue: kafka queue has no writer")
	}
	b, err := encodeTask(t)
	if err != nil {
		return err
	}
	// keyed by transmitter so reads of one tag stay ordered
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(t.Raddec.TransmitterID), Value: b}); err != nil {
		return fmt.Errorf("kafka publish %s: %w", t.ID, err)
	}
	return nil
}

// Consume fetches, handles and commits tasks until ctx is done. Undecodable
// messages and handler errors are logged and committed.
func (k *KafkaQueue) Consume(ctx context.Context, h Handler) error {
	if k.reader == nil {
		return errors.New("queue: kafka queue has no reader")
	}
	for {
		m, err := k.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}
		t, err := decodeTask(m.Value)
		if err != nil {
			k.logger.Warn("dropping undecodable task", zap.Int64("offset", m.Offset), zap.Error(err))
		} else if err := h(ctx, t); err != nil {
			k.logger.Warn("task handler failed", zap.String("task_id", t.ID), zap.Error(err))
		}
		if err := k.reader.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka commit: %w", err)
		}
	}
}

func (k *KafkaQueue) Close() error {
	var errs []error
	for _, c := range k.closer {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}
