package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const taskField = "task"

// RedisQueue uses a Redis stream with a consumer group.
type RedisQueue struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
	logger   *zap.Logger

	// Block bounds each XREADGROUP call.
	Block time.Duration
	// Count is the batch size per read.
	Count int64
}

func NewRedisQueue(client *redis.Client, stream, group, consumer string, logger *zap.Logger) *RedisQueue {
	return &RedisQueue{
		client:   client,
		stream:   stream,
		group:    group,
		consumer: consumer,
		logger:   logger,
		Block:    5 * time.Second,
		Count:    10,
	}
}

func (q *RedisQueue) Publish(ctx context.Context, t Task) error {
	b, err := encodeTask(t)
	if err != nil {
		return err
	}
	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{taskField: string(b)},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", q.stream, err)
	}
	return nil
}

// EnsureGroup creates the stream and consumer group if they do not exist yet.
func (q *RedisQueue) EnsureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s: %w", q.group, err)
	}
	return nil
}

// Consume reads new entries for this consumer, runs h and acknowledges each
// entry until ctx is done.
func (q *RedisQueue) Consume(ctx context.Context, h Handler) error {
	if err := q.EnsureGroup(ctx); err != nil {
		return err
	}
	for ctx.Err() == nil {
		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.Count,
			Block:    q.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("xreadgroup %s: %w", q.stream, err)
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				q.handle(ctx, msg, h)
				if err := q.client.XAck(ctx, q.stream, q.group, msg.ID).Err(); err != nil {
					q.logger.Warn("xack failed", zap.String("entry_id", msg.ID), zap.Error(err))
				}
			}
		}
	}
	return nil
}

func (q *RedisQueue) handle(ctx context.Context, msg redis.XMessage, h Handler) {
	raw, ok := msg.Values[taskField].(string)
	if !ok {
		q.logger.Warn("stream entry without task", zap.String("entry_id", msg.ID))
		return
	}
	t, err := decodeTask([]byte(raw))
	if err != nil {
		q.logger.Warn("dropping undecodable task", zap.String("entry_id", msg.ID), zap.Error(err))
		return
	}
	if err := h(ctx, t); err != nil {
		q.logger.Warn("task handler failed", zap.String("task_id", t.ID), zap.Error(err))
	}
}
