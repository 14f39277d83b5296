// Package queue carries webhook delivery tasks from the ingest path to the
// workers that post them. Backends: an in-process worker pool, a Kafka topic
// and a Redis stream.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/ksuid"

	"rfidgw/internal/model"
	"rfidgw/internal/raddec"
)

// Sentinel errors for queue operations
var (
	ErrQueueFull          = errors.New("queue: work queue full")
	ErrPoolNotStarted     = errors.New("queue: worker pool not started")
	ErrPoolStopped        = errors.New("queue: worker pool stopped")
	ErrPoolAlreadyStarted = errors.New("queue: worker pool already started")
	ErrNilProcessor       = errors.New("queue: processor function cannot be nil")
	ErrStopTimeout        = errors.New("queue: timeout waiting for workers to stop")
)

// Task is one raddec waiting to be posted to the webhook subscribers.
type Task struct {
	ID         string             `json:"id"`
	Raddec     raddec.Raddec      `json:"raddec"`
	Meta       model.DeliveryMeta `json:"meta"`
	EnqueuedAt time.Time          `json:"enqueuedAt"`
}

func NewTask(r raddec.Raddec, meta model.DeliveryMeta, now time.Time) Task {
	return Task{ID: ksuid.New().String(), Raddec: r, Meta: meta, EnqueuedAt: now.UTC()}
}

// Handler runs a task. Consumers log a returned error and move on.
type Handler func(ctx context.Context, t Task) error

// Publisher accepts tasks for later execution.
type Publisher interface {
	Publish(ctx context.Context, t Task) error
}

// Consumer pulls tasks and runs h on each until ctx is done.
type Consumer interface {
	Consume(ctx context.Context, h Handler) error
}

func encodeTask(t Task) ([]byte, error) {
	b, err := json.Marshal(&t)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}
	return b, nil
}

func decodeTask(b []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(b, &t); err != nil {
		return Task{}, fmt.Errorf("unmarshal task: %w", err)
	}
	return t, nil
}
