package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeKafkaWriter implements kafkaMessageWriter for tests
type fakeKafkaWriter struct {
	msgs []kafka.Message
	fail bool
}

func (f *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.fail {
		return errors.New("fail")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

// fakeKafkaReader replays a fixed set of messages, then blocks until ctx ends.
type fakeKafkaReader struct {
	msgs      []kafka.Message
	committed []int64
}

func (f *fakeKafkaReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(f.msgs) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

func (f *fakeKafkaReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func TestKafkaQueue_Publish(t *testing.T) {
	fw := &fakeKafkaWriter{}
	q := NewKafkaQueueWith(fw, nil, zap.NewNop())
	task := sampleTask("e2801160600002064c5a3f21")
	require.NoError(t, q.Publish(context.Background(), task))
	require.Len(t, fw.msgs, 1)
	assert.Equal(t, "e2801160600002064c5a3f21", string(fw.msgs[0].Key))

	got, err := decodeTask(fw.msgs[0].Value)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
}

func TestKafkaQueue_PublishFail(t *testing.T) {
	q := NewKafkaQueueWith(&fakeKafkaWriter{fail: true}, nil, zap.NewNop())
	assert.Error(t, q.Publish(context.Background(), sampleTask("x")))
}

func TestKafkaQueue_ConsumeCommitsEverything(t *testing.T) {
	good, err := encodeTask(sampleTask("a"))
	require.NoError(t, err)
	failing, err := encodeTask(sampleTask("b"))
	require.NoError(t, err)
	fr := &fakeKafkaReader{msgs: []kafka.Message{
		{Offset: 1, Value: good},
		{Offset: 2, Value: []byte("not json")},
		{Offset: 3, Value: failing},
	}}
	q := NewKafkaQueueWith(nil, fr, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	var handled []string
	err = q.Consume(ctx, func(_ context.Context, task Task) error {
		handled = append(handled, task.Raddec.TransmitterID)
		if len(handled) == 2 {
			cancel()
			return errors.New("subscriber down")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, handled)
	assert.Equal(t, []int64{1, 2, 3}, fr.committed)
}

func TestNewKafkaPublisher_FlushesEachWrite(t *testing.T) {
	q := NewKafkaPublisher("k1:9092, k2:9092", "tasks", zap.NewNop())
	t.Cleanup(func() { _ = q.Close() })

	w, ok := q.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.Equal(t, "tasks", w.Topic)
	assert.Equal(t, 1, w.BatchSize)
	assert.Positive(t, w.BatchTimeout)
	assert.LessOrEqual(t, w.BatchTimeout, 10*time.Millisecond)
	assert.False(t, w.Async)
	assert.Equal(t, kafka.RequireAll, w.RequiredAcks)
}
