package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rfidgw/internal/model"
	"rfidgw/internal/raddec"
)

func sampleTask(tx string) Task {
	return NewTask(
		raddec.Raddec{TransmitterID: tx, TransmitterIDType: raddec.TransmitterTypeEPC96, Timestamp: 1715982588170},
		model.DeliveryMeta{DocName: "abc", Reader: "reader-01", RFID: "TAG", Source: "impinj"},
		time.Date(2024, 5, 17, 21, 49, 48, 0, time.UTC),
	)
}

func TestNewPool_Defaults(t *testing.T) {
	p := NewPool(0, 0, func(context.Context, int) error { return nil }, nil)
	assert.Equal(t, defaultPoolWorkers, p.workers)
	assert.Equal(t, defaultPoolBacklog, p.backlog)
}

func TestNewPool_NilProcessor(t *testing.T) {
	assert.PanicsWithValue(t, ErrNilProcessor, func() { NewPool[int](1, 1, nil, nil) })
}

func TestPool_Lifecycle(t *testing.T) {
	p := NewPool(1, 1, func(context.Context, int) error { return nil }, nil)
	assert.ErrorIs(t, p.Submit(1), ErrPoolNotStarted)

	require.NoError(t, p.Start(context.Background()))
	assert.ErrorIs(t, p.Start(context.Background()), ErrPoolAlreadyStarted)
	require.NoError(t, p.Stop(time.Second))
	assert.ErrorIs(t, p.Submit(1), ErrPoolStopped)
	assert.NoError(t, p.Stop(time.Second))
}

func TestPool_QueueFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var handled atomic.Int64
	p := NewPool(1, 1, func(context.Context, int) error {
		started <- struct{}{}
		<-release
		handled.Add(1)
		return nil
	}, nil)
	require.NoError(t, p.Start(context.Background()))

	require.NoError(t, p.Submit(1))
	<-started // worker holds item 1
	require.NoError(t, p.Submit(2))
	assert.ErrorIs(t, p.Submit(3), ErrQueueFull)

	close(release)
	require.NoError(t, p.Stop(time.Second))
	assert.Equal(t, int64(2), handled.Load())
}

func TestPool_StopDrainsAfterStartContextCancelled(t *testing.T) {
	release := make(chan struct{})
	var handled atomic.Int64
	p := NewPool(1, 10, func(context.Context, int) error {
		<-release
		handled.Add(1)
		return nil
	}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Start(ctx))
	for i := range 5 {
		require.NoError(t, p.Submit(i))
	}

	cancel()
	close(release)
	require.NoError(t, p.Stop(time.Second))
	assert.Equal(t, int64(5), handled.Load())
}

func TestPool_StopTimeoutCancelsInFlight(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan struct{})
	p := NewPool(1, 1, func(ctx context.Context, _ int) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}, nil)
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Submit(1))
	<-started

	assert.ErrorIs(t, p.Stop(20*time.Millisecond), ErrStopTimeout)
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("in-flight task was not cancelled")
	}
}

func TestPoolQueue_RunsHandler(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	var failures atomic.Int64
	q := NewPoolQueue(2, 10, func(_ context.Context, task Task) error {
		mu.Lock()
		seen = append(seen, task.Raddec.TransmitterID)
		mu.Unlock()
		if task.Raddec.TransmitterID == "bad" {
			failures.Add(1)
			return errors.New("boom")
		}
		return nil
	}, zap.NewNop())
	require.NoError(t, q.Start(context.Background()))

	for _, tx := range []string{"a", "bad", "c"} {
		require.NoError(t, q.Publish(context.Background(), sampleTask(tx)))
	}
	require.NoError(t, q.Stop(time.Second))

	assert.ElementsMatch(t, []string{"a", "bad", "c"}, seen)
	assert.Equal(t, int64(1), failures.Load())
}

func TestNewTask(t *testing.T) {
	a, b := sampleTask("x"), sampleTask("x")
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, time.UTC, a.EnqueuedAt.Location())

	enc, err := encodeTask(a)
	require.NoError(t, err)
	dec, err := decodeTask(enc)
	require.NoError(t, err)
	assert.Equal(t, a.ID, dec.ID)
	assert.Equal(t, a.Meta, dec.Meta)
	assert.Equal(t, a.Raddec.TransmitterID, dec.Raddec.TransmitterID)
}
