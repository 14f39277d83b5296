package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultPoolWorkers = 4
	defaultPoolBacklog = 1000
)

// Pool runs fn over submitted items on a fixed number of goroutines.
//
// The pool's lifetime is bounded by Start and Stop only. Cancelling the
// context given to Start does not abandon queued items; Stop drains them and
// cancels in-flight calls once its timeout passes.
type Pool[T any] struct {
	workers int
	backlog int
	fn      func(context.Context, T) error
	logger  *zap.Logger

	items  chan T
	cancel context.CancelFunc
	done   sync.WaitGroup

	mu      sync.Mutex
	running bool
	closed  bool
}

func NewPool[T any](workers, backlog int, fn func(context.Context, T) error, logger *zap.Logger) *Pool[T] {
	if fn == nil {
		panic(ErrNilProcessor)
	}
	if workers <= 0 {
		workers = defaultPoolWorkers
	}
	if backlog <= 0 {
		backlog = defaultPoolBacklog
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool[T]{
		workers: workers,
		backlog: backlog,
		fn:      fn,
		logger:  logger,
		items:   make(chan T, backlog),
	}
}

func (p *Pool[T]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running || p.closed {
		return ErrPoolAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.done.Add(p.workers)
	for range p.workers {
		go p.run(runCtx)
	}
	p.running = true
	return nil
}

// Submit queues item without blocking and returns ErrQueueFull when the
// backlog is at capacity.
func (p *Pool[T]) Submit(item T) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.closed:
		return ErrPoolStopped
	case !p.running:
		return ErrPoolNotStarted
	}
	select {
	case p.items <- item:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop refuses new items and waits up to timeout for the backlog to drain.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.running || p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.items)
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.done.Wait()
		close(drained)
	}()
	defer p.cancel()
	select {
	case <-drained:
		return nil
	case <-time.After(timeout):
		p.logger.Warn("pool stop timed out", zap.Int("pending", len(p.items)))
		return ErrStopTimeout
	}
}

func (p *Pool[T]) run(ctx context.Context) {
	defer p.done.Done()
	for item := range p.items {
		if err := p.fn(ctx, item); err != nil {
			p.logger.Warn("pool task failed", zap.Error(err))
		}
	}
}

// PoolQueue runs delivery tasks in-process.
type PoolQueue struct {
	*Pool[Task]
}

func NewPoolQueue(workers, backlog int, h Handler, logger *zap.Logger) *PoolQueue {
	return &PoolQueue{Pool: NewPool(workers, backlog, func(ctx context.Context, t Task) error { return h(ctx, t) }, logger)}
}

func (q *PoolQueue) Publish(_ context.Context, t Task) error {
	return q.Submit(t)
}
