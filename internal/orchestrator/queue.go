package orchestrator

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"cutoff-lab/internal/observability"
)

// DefaultQueueSize is the number of pending targets a Queue accepts.
const DefaultQueueSize = 64

// Discoverer runs one discovery. Implemented by *Orchestrator.
type Discoverer interface {
	DiscoverCutoff(ctx context.Context, t Target) (*Result, error)
}

// QueueResult is delivered once per submitted target.
type QueueResult struct {
	Result *Result
	Err    error
}

type task struct {
	target Target
	done   chan QueueResult
}

// Queue feeds targets to a Discoverer from a single worker goroutine, so
// submissions from the HTTP and cron surfaces never overlap.
type Queue struct {
	d       Discoverer
	metrics *observability.Metrics
	logger  *zap.Logger

	tasks  chan task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewQueue starts the worker. It stops when ctx is done or Close is called.
func NewQueue(ctx context.Context, d Discoverer, size int, metrics *observability.Metrics, logger *zap.Logger) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	q := &Queue{
		d:       d,
		metrics: metrics,
		logger:  logger,
		tasks:   make(chan task, size),
		ctx:     ctx,
		cancel:  cancel,
	}
	q.wg.Add(1)
	go q.worker()
	return q
}

// Submit enqueues a target. The returned channel receives exactly one result.
func (q *Queue) Submit(t Target) (<-chan QueueResult, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed || q.ctx.Err() != nil {
		return nil, ErrQueueClosed
	}

	done := make(chan QueueResult, 1)
	select {
	case q.tasks <- task{target: t, done: done}:
		q.metrics.SetQueueDepth(len(q.tasks))
		return done, nil
	default:
		return nil, ErrQueueFull
	}
}

// Len returns the number of targets waiting.
func (q *Queue) Len() int {
	return len(q.tasks)
}

// Close stops accepting targets, cancels the running discovery and waits for
// the worker. Pending targets receive ErrQueueClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			q.drain()
			return
		case tk := <-q.tasks:
			q.metrics.SetQueueDepth(len(q.tasks))
			if q.ctx.Err() != nil {
				tk.done <- QueueResult{Err: ErrQueueClosed}
				continue
			}
			res, err := q.d.DiscoverCutoff(q.ctx, tk.target)
			if err != nil {
				q.logger.Warn("queued discovery failed",
					zap.String("market", tk.target.Market.ID()),
					zap.Error(err))
			}
			tk.done <- QueueResult{Result: res, Err: err}
		}
	}
}

func (q *Queue) drain() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	for {
		select {
		case tk := <-q.tasks:
			tk.done <- QueueResult{Err: ErrQueueClosed}
		default:
			q.metrics.SetQueueDepth(0)
			return
		}
	}
}
