package queue

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Local is an in-process queue: a buffered channel drained by a
// semaphore-bounded goroutine pool.
type Local struct {
	jobs   chan Job
	pool   chan struct{}
	logger *zap.Logger

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
	done    chan struct{}
}

// NewLocal creates a queue holding up to size pending jobs and running at
// most workers of them at once.
func NewLocal(size, workers int, logger *zap.Logger) *Local {
	if size <= 0 {
		size = 256
	}
	if workers <= 0 {
		workers = 4
	}
	return &Local{
		jobs:   make(chan Job, size),
		pool:   make(chan struct{}, workers),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Enqueue never blocks; a full buffer yields ErrQueueFull.
func (q *Local) Enqueue(ctx context.Context, job Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start dispatches jobs to h until ctx is cancelled or Close is called.
func (q *Local) Start(ctx context.Context, h Handler) {
	q.mu.Lock()
	if q.started || q.closed {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	go func() {
		defer close(q.done)
		for {
			select {
			case <-ctx.Done():
				q.wg.Wait()
				return
			case job, ok := <-q.jobs:
				if !ok {
					q.wg.Wait()
					return
				}
				q.wg.Add(1)
				q.pool <- struct{}{} // acquire slot
				go func(j Job) {
					defer q.wg.Done()
					defer func() { <-q.pool }() // release slot
					if err := h(ctx, j); err != nil {
						q.logger.Warn("embedding job failed",
							zap.String("user", j.UserID),
							zap.String("kind", string(j.Kind)),
							zap.String("record", j.RecordID),
							zap.Error(err))
					}
				}(job)
			}
		}
	}()
}

// Close stops accepting jobs, drains the buffer and waits for running
// handlers. Jobs still buffered when the queue was never started are dropped.
func (q *Local) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	started := q.started
	q.mu.Unlock()
	if started {
		<-q.done
	}
	return nil
}
