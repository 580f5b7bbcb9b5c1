// Package queue runs embedding jobs out of band with a bounded number of
// concurrent workers, either in process or on Redis Streams.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/nidhogg/nuka-memory/internal/model"
)

// ErrQueueFull is returned by Enqueue when the local buffer is exhausted.
var ErrQueueFull = errors.New("queue: full")

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("queue: closed")

// Job asks for the embedding of one record to be brought up to date. Each
// job carries its own owner, so workers never share tenant state.
type Job struct {
	Kind       model.Kind `json:"kind"`
	RecordID   string     `json:"record_id"`
	UserID     string     `json:"user_id"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
}

// Handler processes one job. Errors are logged by the queue and not retried;
// the record stays eligible for backfill.
type Handler func(ctx context.Context, job Job) error

// Queue is implemented by Local and Redis.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Start(ctx context.Context, h Handler)
	Close() error
}
