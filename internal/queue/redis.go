package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultStream = "nuka:memory:embeddings"
	defaultGroup  = "embedders"
	streamMaxLen  = 100000
)

// Redis is a queue on a Redis Stream consumed through a consumer group, so
// several processes can share the work. Each process runs at most workers
// jobs at once.
type Redis struct {
	rdb      *redis.Client
	stream   string
	group    string
	consumer string
	pool     chan struct{}
	logger   *zap.Logger

	wg   sync.WaitGroup
	stop context.CancelFunc
}

// NewRedis connects to redisURL and prepares the consumer group.
func NewRedis(ctx context.Context, redisURL string, workers int, logger *zap.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if workers <= 0 {
		workers = 4
	}
	host, _ := os.Hostname()
	q := &Redis{
		rdb:      rdb,
		stream:   defaultStream,
		group:    defaultGroup,
		consumer: host + "-" + uuid.New().String()[:8],
		pool:     make(chan struct{}, workers),
		logger:   logger,
	}
	err = rdb.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		rdb.Close()
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	return q, nil
}

// Ping reports whether Redis is reachable.
func (q *Redis) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

// Enqueue appends job to the stream.
func (q *Redis) Enqueue(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	err = q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", q.stream, err)
	}
	return nil
}

// Start reads the group's messages and runs h for each. Messages are
// acknowledged once handled, whether or not h succeeded.
func (q *Redis) Start(ctx context.Context, h Handler) {
	ctx, q.stop = context.WithCancel(ctx)
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    q.group,
				Consumer: q.consumer,
				Streams:  []string{q.stream, ">"},
				Count:    int64(cap(q.pool)),
				Block:    time.Second * 2,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if !errors.Is(err, redis.Nil) {
					q.logger.Warn("read embedding stream", zap.Error(err))
					time.Sleep(time.Second)
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					q.dispatch(ctx, msg, h)
				}
			}
		}
	}()
}

func (q *Redis) dispatch(ctx context.Context, msg redis.XMessage, h Handler) {
	q.pool <- struct{}{} // acquire slot
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer func() { <-q.pool }() // release slot
		defer q.rdb.XAck(context.WithoutCancel(ctx), q.stream, q.group, msg.ID)

		data, ok := msg.Values["data"].(string)
		if !ok {
			return
		}
		var job Job
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			q.logger.Warn("drop malformed embedding job", zap.String("id", msg.ID), zap.Error(err))
			return
		}
		if err := h(ctx, job); err != nil {
			q.logger.Warn("embedding job failed",
				zap.String("user", job.UserID),
				zap.String("kind", string(job.Kind)),
				zap.String("record", job.RecordID),
				zap.Error(err))
		}
	}()
}

// Close stops consuming, waits for running handlers and closes the client.
func (q *Redis) Close() error {
	if q.stop != nil {
		q.stop()
	}
	q.wg.Wait()
	return q.rdb.Close()
}
