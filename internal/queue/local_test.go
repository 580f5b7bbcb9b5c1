package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/model"
)

func TestLocalRunsEveryJob(t *testing.T) {
	q := NewLocal(16, 2, zap.NewNop())

	var (
		mu   sync.Mutex
		seen = map[string]bool{}
	)
	q.Start(context.Background(), func(ctx context.Context, j Job) error {
		mu.Lock()
		seen[j.RecordID] = true
		mu.Unlock()
		return nil
	})

	for _, id := range []string{"a", "b", "c", "d"} {
		if err := q.Enqueue(context.Background(), Job{Kind: model.KindMemory, RecordID: id, UserID: "u1"}); err != nil {
			t.Fatalf("Enqueue(%s): %v", id, err)
		}
	}
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 4 {
		t.Errorf("handled %d jobs, want 4", len(seen))
	}
	if err := q.Enqueue(context.Background(), Job{RecordID: "late"}); !errors.Is(err, ErrClosed) {
		t.Errorf("enqueue after close: got %v, want ErrClosed", err)
	}
}

func TestLocalBoundsConcurrency(t *testing.T) {
	q := NewLocal(32, 2, zap.NewNop())

	var running, peak atomic.Int32
	q.Start(context.Background(), func(ctx context.Context, j Job) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return nil
	})
	for i := 0; i < 10; i++ {
		q.Enqueue(context.Background(), Job{RecordID: string(rune('a' + i))})
	}
	q.Close()

	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency %d exceeds pool size 2", p)
	}
}

func TestLocalEnqueueNeverBlocks(t *testing.T) {
	q := NewLocal(1, 1, zap.NewNop())
	// Not started: the single buffer slot fills and the next call must fail fast.
	if err := q.Enqueue(context.Background(), Job{RecordID: "a"}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- q.Enqueue(context.Background(), Job{RecordID: "b"}) }()
	select {
	case err := <-done:
		if !errors.Is(err, ErrQueueFull) {
			t.Errorf("got %v, want ErrQueueFull", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}
}

func TestLocalCloseWithoutStart(t *testing.T) {
	q := NewLocal(4, 1, zap.NewNop())
	q.Enqueue(context.Background(), Job{RecordID: "a"})
	done := make(chan struct{})
	go func() {
		q.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close hung on a queue that was never started")
	}
}
