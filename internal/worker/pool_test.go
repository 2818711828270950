package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rizom-ai/brains-sub001/internal/queue"
	"github.com/rizom-ai/brains-sub001/internal/testutil"
)

func TestPoolProcessesEnqueuedJob(t *testing.T) {
	q := queue.New(testutil.OpenTestDB(t))
	var processed int64

	pool := New(q, Config{Concurrency: 2, PollInterval: 10 * time.Millisecond, Logf: func(string, ...any) {}})
	pool.RegisterHandler("noop", HandlerFunc(func(ctx context.Context, jobID string, data []byte, progress ProgressReporter) (any, error) {
		atomic.AddInt64(&processed, 1)
		return nil, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	id, err := q.Enqueue("noop", map[string]any{"x": 1}, queue.EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt64(&processed) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadInt64(&processed) != 1 {
		t.Fatalf("expected job to be processed exactly once, got %d", processed)
	}

	status, err := q.GetStatus(id)
	if err != nil {
		t.Fatalf("getStatus: %v", err)
	}
	if status.Status != queue.StatusCompleted {
		t.Fatalf("expected job completed, got %q", status.Status)
	}
}

func TestPoolStartAndStopAreIdempotent(t *testing.T) {
	q := queue.New(testutil.OpenTestDB(t))
	pool := New(q, Config{Concurrency: 1, PollInterval: 10 * time.Millisecond, Logf: func(string, ...any) {}})
	pool.RegisterHandler("noop", HandlerFunc(func(ctx context.Context, jobID string, data []byte, progress ProgressReporter) (any, error) {
		return nil, nil
	}))

	ctx := context.Background()
	pool.Start(ctx)
	pool.Start(ctx) // duplicate start must be a no-op, not a panic

	pool.Stop()
	pool.Stop() // duplicate stop must be safe
}
