package worker

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"

	"vodnotes/internal/config"
	"vodnotes/internal/queue"
)

func TestSweepPromotesDueRetries(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	cfg := config.Config{RedisAddr: mr.Addr(), VisibilityTimeout: time.Minute, ScheduledBatchSize: 10}
	q := queue.NewRedisQueue(cfg)
	p := NewProcessor(cfg, q, nil)

	// Defer a retry just barely into the future, then sweep once it is due.
	if err := q.Dispatch(ctx, uuid.New(), "summarize_map", 1, time.Now().Add(20*time.Millisecond)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if _, ok, _ := q.Dequeue(ctx); ok {
		t.Fatalf("deferred retry was immediately ready")
	}
	time.Sleep(30 * time.Millisecond)
	p.sweep(ctx)

	task, ok, err := q.Dequeue(ctx)
	if err != nil || !ok {
		t.Fatalf("dequeue after sweep: ok=%v err=%v", ok, err)
	}
	if task.Stage != "summarize_map" || task.Attempt != 1 {
		t.Fatalf("unexpected task: %+v", task)
	}
}
