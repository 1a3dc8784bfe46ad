package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	xerrors "OpenMCP-Solana/internal/errors"
)

func TestMemoryQueueDoesNotReplayFailedDeliveries(t *testing.T) {
	queue := NewMemoryQueue(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu    sync.Mutex
		calls = map[string]int{}
	)
	done := make(chan struct{}, 3)
	handler := func(_ context.Context, id string) error {
		mu.Lock()
		calls[id]++
		mu.Unlock()
		done <- struct{}{}
		switch id {
		case "fails":
			return xerrors.New(CodeTaskProcessing, "boom")
		case "panics":
			panic("handler bug")
		}
		return nil
	}

	errCh := make(chan error, 1)
	go func() { errCh <- queue.Consume(ctx, 2, handler) }()

	for _, id := range []string{"ok", "fails", "panics"} {
		if err := queue.Publish(ctx, id); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("delivery %d timed out", i)
		}
	}
	time.Sleep(50 * time.Millisecond)

	if queue.Len() != 0 {
		t.Fatalf("failed deliveries must not be requeued, %d pending", queue.Len())
	}
	mu.Lock()
	for id, n := range calls {
		if n != 1 {
			t.Fatalf("task %s delivered %d times", id, n)
		}
	}
	mu.Unlock()

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("consume should stop with context error, got %v", err)
	}
}

func TestMemoryQueueClose(t *testing.T) {
	queue := NewMemoryQueue(1)
	if err := queue.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := queue.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	err := queue.Publish(context.Background(), "late")
	if xerrors.CodeOf(err) != xerrors.CodeQueueFailure {
		t.Fatalf("publish after close should fail with queue code, got %v", err)
	}

	// 关闭后消费立即返回。
	if err := queue.Consume(context.Background(), 1, func(context.Context, string) error { return nil }); err != nil {
		t.Fatalf("consume on closed queue: %v", err)
	}
}

func TestMemoryQueuePublishHonoursContext(t *testing.T) {
	queue := NewMemoryQueue(1)
	if err := queue.Publish(context.Background(), "first"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := queue.Publish(ctx, "second"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("full queue should block until deadline, got %v", err)
	}
}
