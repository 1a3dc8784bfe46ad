package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"OpenMCP-Solana/internal/agent"
	xerrors "OpenMCP-Solana/internal/errors"
	"OpenMCP-Solana/internal/observability/alerting"
)

type fakeAgent struct {
	processed atomic.Int32
	latency   time.Duration
}

func (f *fakeAgent) Execute(ctx context.Context, req agent.TaskRequest) (*agent.TaskResult, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.processed.Add(1)
	return &agent.TaskResult{Goal: req.Goal, Tool: req.Tool, Output: json.RawMessage(`{"summary":"ok"}`), Reply: "ok", Thought: "done"}, nil
}

type failingAgent struct {
	err   error
	calls atomic.Int32
}

func (f *failingAgent) Execute(context.Context, agent.TaskRequest) (*agent.TaskResult, error) {
	f.calls.Add(1)
	return nil, f.err
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (d *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return nil
}

type recordingProducer struct {
	published []string
}

func (p *recordingProducer) Publish(_ context.Context, id string) error {
	p.published = append(p.published, id)
	return nil
}

func (p *recordingProducer) Close() error { return nil }

func TestProcessorHandlesConcurrentTasks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	executor := &fakeAgent{latency: 10 * time.Millisecond}

	service := NewService(store, queue, 3)
	processor := NewProcessor(executor, store, queue, queue, WithWorkerCount(8))

	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	total := 200
	for i := 0; i < total; i++ {
		goal := fmt.Sprintf("goal-%d", i)
		if _, err := service.Submit(ctx, agent.TaskRequest{Goal: goal, Tool: "token-balance"}); err != nil {
			t.Fatalf("提交任务失败: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		if int(executor.processed.Load()) >= total {
			cancel()
			break
		}
		select {
		case <-deadline:
			t.Fatalf("任务未能及时处理，已完成 %d", executor.processed.Load())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestProcessorStoresSuccessfulResult(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	producer := &recordingProducer{}
	if err := store.Create(ctx, &Task{ID: "ok", Goal: "balance", Tool: "token-balance", Status: StatusPending, MaxRetries: 3}); err != nil {
		t.Fatalf("create: %v", err)
	}

	processor := NewProcessor(&fakeAgent{}, store, nil, producer)
	if err := processor.handle(ctx, "ok"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	stored, err := store.Get(ctx, "ok")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusSucceeded || stored.Result == nil || string(stored.Result.Output) != `{"summary":"ok"}` {
		t.Fatalf("unexpected task: %+v", stored)
	}
}

func TestProcessorNeverRetriesIssuanceFailures(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	producer := &recordingProducer{}
	alerts := &recordingDispatcher{}
	if err := store.Create(ctx, &Task{ID: "issue", Goal: "create", Tool: "create-token", Status: StatusPending, MaxRetries: 3}); err != nil {
		t.Fatalf("create: %v", err)
	}

	stepErr := xerrors.New("ISSUANCE_SUPPLY_FAILED", "mint succeeded, supply mint failed",
		xerrors.WithRetryable(false), xerrors.WithAlert(true), xerrors.WithMetadata("mint_address", "Mint111"))
	executor := &failingAgent{err: stepErr}
	processor := NewProcessor(executor, store, nil, producer, WithAlertDispatcher(alerts))

	if err := processor.handle(ctx, "issue"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(producer.published) != 0 {
		t.Fatalf("non-retryable failure must not be republished: %v", producer.published)
	}
	stored, _ := store.Get(ctx, "issue")
	if stored.Status != StatusFailed || stored.ErrorCode != "ISSUANCE_SUPPLY_FAILED" {
		t.Fatalf("unexpected task: %+v", stored)
	}

	if _, err := store.Claim(ctx, "issue"); !errors.Is(err, ErrTaskExhausted) {
		t.Fatalf("terminal task must not be claimable again, got %v", err)
	}
	if err := processor.handle(ctx, "issue"); err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if executor.calls.Load() != 1 {
		t.Fatalf("executor ran %d times", executor.calls.Load())
	}

	if len(alerts.events) != 1 {
		t.Fatalf("expected one alert, got %d", len(alerts.events))
	}
	event := alerts.events[0]
	if event.Subject != "issue" || event.Metadata["mint_address"] != "Mint111" || event.Metadata["stage"] != "non_retryable" {
		t.Fatalf("unexpected alert: %+v", event)
	}
}

func TestProcessorRequeuesRetryableFailures(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	producer := &recordingProducer{}
	if err := store.Create(ctx, &Task{ID: "read", Goal: "balance", Tool: "token-balance", Status: StatusPending, MaxRetries: 2}); err != nil {
		t.Fatalf("create: %v", err)
	}

	transient := xerrors.New(xerrors.CodeUnavailable, "rpc unavailable", xerrors.WithRetryable(true))
	processor := NewProcessor(&failingAgent{err: transient}, store, nil, producer)

	if err := processor.handle(ctx, "read"); err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	if len(producer.published) != 1 {
		t.Fatalf("retryable failure should be requeued once, got %v", producer.published)
	}

	if err := processor.handle(ctx, "read"); err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if len(producer.published) != 1 {
		t.Fatalf("exhausted task must not be requeued, got %v", producer.published)
	}
	stored, _ := store.Get(ctx, "read")
	if stored.Attempts != 2 || stored.Status != StatusFailed || !strings.Contains(stored.LastError, "rpc unavailable") {
		t.Fatalf("unexpected task: %+v", stored)
	}
}

func TestServiceSubmitValidatesAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	producer := &recordingProducer{}
	service := NewService(store, producer, 3)

	if _, err := service.Submit(ctx, agent.TaskRequest{}); xerrors.CodeOf(err) != CodeTaskValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := service.Submit(ctx, agent.TaskRequest{Tool: "token-info", Arguments: json.RawMessage(`{"mintAddress":`)}); xerrors.CodeOf(err) != CodeTaskValidation {
		t.Fatalf("expected invalid arguments error, got %v", err)
	}

	req := agent.TaskRequest{ID: "fixed", Tool: "token-info", Arguments: json.RawMessage(`{"mintAddress":"Mint111"}`)}
	first, err := service.Submit(ctx, req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := service.Submit(ctx, req)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if first.ID != "fixed" || second.ID != "fixed" || len(producer.published) != 1 {
		t.Fatalf("resubmission should return the stored task without publishing: %v", producer.published)
	}
	if string(second.Arguments) != `{"mintAddress":"Mint111"}` {
		t.Fatalf("arguments not stored: %s", second.Arguments)
	}
}

type failingProducer struct{}

func (failingProducer) Publish(context.Context, string) error { return errors.New("broker down") }
func (failingProducer) Close() error                          { return nil }

func TestServiceSubmitChecksToolAndPublishFailure(t *testing.T) {
	ctx := context.Background()
	known := func(name string) bool { return name == "TokenInfo" }

	service := NewService(NewMemoryStore(), &recordingProducer{}, 3, WithToolCheck(known))
	_, err := service.Submit(ctx, agent.TaskRequest{Tool: "DeployContract"})
	if xerrors.CodeOf(err) != CodeTaskValidation || xerrors.MetadataOf(err, "tool") != "DeployContract" {
		t.Fatalf("unknown tool should be rejected before queuing, got %v", err)
	}
	if _, err := service.Submit(ctx, agent.TaskRequest{Goal: "总结最近的发行"}); err != nil {
		t.Fatalf("goal-only tasks skip the tool check: %v", err)
	}

	store := NewMemoryStore()
	broken := NewService(store, failingProducer{}, 3, WithToolCheck(known))
	_, err = broken.Submit(ctx, agent.TaskRequest{ID: "t-broker", Tool: "TokenInfo"})
	if xerrors.CodeOf(err) != CodeTaskPublish {
		t.Fatalf("expected publish failure, got %v", err)
	}
	stored, err := store.Get(ctx, "t-broker")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusFailed || stored.ErrorCode != string(CodeTaskPublish) {
		t.Fatalf("task should be marked failed after publish error: %+v", stored)
	}
}

func TestProcessorTimesOutSlowTasksWithoutRetry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	producer := &recordingProducer{}
	if err := store.Create(ctx, &Task{ID: "slow", Tool: "token-balance", Status: StatusPending, MaxRetries: 3}); err != nil {
		t.Fatalf("create: %v", err)
	}

	processor := NewProcessor(&fakeAgent{latency: time.Second}, store, nil, producer, WithTaskTimeout(20*time.Millisecond))
	if err := processor.handle(ctx, "slow"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	stored, _ := store.Get(ctx, "slow")
	if stored.Status != StatusFailed || stored.ErrorCode != string(xerrors.CodeTimeout) {
		t.Fatalf("expected terminal timeout, got %+v", stored)
	}
	if len(producer.published) != 0 {
		t.Fatalf("timed out task must not be requeued: %v", producer.published)
	}
}
