package task

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"OpenMCP-Solana/internal/issuance"
)

func seedIssuanceTasks(t *testing.T, store *MemoryStore) {
	t.Helper()
	ctx := context.Background()
	seed := []*Task{
		{ID: "create-1", Tool: "CreateToken", Arguments: json.RawMessage(`{"name":"Alpha","symbol":"ALP"}`), Status: StatusPending, MaxRetries: 3},
		{ID: "create-2", Tool: "CreateToken", Arguments: json.RawMessage(`{"name":"Beta","symbol":"BET"}`), Status: StatusPending, MaxRetries: 3},
		{ID: "balance-1", Tool: "TokenBalance", Arguments: json.RawMessage(`{"wallet":"Wallet1"}`), Status: StatusPending, MaxRetries: 3},
		{ID: "goal-1", Goal: "查询 Alpha 的总供应量", Status: StatusPending, MaxRetries: 3},
	}
	for _, task := range seed {
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("create %s: %v", task.ID, err)
		}
	}
	if err := store.MarkFailed(ctx, "create-2", issuance.CodeSupplyFailed, "mint_to rejected", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "balance-1", ExecutionResult{Output: json.RawMessage(`{"amount":"12.5"}`)}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	base := time.Now().Add(-time.Hour).Unix()
	store.mu.Lock()
	store.tasks["create-1"].UpdatedAt = base
	store.tasks["create-2"].UpdatedAt = base + 10
	store.tasks["balance-1"].UpdatedAt = base + 20
	store.tasks["goal-1"].UpdatedAt = base + 30
	store.mu.Unlock()
}

func TestMemoryStoreListFilters(t *testing.T) {
	store := NewMemoryStore()
	seedIssuanceTasks(t, store)
	ctx := context.Background()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 4 || all[0].ID != "goal-1" || all[3].ID != "create-1" {
		t.Fatalf("unexpected default order: %v", taskIDs(all))
	}

	asc, err := store.List(ctx, BuildListOptions(WithSortOrder(SortByUpdatedAsc), WithLimit(2)))
	if err != nil {
		t.Fatalf("list asc: %v", err)
	}
	if got := taskIDs(asc); len(got) != 2 || got[0] != "create-1" || got[1] != "create-2" {
		t.Fatalf("unexpected ascending page: %v", got)
	}

	creates, err := store.List(ctx, BuildListOptions(WithTool(" CreateToken ")))
	if err != nil {
		t.Fatalf("list by tool: %v", err)
	}
	if len(creates) != 2 {
		t.Fatalf("expected 2 CreateToken tasks, got %v", taskIDs(creates))
	}

	byArgs, err := store.List(ctx, BuildListOptions(WithQuery("bet")))
	if err != nil {
		t.Fatalf("list by query: %v", err)
	}
	if got := taskIDs(byArgs); len(got) != 1 || got[0] != "create-2" {
		t.Fatalf("query should match arguments case-insensitively, got %v", got)
	}

	byGoal, err := store.List(ctx, BuildListOptions(WithQuery("总供应量")))
	if err != nil {
		t.Fatalf("list by goal: %v", err)
	}
	if got := taskIDs(byGoal); len(got) != 1 || got[0] != "goal-1" {
		t.Fatalf("query should match goal, got %v", got)
	}

	withResult, err := store.List(ctx, BuildListOptions(WithResultPresence(true)))
	if err != nil {
		t.Fatalf("list with result: %v", err)
	}
	if got := taskIDs(withResult); len(got) != 1 || got[0] != "balance-1" {
		t.Fatalf("unexpected result filter: %v", got)
	}

	supplyFailed, err := store.List(ctx, BuildListOptions(WithErrorCode("issuance_supply_failed")))
	if err != nil {
		t.Fatalf("list by error code: %v", err)
	}
	if got := taskIDs(supplyFailed); len(got) != 1 || got[0] != "create-2" {
		t.Fatalf("unexpected error code filter: %v", got)
	}

	paged, err := store.List(ctx, BuildListOptions(WithOffset(10)))
	if err != nil {
		t.Fatalf("list offset: %v", err)
	}
	if len(paged) != 0 {
		t.Fatalf("offset beyond range should return empty page, got %v", taskIDs(paged))
	}
}

func TestMemoryStoreStatsBreakdown(t *testing.T) {
	store := NewMemoryStore()
	seedIssuanceTasks(t, store)
	ctx := context.Background()

	stats, err := store.Stats(ctx, BuildListOptions(WithLimit(1)))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 4 || stats.Pending != 2 || stats.Failed != 1 || stats.Succeeded != 1 {
		t.Fatalf("unexpected status counts: %+v", stats)
	}
	if stats.ByTool["CreateToken"] != 2 || stats.ByTool["TokenBalance"] != 1 || len(stats.ByTool) != 2 {
		t.Fatalf("unexpected tool breakdown: %v", stats.ByTool)
	}
	if stats.FailureCodes[string(issuance.CodeSupplyFailed)] != 1 {
		t.Fatalf("supply failure not counted: %v", stats.FailureCodes)
	}
	if stats.NewestUpdatedAt-stats.OldestUpdatedAt != 30 {
		t.Fatalf("unexpected updated range: %d..%d", stats.OldestUpdatedAt, stats.NewestUpdatedAt)
	}

	empty, err := store.Stats(ctx, BuildListOptions(WithTool("MintSupply")))
	if err != nil {
		t.Fatalf("stats empty: %v", err)
	}
	if empty.Total != 0 || empty.OldestUpdatedAt != 0 || empty.ByTool != nil {
		t.Fatalf("expected zero stats, got %+v", empty)
	}
}

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, &Task{ID: "t1", Tool: "CreateToken", MaxRetries: 2, Status: StatusPending}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, &Task{ID: "t1"}); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("duplicate create should conflict, got %v", err)
	}

	claimed, err := store.Claim(ctx, "t1")
	if err != nil || claimed.Attempts != 1 || claimed.Status != StatusRunning {
		t.Fatalf("first claim: %+v %v", claimed, err)
	}
	if _, err := store.Claim(ctx, "t1"); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("running task should not be claimed twice, got %v", err)
	}

	// 不可重试的失败收拢预算。
	if err := store.MarkFailed(ctx, "t1", issuance.CodeCreateFailed, "blockhash expired", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "t1"); !errors.Is(err, ErrTaskExhausted) {
		t.Fatalf("terminal failure should exhaust retries, got %v", err)
	}
	got, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.MaxRetries != 1 || got.ErrorCode != string(issuance.CodeCreateFailed) {
		t.Fatalf("unexpected failed task: %+v", got)
	}

	if _, err := store.Claim(ctx, "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, &Task{ID: "t1", Arguments: json.RawMessage(`{"a":1}`), Metadata: map[string]any{"k": "v"}, MaxRetries: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, _ := store.Get(ctx, "t1")
	got.Arguments[0] = 'x'
	got.Metadata["k"] = "changed"

	again, _ := store.Get(ctx, "t1")
	if string(again.Arguments) != `{"a":1}` || again.Metadata["k"] != "v" {
		t.Fatalf("store leaked internal state: %s %v", again.Arguments, again.Metadata)
	}
}

func taskIDs(tasks []*Task) []string {
	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	return ids
}
