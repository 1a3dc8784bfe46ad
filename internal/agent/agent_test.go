package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	xerrors "OpenMCP-Solana/internal/errors"
	"OpenMCP-Solana/internal/issuance"
	"OpenMCP-Solana/internal/knowledge"
	"OpenMCP-Solana/internal/llm"
	"OpenMCP-Solana/internal/storage/mysql"
	"OpenMCP-Solana/internal/tools"
)

type stubLLM struct {
	resp     *llm.Response
	err      error
	wait     time.Duration
	requests []llm.Request
}

func (s *stubLLM) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	s.requests = append(s.requests, req)
	if s.wait > 0 {
		select {
		case <-time.After(s.wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

type summaryOutput struct {
	MintAddress string `json:"mintAddress"`
	Summary     string `json:"summary"`
}

func newRegistry(t *testing.T, handler tools.Handler) *tools.Registry {
	t.Helper()
	registry, err := tools.NewRegistry(tools.Definition{
		Name:        "create-token",
		Description: "test tool",
		ErrorPrefix: "Failed to create token: ",
		Handler:     handler,
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return registry
}

func newMemory(t *testing.T) *mysql.FileConversationRepository {
	t.Helper()
	repo, err := mysql.NewFileConversationRepository(t.TempDir())
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	return repo
}

func okHandler(context.Context, json.RawMessage) (any, error) {
	return summaryOutput{MintAddress: "Mint111", Summary: "Successfully created token \"Demo\""}, nil
}

func TestAgentExecuteToolWithoutLLMRepliesWithSummary(t *testing.T) {
	memory := newMemory(t)
	ag := New(newRegistry(t, okHandler), nil, memory)

	result, err := ag.Execute(context.Background(), TaskRequest{ID: "t-1", Tool: "create-token", Arguments: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Reply != "Successfully created token \"Demo\"" {
		t.Fatalf("reply should be the tool summary, got %q", result.Reply)
	}
	if result.Goal != "invoke create-token" || !result.Succeeded {
		t.Fatalf("unexpected result: %+v", result)
	}
	if !strings.Contains(string(result.Output), "Mint111") {
		t.Fatalf("output missing mint: %s", result.Output)
	}

	history, err := ag.ListHistory(context.Background(), 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].ID != "t-1" || history[0].Tool != "create-token" {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestAgentExecuteUsesLLMForReply(t *testing.T) {
	llmClient := &stubLLM{resp: &llm.Response{Thought: "分析", Reply: "Your token is live."}}
	provider := knowledge.NewStaticProvider([]knowledge.Snippet{{
		Title:    "Token-2022",
		Content:  "Mints are created under Token-2022.",
		Keywords: []string{"token"},
		Tags:     []string{"create-token"},
	}}, 3)
	ag := New(newRegistry(t, okHandler), llmClient, newMemory(t),
		WithKnowledgeProvider(provider),
		WithInstructions("You issue tokens."),
	)

	result, err := ag.Execute(context.Background(), TaskRequest{Goal: "create a token", Tool: "create-token"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Reply != "Your token is live." || result.Thought != "分析" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(llmClient.requests) != 1 {
		t.Fatalf("expected one llm call, got %d", len(llmClient.requests))
	}
	req := llmClient.requests[0]
	if req.Instructions != "You issue tokens." || req.Tool != "create-token" || !strings.Contains(req.ToolOutput, "Mint111") {
		t.Fatalf("unexpected llm request: %+v", req)
	}
	if len(req.Knowledge) != 1 || !strings.Contains(result.Observations, "Token-2022") {
		t.Fatalf("knowledge not forwarded: %+v / %q", req.Knowledge, result.Observations)
	}
}

func TestAgentToolFailureIsReturnedAndRemembered(t *testing.T) {
	llmClient := &stubLLM{resp: &llm.Response{Reply: "unused"}}
	memory := newMemory(t)
	stepErr := xerrors.New(issuance.CodeSupplyFailed, "mint succeeded, supply mint failed", xerrors.WithMetadata("mint_address", "Mint111"))
	ag := New(newRegistry(t, func(context.Context, json.RawMessage) (any, error) {
		return nil, stepErr
	}), llmClient, memory)

	_, err := ag.Execute(context.Background(), TaskRequest{Goal: "create", Tool: "create-token"})
	if err == nil {
		t.Fatalf("expected tool error")
	}
	if xerrors.CodeOf(err) != issuance.CodeSupplyFailed {
		t.Fatalf("code not preserved: %v", err)
	}
	if !strings.HasPrefix(err.Error(), "Failed to create token: ") {
		t.Fatalf("prefix missing: %v", err)
	}
	if len(llmClient.requests) != 0 {
		t.Fatalf("llm should not run after a tool failure")
	}

	records, err := memory.ListLatest(context.Background(), 5)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 || records[0].Succeeded || !strings.Contains(records[0].Observations, "调用失败") {
		t.Fatalf("failure not remembered: %+v", records)
	}
}

func TestAgentLLMFailureAfterToolKeepsResult(t *testing.T) {
	llmClient := &stubLLM{err: errors.New("upstream 500")}
	ag := New(newRegistry(t, okHandler), llmClient, nil)

	result, err := ag.Execute(context.Background(), TaskRequest{Goal: "create", Tool: "create-token"})
	if err != nil {
		t.Fatalf("tool result must survive llm failure: %v", err)
	}
	if !strings.HasPrefix(result.Reply, "Successfully created token") {
		t.Fatalf("expected summary fallback, got %q", result.Reply)
	}
	if !strings.Contains(result.Observations, "大模型推理失败") {
		t.Fatalf("missing observation: %q", result.Observations)
	}
}

func TestAgentExecuteTimeout(t *testing.T) {
	llmClient := &stubLLM{wait: 50 * time.Millisecond}
	ag := New(nil, llmClient, nil, WithLLMTimeout(10*time.Millisecond))

	_, err := ag.Execute(context.Background(), TaskRequest{Goal: "测试"})
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) || xerrors.CodeOf(err) != xerrors.CodeTimeout {
		t.Fatalf("expected timeout code, got %v", err)
	}
}

func TestAgentExecuteValidation(t *testing.T) {
	ag := New(newRegistry(t, okHandler), nil, nil)

	cases := []struct {
		name string
		req  TaskRequest
		code xerrors.Code
	}{
		{name: "empty", req: TaskRequest{}, code: xerrors.CodeInvalidArgument},
		{name: "unknown tool", req: TaskRequest{Tool: "burn"}, code: tools.CodeUnknownTool},
		{name: "chat without llm", req: TaskRequest{Goal: "hello"}, code: xerrors.CodeInitializationFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ag.Execute(context.Background(), tc.req)
			if xerrors.CodeOf(err) != tc.code {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
		})
	}

	if _, err := ag.ListHistory(context.Background(), 5); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected missing memory error, got %v", err)
	}
}
