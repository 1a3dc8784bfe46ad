package agent

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	xerrors "OpenMCP-Solana/internal/errors"
	"OpenMCP-Solana/internal/knowledge"
	"OpenMCP-Solana/internal/llm"
	"OpenMCP-Solana/internal/storage/mysql"
	"OpenMCP-Solana/internal/tools"
	"OpenMCP-Solana/pkg/logger"
)

// TaskRequest 描述一次智能体任务：自然语言目标，以及可选的工具调用。
type TaskRequest struct {
	ID        string          `json:"id,omitempty"`
	Goal      string          `json:"goal"`
	Tool      string          `json:"tool,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

// TaskResult 汇总工具输出与大模型回复。
type TaskResult struct {
	ID           string          `json:"id,omitempty"`
	Goal         string          `json:"goal"`
	Tool         string          `json:"tool,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	Thought      string          `json:"thought,omitempty"`
	Reply        string          `json:"reply"`
	Observations string          `json:"observations,omitempty"`
	Succeeded    bool            `json:"succeeded"`
	CreatedAt    int64           `json:"created_at"`
}

// ToolInvoker 是 Agent 对工具注册表的依赖。
type ToolInvoker interface {
	Lookup(name string) (tools.Definition, bool)
	Invoke(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
}

// Agent 串联工具调用、对话记忆与大模型回复。
type Agent struct {
	tools        ToolInvoker
	llmClient    llm.Client
	memory       mysql.ConversationRepository
	memoryDepth  int
	knowledge    knowledge.Provider
	llmTimeout   time.Duration
	instructions string
	now          func() time.Time
	log          *slog.Logger
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

const defaultMemoryDepth = 5

// WithMemoryDepth 设置大模型调用时可参考的历史对话数量。
func WithMemoryDepth(depth int) Option {
	return func(a *Agent) {
		a.memoryDepth = depth
	}
}

// WithKnowledgeProvider 配置知识库。
func WithKnowledgeProvider(provider knowledge.Provider) Option {
	return func(a *Agent) {
		a.knowledge = provider
	}
}

// WithLLMTimeout 设置调用大模型的超时时间，0 表示不限制。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout < 0 {
			timeout = 0
		}
		a.llmTimeout = timeout
	}
}

// WithInstructions 设置系统提示中的智能体说明。
func WithInstructions(instructions string) Option {
	return func(a *Agent) {
		a.instructions = instructions
	}
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(a *Agent) {
		if now != nil {
			a.now = now
		}
	}
}

// New 创建一个 Agent。llmClient 与 memory 均可为空。
func New(registry ToolInvoker, llmClient llm.Client, memory mysql.ConversationRepository, opts ...Option) *Agent {
	ag := &Agent{
		tools:       registry,
		llmClient:   llmClient,
		memory:      memory,
		memoryDepth: defaultMemoryDepth,
		now:         time.Now,
		log:         logger.Named("agent"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	if ag.memoryDepth <= 0 {
		ag.memoryDepth = defaultMemoryDepth
	}
	return ag
}

// Execute 调用请求中的工具（如有），再让大模型基于工具结果生成回复。
// 工具失败时原样返回带错误码的错误，同时写入对话记忆。
func (a *Agent) Execute(ctx context.Context, req TaskRequest) (*TaskResult, error) {
	goal := strings.TrimSpace(req.Goal)
	tool := strings.TrimSpace(req.Tool)
	if goal == "" && tool == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "任务目标与工具不能同时为空")
	}
	if tool != "" {
		if a.tools == nil {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置工具注册表")
		}
		if _, ok := a.tools.Lookup(tool); !ok {
			return nil, xerrors.New(tools.CodeUnknownTool, fmt.Sprintf("tool %q is not registered", tool), xerrors.WithMetadata("tool", tool))
		}
	} else if a.llmClient == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}
	if goal == "" {
		goal = "invoke " + tool
	}

	result := &TaskResult{ID: req.ID, Goal: goal, Tool: tool, CreatedAt: a.now().Unix()}

	var observations []string
	if tool != "" {
		output, err := a.tools.Invoke(ctx, tool, req.Arguments)
		if err != nil {
			result.Reply = err.Error()
			result.Observations = fmt.Sprintf("%s 调用失败: %s", tool, err.Error())
			a.remember(ctx, result)
			return nil, err
		}
		result.Output = output
		result.Reply = gjson.GetBytes(output, "summary").String()
		observations = append(observations, fmt.Sprintf("%s 调用成功", tool))
	}

	if a.llmClient != nil {
		resp, obs, err := a.generate(ctx, goal, tool, result.Output)
		observations = append(observations, obs...)
		switch {
		case err != nil && tool == "":
			return nil, err
		case err != nil:
			a.log.Warn("大模型推理失败，使用工具摘要作为回复", xerrors.LogAttrs(err)...)
			observations = append(observations, fmt.Sprintf("大模型推理失败: %v", err))
		default:
			result.Thought = resp.Thought
			if strings.TrimSpace(resp.Reply) != "" {
				result.Reply = resp.Reply
			}
		}
	}

	result.Succeeded = true
	result.Observations = strings.Join(observations, "\n")
	a.remember(ctx, result)
	return result, nil
}

func (a *Agent) generate(ctx context.Context, goal, tool string, output json.RawMessage) (*llm.Response, []string, error) {
	var observations []string
	history, err := a.loadHistory(ctx)
	if err != nil {
		observations = append(observations, fmt.Sprintf("加载历史对话失败: %v", err))
	}
	cards, hint := a.collectKnowledge(goal, tool)
	if hint != "" {
		observations = append(observations, hint)
	}

	llmCtx := ctx
	if a.llmTimeout > 0 {
		var cancel context.CancelFunc
		llmCtx, cancel = context.WithTimeout(ctx, a.llmTimeout)
		defer cancel()
	}
	resp, err := a.llmClient.Generate(llmCtx, llm.Request{
		Instructions: a.instructions,
		Goal:         goal,
		Tool:         tool,
		ToolOutput:   string(output),
		History:      history,
		Knowledge:    cards,
	})
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, observations, xerrors.Wrap(xerrors.CodeTimeout, err, "大模型推理超时")
		}
		return nil, observations, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "大模型推理失败")
	}
	if resp == nil {
		return nil, observations, xerrors.New(xerrors.CodeExecutorFailure, "大模型返回空响应")
	}
	return resp, observations, nil
}

// remember 写入对话记忆；链上动作已经发生，存储失败只记日志。
func (a *Agent) remember(ctx context.Context, result *TaskResult) {
	if a.memory == nil {
		return
	}
	record := &mysql.ConversationRecord{
		TaskID:       result.ID,
		Goal:         result.Goal,
		Tool:         result.Tool,
		Output:       string(result.Output),
		Thought:      result.Thought,
		Reply:        result.Reply,
		Observations: result.Observations,
		Succeeded:    result.Succeeded,
		CreatedAt:    result.CreatedAt,
	}
	if err := a.memory.Save(context.WithoutCancel(ctx), record); err != nil {
		a.log.Error("保存对话记录失败", slog.Any("error", err), slog.String("tool", result.Tool))
	}
}

// ListHistory 获取最近的对话记录。
func (a *Agent) ListHistory(ctx context.Context, limit int) ([]TaskResult, error) {
	if a.memory == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置对话记忆")
	}
	records, err := a.memory.ListLatest(ctx, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询对话记录失败")
	}
	results := make([]TaskResult, 0, len(records))
	for _, record := range records {
		item := TaskResult{
			ID:           record.TaskID,
			Goal:         record.Goal,
			Tool:         record.Tool,
			Thought:      record.Thought,
			Reply:        record.Reply,
			Observations: record.Observations,
			Succeeded:    record.Succeeded,
			CreatedAt:    record.CreatedAt,
		}
		if record.Output != "" {
			item.Output = json.RawMessage(record.Output)
		}
		results = append(results, item)
	}
	return results, nil
}

func (a *Agent) loadHistory(ctx context.Context) ([]llm.HistoryEntry, error) {
	if a.memory == nil {
		return nil, nil
	}
	records, err := a.memory.ListLatest(ctx, a.memoryDepth)
	if err != nil {
		return nil, err
	}
	history := make([]llm.HistoryEntry, 0, len(records))
	for _, record := range records {
		history = append(history, llm.HistoryEntry{
			Goal:         record.Goal,
			Tool:         record.Tool,
			Reply:        record.Reply,
			Observations: record.Observations,
			CreatedAt:    record.CreatedAt,
		})
	}
	return history, nil
}

func (a *Agent) collectKnowledge(goal, tool string) ([]llm.KnowledgeCard, string) {
	if a.knowledge == nil {
		return nil, ""
	}
	snippets := a.knowledge.Query(goal, tool)
	cards := make([]llm.KnowledgeCard, 0, len(snippets))
	titles := make([]string, 0, len(snippets))
	for _, snippet := range snippets {
		if strings.TrimSpace(snippet.Title) == "" && strings.TrimSpace(snippet.Content) == "" {
			continue
		}
		cards = append(cards, llm.KnowledgeCard{Title: snippet.Title, Content: snippet.Content})
		if snippet.Title != "" {
			titles = append(titles, snippet.Title)
		}
	}
	if len(titles) == 0 {
		return cards, ""
	}
	return cards, fmt.Sprintf("知识库提示: %s", strings.Join(titles, "；"))
}
