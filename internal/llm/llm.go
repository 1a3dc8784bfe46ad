package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Request 描述发送给大模型的任务上下文。Tool 为空表示纯对话。
type Request struct {
	Instructions string
	Goal         string
	Tool         string
	ToolOutput   string
	ToolError    string
	History      []HistoryEntry
	Knowledge    []KnowledgeCard
}

// Response 是大模型推理得到的结构化输出。
type Response struct {
	Thought string
	Reply   string
}

// KnowledgeCard 表示提供给大模型的知识切片。
type KnowledgeCard struct {
	Title   string
	Content string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// HistoryEntry 描述了一段历史对话，用于为大模型提供上下文记忆。
type HistoryEntry struct {
	Goal         string
	Tool         string
	Reply        string
	Observations string
	CreatedAt    int64
}

const maxPromptItems = 5

// SystemPrompt 将智能体说明与输出格式约束拼接为系统提示。
func SystemPrompt(instructions string) string {
	var b strings.Builder
	if s := strings.TrimSpace(instructions); s != "" {
		b.WriteString(s)
		b.WriteString("\n\n")
	}
	b.WriteString("Always respond with a compact JSON object: {\"thought\": string, \"reply\": string}. ")
	b.WriteString("Base the reply on the tool result when one is given; never invent addresses, signatures or balances. ")
	b.WriteString("Never ask for or repeat private keys.")
	return b.String()
}

// UserPrompt 渲染任务、工具结果、历史与知识。
func UserPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("## Request\n")
	fmt.Fprintf(&b, "%s\n", strings.TrimSpace(req.Goal))
	if req.Tool != "" {
		fmt.Fprintf(&b, "\n## Tool %s\n", req.Tool)
		if req.ToolError != "" {
			fmt.Fprintf(&b, "error: %s\n", req.ToolError)
		} else {
			fmt.Fprintf(&b, "output: %s\n", strings.TrimSpace(req.ToolOutput))
		}
	}

	if len(req.History) > 0 {
		b.WriteString("\n## Recent conversation\n")
		for idx, entry := range req.History {
			if idx >= maxPromptItems {
				break
			}
			fmt.Fprintf(&b, "[%d] request:%s | tool:%s | reply:%s | observations:%s\n",
				idx+1, strings.TrimSpace(entry.Goal), entry.Tool, truncate(entry.Reply), truncate(entry.Observations))
		}
	}

	if len(req.Knowledge) > 0 {
		b.WriteString("\n## Knowledge\n")
		for idx, card := range req.Knowledge {
			if idx >= maxPromptItems {
				break
			}
			fmt.Fprintf(&b, "[%d] %s: %s\n", idx+1, strings.TrimSpace(card.Title), truncate(card.Content))
		}
	}
	return b.String()
}

// ParseStructured 解析 {thought, reply}；非 JSON 内容整体作为 reply。
func ParseStructured(content string) *Response {
	content = strings.TrimSpace(content)
	trimmed := strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(content, "```json"), "```"), "```")
	var structured struct {
		Thought string `json:"thought"`
		Reply   string `json:"reply"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(trimmed)), &structured); err != nil || strings.TrimSpace(structured.Reply) == "" {
		return &Response{Reply: content}
	}
	return &Response{Thought: structured.Thought, Reply: structured.Reply}
}

func truncate(text string) string {
	text = strings.TrimSpace(text)
	if r := []rune(text); len(r) > 160 {
		return string(r[:160]) + "..."
	}
	return text
}
