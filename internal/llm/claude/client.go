// Package claude adapts the Anthropic Messages API to llm.Client.
package claude

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"OpenMCP-Solana/internal/llm"
)

const (
	// DefaultModel is used when no model is configured.
	DefaultModel     = anthropic.ModelClaude3_7SonnetLatest
	defaultMaxTokens = 1024
	defaultTimeout   = 60 * time.Second
)

// Config 描述调用 Messages API 所需的信息。
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// Client 通过官方 SDK 调用 Claude 模型。
type Client struct {
	sdk       anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewClient 根据配置创建客户端，额外的 SDK 选项追加在配置之后。
func NewClient(cfg Config, opts ...option.RequestOption) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 Anthropic API Key")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithRequestTimeout(timeout),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(base))
	}
	reqOpts = append(reqOpts, opts...)

	model := anthropic.Model(strings.TrimSpace(cfg.Model))
	if model == "" {
		model = DefaultModel
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Client{
		sdk:       anthropic.NewClient(reqOpts...),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

// Generate 调用 Messages API 并解析 {thought, reply}。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	msg, err := c.sdk.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: llm.SystemPrompt(req.Instructions)}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(llm.UserPrompt(req))),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("请求 Anthropic 失败: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if v, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(v.Text)
		}
	}
	content := strings.TrimSpace(text.String())
	if content == "" {
		return nil, errors.New("Anthropic 响应内容为空")
	}
	return llm.ParseStructured(content), nil
}
