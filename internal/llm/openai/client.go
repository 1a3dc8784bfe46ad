// Package openai adapts OpenAI-compatible Chat Completions endpoints to
// llm.Client. BaseURL may point at any server speaking the same protocol.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"

	"OpenMCP-Solana/internal/llm"
)

const (
	// DefaultModel is used when no model is configured.
	DefaultModel   = string(sdk.ChatModelGPT4oMini)
	defaultTimeout = 60 * time.Second
	temperature    = 0.2
)

// Config 描述调用 Chat Completions API 所需的信息。
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	Timeout   time.Duration
	MaxTokens int
}

// Client 通过官方 SDK 调用 OpenAI 兼容模型，要求模型输出 JSON 对象。
type Client struct {
	sdk       sdk.Client
	model     string
	maxTokens int64
}

// NewClient 根据配置创建客户端，额外的 SDK 选项追加在配置之后。
func NewClient(cfg Config, opts ...option.RequestOption) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
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
		reqOpts = append(reqOpts, option.WithBaseURL(strings.TrimRight(base, "/")+"/"))
	}
	reqOpts = append(reqOpts, opts...)

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		sdk:       sdk.NewClient(reqOpts...),
		model:     model,
		maxTokens: int64(cfg.MaxTokens),
	}, nil
}

// Generate 发送系统提示与用户提示，并解析 {thought, reply}。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	params := sdk.ChatCompletionNewParams{
		Model: shared.ChatModel(c.model),
		Messages: []sdk.ChatCompletionMessageParamUnion{
			sdk.SystemMessage(llm.SystemPrompt(req.Instructions)),
			sdk.UserMessage(llm.UserPrompt(req)),
		},
		Temperature: sdk.Float(temperature),
		ResponseFormat: sdk.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	}
	if c.maxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(c.maxTokens)
	}

	completion, err := c.sdk.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("OpenAI 返回错误状态 %d: %w", apiErr.StatusCode, err)
		}
		return nil, fmt.Errorf("请求 OpenAI 失败: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, errors.New("OpenAI 响应中没有有效的 choices")
	}
	content := strings.TrimSpace(completion.Choices[0].Message.Content)
	if content == "" {
		return nil, errors.New("OpenAI 响应内容为空")
	}
	return llm.ParseStructured(content), nil
}
