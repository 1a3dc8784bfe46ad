package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"strings"
	"time"

	"OpenMCP-Solana/internal/agent"
	"OpenMCP-Solana/internal/chain"
	"OpenMCP-Solana/internal/chain/provider"
	"OpenMCP-Solana/internal/chain/signer"
	"OpenMCP-Solana/internal/config"
	xerrors "OpenMCP-Solana/internal/errors"
	"OpenMCP-Solana/internal/issuance"
	"OpenMCP-Solana/internal/knowledge"
	"OpenMCP-Solana/internal/ledger"
	"OpenMCP-Solana/internal/llm"
	"OpenMCP-Solana/internal/llm/claude"
	"OpenMCP-Solana/internal/llm/openai"
	"OpenMCP-Solana/internal/lookup"
	"OpenMCP-Solana/internal/observability/alerting"
	"OpenMCP-Solana/internal/storage/mysql"
	"OpenMCP-Solana/internal/tools"
	"OpenMCP-Solana/pkg/logger"
)

// runtime 汇总一次命令执行所需的共享组件。
type runtime struct {
	cfg       *config.Config
	db        *sql.DB
	chains    *provider.Registry
	client    chain.Client
	authority string
	lookup    *lookup.Service
	ledger    ledger.Store
	alerter   alerting.Dispatcher
	tools     *tools.Registry
	closers   []func() error
}

// newRuntime 构建链客户端、账本与工具注册表。readOnly 为 true 时不加载签名密钥，
// 只注册查询类工具。
func newRuntime(ctx context.Context, cfg *config.Config, readOnly bool) (*runtime, error) {
	rt := &runtime{cfg: cfg, alerter: alerting.FromConfig(cfg.Observability.WebhookURLs)}

	if cfg.UsesMySQL() {
		db, err := mysql.Open(ctx, mysql.ConfigFrom(cfg.Storage.MySQL))
		if err != nil {
			return nil, err
		}
		rt.db = db
		rt.closers = append(rt.closers, db.Close)
	}

	store, err := ledger.Open(cfg.Storage.Ledger, cfg.Runtime.DataDir, rt.db)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.ledger = store
	rt.closers = append(rt.closers, store.Close)

	chains, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		rt.Close()
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "初始化链客户端失败")
	}
	rt.chains = chains
	rt.closers = append(rt.closers, func() error { chains.Close(); return nil })

	client, err := chains.DefaultClient()
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.client = client
	rt.lookup = lookup.New(client)

	var issuer tools.Issuer
	if !readOnly {
		s, err := signer.Load(ctx, cfg.Signer)
		if err != nil {
			rt.Close()
			return nil, err
		}
		workflow, err := issuance.New(client, s,
			issuance.WithStepTimeout(time.Duration(cfg.Web3.StepTimeoutSeconds)*time.Second),
			issuance.WithObserver(ledger.NewObserver(store, rt.alerter)),
		)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.authority = workflow.Authority()
		issuer = workflow
		logger.L().Info("签名账户已加载",
			slog.String("authority", logger.Mask(rt.authority)),
			slog.String("network", chains.DefaultNetwork()),
		)
	}

	registry, err := tools.NewRegistry(tools.SolanaDefinitions(issuer, rt.lookup)...)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.tools = registry
	return rt, nil
}

// newAgent 组装对话记录、知识库与大模型客户端。
func (rt *runtime) newAgent() (*agent.Agent, error) {
	cfg := rt.cfg
	var memory mysql.ConversationRepository
	switch cfg.Storage.Memory.Driver {
	case "mysql":
		memory = mysql.NewSQLConversationRepository(rt.db)
	default:
		repo, err := mysql.NewFileConversationRepository(cfg.Runtime.DataDir)
		if err != nil {
			return nil, err
		}
		memory = repo
	}

	llmClient, err := newLLMClient(cfg.LLM)
	if err != nil {
		return nil, err
	}

	opts := []agent.Option{
		agent.WithMemoryDepth(cfg.Agent.MemoryDepth),
		agent.WithLLMTimeout(time.Duration(cfg.LLM.TimeoutSeconds) * time.Second),
	}
	if cfg.Knowledge.Source != "" {
		kb, err := knowledge.LoadStaticProvider(cfg.Knowledge.Source, cfg.Knowledge.MaxResults)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "加载知识库失败")
		}
		opts = append(opts, agent.WithKnowledgeProvider(kb))
	}
	if cfg.Agent.InstructionsFile != "" {
		content, err := os.ReadFile(cfg.Agent.InstructionsFile)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "读取智能体指令失败")
		}
		opts = append(opts, agent.WithInstructions(string(content)))
	}
	return agent.New(rt.tools, llmClient, memory, opts...), nil
}

// toolTimeout 是单次命令行工具调用的最长时间。
func (rt *runtime) toolTimeout() time.Duration {
	return time.Duration(rt.cfg.Agent.ToolTimeoutSecond) * time.Second
}

// Close 逆序释放资源。
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			logger.L().Warn("释放资源失败", slog.Any("error", err))
		}
	}
	rt.closers = nil
}

// newLLMClient 按 provider 创建客户端；none 返回 nil，此时仅支持直接工具调用。
func newLLMClient(cfg config.LLMConfig) (llm.Client, error) {
	name := strings.ToLower(cfg.Provider)
	if name == "none" || name == "" {
		return nil, nil
	}
	apiKey := strings.TrimSpace(os.Getenv(cfg.APIKeyEnv))
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "大模型 provider "+name+" 需要设置环境变量 "+cfg.APIKeyEnv)
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	switch name {
	case "openai":
		client, err := openai.NewClient(openai.Config{
			APIKey:    apiKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			Timeout:   timeout,
			MaxTokens: cfg.MaxTokens,
		})
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "初始化 OpenAI 客户端失败")
		}
		return client, nil
	case "anthropic":
		client, err := claude.NewClient(claude.Config{
			APIKey:    apiKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
			Timeout:   timeout,
		})
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "初始化 Anthropic 客户端失败")
		}
		return client, nil
	default:
		return nil, xerrors.New(xerrors.CodeConfiguration, "未知的大模型 provider: "+cfg.Provider)
	}
}
