package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v9"
)

// EnvPrefix 是覆盖配置文件字段时使用的环境变量前缀。
const EnvPrefix = "SOLAGENT_"

// Config 描述 solagentd 启动阶段需要加载的全部配置。
type Config struct {
	Server        ServerConfig        `json:"server" envPrefix:"SERVER_"`
	Auth          AuthConfig          `json:"auth" envPrefix:"AUTH_"`
	Storage       StorageConfig       `json:"storage" envPrefix:"STORAGE_"`
	Queue         QueueConfig         `json:"queue" envPrefix:"QUEUE_"`
	LLM           LLMConfig           `json:"llm" envPrefix:"LLM_"`
	Web3          Web3Config          `json:"web3" envPrefix:"WEB3_"`
	Signer        SignerConfig        `json:"signer" envPrefix:"SIGNER_"`
	Agent         AgentConfig         `json:"agent" envPrefix:"AGENT_"`
	Knowledge     KnowledgeConfig     `json:"knowledge" envPrefix:"KNOWLEDGE_"`
	Logging       LoggingConfig       `json:"logging" envPrefix:"LOG_"`
	Observability ObservabilityConfig `json:"observability" envPrefix:"OBSERVABILITY_"`
	MCP           MCPConfig           `json:"mcp" envPrefix:"MCP_"`
	Runtime       RuntimeConfig       `json:"runtime" envPrefix:"RUNTIME_"`
}

// ServerConfig 控制 REST API 的监听参数。
type ServerConfig struct {
	Address                string `json:"address" env:"ADDRESS"`
	ReadTimeoutSeconds     int    `json:"read_timeout_seconds" env:"READ_TIMEOUT_SECONDS"`
	ShutdownTimeoutSeconds int    `json:"shutdown_timeout_seconds" env:"SHUTDOWN_TIMEOUT_SECONDS"`
}

// AuthConfig 配置 REST 接口的 API Key 认证，mode 为 disabled 或 api_key。
type AuthConfig struct {
	Mode string         `json:"mode" env:"MODE"`
	Keys []APIKeyConfig `json:"keys"`
}

// APIKeyConfig 描述一个调用方；只保存密钥的 SHA-256 十六进制摘要。
type APIKeyConfig struct {
	Name        string   `json:"name"`
	SHA256      string   `json:"sha256"`
	Permissions []string `json:"permissions"`
}

// StorageConfig 汇总各类持久化后端。
type StorageConfig struct {
	Memory    DriverConfig `json:"memory" envPrefix:"MEMORY_"`
	TaskStore DriverConfig `json:"task_store" envPrefix:"TASK_STORE_"`
	Ledger    DriverConfig `json:"ledger" envPrefix:"LEDGER_"`
	MySQL     MySQLConfig  `json:"mysql" envPrefix:"MYSQL_"`
}

// DriverConfig 选择存储驱动，可选 memory、mysql，账本额外支持 bolt。
type DriverConfig struct {
	Driver string `json:"driver" env:"DRIVER"`
	Path   string `json:"path" env:"PATH"`
}

// MySQLConfig 是所有 mysql 驱动共享的连接池配置。
type MySQLConfig struct {
	DSN                    string `json:"dsn" env:"DSN"`
	MaxOpenConns           int    `json:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns           int    `json:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" env:"CONN_MAX_LIFETIME_SECONDS"`
}

// QueueConfig 描述异步任务队列。
type QueueConfig struct {
	Driver     string `json:"driver" env:"DRIVER"`
	Workers    int    `json:"workers" env:"WORKERS"`
	Buffer     int    `json:"buffer" env:"BUFFER"`
	MaxRetries int    `json:"max_retries" env:"MAX_RETRIES"`
	RedisAddr  string `json:"redis_addr" env:"REDIS_ADDR"`
	RedisKey   string `json:"redis_key" env:"REDIS_KEY"`
	AMQPURL    string `json:"amqp_url" env:"AMQP_URL"`
	AMQPQueue  string `json:"amqp_queue" env:"AMQP_QUEUE"`
}

// LLMConfig 配置对话回复使用的大模型。
type LLMConfig struct {
	Provider       string `json:"provider" env:"PROVIDER"`
	Model          string `json:"model" env:"MODEL"`
	BaseURL        string `json:"base_url" env:"BASE_URL"`
	APIKeyEnv      string `json:"api_key_env" env:"API_KEY_ENV"`
	TimeoutSeconds int    `json:"timeout_seconds" env:"TIMEOUT_SECONDS"`
	MaxTokens      int    `json:"max_tokens" env:"MAX_TOKENS"`
}

// Web3Config 选择 Solana 网络以及链上步骤的等待策略。
type Web3Config struct {
	Network            string `json:"network" env:"NETWORK"`
	RPCURL             string `json:"rpc_url" env:"RPC_URL"`
	NetworksFile       string `json:"networks_file" env:"NETWORKS_FILE"`
	Commitment         string `json:"commitment" env:"COMMITMENT"`
	StepTimeoutSeconds int    `json:"step_timeout_seconds" env:"STEP_TIMEOUT_SECONDS"`
	PollIntervalMillis int    `json:"poll_interval_millis" env:"POLL_INTERVAL_MILLIS"`
}

// SignerConfig 只描述密钥来源，密钥本身不会出现在配置中。
type SignerConfig struct {
	Source     string `json:"source" env:"SOURCE"`
	EnvVar     string `json:"env_var" env:"ENV_VAR"`
	Path       string `json:"path" env:"PATH"`
	SecretName string `json:"secret_name" env:"SECRET_NAME"`
}

// AgentConfig 控制智能体外壳。
type AgentConfig struct {
	Name              string `json:"name" env:"NAME"`
	InstructionsFile  string `json:"instructions_file" env:"INSTRUCTIONS_FILE"`
	MemoryDepth       int    `json:"memory_depth" env:"MEMORY_DEPTH"`
	ToolTimeoutSecond int    `json:"tool_timeout_seconds" env:"TOOL_TIMEOUT_SECONDS"`
}

// KnowledgeConfig 指定静态知识库位置。
type KnowledgeConfig struct {
	Source     string `json:"source" env:"SOURCE"`
	MaxResults int    `json:"max_results" env:"MAX_RESULTS"`
}

// LoggingConfig 对应 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level        string   `json:"level" env:"LEVEL"`
	Format       string   `json:"format" env:"FORMAT"`
	Outputs      []string `json:"outputs" env:"OUTPUTS"`
	AuditEnabled bool     `json:"audit_enabled" env:"AUDIT_ENABLED"`
	AuditPath    string   `json:"audit_path" env:"AUDIT_PATH"`
	// 文件输出的滚动参数，零值使用 100MB、7 份、30 天。
	MaxSizeMB  int  `json:"max_size_mb" env:"MAX_SIZE_MB"`
	MaxBackups int  `json:"max_backups" env:"MAX_BACKUPS"`
	MaxAgeDays int  `json:"max_age_days" env:"MAX_AGE_DAYS"`
	Compress   bool `json:"compress" env:"COMPRESS"`
}

// ObservabilityConfig 配置指标端点和告警通道。
type ObservabilityConfig struct {
	MetricsAddress string   `json:"metrics_address" env:"METRICS_ADDRESS"`
	WebhookURLs    []string `json:"webhook_urls" env:"WEBHOOK_URLS"`
}

// MCPConfig 配置 MCP 服务。
type MCPConfig struct {
	Transport string `json:"transport" env:"TRANSPORT"`
	Address   string `json:"address" env:"ADDRESS"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" env:"DATA_DIR"`
}

// solanaEnv 兼容社区常用的无前缀变量名。
type solanaEnv struct {
	RPCURL string `env:"SOLANA_RPC_URL"`
}

// Load 解析 JSON 配置文件，path 为空时仅使用默认值与环境变量。
func Load(path string) (*Config, error) {
	var cfg Config
	baseDir := "."

	if strings.TrimSpace(path) != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("打开配置文件失败: %w", err)
		}
		defer file.Close()

		content, err := io.ReadAll(file)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
		baseDir = filepath.Dir(path)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("解析环境变量失败: %w", err)
	}
	var sol solanaEnv
	if err := env.Parse(&sol); err != nil {
		return fmt.Errorf("解析环境变量失败: %w", err)
	}
	if sol.RPCURL != "" && c.Web3.RPCURL == "" {
		c.Web3.RPCURL = sol.RPCURL
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 10
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 10
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	setDriver(&c.Storage.Memory, "memory")
	setDriver(&c.Storage.TaskStore, "memory")
	setDriver(&c.Storage.Ledger, "bolt")
	if c.Storage.Ledger.Driver == "bolt" && c.Storage.Ledger.Path == "" {
		c.Storage.Ledger.Path = filepath.Join(c.Runtime.DataDir, "ledger.db")
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 2
	}
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 64
	}
	if c.Queue.MaxRetries < 0 {
		c.Queue.MaxRetries = 0
	}
	if c.Queue.RedisKey == "" {
		c.Queue.RedisKey = "solagent:tasks"
	}
	if c.Queue.AMQPQueue == "" {
		c.Queue.AMQPQueue = "solagent.tasks"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "none"
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = 30
	}
	if c.LLM.MaxTokens <= 0 {
		c.LLM.MaxTokens = 1024
	}
	if c.LLM.APIKeyEnv == "" {
		switch strings.ToLower(c.LLM.Provider) {
		case "anthropic":
			c.LLM.APIKeyEnv = "ANTHROPIC_API_KEY"
		case "openai":
			c.LLM.APIKeyEnv = "OPENAI_API_KEY"
		}
	}

	if c.Web3.Network == "" {
		c.Web3.Network = "devnet"
	}
	if c.Web3.Commitment == "" {
		c.Web3.Commitment = "confirmed"
	}
	if c.Web3.StepTimeoutSeconds <= 0 {
		c.Web3.StepTimeoutSeconds = 90
	}
	if c.Web3.PollIntervalMillis <= 0 {
		c.Web3.PollIntervalMillis = 500
	}
	if c.Web3.NetworksFile != "" && !filepath.IsAbs(c.Web3.NetworksFile) {
		c.Web3.NetworksFile = filepath.Join(baseDir, c.Web3.NetworksFile)
	}

	if c.Signer.Source == "" {
		c.Signer.Source = "env"
	}
	if c.Signer.EnvVar == "" {
		c.Signer.EnvVar = "SOLANA_SECRET_KEY"
	}

	if c.Agent.Name == "" {
		c.Agent.Name = "Solana Agent"
	}
	if c.Agent.MemoryDepth <= 0 {
		c.Agent.MemoryDepth = 5
	}
	if c.Agent.ToolTimeoutSecond <= 0 {
		c.Agent.ToolTimeoutSecond = 240
	}
	if c.Agent.InstructionsFile != "" && !filepath.IsAbs(c.Agent.InstructionsFile) {
		c.Agent.InstructionsFile = filepath.Join(baseDir, c.Agent.InstructionsFile)
	}
	if c.Knowledge.Source != "" && !filepath.IsAbs(c.Knowledge.Source) {
		c.Knowledge.Source = filepath.Join(baseDir, c.Knowledge.Source)
	}
	if c.Knowledge.MaxResults <= 0 {
		c.Knowledge.MaxResults = 3
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.AuditEnabled && c.Logging.AuditPath == "" {
		c.Logging.AuditPath = filepath.Join(c.Runtime.DataDir, "audit.log")
	}

	if c.MCP.Transport == "" {
		c.MCP.Transport = "stdio"
	}
	if c.MCP.Address == "" {
		c.MCP.Address = ":8090"
	}
}

func setDriver(d *DriverConfig, fallback string) {
	d.Driver = strings.ToLower(strings.TrimSpace(d.Driver))
	if d.Driver == "" {
		d.Driver = fallback
	}
}

// Validate 检查驱动取值以及驱动所需的附加参数。
func (c *Config) Validate() error {
	var errs []error
	for name, d := range map[string]DriverConfig{"memory": c.Storage.Memory, "task_store": c.Storage.TaskStore} {
		if d.Driver != "memory" && d.Driver != "mysql" {
			errs = append(errs, fmt.Errorf("storage.%s.driver 不支持: %s", name, d.Driver))
		}
	}
	switch strings.ToLower(c.Auth.Mode) {
	case "disabled":
	case "api_key":
		if len(c.Auth.Keys) == 0 {
			errs = append(errs, errors.New("auth.mode=api_key 时必须配置 auth.keys"))
		}
	default:
		errs = append(errs, fmt.Errorf("auth.mode 不支持: %s", c.Auth.Mode))
	}
	switch c.Storage.Ledger.Driver {
	case "memory", "bolt", "mysql":
	default:
		errs = append(errs, fmt.Errorf("storage.ledger.driver 不支持: %s", c.Storage.Ledger.Driver))
	}
	if c.UsesMySQL() && strings.TrimSpace(c.Storage.MySQL.DSN) == "" {
		errs = append(errs, errors.New("使用 mysql 驱动时必须配置 storage.mysql.dsn"))
	}

	switch strings.ToLower(c.Queue.Driver) {
	case "memory":
	case "redis":
		if c.Queue.RedisAddr == "" {
			errs = append(errs, errors.New("redis 队列需要 queue.redis_addr"))
		}
	case "rabbitmq":
		if c.Queue.AMQPURL == "" {
			errs = append(errs, errors.New("rabbitmq 队列需要 queue.amqp_url"))
		}
	default:
		errs = append(errs, fmt.Errorf("queue.driver 不支持: %s", c.Queue.Driver))
	}

	switch strings.ToLower(c.LLM.Provider) {
	case "none", "openai", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("llm.provider 不支持: %s", c.LLM.Provider))
	}

	switch strings.ToLower(c.Signer.Source) {
	case "env":
	case "file":
		if c.Signer.Path == "" {
			errs = append(errs, errors.New("signer.source=file 时必须配置 signer.path"))
		}
	case "gcp_secret_manager":
		if c.Signer.SecretName == "" {
			errs = append(errs, errors.New("signer.source=gcp_secret_manager 时必须配置 signer.secret_name"))
		}
	default:
		errs = append(errs, fmt.Errorf("signer.source 不支持: %s", c.Signer.Source))
	}

	switch strings.ToLower(c.Web3.Commitment) {
	case "confirmed", "finalized":
	default:
		errs = append(errs, fmt.Errorf("web3.commitment 仅支持 confirmed 或 finalized: %s", c.Web3.Commitment))
	}

	switch strings.ToLower(c.MCP.Transport) {
	case "stdio", "http":
	default:
		errs = append(errs, fmt.Errorf("mcp.transport 不支持: %s", c.MCP.Transport))
	}
	return errors.Join(errs...)
}

// UsesMySQL 判断是否有任一存储选择了 mysql 驱动。
func (c *Config) UsesMySQL() bool {
	return c.Storage.Memory.Driver == "mysql" ||
		c.Storage.TaskStore.Driver == "mysql" ||
		c.Storage.Ledger.Driver == "mysql"
}
