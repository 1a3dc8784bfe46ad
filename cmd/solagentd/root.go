package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"OpenMCP-Solana/internal/config"
	xerrors "OpenMCP-Solana/internal/errors"
	"OpenMCP-Solana/pkg/logger"
)

type rootOptions struct {
	configPath string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "solagentd",
		Short:         "Solana Token-2022 issuance agent",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd.Name() != "serve")
		},
	}
	root.CompletionOptions.HiddenDefaultCmd = true
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath(), "配置文件路径")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newMCPCmd(opts))
	root.AddCommand(newTokenCmd(opts))
	root.AddCommand(newTxCmd(opts))
	root.AddCommand(newNetworksCmd(opts))
	return root
}

func defaultConfigPath() string {
	if path := os.Getenv("SOLAGENT_CONFIG"); path != "" {
		return path
	}
	path := filepath.Join("configs", "solagent.json")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// load 读取配置并初始化日志。quietStdout 为真时 stdout 留给命令输出与 MCP 协议，
// 日志改写到 stderr。
func (o *rootOptions) load(quietStdout bool) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeConfiguration, err, "加载配置失败")
	}
	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return xerrors.Wrap(xerrors.CodeConfiguration, err, "创建数据目录失败")
	}
	rotation := logger.RotationConfig{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	}
	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: logOutputs(cfg.Logging.Outputs, quietStdout),
		Rotation:    rotation,
		Audit: logger.AuditConfig{
			Enabled:  cfg.Logging.AuditEnabled,
			Path:     cfg.Logging.AuditPath,
			Rotation: rotation,
		},
	}); err != nil {
		return xerrors.Wrap(xerrors.CodeConfiguration, err, "初始化日志失败")
	}
	o.cfg = cfg
	return nil
}

func logOutputs(outputs []string, quietStdout bool) []string {
	if !quietStdout {
		return outputs
	}
	if len(outputs) == 0 {
		return []string{"stderr"}
	}
	out := make([]string, 0, len(outputs))
	for _, output := range outputs {
		if strings.EqualFold(output, "stdout") {
			output = "stderr"
		}
		out = append(out, output)
	}
	return out
}
