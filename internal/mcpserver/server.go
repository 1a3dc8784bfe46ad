// Package mcpserver 通过 Model Context Protocol 暴露代币工具。
package mcpserver

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	xerrors "OpenMCP-Solana/internal/errors"
	"OpenMCP-Solana/internal/tools"
	"OpenMCP-Solana/pkg/logger"
)

const (
	defaultName = "solagent"
	// TransportStdio 通过标准输入输出通信。
	TransportStdio = "stdio"
	// TransportHTTP 使用 streamable HTTP。
	TransportHTTP = "http"
)

// ToolRunner 是 MCP 服务对工具注册表的依赖。
type ToolRunner interface {
	Definitions() []tools.Definition
	Invoke(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
}

// Server 包装 mcp-go 服务实例。
type Server struct {
	mcp    *server.MCPServer
	runner ToolRunner
	log    *slog.Logger
}

// New 为注册表中的每个工具注册一个 MCP 工具。
func New(runner ToolRunner, name, version string) (*Server, error) {
	if runner == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "MCP 服务缺少工具注册表")
	}
	if name == "" {
		name = defaultName
	}
	if version == "" {
		version = "dev"
	}
	s := &Server{
		mcp:    server.NewMCPServer(name, version, server.WithToolCapabilities(false), server.WithRecovery()),
		runner: runner,
		log:    logger.Named("mcp"),
	}
	for _, def := range runner.Definitions() {
		schema, err := json.Marshal(def.InputSchema)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, fmt.Sprintf("序列化工具 %s 的参数模式失败", def.Name))
		}
		tool := mcp.NewToolWithRawSchema(def.Name, def.Description, schema)
		s.mcp.AddTool(tool, s.handler(def.Name))
	}
	return s, nil
}

// MCP 返回底层 mcp-go 服务。
func (s *Server) MCP() *server.MCPServer {
	return s.mcp
}

// handler 把工具错误转换为 MCP 工具错误结果，而非协议错误。
func (s *Server) handler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := json.Marshal(req.GetRawArguments())
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		if string(args) == "null" {
			args = []byte("{}")
		}
		output, err := s.runner.Invoke(ctx, name, args)
		if err != nil {
			s.log.Warn("MCP 工具调用失败", append([]any{slog.String("tool", name)}, xerrors.LogAttrs(err)...)...)
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(output)), nil
	}
}

// ServeStdio 在标准输入输出上运行，直到输入关闭。
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// ServeHTTP 在 addr 上提供 streamable HTTP 端点，直到上下文取消。
func (s *Server) ServeHTTP(ctx context.Context, addr string) error {
	httpServer := server.NewStreamableHTTPServer(s.mcp)
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := httpServer.Start(addr); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.log.Info("MCP HTTP 服务已启动", slog.String("address", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
