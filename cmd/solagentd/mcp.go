package main

import (
	"github.com/spf13/cobra"

	"OpenMCP-Solana/internal/mcpserver"
)

func newMCPCmd(opts *rootOptions) *cobra.Command {
	var transport, address string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "以 MCP 服务的形式暴露代币工具",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := opts.cfg
			if transport == "" {
				transport = cfg.MCP.Transport
			}
			if address == "" {
				address = cfg.MCP.Address
			}

			rt, err := newRuntime(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			srv, err := mcpserver.New(rt.tools, cfg.Agent.Name, version)
			if err != nil {
				return err
			}
			if transport == mcpserver.TransportHTTP {
				return srv.ServeHTTP(cmd.Context(), address)
			}
			return srv.ServeStdio()
		},
	}
	cmd.Flags().StringVar(&transport, "transport", "", "stdio 或 http，默认取配置")
	cmd.Flags().StringVar(&address, "address", "", "http 传输的监听地址")
	return cmd
}
