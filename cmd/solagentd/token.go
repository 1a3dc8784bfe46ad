package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"OpenMCP-Solana/internal/chain"
	xerrors "OpenMCP-Solana/internal/errors"
	"OpenMCP-Solana/internal/tools"
)

func newTokenCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "代币发行与查询",
	}
	cmd.AddCommand(newTokenCreateCmd(opts))
	cmd.AddCommand(newTokenBalanceCmd(opts))
	cmd.AddCommand(newTokenInfoCmd(opts))
	cmd.AddCommand(newTokenResumeCmd(opts))
	return cmd
}

func newTokenCreateCmd(opts *rootOptions) *cobra.Command {
	var (
		name, symbol, uri, supply string
		decimals                  uint8
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "创建 Token-2022 代币并铸造初始供应",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			args := map[string]any{
				"name":          name,
				"symbol":        symbol,
				"uri":           uri,
				"initialSupply": json.Number(supply),
			}
			if cmd.Flags().Changed("decimals") {
				args["decimals"] = decimals
			}
			return invokeTool(cmd, opts, false, tools.CreateToken, args)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "代币名称")
	cmd.Flags().StringVar(&symbol, "symbol", "", "代币符号")
	cmd.Flags().StringVar(&uri, "uri", "", "链下元数据 URI")
	cmd.Flags().StringVar(&supply, "supply", "", "以整币计的初始供应量")
	cmd.Flags().Uint8Var(&decimals, "decimals", 6, "小数位数")
	for _, flag := range []string{"name", "symbol", "uri", "supply"} {
		_ = cmd.MarkFlagRequired(flag)
	}
	return cmd
}

func newTokenBalanceCmd(opts *rootOptions) *cobra.Command {
	var wallet, mint string
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "查询钱包持有的代币余额",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return invokeTool(cmd, opts, true, tools.TokenBalance, map[string]any{
				"walletAddress": wallet,
				"mintAddress":   mint,
			})
		},
	}
	cmd.Flags().StringVar(&wallet, "wallet", "", "钱包地址")
	cmd.Flags().StringVar(&mint, "mint", "", "mint 地址")
	_ = cmd.MarkFlagRequired("wallet")
	_ = cmd.MarkFlagRequired("mint")
	return cmd
}

func newTokenInfoCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info <mint>",
		Short: "查询 mint 的精度、供应量与元数据",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return invokeTool(cmd, opts, true, tools.TokenInfo, map[string]any{"mintAddress": args[0]})
		},
	}
}

func newTokenResumeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <mint>",
		Short: "对供应铸造失败的发行重新执行第二步",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), opts.cfg, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			record, err := rt.ledger.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), rt.toolTimeout())
			defer cancel()
			supplyArgs, err := record.ResumeArguments(ctx, rt.lookup)
			if err != nil {
				return err
			}
			output, err := rt.tools.Invoke(ctx, tools.MintSupply, supplyArgs)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), output)
		},
	}
}

func newTxCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tx <signature>",
		Short: "查询交易详情",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return invokeTool(cmd, opts, true, tools.TransactionDetails, map[string]any{"signature": args[0]})
		},
	}
}

func newNetworksCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "networks",
		Short: "列出可用的 Solana 网络",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			defs, err := chain.LoadNetworkDefinitions(opts.cfg.Web3.NetworksFile)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tRPC\tDESCRIPTION")
			for _, name := range defs.Names() {
				network := defs.Networks[name]
				marker := ""
				if name == opts.cfg.Web3.Network {
					marker = " *"
				}
				fmt.Fprintf(w, "%s%s\t%s\t%s\n", name, marker, network.RPCURL, network.Description)
			}
			return w.Flush()
		},
	}
}

// invokeTool 构建运行时并同步调用单个工具，输出格式化后的 JSON。
func invokeTool(cmd *cobra.Command, opts *rootOptions, readOnly bool, name string, args map[string]any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "参数编码失败")
	}
	rt, err := newRuntime(cmd.Context(), opts.cfg, readOnly)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), rt.toolTimeout())
	defer cancel()
	output, err := rt.tools.Invoke(ctx, name, raw)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), output)
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, err = w.Write(append(raw, '\n'))
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}
