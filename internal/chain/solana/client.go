package solana

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/blocto/solana-go-sdk/client"
	"github.com/blocto/solana-go-sdk/rpc"
	"github.com/blocto/solana-go-sdk/types"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/tidwall/gjson"

	"OpenMCP-Solana/internal/chain"
	xerrors "OpenMCP-Solana/internal/errors"
	"OpenMCP-Solana/pkg/logger"
)

// Config describes how to construct a Solana client for one network.
type Config struct {
	Network      chain.Network
	Commitment   string
	PollInterval time.Duration
}

// Client implements chain.Client on top of solana-go-sdk for writes and a
// JSON-RPC batch client for reads.
type Client struct {
	network      chain.Network
	commitment   string
	pollInterval time.Duration
	sdk          *client.Client
	rpcClient    *gethrpc.Client
}

// NewClient prepares the RPC clients. No request is sent until first use.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.Network.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未配置 Solana RPC 地址")
	}
	batchURL := strings.TrimSpace(cfg.Network.BatchRPCURL)
	if batchURL == "" {
		batchURL = rpcURL
	}
	rpcClient, err := gethrpc.DialContext(ctx, batchURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "连接 Solana 节点失败")
	}

	commitment := strings.ToLower(strings.TrimSpace(cfg.Commitment))
	if commitment == "" {
		commitment = "confirmed"
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	return &Client{
		network:      cfg.Network,
		commitment:   commitment,
		pollInterval: poll,
		sdk:          client.NewClient(rpcURL),
		rpcClient:    rpcClient,
	}, nil
}

// Network implements chain.Client.
func (c *Client) Network() chain.Network {
	return c.network
}

// LatestBlockhash implements chain.Client.
func (c *Client) LatestBlockhash(ctx context.Context) (string, error) {
	latest, err := c.sdk.GetLatestBlockhashWithConfig(ctx, client.GetLatestBlockhashConfig{
		Commitment: rpc.Commitment(c.commitment),
	})
	if err != nil {
		return "", unavailable(err, "getLatestBlockhash")
	}
	return latest.Blockhash, nil
}

// MinimumBalanceForRentExemption implements chain.Client.
func (c *Client) MinimumBalanceForRentExemption(ctx context.Context, size uint64) (uint64, error) {
	lamports, err := c.sdk.GetMinimumBalanceForRentExemption(ctx, size)
	if err != nil {
		return 0, unavailable(err, "getMinimumBalanceForRentExemption")
	}
	return lamports, nil
}

// SendAndConfirm implements chain.Client. Preflight simulates at the same
// commitment the blockhash was fetched with.
func (c *Client) SendAndConfirm(ctx context.Context, tx types.Transaction) (string, error) {
	signature, err := c.sdk.SendTransactionWithConfig(ctx, tx, client.SendTransactionConfig{
		PreflightCommitment: rpc.Commitment(c.commitment),
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", xerrors.Wrap(xerrors.CodeTimeout, err, "提交交易超时")
		}
		return "", xerrors.Wrap(chain.CodeTransactionFailed, err, "提交交易失败")
	}
	logger.L().Debug("交易已提交，等待确认",
		"network", c.network.Name,
		"signature", logger.Mask(signature),
		"commitment", c.commitment,
	)
	if err := c.awaitConfirmation(ctx, signature); err != nil {
		return signature, err
	}
	return signature, nil
}

// awaitConfirmation polls getSignatureStatuses until the signature reaches the
// configured commitment, fails on chain, or ctx expires.
func (c *Client) awaitConfirmation(ctx context.Context, signature string) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		var raw json.RawMessage
		err := c.rpcClient.CallContext(ctx, &raw, "getSignatureStatuses", []string{signature}, map[string]any{"searchTransactionHistory": false})
		if err == nil {
			status := gjson.GetBytes(raw, "value.0")
			if status.Exists() && status.Type != gjson.Null {
				if txErr := status.Get("err"); txErr.Exists() && txErr.Type != gjson.Null {
					return xerrors.New(chain.CodeTransactionFailed, "交易执行失败: "+txErr.Raw,
						xerrors.WithMetadata("signature", signature))
				}
				if reached(status.Get("confirmationStatus").String(), c.commitment) {
					return nil
				}
			}
		} else if ctx.Err() == nil {
			logger.L().Warn("查询交易状态失败，继续等待", "signature", logger.Mask(signature), "error", err)
		}

		select {
		case <-ctx.Done():
			return xerrors.Wrap(chain.CodeConfirmationTimeout, ctx.Err(), "等待交易确认超时",
				xerrors.WithMetadata("signature", signature))
		case <-ticker.C:
		}
	}
}

func reached(status, want string) bool {
	switch want {
	case "finalized":
		return status == "finalized"
	default:
		return status == "confirmed" || status == "finalized"
	}
}

// GetAccounts implements chain.Client with a single JSON-RPC batch.
func (c *Client) GetAccounts(ctx context.Context, addresses ...string) ([]*chain.Account, error) {
	if len(addresses) == 0 {
		return nil, nil
	}
	results := make([]json.RawMessage, len(addresses))
	elems := make([]gethrpc.BatchElem, len(addresses))
	for i, addr := range addresses {
		elems[i] = gethrpc.BatchElem{
			Method: "getAccountInfo",
			Args:   []any{addr, map[string]any{"encoding": "base64", "commitment": c.commitment}},
			Result: &results[i],
		}
	}
	if err := c.rpcClient.BatchCallContext(ctx, elems); err != nil {
		return nil, unavailable(err, "getAccountInfo")
	}

	accounts := make([]*chain.Account, len(addresses))
	for i := range elems {
		if elems[i].Error != nil {
			return nil, unavailable(elems[i].Error, "getAccountInfo")
		}
		account, err := decodeAccount(addresses[i], results[i])
		if err != nil {
			return nil, err
		}
		accounts[i] = account
	}
	return accounts, nil
}

func decodeAccount(address string, raw json.RawMessage) (*chain.Account, error) {
	value := gjson.GetBytes(raw, "value")
	if !value.Exists() || value.Type == gjson.Null {
		return nil, nil
	}
	encoded := value.Get("data.0").String()
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnavailable, err, "解析账户数据失败", xerrors.WithMetadata("address", address))
	}
	return &chain.Account{
		Address:    address,
		Owner:      value.Get("owner").String(),
		Lamports:   value.Get("lamports").Uint(),
		Data:       data,
		Executable: value.Get("executable").Bool(),
	}, nil
}

// GetTransaction implements chain.Client.
func (c *Client) GetTransaction(ctx context.Context, signature string) (*chain.TransactionInfo, error) {
	var raw json.RawMessage
	err := c.rpcClient.CallContext(ctx, &raw, "getTransaction", signature, map[string]any{
		"encoding":                       "json",
		"commitment":                     c.commitment,
		"maxSupportedTransactionVersion": 0,
	})
	if err != nil {
		return nil, unavailable(err, "getTransaction")
	}
	parsed := gjson.ParseBytes(raw)
	if len(raw) == 0 || parsed.Type == gjson.Null {
		return nil, nil
	}

	info := &chain.TransactionInfo{
		Signature: signature,
		Slot:      parsed.Get("slot").Uint(),
		Fee:       parsed.Get("meta.fee").Uint(),
	}
	if bt := parsed.Get("blockTime"); bt.Exists() && bt.Type != gjson.Null {
		v := bt.Int()
		info.BlockTime = &v
	}
	if txErr := parsed.Get("meta.err"); txErr.Exists() && txErr.Type != gjson.Null {
		info.Err = txErr.Raw
	}
	for _, line := range parsed.Get("meta.logMessages").Array() {
		info.LogMessages = append(info.LogMessages, line.String())
	}
	return info, nil
}

// Close releases the JSON-RPC client.
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

func unavailable(err error, method string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, fmt.Sprintf("%s 超时", method))
	}
	return xerrors.Wrap(xerrors.CodeUnavailable, err, fmt.Sprintf("%s 调用失败", method))
}
