// Package lookup implements the read-only chain queries exposed as tools:
// token balances, mint details and transaction status.
package lookup

import (
	"context"
	"fmt"
	"strconv"

	"github.com/blocto/solana-go-sdk/common"

	"OpenMCP-Solana/internal/chain"
	"OpenMCP-Solana/internal/chain/token"
	xerrors "OpenMCP-Solana/internal/errors"
)

const (
	// CodeMintNotFound 表示 mint 账户在链上不存在。
	CodeMintNotFound xerrors.Code = "MINT_NOT_FOUND"
	// CodeNotTokenMint 表示账户存在但不属于任何 token 程序。
	CodeNotTokenMint xerrors.Code = "NOT_TOKEN_MINT"
	// CodeTransactionNotFound 表示节点未找到该签名。
	CodeTransactionNotFound xerrors.Code = "TRANSACTION_NOT_FOUND"
)

// Sentinel errors for errors.Is; comparison is by code.
var (
	ErrMintNotFound        = xerrors.New(CodeMintNotFound, "mint not found")
	ErrNotTokenMint        = xerrors.New(CodeNotTokenMint, "account is not a token mint")
	ErrTransactionNotFound = xerrors.New(CodeTransactionNotFound, "transaction not found")
)

func init() {
	for _, code := range []xerrors.Code{CodeMintNotFound, CodeNotTokenMint, CodeTransactionNotFound} {
		xerrors.Register(code, xerrors.Attributes{
			Message:   "lookup target not found",
			Severity:  xerrors.SeverityInfo,
			Retryable: false,
			Alert:     false,
		})
	}
}

// BalanceQuery identifies a wallet's holding of one token.
type BalanceQuery struct {
	WalletAddress string `json:"walletAddress"`
	MintAddress   string `json:"mintAddress"`
}

// BalanceResult reports a wallet's balance. Balance is the raw integer amount.
type BalanceResult struct {
	Balance             string `json:"balance"`
	Decimals            uint8  `json:"decimals"`
	BalanceFormatted    string `json:"balanceFormatted"`
	WalletAddress       string `json:"walletAddress"`
	MintAddress         string `json:"mintAddress"`
	TokenAccountAddress string `json:"tokenAccountAddress"`
	TokenProgram        string `json:"tokenProgram"`
	Summary             string `json:"summary"`
}

// TokenInfo describes a mint and its embedded metadata when present.
type TokenInfo struct {
	MintAddress     string `json:"mintAddress"`
	Decimals        uint8  `json:"decimals"`
	Supply          string `json:"supply"`
	SupplyFormatted string `json:"supplyFormatted"`
	MintAuthority   string `json:"mintAuthority,omitempty"`
	FreezeAuthority string `json:"freezeAuthority,omitempty"`
	Name            string `json:"name,omitempty"`
	Symbol          string `json:"symbol,omitempty"`
	URI             string `json:"uri,omitempty"`
	TokenProgram    string `json:"tokenProgram"`
	Summary         string `json:"summary"`
}

// TransactionDetails is the status of a landed transaction.
type TransactionDetails struct {
	Signature string `json:"signature"`
	Slot      uint64 `json:"slot"`
	BlockTime *int64 `json:"blockTime,omitempty"`
	Fee       uint64 `json:"fee"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Summary   string `json:"summary"`
}

// Service answers lookups against one chain client.
type Service struct {
	client chain.Client
}

// New returns a lookup service.
func New(client chain.Client) *Service {
	return &Service{client: client}
}

// Balance reports the wallet's balance of the mint. A wallet without a token
// account holds zero; that is a result, not an error.
func (s *Service) Balance(ctx context.Context, q BalanceQuery) (*BalanceResult, error) {
	wallet, err := parseAddress("walletAddress", q.WalletAddress)
	if err != nil {
		return nil, err
	}
	mint, err := parseAddress("mintAddress", q.MintAddress)
	if err != nil {
		return nil, err
	}

	// 两种 token 程序下的 ATA 与 mint 一次批量读取，按 mint 的 owner 选择
	legacyATA, err := token.AssociatedTokenAddress(wallet, mint, token.TokenProgramID)
	if err != nil {
		return nil, err
	}
	extATA, err := token.AssociatedTokenAddress(wallet, mint, token.Token2022ProgramID)
	if err != nil {
		return nil, err
	}
	accounts, err := s.client.GetAccounts(ctx, q.MintAddress, legacyATA.ToBase58(), extATA.ToBase58())
	if err != nil {
		return nil, err
	}
	program, decoded, err := decodeMintAccount(q.MintAddress, accounts[0])
	if err != nil {
		return nil, err
	}

	ata, holding := legacyATA, accounts[1]
	if program == token.Token2022ProgramID {
		ata, holding = extATA, accounts[2]
	}
	result := &BalanceResult{
		Balance:             "0",
		Decimals:            decoded.Decimals,
		BalanceFormatted:    "0",
		WalletAddress:       q.WalletAddress,
		MintAddress:         q.MintAddress,
		TokenAccountAddress: ata.ToBase58(),
		TokenProgram:        token.ProgramName(program),
	}
	if holding == nil {
		result.Summary = fmt.Sprintf("No token account found for wallet %s and mint %s. Balance is 0.", q.WalletAddress, q.MintAddress)
		return result, nil
	}
	account, err := token.DecodeTokenAccount(holding.Data)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "token account cannot be decoded",
			xerrors.WithMetadata("token_account", result.TokenAccountAddress))
	}
	result.Balance = strconv.FormatUint(account.Amount, 10)
	result.BalanceFormatted = token.FormatAmount(account.Amount, decoded.Decimals)

	network := s.client.Network()
	result.Summary = fmt.Sprintf(
		"Token balance for wallet %s: %s tokens. Raw balance: %s (with %d decimals). Token mint: %s. Token account: %s.",
		q.WalletAddress, result.BalanceFormatted, result.Balance, result.Decimals, q.MintAddress, result.TokenAccountAddress,
	)
	if link := network.ExplorerAddressURL(result.TokenAccountAddress); link != "" {
		result.Summary += " View token account: " + link
	}
	return result, nil
}

// TokenInfo reads a mint and its Token-2022 metadata.
func (s *Service) TokenInfo(ctx context.Context, mintAddress string) (*TokenInfo, error) {
	if _, err := parseAddress("mintAddress", mintAddress); err != nil {
		return nil, err
	}
	accounts, err := s.client.GetAccounts(ctx, mintAddress)
	if err != nil {
		return nil, err
	}
	program, mint, err := decodeMintAccount(mintAddress, accounts[0])
	if err != nil {
		return nil, err
	}

	info := &TokenInfo{
		MintAddress:     mintAddress,
		Decimals:        mint.Decimals,
		Supply:          strconv.FormatUint(mint.Supply, 10),
		SupplyFormatted: token.FormatAmount(mint.Supply, mint.Decimals),
		MintAuthority:   keyString(mint.MintAuthority),
		FreezeAuthority: keyString(mint.FreezeAuthority),
		TokenProgram:    token.ProgramName(program),
	}
	if md := mint.Metadata; md != nil {
		info.Name, info.Symbol, info.URI = md.Name, md.Symbol, md.URI
	}

	label := "Token"
	if info.Name != "" {
		label = fmt.Sprintf("Token %q (%s)", info.Name, info.Symbol)
	}
	info.Summary = fmt.Sprintf("%s at mint %s has %d decimals and a supply of %s on %s.",
		label, mintAddress, info.Decimals, info.SupplyFormatted, info.TokenProgram)
	if info.MintAuthority == "" {
		info.Summary += " The mint authority is disabled."
	} else {
		info.Summary += " Mint authority: " + info.MintAuthority + "."
	}
	if info.URI != "" {
		info.Summary += " Metadata URI: " + info.URI
	}
	return info, nil
}

// Transaction reports the status of a transaction by signature.
func (s *Service) Transaction(ctx context.Context, signature string) (*TransactionDetails, error) {
	if !chain.ValidSignature(signature) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "signature must be a base58 encoded 64 byte value")
	}
	tx, err := s.client.GetTransaction(ctx, signature)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, xerrors.Wrap(CodeTransactionNotFound, ErrTransactionNotFound, "transaction not found",
			xerrors.WithMetadata("signature", signature))
	}

	details := &TransactionDetails{
		Signature: signature,
		Slot:      tx.Slot,
		BlockTime: tx.BlockTime,
		Fee:       tx.Fee,
		Status:    "success",
		Error:     tx.Err,
	}
	outcome := "succeeded"
	if !tx.Succeeded() {
		details.Status, outcome = "failed", "failed"
	}
	details.Summary = fmt.Sprintf("Transaction %s %s in slot %d with a fee of %d lamports.",
		signature, outcome, tx.Slot, tx.Fee)
	if details.Error != "" {
		details.Summary += " Error: " + details.Error + "."
	}
	if link := s.client.Network().ExplorerTxURL(signature); link != "" {
		details.Summary += " View transaction: " + link
	}
	return details, nil
}

func decodeMintAccount(address string, account *chain.Account) (common.PublicKey, *token.Mint, error) {
	if account == nil {
		return common.PublicKey{}, nil, xerrors.Wrap(CodeMintNotFound, ErrMintNotFound, "mint not found",
			xerrors.WithMetadata("mint_address", address))
	}
	program, err := chain.ParseAddress(account.Owner)
	if err != nil || !token.IsTokenProgram(program) {
		return common.PublicKey{}, nil, xerrors.Wrap(CodeNotTokenMint, ErrNotTokenMint, "account is not a token mint",
			xerrors.WithMetadata("mint_address", address), xerrors.WithMetadata("owner", account.Owner))
	}
	mint, err := token.DecodeMint(account.Data)
	if err != nil {
		return common.PublicKey{}, nil, xerrors.Wrap(CodeNotTokenMint, err, "account is not a token mint",
			xerrors.WithMetadata("mint_address", address))
	}
	return program, mint, nil
}

func parseAddress(field, value string) (common.PublicKey, error) {
	key, err := chain.ParseAddress(value)
	if err != nil {
		return common.PublicKey{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, field+" is not a valid address")
	}
	return key, nil
}

func keyString(key *common.PublicKey) string {
	if key == nil {
		return ""
	}
	return key.ToBase58()
}
