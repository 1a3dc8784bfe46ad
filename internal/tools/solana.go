package tools

import (
	"context"
	"encoding/json"
	"strings"

	"OpenMCP-Solana/internal/chain"
	xerrors "OpenMCP-Solana/internal/errors"
	"OpenMCP-Solana/internal/issuance"
	"OpenMCP-Solana/internal/lookup"
)

// Tool names.
const (
	CreateToken        = "create-token"
	TokenBalance       = "token-balance"
	MintSupply         = "mint-supply"
	TokenInfo          = "token-info"
	TransactionDetails = "transaction-details"
)

// Issuer is the write side used by the issuance tools.
type Issuer interface {
	Issue(ctx context.Context, req issuance.Request) (*issuance.Result, error)
	MintSupply(ctx context.Context, req issuance.SupplyRequest) (*issuance.Supply, error)
}

// Reader is the read side used by the lookup tools.
type Reader interface {
	Balance(ctx context.Context, q lookup.BalanceQuery) (*lookup.BalanceResult, error)
	TokenInfo(ctx context.Context, mint string) (*lookup.TokenInfo, error)
	Transaction(ctx context.Context, signature string) (*lookup.TransactionDetails, error)
}

// CreateTokenInput is the argument object of create-token.
type CreateTokenInput struct {
	Name          string      `json:"name" jsonschema_description:"The display name of the token (at most 32 characters)."`
	Symbol        string      `json:"symbol" jsonschema_description:"The token symbol, typically 3-8 characters (at most 10)."`
	Decimals      *uint8      `json:"decimals,omitempty" jsonschema:"minimum=0,maximum=9,default=6" jsonschema_description:"Number of decimal places."`
	URI           string      `json:"uri" jsonschema_description:"Absolute URI of the off-chain metadata JSON."`
	InitialSupply json.Number `json:"initialSupply" jsonschema_description:"Initial supply in whole tokens; fractions are allowed when they fit the decimals."`
}

// CreateTokenOutput is the result of create-token.
type CreateTokenOutput struct {
	MintAddress  string `json:"mintAddress"`
	TokenAccount string `json:"tokenAccount"`
	Summary      string `json:"summary"`
}

// MintSupplyInput is the argument object of mint-supply.
type MintSupplyInput struct {
	MintAddress   string      `json:"mintAddress" jsonschema_description:"Address of an existing mint whose authority is this agent's signer."`
	Decimals      uint8       `json:"decimals" jsonschema:"minimum=0,maximum=9" jsonschema_description:"Decimals of the mint."`
	InitialSupply json.Number `json:"initialSupply" jsonschema_description:"Amount in whole tokens to mint to the signer's token account."`
}

// MintSupplyOutput is the result of mint-supply.
type MintSupplyOutput struct {
	MintAddress  string `json:"mintAddress"`
	TokenAccount string `json:"tokenAccount"`
	Signature    string `json:"signature"`
	Summary      string `json:"summary"`
}

// TokenBalanceInput is the argument object of token-balance.
type TokenBalanceInput struct {
	WalletAddress string `json:"walletAddress" jsonschema_description:"The wallet address to check balance for."`
	MintAddress   string `json:"mintAddress" jsonschema_description:"The token mint address."`
}

// TokenInfoInput is the argument object of token-info.
type TokenInfoInput struct {
	MintAddress string `json:"mintAddress" jsonschema_description:"The token mint address."`
}

// TransactionInput is the argument object of transaction-details.
type TransactionInput struct {
	Signature string `json:"signature" jsonschema_description:"The transaction signature to look up."`
}

// SolanaDefinitions returns the token tools. A nil issuer leaves out the
// tools that sign transactions.
func SolanaDefinitions(issuer Issuer, reader Reader) []Definition {
	defs := []Definition{
		{
			Name:        TokenBalance,
			Description: "Get the token balance for a specific wallet address and token mint.",
			ErrorPrefix: "Failed to get token balance: ",
			InputSchema: Schema[TokenBalanceInput](),
			Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
				var in TokenBalanceInput
				if err := decodeArgs(args, &in); err != nil {
					return nil, err
				}
				if err := requireAddresses("walletAddress", in.WalletAddress, "mintAddress", in.MintAddress); err != nil {
					return nil, err
				}
				return reader.Balance(ctx, lookup.BalanceQuery{WalletAddress: in.WalletAddress, MintAddress: in.MintAddress})
			},
		},
		{
			Name:        TokenInfo,
			Description: "Get the decimals, supply, authorities and embedded metadata of a token mint.",
			ErrorPrefix: "Failed to get token info: ",
			InputSchema: Schema[TokenInfoInput](),
			Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
				var in TokenInfoInput
				if err := decodeArgs(args, &in); err != nil {
					return nil, err
				}
				if err := requireAddresses("mintAddress", in.MintAddress); err != nil {
					return nil, err
				}
				return reader.TokenInfo(ctx, in.MintAddress)
			},
		},
		{
			Name:        TransactionDetails,
			Description: "Get the slot, block time, fee and status of a transaction by its signature.",
			ErrorPrefix: "Failed to get transaction: ",
			InputSchema: Schema[TransactionInput](),
			Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
				var in TransactionInput
				if err := decodeArgs(args, &in); err != nil {
					return nil, err
				}
				if !chain.ValidSignature(strings.TrimSpace(in.Signature)) {
					return nil, xerrors.New(CodeArgumentsInvalid, "signature must be a base58 encoded 64 byte value")
				}
				return reader.Transaction(ctx, strings.TrimSpace(in.Signature))
			},
		},
	}
	if issuer == nil {
		return defs
	}
	return append(defs,
		Definition{
			Name:        CreateToken,
			Description: "Create a new token on the Solana blockchain using Token 2022 and mint its initial supply to the agent's wallet.",
			ErrorPrefix: "Failed to create token: ",
			InputSchema: Schema[CreateTokenInput](),
			Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
				var in CreateTokenInput
				if err := decodeArgs(args, &in); err != nil {
					return nil, err
				}
				supply, err := parseSupply(in.InitialSupply)
				if err != nil {
					return nil, err
				}
				req := issuance.Request{Name: in.Name, Symbol: in.Symbol, Decimals: in.Decimals, URI: in.URI, InitialSupply: supply}
				if err := req.Validate(); err != nil {
					return nil, xerrors.Wrap(issuance.CodeValidation, err, "invalid token request")
				}
				res, err := issuer.Issue(ctx, req)
				if err != nil {
					return nil, err
				}
				return CreateTokenOutput{MintAddress: res.MintAddress, TokenAccount: res.TokenAccount, Summary: res.Summary}, nil
			},
		},
		Definition{
			Name:        MintSupply,
			Description: "Mint supply of an existing mint to the agent's wallet. Used to finish an issuance whose supply step failed.",
			ErrorPrefix: "Failed to mint supply: ",
			InputSchema: Schema[MintSupplyInput](),
			Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
				var in MintSupplyInput
				if err := decodeArgs(args, &in); err != nil {
					return nil, err
				}
				supply, err := parseSupply(in.InitialSupply)
				if err != nil {
					return nil, err
				}
				req := issuance.SupplyRequest{MintAddress: strings.TrimSpace(in.MintAddress), Decimals: in.Decimals, InitialSupply: supply}
				if err := req.Validate(); err != nil {
					return nil, xerrors.Wrap(issuance.CodeValidation, err, "invalid supply request")
				}
				res, err := issuer.MintSupply(ctx, req)
				if err != nil {
					return nil, err
				}
				return MintSupplyOutput{MintAddress: res.MintAddress, TokenAccount: res.TokenAccount, Signature: res.Signature, Summary: res.Summary}, nil
			},
		},
	)
}

func parseSupply(n json.Number) (issuance.Amount, error) {
	if n == "" {
		return issuance.Amount{}, xerrors.New(CodeArgumentsInvalid, "initialSupply is required")
	}
	amount, err := issuance.ParseAmount(n.String())
	if err != nil {
		return issuance.Amount{}, xerrors.Wrap(CodeArgumentsInvalid, err, "invalid initialSupply")
	}
	return amount, nil
}

func requireAddresses(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if _, err := chain.ParseAddress(pairs[i+1]); err != nil {
			return xerrors.Wrap(CodeArgumentsInvalid, err, pairs[i]+" is not a valid address")
		}
	}
	return nil
}
