// Package issuance implements token issuance as a two step protocol: create a
// Token-2022 mint carrying its own metadata, then mint the initial supply to
// the fee payer's associated token account. The second step is keyed by mint
// address so an operator can resume it after a failure.
package issuance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/blocto/solana-go-sdk/common"
	"github.com/blocto/solana-go-sdk/program/system"
	"github.com/blocto/solana-go-sdk/types"

	"OpenMCP-Solana/internal/chain"
	"OpenMCP-Solana/internal/chain/signer"
	"OpenMCP-Solana/internal/chain/token"
	xerrors "OpenMCP-Solana/internal/errors"
	"OpenMCP-Solana/pkg/logger"
)

// DefaultStepTimeout bounds one on-chain step including confirmation.
const DefaultStepTimeout = 90 * time.Second

// Result is the outcome of a complete issuance.
type Result struct {
	MintAddress     string `json:"mintAddress"`
	TokenAccount    string `json:"tokenAccount"`
	CreateSignature string `json:"createSignature"`
	SupplySignature string `json:"supplySignature"`
	Decimals        uint8  `json:"decimals"`
	BaseUnits       uint64 `json:"baseUnits"`
	Summary         string `json:"summary"`
}

// Creation is the outcome of step one.
type Creation struct {
	MintAddress string `json:"mintAddress"`
	Signature   string `json:"signature"`
	Decimals    uint8  `json:"decimals"`
}

// Supply is the outcome of step two.
type Supply struct {
	MintAddress  string `json:"mintAddress"`
	TokenAccount string `json:"tokenAccount"`
	Signature    string `json:"signature"`
	BaseUnits    uint64 `json:"baseUnits"`
	Summary      string `json:"summary"`
}

// Workflow orchestrates the signer and the chain client. It holds no per
// request state and is safe for concurrent use.
type Workflow struct {
	client      chain.Client
	signer      *signer.Signer
	stepTimeout time.Duration
	observer    Observer
	now         func() time.Time
	newMint     func() types.Account
	log         *slog.Logger
}

// Option customises the workflow.
type Option func(*Workflow)

// WithStepTimeout sets the deadline of each on-chain step.
func WithStepTimeout(d time.Duration) Option {
	return func(w *Workflow) {
		if d > 0 {
			w.stepTimeout = d
		}
	}
}

// WithObserver registers the receiver of issuance events.
func WithObserver(o Observer) Option {
	return func(w *Workflow) {
		w.observer = o
	}
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) {
		if now != nil {
			w.now = now
		}
	}
}

// WithMintGenerator overrides how mint identities are generated.
func WithMintGenerator(gen func() types.Account) Option {
	return func(w *Workflow) {
		if gen != nil {
			w.newMint = gen
		}
	}
}

// New builds a workflow. The signer is resolved by the caller once per process.
func New(client chain.Client, s *signer.Signer, opts ...Option) (*Workflow, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "issuance requires a chain client")
	}
	if s == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "issuance requires a signer")
	}
	w := &Workflow{
		client:      client,
		signer:      s,
		stepTimeout: DefaultStepTimeout,
		now:         time.Now,
		newMint:     types.NewAccount,
		log:         logger.Named("issuance"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w, nil
}

// Authority returns the fee payer and mint authority address.
func (w *Workflow) Authority() string {
	return w.signer.Address()
}

// Network returns the network the workflow submits to.
func (w *Workflow) Network() chain.Network {
	return w.client.Network()
}

// Issue runs both steps. Step two only starts after step one is confirmed.
func (w *Workflow) Issue(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, xerrors.Wrap(CodeValidation, err, "invalid token request")
	}
	req = req.normalized()
	decimals := req.DecimalsOrDefault()
	baseUnits, _ := req.InitialSupply.BaseUnits(decimals)

	creation, err := w.createMint(ctx, req)
	if err != nil {
		return nil, err
	}

	mint := common.PublicKeyFromString(creation.MintAddress)
	supply, err := w.mintSupply(ctx, mint, token.Token2022ProgramID, decimals, baseUnits)
	if err != nil {
		var step *StepError
		if errors.As(err, &step) {
			step.CreateSignature = creation.Signature
		}
		w.emit(ctx, Event{
			Stage: StageSupplyFailed, MintAddress: creation.MintAddress, TokenAccount: supplyAccount(step),
			Signature: supplySignature(step), Request: &req, Decimals: decimals, InitialSupply: req.InitialSupply,
			BaseUnits: baseUnits, Err: err,
		})
		w.log.Error("初始供应铸造失败，mint 已存在", append(xerrors.LogAttrs(err), "mint", creation.MintAddress)...)
		return nil, supplyFailure(step)
	}
	w.emit(ctx, Event{
		Stage: StageSupplied, MintAddress: creation.MintAddress, TokenAccount: supply.TokenAccount,
		Signature: supply.Signature, Request: &req, Decimals: decimals, InitialSupply: req.InitialSupply, BaseUnits: baseUnits,
	})

	network := w.client.Network()
	result := &Result{
		MintAddress:     creation.MintAddress,
		TokenAccount:    supply.TokenAccount,
		CreateSignature: creation.Signature,
		SupplySignature: supply.Signature,
		Decimals:        decimals,
		BaseUnits:       baseUnits,
	}
	result.Summary = fmt.Sprintf(
		"Successfully created token %q (%s) with %s initial supply. Mint address: %s. Token account: %s. Create transaction: %s. Mint transaction: %s",
		req.Name, req.Symbol, req.InitialSupply.String(), result.MintAddress, result.TokenAccount,
		txReference(network, result.CreateSignature), txReference(network, result.SupplySignature),
	)
	logger.Audit().Info("token issued",
		"network", network.Name,
		"mint", result.MintAddress,
		"token_account", result.TokenAccount,
		"base_units", baseUnits,
	)
	return result, nil
}

// CreateMint runs step one only.
func (w *Workflow) CreateMint(ctx context.Context, req Request) (*Creation, error) {
	if err := req.Validate(); err != nil {
		return nil, xerrors.Wrap(CodeValidation, err, "invalid token request")
	}
	return w.createMint(ctx, req.normalized())
}

// MintSupply runs step two against an existing mint. The mint's owning token
// program is read from chain; the mint is never created here.
func (w *Workflow) MintSupply(ctx context.Context, req SupplyRequest) (*Supply, error) {
	if err := req.Validate(); err != nil {
		return nil, xerrors.Wrap(CodeValidation, err, "invalid supply request")
	}
	baseUnits, _ := req.InitialSupply.BaseUnits(req.Decimals)
	mint, _ := chain.ParseAddress(req.MintAddress)

	accounts, err := w.client.GetAccounts(ctx, req.MintAddress)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 || accounts[0] == nil {
		return nil, xerrors.New(xerrors.CodeNotFound, "mint not found", xerrors.WithMetadata("mint_address", req.MintAddress))
	}
	program, err := chain.ParseAddress(accounts[0].Owner)
	if err != nil || !token.IsTokenProgram(program) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "account is not a token mint", xerrors.WithMetadata("mint_address", req.MintAddress))
	}
	if err := checkMintState(req, accounts[0].Data, baseUnits); err != nil {
		return nil, err
	}

	supply, err := w.mintSupply(ctx, mint, program, req.Decimals, baseUnits)
	event := Event{
		MintAddress: req.MintAddress, Decimals: req.Decimals, InitialSupply: req.InitialSupply, BaseUnits: baseUnits,
	}
	if err != nil {
		var step *StepError
		errors.As(err, &step)
		event.Stage, event.Err = StageSupplyFailed, err
		event.TokenAccount, event.Signature = supplyAccount(step), supplySignature(step)
		w.emit(ctx, event)
		return nil, supplyFailure(step)
	}
	event.Stage, event.TokenAccount, event.Signature = StageSupplied, supply.TokenAccount, supply.Signature
	w.emit(ctx, event)
	logger.Audit().Info("supply minted",
		"network", w.client.Network().Name,
		"mint", req.MintAddress,
		"token_account", supply.TokenAccount,
		"base_units", baseUnits,
	)
	supply.Summary = fmt.Sprintf("Minted %s tokens (%d base units) of mint %s to token account %s. Mint transaction: %s",
		req.InitialSupply.String(), baseUnits, req.MintAddress, supply.TokenAccount, txReference(w.client.Network(), supply.Signature))
	return supply, nil
}

// checkMintState 拒绝与链上 mint 不一致的续跑。确认超时的供应交易可能已经落地，
// 链上供应量达到请求数量时再次铸造会使供应翻倍。
func checkMintState(req SupplyRequest, data []byte, baseUnits uint64) error {
	state, err := token.DecodeMint(data)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "account is not a token mint", xerrors.WithMetadata("mint_address", req.MintAddress))
	}
	if state.Decimals != req.Decimals {
		return xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("mint %s has %d decimals, request uses %d", req.MintAddress, state.Decimals, req.Decimals),
			xerrors.WithMetadata("mint_address", req.MintAddress))
	}
	if baseUnits > 0 && state.Supply >= baseUnits {
		return xerrors.New(xerrors.CodeConflict,
			fmt.Sprintf("mint %s already has a supply of %d base units, requested %d", req.MintAddress, state.Supply, baseUnits),
			xerrors.WithMetadata("mint_address", req.MintAddress),
			xerrors.WithMetadata("current_supply", strconv.FormatUint(state.Supply, 10)))
	}
	return nil
}

func (w *Workflow) createMint(ctx context.Context, req Request) (*Creation, error) {
	stepCtx, cancel := context.WithTimeout(ctx, w.stepTimeout)
	defer cancel()

	decimals := req.DecimalsOrDefault()
	payer := w.signer.Account()
	mint := w.newMint()
	mintAddress := mint.PublicKey.ToBase58()
	fail := func(signature string, err error) (*Creation, error) {
		step := &StepError{Phase: PhaseCreate, MintAddress: mintAddress, Signature: signature, Err: err}
		w.emit(ctx, Event{Stage: StageCreateFailed, MintAddress: mintAddress, Signature: signature, Request: &req, Decimals: decimals, InitialSupply: req.InitialSupply, Err: err})
		w.log.Warn("创建 mint 失败", xerrors.LogAttrs(err)...)
		return nil, createFailure(step)
	}

	blockhash, err := w.client.LatestBlockhash(stepCtx)
	if err != nil {
		return fail("", err)
	}
	space := uint64(token.MintSizeWithMetadataPointer)
	lamports, err := w.client.MinimumBalanceForRentExemption(stepCtx, space+token.MetadataSize(req.Name, req.Symbol, req.URI))
	if err != nil {
		return fail("", err)
	}

	metadataIx, err := token.InitializeTokenMetadata(token.InitializeTokenMetadataParam{
		Program:         token.Token2022ProgramID,
		Metadata:        mint.PublicKey,
		UpdateAuthority: payer.PublicKey,
		Mint:            mint.PublicKey,
		MintAuthority:   payer.PublicKey,
		Name:            req.Name,
		Symbol:          req.Symbol,
		URI:             req.URI,
	})
	if err != nil {
		return fail("", err)
	}

	tx, err := types.NewTransaction(types.NewTransactionParam{
		Signers: []types.Account{payer, mint},
		Message: types.NewMessage(types.NewMessageParam{
			FeePayer:        payer.PublicKey,
			RecentBlockhash: blockhash,
			Instructions: []types.Instruction{
				system.CreateAccount(system.CreateAccountParam{
					From:     payer.PublicKey,
					New:      mint.PublicKey,
					Owner:    token.Token2022ProgramID,
					Lamports: lamports,
					Space:    space,
				}),
				token.InitializeMetadataPointer(token.InitializeMetadataPointerParam{
					Mint:            mint.PublicKey,
					Authority:       payer.PublicKey,
					MetadataAddress: mint.PublicKey,
				}),
				token.InitializeMint2(token.InitializeMint2Param{
					Program:    token.Token2022ProgramID,
					Mint:       mint.PublicKey,
					Decimals:   decimals,
					MintAuth:   payer.PublicKey,
					FreezeAuth: &payer.PublicKey,
				}),
				metadataIx,
			},
		}),
	})
	if err != nil {
		return fail("", fmt.Errorf("build creation transaction: %w", err))
	}

	signature, err := w.client.SendAndConfirm(stepCtx, tx)
	if err != nil {
		return fail(signature, err)
	}

	w.log.Info("mint 已创建", "mint", mintAddress, "signature", logger.Mask(signature), "decimals", decimals)
	w.emit(ctx, Event{Stage: StageCreated, MintAddress: mintAddress, Signature: signature, Request: &req, Decimals: decimals, InitialSupply: req.InitialSupply})
	return &Creation{MintAddress: mintAddress, Signature: signature, Decimals: decimals}, nil
}

func (w *Workflow) mintSupply(ctx context.Context, mint, program common.PublicKey, decimals uint8, baseUnits uint64) (*Supply, error) {
	stepCtx, cancel := context.WithTimeout(ctx, w.stepTimeout)
	defer cancel()

	payer := w.signer.Account()
	step := &StepError{Phase: PhaseSupply, MintAddress: mint.ToBase58()}

	// 第一步确认等待期间 blockhash 可能已过期，这里重新获取
	blockhash, err := w.client.LatestBlockhash(stepCtx)
	if err != nil {
		step.Err = err
		return nil, step
	}
	ata, err := token.AssociatedTokenAddress(payer.PublicKey, mint, program)
	if err != nil {
		step.Err = err
		return nil, step
	}
	step.TokenAccount = ata.ToBase58()

	tx, err := types.NewTransaction(types.NewTransactionParam{
		Signers: []types.Account{payer},
		Message: types.NewMessage(types.NewMessageParam{
			FeePayer:        payer.PublicKey,
			RecentBlockhash: blockhash,
			Instructions: []types.Instruction{
				token.CreateAssociatedTokenAccountIdempotent(token.CreateAssociatedTokenAccountIdempotentParam{
					Funder:                 payer.PublicKey,
					Owner:                  payer.PublicKey,
					Mint:                   mint,
					AssociatedTokenAccount: ata,
					Program:                program,
				}),
				token.MintToChecked(token.MintToCheckedParam{
					Program:  program,
					Mint:     mint,
					To:       ata,
					Auth:     payer.PublicKey,
					Amount:   baseUnits,
					Decimals: decimals,
				}),
			},
		}),
	})
	if err != nil {
		step.Err = fmt.Errorf("build supply transaction: %w", err)
		return nil, step
	}

	signature, err := w.client.SendAndConfirm(stepCtx, tx)
	if err != nil {
		step.Signature = signature
		step.Err = err
		return nil, step
	}
	w.log.Info("初始供应已铸造", "mint", step.MintAddress, "token_account", step.TokenAccount, "signature", logger.Mask(signature))
	return &Supply{MintAddress: step.MintAddress, TokenAccount: step.TokenAccount, Signature: signature, BaseUnits: baseUnits}, nil
}

func (w *Workflow) emit(ctx context.Context, event Event) {
	if w.observer == nil {
		return
	}
	event.Network = w.client.Network().Name
	event.At = w.now()
	w.observer.Observe(context.WithoutCancel(ctx), event)
}

func supplyAccount(step *StepError) string {
	if step == nil {
		return ""
	}
	return step.TokenAccount
}

func supplySignature(step *StepError) string {
	if step == nil {
		return ""
	}
	return step.Signature
}

func txReference(network chain.Network, signature string) string {
	if link := network.ExplorerTxURL(signature); link != "" {
		return link
	}
	return signature
}
