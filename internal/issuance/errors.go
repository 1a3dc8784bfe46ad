package issuance

import (
	"fmt"

	xerrors "OpenMCP-Solana/internal/errors"
)

const (
	// CodeValidation 表示发行请求在任何网络调用之前即被拒绝。
	CodeValidation xerrors.Code = "ISSUANCE_VALIDATION_FAILED"
	// CodeCreateFailed 表示第一步（创建 mint）失败，未执行第二步。
	CodeCreateFailed xerrors.Code = "ISSUANCE_CREATE_FAILED"
	// CodeSupplyFailed 表示 mint 已上链但初始供应铸造失败，需要人工续跑。
	CodeSupplyFailed xerrors.Code = "ISSUANCE_SUPPLY_FAILED"
)

// 发行相关错误全部不可重试：链上步骤绝不自动重放。
func init() {
	xerrors.Register(CodeValidation, xerrors.Attributes{
		Message:   "invalid token request",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeCreateFailed, xerrors.Attributes{
		Message:   "creation failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSupplyFailed, xerrors.Attributes{
		Message:   "mint succeeded, supply mint failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// Phase names the on-chain step of an issuance.
type Phase string

const (
	PhaseCreate Phase = "creation"
	PhaseSupply Phase = "supply"
)

// StepError carries the context of a failed on-chain step. It is always
// wrapped in a coded error; use errors.As to reach it.
type StepError struct {
	Phase           Phase
	MintAddress     string
	TokenAccount    string
	Signature       string
	CreateSignature string
	Err             error
}

func (e *StepError) Error() string {
	switch e.Phase {
	case PhaseSupply:
		return fmt.Sprintf("supply step for mint %s: %v", e.MintAddress, e.Err)
	default:
		return fmt.Sprintf("creation step: %v", e.Err)
	}
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func createFailure(step *StepError) error {
	opts := []xerrors.Option{xerrors.WithMetadata("phase", string(PhaseCreate))}
	if step.MintAddress != "" {
		opts = append(opts, xerrors.WithMetadata("candidate_mint_address", step.MintAddress))
	}
	if step.Signature != "" {
		opts = append(opts, xerrors.WithMetadata("signature", step.Signature))
	}
	return xerrors.Wrap(CodeCreateFailed, step, "creation failed", opts...)
}

func supplyFailure(step *StepError) error {
	opts := []xerrors.Option{
		xerrors.WithMetadata("phase", string(PhaseSupply)),
		xerrors.WithMetadata("mint_address", step.MintAddress),
	}
	if step.CreateSignature != "" {
		opts = append(opts, xerrors.WithMetadata("create_signature", step.CreateSignature))
	}
	if step.TokenAccount != "" {
		opts = append(opts, xerrors.WithMetadata("token_account", step.TokenAccount))
	}
	if step.Signature != "" {
		opts = append(opts, xerrors.WithMetadata("signature", step.Signature))
	}
	return xerrors.Wrap(CodeSupplyFailed, step, "mint succeeded, supply mint failed", opts...)
}
