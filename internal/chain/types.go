package chain

import (
	"context"

	"github.com/blocto/solana-go-sdk/types"

	xerrors "OpenMCP-Solana/internal/errors"
)

const (
	// CodeTransactionFailed 表示交易被节点拒绝或在链上执行失败。
	CodeTransactionFailed xerrors.Code = "TRANSACTION_FAILED"
	// CodeConfirmationTimeout 表示交易已提交但在截止时间前未确认，链上状态未知。
	CodeConfirmationTimeout xerrors.Code = "CONFIRMATION_TIMEOUT"
)

func init() {
	xerrors.Register(CodeTransactionFailed, xerrors.Attributes{
		Message:   "transaction rejected",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeConfirmationTimeout, xerrors.Attributes{
		Message:   "transaction not confirmed before deadline",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// Account is the raw state of a single on-chain account.
type Account struct {
	Address    string
	Owner      string
	Lamports   uint64
	Data       []byte
	Executable bool
}

// TransactionInfo summarises a landed transaction.
type TransactionInfo struct {
	Signature   string
	Slot        uint64
	BlockTime   *int64
	Fee         uint64
	Err         string
	LogMessages []string
}

// Succeeded reports whether the transaction executed without error.
func (t TransactionInfo) Succeeded() bool {
	return t.Err == ""
}

// Client defines the capability the issuance workflow and the lookups rely on.
// Implementations must be safe for concurrent use.
type Client interface {
	Network() Network
	LatestBlockhash(ctx context.Context) (string, error)
	MinimumBalanceForRentExemption(ctx context.Context, size uint64) (uint64, error)
	// SendAndConfirm submits a signed transaction and blocks until it reaches
	// the configured commitment or ctx expires.
	SendAndConfirm(ctx context.Context, tx types.Transaction) (string, error)
	// GetAccounts reads several accounts in one round trip. Missing accounts
	// are returned as nil entries at the matching index.
	GetAccounts(ctx context.Context, addresses ...string) ([]*Account, error)
	// GetTransaction returns nil without error when the signature is unknown.
	GetTransaction(ctx context.Context, signature string) (*TransactionInfo, error)
	Close()
}
