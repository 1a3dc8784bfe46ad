// Package ledger records the phase of every token issuance so a mint whose
// supply step failed can be found and resumed later.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"OpenMCP-Solana/internal/config"
	xerrors "OpenMCP-Solana/internal/errors"
	"OpenMCP-Solana/internal/issuance"
	"OpenMCP-Solana/internal/lookup"
)

// Phase 表示发行在两步流程中到达的位置。
type Phase string

const (
	PhaseCreateFailed Phase = Phase(issuance.StageCreateFailed)
	PhaseCreated      Phase = Phase(issuance.StageCreated)
	PhaseSupplied     Phase = Phase(issuance.StageSupplied)
	PhaseSupplyFailed Phase = Phase(issuance.StageSupplyFailed)
)

// Record 是一次发行在账本中的快照，以 mint 地址为主键。
type Record struct {
	MintAddress     string `json:"mintAddress"`
	Network         string `json:"network"`
	Name            string `json:"name,omitempty"`
	Symbol          string `json:"symbol,omitempty"`
	URI             string `json:"uri,omitempty"`
	Decimals        uint8  `json:"decimals"`
	InitialSupply   string `json:"initialSupply,omitempty"`
	BaseUnits       uint64 `json:"baseUnits"`
	TokenAccount    string `json:"tokenAccount,omitempty"`
	Phase           Phase  `json:"phase"`
	CreateSignature string `json:"createSignature,omitempty"`
	SupplySignature string `json:"supplySignature,omitempty"`
	LastError       string `json:"lastError,omitempty"`
	CreatedAt       int64  `json:"createdAt"`
	UpdatedAt       int64  `json:"updatedAt"`
}

// Resumable 判断是否可以对该 mint 续跑第二步。
func (r Record) Resumable() bool {
	return r.Phase == PhaseSupplyFailed || r.Phase == PhaseCreated
}

// ListOptions 过滤账本查询。
type ListOptions struct {
	Limit int
	Phase Phase
}

// Store 持久化发行记录。Put 以 mint 地址覆盖写入。
type Store interface {
	Put(ctx context.Context, record Record) error
	Get(ctx context.Context, mintAddress string) (*Record, error)
	List(ctx context.Context, opts ListOptions) ([]Record, error)
	Close() error
}

// ErrRecordNotFound 表示账本中没有该 mint。
var ErrRecordNotFound = xerrors.New(xerrors.CodeNotFound, "issuance record not found")

// Open 根据驱动构造账本：memory（数据目录下的 JSON 行文件）、bolt 或 mysql。
// mysql 驱动复用调用方提供的连接池。
func Open(cfg config.DriverConfig, dataDir string, db *sql.DB) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory", "file":
		dir := cfg.Path
		if dir == "" {
			dir = dataDir
		}
		return NewFileStore(dir)
	case "bolt", "bbolt":
		path := cfg.Path
		if path == "" {
			path = filepath.Join(dataDir, "issuances.db")
		}
		return NewBoltStore(path)
	case "mysql":
		if db == nil {
			return nil, xerrors.New(xerrors.CodeConfiguration, "mysql 账本需要 storage.mysql.dsn")
		}
		return NewSQLStore(db), nil
	default:
		return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("不支持的账本驱动 %q", cfg.Driver))
	}
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 200 {
		return 200
	}
	return limit
}

// selectRecords 按更新时间倒序过滤并截断。
func selectRecords(records []Record, opts ListOptions) []Record {
	out := make([]Record, 0, len(records))
	for _, record := range records {
		if opts.Phase != "" && record.Phase != opts.Phase {
			continue
		}
		out = append(out, record)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt == out[j].UpdatedAt {
			return out[i].MintAddress < out[j].MintAddress
		}
		return out[i].UpdatedAt > out[j].UpdatedAt
	})
	if limit := normalizeLimit(opts.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out
}

// SupplyArguments 构造续跑第二步所需的 mint-supply 工具参数。
func (r Record) SupplyArguments() (json.RawMessage, error) {
	if !r.Resumable() {
		return nil, xerrors.New(xerrors.CodeConflict, fmt.Sprintf("mint %s is in phase %s and cannot be resumed", r.MintAddress, r.Phase),
			xerrors.WithMetadata("mint_address", r.MintAddress))
	}
	if r.InitialSupply == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "record has no initial supply", xerrors.WithMetadata("mint_address", r.MintAddress))
	}
	return json.Marshal(map[string]any{
		"mintAddress":   r.MintAddress,
		"decimals":      r.Decimals,
		"initialSupply": json.Number(r.InitialSupply),
	})
}

// TransactionFinder 查询已提交交易的链上结果，由 lookup.Service 实现。
type TransactionFinder interface {
	Transaction(ctx context.Context, signature string) (*lookup.TransactionDetails, error)
}

// ResumeArguments 在 SupplyArguments 之前确认上一次的供应交易没有落地。
// 确认超时的交易可能已经执行，此时续跑会重复铸造，因此签名存在时必须先查链：
// 查不到或执行失败才允许续跑，查询本身出错则拒绝。
func (r Record) ResumeArguments(ctx context.Context, finder TransactionFinder) (json.RawMessage, error) {
	if r.SupplySignature != "" {
		if finder == nil {
			return nil, xerrors.New(xerrors.CodeConfiguration, "续跑需要交易查询能力")
		}
		tx, err := finder.Transaction(ctx, r.SupplySignature)
		switch {
		case xerrors.CodeOf(err) == lookup.CodeTransactionNotFound:
		case err != nil:
			return nil, xerrors.Wrap(xerrors.CodeUnavailable, err, "无法确认上一次供应交易的状态",
				xerrors.WithMetadata("mint_address", r.MintAddress),
				xerrors.WithMetadata("signature", r.SupplySignature))
		case tx != nil && tx.Error == "":
			return nil, xerrors.New(xerrors.CodeConflict,
				fmt.Sprintf("supply transaction %s for mint %s already landed", r.SupplySignature, r.MintAddress),
				xerrors.WithMetadata("mint_address", r.MintAddress),
				xerrors.WithMetadata("signature", r.SupplySignature))
		}
	}
	return r.SupplyArguments()
}
