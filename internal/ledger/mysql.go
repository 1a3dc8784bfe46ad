package ledger

import (
	"context"
	"database/sql"
	stdErrors "errors"

	xerrors "OpenMCP-Solana/internal/errors"
)

// SQLStore 使用 issuances 表保存记录，表结构由迁移创建。
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore 使用共享连接池构造账本。
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const recordColumns = `mint_address, network, name, symbol, uri, decimals, initial_supply, base_units, token_account,
        phase, create_signature, supply_signature, last_error, created_at, updated_at`

const upsertRecordSQL = `INSERT INTO issuances (` + recordColumns + `)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE network = VALUES(network), name = VALUES(name), symbol = VALUES(symbol), uri = VALUES(uri),
        decimals = VALUES(decimals), initial_supply = VALUES(initial_supply), base_units = VALUES(base_units),
        token_account = VALUES(token_account), phase = VALUES(phase), create_signature = VALUES(create_signature),
        supply_signature = VALUES(supply_signature), last_error = VALUES(last_error), updated_at = VALUES(updated_at)`

// Put 插入或更新记录；created_at 仅在首次写入时生效。
func (s *SQLStore) Put(ctx context.Context, record Record) error {
	if record.MintAddress == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "mint 地址不能为空")
	}
	_, err := s.db.ExecContext(ctx, upsertRecordSQL,
		record.MintAddress, record.Network, record.Name, record.Symbol, record.URI, record.Decimals,
		record.InitialSupply, record.BaseUnits, record.TokenAccount, string(record.Phase),
		record.CreateSignature, record.SupplySignature, record.LastError, record.CreatedAt, record.UpdatedAt,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入发行记录失败")
	}
	return nil
}

// Get 查询单条记录。
func (s *SQLStore) Get(ctx context.Context, mintAddress string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM issuances WHERE mint_address = ?`, mintAddress)
	record, err := scanRecord(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询发行记录失败")
	}
	return record, nil
}

// List 按更新时间倒序查询。
func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM issuances`
	var args []any
	if opts.Phase != "" {
		query += ` WHERE phase = ?`
		args = append(args, string(opts.Phase))
	}
	query += ` ORDER BY updated_at DESC, mint_address ASC LIMIT ?`
	args = append(args, normalizeLimit(opts.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询发行记录失败")
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析发行记录失败")
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历发行记录失败")
	}
	return records, nil
}

// Close 不关闭共享连接池。
func (s *SQLStore) Close() error { return nil }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		record    Record
		phase     string
		lastError sql.NullString
	)
	if err := row.Scan(
		&record.MintAddress, &record.Network, &record.Name, &record.Symbol, &record.URI, &record.Decimals,
		&record.InitialSupply, &record.BaseUnits, &record.TokenAccount, &phase,
		&record.CreateSignature, &record.SupplySignature, &lastError, &record.CreatedAt, &record.UpdatedAt,
	); err != nil {
		return nil, err
	}
	record.Phase = Phase(phase)
	record.LastError = lastError.String
	return &record, nil
}

var _ Store = (*SQLStore)(nil)
