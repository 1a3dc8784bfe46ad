package ledger

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	xerrors "OpenMCP-Solana/internal/errors"
)

var issuanceBucket = []byte("issuances")

// BoltStore 将记录保存在 bbolt 的 issuances 桶中，键为 mint 地址。
type BoltStore struct {
	db        *bolt.DB
	closeOnce sync.Once
}

// NewBoltStore 打开（或创建）数据库文件并确保桶存在。
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建账本目录失败")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开 bolt 账本失败")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(issuanceBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 bolt 桶失败")
	}
	return &BoltStore{db: db}, nil
}

// Put 覆盖写入记录。
func (s *BoltStore) Put(_ context.Context, record Record) error {
	if record.MintAddress == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "mint 地址不能为空")
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化账本记录失败")
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(issuanceBucket).Put([]byte(record.MintAddress), payload)
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 bolt 账本失败")
	}
	return nil
}

// Get 读取单条记录。
func (s *BoltStore) Get(_ context.Context, mintAddress string) (*Record, error) {
	var record *Record
	err := s.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(issuanceBucket).Get([]byte(mintAddress))
		if value == nil {
			return nil
		}
		record = new(Record)
		return json.Unmarshal(value, record)
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 bolt 账本失败")
	}
	if record == nil {
		return nil, ErrRecordNotFound
	}
	return record, nil
}

// List 遍历桶并按更新时间排序。
func (s *BoltStore) List(_ context.Context, opts ListOptions) ([]Record, error) {
	var all []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(issuanceBucket).ForEach(func(_, value []byte) error {
			var record Record
			if err := json.Unmarshal(value, &record); err != nil {
				return err
			}
			all = append(all, record)
			return nil
		})
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历 bolt 账本失败")
	}
	return selectRecords(all, opts), nil
}

// Close 关闭数据库文件。
func (s *BoltStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.db.Close()
	})
	return err
}

var _ Store = (*BoltStore)(nil)
