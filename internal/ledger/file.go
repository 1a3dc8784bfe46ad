package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	xerrors "OpenMCP-Solana/internal/errors"
)

// FileStore 以追加写的 JSON 行文件保存记录，重放时同一 mint 后写覆盖先写。
type FileStore struct {
	mu      sync.RWMutex
	path    string
	records map[string]Record
}

// NewFileStore 打开 dir 下的 issuances.log。
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "账本目录不能为空")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建账本目录失败")
	}
	store := &FileStore{path: filepath.Join(dir, "issuances.log"), records: make(map[string]Record)}
	if err := store.replay(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "加载账本失败")
	}
	return store, nil
}

func (s *FileStore) replay() error {
	file, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record Record
		if err := json.Unmarshal(line, &record); err != nil {
			return fmt.Errorf("解析账本记录失败: %w", err)
		}
		s.records[record.MintAddress] = record
	}
	return scanner.Err()
}

// Put 追加一条记录。
func (s *FileStore) Put(ctx context.Context, record Record) error {
	if record.MintAddress == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "mint 地址不能为空")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化账本记录失败")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开账本文件失败")
	}
	defer file.Close()
	if _, err := file.Write(append(payload, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入账本失败")
	}
	s.records[record.MintAddress] = record
	return nil
}

// Get 返回最新的记录。
func (s *FileStore) Get(_ context.Context, mintAddress string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[mintAddress]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return &record, nil
}

// List 返回最近更新的记录。
func (s *FileStore) List(_ context.Context, opts ListOptions) ([]Record, error) {
	s.mu.RLock()
	all := make([]Record, 0, len(s.records))
	for _, record := range s.records {
		all = append(all, record)
	}
	s.mu.RUnlock()
	return selectRecords(all, opts), nil
}

// Close 无需释放资源。
func (s *FileStore) Close() error { return nil }

var _ Store = (*FileStore)(nil)
