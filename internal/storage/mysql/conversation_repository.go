package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// ConversationRecord 记录一次智能体交互：目标、调用的工具以及模型回复。
type ConversationRecord struct {
	ID           int64  `json:"id"`
	TaskID       string `json:"task_id,omitempty"`
	Goal         string `json:"goal"`
	Tool         string `json:"tool,omitempty"`
	Output       string `json:"output,omitempty"`
	Thought      string `json:"thought,omitempty"`
	Reply        string `json:"reply"`
	Observations string `json:"observations,omitempty"`
	Succeeded    bool   `json:"succeeded"`
	CreatedAt    int64  `json:"created_at"`
}

// ConversationRepository 定义对话记忆的持久化接口。
type ConversationRepository interface {
	Save(ctx context.Context, record *ConversationRecord) error
	ListLatest(ctx context.Context, limit int) ([]ConversationRecord, error)
}

// FileConversationRepository 将对话以 JSON 行形式追加到本地文件。
type FileConversationRepository struct {
	mu      sync.Mutex
	path    string
	nextID  int64
	records []ConversationRecord
}

// NewFileConversationRepository 打开（或创建）dataDir 下的 conversations.log。
func NewFileConversationRepository(dataDir string) (*FileConversationRepository, error) {
	if dataDir == "" {
		return nil, errors.New("数据目录不能为空")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	repo := &FileConversationRepository{path: filepath.Join(dataDir, "conversations.log"), nextID: 1}
	if err := repo.load(); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *FileConversationRepository) load() error {
	file, err := os.Open(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("打开对话日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record ConversationRecord
		if err := json.Unmarshal(line, &record); err != nil {
			return fmt.Errorf("解析对话日志失败: %w", err)
		}
		r.records = append(r.records, record)
		if record.ID >= r.nextID {
			r.nextID = record.ID + 1
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("读取对话日志失败: %w", err)
	}
	return nil
}

// Save 追加一条记录并回填自增 ID。
func (r *FileConversationRepository) Save(ctx context.Context, record *ConversationRecord) error {
	if record == nil {
		return errors.New("记录不能为空")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *record
	stored.ID = r.nextID
	payload, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("序列化对话失败: %w", err)
	}

	file, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开对话日志失败: %w", err)
	}
	defer file.Close()
	if _, err := file.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("写入对话日志失败: %w", err)
	}

	r.nextID++
	r.records = append(r.records, stored)
	record.ID = stored.ID
	return nil
}

// ListLatest 按时间倒序返回最近的记录。
func (r *FileConversationRepository) ListLatest(ctx context.Context, limit int) ([]ConversationRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	out := make([]ConversationRecord, len(r.records))
	copy(out, r.records)
	r.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt > out[j].CreatedAt
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SQLConversationRepository 基于 MySQL 的对话记忆实现。
type SQLConversationRepository struct {
	db *sql.DB
}

// NewSQLConversationRepository 使用已完成迁移的连接池构造仓库。
func NewSQLConversationRepository(db *sql.DB) *SQLConversationRepository {
	return &SQLConversationRepository{db: db}
}

const insertConversationSQL = `INSERT INTO conversations
    (task_id, goal, tool, output, thought, reply, observations, succeeded, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

const listConversationsSQL = `SELECT id, task_id, goal, tool, output, thought, reply, observations, succeeded, created_at
    FROM conversations ORDER BY created_at DESC, id DESC LIMIT ?`

// Save 插入一条记录。
func (r *SQLConversationRepository) Save(ctx context.Context, record *ConversationRecord) error {
	if record == nil {
		return errors.New("记录不能为空")
	}
	res, err := r.db.ExecContext(ctx, insertConversationSQL,
		record.TaskID, record.Goal, record.Tool, record.Output, record.Thought,
		record.Reply, record.Observations, record.Succeeded, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("写入对话失败: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("获取对话 ID 失败: %w", err)
	}
	record.ID = id
	return nil
}

// ListLatest 查询最近的记录。
func (r *SQLConversationRepository) ListLatest(ctx context.Context, limit int) ([]ConversationRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, listConversationsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("查询对话失败: %w", err)
	}
	defer rows.Close()

	var records []ConversationRecord
	for rows.Next() {
		var (
			rec                                  ConversationRecord
			output, thought, reply, observations sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.TaskID, &rec.Goal, &rec.Tool, &output, &thought, &reply, &observations, &rec.Succeeded, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("解析对话失败: %w", err)
		}
		rec.Output = output.String
		rec.Thought = thought.String
		rec.Reply = reply.String
		rec.Observations = observations.String
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历对话失败: %w", err)
	}
	return records, nil
}
