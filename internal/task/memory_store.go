package task

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	xerrors "OpenMCP-Solana/internal/errors"
)

// MemoryStore 在进程内保存任务状态，重启后丢失，适合单实例与测试。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if task.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	if _, ok := m.tasks[task.ID]; ok {
		return ErrTaskConflict
	}
	now := time.Now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

// Get 返回任务。
func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(task), nil
}

// update 在写锁内修改任务并刷新 UpdatedAt，fn 返回错误时时间戳不变。
func (m *MemoryStore) update(id string, fn func(*Task) error) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if err := fn(task); err != nil {
		return cloneTask(task), err
	}
	task.UpdatedAt = time.Now().Unix()
	return cloneTask(task), nil
}

// Claim 将可执行的任务置为 running 并计入一次尝试。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Task, error) {
	return m.update(id, func(task *Task) error {
		switch {
		case task.Status == StatusSucceeded:
			return ErrTaskCompleted
		case task.Status == StatusRunning:
			return ErrTaskConflict
		case task.Attempts >= task.MaxRetries:
			return ErrTaskExhausted
		}
		task.Status = StatusRunning
		task.Attempts++
		task.LastError, task.ErrorCode = "", ""
		return nil
	})
}

// MarkSucceeded 保存执行结果并清除上一次失败。
func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, result ExecutionResult) error {
	_, err := m.update(id, func(task *Task) error {
		result.Output = cloneRaw(result.Output)
		task.Status = StatusSucceeded
		task.Result = &result
		task.LastError, task.ErrorCode = "", ""
		return nil
	})
	return err
}

// MarkFailed 标记任务失败。terminal 为真时收拢重试预算，之后的 Claim 返回 ErrTaskExhausted。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	_, err := m.update(id, func(task *Task) error {
		task.Status = StatusFailed
		task.LastError = lastError
		task.ErrorCode = string(code)
		if terminal {
			task.MaxRetries = min(task.MaxRetries, task.Attempts)
		}
		return nil
	})
	return err
}

// List 按更新时间排序返回匹配的任务，时间相同时按创建时间与 ID 决定先后。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	m.mu.RLock()
	var results []*Task
	for _, task := range m.tasks {
		if matchesListFilters(task, opts) {
			results = append(results, cloneTask(task))
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(results, func(a, b *Task) int {
		c := cmp.Or(
			cmp.Compare(a.UpdatedAt, b.UpdatedAt),
			cmp.Compare(a.CreatedAt, b.CreatedAt),
		)
		if opts.Order != SortByUpdatedAsc {
			c = -c
		}
		return cmp.Or(c, strings.Compare(a.ID, b.ID))
	})

	if opts.Offset >= len(results) {
		return []*Task{}, nil
	}
	end := min(opts.Offset+opts.Limit, len(results))
	return results[opts.Offset:end], nil
}

// Close 无操作。
func (m *MemoryStore) Close() error { return nil }

func cloneTask(task *Task) *Task {
	clone := *task
	if task.Result != nil {
		resultCopy := *task.Result
		resultCopy.Output = cloneRaw(task.Result.Output)
		clone.Result = &resultCopy
	}
	clone.Arguments = cloneRaw(task.Arguments)
	clone.Metadata = cloneMetadata(task.Metadata)
	return &clone
}

// matchesListFilters 与 MySQL 实现的 buildFilterClause 保持相同语义。
func matchesListFilters(task *Task, opts ListOptions) bool {
	switch {
	case len(opts.Statuses) > 0 && !containsStatus(opts.Statuses, task.Status):
	case opts.UpdatedGTE > 0 && task.UpdatedAt < opts.UpdatedGTE:
	case opts.UpdatedLTE > 0 && task.UpdatedAt > opts.UpdatedLTE:
	case opts.HasResult != nil && !task.Result.empty() != *opts.HasResult:
	case opts.Tool != "" && task.Tool != opts.Tool:
	case opts.ErrorCode != "" && task.ErrorCode != opts.ErrorCode:
	case opts.Query != "" && !matchesQuery(task, opts.Query):
	default:
		return true
	}
	return false
}

func matchesQuery(task *Task, query string) bool {
	query = strings.ToLower(query)
	fields := []string{task.ID, task.Goal, task.Tool, string(task.Arguments), task.LastError}
	if task.Result != nil {
		fields = append(fields, task.Result.Thought, task.Result.Reply, task.Result.Observations)
	}
	for _, field := range fields {
		if strings.Contains(strings.ToLower(field), query) {
			return true
		}
	}
	return false
}

// Stats 统计符合过滤条件的任务，分页参数不参与统计。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (TaskStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	var stats TaskStats
	for _, task := range m.tasks {
		if matchesListFilters(task, opts) {
			stats.add(task)
		}
	}
	return stats, nil
}

var _ Store = (*MemoryStore)(nil)
