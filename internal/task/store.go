package task

import (
	"context"

	xerrors "OpenMCP-Solana/internal/errors"
)

// Store 持久化任务状态。内存与 MySQL 两种实现遵循相同的状态迁移规则。
type Store interface {
	// Create 写入新任务，ID 已存在时返回 ErrTaskConflict。
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// Claim 把待执行或可重试的任务置为 running 并增加尝试次数。
	// 任务已成功、正在执行或次数耗尽时返回对应的哨兵错误。
	Claim(ctx context.Context, id string) (*Task, error)
	MarkSucceeded(ctx context.Context, id string, result ExecutionResult) error
	// MarkFailed 记录失败并置为 failed。terminal 为真时收拢重试预算，之后 Claim 返回 ErrTaskExhausted。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Close() error
}
