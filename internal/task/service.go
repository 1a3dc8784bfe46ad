package task

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"OpenMCP-Solana/internal/agent"
	xerrors "OpenMCP-Solana/internal/errors"
	"OpenMCP-Solana/internal/observability/metrics"
	"OpenMCP-Solana/pkg/logger"
)

// Service 受理任务提交并提供查询；执行由 Processor 完成。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
	knownTool  func(name string) bool
}

// ServiceOption 定制 Service。
type ServiceOption func(*Service)

// WithToolCheck 让 Submit 在入队前拒绝未注册的工具名。
func WithToolCheck(known func(name string) bool) ServiceOption {
	return func(s *Service) { s.knownTool = known }
}

// NewService 构造任务服务，maxRetries 非正时为 3。
func NewService(store Store, producer Producer, maxRetries int, opts ...ServiceOption) *Service {
	s := &Service{store: store, producer: producer, maxRetries: maxRetries}
	if s.maxRetries <= 0 {
		s.maxRetries = 3
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit 持久化任务后投递到队列。携带已存在的 ID 时直接返回已有任务，
// 客户端可以放心重试提交而不会触发第二次发行。
func (s *Service) Submit(ctx context.Context, req agent.TaskRequest) (*Task, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}

	taskID := strings.TrimSpace(req.ID)
	if taskID == "" {
		taskID = uuid.NewString()
	} else if existing, err := s.existing(ctx, taskID); existing != nil || err != nil {
		return existing, err
	}

	task := &Task{
		ID:         taskID,
		Goal:       strings.TrimSpace(req.Goal),
		Tool:       strings.TrimSpace(req.Tool),
		Arguments:  cloneRaw(req.Arguments),
		Metadata:   cloneMetadata(req.Metadata),
		Status:     StatusPending,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, task); err != nil {
		if stdErrors.Is(err, ErrTaskConflict) {
			// 并发提交了同一个 ID。
			if existing, getErr := s.existing(ctx, taskID); existing != nil || getErr != nil {
				return existing, getErr
			}
		}
		return nil, err
	}

	if err := s.producer.Publish(ctx, taskID); err != nil {
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败", xerrors.WithMetadata("task_id", taskID))
		if markErr := s.store.MarkFailed(context.WithoutCancel(ctx), taskID, CodeTaskPublish, wrapped.Error(), true); markErr != nil {
			logger.Named("task").Error("记录入队失败状态出错", slog.Any("error", markErr), slog.String("task_id", taskID))
		}
		metrics.IncTaskOutcome("publish_failed")
		return nil, wrapped
	}
	logger.Audit().Info("任务已受理",
		slog.String("task_id", taskID),
		slog.String("tool", task.Tool),
		slog.Bool("has_goal", task.Goal != ""),
		slog.Int("max_retries", task.MaxRetries),
	)
	return task, nil
}

func (s *Service) validate(req agent.TaskRequest) error {
	tool := strings.TrimSpace(req.Tool)
	if strings.TrimSpace(req.Goal) == "" && tool == "" {
		return xerrors.New(CodeTaskValidation, "任务目标与工具不能同时为空")
	}
	if len(req.Arguments) > 0 && !json.Valid(req.Arguments) {
		return xerrors.New(CodeTaskValidation, "工具参数必须是合法的 JSON")
	}
	if tool != "" && s.knownTool != nil && !s.knownTool(tool) {
		return xerrors.New(CodeTaskValidation, fmt.Sprintf("未注册的工具 %q", tool), xerrors.WithMetadata("tool", tool))
	}
	return nil
}

// existing 返回已存在的任务；不存在时两个返回值都为 nil。
func (s *Service) existing(ctx context.Context, id string) (*Task, error) {
	task, err := s.store.Get(ctx, id)
	switch {
	case err == nil:
		return task, nil
	case stdErrors.Is(err, ErrTaskNotFound):
		return nil, nil
	default:
		return nil, err
	}
}

// Get 按 ID 查询任务。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, buildListOptions(opts))
}

// Stats 统计符合过滤条件的任务，忽略分页参数。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx, buildListOptions(opts))
}
