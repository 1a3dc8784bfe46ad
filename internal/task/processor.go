package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"OpenMCP-Solana/internal/agent"
	xerrors "OpenMCP-Solana/internal/errors"
	"OpenMCP-Solana/internal/observability/alerting"
	"OpenMCP-Solana/internal/observability/metrics"
	"OpenMCP-Solana/pkg/logger"
)

// Executor 是处理器依赖的 Agent 能力。
type Executor interface {
	Execute(ctx context.Context, req agent.TaskRequest) (*agent.TaskResult, error)
}

// Processor 从队列领取任务交给 Agent 执行，并把结果或失败写回 Store。
//
// 工具一旦开始执行就不会因回写失败而重投；只有错误码声明可重试的失败
// 才会在剩余次数内重新发布，其余失败直接成为终态。
type Processor struct {
	executor Executor
	store    Store
	consumer Consumer
	producer Producer
	workers  int
	timeout  time.Duration
	log      *slog.Logger
	alerter  alerting.Dispatcher
}

// ProcessorOption 调整 Processor。
type ProcessorOption func(*Processor)

// WithWorkerCount 设置并发消费的协程数，非正数被忽略。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workers = workers
		}
	}
}

// WithTaskTimeout 限制单个任务的执行时间，零值表示只受消费上下文约束。
func WithTaskTimeout(timeout time.Duration) ProcessorOption {
	return func(p *Processor) {
		if timeout > 0 {
			p.timeout = timeout
		}
	}
}

// WithAlertDispatcher 配置终态失败与告警类错误的通知渠道。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) { p.alerter = dispatcher }
}

// NewProcessor 构造 Processor，默认单协程消费。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor: executor,
		store:    store,
		consumer: consumer,
		producer: producer,
		workers:  1,
		log:      logger.Named("task"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 阻塞消费队列直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workers, p.handle)
}

// skippable 是重复投递或并发领取时的正常结果，不算处理失败。
func skippable(err error) bool {
	for _, sentinel := range []error{ErrTaskNotFound, ErrTaskCompleted, ErrTaskExhausted, ErrTaskConflict} {
		if stdErrors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, taskID)
	switch {
	case err == nil:
	case skippable(err):
		p.log.Debug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
		return nil
	default:
		p.log.Error("领取任务失败", append(xerrors.LogAttrs(err), slog.String("task_id", taskID))...)
		p.emitAlert(ctx, &Task{ID: taskID}, CodeTaskProcessing, err, "claim")
		return err
	}

	result, execErr := p.execute(ctx, task)
	if execErr != nil {
		return p.fail(ctx, task, execErr)
	}
	p.succeed(ctx, task, result)
	return nil
}

func (p *Processor) execute(ctx context.Context, task *Task) (*agent.TaskResult, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	result, err := p.executor.Execute(ctx, agent.TaskRequest{
		ID:        task.ID,
		Goal:      task.Goal,
		Tool:      task.Tool,
		Arguments: cloneRaw(task.Arguments),
		Metadata:  cloneMetadata(task.Metadata),
	})
	if err != nil && stdErrors.Is(err, context.DeadlineExceeded) && xerrors.CodeOf(err) == xerrors.CodeUnknown {
		err = xerrors.Wrap(xerrors.CodeTimeout, err, fmt.Sprintf("任务执行超过 %s", p.timeout), xerrors.WithRetryable(false))
	}
	return result, err
}

func (p *Processor) succeed(ctx context.Context, task *Task, result *agent.TaskResult) {
	var record ExecutionResult
	if result != nil {
		record = ExecutionResult{
			Output:       result.Output,
			Thought:      result.Thought,
			Reply:        result.Reply,
			Observations: result.Observations,
		}
	}
	// 工具已经执行，回写失败只告警不重投。
	if err := p.store.MarkSucceeded(context.WithoutCancel(ctx), task.ID, record); err != nil {
		p.log.Error("回写任务结果失败", append(xerrors.LogAttrs(err), slog.String("task_id", task.ID))...)
		p.emitAlert(ctx, task, xerrors.CodeStorageFailure, err, "persist_result")
		return
	}
	metrics.IncTaskOutcome(string(StatusSucceeded))
	logger.Audit().Info("任务执行成功",
		slog.String("task_id", task.ID),
		slog.String("tool", task.Tool),
		slog.Int("attempts", task.Attempts),
	)
}

// verdict 是一次失败执行的处理结论。
type verdict struct {
	code     xerrors.Code
	terminal bool
	stage    string
}

func classify(task *Task, err error) verdict {
	v := verdict{code: xerrors.CodeOf(err), stage: "retry"}
	if v.code == xerrors.CodeUnknown {
		v.code = CodeTaskProcessing
	}
	switch {
	case !xerrors.RetryableError(err):
		v.terminal, v.stage = true, "non_retryable"
	case task.Attempts >= task.MaxRetries:
		v.terminal, v.stage = true, "terminal"
	}
	return v
}

func (p *Processor) fail(ctx context.Context, task *Task, execErr error) error {
	v := classify(task, execErr)
	if err := p.store.MarkFailed(context.WithoutCancel(ctx), task.ID, v.code, execErr.Error(), v.terminal); err != nil {
		p.log.Error("记录任务失败状态出错", append(xerrors.LogAttrs(err), slog.String("task_id", task.ID))...)
		return err
	}
	logger.Audit().Warn("任务执行失败", append(xerrors.LogAttrs(execErr),
		slog.String("task_id", task.ID),
		slog.String("tool", task.Tool),
		slog.String("stage", v.stage),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)...)

	if v.terminal || xerrors.ShouldAlert(execErr) {
		p.emitAlert(ctx, task, v.code, execErr, v.stage)
	}
	if v.terminal {
		metrics.IncTaskOutcome(string(StatusFailed))
		return nil
	}

	metrics.IncTaskOutcome("retried")
	if err := p.producer.Publish(ctx, task.ID); err != nil {
		return xerrors.Wrap(CodeTaskPublish, err, fmt.Sprintf("任务 %s 重投失败", task.ID))
	}
	p.log.Debug("任务已重新排队", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string) {
	if p.alerter == nil {
		return
	}
	event := alerting.FromError("task", task.ID, cause)
	if event.Code == xerrors.CodeUnknown {
		event.Code = code
		event.Severity = xerrors.AttributesOf(code).Severity
	}
	event.Attempts = task.Attempts
	event.MaxRetries = task.MaxRetries
	if event.Metadata == nil {
		event.Metadata = make(map[string]string, 2)
	}
	event.Metadata["stage"] = stage
	if task.Tool != "" {
		event.Metadata["tool"] = task.Tool
	}
	if err := p.alerter.Notify(context.WithoutCancel(ctx), event); err != nil {
		p.log.Warn("告警通知失败", slog.Any("error", err), slog.String("task_id", task.ID), slog.String("stage", stage))
	}
}
