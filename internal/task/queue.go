package task

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"OpenMCP-Solana/internal/config"
	xerrors "OpenMCP-Solana/internal/errors"
	"OpenMCP-Solana/internal/observability/metrics"
	"OpenMCP-Solana/pkg/logger"
)

const (
	driverMemory   = "memory"
	driverRedis    = "redis"
	driverRabbitMQ = "rabbitmq"
)

// ErrQueueClosed 表示队列已经关闭，无法继续投递。
var ErrQueueClosed = xerrors.New(xerrors.CodeQueueFailure, "任务队列已关闭")

// Handler 处理来自消息队列的任务 ID。
// 返回的错误只会被记录：重试由处理器通过 Producer 重新投递，队列本身不会重放消息，
// 否则已经上链的步骤可能被执行两次。
type Handler func(ctx context.Context, taskID string) error

// Producer 负责向队列投递任务。
type Producer interface {
	Publish(ctx context.Context, taskID string) error
	Close() error
}

// Consumer 负责从队列中消费任务。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// NewQueue 根据配置选择 memory、redis 或 rabbitmq 队列。
func NewQueue(cfg config.QueueConfig) (Queue, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", driverMemory:
		return NewMemoryQueue(cfg.Buffer), nil
	case driverRedis:
		q, err := NewRedisQueue(RedisQueueConfig{Address: cfg.RedisAddr, Queue: cfg.RedisKey})
		if err != nil {
			return nil, err
		}
		return q, nil
	case driverRabbitMQ, "amqp":
		q, err := NewRabbitMQQueue(RabbitMQConfig{URL: cfg.AMQPURL, Queue: cfg.AMQPQueue, Durable: true, Prefetch: cfg.Workers})
		if err != nil {
			return nil, err
		}
		return q, nil
	default:
		return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("不支持的队列驱动 %q", cfg.Driver))
	}
}

// deliver 调用 handler 并统一记录日志与指标，handler 的 panic 会被转换为错误。
func deliver(ctx context.Context, driver, taskID string, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.New(CodeTaskProcessing, fmt.Sprintf("任务处理发生 panic: %v", r),
				xerrors.WithMetadata("task_id", taskID))
		}
		outcome := "ok"
		if err != nil {
			outcome = string(xerrors.CodeOf(err))
			logger.Named("queue").Warn("任务处理返回错误，消息不会重放",
				slog.String("driver", driver),
				slog.String("task_id", taskID),
				slog.Any("error", err),
			)
		}
		metrics.ObserveQueue(driver, "consume", outcome)
	}()
	return handler(ctx, taskID)
}

func observePublish(driver string, err error) error {
	if err != nil {
		metrics.ObserveQueue(driver, "publish", string(xerrors.CodeOf(err)))
		return err
	}
	metrics.ObserveQueue(driver, "publish", "ok")
	return nil
}
