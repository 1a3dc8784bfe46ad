package task

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	xerrors "OpenMCP-Solana/internal/errors"
	"OpenMCP-Solana/pkg/logger"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
	// RetryDelay 是 BRPOP 出现网络错误后的等待时间。
	RetryDelay time.Duration
}

// RedisQueue 以 Redis list 承载任务 ID：LPUSH 入队，BRPOP 出队。
type RedisQueue struct {
	client     *redis.Client
	key        string
	wait       time.Duration
	retryDelay time.Duration
	log        *slog.Logger
}

// NewRedisQueue 连接 Redis 并返回队列，连接不可用时立即失败。
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "queue.redis_addr 不能为空")
	}
	q := &RedisQueue{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		key:        cfg.Queue,
		wait:       cfg.BlockWait,
		retryDelay: cfg.RetryDelay,
		log:        logger.Named("queue").With(slog.String("driver", driverRedis)),
	}
	if q.key == "" {
		q.key = "solagent:tasks"
	}
	if q.wait <= 0 {
		q.wait = 5 * time.Second
	}
	if q.retryDelay <= 0 {
		q.retryDelay = time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.client.Ping(ctx).Err(); err != nil {
		_ = q.client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败",
			xerrors.WithMetadata("address", cfg.Address))
	}
	return q, nil
}

// Publish 将任务 ID 推入列表头部。
func (q *RedisQueue) Publish(ctx context.Context, taskID string) error {
	if err := q.client.LPush(ctx, q.key, taskID).Err(); err != nil {
		return observePublish(driverRedis, xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 投递任务失败",
			xerrors.WithMetadata("task_id", taskID)))
	}
	return observePublish(driverRedis, nil)
}

// Consume 启动 workerCount 个 BRPOP 循环。网络错误只记录并退避，不会终止消费；
// 客户端被关闭时返回错误。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	group, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workerCount; i++ {
		group.Go(func() error { return q.poll(gctx, handler) })
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return ctx.Err()
}

func (q *RedisQueue) poll(ctx context.Context, handler Handler) error {
	for ctx.Err() == nil {
		values, err := q.client.BRPop(ctx, q.wait, q.key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case errors.Is(err, redis.ErrClosed):
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 客户端已关闭")
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.log.Warn("Redis 取任务失败，稍后重试", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(q.retryDelay):
			}
			continue
		}
		// BRPOP 返回 [key, value]。
		if len(values) != 2 {
			continue
		}
		_ = deliver(ctx, driverRedis, values[1], handler)
	}
	return ctx.Err()
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
