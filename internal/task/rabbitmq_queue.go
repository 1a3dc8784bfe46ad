package task

import (
	"context"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "OpenMCP-Solana/internal/errors"
	"OpenMCP-Solana/pkg/logger"
)

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// RabbitMQQueue 通过默认交换机把任务 ID 投递到一个具名队列。
type RabbitMQQueue struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	name       string
	persistent bool
	log        *slog.Logger
}

// NewRabbitMQQueue 建立连接、声明队列并设置预取数量。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "queue.amqp_url 不能为空")
	}
	name := cfg.Queue
	if name == "" {
		name = "solagent.tasks"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, rabbitErr(err, "连接 RabbitMQ 失败", name)
	}
	q := &RabbitMQQueue{
		conn:       conn,
		name:       name,
		persistent: cfg.Durable,
		log:        logger.Named("queue").With(slog.String("driver", driverRabbitMQ), slog.String("queue", name)),
	}
	if err := q.setup(cfg); err != nil {
		_ = q.Close()
		return nil, err
	}
	return q, nil
}

func (q *RabbitMQQueue) setup(cfg RabbitMQConfig) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return rabbitErr(err, "创建 RabbitMQ channel 失败", q.name)
	}
	q.ch = ch
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			return rabbitErr(err, "设置 RabbitMQ 预取失败", q.name)
		}
	}
	if _, err := ch.QueueDeclare(q.name, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		return rabbitErr(err, "声明 RabbitMQ 队列失败", q.name)
	}
	return nil
}

func rabbitErr(err error, msg, queue string) error {
	return xerrors.Wrap(xerrors.CodeQueueFailure, err, msg,
		xerrors.WithMetadata("queue", queue))
}

// Publish 投递任务 ID，持久化队列下消息同样标记为持久。
func (q *RabbitMQQueue) Publish(ctx context.Context, taskID string) error {
	if q == nil || q.ch == nil {
		return observePublish(driverRabbitMQ, ErrQueueClosed)
	}
	mode := amqp.Transient
	if q.persistent {
		mode = amqp.Persistent
	}
	err := q.ch.PublishWithContext(ctx, "", q.name, false, false, amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: mode,
		MessageId:    taskID,
		Body:         []byte(taskID),
	})
	if err != nil {
		return observePublish(driverRabbitMQ, rabbitErr(err, "RabbitMQ 投递任务失败", q.name))
	}
	return observePublish(driverRabbitMQ, nil)
}

// Consume 以手动确认模式消费。消息在交给 handler 之前确认，
// handler 失败后的重试由处理器重新投递完成。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.ch == nil {
		return ErrQueueClosed
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	deliveries, err := q.ch.Consume(q.name, "", false, false, false, false, nil)
	if err != nil {
		return rabbitErr(err, "订阅 RabbitMQ 队列失败", q.name)
	}

	var wg sync.WaitGroup
	wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-deliveries:
					if !ok {
						q.log.Warn("RabbitMQ 投递通道已关闭")
						return
					}
					if err := msg.Ack(false); err != nil {
						q.log.Error("确认 RabbitMQ 消息失败", slog.Any("error", err))
						continue
					}
					_ = deliver(ctx, driverRabbitMQ, string(msg.Body), handler)
				}
			}
		}()
	}
	wg.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ 消费已中断",
		xerrors.WithMetadata("queue", q.name))
}

// Close 依次关闭 channel 与连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil && !q.conn.IsClosed() {
		return q.conn.Close()
	}
	return nil
}
