package task

import (
	"context"
	"sync"
)

// MemoryQueue 是进程内的任务队列，适合单实例部署与测试。
type MemoryQueue struct {
	pending chan string
	done    chan struct{}
	once    sync.Once
}

// NewMemoryQueue 创建容量为 size 的内存队列，size 非正时使用 64。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{
		pending: make(chan string, size),
		done:    make(chan struct{}),
	}
}

// Publish 投递任务 ID；队列已满时阻塞直到有空位、ctx 结束或队列关闭。
func (q *MemoryQueue) Publish(ctx context.Context, taskID string) error {
	select {
	case <-q.done:
		return observePublish(driverMemory, ErrQueueClosed)
	default:
	}
	select {
	case <-q.done:
		return observePublish(driverMemory, ErrQueueClosed)
	case <-ctx.Done():
		return observePublish(driverMemory, ctx.Err())
	case q.pending <- taskID:
		return observePublish(driverMemory, nil)
	}
}

// Len 返回尚未被消费的任务数量。
func (q *MemoryQueue) Len() int {
	return len(q.pending)
}

// Consume 启动 workerCount 个消费协程，直到 ctx 结束或队列关闭。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
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
				case <-q.done:
					return
				case taskID := <-q.pending:
					_ = deliver(ctx, driverMemory, taskID, handler)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Close 关闭队列，未消费的任务会被丢弃。
func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}
