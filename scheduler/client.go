package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// DelayQueue 延时任务队列，由repository.RedisRepository实现。
// 同一key再次投递时覆盖尚未到期的任务
type DelayQueue interface {
	PushDelayTask(ctx context.Context, key string, payload []byte, runAt time.Time) error
	PopDueTasks(ctx context.Context, now time.Time, limit int) ([][]byte, error)
}

// TaskProducer 到期任务投递，由repository.KafkaRepository实现
type TaskProducer interface {
	SendTaskMessage(ctx context.Context, key, taskName string, payload []byte) error
}

// Client 定时任务客户端：到期的任务直接投递，未到期的进入延时队列
type Client struct {
	queue      DelayQueue
	producer   TaskProducer
	maxRetries int
	now        func() time.Time
}

// NewClient 创建定时任务客户端
func NewClient(queue DelayQueue, producer TaskProducer) *Client {
	return &Client{queue: queue, producer: producer, maxRetries: 3, now: time.Now}
}

// Schedule 安排一次任务在runAt执行
func (c *Client) Schedule(ctx context.Context, name TaskName, shopId, targetId int64, runAt time.Time) error {
	task := Task{
		TaskId:   uuid.NewString(),
		Name:     name,
		ShopId:   shopId,
		TargetId: targetId,
		RunAt:    runAt,
	}
	payload, err := task.Encode()
	if err != nil {
		return err
	}

	if runAt.After(c.now()) {
		if err := c.queue.PushDelayTask(ctx, task.Key(), payload, runAt); err != nil {
			return fmt.Errorf("schedule %s for %d failed: %w", name, targetId, err)
		}
		slog.Info("Task scheduled", "task", name, "target_id", targetId, "run_at", runAt)
		return nil
	}
	return c.sendWithRetry(ctx, task.Key(), string(name), payload)
}

// ScheduleAfter 安排一次任务在delay之后执行
func (c *Client) ScheduleAfter(ctx context.Context, name TaskName, shopId, targetId int64, delay time.Duration) error {
	return c.Schedule(ctx, name, shopId, targetId, c.now().Add(delay))
}

// sendWithRetry 带重试的任务投递
func (c *Client) sendWithRetry(ctx context.Context, key, name string, payload []byte) error {
	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		err := c.producer.SendTaskMessage(ctx, key, name, payload)
		if err == nil {
			return nil
		}
		lastErr = err
		slog.Warn("Task send attempt failed", "attempt", i+1, "task", name, "error", err)

		// 指数退避
		backoff := time.Duration(i*i) * 100 * time.Millisecond
		select {
		case <-time.After(backoff):
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("failed to send task %s after %d retries: %w", name, c.maxRetries, lastErr)
}
