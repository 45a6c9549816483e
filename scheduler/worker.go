package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"groupon_system/metrics"

	"github.com/segmentio/kafka-go"
)

// TaskConsumer 到期任务消费，由repository.KafkaRepository实现
type TaskConsumer interface {
	FetchTaskMessage(ctx context.Context) (kafka.Message, error)
	CommitTaskMessage(ctx context.Context, msg kafka.Message) error
}

// Worker 把延时队列中到期的任务搬到Kafka，并消费Kafka中的任务交给注册表执行
type Worker struct {
	client       *Client
	consumer     TaskConsumer
	registry     *Registry
	pollInterval time.Duration
	batchSize    int

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewWorker 创建任务执行器
func NewWorker(client *Client, consumer TaskConsumer, registry *Registry, pollInterval time.Duration) *Worker {
	return &Worker{
		client:       client,
		consumer:     consumer,
		registry:     registry,
		pollInterval: pollInterval,
		batchSize:    100,
	}
}

// Start 启动轮询与消费协程
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(2)
	go func() {
		defer w.wg.Done()
		w.pollLoop(ctx)
	}()
	go func() {
		defer w.wg.Done()
		w.consumeLoop(ctx)
	}()
	slog.Info("Task worker started", "poll_interval", w.pollInterval)
}

// Stop 停止拉取新任务并等待执行中的任务完成
func (w *Worker) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.cancel()
	}
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Task worker stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.PollOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("Poll delay tasks failed", "error", err.Error())
			}
		}
	}
}

// PollOnce 取出到期任务投递到Kafka，投递失败的任务放回延时队列
func (w *Worker) PollOnce(ctx context.Context) (int, error) {
	now := w.client.now()
	payloads, err := w.client.queue.PopDueTasks(ctx, now, w.batchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, payload := range payloads {
		task, err := DecodeTask(payload)
		if err != nil {
			slog.Error("Drop malformed delay task", "payload", string(payload), "error", err.Error())
			continue
		}
		if err := w.client.sendWithRetry(ctx, task.Key(), string(task.Name), payload); err != nil {
			slog.Error("Forward task failed, requeue", "task", task.Name, "target_id", task.TargetId, "error", err.Error())
			if err := w.client.queue.PushDelayTask(context.WithoutCancel(ctx), task.Key(), payload, now); err != nil {
				slog.Error("Requeue task failed", "task", task.Name, "target_id", task.TargetId, "error", err.Error())
			}
			continue
		}
		sent++
	}
	return sent, nil
}

func (w *Worker) consumeLoop(ctx context.Context) {
	for {
		msg, err := w.consumer.FetchTaskMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("Fetch task message failed", "error", err.Error())
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		// 已取到的任务在关闭时也要执行完并提交
		w.HandleMessage(context.WithoutCancel(ctx), msg)
	}
}

// HandleMessage 执行一条任务消息并提交位点。执行失败只记录，不重新投递
func (w *Worker) HandleMessage(ctx context.Context, msg kafka.Message) {
	task, err := DecodeTask(msg.Value)
	if err != nil {
		slog.Error("Drop malformed task message", "offset", msg.Offset, "error", err.Error())
	} else {
		metrics.TaskDelay.WithLabelValues(string(task.Name)).Observe(time.Since(task.RunAt).Seconds())
		err = w.registry.Dispatch(ctx, task)
		metrics.Tasks.WithLabelValues(string(task.Name), metrics.Result(err)).Inc()
		if err != nil {
			slog.Error("Task failed",
				"task", task.Name,
				"task_id", task.TaskId,
				"target_id", task.TargetId,
				"error", err.Error(),
			)
		} else {
			slog.Info("Task done", "task", task.Name, "target_id", task.TargetId)
		}
	}

	if err := w.consumer.CommitTaskMessage(ctx, msg); err != nil {
		slog.Error("Commit task message failed", "offset", msg.Offset, "error", err.Error())
	}
}
