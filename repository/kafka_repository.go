package repository

import (
	"context"
	"fmt"

	"groupon_system/global"

	"github.com/segmentio/kafka-go"
)

// 消息头键
const (
	HeaderMessageType = "message_type" // 消息类型
	HeaderTaskName    = "task_name"    // 任务名称
	HeaderNotifyKind  = "notify_kind"  // 通知类型
)

// KafkaRepository 封装与Kafka交互的仓库操作
type KafkaRepository struct {
	taskWriter   *kafka.Writer // 到期任务生产者
	taskReader   *kafka.Reader // 到期任务消费者
	notifyWriter *kafka.Writer // 通知消息生产者
}

// NewKafkaRepository 创建Kafka仓库实例
func NewKafkaRepository() *KafkaRepository {
	return &KafkaRepository{
		taskWriter:   global.TaskWriter,
		taskReader:   global.TaskReader,
		notifyWriter: global.NotifyWriter,
	}
}

// SendTaskMessage 投递一条已到期的任务
func (k *KafkaRepository) SendTaskMessage(ctx context.Context, key, taskName string, payload []byte) error {
	msg := kafka.Message{
		Key:   []byte(key), // 同一业务对象的任务路由到同一分区
		Value: payload,
		Headers: []kafka.Header{
			{Key: HeaderMessageType, Value: []byte("task")},
			{Key: HeaderTaskName, Value: []byte(taskName)},
		},
	}
	if err := k.taskWriter.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write task message failed: %w", err)
	}
	return nil
}

// FetchTaskMessage 拉取一条任务消息，处理完成后需调用CommitTaskMessage
func (k *KafkaRepository) FetchTaskMessage(ctx context.Context) (kafka.Message, error) {
	msg, err := k.taskReader.FetchMessage(ctx)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("fetch task message failed: %w", err)
	}
	return msg, nil
}

// CommitTaskMessage 提交任务消息位点
func (k *KafkaRepository) CommitTaskMessage(ctx context.Context, msg kafka.Message) error {
	if err := k.taskReader.CommitMessages(ctx, msg); err != nil {
		return fmt.Errorf("commit task message failed: %w", err)
	}
	return nil
}

// SendNotifyMessage 发送通知消息
func (k *KafkaRepository) SendNotifyMessage(ctx context.Context, key, kind string, payload []byte) error {
	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: HeaderMessageType, Value: []byte("notify")},
			{Key: HeaderNotifyKind, Value: []byte(kind)},
		},
	}
	return k.notifyWriter.WriteMessages(ctx, msg)
}

// GetHeaderValue 从消息头中获取指定键的值
func GetHeaderValue(headers []kafka.Header, key string) string {
	for _, header := range headers {
		if header.Key == key {
			return string(header.Value)
		}
	}
	return ""
}
