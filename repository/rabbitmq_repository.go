package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"groupon_system/config"
	"groupon_system/global"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQRepository 通过RabbitMQ投递通知消息
type RabbitMQRepository struct {
	conn  *amqp.Connection
	queue string

	mu sync.Mutex    // amqp.Channel不支持并发发布
	ch *amqp.Channel // 懒加载的发布通道
}

// NewRabbitMQRepository 创建RabbitMQ仓库实例
func NewRabbitMQRepository() *RabbitMQRepository {
	return &RabbitMQRepository{
		conn:  global.RabbitConn,
		queue: config.AppConfig.RabbitMQ.Queue,
	}
}

// channel 获取可用的发布通道，通道关闭后重新创建
func (r *RabbitMQRepository) channel() (*amqp.Channel, error) {
	if r.ch != nil && !r.ch.IsClosed() {
		return r.ch, nil
	}

	ch, err := r.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open rabbitmq channel failed: %w", err)
	}
	if _, err := ch.QueueDeclare(r.queue, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare queue %s failed: %w", r.queue, err)
	}
	r.ch = ch
	return ch, nil
}

// SendNotifyMessage 发送通知消息到队列
func (r *RabbitMQRepository) SendNotifyMessage(ctx context.Context, key, kind string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, err := r.channel()
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(ctx, "", r.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    key,
		Type:         kind,
		Timestamp:    time.Now(),
		Body:         payload,
	})
	if err != nil {
		return fmt.Errorf("publish notify message failed: %w", err)
	}
	return nil
}

// Close 关闭发布通道
func (r *RabbitMQRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ch != nil {
		return r.ch.Close()
	}
	return nil
}
