package notification

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Publisher 通知消息的投递通道
type Publisher interface {
	SendNotifyMessage(ctx context.Context, key, kind string, payload []byte) error
}

// Message 投递到消息队列的通知消息
type Message struct {
	MessageId string    `json:"message_id"`
	Kind      Kind      `json:"kind"`
	Recipient Recipient `json:"recipient"`
	Payload   Payload   `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// Dispatcher 通知分发器，投递失败只记录日志
type Dispatcher struct {
	publisher Publisher
}

// NewDispatcher 创建通知分发器
func NewDispatcher(publisher Publisher) *Dispatcher {
	return &Dispatcher{publisher: publisher}
}

// Dispatch 按模板构建通知并逐个接收方投递，返回投递成功的条数
func (d *Dispatcher) Dispatch(ctx context.Context, kind Kind, c Context) int {
	tmpl, ok := Lookup(kind)
	if !ok {
		slog.Error("Notification template not registered", "kind", kind)
		return 0
	}

	recipients, payload := tmpl.Build(c)
	sent := 0
	for _, r := range recipients {
		msg := Message{
			MessageId: uuid.NewString(),
			Kind:      kind,
			Recipient: r,
			Payload:   payload,
			CreatedAt: time.Now(),
		}
		data, err := json.Marshal(msg)
		if err != nil {
			slog.Error("Failed to marshal notification", "kind", kind, "error", err)
			continue
		}
		if err := d.publisher.SendNotifyMessage(ctx, msg.MessageId, string(kind), data); err != nil {
			slog.Warn("Failed to send notification",
				"kind", kind,
				"channel", r.Channel,
				"shop_id", r.ShopId,
				"customer_id", r.CustomerId,
				"error", err,
			)
			continue
		}
		sent++
	}

	slog.Info("Notification dispatched",
		"kind", kind,
		"attend_id", c.Attend.AttendId,
		"recipients", len(recipients),
		"sent", sent,
	)
	return sent
}
