package scheduler

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskName 定时任务名称
type TaskName string

const (
	TaskGrouponPublish  TaskName = "groupon.publish"   // 活动开始，写入商品页缓存
	TaskGrouponExpire   TaskName = "groupon.expire"    // 活动结束，置为过期
	TaskOrderAutoCancel TaskName = "order.auto_cancel" // 订单超时未支付
	TaskAttendTimeout   TaskName = "attend.timeout"    // 团超过截止时间未成团
)

// Task 一次定时任务
type Task struct {
	TaskId   string    `json:"task_id"`
	Name     TaskName  `json:"name"`
	ShopId   int64     `json:"shop_id,omitempty"`
	TargetId int64     `json:"target_id"` // 活动、订单或团的ID
	RunAt    time.Time `json:"run_at"`
}

// Key 同一业务对象的任务使用相同的消息键
func (t Task) Key() string {
	return fmt.Sprintf("%s:%d", t.Name, t.TargetId)
}

// Encode 序列化任务
func (t Task) Encode() ([]byte, error) {
	return json.Marshal(t)
}

// DecodeTask 反序列化任务
func DecodeTask(data []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return Task{}, fmt.Errorf("decode task failed: %w", err)
	}
	if t.Name == "" {
		return Task{}, fmt.Errorf("decode task failed: missing name")
	}
	return t, nil
}
