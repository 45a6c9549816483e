package repository

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"groupon_system/global"
	"groupon_system/model"

	"github.com/go-redis/redis/v8"
)

// 延时队列的两个键共用哈希标签，集群模式下落在同一个slot
const (
	DelayQueueKey    = "{groupon:delay}:tasks"    // 有序集合，成员为任务键，score为执行时间（毫秒）
	DelayPayloadsKey = "{groupon:delay}:payloads" // 任务键到任务内容
)

var (
	//go:embed scripts/promotion_incr.lua
	promotionIncrLua string
	//go:embed scripts/delay_pop.lua
	delayPopLua string

	promotionIncrScript = redis.NewScript(promotionIncrLua)
	delayPopScript      = redis.NewScript(delayPopLua)
)

// RedisRepository Redis缓存仓库层
// 负责拼团展示信息和延时任务队列
type RedisRepository struct {
	client redis.UniversalClient
}

// NewRedisRepository 创建Redis仓库实例
func NewRedisRepository() *RedisRepository {
	return NewRedisRepositoryWithClient(global.RedisClusterClient)
}

// NewRedisRepositoryWithClient 使用指定客户端创建Redis仓库实例
func NewRedisRepositoryWithClient(client redis.UniversalClient) *RedisRepository {
	return &RedisRepository{client: client}
}

// PromotionEventKey 展示信息键，按店铺和商品区分
func PromotionEventKey(shopId, productId int64) string {
	return fmt.Sprintf("promotion_event:{%d:%d}", shopId, productId)
}

// SetPromotionEvent 写入拼团展示信息并设置过期时间
func (r *RedisRepository) SetPromotionEvent(ctx context.Context, event model.PromotionEvent, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("promotion event ttl must be positive, got %v", ttl)
	}
	key := PromotionEventKey(event.ShopId, event.ProductId)

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, event.Fields())
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store promotion event failed: %w", err)
	}

	slog.Info("Promotion event stored",
		"key", key,
		"groupon_id", event.GrouponId,
		"ttl", ttl,
	)
	return nil
}

// IncrPromotionEvent 累加展示信息中的成团计数，展示信息不存在时返回false
func (r *RedisRepository) IncrPromotionEvent(ctx context.Context, shopId, productId, count, quantity int64) (bool, error) {
	key := PromotionEventKey(shopId, productId)
	result, err := promotionIncrScript.Run(ctx, r.client, []string{key}, count, quantity).Int64()
	if err != nil {
		return false, fmt.Errorf("increase promotion event failed: %w", err)
	}

	if result == 0 {
		slog.Warn("Promotion event missing, counter mirror skipped", "key", key)
		return false, nil
	}
	slog.Info("Promotion event counters increased",
		"key", key,
		"count", count,
		"quantity", quantity,
	)
	return true, nil
}

// GetPromotionEvent 读取拼团展示信息
func (r *RedisRepository) GetPromotionEvent(ctx context.Context, shopId, productId int64) (model.PromotionEvent, bool, error) {
	var event model.PromotionEvent
	cmd := r.client.HGetAll(ctx, PromotionEventKey(shopId, productId))
	if err := cmd.Err(); err != nil {
		return event, false, fmt.Errorf("get promotion event failed: %w", err)
	}
	if len(cmd.Val()) == 0 {
		return event, false, nil
	}
	if err := cmd.Scan(&event); err != nil {
		return event, false, fmt.Errorf("scan promotion event failed: %w", err)
	}
	return event, true, nil
}

// DeletePromotionEvent 删除拼团展示信息
func (r *RedisRepository) DeletePromotionEvent(ctx context.Context, shopId, productId int64) error {
	return r.client.Del(ctx, PromotionEventKey(shopId, productId)).Err()
}

// PushDelayTask 将任务放入延时队列，同一任务键只保留最后一次投递
func (r *RedisRepository) PushDelayTask(ctx context.Context, key string, payload []byte, runAt time.Time) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, DelayPayloadsKey, key, payload)
		pipe.ZAdd(ctx, DelayQueueKey, &redis.Z{
			Score:  float64(runAt.UnixMilli()),
			Member: key,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("push delay task %s failed: %w", key, err)
	}
	return nil
}

// PopDueTasks 原子取出已到期的延时任务
func (r *RedisRepository) PopDueTasks(ctx context.Context, now time.Time, limit int) ([][]byte, error) {
	items, err := delayPopScript.Run(ctx, r.client, []string{DelayQueueKey, DelayPayloadsKey},
		strconv.FormatInt(now.UnixMilli(), 10), limit).StringSlice()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("pop due tasks failed: %w", err)
	}

	payloads := make([][]byte, 0, len(items))
	for _, item := range items {
		payloads = append(payloads, []byte(item))
	}
	return payloads, nil
}
