package repository

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"groupon_system/global"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// ETCDRepository 封装与ETCD交互的仓库操作
type ETCDRepository struct {
	client *clientv3.Client // ETCD客户端实例
}

// NewETCDRepository 创建ETCD仓库实例
func NewETCDRepository() *ETCDRepository {
	return &ETCDRepository{
		client: global.EtcdClient,
	}
}

// shopNotifyKey 店铺通知偏好键
func shopNotifyKey(shopId int64, kind string) string {
	return fmt.Sprintf("%s%d/notify/%s", global.EtcdKeyShopPrefix, shopId, kind)
}

// GetShopNotifyEnabled 获取店铺某类通知是否开启，未配置时默认开启
func (e *ETCDRepository) GetShopNotifyEnabled(ctx context.Context, shopId int64, kind string) (bool, error) {
	resp, err := e.client.Get(ctx, shopNotifyKey(shopId, kind))
	if err != nil {
		return true, fmt.Errorf("get shop notify preference failed: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return true, nil
	}
	enabled, err := strconv.ParseBool(string(resp.Kvs[0].Value))
	if err != nil {
		return true, nil
	}
	return enabled, nil
}

// SetShopNotifyEnabled 设置店铺某类通知开关
func (e *ETCDRepository) SetShopNotifyEnabled(ctx context.Context, shopId int64, kind string, enabled bool) error {
	_, err := e.client.Put(ctx, shopNotifyKey(shopId, kind), strconv.FormatBool(enabled))
	if err != nil {
		return fmt.Errorf("set shop notify preference failed: %w", err)
	}
	return nil
}

// GetSettlementEnabled 获取团超时自动失败结算开关，关闭时超时的团暂缓退款
func (e *ETCDRepository) GetSettlementEnabled(ctx context.Context) (bool, error) {
	resp, err := e.client.Get(ctx, global.EtcdKeySettlementEnabled)
	if err != nil {
		return true, fmt.Errorf("get settlement enabled failed: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return true, nil
	}
	return string(resp.Kvs[0].Value) == "true", nil
}

// SetSettlementEnabled 设置团超时自动失败结算开关
func (e *ETCDRepository) SetSettlementEnabled(ctx context.Context, enabled bool) error {
	_, err := e.client.Put(ctx, global.EtcdKeySettlementEnabled, strconv.FormatBool(enabled))
	if err != nil {
		return fmt.Errorf("set settlement enabled failed: %w", err)
	}
	return nil
}

// WatchSettlementConfig 监听自动失败结算开关变化
func (e *ETCDRepository) WatchSettlementConfig(ctx context.Context, callback func(key, value string)) {
	rch := e.client.Watch(ctx, global.EtcdKeySettlementEnabled)

	go func() {
		for wresp := range rch {
			for _, ev := range wresp.Events {
				slog.Info("Etcd config changed",
					"type", ev.Type.String(),
					"key", string(ev.Kv.Key),
					"value", string(ev.Kv.Value),
				)
				if callback != nil {
					callback(string(ev.Kv.Key), string(ev.Kv.Value))
				}
			}
		}
	}()
}

// GetDistributedLock 获取分布式锁
func (e *ETCDRepository) GetDistributedLock(ctx context.Context, key string, ttl int) (bool, error) {
	lease, err := e.client.Grant(ctx, int64(ttl))
	if err != nil {
		return false, fmt.Errorf("grant lease failed: %w", err)
	}

	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, "locked", clientv3.WithLease(lease.ID))).
		Commit()
	if err != nil {
		return false, fmt.Errorf("etcd transaction failed: %w", err)
	}

	// 未抢到锁时回收租约
	if !resp.Succeeded {
		if _, err := e.client.Revoke(ctx, lease.ID); err != nil {
			slog.Warn("Failed to revoke unused lease", "key", key, "error", err)
		}
	}
	return resp.Succeeded, nil
}

// ReleaseDistributedLock 释放分布式锁
func (e *ETCDRepository) ReleaseDistributedLock(ctx context.Context, key string) error {
	if _, err := e.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete etcd key failed: %w", err)
	}
	return nil
}
