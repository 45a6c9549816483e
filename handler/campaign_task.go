package handler

import (
	"context"
	"log/slog"
	"time"

	"groupon_system/model"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// CampaignTaskHandler 活动上线与过期的定时任务
type CampaignTaskHandler struct {
	store           GrouponStore
	cache           PromotionCache
	expireTolerance time.Duration // 允许过期任务提前触发的时长
	now             func() time.Time
}

// NewCampaignTaskHandler 创建活动定时任务处理器
func NewCampaignTaskHandler(store GrouponStore, cache PromotionCache, expireTolerance time.Duration, now func() time.Time) *CampaignTaskHandler {
	if now == nil {
		now = time.Now
	}
	return &CampaignTaskHandler{
		store:           store,
		cache:           cache,
		expireTolerance: expireTolerance,
		now:             now,
	}
}

// Publish 活动开始时把拼团信息写入商品页缓存，缓存随活动结束过期
func (h *CampaignTaskHandler) Publish(ctx context.Context, grouponId int64) error {
	groupon, err := h.store.FindGrouponById(nil, grouponId)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		slog.Warn("Publish skipped, groupon not found", "groupon_id", grouponId)
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "find groupon %d", grouponId)
	}

	now := h.now()
	if groupon.Status != model.GrouponStatusOn || !groupon.ToDatetime.After(now) {
		slog.Warn("Publish skipped, groupon not publishable",
			"groupon_id", grouponId,
			"status", groupon.Status,
			"to_datetime", groupon.ToDatetime,
		)
		return nil
	}

	ttl := groupon.ToDatetime.Sub(now)
	if err := h.cache.SetPromotionEvent(ctx, model.NewPromotionEvent(groupon), ttl); err != nil {
		return errors.Wrapf(err, "publish promotion event of groupon %d", grouponId)
	}
	slog.Info("Promotion event published", "groupon_id", grouponId, "ttl", ttl)
	return nil
}

// Expire 活动结束时把活动置为过期，提前超过容忍时长触发的任务忽略
func (h *CampaignTaskHandler) Expire(ctx context.Context, grouponId int64) error {
	groupon, err := h.store.FindGrouponById(nil, grouponId)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		slog.Warn("Expire skipped, groupon not found", "groupon_id", grouponId)
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "find groupon %d", grouponId)
	}
	if groupon.Status == model.GrouponStatusExpired {
		return nil
	}

	if h.now().Before(groupon.ToDatetime.Add(-h.expireTolerance)) {
		slog.Warn("Expire skipped, fired before groupon end",
			"groupon_id", grouponId,
			"to_datetime", groupon.ToDatetime,
		)
		return nil
	}

	return h.store.WithTransaction(func(tx *gorm.DB) error {
		rows, err := h.store.UpdateGrouponStatus(tx, grouponId, model.GrouponStatusExpired)
		if err != nil {
			return errors.Wrapf(err, "expire groupon %d", grouponId)
		}
		if rows == 0 {
			return nil
		}
		slog.Info("Groupon expired", "groupon_id", grouponId)
		return h.store.AddOperLog(tx, model.LogModuleGroupon, model.OperLogEntry{
			ShopId:    groupon.ShopId,
			TargetId:  grouponId,
			Operation: model.OperExpire,
		})
	})
}
