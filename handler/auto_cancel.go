package handler

import (
	"context"
	"log/slog"

	"groupon_system/model"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// AutoCancelHandler 订单超时未支付的自动取消
type AutoCancelHandler struct {
	store   GrouponStore
	orders  OrderService
	settler Settler
}

// NewAutoCancelHandler 创建自动取消处理器
func NewAutoCancelHandler(store GrouponStore, orders OrderService, settler Settler) *AutoCancelHandler {
	return &AutoCancelHandler{store: store, orders: orders, settler: settler}
}

// AutoCancel 取消超时订单。拼团订单先锁团再取消，与支付回调互斥；
// 取消时发现已支付，转为尝试成团
func (h *AutoCancelHandler) AutoCancel(ctx context.Context, shopId, orderId int64) error {
	order, err := h.store.FindOrderById(nil, orderId)
	if err != nil {
		return errors.Wrapf(err, "find order %d", orderId)
	}
	if order.OrderType != model.OrderTypeGroupon {
		ok, reason, err := h.orders.CancelOrder(ctx, nil, shopId, orderId)
		if err != nil {
			return errors.Wrapf(err, "cancel order %d", orderId)
		}
		if !ok {
			slog.Info("Auto cancel skipped", "order_id", orderId, "reason", reason)
		}
		return nil
	}

	paid := false
	err = h.store.WithTransaction(func(tx *gorm.DB) error {
		attend, err := h.store.LockAttendById(tx, order.GrouponAttendId)
		if err != nil {
			return errors.Wrapf(err, "lock attend %d", order.GrouponAttendId)
		}
		ok, reason, err := h.orders.CancelOrder(ctx, tx, shopId, orderId)
		if err != nil {
			return errors.Wrapf(err, "cancel order %d", orderId)
		}
		if ok {
			return h.releaseSlot(tx, attend, orderId)
		}

		current, err := h.store.FindOrderById(tx, orderId)
		if err != nil {
			return errors.Wrapf(err, "find order %d", orderId)
		}
		paid = isPaidStatus(current.Status)
		if !paid {
			slog.Info("Auto cancel skipped", "order_id", orderId, "status", current.Status.String(), "reason", reason)
		}
		return nil
	})
	if err != nil || !paid {
		return err
	}

	slog.Info("Groupon order already paid, trying settle", "order_id", orderId, "attend_id", order.GrouponAttendId)
	_, err = h.settler.TrySettle(ctx, order.GrouponAttendId, false)
	if errors.Is(err, ErrInvalidState) {
		slog.Info("Attend already settled", "attend_id", order.GrouponAttendId)
		return nil
	}
	return err
}

// releaseSlot 拼团订单取消后让出名额；团长未支付就取消时团直接失效
func (h *AutoCancelHandler) releaseSlot(tx *gorm.DB, attend model.GrouponAttend, orderId int64) error {
	detail, err := h.store.FindDetailByOrderId(tx, orderId)
	if err != nil {
		return errors.Wrapf(err, "find detail of order %d", orderId)
	}
	if detail.Status != model.DetailStatusUnpaid {
		return nil
	}

	detail.Status = model.DetailStatusExpired
	if err := h.store.SaveDetail(tx, &detail); err != nil {
		return errors.Wrapf(err, "expire detail %d", detail.DetailId)
	}
	if attend.Status.IsTerminal() {
		return nil
	}

	if detail.IsSponsor {
		if attend.Status != model.AttendStatusCreated {
			return nil
		}
		attend.Status = model.AttendStatusExpired
		slog.Info("Sponsor order canceled, attend expired", "attend_id", attend.AttendId)
	} else if attend.Size > 0 {
		attend.Size--
		slog.Info("Member order canceled, slot released", "attend_id", attend.AttendId, "size", attend.Size)
	}
	return h.store.SaveAttend(tx, &attend)
}

func isPaidStatus(s model.OrderStatus) bool {
	switch s {
	case model.OrderStatusWaiting, model.OrderStatusPaid, model.OrderStatusConfirmed, model.OrderStatusFinished:
		return true
	}
	return false
}
