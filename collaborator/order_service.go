package collaborator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"groupon_system/global"
	"groupon_system/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// 取消失败的原因
const (
	ReasonOrderNotFound   = "订单不存在"
	ReasonOrderPaid       = "订单已支付"
	ReasonOrderNotPending = "订单当前状态不允许取消"
)

// OrderService 订单服务，负责订单状态流转和成交后的库存、积分
type OrderService struct {
	db      *gorm.DB
	refunds map[model.RefundChannel]Refunder
}

// NewOrderService 创建订单服务
func NewOrderService(refunders ...Refunder) *OrderService {
	return NewOrderServiceWithDB(global.DBClient, refunders...)
}

// NewOrderServiceWithDB 使用指定数据库连接创建订单服务
func NewOrderServiceWithDB(db *gorm.DB, refunders ...Refunder) *OrderService {
	s := &OrderService{db: db, refunds: make(map[model.RefundChannel]Refunder, len(refunders))}
	for _, r := range refunders {
		s.refunds[r.Channel()] = r
	}
	return s
}

// NewOrderNum 生成订单号
func NewOrderNum() string {
	return "GO" + time.Now().Format("20060102") + uuid.NewString()[:8]
}

// CreateOrder 在调用方事务中创建未支付订单
func (s *OrderService) CreateOrder(tx *gorm.DB, order *model.Order) error {
	if order.OrderNum == "" {
		order.OrderNum = NewOrderNum()
	}
	order.Status = model.OrderStatusUnpaid
	if err := tx.Create(order).Error; err != nil {
		return fmt.Errorf("create order failed: %w", err)
	}
	return nil
}

// conn 传入事务时在事务中执行，否则使用默认连接
func (s *OrderService) conn(ctx context.Context, tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx.WithContext(ctx)
	}
	return s.db.WithContext(ctx)
}

// transaction 传入事务时直接加入，随调用方一起提交或回滚
func (s *OrderService) transaction(ctx context.Context, tx *gorm.DB, fn func(tx *gorm.DB) error) error {
	if tx != nil {
		return fn(tx.WithContext(ctx))
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

// CancelOrder 取消未支付订单
func (s *OrderService) CancelOrder(ctx context.Context, tx *gorm.DB, shopId, orderId int64) (bool, string, error) {
	db := s.conn(ctx, tx)
	result := db.Model(&model.Order{}).
		Where("order_id = ? AND shop_id = ? AND status = ?", orderId, shopId, model.OrderStatusUnpaid).
		Update("status", model.OrderStatusCanceled)
	if result.Error != nil {
		return false, "", fmt.Errorf("cancel order %d failed: %w", orderId, result.Error)
	}
	if result.RowsAffected > 0 {
		slog.Info("Order canceled", "order_id", orderId, "shop_id", shopId)
		return true, "", nil
	}

	var order model.Order
	err := db.Where("order_id = ? AND shop_id = ?", orderId, shopId).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, ReasonOrderNotFound, nil
	}
	if err != nil {
		return false, "", fmt.Errorf("find order %d failed: %w", orderId, err)
	}
	switch order.Status {
	case model.OrderStatusWaiting, model.OrderStatusPaid, model.OrderStatusConfirmed, model.OrderStatusFinished:
		return false, ReasonOrderPaid, nil
	}
	return false, ReasonOrderNotPending, nil
}

// MarkPaid 记录支付结果：拼团订单进入等待成团，普通订单直接为已支付。
// 返回false表示订单不是未支付状态，重复回调时不再处理
func (s *OrderService) MarkPaid(tx *gorm.DB, orderId int64, payType model.PayType, paidAt time.Time) (bool, error) {
	var order model.Order
	if err := tx.Where("order_id = ?", orderId).First(&order).Error; err != nil {
		return false, fmt.Errorf("find order %d failed: %w", orderId, err)
	}

	to := model.OrderStatusPaid
	if order.OrderType == model.OrderTypeGroupon {
		to = model.OrderStatusWaiting
	}
	result := tx.Model(&model.Order{}).
		Where("order_id = ? AND status = ?", orderId, model.OrderStatusUnpaid).
		Updates(map[string]any{"status": to, "pay_type": payType, "paid_time": paidAt})
	if result.Error != nil {
		return false, fmt.Errorf("mark order %d paid failed: %w", orderId, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// DirectPay 成团后确认订单，扣减库存并发放积分
func (s *OrderService) DirectPay(ctx context.Context, tx *gorm.DB, order model.Order) (bool, error) {
	confirmed := false
	err := s.transaction(ctx, tx, func(tx *gorm.DB) error {
		result := tx.Model(&model.Order{}).
			Where("order_id = ? AND status = ?", order.OrderId, model.OrderStatusWaiting).
			Update("status", model.OrderStatusConfirmed)
		if result.Error != nil {
			return fmt.Errorf("confirm order %d failed: %w", order.OrderId, result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}
		if err := AdjustInventory(tx, order.ProductId, -int64(order.Quantity), model.StockReasonGrouponSale, order.OrderId); err != nil {
			return err
		}
		if err := AwardPoints(tx, order); err != nil {
			return err
		}
		confirmed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if !confirmed {
		slog.Warn("Direct pay skipped, order not waiting", "order_id", order.OrderId)
	}
	return confirmed, nil
}

// RefundOrder 按渠道退款，记录退款结果并更新订单状态
func (s *OrderService) RefundOrder(ctx context.Context, order model.Order, channel model.RefundChannel) (bool, string, error) {
	refunder, ok := s.refunds[channel]
	if !ok {
		return false, "", fmt.Errorf("refund channel %s not registered", channel)
	}

	success, reason := true, ""
	if err := refunder.Refund(ctx, order); err != nil {
		success, reason = false, err.Error()
		slog.Warn("Refund rejected", "order_id", order.OrderId, "channel", channel, "error", err)
	}

	status := model.OrderStatusRefunded
	if !success {
		status = model.OrderStatusRefundFail
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record := &model.RefundRecord{
			ShopId:  order.ShopId,
			OrderId: order.OrderId,
			Channel: channel,
			Amount:  order.NetAmount,
			Success: success,
			Reason:  truncate(reason, 255),
		}
		if err := tx.Create(record).Error; err != nil {
			return fmt.Errorf("create refund record failed: %w", err)
		}
		var current model.Order
		if err := tx.Where("order_id = ?", order.OrderId).First(&current).Error; err != nil {
			return fmt.Errorf("find order %d failed: %w", order.OrderId, err)
		}
		if err := tx.Model(&model.Order{}).
			Where("order_id = ?", order.OrderId).
			Update("status", status).Error; err != nil {
			return fmt.Errorf("update order %d status failed: %w", order.OrderId, err)
		}
		if !success || !isSettled(current.Status) {
			return nil
		}
		// 已成交的订单退款时回补库存并扣回积分
		if err := AdjustInventory(tx, current.ProductId, int64(current.Quantity), model.StockReasonOrderRefunded, current.OrderId); err != nil {
			return err
		}
		return ReversePoints(tx, current)
	})
	if err != nil {
		return false, "", fmt.Errorf("save refund of order %d failed: %w", order.OrderId, err)
	}
	return success, reason, nil
}

// IsNewCustomer 客户在店铺内没有已确认或已完成的订单即为新客户
func (s *OrderService) IsNewCustomer(ctx context.Context, shopId, customerId int64) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.Order{}).
		Where("shop_id = ? AND customer_id = ? AND status IN ?", shopId, customerId, []model.OrderStatus{
			model.OrderStatusConfirmed, model.OrderStatusFinished,
		}).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("count orders of customer %d failed: %w", customerId, err)
	}
	return count == 0, nil
}

func isSettled(s model.OrderStatus) bool {
	return s == model.OrderStatusConfirmed || s == model.OrderStatusFinished
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
