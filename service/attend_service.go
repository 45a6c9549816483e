package service

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"groupon_system/handler"
	"groupon_system/model"
	"groupon_system/notification"
	"groupon_system/scheduler"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// AttendResult 开团或参团结果，客户随后为Order支付
type AttendResult struct {
	Attend model.GrouponAttend `json:"attend"`
	Order  model.Order         `json:"order"`
}

// PaymentResult 支付回调处理结果
type PaymentResult struct {
	OrderId      int64  `json:"order_id"`
	Duplicate    bool   `json:"duplicate"`               // 订单已不是未支付状态，本次回调未做处理
	Outcome      string `json:"outcome,omitempty"`       // 拼团订单的成团结算结果
	Refunded     bool   `json:"refunded,omitempty"`      // 订单已取消或团已结束，款项原路退回
	RefundFailed bool   `json:"refund_failed,omitempty"` // 退回失败，已通知店铺员工
}

// OpenAttend 团长开团，团在团长支付后才开始计时
func (s *GrouponService) OpenAttend(ctx context.Context, grouponId, customerId int64, quantity int32) (AttendResult, error) {
	var result AttendResult
	if quantity <= 0 {
		return result, reject("购买数量必须大于0")
	}

	groupon, err := s.store.FindGrouponById(nil, grouponId)
	if err != nil {
		return result, errors.Wrapf(err, "find groupon %d", grouponId)
	}
	isNew, err := s.orders.IsNewCustomer(ctx, groupon.ShopId, customerId)
	if err != nil {
		return result, err
	}

	err = s.store.WithTransaction(func(tx *gorm.DB) error {
		groupon, err := s.store.FindGrouponById(tx, grouponId)
		if err != nil {
			return errors.Wrapf(err, "find groupon %d", grouponId)
		}
		attend := model.GrouponAttend{
			GrouponId:   groupon.GrouponId,
			ShopId:      groupon.ShopId,
			SponsorId:   customerId,
			SuccessSize: groupon.SuccessSize,
			Status:      model.AttendStatusCreated,
		}
		if err := s.checkJoin(tx, groupon, attend, customerId, isNew, quantity); err != nil {
			return err
		}

		attend.Size = 1
		if err := s.store.CreateAttend(tx, &attend); err != nil {
			return errors.Wrap(err, "create attend")
		}
		order, err := s.createMember(tx, groupon, attend, customerId, isNew, true, quantity)
		if err != nil {
			return err
		}
		result = AttendResult{Attend: attend, Order: order}
		return nil
	})
	if err != nil {
		return AttendResult{}, err
	}

	slog.Info("Attend opened",
		"attend_id", result.Attend.AttendId,
		"groupon_id", grouponId,
		"sponsor_id", customerId,
		"order_id", result.Order.OrderId,
	)
	s.scheduleAutoCancel(ctx, result.Order)
	return result, nil
}

// JoinAttend 客户参加已开始计时的团，在团的行锁内做参团校验并占用名额
func (s *GrouponService) JoinAttend(ctx context.Context, attendId, customerId int64, quantity int32) (AttendResult, error) {
	var result AttendResult
	if quantity <= 0 {
		return result, reject("购买数量必须大于0")
	}

	attend, err := s.store.FindAttendById(nil, attendId)
	if err != nil {
		return result, errors.Wrapf(err, "find attend %d", attendId)
	}
	if attend.SponsorId == customerId {
		return result, reject("您已参加过该团，请勿重复参团")
	}
	isNew, err := s.orders.IsNewCustomer(ctx, attend.ShopId, customerId)
	if err != nil {
		return result, err
	}

	err = s.store.WithTransaction(func(tx *gorm.DB) error {
		attend, err := s.store.LockAttendById(tx, attendId)
		if err != nil {
			return errors.Wrapf(err, "lock attend %d", attendId)
		}
		groupon, err := s.store.FindGrouponById(tx, attend.GrouponId)
		if err != nil {
			return errors.Wrapf(err, "find groupon %d", attend.GrouponId)
		}
		if err := s.checkJoin(tx, groupon, attend, customerId, isNew, quantity); err != nil {
			return err
		}

		order, err := s.createMember(tx, groupon, attend, customerId, isNew, false, quantity)
		if err != nil {
			return err
		}
		attend.Size++
		if err := s.store.SaveAttend(tx, &attend); err != nil {
			return errors.Wrapf(err, "save attend %d", attendId)
		}
		result = AttendResult{Attend: attend, Order: order}
		return nil
	})
	if err != nil {
		return AttendResult{}, err
	}

	slog.Info("Attend joined",
		"attend_id", attendId,
		"customer_id", customerId,
		"size", result.Attend.Size,
		"order_id", result.Order.OrderId,
	)
	s.scheduleAutoCancel(ctx, result.Order)
	return result, nil
}

// HandleOrderPaid 支付回调：记录支付，团长支付后团开始计时，随后尝试成团
func (s *GrouponService) HandleOrderPaid(ctx context.Context, orderId int64, payType model.PayType) (PaymentResult, error) {
	result := PaymentResult{OrderId: orderId}
	order, err := s.store.FindOrderById(nil, orderId)
	if err != nil {
		return result, errors.Wrapf(err, "find order %d", orderId)
	}
	isGroupon := order.OrderType == model.OrderTypeGroupon

	var attend model.GrouponAttend
	var timeoutAt *time.Time
	var late *model.Order // 收到款但订单已不能成交，需退回
	marked := false
	err = s.store.WithTransaction(func(tx *gorm.DB) error {
		var err error
		if isGroupon {
			// 先锁团再改订单，与结算保持相同的加锁顺序
			attend, err = s.store.LockAttendById(tx, order.GrouponAttendId)
			if err != nil {
				return errors.Wrapf(err, "lock attend %d", order.GrouponAttendId)
			}
		}

		marked, err = s.orders.MarkPaid(tx, orderId, payType, s.now())
		if err != nil {
			return err
		}
		if !marked {
			// 自动取消先于支付回调完成
			current, err := s.store.FindOrderById(tx, orderId)
			if err != nil {
				return errors.Wrapf(err, "find order %d", orderId)
			}
			if current.Status == model.OrderStatusCanceled {
				current.PayType = payType
				late = &current
			}
			return nil
		}
		if !isGroupon {
			return nil
		}

		if attend.Status != model.AttendStatusCreated && attend.Status != model.AttendStatusWaiting {
			slog.Warn("Order paid after attend closed, refunding",
				"order_id", orderId,
				"attend_id", attend.AttendId,
				"attend_status", attend.Status.String(),
			)
			if attend.Status == model.AttendStatusFailed {
				// 失败团的补退流程会退回等待中的订单
				return nil
			}
			current, err := s.store.FindOrderById(tx, orderId)
			if err != nil {
				return errors.Wrapf(err, "find order %d", orderId)
			}
			late = &current
			return nil
		}

		detail, err := s.store.FindDetailByOrderId(tx, orderId)
		if err != nil {
			return errors.Wrapf(err, "find detail of order %d", orderId)
		}
		detail.Status = model.DetailStatusPaid
		if err := s.store.SaveDetail(tx, &detail); err != nil {
			return errors.Wrapf(err, "save detail of order %d", orderId)
		}

		if detail.IsSponsor && attend.Status == model.AttendStatusCreated {
			groupon, err := s.store.FindGrouponById(tx, attend.GrouponId)
			if err != nil {
				return errors.Wrapf(err, "find groupon %d", attend.GrouponId)
			}
			deadline := s.now().Add(time.Duration(groupon.SuccessValidHour) * time.Hour)
			attend.Status = model.AttendStatusWaiting
			attend.ValidDeadline = &deadline
			if err := s.store.SaveAttend(tx, &attend); err != nil {
				return errors.Wrapf(err, "start attend %d", attend.AttendId)
			}
			timeoutAt = &deadline
		}
		return nil
	})
	if err != nil {
		return result, err
	}

	if late != nil {
		if s.refundLatePayment(ctx, *late, attend) {
			result.Refunded = true
		} else {
			result.RefundFailed = true
		}
		return result, nil
	}
	if marked && isGroupon && attend.Status == model.AttendStatusFailed {
		if !s.settlementEnabled.Load() {
			slog.Warn("Timeout settlement disabled, refund left to sweeper", "order_id", orderId, "attend_id", attend.AttendId)
			return result, nil
		}
		failed, err := s.settlement.TryFail(ctx, attend.AttendId, attend.FailedReason)
		if err != nil {
			return result, err
		}
		result.Refunded = slices.Contains(failed.Refunded, orderId)
		result.RefundFailed = slices.Contains(failed.RefundFailed, orderId)
		return result, nil
	}
	if !marked {
		slog.Info("Duplicate payment callback ignored", "order_id", orderId)
		result.Duplicate = true
		return result, nil
	}
	if !isGroupon || attend.Status != model.AttendStatusWaiting {
		return result, nil
	}

	if timeoutAt != nil {
		if err := s.tasks.Schedule(ctx, scheduler.TaskAttendTimeout, attend.ShopId, attend.AttendId, *timeoutAt); err != nil {
			slog.Error("Failed to schedule attend timeout", "attend_id", attend.AttendId, "error", err.Error())
		}
	}

	settled, err := s.settlement.TrySettle(ctx, attend.AttendId, false)
	if errors.Is(err, handler.ErrInvalidState) {
		slog.Info("Attend already settled by another path", "attend_id", attend.AttendId)
		return result, nil
	}
	if err != nil {
		return result, err
	}
	result.Outcome = settled.Outcome.String()
	return result, nil
}

// refundLatePayment 退回无法成交的款项，失败时通知店铺员工人工处理
func (s *GrouponService) refundLatePayment(ctx context.Context, order model.Order, attend model.GrouponAttend) bool {
	ok, reason, err := s.orders.RefundOrder(ctx, order, model.RefundChannelFor(order.PayType))
	if err == nil && ok {
		slog.Info("Late payment refunded", "order_id", order.OrderId, "status", order.Status.String())
		return true
	}
	if err != nil {
		reason = err.Error()
	}
	slog.Error("Failed to refund late payment", "order_id", order.OrderId, "reason", reason)

	if attend.AttendId == 0 {
		attend = model.GrouponAttend{ShopId: order.ShopId, AttendId: order.GrouponAttendId}
	}
	if s.notifier != nil {
		s.notifier.Dispatch(ctx, notification.KindRefundFailedStaff, notification.Context{
			Attend: attend,
			Orders: []model.Order{order},
		})
	}
	return false
}

// ForceSettle 管理员强制成团，不足的人数以匿名名额补足
func (s *GrouponService) ForceSettle(ctx context.Context, attendId int64) (handler.SettleResult, error) {
	result, err := s.settlement.TrySettle(ctx, attendId, true)
	if errors.Is(err, handler.ErrInvalidState) {
		return result, reject("团当前状态不能强制成团")
	}
	return result, err
}

func (s *GrouponService) checkJoin(tx *gorm.DB, g model.Groupon, a model.GrouponAttend, customerId int64, isNew bool, quantity int32) error {
	result, err := handler.EvaluateJoin(tx, s.store, handler.JoinRequest{
		Groupon:       g,
		Attend:        a,
		CustomerId:    customerId,
		IsNewCustomer: isNew,
		Quantity:      quantity,
	}, s.now())
	if err != nil {
		return err
	}
	if !result.Ok {
		slog.Info("Join rejected",
			"groupon_id", g.GrouponId,
			"attend_id", a.AttendId,
			"customer_id", customerId,
			"check", result.Check.String(),
		)
		return &RejectError{Message: result.Reason}
	}
	return nil
}

// createMember 创建拼团订单和参团明细
func (s *GrouponService) createMember(tx *gorm.DB, g model.Groupon, a model.GrouponAttend, customerId int64, isNew, sponsor bool, quantity int32) (model.Order, error) {
	amount := g.Price.Mul(decimal.NewFromInt32(quantity))
	order := model.Order{
		ShopId:          g.ShopId,
		CustomerId:      customerId,
		ProductId:       g.ProductId,
		OrderType:       model.OrderTypeGroupon,
		GrouponAttendId: a.AttendId,
		Quantity:        quantity,
		TotalAmount:     amount,
		NetAmount:       amount,
	}
	if err := s.orders.CreateOrder(tx, &order); err != nil {
		return order, err
	}

	detail := model.GrouponAttendDetail{
		AttendId:      a.AttendId,
		GrouponId:     g.GrouponId,
		CustomerId:    customerId,
		OrderId:       order.OrderId,
		IsSponsor:     sponsor,
		IsNewCustomer: isNew,
		Status:        model.DetailStatusUnpaid,
	}
	if err := s.store.CreateDetail(tx, &detail); err != nil {
		return order, errors.Wrapf(err, "create detail of attend %d", a.AttendId)
	}
	return order, nil
}

func (s *GrouponService) scheduleAutoCancel(ctx context.Context, order model.Order) {
	err := s.tasks.ScheduleAfter(ctx, scheduler.TaskOrderAutoCancel, order.ShopId, order.OrderId, s.autoCancelDelay)
	if err != nil {
		slog.Error("Failed to schedule order auto cancel", "order_id", order.OrderId, "error", err.Error())
	}
}
