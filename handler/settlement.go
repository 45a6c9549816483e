package handler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"groupon_system/metrics"
	"groupon_system/model"
	"groupon_system/notification"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// SettleOutcome 成团结算结果
type SettleOutcome int8

const (
	SettleNotFull   SettleOutcome = iota + 1 // 人数未满
	SettleWaiting                            // 等待其他成员支付
	SettleSucceeded                          // 成团
)

func (o SettleOutcome) String() string {
	switch o {
	case SettleNotFull:
		return metrics.OutcomeNotFull
	case SettleWaiting:
		return metrics.OutcomeWaiting
	case SettleSucceeded:
		return metrics.OutcomeSucceeded
	}
	return "unknown"
}

// SettleResult 成团结算结果
type SettleResult struct {
	AttendId        int64
	Outcome         SettleOutcome
	Quantity        int64   // 本次成团商品件数
	Orders          []int64 // 参与结算的订单
	DirectPayFailed []int64 // 结算失败需人工处理的订单
	Canceled        []int64 // 强制成团时取消的未支付订单
}

// FailResult 失败结算结果
type FailResult struct {
	AttendId     int64
	Skipped      bool    // 团已不在等待中，未做任何处理
	Resumed      bool    // 团此前已失败，本次只补退遗留的订单
	Refunded     []int64 // 退款成功的订单
	RefundFailed []int64 // 退款失败的订单
	Canceled     []int64 // 已取消的未支付订单
	CancelFailed []int64 // 取消失败的未支付订单
}

// SettlementDeps 结算处理器依赖
type SettlementDeps struct {
	Store             GrouponStore
	Orders            OrderService
	Cache             PromotionCache
	Notifier          Notifier
	Preference        ShopPreference
	Tracer            trace.Tracer
	RefundConcurrency int
	Now               func() time.Time
}

// SettlementHandler 团的成团与失败结算
type SettlementHandler struct {
	store             GrouponStore
	orders            OrderService
	cache             PromotionCache
	notifier          Notifier
	preference        ShopPreference
	tracer            trace.Tracer
	refundConcurrency int
	now               func() time.Time
}

// NewSettlementHandler 创建结算处理器
func NewSettlementHandler(deps SettlementDeps) *SettlementHandler {
	h := &SettlementHandler{
		store:             deps.Store,
		orders:            deps.Orders,
		cache:             deps.Cache,
		notifier:          deps.Notifier,
		preference:        deps.Preference,
		tracer:            deps.Tracer,
		refundConcurrency: deps.RefundConcurrency,
		now:               deps.Now,
	}
	if h.tracer == nil {
		h.tracer = noop.NewTracerProvider().Tracer("")
	}
	if h.refundConcurrency <= 0 {
		h.refundConcurrency = 1
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// TrySettle 尝试成团。人数已满且全部支付时把团置为成团并逐单结算；
// force为true时用匿名名额补足人数，并跳过等待支付的检查
func (h *SettlementHandler) TrySettle(ctx context.Context, attendId int64, force bool) (SettleResult, error) {
	ctx, span := h.tracer.Start(ctx, "SettlementHandler.TrySettle", trace.WithAttributes(
		attribute.Int64("attend_id", attendId),
		attribute.Bool("force", force),
	))
	defer span.End()

	result := SettleResult{AttendId: attendId}
	var groupon model.Groupon
	var attend model.GrouponAttend
	var orders []model.Order

	err := h.store.WithTransaction(func(tx *gorm.DB) error {
		var err error
		attend, err = h.store.LockAttendById(tx, attendId)
		if err != nil {
			return errors.Wrapf(err, "lock attend %d", attendId)
		}

		if force {
			if attend.Status != model.AttendStatusWaiting {
				return errors.Wrapf(ErrInvalidState, "force settle attend %d in status %s", attendId, attend.Status)
			}
			// 未支付的成员不再等待，名额改由匿名补足
			canceled, _, err := h.cancelUnpaid(ctx, tx, attendId)
			if err != nil {
				return err
			}
			result.Canceled = canceled
			attend.Size -= int32(len(canceled))
			if attend.Size < attend.SuccessSize {
				attend.AnonymousSize += attend.SuccessSize - attend.Size
				attend.Size = attend.SuccessSize
			}
		}

		if attend.Size < attend.SuccessSize {
			result.Outcome = SettleNotFull
			return nil
		}
		if attend.Status != model.AttendStatusWaiting {
			return errors.Wrapf(ErrInvalidState, "settle attend %d in status %s", attendId, attend.Status)
		}

		paid, err := h.store.CountPaidDetails(tx, attendId)
		if err != nil {
			return errors.Wrapf(err, "count paid details of attend %d", attendId)
		}
		if paid < int64(attend.Size) && !force {
			result.Outcome = SettleWaiting
			return nil
		}

		orders, err = h.store.ListOrdersByAttend(tx, attendId, model.OrderStatusWaiting)
		if err != nil {
			return errors.Wrapf(err, "list waiting orders of attend %d", attendId)
		}
		if int64(len(orders)) != paid {
			return errors.Wrapf(ErrConsistency, "attend %d has %d paid details but %d waiting orders", attendId, paid, len(orders))
		}

		groupon, err = h.store.FindGrouponById(tx, attend.GrouponId)
		if err != nil {
			return errors.Wrapf(err, "find groupon %d", attend.GrouponId)
		}
		if !groupon.Price.IsPositive() {
			return errors.Wrapf(ErrConsistency, "groupon %d has non-positive price %s", groupon.GrouponId, groupon.Price)
		}

		now := h.now()
		attend.Status = model.AttendStatusSucceeded
		attend.SuccessTime = &now

		for _, order := range orders {
			quantity := order.NetAmount.Div(groupon.Price).Round(0).IntPart()
			result.Quantity += quantity
			result.Orders = append(result.Orders, order.OrderId)

			ok, err := h.orders.DirectPay(ctx, tx, order)
			if err != nil {
				return errors.Wrapf(err, "direct pay order %d", order.OrderId)
			}
			if !ok {
				slog.Warn("Direct pay failed, manual handling required",
					"attend_id", attendId,
					"order_id", order.OrderId,
				)
				result.DirectPayFailed = append(result.DirectPayFailed, order.OrderId)
			}
		}

		if err := h.store.SaveAttend(tx, &attend); err != nil {
			return errors.Wrapf(err, "save attend %d", attendId)
		}
		if err := h.store.IncrGrouponSucceeded(tx, groupon.GrouponId, 1, result.Quantity); err != nil {
			return errors.Wrapf(err, "increase counters of groupon %d", groupon.GrouponId)
		}
		operation := model.OperSucceed
		if force {
			operation = model.OperForceSettle
		}
		if err := h.store.AddOperLog(tx, model.LogModuleGrouponAttend, model.OperLogEntry{
			ShopId:    attend.ShopId,
			TargetId:  attendId,
			Operation: operation,
		}); err != nil {
			return errors.Wrapf(err, "add oper log of attend %d", attendId)
		}

		result.Outcome = SettleSucceeded
		return nil
	})
	if err != nil {
		metrics.Settlements.WithLabelValues("settle", metrics.OutcomeError).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("Settle attend failed", "attend_id", attendId, "force", force, "error", err.Error())
		return SettleResult{}, err
	}

	metrics.Settlements.WithLabelValues("settle", result.Outcome.String()).Inc()
	span.SetAttributes(attribute.String("outcome", result.Outcome.String()))
	if result.Outcome != SettleSucceeded {
		slog.Info("Attend not settled", "attend_id", attendId, "outcome", result.Outcome.String())
		return result, nil
	}

	slog.Info("Attend settled",
		"attend_id", attendId,
		"groupon_id", groupon.GrouponId,
		"orders", len(orders),
		"quantity", result.Quantity,
		"anonymous", attend.AnonymousSize,
	)
	// 缓存在事务提交后再同步，回滚时不会多计
	h.mirrorPromotion(ctx, groupon, 1, result.Quantity)
	h.notify(ctx, notification.KindGrouponSucceeded, notification.Context{
		Groupon: groupon,
		Attend:  attend,
		Orders:  orders,
	})
	return result, nil
}

// TryFail 结算失败的团。先在事务中把团置为失败并取消未支付订单，提交后再逐单退款，
// 退款结果按订单各自落库。团已失败但仍有等待中的订单时只补退这些订单
func (h *SettlementHandler) TryFail(ctx context.Context, attendId int64, reason string) (FailResult, error) {
	ctx, span := h.tracer.Start(ctx, "SettlementHandler.TryFail", trace.WithAttributes(
		attribute.Int64("attend_id", attendId),
		attribute.String("reason", reason),
	))
	defer span.End()

	result := FailResult{AttendId: attendId}
	var groupon model.Groupon
	var attend model.GrouponAttend
	var pending []model.Order

	err := h.store.WithTransaction(func(tx *gorm.DB) error {
		var err error
		attend, err = h.store.LockAttendById(tx, attendId)
		if err != nil {
			return errors.Wrapf(err, "lock attend %d", attendId)
		}

		switch attend.Status {
		case model.AttendStatusWaiting:
		case model.AttendStatusFailed:
			pending, err = h.store.ListOrdersByAttend(tx, attendId, model.OrderStatusWaiting)
			if err != nil {
				return errors.Wrapf(err, "list waiting orders of attend %d", attendId)
			}
			result.Resumed = len(pending) > 0
			result.Skipped = !result.Resumed
			if result.Resumed {
				groupon, err = h.store.FindGrouponById(tx, attend.GrouponId)
				if err != nil {
					return errors.Wrapf(err, "find groupon %d", attend.GrouponId)
				}
			}
			return nil
		default:
			result.Skipped = true
			return nil
		}

		paid, err := h.store.CountPaidDetails(tx, attendId)
		if err != nil {
			return errors.Wrapf(err, "count paid details of attend %d", attendId)
		}
		pending, err = h.store.ListOrdersByAttend(tx, attendId, model.OrderStatusWaiting)
		if err != nil {
			return errors.Wrapf(err, "list waiting orders of attend %d", attendId)
		}
		if int64(len(pending)) != paid {
			return errors.Wrapf(ErrConsistency, "attend %d has %d paid details but %d waiting orders", attendId, paid, len(pending))
		}

		groupon, err = h.store.FindGrouponById(tx, attend.GrouponId)
		if err != nil {
			return errors.Wrapf(err, "find groupon %d", attend.GrouponId)
		}

		result.Canceled, result.CancelFailed, err = h.cancelUnpaid(ctx, tx, attendId)
		if err != nil {
			return err
		}

		attend.Status = model.AttendStatusFailed
		attend.FailedReason = reason
		if err := h.store.SaveAttend(tx, &attend); err != nil {
			return errors.Wrapf(err, "save attend %d", attendId)
		}
		return h.store.AddOperLog(tx, model.LogModuleGrouponAttend, model.OperLogEntry{
			ShopId:    attend.ShopId,
			TargetId:  attendId,
			Operation: model.OperFail,
			Detail:    reason,
		})
	})
	if err != nil {
		metrics.Settlements.WithLabelValues("fail", metrics.OutcomeError).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("Fail attend failed", "attend_id", attendId, "error", err.Error())
		return FailResult{}, err
	}

	if result.Skipped {
		metrics.Settlements.WithLabelValues("fail", metrics.OutcomeSkipped).Inc()
		slog.Info("Attend not waiting, fail skipped", "attend_id", attendId, "status", attend.Status.String())
		return result, nil
	}

	// 团已提交为失败，退款出错只影响对应订单
	refunded, refundFailed := h.refundAll(ctx, pending)
	result.Refunded = orderIds(refunded)
	result.RefundFailed = orderIds(refundFailed)

	metrics.Settlements.WithLabelValues("fail", metrics.OutcomeFailed).Inc()
	slog.Info("Attend failed",
		"attend_id", attendId,
		"reason", attend.FailedReason,
		"resumed", result.Resumed,
		"refunded", len(result.Refunded),
		"refund_failed", len(result.RefundFailed),
		"canceled", len(result.Canceled),
	)

	if len(refunded) > 0 {
		h.notifier.Dispatch(ctx, notification.KindGrouponFailedRefunded, notification.Context{
			Groupon: groupon, Attend: attend, Orders: refunded,
		})
	}
	if len(refundFailed) > 0 {
		h.notifier.Dispatch(ctx, notification.KindRefundFailedStaff, notification.Context{
			Groupon: groupon, Attend: attend, Orders: refundFailed,
		})
	}
	return result, nil
}

// refundAll 并发退款。调用出错的订单同样计入失败列表，由员工人工处理
func (h *SettlementHandler) refundAll(ctx context.Context, orders []model.Order) ([]model.Order, []model.Order) {
	var (
		mu       sync.Mutex
		refunded []model.Order
		failed   []model.Order
	)

	var g errgroup.Group
	g.SetLimit(h.refundConcurrency)
	for _, order := range orders {
		g.Go(func() error {
			channel := model.RefundChannelFor(order.PayType)
			ok, msg, err := h.orders.RefundOrder(ctx, order, channel)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				metrics.Refunds.WithLabelValues(string(channel), "error").Inc()
				slog.Error("Refund call failed", "order_id", order.OrderId, "channel", channel, "error", err.Error())
				failed = append(failed, order)
			case !ok:
				metrics.Refunds.WithLabelValues(string(channel), "failed").Inc()
				slog.Warn("Refund failed", "order_id", order.OrderId, "channel", channel, "reason", msg)
				failed = append(failed, order)
			default:
				metrics.Refunds.WithLabelValues(string(channel), "ok").Inc()
				refunded = append(refunded, order)
			}
			return nil
		})
	}
	_ = g.Wait()

	sortOrders(refunded)
	sortOrders(failed)
	return refunded, failed
}

// cancelUnpaid 在事务中取消团内未支付订单并让未支付的明细失效，返回取消成功和失败的订单
func (h *SettlementHandler) cancelUnpaid(ctx context.Context, tx *gorm.DB, attendId int64) ([]int64, []int64, error) {
	unpaid, err := h.store.ListOrdersByAttend(tx, attendId, model.OrderStatusUnpaid)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "list unpaid orders of attend %d", attendId)
	}

	var canceled, failed []int64
	for _, order := range unpaid {
		ok, msg, err := h.orders.CancelOrder(ctx, tx, order.ShopId, order.OrderId)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "cancel order %d", order.OrderId)
		}
		if !ok {
			slog.Warn("Cancel unpaid order failed", "attend_id", attendId, "order_id", order.OrderId, "reason", msg)
			failed = append(failed, order.OrderId)
			continue
		}
		canceled = append(canceled, order.OrderId)
	}

	if err := h.expireUnpaidDetails(tx, attendId); err != nil {
		return nil, nil, err
	}
	return canceled, failed, nil
}

func (h *SettlementHandler) expireUnpaidDetails(tx *gorm.DB, attendId int64) error {
	details, err := h.store.ListDetailsByAttend(tx, attendId)
	if err != nil {
		return errors.Wrapf(err, "list details of attend %d", attendId)
	}
	for i := range details {
		if details[i].Status != model.DetailStatusUnpaid {
			continue
		}
		details[i].Status = model.DetailStatusExpired
		if err := h.store.SaveDetail(tx, &details[i]); err != nil {
			return errors.Wrapf(err, "expire detail %d", details[i].DetailId)
		}
	}
	return nil
}

// mirrorPromotion 同步商品页缓存里的成团统计，缓存不存在或写入失败都不影响结算
func (h *SettlementHandler) mirrorPromotion(ctx context.Context, g model.Groupon, count, quantity int64) {
	updated, err := h.cache.IncrPromotionEvent(ctx, g.ShopId, g.ProductId, count, quantity)
	if err != nil {
		slog.Warn("Failed to mirror promotion event", "groupon_id", g.GrouponId, "error", err.Error())
		return
	}
	if !updated {
		slog.Debug("Promotion event not cached", "groupon_id", g.GrouponId)
	}
}

// notify 店铺开启了成团通知才发送
func (h *SettlementHandler) notify(ctx context.Context, kind notification.Kind, c notification.Context) {
	enabled, err := h.preference.GetShopNotifyEnabled(ctx, c.Attend.ShopId, string(kind))
	if err != nil {
		slog.Warn("Failed to read shop notify preference, sending anyway",
			"shop_id", c.Attend.ShopId,
			"kind", kind,
			"error", err.Error(),
		)
		enabled = true
	}
	if !enabled {
		slog.Info("Notification disabled by shop", "shop_id", c.Attend.ShopId, "kind", kind)
		return
	}
	h.notifier.Dispatch(ctx, kind, c)
}

func orderIds(orders []model.Order) []int64 {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.OrderId)
	}
	return ids
}

func sortOrders(orders []model.Order) {
	sort.Slice(orders, func(i, j int) bool { return orders[i].OrderId < orders[j].OrderId })
}
