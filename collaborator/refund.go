package collaborator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"groupon_system/model"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Refunder 一种退款渠道，返回error表示该笔退款未成功
type Refunder interface {
	Channel() model.RefundChannel
	Refund(ctx context.Context, order model.Order) error
}

// WechatRefunder 调用微信支付退款网关原路退回
type WechatRefunder struct {
	endpoint   string
	httpClient *http.Client
	tracer     trace.Tracer
}

// NewWechatRefunder 创建微信退款渠道
func NewWechatRefunder(endpoint string, timeout time.Duration, tracer trace.Tracer) *WechatRefunder {
	return &WechatRefunder{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
			},
		},
		tracer: tracer,
	}
}

func (w *WechatRefunder) Channel() model.RefundChannel {
	return model.RefundChannelWechat
}

type wechatRefundRequest struct {
	OutTradeNo   string `json:"out_trade_no"`
	OutRefundNo  string `json:"out_refund_no"`
	RefundAmount int64  `json:"refund_amount"` // 单位：分
	TotalAmount  int64  `json:"total_amount"`  // 单位：分
	Reason       string `json:"reason"`
}

type wechatRefundResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// Refund 发起退款，网关返回SUCCESS或PROCESSING均视为受理成功
func (w *WechatRefunder) Refund(ctx context.Context, order model.Order) error {
	ctx, span := w.tracer.Start(ctx, "WechatRefunder.Refund", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	total := order.TotalAmount
	if total.LessThan(order.NetAmount) {
		total = order.NetAmount
	}
	body, err := json.Marshal(wechatRefundRequest{
		OutTradeNo:   order.OrderNum,
		OutRefundNo:  "RF" + order.OrderNum,
		RefundAmount: order.NetAmount.Shift(2).Round(0).IntPart(),
		TotalAmount:  total.Shift(2).Round(0).IntPart(),
		Reason:       "拼团失败退款",
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	span.SetAttributes(
		attribute.String("http.url", w.endpoint),
		attribute.Int64("order_id", order.OrderId),
	)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := w.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("wechat refund request failed: %w", err)
	}
	defer resp.Body.Close()

	var out wechatRefundResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && resp.StatusCode == http.StatusOK {
		return fmt.Errorf("decode wechat refund response failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK || (out.Status != "SUCCESS" && out.Status != "PROCESSING") {
		err := fmt.Errorf("wechat refund rejected: status=%s code=%s message=%s", resp.Status, out.Code, out.Message)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	slog.Info("Wechat refund accepted", "order_id", order.OrderId, "status", out.Status)
	return nil
}

// OfflineRefunder 线下支付的订单由店铺线下退款，系统只登记
type OfflineRefunder struct{}

func (OfflineRefunder) Channel() model.RefundChannel {
	return model.RefundChannelOffline
}

func (OfflineRefunder) Refund(_ context.Context, order model.Order) error {
	slog.Info("Offline refund registered", "order_id", order.OrderId, "amount", order.NetAmount.StringFixed(2))
	return nil
}
