package model

// GrouponType 拼团类型
type GrouponType int8

const (
	GrouponTypeNormal GrouponType = iota + 1 // 1: 普通拼团
	GrouponTypeMentor                        // 2: 老带新，仅限新客户参团
)

// GrouponStatus 拼团活动状态
type GrouponStatus int8

const (
	GrouponStatusOn      GrouponStatus = iota + 1 // 1: 启用
	GrouponStatusOff                              // 2: 停用
	GrouponStatusExpired                          // 3: 已过期
)

// AttendStatus 团状态
type AttendStatus int8

const (
	AttendStatusCreated   AttendStatus = iota + 1 // 1: 已开团，团长未支付
	AttendStatusWaiting                           // 2: 团长已支付，等待成团
	AttendStatusSucceeded                         // 3: 拼团成功
	AttendStatusFailed                            // 4: 拼团失败
	AttendStatusExpired                           // 5: 已失效
)

// IsTerminal 是否为终态，终态不允许再变更
func (s AttendStatus) IsTerminal() bool {
	return s == AttendStatusSucceeded || s == AttendStatusFailed || s == AttendStatusExpired
}

func (s AttendStatus) String() string {
	switch s {
	case AttendStatusCreated:
		return "CREATED"
	case AttendStatusWaiting:
		return "WAITING"
	case AttendStatusSucceeded:
		return "SUCCEEDED"
	case AttendStatusFailed:
		return "FAILED"
	case AttendStatusExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// DetailStatus 参团明细状态
type DetailStatus int8

const (
	DetailStatusUnpaid  DetailStatus = iota + 1 // 1: 未支付
	DetailStatusPaid                            // 2: 已支付
	DetailStatusExpired                         // 3: 已失效
)

// OrderType 订单类型
type OrderType int8

const (
	OrderTypeNormal  OrderType = iota + 1 // 1: 普通订单
	OrderTypeGroupon                      // 2: 拼团订单
)

// OrderStatus 订单状态
type OrderStatus int8

const (
	OrderStatusUnpaid     OrderStatus = iota + 1 // 1: 未支付
	OrderStatusWaiting                           // 2: 已支付，等待成团
	OrderStatusPaid                              // 3: 已支付
	OrderStatusConfirmed                         // 4: 已确认
	OrderStatusFinished                          // 5: 已完成
	OrderStatusCanceled                          // 6: 已取消
	OrderStatusRefunded                          // 7: 已退款
	OrderStatusRefundFail                        // 8: 退款失败
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusUnpaid:
		return "UNPAID"
	case OrderStatusWaiting:
		return "WAITING"
	case OrderStatusPaid:
		return "PAID"
	case OrderStatusConfirmed:
		return "CONFIRMED"
	case OrderStatusFinished:
		return "FINISHED"
	case OrderStatusCanceled:
		return "CANCELED"
	case OrderStatusRefunded:
		return "REFUNDED"
	case OrderStatusRefundFail:
		return "REFUND_FAIL"
	default:
		return "UNKNOWN"
	}
}

// PayType 支付方式
type PayType string

const (
	PayTypeWeixinJsapi PayType = "WEIXIN_JSAPI" // 微信公众号支付
	PayTypeOffline     PayType = "OFFLINE"      // 线下支付
	PayTypeCash        PayType = "CASH"         // 货到付款
)

// RefundChannel 退款渠道
type RefundChannel string

const (
	RefundChannelWechat  RefundChannel = "WECHAT"  // 微信原路退回
	RefundChannelOffline RefundChannel = "OFFLINE" // 线下人工退款
)

// RefundChannelFor 根据原支付方式选择退款渠道
func RefundChannelFor(payType PayType) RefundChannel {
	if payType == PayTypeWeixinJsapi {
		return RefundChannelWechat
	}
	return RefundChannelOffline
}

// 库存变更原因
const (
	StockReasonGrouponSale   int32 = 1 // 拼团成交扣减
	StockReasonOrderRefunded int32 = 3 // 已成交订单退款回补
)
