package handler

import (
	"context"
	"time"

	"groupon_system/model"
	"groupon_system/notification"

	"gorm.io/gorm"
)

// GrouponStore 拼团数据访问，由repository.GrouponRepository实现
type GrouponStore interface {
	WithTransaction(fn func(tx *gorm.DB) error) error

	FindGrouponById(tx *gorm.DB, grouponId int64) (model.Groupon, error)
	ListOnGrouponsByProduct(tx *gorm.DB, productId, excludeId int64) ([]model.Groupon, error)
	IncrGrouponSucceeded(tx *gorm.DB, grouponId, count, quantity int64) error
	UpdateGrouponStatus(tx *gorm.DB, grouponId int64, to model.GrouponStatus) (int64, error)

	LockAttendById(tx *gorm.DB, attendId int64) (model.GrouponAttend, error)
	SaveAttend(tx *gorm.DB, attend *model.GrouponAttend) error

	SaveDetail(tx *gorm.DB, detail *model.GrouponAttendDetail) error
	ListDetailsByAttend(tx *gorm.DB, attendId int64) ([]model.GrouponAttendDetail, error)
	FindDetailByOrderId(tx *gorm.DB, orderId int64) (model.GrouponAttendDetail, error)
	CountPaidDetails(tx *gorm.DB, attendId int64) (int64, error)
	HasActiveDetail(tx *gorm.DB, attendId, customerId int64) (bool, error)
	CountCustomerAttends(tx *gorm.DB, grouponId, customerId int64) (int64, error)

	FindOrderById(tx *gorm.DB, orderId int64) (model.Order, error)
	ListOrdersByAttend(tx *gorm.DB, attendId int64, statuses ...model.OrderStatus) ([]model.Order, error)

	AddOperLog(tx *gorm.DB, module model.LogModule, entry model.OperLogEntry) error
}

// GrouponLister 时间窗口校验需要的查询
type GrouponLister interface {
	ListOnGrouponsByProduct(tx *gorm.DB, productId, excludeId int64) ([]model.Groupon, error)
}

// JoinReader 参团校验需要的查询
type JoinReader interface {
	HasActiveDetail(tx *gorm.DB, attendId, customerId int64) (bool, error)
	CountCustomerAttends(tx *gorm.DB, grouponId, customerId int64) (int64, error)
}

// OrderService 订单服务。bool为false表示业务上未成功，error表示调用本身出错。
// tx不为nil时在调用方事务中执行，随调用方一起提交或回滚
type OrderService interface {
	CancelOrder(ctx context.Context, tx *gorm.DB, shopId, orderId int64) (bool, string, error)
	DirectPay(ctx context.Context, tx *gorm.DB, order model.Order) (bool, error)
	RefundOrder(ctx context.Context, order model.Order, channel model.RefundChannel) (bool, string, error)
}

// PromotionCache 商品页拼团信息缓存
type PromotionCache interface {
	SetPromotionEvent(ctx context.Context, event model.PromotionEvent, ttl time.Duration) error
	IncrPromotionEvent(ctx context.Context, shopId, productId, count, quantity int64) (bool, error)
	DeletePromotionEvent(ctx context.Context, shopId, productId int64) error
}

// Notifier 通知分发
type Notifier interface {
	Dispatch(ctx context.Context, kind notification.Kind, c notification.Context) int
}

// ShopPreference 店铺通知开关
type ShopPreference interface {
	GetShopNotifyEnabled(ctx context.Context, shopId int64, kind string) (bool, error)
}

// Settler 成团结算入口
type Settler interface {
	TrySettle(ctx context.Context, attendId int64, force bool) (SettleResult, error)
}
