package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Groupon 拼团活动表
type Groupon struct {
	GrouponId         int64           `gorm:"primaryKey;autoIncrement;column:groupon_id" json:"groupon_id"`    // 拼团活动ID，主键
	ShopId            int64           `gorm:"index;column:shop_id" json:"shop_id"`                             // 店铺ID
	ProductId         int64           `gorm:"index;column:product_id" json:"product_id"`                       // 商品ID，有索引
	Price             decimal.Decimal `gorm:"type:decimal(10,2);column:price" json:"price"`                    // 拼团单价
	FromDatetime      time.Time       `gorm:"column:from_datetime" json:"from_datetime"`                       // 活动开始时间
	ToDatetime        time.Time       `gorm:"column:to_datetime" json:"to_datetime"`                           // 活动结束时间
	GrouponType       GrouponType     `gorm:"column:groupon_type" json:"groupon_type"`                         // 拼团类型：1-普通，2-老带新
	SuccessSize       int32           `gorm:"column:success_size" json:"success_size"`                         // 成团人数
	QuantityLimit     int32           `gorm:"column:quantity_limit" json:"quantity_limit"`                     // 单笔购买数量上限，0表示不限
	SuccessLimit      int32           `gorm:"column:success_limit" json:"success_limit"`                       // 最多成团数，0表示不限
	AttendLimit       int32           `gorm:"column:attend_limit" json:"attend_limit"`                         // 每人参团次数上限，0表示不限
	SuccessValidHour  int32           `gorm:"column:success_valid_hour" json:"success_valid_hour"`             // 成团有效时长（小时）：24或48
	Status            GrouponStatus   `gorm:"index;column:status" json:"status"`                               // 活动状态：1-启用，2-停用，3-过期
	SucceededCount    int64           `gorm:"column:succeeded_count" json:"succeeded_count"`                   // 已成团数
	SucceededQuantity int64           `gorm:"column:succeeded_quantity" json:"succeeded_quantity"`             // 已成团商品件数
	CreateTime        time.Time       `gorm:"autoCreateTime;column:create_time" json:"create_time"`            // 创建时间
	UpdateTime        time.Time       `gorm:"autoUpdateTime;column:update_time" json:"update_time"`            // 更新时间
}

// GrouponAttend 拼团参与表，一条记录即一个团
type GrouponAttend struct {
	AttendId      int64        `gorm:"primaryKey;autoIncrement;column:attend_id" json:"attend_id"` // 团ID，主键
	GrouponId     int64        `gorm:"index;column:groupon_id" json:"groupon_id"`                  // 所属拼团活动ID
	ShopId        int64        `gorm:"column:shop_id" json:"shop_id"`                              // 店铺ID
	SponsorId     int64        `gorm:"column:sponsor_id" json:"sponsor_id"`                        // 团长（开团客户）ID
	Size          int32        `gorm:"column:size" json:"size"`                                    // 当前参团人数
	AnonymousSize int32        `gorm:"column:anonymous_size" json:"anonymous_size"`                // 强制成团时补足的匿名人数
	SuccessSize   int32        `gorm:"column:success_size" json:"success_size"`                    // 成团人数，开团时从活动复制
	ValidDeadline *time.Time   `gorm:"column:valid_deadline" json:"valid_deadline"`                // 成团截止时间，团长支付后才有值
	Status        AttendStatus `gorm:"index;column:status" json:"status"`                          // 团状态
	FailedReason  string       `gorm:"size:128;column:failed_reason" json:"failed_reason"`         // 失败原因
	SuccessTime   *time.Time   `gorm:"column:success_time" json:"success_time"`                    // 成团时间
	CreateTime    time.Time    `gorm:"autoCreateTime;column:create_time" json:"create_time"`       // 创建时间
	UpdateTime    time.Time    `gorm:"autoUpdateTime;column:update_time" json:"update_time"`       // 更新时间
}

// GrouponAttendDetail 参团明细表，每个客户每个团一条
type GrouponAttendDetail struct {
	DetailId      int64        `gorm:"primaryKey;autoIncrement;column:detail_id" json:"detail_id"` // 明细ID，主键
	AttendId      int64        `gorm:"index;column:attend_id" json:"attend_id"`                    // 团ID
	GrouponId     int64        `gorm:"index;column:groupon_id" json:"groupon_id"`                  // 拼团活动ID
	CustomerId    int64        `gorm:"index;column:customer_id" json:"customer_id"`                // 客户ID
	OrderId       int64        `gorm:"column:order_id" json:"order_id"`                            // 关联订单ID
	IsSponsor     bool         `gorm:"column:is_sponsor" json:"is_sponsor"`                        // 是否团长
	IsNewCustomer bool         `gorm:"column:is_new_customer" json:"is_new_customer"`              // 参团时是否新客户
	Status        DetailStatus `gorm:"column:status" json:"status"`                                // 明细状态：1-未支付，2-已支付，3-已失效
	CreateTime    time.Time    `gorm:"autoCreateTime;column:create_time" json:"create_time"`       // 创建时间
}

// Order 订单表，拼团只关心其中与团相关的字段
type Order struct {
	OrderId         int64           `gorm:"primaryKey;autoIncrement;column:order_id" json:"order_id"`  // 订单ID，主键
	OrderNum        string          `gorm:"size:64;uniqueIndex;column:order_num" json:"order_num"`     // 订单号
	ShopId          int64           `gorm:"index;column:shop_id" json:"shop_id"`                       // 店铺ID
	CustomerId      int64           `gorm:"index;column:customer_id" json:"customer_id"`               // 客户ID
	ProductId       int64           `gorm:"column:product_id" json:"product_id"`                       // 商品ID
	OrderType       OrderType       `gorm:"column:order_type" json:"order_type"`                       // 订单类型：1-普通，2-拼团
	GrouponAttendId int64           `gorm:"index;column:groupon_attend_id" json:"groupon_attend_id"`   // 拼团订单所属团ID
	Quantity        int32           `gorm:"column:quantity" json:"quantity"`                           // 购买数量
	TotalAmount     decimal.Decimal `gorm:"type:decimal(10,2);column:total_amount" json:"total_amount"` // 订单总金额
	NetAmount       decimal.Decimal `gorm:"type:decimal(10,2);column:net_amount" json:"net_amount"`    // 实付金额
	PayType         PayType         `gorm:"size:32;column:pay_type" json:"pay_type"`                   // 支付方式
	Status          OrderStatus     `gorm:"index;column:status" json:"status"`                         // 订单状态
	PaidTime        *time.Time      `gorm:"column:paid_time" json:"paid_time"`                         // 支付时间
	CreateTime      time.Time       `gorm:"autoCreateTime;column:create_time" json:"create_time"`      // 创建时间
	UpdateTime      time.Time       `gorm:"autoUpdateTime;column:update_time" json:"update_time"`      // 更新时间
}

// StockRecord 库存变更记录表
type StockRecord struct {
	RecordId   int64     `gorm:"primaryKey;autoIncrement;column:record_id" json:"record_id"` // 记录ID
	ProductId  int64     `gorm:"index;column:product_id" json:"product_id"`                  // 商品ID
	Delta      int64     `gorm:"column:delta" json:"delta"`                                  // 变更数量，负数为扣减
	ReasonCode int32     `gorm:"column:reason_code" json:"reason_code"`                      // 变更原因
	OrderId    int64     `gorm:"column:order_id" json:"order_id"`                            // 关联订单ID
	CreateTime time.Time `gorm:"autoCreateTime;column:create_time" json:"create_time"`       // 创建时间
}

// PointRecord 客户积分流水表
type PointRecord struct {
	RecordId   int64     `gorm:"primaryKey;autoIncrement;column:record_id" json:"record_id"` // 记录ID
	ShopId     int64     `gorm:"index;column:shop_id" json:"shop_id"`                        // 店铺ID
	CustomerId int64     `gorm:"index;column:customer_id" json:"customer_id"`                // 客户ID
	Points     int64     `gorm:"column:points" json:"points"`                                // 积分变化，负数为扣回
	OrderId    int64     `gorm:"column:order_id" json:"order_id"`                            // 关联订单ID
	CreateTime time.Time `gorm:"autoCreateTime;column:create_time" json:"create_time"`       // 创建时间
}

// RefundRecord 退款记录表
type RefundRecord struct {
	RefundId   int64           `gorm:"primaryKey;autoIncrement;column:refund_id" json:"refund_id"` // 退款ID
	ShopId     int64           `gorm:"index;column:shop_id" json:"shop_id"`                        // 店铺ID
	OrderId    int64           `gorm:"index;column:order_id" json:"order_id"`                      // 订单ID
	Channel    RefundChannel   `gorm:"size:32;column:channel" json:"channel"`                      // 退款渠道
	Amount     decimal.Decimal `gorm:"type:decimal(10,2);column:amount" json:"amount"`             // 退款金额
	Success    bool            `gorm:"column:success" json:"success"`                              // 是否成功
	Reason     string          `gorm:"size:255;column:reason" json:"reason"`                       // 失败原因
	CreateTime time.Time       `gorm:"autoCreateTime;column:create_time" json:"create_time"`       // 创建时间
}

// PromotionEvent 商品页展示用的拼团实时信息（Redis存储）
type PromotionEvent struct {
	ShopId            int64  `redis:"shop_id" json:"shop_id"`                       // 店铺ID
	ProductId         int64  `redis:"product_id" json:"product_id"`                 // 商品ID
	GrouponId         int64  `redis:"groupon_id" json:"groupon_id"`                 // 拼团活动ID
	GrouponType       int32  `redis:"groupon_type" json:"groupon_type"`             // 拼团类型
	Price             string `redis:"price" json:"price"`                           // 拼团价
	SuccessSize       int32  `redis:"success_size" json:"success_size"`             // 成团人数
	QuantityLimit     int32  `redis:"quantity_limit" json:"quantity_limit"`         // 单笔数量上限
	SuccessLimit      int32  `redis:"success_limit" json:"success_limit"`           // 成团数上限
	SucceededCount    int64  `redis:"succeeded_count" json:"succeeded_count"`       // 已成团数
	SucceededQuantity int64  `redis:"succeeded_quantity" json:"succeeded_quantity"` // 已成团件数
	EndTime           int64  `redis:"end_time" json:"end_time"`                     // 活动结束时间（Unix秒）
}

// Fields 转换为写入Redis哈希的字段
func (e PromotionEvent) Fields() map[string]any {
	return map[string]any{
		"shop_id":            e.ShopId,
		"product_id":         e.ProductId,
		"groupon_id":         e.GrouponId,
		"groupon_type":       e.GrouponType,
		"price":              e.Price,
		"success_size":       e.SuccessSize,
		"quantity_limit":     e.QuantityLimit,
		"success_limit":      e.SuccessLimit,
		"succeeded_count":    e.SucceededCount,
		"succeeded_quantity": e.SucceededQuantity,
		"end_time":           e.EndTime,
	}
}

// NewPromotionEvent 根据拼团活动生成展示信息
func NewPromotionEvent(g Groupon) PromotionEvent {
	return PromotionEvent{
		ShopId:            g.ShopId,
		ProductId:         g.ProductId,
		GrouponId:         g.GrouponId,
		GrouponType:       int32(g.GrouponType),
		Price:             g.Price.StringFixed(2),
		SuccessSize:       g.SuccessSize,
		QuantityLimit:     g.QuantityLimit,
		SuccessLimit:      g.SuccessLimit,
		SucceededCount:    g.SucceededCount,
		SucceededQuantity: g.SucceededQuantity,
		EndTime:           g.ToDatetime.Unix(),
	}
}

// TableName 指定Groupon模型对应的数据库表名
func (Groupon) TableName() string {
	return "groupon"
}

// TableName 指定GrouponAttend模型对应的数据库表名
func (GrouponAttend) TableName() string {
	return "groupon_attend"
}

// TableName 指定GrouponAttendDetail模型对应的数据库表名
func (GrouponAttendDetail) TableName() string {
	return "groupon_attend_detail"
}

// TableName 指定Order模型对应的数据库表名
func (Order) TableName() string {
	return "orders"
}

// TableName 指定StockRecord模型对应的数据库表名
func (StockRecord) TableName() string {
	return "stock_record"
}

// TableName 指定PointRecord模型对应的数据库表名
func (PointRecord) TableName() string {
	return "point_record"
}

// TableName 指定RefundRecord模型对应的数据库表名
func (RefundRecord) TableName() string {
	return "refund_record"
}
