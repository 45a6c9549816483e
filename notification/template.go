package notification

import (
	"strconv"
	"strings"

	"groupon_system/model"
)

// Kind 通知类型
type Kind string

const (
	KindGrouponSucceeded      Kind = "groupon_succeeded"       // 拼团成功，发给参团客户
	KindGrouponFailedRefunded Kind = "groupon_failed_refunded" // 拼团失败已退款，发给参团客户
	KindRefundFailedStaff     Kind = "refund_failed_staff"     // 退款失败需人工处理，发给店铺员工
)

// Channel 通知送达渠道
type Channel string

const (
	ChannelWechat Channel = "wechat" // 微信模板消息
	ChannelStaff  Channel = "staff"  // 店铺员工站内提醒
)

// Recipient 通知接收方
type Recipient struct {
	Channel    Channel `json:"channel"`
	ShopId     int64   `json:"shop_id"`
	CustomerId int64   `json:"customer_id,omitempty"`
	StaffRole  string  `json:"staff_role,omitempty"`
}

// Payload 通知内容
type Payload map[string]string

// Context 构建通知所需的业务数据
type Context struct {
	Groupon model.Groupon
	Attend  model.GrouponAttend
	Orders  []model.Order
}

// Template 通知模板
type Template interface {
	Build(c Context) ([]Recipient, Payload)
}

// templates 通知类型到模板的静态注册表
var templates = map[Kind]Template{
	KindGrouponSucceeded:      grouponSucceededTemplate{},
	KindGrouponFailedRefunded: grouponFailedRefundedTemplate{},
	KindRefundFailedStaff:     refundFailedStaffTemplate{},
}

// Lookup 查找通知模板
func Lookup(kind Kind) (Template, bool) {
	t, ok := templates[kind]
	return t, ok
}

type grouponSucceededTemplate struct{}

func (grouponSucceededTemplate) Build(c Context) ([]Recipient, Payload) {
	payload := Payload{
		"title":        "拼团成功",
		"groupon_id":   strconv.FormatInt(c.Groupon.GrouponId, 10),
		"attend_id":    strconv.FormatInt(c.Attend.AttendId, 10),
		"price":        c.Groupon.Price.StringFixed(2),
		"success_size": strconv.Itoa(int(c.Attend.SuccessSize)),
	}
	if c.Attend.SuccessTime != nil {
		payload["success_time"] = c.Attend.SuccessTime.Format("2006-01-02 15:04:05")
	}
	return customerRecipients(c), payload
}

type grouponFailedRefundedTemplate struct{}

func (grouponFailedRefundedTemplate) Build(c Context) ([]Recipient, Payload) {
	return customerRecipients(c), Payload{
		"title":      "拼团失败，款项已原路退回",
		"groupon_id": strconv.FormatInt(c.Groupon.GrouponId, 10),
		"attend_id":  strconv.FormatInt(c.Attend.AttendId, 10),
		"reason":     c.Attend.FailedReason,
	}
}

type refundFailedStaffTemplate struct{}

func (refundFailedStaffTemplate) Build(c Context) ([]Recipient, Payload) {
	orderNums := make([]string, 0, len(c.Orders))
	for _, o := range c.Orders {
		orderNums = append(orderNums, o.OrderNum)
	}
	recipients := []Recipient{{Channel: ChannelStaff, ShopId: c.Attend.ShopId, StaffRole: "admin"}}
	return recipients, Payload{
		"title":     "拼团退款失败，请人工处理",
		"attend_id": strconv.FormatInt(c.Attend.AttendId, 10),
		"orders":    strings.Join(orderNums, ","),
	}
}

// customerRecipients 每个订单的下单客户各一份，同一客户只发一次
func customerRecipients(c Context) []Recipient {
	seen := make(map[int64]bool, len(c.Orders))
	recipients := make([]Recipient, 0, len(c.Orders))
	for _, o := range c.Orders {
		if seen[o.CustomerId] {
			continue
		}
		seen[o.CustomerId] = true
		recipients = append(recipients, Recipient{
			Channel:    ChannelWechat,
			ShopId:     o.ShopId,
			CustomerId: o.CustomerId,
		})
	}
	return recipients
}
