package model

import (
	"fmt"
	"time"
)

// LogModule 操作日志所属模块
type LogModule int8

const (
	LogModuleGroupon       LogModule = iota + 1 // 1: 拼团活动
	LogModuleGrouponAttend                      // 2: 团
)

// 操作类型
const (
	OperCreate      = "create"       // 创建
	OperUpdate      = "update"       // 编辑
	OperTurnOff     = "turn_off"     // 停用
	OperExpire      = "expire"       // 过期
	OperForceSettle = "force_settle" // 强制成团
	OperSucceed     = "succeed"      // 成团
	OperFail        = "fail"         // 失败
)

// GrouponOperLog 拼团活动操作日志表
type GrouponOperLog struct {
	LogId      int64     `gorm:"primaryKey;autoIncrement;column:log_id" json:"log_id"` // 日志ID
	ShopId     int64     `gorm:"index;column:shop_id" json:"shop_id"`                  // 店铺ID
	GrouponId  int64     `gorm:"index;column:groupon_id" json:"groupon_id"`            // 拼团活动ID
	OperatorId int64     `gorm:"column:operator_id" json:"operator_id"`                // 操作人ID，0为系统
	Operation  string    `gorm:"size:32;column:operation" json:"operation"`            // 操作类型
	Detail     string    `gorm:"size:255;column:detail" json:"detail"`                 // 操作说明
	CreateTime time.Time `gorm:"autoCreateTime;column:create_time" json:"create_time"` // 创建时间
}

// GrouponAttendOperLog 团操作日志表
type GrouponAttendOperLog struct {
	LogId      int64     `gorm:"primaryKey;autoIncrement;column:log_id" json:"log_id"` // 日志ID
	ShopId     int64     `gorm:"index;column:shop_id" json:"shop_id"`                  // 店铺ID
	AttendId   int64     `gorm:"index;column:attend_id" json:"attend_id"`              // 团ID
	OperatorId int64     `gorm:"column:operator_id" json:"operator_id"`                // 操作人ID，0为系统
	Operation  string    `gorm:"size:32;column:operation" json:"operation"`            // 操作类型
	Detail     string    `gorm:"size:255;column:detail" json:"detail"`                 // 操作说明
	CreateTime time.Time `gorm:"autoCreateTime;column:create_time" json:"create_time"` // 创建时间
}

// TableName 指定GrouponOperLog模型对应的数据库表名
func (GrouponOperLog) TableName() string {
	return "groupon_oper_log"
}

// TableName 指定GrouponAttendOperLog模型对应的数据库表名
func (GrouponAttendOperLog) TableName() string {
	return "groupon_attend_oper_log"
}

// OperLogEntry 与模块无关的操作日志内容
type OperLogEntry struct {
	ShopId     int64
	TargetId   int64
	OperatorId int64
	Operation  string
	Detail     string
}

// operLogFactories 模块到日志表行的映射，新增模块在此登记
var operLogFactories = map[LogModule]func(OperLogEntry) any{
	LogModuleGroupon: func(e OperLogEntry) any {
		return &GrouponOperLog{
			ShopId:     e.ShopId,
			GrouponId:  e.TargetId,
			OperatorId: e.OperatorId,
			Operation:  e.Operation,
			Detail:     e.Detail,
		}
	},
	LogModuleGrouponAttend: func(e OperLogEntry) any {
		return &GrouponAttendOperLog{
			ShopId:     e.ShopId,
			AttendId:   e.TargetId,
			OperatorId: e.OperatorId,
			Operation:  e.Operation,
			Detail:     e.Detail,
		}
	},
}

// NewOperLog 根据模块生成对应日志表的记录
func NewOperLog(module LogModule, entry OperLogEntry) (any, error) {
	factory, ok := operLogFactories[module]
	if !ok {
		return nil, fmt.Errorf("unknown log module: %d", module)
	}
	return factory(entry), nil
}

// OperLogModels 所有操作日志表模型，用于自动迁移
func OperLogModels() []any {
	return []any{&GrouponOperLog{}, &GrouponAttendOperLog{}}
}
