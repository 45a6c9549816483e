package repository

import (
	"fmt"
	"log/slog"
	"time"

	"groupon_system/global"
	"groupon_system/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GrouponRepository 拼团数据访问层
// 负责活动、团、参团明细及拼团订单的数据库操作
type GrouponRepository struct {
	db *gorm.DB // 数据库连接实例
}

// NewGrouponRepository 创建拼团仓库实例
func NewGrouponRepository() *GrouponRepository {
	return NewGrouponRepositoryWithDB(global.DBClient)
}

// NewGrouponRepositoryWithDB 使用指定连接创建拼团仓库实例
func NewGrouponRepositoryWithDB(db *gorm.DB) *GrouponRepository {
	return &GrouponRepository{db: db}
}

// conn 事务内使用事务连接，否则使用默认连接
func (dao *GrouponRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return dao.db
}

// CreateGroupon 创建拼团活动
func (dao *GrouponRepository) CreateGroupon(tx *gorm.DB, groupon *model.Groupon) error {
	if err := dao.conn(tx).Create(groupon).Error; err != nil {
		slog.Error("Failed to create groupon",
			"shop_id", groupon.ShopId,
			"product_id", groupon.ProductId,
			"error", err,
		)
		return err
	}
	slog.Info("Groupon created",
		"groupon_id", groupon.GrouponId,
		"product_id", groupon.ProductId,
	)
	return nil
}

// SaveGroupon 保存拼团活动的全部字段
func (dao *GrouponRepository) SaveGroupon(tx *gorm.DB, groupon *model.Groupon) error {
	err := dao.conn(tx).Save(groupon).Error
	if err != nil {
		slog.Error("Failed to save groupon", "groupon_id", groupon.GrouponId, "error", err)
	}
	return err
}

// FindGrouponById 根据ID查询拼团活动
func (dao *GrouponRepository) FindGrouponById(tx *gorm.DB, grouponId int64) (model.Groupon, error) {
	var groupon model.Groupon
	err := dao.conn(tx).Where("groupon_id = ?", grouponId).First(&groupon).Error
	if err != nil {
		slog.Warn("Groupon not found in database",
			"groupon_id", grouponId,
			"error", err,
		)
	}
	return groupon, err
}

// ListOnGrouponsByProduct 查询同一商品下启用中的拼团活动，excludeId大于0时排除该活动
func (dao *GrouponRepository) ListOnGrouponsByProduct(tx *gorm.DB, productId, excludeId int64) ([]model.Groupon, error) {
	var groupons []model.Groupon
	query := dao.conn(tx).Where("product_id = ? AND status = ?", productId, model.GrouponStatusOn)
	if excludeId > 0 {
		query = query.Where("groupon_id <> ?", excludeId)
	}
	if err := query.Find(&groupons).Error; err != nil {
		slog.Error("Failed to list groupons by product",
			"product_id", productId,
			"error", err,
		)
		return nil, err
	}
	return groupons, nil
}

// ListOverdueGroupons 查询已过结束时间但尚未置为过期的活动
func (dao *GrouponRepository) ListOverdueGroupons(now time.Time, limit int) ([]model.Groupon, error) {
	var groupons []model.Groupon
	err := dao.db.
		Where("status <> ? AND to_datetime <= ?", model.GrouponStatusExpired, now).
		Limit(limit).
		Find(&groupons).Error
	return groupons, err
}

// IncrGrouponSucceeded 累加成团数和成团件数
func (dao *GrouponRepository) IncrGrouponSucceeded(tx *gorm.DB, grouponId, count, quantity int64) error {
	result := dao.conn(tx).Model(&model.Groupon{}).
		Where("groupon_id = ?", grouponId).
		Updates(map[string]any{
			"succeeded_count":    gorm.Expr("succeeded_count + ?", count),
			"succeeded_quantity": gorm.Expr("succeeded_quantity + ?", quantity),
		})

	if result.Error != nil {
		slog.Error("Failed to increase groupon counters",
			"groupon_id", grouponId,
			"error", result.Error,
		)
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("groupon %d not found when increasing counters", grouponId)
	}
	slog.Info("Groupon counters increased",
		"groupon_id", grouponId,
		"count", count,
		"quantity", quantity,
	)
	return nil
}

// UpdateGrouponStatus 条件更新活动状态，仅当当前状态不是to时更新，返回受影响行数
func (dao *GrouponRepository) UpdateGrouponStatus(tx *gorm.DB, grouponId int64, to model.GrouponStatus) (int64, error) {
	result := dao.conn(tx).Model(&model.Groupon{}).
		Where("groupon_id = ? AND status <> ?", grouponId, to).
		Update("status", to)
	if result.Error != nil {
		slog.Error("Failed to update groupon status",
			"groupon_id", grouponId,
			"status", to,
			"error", result.Error,
		)
	}
	return result.RowsAffected, result.Error
}

// CreateAttend 创建团
func (dao *GrouponRepository) CreateAttend(tx *gorm.DB, attend *model.GrouponAttend) error {
	err := dao.conn(tx).Create(attend).Error
	if err != nil {
		slog.Error("Failed to create attend", "groupon_id", attend.GrouponId, "error", err)
	}
	return err
}

// FindAttendById 根据ID查询团
func (dao *GrouponRepository) FindAttendById(tx *gorm.DB, attendId int64) (model.GrouponAttend, error) {
	var attend model.GrouponAttend
	err := dao.conn(tx).Where("attend_id = ?", attendId).First(&attend).Error
	return attend, err
}

// LockAttendById 加行级排他锁读取团（SELECT ... FOR UPDATE），必须在事务中调用
func (dao *GrouponRepository) LockAttendById(tx *gorm.DB, attendId int64) (model.GrouponAttend, error) {
	if tx == nil {
		return model.GrouponAttend{}, fmt.Errorf("lock attend %d outside transaction", attendId)
	}
	var attend model.GrouponAttend
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("attend_id = ?", attendId).
		First(&attend).Error
	if err != nil {
		slog.Warn("Failed to lock attend", "attend_id", attendId, "error", err)
	}
	return attend, err
}

// SaveAttend 保存团的全部字段
func (dao *GrouponRepository) SaveAttend(tx *gorm.DB, attend *model.GrouponAttend) error {
	err := dao.conn(tx).Save(attend).Error
	if err != nil {
		slog.Error("Failed to save attend",
			"attend_id", attend.AttendId,
			"status", attend.Status.String(),
			"error", err,
		)
	}
	return err
}

// ListOverdueAttends 查询已过成团截止时间仍在等待中的团
func (dao *GrouponRepository) ListOverdueAttends(now time.Time, limit int) ([]model.GrouponAttend, error) {
	var attends []model.GrouponAttend
	err := dao.db.
		Where("status = ? AND valid_deadline <= ?", model.AttendStatusWaiting, now).
		Limit(limit).
		Find(&attends).Error
	return attends, err
}

// ListRefundPendingAttends 查询已失败但仍有等待中订单的团，只取before之前更新的，避开正在退款的团
func (dao *GrouponRepository) ListRefundPendingAttends(before time.Time, limit int) ([]model.GrouponAttend, error) {
	var attends []model.GrouponAttend
	err := dao.db.Table(model.GrouponAttend{}.TableName()+" AS a").
		Select("a.*").
		Where("a.status = ? AND a.update_time <= ?", model.AttendStatusFailed, before).
		Where("EXISTS (SELECT 1 FROM "+model.Order{}.TableName()+" AS o WHERE o.groupon_attend_id = a.attend_id AND o.order_type = ? AND o.status = ?)",
			model.OrderTypeGroupon, model.OrderStatusWaiting).
		Order("a.attend_id").
		Limit(limit).
		Find(&attends).Error
	return attends, err
}

// CreateDetail 创建参团明细
func (dao *GrouponRepository) CreateDetail(tx *gorm.DB, detail *model.GrouponAttendDetail) error {
	err := dao.conn(tx).Create(detail).Error
	if err != nil {
		slog.Error("Failed to create attend detail",
			"attend_id", detail.AttendId,
			"customer_id", detail.CustomerId,
			"error", err,
		)
	}
	return err
}

// SaveDetail 保存参团明细
func (dao *GrouponRepository) SaveDetail(tx *gorm.DB, detail *model.GrouponAttendDetail) error {
	return dao.conn(tx).Save(detail).Error
}

// ListDetailsByAttend 查询团内全部参团明细
func (dao *GrouponRepository) ListDetailsByAttend(tx *gorm.DB, attendId int64) ([]model.GrouponAttendDetail, error) {
	var details []model.GrouponAttendDetail
	err := dao.conn(tx).Where("attend_id = ?", attendId).Order("detail_id").Find(&details).Error
	return details, err
}

// FindDetailByOrderId 根据订单查询参团明细
func (dao *GrouponRepository) FindDetailByOrderId(tx *gorm.DB, orderId int64) (model.GrouponAttendDetail, error) {
	var detail model.GrouponAttendDetail
	err := dao.conn(tx).Where("order_id = ?", orderId).First(&detail).Error
	return detail, err
}

// CountPaidDetails 统计团内已支付的参团明细数
func (dao *GrouponRepository) CountPaidDetails(tx *gorm.DB, attendId int64) (int64, error) {
	var count int64
	err := dao.conn(tx).Model(&model.GrouponAttendDetail{}).
		Where("attend_id = ? AND status = ?", attendId, model.DetailStatusPaid).
		Count(&count).Error
	return count, err
}

// HasActiveDetail 客户在团内是否已有未支付或已支付的明细
func (dao *GrouponRepository) HasActiveDetail(tx *gorm.DB, attendId, customerId int64) (bool, error) {
	var count int64
	err := dao.conn(tx).Model(&model.GrouponAttendDetail{}).
		Where("attend_id = ? AND customer_id = ? AND status IN ?", attendId, customerId,
			[]model.DetailStatus{model.DetailStatusUnpaid, model.DetailStatusPaid}).
		Count(&count).Error
	return count > 0, err
}

// CountCustomerAttends 统计客户在同一活动下等待中或已成团的团里有效参团次数
func (dao *GrouponRepository) CountCustomerAttends(tx *gorm.DB, grouponId, customerId int64) (int64, error) {
	var count int64
	err := dao.conn(tx).Table(model.GrouponAttendDetail{}.TableName()+" AS d").
		Joins("JOIN "+model.GrouponAttend{}.TableName()+" AS a ON a.attend_id = d.attend_id").
		Where("d.groupon_id = ? AND d.customer_id = ?", grouponId, customerId).
		Where("d.status IN ?", []model.DetailStatus{model.DetailStatusUnpaid, model.DetailStatusPaid}).
		Where("a.status IN ?", []model.AttendStatus{model.AttendStatusWaiting, model.AttendStatusSucceeded}).
		Count(&count).Error
	return count, err
}

// FindOrderById 根据ID查询订单
func (dao *GrouponRepository) FindOrderById(tx *gorm.DB, orderId int64) (model.Order, error) {
	var order model.Order
	err := dao.conn(tx).Where("order_id = ?", orderId).First(&order).Error
	return order, err
}

// ListOrdersByAttend 查询团内指定状态的订单
func (dao *GrouponRepository) ListOrdersByAttend(tx *gorm.DB, attendId int64, statuses ...model.OrderStatus) ([]model.Order, error) {
	var orders []model.Order
	query := dao.conn(tx).Where("groupon_attend_id = ? AND order_type = ?", attendId, model.OrderTypeGroupon)
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}
	err := query.Order("order_id").Find(&orders).Error
	return orders, err
}

// AddOperLog 写入操作日志，按模块落到对应日志表
func (dao *GrouponRepository) AddOperLog(tx *gorm.DB, module model.LogModule, entry model.OperLogEntry) error {
	row, err := model.NewOperLog(module, entry)
	if err != nil {
		return err
	}
	if err := dao.conn(tx).Create(row).Error; err != nil {
		slog.Error("Failed to add oper log",
			"module", module,
			"target_id", entry.TargetId,
			"operation", entry.Operation,
			"error", err,
		)
		return err
	}
	return nil
}

// WithTransaction 执行数据库事务
func (dao *GrouponRepository) WithTransaction(fn func(tx *gorm.DB) error) error {
	return dao.db.Transaction(fn)
}
