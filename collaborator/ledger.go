package collaborator

import (
	"fmt"

	"groupon_system/model"

	"gorm.io/gorm"
)

// AdjustInventory 记录一次库存变更，delta为负表示扣减
func AdjustInventory(tx *gorm.DB, productId, delta int64, reason int32, orderId int64) error {
	record := &model.StockRecord{
		ProductId:  productId,
		Delta:      delta,
		ReasonCode: reason,
		OrderId:    orderId,
	}
	if err := tx.Create(record).Error; err != nil {
		return fmt.Errorf("adjust inventory of product %d failed: %w", productId, err)
	}
	return nil
}

// AwardPoints 按实付金额（元，向下取整）给客户加积分
func AwardPoints(tx *gorm.DB, order model.Order) error {
	points := order.NetAmount.Floor().IntPart()
	if points <= 0 {
		return nil
	}
	return addPoints(tx, order, points)
}

func addPoints(tx *gorm.DB, order model.Order, points int64) error {
	record := &model.PointRecord{
		ShopId:     order.ShopId,
		CustomerId: order.CustomerId,
		Points:     points,
		OrderId:    order.OrderId,
	}
	if err := tx.Create(record).Error; err != nil {
		return fmt.Errorf("add points for order %d failed: %w", order.OrderId, err)
	}
	return nil
}

// ReversePoints 扣回订单已发放的积分，没有发放过时不做处理
func ReversePoints(tx *gorm.DB, order model.Order) error {
	var awarded int64
	err := tx.Model(&model.PointRecord{}).
		Where("order_id = ? AND customer_id = ?", order.OrderId, order.CustomerId).
		Select("COALESCE(SUM(points), 0)").
		Scan(&awarded).Error
	if err != nil {
		return fmt.Errorf("sum points of order %d failed: %w", order.OrderId, err)
	}
	if awarded <= 0 {
		return nil
	}
	return addPoints(tx, order, -awarded)
}
