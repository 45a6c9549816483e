package repository

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"groupon_system/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var repoNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestRepository(t *testing.T) (*GrouponRepository, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "groupon.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	models := []any{
		&model.Groupon{},
		&model.GrouponAttend{},
		&model.GrouponAttendDetail{},
		&model.Order{},
	}
	require.NoError(t, db.AutoMigrate(append(models, model.OperLogModels()...)...))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return NewGrouponRepositoryWithDB(db), db
}

func seedGroupon(t *testing.T, repo *GrouponRepository) model.Groupon {
	t.Helper()
	g := model.Groupon{
		ShopId:           9,
		ProductId:        100,
		Price:            decimal.RequireFromString("10.00"),
		FromDatetime:     repoNow.Add(-time.Hour),
		ToDatetime:       repoNow.Add(24 * time.Hour),
		GrouponType:      model.GrouponTypeNormal,
		SuccessSize:      2,
		SuccessValidHour: 24,
		Status:           model.GrouponStatusOn,
	}
	require.NoError(t, repo.CreateGroupon(nil, &g))
	return g
}

// seedMember 在团里加一个客户，返回明细
func seedMember(t *testing.T, repo *GrouponRepository, attend model.GrouponAttend, customerId int64, status model.DetailStatus) model.GrouponAttendDetail {
	t.Helper()
	d := model.GrouponAttendDetail{
		AttendId:   attend.AttendId,
		GrouponId:  attend.GrouponId,
		CustomerId: customerId,
		Status:     status,
	}
	require.NoError(t, repo.CreateDetail(nil, &d))
	return d
}

func seedAttend(t *testing.T, repo *GrouponRepository, g model.Groupon, status model.AttendStatus) model.GrouponAttend {
	t.Helper()
	a := model.GrouponAttend{GrouponId: g.GrouponId, ShopId: g.ShopId, SuccessSize: g.SuccessSize, Status: status}
	require.NoError(t, repo.CreateAttend(nil, &a))
	return a
}

// TestCountCustomerAttends 测试只统计等待中或已成团的团里未失效的参团明细
func TestCountCustomerAttends(t *testing.T) {
	repo, _ := newTestRepository(t)
	g := seedGroupon(t, repo)
	other := seedGroupon(t, repo)

	waiting := seedAttend(t, repo, g, model.AttendStatusWaiting)
	succeeded := seedAttend(t, repo, g, model.AttendStatusSucceeded)
	failed := seedAttend(t, repo, g, model.AttendStatusFailed)
	otherAttend := seedAttend(t, repo, other, model.AttendStatusWaiting)

	seedMember(t, repo, waiting, 1, model.DetailStatusUnpaid)
	seedMember(t, repo, succeeded, 1, model.DetailStatusPaid)
	seedMember(t, repo, failed, 1, model.DetailStatusPaid)
	seedMember(t, repo, otherAttend, 1, model.DetailStatusPaid)
	expired := seedAttend(t, repo, g, model.AttendStatusWaiting)
	seedMember(t, repo, expired, 1, model.DetailStatusExpired)
	seedMember(t, repo, waiting, 2, model.DetailStatusPaid)

	count, err := repo.CountCustomerAttends(nil, g.GrouponId, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	count, err = repo.CountCustomerAttends(nil, other.GrouponId, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, err = repo.CountCustomerAttends(nil, g.GrouponId, 3)
	require.NoError(t, err)
	assert.Zero(t, count)
}

// TestHasActiveDetail 测试已失效的明细不算在团内
func TestHasActiveDetail(t *testing.T) {
	repo, _ := newTestRepository(t)
	attend := seedAttend(t, repo, seedGroupon(t, repo), model.AttendStatusWaiting)
	seedMember(t, repo, attend, 1, model.DetailStatusUnpaid)
	seedMember(t, repo, attend, 2, model.DetailStatusExpired)

	active, err := repo.HasActiveDetail(nil, attend.AttendId, 1)
	require.NoError(t, err)
	assert.True(t, active)

	active, err = repo.HasActiveDetail(nil, attend.AttendId, 2)
	require.NoError(t, err)
	assert.False(t, active)

	paid, err := repo.CountPaidDetails(nil, attend.AttendId)
	require.NoError(t, err)
	assert.Zero(t, paid)
}

// TestListOrdersByAttend 测试按团和状态查询拼团订单，按订单ID排序
func TestListOrdersByAttend(t *testing.T) {
	repo, db := newTestRepository(t)
	attend := seedAttend(t, repo, seedGroupon(t, repo), model.AttendStatusWaiting)
	for i, status := range []model.OrderStatus{model.OrderStatusWaiting, model.OrderStatusUnpaid, model.OrderStatusWaiting} {
		o := model.Order{
			OrderNum:        "GO" + string(rune('a'+i)),
			ShopId:          9,
			CustomerId:      int64(i + 1),
			OrderType:       model.OrderTypeGroupon,
			GrouponAttendId: attend.AttendId,
			Status:          status,
		}
		require.NoError(t, db.Create(&o).Error)
	}
	normal := model.Order{OrderNum: "GOn", ShopId: 9, OrderType: model.OrderTypeNormal, GrouponAttendId: attend.AttendId, Status: model.OrderStatusWaiting}
	require.NoError(t, db.Create(&normal).Error)

	all, err := repo.ListOrdersByAttend(nil, attend.AttendId)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	waiting, err := repo.ListOrdersByAttend(nil, attend.AttendId, model.OrderStatusWaiting)
	require.NoError(t, err)
	require.Len(t, waiting, 2)
	assert.Less(t, waiting[0].OrderId, waiting[1].OrderId)
	assert.Equal(t, int64(1), waiting[0].CustomerId)
}

// TestLockAttendById 测试加锁读取只能在事务中调用，事务回滚后修改不生效
func TestLockAttendById(t *testing.T) {
	repo, _ := newTestRepository(t)
	attend := seedAttend(t, repo, seedGroupon(t, repo), model.AttendStatusWaiting)

	_, err := repo.LockAttendById(nil, attend.AttendId)
	assert.Error(t, err)

	boom := errors.New("settle failed")
	err = repo.WithTransaction(func(tx *gorm.DB) error {
		locked, err := repo.LockAttendById(tx, attend.AttendId)
		require.NoError(t, err)
		locked.Status = model.AttendStatusSucceeded
		require.NoError(t, repo.SaveAttend(tx, &locked))
		require.NoError(t, repo.AddOperLog(tx, model.LogModuleGrouponAttend, model.OperLogEntry{
			TargetId:  attend.AttendId,
			Operation: model.OperSucceed,
		}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	current, err := repo.FindAttendById(nil, attend.AttendId)
	require.NoError(t, err)
	assert.Equal(t, model.AttendStatusWaiting, current.Status)

	_, err = repo.LockAttendById(nil, 404)
	assert.Error(t, err)
	err = repo.WithTransaction(func(tx *gorm.DB) error {
		_, err := repo.LockAttendById(tx, 404)
		return err
	})
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

// TestListOverdue 测试补偿扫描只取过期未处理的团和活动
func TestListOverdue(t *testing.T) {
	repo, _ := newTestRepository(t)
	g := seedGroupon(t, repo)

	past := repoNow.Add(-time.Minute)
	future := repoNow.Add(time.Hour)
	overdue := seedAttend(t, repo, g, model.AttendStatusWaiting)
	overdue.ValidDeadline = &past
	require.NoError(t, repo.SaveAttend(nil, &overdue))
	pending := seedAttend(t, repo, g, model.AttendStatusWaiting)
	pending.ValidDeadline = &future
	require.NoError(t, repo.SaveAttend(nil, &pending))
	closed := seedAttend(t, repo, g, model.AttendStatusFailed)
	closed.ValidDeadline = &past
	require.NoError(t, repo.SaveAttend(nil, &closed))

	attends, err := repo.ListOverdueAttends(repoNow, 10)
	require.NoError(t, err)
	require.Len(t, attends, 1)
	assert.Equal(t, overdue.AttendId, attends[0].AttendId)

	groupons, err := repo.ListOverdueGroupons(repoNow.Add(48*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, groupons, 1)
	n, err := repo.UpdateGrouponStatus(nil, g.GrouponId, model.GrouponStatusExpired)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	groupons, err = repo.ListOverdueGroupons(repoNow.Add(48*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, groupons)
}

// TestListRefundPendingAttends 测试只取已失败且仍有等待中订单的团，刚更新过的团留给正在进行的退款
func TestListRefundPendingAttends(t *testing.T) {
	repo, db := newTestRepository(t)
	g := seedGroupon(t, repo)
	pending := seedAttend(t, repo, g, model.AttendStatusFailed)
	done := seedAttend(t, repo, g, model.AttendStatusFailed)
	waiting := seedAttend(t, repo, g, model.AttendStatusWaiting)

	orders := []model.Order{
		{OrderNum: "GO1", GrouponAttendId: pending.AttendId, OrderType: model.OrderTypeGroupon, Status: model.OrderStatusWaiting},
		{OrderNum: "GO2", GrouponAttendId: pending.AttendId, OrderType: model.OrderTypeGroupon, Status: model.OrderStatusWaiting},
		{OrderNum: "GO3", GrouponAttendId: done.AttendId, OrderType: model.OrderTypeGroupon, Status: model.OrderStatusRefunded},
		{OrderNum: "GO4", GrouponAttendId: waiting.AttendId, OrderType: model.OrderTypeGroupon, Status: model.OrderStatusWaiting},
	}
	for i := range orders {
		require.NoError(t, db.Create(&orders[i]).Error)
	}

	attends, err := repo.ListRefundPendingAttends(time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, attends, 1)
	assert.Equal(t, pending.AttendId, attends[0].AttendId)

	attends, err = repo.ListRefundPendingAttends(time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, attends)
}
