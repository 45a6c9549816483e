package service

import (
	"context"
	"testing"
	"time"

	"groupon_system/handler"
	"groupon_system/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const (
	testShopId    int64 = 9
	testProductId int64 = 100
	testOperator  int64 = 7

	sponsorId int64 = 1001
	customerB int64 = 1002
	customerC int64 = 1003
)

var baseNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.Local)

// testEnv 服务层测试环境，结算、活动任务和自动取消使用真实处理器
type testEnv struct {
	store    *memStore
	orders   *fakeOrders
	cache    *fakeCache
	tasks    *recordingScheduler
	config   *fakeConfigCenter
	notifier *recordingNotifier
	svc      *GrouponService

	now time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{now: baseNow}
	clock := func() time.Time { return env.now }

	env.store = newMemStore()
	env.orders = newFakeOrders(env.store)
	env.cache = newFakeCache()
	env.tasks = &recordingScheduler{now: clock}
	env.config = newFakeConfigCenter()
	env.notifier = &recordingNotifier{}

	settlement := handler.NewSettlementHandler(handler.SettlementDeps{
		Store:             env.store,
		Orders:            env.orders,
		Cache:             env.cache,
		Notifier:          env.notifier,
		Preference:        alwaysEnabled{},
		RefundConcurrency: 2,
		Now:               clock,
	})
	env.svc = NewGrouponService(Deps{
		Store:           env.store,
		Orders:          env.orders,
		Cache:           env.cache,
		Tasks:           env.tasks,
		Config:          env.config,
		Settlement:      settlement,
		Campaign:        handler.NewCampaignTaskHandler(env.store, env.cache, 10*time.Second, clock),
		Canceler:        handler.NewAutoCancelHandler(env.store, env.orders, settlement),
		MaxWindow:       90 * 24 * time.Hour,
		AutoCancelDelay: 30 * time.Minute,
		Now:             clock,
	})
	return env
}

func validRequest() GrouponRequest {
	return GrouponRequest{
		ShopId:           testShopId,
		ProductId:        testProductId,
		Price:            decimal.RequireFromString("10.00"),
		FromDatetime:     baseNow.Add(-time.Hour),
		ToDatetime:       baseNow.Add(72 * time.Hour),
		GrouponType:      model.GrouponTypeNormal,
		SuccessSize:      2,
		SuccessValidHour: 24,
	}
}

// createGroupon 创建一个正在进行中的活动
func (e *testEnv) createGroupon(t *testing.T, mutate func(*GrouponRequest)) model.Groupon {
	t.Helper()
	req := validRequest()
	if mutate != nil {
		mutate(&req)
	}
	g, err := e.svc.CreateGroupon(context.Background(), testOperator, req)
	require.NoError(t, err)
	return g
}

// openPaidAttend 团长开团并支付，团进入等待成团
func (e *testEnv) openPaidAttend(t *testing.T, g model.Groupon) model.GrouponAttend {
	t.Helper()
	opened, err := e.svc.OpenAttend(context.Background(), g.GrouponId, sponsorId, 1)
	require.NoError(t, err)
	_, err = e.svc.HandleOrderPaid(context.Background(), opened.Order.OrderId, model.PayTypeWeixinJsapi)
	require.NoError(t, err)
	attend, err := e.store.FindAttendById(nil, opened.Attend.AttendId)
	require.NoError(t, err)
	require.Equal(t, model.AttendStatusWaiting, attend.Status)
	return attend
}
