package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"groupon_system/collaborator"
	"groupon_system/global"
	"groupon_system/handler"
	"groupon_system/model"
	"groupon_system/notification"
	"groupon_system/scheduler"

	"github.com/stretchr/testify/mock"
	"gorm.io/gorm"
)

// memStore 内存版拼团存储，同时满足服务层和结算处理器的存储接口。
// WithTransaction串行执行，等价于团上的行锁
type memStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	groupons map[int64]*model.Groupon
	attends  map[int64]*model.GrouponAttend
	details  map[int64]*model.GrouponAttendDetail
	orders   map[int64]*model.Order
	operLogs []model.OperLogEntry

	nextId int64
}

func newMemStore() *memStore {
	return &memStore{
		groupons: make(map[int64]*model.Groupon),
		attends:  make(map[int64]*model.GrouponAttend),
		details:  make(map[int64]*model.GrouponAttendDetail),
		orders:   make(map[int64]*model.Order),
	}
}

func (s *memStore) id() int64 {
	s.nextId++
	return s.nextId
}

func (s *memStore) WithTransaction(fn func(tx *gorm.DB) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return fn(nil)
}

func (s *memStore) CreateGroupon(_ *gorm.DB, groupon *model.Groupon) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	groupon.GrouponId = s.id()
	g := *groupon
	s.groupons[g.GrouponId] = &g
	return nil
}

func (s *memStore) SaveGroupon(_ *gorm.DB, groupon *model.Groupon) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := *groupon
	s.groupons[g.GrouponId] = &g
	return nil
}

func (s *memStore) FindGrouponById(_ *gorm.DB, grouponId int64) (model.Groupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groupons[grouponId]
	if !ok {
		return model.Groupon{}, gorm.ErrRecordNotFound
	}
	return *g, nil
}

func (s *memStore) ListOnGrouponsByProduct(_ *gorm.DB, productId, excludeId int64) ([]model.Groupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Groupon
	for _, g := range s.groupons {
		if g.ProductId == productId && g.Status == model.GrouponStatusOn && g.GrouponId != excludeId {
			out = append(out, *g)
		}
	}
	return out, nil
}

func (s *memStore) IncrGrouponSucceeded(_ *gorm.DB, grouponId, count, quantity int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groupons[grouponId]
	if !ok {
		return fmt.Errorf("groupon %d not found", grouponId)
	}
	g.SucceededCount += count
	g.SucceededQuantity += quantity
	return nil
}

func (s *memStore) UpdateGrouponStatus(_ *gorm.DB, grouponId int64, to model.GrouponStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groupons[grouponId]
	if !ok || g.Status == to {
		return 0, nil
	}
	g.Status = to
	return 1, nil
}

func (s *memStore) CreateAttend(_ *gorm.DB, attend *model.GrouponAttend) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	attend.AttendId = s.id()
	a := *attend
	s.attends[a.AttendId] = &a
	return nil
}

func (s *memStore) FindAttendById(_ *gorm.DB, attendId int64) (model.GrouponAttend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attends[attendId]
	if !ok {
		return model.GrouponAttend{}, gorm.ErrRecordNotFound
	}
	return *a, nil
}

func (s *memStore) LockAttendById(tx *gorm.DB, attendId int64) (model.GrouponAttend, error) {
	return s.FindAttendById(tx, attendId)
}

func (s *memStore) SaveAttend(_ *gorm.DB, attend *model.GrouponAttend) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := *attend
	s.attends[a.AttendId] = &a
	return nil
}

func (s *memStore) CreateDetail(_ *gorm.DB, detail *model.GrouponAttendDetail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	detail.DetailId = s.id()
	d := *detail
	s.details[d.DetailId] = &d
	return nil
}

func (s *memStore) SaveDetail(_ *gorm.DB, detail *model.GrouponAttendDetail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := *detail
	s.details[d.DetailId] = &d
	return nil
}

func (s *memStore) ListDetailsByAttend(_ *gorm.DB, attendId int64) ([]model.GrouponAttendDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.GrouponAttendDetail
	for _, d := range s.details {
		if d.AttendId == attendId {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetailId < out[j].DetailId })
	return out, nil
}

func (s *memStore) FindDetailByOrderId(_ *gorm.DB, orderId int64) (model.GrouponAttendDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.details {
		if d.OrderId == orderId {
			return *d, nil
		}
	}
	return model.GrouponAttendDetail{}, gorm.ErrRecordNotFound
}

func (s *memStore) CountPaidDetails(_ *gorm.DB, attendId int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, d := range s.details {
		if d.AttendId == attendId && d.Status == model.DetailStatusPaid {
			n++
		}
	}
	return n, nil
}

func (s *memStore) HasActiveDetail(_ *gorm.DB, attendId, customerId int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.details {
		if d.AttendId == attendId && d.CustomerId == customerId && d.Status != model.DetailStatusExpired {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) CountCustomerAttends(_ *gorm.DB, grouponId, customerId int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, d := range s.details {
		if d.GrouponId != grouponId || d.CustomerId != customerId || d.Status == model.DetailStatusExpired {
			continue
		}
		a := s.attends[d.AttendId]
		if a != nil && (a.Status == model.AttendStatusWaiting || a.Status == model.AttendStatusSucceeded) {
			n++
		}
	}
	return n, nil
}

func (s *memStore) FindOrderById(_ *gorm.DB, orderId int64) (model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderId]
	if !ok {
		return model.Order{}, gorm.ErrRecordNotFound
	}
	return *o, nil
}

func (s *memStore) ListOrdersByAttend(_ *gorm.DB, attendId int64, statuses ...model.OrderStatus) ([]model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Order
	for _, o := range s.orders {
		if o.GrouponAttendId != attendId || o.OrderType != model.OrderTypeGroupon {
			continue
		}
		matched := len(statuses) == 0
		for _, st := range statuses {
			if o.Status == st {
				matched = true
			}
		}
		if matched {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderId < out[j].OrderId })
	return out, nil
}

func (s *memStore) AddOperLog(_ *gorm.DB, _ model.LogModule, entry model.OperLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.operLogs = append(s.operLogs, entry)
	return nil
}

func (s *memStore) order(id int64) model.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.orders[id]
}

func (s *memStore) setOrderStatus(id int64, status model.OrderStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[id].Status = status
}

func (s *memStore) orderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

// fakeOrders 内存版订单服务，订单直接写入memStore
type fakeOrders struct {
	store        *memStore
	oldCustomers map[int64]bool // 在店铺里成交过的老客户
	refundFail   map[int64]bool // 退款失败的订单
	refunds      map[int64]model.RefundChannel
}

func newFakeOrders(store *memStore) *fakeOrders {
	return &fakeOrders{
		store:        store,
		oldCustomers: make(map[int64]bool),
		refundFail:   make(map[int64]bool),
		refunds:      make(map[int64]model.RefundChannel),
	}
}

func (f *fakeOrders) CreateOrder(_ *gorm.DB, order *model.Order) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	order.OrderId = f.store.id()
	order.OrderNum = fmt.Sprintf("GO%d", order.OrderId)
	order.Status = model.OrderStatusUnpaid
	o := *order
	f.store.orders[o.OrderId] = &o
	return nil
}

func (f *fakeOrders) MarkPaid(_ *gorm.DB, orderId int64, payType model.PayType, paidAt time.Time) (bool, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	o := f.store.orders[orderId]
	if o.Status != model.OrderStatusUnpaid {
		return false, nil
	}
	o.Status = model.OrderStatusPaid
	if o.OrderType == model.OrderTypeGroupon {
		o.Status = model.OrderStatusWaiting
	}
	o.PayType = payType
	o.PaidTime = &paidAt
	return true, nil
}

func (f *fakeOrders) IsNewCustomer(_ context.Context, _, customerId int64) (bool, error) {
	return !f.oldCustomers[customerId], nil
}

func (f *fakeOrders) CancelOrder(_ context.Context, _ *gorm.DB, _, orderId int64) (bool, string, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	o := f.store.orders[orderId]
	switch o.Status {
	case model.OrderStatusUnpaid:
	case model.OrderStatusCanceled, model.OrderStatusRefunded, model.OrderStatusRefundFail:
		return false, collaborator.ReasonOrderNotPending, nil
	default:
		return false, collaborator.ReasonOrderPaid, nil
	}
	o.Status = model.OrderStatusCanceled
	return true, "", nil
}

func (f *fakeOrders) DirectPay(_ context.Context, _ *gorm.DB, order model.Order) (bool, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	o := f.store.orders[order.OrderId]
	if o.Status != model.OrderStatusWaiting {
		return false, nil
	}
	o.Status = model.OrderStatusConfirmed
	return true, nil
}

func (f *fakeOrders) RefundOrder(_ context.Context, order model.Order, channel model.RefundChannel) (bool, string, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	f.refunds[order.OrderId] = channel
	o := f.store.orders[order.OrderId]
	if f.refundFail[order.OrderId] {
		o.Status = model.OrderStatusRefundFail
		return false, "gateway rejected", nil
	}
	o.Status = model.OrderStatusRefunded
	return true, "", nil
}

// scheduledTask 记录一次任务投递
type scheduledTask struct {
	Name     scheduler.TaskName
	TargetId int64
	RunAt    time.Time
}

// recordingScheduler 只记录投递的任务
type recordingScheduler struct {
	mu    sync.Mutex
	now   func() time.Time
	tasks []scheduledTask
}

func (r *recordingScheduler) Schedule(_ context.Context, name scheduler.TaskName, _, targetId int64, runAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, scheduledTask{Name: name, TargetId: targetId, RunAt: runAt})
	return nil
}

func (r *recordingScheduler) ScheduleAfter(ctx context.Context, name scheduler.TaskName, shopId, targetId int64, delay time.Duration) error {
	return r.Schedule(ctx, name, shopId, targetId, r.now().Add(delay))
}

func (r *recordingScheduler) byName(name scheduler.TaskName) []scheduledTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []scheduledTask
	for _, t := range r.tasks {
		if t.Name == name {
			out = append(out, t)
		}
	}
	return out
}

// fakeConfigCenter 内存版etcd锁和开关
type fakeConfigCenter struct {
	mu         sync.Mutex
	locks      map[string]bool
	settlement bool
	notify     map[string]bool
	watcher    func(key, value string)
}

func newFakeConfigCenter() *fakeConfigCenter {
	return &fakeConfigCenter{
		locks:      make(map[string]bool),
		settlement: true,
		notify:     make(map[string]bool),
	}
}

func (f *fakeConfigCenter) GetDistributedLock(_ context.Context, key string, _ int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locks[key] {
		return false, nil
	}
	f.locks[key] = true
	return true, nil
}

func (f *fakeConfigCenter) ReleaseDistributedLock(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.locks, key)
	return nil
}

func (f *fakeConfigCenter) GetSettlementEnabled(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settlement, nil
}

func (f *fakeConfigCenter) SetSettlementEnabled(_ context.Context, enabled bool) error {
	f.mu.Lock()
	f.settlement = enabled
	watcher := f.watcher
	f.mu.Unlock()
	if watcher != nil {
		watcher(global.EtcdKeySettlementEnabled, fmt.Sprint(enabled))
	}
	return nil
}

func (f *fakeConfigCenter) WatchSettlementConfig(_ context.Context, callback func(key, value string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watcher = callback
}

func (f *fakeConfigCenter) SetShopNotifyEnabled(_ context.Context, shopId int64, kind string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notify[fmt.Sprintf("%d/%s", shopId, kind)] = enabled
	return nil
}

// fakeCache 内存版商品页缓存
type fakeCache struct {
	mu     sync.Mutex
	events map[string]model.PromotionEvent
}

func newFakeCache() *fakeCache {
	return &fakeCache{events: make(map[string]model.PromotionEvent)}
}

func cacheKey(shopId, productId int64) string {
	return fmt.Sprintf("%d:%d", shopId, productId)
}

func (f *fakeCache) SetPromotionEvent(_ context.Context, event model.PromotionEvent, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[cacheKey(event.ShopId, event.ProductId)] = event
	return nil
}

func (f *fakeCache) IncrPromotionEvent(_ context.Context, shopId, productId, count, quantity int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.events[cacheKey(shopId, productId)]
	if !ok {
		return false, nil
	}
	e.SucceededCount += count
	e.SucceededQuantity += quantity
	f.events[cacheKey(shopId, productId)] = e
	return true, nil
}

func (f *fakeCache) GetPromotionEvent(_ context.Context, shopId, productId int64) (model.PromotionEvent, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.events[cacheKey(shopId, productId)]
	return e, ok, nil
}

func (f *fakeCache) DeletePromotionEvent(_ context.Context, shopId, productId int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.events, cacheKey(shopId, productId))
	return nil
}

// recordingNotifier 记录分发的通知
type recordingNotifier struct {
	mu    sync.Mutex
	kinds []notification.Kind
}

func (r *recordingNotifier) Dispatch(_ context.Context, kind notification.Kind, c notification.Context) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
	return len(c.Orders)
}

type alwaysEnabled struct{}

func (alwaysEnabled) GetShopNotifyEnabled(context.Context, int64, string) (bool, error) {
	return true, nil
}

// MockSettlement 模拟结算处理器
type MockSettlement struct {
	mock.Mock
}

func (m *MockSettlement) TrySettle(ctx context.Context, attendId int64, force bool) (handler.SettleResult, error) {
	args := m.Called(ctx, attendId, force)
	return args.Get(0).(handler.SettleResult), args.Error(1)
}

func (m *MockSettlement) TryFail(ctx context.Context, attendId int64, reason string) (handler.FailResult, error) {
	args := m.Called(ctx, attendId, reason)
	return args.Get(0).(handler.FailResult), args.Error(1)
}
