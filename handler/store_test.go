package handler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"groupon_system/model"
	"groupon_system/notification"

	"github.com/stretchr/testify/mock"
	"gorm.io/gorm"
)

// memStore 内存版拼团存储。WithTransaction串行执行，等价于团上的行锁
type memStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	groupons map[int64]*model.Groupon
	attends  map[int64]*model.GrouponAttend
	details  map[int64]*model.GrouponAttendDetail
	orders   map[int64]*model.Order
	operLogs []model.OperLogEntry

	nextDetailId int64

	failCountPaid error // 注入CountPaidDetails错误
}

func newMemStore() *memStore {
	return &memStore{
		groupons: make(map[int64]*model.Groupon),
		attends:  make(map[int64]*model.GrouponAttend),
		details:  make(map[int64]*model.GrouponAttendDetail),
		orders:   make(map[int64]*model.Order),
	}
}

func (s *memStore) WithTransaction(fn func(tx *gorm.DB) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	// 事务失败时回滚到快照
	snapshot := s.snapshot()
	if err := fn(nil); err != nil {
		s.restore(snapshot)
		return err
	}
	return nil
}

type memSnapshot struct {
	groupons map[int64]model.Groupon
	attends  map[int64]model.GrouponAttend
	details  map[int64]model.GrouponAttendDetail
	orders   map[int64]model.Order
	operLogs int
}

func (s *memStore) snapshot() memSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := memSnapshot{
		groupons: make(map[int64]model.Groupon, len(s.groupons)),
		attends:  make(map[int64]model.GrouponAttend, len(s.attends)),
		details:  make(map[int64]model.GrouponAttendDetail, len(s.details)),
		orders:   make(map[int64]model.Order, len(s.orders)),
		operLogs: len(s.operLogs),
	}
	for id, g := range s.groupons {
		snap.groupons[id] = *g
	}
	for id, a := range s.attends {
		snap.attends[id] = *a
	}
	for id, d := range s.details {
		snap.details[id] = *d
	}
	for id, o := range s.orders {
		snap.orders[id] = *o
	}
	return snap
}

func (s *memStore) restore(snap memSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, g := range snap.groupons {
		g := g
		s.groupons[id] = &g
	}
	for id, a := range snap.attends {
		a := a
		s.attends[id] = &a
	}
	for id, d := range snap.details {
		d := d
		s.details[id] = &d
	}
	for id, o := range snap.orders {
		o := o
		s.orders[id] = &o
	}
	s.operLogs = s.operLogs[:snap.operLogs]
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

func (s *memStore) LockAttendById(_ *gorm.DB, attendId int64) (model.GrouponAttend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attends[attendId]
	if !ok {
		return model.GrouponAttend{}, gorm.ErrRecordNotFound
	}
	return *a, nil
}

func (s *memStore) SaveAttend(_ *gorm.DB, attend *model.GrouponAttend) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := *attend
	s.attends[a.AttendId] = &a
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
	if s.failCountPaid != nil {
		return 0, s.failCountPaid
	}
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
		if d.AttendId == attendId && d.CustomerId == customerId &&
			(d.Status == model.DetailStatusUnpaid || d.Status == model.DetailStatusPaid) {
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
		if len(statuses) > 0 && !containsStatus(statuses, o.Status) {
			continue
		}
		out = append(out, *o)
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

func containsStatus(statuses []model.OrderStatus, s model.OrderStatus) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

// 构造测试数据的辅助方法

func (s *memStore) putGroupon(g model.Groupon) {
	s.groupons[g.GrouponId] = &g
}

func (s *memStore) putAttend(a model.GrouponAttend) {
	s.attends[a.AttendId] = &a
}

// addMember 向团里加入一个成员及其订单
func (s *memStore) addMember(attendId, customerId, orderId int64, sponsor bool, detail model.DetailStatus, order model.OrderStatus, net string) {
	a := s.attends[attendId]
	s.nextDetailId++
	s.details[s.nextDetailId] = &model.GrouponAttendDetail{
		DetailId:   s.nextDetailId,
		AttendId:   attendId,
		GrouponId:  a.GrouponId,
		CustomerId: customerId,
		OrderId:    orderId,
		IsSponsor:  sponsor,
		Status:     detail,
	}
	s.orders[orderId] = &model.Order{
		OrderId:         orderId,
		OrderNum:        fmt.Sprintf("GO%d", orderId),
		ShopId:          a.ShopId,
		CustomerId:      customerId,
		OrderType:       model.OrderTypeGroupon,
		GrouponAttendId: attendId,
		Quantity:        1,
		NetAmount:       mustDecimal(net),
		PayType:         model.PayTypeWeixinJsapi,
		Status:          order,
	}
}

func (s *memStore) attend(id int64) model.GrouponAttend {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.attends[id]
}

func (s *memStore) order(id int64) model.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.orders[id]
}

// setOrderStatus 模拟订单服务在事务中改写订单
func (s *memStore) setOrderStatus(id int64, status model.OrderStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[id].Status = status
}

func (s *memStore) groupon(id int64) model.Groupon {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.groupons[id]
}

// MockOrderService 模拟订单服务
type MockOrderService struct {
	mock.Mock
}

func (m *MockOrderService) CancelOrder(ctx context.Context, _ *gorm.DB, shopId, orderId int64) (bool, string, error) {
	args := m.Called(ctx, shopId, orderId)
	return args.Bool(0), args.String(1), args.Error(2)
}

func (m *MockOrderService) DirectPay(ctx context.Context, _ *gorm.DB, order model.Order) (bool, error) {
	args := m.Called(ctx, order)
	return args.Bool(0), args.Error(1)
}

func (m *MockOrderService) RefundOrder(ctx context.Context, order model.Order, channel model.RefundChannel) (bool, string, error) {
	args := m.Called(ctx, order, channel)
	return args.Bool(0), args.String(1), args.Error(2)
}

// MockPromotionCache 模拟商品页缓存
type MockPromotionCache struct {
	mock.Mock
}

func (m *MockPromotionCache) SetPromotionEvent(ctx context.Context, event model.PromotionEvent, ttl time.Duration) error {
	args := m.Called(ctx, event, ttl)
	return args.Error(0)
}

func (m *MockPromotionCache) IncrPromotionEvent(ctx context.Context, shopId, productId, count, quantity int64) (bool, error) {
	args := m.Called(ctx, shopId, productId, count, quantity)
	return args.Bool(0), args.Error(1)
}

func (m *MockPromotionCache) DeletePromotionEvent(ctx context.Context, shopId, productId int64) error {
	args := m.Called(ctx, shopId, productId)
	return args.Error(0)
}

// MockNotifier 模拟通知分发
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Dispatch(ctx context.Context, kind notification.Kind, c notification.Context) int {
	args := m.Called(ctx, kind, c)
	return args.Int(0)
}

// MockShopPreference 模拟店铺通知开关
type MockShopPreference struct {
	mock.Mock
}

func (m *MockShopPreference) GetShopNotifyEnabled(ctx context.Context, shopId int64, kind string) (bool, error) {
	args := m.Called(ctx, shopId, kind)
	return args.Bool(0), args.Error(1)
}

// MockSettler 模拟成团结算
type MockSettler struct {
	mock.Mock
}

func (m *MockSettler) TrySettle(ctx context.Context, attendId int64, force bool) (SettleResult, error) {
	args := m.Called(ctx, attendId, force)
	return args.Get(0).(SettleResult), args.Error(1)
}
