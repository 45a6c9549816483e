package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"groupon_system/global"
	"groupon_system/handler"
	"groupon_system/model"
	"groupon_system/notification"
	"groupon_system/scheduler"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Store 拼团数据访问，由repository.GrouponRepository实现
type Store interface {
	WithTransaction(fn func(tx *gorm.DB) error) error

	CreateGroupon(tx *gorm.DB, groupon *model.Groupon) error
	SaveGroupon(tx *gorm.DB, groupon *model.Groupon) error
	FindGrouponById(tx *gorm.DB, grouponId int64) (model.Groupon, error)
	ListOnGrouponsByProduct(tx *gorm.DB, productId, excludeId int64) ([]model.Groupon, error)
	UpdateGrouponStatus(tx *gorm.DB, grouponId int64, to model.GrouponStatus) (int64, error)

	CreateAttend(tx *gorm.DB, attend *model.GrouponAttend) error
	FindAttendById(tx *gorm.DB, attendId int64) (model.GrouponAttend, error)
	LockAttendById(tx *gorm.DB, attendId int64) (model.GrouponAttend, error)
	SaveAttend(tx *gorm.DB, attend *model.GrouponAttend) error

	CreateDetail(tx *gorm.DB, detail *model.GrouponAttendDetail) error
	SaveDetail(tx *gorm.DB, detail *model.GrouponAttendDetail) error
	FindDetailByOrderId(tx *gorm.DB, orderId int64) (model.GrouponAttendDetail, error)
	HasActiveDetail(tx *gorm.DB, attendId, customerId int64) (bool, error)
	CountCustomerAttends(tx *gorm.DB, grouponId, customerId int64) (int64, error)

	FindOrderById(tx *gorm.DB, orderId int64) (model.Order, error)
	AddOperLog(tx *gorm.DB, module model.LogModule, entry model.OperLogEntry) error
}

// OrderService 下单与支付，由collaborator.OrderService实现
type OrderService interface {
	CreateOrder(tx *gorm.DB, order *model.Order) error
	MarkPaid(tx *gorm.DB, orderId int64, payType model.PayType, paidAt time.Time) (bool, error)
	IsNewCustomer(ctx context.Context, shopId, customerId int64) (bool, error)
	RefundOrder(ctx context.Context, order model.Order, channel model.RefundChannel) (bool, string, error)
}

// PromotionCache 商品页拼团信息缓存
type PromotionCache interface {
	GetPromotionEvent(ctx context.Context, shopId, productId int64) (model.PromotionEvent, bool, error)
	DeletePromotionEvent(ctx context.Context, shopId, productId int64) error
}

// TaskScheduler 定时任务投递，由scheduler.Client实现
type TaskScheduler interface {
	Schedule(ctx context.Context, name scheduler.TaskName, shopId, targetId int64, runAt time.Time) error
	ScheduleAfter(ctx context.Context, name scheduler.TaskName, shopId, targetId int64, delay time.Duration) error
}

// ConfigCenter etcd中的锁和开关，由repository.ETCDRepository实现
type ConfigCenter interface {
	GetDistributedLock(ctx context.Context, key string, ttl int) (bool, error)
	ReleaseDistributedLock(ctx context.Context, key string) error
	GetSettlementEnabled(ctx context.Context) (bool, error)
	SetSettlementEnabled(ctx context.Context, enabled bool) error
	WatchSettlementConfig(ctx context.Context, callback func(key, value string))
	SetShopNotifyEnabled(ctx context.Context, shopId int64, kind string, enabled bool) error
}

// Settlement 成团与失败结算，由handler.SettlementHandler实现
type Settlement interface {
	TrySettle(ctx context.Context, attendId int64, force bool) (handler.SettleResult, error)
	TryFail(ctx context.Context, attendId int64, reason string) (handler.FailResult, error)
}

// CampaignTasks 活动上线与过期任务，由handler.CampaignTaskHandler实现
type CampaignTasks interface {
	Publish(ctx context.Context, grouponId int64) error
	Expire(ctx context.Context, grouponId int64) error
}

// OrderCanceler 未支付订单超时取消，由handler.AutoCancelHandler实现
type OrderCanceler interface {
	AutoCancel(ctx context.Context, shopId, orderId int64) error
}

// Deps 拼团服务依赖
type Deps struct {
	Store      Store
	Orders     OrderService
	Cache      PromotionCache
	Tasks      TaskScheduler
	Config     ConfigCenter
	Settlement Settlement
	Campaign   CampaignTasks
	Canceler   OrderCanceler
	Notifier   handler.Notifier

	MaxWindow       time.Duration // 活动最长持续时间
	AutoCancelDelay time.Duration // 未支付订单自动取消延时
	PausedRetry     time.Duration // 自动失败结算关闭时超时任务的推迟时长
	Now             func() time.Time
}

// GrouponService 拼团服务，封装活动管理、开团参团和支付回调
type GrouponService struct {
	store      Store
	orders     OrderService
	cache      PromotionCache
	tasks      TaskScheduler
	config     ConfigCenter
	settlement Settlement
	campaign   CampaignTasks
	canceler   OrderCanceler
	notifier   handler.Notifier

	maxWindow       time.Duration
	autoCancelDelay time.Duration
	pausedRetry     time.Duration
	now             func() time.Time

	settlementEnabled atomic.Bool // 团超时自动失败结算开关
}

// NewGrouponService 创建拼团服务
func NewGrouponService(deps Deps) *GrouponService {
	s := &GrouponService{
		store:           deps.Store,
		orders:          deps.Orders,
		cache:           deps.Cache,
		tasks:           deps.Tasks,
		config:          deps.Config,
		settlement:      deps.Settlement,
		campaign:        deps.Campaign,
		canceler:        deps.Canceler,
		notifier:        deps.Notifier,
		maxWindow:       deps.MaxWindow,
		autoCancelDelay: deps.AutoCancelDelay,
		pausedRetry:     deps.PausedRetry,
		now:             deps.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.pausedRetry <= 0 {
		s.pausedRetry = 5 * time.Minute
	}
	s.settlementEnabled.Store(true)
	return s
}

// GrouponRequest 创建或编辑拼团活动的参数
type GrouponRequest struct {
	ShopId           int64             `json:"shop_id"`
	ProductId        int64             `json:"product_id"`
	Price            decimal.Decimal   `json:"price"`
	FromDatetime     time.Time         `json:"from_datetime"`
	ToDatetime       time.Time         `json:"to_datetime"`
	GrouponType      model.GrouponType `json:"groupon_type"`
	SuccessSize      int32             `json:"success_size"`
	QuantityLimit    int32             `json:"quantity_limit"`
	SuccessLimit     int32             `json:"success_limit"`
	AttendLimit      int32             `json:"attend_limit"`
	SuccessValidHour int32             `json:"success_valid_hour"`
}

// validate 校验活动字段，时间窗口另行校验
func (r *GrouponRequest) validate() error {
	if r.ShopId <= 0 || r.ProductId <= 0 {
		return reject("店铺和商品不能为空")
	}
	if r.GrouponType == 0 {
		r.GrouponType = model.GrouponTypeNormal
	}
	if r.GrouponType != model.GrouponTypeNormal && r.GrouponType != model.GrouponTypeMentor {
		return reject("拼团类型不正确")
	}
	if r.SuccessSize < 2 {
		return reject("成团人数不能少于2人")
	}
	if !r.Price.IsPositive() {
		return reject("拼团价必须大于0")
	}
	if r.SuccessValidHour != 24 && r.SuccessValidHour != 48 {
		return reject("成团有效时长只能为24或48小时")
	}
	if r.QuantityLimit < 0 || r.SuccessLimit < 0 || r.AttendLimit < 0 {
		return reject("限制数量不能为负数")
	}
	return nil
}

// apply 把请求字段写入活动，不改动状态和成团计数
func (r *GrouponRequest) apply(g *model.Groupon) {
	g.ShopId = r.ShopId
	g.ProductId = r.ProductId
	g.Price = r.Price.Round(2)
	g.FromDatetime = r.FromDatetime
	g.ToDatetime = r.ToDatetime
	g.GrouponType = r.GrouponType
	g.SuccessSize = r.SuccessSize
	g.QuantityLimit = r.QuantityLimit
	g.SuccessLimit = r.SuccessLimit
	g.AttendLimit = r.AttendLimit
	g.SuccessValidHour = r.SuccessValidHour
}

// CreateGroupon 创建拼团活动，并安排活动上线和过期任务
func (s *GrouponService) CreateGroupon(ctx context.Context, operatorId int64, req GrouponRequest) (model.Groupon, error) {
	var groupon model.Groupon
	if err := req.validate(); err != nil {
		return groupon, err
	}

	unlock, err := s.lockProduct(ctx, req.ProductId)
	if err != nil {
		return groupon, err
	}
	defer unlock()

	err = s.store.WithTransaction(func(tx *gorm.DB) error {
		if err := s.checkWindow(tx, req, 0); err != nil {
			return err
		}
		req.apply(&groupon)
		groupon.Status = model.GrouponStatusOn
		if err := s.store.CreateGroupon(tx, &groupon); err != nil {
			return errors.Wrap(err, "create groupon")
		}
		return s.store.AddOperLog(tx, model.LogModuleGroupon, model.OperLogEntry{
			ShopId:     groupon.ShopId,
			TargetId:   groupon.GrouponId,
			OperatorId: operatorId,
			Operation:  model.OperCreate,
		})
	})
	if err != nil {
		return model.Groupon{}, err
	}

	s.scheduleCampaign(ctx, groupon)
	return groupon, nil
}

// UpdateGroupon 编辑拼团活动，时间窗口校验时排除自身
func (s *GrouponService) UpdateGroupon(ctx context.Context, operatorId, grouponId int64, req GrouponRequest) (model.Groupon, error) {
	var groupon model.Groupon
	if err := req.validate(); err != nil {
		return groupon, err
	}

	unlock, err := s.lockProduct(ctx, req.ProductId)
	if err != nil {
		return groupon, err
	}
	defer unlock()

	err = s.store.WithTransaction(func(tx *gorm.DB) error {
		var err error
		groupon, err = s.store.FindGrouponById(tx, grouponId)
		if err != nil {
			return errors.Wrapf(err, "find groupon %d", grouponId)
		}
		if groupon.ShopId != req.ShopId {
			return reject("拼团活动不属于该店铺")
		}
		if groupon.Status == model.GrouponStatusExpired {
			return reject("拼团活动已过期，不能编辑")
		}
		if err := s.checkWindow(tx, req, grouponId); err != nil {
			return err
		}

		req.apply(&groupon)
		if err := s.store.SaveGroupon(tx, &groupon); err != nil {
			return errors.Wrapf(err, "save groupon %d", grouponId)
		}
		return s.store.AddOperLog(tx, model.LogModuleGroupon, model.OperLogEntry{
			ShopId:     groupon.ShopId,
			TargetId:   grouponId,
			OperatorId: operatorId,
			Operation:  model.OperUpdate,
		})
	})
	if err != nil {
		return model.Groupon{}, err
	}

	// 旧的任务仍会触发：上线任务可重复执行，过期任务在结束时间之前触发会被忽略
	s.scheduleCampaign(ctx, groupon)
	return groupon, nil
}

// TurnOffGroupon 停用拼团活动，停用后不能再开团或参团
func (s *GrouponService) TurnOffGroupon(ctx context.Context, operatorId, grouponId int64) error {
	var groupon model.Groupon
	err := s.store.WithTransaction(func(tx *gorm.DB) error {
		var err error
		groupon, err = s.store.FindGrouponById(tx, grouponId)
		if err != nil {
			return errors.Wrapf(err, "find groupon %d", grouponId)
		}
		if groupon.Status != model.GrouponStatusOn {
			return reject("拼团活动未处于启用状态")
		}
		if _, err := s.store.UpdateGrouponStatus(tx, grouponId, model.GrouponStatusOff); err != nil {
			return errors.Wrapf(err, "turn off groupon %d", grouponId)
		}
		return s.store.AddOperLog(tx, model.LogModuleGroupon, model.OperLogEntry{
			ShopId:     groupon.ShopId,
			TargetId:   grouponId,
			OperatorId: operatorId,
			Operation:  model.OperTurnOff,
		})
	})
	if err != nil {
		return err
	}

	if err := s.cache.DeletePromotionEvent(ctx, groupon.ShopId, groupon.ProductId); err != nil {
		slog.Warn("Failed to delete promotion event", "groupon_id", grouponId, "error", err.Error())
	}
	slog.Info("Groupon turned off", "groupon_id", grouponId, "operator_id", operatorId)
	return nil
}

// GetPromotionEvent 查询商品页展示的拼团信息
func (s *GrouponService) GetPromotionEvent(ctx context.Context, shopId, productId int64) (model.PromotionEvent, bool, error) {
	return s.cache.GetPromotionEvent(ctx, shopId, productId)
}

// StartConfigWatcher 加载并监听团超时自动失败结算开关
func (s *GrouponService) StartConfigWatcher(ctx context.Context) {
	enabled, err := s.config.GetSettlementEnabled(ctx)
	if err != nil {
		slog.Warn("Failed to load settlement switch, keep enabled", "error", err.Error())
	}
	s.settlementEnabled.Store(enabled)

	slog.Info("Starting etcd config watcher", "settlement_enabled", enabled)
	s.config.WatchSettlementConfig(ctx, func(key, value string) {
		switch key {
		case global.EtcdKeySettlementEnabled:
			on := value != "false"
			s.settlementEnabled.Store(on)
			if on {
				slog.Info("Timeout settlement has been enabled via etcd config")
			} else {
				slog.Warn("Timeout settlement has been disabled via etcd config")
			}
		}
	})
}

// SettlementEnabled 团超时自动失败结算是否开启
func (s *GrouponService) SettlementEnabled() bool {
	return s.settlementEnabled.Load()
}

// SetSettlementEnabled 修改团超时自动失败结算开关，各实例通过etcd监听生效
func (s *GrouponService) SetSettlementEnabled(ctx context.Context, enabled bool) error {
	if err := s.config.SetSettlementEnabled(ctx, enabled); err != nil {
		return err
	}
	slog.Info("Settlement switch updated", "enabled", enabled)
	return nil
}

// SetShopNotifyEnabled 修改店铺的某类拼团通知开关
func (s *GrouponService) SetShopNotifyEnabled(ctx context.Context, shopId int64, kind notification.Kind, enabled bool) error {
	if _, ok := notification.Lookup(kind); !ok {
		return reject("不支持的通知类型：%s", kind)
	}
	if err := s.config.SetShopNotifyEnabled(ctx, shopId, string(kind), enabled); err != nil {
		return err
	}
	slog.Info("Shop notify preference updated", "shop_id", shopId, "kind", kind, "enabled", enabled)
	return nil
}

func (s *GrouponService) checkWindow(tx *gorm.DB, req GrouponRequest, excludeId int64) error {
	result, err := handler.ValidateWindow(tx, s.store, handler.WindowRequest{
		ProductId: req.ProductId,
		From:      req.FromDatetime,
		To:        req.ToDatetime,
		ExcludeId: excludeId,
	}, s.maxWindow, s.now())
	if err != nil {
		return err
	}
	if !result.Ok {
		return &RejectError{Message: result.Reason}
	}
	return nil
}

// lockProduct 同一商品的活动创建和编辑串行执行，返回释放函数
func (s *GrouponService) lockProduct(ctx context.Context, productId int64) (func(), error) {
	lockKey := fmt.Sprintf("%s%d", global.EtcdKeyProductLockPrefix, productId)

	lockCtx, lockCancel := context.WithTimeout(ctx, 5*time.Second)
	defer lockCancel()

	locked, err := s.config.GetDistributedLock(lockCtx, lockKey, 10)
	if err != nil {
		return nil, errors.Wrapf(err, "lock product %d", productId)
	}
	if !locked {
		return nil, reject("该商品的拼团活动正在编辑中，请稍后重试")
	}

	return func() {
		// 使用新的context释放锁，避免使用已取消的context
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer releaseCancel()
		if err := s.config.ReleaseDistributedLock(releaseCtx, lockKey); err != nil {
			slog.Warn("Failed to release product lock", "key", lockKey, "error", err.Error())
		}
	}, nil
}

// scheduleCampaign 安排活动开始时上线、结束时过期。投递失败只记日志，过期任务由补偿扫描兜底
func (s *GrouponService) scheduleCampaign(ctx context.Context, g model.Groupon) {
	if err := s.tasks.Schedule(ctx, scheduler.TaskGrouponPublish, g.ShopId, g.GrouponId, g.FromDatetime); err != nil {
		slog.Error("Failed to schedule groupon publish", "groupon_id", g.GrouponId, "error", err.Error())
	}
	if err := s.tasks.Schedule(ctx, scheduler.TaskGrouponExpire, g.ShopId, g.GrouponId, g.ToDatetime); err != nil {
		slog.Error("Failed to schedule groupon expire", "groupon_id", g.GrouponId, "error", err.Error())
	}
}
