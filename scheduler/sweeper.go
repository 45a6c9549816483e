package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"groupon_system/model"

	"github.com/robfig/cron/v3"
)

// SweepSource 补偿扫描需要的查询
type SweepSource interface {
	ListOverdueAttends(now time.Time, limit int) ([]model.GrouponAttend, error)
	ListOverdueGroupons(now time.Time, limit int) ([]model.Groupon, error)
	ListRefundPendingAttends(before time.Time, limit int) ([]model.GrouponAttend, error)
}

// refundGrace 团失败后留给本次退款的时间，之后仍有等待中的订单才补退
const refundGrace = 5 * time.Minute

// Locker 分布式锁，保证多实例下同一时刻只有一个实例在扫描
type Locker interface {
	GetDistributedLock(ctx context.Context, key string, ttl int) (bool, error)
	ReleaseDistributedLock(ctx context.Context, key string) error
}

// Sweeper 定期补偿丢失的超时任务：过了截止时间仍在等待的团、过了结束时间仍未过期的活动、
// 失败后退款中断的团
type Sweeper struct {
	cron    *cron.Cron
	spec    string
	source  SweepSource
	locker  Locker
	client  *Client
	lockKey string
	lockTTL int // 秒
	batch   int
}

// NewSweeper 创建补偿扫描器，spec为带秒的cron表达式
func NewSweeper(spec string, source SweepSource, locker Locker, client *Client, lockKey string) *Sweeper {
	return &Sweeper{
		cron:    cron.New(cron.WithSeconds()),
		spec:    spec,
		source:  source,
		locker:  locker,
		client:  client,
		lockKey: lockKey,
		lockTTL: 30,
		batch:   200,
	}
}

// Start 注册定时扫描并启动
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.spec, func() {
		if _, err := s.SweepOnce(context.Background()); err != nil {
			slog.Error("Sweep overdue tasks failed", "error", err.Error())
		}
	}); err != nil {
		return fmt.Errorf("invalid sweep cron %q: %w", s.spec, err)
	}
	s.cron.Start()
	slog.Info("Sweeper started", "cron", s.spec)
	return nil
}

// Stop 停止调度并等待正在执行的扫描结束
func (s *Sweeper) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SweepOnce 执行一次扫描，返回重新投递的任务数
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	locked, err := s.locker.GetDistributedLock(ctx, s.lockKey, s.lockTTL)
	if err != nil {
		return 0, fmt.Errorf("acquire sweep lock failed: %w", err)
	}
	if !locked {
		slog.Debug("Sweep lock held by another instance")
		return 0, nil
	}
	defer func() {
		if err := s.locker.ReleaseDistributedLock(ctx, s.lockKey); err != nil {
			slog.Warn("Release sweep lock failed", "error", err.Error())
		}
	}()

	now := s.client.now()
	enqueued := 0

	attends, err := s.source.ListOverdueAttends(now, s.batch)
	if err != nil {
		return enqueued, fmt.Errorf("list overdue attends failed: %w", err)
	}
	for _, a := range attends {
		if err := s.client.Schedule(ctx, TaskAttendTimeout, a.ShopId, a.AttendId, now); err != nil {
			slog.Error("Requeue attend timeout failed", "attend_id", a.AttendId, "error", err.Error())
			continue
		}
		enqueued++
	}

	pending, err := s.source.ListRefundPendingAttends(now.Add(-refundGrace), s.batch)
	if err != nil {
		return enqueued, fmt.Errorf("list refund pending attends failed: %w", err)
	}
	for _, a := range pending {
		if err := s.client.Schedule(ctx, TaskAttendTimeout, a.ShopId, a.AttendId, now); err != nil {
			slog.Error("Requeue pending refund failed", "attend_id", a.AttendId, "error", err.Error())
			continue
		}
		enqueued++
	}

	groupons, err := s.source.ListOverdueGroupons(now, s.batch)
	if err != nil {
		return enqueued, fmt.Errorf("list overdue groupons failed: %w", err)
	}
	for _, g := range groupons {
		if err := s.client.Schedule(ctx, TaskGrouponExpire, g.ShopId, g.GrouponId, now); err != nil {
			slog.Error("Requeue groupon expire failed", "groupon_id", g.GrouponId, "error", err.Error())
			continue
		}
		enqueued++
	}

	if enqueued > 0 {
		slog.Info("Overdue tasks requeued",
			"attends", len(attends),
			"refund_pending", len(pending),
			"groupons", len(groupons),
			"enqueued", enqueued,
		)
	}
	return enqueued, nil
}
