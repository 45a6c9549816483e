package service

import (
	"context"
	"log/slog"

	"groupon_system/scheduler"

	"github.com/pkg/errors"
)

// attendTimeoutReason 团超时失败原因
const attendTimeoutReason = "拼团超时未成团"

// RegisterTasks 注册全部定时任务的处理函数
func (s *GrouponService) RegisterTasks(registry *scheduler.Registry) {
	registry.Register(scheduler.TaskGrouponPublish, func(ctx context.Context, task scheduler.Task) error {
		return s.campaign.Publish(ctx, task.TargetId)
	})
	registry.Register(scheduler.TaskGrouponExpire, func(ctx context.Context, task scheduler.Task) error {
		return s.campaign.Expire(ctx, task.TargetId)
	})
	registry.Register(scheduler.TaskOrderAutoCancel, func(ctx context.Context, task scheduler.Task) error {
		return s.canceler.AutoCancel(ctx, task.ShopId, task.TargetId)
	})
	registry.Register(scheduler.TaskAttendTimeout, s.handleAttendTimeout)
}

// handleAttendTimeout 团到截止时间仍未成团时失败结算。开关关闭时推迟任务，不退款
func (s *GrouponService) handleAttendTimeout(ctx context.Context, task scheduler.Task) error {
	if !s.settlementEnabled.Load() {
		slog.Warn("Timeout settlement disabled, task postponed",
			"attend_id", task.TargetId,
			"retry_after", s.pausedRetry,
		)
		return s.tasks.ScheduleAfter(ctx, scheduler.TaskAttendTimeout, task.ShopId, task.TargetId, s.pausedRetry)
	}

	attend, err := s.store.FindAttendById(nil, task.TargetId)
	if err != nil {
		return errors.Wrapf(err, "find attend %d", task.TargetId)
	}
	if attend.ValidDeadline != nil && s.now().Before(*attend.ValidDeadline) {
		slog.Warn("Attend timeout fired before deadline, ignored",
			"attend_id", attend.AttendId,
			"deadline", *attend.ValidDeadline,
		)
		return nil
	}

	result, err := s.settlement.TryFail(ctx, attend.AttendId, attendTimeoutReason)
	if err != nil {
		return err
	}
	if result.Skipped {
		slog.Info("Attend timeout skipped, attend already closed", "attend_id", attend.AttendId)
		return nil
	}
	slog.Info("Attend failed on timeout",
		"attend_id", attend.AttendId,
		"refunded", len(result.Refunded),
		"refund_failed", len(result.RefundFailed),
		"canceled", len(result.Canceled),
	)
	return nil
}
