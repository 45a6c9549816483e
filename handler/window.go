package handler

import (
	"fmt"
	"time"

	"groupon_system/model"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

const windowTimeLayout = "2006-01-02 15:04:05"

// WindowRequest 待校验的活动时间窗口
type WindowRequest struct {
	ProductId int64
	From      time.Time
	To        time.Time
	ExcludeId int64 // 编辑活动时排除自身
}

// WindowResult 时间窗口校验结果
type WindowResult struct {
	Ok     bool
	Reason string
}

func windowRejected(reason string) WindowResult {
	return WindowResult{Reason: reason}
}

// Overlaps 判断两个时间段是否重叠，首尾相接不算重叠
func Overlaps(a1, a2, b1, b2 time.Time) bool {
	lo, hi := a1, a2
	if b1.Before(lo) {
		lo = b1
	}
	if b2.After(hi) {
		hi = b2
	}
	return a2.Sub(a1)+b2.Sub(b1) > hi.Sub(lo)
}

// ValidateWindow 校验活动时间窗口，并检查同一商品下启用中的活动是否与之重叠
func ValidateWindow(tx *gorm.DB, lister GrouponLister, req WindowRequest, maxWindow time.Duration, now time.Time) (WindowResult, error) {
	if !req.From.Before(req.To) {
		return windowRejected("活动开始时间必须早于结束时间"), nil
	}
	if req.To.Before(now) {
		return windowRejected("活动结束时间不能早于当前时间"), nil
	}
	if req.To.Sub(req.From) > maxWindow {
		return windowRejected(fmt.Sprintf("活动时长不能超过%d天", int(maxWindow/(24*time.Hour)))), nil
	}

	groupons, err := lister.ListOnGrouponsByProduct(tx, req.ProductId, req.ExcludeId)
	if err != nil {
		return WindowResult{}, errors.Wrapf(err, "list groupons of product %d", req.ProductId)
	}
	for _, g := range groupons {
		if conflict(g, req) {
			return windowRejected(fmt.Sprintf("该商品在%s至%s已有拼团活动",
				g.FromDatetime.Format(windowTimeLayout), g.ToDatetime.Format(windowTimeLayout))), nil
		}
	}
	return WindowResult{Ok: true}, nil
}

func conflict(g model.Groupon, req WindowRequest) bool {
	if g.GrouponId == req.ExcludeId || g.Status != model.GrouponStatusOn {
		return false
	}
	return Overlaps(g.FromDatetime, g.ToDatetime, req.From, req.To)
}
