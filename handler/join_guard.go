package handler

import (
	"fmt"
	"time"

	"groupon_system/metrics"
	"groupon_system/model"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// JoinCheck 参团校验项，按校验顺序排列
type JoinCheck int8

const (
	JoinCheckNone           JoinCheck = iota
	JoinCheckFull                     // 团已满员
	JoinCheckCampaignClosed           // 活动已结束或已停用
	JoinCheckAttendClosed             // 团已过截止时间或不在等待中
	JoinCheckSuccessLimit             // 成团数已达上限
	JoinCheckMentorOnly               // 老带新活动仅限新客户
	JoinCheckQuantityLimit            // 单笔数量超限
	JoinCheckDuplicate                // 重复参团
	JoinCheckAttendLimit              // 每人参团次数超限
)

var joinCheckNames = map[JoinCheck]string{
	JoinCheckNone:           "none",
	JoinCheckFull:           "full",
	JoinCheckCampaignClosed: "campaign_closed",
	JoinCheckAttendClosed:   "attend_closed",
	JoinCheckSuccessLimit:   "success_limit",
	JoinCheckMentorOnly:     "mentor_only",
	JoinCheckQuantityLimit:  "quantity_limit",
	JoinCheckDuplicate:      "duplicate",
	JoinCheckAttendLimit:    "attend_limit",
}

func (c JoinCheck) String() string {
	return joinCheckNames[c]
}

// JoinRequest 参团请求
type JoinRequest struct {
	Groupon       model.Groupon
	Attend        model.GrouponAttend
	CustomerId    int64
	IsNewCustomer bool
	Quantity      int32
}

// JoinResult 参团校验结果
type JoinResult struct {
	Ok     bool
	Check  JoinCheck
	Reason string
}

func joinRejected(check JoinCheck, reason string) JoinResult {
	metrics.JoinRejections.WithLabelValues(check.String()).Inc()
	return JoinResult{Check: check, Reason: reason}
}

// EvaluateJoin 按顺序执行参团校验，返回第一个未通过的校验项。
// 开团时Attend为新建的团，SponsorId即当前客户
func EvaluateJoin(tx *gorm.DB, reader JoinReader, req JoinRequest, now time.Time) (JoinResult, error) {
	g, a := req.Groupon, req.Attend
	isSponsor := a.SponsorId == req.CustomerId

	if a.Size+1 > g.SuccessSize {
		return joinRejected(JoinCheckFull, "本团已满员，请参加其他团或自己开团"), nil
	}

	if !g.ToDatetime.After(now) || g.Status != model.GrouponStatusOn {
		return joinRejected(JoinCheckCampaignClosed, "拼团活动已结束"), nil
	}

	if !isSponsor {
		expired := a.ValidDeadline == nil || !a.ValidDeadline.After(now)
		if expired || a.Status != model.AttendStatusWaiting {
			return joinRejected(JoinCheckAttendClosed, "该团已失效，请参加其他团或自己开团"), nil
		}
	}

	if g.SuccessLimit > 0 && g.SucceededCount >= int64(g.SuccessLimit) {
		return joinRejected(JoinCheckSuccessLimit, "该拼团活动成团数已达上限"), nil
	}

	if g.GrouponType == model.GrouponTypeMentor && !req.IsNewCustomer && !isSponsor {
		return joinRejected(JoinCheckMentorOnly, "该团仅限新客户参与"), nil
	}

	if g.QuantityLimit > 0 && req.Quantity > g.QuantityLimit {
		return joinRejected(JoinCheckQuantityLimit, fmt.Sprintf("该拼团商品每单限购%d件", g.QuantityLimit)), nil
	}

	if !isSponsor {
		exists, err := reader.HasActiveDetail(tx, a.AttendId, req.CustomerId)
		if err != nil {
			return JoinResult{}, errors.Wrapf(err, "check detail of customer %d", req.CustomerId)
		}
		if exists {
			return joinRejected(JoinCheckDuplicate, "您已参加过该团，请勿重复参团"), nil
		}
	}

	if g.AttendLimit > 0 {
		count, err := reader.CountCustomerAttends(tx, g.GrouponId, req.CustomerId)
		if err != nil {
			return JoinResult{}, errors.Wrapf(err, "count attends of customer %d", req.CustomerId)
		}
		if count >= int64(g.AttendLimit) {
			return joinRejected(JoinCheckAttendLimit, fmt.Sprintf("该拼团活动每人最多参团%d次", g.AttendLimit)), nil
		}
	}

	return JoinResult{Ok: true}, nil
}
