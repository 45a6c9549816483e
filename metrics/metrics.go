package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 结算结果标签
const (
	OutcomeSucceeded = "succeeded"
	OutcomeNotFull   = "not_full"
	OutcomeWaiting   = "waiting_payments"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
	OutcomeError     = "error"
)

var (
	// Settlements 成团/失败结算次数
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "groupon",
		Name:      "settlements_total",
		Help:      "Number of settlement attempts by outcome.",
	}, []string{"trigger", "outcome"})

	// Refunds 退款次数
	Refunds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "groupon",
		Name:      "refunds_total",
		Help:      "Number of refund calls by channel and result.",
	}, []string{"channel", "result"})

	// Tasks 定时任务执行次数
	Tasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "groupon",
		Name:      "tasks_total",
		Help:      "Number of scheduled task executions by task and result.",
	}, []string{"task", "result"})

	// JoinRejections 参团校验拒绝次数
	JoinRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "groupon",
		Name:      "join_rejections_total",
		Help:      "Number of rejected join attempts by failing check.",
	}, []string{"check"})

	// TaskDelay 任务实际执行时间与计划时间的差值
	TaskDelay = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "groupon",
		Name:      "task_delay_seconds",
		Help:      "Lag between a task's scheduled time and its execution.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"task"})
)

// Result 把错误折算为成功/失败标签
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
