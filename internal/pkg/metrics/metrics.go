package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal 按路由与状态码统计的请求数。
	HTTPRequestsTotal *prometheus.CounterVec
	// HTTPRequestDuration 请求耗时分布（秒）。
	HTTPRequestDuration *prometheus.HistogramVec

	// CleanupRunsTotal 清理执行次数，trigger: cron_secret / admin / janitor。
	CleanupRunsTotal *prometheus.CounterVec
	// CleanupDeletedTasksTotal 被清理删除的已完成任务总数。
	CleanupDeletedTasksTotal prometheus.Counter

	// PasswordResetRequestsTotal 找回密码请求数，outcome: issued / unknown_email / failed / dropped。
	PasswordResetRequestsTotal *prometheus.CounterVec

	// BotRequestsTotal Bot API 请求数，outcome: ok / invalid_key / rate_limited / forbidden。
	BotRequestsTotal *prometheus.CounterVec

	// PaymentIntentsTotal 创建支付意图的结果统计。
	PaymentIntentsTotal *prometheus.CounterVec

	// WebhookDeliveriesTotal Webhook 投递结果统计。
	WebhookDeliveriesTotal *prometheus.CounterVec

	// StreamAutoClaimTotal 超时未确认后被重新认领的 Stream 消息数。
	StreamAutoClaimTotal *prometheus.CounterVec
	// StreamDeadLetterTotal 进入死信队列的 Stream 消息数。
	StreamDeadLetterTotal *prometheus.CounterVec

	// QueueDroppedJobsTotal 因队列已满或已关闭被丢弃的后台任务数。
	QueueDroppedJobsTotal prometheus.Counter
	// QueuePendingJobs 队列中待处理的任务数。
	QueuePendingJobs prometheus.Gauge

	initOnce sync.Once
)

// InitMetrics 注册全部指标，可重复调用。
func InitMetrics() {
	initOnce.Do(func() {
		HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskquadrant_http_requests_total",
			Help: "HTTP requests by route, method and status.",
		}, []string{"method", "route", "status"})
		HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskquadrant_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"})

		CleanupRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskquadrant_cleanup_runs_total",
			Help: "Completed-task cleanup runs by trigger.",
		}, []string{"trigger"})
		CleanupDeletedTasksTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskquadrant_cleanup_deleted_tasks_total",
			Help: "Completed tasks deleted by retention cleanup.",
		})

		PasswordResetRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskquadrant_password_reset_requests_total",
			Help: "Forgot-password requests by outcome.",
		}, []string{"outcome"})

		BotRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskquadrant_bot_requests_total",
			Help: "Bot API requests by outcome.",
		}, []string{"outcome"})

		PaymentIntentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskquadrant_payment_intents_total",
			Help: "Stripe payment intents by plan and outcome.",
		}, []string{"plan", "outcome"})

		WebhookDeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskquadrant_webhook_deliveries_total",
			Help: "Outgoing bot webhook deliveries by outcome.",
		}, []string{"outcome"})

		StreamAutoClaimTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskquadrant_stream_autoclaim_total",
			Help: "Stream messages reclaimed after their consumer went idle.",
		}, []string{"stream"})
		StreamDeadLetterTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskquadrant_stream_dead_letter_total",
			Help: "Stream messages moved to the dead-letter stream.",
		}, []string{"stream"})

		QueueDroppedJobsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskquadrant_queue_dropped_jobs_total",
			Help: "Background jobs dropped because the queue was full or closed.",
		})
		QueuePendingJobs = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskquadrant_queue_pending_jobs",
			Help: "Background jobs waiting for a worker.",
		})

		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			CleanupRunsTotal,
			CleanupDeletedTasksTotal,
			PasswordResetRequestsTotal,
			BotRequestsTotal,
			PaymentIntentsTotal,
			WebhookDeliveriesTotal,
			StreamAutoClaimTotal,
			StreamDeadLetterTotal,
			QueueDroppedJobsTotal,
			QueuePendingJobs,
		)
	})
}
