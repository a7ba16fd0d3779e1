package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rateLimitDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "changedesk_rate_limit_drops_total",
		Help: "Requests rejected with HTTP 429, by limiter prefix",
	}, []string{"prefix"})

	transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "changedesk_change_transitions_total",
		Help: "Change status transitions by target status and outcome",
	}, []string{"to", "outcome"})

	scans = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "changedesk_scheduler_scans_total",
		Help: "Automation scheduler scans by trigger and outcome",
	}, []string{"trigger", "outcome"})

	scanItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "changedesk_scheduler_items_total",
		Help: "Changes handled by the automation scheduler, by kind",
	}, []string{"kind"}) // auto_started, completion_prompt, failed

	scanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "changedesk_scheduler_scan_duration_seconds",
		Help:    "Duration of automation scheduler scans",
		Buckets: prometheus.DefBuckets,
	})

	notificationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "changedesk_notification_failures_total",
		Help: "Notification deliveries that failed, by notification type",
	}, []string{"type"})
)

// IncRateLimitDrop increments drop counters for the given prefix.
// Use prefix "global" for global limiter rejections.
func IncRateLimitDrop(prefix string) {
	if prefix == "" {
		prefix = "global"
	}
	rateLimitDrops.WithLabelValues(prefix).Inc()
}

// ObserveTransition outcome: ok, validation, authorization, conflict, not_found, error
func ObserveTransition(to, outcome string) {
	transitions.WithLabelValues(to, outcome).Inc()
}

// ObserveScan 记录一次扫描结果
func ObserveScan(trigger string, seconds float64, autoStarted, completionPrompts, failed int, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	scans.WithLabelValues(trigger, outcome).Inc()
	scanDuration.Observe(seconds)
	scanItems.WithLabelValues("auto_started").Add(float64(autoStarted))
	scanItems.WithLabelValues("completion_prompt").Add(float64(completionPrompts))
	scanItems.WithLabelValues("failed").Add(float64(failed))
}

func IncNotificationFailure(notificationType string) {
	notificationFailures.WithLabelValues(notificationType).Inc()
}
