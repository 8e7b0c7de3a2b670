// Package observability holds the process-wide prometheus instruments.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChecksTotal counts completed item polls by fused verdict.
	ChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vpsmon_checks_total",
		Help: "Completed stock checks by fused verdict",
	}, []string{"verdict"})

	// CheckDuration tracks end-to-end poll latency (fetch through record).
	CheckDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vpsmon_check_duration_seconds",
		Help:    "End-to-end duration of one item poll",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	// FetchErrors counts fetch failures by taxonomy kind.
	FetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vpsmon_fetch_errors_total",
		Help: "Fetch failures by error kind",
	}, []string{"kind"})

	// DetectorVerdicts counts per-detector outcomes.
	DetectorVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vpsmon_detector_verdicts_total",
		Help: "Per-detector verdicts",
	}, []string{"detector", "verdict"})

	// DueItems gauges the size of the last due-set refresh.
	DueItems = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vpsmon_due_items",
		Help: "Items due for polling at the last scheduler tick",
	})

	// SchedulerLoopDuration tracks the duration of the scheduling loop.
	SchedulerLoopDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vpsmon_scheduler_loop_duration_seconds",
		Help:    "Duration of one scheduler tick",
		Buckets: prometheus.DefBuckets,
	})

	// HostDeferrals counts dispatches skipped for host politeness.
	HostDeferrals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vpsmon_host_deferrals_total",
		Help: "Dispatches deferred by the per-host politeness gate",
	})

	// BrowserRenders counts headless render attempts.
	BrowserRenders = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vpsmon_browser_renders_total",
		Help: "Headless browser render attempts",
	}, []string{"outcome"})

	// Transitions counts stock state transitions by direction.
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vpsmon_transitions_total",
		Help: "Stored status transitions",
	}, []string{"from", "to"})

	// NotificationsSent counts deliveries by kind.
	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vpsmon_notifications_sent_total",
		Help: "Notification deliveries by kind",
	}, []string{"kind"})

	// NotificationsSkipped counts deliveries suppressed before sending.
	NotificationsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vpsmon_notifications_skipped_total",
		Help: "Deliveries suppressed by cooldown, quota, quiet hours or staleness",
	}, []string{"reason"})

	// ItemsAutoDisabled counts items disabled by the error threshold.
	ItemsAutoDisabled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vpsmon_items_auto_disabled_total",
		Help: "Items auto-disabled after consecutive check errors",
	})

	// HistoryPruned counts rows removed by retention pruning.
	HistoryPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vpsmon_history_pruned_rows_total",
		Help: "Check-history rows removed by retention pruning",
	})
)
