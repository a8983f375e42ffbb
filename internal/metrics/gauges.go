

// =============================================================================
// 文件: internal/metrics/gauges.go
// 描述: 实时埋点指标（Counter/Gauge/Histogram）
// =============================================================================
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// GroupMetrics 全局指标集合
type GroupMetrics struct {
	// 交付相关
	MessagesDelivered *prometheus.CounterVec
	MessagesReceived  *prometheus.CounterVec
	DuplicatesDropped *prometheus.CounterVec

	// 空洞与重传
	GapsDetected       *prometheus.CounterVec
	MissingRecovered   *prometheus.CounterVec
	RetransmitRequests prometheus.Counter
	RequestsSuppressed prometheus.Counter

	// 窗口状态
	ActiveWindows prometheus.Gauge

	// 路由桩
	StubsConnected prometheus.Gauge

	// 交付批次大小
	DeliveryBatch prometheus.Histogram
}

// NewGroupMetrics 创建指标集合并注册
func NewGroupMetrics(registry *prometheus.Registry) *GroupMetrics {
	m := &GroupMetrics{
		MessagesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gmcast",
			Name:      "messages_delivered_total",
			Help:      "Total messages delivered in order to the application",
		}, []string{"sender"}),

		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gmcast",
			Name:      "messages_received_total",
			Help:      "Total messages accepted into receive windows",
		}, []string{"sender"}),

		DuplicatesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gmcast",
			Name:      "duplicates_dropped_total",
			Help:      "Total duplicate or stale messages dropped",
		}, []string{"sender"}),

		GapsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gmcast",
			Name:      "gaps_detected_total",
			Help:      "Total sequence number gaps detected",
		}, []string{"sender"}),

		MissingRecovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gmcast",
			Name:      "missing_recovered_total",
			Help:      "Total missing messages recovered via retransmission",
		}, []string{"sender"}),

		RetransmitRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gmcast",
			Name:      "retransmit_requests_total",
			Help:      "Total retransmit requests sent",
		}),

		RequestsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gmcast",
			Name:      "retransmit_requests_suppressed_total",
			Help:      "Total duplicate retransmit requests suppressed by the dedup filter",
		}),

		ActiveWindows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gmcast",
			Name:      "active_windows",
			Help:      "Number of active per-sender receive windows",
		}),

		StubsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gmcast",
			Name:      "router_stubs_connected",
			Help:      "Number of router stubs currently connected",
		}),

		DeliveryBatch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gmcast",
			Name:      "delivery_batch_size",
			Help:      "Messages drained per delivery batch",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}

	if registry != nil {
		registry.MustRegister(
			m.MessagesDelivered,
			m.MessagesReceived,
			m.DuplicatesDropped,
			m.GapsDetected,
			m.MissingRecovered,
			m.RetransmitRequests,
			m.RequestsSuppressed,
			m.ActiveWindows,
			m.StubsConnected,
			m.DeliveryBatch,
		)
	}

	return m
}
