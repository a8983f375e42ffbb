

// =============================================================================
// 文件: internal/metrics/collectors.go
// 描述: Prometheus 指标收集器定义 (按发送者的窗口进度快照)
// =============================================================================
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// WindowStatData 单个接收窗口的统计数据
type WindowStatData struct {
	Low              uint64
	HighestDelivered uint64
	HighestReceived  uint64
	Size             int
	PendingXmits     int
	LossRate         float64
	SmoothedLossRate float64
}

// WindowStats 窗口统计数据提供者接口
type WindowStats interface {
	GetActiveWindows() int64
	GetTotalWindows() uint64
	GetWindowStats() map[string]WindowStatData
}

// WindowCollector 接收窗口指标收集器
type WindowCollector struct {
	statsProvider WindowStats

	// 描述符
	activeWindowsDesc *prometheus.Desc
	totalWindowsDesc  *prometheus.Desc

	// 按发送者
	lowDesc              *prometheus.Desc
	highestDeliveredDesc *prometheus.Desc
	highestReceivedDesc  *prometheus.Desc
	sizeDesc             *prometheus.Desc
	pendingXmitsDesc     *prometheus.Desc
	lossRateDesc         *prometheus.Desc
	smoothedLossDesc     *prometheus.Desc
}

// NewWindowCollector 创建窗口收集器
func NewWindowCollector(provider WindowStats) *WindowCollector {
	namespace := "gmcast"
	subsystem := "window"

	return &WindowCollector{
		statsProvider: provider,

		activeWindowsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "active"),
			"Number of active receive windows",
			nil, nil,
		),
		totalWindowsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "created_total"),
			"Total receive windows ever created",
			nil, nil,
		),
		lowDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "low_seqno"),
			"Highest globally stable sequence number",
			[]string{"sender"}, nil,
		),
		highestDeliveredDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "highest_delivered_seqno"),
			"Highest sequence number delivered to the application",
			[]string{"sender"}, nil,
		),
		highestReceivedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "highest_received_seqno"),
			"Highest sequence number received",
			[]string{"sender"}, nil,
		),
		sizeDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "buffered_messages"),
			"Messages currently buffered in the retransmit table",
			[]string{"sender"}, nil,
		),
		pendingXmitsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "pending_xmits"),
			"Missing sequence numbers awaiting retransmission",
			[]string{"sender"}, nil,
		),
		lossRateDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "loss_rate"),
			"Current loss rate (pending / buffered)",
			[]string{"sender"}, nil,
		),
		smoothedLossDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "smoothed_loss_rate"),
			"Exponentially smoothed loss rate",
			[]string{"sender"}, nil,
		),
	}
}

// Describe 实现 prometheus.Collector
func (c *WindowCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeWindowsDesc
	ch <- c.totalWindowsDesc
	ch <- c.lowDesc
	ch <- c.highestDeliveredDesc
	ch <- c.highestReceivedDesc
	ch <- c.sizeDesc
	ch <- c.pendingXmitsDesc
	ch <- c.lossRateDesc
	ch <- c.smoothedLossDesc
}

// Collect 实现 prometheus.Collector
func (c *WindowCollector) Collect(ch chan<- prometheus.Metric) {
	if c.statsProvider == nil {
		return
	}

	ch <- prometheus.MustNewConstMetric(c.activeWindowsDesc, prometheus.GaugeValue,
		float64(c.statsProvider.GetActiveWindows()))
	ch <- prometheus.MustNewConstMetric(c.totalWindowsDesc, prometheus.CounterValue,
		float64(c.statsProvider.GetTotalWindows()))

	for sender, stat := range c.statsProvider.GetWindowStats() {
		ch <- prometheus.MustNewConstMetric(c.lowDesc, prometheus.GaugeValue,
			float64(stat.Low), sender)
		ch <- prometheus.MustNewConstMetric(c.highestDeliveredDesc, prometheus.GaugeValue,
			float64(stat.HighestDelivered), sender)
		ch <- prometheus.MustNewConstMetric(c.highestReceivedDesc, prometheus.GaugeValue,
			float64(stat.HighestReceived), sender)
		ch <- prometheus.MustNewConstMetric(c.sizeDesc, prometheus.GaugeValue,
			float64(stat.Size), sender)
		ch <- prometheus.MustNewConstMetric(c.pendingXmitsDesc, prometheus.GaugeValue,
			float64(stat.PendingXmits), sender)
		ch <- prometheus.MustNewConstMetric(c.lossRateDesc, prometheus.GaugeValue,
			stat.LossRate, sender)
		ch <- prometheus.MustNewConstMetric(c.smoothedLossDesc, prometheus.GaugeValue,
			stat.SmoothedLossRate, sender)
	}
}
