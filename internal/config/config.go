

// =============================================================================
// 文件: internal/config/config.go
// 描述: 配置管理 - 窗口调优、重传退避、路由器列表与指标服务校验
// =============================================================================
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 主配置
type Config struct {
	LogLevel string `yaml:"log_level"`

	Nak       NakConfig       `yaml:"nak"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Routers   RouterConfig    `yaml:"routers"`
	Dedup     DedupConfig     `yaml:"dedup"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// NakConfig 接收窗口配置
type NakConfig struct {
	NumRows             int     `yaml:"num_rows"`
	MsgsPerRow          int     `yaml:"msgs_per_row"`
	ResizeFactor        float64 `yaml:"resize_factor"`
	MaxCompactionTimeMs int     `yaml:"max_compaction_time_ms"`
	AutomaticPurging    bool    `yaml:"automatic_purging"`

	UseRangeBased        bool  `yaml:"use_range_based"`
	RetransmitTimeoutsMs []int `yaml:"retransmit_timeouts_ms"`
}

// SchedulerConfig 调度器配置
type SchedulerConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// RouterEndpoint 单个外部路由器
type RouterEndpoint struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// RouterTLSConfig 路由桩 TLS 配置
type RouterTLSConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServerName  string `yaml:"server_name"`
	Fingerprint string `yaml:"fingerprint"`
	Insecure    bool   `yaml:"insecure"`
}

// RouterConfig 路由桩管理配置
type RouterConfig struct {
	Enabled     bool             `yaml:"enabled"`
	Group       string           `yaml:"group"`
	LogicalName string           `yaml:"logical_name"`
	BindAddr    string           `yaml:"bind_addr"`
	IntervalMs  int              `yaml:"interval_ms"`
	Endpoints   []RouterEndpoint `yaml:"endpoints"`
	TLS         RouterTLSConfig  `yaml:"tls"`
}

// DedupConfig 重传请求去重配置
type DedupConfig struct {
	Enabled         bool    `yaml:"enabled"`
	ExpectedItems   int     `yaml:"expected_items"`
	FalsePositive   float64 `yaml:"false_positive"`
	SliceDurationMs int     `yaml:"slice_duration_ms"`
	MaxSlices       int     `yaml:"max_slices"`
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Listen      string `yaml:"listen"`
	Path        string `yaml:"path"`
	HealthPath  string `yaml:"health_path"`
	EnablePprof bool   `yaml:"enable_pprof"`
}

// Load 加载配置
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",

		Nak: NakConfig{
			NumRows:              5,
			MsgsPerRow:           10000,
			ResizeFactor:         1.2,
			MaxCompactionTimeMs:  5 * 60 * 1000,
			AutomaticPurging:     false,
			UseRangeBased:        true,
			RetransmitTimeoutsMs: []int{600, 1200, 2400, 4800},
		},

		Scheduler: SchedulerConfig{
			Workers:   4,
			QueueSize: 256,
		},

		Routers: RouterConfig{
			Enabled:    false,
			Group:      "gmcast",
			IntervalMs: 10000,
			TLS: RouterTLSConfig{
				Fingerprint: "chrome",
			},
		},

		Dedup: DedupConfig{
			Enabled:         true,
			ExpectedItems:   50000,
			FalsePositive:   0.001,
			SliceDurationMs: 2000,
			MaxSlices:       4,
		},

		Metrics: MetricsConfig{
			Enabled:     true,
			Listen:      ":9100",
			Path:        "/metrics",
			HealthPath:  "/health",
			EnablePprof: false,
		},
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "error", "info", "debug":
	default:
		return fmt.Errorf("log_level 必须为 error/info/debug")
	}

	// 窗口调优
	if c.Nak.NumRows < 1 || c.Nak.NumRows > 1024 {
		return fmt.Errorf("nak.num_rows 需在 1-1024 之间")
	}
	if c.Nak.MsgsPerRow < 16 || c.Nak.MsgsPerRow > 1<<20 {
		return fmt.Errorf("nak.msgs_per_row 需在 16-1048576 之间")
	}
	if c.Nak.ResizeFactor <= 1.0 || c.Nak.ResizeFactor > 4.0 {
		return fmt.Errorf("nak.resize_factor 需在 (1.0, 4.0] 之间")
	}
	if c.Nak.MaxCompactionTimeMs < 1000 {
		return fmt.Errorf("nak.max_compaction_time_ms 不能小于 1000")
	}
	if len(c.Nak.RetransmitTimeoutsMs) == 0 {
		return fmt.Errorf("nak.retransmit_timeouts_ms 不能为空")
	}
	for i, ms := range c.Nak.RetransmitTimeoutsMs {
		if ms < 10 || ms > 60000 {
			return fmt.Errorf("nak.retransmit_timeouts_ms[%d] 需在 10-60000 之间", i)
		}
	}

	// 调度器
	if c.Scheduler.Workers < 1 || c.Scheduler.Workers > 64 {
		return fmt.Errorf("scheduler.workers 需在 1-64 之间")
	}
	if c.Scheduler.QueueSize < 16 || c.Scheduler.QueueSize > 65536 {
		return fmt.Errorf("scheduler.queue_size 需在 16-65536 之间")
	}

	// 路由器
	if c.Routers.Enabled {
		if c.Routers.Group == "" {
			return fmt.Errorf("routers.group 不能为空")
		}
		if len(c.Routers.Endpoints) == 0 {
			return fmt.Errorf("routers 启用时 endpoints 不能为空")
		}
		if c.Routers.IntervalMs < 100 {
			return fmt.Errorf("routers.interval_ms 不能小于 100")
		}
		for i, ep := range c.Routers.Endpoints {
			if ep.Host == "" {
				return fmt.Errorf("routers.endpoints[%d].host 不能为空", i)
			}
			if ep.Port < 1 || ep.Port > 65535 {
				return fmt.Errorf("routers.endpoints[%d].port 需在 1-65535 之间", i)
			}
		}
		if c.Routers.BindAddr != "" && net.ParseIP(c.Routers.BindAddr) == nil {
			return fmt.Errorf("routers.bind_addr 不是合法 IP: %s", c.Routers.BindAddr)
		}
		if c.Routers.TLS.Enabled {
			switch c.Routers.TLS.Fingerprint {
			case "chrome", "firefox", "safari", "ios", "edge":
			default:
				return fmt.Errorf("routers.tls.fingerprint 必须为 chrome/firefox/safari/ios/edge")
			}
		}
	}

	// 去重
	if c.Dedup.Enabled {
		if c.Dedup.ExpectedItems < 1000 {
			return fmt.Errorf("dedup.expected_items 不能小于 1000")
		}
		if c.Dedup.FalsePositive <= 0 || c.Dedup.FalsePositive >= 0.1 {
			return fmt.Errorf("dedup.false_positive 需在 (0, 0.1) 之间")
		}
		if c.Dedup.SliceDurationMs < 100 {
			return fmt.Errorf("dedup.slice_duration_ms 不能小于 100")
		}
		if c.Dedup.MaxSlices < 2 || c.Dedup.MaxSlices > 64 {
			return fmt.Errorf("dedup.max_slices 需在 2-64 之间")
		}
	}

	// 指标服务
	if c.Metrics.Enabled {
		if _, err := parsePort(c.Metrics.Listen); err != nil {
			return fmt.Errorf("metrics.listen 端口格式错误: %w", err)
		}
		if c.Metrics.Path == "" || c.Metrics.Path[0] != '/' {
			return fmt.Errorf("metrics.path 必须以 / 开头")
		}
		if c.Metrics.HealthPath == "" || c.Metrics.HealthPath[0] != '/' {
			return fmt.Errorf("metrics.health_path 必须以 / 开头")
		}
		if c.Metrics.Path == c.Metrics.HealthPath {
			return fmt.Errorf("metrics.path 与 metrics.health_path 冲突")
		}
	}

	return nil
}

// RetransmitTimeouts 把毫秒序列转成 time.Duration
func (c *NakConfig) RetransmitTimeouts() []time.Duration {
	timeouts := make([]time.Duration, 0, len(c.RetransmitTimeoutsMs))
	for _, ms := range c.RetransmitTimeoutsMs {
		timeouts = append(timeouts, time.Duration(ms)*time.Millisecond)
	}
	return timeouts
}

// MaxCompactionTime 压缩周期
func (c *NakConfig) MaxCompactionTime() time.Duration {
	return time.Duration(c.MaxCompactionTimeMs) * time.Millisecond
}

// Interval 周期任务间隔
func (c *RouterConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// SliceDuration 时间片时长
func (c *DedupConfig) SliceDuration() time.Duration {
	return time.Duration(c.SliceDurationMs) * time.Millisecond
}

// parsePort 解析 listen 地址里的端口
func parsePort(listen string) (int, error) {
	_, portStr, err := net.SplitHostPort(listen)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, err
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("端口超出范围: %d", port)
	}
	return port, nil
}

// WriteExampleConfig 生成示例配置文件
func WriteExampleConfig(path string) error {
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("序列化默认配置失败: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
