

// =============================================================================
// 文件: internal/config/config_test.go
// 描述: 配置鲁棒性测试 - 确保错误配置能在启动前被拦截
// =============================================================================
package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// =============================================================================
// 默认值测试
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	t.Run("基础配置默认值", func(t *testing.T) {
		if cfg.LogLevel != "info" {
			t.Errorf("LogLevel 默认值错误: got %s, want info", cfg.LogLevel)
		}
	})

	t.Run("窗口配置默认值", func(t *testing.T) {
		if cfg.Nak.NumRows != 5 {
			t.Errorf("Nak.NumRows 默认值错误: got %d, want 5", cfg.Nak.NumRows)
		}
		if cfg.Nak.MsgsPerRow != 10000 {
			t.Errorf("Nak.MsgsPerRow 默认值错误: got %d, want 10000", cfg.Nak.MsgsPerRow)
		}
		if cfg.Nak.ResizeFactor != 1.2 {
			t.Errorf("Nak.ResizeFactor 默认值错误: got %f, want 1.2", cfg.Nak.ResizeFactor)
		}
		if !cfg.Nak.UseRangeBased {
			t.Error("Nak.UseRangeBased 默认应为 true")
		}
		want := []int{600, 1200, 2400, 4800}
		if len(cfg.Nak.RetransmitTimeoutsMs) != len(want) {
			t.Fatalf("退避序列长度错误: got %d", len(cfg.Nak.RetransmitTimeoutsMs))
		}
		for i, ms := range want {
			if cfg.Nak.RetransmitTimeoutsMs[i] != ms {
				t.Errorf("退避序列[%d] 错误: got %d, want %d", i, cfg.Nak.RetransmitTimeoutsMs[i], ms)
			}
		}
	})

	t.Run("调度器配置默认值", func(t *testing.T) {
		if cfg.Scheduler.Workers != 4 {
			t.Errorf("Scheduler.Workers 默认值错误: got %d, want 4", cfg.Scheduler.Workers)
		}
		if cfg.Scheduler.QueueSize != 256 {
			t.Errorf("Scheduler.QueueSize 默认值错误: got %d, want 256", cfg.Scheduler.QueueSize)
		}
	})

	t.Run("指标配置默认值", func(t *testing.T) {
		if !cfg.Metrics.Enabled {
			t.Error("Metrics.Enabled 默认应为 true")
		}
		if cfg.Metrics.Listen != ":9100" {
			t.Errorf("Metrics.Listen 默认值错误: got %s", cfg.Metrics.Listen)
		}
	})

	t.Run("默认配置应通过校验", func(t *testing.T) {
		if err := cfg.Validate(); err != nil {
			t.Errorf("默认配置校验失败: %v", err)
		}
	})
}

// =============================================================================
// 校验测试
// =============================================================================

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"非法日志级别", func(c *Config) { c.LogLevel = "verbose" }, "log_level"},
		{"行数为零", func(c *Config) { c.Nak.NumRows = 0 }, "num_rows"},
		{"行宽过小", func(c *Config) { c.Nak.MsgsPerRow = 1 }, "msgs_per_row"},
		{"扩容系数过小", func(c *Config) { c.Nak.ResizeFactor = 1.0 }, "resize_factor"},
		{"退避序列为空", func(c *Config) { c.Nak.RetransmitTimeoutsMs = nil }, "retransmit_timeouts_ms"},
		{"退避值过大", func(c *Config) { c.Nak.RetransmitTimeoutsMs = []int{600, 99999999} }, "retransmit_timeouts_ms"},
		{"工作协程为零", func(c *Config) { c.Scheduler.Workers = 0 }, "workers"},
		{"路由器启用但无端点", func(c *Config) {
			c.Routers.Enabled = true
			c.Routers.Endpoints = nil
		}, "endpoints"},
		{"路由器组名为空", func(c *Config) {
			c.Routers.Enabled = true
			c.Routers.Group = ""
			c.Routers.Endpoints = []RouterEndpoint{{Host: "r1", Port: 12001}}
		}, "group"},
		{"路由器端口非法", func(c *Config) {
			c.Routers.Enabled = true
			c.Routers.Endpoints = []RouterEndpoint{{Host: "r1", Port: 0}}
		}, "port"},
		{"绑定地址非法", func(c *Config) {
			c.Routers.Enabled = true
			c.Routers.Endpoints = []RouterEndpoint{{Host: "r1", Port: 12001}}
			c.Routers.BindAddr = "not-an-ip"
		}, "bind_addr"},
		{"指纹非法", func(c *Config) {
			c.Routers.Enabled = true
			c.Routers.Endpoints = []RouterEndpoint{{Host: "r1", Port: 12001}}
			c.Routers.TLS.Enabled = true
			c.Routers.TLS.Fingerprint = "netscape"
		}, "fingerprint"},
		{"误报率过大", func(c *Config) { c.Dedup.FalsePositive = 0.5 }, "false_positive"},
		{"指标端口非法", func(c *Config) { c.Metrics.Listen = "localhost" }, "metrics.listen"},
		{"指标路径冲突", func(c *Config) {
			c.Metrics.Path = "/x"
			c.Metrics.HealthPath = "/x"
		}, "冲突"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("非法配置应被拦截")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("错误信息未提及 %q: %v", tc.want, err)
			}
		})
	}
}

// =============================================================================
// 加载测试
// =============================================================================

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
log_level: debug
nak:
  num_rows: 8
  msgs_per_row: 2048
  use_range_based: false
  retransmit_timeouts_ms: [100, 200]
routers:
  enabled: true
  group: testgrp
  logical_name: node-7
  interval_ms: 5000
  endpoints:
    - host: router-1
      port: 12001
    - host: router-2
      port: 12001
metrics:
  listen: ":19100"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("写入测试配置失败: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel 未生效: %s", cfg.LogLevel)
	}
	if cfg.Nak.NumRows != 8 || cfg.Nak.MsgsPerRow != 2048 {
		t.Errorf("窗口调优未生效: %d x %d", cfg.Nak.NumRows, cfg.Nak.MsgsPerRow)
	}
	if cfg.Nak.UseRangeBased {
		t.Error("UseRangeBased 未生效")
	}
	if len(cfg.Routers.Endpoints) != 2 {
		t.Errorf("路由器端点数量不正确: %d", len(cfg.Routers.Endpoints))
	}

	// 未覆盖的字段保持默认
	if cfg.Scheduler.Workers != 4 {
		t.Errorf("未覆盖字段应保持默认: %d", cfg.Scheduler.Workers)
	}

	// 派生转换
	timeouts := cfg.Nak.RetransmitTimeouts()
	if len(timeouts) != 2 || timeouts[0] != 100*time.Millisecond {
		t.Errorf("退避序列转换不正确: %v", timeouts)
	}
	if cfg.Routers.Interval() != 5*time.Second {
		t.Errorf("周期转换不正确: %v", cfg.Routers.Interval())
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/没有这个文件.yaml"); err == nil {
		t.Fatal("加载不存在的文件应失败")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	os.WriteFile(path, []byte("{{{"), 0644)

	if _, err := Load(path); err == nil {
		t.Fatal("非法 YAML 应失败")
	}
}

func TestWriteExampleConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "example.yaml")

	if err := WriteExampleConfig(path); err != nil {
		t.Fatalf("生成示例配置失败: %v", err)
	}

	// 生成的示例应能原样加载
	if _, err := Load(path); err != nil {
		t.Errorf("示例配置无法回读: %v", err)
	}
}
