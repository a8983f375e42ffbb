

// =============================================================================
// 文件: cmd/gmcast-node/main.go
// 描述: 主程序入口 - 集成 Prometheus 指标、路由桩管理和本地丢包仿真
// =============================================================================
package main

import (
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mrcgq/gmcast/internal/config"
	"github.com/mrcgq/gmcast/internal/metrics"
	"github.com/mrcgq/gmcast/internal/nak"
	"github.com/mrcgq/gmcast/internal/router"
	"github.com/mrcgq/gmcast/internal/sched"
	"github.com/mrcgq/gmcast/internal/transport"
)

var (
	Version   = "1.2.0"
	BuildTime = "unknown"
	startTime = time.Now()
)

func main() {
	configPath := flag.String("c", "config.yaml", "配置文件路径")
	showVersion := flag.Bool("v", false, "显示版本")
	genConfig := flag.Bool("gen-config", false, "生成示例配置文件")

	// 仿真参数
	simSenders := flag.Int("sim-senders", 3, "仿真发送者数量")
	simMessages := flag.Int("sim-messages", 2000, "每个发送者的消息数")
	simLossRate := flag.Float64("sim-loss", 0.05, "仿真丢包率 [0,1)")

	flag.Parse()

	if *showVersion {
		fmt.Printf("gmcast-node %s (build %s)\n", Version, BuildTime)
		return
	}

	if *genConfig {
		if err := config.WriteExampleConfig("config.example.yaml"); err != nil {
			fmt.Fprintf(os.Stderr, "生成配置失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("已生成示例配置文件: config.example.yaml")
		return
	}

	// 加载配置，文件不存在时退回默认值
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logf("[WARN]", "配置文件 %s 不存在，使用默认配置", *configPath)
			cfg = config.DefaultConfig()
		} else {
			fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
			os.Exit(1)
		}
	}

	logf("[INFO]", "gmcast-node %s 启动", Version)

	// 共享调度器
	scheduler := sched.New(cfg.Scheduler.Workers, cfg.Scheduler.QueueSize)

	// 指标服务
	var metricsServer *metrics.MetricsServer
	var gm *metrics.GroupMetrics
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewMetricsServer(
			cfg.Metrics.Listen, cfg.Metrics.Path, cfg.Metrics.HealthPath, cfg.Metrics.EnablePprof)
		gm = metrics.NewGroupMetrics(metricsServer.Registry())
		if err := metricsServer.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "指标服务启动失败: %v\n", err)
			os.Exit(1)
		}
		logf("[INFO]", "指标服务已启动: %s%s", cfg.Metrics.Listen, cfg.Metrics.Path)
	}

	// 重传请求去重
	var filter *transport.RequestFilter
	if cfg.Dedup.Enabled {
		filter = transport.NewRequestFilter(&transport.FilterConfig{
			ExpectedItems: uint(cfg.Dedup.ExpectedItems),
			FalsePositive: cfg.Dedup.FalsePositive,
			SliceDuration: cfg.Dedup.SliceDuration(),
			MaxSlices:     cfg.Dedup.MaxSlices,
		})
	}

	// 仿真网络: 按配置丢弃首发消息，重传请求到达后补发
	simNet := &simNetwork{
		filter:   filter,
		gm:       gm,
		lossRate: *simLossRate,
		dropped:  make(map[string]map[uint64]*nak.Message),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	// 窗口管理器
	windowCfg := &nak.WindowConfig{
		NumRows:            cfg.Nak.NumRows,
		MsgsPerRow:         cfg.Nak.MsgsPerRow,
		ResizeFactor:       cfg.Nak.ResizeFactor,
		MaxCompactionTime:  cfg.Nak.MaxCompactionTime(),
		AutomaticPurging:   cfg.Nak.AutomaticPurging,
		UseRangeBased:      cfg.Nak.UseRangeBased,
		RetransmitTimeouts: cfg.Nak.RetransmitTimeouts(),
	}
	manager, err := nak.NewWindowManager(scheduler, nak.RetransmitFunc(simNet.Retransmit), windowCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "创建窗口管理器失败: %v\n", err)
		os.Exit(1)
	}
	simNet.manager = manager
	manager.SetListener(&metricsListener{gm: gm})

	if metricsServer != nil {
		metricsServer.MustRegisterCollector(metrics.NewWindowCollector(&managerStats{manager}))
	}

	// 路由桩管理
	var stubManager *router.StubManager
	if cfg.Routers.Enabled {
		stubManager = router.NewStubManager(scheduler, cfg.Routers.Group,
			localLogicalAddr(), cfg.Routers.LogicalName, cfg.Routers.Interval(), staticResolver{})
		if cfg.Routers.TLS.Enabled {
			stubManager.SetTLSDialer(&router.TLSDialer{
				ServerName:         cfg.Routers.TLS.ServerName,
				Fingerprint:        cfg.Routers.TLS.Fingerprint,
				InsecureSkipVerify: cfg.Routers.TLS.Insecure,
			})
		}
		for _, ep := range cfg.Routers.Endpoints {
			stub := stubManager.CreateAndRegister(ep.Host, ep.Port, cfg.Routers.BindAddr)
			stubManager.StartReconnecting(stub)
		}
		logf("[INFO]", "路由桩管理已启动，共 %d 个路由器", len(cfg.Routers.Endpoints))
	}

	// 仿真发送 + 排水
	stopCh := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		simNet.runSimulation(*simSenders, *simMessages, stopCh)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		simNet.drainLoop(stopCh)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		statsLoop(manager, stubManager, gm, stopCh)
	}()

	// 信号处理
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logf("[INFO]", "收到信号 %s，开始退出", sig)

	// 退出顺序: 仿真 -> 路由桩 -> 窗口 -> 调度器 -> 指标
	close(stopCh)
	wg.Wait()
	logf("[INFO]", "累计交付 %d 条消息", simNet.deliveredCount())

	if stubManager != nil {
		stubManager.DisconnectAll()
		stubManager.DestroyAll()
	}
	manager.DestroyAll()
	scheduler.Stop()
	if filter != nil {
		filter.Close()
	}
	if metricsServer != nil {
		metricsServer.Stop()
	}

	logf("[INFO]", "gmcast-node 已退出，运行 %s", time.Since(startTime).Round(time.Second))
}

// =============================================================================
// 丢包仿真网络
// =============================================================================

// simNetwork 本地仿真
// 首发消息按 lossRate 丢弃并暂存；重传请求经去重过滤后补发暂存消息
type simNetwork struct {
	manager  *nak.WindowManager
	filter   *transport.RequestFilter
	gm       *metrics.GroupMetrics
	lossRate float64

	dropped map[string]map[uint64]*nak.Message
	rng     *rand.Rand

	delivered uint64
	mu        sync.Mutex
}

// Retransmit 实现 RetransmitCommand
func (n *simNetwork) Retransmit(first, last uint64, sender string) {
	if n.gm != nil {
		n.gm.RetransmitRequests.Inc()
	}

	if n.filter != nil && !n.filter.Permit(sender, first, last) {
		if n.gm != nil {
			n.gm.RequestsSuppressed.Inc()
		}
		return
	}

	// 补发暂存的丢弃消息
	n.mu.Lock()
	var resend []*nak.Message
	if byseq, ok := n.dropped[sender]; ok {
		for seqno := first; seqno <= last; seqno++ {
			if msg, ok := byseq[seqno]; ok {
				resend = append(resend, msg)
				delete(byseq, seqno)
			}
		}
	}
	n.mu.Unlock()

	for _, msg := range resend {
		n.manager.Add(msg.Sender, msg.Seqno, msg)
	}
}

// deliveredCount 累计交付数
func (n *simNetwork) deliveredCount() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.delivered
}

// runSimulation 发送者注入
func (n *simNetwork) runSimulation(senders, messages int, stopCh <-chan struct{}) {
	for s := 0; s < senders; s++ {
		sender := fmt.Sprintf("node-%d", s+1)
		for i := 1; i <= messages; i++ {
			select {
			case <-stopCh:
				return
			default:
			}

			msg := &nak.Message{
				Seqno:      uint64(i),
				Sender:     sender,
				Payload:    []byte(fmt.Sprintf("%s#%d", sender, i)),
				ReceivedAt: time.Now(),
			}

			n.mu.Lock()
			drop := n.rng.Float64() < n.lossRate
			if drop {
				if n.dropped[sender] == nil {
					n.dropped[sender] = make(map[uint64]*nak.Message)
				}
				n.dropped[sender][msg.Seqno] = msg
			}
			n.mu.Unlock()

			if !drop {
				ok, _ := n.manager.Add(sender, msg.Seqno, msg)
				if n.gm != nil {
					if ok {
						n.gm.MessagesReceived.WithLabelValues(sender).Inc()
					} else {
						n.gm.DuplicatesDropped.WithLabelValues(sender).Inc()
					}
				}
			}
		}
	}
	logf("[INFO]", "仿真注入完成: %d 个发送者 x %d 条消息", senders, messages)
}

// drainLoop 周期排水
func (n *simNetwork) drainLoop(stopCh <-chan struct{}) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			for _, w := range n.manager.Windows() {
				sender := w.Sender()
				msgs := n.manager.Deliver(sender, 0)
				if len(msgs) == 0 {
					continue
				}

				n.mu.Lock()
				n.delivered += uint64(len(msgs))
				n.mu.Unlock()

				if n.gm != nil {
					n.gm.MessagesDelivered.WithLabelValues(sender).Add(float64(len(msgs)))
					n.gm.DeliveryBatch.Observe(float64(len(msgs)))
				}

				// 交付完成的消息立即进入稳定回收
				last := msgs[len(msgs)-1].Seqno
				n.manager.Stable(sender, last)
			}

			if n.gm != nil {
				n.gm.ActiveWindows.Set(float64(n.manager.ActiveWindows()))
			}
		}
	}
}

// statsLoop 周期打印窗口进度并刷新路由桩指标
func statsLoop(manager *nak.WindowManager, stubManager *router.StubManager,
	gm *metrics.GroupMetrics, stopCh <-chan struct{}) {

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			for sender, d := range manager.Digests() {
				logf("[INFO]", "窗口 %s: digest=%s", sender, d)
			}

			if gm != nil && stubManager != nil {
				connected := 0
				for _, s := range stubManager.Stubs() {
					if s.IsConnected() {
						connected++
					}
				}
				gm.StubsConnected.Set(float64(connected))
			}
		}
	}
}

// metricsListener 把窗口空洞事件接到埋点指标
type metricsListener struct {
	gm *metrics.GroupMetrics
}

func (l *metricsListener) MessageGapDetected(from, to uint64, sender string) {
	if l.gm != nil {
		l.gm.GapsDetected.WithLabelValues(sender).Inc()
	}
}

func (l *metricsListener) MissingMessageReceived(seqno uint64, sender string) {
	if l.gm != nil {
		l.gm.MissingRecovered.WithLabelValues(sender).Inc()
	}
}

// =============================================================================
// 适配器
// =============================================================================

// managerStats 把窗口管理器适配成指标收集器的数据源
type managerStats struct {
	manager *nak.WindowManager
}

func (a *managerStats) GetActiveWindows() int64 {
	return a.manager.ActiveWindows()
}

func (a *managerStats) GetTotalWindows() uint64 {
	return a.manager.TotalWindows()
}

func (a *managerStats) GetWindowStats() map[string]metrics.WindowStatData {
	out := make(map[string]metrics.WindowStatData)
	for _, w := range a.manager.Windows() {
		d := w.GetDigest()
		out[w.Sender()] = metrics.WindowStatData{
			Low:              d.Low,
			HighestDelivered: d.HighestDelivered,
			HighestReceived:  d.HighestReceived,
			Size:             w.Size(),
			PendingXmits:     w.PendingXmits(),
			LossRate:         w.LossRate(),
			SmoothedLossRate: w.SmoothedLossRate(),
		}
	}
	return out
}

// staticResolver 单机部署的物理地址解析: 逻辑地址即物理地址
type staticResolver struct{}

func (staticResolver) PhysicalAddress(logicalAddr string) (string, bool) {
	return logicalAddr, true
}

// localLogicalAddr 本节点逻辑地址
func localLogicalAddr() string {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// logf 统一日志输出
func logf(level, format string, args ...interface{}) {
	fmt.Printf("%s %s [Node] %s\n", level, time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
}
