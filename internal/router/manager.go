

// =============================================================================
// 文件: internal/router/manager.go
// 描述: 路由桩管理器 - 注册表 + 按桩独立的重连 / 心跳周期任务
// =============================================================================
package router

import (
	"fmt"
	"sync"
	"time"

	"github.com/mrcgq/gmcast/internal/sched"
)

// PhysicalAddressResolver 逻辑地址到物理地址的上行查询
// 对应协议栈里的 GET_PHYSICAL_ADDRESS 事件
type PhysicalAddressResolver interface {
	PhysicalAddress(logicalAddr string) (string, bool)
}

// StubManager 路由桩管理器
// 桩列表写时复制 (读多写少)；每个桩同一时刻至多挂一个周期任务，
// 替换走 "先取消旧的、再试放新的"，输掉竞态时保留已在位的任务
type StubManager struct {
	scheduler *sched.Scheduler
	resolver  PhysicalAddressResolver

	group       string
	logicalAddr string
	logicalName string
	interval    time.Duration

	tlsDialer *TLSDialer

	stubs []*RouterStub
	tasks sync.Map // *RouterStub -> *sched.Task

	logLevel int

	mu sync.RWMutex
}

// NewStubManager 创建管理器
func NewStubManager(scheduler *sched.Scheduler, group, logicalAddr, logicalName string,
	interval time.Duration, resolver PhysicalAddressResolver) *StubManager {

	if interval <= 0 {
		interval = 10 * time.Second
	}

	return &StubManager{
		scheduler:   scheduler,
		resolver:    resolver,
		group:       group,
		logicalAddr: logicalAddr,
		logicalName: logicalName,
		interval:    interval,
		logLevel:    1,
	}
}

// SetTLSDialer 为之后新建的桩启用 TLS
func (m *StubManager) SetTLSDialer(d *TLSDialer) {
	m.tlsDialer = d
}

// Stubs 当前桩列表快照
func (m *StubManager) Stubs() []*RouterStub {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stubs
}

// CreateAndRegister 构造新桩并注册，先销毁同地址的旧桩
func (m *StubManager) CreateAndRegister(host string, port int, bindAddr string) *RouterStub {
	stub := NewRouterStub(host, port, bindAddr, m)
	if m.tlsDialer != nil {
		stub.SetTLSDialer(m.tlsDialer)
	}
	m.log(2, "创建路由桩 %s", stub.RouterAddress())
	m.Register(stub)
	return stub
}

// Register 注册桩，替换掉同地址旧桩
func (m *StubManager) Register(stub *RouterStub) {
	m.UnregisterAndDestroy(stub)

	m.mu.Lock()
	next := make([]*RouterStub, len(m.stubs), len(m.stubs)+1)
	copy(next, m.stubs)
	m.stubs = append(next, stub)
	m.mu.Unlock()
}

// Unregister 摘除同地址的桩，返回被摘除者 (不存在返回 nil)
func (m *StubManager) Unregister(stub *RouterStub) *RouterStub {
	if stub == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i, s := range m.stubs {
		if s.Equals(stub) {
			next := make([]*RouterStub, 0, len(m.stubs)-1)
			next = append(next, m.stubs[:i]...)
			next = append(next, m.stubs[i+1:]...)
			m.stubs = next
			return s
		}
	}
	return nil
}

// UnregisterAndDestroy 摘除并销毁
func (m *StubManager) UnregisterAndDestroy(stub *RouterStub) bool {
	removed := m.Unregister(stub)
	if removed == nil {
		return false
	}
	m.stopTask(removed)
	removed.Destroy()
	return true
}

// DisconnectAll 逐桩注销逻辑地址，失败忽略
func (m *StubManager) DisconnectAll() {
	for _, stub := range m.Stubs() {
		m.log(2, "注销路由桩 %s", stub.RouterAddress())
		stub.Disconnect(m.group, m.logicalAddr)
	}
}

// DestroyAll 停掉全部周期任务并销毁全部桩
func (m *StubManager) DestroyAll() {
	for _, stub := range m.Stubs() {
		m.stopTask(stub)
		stub.Destroy()
	}

	m.mu.Lock()
	m.stubs = nil
	m.mu.Unlock()
}

// stopTask 取消某桩当前的周期任务
func (m *StubManager) stopTask(stub *RouterStub) {
	if v, ok := m.tasks.LoadAndDelete(stub); ok {
		v.(*sched.Task).Cancel()
	}
}

// replaceTask 先取消旧任务，再试放新任务
// 输掉竞态说明别人刚放了任务，撤回自己这个，保留在位者
func (m *StubManager) replaceTask(stub *RouterStub, task *sched.Task) {
	if _, loaded := m.tasks.LoadOrStore(stub, task); loaded {
		task.Cancel()
	}
}

// StartReconnecting 进入重连周期
// 立即执行第一次，之后每 interval 重试；解析物理地址后带上重新登记
func (m *StubManager) StartReconnecting(stub *RouterStub) {
	m.stopTask(stub)

	task := m.scheduler.ScheduleWithFixedDelay(0, m.interval, func() {
		var physAddrs []string
		if m.resolver != nil {
			if addr, ok := m.resolver.PhysicalAddress(m.logicalAddr); ok {
				physAddrs = []string{addr}
			}
		}

		if err := stub.Connect(m.group, m.logicalAddr, m.logicalName, physAddrs); err != nil {
			m.log(1, "重连路由器 %s 失败: %v", stub.RouterAddress(), err)
		}
	})
	m.replaceTask(stub, task)
}

// StopReconnecting 退出重连周期，换成心跳周期
// 心跳 1s 后开始，每 interval 探测一次
func (m *StubManager) StopReconnecting(stub *RouterStub) {
	m.stopTask(stub)

	task := m.scheduler.ScheduleWithFixedDelay(time.Second, m.interval, func() {
		if err := stub.CheckConnection(); err != nil {
			m.log(1, "心跳路由器 %s 失败: %v", stub.RouterAddress(), err)
		}
	})
	m.replaceTask(stub, task)
}

// ConnectionStatusChange 实现 ConnectionListener
func (m *StubManager) ConnectionStatusChange(stub *RouterStub, state StubState) {
	switch state {
	case StateBroken:
		m.log(2, "路由桩 %s 连接断裂，进入重连", stub.RouterAddress())
		stub.Interrupt()
		stub.Destroy()
		m.StartReconnecting(stub)
	case StateConnected:
		m.log(2, "路由桩 %s 已连接，切换心跳", stub.RouterAddress())
		m.StopReconnecting(stub)
	case StateDisconnected:
		// 有界等待注销回执
		stub.Join(m.interval)
	}
}

// PrintStubs 可读的桩列表
func (m *StubManager) PrintStubs() string {
	stubs := m.Stubs()

	out := ""
	for i, s := range stubs {
		if i > 0 {
			out += ", "
		}
		out += s.String()
	}
	return out
}

// GetStats 获取统计
func (m *StubManager) GetStats() map[string]interface{} {
	stubs := m.Stubs()

	connected := 0
	states := make(map[string]string, len(stubs))
	for _, s := range stubs {
		states[s.RouterAddress()] = s.State().String()
		if s.IsConnected() {
			connected++
		}
	}

	return map[string]interface{}{
		"stubs":     len(stubs),
		"connected": connected,
		"states":    states,
	}
}

// log 日志输出
func (m *StubManager) log(level int, format string, args ...interface{}) {
	if level > m.logLevel {
		return
	}
	prefix := map[int]string{0: "[ERROR]", 1: "[WARN]", 2: "[DEBUG]"}[level]
	fmt.Printf("%s %s [StubManager] %s\n", prefix, time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
}
