

// =============================================================================
// 文件: internal/nak/manager.go
// 描述: NAK 可靠组播接收 - 窗口管理器 (每个远端发送者一个接收窗口)
// =============================================================================
package nak

import (
	"sync"
	"sync/atomic"

	"github.com/mrcgq/gmcast/internal/sched"
)

// WindowManager 窗口管理器
// 按发送者维护接收窗口池，所有窗口共享一个调度器和一套调优参数
type WindowManager struct {
	scheduler *sched.Scheduler
	cmd       RetransmitCommand
	listener  Listener
	cfg       *WindowConfig

	windows sync.Map // sender -> *NakWindow

	// 统计
	totalWindows  uint64
	activeWindows int64
}

// NewWindowManager 创建窗口管理器
func NewWindowManager(scheduler *sched.Scheduler, cmd RetransmitCommand, cfg *WindowConfig) (*WindowManager, error) {
	if scheduler == nil {
		return nil, ErrNilScheduler
	}
	if cfg == nil {
		cfg = DefaultWindowConfig()
	}

	return &WindowManager{
		scheduler: scheduler,
		cmd:       cmd,
		cfg:       cfg,
	}, nil
}

// SetListener 为之后新建的窗口安装观察者
func (m *WindowManager) SetListener(l Listener) {
	m.listener = l
}

// GetOrCreate 获取或创建发送者的窗口
func (m *WindowManager) GetOrCreate(sender string) (*NakWindow, error) {
	if v, ok := m.windows.Load(sender); ok {
		return v.(*NakWindow), nil
	}

	w, err := NewWindow(sender, m.cmd, 0, 0, m.scheduler, m.cfg)
	if err != nil {
		return nil, err
	}
	if m.listener != nil {
		w.SetListener(m.listener)
	}

	actual, loaded := m.windows.LoadOrStore(sender, w)
	if loaded {
		// 另一个协程抢先创建
		w.Destroy()
		return actual.(*NakWindow), nil
	}

	atomic.AddUint64(&m.totalWindows, 1)
	atomic.AddInt64(&m.activeWindows, 1)
	return w, nil
}

// Get 获取发送者的窗口，不存在返回 nil
func (m *WindowManager) Get(sender string) *NakWindow {
	if v, ok := m.windows.Load(sender); ok {
		return v.(*NakWindow)
	}
	return nil
}

// Add 把消息送入对应发送者的窗口
func (m *WindowManager) Add(sender string, seqno uint64, msg *Message) (bool, error) {
	w, err := m.GetOrCreate(sender)
	if err != nil {
		return false, err
	}
	return w.Add(seqno, msg), nil
}

// Deliver 排出发送者的连续可交付消息
// 用窗口的排水标志保证同一时刻只有一个排水者；抢不到标志直接返回 nil
func (m *WindowManager) Deliver(sender string, maxResults int) []*Message {
	w := m.Get(sender)
	if w == nil {
		return nil
	}

	processing := w.Processing()
	if !processing.CompareAndSwap(false, true) {
		return nil
	}

	msgs := w.RemoveMany(processing, true, maxResults)
	if len(msgs) > 0 {
		// 排到了东西，标志由本轮排水者亲自归还
		processing.Store(false)
	}
	return msgs
}

// Stable 向发送者的窗口转发稳定通告
func (m *WindowManager) Stable(sender string, seqno uint64) {
	if w := m.Get(sender); w != nil {
		w.Stable(seqno)
	}
}

// Destroy 销毁并移除发送者的窗口
func (m *WindowManager) Destroy(sender string) bool {
	v, ok := m.windows.LoadAndDelete(sender)
	if !ok {
		return false
	}
	v.(*NakWindow).Destroy()
	atomic.AddInt64(&m.activeWindows, -1)
	return true
}

// DestroyAll 销毁全部窗口
func (m *WindowManager) DestroyAll() {
	m.windows.Range(func(key, value interface{}) bool {
		value.(*NakWindow).Destroy()
		m.windows.Delete(key)
		atomic.AddInt64(&m.activeWindows, -1)
		return true
	})
}

// Digests 全部窗口的进度快照
func (m *WindowManager) Digests() map[string]Digest {
	digests := make(map[string]Digest)
	m.windows.Range(func(key, value interface{}) bool {
		digests[key.(string)] = value.(*NakWindow).GetDigest()
		return true
	})
	return digests
}

// Windows 当前全部窗口
func (m *WindowManager) Windows() []*NakWindow {
	var windows []*NakWindow
	m.windows.Range(func(key, value interface{}) bool {
		windows = append(windows, value.(*NakWindow))
		return true
	})
	return windows
}

// ActiveWindows 活跃窗口数
func (m *WindowManager) ActiveWindows() int64 {
	return atomic.LoadInt64(&m.activeWindows)
}

// TotalWindows 历史创建总数
func (m *WindowManager) TotalWindows() uint64 {
	return atomic.LoadUint64(&m.totalWindows)
}

// GetStats 获取统计
func (m *WindowManager) GetStats() map[string]interface{} {
	stats := make(map[string]interface{})
	stats["total_windows"] = atomic.LoadUint64(&m.totalWindows)
	stats["active_windows"] = atomic.LoadInt64(&m.activeWindows)

	windowStats := make([]map[string]interface{}, 0)
	m.windows.Range(func(key, value interface{}) bool {
		windowStats = append(windowStats, value.(*NakWindow).GetStats())
		return true
	})
	stats["windows"] = windowStats

	return stats
}
