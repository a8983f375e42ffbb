

// =============================================================================
// 文件: internal/nak/manager_test.go
// 描述: 窗口管理器测试
// =============================================================================
package nak

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mrcgq/gmcast/internal/sched"
)

func newTestManager(t *testing.T) *WindowManager {
	t.Helper()

	s := sched.New(2, 32)
	t.Cleanup(s.Stop)

	m, err := NewWindowManager(s, nil, testWindowConfig(true))
	if err != nil {
		t.Fatalf("创建管理器失败: %v", err)
	}
	return m
}

func TestManagerRequiresScheduler(t *testing.T) {
	if _, err := NewWindowManager(nil, nil, nil); err == nil {
		t.Fatal("缺少调度器时构造应失败")
	}
}

func TestManagerGetOrCreate(t *testing.T) {
	m := newTestManager(t)

	w1, err := m.GetOrCreate("A")
	if err != nil {
		t.Fatalf("创建窗口失败: %v", err)
	}
	w2, _ := m.GetOrCreate("A")
	if w1 != w2 {
		t.Error("同一发送者应复用窗口")
	}

	if m.ActiveWindows() != 1 {
		t.Errorf("活跃窗口数不正确: %d", m.ActiveWindows())
	}

	m.GetOrCreate("B")
	if m.ActiveWindows() != 2 {
		t.Errorf("活跃窗口数不正确: %d", m.ActiveWindows())
	}
}

func TestManagerAddAndDeliver(t *testing.T) {
	m := newTestManager(t)

	for i := uint64(1); i <= 3; i++ {
		ok, err := m.Add("A", i, msg(i))
		if err != nil || !ok {
			t.Fatalf("Add(%d) 失败: ok=%v err=%v", i, ok, err)
		}
	}

	msgs := m.Deliver("A", 0)
	if len(msgs) != 3 {
		t.Fatalf("排出数量不正确: got %d, want 3", len(msgs))
	}

	// 排空后标志应已归还，可以再次排水
	if msgs := m.Deliver("A", 0); msgs != nil {
		t.Errorf("空窗口排水应返回 nil: %v", msgs)
	}
	if m.Deliver("没有这个发送者", 0) != nil {
		t.Error("未知发送者排水应返回 nil")
	}
}

func TestManagerDeliverSingleDrainer(t *testing.T) {
	m := newTestManager(t)
	w, _ := m.GetOrCreate("A")

	// 人为占住排水标志，Deliver 应立即让路
	w.Processing().Store(true)
	m.Add("A", 1, msg(1))

	if msgs := m.Deliver("A", 0); msgs != nil {
		t.Errorf("标志被占用时应返回 nil: %v", msgs)
	}

	w.Processing().Store(false)
	if msgs := m.Deliver("A", 0); len(msgs) != 1 {
		t.Errorf("标志归还后应排出消息: %v", msgs)
	}
}

func TestManagerStable(t *testing.T) {
	m := newTestManager(t)

	m.Add("A", 1, msg(1))
	m.Deliver("A", 0)
	m.Stable("A", 1)

	d := m.Digests()["A"]
	if d.Low != 1 {
		t.Errorf("稳定后 low 不正确: %s", d)
	}
}

func TestManagerDestroy(t *testing.T) {
	m := newTestManager(t)

	m.GetOrCreate("A")
	m.GetOrCreate("B")

	if !m.Destroy("A") {
		t.Error("销毁已有窗口应返回 true")
	}
	if m.Destroy("A") {
		t.Error("重复销毁应返回 false")
	}
	if m.ActiveWindows() != 1 {
		t.Errorf("活跃窗口数不正确: %d", m.ActiveWindows())
	}

	m.DestroyAll()
	if m.ActiveWindows() != 0 {
		t.Errorf("DestroyAll 后活跃窗口数应为 0: %d", m.ActiveWindows())
	}
}

func TestManagerConcurrentCreate(t *testing.T) {
	m := newTestManager(t)

	const goroutines = 8
	var wg sync.WaitGroup
	windows := make([]*NakWindow, goroutines)

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w, err := m.GetOrCreate("A")
			if err != nil {
				t.Errorf("并发创建失败: %v", err)
				return
			}
			windows[i] = w
		}(g)
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		if windows[i] != windows[0] {
			t.Fatal("并发创建产生了多个窗口实例")
		}
	}
	if m.ActiveWindows() != 1 {
		t.Errorf("活跃窗口数不正确: %d", m.ActiveWindows())
	}
}

func TestManagerMultiSenderIsolation(t *testing.T) {
	m := newTestManager(t)

	// 各发送者的序列号空间互不干扰
	for s := 0; s < 3; s++ {
		sender := fmt.Sprintf("node-%d", s)
		for i := uint64(1); i <= 5; i++ {
			m.Add(sender, i, &Message{Seqno: i, Sender: sender, ReceivedAt: time.Now()})
		}
	}

	for s := 0; s < 3; s++ {
		sender := fmt.Sprintf("node-%d", s)
		msgs := m.Deliver(sender, 0)
		if len(msgs) != 5 {
			t.Errorf("%s 排出数量不正确: got %d, want 5", sender, len(msgs))
		}
	}
}
