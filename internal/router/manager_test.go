

// =============================================================================
// 文件: internal/router/manager_test.go
// 描述: 路由桩与管理器测试 (本地 WebSocket 假路由器)
// =============================================================================
package router

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mrcgq/gmcast/internal/sched"
)

// testRouter 本地假 gossip 路由器
type testRouter struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu     sync.Mutex
	frames []Frame
	conns  []*websocket.Conn
}

func newTestRouter(t *testing.T) *testRouter {
	t.Helper()

	r := &testRouter{}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/gossip" {
			http.NotFound(w, req)
			return
		}
		conn, err := r.upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}

		r.mu.Lock()
		r.conns = append(r.conns, conn)
		r.mu.Unlock()

		for {
			var f Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			r.mu.Lock()
			r.frames = append(r.frames, f)
			r.mu.Unlock()

			if f.Type == FramePing {
				conn.WriteJSON(&Frame{Type: FramePong})
			}
		}
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *testRouter) hostPort(t *testing.T) (string, int) {
	t.Helper()
	addr := r.srv.Listener.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func (r *testRouter) countFrames(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, f := range r.frames {
		if f.Type == typ {
			n++
		}
	}
	return n
}

func (r *testRouter) killConns() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conns {
		c.Close()
	}
	r.conns = nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("等待超时: %s", what)
}

// silentListener 丢弃状态变化的观察者
type silentListener struct{}

func (silentListener) ConnectionStatusChange(stub *RouterStub, state StubState) {}

func TestStubConnectPingDisconnect(t *testing.T) {
	r := newTestRouter(t)
	host, port := r.hostPort(t)

	stub := NewRouterStub(host, port, "", silentListener{})

	if err := stub.Connect("demo", "uuid-1", "node-1", []string{"10.0.0.1:7800"}); err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	if !stub.IsConnected() {
		t.Fatal("连接后状态应为 CONNECTED")
	}

	// 登记帧应携带组名与逻辑地址
	waitFor(t, time.Second, func() bool { return r.countFrames(FrameConnect) == 1 }, "connect 帧")
	r.mu.Lock()
	cf := r.frames[0]
	r.mu.Unlock()
	if cf.Group != "demo" || cf.Addr != "uuid-1" || cf.Name != "node-1" {
		t.Errorf("connect 帧内容不正确: %+v", cf)
	}
	if len(cf.PhysAddrs) != 1 || cf.PhysAddrs[0] != "10.0.0.1:7800" {
		t.Errorf("物理地址未携带: %+v", cf.PhysAddrs)
	}

	// 重复连接为空操作
	if err := stub.Connect("demo", "uuid-1", "node-1", nil); err != nil {
		t.Errorf("已在连时 Connect 应为空操作: %v", err)
	}

	// 心跳
	if err := stub.CheckConnection(); err != nil {
		t.Errorf("心跳失败: %v", err)
	}
	waitFor(t, time.Second, func() bool { return r.countFrames(FramePing) == 1 }, "ping 帧")

	// 注销
	if err := stub.Disconnect("demo", "uuid-1"); err != nil {
		t.Errorf("注销失败: %v", err)
	}
	if stub.State() != StateDisconnected {
		t.Errorf("注销后状态不正确: %s", stub.State())
	}
	if err := stub.Join(time.Second); err != nil {
		t.Errorf("等待读协程退出失败: %v", err)
	}

	// 未连接时心跳应报错
	if err := stub.CheckConnection(); err == nil {
		t.Error("未连接时心跳应失败")
	}
}

func TestStubBrokenNotification(t *testing.T) {
	r := newTestRouter(t)
	host, port := r.hostPort(t)

	states := make(chan StubState, 8)
	stub := NewRouterStub(host, port, "", listenerFunc(func(s *RouterStub, st StubState) {
		states <- st
	}))

	if err := stub.Connect("demo", "uuid-1", "node-1", nil); err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	if st := <-states; st != StateConnected {
		t.Fatalf("首个通知应为 CONNECTED: %s", st)
	}

	// 路由器侧断开 -> 读协程上报 BROKEN
	r.killConns()

	select {
	case st := <-states:
		if st != StateBroken {
			t.Errorf("断裂通知不正确: %s", st)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("未收到断裂通知")
	}
}

// listenerFunc 函数式观察者
type listenerFunc func(stub *RouterStub, state StubState)

func (f listenerFunc) ConnectionStatusChange(stub *RouterStub, state StubState) {
	f(stub, state)
}

func TestStubEquals(t *testing.T) {
	a := NewRouterStub("10.0.0.1", 12001, "", nil)
	b := NewRouterStub("10.0.0.1", 12001, "", nil)
	c := NewRouterStub("10.0.0.2", 12001, "", nil)

	if !a.Equals(b) {
		t.Error("同地址路由桩应相等")
	}
	if a.Equals(c) {
		t.Error("异地址路由桩不应相等")
	}
	if a.Equals(nil) {
		t.Error("与 nil 比较应为 false")
	}
}

func newTestManager(t *testing.T, interval time.Duration) *StubManager {
	t.Helper()

	s := sched.New(2, 64)
	t.Cleanup(s.Stop)

	return NewStubManager(s, "demo", "uuid-1", "node-1", interval, nil)
}

func TestManagerRegisterUnregister(t *testing.T) {
	m := newTestManager(t, time.Second)

	s1 := m.CreateAndRegister("10.0.0.1", 12001, "")
	m.CreateAndRegister("10.0.0.2", 12001, "")
	if len(m.Stubs()) != 2 {
		t.Fatalf("桩数量不正确: %d", len(m.Stubs()))
	}

	// 同地址重复注册应替换旧桩
	s1b := m.CreateAndRegister("10.0.0.1", 12001, "")
	if len(m.Stubs()) != 2 {
		t.Errorf("重复注册后桩数量不正确: %d", len(m.Stubs()))
	}
	if m.Unregister(s1) != s1b {
		t.Error("应摘到替换后的新桩")
	}

	if m.Unregister(s1) != nil {
		t.Error("摘除不存在的桩应返回 nil")
	}
	if m.UnregisterAndDestroy(s1) {
		t.Error("销毁不存在的桩应返回 false")
	}

	if !strings.Contains(m.PrintStubs(), "10.0.0.2") {
		t.Errorf("PrintStubs 不正确: %s", m.PrintStubs())
	}
}

func TestManagerReconnectLifecycle(t *testing.T) {
	r := newTestRouter(t)
	host, port := r.hostPort(t)

	m := newTestManager(t, 100*time.Millisecond)
	defer m.DestroyAll()

	stub := m.CreateAndRegister(host, port, "")
	m.StartReconnecting(stub)

	// 重连任务应很快建立连接，CONNECTED 通知把任务换成心跳
	waitFor(t, 3*time.Second, stub.IsConnected, "路由桩连接")
	waitFor(t, time.Second, func() bool { return r.countFrames(FrameConnect) >= 1 }, "connect 帧")

	// 路由器侧断开 -> BROKEN -> 管理器自动重连
	before := r.countFrames(FrameConnect)
	r.killConns()

	waitFor(t, 3*time.Second, func() bool {
		return stub.IsConnected() && r.countFrames(FrameConnect) > before
	}, "断裂后自动重连")
}

func TestManagerDestroyAll(t *testing.T) {
	r := newTestRouter(t)
	host, port := r.hostPort(t)

	m := newTestManager(t, 100*time.Millisecond)

	stub := m.CreateAndRegister(host, port, "")
	m.StartReconnecting(stub)
	waitFor(t, 3*time.Second, stub.IsConnected, "路由桩连接")

	m.DisconnectAll()
	m.DestroyAll()

	if len(m.Stubs()) != 0 {
		t.Errorf("DestroyAll 后桩列表应为空: %d", len(m.Stubs()))
	}
	if stub.IsConnected() {
		t.Error("销毁后不应保持连接")
	}
}
