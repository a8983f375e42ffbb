

// =============================================================================
// 文件: internal/router/stub.go
// 描述: 路由桩 - 到外部 gossip 路由器的单条连接 (WebSocket 控制帧)
// =============================================================================
package router

import (
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"
)

// StubState 路由桩状态
type StubState int32

const (
	StateDisconnected StubState = iota
	StateConnecting
	StateConnected
	StateBroken
)

func (s StubState) String() string {
	names := []string{"DISCONNECTED", "CONNECTING", "CONNECTED", "BROKEN"}
	if int(s) < len(names) {
		return names[s]
	}
	return "UNKNOWN"
}

// ConnectionListener 状态变化观察者
// 只在 CONNECTED / BROKEN / DISCONNECTED 三个迁移点回调
type ConnectionListener interface {
	ConnectionStatusChange(stub *RouterStub, state StubState)
}

// FrameHandler 路由器下推帧处理器 (可选)
type FrameHandler interface {
	OnFrame(stub *RouterStub, f *Frame)
}

// Frame 路由控制帧
type Frame struct {
	Type      string   `json:"type"` // connect / disconnect / ping / pong / message
	Group     string   `json:"group,omitempty"`
	Addr      string   `json:"addr,omitempty"`
	Name      string   `json:"name,omitempty"`
	PhysAddrs []string `json:"phys_addrs,omitempty"`
	Payload   []byte   `json:"payload,omitempty"`
}

// 帧类型
const (
	FrameConnect    = "connect"
	FrameDisconnect = "disconnect"
	FramePing       = "ping"
	FramePong       = "pong"
	FrameMessage    = "message"
)

// 默认超时
const (
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 30 * time.Second
)

// RouterStub 路由桩
// 每个外部路由器一条连接；断线探测由读协程完成，重连由管理器驱动
type RouterStub struct {
	host     string
	port     int
	bindAddr string

	tlsDialer *TLSDialer
	listener  ConnectionListener
	handler   FrameHandler

	conn       *websocket.Conn
	readerDone chan struct{}
	state      int32

	// 并发重连只拨一次号
	connectGroup singleflight.Group

	dialTimeout  time.Duration
	writeTimeout time.Duration
	logLevel     int

	mu sync.Mutex
}

// NewRouterStub 创建路由桩
func NewRouterStub(host string, port int, bindAddr string, listener ConnectionListener) *RouterStub {
	return &RouterStub{
		host:         host,
		port:         port,
		bindAddr:     bindAddr,
		listener:     listener,
		state:        int32(StateDisconnected),
		dialTimeout:  defaultDialTimeout,
		writeTimeout: defaultWriteTimeout,
		logLevel:     1,
	}
}

// SetTLSDialer 启用 wss:// 与指纹握手
func (s *RouterStub) SetTLSDialer(d *TLSDialer) {
	s.tlsDialer = d
}

// SetFrameHandler 安装下推帧处理器
func (s *RouterStub) SetFrameHandler(h FrameHandler) {
	s.handler = h
}

// RouterAddress 路由器地址 host:port
func (s *RouterStub) RouterAddress() string {
	return net.JoinHostPort(s.host, fmt.Sprintf("%d", s.port))
}

// Equals 同一路由器地址视为同一路由桩
func (s *RouterStub) Equals(other *RouterStub) bool {
	return other != nil && s.RouterAddress() == other.RouterAddress()
}

// State 当前状态
func (s *RouterStub) State() StubState {
	return StubState(atomic.LoadInt32(&s.state))
}

// IsConnected 是否在连状态
func (s *RouterStub) IsConnected() bool {
	return s.State() == StateConnected
}

// setState 切换状态并在锁外通知观察者
func (s *RouterStub) setState(state StubState, notify bool) {
	atomic.StoreInt32(&s.state, int32(state))
	if notify && s.listener != nil {
		s.listener.ConnectionStatusChange(s, state)
	}
}

// endpoint 拼接 WebSocket 端点
func (s *RouterStub) endpoint() string {
	scheme := "ws"
	if s.tlsDialer != nil {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: s.RouterAddress(), Path: "/gossip"}
	return u.String()
}

// Connect 连接路由器并登记逻辑地址
// 并发调用合并为一次拨号；已在连时为空操作
func (s *RouterStub) Connect(group, logicalAddr, logicalName string, physAddrs []string) error {
	_, err, _ := s.connectGroup.Do("connect", func() (interface{}, error) {
		if s.State() == StateConnected {
			return nil, nil
		}
		return nil, s.doConnect(group, logicalAddr, logicalName, physAddrs)
	})
	return err
}

func (s *RouterStub) doConnect(group, logicalAddr, logicalName string, physAddrs []string) error {
	s.setState(StateConnecting, false)

	dialer := websocket.Dialer{
		HandshakeTimeout: s.dialTimeout,
	}
	if s.bindAddr != "" {
		local := &net.TCPAddr{IP: net.ParseIP(s.bindAddr)}
		netDialer := &net.Dialer{Timeout: s.dialTimeout, LocalAddr: local}
		dialer.NetDial = func(network, addr string) (net.Conn, error) {
			return netDialer.Dial(network, addr)
		}
	}
	if s.tlsDialer != nil {
		dialer.NetDialTLSContext = s.tlsDialer.DialTLSContext
	}

	conn, _, err := dialer.Dial(s.endpoint(), nil)
	if err != nil {
		s.setState(StateDisconnected, false)
		return fmt.Errorf("连接路由器 %s 失败: %w", s.RouterAddress(), err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.conn = conn
	s.readerDone = done
	s.mu.Unlock()

	if err := s.writeFrame(&Frame{
		Type:      FrameConnect,
		Group:     group,
		Addr:      logicalAddr,
		Name:      logicalName,
		PhysAddrs: physAddrs,
	}); err != nil {
		conn.Close()
		s.setState(StateDisconnected, false)
		return fmt.Errorf("登记逻辑地址失败: %w", err)
	}

	s.setState(StateConnected, true)
	s.log(2, "已连接路由器 %s (group=%s addr=%s)", s.RouterAddress(), group, logicalAddr)

	go s.readLoop(conn, done)
	return nil
}

// readLoop 读协程
// 在连状态下读出错视为连接断裂，通知观察者后退出
func (s *RouterStub) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			if atomic.CompareAndSwapInt32(&s.state, int32(StateConnected), int32(StateBroken)) {
				s.log(1, "路由器 %s 连接断裂: %v", s.RouterAddress(), err)
				if s.listener != nil {
					s.listener.ConnectionStatusChange(s, StateBroken)
				}
			}
			return
		}

		switch f.Type {
		case FramePing:
			s.writeFrame(&Frame{Type: FramePong})
		case FramePong:
			// 心跳响应，读到即说明链路存活
		default:
			if s.handler != nil {
				s.handler.OnFrame(s, &f)
			}
		}
	}
}

// writeFrame 序列化并写出控制帧
func (s *RouterStub) writeFrame(f *Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return fmt.Errorf("连接不存在")
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteJSON(f)
}

// Disconnect 注销逻辑地址并关闭连接
func (s *RouterStub) Disconnect(group, logicalAddr string) error {
	err := s.writeFrame(&Frame{Type: FrameDisconnect, Group: group, Addr: logicalAddr})

	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()

	s.setState(StateDisconnected, true)
	return err
}

// CheckConnection 心跳探测
func (s *RouterStub) CheckConnection() error {
	if s.State() != StateConnected {
		return fmt.Errorf("路由桩未连接 (state=%s)", s.State())
	}
	return s.writeFrame(&Frame{Type: FramePing})
}

// SendFrame 向路由器发送业务帧
func (s *RouterStub) SendFrame(f *Frame) error {
	if s.State() != StateConnected {
		return fmt.Errorf("路由桩未连接 (state=%s)", s.State())
	}
	return s.writeFrame(f)
}

// Interrupt 强行关闭底层连接，解除读协程阻塞
func (s *RouterStub) Interrupt() {
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
}

// Destroy 静默销毁，不触发观察者
func (s *RouterStub) Destroy() {
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()

	s.setState(StateDisconnected, false)
}

// Join 等待读协程退出，超时返回错误
func (s *RouterStub) Join(timeout time.Duration) error {
	s.mu.Lock()
	done := s.readerDone
	s.mu.Unlock()

	if done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("等待路由桩 %s 退出超时", s.RouterAddress())
	}
}

func (s *RouterStub) String() string {
	return fmt.Sprintf("RouterStub[%s, %s]", s.RouterAddress(), s.State())
}

// log 日志输出
func (s *RouterStub) log(level int, format string, args ...interface{}) {
	if level > s.logLevel {
		return
	}
	prefix := map[int]string{0: "[ERROR]", 1: "[WARN]", 2: "[DEBUG]"}[level]
	fmt.Printf("%s %s [RouterStub] %s\n", prefix, time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
}
