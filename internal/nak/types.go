

// =============================================================================
// 文件: internal/nak/types.go
// 描述: NAK 可靠组播接收 - 统一类型定义 (唯一定义位置)
// =============================================================================
package nak

import (
	"fmt"
	"time"
)

// 协议常量
const (
	// 序列号从 1 开始，0 保留表示 "无"
	SeqnoNone uint64 = 0

	// 重传表默认参数
	DefaultNumRows           = 5
	DefaultMsgsPerRow        = 10000
	DefaultResizeFactor      = 1.2
	DefaultMaxCompactionTime = 5 * time.Minute

	// 平滑丢包率权重: 70% 新值 + 30% 旧值
	lossRateNewWeight = 0.7
	lossRateOldWeight = 0.3
)

// DefaultRetransmitTimeouts 默认重传退避序列，最后一项到达后重复
func DefaultRetransmitTimeouts() []time.Duration {
	return []time.Duration{
		600 * time.Millisecond,
		1200 * time.Millisecond,
		2400 * time.Millisecond,
		4800 * time.Millisecond,
	}
}

// Message 组播消息
// 上层协议负责帧的编解码，这里只携带净荷
type Message struct {
	Seqno      uint64
	Sender     string
	Payload    []byte
	ReceivedAt time.Time
}

// Digest 窗口进度快照 (low, highest_delivered, highest_received)
type Digest struct {
	Low              uint64
	HighestDelivered uint64
	HighestReceived  uint64
}

func (d Digest) String() string {
	return fmt.Sprintf("(%d,%d,%d)", d.Low, d.HighestDelivered, d.HighestReceived)
}

// RetransmitCommand 重传请求回调
// 由上层协议实现，触发时必须非阻塞且线程安全
type RetransmitCommand interface {
	// Retransmit 请求重传 [first..last] 范围内的缺失消息
	Retransmit(first, last uint64, sender string)
}

// RetransmitFunc 函数式 RetransmitCommand 适配
type RetransmitFunc func(first, last uint64, sender string)

func (f RetransmitFunc) Retransmit(first, last uint64, sender string) {
	f(first, last, sender)
}

// Listener 空洞事件观察者 (可选)
// 回调在窗口锁外触发，panic 会被吞掉
type Listener interface {
	// MissingMessageReceived 某个缺失消息补齐时触发
	MissingMessageReceived(seqno uint64, sender string)

	// MessageGapDetected 检测到空洞 [from..to) 时触发
	MessageGapDetected(from, to uint64, sender string)
}

// WindowConfig 窗口调优参数
type WindowConfig struct {
	// 重传表
	NumRows           int
	MsgsPerRow        int
	ResizeFactor      float64
	MaxCompactionTime time.Duration
	AutomaticPurging  bool

	// 重传器
	UseRangeBased      bool
	RetransmitTimeouts []time.Duration
}

// DefaultWindowConfig 默认调优参数 (唯一定义)
func DefaultWindowConfig() *WindowConfig {
	return &WindowConfig{
		NumRows:            DefaultNumRows,
		MsgsPerRow:         DefaultMsgsPerRow,
		ResizeFactor:       DefaultResizeFactor,
		MaxCompactionTime:  DefaultMaxCompactionTime,
		AutomaticPurging:   false,
		UseRangeBased:      true,
		RetransmitTimeouts: DefaultRetransmitTimeouts(),
	}
}
