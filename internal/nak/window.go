

// =============================================================================
// 文件: internal/nak/window.go
// 描述: NAK 可靠组播接收 - 单发送者接收窗口 (乱序缓冲 / 空洞探测 / 有序交付)
// =============================================================================
package nak

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrcgq/gmcast/internal/sched"
)

// ErrNilScheduler 构造时未提供调度器
var ErrNilScheduler = errors.New("必须提供调度器，不能为 nil")

// NakWindow 单发送者接收窗口
//
// 三个计数器刻画进度：
//   - low: 已全局稳定并清除的最高序列号，随 Stable 单调上移
//   - highestDelivered: 已交付给应用的最高序列号，下一个可交付为 +1
//   - highestReceived: 收到过的最高序列号 (不管中间有无空洞)
//
// 不变式: low <= highestDelivered <= highestReceived。
// 示例 1,2,3,5,6,8: low=0, highestDelivered 取决于 Remove 调用,
// highestReceived=8, 重传器持有 {4,7}。
type NakWindow struct {
	sender string

	low                   uint64
	highestDelivered      uint64
	highestReceived       uint64
	highestStabilitySeqno uint64

	running bool

	xmitTable     *RetransmitTable
	retransmitter Retransmitter
	listener      Listener

	// 上层用来保证同批窗口只有一个排水者；窗口本身只在排水
	// 一无所获时负责清掉它
	processing atomic.Bool

	smoothedLossRate float64

	logLevel int

	mu sync.RWMutex
}

// NewWindow 创建接收窗口
// cmd 为 nil 时不启动重传器 (上层协议自行重传的场景)；
// scheduler 必须提供，否则构造失败
func NewWindow(sender string, cmd RetransmitCommand, highestDelivered, lowest uint64,
	scheduler *sched.Scheduler, cfg *WindowConfig) (*NakWindow, error) {

	if scheduler == nil {
		return nil, ErrNilScheduler
	}
	if cfg == nil {
		cfg = DefaultWindowConfig()
	}

	low := lowest
	if highestDelivered < low {
		low = highestDelivered
	}

	w := &NakWindow{
		sender:           sender,
		low:              low,
		highestDelivered: highestDelivered,
		highestReceived:  highestDelivered,
		running:          true,
		logLevel:         1,
	}

	if cmd != nil {
		if cfg.UseRangeBased {
			w.retransmitter = NewRangeBasedRetransmitter(sender, cmd, scheduler)
		} else {
			w.retransmitter = NewDefaultRetransmitter(sender, cmd, scheduler)
		}
		if len(cfg.RetransmitTimeouts) > 0 {
			w.retransmitter.SetRetransmitTimeouts(NewStaticInterval(cfg.RetransmitTimeouts...))
		}
	}

	w.xmitTable = NewRetransmitTable(cfg.NumRows, cfg.MsgsPerRow, low,
		cfg.ResizeFactor, cfg.MaxCompactionTime, cfg.AutomaticPurging)

	return w, nil
}

// SetListener 安装空洞事件观察者
func (w *NakWindow) SetListener(l Listener) {
	w.mu.Lock()
	w.listener = l
	w.mu.Unlock()
}

// SetRetransmitTimeouts 安装重传退避序列
func (w *NakWindow) SetRetransmitTimeouts(iv Interval) {
	w.mu.RLock()
	r := w.retransmitter
	w.mu.RUnlock()
	if r != nil {
		r.SetRetransmitTimeouts(iv)
	}
}

// Processing 排水标志，上层按批次 CAS 协调
func (w *NakWindow) Processing() *atomic.Bool {
	return &w.processing
}

// =============================================================================
// 写路径: Add / Remove / Stable / Destroy
// =============================================================================

// Add 插入收到的消息
//
// 四种情形按序判定：
//  1. 正好是期望的下一个: 写入并推进 highestReceived
//  2. 已交付过: 丢弃
//  3. 补齐已知空洞: 槽位为空才写入，并从重传器注销
//  4. 超前于期望: 写入，把 [期望..seqno-1] 登记到重传器
//
// highestReceived 只在成功写入时更新；观察者回调一律在锁外触发。
// 返回 true 表示写入成功，false 表示重复或窗口已停止。
func (w *NakWindow) Add(seqno uint64, msg *Message) bool {
	var notify func()

	added := func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()

		if !w.running {
			return false
		}

		next := w.highestReceived + 1

		// 情形 1: 期望序列号，最常见路径
		if seqno == next {
			w.xmitTable.Put(seqno, msg)
			w.highestReceived = seqno
			return true
		}

		// 情形 2: 已交付，重复消息
		if seqno <= w.highestDelivered {
			w.log(2, "seqno %d 已交付 (highest_delivered=%d)，丢弃", seqno, w.highestDelivered)
			return false
		}

		// 情形 3: 补齐空洞。情形 2 已排除 <= highestDelivered，
		// 此处必然 highestDelivered < seqno < next
		if seqno < next {
			if existing := w.xmitTable.PutIfAbsent(seqno, msg); existing != nil {
				return false
			}
			if w.retransmitter != nil {
				w.retransmitter.Remove(seqno)
			}
			if l := w.listener; l != nil {
				s, src := seqno, w.sender
				notify = func() { l.MissingMessageReceived(s, src) }
			}
			w.log(2, "补齐缺失消息 %s#%d", w.sender, seqno)
			return true
		}

		// 情形 4: 超前，[next..seqno-1] 全是空洞
		w.xmitTable.Put(seqno, msg)
		if w.retransmitter != nil {
			w.retransmitter.Add(next, seqno-1)
		}
		if l := w.listener; l != nil {
			from, to, src := next, seqno, w.sender
			notify = func() { l.MessageGapDetected(from, to, src) }
		}
		w.highestReceived = seqno
		return true
	}()

	if notify != nil {
		w.safeNotify(notify)
	}
	return added
}

// safeNotify 锁外触发观察者回调，panic 被吞掉
func (w *NakWindow) safeNotify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			w.log(0, "观察者回调 panic: %v", r)
		}
	}()
	fn()
}

// removeNext 取出下一个可交付消息，调用方持有写锁
// removeMsg 为 false 时只读取不清槽 (槽位等 Stable 回收)
func (w *NakWindow) removeNext(removeMsg bool) *Message {
	next := w.highestDelivered + 1

	var msg *Message
	if removeMsg {
		msg = w.xmitTable.Remove(next)
	} else {
		msg = w.xmitTable.Get(next)
	}

	if msg != nil {
		w.highestDelivered = next
	}
	return msg
}

// Remove 取出并清除下一个可交付消息，没有则返回 nil
func (w *NakWindow) Remove() *Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.removeNext(true)
}

// RemoveRetaining 同 Remove，但槽位保留到 Stable 时才回收
func (w *NakWindow) RemoveRetaining() *Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.removeNext(false)
}

// RemoveMany 贪心排出连续可交付消息
// 碰到空洞或达到 maxResults (>0 时) 停止；一无所获时返回 nil，
// 并顺带清掉调用方传入的排水标志
func (w *NakWindow) RemoveMany(processing *atomic.Bool, removeMsgs bool, maxResults int) []*Message {
	var result []*Message

	w.mu.Lock()
	for {
		msg := w.removeNext(removeMsgs)
		if msg == nil {
			break
		}
		result = append(result, msg)
		if maxResults > 0 && len(result) >= maxResults {
			break
		}
	}
	if len(result) == 0 && processing != nil {
		processing.Store(false)
	}
	w.mu.Unlock()

	return result
}

// Stable 标记 seqno 及之前的消息已全局稳定，回收存储
// 稳定点不可能超过本地交付进度，超过视为调用方错误：告警并忽略
func (w *NakWindow) Stable(seqno uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if seqno > w.highestDelivered {
		w.log(1, "稳定点 %d 超过 highest_delivered (%d)，忽略稳定通告", seqno, w.highestDelivered)
		return
	}

	w.xmitTable.Purge(seqno)

	if w.retransmitter != nil {
		start := w.low
		if start == SeqnoNone {
			start = 1
		}
		for i := start; i <= seqno; i++ {
			w.retransmitter.Remove(i)
		}
	}

	if seqno > w.highestStabilitySeqno {
		w.highestStabilitySeqno = seqno
	}
	if seqno > w.low {
		w.low = seqno
	}

	w.updateSmoothedLossRate()
}

// Destroy 销毁窗口
// 之后 Add 一律拒绝；表已清空，排水也只会得到 nil。幂等。
func (w *NakWindow) Destroy() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.running = false
	if w.retransmitter != nil {
		w.retransmitter.Reset()
	}
	w.xmitTable.Clear()
	w.low = 0
	w.highestDelivered = 0
	w.highestReceived = 0
	w.highestStabilitySeqno = 0
}

// SetHighestDelivered 无条件覆盖交付进度 (协议用摘要引导时使用)
// 返回旧值；不影响 low 和 highestReceived
func (w *NakWindow) SetHighestDelivered(v uint64) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	prev := w.highestDelivered
	w.highestDelivered = v
	return prev
}

// =============================================================================
// 读路径
// =============================================================================

// GetDigest 原子快照 (low, highest_delivered, highest_received)
func (w *NakWindow) GetDigest() Digest {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return Digest{
		Low:              w.low,
		HighestDelivered: w.highestDelivered,
		HighestReceived:  w.highestReceived,
	}
}

// LowestSeen 已稳定清除的最高序列号
func (w *NakWindow) LowestSeen() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.low
}

// HighestDelivered 已交付的最高序列号
func (w *NakWindow) HighestDelivered() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.highestDelivered
}

// HighestReceived 收到过的最高序列号
func (w *NakWindow) HighestReceived() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.highestReceived
}

// HighestStability 稳定通告高水位
func (w *NakWindow) HighestStability() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.highestStabilitySeqno
}

// Running 窗口是否仍接受消息
func (w *NakWindow) Running() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// Get 读取单个序列号对应的消息
func (w *NakWindow) Get(seqno uint64) *Message {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.xmitTable.Get(seqno)
}

// GetRange 读取 [from..to] 内全部非空消息，没有则返回 nil
func (w *NakWindow) GetRange(from, to uint64) []*Message {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.xmitTable.GetRange(from, to)
}

// Size 表内存量消息数
func (w *NakWindow) Size() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.xmitTable.Size()
}

// PendingXmits 待重传的缺失序列号数
func (w *NakWindow) PendingXmits() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.pendingXmits()
}

func (w *NakWindow) pendingXmits() int {
	if w.retransmitter == nil {
		return 0
	}
	return w.retransmitter.Size()
}

// TableSize 重传表存量
func (w *NakWindow) TableSize() int { return w.Size() }

// TableCapacity 重传表容量
func (w *NakWindow) TableCapacity() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.xmitTable.Capacity()
}

// TableFillFactor 重传表填充率
func (w *NakWindow) TableFillFactor() float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.xmitTable.FillFactor()
}

// Compact 手动触发重传表压缩
func (w *NakWindow) Compact() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.xmitTable.Compact()
}

// =============================================================================
// 丢包率
// =============================================================================

// LossRate 当前丢包率 = 待重传数 / 表内消息总数
func (w *NakWindow) LossRate() float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lossRate()
}

func (w *NakWindow) lossRate() float64 {
	pending := w.pendingXmits()
	total := w.xmitTable.Size()
	if pending == 0 || total == 0 {
		return 0
	}
	return float64(pending) / float64(total)
}

// SmoothedLossRate 指数平滑丢包率
func (w *NakWindow) SmoothedLossRate() float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.smoothedLossRate
}

// updateSmoothedLossRate 70% 新值 + 30% 旧值，首个非零样本直接采纳
// 调用方持有写锁
func (w *NakWindow) updateSmoothedLossRate() {
	current := w.lossRate()
	if w.smoothedLossRate == 0 {
		w.smoothedLossRate = current
	} else {
		w.smoothedLossRate = w.smoothedLossRate*lossRateOldWeight + current*lossRateNewWeight
	}
}

// RetransmitStats 区间重传器统计串，Default 变体返回 "n/a"
func (w *NakWindow) RetransmitStats() string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if rb, ok := w.retransmitter.(*RangeBasedRetransmitter); ok {
		return rb.PrintStats()
	}
	return "n/a"
}

// PrintLossRate 可读的丢包摘要
func (w *NakWindow) PrintLossRate() string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	missing := w.pendingXmits()
	received := w.xmitTable.Size()
	return fmt.Sprintf("total=%d (received=%d, missing=%d), loss rate=%.4f, smoothed loss rate=%.4f",
		missing+received, received, missing, w.lossRate(), w.smoothedLossRate)
}

// GetStats 获取统计
func (w *NakWindow) GetStats() map[string]interface{} {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return map[string]interface{}{
		"sender":             w.sender,
		"low":                w.low,
		"highest_delivered":  w.highestDelivered,
		"highest_received":   w.highestReceived,
		"highest_stability":  w.highestStabilitySeqno,
		"size":               w.xmitTable.Size(),
		"pending_xmits":      w.pendingXmits(),
		"loss_rate":          w.lossRate(),
		"smoothed_loss_rate": w.smoothedLossRate,
		"running":            w.running,
	}
}

func (w *NakWindow) String() string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	s := fmt.Sprintf("[%d : %d (%d)", w.low, w.highestDelivered, w.highestReceived)
	if !w.xmitTable.IsEmpty() {
		missing := w.xmitTable.NullMessages(w.highestReceived)
		s += fmt.Sprintf(" (size=%d, missing=%d, highest stability=%d)",
			w.xmitTable.Size(), missing, w.highestStabilitySeqno)
	}
	return s + "]"
}

// Sender 关联的发送者标识
func (w *NakWindow) Sender() string {
	return w.sender
}

// log 日志输出
func (w *NakWindow) log(level int, format string, args ...interface{}) {
	if level > w.logLevel {
		return
	}
	prefix := map[int]string{0: "[ERROR]", 1: "[WARN]", 2: "[DEBUG]"}[level]
	fmt.Printf("%s %s [NakWindow] %s\n", prefix, time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
}
