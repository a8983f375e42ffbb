

// =============================================================================
// 文件: internal/nak/retransmitter.go
// 描述: NAK 可靠组播接收 - 缺失序列号重传器 (单序列号与区间两种变体)
// =============================================================================
package nak

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mrcgq/gmcast/internal/sched"
)

// Retransmitter 重传器
// 每个缺失条目挂一个调度任务，按退避序列反复触发 RetransmitCommand，
// 补齐或稳定后移除。两种变体共享同一操作面。
type Retransmitter interface {
	// Add 登记缺失范围 [from..to]，已登记的序列号为空操作
	Add(from, to uint64)

	// Remove 注销某个序列号，返回该条目已触发的重传次数
	Remove(seqno uint64) int

	// Reset 注销全部条目
	Reset()

	// SetRetransmitTimeouts 安装退避序列，只影响之后新建的条目
	SetRetransmitTimeouts(iv Interval)

	// Size 当前缺失序列号总数
	Size() int

	String() string
}

// xmitEntry 重传条目：单个序列号或连续区间 [low..high]
type xmitEntry struct {
	low, high uint64

	interval         Interval
	task             *sched.Task
	fires            int
	firstScheduledAt time.Time
	cancelled        bool
}

func (e *xmitEntry) span() int {
	return int(e.high - e.low + 1)
}

// =============================================================================
// Default 变体：每个缺失序列号一个条目
// =============================================================================

// DefaultRetransmitter 单序列号重传器
type DefaultRetransmitter struct {
	sender    string
	cmd       RetransmitCommand
	scheduler *sched.Scheduler
	timeouts  Interval

	entries map[uint64]*xmitEntry

	mu sync.Mutex
}

// NewDefaultRetransmitter 创建单序列号重传器
func NewDefaultRetransmitter(sender string, cmd RetransmitCommand, scheduler *sched.Scheduler) *DefaultRetransmitter {
	return &DefaultRetransmitter{
		sender:    sender,
		cmd:       cmd,
		scheduler: scheduler,
		timeouts:  NewStaticInterval(DefaultRetransmitTimeouts()...),
		entries:   make(map[uint64]*xmitEntry),
	}
}

// schedule 为条目挂下一轮任务，调用方持有 r.mu
func (r *DefaultRetransmitter) schedule(e *xmitEntry) {
	e.task = r.scheduler.Schedule(e.interval.Next(), func() { r.fire(e) })
}

// fire 触发一轮重传请求并重新挂任务
// 条目已注销时静默退出；命令调用不持有任何锁
func (r *DefaultRetransmitter) fire(e *xmitEntry) {
	r.mu.Lock()
	if e.cancelled {
		r.mu.Unlock()
		return
	}
	e.fires++
	low, high := e.low, e.high
	r.mu.Unlock()

	r.cmd.Retransmit(low, high, r.sender)

	r.mu.Lock()
	if !e.cancelled {
		r.schedule(e)
	}
	r.mu.Unlock()
}

// Add 登记缺失范围，逐个序列号展开
func (r *DefaultRetransmitter) Add(from, to uint64) {
	if from == SeqnoNone || to < from {
		return
	}

	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	for seqno := from; seqno <= to; seqno++ {
		if _, exists := r.entries[seqno]; exists {
			continue
		}
		e := &xmitEntry{
			low:              seqno,
			high:             seqno,
			interval:         r.timeouts.Copy(),
			firstScheduledAt: now,
		}
		r.entries[seqno] = e
		r.schedule(e)
	}
}

// Remove 注销序列号
func (r *DefaultRetransmitter) Remove(seqno uint64) int {
	r.mu.Lock()
	e, exists := r.entries[seqno]
	if !exists {
		r.mu.Unlock()
		return 0
	}
	delete(r.entries, seqno)
	e.cancelled = true
	task, fires := e.task, e.fires
	r.mu.Unlock()

	task.Cancel()
	return fires
}

// Reset 注销全部条目
func (r *DefaultRetransmitter) Reset() {
	r.mu.Lock()
	var tasks []*sched.Task
	for _, e := range r.entries {
		e.cancelled = true
		tasks = append(tasks, e.task)
	}
	r.entries = make(map[uint64]*xmitEntry)
	r.mu.Unlock()

	for _, t := range tasks {
		t.Cancel()
	}
}

// SetRetransmitTimeouts 安装退避序列
func (r *DefaultRetransmitter) SetRetransmitTimeouts(iv Interval) {
	if iv == nil {
		return
	}
	r.mu.Lock()
	r.timeouts = iv
	r.mu.Unlock()
}

// Size 当前缺失序列号总数
func (r *DefaultRetransmitter) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *DefaultRetransmitter) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fmt.Sprintf("缺失 %d 个序列号 (sender=%s)", len(r.entries), r.sender)
}

// =============================================================================
// RangeBased 变体：连续缺失区间合并为一个条目
// =============================================================================

// RangeBasedRetransmitter 区间重传器
// 一次空洞产生一个区间条目，补齐某个序列号时把所在区间切成最多两段
type RangeBasedRetransmitter struct {
	sender    string
	cmd       RetransmitCommand
	scheduler *sched.Scheduler
	timeouts  Interval

	ranges []*xmitEntry // 按 low 升序，互不重叠

	// 统计
	numRangesAdded  uint64
	numSingleSeqnos uint64
	numRangesSplit  uint64

	mu sync.Mutex
}

// NewRangeBasedRetransmitter 创建区间重传器
func NewRangeBasedRetransmitter(sender string, cmd RetransmitCommand, scheduler *sched.Scheduler) *RangeBasedRetransmitter {
	return &RangeBasedRetransmitter{
		sender:    sender,
		cmd:       cmd,
		scheduler: scheduler,
		timeouts:  NewStaticInterval(DefaultRetransmitTimeouts()...),
	}
}

func (r *RangeBasedRetransmitter) schedule(e *xmitEntry) {
	e.task = r.scheduler.Schedule(e.interval.Next(), func() { r.fire(e) })
}

func (r *RangeBasedRetransmitter) fire(e *xmitEntry) {
	r.mu.Lock()
	if e.cancelled {
		r.mu.Unlock()
		return
	}
	e.fires++
	low, high := e.low, e.high
	r.mu.Unlock()

	r.cmd.Retransmit(low, high, r.sender)

	r.mu.Lock()
	if !e.cancelled {
		r.schedule(e)
	}
	r.mu.Unlock()
}

// insert 把条目插入有序区间表，调用方持有 r.mu
func (r *RangeBasedRetransmitter) insert(e *xmitEntry) {
	pos := sort.Search(len(r.ranges), func(i int) bool {
		return r.ranges[i].low > e.low
	})
	r.ranges = append(r.ranges, nil)
	copy(r.ranges[pos+1:], r.ranges[pos:])
	r.ranges[pos] = e
}

// findContaining 查找包含 seqno 的区间下标，不存在返回 -1，调用方持有 r.mu
func (r *RangeBasedRetransmitter) findContaining(seqno uint64) int {
	pos := sort.Search(len(r.ranges), func(i int) bool {
		return r.ranges[i].low > seqno
	})
	if pos == 0 {
		return -1
	}
	if e := r.ranges[pos-1]; e.high >= seqno {
		return pos - 1
	}
	return -1
}

// Add 登记缺失区间，已覆盖的部分跳过
func (r *RangeBasedRetransmitter) Add(from, to uint64) {
	if from == SeqnoNone || to < from {
		return
	}

	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	seqno := from
	for seqno <= to {
		if idx := r.findContaining(seqno); idx >= 0 {
			// 已登记，跳到所在区间之后
			seqno = r.ranges[idx].high + 1
			continue
		}

		// 未覆盖段的右边界：下一个已有区间的起点或 to
		end := to
		pos := sort.Search(len(r.ranges), func(i int) bool {
			return r.ranges[i].low > seqno
		})
		if pos < len(r.ranges) && r.ranges[pos].low-1 < end {
			end = r.ranges[pos].low - 1
		}

		e := &xmitEntry{
			low:              seqno,
			high:             end,
			interval:         r.timeouts.Copy(),
			firstScheduledAt: now,
		}
		r.insert(e)
		r.schedule(e)

		r.numRangesAdded++
		if e.low == e.high {
			r.numSingleSeqnos++
		}

		seqno = end + 1
	}
}

// Remove 注销序列号，把所在区间切成零、一或两段
// [a..b] 去掉 k 得到 [a..k-1] 与 [k+1..b]，空段丢弃
func (r *RangeBasedRetransmitter) Remove(seqno uint64) int {
	r.mu.Lock()

	idx := r.findContaining(seqno)
	if idx < 0 {
		r.mu.Unlock()
		return 0
	}

	parent := r.ranges[idx]
	parent.cancelled = true
	r.ranges = append(r.ranges[:idx], r.ranges[idx+1:]...)

	var children []*xmitEntry
	if seqno > parent.low {
		children = append(children, &xmitEntry{low: parent.low, high: seqno - 1})
	}
	if seqno < parent.high {
		children = append(children, &xmitEntry{low: seqno + 1, high: parent.high})
	}

	for _, c := range children {
		c.interval = r.timeouts.Copy()
		c.fires = parent.fires
		c.firstScheduledAt = parent.firstScheduledAt
		r.insert(c)
		r.schedule(c)
	}
	if len(children) > 0 {
		r.numRangesSplit++
	}

	task, fires := parent.task, parent.fires
	r.mu.Unlock()

	task.Cancel()
	return fires
}

// Reset 注销全部条目
func (r *RangeBasedRetransmitter) Reset() {
	r.mu.Lock()
	var tasks []*sched.Task
	for _, e := range r.ranges {
		e.cancelled = true
		tasks = append(tasks, e.task)
	}
	r.ranges = nil
	r.mu.Unlock()

	for _, t := range tasks {
		t.Cancel()
	}
}

// SetRetransmitTimeouts 安装退避序列
func (r *RangeBasedRetransmitter) SetRetransmitTimeouts(iv Interval) {
	if iv == nil {
		return
	}
	r.mu.Lock()
	r.timeouts = iv
	r.mu.Unlock()
}

// Size 当前缺失序列号总数 (各区间宽度之和)
func (r *RangeBasedRetransmitter) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0
	for _, e := range r.ranges {
		total += e.span()
	}
	return total
}

// PrintStats 可打印的统计串
func (r *RangeBasedRetransmitter) PrintStats() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fmt.Sprintf("ranges_added=%d single_seqnos=%d ranges_split=%d",
		r.numRangesAdded, r.numSingleSeqnos, r.numRangesSplit)
}

func (r *RangeBasedRetransmitter) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0
	for _, e := range r.ranges {
		total += e.span()
	}
	return fmt.Sprintf("缺失 %d 个序列号，%d 个区间 (sender=%s)", total, len(r.ranges), r.sender)
}
