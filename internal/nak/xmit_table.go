

// =============================================================================
// 文件: internal/nak/xmit_table.go
// 描述: NAK 可靠组播接收 - 重传表 (按序列号偏移寻址的稀疏行矩阵)
// =============================================================================
package nak

import (
	"fmt"
	"time"
)

// RetransmitTable 消息槽位表
// 槽位按 (seqno - offset) 寻址，行按需分配；purge 只清空槽位，
// compact 才真正释放整行并前移 offset，避免搬移存活消息。
//
// 自身不加锁：写操作始终发生在窗口写锁内，并发读由窗口读锁保证。
type RetransmitTable struct {
	msgsPerRow   int
	resizeFactor float64

	rows   [][]*Message
	offset uint64 // rows[0][0] 对应的序列号
	size   int

	// 压缩
	highestPurged     uint64
	lastCompaction    time.Time
	maxCompactionTime time.Duration
	automaticPurging  bool

	initialRows int
}

// NewRetransmitTable 创建重传表，offset 为初始最低序列号
func NewRetransmitTable(numRows, msgsPerRow int, offset uint64, resizeFactor float64,
	maxCompactionTime time.Duration, automaticPurging bool) *RetransmitTable {

	if numRows <= 0 {
		numRows = DefaultNumRows
	}
	if msgsPerRow <= 0 {
		msgsPerRow = DefaultMsgsPerRow
	}
	if resizeFactor <= 1 {
		resizeFactor = DefaultResizeFactor
	}
	if maxCompactionTime <= 0 {
		maxCompactionTime = DefaultMaxCompactionTime
	}

	return &RetransmitTable{
		msgsPerRow:        msgsPerRow,
		resizeFactor:      resizeFactor,
		rows:              make([][]*Message, numRows),
		offset:            offset,
		highestPurged:     offset,
		lastCompaction:    time.Now(),
		maxCompactionTime: maxCompactionTime,
		automaticPurging:  automaticPurging,
		initialRows:       numRows,
	}
}

// locate 计算槽位坐标，seqno < offset 时返回 false
func (t *RetransmitTable) locate(seqno uint64) (row, col int, ok bool) {
	if seqno < t.offset {
		return 0, 0, false
	}
	idx := seqno - t.offset
	return int(idx / uint64(t.msgsPerRow)), int(idx % uint64(t.msgsPerRow)), true
}

// ensureRow 行扩容与按需分配
func (t *RetransmitTable) ensureRow(row int) []*Message {
	if row >= len(t.rows) {
		newLen := row + 1
		if grown := int(float64(len(t.rows))*t.resizeFactor + 0.5); grown > newLen {
			newLen = grown
		}
		expanded := make([][]*Message, newLen)
		copy(expanded, t.rows)
		t.rows = expanded
	}
	if t.rows[row] == nil {
		t.rows[row] = make([]*Message, t.msgsPerRow)
	}
	return t.rows[row]
}

// Put 写入槽位，覆盖已有消息
// 返回 true 表示槽位原先为空
func (t *RetransmitTable) Put(seqno uint64, msg *Message) bool {
	row, col, ok := t.locate(seqno)
	if !ok {
		return false
	}

	slots := t.ensureRow(row)
	prev := slots[col]
	slots[col] = msg
	if prev == nil {
		t.size++
	}
	return prev == nil
}

// PutIfAbsent 仅在槽位为空时写入，返回原有消息 (nil 表示写入成功)；
// offset 之前的序列号不写入，同样返回 nil
func (t *RetransmitTable) PutIfAbsent(seqno uint64, msg *Message) *Message {
	row, col, ok := t.locate(seqno)
	if !ok {
		return nil
	}

	slots := t.ensureRow(row)
	if existing := slots[col]; existing != nil {
		return existing
	}
	slots[col] = msg
	t.size++
	return nil
}

// Get 读取槽位，offset 之前或越界的序列号返回 nil
func (t *RetransmitTable) Get(seqno uint64) *Message {
	row, col, ok := t.locate(seqno)
	if !ok || row >= len(t.rows) || t.rows[row] == nil {
		return nil
	}
	return t.rows[row][col]
}

// GetRange 返回 [from..to] 内的非空消息，全空时返回 nil
func (t *RetransmitTable) GetRange(from, to uint64) []*Message {
	var result []*Message
	for seqno := from; seqno <= to; seqno++ {
		if msg := t.Get(seqno); msg != nil {
			result = append(result, msg)
		}
	}
	return result
}

// Remove 取出并清空槽位
func (t *RetransmitTable) Remove(seqno uint64) *Message {
	row, col, ok := t.locate(seqno)
	if !ok || row >= len(t.rows) || t.rows[row] == nil {
		return nil
	}

	msg := t.rows[row][col]
	if msg != nil {
		t.rows[row][col] = nil
		t.size--
	}
	return msg
}

// Purge 清空 seqno 及之前的所有槽位
// 只标记行可回收，物理释放由 Compact 完成
func (t *RetransmitTable) Purge(seqno uint64) {
	if seqno < t.offset {
		return
	}

	if t.Capacity() == 0 {
		if seqno > t.highestPurged {
			t.highestPurged = seqno
		}
		return
	}

	// 槽位范围不会超过当前容量
	end := seqno
	if limit := t.offset + uint64(t.Capacity()) - 1; end > limit {
		end = limit
	}

	for i := t.offset; i <= end; i++ {
		row, col, ok := t.locate(i)
		if !ok || row >= len(t.rows) || t.rows[row] == nil {
			continue
		}
		if t.rows[row][col] != nil {
			t.rows[row][col] = nil
			t.size--
		}
	}

	if seqno > t.highestPurged {
		t.highestPurged = seqno
	}

	if t.automaticPurging && time.Since(t.lastCompaction) >= t.maxCompactionTime {
		t.Compact()
	}
}

// Compact 释放完全死亡的前导行并前移 offset
// 只回收整行都 <= highestPurged 的行，存活消息不搬移
func (t *RetransmitTable) Compact() {
	t.lastCompaction = time.Now()

	if t.highestPurged < t.offset {
		return
	}
	dead := t.highestPurged + 1 - t.offset
	numRows := int(dead / uint64(t.msgsPerRow))
	if numRows == 0 {
		return
	}
	if numRows > len(t.rows) {
		numRows = len(t.rows)
	}

	t.rows = append([][]*Message{}, t.rows[numRows:]...)
	t.offset += uint64(numRows) * uint64(t.msgsPerRow)
}

// Clear 清空全部槽位
func (t *RetransmitTable) Clear() {
	t.rows = make([][]*Message, t.initialRows)
	t.size = 0
	t.lastCompaction = time.Now()
}

// Size 当前存量消息数
func (t *RetransmitTable) Size() int {
	return t.size
}

// IsEmpty 是否为空
func (t *RetransmitTable) IsEmpty() bool {
	return t.size == 0
}

// Capacity 当前槽位总容量
func (t *RetransmitTable) Capacity() int {
	return len(t.rows) * t.msgsPerRow
}

// FillFactor 填充率
func (t *RetransmitTable) FillFactor() float64 {
	cap := t.Capacity()
	if cap == 0 {
		return 0
	}
	return float64(t.size) / float64(cap)
}

// Offset 当前逻辑基址
func (t *RetransmitTable) Offset() uint64 {
	return t.offset
}

// NullMessages 统计 (offset..upto] 内的空槽数量，用于丢包率上报
func (t *RetransmitTable) NullMessages(upto uint64) int {
	count := 0
	for seqno := t.offset + 1; seqno <= upto; seqno++ {
		if t.Get(seqno) == nil {
			count++
		}
	}
	return count
}

// GetStats 获取统计
func (t *RetransmitTable) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"offset":         t.offset,
		"size":           t.size,
		"capacity":       t.Capacity(),
		"fill_factor":    t.FillFactor(),
		"rows":           len(t.rows),
		"msgs_per_row":   t.msgsPerRow,
		"highest_purged": t.highestPurged,
	}
}

func (t *RetransmitTable) String() string {
	return fmt.Sprintf("[offset=%d size=%d capacity=%d fill=%.2f]",
		t.offset, t.size, t.Capacity(), t.FillFactor())
}
