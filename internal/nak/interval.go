

// =============================================================================
// 文件: internal/nak/interval.go
// 描述: 重传退避序列 - 可重置的惰性延时序列
// =============================================================================
package nak

import "time"

// Interval 退避序列
// Next 依次返回每一级延时，序列耗尽后最后一项永久重复
type Interval interface {
	Next() time.Duration

	// Copy 返回游标归零的副本，新建的重传条目各用一份
	Copy() Interval
}

// StaticInterval 固定退避序列
// 仅在重传器锁内访问，自身不加锁
type StaticInterval struct {
	values []time.Duration
	idx    int
}

// NewStaticInterval 创建固定退避序列
func NewStaticInterval(values ...time.Duration) *StaticInterval {
	if len(values) == 0 {
		values = DefaultRetransmitTimeouts()
	}
	return &StaticInterval{values: values}
}

// Next 返回当前级延时并前进游标，停在最后一级
func (i *StaticInterval) Next() time.Duration {
	v := i.values[i.idx]
	if i.idx < len(i.values)-1 {
		i.idx++
	}
	return v
}

// Copy 游标归零的副本
func (i *StaticInterval) Copy() Interval {
	return &StaticInterval{values: i.values}
}

// Reset 游标归零
func (i *StaticInterval) Reset() {
	i.idx = 0
}
