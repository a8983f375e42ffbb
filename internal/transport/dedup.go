

// =============================================================================
// 文件: internal/transport/dedup.go
// 描述: 重传请求去重过滤器 - 时间片布隆过滤器，按序列号范围抑制重复 NAK
// =============================================================================
package transport

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"golang.org/x/crypto/blake2b"
)

// 默认参数
const (
	// 布隆过滤器参数
	DefaultExpectedItems = 50000 // 预期每个时间片的请求数
	DefaultFalsePositive = 0.001 // 千分之一误报率

	// 时间片配置
	DefaultSliceDuration = 2 * time.Second
	DefaultMaxSlices     = 4 // 抑制窗口 = 时间片数 x 时长
)

// FilterConfig 过滤器配置
type FilterConfig struct {
	ExpectedItems uint
	FalsePositive float64
	SliceDuration time.Duration
	MaxSlices     int
}

// DefaultFilterConfig 默认配置
func DefaultFilterConfig() *FilterConfig {
	return &FilterConfig{
		ExpectedItems: DefaultExpectedItems,
		FalsePositive: DefaultFalsePositive,
		SliceDuration: DefaultSliceDuration,
		MaxSlices:     DefaultMaxSlices,
	}
}

// RequestFilter 重传请求去重
// 多个窗口可能对同一缺失范围反复发 NAK；过滤器在抑制窗口内
// 放行第一份请求，其余视为重复丢弃。误报的请求在相关时间片
// 轮转清空之前一直被抑制，之后退避序列的下一轮才会放行
type RequestFilter struct {
	config *FilterConfig

	slices     []*timeSlice
	currentIdx int64

	// 统计
	totalChecks uint64
	suppressed  uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
	mu     sync.RWMutex
}

// timeSlice 时间片
type timeSlice struct {
	bloom *bloom.BloomFilter
	mu    sync.Mutex
}

// NewRequestFilter 创建过滤器并启动轮转协程
func NewRequestFilter(config *FilterConfig) *RequestFilter {
	if config == nil {
		config = DefaultFilterConfig()
	}
	if config.MaxSlices <= 0 {
		config.MaxSlices = DefaultMaxSlices
	}

	f := &RequestFilter{
		config: config,
		slices: make([]*timeSlice, config.MaxSlices),
		stopCh: make(chan struct{}),
	}
	for i := range f.slices {
		f.slices[i] = &timeSlice{
			bloom: bloom.NewWithEstimates(config.ExpectedItems, config.FalsePositive),
		}
	}

	f.wg.Add(1)
	go f.rotateLoop()

	return f
}

// key 计算请求键
// blake2b 把 (sender, first, last) 压成定长键再喂给布隆过滤器
func (f *RequestFilter) key(sender string, first, last uint64) []byte {
	buf := make([]byte, len(sender)+16)
	copy(buf, sender)
	binary.BigEndian.PutUint64(buf[len(sender):], first)
	binary.BigEndian.PutUint64(buf[len(sender)+8:], last)

	sum := blake2b.Sum256(buf)
	return sum[:]
}

// Permit 判定请求是否放行
// 返回 true 表示首见放行并记录，false 表示抑制窗口内的重复
func (f *RequestFilter) Permit(sender string, first, last uint64) bool {
	atomic.AddUint64(&f.totalChecks, 1)

	k := f.key(sender, first, last)

	f.mu.RLock()
	defer f.mu.RUnlock()

	// 任一有效时间片见过即为重复
	for _, s := range f.slices {
		s.mu.Lock()
		seen := s.bloom.Test(k)
		s.mu.Unlock()
		if seen {
			atomic.AddUint64(&f.suppressed, 1)
			return false
		}
	}

	current := f.slices[atomic.LoadInt64(&f.currentIdx)]
	current.mu.Lock()
	current.bloom.Add(k)
	current.mu.Unlock()

	return true
}

// rotateLoop 时间片轮转
func (f *RequestFilter) rotateLoop() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.config.SliceDuration)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.rotate()
		}
	}
}

// rotate 推进当前片并清空被覆盖的旧片
func (f *RequestFilter) rotate() {
	f.mu.Lock()
	defer f.mu.Unlock()

	next := (atomic.LoadInt64(&f.currentIdx) + 1) % int64(len(f.slices))
	s := f.slices[next]

	s.mu.Lock()
	s.bloom.ClearAll()
	s.mu.Unlock()

	atomic.StoreInt64(&f.currentIdx, next)
}

// GetStats 获取统计
func (f *RequestFilter) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"total_checks": atomic.LoadUint64(&f.totalChecks),
		"suppressed":   atomic.LoadUint64(&f.suppressed),
		"slices":       len(f.slices),
	}
}

// Close 停止轮转协程
func (f *RequestFilter) Close() {
	close(f.stopCh)
	f.wg.Wait()
}
