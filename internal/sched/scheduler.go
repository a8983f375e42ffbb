

// =============================================================================
// 文件: internal/sched/scheduler.go
// 描述: 共享定时调度器 - 重传任务和路由健康检查的统一时间轮
// =============================================================================
package sched

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// 默认参数
const (
	DefaultWorkers   = 4
	DefaultQueueSize = 256
)

// Scheduler 共享调度器
// 所有窗口和路由桩共用一个实例，生命周期由宿主管理
type Scheduler struct {
	execCh  chan func()
	workers int

	// 统计
	totalScheduled uint64
	totalFired     uint64
	totalCancelled uint64
	totalDropped   uint64

	// 控制
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Task 已调度任务句柄
type Task struct {
	s *Scheduler

	timer     *time.Timer
	cancelled bool
	mu        sync.Mutex
}

// New 创建调度器并启动工作协程
func New(workers, queueSize int) *Scheduler {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		execCh:  make(chan func(), queueSize),
		workers: workers,
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.workLoop()
	}

	return s
}

// workLoop 工作协程
func (s *Scheduler) workLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case fn := <-s.execCh:
			atomic.AddUint64(&s.totalFired, 1)
			fn()
		}
	}
}

// dispatch 把到期任务提交到工作池
// 调度器已停止时静默丢弃
func (s *Scheduler) dispatch(fn func()) {
	select {
	case <-s.ctx.Done():
		atomic.AddUint64(&s.totalDropped, 1)
	case s.execCh <- fn:
	}
}

// Schedule 一次性延时任务
func (s *Scheduler) Schedule(delay time.Duration, fn func()) *Task {
	t := &Task{s: s}
	atomic.AddUint64(&s.totalScheduled, 1)

	t.mu.Lock()
	t.timer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		cancelled := t.cancelled
		t.mu.Unlock()
		if cancelled {
			return
		}
		s.dispatch(fn)
	})
	t.mu.Unlock()

	return t
}

// ScheduleWithFixedDelay 固定间隔任务
// 每次执行完成后再计时下一轮，不做固定速率补偿
func (s *Scheduler) ScheduleWithFixedDelay(initialDelay, interval time.Duration, fn func()) *Task {
	t := &Task{s: s}
	atomic.AddUint64(&s.totalScheduled, 1)

	var run func()
	run = func() {
		t.mu.Lock()
		cancelled := t.cancelled
		t.mu.Unlock()
		if cancelled {
			return
		}

		s.dispatch(func() {
			fn()

			// 执行完成后重新计时
			t.mu.Lock()
			if !t.cancelled {
				t.timer = time.AfterFunc(interval, run)
			}
			t.mu.Unlock()
		})
	}

	t.mu.Lock()
	t.timer = time.AfterFunc(initialDelay, run)
	t.mu.Unlock()

	return t
}

// Cancel 取消任务
// 已在执行中的本轮任务无法拦截，调用方需容忍多触发一次
func (t *Task) Cancel() {
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancelled {
		return
	}
	t.cancelled = true
	if t.timer != nil {
		t.timer.Stop()
	}
	atomic.AddUint64(&t.s.totalCancelled, 1)
}

// Cancelled 任务是否已取消
func (t *Task) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Stop 停止调度器
// 未执行的到期任务会被丢弃
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

// GetStats 获取统计
func (s *Scheduler) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"workers":         s.workers,
		"queue_len":       len(s.execCh),
		"total_scheduled": atomic.LoadUint64(&s.totalScheduled),
		"total_fired":     atomic.LoadUint64(&s.totalFired),
		"total_cancelled": atomic.LoadUint64(&s.totalCancelled),
		"total_dropped":   atomic.LoadUint64(&s.totalDropped),
	}
}
