package util

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Task represents a unit of work to be executed
type Task func()

// submitGrace bounds how long Submit waits on a full queue before rejecting
const submitGrace = 10 * time.Millisecond

// GoroutinePool manages a pool of goroutines for concurrent task execution.
// Coaching cycles and end-call persistence run here so that audio ingestion
// never waits on inference or storage latency.
type GoroutinePool struct {
	workers    int32
	maxWorkers int32
	taskQueue  chan Task
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	stats      PoolStats
}

// PoolStats tracks pool activity
type PoolStats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksRejected  int64
}

// NewGoroutinePool creates a new goroutine pool
func NewGoroutinePool(maxWorkers int, queueSize int) *GoroutinePool {
	if maxWorkers <= 0 {
		maxWorkers = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = maxWorkers * 10
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &GoroutinePool{
		maxWorkers: int32(maxWorkers),
		taskQueue:  make(chan Task, queueSize),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches the initial set of workers
func (gp *GoroutinePool) Start(initialWorkers int) {
	if initialWorkers <= 0 {
		initialWorkers = int(gp.maxWorkers) / 2
	}
	if initialWorkers < 1 {
		initialWorkers = 1
	}
	if initialWorkers > int(gp.maxWorkers) {
		initialWorkers = int(gp.maxWorkers)
	}

	for i := 0; i < initialWorkers; i++ {
		gp.addWorker()
	}
}

// Submit adds a task to the pool. A full queue gets the worker set grown and
// a short bounded wait for a slot to free before the task is rejected and
// false is returned; Submit never blocks longer than submitGrace.
func (gp *GoroutinePool) Submit(task Task) bool {
	if task == nil {
		return false
	}

	select {
	case gp.taskQueue <- task:
		atomic.AddInt64(&gp.stats.TasksSubmitted, 1)
		gp.scaleUp()
		return true
	case <-gp.ctx.Done():
		return false
	default:
	}

	// Queue full. Grow the worker set if possible, then wait briefly for a
	// slot: a burst can fill the queue before any worker is scheduled, and
	// drains within the grace window.
	gp.scaleUp()
	timer := time.NewTimer(submitGrace)
	defer timer.Stop()
	select {
	case gp.taskQueue <- task:
		atomic.AddInt64(&gp.stats.TasksSubmitted, 1)
		return true
	case <-gp.ctx.Done():
		return false
	case <-timer.C:
		atomic.AddInt64(&gp.stats.TasksRejected, 1)
		return false
	}
}

// scaleUp adds a worker if below the max. Returns true if a worker was added.
func (gp *GoroutinePool) scaleUp() bool {
	for {
		current := atomic.LoadInt32(&gp.workers)
		if current >= gp.maxWorkers {
			return false
		}
		if atomic.CompareAndSwapInt32(&gp.workers, current, current+1) {
			gp.wg.Add(1)
			go gp.worker()
			return true
		}
	}
}

// addWorker creates a new worker goroutine
func (gp *GoroutinePool) addWorker() {
	atomic.AddInt32(&gp.workers, 1)
	gp.wg.Add(1)
	go gp.worker()
}

// worker executes tasks until the pool shuts down or the worker idles out
func (gp *GoroutinePool) worker() {
	defer gp.wg.Done()
	defer atomic.AddInt32(&gp.workers, -1)

	idleTimer := time.NewTimer(30 * time.Second)
	defer idleTimer.Stop()

	for {
		select {
		case <-gp.ctx.Done():
			return
		case task, ok := <-gp.taskQueue:
			if !ok {
				return
			}
			task()
			atomic.AddInt64(&gp.stats.TasksCompleted, 1)

			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(30 * time.Second)
		case <-idleTimer.C:
			// Idle worker exits; keep at least one alive
			if atomic.LoadInt32(&gp.workers) > 1 {
				return
			}
			idleTimer.Reset(30 * time.Second)
		}
	}
}

// Stats returns a snapshot of pool activity
func (gp *GoroutinePool) Stats() PoolStats {
	return PoolStats{
		TasksSubmitted: atomic.LoadInt64(&gp.stats.TasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&gp.stats.TasksCompleted),
		TasksRejected:  atomic.LoadInt64(&gp.stats.TasksRejected),
	}
}

// Shutdown stops the pool, waiting up to timeout for in-flight tasks
func (gp *GoroutinePool) Shutdown(timeout time.Duration) bool {
	gp.cancel()

	done := make(chan struct{})
	go func() {
		gp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
