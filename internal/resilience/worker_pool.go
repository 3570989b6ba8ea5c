package resilience

import (
	"context"
	"sync/atomic"

	"github.com/g0v/realtime-relay/internal/logging"
)

// WorkerPool bounds concurrent execution of submitted tasks across a fixed
// number of goroutines, adapted from the WorkerPool embedded in the
// teacher's internal/aws/stream_manager.go. It backs MAX_CONCURRENT_TRANSLATE.
type WorkerPool struct {
	taskQueue chan func()
	active    int64
	closed    int32
	done      chan struct{}
}

// NewWorkerPool starts workers goroutines draining a task queue of the
// given capacity.
func NewWorkerPool(workers, queueCapacity int) *WorkerPool {
	wp := &WorkerPool{
		taskQueue: make(chan func(), queueCapacity),
		done:      make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		go wp.worker()
	}
	return wp
}

func (wp *WorkerPool) worker() {
	for task := range wp.taskQueue {
		wp.runSafely(task)
	}
}

func (wp *WorkerPool) runSafely(task func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.Tag("worker-pool").Sugar().Errorw("task panicked", "panic", r)
		}
		atomic.AddInt64(&wp.active, -1)
	}()
	atomic.AddInt64(&wp.active, 1)
	task()
}

// Submit enqueues task, blocking until a slot is available or ctx is done.
func (wp *WorkerPool) Submit(ctx context.Context, task func()) error {
	if atomic.LoadInt32(&wp.closed) == 1 {
		return context.Canceled
	}
	select {
	case wp.taskQueue <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active returns the number of tasks currently executing.
func (wp *WorkerPool) Active() int64 {
	return atomic.LoadInt64(&wp.active)
}

// Close stops accepting new tasks. In-flight tasks run to completion.
func (wp *WorkerPool) Close() {
	if atomic.CompareAndSwapInt32(&wp.closed, 0, 1) {
		close(wp.taskQueue)
		close(wp.done)
	}
}
