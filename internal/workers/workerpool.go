package workers

import (
	"sync"
)

// WorkerPool runs fan-out jobs (engagement count fetches, profile
// hydration) on a fixed set of workers with a bounded queue.
type WorkerPool struct {
	jobCh chan func()
	wg    sync.WaitGroup
	once  sync.Once

	mu     sync.RWMutex
	closed bool
}

// NewWorkerPool starts workerCount workers over a queue of jobBufferSize.
func NewWorkerPool(workerCount, jobBufferSize int) *WorkerPool {
	wp := &WorkerPool{
		jobCh: make(chan func(), jobBufferSize),
	}
	for i := 0; i < workerCount; i++ {
		go wp.worker()
	}
	return wp
}

func (wp *WorkerPool) worker() {
	for job := range wp.jobCh {
		job()
	}
}

// AddJob enqueues a job without blocking; a full or stopped queue drops
// the job and returns false so the caller can degrade instead of stalling.
func (wp *WorkerPool) AddJob(job func()) bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.closed {
		return false
	}
	wp.wg.Add(1)
	select {
	case wp.jobCh <- func() {
		defer wp.wg.Done()
		job()
	}:
		return true
	default:
		wp.wg.Done()
		return false
	}
}

// Wait blocks until every accepted job has finished.
func (wp *WorkerPool) Wait() {
	wp.wg.Wait()
}

// Stop closes the queue and waits for in-flight jobs. Jobs submitted
// afterwards are rejected, never panicked on.
func (wp *WorkerPool) Stop() {
	wp.once.Do(func() {
		wp.mu.Lock()
		wp.closed = true
		wp.mu.Unlock()
		close(wp.jobCh)
		wp.wg.Wait()
	})
}
