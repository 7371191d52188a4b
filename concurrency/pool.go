package concurrency

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolStopped is returned when submitting to a stopped pool
var ErrPoolStopped = errors.New("worker pool stopped")

// WorkerPool manages a pool of workers to limit concurrent deliveries
type WorkerPool struct {
	maxWorkers int
	taskQueue  chan func()
	wg         sync.WaitGroup
	stopCh     chan struct{}
	stopOnce   sync.Once
	started    bool
	stopped    bool
	mu         sync.RWMutex
}

// NewWorkerPool creates a new worker pool with the specified max workers
// and queue capacity
func NewWorkerPool(maxWorkers, queueSize int) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = 4 // default
	}
	if queueSize <= 0 {
		queueSize = maxWorkers * 2
	}

	return &WorkerPool{
		maxWorkers: maxWorkers,
		taskQueue:  make(chan func(), queueSize),
		stopCh:     make(chan struct{}),
	}
}

// Start starts the worker pool
func (p *WorkerPool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started || p.stopped {
		return
	}

	p.started = true

	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// worker runs queued tasks until the queue is closed
func (p *WorkerPool) worker() {
	defer p.wg.Done()

	for task := range p.taskQueue {
		task()
	}
}

// Submit queues a task, blocking while the queue is full.
// A pool that was never started runs the task synchronously.
func (p *WorkerPool) Submit(ctx context.Context, task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrPoolStopped
	}
	if !p.started {
		task()
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopCh:
		return ErrPoolStopped
	case p.taskQueue <- task:
		return nil
	}
}

// Stop stops accepting tasks, runs the queued ones and waits for the workers to finish
func (p *WorkerPool) Stop() {
	// unblock submitters waiting on a full queue before taking the write lock
	p.stopOnce.Do(func() { close(p.stopCh) })

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	started := p.started
	close(p.taskQueue)
	p.mu.Unlock()

	if started {
		p.wg.Wait()
	}
}

// QueueLength returns the current number of tasks in the queue
func (p *WorkerPool) QueueLength() int {
	return len(p.taskQueue)
}

// MaxWorkers returns the maximum number of workers in the pool
func (p *WorkerPool) MaxWorkers() int {
	return p.maxWorkers
}
