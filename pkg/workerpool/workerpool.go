// Package workerpool provides a bounded generic worker pool for
// executing device jobs concurrently.
package workerpool

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/nce-project/nce/pkg/lg"
)

const DefaultMaxWorkers = 10

type JobFunc[T any] func(T) error

type Job[T any] struct {
	Payload     T
	Fn          JobFunc[T]
	Ctx         context.Context
	CleanupFunc func()
}

// Pool runs jobs on a fixed number of workers. Jobs are never retried:
// a configuration session that failed must not be replayed blindly.
type Pool[T any] struct {
	jobs          chan Job[T]
	activeWorkers int32
	wg            sync.WaitGroup
	mu            sync.RWMutex
	stopped       bool
}

func NewPool[T any](maxWorkers int) *Pool[T] {
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	pool := &Pool[T]{
		jobs: make(chan Job[T], maxWorkers),
	}
	pool.wg.Add(maxWorkers)
	for i := 0; i < maxWorkers; i++ {
		go pool.worker()
	}
	return pool
}

// Stop rejects new submissions and waits for in-flight jobs to finish.
func (p *Pool[T]) Stop() {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.jobs)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Submit queues a job for execution. It blocks while the queue is full
// and reports whether the job was accepted.
func (p *Pool[T]) Submit(job Job[T]) bool {
	logger := lg.FromContext(job.Ctx)
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		logger.Warn("worker pool is shutting down, job rejected")
		return false
	}
	p.jobs <- job
	logger.Debug("job submitted")
	return true
}

func (p *Pool[T]) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		p.run(job)
	}
}

func (p *Pool[T]) run(job Job[T]) {
	atomic.AddInt32(&p.activeWorkers, 1)
	defer atomic.AddInt32(&p.activeWorkers, -1)
	defer func() {
		if job.CleanupFunc != nil {
			job.CleanupFunc()
		}
	}()

	logger := lg.FromContext(job.Ctx)
	if job.Ctx != nil && job.Ctx.Err() != nil {
		logger.Info("job canceled before start", lg.Err(job.Ctx.Err()))
		return
	}
	logger.Debug("worker started",
		lg.Int("workers", int(atomic.LoadInt32(&p.activeWorkers))))

	if err := job.Fn(job.Payload); err != nil {
		logger.Error("job failed", lg.Err(err))
		return
	}
	logger.Debug("worker finished",
		lg.Int("workers", int(atomic.LoadInt32(&p.activeWorkers))))
}

func (p *Pool[T]) ActiveWorkers() int32 {
	return atomic.LoadInt32(&p.activeWorkers)
}
