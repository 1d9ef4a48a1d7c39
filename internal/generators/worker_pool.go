package generators

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// ErrPoolFull is returned when the pool queue cannot accept more work.
var ErrPoolFull = errors.New("worker pool queue is full")

// ErrPoolStopped is returned for work submitted after Stop.
var ErrPoolStopped = errors.New("worker pool stopped")

// BlockingFunc is a call that blocks its goroutine, such as a vendor SDK request.
type BlockingFunc func(ctx context.Context) ([]byte, error)

// PoolResult is the outcome of one job
type PoolResult struct {
	ID       string
	Data     []byte
	Error    error
	Duration time.Duration
}

type poolJob struct {
	ID        string
	ctx       context.Context
	fn        BlockingFunc
	resultCh  chan *PoolResult
	CreatedAt time.Time
}

// WorkerPool runs blocking calls on a fixed set of goroutines so a burst of
// SDK requests cannot grow without bound.
type WorkerPool struct {
	jobs       chan *poolJob
	maxWorkers int
	active     atomic.Int32
	started    atomic.Bool
	stopped    atomic.Bool
	mu         sync.RWMutex
	wg         sync.WaitGroup
	logger     *slog.Logger
}

func NewWorkerPool(maxWorkers, queueSize int) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &WorkerPool{
		jobs:       make(chan *poolJob, queueSize),
		maxWorkers: maxWorkers,
		logger:     slog.Default().With("component", "pool"),
	}
}

// Start launches the workers. They exit when ctx is done or Stop is called.
func (p *WorkerPool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.logger.Info("worker pool started", "workers", p.maxWorkers, "queue", cap(p.jobs))
}

// Stop closes the queue and waits for running jobs to finish.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.stopped.CompareAndSwap(false, true) {
		close(p.jobs)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *WorkerPool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			job.resultCh <- p.run(job)
		}
	}
}

func (p *WorkerPool) run(job *poolJob) *PoolResult {
	if err := job.ctx.Err(); err != nil {
		return &PoolResult{ID: job.ID, Error: err}
	}

	p.active.Inc()
	defer p.active.Dec()

	start := time.Now()
	data, err := job.fn(job.ctx)
	return &PoolResult{ID: job.ID, Data: data, Error: err, Duration: time.Since(start)}
}

func (p *WorkerPool) enqueue(job *poolJob) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped.Load() {
		return ErrPoolStopped
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrPoolFull
	}
}

// Do runs fn on a worker and waits for its result or for ctx to end.
func (p *WorkerPool) Do(ctx context.Context, id string, fn BlockingFunc) ([]byte, error) {
	job := &poolJob{
		ID:        id,
		ctx:       ctx,
		fn:        fn,
		resultCh:  make(chan *PoolResult, 1),
		CreatedAt: time.Now(),
	}
	if err := p.enqueue(job); err != nil {
		return nil, err
	}

	select {
	case result := <-job.resultCh:
		p.logger.Debug("job finished", "id", id, "duration", result.Duration, "waited", time.Since(job.CreatedAt)-result.Duration)
		return result.Data, result.Error
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// QueueSize returns the number of jobs waiting for a worker.
func (p *WorkerPool) QueueSize() int {
	return len(p.jobs)
}

func (p *WorkerPool) Workers() int {
	return p.maxWorkers
}

// Active returns the number of jobs currently running.
func (p *WorkerPool) Active() int {
	return int(p.active.Load())
}

// runBlocking dispatches fn to pool, or runs it inline when no pool is configured.
func runBlocking(ctx context.Context, pool *WorkerPool, id string, fn BlockingFunc) ([]byte, error) {
	if pool == nil {
		return fn(ctx)
	}
	return pool.Do(ctx, id, fn)
}
