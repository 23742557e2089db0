package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/therealutkarshpriyadarshi/logwatch/internal/metrics"
)

var (
	ErrPoolClosed = errors.New("worker pool is closed")
	ErrJobTimeout = errors.New("job execution timeout")
)

// JobFunc is a unit of work. The context carries the job timeout.
type JobFunc func(ctx context.Context) error

// PoolConfig holds configuration for the worker pool
type PoolConfig struct {
	NumWorkers int
	QueueSize  int
	JobTimeout time.Duration // zero disables the per-job timeout
	Metrics    *metrics.Collector
}

// WorkerPool runs jobs on a fixed number of workers
type WorkerPool struct {
	config   PoolConfig
	jobQueue chan *job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	// mu guards closed; Go holds it for reading while it enqueues
	mu     sync.RWMutex
	closed bool

	// Metrics
	jobsProcessed uint64
	jobsFailed    uint64
	jobsTimeout   uint64
	workersActive int64
}

// job represents a unit of work
type job struct {
	fn        JobFunc
	ctx       context.Context
	resultCh  chan error
	createdAt time.Time
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(config PoolConfig) *WorkerPool {
	if config.NumWorkers <= 0 {
		config.NumWorkers = 4 // Default
	}

	if config.QueueSize <= 0 {
		config.QueueSize = config.NumWorkers * 4
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		config:   config,
		jobQueue: make(chan *job, config.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start starts all workers in the pool
func (p *WorkerPool) Start() {
	p.config.Metrics.SetWorkers(p.config.NumWorkers)
	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.run()
	}
}

// Go queues fn and returns a channel that receives its result. It blocks
// while the queue is full. The job sees ctx cancellation as well as the
// pool's own shutdown.
func (p *WorkerPool) Go(ctx context.Context, fn JobFunc) (<-chan error, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrPoolClosed
	}

	j := &job{
		fn:        fn,
		ctx:       ctx,
		resultCh:  make(chan error, 1),
		createdAt: time.Now(),
	}

	select {
	case p.jobQueue <- j:
		return j.resultCh, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.ctx.Done():
		return nil, ErrPoolClosed
	}
}

// Submit queues fn and waits for its result
func (p *WorkerPool) Submit(ctx context.Context, fn JobFunc) error {
	resultCh, err := p.Go(ctx, fn)
	if err != nil {
		return err
	}
	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrPoolClosed
	}
}

// Done is closed once the pool is stopping
func (p *WorkerPool) Done() <-chan struct{} {
	return p.ctx.Done()
}

// Stop cancels running jobs and waits for all workers to finish
func (p *WorkerPool) Stop() {
	p.once.Do(func() {
		p.cancel()
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		p.wg.Wait()
		// jobs queued while the workers were exiting
		p.drain()
	})
}

// run is the main worker loop
func (p *WorkerPool) run() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			p.drain()
			return
		case j := <-p.jobQueue:
			p.processJob(j)
		}
	}
}

// drain fails jobs still queued at shutdown so no caller waits forever
func (p *WorkerPool) drain() {
	for {
		select {
		case j := <-p.jobQueue:
			j.resultCh <- ErrPoolClosed
		default:
			return
		}
	}
}

// processJob processes a single job
func (p *WorkerPool) processJob(j *job) {
	atomic.AddInt64(&p.workersActive, 1)
	defer atomic.AddInt64(&p.workersActive, -1)

	ctx, cancel := context.WithCancel(j.ctx)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	if p.config.JobTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, p.config.JobTimeout)
		defer cancelTimeout()
	}

	start := time.Now()
	err := p.execute(ctx, j)
	if err == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = ErrJobTimeout
	}

	atomic.AddUint64(&p.jobsProcessed, 1)
	status := "success"
	switch {
	case errors.Is(err, ErrJobTimeout) || errors.Is(err, context.DeadlineExceeded):
		atomic.AddUint64(&p.jobsTimeout, 1)
		atomic.AddUint64(&p.jobsFailed, 1)
		status = "timeout"
	case err != nil:
		atomic.AddUint64(&p.jobsFailed, 1)
		status = "failed"
	}
	p.config.Metrics.RecordJob(status, time.Since(start))

	j.resultCh <- err
}

// execute runs the job and turns a panic into an error
func (p *WorkerPool) execute(ctx context.Context, j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return j.fn(ctx)
}

// PanicError wraps a value recovered from a panicking job
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string {
	return "job panicked: " + toString(e.Value)
}

func toString(v interface{}) string {
	switch x := v.(type) {
	case error:
		return x.Error()
	case string:
		return x
	default:
		return "unknown panic value"
	}
}

// Metrics returns worker pool statistics
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		NumWorkers:    p.config.NumWorkers,
		JobsProcessed: atomic.LoadUint64(&p.jobsProcessed),
		JobsFailed:    atomic.LoadUint64(&p.jobsFailed),
		JobsTimeout:   atomic.LoadUint64(&p.jobsTimeout),
		WorkersActive: atomic.LoadInt64(&p.workersActive),
		QueueSize:     len(p.jobQueue),
		QueueCapacity: cap(p.jobQueue),
	}
}

// PoolMetrics holds worker pool statistics
type PoolMetrics struct {
	NumWorkers    int
	JobsProcessed uint64
	JobsFailed    uint64
	JobsTimeout   uint64
	WorkersActive int64
	QueueSize     int
	QueueCapacity int
}

// SuccessRate returns the job success rate percentage (0-100)
func (m PoolMetrics) SuccessRate() float64 {
	total := m.JobsProcessed
	if total == 0 {
		return 100.0
	}
	successful := total - m.JobsFailed
	return (float64(successful) / float64(total)) * 100.0
}
