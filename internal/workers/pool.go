// Package workers provides the bounded goroutine pool used by the batch jobs.
// Assets in a scan cycle and predictions in an evaluation pass are fanned out
// through a Pool so that slow upstreams cannot spawn unbounded goroutines.
package workers

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task represents a unit of work to be processed
type Task interface {
	Execute(ctx context.Context) error
}

// TaskFunc is a function that can be used as a Task
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Execute(ctx context.Context) error { return f(ctx) }

// Pool manages a pool of worker goroutines
type Pool struct {
	logger *zap.Logger
	config *PoolConfig

	mu        sync.RWMutex
	taskQueue chan Task
	wg        sync.WaitGroup

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	timedOut  atomic.Int64
	panics    atomic.Int64

	onTaskDone func(name string, elapsed time.Duration, err error)
}

// PoolConfig configures the worker pool
type PoolConfig struct {
	Name            string        // Pool name for logging
	NumWorkers      int           // Number of worker goroutines
	QueueSize       int           // Size of the task queue
	TaskTimeout     time.Duration // Timeout for individual tasks
	ShutdownTimeout time.Duration // Timeout for graceful shutdown
	PanicRecovery   bool          // Enable panic recovery in workers
}

// DefaultPoolConfig returns sensible defaults for I/O bound batch work.
func DefaultPoolConfig(name string) *PoolConfig {
	return &PoolConfig{
		Name:            name,
		NumWorkers:      runtime.NumCPU() * 2,
		QueueSize:       1024,
		TaskTimeout:     30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		PanicRecovery:   true,
	}
}

// PoolStats contains pool statistics
type PoolStats struct {
	Name           string `json:"name"`
	Workers        int    `json:"workers"`
	Queued         int    `json:"queued"`
	TasksSubmitted int64  `json:"tasks_submitted"`
	TasksCompleted int64  `json:"tasks_completed"`
	TasksFailed    int64  `json:"tasks_failed"`
	TasksTimeout   int64  `json:"tasks_timeout"`
	PanicRecovered int64  `json:"panic_recovered"`
}

// NewPool creates a new worker pool
func NewPool(logger *zap.Logger, config *PoolConfig) *Pool {
	if config == nil {
		config = DefaultPoolConfig("default")
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}
	if config.QueueSize <= 0 {
		config.QueueSize = config.NumWorkers
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		logger:    logger.Named("pool").With(zap.String("pool", config.Name)),
		config:    config,
		taskQueue: make(chan Task, config.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// OnTaskDone registers a hook invoked after every task. It must be set before Start.
func (p *Pool) OnTaskDone(fn func(name string, elapsed time.Duration, err error)) {
	p.onTaskDone = fn
}

// Start initializes and starts all workers
func (p *Pool) Start() {
	if p.running.Swap(true) {
		return
	}

	p.logger.Info("Starting worker pool",
		zap.Int("workers", p.config.NumWorkers),
		zap.Int("queue_size", p.config.QueueSize),
	)

	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.work(i)
	}
}

// work drains the queue until it is closed
func (p *Pool) work(id int) {
	defer p.wg.Done()

	logger := p.logger.With(zap.Int("worker_id", id))
	for task := range p.taskQueue {
		p.execute(logger, task)
	}
}

// execute runs a single task with timeout and panic recovery
func (p *Pool) execute(logger *zap.Logger, task Task) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(p.ctx, p.config.TaskTimeout)
	defer cancel()

	err := p.safeExecute(ctx, logger, task)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		p.completed.Add(1)
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil:
		p.timedOut.Add(1)
		logger.Warn("Task timed out", zap.Duration("timeout", p.config.TaskTimeout))
	default:
		p.failed.Add(1)
		logger.Debug("Task failed", zap.Error(err))
	}

	if p.onTaskDone != nil {
		p.onTaskDone(p.config.Name, elapsed, err)
	}
}

func (p *Pool) safeExecute(ctx context.Context, logger *zap.Logger, task Task) (err error) {
	if p.config.PanicRecovery {
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				logger.Error("Worker recovered from panic", zap.Any("panic", r))
				err = &PanicError{Recovered: r}
			}
		}()
	}
	return task.Execute(ctx)
}

// Submit adds a task to the queue without blocking
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.running.Load() {
		return ErrPoolStopped
	}

	select {
	case p.taskQueue <- task:
		p.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitFunc submits a function as a task
func (p *Pool) SubmitFunc(fn func(ctx context.Context) error) error {
	return p.Submit(TaskFunc(fn))
}

// submitBlocking waits for queue capacity or ctx cancellation
func (p *Pool) submitBlocking(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.running.Load() {
		return ErrPoolStopped
	}

	select {
	case p.taskQueue <- task:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes fn for every index in [0, n) on the pool and waits for all of
// them. Failures of individual items do not stop the others; they are
// collected into a BatchError.
func (p *Pool) Run(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	record := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		task := TaskFunc(func(taskCtx context.Context) error {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					record(&PanicError{Recovered: r})
					panic(r)
				}
			}()
			if err := ctx.Err(); err != nil {
				record(err)
				return err
			}

			merged, cancel := context.WithCancel(taskCtx)
			stop := context.AfterFunc(ctx, cancel)
			defer stop()
			defer cancel()

			if err := fn(merged, i); err != nil {
				record(fmt.Errorf("item %d: %w", i, err))
				return err
			}
			return nil
		})

		if err := p.submitBlocking(ctx, task); err != nil {
			wg.Done()
			record(err)
			// Remaining items cannot be queued either.
			for j := i + 1; j < n; j++ {
				record(err)
			}
			break
		}
	}

	wg.Wait()

	if len(errs) > 0 {
		return &BatchError{Errors: errs}
	}
	return nil
}

// Stop closes the queue, lets workers drain it and waits up to ShutdownTimeout.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if !p.running.Swap(false) {
		p.mu.Unlock()
		return nil
	}
	close(p.taskQueue)
	p.mu.Unlock()

	p.logger.Info("Stopping worker pool")

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("Worker pool stopped gracefully")
		return nil

	case <-time.After(p.config.ShutdownTimeout):
		p.cancel()
		p.logger.Warn("Worker pool shutdown timed out",
			zap.Duration("timeout", p.config.ShutdownTimeout),
		)
		return ErrShutdownTimeout
	}
}

// IsRunning returns whether the pool is running
func (p *Pool) IsRunning() bool {
	return p.running.Load()
}

// Stats returns current pool statistics
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Name:           p.config.Name,
		Workers:        p.config.NumWorkers,
		Queued:         len(p.taskQueue),
		TasksSubmitted: p.submitted.Load(),
		TasksCompleted: p.completed.Load(),
		TasksFailed:    p.failed.Load(),
		TasksTimeout:   p.timedOut.Load(),
		PanicRecovered: p.panics.Load(),
	}
}

// Errors
var (
	ErrPoolStopped     = &PoolError{Message: "pool is stopped"}
	ErrQueueFull       = &PoolError{Message: "task queue is full"}
	ErrShutdownTimeout = &PoolError{Message: "shutdown timed out"}
)

// PoolError represents a pool error
type PoolError struct {
	Message string
}

func (e *PoolError) Error() string { return e.Message }

// PanicError represents a recovered panic
type PanicError struct {
	Recovered interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic recovered: %v", e.Recovered)
}

// BatchError contains the per-item errors of a Run call
type BatchError struct {
	Errors []error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%d batch items failed", len(e.Errors))
}

func (e *BatchError) Unwrap() []error { return e.Errors }
