// Package workerpool provides a bounded worker pool for the audit relay's
// publish fan-out.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is one unit of work. Run returns nil on success; the pool retries
// failures with linear backoff up to the configured limit.
type Task struct {
	ID      string
	Payload any
	Run     func(ctx context.Context) error
}

// ResultFunc receives the terminal outcome of a task.
type ResultFunc func(task *Task, err error)

// Config holds worker pool configuration.
type Config struct {
	// Workers is the number of concurrent workers.
	Workers int
	// QueueSize bounds the pending task queue.
	QueueSize int
	// MaxRetries is the retry limit per task.
	MaxRetries int
	// RetryDelay is the base delay between retries.
	RetryDelay time.Duration
	// ShutdownTimeout bounds how long Stop waits for in-flight tasks.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns defaults for outbox publishing.
func DefaultConfig() Config {
	return Config{
		Workers:         16,
		QueueSize:       1024,
		MaxRetries:      3,
		RetryDelay:      100 * time.Millisecond,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Pool runs tasks on a fixed set of workers.
type Pool struct {
	config Config
	onDone ResultFunc
	logger *zap.Logger

	tasks chan *Task
	wg    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	submitted int64
	completed int64
	failed    int64
	retried   int64
}

// New creates a pool. onDone may be nil when callers do not need per-task
// outcomes.
func New(cfg Config, onDone ResultFunc, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		config: cfg,
		onDone: onDone,
		logger: logger,
		tasks:  make(chan *Task, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit enqueues a task without blocking. A full queue is an error so the
// caller can leave the work where it is and try again on the next poll.
func (p *Pool) Submit(task *Task) error {
	select {
	case <-p.ctx.Done():
		return fmt.Errorf("pool is shutting down")
	default:
	}

	select {
	case p.tasks <- task:
		atomic.AddInt64(&p.submitted, 1)
		return nil
	default:
		return fmt.Errorf("task queue is full")
	}
}

// Stop drains in-flight tasks and shuts the workers down.
func (p *Pool) Stop() {
	p.cancel()
	close(p.tasks)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped")
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out")
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for task := range p.tasks {
		err := p.runWithRetry(task)
		if err == nil {
			atomic.AddInt64(&p.completed, 1)
		} else {
			atomic.AddInt64(&p.failed, 1)
			p.logger.Error("task failed",
				zap.String("task_id", task.ID),
				zap.Int("worker_id", id),
				zap.Error(err))
		}
		if p.onDone != nil {
			p.onDone(task, err)
		}
	}
}

func (p *Pool) runWithRetry(task *Task) error {
	var err error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if p.ctx.Err() != nil && attempt > 0 {
			return p.ctx.Err()
		}

		err = task.Run(p.ctx)
		if err == nil {
			return nil
		}

		if attempt < p.config.MaxRetries {
			atomic.AddInt64(&p.retried, 1)
			p.logger.Debug("retrying task",
				zap.String("task_id", task.ID),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			time.Sleep(p.config.RetryDelay * time.Duration(attempt+1))
		}
	}
	return fmt.Errorf("task failed after %d retries: %w", p.config.MaxRetries, err)
}

// Stats holds pool counters.
type Stats struct {
	Submitted int64
	Completed int64
	Failed    int64
	Retried   int64
	Pending   int
	Workers   int
}

// Stats returns current pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: atomic.LoadInt64(&p.submitted),
		Completed: atomic.LoadInt64(&p.completed),
		Failed:    atomic.LoadInt64(&p.failed),
		Retried:   atomic.LoadInt64(&p.retried),
		Pending:   len(p.tasks),
		Workers:   p.config.Workers,
	}
}
