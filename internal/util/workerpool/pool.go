// Package workerpool provides a bounded goroutine pool for the engine's
// background work: demotions, replication checks, integrity sampling.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task represents a unit of background work
type Task struct {
	ID      string
	Fn      func(context.Context) error
	Context context.Context
}

// WorkerPool manages a bounded pool of goroutines executing tasks
type WorkerPool struct {
	name       string
	maxWorkers int
	taskQueue  chan Task
	logger     *zap.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopChan chan struct{}

	mu             sync.Mutex
	totalTasks     uint64
	completedTasks uint64
	failedTasks    uint64
	rejectedTasks  uint64
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
}

// New creates and starts a worker pool
func New(cfg *Config) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	pool := &WorkerPool{
		name:       cfg.Name,
		maxWorkers: cfg.MaxWorkers,
		taskQueue:  make(chan Task, cfg.QueueSize),
		logger:     cfg.Logger,
		stopChan:   make(chan struct{}),
	}

	for i := 0; i < pool.maxWorkers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	pool.logger.Info("Worker pool started",
		zap.String("name", pool.name),
		zap.Int("max_workers", cfg.MaxWorkers),
		zap.Int("queue_size", cfg.QueueSize))

	return pool
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			return
		case task := <-p.taskQueue:
			p.executeTask(id, task)
		}
	}
}

func (p *WorkerPool) executeTask(workerID int, task Task) {
	start := time.Now()
	err := p.safeExecute(task)
	duration := time.Since(start)

	p.mu.Lock()
	if err != nil {
		p.failedTasks++
	} else {
		p.completedTasks++
	}
	p.mu.Unlock()

	if err != nil {
		p.logger.Error("Task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", task.ID),
			zap.Duration("duration", duration),
			zap.Error(err))
	} else {
		p.logger.Debug("Task completed",
			zap.String("pool", p.name),
			zap.String("task_id", task.ID),
			zap.Duration("duration", duration))
	}
}

// safeExecute runs a task with panic recovery so a bad background job
// cannot take down the process.
func (p *WorkerPool) safeExecute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			p.logger.Error("Task panic recovered",
				zap.String("pool", p.name),
				zap.String("task_id", task.ID),
				zap.Any("panic", r))
		}
	}()

	if task.Context == nil {
		task.Context = context.Background()
	}
	return task.Fn(task.Context)
}

// TrySubmit attempts to enqueue a task without blocking. Returns false
// when the queue is full or the pool is stopped.
func (p *WorkerPool) TrySubmit(task Task) bool {
	select {
	case <-p.stopChan:
		p.reject()
		return false
	case p.taskQueue <- task:
		p.mu.Lock()
		p.totalTasks++
		p.mu.Unlock()
		return true
	default:
		p.reject()
		return false
	}
}

// SubmitWithContext enqueues a task, blocking until accepted, the
// context is canceled, or the pool stops.
func (p *WorkerPool) SubmitWithContext(ctx context.Context, task Task) error {
	select {
	case <-p.stopChan:
		p.reject()
		return fmt.Errorf("worker pool '%s' is stopped", p.name)
	case <-ctx.Done():
		p.reject()
		return ctx.Err()
	case p.taskQueue <- task:
		p.mu.Lock()
		p.totalTasks++
		p.mu.Unlock()
		return nil
	}
}

func (p *WorkerPool) reject() {
	p.mu.Lock()
	p.rejectedTasks++
	p.mu.Unlock()
}

// Stop gracefully stops the pool, waiting up to timeout for in-flight
// tasks to finish.
func (p *WorkerPool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		p.logger.Info("Stopping worker pool", zap.String("name", p.name))
		close(p.stopChan)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool '%s' stop timeout after %v", p.name, timeout)
			p.logger.Warn("Worker pool stop timeout", zap.String("name", p.name))
		}
	})
	return err
}

// Stats represents worker pool statistics
type Stats struct {
	Name           string
	MaxWorkers     int
	QueuedTasks    int
	TotalTasks     uint64
	CompletedTasks uint64
	FailedTasks    uint64
	RejectedTasks  uint64
}

// Stats returns current pool statistics
func (p *WorkerPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Name:           p.name,
		MaxWorkers:     p.maxWorkers,
		QueuedTasks:    len(p.taskQueue),
		TotalTasks:     p.totalTasks,
		CompletedTasks: p.completedTasks,
		FailedTasks:    p.failedTasks,
		RejectedTasks:  p.rejectedTasks,
	}
}
