// Package concurrency wraps alitto/pond behind the small surface the job
// fabric needs: bounded pools with panic recovery and a stats snapshot.
package concurrency

import (
	"time"

	"wholesale_backend/internal/core"

	"github.com/alitto/pond"
)

type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
}

// WorkerPool runs queue handlers on a bounded set of goroutines. A panicking
// task is logged and absorbed; it never takes the consumer loop down.
type WorkerPool struct {
	pool   *pond.WorkerPool
	config PoolConfig
	logger core.ILogger
}

func NewWorkerPool(cfg PoolConfig, logger core.ILogger) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = 100
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	pool := pond.New(
		cfg.MaxWorkers,
		cfg.MaxCapacity,
		pond.MinWorkers(1),
		pond.IdleTimeout(cfg.IdleTimeout),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(p interface{}) {
			logger.Error("worker pool task panicked", "pool", cfg.Name, "panic", p)
		}),
	)

	return &WorkerPool{
		pool:   pool,
		config: cfg,
		logger: logger.WithField("component", "worker_pool").WithField("pool", cfg.Name),
	}
}

// Submit queues a task, blocking the caller while the buffer is full. The
// consumer loop relies on that backpressure to stop pulling from the broker
// faster than handlers drain.
func (wp *WorkerPool) Submit(task func()) {
	wp.pool.Submit(task)
}

// Stop waits for queued and running tasks to finish, then releases the pool.
func (wp *WorkerPool) Stop() {
	wp.pool.StopAndWait()
}

// PoolStats is a point-in-time snapshot of one pool.
type PoolStats struct {
	Running    int    `json:"running"`
	Idle       int    `json:"idle"`
	Waiting    uint64 `json:"waiting"`
	Submitted  uint64 `json:"submitted"`
	Successful uint64 `json:"successful"`
	Failed     uint64 `json:"failed"`
}

func (wp *WorkerPool) Stats() PoolStats {
	return PoolStats{
		Running:    wp.pool.RunningWorkers(),
		Idle:       wp.pool.IdleWorkers(),
		Waiting:    wp.pool.WaitingTasks(),
		Submitted:  wp.pool.SubmittedTasks(),
		Successful: wp.pool.SuccessfulTasks(),
		Failed:     wp.pool.FailedTasks(),
	}
}
