// Package jobs is the asynchronous job fabric: at-least-once execution with
// per-queue concurrency, retry with exponential backoff, rate caps and a
// dead-letter sink. Request handlers only enqueue; workers do the work.
//
// With a reachable broker the fabric runs durable Redis-backed queues. When
// the broker is absent or unreachable at startup it degrades to a synchronous
// in-memory executor with the same submit API.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"wholesale_backend/internal/core"
	"wholesale_backend/internal/store"
	"wholesale_backend/pkg/concurrency"
	apperrors "wholesale_backend/pkg/errors"
	"wholesale_backend/pkg/retry"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Handler processes one job. Returning an error wrapped with
// apperrors.Permanent skips retries and dead-letters the job immediately;
// everything else is retried until the queue's attempt budget runs out.
type Handler func(ctx context.Context, job *core.Job) error

const (
	ModeRedis = "redis"
	ModeSync  = "sync"

	brokerPingTimeout = 3 * time.Second
	consumerPollWait  = 2 * time.Second
	promoteInterval   = time.Second
	promoteBatch      = 100
)

type Fabric struct {
	byQueue map[string]QueueConfig
	store   *store.Store
	logger  core.ILogger
	clock   core.IClock

	rdb *redis.Client // nil in sync mode

	mu       sync.RWMutex
	handlers map[string]Handler

	pools    map[string]*concurrency.WorkerPool
	limiters map[string]*rate.Limiter

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ core.IJobFabric = (*Fabric)(nil)

// New connects to the broker when brokerURL is set. A broker that is down at
// startup is not fatal: the fabric comes up in sync mode so the process stays
// live, trading durability for availability.
func New(brokerURL string, st *store.Store, logger core.ILogger, clock core.IClock) *Fabric {
	if clock == nil {
		clock = core.SystemClock{}
	}
	f := &Fabric{
		byQueue:  queueTable(),
		store:    st,
		logger:   logger.WithField("component", "job_fabric"),
		clock:    clock,
		handlers: make(map[string]Handler),
		pools:    make(map[string]*concurrency.WorkerPool),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, q := range Queues {
		if q.RateLimit > 0 {
			f.limiters[q.Name] = rate.NewLimiter(q.RateLimit, q.Concurrency)
		}
	}

	if brokerURL == "" {
		f.logger.Warn("no broker configured, running in synchronous mode")
		return f
	}
	opts, err := redis.ParseURL(brokerURL)
	if err != nil {
		f.logger.Error("invalid broker url, falling back to synchronous mode", "error", err)
		return f
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), brokerPingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		f.logger.Error("broker unreachable, falling back to synchronous mode", "error", err)
		_ = client.Close()
		return f
	}
	f.rdb = client
	return f
}

// Mode reports "redis" or "sync" for operators.
func (f *Fabric) Mode() string {
	if f.rdb != nil {
		return ModeRedis
	}
	return ModeSync
}

// Broker exposes the underlying client for health probes, nil in sync mode.
func (f *Fabric) Broker() *redis.Client {
	return f.rdb
}

// Register binds a job type to its handler. All registrations must happen
// before Start.
func (f *Fabric) Register(jobType string, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[jobType] = h
}

func (f *Fabric) handler(jobType string) Handler {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.handlers[jobType]
}

// Enqueue submits a job for immediate execution. In sync mode the job runs
// inline, including its retry schedule.
func (f *Fabric) Enqueue(ctx context.Context, queue, jobType string, payload []byte) (string, error) {
	job := f.newJob(queue, jobType, payload)
	if f.rdb == nil {
		return job.ID, f.runInline(ctx, job)
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to encode job: %w", err)
	}
	if err := f.rdb.LPush(ctx, listKey(queue), raw).Err(); err != nil {
		return "", apperrors.Transient(fmt.Errorf("failed to enqueue to %s: %w", queue, err))
	}
	return job.ID, nil
}

// EnqueueDelayed submits a job that becomes runnable after delay.
func (f *Fabric) EnqueueDelayed(ctx context.Context, queue, jobType string, payload []byte, delay time.Duration) (string, error) {
	job := f.newJob(queue, jobType, payload)
	if f.rdb == nil {
		f.wg.Add(1)
		time.AfterFunc(delay, func() {
			defer f.wg.Done()
			if err := f.runInline(context.Background(), job); err != nil {
				f.logger.Error("delayed job failed", "queue", queue, "job_type", jobType, "error", err)
			}
		})
		return job.ID, nil
	}
	return job.ID, f.schedule(ctx, job, delay)
}

func (f *Fabric) schedule(ctx context.Context, job *core.Job, delay time.Duration) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	readyAt := float64(f.clock.Now().Add(delay).UnixMilli())
	err = f.rdb.ZAdd(ctx, delayedKey(job.Queue), redis.Z{Score: readyAt, Member: raw}).Err()
	if err != nil {
		return apperrors.Transient(fmt.Errorf("failed to schedule on %s: %w", job.Queue, err))
	}
	return nil
}

func (f *Fabric) newJob(queue, jobType string, payload []byte) *core.Job {
	return &core.Job{
		ID:         uuid.NewString(),
		Queue:      queue,
		Type:       jobType,
		Payload:    payload,
		Attempt:    1,
		EnqueuedAt: f.clock.Now().UTC(),
	}
}

// Start launches one consumer and one delayed-job promoter per queue. In sync
// mode there is nothing to run.
func (f *Fabric) Start(ctx context.Context) {
	if f.rdb == nil {
		return
	}
	ctx, f.cancel = context.WithCancel(ctx)
	for _, q := range Queues {
		f.reclaim(ctx, q.Name)

		pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        q.Name,
			MaxWorkers:  q.Concurrency,
			MaxCapacity: q.Concurrency * 4,
		}, f.logger)
		f.pools[q.Name] = pool

		f.wg.Add(2)
		go f.consume(ctx, q, pool)
		go f.promote(ctx, q)
	}
	f.logger.Info("job fabric started", "mode", ModeRedis, "queues", len(Queues))
}

// Stop drains workers and closes the broker connection.
func (f *Fabric) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()
	for _, pool := range f.pools {
		pool.Stop()
	}
	if f.rdb != nil {
		_ = f.rdb.Close()
	}
}

// reclaim pushes deliveries parked in the processing list by a crashed run
// back onto the ready list. Runs once per queue before consumers start.
func (f *Fabric) reclaim(ctx context.Context, queue string) {
	n := 0
	for {
		_, err := f.rdb.LMove(ctx, processingKey(queue), listKey(queue), "RIGHT", "LEFT").Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				f.logger.Error("failed to reclaim in-flight jobs", "queue", queue, "error", err)
			}
			break
		}
		n++
	}
	if n > 0 {
		f.logger.Warn("reclaimed in-flight jobs from previous run", "queue", queue, "count", n)
	}
}

// consume moves each delivery into the processing list before handling it, so
// a crash mid-handler leaves the job reclaimable instead of lost. The delivery
// is acknowledged by removal only after execute returns; execute itself owns
// rescheduling of failed attempts.
func (f *Fabric) consume(ctx context.Context, q QueueConfig, pool *concurrency.WorkerPool) {
	defer f.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		if lim := f.limiters[q.Name]; lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return
			}
		}
		raw, err := f.rdb.BLMove(ctx, listKey(q.Name), processingKey(q.Name), "RIGHT", "LEFT", consumerPollWait).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			f.logger.Error("broker read failed", "queue", q.Name, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(consumerPollWait):
			}
			continue
		}

		var job core.Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			f.logger.Error("dropping undecodable job", "queue", q.Name, "error", err)
			f.rdb.LRem(context.Background(), processingKey(q.Name), 1, raw)
			continue
		}
		delivery := raw
		pool.Submit(func() {
			f.execute(ctx, q, &job)
			f.rdb.LRem(context.Background(), processingKey(q.Name), 1, delivery)
		})
	}
}

// promote moves due jobs from the delayed set onto the ready list.
func (f *Fabric) promote(ctx context.Context, q QueueConfig) {
	defer f.wg.Done()
	ticker := time.NewTicker(promoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := fmt.Sprintf("%d", f.clock.Now().UnixMilli())
		due, err := f.rdb.ZRangeByScore(ctx, delayedKey(q.Name), &redis.ZRangeBy{
			Min: "0", Max: now, Count: promoteBatch,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				f.logger.Error("delayed promotion failed", "queue", q.Name, "error", err)
			}
			continue
		}
		for _, raw := range due {
			// ZRem first so concurrent promoters never double-deliver
			removed, err := f.rdb.ZRem(ctx, delayedKey(q.Name), raw).Result()
			if err != nil || removed == 0 {
				continue
			}
			if err := f.rdb.LPush(ctx, listKey(q.Name), raw).Err(); err != nil {
				f.logger.Error("failed to promote delayed job", "queue", q.Name, "error", err)
			}
		}
	}
}

// execute runs one delivery attempt and applies the retry/DLQ rules.
func (f *Fabric) execute(ctx context.Context, q QueueConfig, job *core.Job) {
	start := f.clock.Now()
	f.logger.Info("job started", "queue", job.Queue, "job_type", job.Type, "job_id", job.ID, "attempt", job.Attempt)

	stack, err := f.invoke(ctx, q, job)
	if err == nil {
		f.logger.Info("job completed",
			"queue", job.Queue, "job_type", job.Type, "job_id", job.ID,
			"attempt", job.Attempt, "duration_ms", time.Since(start).Milliseconds())
		return
	}

	f.logger.Error("job failed",
		"queue", job.Queue, "job_type", job.Type, "job_id", job.ID,
		"attempt", job.Attempt, "error", err)

	if errors.Is(err, apperrors.ErrPermanent) || job.Attempt >= q.MaxAttempts {
		f.deadLetter(job, err, stack)
		return
	}

	delay := retry.RetryPolicy{
		MaxAttempts:    q.MaxAttempts,
		InitialBackoff: q.BackoffBase,
		MaxBackoff:     q.BackoffMax,
	}.BackoffAt(job.Attempt)
	job.Attempt++
	if err := f.schedule(context.Background(), job, delay); err != nil {
		f.logger.Error("failed to reschedule job, dead-lettering",
			"queue", job.Queue, "job_id", job.ID, "error", err)
		f.deadLetter(job, err, stack)
	}
}

// invoke calls the handler under the queue timeout, converting panics into
// errors with their stack.
func (f *Fabric) invoke(ctx context.Context, q QueueConfig, job *core.Job) (stack string, err error) {
	h := f.handler(job.Type)
	if h == nil {
		return "", apperrors.Permanent(fmt.Errorf("no handler registered for job type %s", job.Type))
	}

	jctx := ctx
	if q.Timeout > 0 {
		var cancel context.CancelFunc
		jctx, cancel = context.WithTimeout(ctx, q.Timeout)
		defer cancel()
	}

	defer func() {
		if p := recover(); p != nil {
			stack = string(debug.Stack())
			err = apperrors.Permanent(fmt.Errorf("handler panic: %v", p))
		}
	}()
	return "", h(jctx, job)
}

// runInline is the sync-mode executor: the full retry schedule runs on the
// caller's goroutine, ending in the same dead-letter sink.
func (f *Fabric) runInline(ctx context.Context, job *core.Job) error {
	q, ok := f.byQueue[job.Queue]
	if !ok {
		q = QueueConfig{Name: job.Queue, MaxAttempts: 3, BackoffBase: 5 * time.Second, BackoffMax: 5 * time.Minute}
	}

	var lastErr error
	var lastStack string
	for ; job.Attempt <= q.MaxAttempts; job.Attempt++ {
		lastStack, lastErr = f.invoke(ctx, q, job)
		if lastErr == nil {
			return nil
		}
		f.logger.Error("job failed",
			"queue", job.Queue, "job_type", job.Type, "job_id", job.ID,
			"attempt", job.Attempt, "error", lastErr)
		if errors.Is(lastErr, apperrors.ErrPermanent) {
			break
		}
		if job.Attempt == q.MaxAttempts {
			break
		}
		delay := retry.RetryPolicy{
			MaxAttempts:    q.MaxAttempts,
			InitialBackoff: q.BackoffBase,
			MaxBackoff:     q.BackoffMax,
		}.BackoffAt(job.Attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	f.deadLetter(job, lastErr, lastStack)
	return lastErr
}

func (f *Fabric) deadLetter(job *core.Job, cause error, stack string) {
	dlj := &core.DeadLetterJob{
		JobID:         job.ID,
		OriginalQueue: job.Queue,
		JobType:       job.Type,
		Payload:       job.Payload,
		LastError:     cause.Error(),
		LastStack:     stack,
		AttemptCount:  job.Attempt,
		FailedAt:      f.clock.Now().UTC(),
	}
	if err := f.store.InsertDeadLetterJob(context.Background(), dlj); err != nil {
		f.logger.Error("failed to dead-letter job, job is lost",
			"queue", job.Queue, "job_id", job.ID, "error", err)
		return
	}
	f.logger.Error("job dead-lettered",
		"queue", job.Queue, "job_type", job.Type, "job_id", job.ID,
		"attempts", job.Attempt, "error", cause)
}

// RetryDeadLetter moves a dead-lettered job back onto its original queue with
// a fresh attempt budget.
func (f *Fabric) RetryDeadLetter(ctx context.Context, jobID string) error {
	dlj, err := f.store.TakeDeadLetterJob(ctx, jobID)
	if err != nil {
		return err
	}
	_, err = f.Enqueue(ctx, dlj.OriginalQueue, dlj.JobType, dlj.Payload)
	return err
}

// QueueStats is a point-in-time snapshot of one queue.
type QueueStats struct {
	Queue       string                 `json:"queue"`
	Ready       int64                  `json:"ready"`
	Delayed     int64                  `json:"delayed"`
	Concurrency int                    `json:"concurrency"`
	Workers     *concurrency.PoolStats `json:"workers,omitempty"`
}

// Stats reports queue depths, worker pool utilisation and the dead-letter
// backlog.
func (f *Fabric) Stats(ctx context.Context) (map[string]interface{}, error) {
	queues := make([]QueueStats, 0, len(Queues))
	for _, q := range Queues {
		s := QueueStats{Queue: q.Name, Concurrency: q.Concurrency}
		if f.rdb != nil {
			ready, err := f.rdb.LLen(ctx, listKey(q.Name)).Result()
			if err != nil {
				return nil, apperrors.Transient(err)
			}
			delayed, err := f.rdb.ZCard(ctx, delayedKey(q.Name)).Result()
			if err != nil {
				return nil, apperrors.Transient(err)
			}
			s.Ready, s.Delayed = ready, delayed
		}
		if pool, ok := f.pools[q.Name]; ok {
			ps := pool.Stats()
			s.Workers = &ps
		}
		queues = append(queues, s)
	}
	deadLetters, err := f.store.CountDeadLetterJobs(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"mode":         f.Mode(),
		"queues":       queues,
		"dead_letters": deadLetters,
	}, nil
}

func listKey(queue string) string       { return "jobs:" + queue }
func delayedKey(queue string) string    { return "jobs:" + queue + ":delayed" }
func processingKey(queue string) string { return "jobs:" + queue + ":processing" }
