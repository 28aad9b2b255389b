package jobs

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"wholesale_backend/internal/core"
	"wholesale_backend/internal/store"
	apperrors "wholesale_backend/pkg/errors"
	"wholesale_backend/pkg/logging"

	"github.com/stretchr/testify/require"
)

func newSyncFabric(t *testing.T) (*Fabric, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := New("", st, logging.NewNopLogger(), nil)
	// shrink backoffs so the inline retry schedule finishes quickly
	for name, q := range f.byQueue {
		q.BackoffBase = time.Millisecond
		q.BackoffMax = 5 * time.Millisecond
		f.byQueue[name] = q
	}
	return f, st
}

func TestSyncModeRunsInline(t *testing.T) {
	f, _ := newSyncFabric(t)
	require.Equal(t, ModeSync, f.Mode())

	var got atomic.Value
	f.Register("echo", func(ctx context.Context, job *core.Job) error {
		got.Store(string(job.Payload))
		return nil
	})

	id, err := f.Enqueue(context.Background(), QueueOrderProcessing, "echo", []byte("hello"))
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Equal(t, "hello", got.Load())
}

func TestTransientErrorIsRetried(t *testing.T) {
	f, _ := newSyncFabric(t)

	var calls atomic.Int32
	f.Register("flaky", func(ctx context.Context, job *core.Job) error {
		if calls.Add(1) < 3 {
			return apperrors.Transient(context.DeadlineExceeded)
		}
		return nil
	})

	_, err := f.Enqueue(context.Background(), QueueOrderProcessing, "flaky", nil)
	require.NoError(t, err)
	require.EqualValues(t, 3, calls.Load())
}

func TestExhaustedJobIsDeadLettered(t *testing.T) {
	f, st := newSyncFabric(t)
	ctx := context.Background()

	var calls atomic.Int32
	f.Register("broken", func(ctx context.Context, job *core.Job) error {
		calls.Add(1)
		return apperrors.Transient(context.DeadlineExceeded)
	})

	_, err := f.Enqueue(ctx, QueueOrderProcessing, "broken", []byte(`{"order":"o1"}`))
	require.Error(t, err)
	require.EqualValues(t, 3, calls.Load()) // order-processing allows 3 attempts

	dead, err := st.ListDeadLetterJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, QueueOrderProcessing, dead[0].OriginalQueue)
	require.Equal(t, "broken", dead[0].JobType)
	require.Equal(t, 3, dead[0].AttemptCount)
}

func TestPermanentErrorSkipsRetries(t *testing.T) {
	f, st := newSyncFabric(t)
	ctx := context.Background()

	var calls atomic.Int32
	f.Register("invalid", func(ctx context.Context, job *core.Job) error {
		calls.Add(1)
		return apperrors.Permanent(context.Canceled)
	})

	_, err := f.Enqueue(ctx, QueueOrderProcessing, "invalid", nil)
	require.Error(t, err)
	require.EqualValues(t, 1, calls.Load())

	n, err := st.CountDeadLetterJobs(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestPanicIsCapturedWithStack(t *testing.T) {
	f, st := newSyncFabric(t)
	ctx := context.Background()

	f.Register("boom", func(ctx context.Context, job *core.Job) error {
		panic("unexpected state")
	})

	_, err := f.Enqueue(ctx, QueueOrderProcessing, "boom", nil)
	require.Error(t, err)

	dead, err := st.ListDeadLetterJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Contains(t, dead[0].LastError, "handler panic")
	require.NotEmpty(t, dead[0].LastStack)
}

func TestUnknownJobTypeIsDeadLettered(t *testing.T) {
	f, st := newSyncFabric(t)
	ctx := context.Background()

	_, err := f.Enqueue(ctx, QueueOrderRouting, "nobody-home", nil)
	require.Error(t, err)

	n, err := st.CountDeadLetterJobs(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestRetryDeadLetterReenqueues(t *testing.T) {
	f, st := newSyncFabric(t)
	ctx := context.Background()

	var healed atomic.Bool
	f.Register("flaky", func(ctx context.Context, job *core.Job) error {
		if healed.Load() {
			return nil
		}
		return apperrors.Permanent(context.Canceled)
	})

	id, err := f.Enqueue(ctx, QueueCreditScore, "flaky", []byte("x"))
	require.Error(t, err)

	healed.Store(true)
	require.NoError(t, f.RetryDeadLetter(ctx, id))

	n, err := st.CountDeadLetterJobs(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestEnqueueDelayedRunsAfterDelay(t *testing.T) {
	f, _ := newSyncFabric(t)

	done := make(chan struct{})
	f.Register("later", func(ctx context.Context, job *core.Job) error {
		close(done)
		return nil
	})

	_, err := f.EnqueueDelayed(context.Background(), QueuePaymentReminders, "later", nil, 10*time.Millisecond)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("delayed job never ran")
	}
}

func TestStartRequeuesInFlightDeliveries(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := New("redis://127.0.0.1:6379/9", st, logging.NewNopLogger(), nil)
	if f.Mode() != ModeRedis {
		t.Skip("no local broker available")
	}
	t.Cleanup(f.Stop)

	ctx := context.Background()
	rdb := f.Broker()
	require.NoError(t, rdb.Del(ctx,
		listKey(QueueOrderProcessing),
		processingKey(QueueOrderProcessing),
		delayedKey(QueueOrderProcessing)).Err())

	done := make(chan string, 1)
	f.Register("orphan", func(ctx context.Context, job *core.Job) error {
		done <- string(job.Payload)
		return nil
	})

	// a previous run died mid-handler: its delivery sits in the processing list
	job := f.newJob(QueueOrderProcessing, "orphan", []byte("recovered"))
	raw, err := json.Marshal(job)
	require.NoError(t, err)
	require.NoError(t, rdb.LPush(ctx, processingKey(QueueOrderProcessing), raw).Err())

	f.Start(ctx)

	select {
	case got := <-done:
		require.Equal(t, "recovered", got)
	case <-time.After(5 * time.Second):
		t.Fatal("orphaned delivery never ran")
	}

	// once the handler finishes, the delivery is acknowledged
	require.Eventually(t, func() bool {
		n, err := rdb.LLen(ctx, processingKey(QueueOrderProcessing)).Result()
		return err == nil && n == 0
	}, 5*time.Second, 50*time.Millisecond)

	// a running fabric reports worker pool utilisation per queue
	stats, err := f.Stats(ctx)
	require.NoError(t, err)
	for _, qs := range stats["queues"].([]QueueStats) {
		require.NotNil(t, qs.Workers)
	}
}

func TestQueueTableMatchesConfiguredQueues(t *testing.T) {
	f, _ := newSyncFabric(t)
	stats, err := f.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, ModeSync, stats["mode"])
	require.Len(t, stats["queues"], len(Queues))
}
