package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"wholesale_backend/internal/core"
	"wholesale_backend/internal/store"
	apperrors "wholesale_backend/pkg/errors"
	"wholesale_backend/pkg/logging"

	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestEngine(t *testing.T) (*Engine, *store.Store, *fakeClock) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	return NewEngine(st, logging.NewNopLogger(), clock), st, clock
}

func TestWorkflowRunsAllSteps(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	var trace []string
	e.Define("order_creation",
		Step{Name: "validate", Fn: func(ctx context.Context, run *Run) error {
			trace = append(trace, "validate")
			return run.Put("order_id", "o1")
		}},
		Step{Name: "send_confirmation", Fn: func(ctx context.Context, run *Run) error {
			trace = append(trace, "send:"+run.GetString("order_id"))
			return nil
		}},
	)

	w, err := e.Start(ctx, "order_creation", "o1", nil)
	require.NoError(t, err)
	require.Equal(t, []string{"validate", "send:o1"}, trace)

	stored, err := st.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, core.WorkflowCompleted, stored.Status)
}

func TestCrashedWorkflowResumesFromRecordedStep(t *testing.T) {
	e, st, clock := newTestEngine(t)
	ctx := context.Background()

	boom := errors.New("process died")
	crashed := true
	var sends int
	e.Define("order_creation",
		Step{Name: "validate", Fn: func(ctx context.Context, run *Run) error {
			return run.Put("order_id", "o1")
		}},
		Step{Name: "send_confirmation", Fn: func(ctx context.Context, run *Run) error {
			if crashed {
				return boom
			}
			sends++
			return nil
		}},
	)

	w, err := e.Start(ctx, "order_creation", "o1", nil)
	require.ErrorIs(t, err, boom)

	// the failure left the row in progress at the failing step
	stored, err := st.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, core.WorkflowInProgress, stored.Status)
	require.Equal(t, "send_confirmation", stored.CurrentStep)

	// ten minutes later the sweep claims it stale and resumes
	clock.now = clock.now.Add(10 * time.Minute)
	stale, err := st.ClaimStaleWorkflows(ctx, 5*time.Minute, 5, clock.now)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	crashed = false
	require.NoError(t, e.Resume(ctx, stale[0]))
	require.Equal(t, 1, sends)
	require.Equal(t, "o1", stale[0].EntityRef)

	stored, err = st.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, core.WorkflowCompleted, stored.Status)
	require.Equal(t, 2, stored.Attempts)
}

func TestStepDataSurvivesResume(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	fail := true
	var got string
	e.Define("payment_settlement",
		Step{Name: "capture", Fn: func(ctx context.Context, run *Run) error {
			return run.Put("receipt", "rcpt-42")
		}},
		Step{Name: "post_ledger", Fn: func(ctx context.Context, run *Run) error {
			if fail {
				return errors.New("db timeout")
			}
			got = run.GetString("receipt")
			return nil
		}},
	)

	w, err := e.Start(ctx, "payment_settlement", "pay-1", map[string]interface{}{"amount": "500"})
	require.Error(t, err)

	fail = false
	stored, err := st.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	require.NoError(t, e.Resume(ctx, stored))
	require.Equal(t, "rcpt-42", got)
}

func TestPermanentErrorFailsWorkflow(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()

	e.Define("order_creation",
		Step{Name: "validate", Fn: func(ctx context.Context, run *Run) error {
			return apperrors.Permanent(errors.New("order vanished"))
		}},
	)

	w, err := e.Start(ctx, "order_creation", "o1", nil)
	require.ErrorIs(t, err, apperrors.ErrPermanent)

	stored, err := st.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, core.WorkflowFailed, stored.Status)
}

func TestUnknownWorkflowTypeRejected(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.Start(context.Background(), "nope", "x", nil)
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestExhaustedWorkflowIsPaused(t *testing.T) {
	e, st, clock := newTestEngine(t)
	ctx := context.Background()

	e.Define("order_creation",
		Step{Name: "validate", Fn: func(ctx context.Context, run *Run) error {
			return errors.New("still broken")
		}},
	)
	w, err := e.Start(ctx, "order_creation", "o1", nil)
	require.Error(t, err)

	// after max attempts the sweep stops claiming and pauses it
	clock.now = clock.now.Add(time.Hour)
	_, err = st.DB().Exec(`UPDATE workflow_states SET attempts = 5 WHERE id = ?`, w.ID)
	require.NoError(t, err)

	stale, err := st.ClaimStaleWorkflows(ctx, 5*time.Minute, 5, clock.now)
	require.NoError(t, err)
	require.Empty(t, stale)

	exhausted, err := st.ExhaustedWorkflows(ctx, 5*time.Minute, 5, clock.now)
	require.NoError(t, err)
	require.Len(t, exhausted, 1)

	require.NoError(t, e.Pause(ctx, w.ID))
	stored, err := st.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, core.WorkflowPaused, stored.Status)
}
