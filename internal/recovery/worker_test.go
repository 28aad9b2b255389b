package recovery

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"wholesale_backend/internal/config"
	"wholesale_backend/internal/core"
	"wholesale_backend/internal/notify"
	"wholesale_backend/internal/routing"
	"wholesale_backend/internal/store"
	"wholesale_backend/internal/webhook"
	"wholesale_backend/internal/workflow"
	"wholesale_backend/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

var recoveryCfg = config.RecoveryConfig{
	WebhookMaxRetries:      3,
	WorkflowTimeoutMinutes: 5,
	SweepIntervalSeconds:   120,
	StartupSettleSeconds:   0,
	MaxRecoveryAttempts:    5,
	StuckWebhookMinutes:    10,
}

var routingCfg = config.RoutingConfig{
	MaxActiveOrdersPerVendor:  10,
	MaxPendingOrdersPerVendor: 5,
	MonopolyThreshold:         0.40,
	LoadBalancingStrategy:     "least-loaded",
	ResponseDeadlineHours:     2,
	MaxVendorAttempts:         5,
}

func newTestWorker(t *testing.T) (*Worker, *workflow.Engine, *store.Store, *fakeClock) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clock := &fakeClock{now: time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)}
	log := logging.NewNopLogger()
	wh := webhook.NewProcessor(st, recoveryCfg, log, clock)
	eng := workflow.NewEngine(st, log, clock)
	rt := routing.NewService(st, routingCfg, log, clock)
	al := notify.NewAlerter(nil, st, nil, log, clock)
	w := NewWorker(st, wh, eng, rt, al, recoveryCfg, log, clock)

	ctx := context.Background()
	require.NoError(t, st.CreateProduct(ctx, &core.Product{
		ID: "p1", SKU: "RICE-5KG", Name: "Rice", Unit: "kg",
	}))
	require.NoError(t, st.CreateRetailer(ctx, &core.Retailer{
		ID: "r1", Name: "Kumar Stores", CreditLimit: decimal.NewFromInt(100000),
		IsApproved: true, IsActive: true,
		WorkingHours: core.WorkingHours{EndHour: 24, Timezone: "UTC"},
	}))
	for _, id := range []string{"v1", "v2"} {
		require.NoError(t, st.CreateVendor(ctx, &core.Vendor{
			ID: id, Name: "Vendor " + id, IsApproved: true, IsActive: true,
			ReliabilityScore: 90, MaxActiveOrders: 10, MaxPendingOrders: 5,
			WorkingHours: core.WorkingHours{StartHour: 0, EndHour: 24, Timezone: "UTC"},
		}))
		_, err := st.UpsertVendorProduct(ctx, &core.VendorProduct{
			VendorID: id, ProductID: "p1",
			Price: decimal.NewFromInt(100), Stock: decimal.NewFromInt(100), IsAvailable: true,
		})
		require.NoError(t, err)
	}
	return w, eng, st, clock
}

func seedOrder(t *testing.T, st *store.Store, clock *fakeClock, id, vendorID string) {
	t.Helper()
	ctx := context.Background()
	o := &core.Order{
		ID: id, OrderNumber: "ORD-" + id, RetailerID: "r1", VendorID: vendorID,
		Total: decimal.NewFromInt(100), CreditUsed: decimal.NewFromInt(100),
		Status: core.OrderPending, PaymentStatus: core.PaymentUnpaid,
		CreatedAt: clock.now,
		Items: []core.OrderItem{{
			ProductID: "p1", ProductName: "Rice", SKU: "RICE-5KG",
			Quantity: decimal.NewFromInt(1), Unit: "kg",
			UnitPrice: decimal.NewFromInt(100), LineTotal: decimal.NewFromInt(100),
		}},
	}
	require.NoError(t, st.WithTx(ctx, func(tx *sql.Tx) error {
		return st.InsertOrderTx(ctx, tx, o)
	}))
	_, err := st.DB().Exec(`UPDATE orders SET created_at = ? WHERE id = ?`, clock.now, id)
	require.NoError(t, err)
}

func TestStuckPendingOrderIsFiledThenReassigned(t *testing.T) {
	w, _, st, clock := newTestWorker(t)
	ctx := context.Background()

	seedOrder(t, st, clock, "o1", "v1")
	require.NoError(t, st.CreateAssignmentRetry(ctx, &core.VendorAssignmentRetry{
		ID: "a1", OrderID: "o1", VendorID: "v1", AttemptNumber: 1,
		Status: core.AssignSuccess, ResponseDeadline: clock.now, CreatedAt: clock.now,
	}))
	clock.now = clock.now.Add(45 * time.Minute)

	// first cycle only files the case
	report, err := w.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.StuckOrders)
	require.Zero(t, report.RecoveriesProcessed)

	rec, err := st.GetRecoveryStateByOrder(ctx, "o1")
	require.NoError(t, err)
	require.Equal(t, core.RecoveryPending, rec.RecoveryStatus)
	require.Equal(t, actionReassignVendor, rec.FailurePoint)

	// second cycle acts on it: the order moves to the untried vendor
	report, err = w.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.RecoveriesProcessed)

	order, err := st.GetOrder(ctx, "o1")
	require.NoError(t, err)
	require.Equal(t, "v2", order.VendorID)

	rec, err = st.GetRecoveryStateByOrder(ctx, "o1")
	require.NoError(t, err)
	require.Equal(t, core.RecoveryRecovered, rec.RecoveryStatus)
}

func TestStaleWorkflowIsResumedBySweep(t *testing.T) {
	w, eng, st, clock := newTestWorker(t)
	ctx := context.Background()

	calls := 0
	eng.Define("order_fulfillment",
		workflow.Step{Name: "reserve", Fn: func(ctx context.Context, run *workflow.Run) error {
			calls++
			if calls == 1 {
				return errors.New("downstream unavailable")
			}
			return nil
		}},
	)

	wf, err := eng.Start(ctx, "order_fulfillment", "o1", nil)
	require.Error(t, err)

	clock.now = clock.now.Add(10 * time.Minute)
	report, err := w.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.WorkflowsResumed)

	got, err := st.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.Equal(t, core.WorkflowCompleted, got.Status)
	require.Equal(t, 2, calls)
}

func TestExhaustedWorkflowIsPausedWithAlert(t *testing.T) {
	w, eng, st, clock := newTestWorker(t)
	ctx := context.Background()

	eng.Define("order_fulfillment",
		workflow.Step{Name: "reserve", Fn: func(ctx context.Context, run *workflow.Run) error {
			return errors.New("downstream unavailable")
		}},
	)
	wf, err := eng.Start(ctx, "order_fulfillment", "o9", nil)
	require.Error(t, err)
	_, dberr := st.DB().Exec(`UPDATE workflow_states SET attempts = 5 WHERE id = ?`, wf.ID)
	require.NoError(t, dberr)

	clock.now = clock.now.Add(10 * time.Minute)
	report, err := w.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.WorkflowsPaused)

	got, err := st.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.Equal(t, core.WorkflowPaused, got.Status)

	trail, err := st.AuditTrail(ctx, "order", "o9", 10)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	require.Equal(t, "alert:manual_intervention", trail[0].Action)
}

func TestExhaustedRecoveryFailsAndAlerts(t *testing.T) {
	w, _, st, clock := newTestWorker(t)
	ctx := context.Background()

	seedOrder(t, st, clock, "o1", "v1")
	require.NoError(t, st.UpsertRecoveryState(ctx, &core.OrderRecoveryState{
		ID: "rec1", OrderID: "o1", OriginalStatus: core.OrderPending,
		RecoveryStatus: core.RecoveryPending, FailurePoint: actionReassignVendor,
		Attempts: 5, CreatedAt: clock.now, UpdatedAt: clock.now,
	}))

	report, err := w.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.RecoveriesFailed)
	require.Zero(t, report.RecoveriesProcessed)

	rec, err := st.GetRecoveryStateByOrder(ctx, "o1")
	require.NoError(t, err)
	require.Equal(t, core.RecoveryFailed, rec.RecoveryStatus)

	trail, err := st.AuditTrail(ctx, "order", "o1", 10)
	require.NoError(t, err)
	require.NotEmpty(t, trail)
	require.Equal(t, "alert:manual_intervention", trail[0].Action)
}

func TestExhaustedAssignmentChainEscalates(t *testing.T) {
	w, _, st, clock := newTestWorker(t)
	ctx := context.Background()

	seedOrder(t, st, clock, "o1", "v1")
	require.NoError(t, st.CreateAssignmentRetry(ctx, &core.VendorAssignmentRetry{
		ID: "a1", OrderID: "o1", VendorID: "v1", AttemptNumber: 5,
		Status: core.AssignPending, ResponseDeadline: clock.now.Add(-time.Minute),
		CreatedAt: clock.now.Add(-3 * time.Hour),
	}))

	report, err := w.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.AssignmentsHandled)

	rec, err := st.GetRecoveryStateByOrder(ctx, "o1")
	require.NoError(t, err)
	require.Equal(t, core.RecoveryFailed, rec.RecoveryStatus)

	trail, err := st.AuditTrail(ctx, "order", "o1", 10)
	require.NoError(t, err)
	require.NotEmpty(t, trail)
	require.Equal(t, "alert:manual_intervention", trail[0].Action)
}

func TestRetryWorkflowRecoveryResumesLatestWorkflow(t *testing.T) {
	w, eng, st, clock := newTestWorker(t)
	ctx := context.Background()

	seedOrder(t, st, clock, "o1", "v1")
	require.NoError(t, st.TransitionOrderStatus(ctx, "o1", core.OrderConfirmed, "test", ""))

	calls := 0
	eng.Define("order_fulfillment",
		workflow.Step{Name: "notify", Fn: func(ctx context.Context, run *workflow.Run) error {
			calls++
			if calls == 1 {
				return errors.New("provider timeout")
			}
			return nil
		}},
	)
	_, err := eng.Start(ctx, "order_fulfillment", "o1", nil)
	require.Error(t, err)

	require.NoError(t, st.UpsertRecoveryState(ctx, &core.OrderRecoveryState{
		ID: "rec1", OrderID: "o1", OriginalStatus: core.OrderConfirmed,
		RecoveryStatus: core.RecoveryPending, FailurePoint: actionRetryWorkflow,
		CreatedAt: clock.now, UpdatedAt: clock.now,
	}))

	report, err := w.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.RecoveriesProcessed)
	require.Equal(t, 2, calls)

	rec, err := st.GetRecoveryStateByOrder(ctx, "o1")
	require.NoError(t, err)
	require.Equal(t, core.RecoveryRecovered, rec.RecoveryStatus)
}

func TestDashboardAggregatesCounters(t *testing.T) {
	w, _, st, clock := newTestWorker(t)
	ctx := context.Background()

	seedOrder(t, st, clock, "o1", "v1")
	require.NoError(t, st.UpsertRecoveryState(ctx, &core.OrderRecoveryState{
		ID: "rec1", OrderID: "o1", OriginalStatus: core.OrderPending,
		RecoveryStatus: core.RecoveryPending, FailurePoint: actionReassignVendor,
		CreatedAt: clock.now, UpdatedAt: clock.now,
	}))

	dash, err := w.Dashboard(ctx)
	require.NoError(t, err)
	recoveries, ok := dash["recoveries"].(map[string]int)
	require.True(t, ok)
	require.Equal(t, 1, recoveries["pending"])
	require.Contains(t, dash, "webhooks")
	require.Contains(t, dash, "workflows")
	require.Contains(t, dash, "dead_letters")
}
