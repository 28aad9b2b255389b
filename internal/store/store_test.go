package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"wholesale_backend/internal/core"
	apperrors "wholesale_backend/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedRetailer(t *testing.T, s *Store, id string, limit string) *core.Retailer {
	t.Helper()
	r := &core.Retailer{
		ID:          id,
		Name:        "Test Retailer " + id,
		CreditLimit: decimal.RequireFromString(limit),
		IsApproved:  true,
		IsActive:    true,
		WorkingHours: core.WorkingHours{
			StartHour: 0, EndHour: 24, Timezone: "UTC",
		},
	}
	require.NoError(t, s.CreateRetailer(context.Background(), r))
	return r
}

func seedVendor(t *testing.T, s *Store, id string) *core.Vendor {
	t.Helper()
	v := &core.Vendor{
		ID:               id,
		Name:             "Test Vendor " + id,
		IsApproved:       true,
		IsActive:         true,
		ReliabilityScore: 80,
		MaxActiveOrders:  10,
		MaxPendingOrders: 5,
		WorkingHours:     core.WorkingHours{StartHour: 0, EndHour: 24, Timezone: "UTC"},
	}
	require.NoError(t, s.CreateVendor(context.Background(), v))
	return v
}

func seedOrder(t *testing.T, s *Store, id, number, retailerID, vendorID string) *core.Order {
	t.Helper()
	o := &core.Order{
		ID:            id,
		OrderNumber:   number,
		RetailerID:    retailerID,
		VendorID:      vendorID,
		Total:         decimal.RequireFromString("500"),
		CreditUsed:    decimal.RequireFromString("500"),
		Status:        core.OrderPending,
		PaymentStatus: core.PaymentUnpaid,
		CreatedAt:     time.Now().UTC(),
		Items: []core.OrderItem{{
			ProductID:   "p1",
			ProductName: "Rice 5kg",
			SKU:         "RICE-5KG",
			Quantity:    decimal.NewFromInt(10),
			Unit:        "bag",
			UnitPrice:   decimal.NewFromInt(50),
			LineTotal:   decimal.NewFromInt(500),
		}},
	}
	err := s.WithTx(context.Background(), func(tx *sql.Tx) error {
		return s.InsertOrderTx(context.Background(), tx, o)
	})
	require.NoError(t, err)
	return o
}

func TestOrderStatusTransitions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedRetailer(t, s, "r1", "10000")
	seedVendor(t, s, "v1")
	o := seedOrder(t, s, "o1", "ORD-001", "r1", "v1")

	require.NoError(t, s.TransitionOrderStatus(ctx, o.ID, core.OrderConfirmed, "system", "credit ok"))
	require.NoError(t, s.TransitionOrderStatus(ctx, o.ID, core.OrderAccepted, "vendor", ""))

	// skipping DISPATCHED is illegal
	err := s.TransitionOrderStatus(ctx, o.ID, core.OrderDelivered, "vendor", "")
	require.ErrorIs(t, err, apperrors.ErrIllegalTransition)

	require.NoError(t, s.TransitionOrderStatus(ctx, o.ID, core.OrderDispatched, "vendor", ""))
	require.NoError(t, s.TransitionOrderStatus(ctx, o.ID, core.OrderDelivered, "vendor", ""))

	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, core.OrderDelivered, got.Status)
	require.NotNil(t, got.DeliveredAt)

	// terminal status rejects everything
	err = s.TransitionOrderStatus(ctx, o.ID, core.OrderCancelled, "system", "")
	require.ErrorIs(t, err, apperrors.ErrIllegalTransition)

	hist, err := s.OrderStatusHistory(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, hist, 5) // create + 4 transitions
}

func seedOffer(t *testing.T, s *Store, vendorID string, stock int64) {
	t.Helper()
	_, err := s.UpsertVendorProduct(context.Background(), &core.VendorProduct{
		VendorID: vendorID, ProductID: "p1",
		Price: decimal.NewFromInt(50), Stock: decimal.NewFromInt(stock), IsAvailable: true,
	})
	require.NoError(t, err)
}

func offerStock(t *testing.T, s *Store, vendorID string) decimal.Decimal {
	t.Helper()
	offers, err := s.VendorsForProduct(context.Background(), "p1")
	require.NoError(t, err)
	for _, o := range offers {
		if o.Vendor.ID == vendorID {
			return o.Stock
		}
	}
	t.Fatalf("no offer for vendor %s", vendorID)
	return decimal.Zero
}

func TestReassignOnlyWhilePending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedRetailer(t, s, "r1", "10000")
	seedVendor(t, s, "v1")
	seedVendor(t, s, "v2")
	seedOffer(t, s, "v1", 20)
	seedOffer(t, s, "v2", 20)
	o := seedOrder(t, s, "o1", "ORD-001", "r1", "v1")

	// order creation reserved the 10 units on v1
	require.NoError(t, s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.AdjustStockTx(ctx, tx, "v1", "p1", decimal.NewFromInt(-10))
	}))

	require.NoError(t, s.ReassignOrderVendor(ctx, o.ID, "v2", "deadline missed"))
	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, "v2", got.VendorID)

	// the reservation moved with the order
	require.True(t, offerStock(t, s, "v1").Equal(decimal.NewFromInt(20)))
	require.True(t, offerStock(t, s, "v2").Equal(decimal.NewFromInt(10)))

	require.NoError(t, s.TransitionOrderStatus(ctx, o.ID, core.OrderConfirmed, "system", ""))
	err = s.ReassignOrderVendor(ctx, o.ID, "v1", "should fail")
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestStuckOrdersMeasureTimeInCurrentStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedRetailer(t, s, "r1", "10000")
	seedVendor(t, s, "v1")
	o := seedOrder(t, s, "o1", "ORD-001", "r1", "v1")
	require.NoError(t, s.TransitionOrderStatus(ctx, o.ID, core.OrderConfirmed, "system", ""))

	now := time.Now().UTC()
	cutoff := now.Add(-time.Hour)

	// the order spent two hours in PENDING but only just reached CONFIRMED
	_, err := s.db.Exec(`UPDATE orders SET created_at = ? WHERE id = 'o1'`, now.Add(-2*time.Hour))
	require.NoError(t, err)
	_, err = s.db.Exec(
		`UPDATE order_status_log SET created_at = ? WHERE order_id = 'o1' AND to_state = ?`,
		now.Add(-2*time.Hour), core.OrderPending)
	require.NoError(t, err)

	stuck, err := s.StuckOrders(ctx, core.OrderConfirmed, cutoff)
	require.NoError(t, err)
	require.Empty(t, stuck)

	// once the CONFIRMED entry itself ages past the cutoff, the order is stuck
	_, err = s.db.Exec(
		`UPDATE order_status_log SET created_at = ? WHERE order_id = 'o1' AND to_state = ?`,
		now.Add(-90*time.Minute), core.OrderConfirmed)
	require.NoError(t, err)

	stuck, err = s.StuckOrders(ctx, core.OrderConfirmed, cutoff)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	require.Equal(t, "o1", stuck[0].ID)
}

func TestLedgerAppendAndReverse(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedRetailer(t, s, "r1", "10000")
	seedVendor(t, s, "v1")

	entry := &core.CreditLedgerEntry{
		ID:              "e1",
		RetailerID:      "r1",
		VendorID:        "v1",
		TransactionType: core.TxOrderCredit,
		Amount:          decimal.NewFromInt(500),
		PreviousBalance: decimal.Zero,
		RunningBalance:  decimal.NewFromInt(500),
		LinkedOrderID:   "o1",
		CreatedAt:       time.Now().UTC(),
	}
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.InsertLedgerEntryTx(ctx, tx, entry)
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		bal, err := s.LatestBalanceTx(ctx, tx, "r1", "v1")
		require.NoError(t, err)
		require.True(t, bal.Equal(decimal.NewFromInt(500)))
		return nil
	})
	require.NoError(t, err)

	// empty pair reads zero
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		bal, err := s.LatestBalanceTx(ctx, tx, "r1", "v-none")
		require.NoError(t, err)
		require.True(t, bal.IsZero())
		return nil
	})
	require.NoError(t, err)

	// reverse once, second attempt is rejected
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.MarkEntryReversedTx(ctx, tx, "e1")
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.MarkEntryReversedTx(ctx, tx, "e1")
	})
	require.ErrorIs(t, err, apperrors.ErrLedgerImmutable)
}

func TestIdempotencyKeyLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	key := &core.IdempotencyKey{
		Key:           "idem-1",
		OperationType: "create_order",
		RequestHash:   "abc123",
		Status:        "processing",
		ExpiresAt:     now.Add(24 * time.Hour),
		CreatedAt:     now,
	}

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := s.ClaimIdempotencyKeyTx(ctx, tx, key)
		require.NoError(t, err)
		require.Nil(t, existing)
		return s.CompleteIdempotencyKeyTx(ctx, tx, key.Key, []byte(`{"order_id":"o1"}`))
	})
	require.NoError(t, err)

	// replay returns the stored record
	replay := &core.IdempotencyKey{
		Key: "idem-1", OperationType: "create_order", RequestHash: "abc123",
		Status: "processing", ExpiresAt: now.Add(24 * time.Hour), CreatedAt: now,
	}
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := s.ClaimIdempotencyKeyTx(ctx, tx, replay)
		require.ErrorIs(t, err, apperrors.ErrConflict)
		require.NotNil(t, existing)
		require.Equal(t, "completed", existing.Status)
		require.JSONEq(t, `{"order_id":"o1"}`, string(existing.ResponsePayload))
		return nil
	})
	require.NoError(t, err)

	// expired keys are replaceable
	late := &core.IdempotencyKey{
		Key: "idem-1", OperationType: "create_order", RequestHash: "abc123",
		Status: "processing", ExpiresAt: now.Add(49 * time.Hour), CreatedAt: now.Add(25 * time.Hour),
	}
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := s.ClaimIdempotencyKeyTx(ctx, tx, late)
		require.NoError(t, err)
		require.Nil(t, existing)
		return nil
	})
	require.NoError(t, err)
}

func TestWebhookClaimAndRetry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	e := &core.WebhookEvent{
		ID:         "w1",
		Source:     "whatsapp",
		Payload:    []byte(`{"text":"10 bags rice"}`),
		Headers:    map[string]string{"X-Hub-Signature-256": "sha256=abc"},
		Status:     core.WebhookPending,
		MaxRetries: 3,
		ReceivedAt: now,
	}
	require.NoError(t, s.InsertWebhookEvent(ctx, e))

	claimed, err := s.ClaimPendingWebhooks(ctx, 10, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, core.WebhookProcessing, claimed[0].Status)

	// a second sweep sees nothing
	again, err := s.ClaimPendingWebhooks(ctx, 10, now)
	require.NoError(t, err)
	require.Empty(t, again)

	// failure with a future retry goes back to pending but is not yet due
	retryAt := now.Add(time.Minute)
	require.NoError(t, s.FailWebhook(ctx, "w1", "downstream 503", &retryAt))
	notDue, err := s.ClaimPendingWebhooks(ctx, 10, now)
	require.NoError(t, err)
	require.Empty(t, notDue)

	due, err := s.ClaimPendingWebhooks(ctx, 10, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, 1, due[0].RetryCount)

	require.NoError(t, s.CompleteWebhook(ctx, "w1", now.Add(3*time.Minute)))
	got, err := s.GetWebhookEvent(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, core.WebhookCompleted, got.Status)
	require.NotNil(t, got.ProcessedAt)
}

func TestClaimStaleWorkflows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	w := &core.WorkflowState{
		ID:            "wf1",
		Type:          "order_processing",
		EntityRef:     "o1",
		CurrentStep:   "credit_check",
		StepData:      []byte(`{}`),
		Status:        core.WorkflowInProgress,
		LastHeartbeat: now.Add(-10 * time.Minute),
		CreatedAt:     now.Add(-10 * time.Minute),
	}
	require.NoError(t, s.CreateWorkflow(ctx, w))

	claimed, err := s.ClaimStaleWorkflows(ctx, 5*time.Minute, 5, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, 1, claimed[0].Attempts)

	// fresh heartbeat keeps it out of the next sweep
	again, err := s.ClaimStaleWorkflows(ctx, 5*time.Minute, 5, now)
	require.NoError(t, err)
	require.Empty(t, again)
}

func TestUpsertVendorProductEmitsPriceHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedVendor(t, s, "v1")

	vp := &core.VendorProduct{
		VendorID:    "v1",
		ProductID:   "p1",
		Price:       decimal.NewFromInt(100),
		Stock:       decimal.NewFromInt(50),
		IsAvailable: true,
	}
	hist, err := s.UpsertVendorProduct(ctx, vp)
	require.NoError(t, err)
	require.Nil(t, hist) // first insert, no change to report

	vp.Price = decimal.NewFromInt(120)
	hist, err = s.UpsertVendorProduct(ctx, vp)
	require.NoError(t, err)
	require.NotNil(t, hist)
	require.True(t, hist.ChangePct.Equal(decimal.NewFromInt(20)))
}

func TestGetOrderNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetOrder(context.Background(), "missing")
	require.True(t, errors.Is(err, apperrors.ErrNotFound))
}
