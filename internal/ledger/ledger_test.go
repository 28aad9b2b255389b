package ledger

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"wholesale_backend/internal/core"
	"wholesale_backend/internal/store"
	apperrors "wholesale_backend/pkg/errors"
	"wholesale_backend/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestService(t *testing.T) (*Service, *store.Store, *fakeClock) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	svc := NewService(st, logging.NewNopLogger(), clock)

	require.NoError(t, st.CreateRetailer(context.Background(), &core.Retailer{
		ID: "r1", Name: "Kumar Stores", CreditLimit: decimal.NewFromInt(10000),
		IsApproved: true, IsActive: true,
		WorkingHours: core.WorkingHours{EndHour: 24, Timezone: "UTC"},
	}))
	require.NoError(t, st.CreateVendor(context.Background(), &core.Vendor{
		ID: "v1", Name: "Colombo Wholesale", IsApproved: true, IsActive: true,
		WorkingHours: core.WorkingHours{EndHour: 24, Timezone: "UTC"},
	}))
	require.NoError(t, st.CreateVendor(context.Background(), &core.Vendor{
		ID: "v2", Name: "Kandy Traders", IsApproved: true, IsActive: true,
		WorkingHours: core.WorkingHours{EndHour: 24, Timezone: "UTC"},
	}))
	return svc, st, clock
}

func appendCredit(t *testing.T, svc *Service, st *store.Store, vendorID, orderID string, amount int64) *core.CreditLedgerEntry {
	t.Helper()
	var e *core.CreditLedgerEntry
	err := st.WithTx(context.Background(), func(tx *sql.Tx) error {
		var err error
		e, err = svc.AppendOrderCreditTx(context.Background(), tx, "r1", vendorID, orderID, decimal.NewFromInt(amount))
		return err
	})
	require.NoError(t, err)
	return e
}

func TestRunningBalanceChains(t *testing.T) {
	svc, st, clock := newTestService(t)
	ctx := context.Background()

	e1 := appendCredit(t, svc, st, "v1", "o1", 500)
	require.True(t, e1.PreviousBalance.IsZero())
	require.True(t, e1.RunningBalance.Equal(decimal.NewFromInt(500)))

	clock.now = clock.now.Add(time.Minute)
	e2 := appendCredit(t, svc, st, "v1", "o2", 300)
	require.True(t, e2.PreviousBalance.Equal(decimal.NewFromInt(500)))
	require.True(t, e2.RunningBalance.Equal(decimal.NewFromInt(800)))

	clock.now = clock.now.Add(time.Minute)
	debit, err := svc.AppendPaymentDebit(ctx, "r1", "v1", decimal.NewFromInt(200), "bank transfer")
	require.NoError(t, err)
	require.True(t, debit.RunningBalance.Equal(decimal.NewFromInt(600)))

	r, err := st.GetRetailer(ctx, "r1")
	require.NoError(t, err)
	require.True(t, r.OutstandingDebt.Equal(decimal.NewFromInt(600)))
}

func TestOutstandingDebtSpansVendors(t *testing.T) {
	svc, st, clock := newTestService(t)
	ctx := context.Background()

	appendCredit(t, svc, st, "v1", "o1", 500)
	clock.now = clock.now.Add(time.Minute)
	appendCredit(t, svc, st, "v2", "o2", 250)

	r, err := st.GetRetailer(ctx, "r1")
	require.NoError(t, err)
	require.True(t, r.OutstandingDebt.Equal(decimal.NewFromInt(750)))

	// available credit derives from the summed debt
	require.True(t, r.AvailableCredit().Equal(decimal.NewFromInt(9250)))
}

func TestReverseInsertsCompensator(t *testing.T) {
	svc, st, clock := newTestService(t)
	ctx := context.Background()

	e := appendCredit(t, svc, st, "v1", "o1", 500)
	clock.now = clock.now.Add(time.Minute)

	comp, err := svc.Reverse(ctx, e.ID, "order cancelled before dispatch")
	require.NoError(t, err)
	require.Equal(t, core.TxAdjustmentDebit, comp.TransactionType)
	require.Equal(t, e.ID, comp.ReversalOfEntryID)
	require.True(t, comp.RunningBalance.IsZero())

	// both rows of the pair are flagged
	orig, err := st.GetLedgerEntry(ctx, e.ID)
	require.NoError(t, err)
	require.True(t, orig.IsReversed)
	stored, err := st.GetLedgerEntry(ctx, comp.ID)
	require.NoError(t, err)
	require.True(t, stored.IsReversed)

	// replaying only the non-reversed entries reproduces the latest balance
	entries, err := st.LedgerEntries(ctx, "r1", "v1")
	require.NoError(t, err)
	replayed := decimal.Zero
	for _, le := range entries {
		if !le.IsReversed {
			replayed = replayed.Add(le.Signed())
		}
	}
	require.True(t, replayed.Equal(entries[len(entries)-1].RunningBalance))
	require.True(t, replayed.IsZero())

	// double reversal is refused
	_, err = svc.Reverse(ctx, e.ID, "again")
	require.ErrorIs(t, err, apperrors.ErrLedgerImmutable)

	r, err := st.GetRetailer(ctx, "r1")
	require.NoError(t, err)
	require.True(t, r.OutstandingDebt.IsZero())
}

func TestRecomputeOutstandingRepairsDrift(t *testing.T) {
	svc, st, clock := newTestService(t)
	ctx := context.Background()

	appendCredit(t, svc, st, "v1", "o1", 500)
	clock.now = clock.now.Add(time.Minute)
	appendCredit(t, svc, st, "v2", "o2", 250)

	// corrupt the cache out of band
	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		return st.UpdateRetailerDebtTx(ctx, tx, "r1", decimal.NewFromInt(999))
	})
	require.NoError(t, err)

	total, drifted, err := svc.RecomputeOutstanding(ctx, "r1")
	require.NoError(t, err)
	require.True(t, drifted)
	require.True(t, total.Equal(decimal.NewFromInt(750)))

	r, err := st.GetRetailer(ctx, "r1")
	require.NoError(t, err)
	require.True(t, r.OutstandingDebt.Equal(decimal.NewFromInt(750)))

	// a clean run reports no drift
	_, drifted, err = svc.RecomputeOutstanding(ctx, "r1")
	require.NoError(t, err)
	require.False(t, drifted)
}

func TestOverdueSince(t *testing.T) {
	svc, st, clock := newTestService(t)
	ctx := context.Background()

	appendCredit(t, svc, st, "v1", "o1", 500)

	cutoff := clock.now.Add(31 * 24 * time.Hour)
	overdue, err := svc.OverdueSince(ctx, "r1", cutoff)
	require.NoError(t, err)
	require.True(t, overdue)

	// paying the balance clears the overdue state
	clock.now = cutoff
	_, err = svc.AppendPaymentDebit(ctx, "r1", "v1", decimal.NewFromInt(500), "settled")
	require.NoError(t, err)

	overdue, err = svc.OverdueSince(ctx, "r1", cutoff)
	require.NoError(t, err)
	require.False(t, overdue)
}

func TestRejectsNonPositiveAmounts(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := svc.AppendOrderCreditTx(ctx, tx, "r1", "v1", "o1", decimal.Zero)
		return err
	})
	require.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = svc.AppendPaymentDebit(ctx, "r1", "v1", decimal.NewFromInt(-5), "")
	require.ErrorIs(t, err, apperrors.ErrValidation)
}
