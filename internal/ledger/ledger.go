// Package ledger owns the append-only credit ledger and the retailer's
// outstanding-debt cache derived from it. Every write goes through an insert;
// corrections are compensating entries, never edits.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"wholesale_backend/internal/core"
	"wholesale_backend/internal/store"
	apperrors "wholesale_backend/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Service struct {
	store  *store.Store
	logger core.ILogger
	clock  core.IClock
}

func NewService(st *store.Store, logger core.ILogger, clock core.IClock) *Service {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Service{store: st, logger: logger, clock: clock}
}

// AppendOrderCreditTx records credit extended for an order inside the order
// creation transaction. The new running balance chains off the latest entry
// for the retailer/vendor pair, and the retailer's outstanding_debt moves in
// the same transaction.
func (s *Service) AppendOrderCreditTx(ctx context.Context, tx *sql.Tx, retailerID, vendorID, orderID string, amount decimal.Decimal) (*core.CreditLedgerEntry, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: ledger amount must be positive, got %s", apperrors.ErrValidation, amount)
	}
	return s.appendTx(ctx, tx, &core.CreditLedgerEntry{
		RetailerID:      retailerID,
		VendorID:        vendorID,
		TransactionType: core.TxOrderCredit,
		Amount:          amount,
		LinkedOrderID:   orderID,
		Description:     fmt.Sprintf("credit extended for order %s", orderID),
	})
}

// AppendPaymentDebit records a payment received from the retailer, lowering
// the balance for the pair.
func (s *Service) AppendPaymentDebit(ctx context.Context, retailerID, vendorID string, amount decimal.Decimal, description string) (*core.CreditLedgerEntry, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: payment amount must be positive, got %s", apperrors.ErrValidation, amount)
	}
	var entry *core.CreditLedgerEntry
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		entry, err = s.appendTx(ctx, tx, &core.CreditLedgerEntry{
			RetailerID:      retailerID,
			VendorID:        vendorID,
			TransactionType: core.TxPaymentDebit,
			Amount:          amount,
			Description:     description,
		})
		return err
	})
	return entry, err
}

// Reverse corrects a committed entry by inserting a compensating entry of the
// opposite sign and flagging both rows. The pair carries is_reversed so a
// replay over non-reversed entries still reproduces the running balance.
// Reversing twice fails.
func (s *Service) Reverse(ctx context.Context, entryID, reason string) (*core.CreditLedgerEntry, error) {
	var comp *core.CreditLedgerEntry
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		orig, err := s.store.GetLedgerEntryTx(ctx, tx, entryID)
		if err != nil {
			return err
		}
		if orig.IsReversed {
			return fmt.Errorf("%w: entry %s already reversed", apperrors.ErrLedgerImmutable, entryID)
		}

		if err := s.store.MarkEntryReversedTx(ctx, tx, entryID); err != nil {
			return err
		}

		comp, err = s.appendTx(ctx, tx, &core.CreditLedgerEntry{
			RetailerID:        orig.RetailerID,
			VendorID:          orig.VendorID,
			TransactionType:   opposite(orig.TransactionType),
			Amount:            orig.Amount,
			LinkedOrderID:     orig.LinkedOrderID,
			IsReversed:        true,
			ReversalOfEntryID: orig.ID,
			Description:       fmt.Sprintf("reversal of %s: %s", orig.ID, reason),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("ledger entry reversed",
		"entry_id", entryID, "compensator_id", comp.ID, "reason", reason)
	return comp, nil
}

// appendTx chains the entry off the latest balance for the pair and refreshes
// the retailer debt cache. Callers hold the write transaction.
func (s *Service) appendTx(ctx context.Context, tx *sql.Tx, e *core.CreditLedgerEntry) (*core.CreditLedgerEntry, error) {
	prev, err := s.store.LatestBalanceTx(ctx, tx, e.RetailerID, e.VendorID)
	if err != nil {
		return nil, err
	}

	e.ID = uuid.NewString()
	e.PreviousBalance = prev
	e.RunningBalance = prev.Add(e.Signed())
	e.CreatedAt = s.clock.Now().UTC()

	if err := s.store.InsertLedgerEntryTx(ctx, tx, e); err != nil {
		return nil, err
	}

	debt, err := s.outstandingTx(ctx, tx, e.RetailerID)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateRetailerDebtTx(ctx, tx, e.RetailerID, debt); err != nil {
		return nil, err
	}
	return e, nil
}

// outstandingTx sums the latest running balance across every vendor the
// retailer has history with. Negative per-vendor balances (overpayment)
// reduce the total.
func (s *Service) outstandingTx(ctx context.Context, tx *sql.Tx, retailerID string) (decimal.Decimal, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT cl.running_balance
		FROM credit_ledger cl
		WHERE cl.retailer_id = ? AND cl.id = (
			SELECT id FROM credit_ledger
			WHERE retailer_id = cl.retailer_id AND vendor_id = cl.vendor_id
			ORDER BY created_at DESC, id DESC LIMIT 1
		)`, retailerID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum outstanding balances: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var bal string
		if err := rows.Scan(&bal); err != nil {
			return decimal.Zero, err
		}
		d, err := decimal.NewFromString(bal)
		if err != nil {
			return decimal.Zero, fmt.Errorf("corrupt running balance %q: %w", bal, err)
		}
		total = total.Add(d)
	}
	return total, rows.Err()
}

// RecomputeOutstanding replays the full ledger for a retailer and compares it
// with the cached outstanding_debt. A mismatch is repaired and logged; the
// ledger wins by definition.
func (s *Service) RecomputeOutstanding(ctx context.Context, retailerID string) (decimal.Decimal, bool, error) {
	var replayed decimal.Decimal
	var drifted bool
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		computed, err := s.outstandingTx(ctx, tx, retailerID)
		if err != nil {
			return err
		}
		replayed = computed

		r, err := s.store.GetRetailerTx(ctx, tx, retailerID)
		if err != nil {
			return err
		}
		if r.OutstandingDebt.Equal(computed) {
			return nil
		}

		drifted = true
		s.logger.Warn("outstanding debt drift repaired",
			"retailer_id", retailerID,
			"cached", r.OutstandingDebt.String(),
			"ledger", computed.String())
		return s.store.UpdateRetailerDebtTx(ctx, tx, retailerID, computed)
	})
	return replayed, drifted, err
}

// History returns the ordered entries for a retailer/vendor pair.
func (s *Service) History(ctx context.Context, retailerID, vendorID string) ([]*core.CreditLedgerEntry, error) {
	return s.store.LedgerEntries(ctx, retailerID, vendorID)
}

// PairBalance reads the current balance for one retailer/vendor pair.
func (s *Service) PairBalance(ctx context.Context, retailerID, vendorID string) (decimal.Decimal, error) {
	var bal decimal.Decimal
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		bal, err = s.store.LatestBalanceTx(ctx, tx, retailerID, vendorID)
		return err
	})
	return bal, err
}

// OverdueSince reports whether the retailer has carried unpaid balance with
// any vendor continuously since the cutoff. A pair is overdue when its oldest
// unreversed credit entry predating cutoff still has positive balance today.
func (s *Service) OverdueSince(ctx context.Context, retailerID string, cutoff time.Time) (bool, error) {
	vendors, err := s.store.LedgerVendorsForRetailer(ctx, retailerID)
	if err != nil {
		return false, err
	}
	for _, vendorID := range vendors {
		entries, err := s.store.LedgerEntries(ctx, retailerID, vendorID)
		if err != nil {
			return false, err
		}
		if len(entries) == 0 {
			continue
		}
		last := entries[len(entries)-1]
		if !last.RunningBalance.IsPositive() {
			continue
		}
		for _, e := range entries {
			if e.TransactionType == core.TxOrderCredit && !e.IsReversed && e.CreatedAt.Before(cutoff) {
				return true, nil
			}
		}
	}
	return false, nil
}

func opposite(t core.TransactionType) core.TransactionType {
	switch t {
	case core.TxOrderCredit, core.TxAdjustmentCredit:
		return core.TxAdjustmentDebit
	default:
		return core.TxAdjustmentCredit
	}
}
