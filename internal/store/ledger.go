package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"wholesale_backend/internal/core"
	apperrors "wholesale_backend/pkg/errors"

	"github.com/shopspring/decimal"
)

const ledgerCols = `id, retailer_id, vendor_id, transaction_type, amount,
	previous_balance, running_balance, linked_order_id, is_reversed, reversal_of_entry_id,
	description, created_at`

func scanLedgerEntry(row interface{ Scan(...interface{}) error }) (*core.CreditLedgerEntry, error) {
	var e core.CreditLedgerEntry
	var amount, prev, running string
	err := row.Scan(&e.ID, &e.RetailerID, &e.VendorID, &e.TransactionType, &amount,
		&prev, &running, &e.LinkedOrderID, &e.IsReversed, &e.ReversalOfEntryID,
		&e.Description, &e.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
	}
	e.Amount = scanDec(amount)
	e.PreviousBalance = scanDec(prev)
	e.RunningBalance = scanDec(running)
	return &e, nil
}

// InsertLedgerEntryTx appends one entry inside the caller's transaction.
// There is no corresponding update or delete; Reverse inserts a compensator.
func (s *Store) InsertLedgerEntryTx(ctx context.Context, tx *sql.Tx, e *core.CreditLedgerEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO credit_ledger (`+ledgerCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RetailerID, e.VendorID, e.TransactionType, decStr(e.Amount),
		decStr(e.PreviousBalance), decStr(e.RunningBalance), e.LinkedOrderID,
		e.IsReversed, e.ReversalOfEntryID, e.Description, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

// LatestBalanceTx returns the running balance of the newest entry for the
// pair. The latest row is authoritative; no SUM on the hot path.
func (s *Store) LatestBalanceTx(ctx context.Context, tx *sql.Tx, retailerID, vendorID string) (decimal.Decimal, error) {
	var running string
	err := tx.QueryRowContext(ctx, `
		SELECT running_balance FROM credit_ledger
		WHERE retailer_id = ? AND vendor_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, retailerID, vendorID).Scan(&running)
	if err != nil {
		if err == sql.ErrNoRows {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("failed to read latest balance: %w", err)
	}
	return scanDec(running), nil
}

// GetLedgerEntry fetches one entry.
func (s *Store) GetLedgerEntry(ctx context.Context, id string) (*core.CreditLedgerEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ledgerCols+` FROM credit_ledger WHERE id = ?`, id)
	return scanLedgerEntry(row)
}

// GetLedgerEntryTx fetches one entry inside a transaction.
func (s *Store) GetLedgerEntryTx(ctx context.Context, tx *sql.Tx, id string) (*core.CreditLedgerEntry, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+ledgerCols+` FROM credit_ledger WHERE id = ?`, id)
	return scanLedgerEntry(row)
}

// MarkEntryReversedTx flips is_reversed on the original entry. This is the
// single sanctioned mutation of a committed ledger row.
func (s *Store) MarkEntryReversedTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE credit_ledger SET is_reversed = 1 WHERE id = ? AND is_reversed = 0`, id)
	if err != nil {
		return fmt.Errorf("failed to mark entry reversed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: entry %s missing or already reversed", apperrors.ErrLedgerImmutable, id)
	}
	return nil
}

// LedgerEntries returns the ordered history for a pair.
func (s *Store) LedgerEntries(ctx context.Context, retailerID, vendorID string) ([]*core.CreditLedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ledgerCols+` FROM credit_ledger
		WHERE retailer_id = ? AND vendor_id = ?
		ORDER BY created_at, id`, retailerID, vendorID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var out []*core.CreditLedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LedgerVendorsForRetailer lists the distinct vendors a retailer has ledger
// history with, for the outstanding-debt audit.
func (s *Store) LedgerVendorsForRetailer(ctx context.Context, retailerID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT vendor_id FROM credit_ledger WHERE retailer_id = ?`, retailerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger vendors: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// LedgerEntriesSince lists entries after a point in time for analytics.
func (s *Store) LedgerEntriesSince(ctx context.Context, retailerID string, since time.Time) ([]*core.CreditLedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ledgerCols+` FROM credit_ledger
		WHERE retailer_id = ? AND created_at >= ?
		ORDER BY created_at, id`, retailerID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var out []*core.CreditLedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
