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

const retailerCols = `id, name, phone, credit_limit, outstanding_debt, risk_score,
	is_approved, is_active, risk_override, wh_start, wh_end, wh_tz, created_at`

func scanRetailer(row interface{ Scan(...interface{}) error }) (*core.Retailer, error) {
	var r core.Retailer
	var limit, debt string
	err := row.Scan(&r.ID, &r.Name, &r.Phone, &limit, &debt, &r.RiskScore,
		&r.IsApproved, &r.IsActive, &r.RiskOverride,
		&r.WorkingHours.StartHour, &r.WorkingHours.EndHour, &r.WorkingHours.Timezone,
		&r.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan retailer: %w", err)
	}
	r.CreditLimit = scanDec(limit)
	r.OutstandingDebt = scanDec(debt)
	return &r, nil
}

// CreateRetailer inserts a new retailer.
func (s *Store) CreateRetailer(ctx context.Context, r *core.Retailer) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO retailers (`+retailerCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.Phone, decStr(r.CreditLimit), decStr(r.OutstandingDebt),
		r.RiskScore, r.IsApproved, r.IsActive, r.RiskOverride,
		r.WorkingHours.StartHour, r.WorkingHours.EndHour, r.WorkingHours.Timezone,
		r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert retailer: %w", err)
	}
	return nil
}

// GetRetailer fetches a retailer outside any transaction (optimistic read).
func (s *Store) GetRetailer(ctx context.Context, id string) (*core.Retailer, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+retailerCols+` FROM retailers WHERE id = ?`, id)
	return scanRetailer(row)
}

// GetRetailerTx re-reads the retailer inside a write transaction. With
// SQLite's single-writer serializable mode this is the FOR UPDATE read.
func (s *Store) GetRetailerTx(ctx context.Context, tx *sql.Tx, id string) (*core.Retailer, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+retailerCols+` FROM retailers WHERE id = ?`, id)
	return scanRetailer(row)
}

// GetRetailerByPhone resolves an inbound message sender to an account.
func (s *Store) GetRetailerByPhone(ctx context.Context, phone string) (*core.Retailer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+retailerCols+` FROM retailers WHERE phone = ? LIMIT 1`, phone)
	return scanRetailer(row)
}

// UpdateRetailerDebtTx sets outstanding_debt inside the credit transaction.
// Only the ledger-append path may call this.
func (s *Store) UpdateRetailerDebtTx(ctx context.Context, tx *sql.Tx, retailerID string, debt decimal.Decimal) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE retailers SET outstanding_debt = ? WHERE id = ?`, decStr(debt), retailerID)
	if err != nil {
		return fmt.Errorf("failed to update retailer debt: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

// UpdateRetailerRiskScore is called by the analytics sweep only.
func (s *Store) UpdateRetailerRiskScore(ctx context.Context, retailerID string, score int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE retailers SET risk_score = ? WHERE id = ?`, score, retailerID)
	if err != nil {
		return fmt.Errorf("failed to update risk score: %w", err)
	}
	return nil
}

// ListRetailers returns all active retailers (analytics sweep input).
func (s *Store) ListRetailers(ctx context.Context) ([]*core.Retailer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+retailerCols+` FROM retailers WHERE is_active = 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to list retailers: %w", err)
	}
	defer rows.Close()

	var out []*core.Retailer
	for rows.Next() {
		r, err := scanRetailer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
