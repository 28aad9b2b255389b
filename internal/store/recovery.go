package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"wholesale_backend/internal/core"
	apperrors "wholesale_backend/pkg/errors"
)

const recoveryCols = `id, order_id, original_status, recovery_status, failure_point,
	attempts, created_at, updated_at`

func scanRecoveryState(row interface{ Scan(...interface{}) error }) (*core.OrderRecoveryState, error) {
	var r core.OrderRecoveryState
	err := row.Scan(&r.ID, &r.OrderID, &r.OriginalStatus, &r.RecoveryStatus,
		&r.FailurePoint, &r.Attempts, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan recovery state: %w", err)
	}
	return &r, nil
}

// UpsertRecoveryState records a processing failure for an order. One row per
// order; a repeat failure refreshes the failure point instead of stacking.
func (s *Store) UpsertRecoveryState(ctx context.Context, r *core.OrderRecoveryState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO order_recovery_states (`+recoveryCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET
			failure_point = excluded.failure_point,
			recovery_status = 'pending',
			updated_at = excluded.updated_at`,
		r.ID, r.OrderID, r.OriginalStatus, r.RecoveryStatus, r.FailurePoint,
		r.Attempts, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert recovery state: %w", err)
	}
	return nil
}

// ClaimPendingRecoveries moves pending recovery rows to in_progress and bumps
// attempts, returning the claimed rows. Rows past maxAttempts are skipped.
func (s *Store) ClaimPendingRecoveries(ctx context.Context, limit, maxAttempts int, now time.Time) ([]*core.OrderRecoveryState, error) {
	var claimed []*core.OrderRecoveryState
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+recoveryCols+` FROM order_recovery_states
			WHERE recovery_status = 'pending' AND attempts < ?
			ORDER BY created_at LIMIT ?`, maxAttempts, limit)
		if err != nil {
			return fmt.Errorf("failed to query pending recoveries: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			r, err := scanRecoveryState(rows)
			if err != nil {
				return err
			}
			claimed = append(claimed, r)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, r := range claimed {
			if _, err := tx.ExecContext(ctx, `
				UPDATE order_recovery_states
				SET recovery_status = 'in_progress', attempts = attempts + 1, updated_at = ?
				WHERE id = ?`, now, r.ID); err != nil {
				return fmt.Errorf("failed to claim recovery: %w", err)
			}
			r.RecoveryStatus = core.RecoveryInProgress
			r.Attempts++
		}
		return nil
	})
	return claimed, err
}

// ExhaustedRecoveries lists pending recoveries that ran out of attempts; the
// sweep fails these and raises the manual-intervention alert.
func (s *Store) ExhaustedRecoveries(ctx context.Context, maxAttempts int) ([]*core.OrderRecoveryState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recoveryCols+` FROM order_recovery_states
		WHERE recovery_status = 'pending' AND attempts >= ?
		ORDER BY created_at LIMIT 50`, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to query exhausted recoveries: %w", err)
	}
	defer rows.Close()

	var out []*core.OrderRecoveryState
	for rows.Next() {
		r, err := scanRecoveryState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ResolveRecovery sets the terminal outcome of a recovery attempt. A failed
// attempt with attempts left goes back to pending for the next sweep.
func (s *Store) ResolveRecovery(ctx context.Context, id string, status core.RecoveryStatus, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE order_recovery_states SET recovery_status = ?, updated_at = ?
		WHERE id = ?`, status, now, id)
	if err != nil {
		return fmt.Errorf("failed to resolve recovery: %w", err)
	}
	return nil
}

// GetRecoveryStateByOrder fetches the recovery row for an order.
func (s *Store) GetRecoveryStateByOrder(ctx context.Context, orderID string) (*core.OrderRecoveryState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recoveryCols+` FROM order_recovery_states WHERE order_id = ?`, orderID)
	return scanRecoveryState(row)
}

// CountRecoveriesByStatus powers the recovery dashboard.
func (s *Store) CountRecoveriesByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT recovery_status, COUNT(*) FROM order_recovery_states GROUP BY recovery_status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count recoveries: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

const assignRetryCols = `id, order_id, vendor_id, attempt_number, status,
	response_deadline, next_retry_at, failure_reason, created_at`

func scanAssignmentRetry(row interface{ Scan(...interface{}) error }) (*core.VendorAssignmentRetry, error) {
	var a core.VendorAssignmentRetry
	var nextRetry sql.NullTime
	err := row.Scan(&a.ID, &a.OrderID, &a.VendorID, &a.AttemptNumber, &a.Status,
		&a.ResponseDeadline, &nextRetry, &a.FailureReason, &a.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan assignment retry: %w", err)
	}
	a.NextRetryAt = scanNullTime(nextRetry)
	return &a, nil
}

// CreateAssignmentRetry records a vendor assignment with its response deadline.
func (s *Store) CreateAssignmentRetry(ctx context.Context, a *core.VendorAssignmentRetry) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO vendor_assignment_retries (`+assignRetryCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.OrderID, a.VendorID, a.AttemptNumber, a.Status,
		a.ResponseDeadline, nullTime(a.NextRetryAt), a.FailureReason, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create assignment retry: %w", err)
	}
	return nil
}

// ResolveAssignmentRetry records the outcome of one assignment attempt.
func (s *Store) ResolveAssignmentRetry(ctx context.Context, id string, status core.AssignmentRetryStatus, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE vendor_assignment_retries SET status = ?, failure_reason = ?
		WHERE id = ?`, status, reason, id)
	if err != nil {
		return fmt.Errorf("failed to resolve assignment retry: %w", err)
	}
	return nil
}

// OverdueAssignments lists pending assignments whose vendor missed the
// response deadline.
func (s *Store) OverdueAssignments(ctx context.Context, now time.Time) ([]*core.VendorAssignmentRetry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+assignRetryCols+` FROM vendor_assignment_retries
		WHERE status = 'pending' AND response_deadline < ?
		ORDER BY response_deadline LIMIT 100`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query overdue assignments: %w", err)
	}
	defer rows.Close()

	var out []*core.VendorAssignmentRetry
	for rows.Next() {
		a, err := scanAssignmentRetry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// PendingAssignmentForOrder fetches the open assignment awaiting a vendor
// response.
func (s *Store) PendingAssignmentForOrder(ctx context.Context, orderID string) (*core.VendorAssignmentRetry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+assignRetryCols+` FROM vendor_assignment_retries
		WHERE order_id = ? AND status = 'pending'
		ORDER BY attempt_number DESC LIMIT 1`, orderID)
	return scanAssignmentRetry(row)
}

// LatestAssignmentAttempt returns the highest attempt number recorded for an
// order, zero when none exist.
func (s *Store) LatestAssignmentAttempt(ctx context.Context, orderID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(attempt_number), 0) FROM vendor_assignment_retries
		WHERE order_id = ?`, orderID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to read assignment attempts: %w", err)
	}
	return n, nil
}

// AssignedVendors lists every vendor already tried for an order, so
// reassignment can exclude them.
func (s *Store) AssignedVendors(ctx context.Context, orderID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT vendor_id FROM vendor_assignment_retries WHERE order_id = ?`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query assigned vendors: %w", err)
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

// CreateRejectedOrder files a refused order for admin review.
func (s *Store) CreateRejectedOrder(ctx context.Context, r *core.RejectedOrder) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rejected_orders (id, retailer_id, reason, requested_amount, available_credit, shortfall, raw_input, reviewed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.RetailerID, r.Reason, decStr(r.RequestedAmount), decStr(r.AvailableCredit),
		decStr(r.Shortfall), r.RawInput, r.Reviewed, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create rejected order: %w", err)
	}
	return nil
}

// UnreviewedRejections lists rejected orders awaiting admin review.
func (s *Store) UnreviewedRejections(ctx context.Context, limit int) ([]*core.RejectedOrder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, retailer_id, reason, requested_amount, available_credit, shortfall, raw_input, reviewed, created_at
		FROM rejected_orders WHERE reviewed = 0 ORDER BY created_at LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query rejected orders: %w", err)
	}
	defer rows.Close()

	var out []*core.RejectedOrder
	for rows.Next() {
		var r core.RejectedOrder
		var req, avail, short string
		if err := rows.Scan(&r.ID, &r.RetailerID, &r.Reason, &req, &avail, &short,
			&r.RawInput, &r.Reviewed, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rejected order: %w", err)
		}
		r.RequestedAmount = scanDec(req)
		r.AvailableCredit = scanDec(avail)
		r.Shortfall = scanDec(short)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// MarkRejectionReviewed flips the reviewed flag.
func (s *Store) MarkRejectionReviewed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE rejected_orders SET reviewed = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark rejection reviewed: %w", err)
	}
	return nil
}
