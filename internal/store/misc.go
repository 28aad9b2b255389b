package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"wholesale_backend/internal/core"
	apperrors "wholesale_backend/pkg/errors"
)

// InsertVendorDecision writes one immutable routing decision.
func (s *Store) InsertVendorDecision(ctx context.Context, d *core.VendorDecision) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vendor_decisions (id, product_id, order_id, selected_vendor, shortlist, config_snapshot, reason, strategy, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.ProductID, d.OrderID, d.SelectedVendor, d.Shortlist,
		d.ConfigSnapshot, d.Reason, d.Strategy, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert vendor decision: %w", err)
	}
	return nil
}

// VendorDecisions lists recent decisions for a product, newest first.
func (s *Store) VendorDecisions(ctx context.Context, productID string, limit int) ([]*core.VendorDecision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, order_id, selected_vendor, shortlist, config_snapshot, reason, strategy, created_at
		FROM vendor_decisions WHERE product_id = ? ORDER BY created_at DESC LIMIT ?`, productID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query vendor decisions: %w", err)
	}
	defer rows.Close()

	var out []*core.VendorDecision
	for rows.Next() {
		var d core.VendorDecision
		if err := rows.Scan(&d.ID, &d.ProductID, &d.OrderID, &d.SelectedVendor,
			&d.Shortlist, &d.ConfigSnapshot, &d.Reason, &d.Strategy, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan vendor decision: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// CreateParseSession stores a parse awaiting clarification.
func (s *Store) CreateParseSession(ctx context.Context, p *core.ParseSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO parse_sessions (id, source, retailer_id, raw_input, result, status, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Source, p.RetailerID, p.RawInput, p.Result, p.Status, p.ExpiresAt, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create parse session: %w", err)
	}
	return nil
}

// GetParseSession fetches a session; expired sessions come back as not found.
func (s *Store) GetParseSession(ctx context.Context, id string, now time.Time) (*core.ParseSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source, retailer_id, raw_input, result, status, expires_at, created_at
		FROM parse_sessions WHERE id = ?`, id)

	var p core.ParseSession
	err := row.Scan(&p.ID, &p.Source, &p.RetailerID, &p.RawInput, &p.Result,
		&p.Status, &p.ExpiresAt, &p.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan parse session: %w", err)
	}
	if (p.Status == "open" || p.Status == "awaiting_clarification") && !p.ExpiresAt.After(now) {
		return nil, apperrors.ErrNotFound
	}
	return &p, nil
}

// UpdateParseSession replaces the session result and status.
func (s *Store) UpdateParseSession(ctx context.Context, id string, result []byte, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE parse_sessions SET result = ?, status = ? WHERE id = ?`, result, status, id)
	if err != nil {
		return fmt.Errorf("failed to update parse session: %w", err)
	}
	return nil
}

// ExpireParseSessions marks open sessions past TTL.
func (s *Store) ExpireParseSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE parse_sessions SET status = 'expired'
		WHERE status IN ('open', 'awaiting_clarification') AND expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire parse sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// InsertDeadLetterJob parks a job that exhausted its retries.
func (s *Store) InsertDeadLetterJob(ctx context.Context, j *core.DeadLetterJob) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO dead_letter_jobs (job_id, original_queue, job_type, payload, last_error, last_stack, attempt_count, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		j.JobID, j.OriginalQueue, j.JobType, j.Payload, j.LastError, j.LastStack,
		j.AttemptCount, j.FailedAt)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter job: %w", err)
	}
	return nil
}

// TakeDeadLetterJob removes and returns a parked job for manual requeue.
func (s *Store) TakeDeadLetterJob(ctx context.Context, jobID string) (*core.DeadLetterJob, error) {
	var j core.DeadLetterJob
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT job_id, original_queue, job_type, payload, last_error, last_stack, attempt_count, failed_at
			FROM dead_letter_jobs WHERE job_id = ?`, jobID)
		err := row.Scan(&j.JobID, &j.OriginalQueue, &j.JobType, &j.Payload,
			&j.LastError, &j.LastStack, &j.AttemptCount, &j.FailedAt)
		if err != nil {
			if err == sql.ErrNoRows {
				return apperrors.ErrNotFound
			}
			return fmt.Errorf("failed to scan dead letter job: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM dead_letter_jobs WHERE job_id = ?`, jobID); err != nil {
			return fmt.Errorf("failed to take dead letter job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// ListDeadLetterJobs returns parked jobs, oldest first.
func (s *Store) ListDeadLetterJobs(ctx context.Context, limit int) ([]*core.DeadLetterJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, original_queue, job_type, payload, last_error, last_stack, attempt_count, failed_at
		FROM dead_letter_jobs ORDER BY failed_at LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letter jobs: %w", err)
	}
	defer rows.Close()

	var out []*core.DeadLetterJob
	for rows.Next() {
		var j core.DeadLetterJob
		if err := rows.Scan(&j.JobID, &j.OriginalQueue, &j.JobType, &j.Payload,
			&j.LastError, &j.LastStack, &j.AttemptCount, &j.FailedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter job: %w", err)
		}
		out = append(out, &j)
	}
	return out, rows.Err()
}

// CountDeadLetterJobs powers the queue stats endpoint.
func (s *Store) CountDeadLetterJobs(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dead_letter_jobs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count dead letter jobs: %w", err)
	}
	return n, nil
}

// CreateUploadedOrder tracks an order image through extraction.
func (s *Store) CreateUploadedOrder(ctx context.Context, u *core.UploadedOrder) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO uploaded_orders (id, retailer_id, image_url, status, parse_session_id, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.RetailerID, u.ImageURL, u.Status, u.ParseSessionID, u.Error,
		u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create uploaded order: %w", err)
	}
	return nil
}

// GetUploadedOrder fetches upload status by id.
func (s *Store) GetUploadedOrder(ctx context.Context, id string) (*core.UploadedOrder, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, retailer_id, image_url, status, parse_session_id, error, created_at, updated_at
		FROM uploaded_orders WHERE id = ?`, id)

	var u core.UploadedOrder
	err := row.Scan(&u.ID, &u.RetailerID, &u.ImageURL, &u.Status, &u.ParseSessionID,
		&u.Error, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan uploaded order: %w", err)
	}
	return &u, nil
}

// UpdateUploadedOrder records extraction progress.
func (s *Store) UpdateUploadedOrder(ctx context.Context, id, status, sessionID, errMsg string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE uploaded_orders SET status = ?, parse_session_id = ?, error = ?, updated_at = ?
		WHERE id = ?`, status, sessionID, errMsg, now, id)
	if err != nil {
		return fmt.Errorf("failed to update uploaded order: %w", err)
	}
	return nil
}

// AppendAuditLog writes one audit row outside any transaction.
func (s *Store) AppendAuditLog(ctx context.Context, a *core.AuditLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, actor, action, entity_type, entity_id, old_value, new_value, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Actor, a.Action, a.EntityType, a.EntityID, a.OldValue, a.NewValue, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append audit log: %w", err)
	}
	return nil
}

// AuditTrail lists audit rows for an entity, newest first.
func (s *Store) AuditTrail(ctx context.Context, entityType, entityID string, limit int) ([]*core.AuditLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor, action, entity_type, entity_id, old_value, new_value, created_at
		FROM audit_log WHERE entity_type = ? AND entity_id = ?
		ORDER BY created_at DESC LIMIT ?`, entityType, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit trail: %w", err)
	}
	defer rows.Close()

	var out []*core.AuditLog
	for rows.Next() {
		var a core.AuditLog
		if err := rows.Scan(&a.ID, &a.Actor, &a.Action, &a.EntityType, &a.EntityID,
			&a.OldValue, &a.NewValue, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// PriceHistorySince lists price changes for a product.
func (s *Store) PriceHistorySince(ctx context.Context, productID string, since time.Time) ([]*core.PriceHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, vendor_id, product_id, old_price, new_price, change_pct, created_at
		FROM price_history WHERE product_id = ? AND created_at >= ?
		ORDER BY created_at`, productID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query price history: %w", err)
	}
	defer rows.Close()

	var out []*core.PriceHistory
	for rows.Next() {
		var p core.PriceHistory
		var oldP, newP, pct string
		if err := rows.Scan(&p.ID, &p.VendorID, &p.ProductID, &oldP, &newP, &pct, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan price history: %w", err)
		}
		p.OldPrice = scanDec(oldP)
		p.NewPrice = scanDec(newP)
		p.ChangePct = scanDec(pct)
		out = append(out, &p)
	}
	return out, rows.Err()
}
