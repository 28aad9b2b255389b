package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"wholesale_backend/internal/core"
	apperrors "wholesale_backend/pkg/errors"
)

const webhookCols = `id, source, payload, headers, status, retry_count, max_retries,
	received_at, processed_at, next_retry_at, error`

func scanWebhook(row interface{ Scan(...interface{}) error }) (*core.WebhookEvent, error) {
	var e core.WebhookEvent
	var headers string
	var processed, nextRetry sql.NullTime
	err := row.Scan(&e.ID, &e.Source, &e.Payload, &headers, &e.Status, &e.RetryCount,
		&e.MaxRetries, &e.ReceivedAt, &processed, &nextRetry, &e.Error)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan webhook event: %w", err)
	}
	_ = json.Unmarshal([]byte(headers), &e.Headers)
	e.ProcessedAt = scanNullTime(processed)
	e.NextRetryAt = scanNullTime(nextRetry)
	return &e, nil
}

// InsertWebhookEvent persists the raw event before any processing. This runs
// on the request path and must be the only thing that happens before ACK.
func (s *Store) InsertWebhookEvent(ctx context.Context, e *core.WebhookEvent) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO webhook_events (`+webhookCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Source, e.Payload, string(marshalJSON(e.Headers)), e.Status,
		e.RetryCount, e.MaxRetries, e.ReceivedAt, nullTime(e.ProcessedAt),
		nullTime(e.NextRetryAt), e.Error)
	if err != nil {
		return fmt.Errorf("failed to persist webhook event: %w", err)
	}
	return nil
}

// ClaimPendingWebhooks atomically moves up to limit due events from
// pending → processing and returns them. Events are due when next_retry_at
// is null or in the past.
func (s *Store) ClaimPendingWebhooks(ctx context.Context, limit int, now time.Time) ([]*core.WebhookEvent, error) {
	var claimed []*core.WebhookEvent
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+webhookCols+` FROM webhook_events
			WHERE status = 'pending' AND (next_retry_at IS NULL OR next_retry_at <= ?)
			ORDER BY received_at LIMIT ?`, now, limit)
		if err != nil {
			return fmt.Errorf("failed to query pending webhooks: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			e, err := scanWebhook(rows)
			if err != nil {
				return err
			}
			claimed = append(claimed, e)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, e := range claimed {
			if _, err := tx.ExecContext(ctx,
				`UPDATE webhook_events SET status = 'processing' WHERE id = ?`, e.ID); err != nil {
				return fmt.Errorf("failed to claim webhook: %w", err)
			}
			e.Status = core.WebhookProcessing
		}
		return nil
	})
	return claimed, err
}

// CompleteWebhook marks an event done.
func (s *Store) CompleteWebhook(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_events SET status = 'completed', processed_at = ?, error = ''
		WHERE id = ?`, at, id)
	if err != nil {
		return fmt.Errorf("failed to complete webhook: %w", err)
	}
	return nil
}

// FailWebhook records a failure. With retries left the event goes back to
// pending with next_retry_at set; otherwise it lands in failed.
func (s *Store) FailWebhook(ctx context.Context, id string, errMsg string, nextRetry *time.Time) error {
	status := core.WebhookFailed
	if nextRetry != nil {
		status = core.WebhookPending
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_events
		SET status = ?, retry_count = retry_count + 1, error = ?, next_retry_at = ?
		WHERE id = ?`, status, errMsg, nullTime(nextRetry), id)
	if err != nil {
		return fmt.Errorf("failed to record webhook failure: %w", err)
	}
	return nil
}

// StuckWebhooks returns events sitting in processing longer than threshold;
// they are eligible for re-pickup.
func (s *Store) StuckWebhooks(ctx context.Context, threshold time.Duration, now time.Time) ([]*core.WebhookEvent, error) {
	cutoff := now.Add(-threshold)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+webhookCols+` FROM webhook_events
		WHERE status = 'processing' AND received_at < ?
		ORDER BY received_at LIMIT 100`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stuck webhooks: %w", err)
	}
	defer rows.Close()

	var out []*core.WebhookEvent
	for rows.Next() {
		e, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ResetWebhook pushes a stuck event back to pending.
func (s *Store) ResetWebhook(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE webhook_events SET status = 'pending' WHERE id = ? AND status = 'processing'`, id)
	if err != nil {
		return fmt.Errorf("failed to reset webhook: %w", err)
	}
	return nil
}

// GetWebhookEvent fetches one event.
func (s *Store) GetWebhookEvent(ctx context.Context, id string) (*core.WebhookEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+webhookCols+` FROM webhook_events WHERE id = ?`, id)
	return scanWebhook(row)
}

// CountWebhooksByStatus powers the recovery dashboard.
func (s *Store) CountWebhooksByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM webhook_events GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count webhooks: %w", err)
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
