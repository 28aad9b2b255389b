package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"wholesale_backend/internal/core"
	apperrors "wholesale_backend/pkg/errors"
)

// ClaimIdempotencyKeyTx inserts the key in processing state. If the key
// already exists and has not expired, the stored record comes back with
// ErrConflict so the caller can replay or reject on hash mismatch. Expired
// rows are replaced in place.
func (s *Store) ClaimIdempotencyKeyTx(ctx context.Context, tx *sql.Tx, k *core.IdempotencyKey) (*core.IdempotencyKey, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT key, operation_type, request_hash, response_payload, status, expires_at, created_at
		FROM idempotency_keys WHERE key = ?`, k.Key)

	var existing core.IdempotencyKey
	err := row.Scan(&existing.Key, &existing.OperationType, &existing.RequestHash,
		&existing.ResponsePayload, &existing.Status, &existing.ExpiresAt, &existing.CreatedAt)
	switch {
	case err == sql.ErrNoRows:
		// fresh key, claim it below
	case err != nil:
		return nil, fmt.Errorf("failed to read idempotency key: %w", err)
	case existing.ExpiresAt.After(k.CreatedAt):
		return &existing, apperrors.ErrConflict
	default:
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM idempotency_keys WHERE key = ?`, k.Key); err != nil {
			return nil, fmt.Errorf("failed to expire idempotency key: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, operation_type, request_hash, response_payload, status, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		k.Key, k.OperationType, k.RequestHash, k.ResponsePayload, k.Status, k.ExpiresAt, k.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	return nil, nil
}

// CompleteIdempotencyKeyTx stores the canonical response in the same
// transaction that produced it.
func (s *Store) CompleteIdempotencyKeyTx(ctx context.Context, tx *sql.Tx, key string, response []byte) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE idempotency_keys SET status = 'completed', response_payload = ?
		WHERE key = ?`, response, key)
	if err != nil {
		return fmt.Errorf("failed to complete idempotency key: %w", err)
	}
	return nil
}

// ReleaseIdempotencyKey drops a processing claim after the guarded operation
// failed, so the client can retry with the same key.
func (s *Store) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE key = ? AND status = 'processing'`, key)
	if err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

// PurgeExpiredIdempotencyKeys removes keys past their TTL.
func (s *Store) PurgeExpiredIdempotencyKeys(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge idempotency keys: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
