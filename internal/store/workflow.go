package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"wholesale_backend/internal/core"
	apperrors "wholesale_backend/pkg/errors"
)

const workflowCols = `id, type, entity_ref, current_step, step_data, status,
	last_heartbeat, attempts, created_at`

func scanWorkflow(row interface{ Scan(...interface{}) error }) (*core.WorkflowState, error) {
	var w core.WorkflowState
	err := row.Scan(&w.ID, &w.Type, &w.EntityRef, &w.CurrentStep, &w.StepData,
		&w.Status, &w.LastHeartbeat, &w.Attempts, &w.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan workflow state: %w", err)
	}
	return &w, nil
}

// CreateWorkflow registers a new in-progress workflow state.
func (s *Store) CreateWorkflow(ctx context.Context, w *core.WorkflowState) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO workflow_states (`+workflowCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Type, w.EntityRef, w.CurrentStep, w.StepData, w.Status,
		w.LastHeartbeat, w.Attempts, w.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create workflow state: %w", err)
	}
	return nil
}

// GetWorkflow fetches one workflow state.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*core.WorkflowState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowCols+` FROM workflow_states WHERE id = ?`, id)
	return scanWorkflow(row)
}

// AdvanceWorkflow records step completion. The step data and heartbeat move
// together so a resume always restarts from the last completed step.
func (s *Store) AdvanceWorkflow(ctx context.Context, id, step string, stepData []byte, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_states SET current_step = ?, step_data = ?, last_heartbeat = ?
		WHERE id = ? AND status = 'in_progress'`, step, stepData, at, id)
	if err != nil {
		return fmt.Errorf("failed to advance workflow: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: workflow %s is not in progress", apperrors.ErrConflict, id)
	}
	return nil
}

// HeartbeatWorkflow refreshes last_heartbeat without touching the step.
func (s *Store) HeartbeatWorkflow(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflow_states SET last_heartbeat = ? WHERE id = ? AND status = 'in_progress'`, at, id)
	if err != nil {
		return fmt.Errorf("failed to heartbeat workflow: %w", err)
	}
	return nil
}

// FinishWorkflow sets a terminal or paused status.
func (s *Store) FinishWorkflow(ctx context.Context, id string, status core.WorkflowStatus, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflow_states SET status = ?, last_heartbeat = ? WHERE id = ?`, status, at, id)
	if err != nil {
		return fmt.Errorf("failed to finish workflow: %w", err)
	}
	return nil
}

// LatestWorkflowForEntity fetches the most recent workflow touching an
// entity, regardless of status.
func (s *Store) LatestWorkflowForEntity(ctx context.Context, entityRef string) (*core.WorkflowState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+workflowCols+` FROM workflow_states
		WHERE entity_ref = ? ORDER BY created_at DESC, id DESC LIMIT 1`, entityRef)
	return scanWorkflow(row)
}

// ClaimStaleWorkflows finds in-progress workflows whose heartbeat is older
// than timeout and bumps their attempts, returning the claimed rows. The bump
// happens in the same transaction so two sweepers cannot both resume one.
func (s *Store) ClaimStaleWorkflows(ctx context.Context, timeout time.Duration, maxAttempts int, now time.Time) ([]*core.WorkflowState, error) {
	cutoff := now.Add(-timeout)
	var claimed []*core.WorkflowState
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+workflowCols+` FROM workflow_states
			WHERE status = 'in_progress' AND last_heartbeat < ? AND attempts < ?
			ORDER BY last_heartbeat LIMIT 50`, cutoff, maxAttempts)
		if err != nil {
			return fmt.Errorf("failed to query stale workflows: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			w, err := scanWorkflow(rows)
			if err != nil {
				return err
			}
			claimed = append(claimed, w)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, w := range claimed {
			if _, err := tx.ExecContext(ctx, `
				UPDATE workflow_states SET attempts = attempts + 1, last_heartbeat = ?
				WHERE id = ?`, now, w.ID); err != nil {
				return fmt.Errorf("failed to claim workflow: %w", err)
			}
			w.Attempts++
			w.LastHeartbeat = now
		}
		return nil
	})
	return claimed, err
}

// ExhaustedWorkflows lists in-progress workflows that ran out of attempts;
// the sweep pauses these for operator attention.
func (s *Store) ExhaustedWorkflows(ctx context.Context, timeout time.Duration, maxAttempts int, now time.Time) ([]*core.WorkflowState, error) {
	cutoff := now.Add(-timeout)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+workflowCols+` FROM workflow_states
		WHERE status = 'in_progress' AND last_heartbeat < ? AND attempts >= ?
		LIMIT 50`, cutoff, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to query exhausted workflows: %w", err)
	}
	defer rows.Close()

	var out []*core.WorkflowState
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// CountWorkflowsByStatus powers the recovery dashboard.
func (s *Store) CountWorkflowsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM workflow_states GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count workflows: %w", err)
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
