// Package recovery runs the periodic self-healing sweep: it drives webhook
// retries, resumes stale workflows, reassigns orders whose vendor went quiet
// and re-drives orders that failed mid-processing. Every action is bounded by
// an attempt cap; only exhausted cases reach an operator.
package recovery

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"wholesale_backend/internal/config"
	"wholesale_backend/internal/core"
	"wholesale_backend/internal/notify"
	"wholesale_backend/internal/routing"
	"wholesale_backend/internal/store"
	"wholesale_backend/internal/webhook"
	"wholesale_backend/internal/workflow"
	apperrors "wholesale_backend/pkg/errors"

	"github.com/google/uuid"
)

// Recovery actions, recorded as the failure point of a stuck order.
const (
	actionReassignVendor = "REASSIGN_VENDOR"
	actionRetryWorkflow  = "RETRY_WORKFLOW"
)

// stuckRule maps an order status to how long it may sit there before the
// sweep intervenes, and what the intervention is.
type stuckRule struct {
	status core.OrderStatus
	after  time.Duration
	action string
}

var stuckRules = []stuckRule{
	{core.OrderPending, 30 * time.Minute, actionReassignVendor},
	{core.OrderConfirmed, 60 * time.Minute, actionRetryWorkflow},
	{core.OrderAccepted, 120 * time.Minute, actionReassignVendor},
	{core.OrderDispatched, 180 * time.Minute, actionRetryWorkflow},
}

// CycleReport summarizes one sweep for the logs and the trigger endpoint.
type CycleReport struct {
	WebhooksProcessed   int   `json:"webhooks_processed"`
	WebhooksRequeued    int   `json:"webhooks_requeued"`
	WorkflowsResumed    int   `json:"workflows_resumed"`
	WorkflowsPaused     int   `json:"workflows_paused"`
	AssignmentsHandled  int   `json:"assignments_handled"`
	StuckOrders         int   `json:"stuck_orders"`
	RecoveriesProcessed int   `json:"recoveries_processed"`
	RecoveriesFailed    int   `json:"recoveries_failed"`
	KeysPurged          int64 `json:"keys_purged"`
	SessionsExpired     int64 `json:"sessions_expired"`
}

// Worker is the recovery sweep. One instance runs per process; overlapping
// cycles are skipped rather than queued.
type Worker struct {
	store    *store.Store
	webhooks *webhook.Processor
	engine   *workflow.Engine
	routing  *routing.Service
	alerter  *notify.Alerter
	cfg      config.RecoveryConfig
	logger   core.ILogger
	clock    core.IClock

	running atomic.Bool
}

func NewWorker(st *store.Store, wh *webhook.Processor, eng *workflow.Engine,
	rt *routing.Service, al *notify.Alerter, cfg config.RecoveryConfig,
	logger core.ILogger, clock core.IClock) *Worker {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Worker{
		store:    st,
		webhooks: wh,
		engine:   eng,
		routing:  rt,
		alerter:  al,
		cfg:      cfg,
		logger:   logger,
		clock:    clock,
	}
}

// Run sweeps on the configured interval until the context is cancelled. The
// first cycle is delayed so a restarting process does not immediately claim
// work that in-flight handlers are still heartbeating.
func (w *Worker) Run(ctx context.Context) {
	settle := time.Duration(w.cfg.StartupSettleSeconds) * time.Second
	select {
	case <-ctx.Done():
		return
	case <-time.After(settle):
	}

	interval := time.Duration(w.cfg.SweepIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		w.runGuarded(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) runGuarded(ctx context.Context) {
	if !w.running.CompareAndSwap(false, true) {
		w.logger.Warn("recovery cycle still running, skipping this tick")
		return
	}
	defer w.running.Store(false)

	report, err := w.RunCycle(ctx)
	if err != nil {
		w.logger.Error("recovery cycle failed", "error", err)
		return
	}
	w.logger.Info("recovery cycle finished",
		"webhooks_processed", report.WebhooksProcessed,
		"webhooks_requeued", report.WebhooksRequeued,
		"workflows_resumed", report.WorkflowsResumed,
		"workflows_paused", report.WorkflowsPaused,
		"assignments_handled", report.AssignmentsHandled,
		"stuck_orders", report.StuckOrders,
		"recoveries_processed", report.RecoveriesProcessed)
}

// RunCycle executes one full sweep. Each stage logs and continues on error so
// one broken table cannot starve the rest of the sweep.
func (w *Worker) RunCycle(ctx context.Context) (*CycleReport, error) {
	report := &CycleReport{}

	n, err := w.webhooks.ProcessDue(ctx)
	if err != nil {
		w.logger.Error("webhook sweep failed", "error", err)
	}
	report.WebhooksProcessed = n

	n, err = w.webhooks.RequeueStuck(ctx)
	if err != nil {
		w.logger.Error("stuck webhook sweep failed", "error", err)
	}
	report.WebhooksRequeued = n

	w.sweepWorkflows(ctx, report)
	w.sweepAssignments(ctx, report)
	w.processRecoveries(ctx, report)
	w.failExhaustedRecoveries(ctx, report)
	w.sweepStuckOrders(ctx, report)

	now := w.clock.Now().UTC()
	if purged, err := w.store.PurgeExpiredIdempotencyKeys(ctx, now); err != nil {
		w.logger.Error("idempotency purge failed", "error", err)
	} else {
		report.KeysPurged = purged
	}
	if expired, err := w.store.ExpireParseSessions(ctx, now); err != nil {
		w.logger.Error("parse session expiry failed", "error", err)
	} else {
		report.SessionsExpired = expired
	}
	return report, nil
}

// sweepWorkflows resumes workflows whose heartbeat went stale and pauses the
// ones that ran out of attempts.
func (w *Worker) sweepWorkflows(ctx context.Context, report *CycleReport) {
	timeout := time.Duration(w.cfg.WorkflowTimeoutMinutes) * time.Minute
	now := w.clock.Now().UTC()

	stale, err := w.store.ClaimStaleWorkflows(ctx, timeout, w.cfg.MaxRecoveryAttempts, now)
	if err != nil {
		w.logger.Error("stale workflow claim failed", "error", err)
		return
	}
	for _, wf := range stale {
		w.logger.Warn("resuming stale workflow",
			"workflow_id", wf.ID, "type", wf.Type,
			"step", wf.CurrentStep, "attempts", wf.Attempts)
		if err := w.engine.Resume(ctx, wf); err != nil {
			w.logger.Error("workflow resume failed",
				"workflow_id", wf.ID, "error", err)
			continue
		}
		report.WorkflowsResumed++
	}

	exhausted, err := w.store.ExhaustedWorkflows(ctx, timeout, w.cfg.MaxRecoveryAttempts, now)
	if err != nil {
		w.logger.Error("exhausted workflow query failed", "error", err)
		return
	}
	for _, wf := range exhausted {
		if err := w.engine.Pause(ctx, wf.ID); err != nil {
			w.logger.Error("workflow pause failed", "workflow_id", wf.ID, "error", err)
			continue
		}
		report.WorkflowsPaused++
		w.alerter.ManualIntervention(ctx, wf.EntityRef, wf.CurrentStep, wf.Attempts)
	}
}

// sweepAssignments reassigns orders whose vendor missed the response
// deadline. Exhausted assignment chains become a failed recovery case so the
// order shows up on the manual routing queue exactly once.
func (w *Worker) sweepAssignments(ctx context.Context, report *CycleReport) {
	now := w.clock.Now().UTC()
	overdue, err := w.store.OverdueAssignments(ctx, now)
	if err != nil {
		w.logger.Error("overdue assignment query failed", "error", err)
		return
	}

	for _, a := range overdue {
		res, err := w.routing.HandleExpiredAssignment(ctx, a)
		if err != nil {
			w.logger.Error("assignment reassign failed",
				"order_id", a.OrderID, "error", err)
			continue
		}
		report.AssignmentsHandled++
		if res.Escalated {
			w.escalateOrder(ctx, a.OrderID, actionReassignVendor, res.Attempt)
		}
	}
}

// sweepStuckOrders files a recovery case for orders sitting in one status
// past its threshold. The case itself is acted on by processRecoveries, so a
// freshly filed order waits one cycle before anything touches it.
func (w *Worker) sweepStuckOrders(ctx context.Context, report *CycleReport) {
	now := w.clock.Now().UTC()
	for _, rule := range stuckRules {
		orders, err := w.store.StuckOrders(ctx, rule.status, now.Add(-rule.after))
		if err != nil {
			w.logger.Error("stuck order query failed",
				"status", string(rule.status), "error", err)
			continue
		}
		for _, o := range orders {
			if _, err := w.store.GetRecoveryStateByOrder(ctx, o.ID); err == nil {
				continue // already filed
			} else if !errors.Is(err, apperrors.ErrNotFound) {
				w.logger.Error("recovery lookup failed", "order_id", o.ID, "error", err)
				continue
			}
			if err := w.store.UpsertRecoveryState(ctx, &core.OrderRecoveryState{
				ID:             uuid.NewString(),
				OrderID:        o.ID,
				OriginalStatus: o.Status,
				RecoveryStatus: core.RecoveryPending,
				FailurePoint:   rule.action,
				CreatedAt:      now,
				UpdatedAt:      now,
			}); err != nil {
				w.logger.Error("recovery state upsert failed", "order_id", o.ID, "error", err)
				continue
			}
			report.StuckOrders++
			w.logger.Warn("stuck order filed for recovery",
				"order_id", o.ID, "status", string(o.Status), "action", rule.action)
		}
	}
}

// processRecoveries claims pending recovery cases and applies the recorded
// action. Success resolves the case; failure drops it back to pending for the
// next cycle with the attempt already spent.
func (w *Worker) processRecoveries(ctx context.Context, report *CycleReport) {
	now := w.clock.Now().UTC()
	claimed, err := w.store.ClaimPendingRecoveries(ctx, 50, w.cfg.MaxRecoveryAttempts, now)
	if err != nil {
		w.logger.Error("recovery claim failed", "error", err)
		return
	}

	for _, rec := range claimed {
		report.RecoveriesProcessed++
		recovered := w.applyRecovery(ctx, rec)

		status := core.RecoveryPending
		if recovered {
			status = core.RecoveryRecovered
		}
		if err := w.store.ResolveRecovery(ctx, rec.ID, status, w.clock.Now().UTC()); err != nil {
			w.logger.Error("recovery resolve failed", "recovery_id", rec.ID, "error", err)
		}
	}
}

func (w *Worker) applyRecovery(ctx context.Context, rec *core.OrderRecoveryState) bool {
	switch rec.FailurePoint {
	case actionRetryWorkflow:
		wf, err := w.store.LatestWorkflowForEntity(ctx, rec.OrderID)
		if err != nil {
			w.logger.Error("workflow lookup for recovery failed",
				"order_id", rec.OrderID, "error", err)
			return false
		}
		if wf.Status != core.WorkflowInProgress && wf.Status != core.WorkflowPaused {
			// the workflow finished on its own, nothing to re-drive
			return true
		}
		if err := w.engine.Resume(ctx, wf); err != nil {
			w.logger.Error("workflow retry failed",
				"order_id", rec.OrderID, "workflow_id", wf.ID, "error", err)
			return false
		}
		return true

	default: // REASSIGN_VENDOR and legacy failure points
		vendor, err := w.routing.Reroute(ctx, rec.OrderID, "recovered from stuck state")
		if err != nil {
			w.logger.Error("recovery reassign failed",
				"order_id", rec.OrderID, "error", err)
			return false
		}
		if vendor == "" {
			order, err := w.store.GetOrder(ctx, rec.OrderID)
			if err == nil && order.Status != core.OrderPending {
				// moved on by itself while the case was open
				return true
			}
			return false
		}
		w.logger.Info("stuck order reassigned",
			"order_id", rec.OrderID, "new_vendor", vendor)
		return true
	}
}

// failExhaustedRecoveries closes recovery cases that spent every attempt and
// raises the manual-intervention alert. This is the only path that pages an
// operator about an order.
func (w *Worker) failExhaustedRecoveries(ctx context.Context, report *CycleReport) {
	exhausted, err := w.store.ExhaustedRecoveries(ctx, w.cfg.MaxRecoveryAttempts)
	if err != nil {
		w.logger.Error("exhausted recovery query failed", "error", err)
		return
	}
	for _, rec := range exhausted {
		if err := w.store.ResolveRecovery(ctx, rec.ID, core.RecoveryFailed, w.clock.Now().UTC()); err != nil {
			w.logger.Error("recovery resolve failed", "recovery_id", rec.ID, "error", err)
			continue
		}
		report.RecoveriesFailed++
		w.alerter.ManualIntervention(ctx, rec.OrderID, rec.FailurePoint, rec.Attempts)
	}
}

// escalateOrder files a failed recovery case for an order the routing layer
// gave up on, alerting the operator directly since no retry budget remains.
func (w *Worker) escalateOrder(ctx context.Context, orderID, failurePoint string, attempts int) {
	now := w.clock.Now().UTC()
	rec := &core.OrderRecoveryState{
		ID:             uuid.NewString(),
		OrderID:        orderID,
		OriginalStatus: core.OrderPending,
		RecoveryStatus: core.RecoveryPending,
		FailurePoint:   failurePoint,
		Attempts:       attempts,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := w.store.UpsertRecoveryState(ctx, rec); err != nil {
		w.logger.Error("escalation upsert failed", "order_id", orderID, "error", err)
		return
	}
	existing, err := w.store.GetRecoveryStateByOrder(ctx, orderID)
	if err != nil {
		w.logger.Error("escalation lookup failed", "order_id", orderID, "error", err)
		return
	}
	if err := w.store.ResolveRecovery(ctx, existing.ID, core.RecoveryFailed, now); err != nil {
		w.logger.Error("escalation resolve failed", "order_id", orderID, "error", err)
		return
	}
	w.alerter.ManualIntervention(ctx, orderID, failurePoint, attempts)
}

// Dashboard aggregates the counters behind the recovery dashboard endpoint.
func (w *Worker) Dashboard(ctx context.Context) (map[string]interface{}, error) {
	webhooks, err := w.store.CountWebhooksByStatus(ctx)
	if err != nil {
		return nil, err
	}
	workflows, err := w.store.CountWorkflowsByStatus(ctx)
	if err != nil {
		return nil, err
	}
	recoveries, err := w.store.CountRecoveriesByStatus(ctx)
	if err != nil {
		return nil, err
	}
	deadLetters, err := w.store.CountDeadLetterJobs(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"webhooks":     webhooks,
		"workflows":    workflows,
		"recoveries":   recoveries,
		"dead_letters": deadLetters,
	}, nil
}
