package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"wholesale_backend/internal/core"
	"wholesale_backend/internal/store"
	apperrors "wholesale_backend/pkg/errors"
	"wholesale_backend/pkg/retry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Alert severities.
const (
	SeverityInfo     = "INFO"
	SeverityWarning  = "WARNING"
	SeverityCritical = "CRITICAL"
)

// Alerter raises admin notifications. Admins hear about failures only after
// recovery is exhausted, never on first detection or on successful recovery.
type Alerter struct {
	sender      core.IMessageSender
	store       *store.Store
	logger      core.ILogger
	clock       core.IClock
	adminPhones []string
}

func NewAlerter(sender core.IMessageSender, st *store.Store, adminPhones []string, logger core.ILogger, clock core.IClock) *Alerter {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Alerter{
		sender:      sender,
		store:       st,
		logger:      logger.WithField("component", "alerter"),
		clock:       clock,
		adminPhones: adminPhones,
	}
}

// ManualIntervention is raised when recovery gives up on an order.
func (a *Alerter) ManualIntervention(ctx context.Context, orderID, failurePoint string, attempts int) {
	msg := fmt.Sprintf(
		"MANUAL INTERVENTION needed: order %s failed at %s after %d recovery attempts.",
		orderID, failurePoint, attempts)
	a.raise(ctx, SeverityCritical, "manual_intervention", "order", orderID, msg, map[string]interface{}{
		"failure_point": failurePoint,
		"attempts":      attempts,
	})
}

// PriceSpike is raised when a vendor price change crosses the abnormal
// threshold. Severity grades with the magnitude.
func (a *Alerter) PriceSpike(ctx context.Context, productName, vendorName string, oldPrice, newPrice, changePct decimal.Decimal, severity string) {
	msg := fmt.Sprintf(
		"Price alert (%s): %s at %s moved Rs.%s -> Rs.%s (%s%%).",
		severity, productName, vendorName, money(oldPrice), money(newPrice), changePct.StringFixed(1))
	a.raise(ctx, severity, "price_spike", "product", productName, msg, map[string]interface{}{
		"vendor":     vendorName,
		"old_price":  oldPrice.String(),
		"new_price":  newPrice.String(),
		"change_pct": changePct.String(),
	})
}

// DeadLetterBacklog is raised when jobs pile up in the DLQ.
func (a *Alerter) DeadLetterBacklog(ctx context.Context, count int) {
	msg := fmt.Sprintf("Dead-letter queue holds %d jobs awaiting inspection.", count)
	a.raise(ctx, SeverityWarning, "dlq_backlog", "queue", "dead_letter", msg, map[string]interface{}{
		"count": count,
	})
}

func (a *Alerter) raise(ctx context.Context, severity, action, entityType, entityID, msg string, detail map[string]interface{}) {
	a.logger.Error("admin alert raised",
		"severity", severity, "action", action,
		"entity_type", entityType, "entity_id", entityID, "message", msg)

	payload, _ := json.Marshal(detail)
	if err := a.store.AppendAuditLog(ctx, &core.AuditLog{
		ID:         uuid.NewString(),
		Actor:      "system",
		Action:     "alert:" + action,
		EntityType: entityType,
		EntityID:   entityID,
		NewValue:   payload,
		CreatedAt:  a.clock.Now().UTC(),
	}); err != nil {
		a.logger.Error("failed to persist alert", "action", action, "error", err)
	}

	if a.sender == nil {
		return
	}
	// alerts bypass the job fabric, so transient send failures retry here
	for _, phone := range a.adminPhones {
		err := retry.Do(ctx, retry.DefaultPolicy, apperrors.IsTransient, func() error {
			_, err := a.sender.SendText(ctx, phone, msg)
			return err
		})
		if err != nil {
			a.logger.Error("failed to deliver alert", "phone", phone, "error", err)
		}
	}
}
