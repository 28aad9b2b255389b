// Package webhook receives inbound provider events. Events are persisted
// raw and acknowledged immediately; a separate worker drives them through
// pending → processing → completed/failed with exponential retry.
package webhook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"wholesale_backend/internal/config"
	"wholesale_backend/internal/core"
	"wholesale_backend/internal/store"
	apperrors "wholesale_backend/pkg/errors"
	"wholesale_backend/pkg/retry"

	"github.com/google/uuid"
)

const claimBatch = 50

// retries back off exponentially from this base
var backoffPolicy = retry.RetryPolicy{
	InitialBackoff: 5 * time.Second,
	MaxBackoff:     10 * time.Minute,
}

// Handler processes one persisted event. A nil return completes the event;
// an error schedules a retry until the event's retry budget runs out.
type Handler func(ctx context.Context, e *core.WebhookEvent) error

type Processor struct {
	store  *store.Store
	cfg    config.RecoveryConfig
	logger core.ILogger
	clock  core.IClock

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewProcessor(st *store.Store, cfg config.RecoveryConfig, logger core.ILogger, clock core.IClock) *Processor {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Processor{
		store:    st,
		cfg:      cfg,
		logger:   logger.WithField("component", "webhook"),
		clock:    clock,
		handlers: make(map[string]Handler),
	}
}

// Register binds a source ("whatsapp", "payment") to its handler.
func (p *Processor) Register(source string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[source] = h
}

func (p *Processor) handler(source string) Handler {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.handlers[source]
}

// Receive persists the raw event and returns its id. This is the only work
// allowed before the HTTP 200 goes back to the provider.
func (p *Processor) Receive(ctx context.Context, source string, payload []byte, headers map[string]string) (string, error) {
	e := &core.WebhookEvent{
		ID:         uuid.NewString(),
		Source:     source,
		Payload:    payload,
		Headers:    headers,
		Status:     core.WebhookPending,
		MaxRetries: p.cfg.WebhookMaxRetries,
		ReceivedAt: p.clock.Now().UTC(),
	}
	if err := p.store.InsertWebhookEvent(ctx, e); err != nil {
		return "", err
	}
	p.logger.Info("webhook persisted", "webhook_id", e.ID, "source", source, "bytes", len(payload))
	return e.ID, nil
}

// ProcessDue claims due pending events and runs their handlers. The recovery
// sweep and the in-process ticker both call this; the claim is atomic so two
// callers never double-process.
func (p *Processor) ProcessDue(ctx context.Context) (processed int, err error) {
	events, err := p.store.ClaimPendingWebhooks(ctx, claimBatch, p.clock.Now().UTC())
	if err != nil {
		return 0, err
	}
	for _, e := range events {
		p.processOne(ctx, e)
	}
	return len(events), nil
}

func (p *Processor) processOne(ctx context.Context, e *core.WebhookEvent) {
	h := p.handler(e.Source)
	if h == nil {
		p.fail(ctx, e, fmt.Errorf("no handler for source %s", e.Source), false)
		return
	}

	err := h(ctx, e)
	if err == nil {
		if err := p.store.CompleteWebhook(ctx, e.ID, p.clock.Now().UTC()); err != nil {
			p.logger.Error("failed to complete webhook", "webhook_id", e.ID, "error", err)
		}
		return
	}
	p.fail(ctx, e, err, !apperrors.IsPermanent(err))
}

func (p *Processor) fail(ctx context.Context, e *core.WebhookEvent, cause error, retryable bool) {
	var nextRetry *time.Time
	if retryable && e.RetryCount+1 < e.MaxRetries {
		at := p.clock.Now().UTC().Add(backoffPolicy.BackoffAt(e.RetryCount + 1))
		nextRetry = &at
	}
	if err := p.store.FailWebhook(ctx, e.ID, cause.Error(), nextRetry); err != nil {
		p.logger.Error("failed to record webhook failure", "webhook_id", e.ID, "error", err)
		return
	}
	if nextRetry != nil {
		p.logger.Warn("webhook failed, retry scheduled",
			"webhook_id", e.ID, "source", e.Source, "retry", e.RetryCount+1,
			"next_retry_at", nextRetry, "error", cause)
	} else {
		p.logger.Error("webhook failed permanently",
			"webhook_id", e.ID, "source", e.Source, "retries", e.RetryCount, "error", cause)
	}
}

// RequeueStuck pushes events stuck in processing past the threshold back to
// pending. A crash between claim and completion leaves events in that state.
func (p *Processor) RequeueStuck(ctx context.Context) (int, error) {
	threshold := time.Duration(p.cfg.StuckWebhookMinutes) * time.Minute
	stuck, err := p.store.StuckWebhooks(ctx, threshold, p.clock.Now().UTC())
	if err != nil {
		return 0, err
	}
	for _, e := range stuck {
		if err := p.store.ResetWebhook(ctx, e.ID); err != nil {
			return 0, err
		}
		p.logger.Warn("requeued stuck webhook", "webhook_id", e.ID, "source", e.Source)
	}
	return len(stuck), nil
}

// Run polls for due events until ctx is cancelled.
func (p *Processor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.ProcessDue(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("webhook sweep failed", "error", err)
			}
		}
	}
}
