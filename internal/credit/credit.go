// Package credit validates retailer credit and owns the atomic order
// creation transaction. An order either fully exists, with its ledger entry
// and debt update committed, or it does not exist at all.
package credit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"wholesale_backend/internal/config"
	"wholesale_backend/internal/core"
	"wholesale_backend/internal/ledger"
	"wholesale_backend/internal/store"
	apperrors "wholesale_backend/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// idempotency keys guard order creation for 24 hours
const idempotencyTTL = 24 * time.Hour

type Service struct {
	store  *store.Store
	ledger *ledger.Service
	cfg    config.CreditConfig
	logger core.ILogger
	clock  core.IClock
}

func NewService(st *store.Store, lg *ledger.Service, cfg config.CreditConfig, logger core.ILogger, clock core.IClock) *Service {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Service{store: st, ledger: lg, cfg: cfg, logger: logger, clock: clock}
}

// CreateOrderRequest is a fully priced order candidate. Items carry snapshot
// prices; the request total is recomputed here, never trusted.
type CreateOrderRequest struct {
	RetailerID     string
	VendorID       string
	Items          []core.OrderItem
	IdempotencyKey string
	RawInput       string
	Actor          string
}

// CreateOrder runs the credit rule chain and creates the order atomically.
// A replayed idempotency key returns the original order without side effects.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (*core.Order, error) {
	if req.RetailerID == "" || req.VendorID == "" {
		return nil, fmt.Errorf("%w: retailer and vendor are required", apperrors.ErrValidation)
	}
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: order has no items", apperrors.ErrValidation)
	}

	total := decimal.Zero
	for i := range req.Items {
		it := &req.Items[i]
		if !it.Quantity.IsPositive() {
			return nil, fmt.Errorf("%w: item %s has non-positive quantity", apperrors.ErrValidation, it.SKU)
		}
		it.LineTotal = it.UnitPrice.Mul(it.Quantity)
		if it.TaxRate.IsPositive() {
			it.LineTotal = it.LineTotal.Mul(decimal.NewFromInt(1).Add(it.TaxRate))
		}
		total = total.Add(it.LineTotal)
	}

	now := s.clock.Now().UTC()
	order := &core.Order{
		ID:            uuid.NewString(),
		OrderNumber:   orderNumber(now),
		RetailerID:    req.RetailerID,
		VendorID:      req.VendorID,
		Items:         req.Items,
		Total:         total,
		CreditUsed:    total,
		Status:        core.OrderPending,
		PaymentStatus: core.PaymentUnpaid,
		CreatedAt:     now,
	}

	var replayed *core.Order
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if req.IdempotencyKey != "" {
			prior, err := s.claimKeyTx(ctx, tx, req, now)
			if err != nil {
				return err
			}
			if prior != nil {
				replayed = prior
				return nil
			}
		}

		retailer, err := s.store.GetRetailerTx(ctx, tx, req.RetailerID)
		if err != nil {
			return err
		}
		if err := s.validate(ctx, retailer, total, now); err != nil {
			return err
		}

		if err := s.store.InsertOrderTx(ctx, tx, order); err != nil {
			return err
		}
		if _, err := s.ledger.AppendOrderCreditTx(ctx, tx, req.RetailerID, req.VendorID, order.ID, total); err != nil {
			return err
		}
		for _, it := range order.Items {
			if err := s.store.AdjustStockTx(ctx, tx, req.VendorID, it.ProductID, it.Quantity.Neg()); err != nil {
				return err
			}
		}

		if req.IdempotencyKey != "" {
			resp, _ := json.Marshal(map[string]string{"order_id": order.ID, "order_number": order.OrderNumber})
			return s.store.CompleteIdempotencyKeyTx(ctx, tx, req.IdempotencyKey, resp)
		}
		return nil
	})
	if err != nil {
		s.recordRejection(ctx, req, total, err)
		return nil, err
	}
	if replayed != nil {
		return replayed, nil
	}

	s.logger.Info("order created",
		"order_id", order.ID, "order_number", order.OrderNumber,
		"retailer_id", order.RetailerID, "vendor_id", order.VendorID,
		"total", order.Total.String())
	return order, nil
}

// claimKeyTx claims the idempotency key or resolves a replay. A key reused
// with a different request body is a hard validation error.
func (s *Service) claimKeyTx(ctx context.Context, tx *sql.Tx, req CreateOrderRequest, now time.Time) (*core.Order, error) {
	hash := requestHash(req)
	existing, err := s.store.ClaimIdempotencyKeyTx(ctx, tx, &core.IdempotencyKey{
		Key:           req.IdempotencyKey,
		OperationType: "create_order",
		RequestHash:   hash,
		Status:        "processing",
		ExpiresAt:     now.Add(idempotencyTTL),
		CreatedAt:     now,
	})
	if err == nil {
		return nil, nil
	}
	if !errors.Is(err, apperrors.ErrConflict) {
		return nil, err
	}

	if existing.RequestHash != hash {
		return nil, fmt.Errorf("%w: idempotency key %s reused with a different request",
			apperrors.ErrValidation, req.IdempotencyKey)
	}
	if existing.Status != "completed" {
		// the first request is still in flight
		return nil, fmt.Errorf("%w: operation for key %s still processing",
			apperrors.ErrConflict, req.IdempotencyKey)
	}

	var resp struct {
		OrderID string `json:"order_id"`
	}
	if err := json.Unmarshal(existing.ResponsePayload, &resp); err != nil {
		return nil, fmt.Errorf("corrupt idempotency response for key %s: %w", req.IdempotencyKey, err)
	}
	o, err := s.getOrderTx(ctx, tx, resp.OrderID)
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Service) getOrderTx(ctx context.Context, tx *sql.Tx, id string) (*core.Order, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, order_number, retailer_id, vendor_id, total, credit_used,
			status, payment_status, created_at, delivered_at, cancelled_at
		FROM orders WHERE id = ?`, id)
	var o core.Order
	var total, used string
	var delivered, cancelled sql.NullTime
	err := row.Scan(&o.ID, &o.OrderNumber, &o.RetailerID, &o.VendorID, &total, &used,
		&o.Status, &o.PaymentStatus, &o.CreatedAt, &delivered, &cancelled)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}
	o.Total, _ = decimal.NewFromString(total)
	o.CreditUsed, _ = decimal.NewFromString(used)
	return &o, nil
}

// validate runs the rule chain in fixed order; the first failure wins.
func (s *Service) validate(ctx context.Context, r *core.Retailer, requested decimal.Decimal, now time.Time) error {
	if !r.IsActive {
		return &apperrors.CreditRejection{Reason: apperrors.ReasonAccountInactive, Requested: requested}
	}
	if !r.IsApproved {
		return &apperrors.CreditRejection{Reason: apperrors.ReasonAccountNotApproved, Requested: requested}
	}
	if r.RiskScore >= s.cfg.HighRiskAlert && !r.RiskOverride {
		return &apperrors.CreditRejection{Reason: apperrors.ReasonHighRiskAccount, Requested: requested}
	}

	available := r.AvailableCredit()
	if requested.GreaterThan(available) {
		return &apperrors.CreditRejection{
			Reason:    apperrors.ReasonCreditLimitExceeded,
			Requested: requested,
			Available: available,
			Shortfall: requested.Sub(available),
		}
	}

	cutoff := now.Add(-time.Duration(s.cfg.OverdueBlockDays) * 24 * time.Hour)
	overdue, err := s.ledger.OverdueSince(ctx, r.ID, cutoff)
	if err != nil {
		return err
	}
	if overdue {
		return &apperrors.CreditRejection{Reason: apperrors.ReasonOverdueBlock, Requested: requested}
	}
	return nil
}

// recordRejection files a rejected-order row for admin review. Only credit
// rejections are filed; infrastructure errors are not rejections.
func (s *Service) recordRejection(ctx context.Context, req CreateOrderRequest, total decimal.Decimal, cause error) {
	rej, ok := apperrors.AsCreditRejection(cause)
	if !ok {
		return
	}
	rec := &core.RejectedOrder{
		ID:              uuid.NewString(),
		RetailerID:      req.RetailerID,
		Reason:          string(rej.Reason),
		RequestedAmount: total,
		AvailableCredit: rej.Available,
		Shortfall:       rej.Shortfall,
		RawInput:        req.RawInput,
		CreatedAt:       s.clock.Now().UTC(),
	}
	if err := s.store.CreateRejectedOrder(ctx, rec); err != nil {
		s.logger.Error("failed to file rejected order", "retailer_id", req.RetailerID, "error", err)
		return
	}
	s.logger.Warn("order rejected",
		"retailer_id", req.RetailerID, "reason", rec.Reason,
		"requested", total.String(), "shortfall", rej.Shortfall.String())
}

// CheckCredit runs the rule chain without creating anything; the routing
// layer uses it to pre-screen before vendor selection.
func (s *Service) CheckCredit(ctx context.Context, retailerID string, requested decimal.Decimal) error {
	r, err := s.store.GetRetailer(ctx, retailerID)
	if err != nil {
		return err
	}
	return s.validate(ctx, r, requested, s.clock.Now().UTC())
}

func orderNumber(now time.Time) string {
	suffix := strings.ToUpper(uuid.NewString()[:8])
	return fmt.Sprintf("ORD-%s-%s", now.Format("20060102"), suffix)
}

func requestHash(req CreateOrderRequest) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s", req.RetailerID, req.VendorID)
	for _, it := range req.Items {
		fmt.Fprintf(h, "|%s:%s:%s", it.ProductID, it.Quantity.String(), it.UnitPrice.String())
	}
	return hex.EncodeToString(h.Sum(nil))
}
