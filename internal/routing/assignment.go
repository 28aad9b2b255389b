package routing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wholesale_backend/internal/core"
	apperrors "wholesale_backend/pkg/errors"

	"github.com/google/uuid"
)

// Assign records a vendor assignment with its response deadline. The vendor
// must accept before the deadline or the recovery sweep reassigns the order.
func (s *Service) Assign(ctx context.Context, orderID, vendorID string) (*core.VendorAssignmentRetry, error) {
	attempt, err := s.store.LatestAssignmentAttempt(ctx, orderID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	a := &core.VendorAssignmentRetry{
		ID:               uuid.NewString(),
		OrderID:          orderID,
		VendorID:         vendorID,
		AttemptNumber:    attempt + 1,
		Status:           core.AssignPending,
		ResponseDeadline: now.Add(time.Duration(s.cfg.ResponseDeadlineHours) * time.Hour),
		CreatedAt:        now,
	}
	if err := s.store.CreateAssignmentRetry(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// AcceptAssignment records that the vendor responded in time and moves the
// order to CONFIRMED.
func (s *Service) AcceptAssignment(ctx context.Context, a *core.VendorAssignmentRetry) error {
	if err := s.store.ResolveAssignmentRetry(ctx, a.ID, core.AssignSuccess, ""); err != nil {
		return err
	}
	return s.store.TransitionOrderStatus(ctx, a.OrderID, core.OrderConfirmed, "vendor", "assignment accepted")
}

// ReassignResult reports one reassignment attempt of the deadline sweep.
type ReassignResult struct {
	OrderID   string
	OldVendor string
	NewVendor string
	Attempt   int
	Escalated bool
}

// HandleExpiredAssignment re-runs selection with all previously tried vendors
// excluded. The order stays PENDING throughout; only after MaxVendorAttempts
// is the case escalated to manual routing.
func (s *Service) HandleExpiredAssignment(ctx context.Context, a *core.VendorAssignmentRetry) (*ReassignResult, error) {
	if err := s.store.ResolveAssignmentRetry(ctx, a.ID, core.AssignTimeout, "response deadline missed"); err != nil {
		return nil, err
	}

	res := &ReassignResult{OrderID: a.OrderID, OldVendor: a.VendorID, Attempt: a.AttemptNumber}
	if a.AttemptNumber >= s.cfg.MaxVendorAttempts {
		res.Escalated = true
		s.logger.Error("vendor assignment attempts exhausted, escalating to manual routing",
			"order_id", a.OrderID, "attempts", a.AttemptNumber)
		return res, nil
	}

	newVendor, err := s.Reroute(ctx, a.OrderID, "response deadline missed")
	if err != nil {
		return nil, err
	}
	if newVendor == "" {
		res.Escalated = true
		s.logger.Error("no replacement vendor available, escalating",
			"order_id", a.OrderID)
		return res, nil
	}

	res.NewVendor = newVendor
	s.logger.Info("order reassigned after vendor timeout",
		"order_id", a.OrderID, "old_vendor", a.VendorID,
		"new_vendor", newVendor, "attempt", a.AttemptNumber+1)
	return res, nil
}

// Reroute moves a PENDING order to a fresh vendor, excluding every vendor
// already tried. Returns the new vendor id, or empty when no candidate is
// left or the order already moved past PENDING.
func (s *Service) Reroute(ctx context.Context, orderID, reason string) (string, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	if order.Status != core.OrderPending {
		// the vendor responded through another path while the sweep ran
		return "", nil
	}
	if len(order.Items) == 0 {
		return "", fmt.Errorf("%w: order %s has no items to route", apperrors.ErrValidation, orderID)
	}

	tried, err := s.store.AssignedVendors(ctx, orderID)
	if err != nil {
		return "", err
	}

	// the first item anchors routing; multi-product orders are split upstream
	sel, err := s.Select(ctx, SelectionRequest{
		ProductID: order.Items[0].ProductID,
		Quantity:  order.Items[0].Quantity,
		OrderID:   orderID,
		Exclude:   tried,
	})
	if err != nil {
		// an exhausted candidate pool is an escalation, not a failure
		if errors.Is(err, apperrors.ErrVendorUnavailable) {
			return "", nil
		}
		return "", err
	}

	if err := s.store.ReassignOrderVendor(ctx, orderID, sel.Vendor.ID, reason); err != nil {
		return "", err
	}
	if _, err := s.Assign(ctx, orderID, sel.Vendor.ID); err != nil {
		return "", err
	}
	return sel.Vendor.ID, nil
}
