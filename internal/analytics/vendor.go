// Package analytics recomputes derived metrics from stored truth: vendor
// reliability, retailer risk, and per-product price intelligence. Nothing
// here is authoritative; every number can be rebuilt from orders, the ledger
// and the price history.
package analytics

import (
	"context"
	"math"
	"time"

	"wholesale_backend/internal/core"
	"wholesale_backend/internal/ledger"
	"wholesale_backend/internal/notify"
	"wholesale_backend/internal/store"
)

// Reliability weights. They sum to 1.
const (
	weightAcceptance   = 0.25
	weightCompletion   = 0.30
	weightSpeed        = 0.20
	weightCancellation = 0.15
	weightPrice        = 0.10
)

// Fulfillment speed maps linearly from full marks at one day to zero at
// four days.
const (
	speedFullHours = 24.0
	speedZeroHours = 96.0
)

const metricsWindow = 30 * 24 * time.Hour

type Service struct {
	store   *store.Store
	ledger  *ledger.Service
	alerter *notify.Alerter
	logger  core.ILogger
	clock   core.IClock
}

func NewService(st *store.Store, lg *ledger.Service, alerter *notify.Alerter, logger core.ILogger, clock core.IClock) *Service {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Service{store: st, ledger: lg, alerter: alerter, logger: logger, clock: clock}
}

// VendorPerformance is the reliability breakdown for one vendor.
type VendorPerformance struct {
	VendorID             string  `json:"vendor_id"`
	AcceptanceRate       float64 `json:"acceptance_rate"`
	CompletionRate       float64 `json:"completion_rate"`
	CancellationRate     float64 `json:"cancellation_rate"`
	AvgFulfillmentHours  float64 `json:"avg_fulfillment_hours"`
	SpeedScore           float64 `json:"speed_score"`
	PriceCompetitiveness float64 `json:"price_competitiveness"`
	ReliabilityScore     int     `json:"reliability_score"`
}

// RecomputeVendorReliability rebuilds the vendor's reliability score from the
// last 30 days of orders and assignments, and persists it.
func (s *Service) RecomputeVendorReliability(ctx context.Context, vendorID string) (*VendorPerformance, error) {
	since := s.clock.Now().UTC().Add(-metricsWindow)

	orders, err := s.store.VendorOrderStats(ctx, vendorID, since)
	if err != nil {
		return nil, err
	}
	assigns, err := s.store.VendorAssignmentStats(ctx, vendorID, since)
	if err != nil {
		return nil, err
	}
	priceScore, err := s.store.VendorPriceCompetitiveness(ctx, vendorID)
	if err != nil {
		return nil, err
	}

	p := &VendorPerformance{
		VendorID:             vendorID,
		AcceptanceRate:       ratio(assigns.Accepted, assigns.Total),
		CompletionRate:       ratio(orders.Delivered, orders.Total),
		CancellationRate:     zeroRatio(orders.Cancelled, orders.Total),
		AvgFulfillmentHours:  orders.AvgFulfillmentHours,
		PriceCompetitiveness: priceScore,
	}
	p.SpeedScore = speedScore(orders.AvgFulfillmentHours, orders.Delivered)

	score := weightAcceptance*p.AcceptanceRate +
		weightCompletion*p.CompletionRate +
		weightSpeed*p.SpeedScore +
		weightCancellation*(100-p.CancellationRate) +
		weightPrice*p.PriceCompetitiveness
	p.ReliabilityScore = int(math.Round(clamp(score)))

	if err := s.store.UpdateVendorReliability(ctx, vendorID, p.ReliabilityScore); err != nil {
		return nil, err
	}
	s.logger.Info("vendor reliability recomputed",
		"vendor_id", vendorID, "score", p.ReliabilityScore,
		"acceptance", p.AcceptanceRate, "completion", p.CompletionRate)
	return p, nil
}

// RecomputeAllVendors refreshes every vendor; the performance timer calls
// this on its schedule.
func (s *Service) RecomputeAllVendors(ctx context.Context) error {
	vendors, err := s.store.ListVendors(ctx)
	if err != nil {
		return err
	}
	for _, v := range vendors {
		if _, err := s.RecomputeVendorReliability(ctx, v.ID); err != nil {
			s.logger.Error("vendor reliability recompute failed", "vendor_id", v.ID, "error", err)
		}
	}
	return nil
}

// ratio returns part/total as a percentage, 100 when there is no history so
// new vendors start unpenalized.
func ratio(part, total int) float64 {
	if total == 0 {
		return 100
	}
	return 100 * float64(part) / float64(total)
}

// zeroRatio is ratio with 0 for empty history, for penalty-style rates.
func zeroRatio(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return 100 * float64(part) / float64(total)
}

func speedScore(avgHours float64, delivered int) float64 {
	if delivered == 0 {
		return 100
	}
	if avgHours <= speedFullHours {
		return 100
	}
	if avgHours >= speedZeroHours {
		return 0
	}
	return 100 * (speedZeroHours - avgHours) / (speedZeroHours - speedFullHours)
}

func clamp(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 100 {
		return 100
	}
	return f
}
