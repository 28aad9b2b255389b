package analytics

import (
	"context"
	"math"
	"time"

	"wholesale_backend/internal/core"
)

// Risk weights per the credit policy.
const (
	riskWeightOverdue     = 0.5
	riskWeightUtilization = 0.3
	riskWeightRejections  = 0.2
)

const overdueCutoffDays = 30

// RetailerRisk is the recomputed risk breakdown for one retailer.
type RetailerRisk struct {
	RetailerID          string  `json:"retailer_id"`
	OverdueRatio        float64 `json:"overdue_ratio"`
	CreditUtilization   float64 `json:"credit_utilization"`
	RejectionRate30d    float64 `json:"rejection_rate_30d"`
	RiskScore           int     `json:"risk_score"`
	OrdersLast30d       int     `json:"orders_last_30d"`
	TotalPurchaseValue  float64 `json:"total_purchase_value"`
	AvgOrderValue       float64 `json:"avg_order_value"`
	OrderFrequencyWeek  float64 `json:"order_frequency_per_week"`
	OnTimePaymentRatio  float64 `json:"on_time_payment_ratio"`
	AvgPaymentDelayDays float64 `json:"avg_payment_delay_days"`
}

// RecomputeRetailerRisk rebuilds the retailer's risk score from the ledger,
// order history and rejection log, and persists it. The score is derived;
// the admin override flag is untouched.
func (s *Service) RecomputeRetailerRisk(ctx context.Context, retailerID string) (*RetailerRisk, error) {
	now := s.clock.Now().UTC()
	since := now.Add(-metricsWindow)

	r, err := s.store.GetRetailer(ctx, retailerID)
	if err != nil {
		return nil, err
	}
	orders, err := s.store.RetailerOrderStats(ctx, retailerID, since)
	if err != nil {
		return nil, err
	}
	rejections, err := s.store.CountRejectionsSince(ctx, retailerID, since)
	if err != nil {
		return nil, err
	}

	risk := &RetailerRisk{
		RetailerID:         retailerID,
		OrdersLast30d:      orders.Orders,
		TotalPurchaseValue: orders.TotalValue,
		AvgOrderValue:      orders.AvgValue,
	}

	if orders.Orders > 0 {
		span := orders.LastOrder.Sub(orders.FirstOrder)
		weeks := span.Hours() / (24 * 7)
		if weeks < 1 {
			weeks = 1
		}
		risk.OrderFrequencyWeek = float64(orders.Orders) / weeks
	}

	if r.CreditLimit.IsPositive() {
		util, _ := r.OutstandingDebt.Div(r.CreditLimit).Float64()
		risk.CreditUtilization = math.Min(math.Max(util, 0), 1)
	}
	if orders.Orders+rejections > 0 {
		risk.RejectionRate30d = float64(rejections) / float64(orders.Orders+rejections)
	}

	overdue, positive, onTime, avgDelay, err := s.paymentBehavior(ctx, retailerID, now)
	if err != nil {
		return nil, err
	}
	if positive > 0 {
		risk.OverdueRatio = float64(overdue) / float64(positive)
	}
	risk.OnTimePaymentRatio = onTime
	risk.AvgPaymentDelayDays = avgDelay

	score := 100 * (riskWeightOverdue*risk.OverdueRatio +
		riskWeightUtilization*risk.CreditUtilization +
		riskWeightRejections*risk.RejectionRate30d)
	risk.RiskScore = int(math.Round(clamp(score)))

	if err := s.store.UpdateRetailerRiskScore(ctx, retailerID, risk.RiskScore); err != nil {
		return nil, err
	}
	s.logger.Info("retailer risk recomputed",
		"retailer_id", retailerID, "score", risk.RiskScore,
		"overdue_ratio", risk.OverdueRatio, "utilization", risk.CreditUtilization)
	return risk, nil
}

// paymentBehavior walks each vendor's ledger chain, matching payment debits
// against open order credits oldest-first. A credit cleared within the
// overdue window counts as on time.
func (s *Service) paymentBehavior(ctx context.Context, retailerID string, now time.Time) (overduePairs, positivePairs int, onTimeRatio, avgDelayDays float64, err error) {
	vendors, err := s.store.LedgerVendorsForRetailer(ctx, retailerID)
	if err != nil {
		return 0, 0, 0, 0, err
	}

	cutoff := now.Add(-overdueCutoffDays * 24 * time.Hour)
	var settled, onTime int
	var totalDelayDays float64

	for _, vendorID := range vendors {
		entries, err := s.store.LedgerEntries(ctx, retailerID, vendorID)
		if err != nil {
			return 0, 0, 0, 0, err
		}
		if len(entries) == 0 {
			continue
		}

		type openCredit struct{ at time.Time }
		var open []openCredit
		for _, e := range entries {
			switch e.TransactionType {
			case core.TxOrderCredit:
				if !e.IsReversed {
					open = append(open, openCredit{at: e.CreatedAt})
				}
			case core.TxPaymentDebit:
				if len(open) > 0 {
					delay := e.CreatedAt.Sub(open[0].at)
					settled++
					totalDelayDays += delay.Hours() / 24
					if delay <= overdueCutoffDays*24*time.Hour {
						onTime++
					}
					open = open[1:]
				}
			}
		}

		last := entries[len(entries)-1]
		if last.RunningBalance.IsPositive() {
			positivePairs++
			if len(open) > 0 && open[0].at.Before(cutoff) {
				overduePairs++
			}
		}
	}

	onTimeRatio = 1
	if settled > 0 {
		onTimeRatio = float64(onTime) / float64(settled)
		avgDelayDays = totalDelayDays / float64(settled)
	}
	return overduePairs, positivePairs, onTimeRatio, avgDelayDays, nil
}

// RecomputeAllRetailers refreshes every retailer's risk score.
func (s *Service) RecomputeAllRetailers(ctx context.Context) error {
	retailers, err := s.store.ListRetailers(ctx)
	if err != nil {
		return err
	}
	for _, r := range retailers {
		if _, err := s.RecomputeRetailerRisk(ctx, r.ID); err != nil {
			s.logger.Error("retailer risk recompute failed", "retailer_id", r.ID, "error", err)
		}
	}
	return nil
}
