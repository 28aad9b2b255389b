package analytics

import (
	"context"
	"math"
	"sort"

	"wholesale_backend/internal/core"
	"wholesale_backend/internal/notify"

	"github.com/shopspring/decimal"
)

// Abnormal price change thresholds, in percent.
const (
	priceAlertThreshold    = 20.0
	priceCriticalThreshold = 50.0
)

// Trend labels for a product's 30-day price direction.
const (
	TrendIncreasing = "increasing"
	TrendDecreasing = "decreasing"
	TrendStable     = "stable"
)

// trend flips when the net 30-day move crosses this percentage
const trendBand = 5.0

// PriceReport is the recomputed market view for one product.
type PriceReport struct {
	ProductID    string          `json:"product_id"`
	VendorCount  int             `json:"vendor_count"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
	MinPrice     decimal.Decimal `json:"min_price"`
	MaxPrice     decimal.Decimal `json:"max_price"`
	MedianPrice  decimal.Decimal `json:"median_price"`
	Volatility   float64         `json:"volatility"`
	Trend        string          `json:"trend"`
	LowestVendor string          `json:"lowest_vendor"`
}

// RecomputePriceReport rebuilds market analytics for one product from the
// current offers and the 30-day price history.
func (s *Service) RecomputePriceReport(ctx context.Context, productID string) (*PriceReport, error) {
	offers, err := s.store.VendorsForProduct(ctx, productID)
	if err != nil {
		return nil, err
	}

	report := &PriceReport{ProductID: productID, Trend: TrendStable}
	prices := make([]decimal.Decimal, 0, len(offers))
	for _, o := range offers {
		if !o.IsAvailable {
			continue
		}
		prices = append(prices, o.Price)
		if report.LowestVendor == "" || o.Price.LessThan(report.MinPrice) {
			report.MinPrice = o.Price
			report.LowestVendor = o.Vendor.ID
		}
		if o.Price.GreaterThan(report.MaxPrice) {
			report.MaxPrice = o.Price
		}
	}
	report.VendorCount = len(prices)
	if len(prices) == 0 {
		return report, nil
	}

	sum := decimal.Zero
	for _, p := range prices {
		sum = sum.Add(p)
	}
	report.AvgPrice = sum.Div(decimal.NewFromInt(int64(len(prices))))
	report.MedianPrice = median(prices)

	history, err := s.store.PriceHistorySince(ctx, productID, s.clock.Now().UTC().Add(-metricsWindow))
	if err != nil {
		return nil, err
	}
	report.Volatility = volatility(history)
	report.Trend = trend(history)
	return report, nil
}

// HandlePriceChange grades one price-history row against the abnormal-change
// thresholds and raises an alert when crossed. The price analytics timer and
// the catalog update path both route changes through here.
func (s *Service) HandlePriceChange(ctx context.Context, ph *core.PriceHistory, productName, vendorName string) {
	pct, _ := ph.ChangePct.Abs().Float64()
	switch {
	case pct > priceCriticalThreshold:
		s.alerter.PriceSpike(ctx, productName, vendorName, ph.OldPrice, ph.NewPrice, ph.ChangePct, notify.SeverityCritical)
	case pct > priceAlertThreshold:
		s.alerter.PriceSpike(ctx, productName, vendorName, ph.OldPrice, ph.NewPrice, ph.ChangePct, notify.SeverityWarning)
	}
}

func median(prices []decimal.Decimal) decimal.Decimal {
	sorted := make([]decimal.Decimal, len(prices))
	copy(sorted, prices)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return sorted[mid-1].Add(sorted[mid]).Div(decimal.NewFromInt(2))
}

// volatility is the standard deviation of the window's change percentages.
func volatility(history []*core.PriceHistory) float64 {
	if len(history) < 2 {
		return 0
	}
	var sum float64
	pcts := make([]float64, len(history))
	for i, h := range history {
		pcts[i], _ = h.ChangePct.Float64()
		sum += pcts[i]
	}
	mean := sum / float64(len(pcts))
	var sq float64
	for _, p := range pcts {
		sq += (p - mean) * (p - mean)
	}
	return math.Sqrt(sq / float64(len(pcts)))
}

// trend reads the direction of the net move across the window.
func trend(history []*core.PriceHistory) string {
	var net float64
	for _, h := range history {
		pct, _ := h.ChangePct.Float64()
		net += pct
	}
	switch {
	case net > trendBand:
		return TrendIncreasing
	case net < -trendBand:
		return TrendDecreasing
	default:
		return TrendStable
	}
}
