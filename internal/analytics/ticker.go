package analytics

import (
	"context"
	"time"
)

// Run recomputes every derived metric on a fixed interval: vendor
// reliability, retailer risk, and the per-product price reports. Each group
// is isolated so one broken table never blocks the others.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.recomputeAll(ctx)
		}
	}
}

func (s *Service) recomputeAll(ctx context.Context) {
	if err := s.RecomputeAllVendors(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("vendor metrics recompute failed", "error", err)
	}
	if err := s.RecomputeAllRetailers(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("retailer metrics recompute failed", "error", err)
	}

	products, err := s.store.ListProducts(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("price report recompute failed", "error", err)
		}
		return
	}
	for _, p := range products {
		if _, err := s.RecomputePriceReport(ctx, p.ID); err != nil && ctx.Err() == nil {
			s.logger.Error("price report recompute failed", "product_id", p.ID, "error", err)
		}
	}
}
