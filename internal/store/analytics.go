package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// VendorOrderStats aggregates a vendor's order outcomes for reliability
// scoring. Fulfillment hours average only over delivered orders.
type VendorOrderStats struct {
	Total               int
	Delivered           int
	Cancelled           int
	AvgFulfillmentHours float64
}

func (s *Store) VendorOrderStats(ctx context.Context, vendorID string, since time.Time) (VendorOrderStats, error) {
	var st VendorOrderStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'DELIVERED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'CANCELLED' THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(CASE WHEN delivered_at IS NOT NULL
				THEN (julianday(delivered_at) - julianday(created_at)) * 24.0 END), 0)
		FROM orders WHERE vendor_id = ? AND created_at >= ?`, vendorID, since).
		Scan(&st.Total, &st.Delivered, &st.Cancelled, &st.AvgFulfillmentHours)
	if err != nil {
		return st, fmt.Errorf("failed to aggregate vendor orders: %w", err)
	}
	return st, nil
}

// AssignmentStats counts how a vendor responded to assignments.
type AssignmentStats struct {
	Total    int
	Accepted int
}

func (s *Store) VendorAssignmentStats(ctx context.Context, vendorID string, since time.Time) (AssignmentStats, error) {
	var st AssignmentStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0)
		FROM vendor_assignment_retries WHERE vendor_id = ? AND created_at >= ?`, vendorID, since).
		Scan(&st.Total, &st.Accepted)
	if err != nil {
		return st, fmt.Errorf("failed to aggregate vendor assignments: %w", err)
	}
	return st, nil
}

// VendorPriceCompetitiveness scores a vendor's catalog against the market
// average per product, 100 meaning at-or-below market everywhere. This is a
// derived metric; prices keep their decimal truth in vendor_products.
func (s *Store) VendorPriceCompetitiveness(ctx context.Context, vendorID string) (float64, error) {
	var score float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(AVG(
			100.0 * (1.0 - MAX(0.0, CAST(vp.price AS REAL) - m.avg_price) / m.avg_price)
		), 100.0)
		FROM vendor_products vp
		JOIN (
			SELECT product_id, AVG(CAST(price AS REAL)) AS avg_price
			FROM vendor_products WHERE is_available = 1
			GROUP BY product_id
		) m ON m.product_id = vp.product_id AND m.avg_price > 0
		WHERE vp.vendor_id = ?`, vendorID).Scan(&score)
	if err != nil {
		return 0, fmt.Errorf("failed to score price competitiveness: %w", err)
	}
	if score < 0 {
		score = 0
	}
	return score, nil
}

// RetailerOrderStats aggregates a retailer's buying pattern in a window.
type RetailerOrderStats struct {
	Orders     int
	TotalValue float64
	AvgValue   float64
	FirstOrder time.Time
	LastOrder  time.Time
}

func (s *Store) RetailerOrderStats(ctx context.Context, retailerID string, since time.Time) (RetailerOrderStats, error) {
	var st RetailerOrderStats
	var first, last sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CAST(total AS REAL)), 0),
			COALESCE(AVG(CAST(total AS REAL)), 0),
			MIN(created_at), MAX(created_at)
		FROM orders
		WHERE retailer_id = ? AND created_at >= ? AND status != 'CANCELLED'`, retailerID, since).
		Scan(&st.Orders, &st.TotalValue, &st.AvgValue, &first, &last)
	if err != nil {
		return st, fmt.Errorf("failed to aggregate retailer orders: %w", err)
	}
	if first.Valid {
		st.FirstOrder = first.Time
	}
	if last.Valid {
		st.LastOrder = last.Time
	}
	return st, nil
}

// CountRejectionsSince counts credit rejections for a retailer in a window.
func (s *Store) CountRejectionsSince(ctx context.Context, retailerID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM rejected_orders
		WHERE retailer_id = ? AND created_at >= ?`, retailerID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count rejections: %w", err)
	}
	return n, nil
}
