package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"wholesale_backend/internal/core"
	apperrors "wholesale_backend/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const vendorCols = `id, name, phone, is_approved, is_active, reliability_score,
	wh_start, wh_end, wh_tz, max_active_orders, max_pending_orders, delivery_zones, district, created_at`

func scanVendor(row interface{ Scan(...interface{}) error }) (*core.Vendor, error) {
	var v core.Vendor
	var zones string
	err := row.Scan(&v.ID, &v.Name, &v.Phone, &v.IsApproved, &v.IsActive, &v.ReliabilityScore,
		&v.WorkingHours.StartHour, &v.WorkingHours.EndHour, &v.WorkingHours.Timezone,
		&v.MaxActiveOrders, &v.MaxPendingOrders, &zones, &v.District, &v.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan vendor: %w", err)
	}
	_ = json.Unmarshal([]byte(zones), &v.DeliveryZones)
	return &v, nil
}

// CreateVendor inserts a new vendor.
func (s *Store) CreateVendor(ctx context.Context, v *core.Vendor) error {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO vendors (`+vendorCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.Name, v.Phone, v.IsApproved, v.IsActive, v.ReliabilityScore,
		v.WorkingHours.StartHour, v.WorkingHours.EndHour, v.WorkingHours.Timezone,
		v.MaxActiveOrders, v.MaxPendingOrders, string(marshalJSON(v.DeliveryZones)),
		v.District, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert vendor: %w", err)
	}
	return nil
}

// GetVendor fetches a vendor by id.
func (s *Store) GetVendor(ctx context.Context, id string) (*core.Vendor, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+vendorCols+` FROM vendors WHERE id = ?`, id)
	return scanVendor(row)
}

// ListVendors returns all vendors.
func (s *Store) ListVendors(ctx context.Context) ([]*core.Vendor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+vendorCols+` FROM vendors`)
	if err != nil {
		return nil, fmt.Errorf("failed to list vendors: %w", err)
	}
	defer rows.Close()

	var out []*core.Vendor
	for rows.Next() {
		v, err := scanVendor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// UpdateVendorReliability is called by the analytics sweep only.
func (s *Store) UpdateVendorReliability(ctx context.Context, vendorID string, score int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE vendors SET reliability_score = ? WHERE id = ?`, score, vendorID)
	if err != nil {
		return fmt.Errorf("failed to update reliability: %w", err)
	}
	return nil
}

// VendorsForProduct returns vendors with an available offer for the product,
// joined with their offer.
func (s *Store) VendorsForProduct(ctx context.Context, productID string) ([]VendorOffer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+vendorCols+`, vp.price, vp.stock, vp.min_order_qty, vp.max_order_qty, vp.is_available
		FROM vendors v JOIN vendor_products vp ON vp.vendor_id = v.id
		WHERE vp.product_id = ?`, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to query vendor offers: %w", err)
	}
	defer rows.Close()

	var out []VendorOffer
	for rows.Next() {
		var v core.Vendor
		var zones, price, stock, minQ, maxQ string
		var available bool
		err := rows.Scan(&v.ID, &v.Name, &v.Phone, &v.IsApproved, &v.IsActive, &v.ReliabilityScore,
			&v.WorkingHours.StartHour, &v.WorkingHours.EndHour, &v.WorkingHours.Timezone,
			&v.MaxActiveOrders, &v.MaxPendingOrders, &zones, &v.District, &v.CreatedAt,
			&price, &stock, &minQ, &maxQ, &available)
		if err != nil {
			return nil, fmt.Errorf("failed to scan vendor offer: %w", err)
		}
		_ = json.Unmarshal([]byte(zones), &v.DeliveryZones)
		out = append(out, VendorOffer{
			Vendor:      v,
			Price:       scanDec(price),
			Stock:       scanDec(stock),
			MinOrderQty: scanDec(minQ),
			MaxOrderQty: scanDec(maxQ),
			IsAvailable: available,
		})
	}
	return out, rows.Err()
}

// VendorOffer is a vendor joined with its offer for one product.
type VendorOffer struct {
	Vendor      core.Vendor
	Price       decimal.Decimal
	Stock       decimal.Decimal
	MinOrderQty decimal.Decimal
	MaxOrderQty decimal.Decimal
	IsAvailable bool
}

// VendorLoad is the current open-order load for a vendor.
type VendorLoad struct {
	ActiveOrders  int
	PendingOrders int
}

// GetVendorLoad counts open orders. Active covers every non-terminal status
// past PENDING; pending counts PENDING only.
func (s *Store) GetVendorLoad(ctx context.Context, vendorID string) (VendorLoad, error) {
	var load VendorLoad
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN status IN ('CONFIRMED','ACCEPTED','DISPATCHED') THEN 1 END),
			COUNT(CASE WHEN status = 'PENDING' THEN 1 END)
		FROM orders WHERE vendor_id = ?`, vendorID).Scan(&load.ActiveOrders, &load.PendingOrders)
	if err != nil {
		return load, fmt.Errorf("failed to count vendor load: %w", err)
	}
	return load, nil
}

// MarketShare returns the vendor's share of order count for a product over
// the trailing window.
func (s *Store) MarketShare(ctx context.Context, vendorID, productID string, since time.Time) (float64, error) {
	var vendorCount, totalCount int
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN o.vendor_id = ? THEN 1 END),
			COUNT(*)
		FROM orders o
		JOIN order_items oi ON oi.order_id = o.id
		WHERE oi.product_id = ? AND o.created_at >= ? AND o.status != 'CANCELLED'`,
		vendorID, productID, since).Scan(&vendorCount, &totalCount)
	if err != nil {
		return 0, fmt.Errorf("failed to compute market share: %w", err)
	}
	if totalCount == 0 {
		return 0, nil
	}
	return float64(vendorCount) / float64(totalCount), nil
}

// UpsertVendorProduct writes an offer. A price change emits a price_history
// row in the same transaction.
func (s *Store) UpsertVendorProduct(ctx context.Context, vp *core.VendorProduct) (*core.PriceHistory, error) {
	var hist *core.PriceHistory
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var oldPrice string
		err := tx.QueryRowContext(ctx,
			`SELECT price FROM vendor_products WHERE vendor_id = ? AND product_id = ?`,
			vp.VendorID, vp.ProductID).Scan(&oldPrice)
		exists := err == nil
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("failed to read existing offer: %w", err)
		}

		vp.UpdatedAt = time.Now().UTC()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO vendor_products (vendor_id, product_id, price, stock, is_available, min_order_qty, max_order_qty, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(vendor_id, product_id) DO UPDATE SET
				price = excluded.price, stock = excluded.stock, is_available = excluded.is_available,
				min_order_qty = excluded.min_order_qty, max_order_qty = excluded.max_order_qty,
				updated_at = excluded.updated_at`,
			vp.VendorID, vp.ProductID, decStr(vp.Price), decStr(vp.Stock), vp.IsAvailable,
			decStr(vp.MinOrderQty), decStr(vp.MaxOrderQty), vp.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert vendor product: %w", err)
		}

		if exists {
			old := scanDec(oldPrice)
			if !old.Equal(vp.Price) && !old.IsZero() {
				changePct := vp.Price.Sub(old).Div(old).Mul(decimal.NewFromInt(100))
				hist = &core.PriceHistory{
					ID:        uuid.NewString(),
					VendorID:  vp.VendorID,
					ProductID: vp.ProductID,
					OldPrice:  old,
					NewPrice:  vp.Price,
					ChangePct: changePct,
					CreatedAt: vp.UpdatedAt,
				}
				_, err = tx.ExecContext(ctx, `
					INSERT INTO price_history (id, vendor_id, product_id, old_price, new_price, change_pct, created_at)
					VALUES (?, ?, ?, ?, ?, ?, ?)`,
					hist.ID, hist.VendorID, hist.ProductID, decStr(hist.OldPrice),
					decStr(hist.NewPrice), decStr(hist.ChangePct), hist.CreatedAt)
				if err != nil {
					return fmt.Errorf("failed to insert price history: %w", err)
				}
			}
		}
		return nil
	})
	return hist, err
}

// AdjustStockTx decrements stock inside the order transaction.
func (s *Store) AdjustStockTx(ctx context.Context, tx *sql.Tx, vendorID, productID string, delta decimal.Decimal) error {
	var stock string
	err := tx.QueryRowContext(ctx,
		`SELECT stock FROM vendor_products WHERE vendor_id = ? AND product_id = ?`,
		vendorID, productID).Scan(&stock)
	if err != nil {
		if err == sql.ErrNoRows {
			return apperrors.ErrNotFound
		}
		return fmt.Errorf("failed to read stock: %w", err)
	}
	newStock := scanDec(stock).Add(delta)
	if newStock.IsNegative() {
		return fmt.Errorf("%w: stock would go negative for vendor %s product %s",
			apperrors.ErrValidation, vendorID, productID)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE vendor_products SET stock = ? WHERE vendor_id = ? AND product_id = ?`,
		decStr(newStock), vendorID, productID)
	if err != nil {
		return fmt.Errorf("failed to update stock: %w", err)
	}
	return nil
}
