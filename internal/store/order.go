package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"wholesale_backend/internal/core"
	apperrors "wholesale_backend/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const orderCols = `id, order_number, retailer_id, vendor_id, total, credit_used,
	status, payment_status, created_at, delivered_at, cancelled_at`

func scanOrder(row interface{ Scan(...interface{}) error }) (*core.Order, error) {
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
	o.Total = scanDec(total)
	o.CreditUsed = scanDec(used)
	o.DeliveredAt = scanNullTime(delivered)
	o.CancelledAt = scanNullTime(cancelled)
	return &o, nil
}

// InsertOrderTx writes the order header, its snapshotted items, and the
// initial PENDING status log row inside the caller's transaction.
func (s *Store) InsertOrderTx(ctx context.Context, tx *sql.Tx, o *core.Order) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO orders (`+orderCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.OrderNumber, o.RetailerID, o.VendorID, decStr(o.Total), decStr(o.CreditUsed),
		o.Status, o.PaymentStatus, o.CreatedAt, nullTime(o.DeliveredAt), nullTime(o.CancelledAt))
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	for i := range o.Items {
		it := &o.Items[i]
		if it.ID == "" {
			it.ID = uuid.NewString()
		}
		it.OrderID = o.ID
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (id, order_id, product_id, product_name, sku, quantity, unit, unit_price, tax_rate, line_total)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			it.ID, it.OrderID, it.ProductID, it.ProductName, it.SKU,
			decStr(it.Quantity), it.Unit, decStr(it.UnitPrice), decStr(it.TaxRate), decStr(it.LineTotal))
		if err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}
	}

	return s.appendStatusLogTx(ctx, tx, o.ID, "", o.Status, "system", "order created")
}

// GetOrder fetches an order with its items.
func (s *Store) GetOrder(ctx context.Context, id string) (*core.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderCols+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, product_id, product_name, sku, quantity, unit, unit_price, tax_rate, line_total
		FROM order_items WHERE order_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var it core.OrderItem
		var qty, price, tax, total string
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.ProductName, &it.SKU,
			&qty, &it.Unit, &price, &tax, &total); err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		it.Quantity = scanDec(qty)
		it.UnitPrice = scanDec(price)
		it.TaxRate = scanDec(tax)
		it.LineTotal = scanDec(total)
		o.Items = append(o.Items, it)
	}
	return o, rows.Err()
}

// TransitionOrderStatus moves an order along the status graph, appending a
// status log row. Illegal moves fail with ErrIllegalTransition.
func (s *Store) TransitionOrderStatus(ctx context.Context, orderID string, to core.OrderStatus, actor, reason string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var from core.OrderStatus
		err := tx.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = ?`, orderID).Scan(&from)
		if err != nil {
			if err == sql.ErrNoRows {
				return apperrors.ErrNotFound
			}
			return fmt.Errorf("failed to read order status: %w", err)
		}

		if !core.CanTransition(from, to) {
			return fmt.Errorf("%w: %s -> %s for order %s",
				apperrors.ErrIllegalTransition, from, to, orderID)
		}

		now := time.Now().UTC()
		switch to {
		case core.OrderDelivered:
			_, err = tx.ExecContext(ctx,
				`UPDATE orders SET status = ?, delivered_at = ? WHERE id = ?`, to, now, orderID)
		case core.OrderCancelled:
			_, err = tx.ExecContext(ctx,
				`UPDATE orders SET status = ?, cancelled_at = ? WHERE id = ?`, to, now, orderID)
		default:
			_, err = tx.ExecContext(ctx,
				`UPDATE orders SET status = ? WHERE id = ?`, to, orderID)
		}
		if err != nil {
			return fmt.Errorf("failed to update order status: %w", err)
		}

		return s.appendStatusLogTx(ctx, tx, orderID, from, to, actor, reason)
	})
}

// ReassignOrderVendor updates vendor_id once per reassignment, with audit.
// The stock reserved at creation moves with the order: restored on the old
// vendor, decremented on the new one, in the same transaction.
func (s *Store) ReassignOrderVendor(ctx context.Context, orderID, newVendorID, reason string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var oldVendor string
		var status core.OrderStatus
		err := tx.QueryRowContext(ctx,
			`SELECT vendor_id, status FROM orders WHERE id = ?`, orderID).Scan(&oldVendor, &status)
		if err != nil {
			if err == sql.ErrNoRows {
				return apperrors.ErrNotFound
			}
			return fmt.Errorf("failed to read order: %w", err)
		}
		if status != core.OrderPending {
			return fmt.Errorf("%w: cannot reassign order in status %s", apperrors.ErrValidation, status)
		}

		_, err = tx.ExecContext(ctx, `UPDATE orders SET vendor_id = ? WHERE id = ?`, newVendorID, orderID)
		if err != nil {
			return fmt.Errorf("failed to reassign vendor: %w", err)
		}

		items, err := s.orderItemQuantitiesTx(ctx, tx, orderID)
		if err != nil {
			return err
		}
		for productID, qty := range items {
			if err := s.AdjustStockTx(ctx, tx, oldVendor, productID, qty); err != nil {
				return fmt.Errorf("failed to release stock on %s: %w", oldVendor, err)
			}
			if err := s.AdjustStockTx(ctx, tx, newVendorID, productID, qty.Neg()); err != nil {
				return fmt.Errorf("failed to reserve stock on %s: %w", newVendorID, err)
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO audit_log (id, actor, action, entity_type, entity_id, old_value, new_value, created_at)
			VALUES (?, 'system', 'vendor_reassignment', 'order', ?, ?, ?, ?)`,
			uuid.NewString(), orderID,
			marshalJSON(map[string]string{"vendor_id": oldVendor}),
			marshalJSON(map[string]string{"vendor_id": newVendorID, "reason": reason}),
			time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to audit reassignment: %w", err)
		}
		return nil
	})
}

// orderItemQuantitiesTx sums ordered quantity per product for one order.
func (s *Store) orderItemQuantitiesTx(ctx context.Context, tx *sql.Tx, orderID string) (map[string]decimal.Decimal, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT product_id, quantity FROM order_items WHERE order_id = ?`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query order items: %w", err)
	}
	defer rows.Close()

	out := make(map[string]decimal.Decimal)
	for rows.Next() {
		var productID, qty string
		if err := rows.Scan(&productID, &qty); err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		out[productID] = out[productID].Add(scanDec(qty))
	}
	return out, rows.Err()
}

func (s *Store) appendStatusLogTx(ctx context.Context, tx *sql.Tx, orderID string, from, to core.OrderStatus, actor, reason string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO order_status_log (id, order_id, from_state, to_state, actor, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), orderID, string(from), string(to), actor, reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to append status log: %w", err)
	}
	return nil
}

// OrderStatusHistory returns the transition log for an order.
func (s *Store) OrderStatusHistory(ctx context.Context, orderID string) ([]core.OrderStatusLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, from_state, to_state, actor, reason, created_at
		FROM order_status_log WHERE order_id = ? ORDER BY created_at`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query status log: %w", err)
	}
	defer rows.Close()

	var out []core.OrderStatusLog
	for rows.Next() {
		var l core.OrderStatusLog
		if err := rows.Scan(&l.ID, &l.OrderID, &l.FromState, &l.ToState, &l.Actor, &l.Reason, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan status log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// StuckOrders returns orders that entered their current status before the
// cutoff instant. Time in status is measured from the latest status log row,
// not from order creation, so a slow earlier stage never trips a later rule.
func (s *Store) StuckOrders(ctx context.Context, status core.OrderStatus, cutoff time.Time) ([]*core.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderCols+` FROM orders o
		WHERE o.status = ? AND (
			SELECT MAX(l.created_at) FROM order_status_log l WHERE l.order_id = o.id
		) < ?
		ORDER BY o.created_at LIMIT 100`, status, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stuck orders: %w", err)
	}
	defer rows.Close()

	var out []*core.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// OrdersByRetailer lists recent orders for analytics.
func (s *Store) OrdersByRetailer(ctx context.Context, retailerID string, since time.Time) ([]*core.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderCols+` FROM orders
		WHERE retailer_id = ? AND created_at >= ? ORDER BY created_at`, retailerID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query retailer orders: %w", err)
	}
	defer rows.Close()

	var out []*core.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// OrdersByVendor lists recent orders for vendor analytics.
func (s *Store) OrdersByVendor(ctx context.Context, vendorID string, since time.Time) ([]*core.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderCols+` FROM orders
		WHERE vendor_id = ? AND created_at >= ? ORDER BY created_at`, vendorID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query vendor orders: %w", err)
	}
	defer rows.Close()

	var out []*core.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
