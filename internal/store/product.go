package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"wholesale_backend/internal/core"
	apperrors "wholesale_backend/pkg/errors"
)

func scanProduct(row interface{ Scan(...interface{}) error }) (*core.Product, error) {
	var p core.Product
	var aliases string
	err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.Unit, &p.Category, &aliases)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan product: %w", err)
	}
	_ = json.Unmarshal([]byte(aliases), &p.Aliases)
	return &p, nil
}

// CreateProduct inserts a canonical SKU.
func (s *Store) CreateProduct(ctx context.Context, p *core.Product) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, sku, name, unit, category, aliases)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.SKU, p.Name, p.Unit, p.Category, string(marshalJSON(p.Aliases)))
	if err != nil {
		return fmt.Errorf("failed to insert product: %w", err)
	}
	return nil
}

// GetProduct fetches by id.
func (s *Store) GetProduct(ctx context.Context, id string) (*core.Product, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, sku, name, unit, category, aliases FROM products WHERE id = ?`, id)
	return scanProduct(row)
}

// GetProductBySKU fetches by exact SKU.
func (s *Store) GetProductBySKU(ctx context.Context, sku string) (*core.Product, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, sku, name, unit, category, aliases FROM products WHERE sku = ?`, sku)
	return scanProduct(row)
}

// ListProducts returns the full catalog. The parser's matcher indexes this
// in memory; catalogs here are thousands of rows, not millions.
func (s *Store) ListProducts(ctx context.Context) ([]*core.Product, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sku, name, unit, category, aliases FROM products`)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	var out []*core.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SearchProducts does a LIKE full-text pass, the matcher's last tier.
func (s *Store) SearchProducts(ctx context.Context, term string) ([]*core.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sku, name, unit, category, aliases FROM products
		WHERE name LIKE '%' || ? || '%' OR aliases LIKE '%' || ? || '%'
		LIMIT 20`, term, term)
	if err != nil {
		return nil, fmt.Errorf("failed to search products: %w", err)
	}
	defer rows.Close()

	var out []*core.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
