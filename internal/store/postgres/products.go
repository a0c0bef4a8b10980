package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JonMunkholm/catalogimport/internal/core"
)

// ErrDuplicateSKU is returned when a create collides with an existing SKU.
var ErrDuplicateSKU = errors.New("duplicate sku")

// ProductStore persists products in the products table. The full record is
// kept as JSONB next to the indexed columns. It implements core.ProductStore
// and core.ProductLocator.
type ProductStore struct {
	db DBTX
}

// NewProductStore returns a store using db.
func NewProductStore(db DBTX) *ProductStore {
	return &ProductStore{db: db}
}

const insertProduct = `
INSERT INTO products (id, sku, name, price, status, data)
VALUES ($1, $2, $3, $4, $5, $6)`

// Create implements core.ProductStore.
func (s *ProductStore) Create(ctx context.Context, p core.ProductRecord) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode product %s: %w", p.SKU, err)
	}
	id := uuid.NewString()
	if _, err := s.db.Exec(ctx, insertProduct, id, p.SKU, p.Name, p.Price, p.Status, data); err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("%w: %s", ErrDuplicateSKU, p.SKU)
		}
		return "", fmt.Errorf("insert product %s: %w", p.SKU, err)
	}
	return id, nil
}

const updateProduct = `
UPDATE products
SET sku = $2, name = $3, price = $4, status = $5, data = $6, updated_at = now()
WHERE id = $1`

// Update implements core.ProductStore.
func (s *ProductStore) Update(ctx context.Context, id string, p core.ProductRecord) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode product %s: %w", p.SKU, err)
	}
	tag, err := s.db.Exec(ctx, updateProduct, id, p.SKU, p.Name, p.Price, p.Status, data)
	if err != nil {
		return fmt.Errorf("update product %s: %w", p.SKU, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update product %s: id %s not found", p.SKU, id)
	}
	return nil
}

// FindIDBySKU implements core.ProductLocator.
func (s *ProductStore) FindIDBySKU(ctx context.Context, sku string) (string, bool, error) {
	var id string
	err := s.db.QueryRow(ctx, `SELECT id::text FROM products WHERE sku = $1`, sku).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("find product %s: %w", sku, err)
	}
	return id, true, nil
}
