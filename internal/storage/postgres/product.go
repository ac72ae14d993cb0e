package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/keychain-shop/internal/domain/product"
)

const (
	listProductsSQL = `SELECT id, name, price, stock_quantity, customizable
		FROM products ORDER BY id`

	getProductByIDSQL = `SELECT id, name, price, stock_quantity, customizable
		FROM products WHERE id = $1`

	upsertProductSQL = `INSERT INTO products (name, price, stock_quantity, customizable)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET
			price = EXCLUDED.price,
			stock_quantity = EXCLUDED.stock_quantity,
			customizable = EXCLUDED.customizable
		RETURNING id`
)

var _ product.Catalog = (*ProductRepository)(nil)

// ProductRepository implements product.Catalog backed by PostgreSQL.
type ProductRepository struct {
	db DBTX
}

// NewProductRepository returns a ProductRepository that uses db.
func NewProductRepository(db DBTX) *ProductRepository {
	return &ProductRepository{db: db}
}

// List returns all products ordered by ID.
func (r *ProductRepository) List(ctx context.Context) ([]product.Product, error) {
	rows, err := r.db.Query(ctx, listProductsSQL)
	if err != nil {
		return nil, fmt.Errorf("listing products: %w", err)
	}
	return pgx.CollectRows(rows, scanProduct)
}

// GetByID returns a single product by its identifier.
func (r *ProductRepository) GetByID(ctx context.Context, id int64) (*product.Product, error) {
	rows, err := r.db.Query(ctx, getProductByIDSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting product %d: %w", id, err)
	}

	p, err := pgx.CollectExactlyOneRow(rows, scanProduct)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &product.NotFoundError{ID: id}
		}
		return nil, fmt.Errorf("getting product %d: %w", id, err)
	}
	return &p, nil
}

// Upsert inserts a product or overwrites the one with the same name, and
// returns its ID. It backs catalog seeding.
func (r *ProductRepository) Upsert(ctx context.Context, p product.Product) (int64, error) {
	var id int64
	if err := r.db.QueryRow(ctx, upsertProductSQL, p.Name, p.Price, p.Stock, p.Customizable).Scan(&id); err != nil {
		return 0, fmt.Errorf("upserting product %q: %w", p.Name, err)
	}
	return id, nil
}

func scanProduct(row pgx.CollectableRow) (product.Product, error) {
	var p product.Product
	err := row.Scan(&p.ID, &p.Name, &p.Price, &p.Stock, &p.Customizable)
	return p, err
}
