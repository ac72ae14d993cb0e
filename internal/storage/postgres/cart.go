package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/keychain-shop/internal/domain/cart"
	"github.com/xenking/keychain-shop/internal/domain/customer"
)

const (
	getCartIDSQL = `SELECT id FROM carts WHERE customer_id = $1`

	// Creates the cart on first use and locks its row until the
	// transaction ends.
	lockCartSQL = `INSERT INTO carts (customer_id) VALUES ($1)
		ON CONFLICT (customer_id) DO UPDATE SET updated_at = now()
		RETURNING id`

	listCartItemsSQL = `SELECT product_id, quantity FROM cart_items
		WHERE cart_id = $1 ORDER BY id`

	clearCartItemsSQL = `DELETE FROM cart_items WHERE cart_id = $1`

	insertCartItemsSQL = `INSERT INTO cart_items (cart_id, product_id, quantity)
		SELECT $1, item.product_id, item.quantity
		FROM unnest($2::bigint[], $3::int[]) WITH ORDINALITY AS item(product_id, quantity, n)
		ORDER BY item.n`
)

var _ cart.Repository = (*CartRepository)(nil)

// CartRepository implements cart.Repository backed by PostgreSQL.
type CartRepository struct {
	db DBTX
}

// NewCartRepository returns a CartRepository that uses db.
func NewCartRepository(db DBTX) *CartRepository {
	return &CartRepository{db: db}
}

// Get returns the customer's cart, or an empty cart if none is stored.
func (r *CartRepository) Get(ctx context.Context, customerID int64) (*cart.Cart, error) {
	c := &cart.Cart{CustomerID: customerID}
	err := r.db.QueryRow(ctx, getCartIDSQL, customerID).Scan(&c.ID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return c, nil
		}
		return nil, fmt.Errorf("getting cart of customer %d: %w", customerID, err)
	}
	if c.Items, err = r.items(ctx, r.db, c.ID); err != nil {
		return nil, err
	}
	return c, nil
}

// Update locks the cart row, applies fn and rewrites the items. It runs in
// its own transaction, or in a savepoint when r is bound to one.
func (r *CartRepository) Update(ctx context.Context, customerID int64, fn func(c *cart.Cart) error) (*cart.Cart, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning cart update: %w", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	c := &cart.Cart{CustomerID: customerID}
	if err := tx.QueryRow(ctx, lockCartSQL, customerID).Scan(&c.ID); err != nil {
		if isForeignKeyViolation(err) {
			return nil, customer.ErrNotFound
		}
		return nil, fmt.Errorf("locking cart of customer %d: %w", customerID, err)
	}
	if c.Items, err = r.items(ctx, tx, c.ID); err != nil {
		return nil, err
	}

	if err := fn(c); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, clearCartItemsSQL, c.ID); err != nil {
		return nil, fmt.Errorf("clearing cart %d: %w", c.ID, err)
	}
	if len(c.Items) > 0 {
		productIDs := make([]int64, len(c.Items))
		quantities := make([]int32, len(c.Items))
		for i, it := range c.Items {
			productIDs[i] = it.ProductID
			quantities[i] = int32(it.Quantity)
		}
		if _, err := tx.Exec(ctx, insertCartItemsSQL, c.ID, productIDs, quantities); err != nil {
			return nil, fmt.Errorf("writing cart %d: %w", c.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing cart %d: %w", c.ID, err)
	}
	return c, nil
}

func (r *CartRepository) items(ctx context.Context, db DBTX, cartID int64) ([]cart.Item, error) {
	rows, err := db.Query(ctx, listCartItemsSQL, cartID)
	if err != nil {
		return nil, fmt.Errorf("listing items of cart %d: %w", cartID, err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (cart.Item, error) {
		var it cart.Item
		err := row.Scan(&it.ProductID, &it.Quantity)
		return it, err
	})
	if err != nil {
		return nil, fmt.Errorf("listing items of cart %d: %w", cartID, err)
	}
	return items, nil
}
