package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/keychain-shop/internal/domain/product"
	"github.com/xenking/keychain-shop/internal/domain/stock"
)

const (
	// The predicate and the write are one statement: the row lock is taken
	// before stock_quantity is compared, and a waiting transaction re-checks
	// the predicate against the committed row.
	decrementStockSQL = `UPDATE products SET stock_quantity = stock_quantity - $2
		WHERE id = $1 AND stock_quantity >= $2
		RETURNING stock_quantity`

	getStockSQL = `SELECT name, stock_quantity FROM products WHERE id = $1`

	restoreStockSQL = `UPDATE products SET stock_quantity = stock_quantity + $2 WHERE id = $1`

	insertReceiptSQL = `INSERT INTO stock_receipts (id, product_id, quantity)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING`
)

var (
	_ stock.Ledger        = (*StockLedger)(nil)
	_ stock.ReceiptLedger = (*StockLedger)(nil)
)

// StockLedger implements stock.Ledger backed by PostgreSQL.
type StockLedger struct {
	db DBTX
}

// NewStockLedger returns a StockLedger that uses db.
func NewStockLedger(db DBTX) *StockLedger {
	return &StockLedger{db: db}
}

// ReserveAndDecrement conditionally decrements stock.
func (l *StockLedger) ReserveAndDecrement(ctx context.Context, productID int64, quantity int) (int, error) {
	var left int
	err := l.db.QueryRow(ctx, decrementStockSQL, productID, quantity).Scan(&left)
	if err == nil {
		return left, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("decrementing stock of product %d: %w", productID, err)
	}

	var (
		name      string
		available int
	)
	if err := l.db.QueryRow(ctx, getStockSQL, productID).Scan(&name, &available); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, &product.NotFoundError{ID: productID}
		}
		return 0, fmt.Errorf("reading stock of product %d: %w", productID, err)
	}
	return 0, &stock.InsufficientStockError{
		ProductID:   productID,
		ProductName: name,
		Requested:   quantity,
		Available:   available,
	}
}

// Restore adds quantity back to the product's stock.
func (l *StockLedger) Restore(ctx context.Context, productID int64, quantity int) error {
	tag, err := l.db.Exec(ctx, restoreStockSQL, productID, quantity)
	if err != nil {
		return fmt.Errorf("restoring stock of product %d: %w", productID, err)
	}
	if tag.RowsAffected() == 0 {
		return &product.NotFoundError{ID: productID}
	}
	return nil
}

// ApplyReceipt records the receipt and restores its quantity in one
// transaction. A receipt ID seen before is skipped.
func (l *StockLedger) ApplyReceipt(ctx context.Context, r stock.Receipt) (bool, error) {
	if err := r.Validate(); err != nil {
		return false, err
	}

	tx, err := l.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("beginning receipt %s: %w", r.ID, err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	tag, err := tx.Exec(ctx, insertReceiptSQL, r.ID, r.ProductID, r.Quantity)
	if err != nil {
		if isForeignKeyViolation(err) {
			return false, &product.NotFoundError{ID: r.ProductID}
		}
		return false, fmt.Errorf("recording receipt %s: %w", r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if err := NewStockLedger(tx).Restore(ctx, r.ProductID, r.Quantity); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("committing receipt %s: %w", r.ID, err)
	}
	return true, nil
}
