// Package stock defines the ledger that owns product stock quantities.
package stock

import (
	"context"
	"fmt"
	"math"

	"github.com/go-faster/errors"
)

// MaxQuantity is the largest quantity a single request may carry. Quantity
// columns are int4.
const MaxQuantity = math.MaxInt32

// ErrInsufficientStock is matched by *InsufficientStockError.
var ErrInsufficientStock = errors.New("insufficient stock")

// InsufficientStockError reports a request exceeding the available stock.
type InsufficientStockError struct {
	ProductID   int64
	ProductName string
	Requested   int
	Available   int
}

func (e *InsufficientStockError) Error() string {
	name := e.ProductName
	if name == "" {
		name = fmt.Sprintf("product %d", e.ProductID)
	}
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", name, e.Requested, e.Available)
}

// Is reports whether target is ErrInsufficientStock.
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// Receipt is an inbound delivery that adds stock to a product. ID makes
// replays detectable.
type Receipt struct {
	ID        string
	ProductID int64
	Quantity  int
}

// Ledger mutates product stock. Implementations must make ReserveAndDecrement
// a single conditional write so concurrent callers for the same product
// serialise and stock never becomes negative.
type Ledger interface {
	// ReserveAndDecrement removes quantity from the product's stock, returning
	// the remaining stock. It fails with *product.NotFoundError or
	// *InsufficientStockError without mutating anything.
	ReserveAndDecrement(ctx context.Context, productID int64, quantity int) (int, error)
	// Restore adds quantity back to the product's stock.
	Restore(ctx context.Context, productID int64, quantity int) error
}

// ReceiptLedger applies receipts at most once.
type ReceiptLedger interface {
	// ApplyReceipt adds the receipt's quantity unless a receipt with the same
	// ID was applied before. It reports whether stock changed.
	ApplyReceipt(ctx context.Context, r Receipt) (bool, error)
}

// Validate checks that a receipt can be applied.
func (r Receipt) Validate() error {
	if r.ID == "" {
		return errors.New("receipt id required")
	}
	if r.Quantity <= 0 {
		return errors.Errorf("receipt %s: quantity must be greater than 0", r.ID)
	}
	if r.Quantity > MaxQuantity {
		return errors.Errorf("receipt %s: quantity must not exceed %d", r.ID, MaxQuantity)
	}
	return nil
}
