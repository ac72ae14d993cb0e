package order

import (
	"fmt"

	"github.com/go-faster/errors"

	"github.com/xenking/keychain-shop/internal/domain/stock"
)

// Sentinel errors for order operations.
var (
	ErrEmptyLines = errors.New("at least one line required")
	ErrNotFound   = errors.New("order not found")
	// ErrTransactionConflict marks a checkout aborted by lock contention,
	// deadlock or serialization failure. The operation can be retried.
	ErrTransactionConflict = errors.New("transaction conflict")
)

// MaxCustomizationLength bounds the customization note of a line.
const MaxCustomizationLength = 255

// InvalidQuantityError indicates a line quantity outside [1, stock.MaxQuantity].
type InvalidQuantityError struct {
	ProductID int64
	Quantity  int
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("quantity must be between 1 and %d for product %d, got %d", stock.MaxQuantity, e.ProductID, e.Quantity)
}

// CustomizationError rejects a customization note.
type CustomizationError struct {
	ProductID int64
	Reason    string
}

func (e *CustomizationError) Error() string {
	return fmt.Sprintf("customization for product %d: %s", e.ProductID, e.Reason)
}

// InvalidStatusError indicates an unknown status value.
type InvalidStatusError struct {
	Value string
}

func (e *InvalidStatusError) Error() string {
	return fmt.Sprintf("unknown order status %q", e.Value)
}

// InvalidStatusTransitionError reports a status change the state machine
// does not allow.
type InvalidStatusTransitionError struct {
	Current   Status
	Requested Status
}

func (e *InvalidStatusTransitionError) Error() string {
	return fmt.Sprintf("cannot change order status from %s to %s", e.Current, e.Requested)
}
