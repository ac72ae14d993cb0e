package order

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInProcess Status = "in_process"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// transitions lists the allowed moves out of each status.
var transitions = map[Status][]Status{
	StatusPending:   {StatusInProcess, StatusCancelled},
	StatusInProcess: {StatusCompleted, StatusCancelled},
}

// ParseStatus converts s into a Status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusInProcess, StatusCompleted, StatusCancelled:
		return st, nil
	default:
		return "", &InvalidStatusError{Value: s}
	}
}

// CanTransition reports whether an order in status s may move to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Order is a placed purchase. Total and line prices are captured when the
// order is created and never recomputed.
type Order struct {
	ID         string
	CustomerID *int64
	Status     Status
	Total      decimal.Decimal
	CreatedAt  time.Time
	Lines      []Line
}

// Line is a single product entry of an order. ProductID is nil once the
// product has been deleted from the catalog.
type Line struct {
	ID            int64
	Position      int
	ProductID     *int64
	ProductName   string
	Quantity      int
	UnitPrice     decimal.Decimal
	Subtotal      decimal.Decimal
	Customization string
}

// LineRequest is a caller's request to buy Quantity units of a product.
type LineRequest struct {
	ProductID     int64
	Quantity      int
	Customization string
}

// LineSubtotal returns price multiplied by quantity.
func LineSubtotal(price decimal.Decimal, quantity int) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(int64(quantity)))
}

// Total sums the subtotals of lines.
func Total(lines []Line) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Subtotal)
	}
	return total
}

// ListFilter narrows order listings. A nil CustomerID lists every customer.
type ListFilter struct {
	CustomerID *int64
	Limit      int
}

// Repository defines persistence operations for orders.
type Repository interface {
	// Create inserts the order header.
	Create(ctx context.Context, o *Order) error
	// AddLine appends a line to an existing order and sets l.ID.
	AddLine(ctx context.Context, orderID string, l *Line) error
	// SetTotal records the final order total.
	SetTotal(ctx context.Context, orderID string, total decimal.Decimal) error
	// Get returns the order with its lines, or ErrNotFound.
	Get(ctx context.Context, id string) (*Order, error)
	// GetForUpdate is Get that also locks the order until the transaction ends.
	GetForUpdate(ctx context.Context, id string) (*Order, error)
	// UpdateStatus overwrites the stored status.
	UpdateStatus(ctx context.Context, id string, status Status) error
	// List returns orders newest first, each with its lines.
	List(ctx context.Context, f ListFilter) ([]Order, error)
}
