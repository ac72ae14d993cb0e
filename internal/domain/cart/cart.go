// Package cart holds customers' pending product selections.
package cart

import (
	"context"

	"github.com/shopspring/decimal"
)

// Cart is a customer's pending selection. Items keep insertion order and
// hold at most one entry per product.
type Cart struct {
	ID         int64
	CustomerID int64
	Items      []Item
}

// Item is a product selected into a cart. Name, UnitPrice and Subtotal are
// filled from the catalog when the cart is read and are not persisted.
type Item struct {
	ProductID int64
	Quantity  int
	Name      string
	UnitPrice decimal.Decimal
	Subtotal  decimal.Decimal
}

// Find returns the index of the item for productID, or -1.
func (c *Cart) Find(productID int64) int {
	for i := range c.Items {
		if c.Items[i].ProductID == productID {
			return i
		}
	}
	return -1
}

// Add merges quantity into the item for productID, appending a new item when
// the product is not yet in the cart. It returns the resulting quantity.
func (c *Cart) Add(productID int64, quantity int) int {
	if i := c.Find(productID); i >= 0 {
		c.Items[i].Quantity += quantity
		return c.Items[i].Quantity
	}
	c.Items = append(c.Items, Item{ProductID: productID, Quantity: quantity})
	return quantity
}

// Remove deletes the item for productID. Removing an absent product is a no-op.
func (c *Cart) Remove(productID int64) {
	if i := c.Find(productID); i >= 0 {
		c.Items = append(c.Items[:i], c.Items[i+1:]...)
	}
}

// Clear drops every item.
func (c *Cart) Clear() {
	c.Items = nil
}

// Total sums item subtotals. It is advisory: prices may change before checkout.
func (c *Cart) Total() decimal.Decimal {
	total := decimal.Zero
	for _, it := range c.Items {
		total = total.Add(it.Subtotal)
	}
	return total
}

// Repository persists carts. Carts are created lazily.
type Repository interface {
	// Get returns the customer's cart. A customer without a stored cart gets
	// an empty one with zero ID.
	Get(ctx context.Context, customerID int64) (*Cart, error)
	// Update locks the customer's cart, creating it if needed, applies fn and
	// stores the result. An error from fn leaves the cart unchanged.
	Update(ctx context.Context, customerID int64, fn func(c *Cart) error) (*Cart, error)
}
