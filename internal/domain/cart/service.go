package cart

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/keychain-shop/internal/domain/customer"
	"github.com/xenking/keychain-shop/internal/domain/identity"
	"github.com/xenking/keychain-shop/internal/domain/product"
	"github.com/xenking/keychain-shop/internal/domain/stock"
)

// InvalidQuantityError indicates a quantity outside [1, stock.MaxQuantity].
type InvalidQuantityError struct {
	Quantity int
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("quantity must be between 1 and %d, got %d", stock.MaxQuantity, e.Quantity)
}

// Service implements cart operations on behalf of an explicit caller.
type Service struct {
	carts     Repository
	catalog   product.Catalog
	customers customer.Repository
}

// NewService creates a cart Service.
func NewService(carts Repository, catalog product.Catalog, customers customer.Repository) *Service {
	return &Service{
		carts:     carts,
		catalog:   catalog,
		customers: customers,
	}
}

// AddItem adds quantity units of a product to the caller's cart, merging with
// an existing item. The resulting quantity must not exceed current stock.
// Stock is checked again at checkout.
func (s *Service) AddItem(ctx context.Context, caller identity.Identity, productID int64, quantity int) (*Cart, error) {
	if quantity <= 0 || quantity > stock.MaxQuantity {
		return nil, &InvalidQuantityError{Quantity: quantity}
	}
	profile, err := s.profile(ctx, caller)
	if err != nil {
		return nil, err
	}

	p, err := s.catalog.GetByID(ctx, productID)
	if err != nil {
		return nil, err
	}

	c, err := s.carts.Update(ctx, profile.ID, func(c *Cart) error {
		existing := 0
		if i := c.Find(productID); i >= 0 {
			existing = c.Items[i].Quantity
		}
		// Both operands are bounded, so the subtraction cannot wrap.
		if quantity > p.Stock-existing {
			return &stock.InsufficientStockError{
				ProductID:   p.ID,
				ProductName: p.Name,
				Requested:   existing + quantity,
				Available:   p.Stock,
			}
		}
		c.Add(productID, quantity)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "add item")
	}
	return s.price(ctx, c)
}

// RemoveItem deletes a product from the caller's cart.
func (s *Service) RemoveItem(ctx context.Context, caller identity.Identity, productID int64) (*Cart, error) {
	profile, err := s.profile(ctx, caller)
	if err != nil {
		return nil, err
	}
	c, err := s.carts.Update(ctx, profile.ID, func(c *Cart) error {
		c.Remove(productID)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "remove item")
	}
	return s.price(ctx, c)
}

// Clear empties the caller's cart.
func (s *Service) Clear(ctx context.Context, caller identity.Identity) (*Cart, error) {
	profile, err := s.profile(ctx, caller)
	if err != nil {
		return nil, err
	}
	c, err := s.carts.Update(ctx, profile.ID, func(c *Cart) error {
		c.Clear()
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "clear cart")
	}
	return c, nil
}

// Get returns a customer's cart priced at current catalog prices. Callers
// other than staff may only read their own cart.
func (s *Service) Get(ctx context.Context, caller identity.Identity, customerID int64) (*Cart, error) {
	if err := caller.Validate(); err != nil {
		return nil, err
	}
	if !caller.Staff {
		own, err := s.customers.GetBySubject(ctx, caller.Subject)
		if err != nil {
			if errors.Is(err, customer.ErrNotFound) {
				return nil, identity.ErrForbidden
			}
			return nil, errors.Wrap(err, "get customer")
		}
		if own.ID != customerID {
			return nil, identity.ErrForbidden
		}
	}
	c, err := s.carts.Get(ctx, customerID)
	if err != nil {
		return nil, errors.Wrap(err, "get cart")
	}
	return s.price(ctx, c)
}

// Mine returns the caller's own cart.
func (s *Service) Mine(ctx context.Context, caller identity.Identity) (*Cart, error) {
	profile, err := s.profile(ctx, caller)
	if err != nil {
		return nil, err
	}
	c, err := s.carts.Get(ctx, profile.ID)
	if err != nil {
		return nil, errors.Wrap(err, "get cart")
	}
	return s.price(ctx, c)
}

func (s *Service) profile(ctx context.Context, caller identity.Identity) (*customer.Profile, error) {
	if err := caller.Validate(); err != nil {
		return nil, err
	}
	p, err := s.customers.GetOrCreate(ctx, caller)
	if err != nil {
		return nil, errors.Wrap(err, "get or create customer")
	}
	return p, nil
}

// price fills item names, unit prices and subtotals from the catalog. Items
// whose product has disappeared are dropped from the view.
func (s *Service) price(ctx context.Context, c *Cart) (*Cart, error) {
	items := c.Items[:0:0]
	for _, it := range c.Items {
		p, err := s.catalog.GetByID(ctx, it.ProductID)
		if err != nil {
			if errors.Is(err, product.ErrNotFound) {
				continue
			}
			return nil, errors.Wrapf(err, "price product %d", it.ProductID)
		}
		it.Name = p.Name
		it.UnitPrice = p.Price
		it.Subtotal = p.Price.Mul(decimal.NewFromInt(int64(it.Quantity)))
		items = append(items, it)
	}
	c.Items = items
	return c, nil
}
