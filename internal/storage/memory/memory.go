// Package memory implements the storage interfaces in process memory.
//
// Transactions run one at a time against a copy of the data that replaces
// the committed state only when the transaction succeeds, so a failed
// checkout leaves no trace. It backs unit tests and local development.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/keychain-shop/internal/domain/cart"
	"github.com/xenking/keychain-shop/internal/domain/customer"
	"github.com/xenking/keychain-shop/internal/domain/identity"
	"github.com/xenking/keychain-shop/internal/domain/order"
	"github.com/xenking/keychain-shop/internal/domain/product"
	"github.com/xenking/keychain-shop/internal/domain/stock"
)

var (
	_ order.Transactor    = (*Store)(nil)
	_ product.Catalog     = (*Store)(nil)
	_ customer.Repository = (*Store)(nil)
	_ stock.Ledger        = (*Store)(nil)
	_ stock.ReceiptLedger = (*Store)(nil)
	_ identity.TokenStore = (*Store)(nil)
	_ order.Tx            = (*view)(nil)
)

type state struct {
	products  map[int64]product.Product
	customers map[int64]customer.Profile
	subjects  map[string]int64
	orders    map[string]*order.Order
	carts     map[int64]*cart.Cart
	receipts  map[string]stock.Receipt
	tokens    map[string]identity.Token
	seq       int64
}

func newState() *state {
	return &state{
		products:  make(map[int64]product.Product),
		customers: make(map[int64]customer.Profile),
		subjects:  make(map[string]int64),
		orders:    make(map[string]*order.Order),
		carts:     make(map[int64]*cart.Cart),
		receipts:  make(map[string]stock.Receipt),
		tokens:    make(map[string]identity.Token),
	}
}

func (s *state) clone() *state {
	c := &state{
		products:  make(map[int64]product.Product, len(s.products)),
		customers: make(map[int64]customer.Profile, len(s.customers)),
		subjects:  make(map[string]int64, len(s.subjects)),
		orders:    make(map[string]*order.Order, len(s.orders)),
		carts:     make(map[int64]*cart.Cart, len(s.carts)),
		receipts:  make(map[string]stock.Receipt, len(s.receipts)),
		tokens:    make(map[string]identity.Token, len(s.tokens)),
		seq:       s.seq,
	}
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.customers {
		c.customers[k] = v
	}
	for k, v := range s.subjects {
		c.subjects[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = copyOrder(v)
	}
	for k, v := range s.carts {
		c.carts[k] = copyCart(v)
	}
	for k, v := range s.receipts {
		c.receipts[k] = v
	}
	for k, v := range s.tokens {
		c.tokens[k] = v
	}
	return c
}

func (s *state) next() int64 {
	s.seq++
	return s.seq
}

// Store is an in-memory implementation of every repository.
type Store struct {
	mu   sync.Mutex
	data *state
	now  func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		data: newState(),
		now:  time.Now,
	}
}

// WithinTx runs fn against a private copy of the data and publishes the
// copy when fn succeeds.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx order.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.data.clone()
	if err := fn(ctx, &view{st: work, now: s.now}); err != nil {
		return err
	}
	s.data = work
	return nil
}

// read runs fn against the committed data.
func (s *Store) read(fn func(v *view) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&view{st: s.data, now: s.now})
}

// write runs fn against a copy of the data and commits it on success.
func (s *Store) write(fn func(v *view) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.data.clone()
	if err := fn(&view{st: work, now: s.now}); err != nil {
		return err
	}
	s.data = work
	return nil
}

// PutProduct inserts or replaces a product. A zero ID allocates a new one.
func (s *Store) PutProduct(p product.Product) product.Product {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == 0 {
		p.ID = s.data.next()
	} else if p.ID > s.data.seq {
		s.data.seq = p.ID
	}
	s.data.products[p.ID] = p
	return p
}

// DeleteProduct removes a product, clearing references the way the
// relational schema does: order lines keep their snapshot with a nil
// product and cart items are dropped.
func (s *Store) DeleteProduct(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data.products, id)
	for _, o := range s.data.orders {
		for i := range o.Lines {
			if l := &o.Lines[i]; l.ProductID != nil && *l.ProductID == id {
				l.ProductID = nil
			}
		}
	}
	for _, c := range s.data.carts {
		c.Remove(id)
	}
}

// PutToken registers a bearer token hash for an identity.
func (s *Store) PutToken(t identity.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.tokens[t.Hash] = t
}

// CustomerCount returns the number of stored profiles.
func (s *Store) CustomerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data.customers)
}

// OrderCount returns the number of stored orders.
func (s *Store) OrderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data.orders)
}

func (s *Store) List(ctx context.Context) (out []product.Product, err error) {
	err = s.read(func(v *view) error {
		out, err = v.List(ctx)
		return err
	})
	return out, err
}

func (s *Store) GetByID(ctx context.Context, id int64) (out *product.Product, err error) {
	err = s.read(func(v *view) error {
		out, err = v.GetByID(ctx, id)
		return err
	})
	return out, err
}

func (s *Store) GetOrCreate(ctx context.Context, id identity.Identity) (out *customer.Profile, err error) {
	err = s.write(func(v *view) error {
		out, err = v.GetOrCreate(ctx, id)
		return err
	})
	return out, err
}

func (s *Store) GetBySubject(ctx context.Context, subject string) (out *customer.Profile, err error) {
	err = s.read(func(v *view) error {
		out, err = v.GetBySubject(ctx, subject)
		return err
	})
	return out, err
}

func (s *Store) FindByHash(ctx context.Context, hash string) (out *identity.Token, err error) {
	err = s.read(func(v *view) error {
		out, err = v.FindByHash(ctx, hash)
		return err
	})
	return out, err
}

// Orders returns an order repository over the committed data.
func (s *Store) Orders() order.Repository { return lockedOrders{s} }

// Carts returns a cart repository over the committed data.
func (s *Store) Carts() cart.Repository { return lockedCarts{s} }

type lockedOrders struct{ s *Store }

func (l lockedOrders) Get(ctx context.Context, id string) (out *order.Order, err error) {
	err = l.s.read(func(v *view) error {
		out, err = v.Orders().Get(ctx, id)
		return err
	})
	return out, err
}

func (l lockedOrders) GetForUpdate(ctx context.Context, id string) (*order.Order, error) {
	return l.Get(ctx, id)
}

func (l lockedOrders) Create(ctx context.Context, o *order.Order) error {
	return l.s.write(func(v *view) error { return v.Orders().Create(ctx, o) })
}

func (l lockedOrders) AddLine(ctx context.Context, orderID string, line *order.Line) error {
	return l.s.write(func(v *view) error { return v.Orders().AddLine(ctx, orderID, line) })
}

func (l lockedOrders) SetTotal(ctx context.Context, orderID string, total decimal.Decimal) error {
	return l.s.write(func(v *view) error { return v.Orders().SetTotal(ctx, orderID, total) })
}

func (l lockedOrders) UpdateStatus(ctx context.Context, id string, status order.Status) error {
	return l.s.write(func(v *view) error { return v.Orders().UpdateStatus(ctx, id, status) })
}

func (l lockedOrders) List(ctx context.Context, f order.ListFilter) (out []order.Order, err error) {
	err = l.s.read(func(v *view) error {
		out, err = v.Orders().List(ctx, f)
		return err
	})
	return out, err
}

type lockedCarts struct{ s *Store }

func (l lockedCarts) Get(ctx context.Context, customerID int64) (out *cart.Cart, err error) {
	err = l.s.read(func(v *view) error {
		out, err = v.Carts().Get(ctx, customerID)
		return err
	})
	return out, err
}

func (l lockedCarts) Update(ctx context.Context, customerID int64, fn func(c *cart.Cart) error) (out *cart.Cart, err error) {
	err = l.s.write(func(v *view) error {
		out, err = v.Carts().Update(ctx, customerID, fn)
		return err
	})
	return out, err
}

func (s *Store) ReserveAndDecrement(ctx context.Context, productID int64, quantity int) (left int, err error) {
	err = s.write(func(v *view) error {
		left, err = v.ReserveAndDecrement(ctx, productID, quantity)
		return err
	})
	return left, err
}

func (s *Store) Restore(ctx context.Context, productID int64, quantity int) error {
	return s.write(func(v *view) error { return v.Restore(ctx, productID, quantity) })
}

func (s *Store) ApplyReceipt(ctx context.Context, r stock.Receipt) (applied bool, err error) {
	err = s.write(func(v *view) error {
		applied, err = v.ApplyReceipt(ctx, r)
		return err
	})
	return applied, err
}

// view operates on one state snapshot without locking.
type view struct {
	st  *state
	now func() time.Time
}

func (v *view) Customers() customer.Repository { return v }
func (v *view) Catalog() product.Catalog       { return v }
func (v *view) Stock() stock.Ledger            { return v }
func (v *view) Orders() order.Repository       { return orders{v} }
func (v *view) Carts() cart.Repository         { return carts{v} }

func (v *view) List(_ context.Context) ([]product.Product, error) {
	out := make([]product.Product, 0, len(v.st.products))
	for _, p := range v.st.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v *view) GetByID(_ context.Context, id int64) (*product.Product, error) {
	p, ok := v.st.products[id]
	if !ok {
		return nil, &product.NotFoundError{ID: id}
	}
	return &p, nil
}

func (v *view) GetOrCreate(_ context.Context, id identity.Identity) (*customer.Profile, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if cid, ok := v.st.subjects[id.Subject]; ok {
		p := v.st.customers[cid]
		if id.Email != "" {
			p.Email = id.Email
		}
		if id.Username != "" {
			p.Username = id.Username
		}
		v.st.customers[cid] = p
		return &p, nil
	}
	p := customer.Profile{
		ID:        v.st.next(),
		Subject:   id.Subject,
		Email:     id.Email,
		Username:  id.Username,
		CreatedAt: v.now().UTC(),
	}
	v.st.customers[p.ID] = p
	v.st.subjects[p.Subject] = p.ID
	return &p, nil
}

func (v *view) GetBySubject(_ context.Context, subject string) (*customer.Profile, error) {
	cid, ok := v.st.subjects[subject]
	if !ok {
		return nil, customer.ErrNotFound
	}
	p := v.st.customers[cid]
	return &p, nil
}

func (v *view) FindByHash(_ context.Context, hash string) (*identity.Token, error) {
	t, ok := v.st.tokens[hash]
	if !ok {
		return nil, identity.ErrTokenNotFound
	}
	return &t, nil
}

func (v *view) ReserveAndDecrement(_ context.Context, productID int64, quantity int) (int, error) {
	p, ok := v.st.products[productID]
	if !ok {
		return 0, &product.NotFoundError{ID: productID}
	}
	if p.Stock < quantity {
		return 0, &stock.InsufficientStockError{
			ProductID:   p.ID,
			ProductName: p.Name,
			Requested:   quantity,
			Available:   p.Stock,
		}
	}
	p.Stock -= quantity
	v.st.products[productID] = p
	return p.Stock, nil
}

func (v *view) Restore(_ context.Context, productID int64, quantity int) error {
	p, ok := v.st.products[productID]
	if !ok {
		return &product.NotFoundError{ID: productID}
	}
	p.Stock += quantity
	v.st.products[productID] = p
	return nil
}

func (v *view) ApplyReceipt(ctx context.Context, r stock.Receipt) (bool, error) {
	if err := r.Validate(); err != nil {
		return false, err
	}
	if _, ok := v.st.receipts[r.ID]; ok {
		return false, nil
	}
	if err := v.Restore(ctx, r.ProductID, r.Quantity); err != nil {
		return false, err
	}
	v.st.receipts[r.ID] = r
	return true, nil
}

type orders struct{ v *view }

func (o orders) Create(_ context.Context, ord *order.Order) error {
	if _, ok := o.v.st.orders[ord.ID]; ok {
		return errors.Errorf("order %s already exists", ord.ID)
	}
	o.v.st.orders[ord.ID] = copyOrder(ord)
	return nil
}

func (o orders) AddLine(_ context.Context, orderID string, l *order.Line) error {
	ord, ok := o.v.st.orders[orderID]
	if !ok {
		return order.ErrNotFound
	}
	l.ID = o.v.st.next()
	ord.Lines = append(ord.Lines, copyLine(*l))
	return nil
}

func (o orders) SetTotal(_ context.Context, orderID string, total decimal.Decimal) error {
	ord, ok := o.v.st.orders[orderID]
	if !ok {
		return order.ErrNotFound
	}
	ord.Total = total
	return nil
}

func (o orders) Get(_ context.Context, id string) (*order.Order, error) {
	ord, ok := o.v.st.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return copyOrder(ord), nil
}

func (o orders) GetForUpdate(ctx context.Context, id string) (*order.Order, error) {
	return o.Get(ctx, id)
}

func (o orders) UpdateStatus(_ context.Context, id string, status order.Status) error {
	ord, ok := o.v.st.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	ord.Status = status
	return nil
}

func (o orders) List(_ context.Context, f order.ListFilter) ([]order.Order, error) {
	out := make([]order.Order, 0)
	for _, ord := range o.v.st.orders {
		if f.CustomerID != nil && (ord.CustomerID == nil || *ord.CustomerID != *f.CustomerID) {
			continue
		}
		out = append(out, *copyOrder(ord))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

type carts struct{ v *view }

func (c carts) Get(_ context.Context, customerID int64) (*cart.Cart, error) {
	if stored, ok := c.v.st.carts[customerID]; ok {
		return copyCart(stored), nil
	}
	return &cart.Cart{CustomerID: customerID}, nil
}

func (c carts) Update(_ context.Context, customerID int64, fn func(*cart.Cart) error) (*cart.Cart, error) {
	if _, ok := c.v.st.customers[customerID]; !ok {
		return nil, customer.ErrNotFound
	}
	stored, ok := c.v.st.carts[customerID]
	if !ok {
		stored = &cart.Cart{ID: c.v.st.next(), CustomerID: customerID}
	}
	work := copyCart(stored)
	if err := fn(work); err != nil {
		return nil, err
	}
	for i := range work.Items {
		work.Items[i] = cart.Item{ProductID: work.Items[i].ProductID, Quantity: work.Items[i].Quantity}
	}
	c.v.st.carts[customerID] = work
	return copyCart(work), nil
}

func copyOrder(o *order.Order) *order.Order {
	c := *o
	if o.CustomerID != nil {
		id := *o.CustomerID
		c.CustomerID = &id
	}
	c.Lines = make([]order.Line, len(o.Lines))
	for i, l := range o.Lines {
		c.Lines[i] = copyLine(l)
	}
	return &c
}

func copyLine(l order.Line) order.Line {
	if l.ProductID != nil {
		id := *l.ProductID
		l.ProductID = &id
	}
	return l
}

func copyCart(c *cart.Cart) *cart.Cart {
	out := *c
	out.Items = slices.Clone(c.Items)
	return &out
}
