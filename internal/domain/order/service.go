package order

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/keychain-shop/internal/domain/cart"
	"github.com/xenking/keychain-shop/internal/domain/customer"
	"github.com/xenking/keychain-shop/internal/domain/identity"
	"github.com/xenking/keychain-shop/internal/domain/product"
	"github.com/xenking/keychain-shop/internal/domain/stock"
)

// Tx exposes repositories bound to a single database transaction.
type Tx interface {
	Customers() customer.Repository
	Catalog() product.Catalog
	Stock() stock.Ledger
	Orders() Repository
	Carts() cart.Repository
}

// Transactor runs fn inside one transaction. The transaction commits when fn
// returns nil and rolls back otherwise. Contention failures are reported as
// ErrTransactionConflict.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// DefaultListLimit caps listings when the caller does not ask for a limit.
const DefaultListLimit = 50

// MaxListLimit caps listings regardless of the requested limit.
const MaxListLimit = 200

// Service places orders and manages their lifecycle.
type Service struct {
	tx        Transactor
	orders    Repository
	customers customer.Repository
	events    Publisher
	now       func() time.Time

	tracer   trace.Tracer
	placed   metric.Int64Counter
	rejected metric.Int64Counter
	units    metric.Int64Counter
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher sets the publisher notified after orders change.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.events = p }
}

// WithClock overrides the order timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithTracerProvider sets the tracer provider used for spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) { s.tracer = tp.Tracer("keychain-shop/order") }
}

// WithMeterProvider sets the meter provider used for counters.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Service) { s.initMetrics(mp) }
}

// NewService creates an order Service. Reads go through orders and customers;
// every write goes through tx.
func NewService(tx Transactor, orders Repository, customers customer.Repository, opts ...Option) *Service {
	s := &Service{
		tx:        tx,
		orders:    orders,
		customers: customers,
		events:    NopPublisher{},
		now:       time.Now,
		tracer:    tracenoop.NewTracerProvider().Tracer("keychain-shop/order"),
	}
	s.initMetrics(metricnoop.NewMeterProvider())
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) initMetrics(mp metric.MeterProvider) {
	meter := mp.Meter("keychain-shop/order")
	// Instrument creation only fails on invalid names; fall back to noop.
	var err error
	if s.placed, err = meter.Int64Counter("orders.placed", metric.WithDescription("Orders committed")); err != nil {
		s.placed, _ = metricnoop.Meter{}.Int64Counter("orders.placed")
	}
	if s.rejected, err = meter.Int64Counter("orders.rejected", metric.WithDescription("Checkouts rolled back")); err != nil {
		s.rejected, _ = metricnoop.Meter{}.Int64Counter("orders.rejected")
	}
	if s.units, err = meter.Int64Counter("orders.units", metric.WithDescription("Units sold")); err != nil {
		s.units, _ = metricnoop.Meter{}.Int64Counter("orders.units")
	}
}

// ValidateLines checks line requests before any transaction starts.
func ValidateLines(lines []LineRequest) error {
	if len(lines) == 0 {
		return ErrEmptyLines
	}
	for _, l := range lines {
		if l.Quantity <= 0 || l.Quantity > stock.MaxQuantity {
			return &InvalidQuantityError{ProductID: l.ProductID, Quantity: l.Quantity}
		}
		if utf8.RuneCountInString(l.Customization) > MaxCustomizationLength {
			return &CustomizationError{ProductID: l.ProductID, Reason: "note is too long"}
		}
	}
	return nil
}

// PlaceOrder creates an order for caller from lines in one transaction: the
// customer profile is resolved, stock is decremented line by line and prices
// are captured. Any failure rolls back every effect.
func (s *Service) PlaceOrder(ctx context.Context, caller identity.Identity, lines []LineRequest) (*Order, error) {
	ctx, span := s.tracer.Start(ctx, "order.PlaceOrder",
		trace.WithAttributes(attribute.Int("order.lines", len(lines))),
	)
	defer span.End()

	if err := caller.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateLines(lines); err != nil {
		s.reject(ctx, span, err, "validation")
		return nil, err
	}

	var placed *Order
	err := s.tx.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		profile, err := tx.Customers().GetOrCreate(ctx, caller)
		if err != nil {
			return errors.Wrap(err, "get or create customer")
		}
		placed, err = s.assemble(ctx, tx, profile.ID, lines)
		return err
	})
	if err != nil {
		s.reject(ctx, span, err, "checkout")
		return nil, err
	}

	s.committed(ctx, span, placed)
	return placed, nil
}

// CheckoutCart turns the caller's cart into an order and empties the cart in
// the same transaction.
func (s *Service) CheckoutCart(ctx context.Context, caller identity.Identity) (*Order, error) {
	ctx, span := s.tracer.Start(ctx, "order.CheckoutCart")
	defer span.End()

	if err := caller.Validate(); err != nil {
		return nil, err
	}

	var placed *Order
	err := s.tx.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		profile, err := tx.Customers().GetOrCreate(ctx, caller)
		if err != nil {
			return errors.Wrap(err, "get or create customer")
		}

		var lines []LineRequest
		if _, err := tx.Carts().Update(ctx, profile.ID, func(c *cart.Cart) error {
			for _, it := range c.Items {
				lines = append(lines, LineRequest{ProductID: it.ProductID, Quantity: it.Quantity})
			}
			c.Clear()
			return nil
		}); err != nil {
			return errors.Wrap(err, "take cart")
		}
		if err := ValidateLines(lines); err != nil {
			return err
		}

		placed, err = s.assemble(ctx, tx, profile.ID, lines)
		return err
	})
	if err != nil {
		s.reject(ctx, span, err, "cart")
		return nil, err
	}

	s.committed(ctx, span, placed)
	return placed, nil
}

// assemble writes the order header and lines inside tx.
func (s *Service) assemble(ctx context.Context, tx Tx, customerID int64, lines []LineRequest) (*Order, error) {
	o := &Order{
		ID:         uuid.New().String(),
		CustomerID: &customerID,
		Status:     StatusPending,
		Total:      decimal.Zero,
		CreatedAt:  s.now().UTC(),
	}
	if err := tx.Orders().Create(ctx, o); err != nil {
		return nil, errors.Wrap(err, "create order")
	}

	for i, req := range lines {
		p, err := tx.Catalog().GetByID(ctx, req.ProductID)
		if err != nil {
			return nil, err
		}
		if req.Customization != "" && !p.Customizable {
			return nil, &CustomizationError{ProductID: p.ID, Reason: p.Name + " cannot be customized"}
		}
		if _, err := tx.Stock().ReserveAndDecrement(ctx, p.ID, req.Quantity); err != nil {
			var insufficient *stock.InsufficientStockError
			if errors.As(err, &insufficient) && insufficient.ProductName == "" {
				insufficient.ProductName = p.Name
			}
			return nil, err
		}

		productID := p.ID
		line := Line{
			Position:      i + 1,
			ProductID:     &productID,
			ProductName:   p.Name,
			Quantity:      req.Quantity,
			UnitPrice:     p.Price,
			Subtotal:      LineSubtotal(p.Price, req.Quantity),
			Customization: req.Customization,
		}
		if err := tx.Orders().AddLine(ctx, o.ID, &line); err != nil {
			return nil, errors.Wrapf(err, "add line %d", line.Position)
		}
		o.Lines = append(o.Lines, line)
	}

	o.Total = Total(o.Lines)
	if err := tx.Orders().SetTotal(ctx, o.ID, o.Total); err != nil {
		return nil, errors.Wrap(err, "set total")
	}
	return o, nil
}

// UpdateStatus moves an order through the state machine. Only staff may do
// this. Cancelling an order returns its units to stock.
func (s *Service) UpdateStatus(ctx context.Context, caller identity.Identity, id string, next Status) (*Order, error) {
	ctx, span := s.tracer.Start(ctx, "order.UpdateStatus",
		trace.WithAttributes(
			attribute.String("order.id", id),
			attribute.String("order.status", string(next)),
		),
	)
	defer span.End()

	if err := caller.Validate(); err != nil {
		return nil, err
	}
	if !caller.Staff {
		return nil, identity.ErrForbidden
	}
	if _, err := ParseStatus(string(next)); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}

	var updated *Order
	err := s.tx.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		o, err := tx.Orders().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !o.Status.CanTransition(next) {
			return &InvalidStatusTransitionError{Current: o.Status, Requested: next}
		}
		if next == StatusCancelled {
			for _, l := range o.Lines {
				if l.ProductID == nil {
					continue
				}
				if err := tx.Stock().Restore(ctx, *l.ProductID, l.Quantity); err != nil {
					return errors.Wrapf(err, "restore stock for product %d", *l.ProductID)
				}
			}
		}
		if err := tx.Orders().UpdateStatus(ctx, id, next); err != nil {
			return errors.Wrap(err, "update status")
		}
		o.Status = next
		updated = o
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	s.publish(ctx, Event{Type: EventStatusChanged, Order: updated})
	return updated, nil
}

// Get returns a single order. Callers other than staff only see their own
// orders; others are reported as ErrNotFound.
func (s *Service) Get(ctx context.Context, caller identity.Identity, id string) (*Order, error) {
	if err := caller.Validate(); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if caller.Staff {
		return o, nil
	}
	own, err := s.ownCustomerID(ctx, caller)
	if err != nil {
		return nil, err
	}
	if own == nil || o.CustomerID == nil || *o.CustomerID != *own {
		return nil, ErrNotFound
	}
	return o, nil
}

// List returns orders newest first. Staff may list any customer or all
// customers; other callers may only list their own orders.
func (s *Service) List(ctx context.Context, caller identity.Identity, f ListFilter) ([]Order, error) {
	if err := caller.Validate(); err != nil {
		return nil, err
	}
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultListLimit
	case f.Limit > MaxListLimit:
		f.Limit = MaxListLimit
	}

	if !caller.Staff {
		own, err := s.ownCustomerID(ctx, caller)
		if err != nil {
			return nil, err
		}
		if f.CustomerID != nil && (own == nil || *f.CustomerID != *own) {
			return nil, identity.ErrForbidden
		}
		if own == nil {
			return []Order{}, nil
		}
		f.CustomerID = own
	}

	orders, err := s.orders.List(ctx, f)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	return orders, nil
}

func (s *Service) ownCustomerID(ctx context.Context, caller identity.Identity) (*int64, error) {
	p, err := s.customers.GetBySubject(ctx, caller.Subject)
	if err != nil {
		if errors.Is(err, customer.ErrNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "get customer")
	}
	return &p.ID, nil
}

func (s *Service) committed(ctx context.Context, span trace.Span, o *Order) {
	units := 0
	for _, l := range o.Lines {
		units += l.Quantity
	}
	span.SetAttributes(
		attribute.String("order.id", o.ID),
		attribute.String("order.total", o.Total.StringFixed(2)),
	)
	s.placed.Add(ctx, 1)
	s.units.Add(ctx, int64(units))

	zctx.From(ctx).Info("Order placed",
		zap.String("order_id", o.ID),
		zap.Int("lines", len(o.Lines)),
		zap.String("total", o.Total.StringFixed(2)),
	)
	s.publish(ctx, Event{Type: EventCreated, Order: o})
}

func (s *Service) reject(ctx context.Context, span trace.Span, err error, stage string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.rejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("reason", Reason(err)),
	))
}

// publish is best effort: the order is already committed.
func (s *Service) publish(ctx context.Context, e Event) {
	if err := s.events.Publish(ctx, e); err != nil {
		zctx.From(ctx).Warn("Publish order event",
			zap.String("order_id", e.Order.ID),
			zap.String("event", string(e.Type)),
			zap.Error(err),
		)
	}
}

// Reason classifies err into a short label for metrics and error bodies.
func Reason(err error) string {
	var (
		quantity      *InvalidQuantityError
		customization *CustomizationError
		status        *InvalidStatusError
		transition    *InvalidStatusTransitionError
	)
	switch {
	case errors.Is(err, ErrEmptyLines):
		return "empty_lines"
	case errors.As(err, &quantity):
		return "invalid_quantity"
	case errors.As(err, &customization):
		return "invalid_customization"
	case errors.As(err, &status):
		return "invalid_status"
	case errors.As(err, &transition):
		return "invalid_status_transition"
	case errors.Is(err, stock.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, product.ErrNotFound):
		return "product_not_found"
	case errors.Is(err, ErrNotFound):
		return "order_not_found"
	case errors.Is(err, ErrTransactionConflict):
		return "transaction_conflict"
	case errors.Is(err, identity.ErrUnresolved):
		return "identity_unresolved"
	case errors.Is(err, identity.ErrForbidden):
		return "forbidden"
	default:
		return "internal"
	}
}
