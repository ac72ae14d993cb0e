// Package handler serves the storefront JSON API.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/keychain-shop/internal/domain/cart"
	"github.com/xenking/keychain-shop/internal/domain/order"
	"github.com/xenking/keychain-shop/internal/domain/product"
	"github.com/xenking/keychain-shop/internal/idempotency"
)

// CheckoutObserver counts checkout outcomes.
type CheckoutObserver interface {
	ObserveCheckout(outcome string)
}

type nopObserver struct{}

func (nopObserver) ObserveCheckout(string) {}

// Handler translates HTTP requests into order, cart and catalog operations.
type Handler struct {
	orders   *order.Service
	carts    *cart.Service
	catalog  product.Catalog
	resolver IdentityResolver
	idem     idempotency.Store
	observer CheckoutObserver
}

// Option configures a Handler.
type Option func(*Handler)

// WithIdempotency enables the Idempotency-Key header on order creation.
func WithIdempotency(s idempotency.Store) Option {
	return func(h *Handler) { h.idem = s }
}

// WithCheckoutObserver reports every checkout outcome to o.
func WithCheckoutObserver(o CheckoutObserver) Option {
	return func(h *Handler) { h.observer = o }
}

// NewHandler constructs a Handler.
func NewHandler(
	orders *order.Service,
	carts *cart.Service,
	catalog product.Catalog,
	resolver IdentityResolver,
	opts ...Option,
) *Handler {
	h := &Handler{
		orders:   orders,
		carts:    carts,
		catalog:  catalog,
		resolver: resolver,
		observer: nopObserver{},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Routes mounts the API under /api.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Use(authenticate(h.resolver))
		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, r, &requestError{code: http.StatusNotFound, kind: "not_found", msg: "no such route"})
		})
		r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, r, &requestError{code: http.StatusMethodNotAllowed, kind: "method_not_allowed", msg: r.Method + " is not allowed here"})
		})

		r.Route("/orders", func(r chi.Router) {
			r.Post("/", h.PlaceOrder)
			r.Get("/", h.ListOrders)
			r.Get("/{id}", h.GetOrder)
			r.Patch("/{id}", h.UpdateOrderStatus)
		})
		r.Route("/cart", func(r chi.Router) {
			r.Get("/", h.GetMyCart)
			r.Get("/{customerId}", h.GetCart)
			r.Post("/items", h.AddCartItem)
			r.Post("/items/remove", h.RemoveCartItem)
			r.Post("/clear", h.ClearCart)
			r.Post("/checkout", h.CheckoutCart)
		})
		r.Get("/products", h.ListProducts)
		r.Get("/products/{id}", h.GetProduct)
	})
}

// Router returns a standalone router with only the API routes.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	h.Routes(r)
	return r
}
