package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/keychain-shop/internal/domain/identity"
	"github.com/xenking/keychain-shop/internal/domain/order"
	"github.com/xenking/keychain-shop/internal/idempotency"
)

// IdempotencyKeyHeader lets clients retry order creation safely.
const IdempotencyKeyHeader = "Idempotency-Key"

// PlaceOrder handles POST /api/orders.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	d, err := readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	lines, err := decodeLines(d)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.checkout(w, r, linesFingerprint(lines), func(c identity.Identity) (*order.Order, error) {
		return h.orders.PlaceOrder(r.Context(), c, lines)
	})
}

// CheckoutCart handles POST /api/cart/checkout.
func (h *Handler) CheckoutCart(w http.ResponseWriter, r *http.Request) {
	h.checkout(w, r, idempotency.Fingerprint("cart-checkout"), func(c identity.Identity) (*order.Order, error) {
		return h.orders.CheckoutCart(r.Context(), c)
	})
}

// linesFingerprint identifies a PlaceOrder request by its decoded lines, so
// formatting differences in the body do not matter.
func linesFingerprint(lines []order.LineRequest) string {
	parts := make([]string, 0, 1+3*len(lines))
	parts = append(parts, "place-order")
	for _, l := range lines {
		parts = append(parts,
			strconv.FormatInt(l.ProductID, 10),
			strconv.Itoa(l.Quantity),
			l.Customization,
		)
	}
	return idempotency.Fingerprint(parts...)
}

// checkout runs place under the request's idempotency key, if any, and
// renders the created order. fingerprint binds the key to this request.
func (h *Handler) checkout(w http.ResponseWriter, r *http.Request, fingerprint string, place func(identity.Identity) (*order.Order, error)) {
	ctx := r.Context()
	c := caller(ctx)

	key := r.Header.Get(IdempotencyKeyHeader)
	if key == "" || h.idem == nil {
		o, err := place(c)
		h.observeCheckout(err)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, func(e *jx.Encoder) { encodeOrder(e, o) })
		return
	}

	if err := idempotency.ValidateKey(key); err != nil {
		writeError(w, r, err)
		return
	}
	state, orderID, err := h.idem.Begin(ctx, c.Subject, key, fingerprint)
	if err != nil {
		writeError(w, r, errors.Wrap(err, "begin idempotent request"))
		return
	}
	switch state {
	case idempotency.StateInFlight:
		writeError(w, r, errIdempotencyInFlight)
		return
	case idempotency.StateDone:
		o, err := h.orders.Get(ctx, c, orderID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.Header().Set("Idempotent-Replayed", "true")
		writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOrder(e, o) })
		return
	}

	o, err := place(c)
	h.observeCheckout(err)
	if err != nil {
		// Failed checkouts left no trace, so the key may be reused.
		if rerr := h.idem.Release(ctx, c.Subject, key); rerr != nil {
			zctx.From(ctx).Warn("Release idempotency key", zap.Error(rerr))
		}
		writeError(w, r, err)
		return
	}
	if err := h.idem.Complete(ctx, c.Subject, key, fingerprint, o.ID); err != nil {
		zctx.From(ctx).Warn("Record idempotency key", zap.String("order_id", o.ID), zap.Error(err))
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) { encodeOrder(e, o) })
}

func (h *Handler) observeCheckout(err error) {
	if err == nil {
		h.observer.ObserveCheckout("placed")
		return
	}
	h.observer.ObserveCheckout(order.Reason(err))
}

// ListOrders handles GET /api/orders?customer=&limit=.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	var f order.ListFilter
	q := r.URL.Query()
	if v := q.Get("customer"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, r, invalidParam("customer", v))
			return
		}
		f.CustomerID = &id
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, invalidParam("limit", v))
			return
		}
		f.Limit = n
	}

	orders, err := h.orders.List(r.Context(), caller(r.Context()), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOrders(e, orders) })
}

// GetOrder handles GET /api/orders/{id}.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.Get(r.Context(), caller(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOrder(e, o) })
}

// UpdateOrderStatus handles PATCH /api/orders/{id}.
func (h *Handler) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	d, err := readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status, err := decodeStatus(d)
	if err != nil {
		writeError(w, r, err)
		return
	}
	next, err := order.ParseStatus(status)
	if err != nil {
		writeError(w, r, err)
		return
	}

	o, err := h.orders.UpdateStatus(r.Context(), caller(r.Context()), chi.URLParam(r, "id"), next)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOrder(e, o) })
}
