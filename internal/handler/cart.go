package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/xenking/keychain-shop/internal/domain/cart"
)

// GetMyCart handles GET /api/cart.
func (h *Handler) GetMyCart(w http.ResponseWriter, r *http.Request) {
	c, err := h.carts.Mine(r.Context(), caller(r.Context()))
	h.writeCart(w, r, c, err)
}

// GetCart handles GET /api/cart/{customerId}.
func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "customerId")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, invalidParam("customer id", raw))
		return
	}
	c, err := h.carts.Get(r.Context(), caller(r.Context()), id)
	h.writeCart(w, r, c, err)
}

// AddCartItem handles POST /api/cart/items.
func (h *Handler) AddCartItem(w http.ResponseWriter, r *http.Request) {
	req, ok := h.cartItem(w, r)
	if !ok {
		return
	}
	c, err := h.carts.AddItem(r.Context(), caller(r.Context()), req.ProductID, req.Quantity)
	h.writeCart(w, r, c, err)
}

// RemoveCartItem handles POST /api/cart/items/remove.
func (h *Handler) RemoveCartItem(w http.ResponseWriter, r *http.Request) {
	req, ok := h.cartItem(w, r)
	if !ok {
		return
	}
	c, err := h.carts.RemoveItem(r.Context(), caller(r.Context()), req.ProductID)
	h.writeCart(w, r, c, err)
}

// ClearCart handles POST /api/cart/clear.
func (h *Handler) ClearCart(w http.ResponseWriter, r *http.Request) {
	c, err := h.carts.Clear(r.Context(), caller(r.Context()))
	h.writeCart(w, r, c, err)
}

func (h *Handler) cartItem(w http.ResponseWriter, r *http.Request) (cartItemRequest, bool) {
	d, err := readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return cartItemRequest{}, false
	}
	req, err := decodeCartItem(d)
	if err != nil {
		writeError(w, r, err)
		return cartItemRequest{}, false
	}
	return req, true
}

func (h *Handler) writeCart(w http.ResponseWriter, r *http.Request, c *cart.Cart, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeCart(e, c) })
}
