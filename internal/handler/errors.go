package handler

import (
	"fmt"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/keychain-shop/internal/domain/cart"
	"github.com/xenking/keychain-shop/internal/domain/identity"
	"github.com/xenking/keychain-shop/internal/domain/order"
	"github.com/xenking/keychain-shop/internal/domain/product"
	"github.com/xenking/keychain-shop/internal/domain/stock"
	"github.com/xenking/keychain-shop/internal/idempotency"
)

// retryAfterSeconds is sent with 503 responses to conflicting checkouts.
const retryAfterSeconds = "1"

var errIdempotencyInFlight = errors.New("a request with this idempotency key is still in progress")

// requestError is a client error detected by the handler itself.
type requestError struct {
	code int
	kind string
	msg  string
}

func (e *requestError) Error() string { return e.msg }

func malformed(format string, args ...any) error {
	return &requestError{code: http.StatusBadRequest, kind: "malformed_request", msg: fmt.Sprintf(format, args...)}
}

func invalidParam(name, value string) error {
	return &requestError{code: http.StatusBadRequest, kind: "invalid_parameter", msg: fmt.Sprintf("invalid %s %q", name, value)}
}

func productNotFound(err error) error {
	return &requestError{code: http.StatusNotFound, kind: "product_not_found", msg: err.Error()}
}

// apiError is the rendered form of an error.
type apiError struct {
	code      int
	kind      string
	message   string
	retryable bool
	details   func(e *jx.Encoder)
}

func classify(err error) apiError {
	var (
		req        *requestError
		short      *stock.InsufficientStockError
		missing    *product.NotFoundError
		transition *order.InvalidStatusTransitionError
		quantity   *order.InvalidQuantityError
		cartQty    *cart.InvalidQuantityError
	)
	e := apiError{code: http.StatusBadRequest, kind: order.Reason(err), message: err.Error()}

	switch {
	case errors.As(err, &req):
		e.code, e.kind = req.code, req.kind
	case errors.Is(err, idempotency.ErrInvalidKey):
		e.kind = "invalid_idempotency_key"
	case errors.Is(err, idempotency.ErrKeyReused):
		e.code, e.kind = http.StatusUnprocessableEntity, "idempotency_key_reused"
	case errors.Is(err, errIdempotencyInFlight):
		e.code, e.kind = http.StatusConflict, "idempotency_key_in_use"
		e.retryable = true
	case errors.As(err, &short):
		e.details = func(enc *jx.Encoder) {
			enc.Field("productId", func(enc *jx.Encoder) { enc.Int64(short.ProductID) })
			enc.Field("productName", func(enc *jx.Encoder) { enc.Str(short.ProductName) })
			enc.Field("requested", func(enc *jx.Encoder) { enc.Int(short.Requested) })
			enc.Field("available", func(enc *jx.Encoder) { enc.Int(short.Available) })
		}
	case errors.As(err, &missing):
		e.details = func(enc *jx.Encoder) {
			enc.Field("productId", func(enc *jx.Encoder) { enc.Int64(missing.ID) })
		}
	case errors.As(err, &quantity):
		e.details = func(enc *jx.Encoder) {
			enc.Field("productId", func(enc *jx.Encoder) { enc.Int64(quantity.ProductID) })
			enc.Field("quantity", func(enc *jx.Encoder) { enc.Int(quantity.Quantity) })
		}
	case errors.As(err, &cartQty):
		e.kind = "invalid_quantity"
	case errors.As(err, &transition):
		e.code = http.StatusConflict
		e.details = func(enc *jx.Encoder) {
			enc.Field("current", func(enc *jx.Encoder) { enc.Str(string(transition.Current)) })
			enc.Field("requested", func(enc *jx.Encoder) { enc.Str(string(transition.Requested)) })
		}
	case errors.Is(err, order.ErrNotFound):
		e.code = http.StatusNotFound
	case errors.Is(err, identity.ErrUnresolved):
		e.code = http.StatusUnauthorized
	case errors.Is(err, identity.ErrForbidden):
		e.code = http.StatusForbidden
	case errors.Is(err, order.ErrTransactionConflict):
		e.code, e.retryable = http.StatusServiceUnavailable, true
		e.message = "order could not be completed due to concurrent activity, retry the request"
	case e.kind == "internal":
		e.code, e.retryable = http.StatusInternalServerError, true
		e.message = "internal server error"
	}
	return e
}

// writeError renders err. Unexpected errors are logged and hidden from the
// client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := classify(err)
	if e.code == http.StatusInternalServerError {
		zctx.From(r.Context()).Error("Request failed", zap.Error(err))
	}
	switch e.code {
	case http.StatusUnauthorized:
		w.Header().Set("WWW-Authenticate", `Bearer realm="keychain"`)
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", retryAfterSeconds)
	}

	writeJSON(w, e.code, func(enc *jx.Encoder) {
		enc.Obj(func(enc *jx.Encoder) {
			enc.Field("code", func(enc *jx.Encoder) { enc.Int(e.code) })
			enc.Field("error", func(enc *jx.Encoder) { enc.Str(e.kind) })
			enc.Field("message", func(enc *jx.Encoder) { enc.Str(e.message) })
			enc.Field("retryable", func(enc *jx.Encoder) { enc.Bool(e.retryable) })
			if e.details != nil {
				e.details(enc)
			}
		})
	})
}
