package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/keychain-shop/internal/domain/cart"
	"github.com/xenking/keychain-shop/internal/domain/order"
	"github.com/xenking/keychain-shop/internal/domain/product"
)

const maxBodyBytes = 1 << 20

// readBody returns the request body, bounded to maxBodyBytes.
func readBody(w http.ResponseWriter, r *http.Request) (*jx.Decoder, error) {
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, malformed("read body: %v", err)
	}
	if !jx.Valid(b) {
		return nil, malformed("request body is not valid JSON")
	}
	return jx.DecodeBytes(b), nil
}

func decodeLines(d *jx.Decoder) ([]order.LineRequest, error) {
	var lines []order.LineRequest
	err := d.Obj(func(d *jx.Decoder, key string) error {
		if key != "lines" {
			return d.Skip()
		}
		return d.Arr(func(d *jx.Decoder) error {
			var l order.LineRequest
			if err := d.Obj(func(d *jx.Decoder, key string) error {
				var err error
				switch key {
				case "productId":
					l.ProductID, err = d.Int64()
				case "quantity":
					l.Quantity, err = d.Int()
				case "customization":
					if d.Next() == jx.Null {
						return d.Null()
					}
					l.Customization, err = d.Str()
				default:
					return d.Skip()
				}
				return wrapField(err, key)
			}); err != nil {
				return err
			}
			lines = append(lines, l)
			return nil
		})
	})
	if err != nil {
		return nil, malformed("decode order: %v", err)
	}
	return lines, nil
}

type cartItemRequest struct {
	ProductID int64
	Quantity  int
}

func decodeCartItem(d *jx.Decoder) (cartItemRequest, error) {
	var req cartItemRequest
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "productId":
			req.ProductID, err = d.Int64()
		case "quantity":
			req.Quantity, err = d.Int()
		default:
			return d.Skip()
		}
		return wrapField(err, key)
	})
	if err != nil {
		return req, malformed("decode cart item: %v", err)
	}
	return req, nil
}

func decodeStatus(d *jx.Decoder) (string, error) {
	var status string
	err := d.Obj(func(d *jx.Decoder, key string) error {
		if key != "status" {
			return d.Skip()
		}
		var err error
		status, err = d.Str()
		return wrapField(err, key)
	})
	if err != nil {
		return "", malformed("decode status: %v", err)
	}
	return status, nil
}

func wrapField(err error, key string) error {
	if err != nil {
		return errors.Wrap(err, key)
	}
	return nil
}

func money(e *jx.Encoder, v decimal.Decimal) {
	e.Str(v.StringFixed(2))
}

func optionalInt64(e *jx.Encoder, v *int64) {
	if v == nil {
		e.Null()
		return
	}
	e.Int64(*v)
}

func encodeOrder(e *jx.Encoder, o *order.Order) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(o.ID) })
		e.Field("customerId", func(e *jx.Encoder) { optionalInt64(e, o.CustomerID) })
		e.Field("status", func(e *jx.Encoder) { e.Str(string(o.Status)) })
		e.Field("createdAt", func(e *jx.Encoder) { e.Str(o.CreatedAt.UTC().Format(time.RFC3339Nano)) })
		e.Field("total", func(e *jx.Encoder) { money(e, o.Total) })
		e.Field("lines", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for i := range o.Lines {
					encodeLine(e, &o.Lines[i])
				}
			})
		})
	})
}

func encodeLine(e *jx.Encoder, l *order.Line) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("position", func(e *jx.Encoder) { e.Int(l.Position) })
		e.Field("productId", func(e *jx.Encoder) { optionalInt64(e, l.ProductID) })
		e.Field("productName", func(e *jx.Encoder) { e.Str(l.ProductName) })
		e.Field("quantity", func(e *jx.Encoder) { e.Int(l.Quantity) })
		e.Field("unitPrice", func(e *jx.Encoder) { money(e, l.UnitPrice) })
		e.Field("subtotal", func(e *jx.Encoder) { money(e, l.Subtotal) })
		if l.Customization != "" {
			e.Field("customization", func(e *jx.Encoder) { e.Str(l.Customization) })
		}
	})
}

func encodeOrders(e *jx.Encoder, orders []order.Order) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("orders", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for i := range orders {
					encodeOrder(e, &orders[i])
				}
			})
		})
	})
}

func encodeCart(e *jx.Encoder, c *cart.Cart) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("customerId", func(e *jx.Encoder) { e.Int64(c.CustomerID) })
		e.Field("items", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, it := range c.Items {
					e.Obj(func(e *jx.Encoder) {
						e.Field("productId", func(e *jx.Encoder) { e.Int64(it.ProductID) })
						e.Field("name", func(e *jx.Encoder) { e.Str(it.Name) })
						e.Field("quantity", func(e *jx.Encoder) { e.Int(it.Quantity) })
						e.Field("unitPrice", func(e *jx.Encoder) { money(e, it.UnitPrice) })
						e.Field("subtotal", func(e *jx.Encoder) { money(e, it.Subtotal) })
					})
				}
			})
		})
		e.Field("total", func(e *jx.Encoder) { money(e, c.Total()) })
	})
}

func encodeProduct(e *jx.Encoder, p *product.Product) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Int64(p.ID) })
		e.Field("name", func(e *jx.Encoder) { e.Str(p.Name) })
		e.Field("price", func(e *jx.Encoder) { money(e, p.Price) })
		e.Field("stock", func(e *jx.Encoder) { e.Int(p.Stock) })
		e.Field("customizable", func(e *jx.Encoder) { e.Bool(p.Customizable) })
	})
}

func encodeProducts(e *jx.Encoder, products []product.Product) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("products", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for i := range products {
					encodeProduct(e, &products[i])
				}
			})
		})
	})
}

func writeJSON(w http.ResponseWriter, code int, encode func(e *jx.Encoder)) {
	var e jx.Encoder
	encode(&e)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(e.Bytes())
}
