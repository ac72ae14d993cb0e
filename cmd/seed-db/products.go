package main

import (
	"io"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/keychain-shop/internal/domain/product"
)

// parseProducts decodes the seed catalog: an array of objects with name,
// price (string or number), stock and customizable.
func parseProducts(r io.Reader) ([]product.Product, error) {
	var out []product.Product
	d := jx.Decode(r, 4096)
	err := d.Arr(func(d *jx.Decoder) error {
		var p product.Product
		if err := d.Obj(func(d *jx.Decoder, key string) error {
			switch key {
			case "name":
				v, err := d.Str()
				p.Name = v
				return err
			case "price":
				v, err := decodeDecimal(d)
				p.Price = v
				return err
			case "stock":
				v, err := d.Int()
				p.Stock = v
				return err
			case "customizable":
				v, err := d.Bool()
				p.Customizable = v
				return err
			default:
				return d.Skip()
			}
		}); err != nil {
			return err
		}
		if p.Name == "" {
			return errors.Errorf("product %d: name required", len(out)+1)
		}
		if p.Price.IsNegative() {
			return errors.Errorf("product %q: price must not be negative", p.Name)
		}
		if p.Stock < 0 {
			return errors.Errorf("product %q: stock must not be negative", p.Name)
		}
		out = append(out, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Decimal{}, err
		}
		return decimal.NewFromString(s)
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Decimal{}, err
		}
		return decimal.NewFromString(n.String())
	default:
		return decimal.Decimal{}, errors.Errorf("unexpected %s for price", d.Next())
	}
}
