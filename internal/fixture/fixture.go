// Package fixture decodes seed data for the stores: products with their
// variants and prices, coupons, addresses and operator API keys.
package fixture

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-store/internal/domain/address"
	"github.com/xenking/kart-store/internal/domain/auth"
	"github.com/xenking/kart-store/internal/domain/catalog"
	"github.com/xenking/kart-store/internal/domain/coupon"
)

// Fixture is a decoded seed document.
type Fixture struct {
	Variants  []catalog.Variant
	Coupons   []coupon.Coupon
	Addresses []address.Address
	// APIKeys hold hashed keys, ready to store.
	APIKeys []auth.APIKeyInfo
}

// Decode parses a seed document. Plain API keys are hashed with pepper.
func Decode(data []byte, pepper []byte) (*Fixture, error) {
	var fx Fixture
	err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "products":
			return d.Arr(func(d *jx.Decoder) error {
				vs, err := decodeProduct(d)
				fx.Variants = append(fx.Variants, vs...)
				return err
			})
		case "coupons":
			return d.Arr(func(d *jx.Decoder) error {
				c, err := decodeCoupon(d)
				fx.Coupons = append(fx.Coupons, c)
				return err
			})
		case "addresses":
			return d.Arr(func(d *jx.Decoder) error {
				a, err := decodeAddress(d)
				fx.Addresses = append(fx.Addresses, a)
				return err
			})
		case "apiKeys":
			return d.Arr(func(d *jx.Decoder) error {
				k, err := decodeAPIKey(d, pepper)
				fx.APIKeys = append(fx.APIKeys, k)
				return err
			})
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode fixture")
	}
	return &fx, nil
}

func decodeProduct(d *jx.Decoder) ([]catalog.Variant, error) {
	var (
		id, name string
		base     decimal.Decimal
		variants []catalog.Variant
	)
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			id, err = d.Str()
		case "name":
			name, err = d.Str()
		case "basePrice":
			base, err = decodeDecimal(d)
		case "variants":
			err = d.Arr(func(d *jx.Decoder) error {
				v, err := decodeVariant(d)
				variants = append(variants, v)
				return err
			})
		default:
			err = d.Skip()
		}
		return errors.Wrap(err, key)
	})
	if err != nil {
		return nil, errors.Wrap(err, "product")
	}
	for i := range variants {
		variants[i].ProductID = id
		variants[i].ProductName = name
		variants[i].BasePrice = base
	}
	return variants, nil
}

func decodeVariant(d *jx.Decoder) (catalog.Variant, error) {
	v := catalog.Variant{Active: true}
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			v.ID, err = d.Str()
		case "sku":
			v.SKU, err = d.Str()
		case "name":
			v.Name, err = d.Str()
		case "price":
			v.Price, err = decodeOptDecimal(d)
		case "stock":
			v.Stock, err = d.Int()
		case "active":
			v.Active, err = d.Bool()
		case "prices":
			err = d.Arr(func(d *jx.Decoder) error {
				p, err := decodePrice(d)
				v.Prices = append(v.Prices, p)
				return err
			})
		default:
			err = d.Skip()
		}
		return errors.Wrap(err, key)
	})
	for i := range v.Prices {
		v.Prices[i].VariantID = v.ID
	}
	return v, errors.Wrap(err, "variant")
}

func decodePrice(d *jx.Decoder) (catalog.Price, error) {
	var p catalog.Price
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			p.ID, err = d.Str()
		case "type":
			var s string
			s, err = d.Str()
			p.Type = catalog.PriceType(s)
		case "amount":
			p.Amount, err = decodeDecimal(d)
		case "startsAt":
			p.StartsAt, err = decodeOptTime(d)
		case "endsAt":
			p.EndsAt, err = decodeOptTime(d)
		default:
			err = d.Skip()
		}
		return errors.Wrap(err, key)
	})
	return p, errors.Wrap(err, "price")
}

func decodeCoupon(d *jx.Decoder) (coupon.Coupon, error) {
	c := coupon.Coupon{Active: true}
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			c.ID, err = d.Str()
		case "code":
			c.Code, err = d.Str()
		case "description":
			c.Description, err = d.Str()
		case "type":
			var s string
			s, err = d.Str()
			c.Type = coupon.DiscountType(s)
		case "value":
			c.Value, err = decodeDecimal(d)
		case "minOrderValue":
			c.MinOrderValue, err = decodeDecimal(d)
		case "maxDiscount":
			c.MaxDiscount, err = decodeOptDecimal(d)
		case "freeShipping":
			c.FreeShipping, err = d.Bool()
		case "active":
			c.Active, err = d.Bool()
		case "startsAt":
			c.StartsAt, err = decodeOptTime(d)
		case "endsAt":
			c.EndsAt, err = decodeOptTime(d)
		case "usageLimit":
			var n int
			if n, err = d.Int(); err == nil {
				c.UsageLimit = &n
			}
		case "usedCount":
			c.UsedCount, err = d.Int()
		default:
			err = d.Skip()
		}
		return errors.Wrap(err, key)
	})
	return c, errors.Wrap(err, "coupon")
}

func decodeAddress(d *jx.Decoder) (address.Address, error) {
	var a address.Address
	fields := map[string]*string{
		"id":        &a.ID,
		"userId":    &a.UserID,
		"recipient": &a.Recipient,
		"phone":     &a.Phone,
		"line":      &a.Line,
		"ward":      &a.Ward,
		"district":  &a.District,
		"province":  &a.Province,
	}
	err := d.Obj(func(d *jx.Decoder, key string) error {
		dst, ok := fields[key]
		if !ok {
			return d.Skip()
		}
		s, err := d.Str()
		*dst = s
		return errors.Wrap(err, key)
	})
	return a, errors.Wrap(err, "address")
}

func decodeAPIKey(d *jx.Decoder, pepper []byte) (auth.APIKeyInfo, error) {
	var (
		k   auth.APIKeyInfo
		raw string
	)
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			k.ID, err = d.Str()
		case "name":
			k.Name, err = d.Str()
		case "key":
			raw, err = d.Str()
		case "scopes":
			err = d.Arr(func(d *jx.Decoder) error {
				s, err := d.Str()
				k.Scopes = append(k.Scopes, s)
				return err
			})
		default:
			err = d.Skip()
		}
		return errors.Wrap(err, key)
	})
	if err != nil {
		return k, errors.Wrap(err, "api key")
	}
	if raw == "" {
		return k, errors.Errorf("api key %q without key", k.ID)
	}
	k.KeyHash = auth.HashAPIKey(pepper, raw)
	return k, nil
}

// decodeDecimal accepts a JSON number or a numeric string.
func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Decimal{}, err
		}
		return decimal.NewFromString(s)
	default:
		n, err := d.Num()
		if err != nil {
			return decimal.Decimal{}, err
		}
		return decimal.NewFromString(n.String())
	}
}

func decodeOptDecimal(d *jx.Decoder) (*decimal.Decimal, error) {
	if d.Next() == jx.Null {
		return nil, d.Null()
	}
	v, err := decodeDecimal(d)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func decodeOptTime(d *jx.Decoder) (*time.Time, error) {
	if d.Next() == jx.Null {
		return nil, d.Null()
	}
	s, err := d.Str()
	if err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
