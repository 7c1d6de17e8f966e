// Package pricing resolves the list and charge price of a variant at a point
// in time.
package pricing

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-store/internal/domain/catalog"
)

// Quote is the resolved price pair of a variant.
type Quote struct {
	// ListPrice is the compare-at price.
	ListPrice decimal.Decimal
	// UnitPrice is the price charged per unit.
	UnitPrice decimal.Decimal
}

// Savings returns the per-unit difference between list and charge price,
// floored at zero.
func (q Quote) Savings() decimal.Decimal {
	d := q.ListPrice.Sub(q.UnitPrice)
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// Resolve picks the most specific active LIST and SALE records of v at the
// given time and applies the fallback chain:
//
//	list: active LIST -> variant price -> product base price
//	unit: active SALE -> variant price -> list
func Resolve(v catalog.Variant, at time.Time) Quote {
	list, hasList := pick(v.Prices, catalog.PriceList, at)
	if !hasList {
		if v.Price != nil {
			list = *v.Price
		} else {
			list = v.BasePrice
		}
	}

	unit, hasSale := pick(v.Prices, catalog.PriceSale, at)
	if !hasSale {
		if v.Price != nil {
			unit = *v.Price
		} else {
			unit = list
		}
	}

	return Quote{ListPrice: list, UnitPrice: unit}
}

// pick returns the amount of the active record of type t with the latest
// start. Records without a start sort after every dated record; on equal
// starts the earlier record wins.
func pick(prices []catalog.Price, t catalog.PriceType, at time.Time) (decimal.Decimal, bool) {
	var best *catalog.Price
	for i := range prices {
		p := &prices[i]
		if p.Type != t || !p.ActiveAt(at) {
			continue
		}
		if best == nil || startsLater(p, best) {
			best = p
		}
	}
	if best == nil {
		return decimal.Zero, false
	}
	return best.Amount, true
}

func startsLater(a, b *catalog.Price) bool {
	switch {
	case a.StartsAt == nil:
		return false
	case b.StartsAt == nil:
		return true
	default:
		return a.StartsAt.After(*b.StartsAt)
	}
}

// Resolver resolves prices by variant id.
type Resolver struct {
	variants catalog.Repository
}

// NewResolver creates a Resolver backed by the given repository.
func NewResolver(variants catalog.Repository) *Resolver {
	return &Resolver{variants: variants}
}

// ResolvePrice loads the variant and resolves its prices at asOf.
// It fails with catalog.ErrVariantNotFound when the variant does not exist.
func (r *Resolver) ResolvePrice(ctx context.Context, variantID string, asOf time.Time) (Quote, error) {
	v, err := r.variants.GetVariant(ctx, variantID)
	if err != nil {
		if errors.Is(err, catalog.ErrVariantNotFound) {
			return Quote{}, err
		}
		return Quote{}, errors.Wrap(err, "get variant")
	}
	return Resolve(*v, asOf), nil
}
