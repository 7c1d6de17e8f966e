package cart

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/kart-store/internal/domain/apperr"
	"github.com/xenking/kart-store/internal/domain/catalog"
	"github.com/xenking/kart-store/internal/domain/coupon"
	"github.com/xenking/kart-store/internal/domain/pricing"
)

// Aggregator prices carts. It is the single source of truth for cart totals
// and may run standalone or inside an atomic unit carried by ctx.
type Aggregator struct {
	carts    Repository
	variants catalog.Repository
	coupons  *coupon.Finder
	settings Settings
	now      func() time.Time
}

// NewAggregator creates an Aggregator.
func NewAggregator(
	carts Repository,
	variants catalog.Repository,
	coupons *coupon.Finder,
	settings Settings,
) *Aggregator {
	return &Aggregator{
		carts:    carts,
		variants: variants,
		coupons:  coupons,
		settings: settings,
		now:      time.Now,
	}
}

// Settings returns the pricing parameters in use.
func (a *Aggregator) Settings() Settings {
	return a.settings
}

// Compute returns the priced view of the user's cart. A missing cart yields
// an empty view.
func (a *Aggregator) Compute(ctx context.Context, userID string) (*View, error) {
	c, err := a.carts.GetByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrCartNotFound) {
			return &View{PaymentMethod: PaymentCOD, Summary: zeroSummary()}, nil
		}
		return nil, errors.Wrap(err, "get cart")
	}
	return a.Build(ctx, c)
}

// Build prices an already loaded cart. A persisted coupon that no longer
// validates is detached from the cart and the view carries no discount.
func (a *Aggregator) Build(ctx context.Context, c *Cart) (*View, error) {
	view := &View{
		CartID:        c.ID,
		PaymentMethod: c.PaymentMethod,
		Summary:       zeroSummary(),
	}
	if view.PaymentMethod == "" {
		view.PaymentMethod = PaymentCOD
	}
	if len(c.Items) == 0 {
		return view, nil
	}

	now := a.now()
	items, err := a.priceItems(ctx, c, now)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return view, nil
	}
	view.Items = items

	subtotal, savings := decimal.Zero, decimal.Zero
	quantity := 0
	for _, it := range items {
		subtotal = subtotal.Add(it.TotalPrice)
		savings = savings.Add(lineSavings(it))
		quantity += it.Quantity
	}

	discount := decimal.Zero
	freeShipping := false
	if c.Coupon != nil {
		promo, err := a.revalidate(ctx, c, subtotal, now)
		if err != nil {
			return nil, err
		}
		if promo != nil {
			view.Promo = promo
			discount = promo.DiscountAmount
			freeShipping = promo.FreeShipping
		}
	}

	view.Summary = a.summarize(subtotal, savings, discount, freeShipping)
	view.Summary.ItemCount = len(items)
	view.Summary.TotalQuantity = quantity
	return view, nil
}

func lineSavings(it ViewItem) decimal.Decimal {
	q := pricing.Quote{ListPrice: it.ListPrice, UnitPrice: it.UnitPrice}
	return q.Savings().Mul(decimal.NewFromInt(int64(it.Quantity)))
}

func (a *Aggregator) priceItems(ctx context.Context, c *Cart, now time.Time) ([]ViewItem, error) {
	ids := make([]string, len(c.Items))
	for i, it := range c.Items {
		ids[i] = it.VariantID
	}
	fetched, err := a.variants.GetVariants(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get variants")
	}
	byID := make(map[string]catalog.Variant, len(fetched))
	for _, v := range fetched {
		byID[v.ID] = v
	}

	items := make([]ViewItem, 0, len(c.Items))
	for _, it := range c.Items {
		v, ok := byID[it.VariantID]
		if !ok {
			// The variant was removed from the catalog; drop the orphaned line.
			zctx.From(ctx).Warn("Dropping cart item with missing variant",
				zap.String("cart_id", c.ID),
				zap.String("item_id", it.ID),
				zap.String("variant_id", it.VariantID),
			)
			if err := a.carts.DeleteItem(ctx, it.ID); err != nil {
				return nil, errors.Wrap(err, "delete orphaned item")
			}
			continue
		}

		q := pricing.Resolve(v, now)
		items = append(items, ViewItem{
			ID:          it.ID,
			VariantID:   v.ID,
			ProductID:   v.ProductID,
			ProductName: v.ProductName,
			VariantName: v.Name,
			SKU:         v.SKU,
			Quantity:    it.Quantity,
			Stock:       v.Stock,
			Active:      v.Active,
			ListPrice:   q.ListPrice,
			UnitPrice:   q.UnitPrice,
			TotalPrice:  q.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))),
		})
	}
	return items, nil
}

// revalidate re-evaluates the cart's coupon against subtotal. It returns nil
// when the coupon was detached.
func (a *Aggregator) revalidate(ctx context.Context, c *Cart, subtotal decimal.Decimal, now time.Time) (*Promo, error) {
	applied := c.Coupon
	cp, err := a.coupons.Revalidate(ctx, applied.CouponID, now)
	if err != nil {
		if _, ok := apperr.As(err); !ok {
			return nil, errors.Wrap(err, "revalidate coupon")
		}
		return nil, a.detach(ctx, c, apperr.CodeOf(err))
	}

	ev := coupon.Evaluate(cp, subtotal)
	if !ev.Eligible {
		return nil, a.detach(ctx, c, coupon.ErrMinOrderNotMet.Code)
	}

	return &Promo{
		CouponID:       cp.ID,
		Code:           cp.Code,
		Description:    cp.Description,
		Type:           cp.Type,
		Value:          cp.Value,
		DiscountAmount: ev.AppliedValue,
		FreeShipping:   ev.FreeShipping,
	}, nil
}

func (a *Aggregator) detach(ctx context.Context, c *Cart, reason string) error {
	zctx.From(ctx).Warn("Detaching invalid coupon from cart",
		zap.String("cart_id", c.ID),
		zap.String("code", c.Coupon.Code),
		zap.String("reason", reason),
	)
	if err := a.carts.ClearCoupon(ctx, c.ID); err != nil {
		return errors.Wrap(err, "detach coupon")
	}
	c.Coupon = nil
	return nil
}

// summarize rounds the accumulated amounts into a Summary. Only the outputs
// are rounded; tax is computed from the unrounded subtotal and discount.
func (a *Aggregator) summarize(subtotal, savings, discount decimal.Decimal, freeShipping bool) Summary {
	s := a.settings
	net := subtotal.Sub(discount)

	shipping := s.ShippingFee
	if freeShipping || net.GreaterThanOrEqual(s.FreeShippingThreshold) {
		shipping = decimal.Zero
	}

	tax := s.TaxRate.Mul(net).Round(s.Scale)
	total := net.Add(shipping).Add(tax).Round(s.Scale)

	return Summary{
		Subtotal: subtotal.Round(s.Scale),
		Savings:  savings.Round(s.Scale),
		Discount: discount.Round(s.Scale),
		Shipping: shipping.Round(s.Scale),
		Tax:      tax,
		Total:    total,
	}
}

func zeroSummary() Summary {
	return Summary{
		Subtotal: decimal.Zero,
		Savings:  decimal.Zero,
		Discount: decimal.Zero,
		Shipping: decimal.Zero,
		Tax:      decimal.Zero,
		Total:    decimal.Zero,
	}
}
