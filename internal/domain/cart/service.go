package cart

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-store/internal/domain/apperr"
	"github.com/xenking/kart-store/internal/domain/catalog"
	"github.com/xenking/kart-store/internal/domain/coupon"
	"github.com/xenking/kart-store/internal/domain/txn"
)

// AddItem is one line of an add-to-cart request.
type AddItem struct {
	VariantID string
	Quantity  int
}

// Service implements cart mutations. Every mutation runs as one atomic unit
// with the cart row locked from the first read to the returned view.
type Service struct {
	tx       txn.Runner
	carts    Repository
	variants catalog.Repository
	coupons  *coupon.Finder
	agg      *Aggregator
	now      func() time.Time
}

// NewService creates a cart Service.
func NewService(
	tx txn.Runner,
	carts Repository,
	variants catalog.Repository,
	coupons *coupon.Finder,
	agg *Aggregator,
) *Service {
	return &Service{
		tx:       tx,
		carts:    carts,
		variants: variants,
		coupons:  coupons,
		agg:      agg,
		now:      time.Now,
	}
}

// Get returns the priced cart of the user.
func (s *Service) Get(ctx context.Context, userID string) (*View, error) {
	return s.agg.Compute(ctx, userID)
}

// AddItems adds variants to the cart. Quantities of duplicate variants are
// summed first. A new line larger than stock fails with
// ErrQuantityExceedsStock; an existing line is clamped to stock and fails only
// when it already holds all of it.
func (s *Service) AddItems(ctx context.Context, userID string, items []AddItem) (*View, error) {
	merged, err := mergeAddItems(items)
	if err != nil {
		return nil, err
	}

	var view *View
	if err := s.tx.InTx(ctx, func(ctx context.Context) error {
		c, err := s.carts.GetOrCreate(ctx, userID)
		if err != nil {
			return errors.Wrap(err, "get cart")
		}
		for _, req := range merged {
			if err := s.addOne(ctx, c, req); err != nil {
				return err
			}
		}
		view, err = s.agg.Build(ctx, c)
		return err
	}); err != nil {
		return nil, err
	}
	return view, nil
}

func mergeAddItems(items []AddItem) ([]AddItem, error) {
	if len(items) == 0 {
		return nil, apperr.Invalidf("no items to add")
	}
	out := make([]AddItem, 0, len(items))
	index := make(map[string]int, len(items))
	for _, it := range items {
		if err := apperr.RequireID("variantId", it.VariantID); err != nil {
			return nil, err
		}
		if it.Quantity <= 0 {
			return nil, apperr.Invalidf("quantity must be positive").With("variantId", it.VariantID)
		}
		if i, ok := index[it.VariantID]; ok {
			out[i].Quantity += it.Quantity
			continue
		}
		index[it.VariantID] = len(out)
		out = append(out, it)
	}
	return out, nil
}

func (s *Service) addOne(ctx context.Context, c *Cart, req AddItem) error {
	v, err := s.purchasable(ctx, req.VariantID)
	if err != nil {
		return err
	}

	existing, ok := c.FindVariant(v.ID)
	if ok {
		if existing.Quantity >= v.Stock {
			return stockErr(v)
		}
		qty := min(existing.Quantity+req.Quantity, v.Stock)
		if err := s.carts.SetItemQuantity(ctx, existing.ID, qty); err != nil {
			return errors.Wrap(err, "set quantity")
		}
		existing.Quantity = qty
		return nil
	}
	if req.Quantity > v.Stock {
		return stockErr(v)
	}

	it, err := s.carts.AddItem(ctx, c.ID, v.ID, req.Quantity)
	if err != nil {
		return errors.Wrap(err, "add item")
	}
	c.Items = append(c.Items, *it)
	return nil
}

// UpdateQuantity sets the quantity of an item. A quantity of zero or less
// removes it; a quantity above stock fails.
func (s *Service) UpdateQuantity(ctx context.Context, userID, itemID string, qty int) (*View, error) {
	if err := apperr.RequireID("itemId", itemID); err != nil {
		return nil, err
	}

	return s.mutate(ctx, userID, func(ctx context.Context, c *Cart) error {
		it, ok := c.FindItem(itemID)
		if !ok {
			return ErrItemNotFound
		}
		if qty <= 0 {
			return s.carts.DeleteItem(ctx, it.ID)
		}

		v, err := s.variants.GetVariant(ctx, it.VariantID)
		if err != nil {
			return errors.Wrap(err, "get variant")
		}
		if qty > v.Stock {
			return stockErr(v)
		}
		return s.carts.SetItemQuantity(ctx, it.ID, qty)
	})
}

// UpdateVariant moves an item to another variant of the product. When the
// target variant is already in the cart the two lines are merged.
func (s *Service) UpdateVariant(ctx context.Context, userID, itemID, variantID string) (*View, error) {
	if err := apperr.RequireID("itemId", itemID); err != nil {
		return nil, err
	}
	if err := apperr.RequireID("variantId", variantID); err != nil {
		return nil, err
	}

	return s.mutate(ctx, userID, func(ctx context.Context, c *Cart) error {
		it, ok := c.FindItem(itemID)
		if !ok {
			return ErrItemNotFound
		}
		if it.VariantID == variantID {
			return nil
		}

		v, err := s.purchasable(ctx, variantID)
		if err != nil {
			return err
		}

		if other, ok := c.FindVariant(variantID); ok {
			merged := other.Quantity + it.Quantity
			if merged > v.Stock {
				return stockErr(v)
			}
			if err := s.carts.SetItemQuantity(ctx, other.ID, merged); err != nil {
				return errors.Wrap(err, "set quantity")
			}
			return s.carts.DeleteItem(ctx, it.ID)
		}

		if it.Quantity > v.Stock {
			return stockErr(v)
		}
		return s.carts.SetItemVariant(ctx, it.ID, variantID)
	})
}

// RemoveItem deletes an item owned by the user.
func (s *Service) RemoveItem(ctx context.Context, userID, itemID string) (*View, error) {
	if err := apperr.RequireID("itemId", itemID); err != nil {
		return nil, err
	}

	return s.mutate(ctx, userID, func(ctx context.Context, c *Cart) error {
		if _, ok := c.FindItem(itemID); !ok {
			return ErrItemNotFound
		}
		return s.carts.DeleteItem(ctx, itemID)
	})
}

// mutate loads the user's cart inside an atomic unit, applies fn and returns
// the view recomputed from the reloaded cart. A missing cart means the item
// does not belong to the user.
func (s *Service) mutate(ctx context.Context, userID string, fn func(ctx context.Context, c *Cart) error) (*View, error) {
	var view *View
	if err := s.tx.InTx(ctx, func(ctx context.Context) error {
		c, err := s.carts.GetByUser(ctx, userID)
		if err != nil {
			if errors.Is(err, ErrCartNotFound) {
				return ErrItemNotFound
			}
			return errors.Wrap(err, "get cart")
		}
		if err := fn(ctx, c); err != nil {
			return err
		}
		if c, err = s.carts.GetByUser(ctx, userID); err != nil {
			return errors.Wrap(err, "reload cart")
		}
		view, err = s.agg.Build(ctx, c)
		return err
	}); err != nil {
		return nil, err
	}
	return view, nil
}

// ListCoupons returns the coupons usable right now, evaluated against the
// current cart subtotal.
func (s *Service) ListCoupons(ctx context.Context, userID string) ([]coupon.Candidate, error) {
	view, err := s.agg.Compute(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.coupons.ListUsable(ctx, subtotalOf(view), s.now())
}

// ApplyCoupon evaluates code against the cart subtotal and makes it the
// cart's only coupon. The returned view already reflects the coupon.
func (s *Service) ApplyCoupon(ctx context.Context, userID, code string) (*View, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, apperr.Invalidf("coupon code is required")
	}

	var view *View
	if err := s.tx.InTx(ctx, func(ctx context.Context) error {
		c, err := s.carts.GetByUser(ctx, userID)
		if err != nil {
			if errors.Is(err, ErrCartNotFound) {
				return ErrCartEmpty
			}
			return errors.Wrap(err, "get cart")
		}

		now := s.now()
		cp, err := s.coupons.FindActive(ctx, code, now)
		if err != nil {
			return err
		}

		current, err := s.agg.Build(ctx, c)
		if err != nil {
			return err
		}
		if current.IsEmpty() {
			return ErrCartEmpty
		}

		ev := coupon.Evaluate(cp, subtotalOf(current))
		if !ev.Eligible {
			return coupon.ErrMinOrderNotMet.
				With("missingAmount", ev.MissingAmount).
				With("minOrderValue", cp.MinOrderValue)
		}

		applied := AppliedCoupon{
			CouponID:      cp.ID,
			Code:          cp.Code,
			DiscountValue: ev.AppliedValue,
			FreeShipping:  ev.FreeShipping,
			AppliedAt:     now,
		}
		if err := s.carts.ClearCoupon(ctx, c.ID); err != nil {
			return errors.Wrap(err, "clear coupon")
		}
		if err := s.carts.SetCoupon(ctx, c.ID, applied); err != nil {
			return errors.Wrap(err, "set coupon")
		}
		c.Coupon = &applied

		view, err = s.agg.Build(ctx, c)
		return err
	}); err != nil {
		return nil, err
	}
	return view, nil
}

// RemoveCoupon clears any coupon from the cart.
func (s *Service) RemoveCoupon(ctx context.Context, userID string) (*View, error) {
	var view *View
	if err := s.tx.InTx(ctx, func(ctx context.Context) error {
		c, err := s.carts.GetByUser(ctx, userID)
		if err != nil {
			if errors.Is(err, ErrCartNotFound) {
				view = &View{PaymentMethod: PaymentCOD, Summary: zeroSummary()}
				return nil
			}
			return errors.Wrap(err, "get cart")
		}
		if err := s.carts.ClearCoupon(ctx, c.ID); err != nil {
			return errors.Wrap(err, "clear coupon")
		}
		c.Coupon = nil
		view, err = s.agg.Build(ctx, c)
		return err
	}); err != nil {
		return nil, err
	}
	return view, nil
}

// Counts returns the number of lines and units in the cart.
func (s *Service) Counts(ctx context.Context, userID string) (Counts, error) {
	c, err := s.carts.GetByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrCartNotFound) {
			return Counts{}, nil
		}
		return Counts{}, errors.Wrap(err, "get cart")
	}
	out := Counts{Items: len(c.Items)}
	for _, it := range c.Items {
		out.Quantity += it.Quantity
	}
	return out, nil
}

// PaymentMethod returns the user's preferred payment method, COD by default.
func (s *Service) PaymentMethod(ctx context.Context, userID string) (PaymentMethod, error) {
	c, err := s.carts.GetByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrCartNotFound) {
			return PaymentCOD, nil
		}
		return "", errors.Wrap(err, "get cart")
	}
	if c.PaymentMethod == "" {
		return PaymentCOD, nil
	}
	return c.PaymentMethod, nil
}

// SetPaymentMethod stores the user's preferred payment method.
func (s *Service) SetPaymentMethod(ctx context.Context, userID, method string) (PaymentMethod, error) {
	m, err := ParsePaymentMethod(method)
	if err != nil {
		return "", err
	}
	if err := s.tx.InTx(ctx, func(ctx context.Context) error {
		c, err := s.carts.GetOrCreate(ctx, userID)
		if err != nil {
			return errors.Wrap(err, "get cart")
		}
		return s.carts.SetPaymentMethod(ctx, c.ID, m)
	}); err != nil {
		return "", err
	}
	return m, nil
}

// purchasable loads a variant and checks it can be put into a cart.
func (s *Service) purchasable(ctx context.Context, variantID string) (*catalog.Variant, error) {
	v, err := s.variants.GetVariant(ctx, variantID)
	if err != nil {
		if errors.Is(err, catalog.ErrVariantNotFound) {
			return nil, catalog.ErrVariantNotFound.With("variantId", variantID)
		}
		return nil, errors.Wrap(err, "get variant")
	}
	if !v.Active {
		return nil, ErrVariantInactive.With("variantId", v.ID)
	}
	if v.Stock <= 0 {
		return nil, ErrOutOfStock.With("variantId", v.ID)
	}
	return v, nil
}

func stockErr(v *catalog.Variant) error {
	return ErrQuantityExceedsStock.With("variantId", v.ID).With("max", v.Stock)
}

// subtotalOf sums the unrounded line totals of a view.
func subtotalOf(v *View) decimal.Decimal {
	sum := decimal.Zero
	for _, it := range v.Items {
		sum = sum.Add(it.TotalPrice)
	}
	return sum
}
