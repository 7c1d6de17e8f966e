package cart

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-store/internal/domain/apperr"
	"github.com/xenking/kart-store/internal/domain/coupon"
)

// Sentinel errors for cart operations. Stock errors carry {"max", "variantId"}.
var (
	ErrCartNotFound         = apperr.NotFound("CART_NOT_FOUND", "cart not found")
	ErrItemNotFound         = apperr.NotFound("CART_ITEM_NOT_FOUND", "cart item not found")
	ErrCartEmpty            = apperr.Conflict("CART_EMPTY", "cart is empty")
	ErrVariantInactive      = apperr.Conflict("VARIANT_INACTIVE", "variant is not available")
	ErrOutOfStock           = apperr.Conflict("ITEM_OUT_OF_STOCK", "item is out of stock")
	ErrQuantityExceedsStock = apperr.Conflict("QUANTITY_EXCEEDS_STOCK", "requested quantity exceeds stock")
	ErrInvalidPaymentMethod = apperr.Validation("INVALID_PAYMENT_METHOD", "unsupported payment method")
)

// PaymentMethod is the buyer's preferred way of paying.
type PaymentMethod string

const (
	// PaymentCOD is cash on delivery.
	PaymentCOD PaymentMethod = "COD"
	// PaymentMoMo is the MoMo e-wallet gateway.
	PaymentMoMo PaymentMethod = "MOMO"
)

// ParsePaymentMethod validates a payment method name.
func ParsePaymentMethod(s string) (PaymentMethod, error) {
	switch m := PaymentMethod(s); m {
	case PaymentCOD, PaymentMoMo:
		return m, nil
	default:
		return "", ErrInvalidPaymentMethod.Withf("unsupported payment method %q", s)
	}
}

// Cart is the single shopping cart of a user.
type Cart struct {
	ID            string
	UserID        string
	PaymentMethod PaymentMethod
	Items         []Item
	Coupon        *AppliedCoupon
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// FindItem returns the item with the given id.
func (c *Cart) FindItem(id string) (*Item, bool) {
	for i := range c.Items {
		if c.Items[i].ID == id {
			return &c.Items[i], true
		}
	}
	return nil, false
}

// FindVariant returns the item holding the given variant.
func (c *Cart) FindVariant(variantID string) (*Item, bool) {
	for i := range c.Items {
		if c.Items[i].VariantID == variantID {
			return &c.Items[i], true
		}
	}
	return nil, false
}

// Item is a line of a cart. A variant appears at most once per cart.
type Item struct {
	ID        string
	CartID    string
	VariantID string
	Quantity  int
	CreatedAt time.Time
}

// AppliedCoupon caches the evaluation made when a coupon was applied.
// It is re-validated on every read.
type AppliedCoupon struct {
	CouponID      string
	Code          string
	DiscountValue decimal.Decimal
	FreeShipping  bool
	AppliedAt     time.Time
}

// Repository persists carts. Inside an atomic unit, GetByUser and
// GetOrCreate lock the cart row until the unit ends.
type Repository interface {
	// GetByUser returns the cart with items in insertion order, or
	// ErrCartNotFound.
	GetByUser(ctx context.Context, userID string) (*Cart, error)
	GetOrCreate(ctx context.Context, userID string) (*Cart, error)
	AddItem(ctx context.Context, cartID, variantID string, qty int) (*Item, error)
	SetItemQuantity(ctx context.Context, itemID string, qty int) error
	SetItemVariant(ctx context.Context, itemID, variantID string) error
	DeleteItem(ctx context.Context, itemID string) error
	ClearItems(ctx context.Context, cartID string) error
	// SetCoupon stores c as the cart's only coupon.
	SetCoupon(ctx context.Context, cartID string, c AppliedCoupon) error
	ClearCoupon(ctx context.Context, cartID string) error
	SetPaymentMethod(ctx context.Context, cartID string, m PaymentMethod) error
}

// Settings are the pricing parameters applied on top of line items.
type Settings struct {
	// TaxRate is applied to subtotal minus discount, e.g. 0.08.
	TaxRate decimal.Decimal
	// ShippingFee is the flat fee charged below the free-shipping threshold.
	ShippingFee decimal.Decimal
	// FreeShippingThreshold waives shipping when subtotal minus discount
	// reaches it.
	FreeShippingThreshold decimal.Decimal
	// Scale is the number of decimal places of the currency's smallest unit.
	Scale int32
}

// View is the fully priced cart.
type View struct {
	CartID        string
	Items         []ViewItem
	Summary       Summary
	Promo         *Promo
	PaymentMethod PaymentMethod
}

// IsEmpty reports whether the view has no items.
func (v *View) IsEmpty() bool {
	return len(v.Items) == 0
}

// ViewItem is a priced cart line.
type ViewItem struct {
	ID          string
	VariantID   string
	ProductID   string
	ProductName string
	VariantName string
	SKU         string
	Quantity    int
	Stock       int
	Active      bool
	ListPrice   decimal.Decimal
	UnitPrice   decimal.Decimal
	TotalPrice  decimal.Decimal
}

// Summary holds the rounded cart totals.
type Summary struct {
	Subtotal      decimal.Decimal
	Savings       decimal.Decimal
	Discount      decimal.Decimal
	Shipping      decimal.Decimal
	Tax           decimal.Decimal
	Total         decimal.Decimal
	ItemCount     int
	TotalQuantity int
}

// Promo describes the coupon currently reflected in a view.
type Promo struct {
	CouponID       string
	Code           string
	Description    string
	Type           coupon.DiscountType
	Value          decimal.Decimal
	DiscountAmount decimal.Decimal
	FreeShipping   bool
}

// Counts are the line and unit totals of a cart.
type Counts struct {
	Items    int
	Quantity int
}
