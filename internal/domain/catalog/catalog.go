package catalog

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-store/internal/domain/apperr"
)

// ErrVariantNotFound is returned when a requested variant does not exist.
var ErrVariantNotFound = apperr.NotFound("VARIANT_NOT_FOUND", "variant not found")

// PriceType distinguishes compare-at prices from sale prices.
type PriceType string

const (
	// PriceList is the baseline price shown to the buyer.
	PriceList PriceType = "LIST"
	// PriceSale is a standing sale price actually charged.
	PriceSale PriceType = "SALE"
)

// Price is a priced record for a variant with an optional activation window.
// A nil StartsAt means "always started", a nil EndsAt means "never ends".
type Price struct {
	ID        string
	VariantID string
	Type      PriceType
	Amount    decimal.Decimal
	StartsAt  *time.Time
	EndsAt    *time.Time
}

// ActiveAt reports whether at falls inside the price window.
func (p Price) ActiveAt(at time.Time) bool {
	if p.StartsAt != nil && at.Before(*p.StartsAt) {
		return false
	}
	if p.EndsAt != nil && !at.Before(*p.EndsAt) {
		return false
	}
	return true
}

// Variant is a purchasable SKU of a product.
type Variant struct {
	ID          string
	ProductID   string
	ProductName string
	SKU         string
	Name        string
	Stock       int
	Active      bool
	// Price is the variant's direct price, if set.
	Price *decimal.Decimal
	// BasePrice is the owning product's base price.
	BasePrice decimal.Decimal
	Prices    []Price
}

// Purchasable reports whether the variant can be put into a cart.
func (v Variant) Purchasable() bool {
	return v.Active && v.Stock > 0
}

// Repository defines read and stock operations on variants.
type Repository interface {
	// GetVariant returns the variant with its price records. Inside an atomic
	// unit the variant row is locked until the unit ends.
	GetVariant(ctx context.Context, id string) (*Variant, error)
	// GetVariants returns the variants matching ids. Missing ids are skipped.
	GetVariants(ctx context.Context, ids []string) ([]Variant, error)
	// DecrementStock lowers stock by qty. It fails with
	// ErrInsufficientStock when fewer than qty units remain.
	DecrementStock(ctx context.Context, id string, qty int) error
}

// ErrInsufficientStock is returned by DecrementStock when the guard fails.
var ErrInsufficientStock = apperr.Conflict("INSUFFICIENT_STOCK", "insufficient stock")
