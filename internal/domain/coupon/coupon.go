package coupon

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-store/internal/domain/apperr"
)

// DiscountType enumerates the supported coupon discount strategies.
type DiscountType string

const (
	// DiscountPercentage takes a percentage of the subtotal, optionally capped.
	DiscountPercentage DiscountType = "PERCENTAGE"
	// DiscountFixed takes a fixed amount capped at the subtotal.
	DiscountFixed DiscountType = "FIXED"
)

// Lookup failures, checked in declaration order by Finder.
var (
	ErrNotFound          = apperr.NotFound("COUPON_NOT_FOUND", "coupon not found")
	ErrInactive          = apperr.Conflict("COUPON_INACTIVE", "coupon is not active")
	ErrNotStarted        = apperr.Conflict("COUPON_NOT_STARTED", "coupon is not valid yet")
	ErrExpired           = apperr.Conflict("COUPON_EXPIRED", "coupon expired")
	ErrUsageLimitReached = apperr.Conflict("COUPON_USAGE_LIMIT_REACHED", "coupon usage limit reached")
)

// ErrMinOrderNotMet is returned when applying a coupon to a cart whose
// subtotal is below the coupon's minimum order value.
var ErrMinOrderNotMet = apperr.Conflict("MIN_ORDER_NOT_MET", "order subtotal below coupon minimum")

// Coupon is a promotional code and its eligibility constraints.
type Coupon struct {
	ID            string
	Code          string
	Description   string
	Type          DiscountType
	Value         decimal.Decimal
	MinOrderValue decimal.Decimal
	// MaxDiscount caps percentage discounts. Nil means uncapped.
	MaxDiscount  *decimal.Decimal
	FreeShipping bool
	Active       bool
	StartsAt     *time.Time
	EndsAt       *time.Time
	// UsageLimit is the number of paid orders the coupon may be used for.
	// Nil means unlimited.
	UsageLimit *int
	UsedCount  int
}

// Repository provides lookup and mutation of coupons.
type Repository interface {
	// FindByCode matches the code case-insensitively.
	FindByCode(ctx context.Context, code string) (*Coupon, error)
	GetByID(ctx context.Context, id string) (*Coupon, error)
	// ListActive returns coupons with the active flag set.
	ListActive(ctx context.Context) ([]Coupon, error)
	// IncrementUses increments the usage counter by one.
	IncrementUses(ctx context.Context, id string) error
}
