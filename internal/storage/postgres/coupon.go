package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/kart-store/internal/domain/coupon"
)

const (
	couponColumns = `id, code, description, discount_type, value, min_order_value, max_discount,
		free_shipping, active, starts_at, ends_at, usage_limit, used_count`

	getCouponByCodeSQL = `SELECT ` + couponColumns + ` FROM coupons WHERE UPPER(code) = UPPER($1)`

	getCouponByIDSQL = `SELECT ` + couponColumns + ` FROM coupons WHERE id = $1`

	listActiveCouponsSQL = `SELECT ` + couponColumns + ` FROM coupons WHERE active = TRUE ORDER BY code`

	incrementCouponUsesSQL = `UPDATE coupons SET used_count = used_count + 1 WHERE id = $1`
)

// CouponRepository implements coupon.Repository backed by PostgreSQL.
type CouponRepository struct {
	s *Store
}

// FindByCode looks up a coupon by its code (case-insensitive).
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	return r.getOne(ctx, getCouponByCodeSQL, code)
}

// GetByID looks up a coupon by id.
func (r *CouponRepository) GetByID(ctx context.Context, id string) (*coupon.Coupon, error) {
	return r.getOne(ctx, getCouponByIDSQL, id)
}

func (r *CouponRepository) getOne(ctx context.Context, sql, arg string) (*coupon.Coupon, error) {
	rows, err := r.s.q(ctx).Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("finding coupon %q: %w", arg, err)
	}

	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrNotFound
		}
		return nil, fmt.Errorf("finding coupon %q: %w", arg, err)
	}
	return &c, nil
}

// ListActive returns every coupon with the active flag set, ordered by code.
func (r *CouponRepository) ListActive(ctx context.Context) ([]coupon.Coupon, error) {
	rows, err := r.s.q(ctx).Query(ctx, listActiveCouponsSQL)
	if err != nil {
		return nil, fmt.Errorf("listing coupons: %w", err)
	}
	return pgx.CollectRows(rows, scanCoupon)
}

// IncrementUses atomically increments the usage counter of the coupon.
func (r *CouponRepository) IncrementUses(ctx context.Context, id string) error {
	tag, err := r.s.q(ctx).Exec(ctx, incrementCouponUsesSQL, id)
	if err != nil {
		return fmt.Errorf("incrementing uses for coupon %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return coupon.ErrNotFound
	}
	return nil
}

func scanCoupon(row pgx.CollectableRow) (coupon.Coupon, error) {
	var (
		c            coupon.Coupon
		discountType string
		usageLimit   *int32
		usedCount    int32
	)
	err := row.Scan(
		&c.ID, &c.Code, &c.Description, &discountType, &c.Value, &c.MinOrderValue, &c.MaxDiscount,
		&c.FreeShipping, &c.Active, &c.StartsAt, &c.EndsAt, &usageLimit, &usedCount,
	)
	c.Type = coupon.DiscountType(discountType)
	if usageLimit != nil {
		limit := int(*usageLimit)
		c.UsageLimit = &limit
	}
	c.UsedCount = int(usedCount)
	return c, err
}
