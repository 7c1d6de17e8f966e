package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xenking/kart-store/internal/domain/coupon"
	"github.com/xenking/kart-store/internal/fixture"
)

const (
	upsertProductSQL = `INSERT INTO products (id, name, base_price) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, base_price = EXCLUDED.base_price`

	upsertVariantSQL = `INSERT INTO product_variants (id, product_id, sku, name, price, stock, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET product_id = EXCLUDED.product_id, sku = EXCLUDED.sku,
			name = EXCLUDED.name, price = EXCLUDED.price, stock = EXCLUDED.stock, active = EXCLUDED.active`

	deleteVariantPricesSQL = `DELETE FROM variant_prices WHERE variant_id = $1`

	insertVariantPriceSQL = `INSERT INTO variant_prices (id, variant_id, type, amount, starts_at, ends_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	upsertCouponSQL = `INSERT INTO coupons (` + couponColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET code = EXCLUDED.code, description = EXCLUDED.description,
			discount_type = EXCLUDED.discount_type, value = EXCLUDED.value,
			min_order_value = EXCLUDED.min_order_value, max_discount = EXCLUDED.max_discount,
			free_shipping = EXCLUDED.free_shipping, active = EXCLUDED.active,
			starts_at = EXCLUDED.starts_at, ends_at = EXCLUDED.ends_at,
			usage_limit = EXCLUDED.usage_limit, used_count = EXCLUDED.used_count`

	upsertCouponByCodeSQL = `INSERT INTO coupons (id, code, description, discount_type, value, min_order_value,
			max_discount, free_shipping, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE)
		ON CONFLICT ((UPPER(code))) DO UPDATE SET description = EXCLUDED.description,
			discount_type = EXCLUDED.discount_type, value = EXCLUDED.value,
			min_order_value = EXCLUDED.min_order_value, max_discount = EXCLUDED.max_discount,
			free_shipping = EXCLUDED.free_shipping, active = TRUE`

	upsertAddressSQL = `INSERT INTO addresses (id, user_id, recipient, phone, line, ward, district, province)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET user_id = EXCLUDED.user_id, recipient = EXCLUDED.recipient,
			phone = EXCLUDED.phone, line = EXCLUDED.line, ward = EXCLUDED.ward,
			district = EXCLUDED.district, province = EXCLUDED.province`

	upsertAPIKeySQL = `INSERT INTO api_keys (id, key_hash, name, scopes) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET key_hash = EXCLUDED.key_hash, name = EXCLUDED.name,
			scopes = EXCLUDED.scopes, active = TRUE`
)

// Seed upserts the fixture in one transaction. Price records of the seeded
// variants are replaced.
func (s *Store) Seed(ctx context.Context, fx *fixture.Fixture) error {
	return s.InTx(ctx, func(ctx context.Context) error {
		b := &pgx.Batch{}
		products := make(map[string]bool)
		for _, v := range fx.Variants {
			if !products[v.ProductID] {
				products[v.ProductID] = true
				b.Queue(upsertProductSQL, v.ProductID, v.ProductName, v.BasePrice)
			}
			b.Queue(upsertVariantSQL, v.ID, v.ProductID, v.SKU, v.Name, v.Price, v.Stock, v.Active)
			b.Queue(deleteVariantPricesSQL, v.ID)
			for _, p := range v.Prices {
				b.Queue(insertVariantPriceSQL, p.ID, v.ID, string(p.Type), p.Amount, p.StartsAt, p.EndsAt)
			}
		}
		for _, c := range fx.Coupons {
			b.Queue(upsertCouponSQL,
				c.ID, c.Code, c.Description, string(c.Type), c.Value, c.MinOrderValue, c.MaxDiscount,
				c.FreeShipping, c.Active, c.StartsAt, c.EndsAt, c.UsageLimit, c.UsedCount,
			)
		}
		for _, a := range fx.Addresses {
			b.Queue(upsertAddressSQL, a.ID, a.UserID, a.Recipient, a.Phone, a.Line, a.Ward, a.District, a.Province)
		}
		for _, k := range fx.APIKeys {
			b.Queue(upsertAPIKeySQL, k.ID, k.KeyHash, k.Name, k.Scopes)
		}

		if err := s.q(ctx).SendBatch(ctx, b).Close(); err != nil {
			return fmt.Errorf("seeding: %w", err)
		}
		return nil
	})
}

// UpsertCoupons inserts or refreshes coupons matched by code. Existing usage
// counters and windows are kept.
func (s *Store) UpsertCoupons(ctx context.Context, coupons []coupon.Coupon) error {
	b := &pgx.Batch{}
	for _, c := range coupons {
		b.Queue(upsertCouponByCodeSQL,
			c.ID, c.Code, c.Description, string(c.Type), c.Value, c.MinOrderValue, c.MaxDiscount, c.FreeShipping,
		)
	}
	if err := s.q(ctx).SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("upserting %d coupons: %w", len(coupons), err)
	}
	return nil
}
