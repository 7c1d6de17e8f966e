package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/kart-store/internal/domain/cart"
)

const (
	getCartByUserSQL = `SELECT id, user_id, payment_method, created_at, updated_at
		FROM carts WHERE user_id = $1`

	createCartSQL = `INSERT INTO carts (id, user_id) VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING`

	listCartItemsSQL = `SELECT id, cart_id, variant_id, quantity, created_at
		FROM cart_items WHERE cart_id = $1 ORDER BY seq`

	getCartCouponSQL = `SELECT coupon_id, code, discount_value, free_shipping, applied_at
		FROM cart_coupons WHERE cart_id = $1`

	addCartItemSQL = `INSERT INTO cart_items (id, cart_id, variant_id, quantity)
		VALUES ($1, $2, $3, $4) RETURNING created_at`

	setItemQuantitySQL = `UPDATE cart_items SET quantity = $2 WHERE id = $1 RETURNING cart_id`

	setItemVariantSQL = `UPDATE cart_items SET variant_id = $2 WHERE id = $1 RETURNING cart_id`

	deleteCartItemSQL = `DELETE FROM cart_items WHERE id = $1 RETURNING cart_id`

	clearCartItemsSQL = `DELETE FROM cart_items WHERE cart_id = $1`

	setCartCouponSQL = `INSERT INTO cart_coupons (cart_id, coupon_id, code, discount_value, free_shipping, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (cart_id) DO UPDATE SET coupon_id = EXCLUDED.coupon_id, code = EXCLUDED.code,
			discount_value = EXCLUDED.discount_value, free_shipping = EXCLUDED.free_shipping,
			applied_at = EXCLUDED.applied_at`

	clearCartCouponSQL = `DELETE FROM cart_coupons WHERE cart_id = $1`

	setPaymentMethodSQL = `UPDATE carts SET payment_method = $2, updated_at = now() WHERE id = $1`

	touchCartSQL = `UPDATE carts SET updated_at = now() WHERE id = $1`
)

// CartRepository implements cart.Repository backed by PostgreSQL.
type CartRepository struct {
	s *Store
}

// GetByUser loads the user's cart with its items and coupon. Inside a
// transaction the cart row stays locked until commit.
func (r *CartRepository) GetByUser(ctx context.Context, userID string) (*cart.Cart, error) {
	q := r.s.q(ctx)

	var c cart.Cart
	var method string
	err := q.QueryRow(ctx, getCartByUserSQL+forUpdate(ctx, "FOR UPDATE"), userID).Scan(
		&c.ID, &c.UserID, &method, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, cart.ErrCartNotFound
		}
		return nil, fmt.Errorf("getting cart of %q: %w", userID, err)
	}
	c.PaymentMethod = cart.PaymentMethod(method)

	rows, err := q.Query(ctx, listCartItemsSQL, c.ID)
	if err != nil {
		return nil, fmt.Errorf("listing items of cart %q: %w", c.ID, err)
	}
	if c.Items, err = pgx.CollectRows(rows, scanCartItem); err != nil {
		return nil, fmt.Errorf("listing items of cart %q: %w", c.ID, err)
	}

	var ac cart.AppliedCoupon
	err = q.QueryRow(ctx, getCartCouponSQL, c.ID).Scan(
		&ac.CouponID, &ac.Code, &ac.DiscountValue, &ac.FreeShipping, &ac.AppliedAt,
	)
	switch {
	case err == nil:
		c.Coupon = &ac
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("getting coupon of cart %q: %w", c.ID, err)
	}
	return &c, nil
}

// GetOrCreate returns the user's cart, creating an empty one first if
// needed. Concurrent creations converge on the same row.
func (r *CartRepository) GetOrCreate(ctx context.Context, userID string) (*cart.Cart, error) {
	if _, err := r.s.q(ctx).Exec(ctx, createCartSQL, uuid.NewString(), userID); err != nil {
		return nil, fmt.Errorf("creating cart of %q: %w", userID, err)
	}
	return r.GetByUser(ctx, userID)
}

// AddItem inserts a new line.
func (r *CartRepository) AddItem(ctx context.Context, cartID, variantID string, qty int) (*cart.Item, error) {
	it := cart.Item{
		ID:        uuid.NewString(),
		CartID:    cartID,
		VariantID: variantID,
		Quantity:  qty,
	}
	q := r.s.q(ctx)
	if err := q.QueryRow(ctx, addCartItemSQL, it.ID, cartID, variantID, qty).Scan(&it.CreatedAt); err != nil {
		return nil, fmt.Errorf("adding variant %q to cart %q: %w", variantID, cartID, err)
	}
	if err := r.touch(ctx, cartID); err != nil {
		return nil, err
	}
	return &it, nil
}

// SetItemQuantity sets the quantity of a line.
func (r *CartRepository) SetItemQuantity(ctx context.Context, itemID string, qty int) error {
	return r.updateItem(ctx, setItemQuantitySQL, itemID, qty)
}

// SetItemVariant moves a line to another variant.
func (r *CartRepository) SetItemVariant(ctx context.Context, itemID, variantID string) error {
	return r.updateItem(ctx, setItemVariantSQL, itemID, variantID)
}

// DeleteItem removes a line. Deleting a missing line is not an error.
func (r *CartRepository) DeleteItem(ctx context.Context, itemID string) error {
	err := r.updateItem(ctx, deleteCartItemSQL, itemID)
	if errors.Is(err, cart.ErrItemNotFound) {
		return nil
	}
	return err
}

func (r *CartRepository) updateItem(ctx context.Context, sql, itemID string, args ...any) error {
	var cartID string
	err := r.s.q(ctx).QueryRow(ctx, sql, append([]any{itemID}, args...)...).Scan(&cartID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return cart.ErrItemNotFound
		}
		return fmt.Errorf("updating cart item %q: %w", itemID, err)
	}
	return r.touch(ctx, cartID)
}

// ClearItems removes every line of the cart.
func (r *CartRepository) ClearItems(ctx context.Context, cartID string) error {
	if _, err := r.s.q(ctx).Exec(ctx, clearCartItemsSQL, cartID); err != nil {
		return fmt.Errorf("clearing cart %q: %w", cartID, err)
	}
	return r.touch(ctx, cartID)
}

// SetCoupon stores the cart's single applied coupon.
func (r *CartRepository) SetCoupon(ctx context.Context, cartID string, c cart.AppliedCoupon) error {
	_, err := r.s.q(ctx).Exec(ctx, setCartCouponSQL,
		cartID, c.CouponID, c.Code, c.DiscountValue, c.FreeShipping, c.AppliedAt,
	)
	if err != nil {
		return fmt.Errorf("setting coupon of cart %q: %w", cartID, err)
	}
	return r.touch(ctx, cartID)
}

// ClearCoupon removes the cart's coupon, if any.
func (r *CartRepository) ClearCoupon(ctx context.Context, cartID string) error {
	if _, err := r.s.q(ctx).Exec(ctx, clearCartCouponSQL, cartID); err != nil {
		return fmt.Errorf("clearing coupon of cart %q: %w", cartID, err)
	}
	return r.touch(ctx, cartID)
}

// SetPaymentMethod stores the preferred payment method.
func (r *CartRepository) SetPaymentMethod(ctx context.Context, cartID string, m cart.PaymentMethod) error {
	tag, err := r.s.q(ctx).Exec(ctx, setPaymentMethodSQL, cartID, string(m))
	if err != nil {
		return fmt.Errorf("setting payment method of cart %q: %w", cartID, err)
	}
	if tag.RowsAffected() == 0 {
		return cart.ErrCartNotFound
	}
	return nil
}

func (r *CartRepository) touch(ctx context.Context, cartID string) error {
	if _, err := r.s.q(ctx).Exec(ctx, touchCartSQL, cartID); err != nil {
		return fmt.Errorf("touching cart %q: %w", cartID, err)
	}
	return nil
}

func scanCartItem(row pgx.CollectableRow) (cart.Item, error) {
	var it cart.Item
	err := row.Scan(&it.ID, &it.CartID, &it.VariantID, &it.Quantity, &it.CreatedAt)
	return it, err
}
