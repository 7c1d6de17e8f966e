package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/kart-store/internal/domain/cart"
	"github.com/xenking/kart-store/internal/domain/order"
)

const (
	createOrderSQL = `INSERT INTO orders (id, user_id, address_id, status, payment_method,
		subtotal, discount, shipping_fee, tax, total, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	createOrderItemSQL = `INSERT INTO order_items (id, order_id, position, variant_id, product_name,
		variant_name, sku, quantity, list_price, unit_price, tax_amount)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	createOrderCouponSQL = `INSERT INTO order_coupons (order_id, coupon_id, code, discount_amount)
		VALUES ($1, $2, $3, $4)`

	getOrderSQL = `SELECT id, user_id, address_id, status, payment_method, subtotal, discount,
		shipping_fee, tax, total, notes, payment_success_id, created_at, updated_at
		FROM orders WHERE id = $1`

	listOrderItemsSQL = `SELECT id, order_id, variant_id, product_name, variant_name, sku, quantity,
		list_price, unit_price, tax_amount
		FROM order_items WHERE order_id = $1 ORDER BY position`

	getOrderCouponSQL = `SELECT coupon_id, code, discount_amount FROM order_coupons WHERE order_id = $1`

	setOrderStatusSQL = `UPDATE orders SET status = $2, updated_at = now() WHERE id = $1`

	setPaymentSuccessSQL = `UPDATE orders SET status = 'PAID', payment_success_id = $2, updated_at = now()
		WHERE id = $1 AND payment_success_id IS NULL`
)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	s *Store
}

// Create persists a new order with its items and coupon snapshot in one
// batch.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	b := &pgx.Batch{}
	b.Queue(createOrderSQL,
		o.ID, o.UserID, o.AddressID, string(o.Status), string(o.PaymentMethod),
		o.Subtotal, o.Discount, o.ShippingFee, o.Tax, o.Total, o.Notes, o.CreatedAt, o.UpdatedAt,
	)
	for i, it := range o.Items {
		b.Queue(createOrderItemSQL,
			it.ID, o.ID, i, it.VariantID, it.ProductName,
			it.VariantName, it.SKU, it.Quantity, it.ListPrice, it.UnitPrice, it.TaxAmount,
		)
	}
	if o.Coupon != nil {
		b.Queue(createOrderCouponSQL, o.ID, o.Coupon.CouponID, o.Coupon.Code, o.Coupon.DiscountAmount)
	}

	if err := r.s.q(ctx).SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("creating order %q: %w", o.ID, err)
	}
	return nil
}

// Get loads an order with its items and coupon. Inside a transaction the
// order row stays locked until commit.
func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	q := r.s.q(ctx)

	var (
		o      order.Order
		status string
		method string
	)
	err := q.QueryRow(ctx, getOrderSQL+forUpdate(ctx, "FOR UPDATE"), id).Scan(
		&o.ID, &o.UserID, &o.AddressID, &status, &method, &o.Subtotal, &o.Discount,
		&o.ShippingFee, &o.Tax, &o.Total, &o.Notes, &o.PaymentSuccessID, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}
	o.Status = order.Status(status)
	o.PaymentMethod = cart.PaymentMethod(method)

	rows, err := q.Query(ctx, listOrderItemsSQL, id)
	if err != nil {
		return nil, fmt.Errorf("listing items of order %q: %w", id, err)
	}
	if o.Items, err = pgx.CollectRows(rows, scanOrderItem); err != nil {
		return nil, fmt.Errorf("listing items of order %q: %w", id, err)
	}

	var c order.AppliedCoupon
	err = q.QueryRow(ctx, getOrderCouponSQL, id).Scan(&c.CouponID, &c.Code, &c.DiscountAmount)
	switch {
	case err == nil:
		o.Coupon = &c
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("getting coupon of order %q: %w", id, err)
	}
	return &o, nil
}

// SetStatus updates the order status.
func (r *OrderRepository) SetStatus(ctx context.Context, id string, status order.Status) error {
	tag, err := r.s.q(ctx).Exec(ctx, setOrderStatusSQL, id, string(status))
	if err != nil {
		return fmt.Errorf("setting status of order %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

// SetPaymentSuccess marks the order PAID and anchors paymentID. An order
// already anchored is left untouched and reported as ErrAlreadyPaid.
func (r *OrderRepository) SetPaymentSuccess(ctx context.Context, id, paymentID string) error {
	tag, err := r.s.q(ctx).Exec(ctx, setPaymentSuccessSQL, id, paymentID)
	if err != nil {
		return fmt.Errorf("anchoring payment of order %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrAlreadyPaid
	}
	return nil
}

func scanOrderItem(row pgx.CollectableRow) (order.Item, error) {
	var it order.Item
	err := row.Scan(
		&it.ID, &it.OrderID, &it.VariantID, &it.ProductName, &it.VariantName, &it.SKU, &it.Quantity,
		&it.ListPrice, &it.UnitPrice, &it.TaxAmount,
	)
	return it, err
}
