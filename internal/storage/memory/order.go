package memory

import (
	"context"
	"slices"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-store/internal/domain/order"
)

// OrderRepository implements order.Repository.
type OrderRepository struct {
	s *Store
}

// Create implements order.Repository.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	defer r.s.lock(ctx)()
	if _, ok := r.s.st.orders[o.ID]; ok {
		return errors.Errorf("order %s already exists", o.ID)
	}
	stored := *o
	stored.Items = slices.Clone(o.Items)
	if o.Coupon != nil {
		c := *o.Coupon
		stored.Coupon = &c
	}
	r.s.st.orders[o.ID] = stored
	return nil
}

// Get implements order.Repository.
func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	defer r.s.lock(ctx)()
	o, ok := r.s.st.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	o.Items = slices.Clone(o.Items)
	return &o, nil
}

// SetStatus implements order.Repository.
func (r *OrderRepository) SetStatus(ctx context.Context, id string, status order.Status) error {
	defer r.s.lock(ctx)()
	o, ok := r.s.st.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	o.Status = status
	o.UpdatedAt = time.Now()
	r.s.st.orders[id] = o
	return nil
}

// SetPaymentSuccess implements order.Repository.
func (r *OrderRepository) SetPaymentSuccess(ctx context.Context, id, paymentID string) error {
	defer r.s.lock(ctx)()
	o, ok := r.s.st.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	if o.PaymentSuccessID != nil {
		return order.ErrAlreadyPaid
	}
	anchor := paymentID
	o.Status = order.StatusPaid
	o.PaymentSuccessID = &anchor
	o.UpdatedAt = time.Now()
	r.s.st.orders[id] = o
	return nil
}
