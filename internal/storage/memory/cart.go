package memory

import (
	"context"
	"sort"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/xenking/kart-store/internal/domain/cart"
)

type cartRow struct {
	ID            string
	UserID        string
	PaymentMethod cart.PaymentMethod
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type itemRow struct {
	cart.Item
	seq int64
}

// CartRepository implements cart.Repository.
type CartRepository struct {
	s *Store
}

// GetByUser implements cart.Repository.
func (r *CartRepository) GetByUser(ctx context.Context, userID string) (*cart.Cart, error) {
	defer r.s.lock(ctx)()
	id, ok := r.s.st.cartByUser[userID]
	if !ok {
		return nil, cart.ErrCartNotFound
	}
	return r.load(id), nil
}

// GetOrCreate implements cart.Repository.
func (r *CartRepository) GetOrCreate(ctx context.Context, userID string) (*cart.Cart, error) {
	defer r.s.lock(ctx)()
	if id, ok := r.s.st.cartByUser[userID]; ok {
		return r.load(id), nil
	}
	now := time.Now()
	row := cartRow{
		ID:            uuid.NewString(),
		UserID:        userID,
		PaymentMethod: cart.PaymentCOD,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	r.s.st.carts[row.ID] = row
	r.s.st.cartByUser[userID] = row.ID
	return r.load(row.ID), nil
}

func (r *CartRepository) load(id string) *cart.Cart {
	row := r.s.st.carts[id]
	c := &cart.Cart{
		ID:            row.ID,
		UserID:        row.UserID,
		PaymentMethod: row.PaymentMethod,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
	}

	var rows []itemRow
	for _, it := range r.s.st.items {
		if it.CartID == id {
			rows = append(rows, it)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	for _, it := range rows {
		c.Items = append(c.Items, it.Item)
	}

	if ac, ok := r.s.st.cartCoupons[id]; ok {
		c.Coupon = &ac
	}
	return c
}

// AddItem implements cart.Repository. A variant may appear once per cart.
func (r *CartRepository) AddItem(ctx context.Context, cartID, variantID string, qty int) (*cart.Item, error) {
	defer r.s.lock(ctx)()
	for _, it := range r.s.st.items {
		if it.CartID == cartID && it.VariantID == variantID {
			return nil, errors.Errorf("cart %s already holds variant %s", cartID, variantID)
		}
	}
	it := itemRow{
		Item: cart.Item{
			ID:        uuid.NewString(),
			CartID:    cartID,
			VariantID: variantID,
			Quantity:  qty,
			CreatedAt: time.Now(),
		},
		seq: r.s.nextSeq(),
	}
	r.s.st.items[it.ID] = it
	r.touch(cartID)
	return &it.Item, nil
}

// SetItemQuantity implements cart.Repository.
func (r *CartRepository) SetItemQuantity(ctx context.Context, itemID string, qty int) error {
	defer r.s.lock(ctx)()
	it, ok := r.s.st.items[itemID]
	if !ok {
		return cart.ErrItemNotFound
	}
	it.Quantity = qty
	r.s.st.items[itemID] = it
	r.touch(it.CartID)
	return nil
}

// SetItemVariant implements cart.Repository.
func (r *CartRepository) SetItemVariant(ctx context.Context, itemID, variantID string) error {
	defer r.s.lock(ctx)()
	it, ok := r.s.st.items[itemID]
	if !ok {
		return cart.ErrItemNotFound
	}
	for _, other := range r.s.st.items {
		if other.CartID == it.CartID && other.VariantID == variantID && other.ID != itemID {
			return errors.Errorf("cart %s already holds variant %s", it.CartID, variantID)
		}
	}
	it.VariantID = variantID
	r.s.st.items[itemID] = it
	r.touch(it.CartID)
	return nil
}

// DeleteItem implements cart.Repository.
func (r *CartRepository) DeleteItem(ctx context.Context, itemID string) error {
	defer r.s.lock(ctx)()
	if it, ok := r.s.st.items[itemID]; ok {
		delete(r.s.st.items, itemID)
		r.touch(it.CartID)
	}
	return nil
}

// ClearItems implements cart.Repository.
func (r *CartRepository) ClearItems(ctx context.Context, cartID string) error {
	defer r.s.lock(ctx)()
	for id, it := range r.s.st.items {
		if it.CartID == cartID {
			delete(r.s.st.items, id)
		}
	}
	r.touch(cartID)
	return nil
}

// SetCoupon implements cart.Repository.
func (r *CartRepository) SetCoupon(ctx context.Context, cartID string, c cart.AppliedCoupon) error {
	defer r.s.lock(ctx)()
	r.s.st.cartCoupons[cartID] = c
	r.touch(cartID)
	return nil
}

// ClearCoupon implements cart.Repository.
func (r *CartRepository) ClearCoupon(ctx context.Context, cartID string) error {
	defer r.s.lock(ctx)()
	delete(r.s.st.cartCoupons, cartID)
	r.touch(cartID)
	return nil
}

// SetPaymentMethod implements cart.Repository.
func (r *CartRepository) SetPaymentMethod(ctx context.Context, cartID string, m cart.PaymentMethod) error {
	defer r.s.lock(ctx)()
	row, ok := r.s.st.carts[cartID]
	if !ok {
		return cart.ErrCartNotFound
	}
	row.PaymentMethod = m
	row.UpdatedAt = time.Now()
	r.s.st.carts[cartID] = row
	return nil
}

func (r *CartRepository) touch(cartID string) {
	if row, ok := r.s.st.carts[cartID]; ok {
		row.UpdatedAt = time.Now()
		r.s.st.carts[cartID] = row
	}
}
