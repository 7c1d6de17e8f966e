// Package memory is an in-process implementation of every repository. Atomic
// units are serialised by a single mutex and roll back by restoring a
// snapshot, which gives the same isolation the PostgreSQL store gets from
// row locks.
package memory

import (
	"context"
	"maps"
	"sync"

	"github.com/xenking/kart-store/internal/domain/address"
	"github.com/xenking/kart-store/internal/domain/auth"
	"github.com/xenking/kart-store/internal/domain/cart"
	"github.com/xenking/kart-store/internal/domain/catalog"
	"github.com/xenking/kart-store/internal/domain/coupon"
	"github.com/xenking/kart-store/internal/domain/order"
	"github.com/xenking/kart-store/internal/domain/payment"
	"github.com/xenking/kart-store/internal/domain/txn"
)

var (
	_ txn.Runner         = (*Store)(nil)
	_ catalog.Repository = (*Store)(nil)
	_ coupon.Repository  = (*Store)(nil)
	_ address.Repository = (*Store)(nil)
	_ auth.Repository    = (*Store)(nil)
	_ cart.Repository    = (*CartRepository)(nil)
	_ order.Repository   = (*OrderRepository)(nil)
	_ payment.Repository = (*PaymentRepository)(nil)
)

type txKey struct{}

// Store holds all data in memory. Stored records are treated as immutable:
// updates replace map entries, so a snapshot is a shallow copy of the maps.
type Store struct {
	mu sync.Mutex
	st *state
}

type state struct {
	seq       int64
	variants  map[string]catalog.Variant
	coupons   map[string]coupon.Coupon
	addresses map[string]address.Address
	apiKeys   map[string]auth.APIKeyInfo

	carts       map[string]cartRow
	cartByUser  map[string]string
	items       map[string]itemRow
	cartCoupons map[string]cart.AppliedCoupon

	orders   map[string]order.Order
	payments map[string]payment.Payment
	refunds  map[string][]payment.Refund
	webhooks []payment.WebhookEvent
}

// New creates an empty Store.
func New() *Store {
	return &Store{st: &state{
		variants:    map[string]catalog.Variant{},
		coupons:     map[string]coupon.Coupon{},
		addresses:   map[string]address.Address{},
		apiKeys:     map[string]auth.APIKeyInfo{},
		carts:       map[string]cartRow{},
		cartByUser:  map[string]string{},
		items:       map[string]itemRow{},
		cartCoupons: map[string]cart.AppliedCoupon{},
		orders:      map[string]order.Order{},
		payments:    map[string]payment.Payment{},
		refunds:     map[string][]payment.Refund{},
	}}
}

func (s *state) clone() *state {
	return &state{
		seq:         s.seq,
		variants:    maps.Clone(s.variants),
		coupons:     maps.Clone(s.coupons),
		addresses:   maps.Clone(s.addresses),
		apiKeys:     maps.Clone(s.apiKeys),
		carts:       maps.Clone(s.carts),
		cartByUser:  maps.Clone(s.cartByUser),
		items:       maps.Clone(s.items),
		cartCoupons: maps.Clone(s.cartCoupons),
		orders:      maps.Clone(s.orders),
		payments:    maps.Clone(s.payments),
		refunds:     maps.Clone(s.refunds),
		webhooks:    s.webhooks[:len(s.webhooks):len(s.webhooks)],
	}
}

// InTx implements txn.Runner. Nested calls join the outer unit.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

func (s *Store) inTx(ctx context.Context) bool {
	v, _ := ctx.Value(txKey{}).(*Store)
	return v == s
}

// lock acquires the store for a single call made outside an atomic unit.
func (s *Store) lock(ctx context.Context) func() {
	if s.inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *Store) nextSeq() int64 {
	s.st.seq++
	return s.st.seq
}

// Carts returns the cart repository backed by the store.
func (s *Store) Carts() *CartRepository { return &CartRepository{s: s} }

// Orders returns the order repository backed by the store.
func (s *Store) Orders() *OrderRepository { return &OrderRepository{s: s} }

// Payments returns the payment repository backed by the store.
func (s *Store) Payments() *PaymentRepository { return &PaymentRepository{s: s} }
