package memory

import (
	"context"
	"sort"
	"strings"

	"github.com/xenking/kart-store/internal/domain/address"
	"github.com/xenking/kart-store/internal/domain/auth"
	"github.com/xenking/kart-store/internal/domain/catalog"
	"github.com/xenking/kart-store/internal/domain/coupon"
)

// PutVariant inserts or replaces a variant with its price records.
func (s *Store) PutVariant(v catalog.Variant) {
	defer s.lock(context.Background())()
	s.st.variants[v.ID] = v
}

// PutCoupon inserts or replaces a coupon.
func (s *Store) PutCoupon(c coupon.Coupon) {
	defer s.lock(context.Background())()
	s.st.coupons[c.ID] = c
}

// PutAddress inserts or replaces an address.
func (s *Store) PutAddress(a address.Address) {
	defer s.lock(context.Background())()
	s.st.addresses[a.ID] = a
}

// PutAPIKey inserts or replaces an API key.
func (s *Store) PutAPIKey(k auth.APIKeyInfo) {
	defer s.lock(context.Background())()
	s.st.apiKeys[k.KeyHash] = k
}

// GetVariant implements catalog.Repository.
func (s *Store) GetVariant(ctx context.Context, id string) (*catalog.Variant, error) {
	defer s.lock(ctx)()
	v, ok := s.st.variants[id]
	if !ok {
		return nil, catalog.ErrVariantNotFound
	}
	return &v, nil
}

// GetVariants implements catalog.Repository. Results follow the order of ids.
func (s *Store) GetVariants(ctx context.Context, ids []string) ([]catalog.Variant, error) {
	defer s.lock(ctx)()
	out := make([]catalog.Variant, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if v, ok := s.st.variants[id]; ok {
			out = append(out, v)
		}
	}
	return out, nil
}

// DecrementStock implements catalog.Repository.
func (s *Store) DecrementStock(ctx context.Context, id string, qty int) error {
	defer s.lock(ctx)()
	v, ok := s.st.variants[id]
	if !ok {
		return catalog.ErrVariantNotFound
	}
	if v.Stock < qty {
		return catalog.ErrInsufficientStock.With("variantId", id).With("max", v.Stock)
	}
	v.Stock -= qty
	s.st.variants[id] = v
	return nil
}

// FindByCode implements coupon.Repository.
func (s *Store) FindByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	defer s.lock(ctx)()
	for _, c := range s.st.coupons {
		if strings.EqualFold(c.Code, code) {
			return &c, nil
		}
	}
	return nil, coupon.ErrNotFound
}

// GetByID implements coupon.Repository.
func (s *Store) GetByID(ctx context.Context, id string) (*coupon.Coupon, error) {
	defer s.lock(ctx)()
	c, ok := s.st.coupons[id]
	if !ok {
		return nil, coupon.ErrNotFound
	}
	return &c, nil
}

// ListActive implements coupon.Repository. Coupons are ordered by code.
func (s *Store) ListActive(ctx context.Context) ([]coupon.Coupon, error) {
	defer s.lock(ctx)()
	var out []coupon.Coupon
	for _, c := range s.st.coupons {
		if c.Active {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// IncrementUses implements coupon.Repository.
func (s *Store) IncrementUses(ctx context.Context, id string) error {
	defer s.lock(ctx)()
	c, ok := s.st.coupons[id]
	if !ok {
		return coupon.ErrNotFound
	}
	c.UsedCount++
	s.st.coupons[id] = c
	return nil
}

// GetForUser implements address.Repository.
func (s *Store) GetForUser(ctx context.Context, userID, addressID string) (*address.Address, error) {
	defer s.lock(ctx)()
	a, ok := s.st.addresses[addressID]
	if !ok || a.UserID != userID {
		return nil, address.ErrNotFound
	}
	return &a, nil
}

// FindByHash implements auth.Repository.
func (s *Store) FindByHash(ctx context.Context, hash string) (*auth.APIKeyInfo, error) {
	defer s.lock(ctx)()
	k, ok := s.st.apiKeys[hash]
	if !ok {
		return nil, auth.ErrUnauthorized
	}
	return &k, nil
}
