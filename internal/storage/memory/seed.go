package memory

import (
	"github.com/xenking/kart-store/internal/fixture"
)

// Seed loads the fixture, replacing records with the same ids.
func (s *Store) Seed(fx *fixture.Fixture) {
	for _, v := range fx.Variants {
		s.PutVariant(v)
	}
	for _, c := range fx.Coupons {
		s.PutCoupon(c)
	}
	for _, a := range fx.Addresses {
		s.PutAddress(a)
	}
	for _, k := range fx.APIKeys {
		s.PutAPIKey(k)
	}
}
