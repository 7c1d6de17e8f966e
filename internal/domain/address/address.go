// Package address exposes the read-only slice of the address book that
// checkout needs.
package address

import (
	"context"
	"strings"

	"github.com/xenking/kart-store/internal/domain/apperr"
)

// ErrNotFound is returned when an address is absent or owned by another user.
var ErrNotFound = apperr.NotFound("ADDRESS_NOT_FOUND", "address not found")

// Address is a shipping destination owned by a user.
type Address struct {
	ID        string
	UserID    string
	Recipient string
	Phone     string
	Line      string
	Ward      string
	District  string
	Province  string
}

// Location returns the human-readable location of the address.
func (a Address) Location() string {
	parts := make([]string, 0, 4)
	for _, p := range []string{a.Line, a.Ward, a.District, a.Province} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

// Repository looks up addresses.
type Repository interface {
	// GetForUser returns the address only when it belongs to userID,
	// ErrNotFound otherwise.
	GetForUser(ctx context.Context, userID, addressID string) (*Address, error)
}
