// Package auth authenticates buyers by bearer token and operators by API key.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"slices"

	"github.com/go-faster/errors"
)

// ErrUnauthorized is returned for any credential that does not authenticate.
var ErrUnauthorized = errors.New("unauthorized")

// ScopeRefund allows refunding payments.
const ScopeRefund = "payments:refund"

// APIKeyInfo holds the identity and permission data for a validated API key.
type APIKeyInfo struct {
	ID      string
	KeyHash string
	Name    string
	Scopes  []string
}

// HasScope reports whether the key grants scope.
func (k *APIKeyInfo) HasScope(scope string) bool {
	return slices.Contains(k.Scopes, scope)
}

// Repository provides lookup of active API keys by their HMAC hash.
type Repository interface {
	FindByHash(ctx context.Context, hash string) (*APIKeyInfo, error)
}

// HashAPIKey returns the hex HMAC-SHA256 of key under pepper, the form in
// which keys are stored.
func HashAPIKey(pepper []byte, key string) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

// KeyAuthenticator validates operator API keys.
type KeyAuthenticator struct {
	keys   Repository
	pepper []byte
}

// NewKeyAuthenticator creates a KeyAuthenticator.
func NewKeyAuthenticator(keys Repository, pepper []byte) *KeyAuthenticator {
	return &KeyAuthenticator{keys: keys, pepper: pepper}
}

// Authenticate looks the key up by hash and requires scope.
func (a *KeyAuthenticator) Authenticate(ctx context.Context, key, scope string) (*APIKeyInfo, error) {
	if key == "" {
		return nil, ErrUnauthorized
	}
	hash := HashAPIKey(a.pepper, key)

	info, err := a.keys.FindByHash(ctx, hash)
	if err != nil {
		return nil, errors.Wrap(ErrUnauthorized, err.Error())
	}

	// The repository may return a row whose hash differs from the lookup key.
	stored, err := hex.DecodeString(info.KeyHash)
	if err != nil {
		return nil, ErrUnauthorized
	}
	want, _ := hex.DecodeString(hash)
	if subtle.ConstantTimeCompare(want, stored) != 1 {
		return nil, ErrUnauthorized
	}
	if !info.HasScope(scope) {
		return nil, ErrUnauthorized
	}
	return info, nil
}
