// Package handler exposes the cart, checkout and payment operations over
// HTTP with JSON bodies.
package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/xenking/kart-store/internal/domain/auth"
	"github.com/xenking/kart-store/internal/domain/cart"
	"github.com/xenking/kart-store/internal/domain/order"
	"github.com/xenking/kart-store/internal/domain/payment"
)

// Deps are the services behind the handlers.
type Deps struct {
	Carts    *cart.Service
	Checkout *order.Checkout
	// Payments is nil when no wallet gateway is configured.
	Payments *payment.Manager
	Tokens   *auth.Tokens
	Keys     *auth.KeyAuthenticator
}

// Handler serves the store API.
type Handler struct {
	carts    *cart.Service
	checkout *order.Checkout
	payments *payment.Manager
	tokens   *auth.Tokens
	keys     *auth.KeyAuthenticator
}

// New creates a Handler.
func New(deps Deps) *Handler {
	return &Handler{
		carts:    deps.Carts,
		checkout: deps.Checkout,
		payments: deps.Payments,
		tokens:   deps.Tokens,
		keys:     deps.Keys,
	}
}

// Register mounts the API routes on mux under /api.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/cart", h.buyer(h.getCart))
	mux.HandleFunc("GET /api/cart/count", h.buyer(h.countCart))
	mux.HandleFunc("POST /api/cart/items", h.buyer(h.addItems))
	mux.HandleFunc("PATCH /api/cart/items/{itemId}", h.buyer(h.updateItem))
	mux.HandleFunc("DELETE /api/cart/items/{itemId}", h.buyer(h.removeItem))
	mux.HandleFunc("GET /api/cart/coupons", h.buyer(h.listCoupons))
	mux.HandleFunc("PUT /api/cart/coupon", h.buyer(h.applyCoupon))
	mux.HandleFunc("DELETE /api/cart/coupon", h.buyer(h.removeCoupon))
	mux.HandleFunc("GET /api/cart/payment-method", h.buyer(h.getPaymentMethod))
	mux.HandleFunc("PUT /api/cart/payment-method", h.buyer(h.setPaymentMethod))

	mux.HandleFunc("POST /api/orders", h.buyer(h.placeOrder))
	mux.HandleFunc("GET /api/orders/{orderId}", h.buyer(h.getOrder))
	mux.HandleFunc("GET /api/orders/{orderId}/payments", h.buyer(h.listPayments))
	mux.HandleFunc("POST /api/orders/{orderId}/payments", h.buyer(h.createPayment))
	mux.HandleFunc("POST /api/orders/{orderId}/payments/retry", h.buyer(h.retryPayment))

	mux.HandleFunc("GET /api/payments/{paymentId}", h.buyer(h.getPayment))
	mux.HandleFunc("POST /api/payments/{paymentId}/sync", h.buyer(h.syncPayment))
	mux.HandleFunc("POST /api/payments/{paymentId}/refunds", h.operator(auth.ScopeRefund, h.refund))
	mux.HandleFunc("POST /api/payments/momo/ipn", h.momoNotification)
}

// RateLimitKey keys requests by authenticated user. Anonymous requests get
// an empty key so the limiter falls back to the client address.
func (h *Handler) RateLimitKey(r *http.Request) string {
	token, ok := bearerToken(r)
	if !ok {
		return ""
	}
	userID, err := h.tokens.UserID(token)
	if err != nil {
		return ""
	}
	return "user:" + userID
}

type userKey struct{}

// UserFromContext returns the authenticated buyer id.
func UserFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userKey{}).(string)
	return id, ok
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}
