package handler

import (
	"context"
	"net/http"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-store/internal/domain/auth"
)

// apiKeyHeader carries operator API keys.
const apiKeyHeader = "api_key"

type (
	buyerFunc    func(w http.ResponseWriter, r *http.Request, userID string)
	operatorFunc func(w http.ResponseWriter, r *http.Request, key *auth.APIKeyInfo)
)

// buyer authenticates the bearer token and passes its subject on as the
// acting user.
func (h *Handler) buyer(next buyerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, r, auth.ErrUnauthorized)
			return
		}
		userID, err := h.tokens.UserID(token)
		if err != nil {
			writeError(w, r, auth.ErrUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userKey{}, userID)
		ctx = zctx.With(ctx, zap.String("user_id", userID))
		next(w, r.WithContext(ctx), userID)
	}
}

// operator authenticates an API key holding scope.
func (h *Handler) operator(scope string, next operatorFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := h.keys.Authenticate(r.Context(), r.Header.Get(apiKeyHeader), scope)
		if err != nil {
			zctx.From(r.Context()).Warn("API key rejected", zap.String("scope", scope), zap.Error(err))
			writeError(w, r, auth.ErrUnauthorized)
			return
		}
		ctx := zctx.With(r.Context(), zap.String("api_key_id", info.ID))
		next(w, r.WithContext(ctx), info)
	}
}
