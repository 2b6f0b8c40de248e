package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/chatwire-io/chatwire/internal/db"
	"github.com/chatwire-io/chatwire/internal/repositories"
)

// contextKey is an unexported type for context keys defined in this package.
type contextKey int

const (
	// contextKeyAccount holds the *db.Account resolved from the API key.
	contextKeyAccount contextKey = iota
)

// RequireAPIKey authenticates the request with an account API key, accepted
// as "Authorization: Bearer <key>" or "X-API-Key: <key>". The resolved
// account lands in the request context.
func RequireAPIKey(accounts repositories.AccountRepository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				header := r.Header.Get("Authorization")
				parts := strings.SplitN(header, " ", 2)
				if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
					key = parts[1]
				}
			}
			if key == "" || !strings.HasPrefix(key, apiKeyPrefix) {
				ErrUnauthorized(w)
				return
			}

			account, err := accounts.GetByAPIKey(r.Context(), key)
			if err != nil {
				ErrUnauthorized(w)
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyAccount, account)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// accountFromCtx retrieves the account stored by RequireAPIKey, or nil.
func accountFromCtx(ctx context.Context) *db.Account {
	account, _ := ctx.Value(contextKeyAccount).(*db.Account)
	return account
}

// RequestLogger logs each request with method, path, status, and latency
// metadata. RequestID must run before it.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
