package auth

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/onemcp/onemcp/internal/tagfilter"
)

type contextKey int

const scopeFilterKey contextKey = iota

// ScopeFilter returns the tag filter derived from the request's bearer
// token, or MatchAll when the request was not authenticated.
func ScopeFilter(ctx context.Context) tagfilter.Expr {
	if f, ok := ctx.Value(scopeFilterKey).(tagfilter.Expr); ok {
		return f
	}
	return tagfilter.MatchAll
}

func withScopeFilter(ctx context.Context, f tagfilter.Expr) context.Context {
	return context.WithValue(ctx, scopeFilterKey, f)
}

func unauthorized(w http.ResponseWriter, issuer, description string) {
	w.Header().Set("WWW-Authenticate",
		`Bearer realm="`+issuer+`", error="invalid_token", error_description="`+description+`"`)
	oauthError(w, http.StatusUnauthorized, "invalid_token", description)
}

// Middleware authenticates MCP requests. With auth disabled every caller is
// anonymous and sees the full tag universe; with auth enabled a valid
// bearer token is required and its scopes become the caller's tag filter.
func (a *Authorizer) Middleware(enabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enabled {
				next.ServeHTTP(w, r.WithContext(withScopeFilter(r.Context(), tagfilter.MatchAll)))
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				unauthorized(w, a.opts.Issuer, "bearer token required")
				return
			}
			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				unauthorized(w, a.opts.Issuer, "authorization scheme must be Bearer")
				return
			}

			token, found, err := a.store.GetToken(strings.TrimSpace(raw))
			if err != nil {
				a.logger.Error("Token lookup failed", zap.Error(err))
				oauthError(w, http.StatusInternalServerError, "server_error", "token lookup failed")
				return
			}
			if !found {
				unauthorized(w, a.opts.Issuer, "token is invalid or expired")
				return
			}

			filter := tagfilter.AnyOf(ScopeTags(token.Scopes))
			next.ServeHTTP(w, r.WithContext(withScopeFilter(r.Context(), filter)))
		})
	}
}
