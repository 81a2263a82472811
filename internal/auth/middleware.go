package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/lodgeboard/kpi-engine/internal/platform/httpx"
)

// CookieName is the cookie checked when no Authorization header is sent.
const CookieName = "access_token"

func tokenFromRequest(r *http.Request) string {
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if c, err := r.Cookie(CookieName); err == nil {
		return c.Value
	}
	return ""
}

// Middleware rejects requests without a valid token and stores the
// principal on the request context.
func Middleware(v *Verifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := v.Verify(tokenFromRequest(r))
			if err != nil {
				if !errors.Is(err, ErrMissingToken) {
					logger.Warn("rejected bearer token", slog.String("path", r.URL.Path), slog.Any("error", err))
				}
				w.Header().Set("WWW-Authenticate", `Bearer realm="kpi"`)
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireRole allows only principals holding one of roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := FromContext(r.Context())
			if !ok || !p.HasRole(roles...) {
				httpx.Problem(w, http.StatusForbidden, "Forbidden", ErrForbidden.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
