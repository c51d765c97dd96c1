package middleware

import (
	"context"
	"net/http"
	"strings"
)

const passAuthScheme = "ApplePass"

// PassAuthMiddleware extracts the `ApplePass <token>` credential wallets send.
// It never rejects: whether a missing or wrong token matters depends on the
// operation, so the registration service decides.
func PassAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token := parsePassToken(r.Header.Get("Authorization")); token != "" {
				setCaller(r, "wallet")
				r = r.WithContext(context.WithValue(r.Context(), PassTokenKey, token))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func parsePassToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || scheme != passAuthScheme {
		return ""
	}
	return strings.TrimSpace(token)
}

func GetPassToken(r *http.Request) string {
	token, ok := r.Context().Value(PassTokenKey).(string)
	if !ok {
		return ""
	}
	return token
}

func getClientIPFromRequest(r *http.Request) string {
	// Check X-Forwarded-For header first (for proxies)
	xff := r.Header.Get("X-Forwarded-For")
	if xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}

	xri := r.Header.Get("X-Real-IP")
	if xri != "" {
		return xri
	}

	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	return host
}
