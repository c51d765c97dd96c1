package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/edutap-eu/esc-native-wallet/pkg/jwt"
	"github.com/edutap-eu/esc-native-wallet/pkg/response"
)

type contextKey string

const (
	ClientIDKey  contextKey = "clientID"
	PassTokenKey contextKey = "passToken"
	RequestIDKey contextKey = "requestID"
)

// AuthMiddleware guards the issuer API with HS256 bearer tokens.
func AuthMiddleware(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				response.Unauthorized(w, "Missing authorization header")
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				response.Unauthorized(w, "Invalid authorization header format")
				return
			}

			claims, err := jwt.ValidateToken(parts[1], jwtSecret)
			if err != nil {
				response.Unauthorized(w, "Invalid or expired token")
				return
			}

			setCaller(r, claims.ClientID)
			ctx := context.WithValue(r.Context(), ClientIDKey, claims.ClientID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func GetClientID(r *http.Request) string {
	clientID, ok := r.Context().Value(ClientIDKey).(string)
	if !ok {
		return ""
	}
	return clientID
}
