package jwt

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "issuer-secret"

func signClaims(t *testing.T, method jwt.SigningMethod, key interface{}, claims Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestGenerateToken_RoundTrip(t *testing.T) {
	token, err := GenerateToken("issuer-portal", time.Hour, testSecret)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	claims, err := ValidateToken(token, testSecret)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if claims.ClientID != "issuer-portal" || claims.Subject != "issuer-portal" {
		t.Errorf("unexpected client %q / subject %q", claims.ClientID, claims.Subject)
	}
	if claims.Issuer != Issuer {
		t.Errorf("expected issuer %s, got %s", Issuer, claims.Issuer)
	}
	if d := claims.ExpiresAt.Sub(claims.IssuedAt.Time); d != time.Hour {
		t.Errorf("expected a one hour lifetime, got %v", d)
	}
}

func TestGenerateToken_RequiresInputs(t *testing.T) {
	if _, err := GenerateToken("", time.Hour, testSecret); err == nil {
		t.Error("GenerateToken() expected error for empty client id")
	}
	if _, err := GenerateToken("issuer-portal", time.Hour, ""); err == nil {
		t.Error("GenerateToken() expected error for empty secret")
	}
}

func TestValidateToken_Rejects(t *testing.T) {
	valid, _ := GenerateToken("issuer-portal", time.Hour, testSecret)
	expired, _ := GenerateToken("issuer-portal", -time.Hour, testSecret)
	future := jwt.NewNumericDate(time.Now().Add(time.Hour))

	tests := []struct {
		name  string
		token string
	}{
		{name: "wrong secret", token: signClaims(t, jwt.SigningMethodHS256, []byte("other-secret"), Claims{
			ClientID:         "issuer-portal",
			RegisteredClaims: jwt.RegisteredClaims{Issuer: Issuer, ExpiresAt: future},
		})},
		{name: "expired", token: expired},
		{name: "foreign issuer", token: signClaims(t, jwt.SigningMethodHS256, []byte(testSecret), Claims{
			ClientID:         "issuer-portal",
			RegisteredClaims: jwt.RegisteredClaims{Issuer: "someone-else", ExpiresAt: future},
		})},
		{name: "no expiry", token: signClaims(t, jwt.SigningMethodHS256, []byte(testSecret), Claims{
			ClientID:         "issuer-portal",
			RegisteredClaims: jwt.RegisteredClaims{Issuer: Issuer},
		})},
		{name: "no client id", token: signClaims(t, jwt.SigningMethodHS256, []byte(testSecret), Claims{
			RegisteredClaims: jwt.RegisteredClaims{Issuer: Issuer, ExpiresAt: future},
		})},
		{name: "unsigned", token: signClaims(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, Claims{
			ClientID:         "issuer-portal",
			RegisteredClaims: jwt.RegisteredClaims{Issuer: Issuer, ExpiresAt: future},
		})},
		{name: "malformed", token: "invalid.token.format"},
		{name: "empty", token: ""},
		{name: "truncated", token: valid[:len(valid)-4]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := ValidateToken(tt.token, testSecret)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("ValidateToken() expected ErrInvalidToken, got %v", err)
			}
			if claims != nil {
				t.Errorf("ValidateToken() returned claims %+v", claims)
			}
		})
	}
}
