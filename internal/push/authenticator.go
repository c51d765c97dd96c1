package push

import (
	"crypto/ecdsa"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	goerrors "github.com/goliatone/go-errors"
)

const (
	// Provider tokens are accepted for an hour; they are replaced well before that.
	TokenValidity         = 60 * time.Minute
	TokenRefreshThreshold = 30 * time.Minute
)

// TokenSource hands out the provider token used on push requests.
type TokenSource interface {
	CurrentToken() (string, error)
	ForceRefresh() (string, error)
}

// Authenticator caches one ES256 provider token and re-mints it once it is
// older than the refresh threshold.
type Authenticator struct {
	teamID string
	keyID  string
	key    *ecdsa.PrivateKey
	now    func() time.Time

	mu       sync.RWMutex
	token    string
	mintedAt time.Time
}

// NewAuthenticator parses the PEM encoded P-256 signing key. Missing or
// malformed key material is a configuration error.
func NewAuthenticator(teamID, keyID string, keyPEM []byte) (*Authenticator, error) {
	if strings.TrimSpace(teamID) == "" || strings.TrimSpace(keyID) == "" {
		return nil, configError("push team id and key id are required", nil)
	}
	if len(keyPEM) == 0 {
		return nil, configError("push signing key is required", nil)
	}

	key, err := jwt.ParseECPrivateKeyFromPEM(keyPEM)
	if err != nil {
		return nil, configError("push signing key is invalid", err)
	}

	return &Authenticator{
		teamID: teamID,
		keyID:  keyID,
		key:    key,
		now:    time.Now,
	}, nil
}

func (a *Authenticator) CurrentToken() (string, error) {
	a.mu.RLock()
	if a.fresh() {
		token := a.token
		a.mu.RUnlock()
		return token, nil
	}
	a.mu.RUnlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	// Another caller may have minted while we waited for the write lock.
	if a.fresh() {
		return a.token, nil
	}
	return a.mint()
}

func (a *Authenticator) ForceRefresh() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mint()
}

func (a *Authenticator) fresh() bool {
	return a.token != "" && a.now().Sub(a.mintedAt) < TokenRefreshThreshold
}

// mint must be called with the write lock held.
func (a *Authenticator) mint() (string, error) {
	now := a.now()

	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.RegisteredClaims{
		Issuer:    a.teamID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(TokenValidity)),
	})
	token.Header["kid"] = a.keyID

	signed, err := token.SignedString(a.key)
	if err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to sign provider token").
			WithCode(http.StatusInternalServerError).
			WithTextCode("PROVIDER_TOKEN_FAILED")
	}

	a.token = signed
	a.mintedAt = now
	return signed, nil
}

func configError(message string, source error) error {
	if source == nil {
		return goerrors.New(message, goerrors.CategoryBadInput).
			WithCode(http.StatusInternalServerError).
			WithTextCode("CONFIGURATION_ERROR")
	}
	return goerrors.Wrap(source, goerrors.CategoryBadInput, message).
		WithCode(http.StatusInternalServerError).
		WithTextCode("CONFIGURATION_ERROR")
}
