// Package auth authenticates API callers by their Clerk session token.
//
// Session tokens are RS256 JWTs signed by Clerk. They are verified offline
// against the instance's PEM public key (CLERK_JWT_KEY); the subject claim is
// the Clerk user id. For local development a fixed user can stand in for
// every request.
package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned for missing, malformed, or invalid tokens.
var ErrUnauthenticated = errors.New("auth: unauthenticated")

// Claims are the Clerk session token claims the service reads.
type Claims struct {
	jwt.RegisteredClaims
	SessionID       string `json:"sid,omitempty"`
	AuthorizedParty string `json:"azp,omitempty"`
}

// UserID returns the authenticated Clerk user id.
func (c *Claims) UserID() string { return c.Subject }

// Authenticator turns a bearer token into claims.
type Authenticator interface {
	Authenticate(token string) (*Claims, error)
}

// DefaultLeeway absorbs clock skew between Clerk and this host.
const DefaultLeeway = 5 * time.Second

// SessionVerifier validates Clerk session tokens.
type SessionVerifier struct {
	key               *rsa.PublicKey
	authorizedParties []string
	leeway            time.Duration
}

// ParsePublicKey decodes a PEM-encoded RSA public key. Escaped newlines, as
// they often appear in environment variables, are accepted.
func ParsePublicKey(pemKey string) (*rsa.PublicKey, error) {
	pemKey = strings.TrimSpace(strings.ReplaceAll(pemKey, `\n`, "\n"))
	if pemKey == "" {
		return nil, fmt.Errorf("auth: empty public key")
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pemKey))
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	return key, nil
}

// NewSessionVerifier creates a verifier for tokens signed by the key in
// pemKey. When authorizedParties is non-empty the azp claim must be one of
// them.
func NewSessionVerifier(pemKey string, authorizedParties []string) (*SessionVerifier, error) {
	key, err := ParsePublicKey(pemKey)
	if err != nil {
		return nil, err
	}
	return &SessionVerifier{key: key, authorizedParties: authorizedParties, leeway: DefaultLeeway}, nil
}

// Authenticate implements Authenticator.
func (v *SessionVerifier) Authenticate(tokenStr string) (*Claims, error) {
	if tokenStr == "" {
		return nil, fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			return v.key, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid token claims", ErrUnauthenticated)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	if len(v.authorizedParties) > 0 && claims.AuthorizedParty != "" &&
		!slices.Contains(v.authorizedParties, claims.AuthorizedParty) {
		return nil, fmt.Errorf("%w: unauthorized party %q", ErrUnauthenticated, claims.AuthorizedParty)
	}
	return claims, nil
}

// DevAuthenticator authenticates every request as one fixed user.
type DevAuthenticator struct {
	UserID string
}

// NewDevAuthenticator logs a warning and returns a DevAuthenticator.
func NewDevAuthenticator(userID string, logger *slog.Logger) DevAuthenticator {
	if logger != nil {
		logger.Warn("auth: no CLERK_JWT_KEY configured, every request is authenticated as DEV_AUTH_USER (not for production)",
			"user_id", userID)
	}
	return DevAuthenticator{UserID: userID}
}

// Authenticate implements Authenticator. The token is ignored.
func (d DevAuthenticator) Authenticate(string) (*Claims, error) {
	if d.UserID == "" {
		return nil, fmt.Errorf("%w: no dev user configured", ErrUnauthenticated)
	}
	return &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: d.UserID}}, nil
}
