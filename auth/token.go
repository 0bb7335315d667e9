// Package auth signs and verifies per-site tracking tokens.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aydenstechdungeon/livetrack/apperr"
)

// TokenType is the only accepted value of the type claim.
const TokenType = "TRACKING_TOKEN"

// DefaultTTL is the lifetime of a freshly signed token.
const DefaultTTL = time.Hour

var (
	// ErrMissingToken is returned when no token was presented.
	ErrMissingToken = errors.New("missing tracking token")
	// ErrInvalidToken covers bad signatures, expiry and wrong claims.
	ErrInvalidToken = errors.New("invalid tracking token")
	// ErrWeakSecret rejects secrets too short for HS256.
	ErrWeakSecret = errors.New("tracking secret must be at least 16 bytes")
)

const minSecretLen = 16

// Claims are the tracking token claims.
type Claims struct {
	jwt.RegisteredClaims
	DomainID string `json:"domainId"`
	Type     string `json:"type"`
}

// Issuer signs tracking tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an Issuer. A zero ttl uses DefaultTTL.
func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	if len(secret) < minSecretLen {
		return nil, ErrWeakSecret
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Sign returns a token for domainID.
func (i *Issuer) Sign(domainID string) (string, error) {
	if domainID == "" {
		return "", fmt.Errorf("auth: empty domain id")
	}
	now := i.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		DomainID: domainID,
		Type:     TokenType,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Verifier checks tracking tokens.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewVerifier creates a Verifier for secret.
func NewVerifier(secret string) (*Verifier, error) {
	if len(secret) < minSecretLen {
		return nil, ErrWeakSecret
	}
	return &Verifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}, nil
}

// Verify parses tokenStr and returns its claims. Every failure is an
// apperr.KindAuth error.
func (v *Verifier) Verify(tokenStr string) (*Claims, error) {
	if tokenStr == "" {
		return nil, apperr.Auth("verify token", ErrMissingToken)
	}
	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, apperr.Auth("verify token", fmt.Errorf("%w: %v", ErrInvalidToken, err))
	}
	if !token.Valid || claims.Type != TokenType || claims.DomainID == "" {
		return nil, apperr.Auth("verify token", ErrInvalidToken)
	}
	return claims, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
