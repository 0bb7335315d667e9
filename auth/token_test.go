package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aydenstechdungeon/livetrack/apperr"
)

const testSecret = "0123456789abcdef-test"

func TestSignVerify(t *testing.T) {
	issuer, err := NewIssuer(testSecret, 0)
	if err != nil {
		t.Fatalf("NewIssuer failed: %v", err)
	}
	verifier, err := NewVerifier(testSecret)
	if err != nil {
		t.Fatalf("NewVerifier failed: %v", err)
	}

	token, err := issuer.Sign("domain-1")
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	claims, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if claims.DomainID != "domain-1" {
		t.Errorf("Expected domain-1, got %q", claims.DomainID)
	}
	if claims.Type != TokenType {
		t.Errorf("Expected type %s, got %q", TokenType, claims.Type)
	}
	if got := claims.ExpiresAt.Sub(claims.IssuedAt.Time); got != DefaultTTL {
		t.Errorf("Expected ttl %v, got %v", DefaultTTL, got)
	}
}

func TestVerifyRejects(t *testing.T) {
	issuer, _ := NewIssuer(testSecret, time.Hour)
	verifier, _ := NewVerifier(testSecret)

	expired, _ := NewIssuer(testSecret, time.Hour)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expiredToken, _ := expired.Sign("d")

	other, _ := NewIssuer("another-secret-of-length", time.Hour)
	foreignToken, _ := other.Sign("d")

	wrongType := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		DomainID:         "d",
		Type:             "ACCESS_TOKEN",
	})
	wrongTypeToken, _ := wrongType.SignedString([]byte(testSecret))

	noExpiry := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{DomainID: "d", Type: TokenType})
	noExpiryToken, _ := noExpiry.SignedString([]byte(testSecret))

	good, _ := issuer.Sign("d")

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.token"},
		{"expired", expiredToken},
		{"foreign secret", foreignToken},
		{"wrong type", wrongTypeToken},
		{"no expiry", noExpiryToken},
		{"tampered", good + "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(tt.token)
			if !errors.Is(err, apperr.ErrAuth) {
				t.Errorf("Expected auth error, got %v", err)
			}
		})
	}
}

func TestWeakSecret(t *testing.T) {
	if _, err := NewIssuer("short", 0); !errors.Is(err, ErrWeakSecret) {
		t.Errorf("Expected ErrWeakSecret, got %v", err)
	}
	if _, err := NewVerifier("short"); !errors.Is(err, ErrWeakSecret) {
		t.Errorf("Expected ErrWeakSecret, got %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	tests := map[string]string{
		"Bearer abc":  "abc",
		"bearer abc ": "abc",
		"Basic abc":   "",
		"abc":         "",
		"":            "",
		"Bearer  abc": "abc",
	}
	for in, want := range tests {
		if got := BearerToken(in); got != want {
			t.Errorf("BearerToken(%q): expected %q, got %q", in, want, got)
		}
	}
}
