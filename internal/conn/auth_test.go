package conn

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret string, claims *Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestTokenValidator_ValidTokenReturnsClaims(t *testing.T) {
	v := NewTokenValidator("super-secret")
	token := signToken(t, "super-secret", &Claims{
		Sub: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	claims, err := v.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Sub != "user-1" {
		t.Fatalf("unexpected subject: %v", claims.Sub)
	}
}

func TestTokenValidator_WrongSecretRejected(t *testing.T) {
	v := NewTokenValidator("super-secret")
	token := signToken(t, "wrong-secret", &Claims{
		Sub: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	if _, err := v.Validate(token); err == nil {
		t.Fatal("expected validation to fail for a mismatched secret")
	}
}

func TestTokenValidator_ExpiredTokenRejected(t *testing.T) {
	v := NewTokenValidator("super-secret")
	token := signToken(t, "super-secret", &Claims{
		Sub: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})

	if _, err := v.Validate(token); err == nil {
		t.Fatal("expected validation to fail for an expired token")
	}
}

func TestTokenValidator_EmptySubjectRejected(t *testing.T) {
	v := NewTokenValidator("super-secret")
	token := signToken(t, "super-secret", &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	if _, err := v.Validate(token); err == nil {
		t.Fatal("expected validation to fail for an empty subject")
	}
}

func TestTokenValidator_RejectsNonHMACSigningMethod(t *testing.T) {
	v := NewTokenValidator("super-secret")
	claims := &Claims{Sub: "user-1", RegisteredClaims: jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	token := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none token: %v", err)
	}

	if _, err := v.Validate(signed); err == nil {
		t.Fatal("expected the none signing method to be rejected")
	}
}

func TestExtractToken_PrefersQueryParam(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=from-query", nil)
	r.Header.Set("Authorization", "Bearer from-header")

	if got := ExtractToken(r); got != "from-query" {
		t.Fatalf("expected query token to win, got %q", got)
	}
}

func TestExtractToken_FallsBackToAuthorizationHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Bearer from-header")

	if got := ExtractToken(r); got != "from-header" {
		t.Fatalf("expected header token, got %q", got)
	}
}

func TestExtractToken_EmptyWhenNeitherPresent(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if got := ExtractToken(r); got != "" {
		t.Fatalf("expected empty token, got %q", got)
	}
}
