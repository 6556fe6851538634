package conn

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"confluence/internal/domain"
	apperrors "confluence/pkg/errors"
)

// Claims is the token shape validated on connect:
// sub identifies the user, walletType is carried through to the attached
// session but otherwise opaque to the Connection Supervisor. Grounded on
// internal/core/services/auth_service.go Claims/ValidateToken
// pair, narrowed to HMAC-only verification.
type Claims struct {
	Sub        domain.UserId `json:"sub"`
	WalletType string        `json:"walletType,omitempty"`
	jwt.RegisteredClaims
}

// TokenValidator validates the bearer token extracted from a connecting
// socket using a single configured HMAC signing secret.
type TokenValidator struct {
	secret []byte
}

func NewTokenValidator(secret string) *TokenValidator {
	return &TokenValidator{secret: []byte(secret)}
}

func (v *TokenValidator) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, apperrors.NewAuthFailedError(err)
	}
	if claims.Sub == "" {
		return nil, apperrors.NewAuthFailedError(nil)
	}
	return claims, nil
}

// ExtractToken reads the bearer token from the query `token` parameter,
// falling back to `Authorization: Bearer …`.
func ExtractToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}
