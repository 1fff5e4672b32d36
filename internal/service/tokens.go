package service

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rushago/billing-reconciler/internal/domain"
)

// AdminNone is the admin level of regular users.
const AdminNone = "none"

// Claims are the access token claims issued by the platform's auth service.
type Claims struct {
	Sub        string `json:"id"`
	AdminLevel string `json:"admin_level,omitempty"`
	jwt.RegisteredClaims
}

// IsAdmin reports whether the token carries an admin level.
func (c *Claims) IsAdmin() bool {
	return c.AdminLevel != "" && c.AdminLevel != AdminNone
}

// TokenValidator checks HS256 access tokens. Issuing tokens is out of scope.
type TokenValidator struct {
	secret []byte
}

func NewTokenValidator(secret string) *TokenValidator {
	return &TokenValidator{secret: []byte(secret)}
}

func (v *TokenValidator) ValidateAccessToken(tokenString string) (*Claims, error) {
	if len(v.secret) == 0 {
		return nil, &domain.ErrUnauthorized{Message: "token validation is not configured"}
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, &domain.ErrUnauthorized{Message: "invalid or expired token"}
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Sub == "" {
		return nil, &domain.ErrUnauthorized{Message: "invalid token"}
	}
	return claims, nil
}
