package security

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWT validation errors.
var (
	// ErrInvalidToken indicates a token is malformed or fails validation.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken indicates a token has expired.
	ErrExpiredToken = errors.New("token expired")
	// ErrMissingTenant indicates a token carries no tenant.
	ErrMissingTenant = errors.New("token has no tenant")
)

// AdminClaims defines JWT claims for tenant administrators. Tokens are issued
// by the authentication service; this service only verifies them.
type AdminClaims struct {
	AdminID     uint64   `json:"admin_id"`
	Username    string   `json:"username"`
	TenantID    uint64   `json:"tenant_id"`
	Permissions []string `json:"permissions,omitempty"`
	SuperAdmin  bool     `json:"super_admin,omitempty"`
	jwt.RegisteredClaims
}

// GenerateAdminToken signs an admin JWT with the configured expiry. Used by
// tooling and tests.
func GenerateAdminToken(secret string, claims AdminClaims, expiry time.Duration) (string, error) {
	now := time.Now().UTC()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(expiry))
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseAdminToken validates an admin JWT and returns its claims.
func ParseAdminToken(secret string, tokenString string) (*AdminClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AdminClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*AdminClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TenantID == 0 {
		return nil, ErrMissingTenant
	}
	return claims, nil
}
