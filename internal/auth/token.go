// Package auth reads the access tokens issued by the account service.
package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// CookieName is the cookie the storefront stores the access token in. The
// wallet return pages are plain browser navigations, so the cookie is the
// only credential they carry.
const CookieName = "access_token"

var (
	ErrUnexpectedSigningMethod = errors.New("unexpected signing method")
	ErrInvalidClaims           = errors.New("invalid token claims")
)

// Identity is the buyer a token was issued to.
type Identity struct {
	UserID int64
	Email  string
	Role   string
}

// ExtractAccessToken returns the token from the access cookie, falling back
// to a bearer Authorization header.
func ExtractAccessToken(r *http.Request) string {
	if cookie, err := r.Cookie(CookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}

	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}

// ParseAccessToken verifies an HS256 token signed with key and returns the
// identity in its claims.
func ParseAccessToken(key []byte, raw string) (*Identity, error) {
	token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrUnexpectedSigningMethod
		}
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidClaims
	}
	uid, ok := claims["user_id"].(float64)
	if !ok || uid <= 0 {
		return nil, ErrInvalidClaims
	}

	id := &Identity{UserID: int64(uid)}
	id.Email, _ = claims["email"].(string)
	id.Role, _ = claims["role"].(string)
	return id, nil
}
