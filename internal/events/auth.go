package events

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// VerifyToken validates an HMAC-signed JWT and returns the user ID from its
// subject claim.
func VerifyToken(secret, tokenString string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("token secret not configured")
	}
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return "", fmt.Errorf("token validation failed: %w", err)
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("token missing subject claim")
	}
	return sub, nil
}

// SignToken issues an HMAC-signed JWT for a user. Used in tests and tooling.
func SignToken(secret, userID string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": userID})
	return token.SignedString([]byte(secret))
}
