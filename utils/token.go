package utils

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/dgrijalva/jwt-go"
)

// SessionTokenClaims are the claims carried by an embedded-app session token.
type SessionTokenClaims struct {
	Dest string `json:"dest"`
	Sid  string `json:"sid"`
	jwt.StandardClaims
}

func getApiSecret() []byte {
	return []byte(os.Getenv("SHOPIFY_API_SECRET"))
}

// JwtValidate verifies an HS256 session token and returns the shop domain it was issued for.
func JwtValidate(token string) (shop string, claims *SessionTokenClaims, err error) {
	secret := getApiSecret()
	if len(secret) == 0 {
		return "", nil, errors.New("SHOPIFY_API_SECRET is not set")
	}
	claims = &SessionTokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("there's a problem with the signing method")
		}
		return secret, nil
	})
	if err != nil {
		return "", nil, err
	}
	if !parsed.Valid {
		return "", nil, errors.New("invalid session token")
	}
	if apiKey := strings.TrimSpace(os.Getenv("SHOPIFY_API_KEY")); apiKey != "" && !claims.VerifyAudience(apiKey, true) {
		return "", nil, errors.New("session token audience mismatch")
	}

	dest, err := url.Parse(claims.Dest)
	if err != nil || dest.Host == "" {
		return "", nil, errors.New("session token has no destination shop")
	}
	return dest.Host, claims, nil
}
