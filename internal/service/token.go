package service

import (
	"fmt"
	"time"

	"github.com/boddenberg/credit-ledger-go/internal/domain"

	"github.com/golang-jwt/jwt/v5"
)

// AccessClaims are the claims carried by an access token. Sub is the
// account ID.
type AccessClaims struct {
	Sub   string `json:"sub"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier validates HS256 access tokens issued by the login service.
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier creates a verifier for the shared HMAC secret.
func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret)}
}

func (v *TokenVerifier) ValidateAccessToken(tokenString string) (*AccessClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AccessClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, &domain.ErrUnauthorized{Message: "invalid or expired token"}
	}

	claims, ok := token.Claims.(*AccessClaims)
	if !ok || !token.Valid || claims.Sub == "" {
		return nil, &domain.ErrUnauthorized{Message: "invalid token"}
	}
	return claims, nil
}

// Sign issues a token for accountID. Used by tests and local tooling.
func (v *TokenVerifier) Sign(accountID, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := AccessClaims{
		Sub:   accountID,
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "credit-ledger",
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
