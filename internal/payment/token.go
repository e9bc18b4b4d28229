package payment

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid payment token")
	ErrTypeMismatch = errors.New("payment token issued for another report type")
)

// TokenClaims is the payload of a payment token handed to the browser after
// checkout: the authorized intent and the report type it pays for.
type TokenClaims struct {
	IntentID   string `json:"pi"`
	ReportType string `json:"rt"`
	jwt.RegisteredClaims
}

type TokenVerifier struct {
	secret []byte
}

func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret)}
}

// Issue signs a token. Checkout success handlers call this; tests use it to
// mint tokens.
func (v *TokenVerifier) Issue(intentID, reportType string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := TokenClaims{
		IntentID:   intentID,
		ReportType: reportType,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify returns the payment intent id the token authorizes for reportType.
func (v *TokenVerifier) Verify(token, reportType string) (string, error) {
	claims := &TokenClaims{}
	tok, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !tok.Valid || claims.IntentID == "" {
		return "", ErrInvalidToken
	}
	if claims.ReportType != reportType {
		return "", ErrTypeMismatch
	}
	return claims.IntentID, nil
}
