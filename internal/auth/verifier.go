// Package auth issues and verifies the HS256 bearer tokens that identify
// calling organizations.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var (
	// ErrInvalidAuthHeader means the Authorization header is missing or not
	// a bearer credential.
	ErrInvalidAuthHeader = errors.New("invalid authorization header")
	// ErrInvalidToken means the token failed signature, expiry or parse
	// checks.
	ErrInvalidToken = errors.New("invalid token")
	// ErrInvalidPayload means the token verified but carries no org_id.
	ErrInvalidPayload = errors.New("invalid token payload")
)

// OrgClaims are the claims this gateway issues and accepts.
type OrgClaims struct {
	OrgID string `json:"org_id"`
	jwt.RegisteredClaims
}

// Verifier checks bearer credentials and resolves them to an organization
// id. It also mints tokens for the CLI and tests.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// VerifyHeader validates a raw Authorization header value and returns the
// organization id embedded in the bearer token.
func (v *Verifier) VerifyHeader(header string) (string, error) {
	if !strings.HasPrefix(header, "Bearer ") {
		return "", ErrInvalidAuthHeader
	}
	return v.Verify(strings.TrimPrefix(header, "Bearer "))
}

// Verify validates a bare token string and returns the organization id.
func (v *Verifier) Verify(token string) (string, error) {
	claims := &OrgClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	if claims.OrgID == "" {
		return "", ErrInvalidPayload
	}
	return claims.OrgID, nil
}

// Mint signs a token for the organization, valid for ttl from now.
func (v *Verifier) Mint(orgID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &OrgClaims{
		OrgID: orgID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
