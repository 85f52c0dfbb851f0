// ABOUTME: Visitor identity tokens binding a browser to its durable visitor id
// ABOUTME: HS256 JWTs with subject, type and expiry; a missing secret disables issuing

package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

const visitorTokenType = "visitor"

// VisitorTokens issues and verifies visitor identity tokens.
type VisitorTokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewVisitorTokens creates a token issuer. An empty secret returns a
// disabled issuer whose Enabled reports false.
func NewVisitorTokens(secret string, ttl time.Duration) *VisitorTokens {
	return &VisitorTokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Enabled reports whether tokens are issued and enforced.
func (v *VisitorTokens) Enabled() bool {
	return v != nil && len(v.secret) > 0
}

// Issue creates a token for visitorID.
func (v *VisitorTokens) Issue(visitorID string) (string, error) {
	if !v.Enabled() {
		return "", nil
	}
	now := v.now()
	claims := jwt.MapClaims{
		"sub": visitorID,
		"typ": visitorTokenType,
		"iat": now.Unix(),
		"exp": now.Add(v.ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// Verify validates the token and returns the visitor id from its "sub" claim.
func (v *VisitorTokens) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	if typ, _ := claims["typ"].(string); typ != visitorTokenType {
		return "", fmt.Errorf("%w: typ", ErrInvalidToken)
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return sub, nil
}

// BearerToken extracts a bearer token from the Authorization header, falling
// back to the visitor_token query parameter for EventSource and WebSocket
// clients that cannot set headers.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("visitor_token")
}
