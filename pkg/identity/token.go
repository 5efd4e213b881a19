// Package identity issues and verifies approver tokens. A reviewer proves
// they are a person by presenting a token signed by the configured key set;
// the reviewer and arbiter read the approver identity from its subject.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/regtruth/pkg/model"
)

const (
	Issuer   = "regtruth/identity"
	Audience = "regtruth.review"
)

var (
	ErrInvalidToken     = errors.New("identity: invalid approver token")
	ErrInvalidPrincipal = errors.New("identity: principal id is empty or uses the automated prefix")
)

// ApproverClaims are the claims of an approver token.
type ApproverClaims struct {
	jwt.RegisteredClaims
	Type  PrincipalType `json:"type"`
	Roles []string      `json:"roles,omitempty"`
}

// Human reports whether the claims name a person rather than a pipeline component.
func (c *ApproverClaims) Human() bool {
	return c.Type == PrincipalUser && !model.IsAutomated(c.Subject)
}

// TokenManager handles token generation and validation.
type TokenManager struct {
	keySet KeySet
	clock  func() time.Time
}

func NewTokenManager(ks KeySet) *TokenManager {
	return &TokenManager{keySet: ks, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (tm *TokenManager) WithClock(clock func() time.Time) *TokenManager {
	tm.clock = clock
	return tm
}

// GenerateToken creates a signed token for p valid for ttl.
func (tm *TokenManager) GenerateToken(ctx context.Context, p Principal, ttl time.Duration) (string, error) {
	id := p.ID()
	if id == "" || (p.Type() == PrincipalUser && model.IsAutomated(id)) {
		return "", ErrInvalidPrincipal
	}
	now := tm.clock().UTC()
	claims := ApproverClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        fmt.Sprintf("%s-%d", id, now.UnixNano()),
			Subject:   id,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    Issuer,
			Audience:  jwt.ClaimStrings{Audience},
		},
		Type: p.Type(),
	}
	if r, ok := p.(*Reviewer); ok {
		claims.Roles = r.Roles
	}
	return tm.keySet.Sign(ctx, claims)
}

// ValidateToken parses and validates a token string.
func (tm *TokenManager) ValidateToken(tokenString string) (*ApproverClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ApproverClaims{}, tm.keySet.KeyFunc(),
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(tm.clock),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims, ok := token.Claims.(*ApproverClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}
