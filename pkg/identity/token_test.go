package identity_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/regtruth/pkg/identity"
)

const secret = "0123456789abcdef0123456789abcdef"

func TestTokenRoundTrip(t *testing.T) {
	ks, err := identity.NewHMACKeySet(secret)
	require.NoError(t, err)
	tm := identity.NewTokenManager(ks)

	token, err := tm.GenerateToken(context.Background(), &identity.Reviewer{ReviewerID: "ana.kovac", Roles: []string{"tax"}}, time.Hour)
	require.NoError(t, err)

	claims, err := tm.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ana.kovac", claims.Subject)
	assert.True(t, claims.Human())
	assert.Equal(t, []string{"tax"}, claims.Roles)
}

func TestServiceTokenIsNotHuman(t *testing.T) {
	ks, err := identity.NewInMemoryKeySet()
	require.NoError(t, err)
	tm := identity.NewTokenManager(ks)

	token, err := tm.GenerateToken(context.Background(), &identity.Service{Name: "arbiter"}, time.Hour)
	require.NoError(t, err)
	claims, err := tm.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "system:arbiter", claims.Subject)
	assert.False(t, claims.Human())
}

func TestReviewerCannotUseAutomatedPrefix(t *testing.T) {
	ks, err := identity.NewHMACKeySet(secret)
	require.NoError(t, err)
	_, err = identity.NewTokenManager(ks).GenerateToken(context.Background(), &identity.Reviewer{ReviewerID: "system:me"}, time.Hour)
	assert.ErrorIs(t, err, identity.ErrInvalidPrincipal)
}

func TestValidateToken_Rejects(t *testing.T) {
	ks, err := identity.NewHMACKeySet(secret)
	require.NoError(t, err)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tm := identity.NewTokenManager(ks).WithClock(func() time.Time { return now })

	token, err := tm.GenerateToken(context.Background(), &identity.Reviewer{ReviewerID: "ana.kovac"}, time.Minute)
	require.NoError(t, err)

	t.Run("expired", func(t *testing.T) {
		late := identity.NewTokenManager(ks).WithClock(func() time.Time { return now.Add(time.Hour) })
		_, err := late.ValidateToken(token)
		assert.ErrorIs(t, err, identity.ErrInvalidToken)
	})
	t.Run("other secret", func(t *testing.T) {
		other, err := identity.NewHMACKeySet(strings.Repeat("x", 32))
		require.NoError(t, err)
		_, err = identity.NewTokenManager(other).WithClock(func() time.Time { return now }).ValidateToken(token)
		assert.ErrorIs(t, err, identity.ErrInvalidToken)
	})
	t.Run("tampered", func(t *testing.T) {
		_, err := tm.ValidateToken(token[:len(token)-2] + "xx")
		assert.ErrorIs(t, err, identity.ErrInvalidToken)
	})
}

func TestShortSecretRefused(t *testing.T) {
	_, err := identity.NewHMACKeySet("short")
	assert.Error(t, err)
}

func TestInMemoryKeySet_RotationKeepsRecentKeys(t *testing.T) {
	ks, err := identity.NewInMemoryKeySet()
	require.NoError(t, err)
	tm := identity.NewTokenManager(ks)
	token, err := tm.GenerateToken(context.Background(), &identity.Reviewer{ReviewerID: "ana"}, time.Hour)
	require.NoError(t, err)

	require.NoError(t, ks.Rotate())
	_, err = tm.ValidateToken(token)
	assert.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, ks.Rotate())
	}
	_, err = tm.ValidateToken(token)
	assert.Error(t, err)
}
