package authn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessTokenRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	pair, err := svc.PasswordGrant(ctx, "toy", "alice", "wonderland")
	require.NoError(t, err)

	caller, err := svc.AuthenticateAccessToken(pair.AccessToken)
	require.NoError(t, err)
	assert.Contains(t, caller.Identities, "alice")
	assert.False(t, caller.Anonymous)
	assert.False(t, caller.TagRestricted())
}

func TestAccessTokenRejectsGarbage(t *testing.T) {
	svc := newTestService(t)

	for _, token := range []string{"", "not-a-jwt", "a.b.c"} {
		_, err := svc.AuthenticateAccessToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	}
}

func TestRefreshTokenIsNotAnAccessToken(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	pair, err := svc.PasswordGrant(ctx, "toy", "alice", "wonderland")
	require.NoError(t, err)

	_, err = svc.AuthenticateAccessToken(pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestExpiredAccessToken(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	cfg := testConfig()
	cfg.AccessTokenTTL = -time.Minute
	svc, err := NewService(ctx, db, cfg, nil)
	require.NoError(t, err)

	pair, err := svc.PasswordGrant(ctx, "toy", "alice", "wonderland")
	require.NoError(t, err)

	_, err = svc.AuthenticateAccessToken(pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

// Tokens signed with a retired key keep validating as long as the key stays
// in the configured list; only the first key signs.
func TestSigningKeyRotation(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	oldKey := []byte("old-key-old-key-old-key-old-key!")
	newKey := []byte("new-key-new-key-new-key-new-key!")

	oldCfg := testConfig()
	oldCfg.SecretKeys = [][]byte{oldKey}
	before, err := NewService(ctx, db, oldCfg, nil)
	require.NoError(t, err)

	rotatedCfg := testConfig()
	rotatedCfg.SecretKeys = [][]byte{newKey, oldKey}
	after, err := NewService(ctx, db, rotatedCfg, nil)
	require.NoError(t, err)

	pair, err := before.PasswordGrant(ctx, "toy", "alice", "wonderland")
	require.NoError(t, err)

	_, err = after.AuthenticateAccessToken(pair.AccessToken)
	assert.NoError(t, err)

	fresh, err := after.PasswordGrant(ctx, "toy", "alice", "wonderland")
	require.NoError(t, err)
	_, err = before.AuthenticateAccessToken(fresh.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	t.Run("refresh tokens rotate too", func(t *testing.T) {
		_, err := after.Refresh(ctx, pair.RefreshToken)
		assert.NoError(t, err)
	})
}
