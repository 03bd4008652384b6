package authn

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellisdata/trellis/internal/authz"
)

func grantSession(t *testing.T, svc *Service) (authz.Caller, Session) {
	t.Helper()
	ctx := context.Background()

	pair, err := svc.PasswordGrant(ctx, "toy", "alice", "wonderland")
	require.NoError(t, err)
	caller, err := svc.AuthenticateAccessToken(pair.AccessToken)
	require.NoError(t, err)

	sessions, err := svc.ListSessions(ctx, caller.PrincipalID)
	require.NoError(t, err)
	require.NotEmpty(t, sessions)
	return caller, sessions[0]
}

func TestRefreshRotation(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	pair, err := svc.PasswordGrant(ctx, "toy", "alice", "wonderland")
	require.NoError(t, err)

	rotated, err := svc.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.AccessToken, rotated.AccessToken)
	assert.NotEmpty(t, rotated.RefreshToken)

	again, err := svc.Refresh(ctx, rotated.RefreshToken)
	require.NoError(t, err)

	caller, err := svc.AuthenticateAccessToken(again.AccessToken)
	require.NoError(t, err)
	sessions, err := svc.ListSessions(ctx, caller.PrincipalID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, 2, sessions[0].RefreshCount)
	assert.False(t, sessions[0].TimeLastRefreshed.Before(sessions[0].TimeCreated))

	t.Run("access token is not a refresh token", func(t *testing.T) {
		_, err := svc.Refresh(ctx, again.AccessToken)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestRevokeSession(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	caller, session := grantSession(t, svc)

	require.NoError(t, svc.RevokeSession(ctx, caller, session.ID))

	sessions, err := svc.ListSessions(ctx, caller.PrincipalID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].Revoked)

	t.Run("revoking twice conflicts", func(t *testing.T) {
		err := svc.RevokeSession(ctx, caller, session.ID)
		assert.ErrorIs(t, err, ErrSessionRevoked)
	})

	t.Run("unknown session", func(t *testing.T) {
		err := svc.RevokeSession(ctx, caller, uuid.New())
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})
}

func TestRefreshAfterRevocationFails(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	pair, err := svc.PasswordGrant(ctx, "toy", "alice", "wonderland")
	require.NoError(t, err)
	caller, err := svc.AuthenticateAccessToken(pair.AccessToken)
	require.NoError(t, err)

	var claims refreshClaims
	require.NoError(t, svc.parseToken(pair.RefreshToken, &claims))
	sid, err := uuid.Parse(claims.SessionID)
	require.NoError(t, err)
	require.NoError(t, svc.RevokeSession(ctx, caller, sid))

	_, err = svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrSessionRevoked)
}

func TestSessionMaxAge(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	pair, err := svc.PasswordGrant(ctx, "toy", "alice", "wonderland")
	require.NoError(t, err)

	db := svc.DB()
	_, err = db.ExecContext(ctx,
		db.Rebind("UPDATE sessions SET expiration_time = $1"),
		time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)

	_, err = svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestRevokeSessionOwnership(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	_, session := grantSession(t, svc)

	outsider, err := svc.CreateServicePrincipal(ctx, RoleUser)
	require.NoError(t, err)
	err = svc.RevokeSession(ctx, outsider.Caller(), session.ID)
	assert.ErrorIs(t, err, authz.ErrForbidden)

	admin, err := svc.VerifyCredentials(ctx, "toy", "bob", "builder")
	require.NoError(t, err)
	assert.NoError(t, svc.RevokeSession(ctx, admin.Caller(), session.ID))
}
