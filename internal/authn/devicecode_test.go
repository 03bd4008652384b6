package authn

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var userCodePattern = regexp.MustCompile(`^[A-HJKMNP-Z2-9]{4}-[A-HJKMNP-Z2-9]{4}$`)

func TestDeviceCodeFlow(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	pending, err := svc.StartDeviceFlow(ctx)
	require.NoError(t, err)
	assert.Regexp(t, userCodePattern, pending.UserCode)
	assert.Len(t, pending.DeviceCode, 2*apiKeySecretBytes)
	assert.Equal(t, DeviceCodeInterval, pending.Interval)
	assert.True(t, pending.Expiry.After(time.Now().UTC()))

	t.Run("pending before approval", func(t *testing.T) {
		_, err := svc.RedeemDeviceCode(ctx, pending.DeviceCode)
		assert.ErrorIs(t, err, ErrAuthorizationPending)
	})

	alice, err := svc.VerifyCredentials(ctx, "toy", "alice", "wonderland")
	require.NoError(t, err)

	// Operators retype the code; sloppy input is normalized.
	sloppy := strings.ToLower(strings.ReplaceAll(pending.UserCode, "-", ""))
	require.NoError(t, svc.ApproveDeviceCode(ctx, sloppy, alice.ID))

	pair, err := svc.RedeemDeviceCode(ctx, pending.DeviceCode)
	require.NoError(t, err)
	caller, err := svc.AuthenticateAccessToken(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, alice.ID, caller.PrincipalID)

	t.Run("redeeming consumes the code", func(t *testing.T) {
		_, err := svc.RedeemDeviceCode(ctx, pending.DeviceCode)
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})
}

func TestDeviceCodeExpiry(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	db := svc.DB()

	alice, err := svc.VerifyCredentials(ctx, "toy", "alice", "wonderland")
	require.NoError(t, err)

	expire := func(userCode string) {
		_, err := db.ExecContext(ctx,
			db.Rebind("UPDATE pending_sessions SET expiry = $1 WHERE user_code = $2"),
			time.Now().UTC().Add(-time.Minute), userCode)
		require.NoError(t, err)
	}

	t.Run("redeem after expiry", func(t *testing.T) {
		pending, err := svc.StartDeviceFlow(ctx)
		require.NoError(t, err)
		expire(pending.UserCode)

		_, err = svc.RedeemDeviceCode(ctx, pending.DeviceCode)
		assert.ErrorIs(t, err, ErrDeviceCodeExpired)

		// The expired row is gone, so a retry looks like a bad credential.
		_, err = svc.RedeemDeviceCode(ctx, pending.DeviceCode)
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("approve after expiry", func(t *testing.T) {
		pending, err := svc.StartDeviceFlow(ctx)
		require.NoError(t, err)
		expire(pending.UserCode)

		err = svc.ApproveDeviceCode(ctx, pending.UserCode, alice.ID)
		assert.ErrorIs(t, err, ErrPendingSessionNotFound)
	})

	t.Run("starting a flow reaps expired rows", func(t *testing.T) {
		stale, err := svc.StartDeviceFlow(ctx)
		require.NoError(t, err)
		expire(stale.UserCode)

		_, err = svc.StartDeviceFlow(ctx)
		require.NoError(t, err)

		_, err = svc.RedeemDeviceCode(ctx, stale.DeviceCode)
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})
}

func TestApproveUnknownUserCode(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	alice, err := svc.VerifyCredentials(ctx, "toy", "alice", "wonderland")
	require.NoError(t, err)

	err = svc.ApproveDeviceCode(ctx, "ZZZZ-ZZZZ", alice.ID)
	assert.ErrorIs(t, err, ErrPendingSessionNotFound)
}

func TestCanonicalUserCode(t *testing.T) {
	for input, want := range map[string]string{
		"abcd-efgh": "ABCD-EFGH",
		"ABCDEFGH":  "ABCD-EFGH",
		" abCDefGH": "ABCD-EFGH",
		"AB-CD":     "ABCD",
	} {
		assert.Equal(t, want, canonicalUserCode(input), "input %q", input)
	}
}
