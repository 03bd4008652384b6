package authn

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellisdata/trellis/internal/authz"
	"github.com/trellisdata/trellis/pkg/database"
)

// stubProvider verifies credentials against a plain map, standing in for
// the bcrypt provider so tests stay fast.
type stubProvider map[string]string

func (p stubProvider) Authenticate(ctx context.Context, username, password string) (string, error) {
	if password == "" || p[username] != password {
		return "", ErrInvalidCredentials
	}
	return username, nil
}

func testConfig() Config {
	return Config{
		SecretKeys:      [][]byte{[]byte("0123456789abcdef0123456789abcdef")},
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 7 * 24 * time.Hour,
		SessionMaxAge:   365 * 24 * time.Hour,
		DeviceCodeTTL:   15 * time.Minute,
		Providers: map[string]Provider{
			"toy": stubProvider{"alice": "wonderland", "bob": "builder"},
		},
		Admins: []IdentityRef{{Provider: "toy", ID: "bob"}},
	}
}

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(context.Background(), ":memory:", database.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(context.Background(), newTestDB(t), testConfig(), nil)
	require.NoError(t, err)
	return svc
}

func TestNewServiceRequiresSecrets(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	cfg := testConfig()
	cfg.SecretKeys = nil
	_, err := NewService(ctx, db, cfg, nil)
	require.Error(t, err)

	cfg.SecretKeys = [][]byte{[]byte("short")}
	_, err = NewService(ctx, db, cfg, nil)
	require.ErrorContains(t, err, "too short")
}

func TestPasswordGrant(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	pair, err := svc.PasswordGrant(ctx, "toy", "alice", "wonderland")
	require.NoError(t, err)
	assert.Equal(t, "bearer", pair.TokenType)
	assert.Equal(t, int64(900), pair.ExpiresIn)

	caller, err := svc.AuthenticateAccessToken(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, authz.PrincipalUser, caller.Type)
	assert.Equal(t, []string{"alice", caller.PrincipalID.String()}, caller.Identifiers())
	assert.True(t, caller.Scopes.HasAll(authz.DefaultUserScopes()))
	assert.False(t, caller.IsAdmin())

	t.Run("second login reuses the principal", func(t *testing.T) {
		again, err := svc.PasswordGrant(ctx, "toy", "alice", "wonderland")
		require.NoError(t, err)
		callerAgain, err := svc.AuthenticateAccessToken(again.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, caller.PrincipalID, callerAgain.PrincipalID)

		principals, total, err := svc.ListPrincipals(ctx, 0, 10)
		require.NoError(t, err)
		assert.Equal(t, int64(1), total)
		require.Len(t, principals, 1)
		require.Len(t, principals[0].Identities, 1)
		assert.NotNil(t, principals[0].Identities[0].LatestLogin)
	})

	t.Run("uniform credential failures", func(t *testing.T) {
		_, err := svc.PasswordGrant(ctx, "toy", "alice", "queen")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
		_, err = svc.PasswordGrant(ctx, "toy", "nobody", "anything")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("unknown provider", func(t *testing.T) {
		_, err := svc.PasswordGrant(ctx, "ldap", "alice", "wonderland")
		assert.ErrorIs(t, err, ErrUnknownProvider)
	})
}

func TestAdminBootstrap(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	svc, err := NewService(ctx, db, testConfig(), nil)
	require.NoError(t, err)

	bob, err := svc.VerifyCredentials(ctx, "toy", "bob", "builder")
	require.NoError(t, err)
	assert.True(t, bob.IsAdmin())
	roleNames := make([]string, len(bob.Roles))
	for i, r := range bob.Roles {
		roleNames[i] = r.Name
	}
	assert.Equal(t, []string{RoleAdmin, RoleUser}, roleNames)

	alice, err := svc.VerifyCredentials(ctx, "toy", "alice", "wonderland")
	require.NoError(t, err)
	assert.False(t, alice.IsAdmin())

	t.Run("existing principals are promoted on login", func(t *testing.T) {
		cfg := testConfig()
		cfg.Admins = append(cfg.Admins, IdentityRef{Provider: "toy", ID: "alice"})
		promoted, err := NewService(ctx, db, cfg, nil)
		require.NoError(t, err)

		again, err := promoted.VerifyCredentials(ctx, "toy", "alice", "wonderland")
		require.NoError(t, err)
		assert.Equal(t, alice.ID, again.ID)
		assert.True(t, again.IsAdmin())
	})
}

func TestServicePrincipal(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	p, err := svc.CreateServicePrincipal(ctx, RoleUser)
	require.NoError(t, err)
	assert.Equal(t, authz.PrincipalService, p.Type)
	assert.Empty(t, p.Identities)
	require.Len(t, p.Roles, 1)
	assert.Equal(t, RoleUser, p.Roles[0].Name)

	caller := p.Caller()
	assert.Equal(t, []string{p.ID.String()}, caller.Identifiers())

	_, err = svc.CreateServicePrincipal(ctx, "superuser")
	assert.ErrorContains(t, err, "unknown role")
}

func TestListPrincipalsPaging(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	for _, name := range []string{"alice", "bob"} {
		_, err := svc.VerifyCredentials(ctx, "toy", name, map[string]string{
			"alice": "wonderland", "bob": "builder",
		}[name])
		require.NoError(t, err)
	}
	_, err := svc.CreateServicePrincipal(ctx, RoleUser)
	require.NoError(t, err)

	page, total, err := svc.ListPrincipals(ctx, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, page, 2)

	rest, _, err := svc.ListPrincipals(ctx, 2, 2)
	require.NoError(t, err)
	assert.Len(t, rest, 1)
}

func TestGetPrincipalDetail(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	_, err := svc.PasswordGrant(ctx, "toy", "alice", "wonderland")
	require.NoError(t, err)
	alice, err := svc.VerifyCredentials(ctx, "toy", "alice", "wonderland")
	require.NoError(t, err)

	_, _, err = svc.CreateAPIKey(ctx, alice.ID, APIKeyRequest{Note: "laptop"})
	require.NoError(t, err)

	detail, err := svc.GetPrincipalDetail(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, detail.APIKeys, 1)
	assert.Equal(t, "laptop", detail.APIKeys[0].Note)
	assert.Len(t, detail.Sessions, 1)

	_, err = svc.GetPrincipal(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrPrincipalNotFound)
}
