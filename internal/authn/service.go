// Package authn owns the authentication database: principals with their
// linked identities and roles, HS256 access and refresh tokens, hashed API
// keys, and the device-code login flow. It hands the rest of the server an
// authz.Caller per authenticated request; authorization decisions live in
// internal/authz.
package authn

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/trellisdata/trellis/internal/authz"
	"github.com/trellisdata/trellis/pkg/database"
	"github.com/trellisdata/trellis/pkg/logger"
)

// Provider verifies login credentials against one identity backend and
// returns the external identity id the principal is known by there.
// Credential failures are reported as ErrInvalidCredentials without
// distinguishing unknown users from wrong passwords.
type Provider interface {
	Authenticate(ctx context.Context, username, password string) (string, error)
}

// IdentityRef names one external identity as (provider, id).
type IdentityRef struct {
	Provider string
	ID       string
}

// Config carries the token and session parameters of the service.
type Config struct {
	// SecretKeys signs and verifies JWTs. The first key signs; all keys are
	// tried on verification so keys can rotate without logging everyone out.
	SecretKeys [][]byte

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	SessionMaxAge   time.Duration
	DeviceCodeTTL   time.Duration

	// Providers maps provider names to credential verifiers.
	Providers map[string]Provider

	// Admins lists the identities granted the admin role at login.
	Admins []IdentityRef
}

// Service persists principals, sessions and API keys over PostgreSQL or
// SQLite and issues the tokens that authenticate requests.
type Service struct {
	db     *database.DB
	logger *logger.Logger

	secrets       [][]byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	sessionMaxAge time.Duration
	deviceCodeTTL time.Duration
	providers     map[string]Provider
	admins        []IdentityRef
}

// Built-in role names. Every principal created through a login holds
// RoleUser; RoleAdmin is granted to identities listed in Config.Admins.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// NewService applies pending migrations, seeds the built-in roles and
// returns the service.
func NewService(ctx context.Context, db *database.DB, cfg Config, log *logger.Logger) (*Service, error) {
	if len(cfg.SecretKeys) == 0 {
		return nil, fmt.Errorf("at least one secret key is required")
	}
	for i, key := range cfg.SecretKeys {
		if len(key) < 32 {
			return nil, fmt.Errorf("secret key %d is too short: need at least 32 bytes", i)
		}
	}

	if err := database.Migrate(ctx, db, migrations); err != nil {
		return nil, fmt.Errorf("failed to migrate authentication schema: %w", err)
	}

	s := &Service{
		db:            db,
		logger:        log,
		secrets:       cfg.SecretKeys,
		accessTTL:     cfg.AccessTokenTTL,
		refreshTTL:    cfg.RefreshTokenTTL,
		sessionMaxAge: cfg.SessionMaxAge,
		deviceCodeTTL: cfg.DeviceCodeTTL,
		providers:     cfg.Providers,
		admins:        cfg.Admins,
	}
	if err := s.seedRoles(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for components sharing the database.
func (s *Service) DB() *database.DB {
	return s.db
}

// ProviderNames returns the configured provider names, sorted.
func (s *Service) ProviderNames() []string {
	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// seedRoles inserts the built-in roles, leaving existing rows untouched.
func (s *Service) seedRoles(ctx context.Context) error {
	seeds := []struct {
		name   string
		scopes authz.ScopeSet
	}{
		{RoleUser, authz.DefaultUserScopes()},
		{RoleAdmin, authz.AllScopes()},
	}
	for _, seed := range seeds {
		scopes, err := json.Marshal(seed.scopes.Strings())
		if err != nil {
			return fmt.Errorf("failed to encode role scopes: %w", err)
		}
		_, err = s.db.ExecContext(ctx, s.db.Rebind(
			`INSERT INTO roles (name, scopes) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`),
			seed.name, string(scopes))
		if err != nil {
			return fmt.Errorf("failed to seed role %q: %w", seed.name, err)
		}
	}
	return nil
}

// isConfiguredAdmin reports whether the identity is listed in the admin
// bootstrap configuration.
func (s *Service) isConfiguredAdmin(provider, id string) bool {
	for _, ref := range s.admins {
		if ref.Provider == provider && ref.ID == id {
			return true
		}
	}
	return false
}

func (s *Service) warnf(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Warnf(format, args...)
	}
}
