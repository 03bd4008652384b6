package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/trellisdata/trellis/internal/authn"
	"github.com/trellisdata/trellis/internal/authn/provider"
	"github.com/trellisdata/trellis/internal/authz"
	"github.com/trellisdata/trellis/internal/catalog"
	"github.com/trellisdata/trellis/internal/engine"
	"github.com/trellisdata/trellis/internal/stream"
	"github.com/trellisdata/trellis/pkg/config"
	"github.com/trellisdata/trellis/pkg/database"
	"github.com/trellisdata/trellis/pkg/keyring"
	"github.com/trellisdata/trellis/pkg/logger"
)

// Version is overridden at build time via -ldflags.
var Version = "dev"

const (
	keyringService = "trellis-security"
	jwtSecretUser  = "jwt-secret"
)

func main() {
	configPath := flag.String("config", "", "Path to the configuration file")
	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("trellis %s (%s)\n", Version, runtime.Version())
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config.Path(*configPath)); err != nil {
		stop()
		log.Fatalf("trellis: %v", err)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logg := logger.New("trellis", Version)
	logg.SetLevel(cfg.Logging.Level)
	if cfg.Logging.File != "" {
		if err := logg.SetFile(cfg.Logging.File); err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
	}

	catalogDB, err := database.Open(ctx, cfg.Catalog.URI, database.Options{
		MaxOpenConns:    cfg.Catalog.MaxOpenConns,
		MaxIdleConns:    cfg.Catalog.MaxIdleConns,
		ConnMaxIdleTime: cfg.Catalog.ConnMaxIdleTime,
	})
	if err != nil {
		return fmt.Errorf("failed to open catalog database: %w", err)
	}
	defer catalogDB.Close()

	authDB := catalogDB
	if cfg.Auth.URI != cfg.Catalog.URI {
		authDB, err = database.Open(ctx, cfg.Auth.URI, database.Options{
			MaxOpenConns:    cfg.Catalog.MaxOpenConns,
			MaxIdleConns:    cfg.Catalog.MaxIdleConns,
			ConnMaxIdleTime: cfg.Catalog.ConnMaxIdleTime,
		})
		if err != nil {
			return fmt.Errorf("failed to open auth database: %w", err)
		}
		defer authDB.Close()
	}

	store, err := catalog.NewStore(ctx, catalogDB, cfg.Catalog.WritableStorage, logg)
	if err != nil {
		return fmt.Errorf("failed to initialize catalog: %w", err)
	}

	authCfg, err := authnConfig(cfg, logg)
	if err != nil {
		return err
	}
	auth, err := authn.NewService(ctx, authDB, authCfg, logg)
	if err != nil {
		return fmt.Errorf("failed to initialize authentication: %w", err)
	}

	policy, err := buildPolicy(cfg, logg)
	if err != nil {
		return err
	}

	data, err := stream.OpenDatastore(ctx, cfg.Stream)
	if err != nil {
		return fmt.Errorf("failed to open stream datastore: %w", err)
	}
	streams := stream.NewService(data, cfg.Stream, logg)

	eng, err := engine.NewEngine(engine.Options{
		Config:  cfg,
		Logger:  logg,
		Store:   store,
		Auth:    auth,
		Policy:  policy,
		Streams: streams,
		Version: Version,
	})
	if err != nil {
		return err
	}

	return engine.NewServer(eng).Run(ctx)
}

// authnConfig translates the YAML auth section into the service's config,
// minting a JWT signing key in the keyring when none is configured.
func authnConfig(cfg *config.Config, logg *logger.Logger) (authn.Config, error) {
	secrets := make([][]byte, 0, len(cfg.Auth.SecretKeys))
	for _, key := range cfg.Auth.SecretKeys {
		secrets = append(secrets, []byte(key))
	}
	if len(secrets) == 0 {
		secret, err := keyringJWTSecret(logg)
		if err != nil {
			return authn.Config{}, err
		}
		secrets = [][]byte{secret}
	}

	providers := make(map[string]authn.Provider, len(cfg.Auth.Providers))
	for _, pc := range cfg.Auth.Providers {
		users := make(map[string]string, len(pc.Users))
		for _, u := range pc.Users {
			users[u.Username] = u.PasswordHash
		}
		providers[pc.Name] = provider.NewPassword(users)
	}

	admins := make([]authn.IdentityRef, 0, len(cfg.Auth.Admins))
	for _, a := range cfg.Auth.Admins {
		admins = append(admins, authn.IdentityRef{Provider: a.Provider, ID: a.ID})
	}

	return authn.Config{
		SecretKeys:      secrets,
		AccessTokenTTL:  cfg.Auth.AccessTokenTTL,
		RefreshTokenTTL: cfg.Auth.RefreshTokenTTL,
		SessionMaxAge:   cfg.Auth.SessionMaxAge,
		DeviceCodeTTL:   cfg.Auth.DeviceCodeTTL,
		Providers:       providers,
		Admins:          admins,
	}, nil
}

// keyringJWTSecret loads the persistent signing key, generating and storing
// one on first start. Headless hosts fall back to the encrypted file
// keyring under TRELLIS_KEYRING_PATH.
func keyringJWTSecret(logg *logger.Logger) ([]byte, error) {
	km := keyring.NewKeyringManager(keyring.GetDefaultKeyringPath(), keyring.GetMasterPasswordFromEnv())

	if stored, err := km.Get(keyringService, jwtSecretUser); err == nil && stored != "" {
		secret, err := base64.StdEncoding.DecodeString(stored)
		if err != nil {
			return nil, fmt.Errorf("stored jwt secret is corrupt: %w", err)
		}
		return secret, nil
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate jwt secret: %w", err)
	}
	if err := km.Set(keyringService, jwtSecretUser, base64.StdEncoding.EncodeToString(secret)); err != nil {
		return nil, fmt.Errorf("failed to store jwt secret: %w", err)
	}
	logg.Info("Generated a new JWT signing key and stored it in the keyring")
	return secret, nil
}

func buildPolicy(cfg *config.Config, logg *logger.Logger) (authz.Policy, error) {
	maxScopes := authz.AllScopes()
	if len(cfg.AccessControl.Scopes) > 0 {
		parsed, err := authz.ParseScopeSet(cfg.AccessControl.Scopes)
		if err != nil {
			return nil, fmt.Errorf("invalid access_control.scopes: %w", err)
		}
		maxScopes = parsed
	}

	switch cfg.AccessControl.Policy {
	case "open":
		return authz.NewOpenPolicy(), nil
	case "tag":
		return authz.NewTagPolicy(cfg.AccessControl.TagsFile, maxScopes)
	case "remote":
		rc := cfg.AccessControl.Remote
		return authz.NewRemotePolicy(authz.RemotePolicyConfig{
			CreateURL:             rc.CreateURL,
			ScopesURL:             rc.ScopesURL,
			TagsURL:               rc.TagsURL,
			Timeout:               rc.Timeout,
			EmptyAccessBlobPublic: rc.EmptyAccessBlobPublic,
			MaxScopes:             maxScopes,
		}, logg), nil
	}
	return nil, fmt.Errorf("unknown access_control.policy %q", cfg.AccessControl.Policy)
}
