package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file used when neither the -config flag nor the
// TRELLIS_CONFIG environment variable is set.
const DefaultPath = "trellis.yaml"

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Catalog       CatalogConfig       `yaml:"catalog"`
	Auth          AuthConfig          `yaml:"auth"`
	AccessControl AccessControlConfig `yaml:"access_control"`
	Stream        StreamConfig        `yaml:"stream"`
	Logging       LoggingConfig       `yaml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

type ServerConfig struct {
	Host                  string        `yaml:"host"`
	Port                  int           `yaml:"port"`
	RequestTimeout        time.Duration `yaml:"request_timeout"`
	ShutdownTimeout       time.Duration `yaml:"shutdown_timeout"`
	MaxPageSize           int           `yaml:"max_page_size"`
	DefaultPageLimit      int           `yaml:"default_page_limit"`
	CountCeiling          int           `yaml:"count_ceiling"`
	InlinedContentsLimit  int           `yaml:"inlined_contents_limit"`
	DepthLimit            int           `yaml:"depth_limit"`
	ResponseBytesizeLimit int64         `yaml:"response_bytesize_limit"`
	RejectUndeclaredSpecs bool          `yaml:"reject_undeclared_specs"`
}

type CatalogConfig struct {
	URI             string        `yaml:"uri"`
	WritableStorage string        `yaml:"writable_storage"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

type AuthConfig struct {
	// URI of the authentication database. Defaults to the catalog URI so a
	// single-file deployment needs only one database.
	URI                  string           `yaml:"uri"`
	SecretKeys           []string         `yaml:"secret_keys"`
	AccessTokenTTL       time.Duration    `yaml:"access_token_ttl"`
	RefreshTokenTTL      time.Duration    `yaml:"refresh_token_ttl"`
	SessionMaxAge        time.Duration    `yaml:"session_max_age"`
	DeviceCodeTTL        time.Duration    `yaml:"device_code_ttl"`
	AllowAnonymousAccess bool             `yaml:"allow_anonymous_access"`
	Providers            []ProviderConfig `yaml:"providers"`
	// Admins lists the identities granted the admin role when they log in.
	Admins []AdminConfig `yaml:"admins"`
}

type ProviderConfig struct {
	Name  string       `yaml:"name"`
	Users []UserConfig `yaml:"users"`
}

type AdminConfig struct {
	Provider string `yaml:"provider"`
	ID       string `yaml:"id"`
}

type UserConfig struct {
	Username string `yaml:"username"`
	// Bcrypt hash of the password. Plaintext passwords are never configured.
	PasswordHash string `yaml:"password_hash"`
}

type AccessControlConfig struct {
	// Policy selects the authorization engine: "open", "tag" or "remote".
	Policy   string             `yaml:"policy"`
	TagsFile string             `yaml:"tags_file"`
	Scopes   []string           `yaml:"scopes"`
	Remote   RemotePolicyConfig `yaml:"remote"`
}

type RemotePolicyConfig struct {
	CreateURL            string        `yaml:"create_url"`
	ScopesURL            string        `yaml:"scopes_url"`
	TagsURL              string        `yaml:"tags_url"`
	Timeout              time.Duration `yaml:"timeout"`
	EmptyAccessBlobPublic bool         `yaml:"empty_access_blob_public"`
}

type StreamConfig struct {
	Datastore     string        `yaml:"datastore"`
	RedisURL      string        `yaml:"redis_url"`
	DataTTL       time.Duration `yaml:"data_ttl"`
	QueueSize     int           `yaml:"queue_size"`
	ReplayTimeout time.Duration `yaml:"replay_timeout"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type MetricsConfig struct {
	AllowAnonymous bool `yaml:"allow_anonymous"`
}

// Path resolves the config file location: the TRELLIS_CONFIG environment
// variable wins over the flag value, which wins over DefaultPath.
func Path(flagValue string) string {
	if env := os.Getenv("TRELLIS_CONFIG"); env != "" {
		return env
	}
	if flagValue != "" {
		return flagValue
	}
	return DefaultPath
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 30 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Server.MaxPageSize == 0 {
		c.Server.MaxPageSize = 300
	}
	if c.Server.DefaultPageLimit == 0 {
		c.Server.DefaultPageLimit = 100
	}
	if c.Server.CountCeiling == 0 {
		c.Server.CountCeiling = 10000
	}
	if c.Server.InlinedContentsLimit == 0 {
		c.Server.InlinedContentsLimit = 500
	}
	if c.Server.DepthLimit == 0 {
		c.Server.DepthLimit = 5
	}
	if c.Server.ResponseBytesizeLimit == 0 {
		c.Server.ResponseBytesizeLimit = 300_000_000
	}

	if c.Catalog.MaxOpenConns == 0 {
		c.Catalog.MaxOpenConns = 25
	}
	if c.Catalog.MaxIdleConns == 0 {
		c.Catalog.MaxIdleConns = 5
	}
	if c.Catalog.ConnMaxIdleTime == 0 {
		c.Catalog.ConnMaxIdleTime = 5 * time.Minute
	}

	if c.Auth.URI == "" {
		c.Auth.URI = c.Catalog.URI
	}
	if c.Auth.AccessTokenTTL == 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL == 0 {
		c.Auth.RefreshTokenTTL = 7 * 24 * time.Hour
	}
	if c.Auth.SessionMaxAge == 0 {
		c.Auth.SessionMaxAge = 365 * 24 * time.Hour
	}
	if c.Auth.DeviceCodeTTL == 0 {
		c.Auth.DeviceCodeTTL = 15 * time.Minute
	}

	if c.AccessControl.Policy == "" {
		c.AccessControl.Policy = "open"
	}
	if c.AccessControl.Remote.Timeout == 0 {
		c.AccessControl.Remote.Timeout = 5 * time.Second
	}

	if c.Stream.Datastore == "" {
		c.Stream.Datastore = "memory"
	}
	if c.Stream.RedisURL == "" {
		c.Stream.RedisURL = "redis://localhost:6379/0"
	}
	if c.Stream.DataTTL == 0 {
		c.Stream.DataTTL = time.Hour
	}
	if c.Stream.QueueSize == 0 {
		c.Stream.QueueSize = 256
	}
	if c.Stream.ReplayTimeout == 0 {
		c.Stream.ReplayTimeout = 60 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks required fields and cross-field consistency.
func (c *Config) Validate() error {
	if c.Catalog.URI == "" {
		return fmt.Errorf("catalog.uri is required in configuration file")
	}

	switch c.AccessControl.Policy {
	case "open":
	case "tag":
		if c.AccessControl.TagsFile == "" {
			return fmt.Errorf("access_control.tags_file is required when access_control.policy is \"tag\"")
		}
	case "remote":
		if c.AccessControl.Remote.CreateURL == "" ||
			c.AccessControl.Remote.ScopesURL == "" ||
			c.AccessControl.Remote.TagsURL == "" {
			return fmt.Errorf("access_control.remote requires create_url, scopes_url and tags_url when access_control.policy is \"remote\"")
		}
	default:
		return fmt.Errorf("unknown access_control.policy %q (expected open, tag or remote)", c.AccessControl.Policy)
	}

	if c.Server.DefaultPageLimit > c.Server.MaxPageSize {
		return fmt.Errorf("server.default_page_limit (%d) exceeds server.max_page_size (%d)",
			c.Server.DefaultPageLimit, c.Server.MaxPageSize)
	}

	for i, p := range c.Auth.Providers {
		if p.Name == "" {
			return fmt.Errorf("auth.providers[%d].name is required", i)
		}
	}

	for i, a := range c.Auth.Admins {
		if a.Provider == "" || a.ID == "" {
			return fmt.Errorf("auth.admins[%d] requires provider and id", i)
		}
	}

	return nil
}

// ListenAddress returns the host:port string the HTTP server binds to.
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
