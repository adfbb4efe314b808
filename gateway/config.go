package gateway

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is the gateway's deployment configuration. All fields can be
// populated from the environment via FromEnv.
type Config struct {
	// JWTSecret is the primary token verification secret.
	JWTSecret string `env:"JWT_SECRET"`

	// JWTSecretFile, when set, reads the secret from a file and hot-reloads
	// it on rotation. Takes precedence over JWTSecret.
	JWTSecretFile string `env:"JWT_SECRET_FILE"`

	// ProjectID is the tenant this deployment serves. Command and generic
	// requests are always scoped to it; it is never taken from client input.
	ProjectID string `env:"PROJECT_ID"`

	// ClaimsPath optionally selects a nested object within token claims
	// (dotted path) as the effective claims payload.
	ClaimsPath string `env:"CLAIMS_PATH"`

	// ExternalJWTSecret is an alternate verification secret (HMAC secret or
	// RSA public key PEM) for tokens minted by an outside issuer.
	ExternalJWTSecret string `env:"EXTERNAL_JWT_SECRET"`

	// ExternalJWKSURL validates externally minted tokens against a JWKS
	// endpoint.
	ExternalJWKSURL string `env:"EXTERNAL_JWKS_URL"`

	// Storage selects the built-in storage backend: memory, redis, sqlite.
	Storage string `env:"STORAGE,default=memory"`

	// RedisAddr configures the redis storage kind.
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`

	// SQLitePath configures the sqlite storage kind. Empty means in-memory.
	SQLitePath string `env:"SQLITE_PATH"`

	// HeartbeatInterval is the idle interval between heartbeat frames on
	// open streams. Zero disables heartbeats.
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL,default=30s"`
}

// FromEnv populates a Config from the environment. Defaults are provided
// via struct tags. Malformed values (e.g. an unparseable duration) fail
// loudly rather than silently falling back to zero values; required-field
// validation is ours so the error messages name the variables operators
// actually set.
func FromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return Config{}, fmt.Errorf("gateway: decode environment: %w", err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.JWTSecret == "" && c.JWTSecretFile == "" {
		return fmt.Errorf("gateway: JWT_SECRET or JWT_SECRET_FILE is required")
	}
	if c.ProjectID == "" {
		return fmt.Errorf("gateway: PROJECT_ID is required")
	}
	return nil
}
