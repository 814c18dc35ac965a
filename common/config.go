// Package common holds process-wide setup shared by the binaries: logging,
// version and configuration loading.
package common

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/ruteri/identity-recovery-backend/interfaces"
)

const (
	EnvironmentProduction  = "production"
	EnvironmentDevelopment = "development"
)

// Config is the server configuration. Values come from defaults, then the
// TOML file, then environment variables, then explicit command line flags.
type Config struct {
	Identity    string `toml:"identity" env:"IDENTITY"`
	OwnerEmail  string `toml:"owner_email" env:"OWNER_EMAIL"`
	OwnerToken  string `toml:"owner_token" env:"OWNER_TOKEN"`
	Environment string `toml:"environment" env:"ENVIRONMENT"`

	// BaseURL is the public URL verification links point at.
	BaseURL string `toml:"base_url" env:"BASE_URL"`

	ListenAddr  string `toml:"listen_addr" env:"LISTEN_ADDR"`
	MetricsAddr string `toml:"metrics_addr" env:"METRICS_ADDR"`

	// Storage is a record store URI, e.g. badger:///var/lib/recovery.
	Storage string `toml:"storage" env:"STORAGE"`

	Peer     PeerConfig     `toml:"peer" envPrefix:"PEER_"`
	Email    EmailConfig    `toml:"email" envPrefix:"EMAIL_"`
	Verifier VerifierConfig `toml:"verifier" envPrefix:"VERIFIER_"`
	Jobs     JobsConfig     `toml:"jobs" envPrefix:"JOBS_"`
	Outbox   OutboxConfig   `toml:"outbox" envPrefix:"OUTBOX_"`
}

type PeerConfig struct {
	KeyFile       string        `toml:"key_file" env:"KEY_FILE"`
	DirectoryFile string        `toml:"directory_file" env:"DIRECTORY_FILE"`
	ResolverAddr  string        `toml:"resolver_addr" env:"RESOLVER_ADDR"`
	ResolverCache int           `toml:"resolver_cache" env:"RESOLVER_CACHE"`
	ResolverTTL   time.Duration `toml:"resolver_ttl" env:"RESOLVER_TTL"`
	Timeout       time.Duration `toml:"timeout" env:"TIMEOUT"`
}

type EmailConfig struct {
	Enabled   bool          `toml:"enabled" env:"ENABLED"`
	SESRegion string        `toml:"ses_region" env:"SES_REGION"`
	Sender    string        `toml:"sender" env:"SENDER"`
	NonceTTL  time.Duration `toml:"nonce_ttl" env:"NONCE_TTL"`
}

type VerifierConfig struct {
	Parallelism int           `toml:"parallelism" env:"PARALLELISM"`
	Timeout     time.Duration `toml:"timeout" env:"TIMEOUT"`
}

type JobsConfig struct {
	Workers     int           `toml:"workers" env:"WORKERS"`
	MaxAttempts int           `toml:"max_attempts" env:"MAX_ATTEMPTS"`
	Backoff     time.Duration `toml:"backoff" env:"BACKOFF"`
	Retention   time.Duration `toml:"retention" env:"RETENTION"`
}

type OutboxConfig struct {
	MaxAttempts int           `toml:"max_attempts" env:"MAX_ATTEMPTS"`
	Backoff     time.Duration `toml:"backoff" env:"BACKOFF"`
}

// DefaultConfig returns a development configuration backed by process memory.
func DefaultConfig() Config {
	return Config{
		Environment: EnvironmentDevelopment,
		ListenAddr:  "127.0.0.1:8080",
		MetricsAddr: "127.0.0.1:8090",
		Storage:     "memory://",
		Peer: PeerConfig{
			ResolverAddr:  "1.1.1.1:53",
			ResolverCache: 1024,
			ResolverTTL:   5 * time.Minute,
			Timeout:       10 * time.Second,
		},
		Email: EmailConfig{
			SESRegion: "us-east-1",
			NonceTTL:  time.Hour,
		},
		Verifier: VerifierConfig{
			Parallelism: 4,
			Timeout:     10 * time.Second,
		},
		Jobs: JobsConfig{
			Workers:     4,
			MaxAttempts: 5,
			Backoff:     30 * time.Second,
			Retention:   24 * time.Hour,
		},
		Outbox: OutboxConfig{
			MaxAttempts: 10,
			Backoff:     30 * time.Second,
		},
	}
}

// LoadConfig reads the optional TOML file at path and applies environment
// overrides prefixed with envPrefix.
func LoadConfig(path, envPrefix string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.Environment = strings.ToLower(strings.TrimSpace(cfg.Environment))
	return cfg, nil
}

// Production reports whether fail-closed behavior is required.
func (c Config) Production() bool {
	return c.Environment == EnvironmentProduction
}

// Validate checks the settings the server cannot start without.
func (c Config) Validate() error {
	var errs []error
	if _, err := interfaces.NewIdentityAddress(c.Identity); err != nil {
		errs = append(errs, fmt.Errorf("identity: %w", err))
	}
	switch c.Environment {
	case EnvironmentProduction, EnvironmentDevelopment:
	default:
		errs = append(errs, fmt.Errorf("%w: unknown environment %q", interfaces.ErrValidation, c.Environment))
	}
	if c.OwnerToken == "" {
		errs = append(errs, fmt.Errorf("%w: owner token is required", interfaces.ErrValidation))
	}
	if c.Peer.KeyFile == "" {
		errs = append(errs, fmt.Errorf("%w: peer key file is required", interfaces.ErrValidation))
	}
	if c.Email.Enabled && c.Email.Sender == "" {
		errs = append(errs, fmt.Errorf("%w: email sender is required when email is enabled", interfaces.ErrValidation))
	}
	if c.Production() && c.BaseURL == "" {
		errs = append(errs, fmt.Errorf("%w: base URL is required in production", interfaces.ErrValidation))
	}
	return errors.Join(errs...)
}
