// Package config loads the wallet server configuration from an optional YAML
// file. Command line flags are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/ruteri/tee-attested-wallet/interfaces"
	"github.com/ruteri/tee-attested-wallet/tee"
	"github.com/ruteri/tee-attested-wallet/verification"
)

const (
	DefaultListenAddr  = "127.0.0.1:8080"
	DefaultMetricsAddr = "127.0.0.1:8090"
	DefaultNamespace   = "default"
)

var (
	ErrMissingNamespace      = errors.New("namespace is required")
	ErrMissingPrimaryService = errors.New("verification.primary.endpoint and verification.primary.url_base are required")
	ErrInvalidEnvironment    = errors.New("environment must be development or production")
	ErrInMemoryInProduction  = errors.New("database.dsn is required in production")
)

type Config struct {
	ListenAddr  string `koanf:"listen_addr"`
	MetricsAddr string `koanf:"metrics_addr"`

	// Namespace scopes key derivation. Changing it changes every address.
	Namespace   string                 `koanf:"namespace"`
	Environment interfaces.Environment `koanf:"environment"`

	TEE          TEEConfig          `koanf:"tee"`
	Database     DatabaseConfig     `koanf:"database"`
	Verification VerificationConfig `koanf:"verification"`
	Storage      StorageConfig      `koanf:"storage"`
	RateLimit    RateLimitConfig    `koanf:"rate_limit"`
}

type TEEConfig struct {
	Backend        string        `koanf:"backend"`
	Endpoint       string        `koanf:"endpoint"`
	RequestTimeout time.Duration `koanf:"request_timeout"`

	SimulatorSeedHex     string `koanf:"simulator_seed"`
	SimulatorAttestation string `koanf:"simulator_attestation"`
}

type DatabaseConfig struct {
	// DSN of the Postgres database. Empty selects the in-memory store.
	DSN string `koanf:"dsn"`
}

type ServiceConfig struct {
	Endpoint string `koanf:"endpoint"`
	URLBase  string `koanf:"url_base"`
	APIKey   string `koanf:"api_key"`
}

func (s ServiceConfig) Enabled() bool {
	return s.Endpoint != ""
}

type VerificationConfig struct {
	Primary   ServiceConfig `koanf:"primary"`
	Secondary ServiceConfig `koanf:"secondary"`

	MaxAttempts    int           `koanf:"max_attempts"`
	BaseDelay      time.Duration `koanf:"base_delay"`
	Multiplier     float64       `koanf:"multiplier"`
	AttemptTimeout time.Duration `koanf:"attempt_timeout"`
}

// RetryPolicy returns the primary upload retry policy.
func (v VerificationConfig) RetryPolicy() verification.RetryPolicy {
	return verification.RetryPolicy{
		MaxAttempts:    v.MaxAttempts,
		BaseDelay:      v.BaseDelay,
		Multiplier:     v.Multiplier,
		AttemptTimeout: v.AttemptTimeout,
	}
}

type StorageConfig struct {
	// Locations are artifact archive URIs. Empty disables archiving.
	Locations []string `koanf:"locations"`
}

type RateLimitConfig struct {
	// RequestsPerSecond per user. Zero disables rate limiting.
	RequestsPerSecond float64       `koanf:"rps"`
	Burst             int           `koanf:"burst"`
	IdleTTL           time.Duration `koanf:"idle_ttl"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	policy := verification.DefaultRetryPolicy()
	return &Config{
		ListenAddr:  DefaultListenAddr,
		MetricsAddr: DefaultMetricsAddr,
		Namespace:   DefaultNamespace,
		Environment: interfaces.EnvironmentDevelopment,
		TEE: TEEConfig{
			Backend:        tee.BackendDstack,
			Endpoint:       tee.DefaultDstackEndpoint,
			RequestTimeout: 10 * time.Second,
		},
		Verification: VerificationConfig{
			MaxAttempts:    policy.MaxAttempts,
			BaseDelay:      policy.BaseDelay,
			Multiplier:     policy.Multiplier,
			AttemptTimeout: policy.AttemptTimeout,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 5,
			Burst:             10,
			IdleTTL:           10 * time.Minute,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the configuration for consistency. All problems are
// reported at once.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Namespace) == "" {
		errs = append(errs, ErrMissingNamespace)
	} else if strings.Contains(c.Namespace, "/") {
		errs = append(errs, fmt.Errorf("namespace %q must not contain '/'", c.Namespace))
	}

	switch c.Environment {
	case interfaces.EnvironmentDevelopment, interfaces.EnvironmentProduction:
	default:
		errs = append(errs, ErrInvalidEnvironment)
	}

	switch c.TEE.Backend {
	case tee.BackendDstack:
		if c.TEE.Endpoint == "" {
			errs = append(errs, errors.New("tee.endpoint is required for the dstack backend"))
		}
	case tee.BackendSimulator:
		if c.Environment.IsProduction() {
			errs = append(errs, tee.ErrInsecureBackend)
		}
		if c.TEE.SimulatorSeedHex == "" {
			errs = append(errs, errors.New("tee.simulator_seed is required for the simulator backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown tee.backend %q", c.TEE.Backend))
	}

	if c.Environment.IsProduction() && c.Database.DSN == "" {
		errs = append(errs, ErrInMemoryInProduction)
	}

	if c.Verification.Primary.Endpoint == "" || c.Verification.Primary.URLBase == "" {
		errs = append(errs, ErrMissingPrimaryService)
	}
	if c.Verification.Secondary.Enabled() && c.Verification.Secondary.URLBase == "" {
		errs = append(errs, errors.New("verification.secondary.url_base is required when the secondary service is enabled"))
	}
	if err := c.Verification.RetryPolicy().Validate(); err != nil {
		errs = append(errs, err)
	}

	for _, uri := range c.Storage.Locations {
		if _, err := interfaces.NewStorageBackendLocation(uri); err != nil {
			errs = append(errs, fmt.Errorf("storage location %q: %w", uri, err))
		}
	}

	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate_limit values must not be negative"))
	}
	if c.RateLimit.RequestsPerSecond > 0 && c.RateLimit.Burst == 0 {
		errs = append(errs, errors.New("rate_limit.burst must be positive when rate limiting is enabled"))
	}

	return errors.Join(errs...)
}

// TEEBackendConfig returns the configuration passed to tee.New.
func (c *Config) TEEBackendConfig() tee.Config {
	return tee.Config{
		Backend:              c.TEE.Backend,
		Environment:          c.Environment,
		Endpoint:             c.TEE.Endpoint,
		RequestTimeout:       c.TEE.RequestTimeout,
		SimulatorSeedHex:     c.TEE.SimulatorSeedHex,
		SimulatorAttestation: c.TEE.SimulatorAttestation,
	}
}
