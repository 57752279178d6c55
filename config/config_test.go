package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ruteri/tee-attested-wallet/interfaces"
	"github.com/ruteri/tee-attested-wallet/tee"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
listen_addr: 0.0.0.0:9000
namespace: acme
environment: production
tee:
  backend: dstack
  endpoint: unix:///run/tappd.sock
  request_timeout: 5s
database:
  dsn: postgres://wallet@localhost/wallet?sslmode=disable
verification:
  primary:
    endpoint: https://verify.example/upload
    url_base: https://verify.example/reports
    api_key: secret
  secondary:
    endpoint: https://explorer.example/api/upload
    url_base: https://explorer.example/reports
  max_attempts: 5
  base_delay: 500ms
storage:
  locations:
    - file:///var/lib/wallet/attestations
    - s3://attestations/prod?region=eu-west-1
rate_limit:
  rps: 2
  burst: 4
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wallet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddr)
	assert.Equal(t, DefaultMetricsAddr, cfg.MetricsAddr, "unset keys keep their defaults")
	assert.Equal(t, "acme", cfg.Namespace)
	assert.Equal(t, interfaces.EnvironmentProduction, cfg.Environment)
	assert.Equal(t, 5*time.Second, cfg.TEE.RequestTimeout)
	assert.Equal(t, "secret", cfg.Verification.Primary.APIKey)
	assert.True(t, cfg.Verification.Secondary.Enabled())
	assert.Len(t, cfg.Storage.Locations, 2)

	policy := cfg.Verification.RetryPolicy()
	assert.Equal(t, 5, policy.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, policy.BaseDelay)
	assert.Equal(t, 2.0, policy.Multiplier)
	assert.Equal(t, 30*time.Second, policy.AttemptTimeout)

	assert.Equal(t, 2.0, cfg.RateLimit.RequestsPerSecond)
	assert.Equal(t, 10*time.Minute, cfg.RateLimit.IdleTTL)

	require.NoError(t, cfg.Validate())
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "tee: [not, a, map]"))
	assert.Error(t, err)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Verification.Primary = ServiceConfig{Endpoint: "https://verify.example/upload", URLBase: "https://verify.example/r"}
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		target error
	}{
		{
			name:   "simulator in production",
			mutate: func(c *Config) { c.Environment = interfaces.EnvironmentProduction; c.Database.DSN = "postgres://x"; c.TEE.Backend = tee.BackendSimulator; c.TEE.SimulatorSeedHex = "00" },
			target: tee.ErrInsecureBackend,
		},
		{
			name:   "in-memory store in production",
			mutate: func(c *Config) { c.Environment = interfaces.EnvironmentProduction },
			target: ErrInMemoryInProduction,
		},
		{
			name:   "missing namespace",
			mutate: func(c *Config) { c.Namespace = " " },
			target: ErrMissingNamespace,
		},
		{
			name:   "unknown environment",
			mutate: func(c *Config) { c.Environment = "staging" },
			target: ErrInvalidEnvironment,
		},
		{
			name:   "missing primary service",
			mutate: func(c *Config) { c.Verification.Primary = ServiceConfig{} },
			target: ErrMissingPrimaryService,
		},
		{
			name:   "secondary without url base",
			mutate: func(c *Config) { c.Verification.Secondary = ServiceConfig{Endpoint: "https://explorer.example"} },
		},
		{
			name:   "zero attempts",
			mutate: func(c *Config) { c.Verification.MaxAttempts = 0 },
		},
		{
			name:   "bad storage location",
			mutate: func(c *Config) { c.Storage.Locations = []string{"ftp://example.com"} },
		},
		{
			name:   "namespace with slash",
			mutate: func(c *Config) { c.Namespace = "a/b" },
		},
		{
			name:   "simulator without seed",
			mutate: func(c *Config) { c.TEE.Backend = tee.BackendSimulator },
		},
		{
			name:   "rate limit without burst",
			mutate: func(c *Config) { c.RateLimit.Burst = 0 },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			if tt.target != nil {
				assert.ErrorIs(t, err, tt.target)
			}
		})
	}
}

func TestTEEBackendConfig(t *testing.T) {
	cfg := Default()
	cfg.TEE.Backend = tee.BackendSimulator
	cfg.TEE.SimulatorSeedHex = "ab"

	tc := cfg.TEEBackendConfig()
	assert.Equal(t, tee.BackendSimulator, tc.Backend)
	assert.Equal(t, interfaces.EnvironmentDevelopment, tc.Environment)
	assert.Equal(t, "ab", tc.SimulatorSeedHex)
}
