package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, KDFPBKDF2, cfg.Security.KDFAlgorithm)
	assert.Equal(t, 1000, cfg.Security.KDFIterations)
	assert.Equal(t, 5*time.Minute, cfg.Security.DefaultSessionTimeout)
	assert.Equal(t, 5, cfg.Security.DefaultMaxAttempts)
	assert.Equal(t, "127.0.0.1:8787", cfg.GetServerAddress())
}

func TestLoadConfig_YAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "appsec.yaml")
	yamlDoc := `
environment: production
remote:
  base_url: https://api.example.test
security:
  kdf_iterations: 5000
storage:
  settings_backend: memory
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o600))
	t.Setenv("APPSEC_REMOTE_TOKEN", "token-from-env")
	t.Setenv("APPSEC_KDF_ITERATIONS", "2000")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "https://api.example.test", cfg.Remote.BaseURL)
	assert.Equal(t, "token-from-env", cfg.Remote.AuthToken)
	assert.Equal(t, 2000, cfg.Security.KDFIterations)
	assert.Equal(t, BackendMemory, cfg.Storage.SettingsBackend)
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, BackendSQLite, cfg.Storage.SettingsBackend)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"too few iterations", func(c *Config) { c.Security.KDFIterations = 999 }},
		{"too many iterations", func(c *Config) { c.Security.KDFIterations = MaxKDFIterations + 1 }},
		{"argon2 memory too large", func(c *Config) {
			c.Security.KDFAlgorithm = KDFArgon2id
			c.Security.Argon2MemoryCost = MaxArgon2MemoryCost + 1
		}},
		{"unknown kdf", func(c *Config) { c.Security.KDFAlgorithm = "md5" }},
		{"redis without url", func(c *Config) { c.Storage.SettingsBackend = BackendRedis }},
		{"kms without key", func(c *Config) { c.KMS.Enabled = true }},
		{"zero max attempts", func(c *Config) { c.Security.DefaultMaxAttempts = 0 }},
		{"unknown backend", func(c *Config) { c.Storage.SettingsBackend = "etcd" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
