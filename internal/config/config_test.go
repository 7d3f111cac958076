package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent of testing.T.Chdir, added in Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	oldwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(oldwd) })
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("RESUMEVAULT_TOKEN_SECRET", testSecret)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.AppPort)
	assert.Equal(t, "postgres", cfg.LedgerBackend)
	assert.Equal(t, 2, cfg.Policy.ViewCap)
	assert.Equal(t, 5*time.Minute, cfg.Policy.TokenTTL)
	assert.Equal(t, time.Hour, cfg.Sweep.Interval)
	assert.Zero(t, cfg.Sweep.RetentionWindow)
	assert.Equal(t, "local", cfg.Sweep.Lock)
	assert.Equal(t, int64(512<<20), cfg.Storage.MaxUploadBytes)
	assert.Zero(t, cfg.HTTP.WriteTimeout)
}

func TestLoadOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("RESUMEVAULT_TOKEN_SECRET", testSecret)
	t.Setenv("RESUMEVAULT_LEDGER_BACKEND", "REDIS")
	t.Setenv("RESUMEVAULT_SWEEP_LOCK", "redis")
	t.Setenv("RESUMEVAULT_VIEW_CAP", "3")
	t.Setenv("RESUMEVAULT_RETENTION_WINDOW", "720h")
	t.Setenv("RESUMEVAULT_STORAGE_PROVIDER", "minio")
	t.Setenv("RESUMEVAULT_STORAGE_ENDPOINT", "localhost:9000")
	t.Setenv("RESUMEVAULT_REUSE_LIVE_GRANT", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.LedgerBackend)
	assert.Equal(t, "redis", cfg.Sweep.Lock)
	assert.Equal(t, 3, cfg.Policy.ViewCap)
	assert.Equal(t, 720*time.Hour, cfg.Sweep.RetentionWindow)
	assert.Equal(t, "minio", cfg.Storage.Provider)
	assert.True(t, cfg.Policy.ReuseLiveGrant)
}

func TestLoadRejectsMissingSecret(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("RESUMEVAULT_TOKEN_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TokenSecret")
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			AppPort:       8080,
			LogLevel:      "info",
			LedgerBackend: "memory",
			Policy:        PolicyConfig{ViewCap: 2, TokenTTL: time.Minute, TokenSecret: testSecret, TokenIssuer: "rv"},
			Sweep:         SweepConfig{Interval: time.Minute, Lock: "local", LockTTL: time.Minute, DeleteTimeout: time.Second},
			Storage:       StorageConfig{Provider: "memory", StreamURLTTL: time.Minute, MaxUploadBytes: 1},
			HTTP:          HTTPConfig{AccessRatePerMin: 1, AccessBurst: 1},
		}
	}

	require.NoError(t, valid().Validate())

	tests := map[string]func(*Config){
		"zero cap":           func(c *Config) { c.Policy.ViewCap = 0 },
		"unknown ledger":     func(c *Config) { c.LedgerBackend = "sqlite" },
		"postgres no url":    func(c *Config) { c.LedgerBackend = "postgres" },
		"redis lock no addr": func(c *Config) { c.Sweep.Lock = "redis" },
		"s3 no bucket":       func(c *Config) { c.Storage.Provider = "s3" },
		"minio no endpoint":  func(c *Config) { c.Storage.Provider = "minio"; c.Storage.ObjectStore.Bucket = "b" },
		"bad log level":      func(c *Config) { c.LogLevel = "trace" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
