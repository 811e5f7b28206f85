package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// inTempDir runs the test from an empty directory so only the config.yaml it
// writes is picked up.
func inTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestLoadDefaults(t *testing.T) {
	inTempDir(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "none", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Batch.Concurrency)
	assert.Equal(t, 2000, cfg.Batch.DelayMs)
	assert.Equal(t, 2, cfg.Extract.MaxRetries)
	assert.Equal(t, 6, cfg.Extract.StylesheetConcurrency)
	assert.Equal(t, 30, cfg.Extract.StrategyTimeoutSecs)
	assert.Equal(t, 5, cfg.Fallback.BreakerThreshold)
	assert.Equal(t, 300, cfg.Fallback.BreakerWindowSecs)
	assert.Equal(t, 300, cfg.Fallback.BreakerCooldownSecs)
	assert.Equal(t, 200000, cfg.AI.CompressionThreshold)
	assert.Equal(t, 3, cfg.AI.MaxRepairAttempts)
	assert.Equal(t, "standard", cfg.AI.QualityTarget)
	assert.Equal(t, 32, cfg.Dedup.BatchSize)
	assert.Equal(t, 4, cfg.Dedup.Concurrency)
	assert.Equal(t, "text-embedding-004", cfg.Gemini.Model)
	assert.InDelta(t, 0.85, cfg.Gateway.SimilarityThreshold, 0.001)
	assert.Equal(t, 1440, cfg.Gateway.TTLMinutes["organize"])
	assert.Equal(t, 720, cfg.Gateway.TTLMinutes["dedup"])
	assert.Equal(t, 360, cfg.Gateway.TTLMinutes["audit"])
	assert.Equal(t, 60, cfg.Gateway.TTLMinutes["repair"])
	assert.True(t, cfg.Browser.Headless)
}

func TestLoadFromYAML(t *testing.T) {
	dir := inTempDir(t)

	yaml := `
store:
  driver: sqlite
  database_url: designscan.db
log:
  level: debug
  format: console
server:
  port: 9090
batch:
  concurrency: 5
extract:
  strategies: [static-css, css-variables]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "designscan.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Batch.Concurrency)
	assert.Equal(t, []string{"static-css", "css-variables"}, cfg.Extract.Strategies)
	// Defaults still apply for unset values
	assert.Equal(t, 6, cfg.Extract.StylesheetConcurrency)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := inTempDir(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("DESIGNSCAN_STORE_DRIVER", "postgres")
	t.Setenv("DESIGNSCAN_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	inTempDir(t)

	t.Setenv("DESIGNSCAN_SERVER_PORT", "3000")
	t.Setenv("DESIGNSCAN_AI_BUDGET_USD", "1.25")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.InDelta(t, 1.25, cfg.AI.BudgetUSD, 0.0001)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Batch.Concurrency = 3
	cfg.Extract.StylesheetConcurrency = 6
	cfg.Gateway.SimilarityThreshold = 0.85
	cfg.Server.Port = 8080
	cfg.Store.Driver = "none"
	return cfg
}

func TestValidateScan_Defaults(t *testing.T) {
	assert.NoError(t, validDefaults().Validate("scan"))
}

func TestValidateStore(t *testing.T) {
	tests := []struct {
		name    string
		driver  string
		url     string
		wantErr string
	}{
		{name: "none", driver: "none"},
		{name: "empty", driver: ""},
		{name: "sqlite with url", driver: "sqlite", url: "file:designscan.db"},
		{name: "sqlite missing url", driver: "sqlite", wantErr: "store.database_url is required"},
		{name: "postgres missing url", driver: "postgres", wantErr: "store.database_url is required"},
		{name: "unknown driver", driver: "mongo", wantErr: "not supported"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validDefaults()
			cfg.Store.Driver = tt.driver
			cfg.Store.DatabaseURL = tt.url
			err := cfg.Validate("batch")
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidateConcurrencyBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Batch.Concurrency = 0
	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "batch.concurrency must be between 1 and 20")

	cfg.Batch.Concurrency = 21
	assert.Error(t, cfg.Validate("serve"))

	cfg.Batch.Concurrency = 20
	assert.NoError(t, cfg.Validate("serve"))
}

func TestValidateSimilarityThreshold(t *testing.T) {
	cfg := validDefaults()
	cfg.Gateway.SimilarityThreshold = 1.5

	err := cfg.Validate("scan")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "similarity_threshold")
}
