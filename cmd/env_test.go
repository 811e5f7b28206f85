package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/designscan/internal/config"
	"github.com/sells-group/designscan/internal/extract"
	"github.com/sells-group/designscan/internal/store"
)

func TestEngineConfig(t *testing.T) {
	t.Parallel()
	def := extract.DefaultEngineConfig()

	ec := engineConfig(config.ExtractConfig{})
	assert.Equal(t, 0, ec.MaxRetries)
	assert.Equal(t, def.BackoffBase, ec.BackoffBase)
	assert.Equal(t, def.StrategyTimeout, ec.StrategyTimeout)
	assert.Equal(t, def.UserAgent, ec.UserAgent)
	assert.Empty(t, ec.Strategies)

	ec = engineConfig(config.ExtractConfig{
		MaxRetries:          4,
		BackoffBaseMs:       250,
		StrategyTimeoutSecs: 10,
		ScanTimeoutSecs:     60,
		UserAgent:           "designscan-test",
		Strategies:          []string{"static-css", "brand"},
	})
	assert.Equal(t, 4, ec.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, ec.BackoffBase)
	assert.Equal(t, 10*time.Second, ec.StrategyTimeout)
	assert.Equal(t, time.Minute, ec.ScanTimeout)
	assert.Equal(t, "designscan-test", ec.UserAgent)
	assert.Equal(t, []string{"static-css", "brand"}, ec.Strategies)
	assert.Equal(t, def.Viewports, ec.Viewports)
}

func TestDeadLetters(t *testing.T) {
	t.Parallel()
	assert.Nil(t, deadLetters(nil, config.BatchConfig{}))

	path := filepath.Join(t.TempDir(), "dlq.jsonl")
	dl := deadLetters(nil, config.BatchConfig{DLQPath: path})
	fq, ok := dl.(*store.FileDLQ)
	require.True(t, ok)
	assert.Equal(t, path, fq.Path())

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "designscan.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	assert.Same(t, st, deadLetters(st, config.BatchConfig{DLQPath: path}))
}

func TestLoadCatalog(t *testing.T) {
	t.Parallel()
	c, err := loadCatalog("")
	require.NoError(t, err)
	assert.Positive(t, c.Len())

	_, err = loadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load model catalog")
}

func TestScanEnvClose_NoStore(t *testing.T) {
	t.Parallel()
	(&scanEnv{}).Close(context.Background())
}
