package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/designscan/internal/config"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"scan", "batch", "serve", "models", "cache"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "designscan", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestRootCommand_PersistentFlags(t *testing.T) {
	for _, name := range []string{"log-level", "log-format", "scan-timeout", "concurrency", "dlq-path"} {
		assert.NotNil(t, rootCmd.PersistentFlags().Lookup(name), "root should have --%s", name)
	}
}

func TestRootFlags_ApplyOnlyChanged(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		check func(t *testing.T, c *config.Config)
	}{
		{
			name: "nothing set keeps config",
			args: nil,
			check: func(t *testing.T, c *config.Config) {
				assert.Equal(t, 180, c.Extract.ScanTimeoutSecs)
				assert.Equal(t, 3, c.Batch.Concurrency)
				assert.Equal(t, "info", c.Log.Level)
			},
		},
		{
			name: "scan timeout and concurrency",
			args: []string{"--scan-timeout=45s", "--concurrency=7"},
			check: func(t *testing.T, c *config.Config) {
				assert.Equal(t, 45, c.Extract.ScanTimeoutSecs)
				assert.Equal(t, 7, c.Batch.Concurrency)
				assert.Equal(t, "info", c.Log.Level)
			},
		},
		{
			name: "logging and dlq",
			args: []string{"--log-level=debug", "--log-format=console", "--dlq-path=/tmp/dead.jsonl"},
			check: func(t *testing.T, c *config.Config) {
				assert.Equal(t, "debug", c.Log.Level)
				assert.Equal(t, "console", c.Log.Format)
				assert.Equal(t, "/tmp/dead.jsonl", c.Batch.DLQPath)
				assert.Equal(t, 180, c.Extract.ScanTimeoutSecs)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f rootFlags
			cmd := &cobra.Command{Use: "designscan-test"}
			bindRootFlags(cmd, &f)
			require.NoError(t, cmd.ParseFlags(tt.args))

			c := &config.Config{
				Extract: config.ExtractConfig{ScanTimeoutSecs: 180},
				Batch:   config.BatchConfig{Concurrency: 3},
				Log:     config.LogConfig{Level: "info", Format: "json"},
			}
			f.apply(cmd, c)
			tt.check(t, c)
		})
	}
}

func TestScanCommand_Flags(t *testing.T) {
	for _, name := range []string{"url", "out", "select", "progress", "interactive", "coverage", "audit", "budget", "quality", "priority"} {
		assert.NotNil(t, scanCmd.Flags().Lookup(name), "scan should have --%s", name)
	}
}

func TestBatchCommand_Flags(t *testing.T) {
	flag := batchCmd.Flags().Lookup("retry-limit")
	require.NotNil(t, flag)
	assert.Equal(t, "50", flag.DefValue)

	for _, name := range []string{"file", "out", "retry-dlq"} {
		assert.NotNil(t, batchCmd.Flags().Lookup(name), "batch should have --%s", name)
	}
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestModelsAndCache_HaveSubcommands(t *testing.T) {
	tests := []struct {
		parent   string
		children []string
	}{
		{"models", []string{"list", "recommend"}},
		{"cache", []string{"prune", "stats"}},
	}
	for _, tt := range tests {
		cmd, _, err := rootCmd.Find([]string{tt.parent})
		require.NoError(t, err)
		names := make(map[string]bool)
		for _, c := range cmd.Commands() {
			names[c.Name()] = true
		}
		for _, child := range tt.children {
			assert.True(t, names[child], "%s should have subcommand %q", tt.parent, child)
		}
	}
}
