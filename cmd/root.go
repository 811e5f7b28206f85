package main

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/designscan/internal/config"
)

var (
	cfg      *config.Config
	rootOpts rootFlags
)

// rootFlags override config values for a single invocation.
type rootFlags struct {
	logLevel    string
	logFormat   string
	scanTimeout time.Duration
	concurrency int
	dlqPath     string
}

func bindRootFlags(cmd *cobra.Command, f *rootFlags) {
	pf := cmd.PersistentFlags()
	pf.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error (default from config)")
	pf.StringVar(&f.logFormat, "log-format", "", "log format: json or console (default from config)")
	pf.DurationVar(&f.scanTimeout, "scan-timeout", 0, "overall deadline for one website scan (default from config)")
	pf.IntVar(&f.concurrency, "concurrency", 0, "websites scanned in parallel by batch runs (default from config)")
	pf.StringVar(&f.dlqPath, "dlq-path", "", "dead letter file used when no database is configured")
}

// apply copies the flags the user actually set onto c.
func (f *rootFlags) apply(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		c.Log.Level = f.logLevel
	}
	if flags.Changed("log-format") {
		c.Log.Format = f.logFormat
	}
	if flags.Changed("scan-timeout") {
		c.Extract.ScanTimeoutSecs = int(f.scanTimeout.Round(time.Second) / time.Second)
	}
	if flags.Changed("concurrency") {
		c.Batch.Concurrency = f.concurrency
	}
	if flags.Changed("dlq-path") {
		c.Batch.DLQPath = f.dlqPath
	}
}

var rootCmd = &cobra.Command{
	Use:          "designscan",
	Short:        "Design token extraction for websites",
	Long:         "Scans websites with layered extraction strategies, recovers failed strategies through fallbacks, and organizes the resulting design tokens with AI models.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "designscan: load config")
		}
		rootOpts.apply(cmd, c)
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "designscan: init logger")
		}
		zap.L().Debug("designscan: config loaded",
			zap.String("command", cmd.Name()),
			zap.Int("scan_timeout_secs", cfg.Extract.ScanTimeoutSecs),
			zap.Int("batch_concurrency", cfg.Batch.Concurrency),
		)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func init() {
	bindRootFlags(rootCmd, &rootOpts)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
