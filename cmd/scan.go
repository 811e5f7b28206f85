package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/sells-group/designscan/internal/config"
	"github.com/sells-group/designscan/internal/model"
)

// scanFlags are the per-scan overrides shared by scan, batch and serve.
type scanFlags struct {
	interactive bool
	coverage    bool
	audit       bool
	budget      float64
	quality     string
	priority    string
}

func (f *scanFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.interactive, "interactive", false, "capture hover and focus states")
	cmd.Flags().BoolVar(&f.coverage, "coverage", false, "measure stylesheet coverage")
	cmd.Flags().BoolVar(&f.audit, "audit", false, "run the AI audit phase")
	cmd.Flags().Float64Var(&f.budget, "budget", 0, "AI budget in USD for one scan (default from config)")
	cmd.Flags().StringVar(&f.quality, "quality", "", "quality target: draft, standard, premium (default from config)")
	cmd.Flags().StringVar(&f.priority, "priority", "", "priority: low, normal, high (default from config)")
}

// options builds scan options from config, overridden by the flags set.
func (f *scanFlags) options(c *config.Config) model.ScanOptions {
	opts := model.ScanOptions{
		MaxStylesheets: c.Extract.MaxStylesheets,
		SettleTime:     time.Duration(c.Extract.SettleTimeMs) * time.Millisecond,
		BudgetUSD:      c.AI.BudgetUSD,
		AuditBudgetUSD: c.AI.AuditBudgetUSD,
		QualityTarget:  c.AI.QualityTarget,
		Priority:       c.AI.Priority,
		RunAudit:       c.AI.RunAudit || f.audit,

		IncludeInteractive: f.interactive,
		IncludeCoverage:    f.coverage,
	}
	if f.budget > 0 {
		opts.BudgetUSD = f.budget
	}
	if f.quality != "" {
		opts.QualityTarget = f.quality
	}
	if f.priority != "" {
		opts.Priority = f.priority
	}
	return opts
}

var (
	scanURL      string
	scanOut      string
	scanSelect   string
	scanProgress bool
	scanOpts     scanFlags
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan one website and print its design tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		if scanURL == "" {
			return eris.New("scan: --url is required")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "scan")
		if err != nil {
			return err
		}
		defer env.Close(ctx)

		var sink model.ProgressSink
		if scanProgress {
			sink = progressPrinter(os.Stderr)
		}
		res := env.Orchestrator.ProcessWebsite(ctx, scanURL, scanOpts.options(cfg), sink)

		zap.L().Info("scan complete",
			zap.String("url", res.URL),
			zap.Bool("success", res.Success),
			zap.String("status", string(res.ExtractionMetadata.Status)),
			zap.Float64("confidence", res.Confidence),
			zap.Float64("cost_usd", res.AIMetadata.TotalCostUSD),
		)

		doc, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return eris.Wrap(err, "scan: marshal result")
		}
		if scanSelect != "" {
			if doc, err = selectFields(doc, scanSelect); err != nil {
				return err
			}
		}
		if err := writeOutput(scanOut, doc); err != nil {
			return err
		}
		if !res.Success {
			return eris.Errorf("scan: %s", res.Error)
		}
		return nil
	},
}

// progressPrinter writes one line per progress snapshot.
func progressPrinter(w io.Writer) model.ProgressSink {
	return func(p model.Progress) {
		fmt.Fprintf(w, "[%3.0f%%] %-12s %s\n", p.OverallProgressPercent, p.Phase, p.CurrentStepLabel) //nolint:errcheck
	}
}

// selectFields keeps only the comma-separated gjson paths of doc.
func selectFields(doc []byte, paths string) ([]byte, error) {
	out := []byte("{}")
	for _, path := range strings.Split(paths, ",") {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		v := gjson.GetBytes(doc, path)
		if !v.Exists() {
			continue
		}
		var err error
		out, err = sjson.SetRawBytes(out, path, []byte(v.Raw))
		if err != nil {
			return nil, eris.Wrapf(err, "scan: select %s", path)
		}
	}
	return out, nil
}

// writeOutput writes doc to path, or stdout when path is empty or "-".
func writeOutput(path string, doc []byte) error {
	doc = append(doc, '\n')
	if path == "" || path == "-" {
		_, err := os.Stdout.Write(doc)
		return eris.Wrap(err, "write stdout")
	}
	return eris.Wrapf(os.WriteFile(path, doc, 0o644), "write %s", path) //nolint:gosec
}

func init() {
	scanCmd.Flags().StringVar(&scanURL, "url", "", "website URL to scan (required)")
	scanCmd.Flags().StringVar(&scanOut, "out", "", "write the result JSON to this file instead of stdout")
	scanCmd.Flags().StringVar(&scanSelect, "select", "", "comma-separated result paths to keep, e.g. token_set,confidence")
	scanCmd.Flags().BoolVar(&scanProgress, "progress", false, "print progress to stderr")
	scanOpts.register(scanCmd)
	rootCmd.AddCommand(scanCmd)
}
