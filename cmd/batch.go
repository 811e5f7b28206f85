package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/designscan/internal/pipeline"
)

// urlRow is one row of a batch CSV. Other columns are ignored.
type urlRow struct {
	URL string `csv:"url"`
}

var (
	batchFile       string
	batchOut        string
	batchRetryDLQ   bool
	batchRetryLimit int
	batchOpts       scanFlags
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Scan a list of websites",
	Long:  "Scans every URL in --file (a CSV with a url column, or one URL per line) and writes one JSON result per line. With --retry-dlq, rescans due entries from the dead letter queue instead.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if batchFile == "" && !batchRetryDLQ {
			return eris.New("batch: --file or --retry-dlq is required")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var urls []string
		if batchFile != "" {
			var err error
			if urls, err = readURLs(batchFile); err != nil {
				return err
			}
			if len(urls) == 0 {
				zap.L().Info("batch: no urls to scan", zap.String("file", batchFile))
				return nil
			}
		}

		env, err := initEnv(ctx, "batch")
		if err != nil {
			return err
		}
		defer env.Close(ctx)

		start := time.Now()
		opts := batchOpts.options(cfg)
		var results []*pipeline.Result
		if batchRetryDLQ {
			if env.DLQ == nil {
				return eris.New("batch: no dead letter queue configured")
			}
			results, err = env.Orchestrator.RetryDeadLetters(ctx, env.DLQ, batchRetryLimit, opts, nil)
		} else {
			results, err = env.Orchestrator.ProcessBatch(ctx, urls, opts, nil)
		}
		if err != nil {
			return err
		}

		n, err := writeResults(batchOut, results)
		if err != nil {
			return err
		}
		summary := pipeline.Summarize(results)
		fmt.Fprintln(os.Stderr, summaryLine(summary, time.Since(start), batchOut, n)) //nolint:errcheck
		return nil
	},
}

// readURLs reads a CSV with a url column when path ends in .csv, otherwise
// one URL per line. Blank lines and # comments are skipped.
func readURLs(path string) ([]string, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, eris.Wrapf(err, "batch: read %s", path)
	}

	var raw []string
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		var rows []urlRow
		if err := csvutil.Unmarshal(data, &rows); err != nil {
			return nil, eris.Wrapf(err, "batch: parse %s", path)
		}
		for _, r := range rows {
			raw = append(raw, r.URL)
		}
	} else {
		sc := bufio.NewScanner(bytes.NewReader(data))
		for sc.Scan() {
			raw = append(raw, sc.Text())
		}
		if err := sc.Err(); err != nil {
			return nil, eris.Wrapf(err, "batch: scan %s", path)
		}
	}

	urls := make([]string, 0, len(raw))
	for _, u := range raw {
		u = strings.TrimSpace(u)
		if u == "" || strings.HasPrefix(u, "#") {
			continue
		}
		urls = append(urls, u)
	}
	return urls, nil
}

// writeResults writes one JSON line per started scan and returns the bytes
// written.
func writeResults(path string, results []*pipeline.Result) (int, error) {
	var w io.Writer = os.Stdout
	if path != "" && path != "-" {
		f, err := os.Create(path) //nolint:gosec
		if err != nil {
			return 0, eris.Wrapf(err, "batch: create %s", path)
		}
		defer f.Close() //nolint:errcheck
		w = f
	}

	cw := &countingWriter{w: bufio.NewWriter(w)}
	enc := json.NewEncoder(cw)
	for _, r := range results {
		if r == nil {
			continue
		}
		if err := enc.Encode(r); err != nil {
			return cw.n, eris.Wrap(err, "batch: encode result")
		}
	}
	return cw.n, eris.Wrap(cw.w.Flush(), "batch: flush results")
}

type countingWriter struct {
	w *bufio.Writer
	n int
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += n
	return n, err
}

func summaryLine(s pipeline.BatchSummary, took time.Duration, out string, written int) string {
	line := fmt.Sprintf("%s succeeded, %s failed, $%.4f AI cost, %s",
		humanize.Comma(int64(s.Succeeded)), humanize.Comma(int64(s.Failed)),
		s.TotalCostUSD, took.Round(time.Second))
	if out != "" && out != "-" {
		line += fmt.Sprintf(", %s written to %s", humanize.Bytes(uint64(written)), out) //nolint:gosec
	}
	return line
}

func init() {
	batchCmd.Flags().StringVar(&batchFile, "file", "", "CSV (url column) or text file of URLs")
	batchCmd.Flags().StringVar(&batchOut, "out", "", "write JSONL results to this file instead of stdout")
	batchCmd.Flags().BoolVar(&batchRetryDLQ, "retry-dlq", false, "rescan due entries from the dead letter queue")
	batchCmd.Flags().IntVar(&batchRetryLimit, "retry-limit", 50, "maximum dead letters to retry")
	batchOpts.register(batchCmd)
	rootCmd.AddCommand(batchCmd)
}
