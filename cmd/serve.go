package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/designscan/internal/gateway"
	"github.com/sells-group/designscan/internal/model"
	"github.com/sells-group/designscan/internal/monitoring"
	"github.com/sells-group/designscan/internal/pipeline"
	"github.com/sells-group/designscan/internal/resilience"
)

// scanner runs one scan. *pipeline.Orchestrator satisfies it.
type scanner interface {
	ProcessWebsite(ctx context.Context, rawURL string, opts model.ScanOptions, onProgress model.ProgressSink) *pipeline.Result
}

// serverDeps are the pieces the HTTP handlers use. Any of them may be nil.
type serverDeps struct {
	Scanner   scanner
	Options   model.ScanOptions
	Breakers  *resilience.StrategyBreakers
	Cache     *gateway.Cache
	Recorder  *monitoring.Recorder
	Collector *monitoring.Collector
	Origins   []string
	Lookback  int
}

// scanRequest is the POST /scan body. Unset options keep the server defaults.
type scanRequest struct {
	URL                string   `json:"url"`
	IncludeInteractive *bool    `json:"include_interactive,omitempty"`
	IncludeCoverage    *bool    `json:"include_coverage,omitempty"`
	RunAudit           *bool    `json:"run_audit,omitempty"`
	BudgetUSD          *float64 `json:"budget_usd,omitempty"`
	QualityTarget      string   `json:"quality_target,omitempty"`
	Priority           string   `json:"priority,omitempty"`
}

func (r scanRequest) apply(opts model.ScanOptions) model.ScanOptions {
	if r.IncludeInteractive != nil {
		opts.IncludeInteractive = *r.IncludeInteractive
	}
	if r.IncludeCoverage != nil {
		opts.IncludeCoverage = *r.IncludeCoverage
	}
	if r.RunAudit != nil {
		opts.RunAudit = *r.RunAudit
	}
	if r.BudgetUSD != nil && *r.BudgetUSD >= 0 {
		opts.BudgetUSD = *r.BudgetUSD
	}
	if r.QualityTarget != "" {
		opts.QualityTarget = r.QualityTarget
	}
	if r.Priority != "" {
		opts.Priority = r.Priority
	}
	return opts
}

var (
	servePort int
	serveOpts scanFlags
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scan API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort > 0 {
			cfg.Server.Port = servePort
		}
		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close(ctx)

		recorder := monitoring.NewRecorder(0)
		collector := monitoring.NewCollector(recorder, env.DLQ, env.Breakers, env.Gateway)
		checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
		go checker.Run(ctx)

		handler := buildRouter(serverDeps{
			Scanner:   env.Orchestrator,
			Options:   serveOpts.options(cfg),
			Breakers:  env.Breakers,
			Cache:     env.Gateway,
			Recorder:  recorder,
			Collector: collector,
			Origins:   cfg.Server.AllowedOrigins,
			Lookback:  cfg.Monitoring.LookbackWindowHours,
		})

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

// buildRouter wires the API routes.
func buildRouter(deps serverDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	origins := deps.Origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", deps.health)
	r.Get("/breakers", deps.breakers)
	r.Get("/cache/stats", deps.cacheStats)
	r.Post("/scan", deps.scan)
	r.Post("/scan/stream", deps.scanStream)
	return r
}

func (d serverDeps) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if d.Collector != nil {
		lookback := d.Lookback
		if lookback <= 0 {
			lookback = 24
		}
		snap, err := d.Collector.Collect(r.Context(), lookback)
		if err != nil {
			zap.L().Warn("health: collect metrics", zap.Error(err))
			body["status"] = "degraded"
			body["error"] = err.Error()
		} else {
			if len(snap.OpenBreakers) > 0 {
				body["status"] = "degraded"
			}
			body["metrics"] = snap
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (d serverDeps) breakers(w http.ResponseWriter, _ *http.Request) {
	if d.Breakers == nil {
		writeJSON(w, http.StatusOK, []resilience.BreakerSnapshot{})
		return
	}
	writeJSON(w, http.StatusOK, d.Breakers.Snapshot())
}

func (d serverDeps) cacheStats(w http.ResponseWriter, _ *http.Request) {
	if d.Cache == nil {
		writeJSON(w, http.StatusOK, gateway.Stats{})
		return
	}
	writeJSON(w, http.StatusOK, d.Cache.Stats())
}

func (d serverDeps) decodeScan(w http.ResponseWriter, r *http.Request) (scanRequest, bool) {
	var req scanRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return req, false
	}
	if d.Scanner == nil {
		writeError(w, http.StatusServiceUnavailable, "scanner not configured")
		return req, false
	}
	return req, true
}

// scan runs the scan inside the request and returns the result. Degraded
// scans still answer 200 with success=false.
func (d serverDeps) scan(w http.ResponseWriter, r *http.Request) {
	req, ok := d.decodeScan(w, r)
	if !ok {
		return
	}
	res := d.Scanner.ProcessWebsite(r.Context(), req.URL, req.apply(d.Options), nil)
	d.record(res)
	writeJSON(w, http.StatusOK, res)
}

// scanStream writes progress snapshots as NDJSON lines, then the result.
func (d serverDeps) scanStream(w http.ResponseWriter, r *http.Request) {
	req, ok := d.decodeScan(w, r)
	if !ok {
		return
	}
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	// The progress sink runs on the dispatcher goroutine; the final write
	// happens after ProcessWebsite has closed it.
	events := make(chan model.Progress, 16)
	done := make(chan struct{})
	enc := json.NewEncoder(w)
	go func() {
		defer close(done)
		for p := range events {
			_ = enc.Encode(map[string]any{"type": "progress", "progress": p})
			if flusher != nil {
				flusher.Flush()
			}
		}
	}()

	res := d.Scanner.ProcessWebsite(r.Context(), req.URL, req.apply(d.Options), func(p model.Progress) {
		select {
		case events <- p:
		default:
		}
	})
	close(events)
	<-done
	d.record(res)
	_ = enc.Encode(map[string]any{"type": "result", "result": res})
	if flusher != nil {
		flusher.Flush()
	}
}

func (d serverDeps) record(res *pipeline.Result) {
	if d.Recorder != nil {
		d.Recorder.Record(res)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveOpts.register(serveCmd)
	rootCmd.AddCommand(serveCmd)
}
