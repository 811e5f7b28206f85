package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/designscan/internal/ai"
	"github.com/sells-group/designscan/internal/config"
	"github.com/sells-group/designscan/internal/cost"
	"github.com/sells-group/designscan/internal/dedup"
	"github.com/sells-group/designscan/internal/extract"
	"github.com/sells-group/designscan/internal/fallback"
	"github.com/sells-group/designscan/internal/gateway"
	"github.com/sells-group/designscan/internal/models"
	"github.com/sells-group/designscan/internal/pipeline"
	"github.com/sells-group/designscan/internal/processor"
	"github.com/sells-group/designscan/internal/resilience"
	"github.com/sells-group/designscan/internal/store"
	anthropicpkg "github.com/sells-group/designscan/pkg/anthropic"
	"github.com/sells-group/designscan/pkg/browser"
	"github.com/sells-group/designscan/pkg/gemini"
)

// deadLetterStore is the queue the batch and serve commands read and count.
type deadLetterStore interface {
	pipeline.DeadLetterQueue
	CountDLQ(ctx context.Context) (int, error)
}

// scanEnv holds everything a scan needs. Store and DLQ may be nil.
type scanEnv struct {
	Store        store.Store
	Catalog      *models.Catalog
	Router       *ai.Router
	Gateway      *gateway.Cache
	Embeddings   *dedup.Cache
	Processor    *processor.Processor
	Engine       *extract.Engine
	Breakers     *resilience.StrategyBreakers
	Orchestrator *pipeline.Orchestrator
	DLQ          deadLetterStore
}

// Close waits for background audits, persists the caches and releases the
// store.
func (e *scanEnv) Close(ctx context.Context) {
	if e.Processor != nil {
		e.Processor.Wait()
	}
	if e.Store == nil {
		return
	}
	// Shutdown may run after the command context is canceled.
	ctx = context.WithoutCancel(ctx)
	if e.Gateway != nil {
		if n, err := e.Gateway.Snapshot(ctx, e.Store); err != nil {
			zap.L().Warn("gateway snapshot failed", zap.Error(err))
		} else {
			zap.L().Debug("gateway snapshot saved", zap.Int("entries", n))
		}
	}
	if e.Embeddings != nil {
		if err := e.Embeddings.Flush(ctx); err != nil {
			zap.L().Warn("embedding cache flush failed", zap.Error(err))
		}
	}
	_ = e.Store.Close()
}

// initEnv validates config for mode and wires the store, AI providers,
// extraction engine and orchestrator. Callers should defer env.Close.
func initEnv(ctx context.Context, mode string) (*scanEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	env := &scanEnv{Store: st}

	env.Catalog, err = loadCatalog(cfg.AI.CatalogPath)
	if err != nil {
		env.Close(ctx)
		return nil, err
	}
	calc := cost.NewCalculator(env.Catalog)

	env.Router = ai.NewRouter(env.Catalog)
	var embedder ai.Embedder = ai.NewHashEmbedder()
	if cfg.Anthropic.Key != "" {
		env.Router.Register("claude", ai.NewAnthropicCompleter(anthropicpkg.NewClient(cfg.Anthropic.Key), calc))
	}
	if cfg.Gemini.Key != "" {
		gc, err := gemini.NewClient(ctx, cfg.Gemini.Key, gemini.WithEmbeddingModel(cfg.Gemini.Model))
		if err != nil {
			env.Close(ctx)
			return nil, eris.Wrap(err, "init gemini")
		}
		env.Router.Register("gemini", ai.NewGeminiCompleter(gc, calc))
		embedder = gc
	}
	if len(env.Router.Families()) == 0 {
		zap.L().Warn("no AI provider key set, scans will return emergency token sets")
	} else {
		zap.L().Info("ai providers registered", zap.Strings("families", env.Router.Families()))
	}

	env.Gateway = gateway.New(gateway.ConfigFrom(cfg.Gateway))
	env.Embeddings = dedup.NewCache(st)
	if st != nil {
		if n, err := env.Gateway.Restore(ctx, st); err != nil {
			zap.L().Warn("gateway restore failed", zap.Error(err))
		} else {
			zap.L().Info("gateway cache restored", zap.Int("entries", n))
		}
		if n, err := env.Embeddings.Load(ctx); err != nil {
			zap.L().Warn("embedding cache load failed", zap.Error(err))
		} else {
			zap.L().Debug("embedding cache loaded", zap.Int("vectors", n))
		}
	}

	env.Processor = processor.New(
		processor.ConfigFrom(cfg.AI),
		env.Router,
		models.NewSelector(env.Catalog, models.NewHistory()),
		cost.NewOptimizer(),
		dedup.New(embedder, env.Embeddings, dedup.ConfigFrom(cfg.Dedup)),
		env.Gateway,
		processor.WithModelFilter(env.Router.Serves),
		processor.WithAuditCallback(logLateAudit),
	)

	engCfg := engineConfig(cfg.Extract)
	fetcher := extract.NewHTTPFetcher(extract.HTTPOptions{
		Timeout:    engCfg.StrategyTimeout,
		RatePerSec: cfg.Extract.HTTPRatePerSec,
		UserAgent:  engCfg.UserAgent,
	})
	collector := extract.NewCollector(fetcher, cfg.Extract.StylesheetConcurrency, cfg.Extract.MaxStylesheets)
	var browsers browser.Factory
	if cfg.Browser.Enabled {
		browsers = browser.NewFactory(browser.Config{
			Bin:       cfg.Browser.Bin,
			Headless:  cfg.Browser.Headless,
			NoSandbox: cfg.Browser.NoSandbox,
			Stealth:   cfg.Browser.Stealth,
			UserAgent: engCfg.UserAgent,
		})
	}
	env.Engine = extract.New(engCfg, collector, browsers)

	env.Breakers = resilience.NewStrategyBreakers(resilience.FromCircuitConfig(
		cfg.Fallback.BreakerThreshold, cfg.Fallback.BreakerWindowSecs, cfg.Fallback.BreakerCooldownSecs,
	))

	env.DLQ = deadLetters(st, cfg.Batch)
	opts := []pipeline.Option{
		pipeline.WithFallbackOptions(fallback.WithBackoffUnit(time.Duration(cfg.Fallback.BackoffUnitMs) * time.Millisecond)),
	}
	if env.DLQ != nil {
		opts = append(opts, pipeline.WithDeadLetters(env.DLQ))
	}
	env.Orchestrator = pipeline.New(pipeline.ConfigFrom(cfg.Batch), env.Engine, env.Processor, env.Breakers, opts...)

	zap.L().Info("scan environment ready",
		zap.Strings("strategies", env.Engine.Names()),
		zap.Bool("browser", browsers != nil),
		zap.Bool("store", st != nil),
	)
	return env, nil
}

func loadCatalog(path string) (*models.Catalog, error) {
	if path == "" {
		return models.DefaultCatalog(), nil
	}
	c, err := models.LoadCatalog(path)
	if err != nil {
		return nil, eris.Wrap(err, "load model catalog")
	}
	return c, nil
}

// engineConfig maps the extract config section over the engine defaults.
func engineConfig(c config.ExtractConfig) extract.EngineConfig {
	ec := extract.DefaultEngineConfig()
	if c.MaxRetries >= 0 {
		ec.MaxRetries = c.MaxRetries
	}
	if c.BackoffBaseMs > 0 {
		ec.BackoffBase = time.Duration(c.BackoffBaseMs) * time.Millisecond
	}
	if c.StrategyTimeoutSecs > 0 {
		ec.StrategyTimeout = time.Duration(c.StrategyTimeoutSecs) * time.Second
	}
	if c.ScanTimeoutSecs > 0 {
		ec.ScanTimeout = time.Duration(c.ScanTimeoutSecs) * time.Second
	}
	if c.UserAgent != "" {
		ec.UserAgent = c.UserAgent
	}
	ec.Strategies = c.Strategies
	return ec
}

// deadLetters picks the store's queue, or a JSONL file when there is no
// store. An empty dlq_path disables dead lettering.
func deadLetters(st store.Store, c config.BatchConfig) deadLetterStore {
	if st != nil {
		return st
	}
	if c.DLQPath == "" {
		return nil
	}
	return store.NewFileDLQ(c.DLQPath)
}

func logLateAudit(scanID string, r *processor.AuditResult) {
	if r.Error != "" {
		zap.L().Warn("late audit failed", zap.String("scan_id", scanID), zap.String("error", r.Error))
		return
	}
	zap.L().Info("late audit complete",
		zap.String("scan_id", scanID),
		zap.String("model", r.Model),
		zap.Float64("score", r.Score),
		zap.Float64("cost_usd", r.CostUSD),
	)
}
