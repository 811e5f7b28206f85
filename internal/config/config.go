package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Extract    ExtractConfig    `yaml:"extract" mapstructure:"extract"`
	Fallback   FallbackConfig   `yaml:"fallback" mapstructure:"fallback"`
	AI         AIConfig         `yaml:"ai" mapstructure:"ai"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Gemini     GeminiConfig     `yaml:"gemini" mapstructure:"gemini"`
	Dedup      DedupConfig      `yaml:"dedup" mapstructure:"dedup"`
	Gateway    GatewayConfig    `yaml:"gateway" mapstructure:"gateway"`
	Browser    BrowserConfig    `yaml:"browser" mapstructure:"browser"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// ExtractConfig configures the strategy engine.
type ExtractConfig struct {
	MaxRetries            int      `yaml:"max_retries" mapstructure:"max_retries"`
	BackoffBaseMs         int      `yaml:"backoff_base_ms" mapstructure:"backoff_base_ms"`
	StrategyTimeoutSecs   int      `yaml:"strategy_timeout_secs" mapstructure:"strategy_timeout_secs"`
	ScanTimeoutSecs       int      `yaml:"scan_timeout_secs" mapstructure:"scan_timeout_secs"`
	StylesheetConcurrency int      `yaml:"stylesheet_concurrency" mapstructure:"stylesheet_concurrency"`
	MaxStylesheets        int      `yaml:"max_stylesheets" mapstructure:"max_stylesheets"`
	SettleTimeMs          int      `yaml:"settle_time_ms" mapstructure:"settle_time_ms"`
	UserAgent             string   `yaml:"user_agent" mapstructure:"user_agent"`
	Strategies            []string `yaml:"strategies" mapstructure:"strategies"`
	HTTPRatePerSec        float64  `yaml:"http_rate_per_sec" mapstructure:"http_rate_per_sec"`
}

// FallbackConfig configures recovery rules and their circuit breakers.
type FallbackConfig struct {
	BreakerThreshold    int `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerWindowSecs   int `yaml:"breaker_window_secs" mapstructure:"breaker_window_secs"`
	BreakerCooldownSecs int `yaml:"breaker_cooldown_secs" mapstructure:"breaker_cooldown_secs"`
	BackoffUnitMs       int `yaml:"backoff_unit_ms" mapstructure:"backoff_unit_ms"`
}

// AIConfig configures the two-phase processor and model selection.
type AIConfig struct {
	CompressionThreshold int     `yaml:"compression_threshold" mapstructure:"compression_threshold"`
	CompressionTarget    float64 `yaml:"compression_target" mapstructure:"compression_target"`
	BudgetUSD            float64 `yaml:"budget_usd" mapstructure:"budget_usd"`
	AuditBudgetUSD       float64 `yaml:"audit_budget_usd" mapstructure:"audit_budget_usd"`
	AuditWaitSecs        int     `yaml:"audit_wait_secs" mapstructure:"audit_wait_secs"`
	RunAudit             bool    `yaml:"run_audit" mapstructure:"run_audit"`
	QualityTarget        string  `yaml:"quality_target" mapstructure:"quality_target"`
	Priority             string  `yaml:"priority" mapstructure:"priority"`
	CatalogPath          string  `yaml:"catalog_path" mapstructure:"catalog_path"`
	MaxRepairAttempts    int     `yaml:"max_repair_attempts" mapstructure:"max_repair_attempts"`
	MaxOutputTokens      int     `yaml:"max_output_tokens" mapstructure:"max_output_tokens"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key string `yaml:"key" mapstructure:"key"`
}

// GeminiConfig holds Gemini embedding settings.
type GeminiConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// DedupConfig configures embedding deduplication.
type DedupConfig struct {
	BatchSize    int   `yaml:"batch_size" mapstructure:"batch_size"`
	Concurrency  int   `yaml:"concurrency" mapstructure:"concurrency"`
	BatchDelayMs int   `yaml:"batch_delay_ms" mapstructure:"batch_delay_ms"`
	Seed         int64 `yaml:"seed" mapstructure:"seed"`
}

// GatewayConfig configures the response cache.
type GatewayConfig struct {
	Version             string         `yaml:"version" mapstructure:"version"`
	SimilarityThreshold float64        `yaml:"similarity_threshold" mapstructure:"similarity_threshold"`
	TTLMinutes          map[string]int `yaml:"ttl_minutes" mapstructure:"ttl_minutes"`
	MaxEntries          int            `yaml:"max_entries" mapstructure:"max_entries"`
}

// BrowserConfig configures the headless browser.
type BrowserConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	Bin       string `yaml:"bin" mapstructure:"bin"`
	Headless  bool   `yaml:"headless" mapstructure:"headless"`
	NoSandbox bool   `yaml:"no_sandbox" mapstructure:"no_sandbox"`
	Stealth   bool   `yaml:"stealth" mapstructure:"stealth"`
}

// StoreConfig configures the cache snapshot backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// BatchConfig configures multi-URL processing.
type BatchConfig struct {
	Concurrency int    `yaml:"concurrency" mapstructure:"concurrency"`
	DelayMs     int    `yaml:"delay_ms" mapstructure:"delay_ms"`
	DLQPath     string `yaml:"dlq_path" mapstructure:"dlq_path"`
	MaxRetries  int    `yaml:"max_retries" mapstructure:"max_retries"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitoringConfig configures scan health alerts in serve mode.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	CostThresholdUSD     float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	DLQDepthThreshold    int     `yaml:"dlq_depth_threshold" mapstructure:"dlq_depth_threshold"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("DESIGNSCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("extract.max_retries", 2)
	v.SetDefault("extract.backoff_base_ms", 1000)
	v.SetDefault("extract.strategy_timeout_secs", 30)
	v.SetDefault("extract.scan_timeout_secs", 180)
	v.SetDefault("extract.stylesheet_concurrency", 6)
	v.SetDefault("extract.max_stylesheets", 40)
	v.SetDefault("extract.settle_time_ms", 1500)
	v.SetDefault("extract.user_agent", "Mozilla/5.0 (compatible; designscan/1.0)")
	v.SetDefault("extract.http_rate_per_sec", 8.0)

	v.SetDefault("fallback.breaker_threshold", 5)
	v.SetDefault("fallback.breaker_window_secs", 300)
	v.SetDefault("fallback.breaker_cooldown_secs", 300)
	v.SetDefault("fallback.backoff_unit_ms", 1000)

	v.SetDefault("ai.compression_threshold", 200000)
	v.SetDefault("ai.compression_target", 0.5)
	v.SetDefault("ai.budget_usd", 0.50)
	v.SetDefault("ai.audit_budget_usd", 0.25)
	v.SetDefault("ai.audit_wait_secs", 5)
	v.SetDefault("ai.quality_target", "standard")
	v.SetDefault("ai.priority", "normal")
	v.SetDefault("ai.max_repair_attempts", 3)
	v.SetDefault("ai.max_output_tokens", 8192)

	v.SetDefault("gemini.model", "text-embedding-004")

	v.SetDefault("dedup.batch_size", 32)
	v.SetDefault("dedup.concurrency", 4)
	v.SetDefault("dedup.batch_delay_ms", 100)
	v.SetDefault("dedup.seed", 42)

	v.SetDefault("gateway.version", "v1")
	v.SetDefault("gateway.similarity_threshold", 0.85)
	v.SetDefault("gateway.max_entries", 5000)
	v.SetDefault("gateway.ttl_minutes", map[string]int{
		"organize": 24 * 60,
		"dedup":    12 * 60,
		"audit":    6 * 60,
		"repair":   60,
		"default":  60,
	})

	v.SetDefault("browser.enabled", true)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.stealth", true)

	v.SetDefault("store.driver", "none")
	v.SetDefault("batch.concurrency", 3)
	v.SetDefault("batch.delay_ms", 2000)
	v.SetDefault("batch.dlq_path", "designscan-dlq.jsonl")
	v.SetDefault("batch.max_retries", 3)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.cost_threshold_usd", 25.0)
	v.SetDefault("monitoring.dlq_depth_threshold", 50)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks the settings a command mode depends on.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "scan", "batch":
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "", "none":
	case "sqlite", "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, fmt.Sprintf("store.database_url is required for driver %s", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}

	if c.Batch.Concurrency < 1 || c.Batch.Concurrency > 20 {
		errs = append(errs, "batch.concurrency must be between 1 and 20")
	}
	if c.Extract.StylesheetConcurrency < 1 {
		errs = append(errs, "extract.stylesheet_concurrency must be >= 1")
	}
	if c.Gateway.SimilarityThreshold < 0 || c.Gateway.SimilarityThreshold > 1 {
		errs = append(errs, "gateway.similarity_threshold must be between 0 and 1")
	}
	if c.AI.BudgetUSD < 0 || c.AI.AuditBudgetUSD < 0 {
		errs = append(errs, "ai budgets must be >= 0")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
