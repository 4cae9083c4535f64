package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Embedding  EmbeddingConfig  `yaml:"embedding" mapstructure:"embedding"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Sweep      SweepConfig      `yaml:"sweep" mapstructure:"sweep"`
	Synthesis  SynthesisConfig  `yaml:"synthesis" mapstructure:"synthesis"`
	Publish    PublishConfig    `yaml:"publish" mapstructure:"publish"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port               int      `yaml:"port" mapstructure:"port"`
	RequestTimeoutSecs int      `yaml:"request_timeout_secs" mapstructure:"request_timeout_secs"`
	AllowedOrigins     []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// EmbeddingConfig configures the OpenAI-compatible embeddings endpoint.
// An empty BaseURL disables semantic dedup.
type EmbeddingConfig struct {
	BaseURL       string  `yaml:"base_url" mapstructure:"base_url"`
	Key           string  `yaml:"key" mapstructure:"key"`
	Model         string  `yaml:"model" mapstructure:"model"`
	Dimensions    int     `yaml:"dimensions" mapstructure:"dimensions"`
	TimeoutMs     int     `yaml:"timeout_ms" mapstructure:"timeout_ms"`
	RatePerSecond float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	Burst         int     `yaml:"burst" mapstructure:"burst"`
}

// Timeout returns the per-lookup embedding deadline.
func (c EmbeddingConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// AnthropicConfig holds Anthropic API settings. An empty Key disables
// model-written proposal titles.
type AnthropicConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	Model       string `yaml:"model" mapstructure:"model"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxTokens   int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// SweepConfig configures the batch proposal sweep.
type SweepConfig struct {
	Schedule             string `yaml:"schedule" mapstructure:"schedule"`
	MaxConcurrentTenants int    `yaml:"max_concurrent_tenants" mapstructure:"max_concurrent_tenants"`
	StuckAfterMins       int    `yaml:"stuck_after_mins" mapstructure:"stuck_after_mins"`
	ReplayDLQ            bool   `yaml:"replay_dlq" mapstructure:"replay_dlq"`
}

// SynthesisConfig bounds generated workflow graphs.
type SynthesisConfig struct {
	MaxNodes            int `yaml:"max_nodes" mapstructure:"max_nodes"`
	MaxRefineIterations int `yaml:"max_refine_iterations" mapstructure:"max_refine_iterations"`
}

// PublishConfig configures the workflow publisher. An empty WebhookURL
// publishes locally by minting workflow IDs.
type PublishConfig struct {
	WebhookURL  string `yaml:"webhook_url" mapstructure:"webhook_url"`
	Token       string `yaml:"token" mapstructure:"token"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// MonitoringConfig configures pipeline health alerts.
type MonitoringConfig struct {
	Enabled             bool    `yaml:"enabled" mapstructure:"enabled"`
	CheckIntervalSecs   int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	WebhookURL          string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	DLQDepthThreshold   int     `yaml:"dlq_depth_threshold" mapstructure:"dlq_depth_threshold"`
	VetoRateThreshold   float64 `yaml:"veto_rate_threshold" mapstructure:"veto_rate_threshold"`
	StuckPatternMins    int     `yaml:"stuck_pattern_mins" mapstructure:"stuck_pattern_mins"`
}

// RetryConfig controls backoff for transient database and HTTP errors.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig controls the embedding circuit breaker.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("EVOLVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_secs", 30)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimensions", 1536)
	v.SetDefault("embedding.timeout_ms", 3000)
	v.SetDefault("embedding.rate_per_second", 10.0)
	v.SetDefault("embedding.burst", 5)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.timeout_secs", 20)
	v.SetDefault("anthropic.max_tokens", 512)
	v.SetDefault("sweep.schedule", "@every 15m")
	v.SetDefault("sweep.max_concurrent_tenants", 4)
	v.SetDefault("sweep.stuck_after_mins", 30)
	v.SetDefault("sweep.replay_dlq", true)
	v.SetDefault("synthesis.max_nodes", 8)
	v.SetDefault("synthesis.max_refine_iterations", 3)
	v.SetDefault("publish.timeout_secs", 15)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.dlq_depth_threshold", 10)
	v.SetDefault("monitoring.veto_rate_threshold", 0.8)
	v.SetDefault("monitoring.stuck_pattern_mins", 60)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 200)
	v.SetDefault("retry.max_backoff_ms", 5000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)

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

// Validate checks process-level settings for the given mode ("serve",
// "sweep" or "cli"). Tenant thresholds and weights are validated where they
// are written, not here.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for postgres")
		}
	case "sqlite":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required (sqlite file path)")
		}
	default:
		errs = append(errs, fmt.Sprintf("unsupported store.driver %q", c.Store.Driver))
	}

	if c.Synthesis.MaxNodes < 3 || c.Synthesis.MaxNodes > 32 {
		errs = append(errs, fmt.Sprintf("synthesis.max_nodes must be between 3 and 32, got %d", c.Synthesis.MaxNodes))
	}
	if c.Synthesis.MaxRefineIterations < 1 {
		errs = append(errs, fmt.Sprintf("synthesis.max_refine_iterations must be >= 1, got %d", c.Synthesis.MaxRefineIterations))
	}
	if c.Embedding.BaseURL != "" && c.Embedding.Dimensions <= 0 {
		errs = append(errs, fmt.Sprintf("embedding.dimensions must be > 0, got %d", c.Embedding.Dimensions))
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		fallthrough
	case "sweep":
		if c.Sweep.MaxConcurrentTenants < 1 || c.Sweep.MaxConcurrentTenants > 64 {
			errs = append(errs, fmt.Sprintf("sweep.max_concurrent_tenants must be between 1 and 64, got %d", c.Sweep.MaxConcurrentTenants))
		}
	case "cli":
	default:
		errs = append(errs, fmt.Sprintf("unknown mode %q", mode))
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
