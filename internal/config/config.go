// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Chunking  ChunkingConfig  `mapstructure:"chunking"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Vector    VectorConfig    `mapstructure:"vector"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Query     QueryConfig     `mapstructure:"query"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig selects the zap encoder and minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// CrawlerConfig governs workers, fetching, and crawl boundary defaults.
type CrawlerConfig struct {
	Workers        int           `mapstructure:"workers"`
	QueueDepth     int           `mapstructure:"queue_depth"`
	Fetcher        string        `mapstructure:"fetcher"`
	UserAgent      string        `mapstructure:"user_agent"`
	RespectRobots  bool          `mapstructure:"respect_robots"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxPages       int           `mapstructure:"max_pages"`
	MaxDepth       int           `mapstructure:"max_depth"`
	Delay          time.Duration `mapstructure:"delay"`
	MaxFailures    int           `mapstructure:"max_failures"`
	FetchAttempts  int           `mapstructure:"fetch_attempts"`
}

// HeadlessConfig configures the chromedp fetcher and auto promotion.
type HeadlessConfig struct {
	MaxParallel int           `mapstructure:"max_parallel"`
	NavTimeout  time.Duration `mapstructure:"nav_timeout"`
	// PromotionThreshold is the body size under which script-heavy pages
	// fetched by the auto fetcher are re-rendered headless.
	PromotionThreshold int `mapstructure:"promotion_threshold"`
}

// ChunkingConfig sets the chunk size and overlap in characters.
type ChunkingConfig struct {
	Size    int `mapstructure:"size"`
	Overlap int `mapstructure:"overlap"`
}

// EmbeddingConfig selects and tunes the embedding capability.
type EmbeddingConfig struct {
	Provider    string `mapstructure:"provider"`
	Host        string `mapstructure:"host"`
	Model       string `mapstructure:"model"`
	Dimensions  int    `mapstructure:"dimensions"`
	Concurrency int    `mapstructure:"concurrency"`
	MaxAttempts int    `mapstructure:"max_attempts"`
}

// LLMConfig configures the OpenAI-compatible generation endpoint.
type LLMConfig struct {
	Host        string  `mapstructure:"host"`
	Model       string  `mapstructure:"model"`
	APIKey      string  `mapstructure:"api_key"`
	Temperature float64 `mapstructure:"temperature"`
}

// VectorConfig selects the vector index backend.
type VectorConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

// StorageConfig selects the document store backend.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
	DSN     string `mapstructure:"dsn"`
	Table   string `mapstructure:"table"`
}

// QueryConfig bounds retrieval.
type QueryConfig struct {
	DefaultTopK int  `mapstructure:"default_top_k"`
	MaxTopK     int  `mapstructure:"max_top_k"`
	Rewrite     bool `mapstructure:"rewrite"`
}

// PipelineConfig controls stage chaining.
type PipelineConfig struct {
	AutoEmbed bool `mapstructure:"auto_embed"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SITERAG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("crawler.workers", 2)
	v.SetDefault("crawler.queue_depth", 64)
	v.SetDefault("crawler.fetcher", "colly")
	v.SetDefault("crawler.user_agent", "siterag-bot/0.1")
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.request_timeout", "15s")
	v.SetDefault("crawler.max_pages", 50)
	v.SetDefault("crawler.max_depth", 3)
	v.SetDefault("crawler.delay", "500ms")
	v.SetDefault("crawler.max_failures", 10)
	v.SetDefault("crawler.fetch_attempts", 3)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout", "30s")
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("chunking.size", 1000)
	v.SetDefault("chunking.overlap", 200)
	v.SetDefault("embedding.provider", "openai")
	v.SetDefault("embedding.host", "http://localhost:11434/v1")
	v.SetDefault("embedding.model", "nomic-embed-text")
	v.SetDefault("embedding.dimensions", 256)
	v.SetDefault("embedding.concurrency", 4)
	v.SetDefault("embedding.max_attempts", 3)
	v.SetDefault("llm.host", "http://localhost:11434/v1")
	v.SetDefault("llm.model", "llama3.1")
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("vector.backend", "memory")
	v.SetDefault("vector.path", "data/vectors")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.dir", "data/sessions")
	v.SetDefault("storage.prefix", "sessions")
	v.SetDefault("storage.table", "session_documents")
	v.SetDefault("query.default_top_k", 10)
	v.SetDefault("query.max_top_k", 50)
	v.SetDefault("query.rewrite", true)
	v.SetDefault("pipeline.auto_embed", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be > 0")
	}
	if c.Crawler.QueueDepth <= 0 {
		return fmt.Errorf("crawler.queue_depth must be > 0")
	}
	switch c.Crawler.Fetcher {
	case "colly":
	case "headless", "auto":
		if c.Headless.MaxParallel <= 0 {
			return fmt.Errorf("headless.max_parallel must be > 0 when crawler.fetcher is %s", c.Crawler.Fetcher)
		}
	default:
		return fmt.Errorf("crawler.fetcher must be colly, headless, or auto, got %q", c.Crawler.Fetcher)
	}
	if c.Crawler.MaxPages <= 0 {
		return fmt.Errorf("crawler.max_pages must be > 0")
	}
	if c.Crawler.MaxDepth < 0 {
		return fmt.Errorf("crawler.max_depth must be >= 0")
	}
	if c.Crawler.Delay < 0 {
		return fmt.Errorf("crawler.delay must be >= 0")
	}
	if c.Crawler.MaxFailures < 0 {
		return fmt.Errorf("crawler.max_failures must be >= 0")
	}
	if c.Crawler.FetchAttempts <= 0 {
		return fmt.Errorf("crawler.fetch_attempts must be > 0")
	}
	if c.Chunking.Size <= 0 {
		return fmt.Errorf("chunking.size must be > 0")
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.Size {
		return fmt.Errorf("chunking.overlap must be >= 0 and < chunking.size")
	}
	if err := c.validateEmbedding(); err != nil {
		return err
	}
	if err := c.validateBackends(); err != nil {
		return err
	}
	if c.Query.DefaultTopK <= 0 || c.Query.MaxTopK < c.Query.DefaultTopK {
		return fmt.Errorf("query.default_top_k must be > 0 and <= query.max_top_k")
	}
	return nil
}

func (c Config) validateEmbedding() error {
	switch c.Embedding.Provider {
	case "openai":
		if c.Embedding.Model == "" {
			return fmt.Errorf("embedding.model is required for the openai provider")
		}
	case "hash":
		if c.Embedding.Dimensions <= 0 {
			return fmt.Errorf("embedding.dimensions must be > 0 for the hash provider")
		}
	default:
		return fmt.Errorf("embedding.provider must be openai or hash, got %q", c.Embedding.Provider)
	}
	if c.Embedding.Concurrency <= 0 {
		return fmt.Errorf("embedding.concurrency must be > 0")
	}
	if c.Embedding.MaxAttempts <= 0 {
		return fmt.Errorf("embedding.max_attempts must be > 0")
	}
	return nil
}

func (c Config) validateBackends() error {
	switch c.Vector.Backend {
	case "memory":
	case "badger":
		if c.Vector.Path == "" {
			return fmt.Errorf("vector.path is required for the badger backend")
		}
	default:
		return fmt.Errorf("vector.backend must be memory or badger, got %q", c.Vector.Backend)
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.Dir == "" {
			return fmt.Errorf("storage.dir is required for the local backend")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the gcs backend")
		}
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend must be memory, local, gcs, or postgres, got %q", c.Storage.Backend)
	}
	return nil
}
