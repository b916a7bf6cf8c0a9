// Package config loads the service configuration from pagecite.yaml with
// environment overrides for credentials and bootstrap values.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the service.
type Config struct {
	Service    ServiceConfig    `json:"service" yaml:"service" mapstructure:"service"`
	Database   DatabaseConfig   `json:"database" yaml:"database" mapstructure:"database"`
	Redis      RedisConfig      `json:"redis" yaml:"redis" mapstructure:"redis"`
	Blob       BlobConfig       `json:"blob" yaml:"blob" mapstructure:"blob"`
	Embeddings EmbeddingsConfig `json:"embeddings" yaml:"embeddings" mapstructure:"embeddings"`
	Generation GenerationConfig `json:"generation" yaml:"generation" mapstructure:"generation"`
	Retrieval  RetrievalConfig  `json:"retrieval" yaml:"retrieval" mapstructure:"retrieval"`
	Registry   RegistryConfig   `json:"registry" yaml:"registry" mapstructure:"registry"`
	Ingest     IngestConfig     `json:"ingest" yaml:"ingest" mapstructure:"ingest"`
	RateLimits RateLimitsConfig `json:"rate_limits" yaml:"rate_limits" mapstructure:"rate_limits"`
	Auth       AuthConfig       `json:"auth" yaml:"auth" mapstructure:"auth"`
	Tracing    TracingConfig    `json:"tracing" yaml:"tracing" mapstructure:"tracing"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging" mapstructure:"logging"`
}

// ServiceConfig contains HTTP server settings.
type ServiceConfig struct {
	Port            int           `json:"port" yaml:"port" mapstructure:"port"`
	GracefulTimeout time.Duration `json:"graceful_timeout" yaml:"graceful_timeout" mapstructure:"graceful_timeout"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout" mapstructure:"read_timeout"`
	AllowedOrigins  []string      `json:"allowed_origins" yaml:"allowed_origins" mapstructure:"allowed_origins"`

	// DefaultDocument is the landing document served by /api/documents when
	// no selector is given.
	DefaultDocument string `json:"default_document" yaml:"default_document" mapstructure:"default_document"`
}

// DatabaseConfig contains catalog store settings.
type DatabaseConfig struct {
	URL             string        `json:"url" yaml:"url" mapstructure:"url"`
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	LogQueueSize    int           `json:"log_queue_size" yaml:"log_queue_size" mapstructure:"log_queue_size"`
	LogWorkers      int           `json:"log_workers" yaml:"log_workers" mapstructure:"log_workers"`
}

// RedisConfig contains cache settings. Redis is optional; the embedding
// cache degrades to in-process LRU only when the URL is empty.
type RedisConfig struct {
	URL      string        `json:"url" yaml:"url" mapstructure:"url"`
	CacheTTL time.Duration `json:"cache_ttl" yaml:"cache_ttl" mapstructure:"cache_ttl"`
}

// BlobConfig contains blob storage access settings.
type BlobConfig struct {
	URL        string        `json:"url" yaml:"url" mapstructure:"url"`
	ServiceKey string        `json:"service_key" yaml:"service_key" mapstructure:"service_key"`
	Bucket     string        `json:"bucket" yaml:"bucket" mapstructure:"bucket"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
}

// EmbeddingsConfig contains embedding provider settings.
type EmbeddingsConfig struct {
	OpenAIAPIKey  string        `json:"openai_api_key" yaml:"openai_api_key" mapstructure:"openai_api_key"`
	OpenAIBaseURL string        `json:"openai_base_url" yaml:"openai_base_url" mapstructure:"openai_base_url"`
	RemoteModel   string        `json:"remote_model" yaml:"remote_model" mapstructure:"remote_model"`
	LocalURL      string        `json:"local_url" yaml:"local_url" mapstructure:"local_url"`
	LocalModel    string        `json:"local_model" yaml:"local_model" mapstructure:"local_model"`
	Timeout       time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
	MaxAttempts   int           `json:"max_attempts" yaml:"max_attempts" mapstructure:"max_attempts"`
	CacheSize     int           `json:"cache_size" yaml:"cache_size" mapstructure:"cache_size"`
	CacheSweep    time.Duration `json:"cache_sweep" yaml:"cache_sweep" mapstructure:"cache_sweep"`
	CacheIdleMax  time.Duration `json:"cache_idle_max" yaml:"cache_idle_max" mapstructure:"cache_idle_max"`
}

// GenerationConfig contains LLM provider settings.
type GenerationConfig struct {
	OpenAIAPIKey    string        `json:"openai_api_key" yaml:"openai_api_key" mapstructure:"openai_api_key"`
	OpenAIBaseURL   string        `json:"openai_base_url" yaml:"openai_base_url" mapstructure:"openai_base_url"`
	AnthropicAPIKey string        `json:"anthropic_api_key" yaml:"anthropic_api_key" mapstructure:"anthropic_api_key"`
	DefaultModel    string        `json:"default_model" yaml:"default_model" mapstructure:"default_model"`
	MaxTokens       int           `json:"max_tokens" yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature     float64       `json:"temperature" yaml:"temperature" mapstructure:"temperature"`
	AttemptTimeout  time.Duration `json:"attempt_timeout" yaml:"attempt_timeout" mapstructure:"attempt_timeout"`
	MaxAttempts     int           `json:"max_attempts" yaml:"max_attempts" mapstructure:"max_attempts"`
}

// RetrievalConfig contains chunk selection tunables. These are hot-reloadable.
type RetrievalConfig struct {
	DefaultLimit      int `json:"default_limit" yaml:"default_limit" mapstructure:"default_limit"`
	MaxPerDocument    int `json:"max_per_document" yaml:"max_per_document" mapstructure:"max_per_document"`
	MaxTotalChunks    int `json:"max_total_chunks" yaml:"max_total_chunks" mapstructure:"max_total_chunks"`
	MaxDocsPerRequest int `json:"max_docs_per_request" yaml:"max_docs_per_request" mapstructure:"max_docs_per_request"`
}

// RegistryConfig contains document registry settings.
type RegistryConfig struct {
	RefreshInterval time.Duration `json:"refresh_interval" yaml:"refresh_interval" mapstructure:"refresh_interval"`
	LoadTimeout     time.Duration `json:"load_timeout" yaml:"load_timeout" mapstructure:"load_timeout"`
}

// IngestConfig contains ingestion pipeline settings.
type IngestConfig struct {
	MaxUploadBytes    int64         `json:"max_upload_bytes" yaml:"max_upload_bytes" mapstructure:"max_upload_bytes"`
	ExtractionTimeout time.Duration `json:"extraction_timeout" yaml:"extraction_timeout" mapstructure:"extraction_timeout"`
	ChunkTokens       int           `json:"chunk_tokens" yaml:"chunk_tokens" mapstructure:"chunk_tokens"`
	ChunkOverlap      int           `json:"chunk_overlap" yaml:"chunk_overlap" mapstructure:"chunk_overlap"`
	EmbedBatchSize    int           `json:"embed_batch_size" yaml:"embed_batch_size" mapstructure:"embed_batch_size"`
	EmbedParallelism  int           `json:"embed_parallelism" yaml:"embed_parallelism" mapstructure:"embed_parallelism"`
	SummaryChunks     int           `json:"summary_chunks" yaml:"summary_chunks" mapstructure:"summary_chunks"`
	SummaryCharBudget int           `json:"summary_char_budget" yaml:"summary_char_budget" mapstructure:"summary_char_budget"`
	SummaryModel      string        `json:"summary_model" yaml:"summary_model" mapstructure:"summary_model"`
}

// RateLimitsConfig caps outbound calls per provider. A missing provider
// entry means no pacing.
type RateLimitsConfig struct {
	Providers map[string]ProviderLimit `json:"providers" yaml:"providers" mapstructure:"providers"`
}

// ProviderLimit is a per-minute request and token budget.
type ProviderLimit struct {
	RPM int `json:"rpm" yaml:"rpm" mapstructure:"rpm"`
	TPM int `json:"tpm" yaml:"tpm" mapstructure:"tpm"`
}

// AuthConfig contains identity adapter settings.
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret" mapstructure:"jwt_secret"`
	Issuer    string `json:"issuer" yaml:"issuer" mapstructure:"issuer"`
}

// TracingConfig contains OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool    `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	OTLPEndpoint string  `json:"otlp_endpoint" yaml:"otlp_endpoint" mapstructure:"otlp_endpoint"`
	SampleRate   float64 `json:"sample_rate" yaml:"sample_rate" mapstructure:"sample_rate"`
}

// LoggingConfig contains log output settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" mapstructure:"level"`
	Format string `json:"format" yaml:"format" mapstructure:"format"`
}

// Default returns the configuration defaults applied before file and env
// values are merged in.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Port:            8080,
			GracefulTimeout: 30 * time.Second,
			ReadTimeout:     30 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			LogQueueSize:    1000,
			LogWorkers:      2,
		},
		Redis: RedisConfig{
			CacheTTL: time.Hour,
		},
		Blob: BlobConfig{
			Bucket:  "documents",
			Timeout: 60 * time.Second,
		},
		Embeddings: EmbeddingsConfig{
			RemoteModel:  "text-embedding-3-small",
			LocalURL:     "http://localhost:11434",
			LocalModel:   "all-minilm",
			Timeout:      30 * time.Second,
			MaxAttempts:  3,
			CacheSize:    2048,
			CacheSweep:   60 * time.Minute,
			CacheIdleMax: 60 * time.Minute,
		},
		Generation: GenerationConfig{
			DefaultModel:   "gpt-4o-mini",
			MaxTokens:      2048,
			Temperature:    0.2,
			AttemptTimeout: 30 * time.Second,
			MaxAttempts:    3,
		},
		Retrieval: RetrievalConfig{
			DefaultLimit:      40,
			MaxPerDocument:    100,
			MaxTotalChunks:    200,
			MaxDocsPerRequest: 5,
		},
		Registry: RegistryConfig{
			RefreshInterval: 120 * time.Second,
			LoadTimeout:     30 * time.Second,
		},
		Ingest: IngestConfig{
			MaxUploadBytes:    50 << 20,
			ExtractionTimeout: 30 * time.Second,
			ChunkTokens:       500,
			ChunkOverlap:      100,
			EmbedBatchSize:    50,
			EmbedParallelism:  2,
			SummaryChunks:     30,
			SummaryCharBudget: 24000,
			SummaryModel:      "gpt-4o-mini",
		},
		RateLimits: RateLimitsConfig{
			Providers: map[string]ProviderLimit{
				"openai":    {RPM: 300, TPM: 150000},
				"anthropic": {RPM: 100, TPM: 80000},
			},
		},
		Auth: AuthConfig{
			Issuer: "pagecite",
		},
		Tracing: TracingConfig{
			SampleRate: 1.0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads pagecite.yaml from CONFIG_PATH (default ./config/pagecite.yaml)
// and applies environment overrides. A missing file is not an error; env and
// defaults alone can run the service.
func Load() (*Config, error) {
	cfg := Default()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config/pagecite.yaml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(underlying(err)) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// LoadFile reads a specific config file path with env overrides applied.
// Used by the watcher on change events.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config %s: %w", path, err)
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Service.Port = p
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("BLOB_STORE_URL"); v != "" {
		cfg.Blob.URL = v
	}
	if v := os.Getenv("BLOB_STORE_SERVICE_KEY"); v != "" {
		cfg.Blob.ServiceKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Embeddings.OpenAIAPIKey = v
		cfg.Generation.OpenAIAPIKey = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Generation.AnthropicAPIKey = v
	}
	if v := os.Getenv("LOCAL_EMBEDDING_URL"); v != "" {
		cfg.Embeddings.LocalURL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.OTLPEndpoint = v
		cfg.Tracing.Enabled = true
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
}

// Validate checks that required credentials are present. The service refuses
// to start without them.
func (c *Config) Validate() error {
	var missing []string
	if c.Database.URL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.Embeddings.OpenAIAPIKey == "" {
		missing = append(missing, "OPENAI_API_KEY")
	}
	if c.Blob.URL == "" {
		missing = append(missing, "BLOB_STORE_URL")
	}
	if c.Blob.ServiceKey == "" {
		missing = append(missing, "BLOB_STORE_SERVICE_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if c.Ingest.ChunkOverlap >= c.Ingest.ChunkTokens {
		return fmt.Errorf("ingest.chunk_overlap (%d) must be smaller than ingest.chunk_tokens (%d)",
			c.Ingest.ChunkOverlap, c.Ingest.ChunkTokens)
	}
	return nil
}

func underlying(err error) error {
	type unwrapper interface{ Unwrap() error }
	for {
		u, ok := err.(unwrapper)
		if !ok {
			return err
		}
		next := u.Unwrap()
		if next == nil {
			return err
		}
		err = next
	}
}
