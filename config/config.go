package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the monitoring pipeline.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP API settings.
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// MonitorConfig controls the monitor daemon schedule.
type MonitorConfig struct {
	Schedule string        `mapstructure:"schedule"` // @daily, @hourly or 5-field cron
	Tick     time.Duration `mapstructure:"tick"`
}

// LLMConfig contains the OpenAI-compatible endpoint configuration for both
// completion models and the embedding model.
type LLMConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	TriageModel    string        `mapstructure:"triage_model"`
	AnalysisModel  string        `mapstructure:"analysis_model"`
	EmbeddingModel string        `mapstructure:"embedding_model"`
	AgentName      string        `mapstructure:"agent_name"`
	Temperature    float64       `mapstructure:"temperature"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
}

func (l LLMConfig) Validate() error {
	if strings.TrimSpace(l.BaseURL) == "" {
		return fmt.Errorf("llm.base_url is required")
	}
	if strings.TrimSpace(l.APIKey) == "" {
		return fmt.Errorf("llm.api_key is required")
	}
	if strings.TrimSpace(l.TriageModel) == "" || strings.TrimSpace(l.AnalysisModel) == "" {
		return fmt.Errorf("llm.triage_model and llm.analysis_model are required")
	}
	return nil
}

// PipelineConfig holds tunables for the snapshot/change/insight pipeline.
type PipelineConfig struct {
	MinCleanTextLen      int           `mapstructure:"min_clean_text_len"`
	MaxCleanTextChars    int           `mapstructure:"max_clean_text_chars"`
	ChunkSizeChars       int           `mapstructure:"chunk_size_chars"`
	ChunkOverlapChars    int           `mapstructure:"chunk_overlap_chars"`
	DeltaMaxChars        int           `mapstructure:"delta_max_chars"`
	EmbeddingDimensions  int           `mapstructure:"embedding_dimensions"`
	BatchLimit           int           `mapstructure:"batch_limit"`
	RelevanceThreshold   int           `mapstructure:"relevance_threshold"`
	Pacing               time.Duration `mapstructure:"pacing"`
	Workers              int           `mapstructure:"workers"`
	FetchTimeout         time.Duration `mapstructure:"fetch_timeout"`
	Fetcher              string        `mapstructure:"fetcher"` // http or chromedp
	EmbedBaselineOnFirst bool          `mapstructure:"embed_baseline_on_first_snapshot"`
	EmbedDeltasOnChange  bool          `mapstructure:"embed_deltas_on_change"`
}

func (p PipelineConfig) Validate() error {
	if p.ChunkOverlapChars >= p.ChunkSizeChars {
		return fmt.Errorf("pipeline.chunk_overlap_chars must be smaller than pipeline.chunk_size_chars")
	}
	if p.EmbeddingDimensions <= 0 {
		return fmt.Errorf("pipeline.embedding_dimensions must be > 0")
	}
	if p.Fetcher != "" && p.Fetcher != "http" && p.Fetcher != "chromedp" {
		return fmt.Errorf("pipeline.fetcher must be http or chromedp")
	}
	return nil
}

// StorageConfig contains database settings.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings.
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a postgres connection string from the configured fields.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// RedisConfig contains optional Redis settings used for scheduler locking.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Enabled reports whether Redis is configured at all.
func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Host) != "" }

// Addr returns host:port for the Redis client.
func (r RedisConfig) Addr() string {
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return fmt.Sprintf("%s:%s", r.Host, port)
}

// TelemetryConfig contains metrics settings.
type TelemetryConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	MetricsPort int  `mapstructure:"metrics_port"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// LoadConfig loads config from file with RISKWATCH_* env overrides.
// Missing required settings are fatal before any pipeline work begins.
func LoadConfig(path string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("json")

	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.default_timeout", "30s")
	viper.SetDefault("server.address", ":8080")
	viper.SetDefault("monitor.schedule", "@daily")
	viper.SetDefault("monitor.tick", "1m")
	viper.SetDefault("llm.base_url", "https://api.openai.com/v1")
	viper.SetDefault("llm.agent_name", "riskwatch-agent")
	viper.SetDefault("llm.temperature", 0.2)
	viper.SetDefault("llm.timeout", "60s")
	viper.SetDefault("llm.max_retries", 4)
	viper.SetDefault("llm.retry_base_delay", "1250ms")
	viper.SetDefault("pipeline.min_clean_text_len", 1200)
	viper.SetDefault("pipeline.max_clean_text_chars", 25000)
	viper.SetDefault("pipeline.chunk_size_chars", 1600)
	viper.SetDefault("pipeline.chunk_overlap_chars", 200)
	viper.SetDefault("pipeline.delta_max_chars", 12000)
	viper.SetDefault("pipeline.embedding_dimensions", 384)
	viper.SetDefault("pipeline.batch_limit", 25)
	viper.SetDefault("pipeline.relevance_threshold", 70)
	viper.SetDefault("pipeline.pacing", "300ms")
	viper.SetDefault("pipeline.workers", 4)
	viper.SetDefault("pipeline.fetch_timeout", "30s")
	viper.SetDefault("pipeline.fetcher", "http")
	viper.SetDefault("pipeline.embed_baseline_on_first_snapshot", true)
	viper.SetDefault("pipeline.embed_deltas_on_change", true)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("RISKWATCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Config file is optional; env vars can carry the whole configuration.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Pipeline.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Storage.Postgres.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Telemetry.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
