// Package config loads recall's configuration from a YAML file with
// RECALL_-prefixed environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// MaxDepth is the largest timeline depth a retrieval may request.
const MaxDepth = 50

// Config holds all service configuration.
type Config struct {
	DataDir    string           `mapstructure:"data_dir" yaml:"data_dir"`
	HTTP       HTTPConfig       `mapstructure:"http" yaml:"http"`
	Queue      QueueConfig      `mapstructure:"queue" yaml:"queue"`
	Index      IndexConfig      `mapstructure:"index" yaml:"index"`
	Search     SearchConfig     `mapstructure:"search" yaml:"search"`
	Extraction ExtractionConfig `mapstructure:"extraction" yaml:"extraction"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
}

// HTTPConfig configures the ingestion and retrieval API.
type HTTPConfig struct {
	Addr           string        `mapstructure:"addr" yaml:"addr"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// QueueConfig configures the per-session queues and their consumers.
type QueueConfig struct {
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout" yaml:"inactivity_timeout"`
	ExtractionTimeout time.Duration `mapstructure:"extraction_timeout" yaml:"extraction_timeout"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// IndexConfig configures the semantic index and its sync loop.
type IndexConfig struct {
	Enabled          bool          `mapstructure:"enabled" yaml:"enabled"`
	Embedder         string        `mapstructure:"embedder" yaml:"embedder"` // hash, openai
	Model            string        `mapstructure:"model" yaml:"model"`
	Dimensions       int           `mapstructure:"dimensions" yaml:"dimensions"`
	BaseURL          string        `mapstructure:"base_url" yaml:"base_url,omitempty"`
	APIKey           string        `mapstructure:"api_key" yaml:"api_key,omitempty"`
	BackfillInterval time.Duration `mapstructure:"backfill_interval" yaml:"backfill_interval"`
	BatchSize        int           `mapstructure:"batch_size" yaml:"batch_size"`
	LiveBuffer       int           `mapstructure:"live_buffer" yaml:"live_buffer"`
}

// SearchConfig holds retrieval defaults.
type SearchConfig struct {
	TopK        int     `mapstructure:"top_k" yaml:"top_k"`
	RecencyDays int     `mapstructure:"recency_days" yaml:"recency_days"`
	DepthBefore int     `mapstructure:"depth_before" yaml:"depth_before"`
	DepthAfter  int     `mapstructure:"depth_after" yaml:"depth_after"`
	CacheSize   int     `mapstructure:"cache_size" yaml:"cache_size"`
	MinScore    float64 `mapstructure:"min_score" yaml:"min_score"` // similarity a semantic hit must exceed
}

// ExtractionConfig selects the extraction collaborator.
type ExtractionConfig struct {
	Provider string `mapstructure:"provider" yaml:"provider"` // passthrough, openai
	Model    string `mapstructure:"model" yaml:"model"`
	BaseURL  string `mapstructure:"base_url" yaml:"base_url,omitempty"`
	APIKey   string `mapstructure:"api_key" yaml:"api_key,omitempty"`
}

// LoggingConfig configures zerolog output.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format"` // console, json
	File   string `mapstructure:"file" yaml:"file,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DataDir: filepath.Join(home, ".recall"),
		HTTP: HTTPConfig{
			Addr:           "127.0.0.1:37777",
			RequestTimeout: 30 * time.Second,
		},
		Queue: QueueConfig{
			InactivityTimeout: 15 * time.Minute,
			ExtractionTimeout: 90 * time.Second,
			SweepInterval:     time.Minute,
		},
		Index: IndexConfig{
			Enabled:          true,
			Embedder:         "hash",
			Model:            "text-embedding-3-small",
			Dimensions:       256,
			BackfillInterval: 5 * time.Minute,
			BatchSize:        100,
			LiveBuffer:       256,
		},
		Search: SearchConfig{
			TopK:        100,
			RecencyDays: 90,
			DepthBefore: 5,
			DepthAfter:  5,
			CacheSize:   256,
			MinScore:    0.1,
		},
		Extraction: ExtractionConfig{
			Provider: "passthrough",
			Model:    "gpt-4o-mini",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// DefaultPath returns ~/.recall/config.yaml.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".recall", "config.yaml")
}

// Load reads configuration from path (DefaultPath when empty). A missing
// file is created with the defaults. Environment variables such as
// RECALL_HTTP_ADDR override file values.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	def := Default()

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := Save(path, def); err != nil {
			return nil, err
		}
	}

	v := viper.New()
	setDefaults(v, def)
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("RECALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.DataDir = expandHome(cfg.DataDir)
	cfg.Logging.File = expandHome(cfg.Logging.File)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as YAML to path, creating parent directories.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// Validate rejects values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DataDir) == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.Queue.InactivityTimeout <= 0 {
		errs = append(errs, errors.New("queue.inactivity_timeout must be positive"))
	}
	if c.Queue.ExtractionTimeout <= 0 {
		errs = append(errs, errors.New("queue.extraction_timeout must be positive"))
	}
	if c.Queue.SweepInterval <= 0 {
		errs = append(errs, errors.New("queue.sweep_interval must be positive"))
	}
	switch c.Index.Embedder {
	case "hash", "openai":
	default:
		errs = append(errs, fmt.Errorf("index.embedder %q: want hash or openai", c.Index.Embedder))
	}
	if c.Index.Dimensions <= 0 {
		errs = append(errs, errors.New("index.dimensions must be positive"))
	}
	if c.Index.BatchSize <= 0 || c.Index.LiveBuffer <= 0 {
		errs = append(errs, errors.New("index.batch_size and index.live_buffer must be positive"))
	}
	if c.Index.BackfillInterval <= 0 {
		errs = append(errs, errors.New("index.backfill_interval must be positive"))
	}
	if c.Search.TopK <= 0 {
		errs = append(errs, errors.New("search.top_k must be positive"))
	}
	if c.Search.RecencyDays < 0 {
		errs = append(errs, errors.New("search.recency_days must not be negative"))
	}
	if c.Search.MinScore < 0 || c.Search.MinScore >= 1 {
		errs = append(errs, errors.New("search.min_score must be within [0, 1)"))
	}
	if c.Search.DepthBefore < 0 || c.Search.DepthBefore > MaxDepth ||
		c.Search.DepthAfter < 0 || c.Search.DepthAfter > MaxDepth {
		errs = append(errs, fmt.Errorf("search depths must be within 0..%d", MaxDepth))
	}
	switch c.Extraction.Provider {
	case "passthrough", "openai":
	default:
		errs = append(errs, fmt.Errorf("extraction.provider %q: want passthrough or openai", c.Extraction.Provider))
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q: want debug, info, warn or error", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q: want console or json", c.Logging.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: invalid: %w", errors.Join(errs...))
	}
	return nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.request_timeout", d.HTTP.RequestTimeout)
	v.SetDefault("queue.inactivity_timeout", d.Queue.InactivityTimeout)
	v.SetDefault("queue.extraction_timeout", d.Queue.ExtractionTimeout)
	v.SetDefault("queue.sweep_interval", d.Queue.SweepInterval)
	v.SetDefault("index.enabled", d.Index.Enabled)
	v.SetDefault("index.embedder", d.Index.Embedder)
	v.SetDefault("index.model", d.Index.Model)
	v.SetDefault("index.dimensions", d.Index.Dimensions)
	v.SetDefault("index.base_url", d.Index.BaseURL)
	v.SetDefault("index.api_key", d.Index.APIKey)
	v.SetDefault("index.backfill_interval", d.Index.BackfillInterval)
	v.SetDefault("index.batch_size", d.Index.BatchSize)
	v.SetDefault("index.live_buffer", d.Index.LiveBuffer)
	v.SetDefault("search.top_k", d.Search.TopK)
	v.SetDefault("search.recency_days", d.Search.RecencyDays)
	v.SetDefault("search.depth_before", d.Search.DepthBefore)
	v.SetDefault("search.depth_after", d.Search.DepthAfter)
	v.SetDefault("search.cache_size", d.Search.CacheSize)
	v.SetDefault("search.min_score", d.Search.MinScore)
	v.SetDefault("extraction.provider", d.Extraction.Provider)
	v.SetDefault("extraction.model", d.Extraction.Model)
	v.SetDefault("extraction.base_url", d.Extraction.BaseURL)
	v.SetDefault("extraction.api_key", d.Extraction.APIKey)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", d.Logging.File)
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		return filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return p
}
