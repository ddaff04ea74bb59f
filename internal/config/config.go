// Package config handles modelstat configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/Faultbox/modelstats/internal/lod"
)

// Config holds all modelstat settings.
type Config struct {
	Analyzer AnalyzerConfig `yaml:"analyzer"`
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Viewer   ViewerConfig   `yaml:"viewer"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// AnalyzerConfig holds resource fetching and analysis settings.
type AnalyzerConfig struct {
	FetchTimeout     time.Duration `yaml:"fetch_timeout"`
	MaxResourceBytes int64         `yaml:"max_resource_bytes"`
	ImageConcurrency int           `yaml:"image_concurrency"`
	UserAgent        string        `yaml:"user_agent"`
}

// ServerConfig holds HTTP and WebSocket server settings.
type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

// StoreConfig holds analysis history settings.
type StoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // SQLite database file
}

// ViewerConfig holds the quality level used for LOD advice.
type ViewerConfig struct {
	Quality string `yaml:"quality"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level   string `yaml:"level"`
	LogFile string `yaml:"log_file"`
	Format  string `yaml:"format"` // console or json
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Analyzer: AnalyzerConfig{
			FetchTimeout:     30 * time.Second,
			MaxResourceBytes: 512 << 20,
			ImageConcurrency: 4,
			UserAgent:        "modelstat/1.0",
		},
		Server: ServerConfig{
			Addr:              "127.0.0.1:8787",
			AllowedOrigins:    []string{"*"},
			ReadHeaderTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Enabled: true,
			Path:    filepath.Join(ConfigDir(), "history.db"),
		},
		Viewer: ViewerConfig{
			Quality: string(lod.QualityHigh),
		},
		Logging: LoggingConfig{
			Level:   "info",
			LogFile: "",
			Format:  "console",
		},
	}
}

// Validate checks settings that cannot be corrected silently.
func (c *Config) Validate() error {
	var errs []error
	if _, err := lod.ParseQuality(c.Viewer.Quality); err != nil {
		errs = append(errs, fmt.Errorf("viewer.quality: %w", err))
	}
	if c.Analyzer.ImageConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("analyzer.image_concurrency must be positive, got %d", c.Analyzer.ImageConcurrency))
	}
	if c.Analyzer.MaxResourceBytes < 0 {
		errs = append(errs, fmt.Errorf("analyzer.max_resource_bytes must not be negative, got %d", c.Analyzer.MaxResourceBytes))
	}
	if c.Analyzer.FetchTimeout < 0 {
		errs = append(errs, fmt.Errorf("analyzer.fetch_timeout must not be negative, got %s", c.Analyzer.FetchTimeout))
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format))
	}
	if c.Store.Enabled && c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required when history is enabled"))
	}
	return errors.Join(errs...)
}

// Quality returns the parsed viewer quality, falling back to high.
func (c *Config) Quality() lod.Quality {
	q, err := lod.ParseQuality(c.Viewer.Quality)
	if err != nil {
		return lod.QualityHigh
	}
	return q
}
