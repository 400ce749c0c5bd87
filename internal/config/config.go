// Package config provides configuration management for the mosaic tile server.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"

	"github.com/robert-malhotra/stac-mosaic-tiler/internal/mosaic"
	"github.com/robert-malhotra/stac-mosaic-tiler/internal/raster"
	"github.com/robert-malhotra/stac-mosaic-tiler/internal/stac"
)

// Config holds the complete application configuration loaded from environment variables.
type Config struct {
	Server         ServerConfig    `envPrefix:"SERVER_"`
	Catalog        CatalogConfig   `envPrefix:"CATALOG_"`
	Cache          CacheConfig     `envPrefix:"CACHE_"`
	Asset          AssetConfig     `envPrefix:"ASSET_"`
	Mosaic         MosaicConfig    `envPrefix:"MOSAIC_"`
	Tile           TileConfig      `envPrefix:"TILE_"`
	Logging        LoggingConfig   `envPrefix:"LOG_"`
	Telemetry      TelemetryConfig `envPrefix:"OTEL_"`
	CollectionsDir string          `env:"COLLECTIONS_DIR" envDefault:"./collections"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host            string        `env:"HOST" envDefault:"0.0.0.0"`
	Port            int           `env:"PORT" envDefault:"8080"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"60s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	CORSOrigins     []string      `env:"CORS_ORIGINS" envDefault:"*" envSeparator:","`
	BaseURL         string        `env:"BASE_URL" envDefault:""` // prefixes links in JSON responses
}

// CatalogConfig contains STAC API client configuration.
type CatalogConfig struct {
	URL       string        `env:"URL"` // STAC API root (required)
	Timeout   time.Duration `env:"TIMEOUT" envDefault:"10s"`
	PageSize  int           `env:"PAGE_SIZE" envDefault:"100"`
	MaxItems  int           `env:"MAX_ITEMS" envDefault:"500"`
	MaxPages  int           `env:"MAX_PAGES" envDefault:"20"`
	Retries   int           `env:"RETRIES" envDefault:"2"`
	RateLimit float64       `env:"RATE_LIMIT" envDefault:"0"` // requests per second, 0 disables
}

// CacheConfig contains search cache configuration.
type CacheConfig struct {
	TTL        time.Duration `env:"TTL" envDefault:"5m"`
	MaxEntries int           `env:"MAX_ENTRIES" envDefault:"1024"`
	Shards     int           `env:"SHARDS" envDefault:"16"`
	RedisURL   string        `env:"REDIS_URL" envDefault:""`
}

// AssetConfig contains asset reader configuration.
type AssetConfig struct {
	Timeout       time.Duration `env:"TIMEOUT" envDefault:"10s"`
	MaxBytes      int64         `env:"MAX_BYTES" envDefault:"268435456"`
	MaxConcurrent int64         `env:"MAX_CONCURRENT" envDefault:"64"`
	Retries       int           `env:"RETRIES" envDefault:"2"`
	GCSEnabled    bool          `env:"GCS_ENABLED" envDefault:"false"`
	GCSAnonymous  bool          `env:"GCS_ANONYMOUS" envDefault:"true"`
	FileRoot      string        `env:"FILE_ROOT" envDefault:""` // enables file:// hrefs below this directory
	Alternate     string        `env:"ALTERNATE" envDefault:""`

	// Signing selects an href signer: "none" or "planetary-computer".
	Signing            string `env:"SIGNING" envDefault:"none"`
	SASTokenURL        string `env:"SAS_TOKEN_URL" envDefault:""`
	SASSubscriptionKey string `env:"SAS_SUBSCRIPTION_KEY" envDefault:""`
}

// MosaicConfig contains compositing defaults.
type MosaicConfig struct {
	Concurrency int    `env:"CONCURRENCY" envDefault:"8"`
	AssetRule   string `env:"ASSET_RULE" envDefault:"first"`
	Sortby      string `env:"SORTBY" envDefault:"-datetime"`
	Resampling  string `env:"RESAMPLING" envDefault:"nearest"`
}

// TileConfig contains per-request limits.
type TileConfig struct {
	Timeout time.Duration `env:"TIMEOUT" envDefault:"15s"`
	Size    int           `env:"SIZE" envDefault:"256"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level     string `env:"LEVEL" envDefault:"info"`
	Format    string `env:"FORMAT" envDefault:"json"`
	AddSource bool   `env:"ADD_SOURCE" envDefault:"false"`
}

// TelemetryConfig contains OpenTelemetry configuration. OTLP endpoints and
// headers are read by the exporters from the standard OTEL_EXPORTER_* variables.
type TelemetryConfig struct {
	ServiceName     string  `env:"SERVICE_NAME" envDefault:"stac-mosaic-tiler"`
	TracingEnabled  bool    `env:"TRACING_ENABLED" envDefault:"false"`
	TracingExporter string  `env:"TRACING_EXPORTER" envDefault:"otlp"`
	TracingSample   float64 `env:"TRACING_SAMPLE" envDefault:"1.0"`
	MetricsEnabled  bool    `env:"METRICS_ENABLED" envDefault:"true"`
	MetricsExporter string  `env:"METRICS_EXPORTER" envDefault:"prometheus"`
}

// Load parses configuration from environment variables after applying the
// given dotenv files. With no files, an optional ./.env is loaded.
// It returns an error if required fields are missing or invalid.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		// .env is optional
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	} else if err := godotenv.Load(envFiles...); err != nil {
		return nil, fmt.Errorf("failed to load env files: %w", err)
	}

	cfg := &Config{}

	opts := env.Options{
		RequiredIfNoDef: true,
	}

	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Defaults returns the configuration every field's default describes,
// ignoring the process environment. Required fields are left empty.
func Defaults() (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Environment: map[string]string{}}); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 || c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server timeouts must be positive")
	}

	u, err := url.Parse(c.Catalog.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("catalog URL must be an absolute http(s) URL, got %q", c.Catalog.URL)
	}
	if c.Catalog.Timeout <= 0 {
		return fmt.Errorf("catalog timeout must be positive, got %s", c.Catalog.Timeout)
	}
	if c.Catalog.PageSize < 1 {
		return fmt.Errorf("catalog page size must be at least 1, got %d", c.Catalog.PageSize)
	}
	if c.Catalog.MaxItems < 1 || c.Catalog.MaxPages < 1 {
		return fmt.Errorf("catalog max items and max pages must be at least 1")
	}
	if c.Catalog.Retries < 0 || c.Asset.Retries < 0 {
		return fmt.Errorf("retries must not be negative")
	}
	if c.Catalog.RateLimit < 0 {
		return fmt.Errorf("catalog rate limit must not be negative, got %v", c.Catalog.RateLimit)
	}

	// a zero TTL is legal and disables storing results
	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache TTL must not be negative, got %s", c.Cache.TTL)
	}
	if c.Cache.MaxEntries < 1 || c.Cache.Shards < 1 {
		return fmt.Errorf("cache max entries and shards must be at least 1")
	}

	if c.Asset.Timeout <= 0 {
		return fmt.Errorf("asset timeout must be positive, got %s", c.Asset.Timeout)
	}
	if c.Asset.MaxBytes < 1 || c.Asset.MaxConcurrent < 1 {
		return fmt.Errorf("asset max bytes and max concurrent must be at least 1")
	}
	switch c.Asset.Signing {
	case "", "none", "planetary-computer":
	default:
		return fmt.Errorf("invalid asset signing %q (must be none or planetary-computer)", c.Asset.Signing)
	}
	if c.Asset.SASTokenURL != "" {
		if u, err := url.Parse(c.Asset.SASTokenURL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("asset SAS token URL must be absolute, got %q", c.Asset.SASTokenURL)
		}
	}

	if c.Mosaic.Concurrency < 1 {
		return fmt.Errorf("mosaic concurrency must be at least 1, got %d", c.Mosaic.Concurrency)
	}
	if _, err := mosaic.ParseSelector(c.Mosaic.AssetRule); err != nil {
		return fmt.Errorf("mosaic asset rule: %w", err)
	}
	if _, err := stac.ParseSortby(c.Mosaic.Sortby); err != nil {
		return fmt.Errorf("mosaic sortby: %w", err)
	}
	if _, err := raster.ParseResampling(c.Mosaic.Resampling); err != nil {
		return fmt.Errorf("mosaic resampling: %w", err)
	}

	if c.Tile.Timeout <= 0 {
		return fmt.Errorf("tile timeout must be positive, got %s", c.Tile.Timeout)
	}
	if c.Tile.Size < 1 || c.Tile.Size > 2048 {
		return fmt.Errorf("tile size must be between 1 and 2048, got %d", c.Tile.Size)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format %q, must be one of: json, text", c.Logging.Format)
	}

	validExporters := map[string]bool{"otlp": true, "stdout": true, "prometheus": true, "none": true}
	if !validExporters[c.Telemetry.TracingExporter] || c.Telemetry.TracingExporter == "prometheus" {
		return fmt.Errorf("invalid tracing exporter %q, must be one of: otlp, stdout, none", c.Telemetry.TracingExporter)
	}
	if !validExporters[c.Telemetry.MetricsExporter] {
		return fmt.Errorf("invalid metrics exporter %q, must be one of: otlp, stdout, prometheus, none", c.Telemetry.MetricsExporter)
	}
	if c.Telemetry.TracingSample < 0 || c.Telemetry.TracingSample > 1 {
		return fmt.Errorf("tracing sample ratio must be between 0 and 1, got %v", c.Telemetry.TracingSample)
	}

	return nil
}

// Address returns the server listen address in the format "host:port".
func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SortPolicy parses the default item sort policy.
func (m MosaicConfig) SortPolicy() ([]stac.SortbyItem, error) {
	return stac.ParseSortby(m.Sortby)
}

// ResamplingMethod parses the default resampling method.
func (m MosaicConfig) ResamplingMethod() (raster.Resampling, error) {
	return raster.ParseResampling(m.Resampling)
}
