// Package server provides a public API for embedding the mosaic tile server.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/storage"
	"github.com/go-chi/chi/v5"
	"google.golang.org/api/option"

	"github.com/robert-malhotra/stac-mosaic-tiler/internal/api"
	"github.com/robert-malhotra/stac-mosaic-tiler/internal/catalog"
	"github.com/robert-malhotra/stac-mosaic-tiler/internal/config"
	"github.com/robert-malhotra/stac-mosaic-tiler/internal/mosaic"
	"github.com/robert-malhotra/stac-mosaic-tiler/internal/raster"
	"github.com/robert-malhotra/stac-mosaic-tiler/internal/searchcache"
	"github.com/robert-malhotra/stac-mosaic-tiler/internal/telemetry"
	"github.com/robert-malhotra/stac-mosaic-tiler/internal/tiler"
)

// Options configures an embedded tile server. Zero values take the same
// defaults as the standalone server.
type Options struct {
	// CatalogURL is the root of the STAC API searched for items (required).
	CatalogURL string

	// CollectionsDir is the path to collection definition JSON files.
	// Default: "./collections"
	CollectionsDir string

	// BaseURL is the public-facing URL for links in JSON responses.
	// Default: "" (relative links)
	BaseURL string

	// CacheTTL is how long search results are reused. A negative value
	// disables storing results.
	// Default: 5m
	CacheTTL time.Duration

	// RedisURL enables a Redis second-level search cache.
	// Default: "" (in-process cache only)
	RedisURL string

	// TileTimeout bounds one tile request, search and compositing included.
	// Default: 15s
	TileTimeout time.Duration

	// Concurrency is the number of items read in parallel per tile.
	// Default: 8
	Concurrency int

	// EnableGCS registers the gs:// fetcher with anonymous access.
	EnableGCS bool

	// FileRoot enables file:// hrefs below this directory.
	FileRoot string

	// Logger is the slog logger to use.
	// Default: slog.Default()
	Logger *slog.Logger
}

// Server is a mosaic tile server that can be embedded in another application.
type Server struct {
	router    chi.Router
	tiles     *tiler.Service
	telemetry *telemetry.Provider
	redis     *searchcache.RedisStore
	gcs       *storage.Client
	logger    *slog.Logger
}

// New creates a tile server from Options. Telemetry is left to the host
// application: metrics and tracing are disabled.
func New(ctx context.Context, opts Options) (*Server, error) {
	cfg, err := config.Defaults()
	if err != nil {
		return nil, err
	}

	cfg.Catalog.URL = opts.CatalogURL
	cfg.Server.BaseURL = opts.BaseURL
	cfg.Cache.RedisURL = opts.RedisURL
	cfg.Asset.GCSEnabled = opts.EnableGCS
	cfg.Asset.FileRoot = opts.FileRoot
	cfg.Telemetry.TracingEnabled = false
	cfg.Telemetry.MetricsEnabled = false
	if opts.CollectionsDir != "" {
		cfg.CollectionsDir = opts.CollectionsDir
	}
	switch {
	case opts.CacheTTL < 0:
		cfg.Cache.TTL = 0
	case opts.CacheTTL > 0:
		cfg.Cache.TTL = opts.CacheTTL
	}
	if opts.TileTimeout > 0 {
		cfg.Tile.Timeout = opts.TileTimeout
	}
	if opts.Concurrency > 0 {
		cfg.Mosaic.Concurrency = opts.Concurrency
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	return NewFromConfig(ctx, cfg, opts.Logger, "embedded")
}

// NewFromConfig wires every component from a loaded configuration.
func NewFromConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger, version string) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{logger: logger}
	ok := false
	defer func() {
		if !ok {
			s.Close(context.Background())
		}
	}()

	// Load collection definitions
	registry, err := config.LoadCollections(cfg.CollectionsDir)
	if err != nil {
		logger.Warn("failed to load collections, using empty registry",
			slog.String("dir", cfg.CollectionsDir),
			slog.String("error", err.Error()),
		)
		registry = config.NewCollectionRegistry()
	}
	policies, err := registry.Policies()
	if err != nil {
		return nil, err
	}
	logger.Info("loaded collections", slog.Int("count", registry.Count()))

	s.telemetry, err = telemetry.New(ctx, telemetry.Options{
		ServiceName:     cfg.Telemetry.ServiceName,
		Version:         version,
		TracingEnabled:  cfg.Telemetry.TracingEnabled,
		TracingExporter: cfg.Telemetry.TracingExporter,
		SampleRatio:     cfg.Telemetry.TracingSample,
		MetricsEnabled:  cfg.Telemetry.MetricsEnabled,
		MetricsExporter: cfg.Telemetry.MetricsExporter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}

	client, err := catalog.NewClient(catalog.Options{
		BaseURL:   cfg.Catalog.URL,
		Timeout:   cfg.Catalog.Timeout,
		PageSize:  cfg.Catalog.PageSize,
		MaxItems:  cfg.Catalog.MaxItems,
		MaxPages:  cfg.Catalog.MaxPages,
		Retries:   cfg.Catalog.Retries,
		RateLimit: cfg.Catalog.RateLimit,
		UserAgent: "stac-mosaic-tiler/" + version,
	})
	if err != nil {
		return nil, err
	}
	client.WithLogger(logger)

	cacheOpts := searchcache.Options{
		TTL:          cfg.Cache.TTL,
		MaxEntries:   cfg.Cache.MaxEntries,
		Shards:       cfg.Cache.Shards,
		FetchTimeout: cfg.Catalog.Timeout,
		Metrics:      s.telemetry,
		Logger:       logger,
	}
	if cfg.Cache.RedisURL != "" {
		s.redis, err = searchcache.NewRedisStoreFromURL(cfg.Cache.RedisURL, "")
		if err != nil {
			return nil, err
		}
		s.redis.WithLogger(logger)
		cacheOpts.Store = s.redis
		logger.Info("using redis search cache")
	}
	cache := searchcache.New(cacheOpts)

	reader, err := s.newReader(ctx, cfg)
	if err != nil {
		return nil, err
	}

	sortby, err := cfg.Mosaic.SortPolicy()
	if err != nil {
		return nil, err
	}
	resampling, err := cfg.Mosaic.ResamplingMethod()
	if err != nil {
		return nil, err
	}

	s.tiles, err = tiler.New(tiler.Options{
		Cache:       cache,
		Catalog:     client,
		Assembler:   mosaic.New(reader).WithLogger(logger),
		Collections: policies,
		Timeout:     cfg.Tile.Timeout,
		TileSize:    cfg.Tile.Size,
		Concurrency: cfg.Mosaic.Concurrency,
		AssetRule:   cfg.Mosaic.AssetRule,
		Sortby:      sortby,
		Resampling:  resampling,
		Alternate:   cfg.Asset.Alternate,
		Metrics:     s.telemetry,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	handlers := api.NewHandlers(s.tiles, cfg.Server.BaseURL, logger)
	if s.redis != nil {
		handlers.WithHealthCheck("redis", s.redis)
	}
	s.router = api.NewRouter(handlers, api.RouterOptions{
		CORSOrigins: cfg.Server.CORSOrigins,
		Metrics:     s.telemetry.MetricsHandler(),
	}, logger)

	ok = true
	return s, nil
}

// newReader registers a fetcher per enabled href scheme.
func (s *Server) newReader(ctx context.Context, cfg *config.Config) (*raster.Reader, error) {
	reader := raster.NewReader(raster.Options{
		Timeout:       cfg.Asset.Timeout,
		MaxBytes:      cfg.Asset.MaxBytes,
		MaxConcurrent: cfg.Asset.MaxConcurrent,
		Metrics:       s.telemetry,
		Logger:        s.logger,
	})

	web := raster.NewHTTPFetcher(cfg.Asset.Retries)
	if cfg.Asset.Signing == "planetary-computer" {
		signer := raster.NewSASSigner(cfg.Asset.SASTokenURL, cfg.Asset.SASSubscriptionKey, cfg.Asset.Retries)
		web.Signer = signer
		s.logger.Info("signing blob storage hrefs", slog.String("token_url", signer.TokenURL))
	}
	reader.Register("http", web).Register("https", web)

	if cfg.Asset.GCSEnabled {
		var opts []option.ClientOption
		if cfg.Asset.GCSAnonymous {
			opts = append(opts, option.WithoutAuthentication())
		}
		gcs, err := storage.NewClient(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage client: %w", err)
		}
		s.gcs = gcs
		reader.Register("gs", &raster.GCSFetcher{Client: gcs})
	}

	if cfg.Asset.FileRoot != "" {
		reader.Register("file", &raster.FileFetcher{Root: cfg.Asset.FileRoot})
	}

	s.logger.Info("asset reader ready", slog.Any("schemes", reader.Schemes()))
	return reader, nil
}

// Router returns the chi.Router for mounting in another application.
func (s *Server) Router() chi.Router {
	return s.router
}

// Tiles returns the tile service.
func (s *Server) Tiles() *tiler.Service {
	return s.tiles
}

// Close flushes telemetry and releases storage clients.
func (s *Server) Close(ctx context.Context) error {
	var errs []error
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if s.gcs != nil {
		if err := s.gcs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
	}
	return errors.Join(errs...)
}
