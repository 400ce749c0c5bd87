// Package raster reads STAC assets into windows aligned with a target grid.
package raster

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/robert-malhotra/stac-mosaic-tiler/internal/catalog"
	"github.com/robert-malhotra/stac-mosaic-tiler/internal/geo"
)

const (
	// DefaultMaxConcurrent caps simultaneous outbound asset fetches per process.
	DefaultMaxConcurrent = 64

	// DefaultMaxBytes caps the size of a single fetched asset.
	DefaultMaxBytes = 256 << 20
)

// ReadOptions tunes a single read.
type ReadOptions struct {
	Resampling Resampling
	Nodata     *float64 // overrides the asset's declared nodata
	Alternate  string   // alternate href key, e.g. "s3"
}

// Metrics receives asset read events.
type Metrics interface {
	RecordAssetRead(ctx context.Context, scheme string, d time.Duration, bytes int, err error)
}

// Options configures a Reader.
type Options struct {
	Timeout       time.Duration // per read, 0 disables
	MaxBytes      int64
	MaxConcurrent int64
	Metrics       Metrics
	Logger        *slog.Logger
}

// Reader fetches, decodes and warps assets. A process-wide semaphore bounds
// the number of fetches in flight across all requests.
type Reader struct {
	fetchers map[string]Fetcher
	sem      *semaphore.Weighted
	timeout  time.Duration
	maxBytes int64
	metrics  Metrics
	logger   *slog.Logger
}

// NewReader creates a Reader with no fetchers registered.
func NewReader(opts Options) *Reader {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Reader{
		fetchers: make(map[string]Fetcher),
		sem:      semaphore.NewWeighted(opts.MaxConcurrent),
		timeout:  opts.Timeout,
		maxBytes: opts.MaxBytes,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
	}
}

// Register installs a fetcher for a URL scheme ("https", "gs", "file").
// Register is not safe to call concurrently with reads.
func (r *Reader) Register(scheme string, f Fetcher) *Reader {
	r.fetchers[strings.ToLower(scheme)] = f
	return r
}

// Schemes lists the registered URL schemes.
func (r *Reader) Schemes() []string {
	out := make([]string, 0, len(r.fetchers))
	for s := range r.fetchers {
		out = append(out, s)
	}
	return out
}

// ReadWindow reads asset and resamples it onto grid.
func (r *Reader) ReadWindow(ctx context.Context, asset catalog.Asset, grid geo.Grid, opts ReadOptions) (*Window, error) {
	href := asset.Href
	if opts.Alternate != "" {
		if alt, ok := asset.Alternate[opts.Alternate]; ok && alt != "" {
			href = alt
		}
	}

	format, err := DetectFormat(asset)
	if err != nil {
		return nil, err
	}

	scheme := hrefScheme(href)
	fetcher, ok := r.fetchers[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: no fetcher for scheme %q", ErrAssetUnreachable, scheme)
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	data, err := r.fetch(ctx, fetcher, scheme, href)
	if err != nil {
		return nil, classify(err)
	}

	src, err := Decode(format, data, asset)
	if err != nil {
		return nil, err
	}
	ref, err := Georeference(asset, src)
	if err != nil {
		return nil, err
	}

	nodata := opts.Nodata
	if nodata == nil {
		if v, ok := asset.NodataValue(); ok {
			nodata = &v
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, classify(err)
	}
	return Warp(src, ref, grid, opts.Resampling, nodata), nil
}

func (r *Reader) fetch(ctx context.Context, f Fetcher, scheme, href string) ([]byte, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.sem.Release(1)

	start := time.Now()
	data, err := f.Fetch(ctx, href, r.maxBytes)
	if r.metrics != nil {
		r.metrics.RecordAssetRead(ctx, scheme, time.Since(start), len(data), err)
	}
	if err != nil {
		r.logger.DebugContext(ctx, "asset fetch failed",
			slog.String("href", href),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	return data, nil
}

func hrefScheme(href string) string {
	u, err := url.Parse(href)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// bare paths and Windows drive letters
		return "file"
	}
	return strings.ToLower(u.Scheme)
}
