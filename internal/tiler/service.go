// Package tiler turns tile requests into mosaics: it resolves the items for a
// tile through the search cache and assembles them under one deadline.
package tiler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/robert-malhotra/stac-mosaic-tiler/internal/bandmath"
	"github.com/robert-malhotra/stac-mosaic-tiler/internal/catalog"
	"github.com/robert-malhotra/stac-mosaic-tiler/internal/geo"
	"github.com/robert-malhotra/stac-mosaic-tiler/internal/mosaic"
	"github.com/robert-malhotra/stac-mosaic-tiler/internal/raster"
	"github.com/robert-malhotra/stac-mosaic-tiler/internal/searchcache"
	"github.com/robert-malhotra/stac-mosaic-tiler/internal/stac"
	"github.com/robert-malhotra/stac-mosaic-tiler/pkg/geojson"
)

const (
	DefaultTimeout = 10 * time.Second
	MaxImageSize   = 2048
	MaxScale       = 4
)

var (
	// ErrTileTimeout is returned when a request misses its deadline.
	ErrTileTimeout = errors.New("tile request timed out")

	// ErrInvalidRequest is returned for malformed or out-of-range requests.
	ErrInvalidRequest = errors.New("invalid tile request")

	// ErrCollectionNotFound is returned for collections the service does not serve.
	ErrCollectionNotFound = errors.New("collection not found")
)

var tracer = otel.Tracer("github.com/robert-malhotra/stac-mosaic-tiler/internal/tiler")

// Searcher runs catalog searches. *catalog.Client implements it.
type Searcher interface {
	Search(ctx context.Context, q catalog.Query) (*catalog.SearchResult, error)
}

// Assembler composites items. *mosaic.Assembler implements it.
type Assembler interface {
	Assemble(ctx context.Context, items []catalog.Item, grid geo.Grid, opts mosaic.Options) (*mosaic.Result, error)
}

// Metrics receives per-request events.
type Metrics interface {
	RecordTile(ctx context.Context, collection string, d time.Duration, err error)
}

// Collection is the serving policy of one tiled collection.
type Collection struct {
	ID          string
	Title       string
	Collections []string // catalog collections searched; defaults to ID
	Sortby      []stac.SortbyItem
	AssetRule   string
	Filters     map[string]catalog.Predicate
	MinZoom     int
	MaxZoom     int
	MaxItems    int
	Resampling  raster.Resampling
	Nodata      *float64
	Rescale     []float64
}

// Collections resolves collection policies by ID.
type Collections interface {
	Collection(id string) (Collection, bool)
	List() []Collection
}

// CollectionMap is a static Collections.
type CollectionMap map[string]Collection

func (m CollectionMap) Collection(id string) (Collection, bool) {
	c, ok := m[id]
	return c, ok
}

// List returns the collections sorted by ID.
func (m CollectionMap) List() []Collection {
	out := make([]Collection, 0, len(m))
	for _, id := range slices.Sorted(maps.Keys(m)) {
		out = append(out, m[id])
	}
	return out
}

// Request describes one tile or bbox image.
type Request struct {
	Collection string
	Z, X, Y    int

	// BBox, when set, replaces the tile address with a [west, south, east,
	// north] box rendered at Width x Height in EPSG:4326.
	BBox   []float64
	Width  int
	Height int
	// Scale multiplies the tile size for high-density displays (1..MaxScale).
	Scale int

	Datetime   string
	Filters    map[string]catalog.Predicate
	Filter     json.RawMessage
	Assets     []string
	AssetRule  string
	Sortby     []stac.SortbyItem
	Resampling raster.Resampling
	Nodata     *float64

	// Expression computes output bands from asset bands (see bandmath).
	// With AssetAsBand, bare asset names refer to band 1 of each asset.
	Expression  string
	AssetAsBand bool
	// Bidx keeps only these 1-based bands. It cannot be combined with Expression.
	Bidx []int
}

func (r Request) String() string {
	if len(r.BBox) == 4 {
		return fmt.Sprintf("%s bbox %v", r.Collection, r.BBox)
	}
	return fmt.Sprintf("%s/%d/%d/%d", r.Collection, r.Z, r.X, r.Y)
}

// Timings records where a request spent its time.
type Timings struct {
	Search time.Duration
	Mosaic time.Duration
}

// Tile is a rendered mosaic plus request metadata.
type Tile struct {
	*mosaic.Result
	Grid        geo.Grid
	Fingerprint string
	CacheHit    bool
	Truncated   bool
	Items       int
	Rescale     []float64
	Timings     Timings
}

// Options configures a Service.
type Options struct {
	Cache       *searchcache.Cache
	Catalog     Searcher
	Assembler   Assembler
	Collections Collections

	Timeout     time.Duration
	TileSize    int
	Concurrency int
	AssetRule   string
	Sortby      []stac.SortbyItem
	Resampling  raster.Resampling
	Alternate   string

	Metrics Metrics
	Logger  *slog.Logger
}

// Service serves mosaic tiles.
type Service struct {
	opts   Options
	logger *slog.Logger
}

// New creates a Service.
func New(opts Options) (*Service, error) {
	if opts.Cache == nil || opts.Catalog == nil || opts.Assembler == nil || opts.Collections == nil {
		return nil, errors.New("tiler: cache, catalog, assembler and collections are required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.TileSize <= 0 {
		opts.TileSize = geo.DefaultTileSize
	}
	if opts.Resampling == "" {
		opts.Resampling = raster.Nearest
	}
	if _, err := mosaic.ParseSelector(opts.AssetRule); err != nil {
		return nil, fmt.Errorf("tiler: default asset rule: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{opts: opts, logger: opts.Logger}, nil
}

// Collections returns the served collections.
func (s *Service) Collections() []Collection {
	return s.opts.Collections.List()
}

// CacheStats returns the search cache counters.
func (s *Service) CacheStats() searchcache.Stats {
	return s.opts.Cache.Stats()
}

// GetTile searches for the items covering the request, then composites them.
// Both steps share one deadline; when it passes, in-flight reads are cancelled
// and the error wraps ErrTileTimeout.
func (s *Service) GetTile(ctx context.Context, req Request) (tile *Tile, err error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "tiler.get_tile", trace.WithAttributes(
		attribute.String("tile.collection", req.Collection),
		attribute.String("tile.request", req.String()),
	))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if s.opts.Metrics != nil {
			s.opts.Metrics.RecordTile(ctx, req.Collection, time.Since(start), err)
		}
	}()

	plan, err := s.plan(req)
	if err != nil {
		return nil, err
	}

	tile = &Tile{Grid: plan.grid, Rescale: plan.rescale}
	res, hit, err := s.search(ctx, plan)
	tile.Timings.Search = time.Since(start)
	if err != nil {
		return nil, s.annotate(ctx, req, err)
	}
	tile.Fingerprint = res.Fingerprint
	tile.CacheHit = hit
	tile.Truncated = res.Truncated
	tile.Items = len(res.Items)
	if tile.Rescale == nil && plan.mosaic.Expression == nil {
		tile.Rescale = statisticsRange(res.Items, plan.mosaic.Selector)
	}
	span.SetAttributes(
		attribute.String("search.fingerprint", res.Fingerprint),
		attribute.Bool("search.cache_hit", hit),
		attribute.Int("search.items", len(res.Items)),
	)

	mosaicStart := time.Now()
	result, err := s.opts.Assembler.Assemble(ctx, res.Items, plan.grid, plan.mosaic)
	tile.Timings.Mosaic = time.Since(mosaicStart)
	if err != nil {
		return nil, s.annotate(ctx, req, err)
	}
	tile.Result = result

	s.logger.DebugContext(ctx, "tile rendered",
		slog.String("tile", req.String()),
		slog.String("fingerprint", res.Fingerprint),
		slog.Bool("cache_hit", hit),
		slog.Int("items", len(res.Items)),
		slog.Int("contributors", len(result.Contributors)),
		slog.Duration("search", tile.Timings.Search),
		slog.Duration("mosaic", tile.Timings.Mosaic),
	)
	return tile, nil
}

// ItemAssets is an item and the assets a request would read from it.
type ItemAssets struct {
	ID         string          `json:"id"`
	Collection string          `json:"collection,omitempty"`
	BBox       []float64       `json:"bbox,omitempty"`
	Assets     []catalog.Asset `json:"assets"`
}

// Assets is the result of TileAssets.
type Assets struct {
	Fingerprint string       `json:"fingerprint"`
	CacheHit    bool         `json:"cache_hit"`
	Truncated   bool         `json:"truncated"`
	Items       []ItemAssets `json:"items"`
}

// TileAssets lists, in precedence order, the items and assets GetTile would
// read for req. Items without a matching asset are left out.
func (s *Service) TileAssets(ctx context.Context, req Request) (*Assets, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	plan, err := s.plan(req)
	if err != nil {
		return nil, err
	}
	res, hit, err := s.search(ctx, plan)
	if err != nil {
		return nil, s.annotate(ctx, req, err)
	}

	out := &Assets{Fingerprint: res.Fingerprint, CacheHit: hit, Truncated: res.Truncated, Items: []ItemAssets{}}
	for _, it := range res.Items {
		assets, err := plan.mosaic.Selector.Select(it)
		if err != nil {
			continue
		}
		out.Items = append(out.Items, ItemAssets{ID: it.ID, Collection: it.Collection, BBox: it.BBox, Assets: assets})
	}
	return out, nil
}

// search resolves the plan's query through the cache. hit is false when this
// call ran the catalog search itself.
func (s *Service) search(ctx context.Context, p *plan) (*searchcache.SearchResult, bool, error) {
	ctx, span := tracer.Start(ctx, "tiler.search")
	defer span.End()

	var fetched atomic.Bool
	res, err := s.opts.Cache.GetOrFetch(ctx, p.query, func(ctx context.Context) (*catalog.SearchResult, error) {
		fetched.Store(true)
		r, err := s.opts.Catalog.Search(ctx, p.query)
		if err != nil {
			return nil, err
		}
		catalog.SortItems(r.Items, p.query.Sortby)
		return r, nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	return res, !fetched.Load(), nil
}

// annotate adds the request to err and maps a missed deadline to
// ErrTileTimeout. The error kind stays reachable through errors.Is.
func (s *Service) annotate(ctx context.Context, req Request, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s after %s: %w", ErrTileTimeout, req, s.opts.Timeout, err)
	}
	return fmt.Errorf("%s: %w", req, err)
}

type plan struct {
	grid    geo.Grid
	query   catalog.Query
	mosaic  mosaic.Options
	rescale []float64
}

// plan validates req against its collection and resolves every default.
func (s *Service) plan(req Request) (*plan, error) {
	col, ok := s.opts.Collections.Collection(req.Collection)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrCollectionNotFound, req.Collection)
	}

	grid, err := s.grid(req, col)
	if err != nil {
		return nil, err
	}

	var expression *bandmath.Expression
	if req.Expression != "" {
		if len(req.Bidx) > 0 {
			return nil, fmt.Errorf("%w: bidx cannot be combined with expression", ErrInvalidRequest)
		}
		expression, err = bandmath.Parse(req.Expression, req.AssetAsBand)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
	}
	for _, b := range req.Bidx {
		if b < 1 {
			return nil, fmt.Errorf("%w: band index %d must be at least 1", ErrInvalidRequest, b)
		}
	}

	selector, err := s.selector(req, col, expression)
	if err != nil {
		return nil, err
	}

	bbox := grid.BBox()
	footprint, err := geojson.NewPolygonFromBBox(bbox)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	searched := col.Collections
	if len(searched) == 0 {
		searched = []string{col.ID}
	}
	sortby := req.Sortby
	if len(sortby) == 0 {
		sortby = col.Sortby
	}
	if len(sortby) == 0 {
		sortby = s.opts.Sortby
	}

	q := catalog.Query{
		Collections: searched,
		Intersects:  footprint,
		Datetime:    req.Datetime,
		Filters:     mergeFilters(col.Filters, req.Filters),
		Filter:      req.Filter,
		Sortby:      sortby,
		MaxItems:    col.MaxItems,
	}
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	resampling := req.Resampling
	if resampling == "" {
		resampling = col.Resampling
	}
	if resampling == "" {
		resampling = s.opts.Resampling
	}
	nodata := req.Nodata
	if nodata == nil {
		nodata = col.Nodata
	}

	return &plan{
		grid:  grid,
		query: q,
		mosaic: mosaic.Options{
			Selector:    selector,
			Concurrency: s.opts.Concurrency,
			Resampling:  resampling,
			Nodata:      nodata,
			Alternate:   s.opts.Alternate,
			Bidx:        req.Bidx,
			Expression:  expression,
		},
		rescale: col.Rescale,
	}, nil
}

func (s *Service) grid(req Request, col Collection) (geo.Grid, error) {
	if len(req.BBox) > 0 {
		if err := stac.ValidateBBox(req.BBox); err != nil {
			return geo.Grid{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		if req.Width <= 0 || req.Height <= 0 || req.Width > MaxImageSize || req.Height > MaxImageSize {
			return geo.Grid{}, fmt.Errorf("%w: image size %dx%d outside 1..%d", ErrInvalidRequest, req.Width, req.Height, MaxImageSize)
		}
		g, err := geo.BBoxGrid(req.BBox, req.Width, req.Height)
		if err != nil {
			return geo.Grid{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		return g, nil
	}

	maxZoom := col.MaxZoom
	if maxZoom <= 0 || maxZoom > geo.MaxZoom {
		maxZoom = geo.MaxZoom
	}
	if req.Z < col.MinZoom || req.Z > maxZoom {
		return geo.Grid{}, fmt.Errorf("%w: zoom %d outside %d..%d for %s", ErrInvalidRequest, req.Z, col.MinZoom, maxZoom, col.ID)
	}

	size := req.Width
	if size == 0 {
		size = s.opts.TileSize
	}
	if req.Scale < 0 || req.Scale > MaxScale {
		return geo.Grid{}, fmt.Errorf("%w: scale %d outside 1..%d", ErrInvalidRequest, req.Scale, MaxScale)
	}
	if req.Scale > 1 {
		size *= req.Scale
	}
	if size < 0 || size > MaxImageSize {
		return geo.Grid{}, fmt.Errorf("%w: tile size %d outside 1..%d", ErrInvalidRequest, size, MaxImageSize)
	}
	g, err := geo.TileGrid(req.Z, req.X, req.Y, size)
	if err != nil {
		return geo.Grid{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return g, nil
}

func (s *Service) selector(req Request, col Collection, expression *bandmath.Expression) (mosaic.Selector, error) {
	// assets named by an expression replace the assets parameter
	if expression != nil {
		if names := expression.Assets(); len(names) > 0 {
			return mosaic.Named(names...), nil
		}
	}
	if len(req.Assets) > 0 {
		return mosaic.Named(req.Assets...), nil
	}
	rule := req.AssetRule
	if rule == "" {
		rule = col.AssetRule
	}
	if rule == "" {
		rule = s.opts.AssetRule
	}
	sel, err := mosaic.ParseSelector(rule)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return sel, nil
}

// statisticsRange returns the [min, max] of the first band statistics found
// on the assets the selector picks, or nil.
func statisticsRange(items []catalog.Item, sel mosaic.Selector) []float64 {
	for _, it := range items {
		assets, err := sel.Select(it)
		if err != nil {
			continue
		}
		for _, a := range assets {
			for _, b := range a.Bands {
				st := b.Statistics
				if st != nil && st.Minimum != nil && st.Maximum != nil && *st.Maximum > *st.Minimum {
					return []float64{*st.Minimum, *st.Maximum}
				}
			}
		}
	}
	return nil
}

func mergeFilters(base, override map[string]catalog.Predicate) map[string]catalog.Predicate {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	out := make(map[string]catalog.Predicate, len(base)+len(override))
	maps.Copy(out, base)
	maps.Copy(out, override)
	return out
}
