package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/robert-malhotra/stac-mosaic-tiler/internal/searchcache"
	"github.com/robert-malhotra/stac-mosaic-tiler/internal/stac"
	"github.com/robert-malhotra/stac-mosaic-tiler/internal/tiler"
)

// TileService is the tiling backend the handlers serve. *tiler.Service
// implements it.
type TileService interface {
	GetTile(ctx context.Context, req tiler.Request) (*tiler.Tile, error)
	TileAssets(ctx context.Context, req tiler.Request) (*tiler.Assets, error)
	Collections() []tiler.Collection
	CacheStats() searchcache.Stats
}

// Pinger checks a dependency for /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers contains all HTTP handlers for the tile API.
type Handlers struct {
	tiles   TileService
	baseURL string
	checks  map[string]Pinger
	logger  *slog.Logger
}

// NewHandlers creates a new Handlers instance. baseURL prefixes the links in
// JSON responses and may be empty for relative links.
func NewHandlers(tiles TileService, baseURL string, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		tiles:   tiles,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		checks:  make(map[string]Pinger),
		logger:  logger,
	}
}

// WithHealthCheck adds a named dependency checked by /health.
func (h *Handlers) WithHealthCheck(name string, p Pinger) *Handlers {
	h.checks[name] = p
	return h
}

// Health reports service status, search cache counters and dependency checks.
// GET /health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.checks))
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			h.logger.WarnContext(ctx, "health check failed",
				slog.String("check", name),
				slog.String("error", err.Error()),
			)
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	response := map[string]any{
		"status": "ok",
		"cache":  h.tiles.CacheStats(),
	}
	if status != http.StatusOK {
		response["status"] = "degraded"
	}
	if len(checks) > 0 {
		response["checks"] = checks
	}

	WriteJSON(w, status, response)
}

// collectionSummary is the JSON view of a served collection.
type collectionSummary struct {
	ID          string       `json:"id"`
	Title       string       `json:"title,omitempty"`
	Collections []string     `json:"collections"`
	MinZoom     int          `json:"minzoom"`
	MaxZoom     int          `json:"maxzoom"`
	Sortby      string       `json:"sortby,omitempty"`
	AssetRule   string       `json:"asset_rule,omitempty"`
	Links       []*stac.Link `json:"links"`
}

// Collections lists the served collections with their tile templates.
// GET /collections
func (h *Handlers) Collections(w http.ResponseWriter, r *http.Request) {
	list := h.tiles.Collections()
	collections := make([]collectionSummary, 0, len(list))

	for _, c := range list {
		searched := c.Collections
		if len(searched) == 0 {
			searched = []string{c.ID}
		}
		base := h.baseURL + "/collections/" + c.ID
		collections = append(collections, collectionSummary{
			ID:          c.ID,
			Title:       c.Title,
			Collections: searched,
			MinZoom:     c.MinZoom,
			MaxZoom:     c.MaxZoom,
			Sortby:      stac.FormatSortby(c.Sortby),
			AssetRule:   c.AssetRule,
			Links: []*stac.Link{
				{Rel: "tiles", Href: base + "/tiles/{z}/{x}/{y}.png", Type: "image/png"},
				{Rel: "bbox", Href: base + "/bbox", Type: "image/png"},
			},
		})
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"collections": collections,
		"links": []*stac.Link{
			{Rel: "self", Href: h.baseURL + "/collections", Type: stac.MediaTypeJSON},
		},
	})
}

// Tile renders one web-mercator tile as PNG.
// GET /collections/{collectionId}/tiles/{z}/{x}/{y}[.png]
func (h *Handlers) Tile(w http.ResponseWriter, r *http.Request) {
	req, err := parseTileRequest(r)
	if err != nil {
		WriteInvalidParameter(w, err.Error())
		return
	}
	h.render(w, r, req)
}

// BBox renders an EPSG:4326 image of a bounding box as PNG.
// GET /collections/{collectionId}/bbox?bbox=w,s,e,n&width=..&height=..
func (h *Handlers) BBox(w http.ResponseWriter, r *http.Request) {
	req, err := parseBBoxRequest(r)
	if err != nil {
		WriteInvalidParameter(w, err.Error())
		return
	}
	h.render(w, r, req)
}

func (h *Handlers) render(w http.ResponseWriter, r *http.Request, req *imageRequest) {
	tile, err := h.tiles.GetTile(r.Context(), req.Request)
	if err != nil {
		h.writeTileError(w, r, err)
		return
	}

	rescale := req.Rescale
	if rescale == nil {
		rescale = tile.Rescale
	}
	body, err := renderPNG(tile.Result, rescale)
	if err != nil {
		h.writeTileError(w, r, err)
		return
	}

	header := w.Header()
	header.Set("Content-Type", "image/png")
	header.Set("Content-Length", strconv.Itoa(len(body)))
	header.Set("Server-Timing", serverTiming(tile.Timings))
	header.Set("X-Assets", strings.Join(tile.Contributors, ","))
	header.Set("X-Cache", cacheStatus(tile.CacheHit))
	if tile.Truncated {
		header.Set("X-Search-Truncated", "true")
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		h.logger.DebugContext(r.Context(), "failed to write tile", slog.String("error", err.Error()))
	}
}

// TileAssets lists the items and assets a tile request would read, in
// precedence order, as a GeoJSON item collection.
// GET /collections/{collectionId}/tiles/{z}/{x}/{y}/assets
func (h *Handlers) TileAssets(w http.ResponseWriter, r *http.Request) {
	req, err := parseTileRequest(r)
	if err != nil {
		WriteInvalidParameter(w, err.Error())
		return
	}

	assets, err := h.tiles.TileAssets(r.Context(), req.Request)
	if err != nil {
		h.writeTileError(w, r, err)
		return
	}

	items := make([]*stac.Item, 0, len(assets.Items))
	for _, it := range assets.Items {
		item := stac.NewItem(it.ID, it.Collection)
		item.Bbox = it.BBox
		for _, a := range it.Assets {
			item.Assets[a.Name] = &stac.Asset{
				Href:  a.Href,
				Type:  a.Type,
				Roles: a.Roles,
			}
		}
		items = append(items, item)
	}

	ic := stac.NewItemCollection(items)
	ic.AddLink("self", h.baseURL+r.URL.RequestURI(), stac.MediaTypeGeoJSON)

	w.Header().Set("X-Cache", cacheStatus(assets.CacheHit))
	if assets.Truncated {
		w.Header().Set("X-Search-Truncated", "true")
	}
	WriteGeoJSON(w, http.StatusOK, ic)
}

func serverTiming(t tiler.Timings) string {
	ms := func(d time.Duration) string {
		return strconv.FormatFloat(float64(d)/float64(time.Millisecond), 'f', 2, 64)
	}
	return fmt.Sprintf("search;dur=%s, mosaic;dur=%s", ms(t.Search), ms(t.Mosaic))
}

func cacheStatus(hit bool) string {
	if hit {
		return "HIT"
	}
	return "MISS"
}
