// Package integration provides live integration tests against a public STAC API.
// Run with: go test -v ./internal/integration -tags=integration
//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/robert-malhotra/stac-mosaic-tiler/internal/catalog"
	"github.com/robert-malhotra/stac-mosaic-tiler/internal/geo"
	"github.com/robert-malhotra/stac-mosaic-tiler/internal/stac"
	"github.com/robert-malhotra/stac-mosaic-tiler/pkg/geojson"
	"github.com/robert-malhotra/stac-mosaic-tiler/pkg/server"
)

// catalogURL returns the STAC API under test. TILER_IT_CATALOG_URL overrides
// the Earth Search default.
func catalogURL() string {
	if u := os.Getenv("TILER_IT_CATALOG_URL"); u != "" {
		return u
	}
	return "https://earth-search.aws.element84.com/v1"
}

// Tile 10/544/370 covers part of the Alps.
const z, x, y = 10, 544, 370

func tileQuery(t *testing.T) catalog.Query {
	t.Helper()
	grid, err := geo.TileGrid(z, x, y, geo.DefaultTileSize)
	if err != nil {
		t.Fatalf("TileGrid() error = %v", err)
	}
	footprint, err := geojson.NewPolygonFromBBox(grid.BBox())
	if err != nil {
		t.Fatalf("NewPolygonFromBBox() error = %v", err)
	}
	return catalog.Query{
		Collections: []string{"sentinel-2-l2a"},
		Intersects:  footprint,
		Datetime:    "2024-06-01T00:00:00Z/2024-06-30T23:59:59Z",
		Filters:     map[string]catalog.Predicate{"eo:cloud_cover": {Op: "lt", Value: 50}},
		Sortby:      []stac.SortbyItem{{Field: "eo:cloud_cover", Direction: stac.SortAsc}},
	}
}

func newClient(t *testing.T, opts catalog.Options) *catalog.Client {
	t.Helper()
	opts.BaseURL = catalogURL()
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	client, err := catalog.NewClient(opts)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return client
}

// =============================================================================
// Catalog Client Direct Tests
// =============================================================================

func TestCatalogSearch(t *testing.T) {
	client := newClient(t, catalog.Options{})
	ctx := context.Background()

	t.Run("tile search returns assets and respects filters", func(t *testing.T) {
		res, err := client.Search(ctx, tileQuery(t))
		if err != nil {
			t.Fatalf("search failed: %v", err)
		}
		if len(res.Items) == 0 {
			t.Fatal("expected at least one item")
		}
		for _, it := range res.Items {
			if _, ok := it.Assets["visual"]; !ok {
				t.Errorf("item %s has no visual asset", it.ID)
			}
			if cc, ok := it.Properties["eo:cloud_cover"].(float64); ok && cc >= 50 {
				t.Errorf("item %s has cloud cover %v, want < 50", it.ID, cc)
			}
		}
		t.Logf("Received %d items over %d pages", len(res.Items), res.Pages)
	})

	t.Run("pagination stops at max items", func(t *testing.T) {
		small := newClient(t, catalog.Options{PageSize: 2, MaxItems: 5})
		q := tileQuery(t)
		q.Filters = nil
		q.Datetime = "2023-01-01T00:00:00Z/2024-12-31T23:59:59Z"

		res, err := small.Search(ctx, q)
		if err != nil {
			t.Fatalf("search failed: %v", err)
		}
		if len(res.Items) != 5 || !res.Truncated {
			t.Errorf("got %d items truncated=%v, want 5 truncated", len(res.Items), res.Truncated)
		}
		if res.Pages < 3 {
			t.Errorf("expected at least 3 pages of 2, got %d", res.Pages)
		}
	})

	t.Run("unknown collection yields no items or a query error", func(t *testing.T) {
		q := tileQuery(t)
		q.Collections = []string{"no-such-collection-xyz"}
		res, err := client.Search(ctx, q)
		if err == nil && len(res.Items) != 0 {
			t.Errorf("expected no items, got %d", len(res.Items))
		}
	})
}

// =============================================================================
// Server Tests
// =============================================================================

func TestTileAssetsEndpoint(t *testing.T) {
	dir := t.TempDir()
	collection := `{"id": "s2", "collections": ["sentinel-2-l2a"], "sortby": "+eo:cloud_cover",
		"query": {"eo:cloud_cover": {"lt": 50}}, "asset_rule": "assets:visual", "minzoom": 6, "maxzoom": 16}`
	if err := os.WriteFile(dir+"/s2.json", []byte(collection), 0o644); err != nil {
		t.Fatal(err)
	}

	srv, err := server.New(context.Background(), server.Options{
		CatalogURL:     catalogURL(),
		CollectionsDir: dir,
		TileTimeout:    60 * time.Second,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("server.New() error = %v", err)
	}
	defer srv.Close(context.Background())

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	url := ts.URL + "/collections/s2/tiles/10/544/370/assets?datetime=2024-06-01/2024-06-30"
	for i, wantCache := range []string{"MISS", "HIT"} {
		resp, err := http.Get(url)
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		var body struct {
			Features []struct {
				ID         string         `json:"id"`
				Properties map[string]any `json:"properties"`
			} `json:"features"`
		}
		err = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if got := resp.Header.Get("X-Cache"); got != wantCache {
			t.Errorf("request %d: X-Cache = %q, want %s", i, got, wantCache)
		}
		if len(body.Features) == 0 {
			t.Error("expected items for the tile")
		}
	}
}
