package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func uniformPNG(t *testing.T, v uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 4, 4))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// fakeCatalog serves POST /search with the given features.
func fakeCatalog(t *testing.T, status int, features ...map[string]any) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/search" {
			http.NotFound(w, r)
			return
		}
		calls.Add(1)
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		json.NewEncoder(w).Encode(map[string]any{
			"type":     "FeatureCollection",
			"features": append([]map[string]any{}, features...),
			"links":    []any{},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func scene(id, href string) map[string]any {
	return map[string]any{
		"type":       "Feature",
		"id":         id,
		"collection": "demo",
		"bbox":       []float64{-180, -86, 180, 86},
		"properties": map[string]any{"datetime": "2024-05-01T00:00:00Z"},
		"assets": map[string]any{
			"visual": map[string]any{"href": href, "type": "image/png", "roles": []string{"visual"}},
		},
	}
}

func newTestServer(t *testing.T, catalogURL string) http.Handler {
	t.Helper()
	dir := t.TempDir()
	body := `{"id": "demo", "title": "Demo", "asset_rule": "assets:visual", "maxzoom": 12}`
	if err := os.WriteFile(filepath.Join(dir, "demo.json"), []byte(body), 0o644); err != nil {
		t.Fatalf("write collection: %v", err)
	}

	srv, err := New(context.Background(), Options{
		CatalogURL:     catalogURL,
		CollectionsDir: dir,
		TileTimeout:    5 * time.Second,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { srv.Close(context.Background()) })
	return srv.Router()
}

func get(h http.Handler, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", target, nil))
	return w
}

func TestServer_TileEndToEnd(t *testing.T) {
	assets := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(uniformPNG(t, 200))
	}))
	defer assets.Close()

	cat, calls := fakeCatalog(t, http.StatusOK, scene("scene-1", assets.URL+"/scene-1.png"))
	router := newTestServer(t, cat.URL)

	w := get(router, "/collections/demo/tiles/0/0/0.png")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Cache"); got != "MISS" {
		t.Errorf("first X-Cache = %q, want MISS", got)
	}
	if got := w.Header().Get("X-Assets"); got != "scene-1" {
		t.Errorf("X-Assets = %q, want scene-1", got)
	}

	img, err := png.Decode(w.Body)
	if err != nil {
		t.Fatalf("png.Decode() error = %v", err)
	}
	if b := img.Bounds(); b.Dx() != 256 || b.Dy() != 256 {
		t.Errorf("tile size = %v, want 256x256", b)
	}
	if got := color.NRGBAModel.Convert(img.At(128, 128)).(color.NRGBA); got != (color.NRGBA{200, 200, 200, 255}) {
		t.Errorf("centre pixel = %v, want opaque 200", got)
	}

	w = get(router, "/collections/demo/tiles/0/0/0.png")
	if got := w.Header().Get("X-Cache"); w.Code != http.StatusOK || got != "HIT" {
		t.Errorf("second request: status %d X-Cache %q, want 200 HIT", w.Code, got)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("catalog searches = %d, want 1", n)
	}

	w = get(router, "/collections/demo/tiles/0/0/0/assets")
	if w.Code != http.StatusOK {
		t.Errorf("assets: status = %d, body = %s", w.Code, w.Body.String())
	}

	w = get(router, "/health")
	if w.Code != http.StatusOK {
		t.Errorf("health: status = %d", w.Code)
	}
}

func TestServer_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int // catalog status
		target string
		want   int
	}{
		{"unknown collection", http.StatusOK, "/collections/nope/tiles/0/0/0.png", http.StatusNotFound},
		{"zoom above maxzoom", http.StatusOK, "/collections/demo/tiles/13/0/0.png", http.StatusBadRequest},
		{"no items", http.StatusOK, "/collections/demo/tiles/3/1/1.png", http.StatusNotFound},
		{"catalog rejects", http.StatusBadRequest, "/collections/demo/tiles/3/1/1.png", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat, _ := fakeCatalog(t, tt.status)
			w := get(newTestServer(t, cat.URL), tt.target)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d; body = %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestNew_RequiresCatalogURL(t *testing.T) {
	_, err := New(context.Background(), Options{CollectionsDir: t.TempDir()})
	if err == nil {
		t.Fatal("expected error without a catalog URL")
	}
}
