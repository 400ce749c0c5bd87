package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func featureJSON(id string) map[string]any {
	return map[string]any{
		"type":       "Feature",
		"id":         id,
		"collection": "sentinel-2-l2a",
		"bbox":       []float64{10, 45, 11, 46},
		"properties": map[string]any{"datetime": "2024-01-01T00:00:00Z"},
		"assets": map[string]any{
			"visual": map[string]any{"href": "https://example.com/" + id + ".tif", "type": "image/tiff; application=geotiff"},
		},
	}
}

func newTestClient(t *testing.T, url string, mutate func(*Options)) *Client {
	t.Helper()
	opts := Options{
		BaseURL:      url,
		Timeout:      2 * time.Second,
		Retries:      2,
		RetryInitial: time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := NewClient(opts)
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}
	return c
}

func testQuery() Query {
	return Query{
		Collections: []string{"sentinel-2-l2a"},
		BBox:        []float64{10, 45, 11, 46},
	}
}

func TestClient_SearchFollowsNextLinks(t *testing.T) {
	var requests atomic.Int32
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := requests.Add(1)
		if r.Method != http.MethodPost || r.URL.Path != "/search" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}

		resp := map[string]any{"type": "FeatureCollection"}
		switch n {
		case 1:
			if _, ok := body["token"]; ok {
				t.Error("first page should not carry a token")
			}
			resp["features"] = []any{featureJSON("a"), featureJSON("b")}
			resp["links"] = []any{map[string]any{
				"rel": "next", "href": server.URL + "/search", "method": "POST",
				"merge": true, "body": map[string]any{"token": "page2"},
			}}
		default:
			if body["token"] != "page2" {
				t.Errorf("second page token = %v", body["token"])
			}
			if cols, _ := body["collections"].([]any); len(cols) != 1 {
				t.Errorf("merged body lost collections: %v", body)
			}
			resp["features"] = []any{featureJSON("c")}
		}
		w.Header().Set("Content-Type", "application/geo+json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, nil)
	result, err := c.Search(context.Background(), testQuery())
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}

	if result.Pages != 2 {
		t.Errorf("Pages = %d, want 2", result.Pages)
	}
	if result.Truncated {
		t.Error("result should not be truncated")
	}
	var ids []string
	for _, it := range result.Items {
		ids = append(ids, it.ID)
	}
	if fmt.Sprint(ids) != "[a b c]" {
		t.Errorf("items = %v, want [a b c]", ids)
	}
}

func TestClient_SearchTruncatesAtMaxItems(t *testing.T) {
	var server *httptest.Server
	var page atomic.Int32
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := page.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"type":     "FeatureCollection",
			"features": []any{featureJSON(fmt.Sprintf("p%d-1", n)), featureJSON(fmt.Sprintf("p%d-2", n))},
			"links":    []any{map[string]any{"rel": "next", "href": server.URL + "/search?page=2"}},
		})
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, nil)
	q := testQuery()
	q.MaxItems = 3

	result, err := c.Search(context.Background(), q)
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if len(result.Items) != 3 {
		t.Errorf("len(Items) = %d, want 3", len(result.Items))
	}
	if !result.Truncated {
		t.Error("expected Truncated to be set")
	}
}

func TestClient_SearchErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantErr  error
		attempts int32
	}{
		{name: "bad request", status: http.StatusBadRequest, wantErr: ErrCatalogQuery, attempts: 1},
		{name: "server error retried", status: http.StatusBadGateway, wantErr: ErrCatalogUnavailable, attempts: 3},
		{name: "throttled retried", status: http.StatusTooManyRequests, wantErr: ErrCatalogUnavailable, attempts: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				http.Error(w, `{"code":"error"}`, tt.status)
			}))
			defer server.Close()

			c := newTestClient(t, server.URL, nil)
			_, err := c.Search(context.Background(), testQuery())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if got := calls.Load(); got != tt.attempts {
				t.Errorf("attempts = %d, want %d", got, tt.attempts)
			}
		})
	}
}

func TestClient_SearchRetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"type": "FeatureCollection", "features": []any{featureJSON("a")}})
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, nil)
	result, err := c.Search(context.Background(), testQuery())
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if len(result.Items) != 1 || calls.Load() != 2 {
		t.Errorf("items = %d, calls = %d", len(result.Items), calls.Load())
	}
}

func TestClient_SearchTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	c := newTestClient(t, server.URL, func(o *Options) { o.Timeout = 50 * time.Millisecond })
	_, err := c.Search(context.Background(), testQuery())
	if !errors.Is(err, ErrCatalogTimeout) {
		t.Fatalf("error = %v, want ErrCatalogTimeout", err)
	}
}

func TestClient_SearchRequestBody(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]any{"type": "FeatureCollection", "features": []any{}})
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, nil)
	q := testQuery()
	q.Datetime = "2024-01-01/2024-02-01"
	q.Filters = map[string]Predicate{"eo:cloud_cover": {Op: "lt", Value: 20}}

	if _, err := c.Search(context.Background(), q); err != nil {
		t.Fatalf("Search() error: %v", err)
	}

	query, _ := got["query"].(map[string]any)
	cc, _ := query["eo:cloud_cover"].(map[string]any)
	if cc["lt"] != float64(20) {
		t.Errorf("query extension = %v", got["query"])
	}
	if got["datetime"] != "2024-01-01T00:00:00Z/2024-02-01T00:00:00Z" {
		t.Errorf("datetime = %v", got["datetime"])
	}
	if _, ok := got["fields"]; !ok {
		t.Error("expected fields extension in request")
	}
}

func TestClient_SearchRejectsInvalidQuery(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1", nil)
	_, err := c.Search(context.Background(), Query{})
	if !errors.Is(err, ErrInvalidQuery) {
		t.Fatalf("error = %v, want ErrInvalidQuery", err)
	}
}
