// Script to compare a running tile server's asset listing for a tile against
// a direct catalog search over the same tile bounds.
//
// Usage: go run ./scripts/compare_search.go
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	tilerURL   = "http://localhost:8080"
	catalogURL = "https://earth-search.aws.element84.com/v1"
	collection = "sentinel-2-l2a"
	datetime   = "2024-06-01T00:00:00Z/2024-06-30T23:59:59Z"
)

// Tile over the Alps
var z, x, y = 10, 544, 370

func main() {
	bbox := tileBounds(z, x, y)

	fmt.Printf("=== Search Comparison: %s tile %d/%d/%d ===\n", collection, z, x, y)
	fmt.Printf("Bounds: %v\n\n", bbox)

	fmt.Println("Querying tile server...")
	start := time.Now()
	tilerIDs, cache, err := queryTiler()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tile server query failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Tile server: %d items (cache %s, %s)\n\n", len(tilerIDs), cache, time.Since(start).Round(time.Millisecond))

	fmt.Println("Querying catalog...")
	start = time.Now()
	catalogIDs, err := queryCatalog(bbox)
	if err != nil {
		fmt.Fprintf(os.Stderr, "catalog query failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Catalog: %d items (%s)\n\n", len(catalogIDs), time.Since(start).Round(time.Millisecond))

	fmt.Println("=== Comparison ===")
	missing := difference(catalogIDs, tilerIDs)
	extra := difference(tilerIDs, catalogIDs)
	if len(missing) == 0 && len(extra) == 0 {
		fmt.Println("✓ Item sets match!")
		return
	}
	fmt.Printf("✗ Only in catalog: %s\n", strings.Join(missing, ", "))
	fmt.Printf("✗ Only in tile server: %s\n", strings.Join(extra, ", "))
	fmt.Println("\nNote: Differences may occur due to:")
	fmt.Println("  - Collection default query predicates applied by the tile server")
	fmt.Println("  - Items without a matching asset being left out of the listing")
	fmt.Println("  - Search truncation at the configured max items")
}

func queryTiler() ([]string, string, error) {
	reqURL := fmt.Sprintf("%s/collections/%s/tiles/%d/%d/%d/assets?datetime=%s", tilerURL, collection, z, x, y, datetime)

	resp, err := http.Get(reqURL)
	if err != nil {
		return nil, "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, "", fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}

	ids, err := featureIDs(resp.Body)
	return ids, resp.Header.Get("X-Cache"), err
}

func queryCatalog(bbox []float64) ([]string, error) {
	body, _ := json.Marshal(map[string]any{
		"collections": []string{collection},
		"bbox":        bbox,
		"datetime":    datetime,
		"limit":       100,
		"fields":      map[string]any{"include": []string{"id"}},
	})

	resp, err := http.Post(catalogURL+"/search", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, string(msg))
	}
	return featureIDs(resp.Body)
}

func featureIDs(r io.Reader) ([]string, error) {
	var fc struct {
		Features []struct {
			ID string `json:"id"`
		} `json:"features"`
	}
	if err := json.NewDecoder(r).Decode(&fc); err != nil {
		return nil, fmt.Errorf("parse response failed: %w", err)
	}
	ids := make([]string, 0, len(fc.Features))
	for _, f := range fc.Features {
		ids = append(ids, f.ID)
	}
	return ids, nil
}

// tileBounds returns the [west, south, east, north] of a web-mercator tile.
func tileBounds(z, x, y int) []float64 {
	n := math.Exp2(float64(z))
	lon := func(x int) float64 { return float64(x)/n*360 - 180 }
	lat := func(y int) float64 {
		return math.Atan(math.Sinh(math.Pi*(1-2*float64(y)/n))) * 180 / math.Pi
	}
	return []float64{lon(x), lat(y + 1), lon(x + 1), lat(y)}
}

func difference(a, b []string) []string {
	seen := make(map[string]bool, len(b))
	for _, id := range b {
		seen[id] = true
	}
	var out []string
	for _, id := range a {
		if !seen[id] {
			out = append(out, id)
		}
	}
	return out
}
