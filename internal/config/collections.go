package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/robert-malhotra/stac-mosaic-tiler/internal/catalog"
	"github.com/robert-malhotra/stac-mosaic-tiler/internal/geo"
	"github.com/robert-malhotra/stac-mosaic-tiler/internal/mosaic"
	"github.com/robert-malhotra/stac-mosaic-tiler/internal/raster"
	"github.com/robert-malhotra/stac-mosaic-tiler/internal/stac"
	"github.com/robert-malhotra/stac-mosaic-tiler/internal/tiler"
)

// CollectionConfig describes a tiled collection: which catalog collections
// feed it and how its mosaics are built. It is loaded from JSON files in the
// collections directory.
type CollectionConfig struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	// Collections are the catalog collection IDs searched; defaults to ID.
	Collections []string `json:"collections,omitempty"`

	// Query holds default STAC query-extension predicates, e.g.
	// {"eo:cloud_cover": {"lt": 20}}.
	Query json.RawMessage `json:"query,omitempty"`

	Sortby     string    `json:"sortby,omitempty"`
	AssetRule  string    `json:"asset_rule,omitempty"`
	MinZoom    int       `json:"minzoom"`
	MaxZoom    int       `json:"maxzoom"`
	MaxItems   int       `json:"max_items,omitempty"`
	Resampling string    `json:"resampling,omitempty"`
	Nodata     *float64  `json:"nodata,omitempty"`
	Rescale    []float64 `json:"rescale,omitempty"`
}

// CollectionRegistry holds all loaded collection configurations indexed by ID.
type CollectionRegistry struct {
	collections map[string]*CollectionConfig
}

// NewCollectionRegistry creates a new empty collection registry.
func NewCollectionRegistry() *CollectionRegistry {
	return &CollectionRegistry{
		collections: make(map[string]*CollectionConfig),
	}
}

// LoadCollections loads collection definitions from JSON files in the specified directory.
// Only files with a .json extension are processed.
func LoadCollections(collectionsDir string) (*CollectionRegistry, error) {
	registry := NewCollectionRegistry()

	info, err := os.Stat(collectionsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to access collections directory %q: %w", collectionsDir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("collections path %q is not a directory", collectionsDir)
	}

	entries, err := os.ReadDir(collectionsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read collections directory %q: %w", collectionsDir, err)
	}

	loadedCount := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		filename := entry.Name()
		if !strings.HasSuffix(strings.ToLower(filename), ".json") {
			continue
		}

		filePath := filepath.Join(collectionsDir, filename)
		collection, err := loadCollectionFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("failed to load collection from %q: %w", filePath, err)
		}

		if err := registry.Add(collection); err != nil {
			return nil, fmt.Errorf("failed to add collection from %q: %w", filePath, err)
		}

		loadedCount++
	}

	if loadedCount == 0 {
		return nil, fmt.Errorf("no collection files found in %q", collectionsDir)
	}

	return registry, nil
}

func loadCollectionFile(filePath string) (*CollectionConfig, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var collection CollectionConfig
	if err := json.Unmarshal(data, &collection); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	if _, err := collection.Policy(); err != nil {
		return nil, fmt.Errorf("invalid collection configuration: %w", err)
	}

	return &collection, nil
}

// Policy validates the configuration and converts it into the tiler's
// serving policy.
func (c *CollectionConfig) Policy() (tiler.Collection, error) {
	if c.ID == "" {
		return tiler.Collection{}, fmt.Errorf("collection ID is required")
	}
	if c.Title == "" {
		return tiler.Collection{}, fmt.Errorf("collection title is required")
	}

	maxZoom := c.MaxZoom
	if maxZoom == 0 {
		maxZoom = geo.MaxZoom
	}
	if c.MinZoom < 0 || maxZoom > geo.MaxZoom || c.MinZoom > maxZoom {
		return tiler.Collection{}, fmt.Errorf("zoom range %d..%d is invalid", c.MinZoom, maxZoom)
	}
	if c.MaxItems < 0 {
		return tiler.Collection{}, fmt.Errorf("max_items must not be negative, got %d", c.MaxItems)
	}
	if len(c.Rescale) != 0 && (len(c.Rescale) != 2 || c.Rescale[0] >= c.Rescale[1]) {
		return tiler.Collection{}, fmt.Errorf("rescale must be [min, max] with min < max, got %v", c.Rescale)
	}
	if _, err := mosaic.ParseSelector(c.AssetRule); err != nil {
		return tiler.Collection{}, fmt.Errorf("asset_rule: %w", err)
	}

	sortby, err := stac.ParseSortby(c.Sortby)
	if err != nil {
		return tiler.Collection{}, fmt.Errorf("sortby: %w", err)
	}
	filters, err := catalog.ParseQueryExtension(c.Query)
	if err != nil {
		return tiler.Collection{}, fmt.Errorf("query: %w", err)
	}

	var resampling raster.Resampling
	if c.Resampling != "" {
		if resampling, err = raster.ParseResampling(c.Resampling); err != nil {
			return tiler.Collection{}, err
		}
	}

	return tiler.Collection{
		ID:          c.ID,
		Title:       c.Title,
		Collections: slices.Clone(c.Collections),
		Sortby:      sortby,
		AssetRule:   c.AssetRule,
		Filters:     filters,
		MinZoom:     c.MinZoom,
		MaxZoom:     maxZoom,
		MaxItems:    c.MaxItems,
		Resampling:  resampling,
		Nodata:      c.Nodata,
		Rescale:     slices.Clone(c.Rescale),
	}, nil
}

// Add registers a collection in the registry.
// Returns an error if a collection with the same ID already exists.
func (r *CollectionRegistry) Add(collection *CollectionConfig) error {
	if collection == nil {
		return fmt.Errorf("cannot add nil collection")
	}

	if _, exists := r.collections[collection.ID]; exists {
		return fmt.Errorf("collection with ID %q already exists", collection.ID)
	}

	r.collections[collection.ID] = collection
	return nil
}

// Get retrieves a collection by ID.
// Returns nil if the collection does not exist.
func (r *CollectionRegistry) Get(id string) *CollectionConfig {
	return r.collections[id]
}

// Has checks if a collection with the given ID exists in the registry.
func (r *CollectionRegistry) Has(id string) bool {
	_, exists := r.collections[id]
	return exists
}

// IDs returns all collection IDs in sorted order.
func (r *CollectionRegistry) IDs() []string {
	ids := make([]string, 0, len(r.collections))
	for id := range r.collections {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Count returns the number of collections in the registry.
func (r *CollectionRegistry) Count() int {
	return len(r.collections)
}

// Policies converts every registered collection into tiler policies.
func (r *CollectionRegistry) Policies() (tiler.CollectionMap, error) {
	out := make(tiler.CollectionMap, len(r.collections))
	for id, c := range r.collections {
		p, err := c.Policy()
		if err != nil {
			return nil, fmt.Errorf("collection %s: %w", id, err)
		}
		out[id] = p
	}
	return out, nil
}
