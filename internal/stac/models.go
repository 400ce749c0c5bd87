// Package stac provides STAC API wire types and utilities, wrapping planetlabs/go-stac
// for core types and adding the item-search request and response shapes.
package stac

import (
	"encoding/json"

	gostac "github.com/planetlabs/go-stac"

	"github.com/robert-malhotra/stac-mosaic-tiler/pkg/geojson"
)

// Re-export core types from planetlabs/go-stac for convenience
type (
	Item  = gostac.Item
	Asset = gostac.Asset
	Link  = gostac.Link
)

// Media types used by the tiler.
const (
	MediaTypeGeoJSON = "application/geo+json"
	MediaTypeJSON    = "application/json"
	Version          = "1.0.0"
)

// ItemCollection represents a STAC ItemCollection (GeoJSON FeatureCollection)
// as returned by this service.
type ItemCollection struct {
	Type           string         `json:"type"` // "FeatureCollection"
	Features       []*gostac.Item `json:"features"`
	Links          []*gostac.Link `json:"links"`
	NumberMatched  *int           `json:"numberMatched,omitempty"`
	NumberReturned int            `json:"numberReturned"`
}

// NewItemCollection creates a new ItemCollection with the given items.
func NewItemCollection(items []*gostac.Item) *ItemCollection {
	return &ItemCollection{
		Type:           "FeatureCollection",
		Features:       items,
		Links:          make([]*gostac.Link, 0),
		NumberReturned: len(items),
	}
}

// AddLink adds a link to the ItemCollection.
func (ic *ItemCollection) AddLink(rel, href, mediaType string) {
	ic.Links = append(ic.Links, &gostac.Link{
		Rel:  rel,
		Href: href,
		Type: mediaType,
	})
}

// NewItem creates a new STAC Item with the given ID and collection.
func NewItem(id, collection string) *gostac.Item {
	return &gostac.Item{
		Version:    Version,
		Id:         id,
		Collection: collection,
		Properties: make(map[string]any),
		Assets:     make(map[string]*gostac.Asset),
		Links:      make([]*gostac.Link, 0),
	}
}

// SearchResponse is the item-search response of an upstream STAC API.
// Features are kept raw so extension fields on assets survive decoding.
type SearchResponse struct {
	Type          string        `json:"type"`
	Features      []Feature     `json:"features"`
	Links         []*SearchLink `json:"links,omitempty"`
	NumberMatched *int          `json:"numberMatched,omitempty"`
	Context       *struct {
		Matched *int `json:"matched,omitempty"`
	} `json:"context,omitempty"`
}

// Matched returns the total match count reported by the API, if any.
func (r *SearchResponse) Matched() *int {
	if r.NumberMatched != nil {
		return r.NumberMatched
	}
	if r.Context != nil {
		return r.Context.Matched
	}
	return nil
}

// Feature is a single STAC item in a search response.
type Feature struct {
	Type       string                     `json:"type"`
	ID         string                     `json:"id"`
	Collection string                     `json:"collection,omitempty"`
	BBox       []float64                  `json:"bbox,omitempty"`
	Geometry   *geojson.Geometry          `json:"geometry,omitempty"`
	Properties map[string]any             `json:"properties"`
	Assets     map[string]json.RawMessage `json:"assets"`
}

// SearchLink is a link in a search response. Unlike a plain STAC link it can
// carry the POST body for the next page.
type SearchLink struct {
	Rel    string          `json:"rel"`
	Href   string          `json:"href"`
	Type   string          `json:"type,omitempty"`
	Method string          `json:"method,omitempty"`
	Body   json.RawMessage `json:"body,omitempty"`
	Merge  bool            `json:"merge,omitempty"`
}
