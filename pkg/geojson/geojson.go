// Package geojson provides the GeoJSON geometry type exchanged with STAC APIs
// and conversions to and from orb geometries.
package geojson

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	orbjson "github.com/paulmach/orb/geojson"
)

// Geometry represents a GeoJSON geometry object.
type Geometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// Orb decodes the geometry into an orb.Geometry.
func (g *Geometry) Orb() (orb.Geometry, error) {
	if g == nil {
		return nil, errors.New("geometry is nil")
	}
	data, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal geometry: %w", err)
	}
	og, err := orbjson.UnmarshalGeometry(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s geometry: %w", g.Type, err)
	}
	return og.Geometry(), nil
}

// BBox computes the bounding box of the geometry.
// Returns [west, south, east, north].
func (g *Geometry) BBox() ([]float64, error) {
	return ComputeBBox(g)
}

// ComputeBBox computes the bounding box of a geometry.
// Returns [west, south, east, north].
func ComputeBBox(g *Geometry) ([]float64, error) {
	geom, err := g.Orb()
	if err != nil {
		return nil, err
	}
	if geom == nil {
		return nil, fmt.Errorf("unsupported geometry type: %s", g.Type)
	}
	b := geom.Bound()
	return []float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]}, nil
}

// BoundFromBBox converts a 2D [west, south, east, north] box into an orb.Bound.
func BoundFromBBox(bbox []float64) (orb.Bound, error) {
	if len(bbox) != 4 {
		return orb.Bound{}, fmt.Errorf("bbox must have 4 values [west, south, east, north], got %d", len(bbox))
	}
	return orb.Bound{
		Min: orb.Point{bbox[0], bbox[1]},
		Max: orb.Point{bbox[2], bbox[3]},
	}, nil
}

// FromOrb encodes an orb geometry as a GeoJSON geometry.
func FromOrb(geom orb.Geometry) (*Geometry, error) {
	data, err := orbjson.NewGeometry(geom).MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal geometry: %w", err)
	}
	var g Geometry
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("failed to decode geometry: %w", err)
	}
	return &g, nil
}

// NewPolygonFromBBox creates a polygon geometry from a bounding box.
// bbox should be [west, south, east, north].
func NewPolygonFromBBox(bbox []float64) (*Geometry, error) {
	b, err := BoundFromBBox(bbox)
	if err != nil {
		return nil, err
	}
	return FromOrb(b.ToPolygon())
}
