package geojson

import (
	"encoding/json"
	"testing"
)

func TestComputeBBox(t *testing.T) {
	tests := []struct {
		name   string
		geom   string
		want   []float64
		hasErr bool
	}{
		{
			name: "point",
			geom: `{"type":"Point","coordinates":[-122.4,37.8]}`,
			want: []float64{-122.4, 37.8, -122.4, 37.8},
		},
		{
			name: "polygon",
			geom: `{"type":"Polygon","coordinates":[[[-122.5,37.8],[-122.4,37.8],[-122.4,37.9],[-122.5,37.9],[-122.5,37.8]]]}`,
			want: []float64{-122.5, 37.8, -122.4, 37.9},
		},
		{
			name: "multipolygon",
			geom: `{"type":"MultiPolygon","coordinates":[[[[-122.5,37.8],[-122.4,37.8],[-122.4,37.9],[-122.5,37.8]]],[[[-123.5,38.8],[-123.4,38.8],[-123.4,38.9],[-123.5,38.8]]]]}`,
			want: []float64{-123.5, 37.8, -122.4, 38.9},
		},
		{
			name:   "unsupported",
			geom:   `{"type":"Circle","coordinates":[0,0]}`,
			hasErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var g Geometry
			if err := json.Unmarshal([]byte(tt.geom), &g); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			got, err := ComputeBBox(&g)
			if tt.hasErr {
				if err == nil {
					t.Fatalf("expected error, got bbox %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ComputeBBox() error: %v", err)
			}
			if !floatSlicesEqual(got, tt.want) {
				t.Errorf("ComputeBBox() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestComputeBBox_NilGeometry(t *testing.T) {
	if _, err := ComputeBBox(nil); err == nil {
		t.Error("ComputeBBox(nil) should return error")
	}
}

func TestNewPolygonFromBBox(t *testing.T) {
	bbox := []float64{-122.5, 37.8, -122.4, 37.9}
	g, err := NewPolygonFromBBox(bbox)
	if err != nil {
		t.Fatalf("NewPolygonFromBBox() error: %v", err)
	}
	if g.Type != "Polygon" {
		t.Errorf("Type = %s, want Polygon", g.Type)
	}

	var rings [][][]float64
	if err := json.Unmarshal(g.Coordinates, &rings); err != nil {
		t.Fatalf("unmarshal coordinates: %v", err)
	}
	if len(rings) != 1 || len(rings[0]) != 5 {
		t.Fatalf("expected one closed ring of 5 points, got %v", rings)
	}
	first, last := rings[0][0], rings[0][4]
	if first[0] != last[0] || first[1] != last[1] {
		t.Errorf("ring is not closed: %v != %v", first, last)
	}

	back, err := g.BBox()
	if err != nil {
		t.Fatalf("BBox() error: %v", err)
	}
	if !floatSlicesEqual(back, bbox) {
		t.Errorf("BBox() = %v, want %v", back, bbox)
	}
}

func TestNewPolygonFromBBox_InvalidInput(t *testing.T) {
	if _, err := NewPolygonFromBBox([]float64{1, 2, 3}); err == nil {
		t.Error("expected error for 3-value bbox")
	}
}

func floatSlicesEqual(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		d := a[i] - b[i]
		if d > 1e-9 || d < -1e-9 {
			return false
		}
	}
	return true
}
