package geo

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// DefaultTileSize is the pixel edge of a web map tile.
const DefaultTileSize = 256

// MaxZoom is the deepest zoom level accepted.
const MaxZoom = 30

// ErrInvalidTile is returned for tile coordinates outside the tile matrix.
var ErrInvalidTile = errors.New("invalid tile coordinates")

// Grid is the pixel lattice a mosaic is rendered into: Width x Height pixels
// covering Bounds in CRS units, north up.
type Grid struct {
	CRS    CRS
	Bounds orb.Bound
	Width  int
	Height int
}

// TileGrid returns the EPSG:3857 grid of the XYZ tile z/x/y.
func TileGrid(z, x, y, size int) (Grid, error) {
	if z < 0 || z > MaxZoom {
		return Grid{}, fmt.Errorf("%w: zoom %d out of range", ErrInvalidTile, z)
	}
	n := 1 << uint(z)
	if x < 0 || y < 0 || x >= n || y >= n {
		return Grid{}, fmt.Errorf("%w: %d/%d/%d", ErrInvalidTile, z, x, y)
	}
	if size <= 0 {
		size = DefaultTileSize
	}

	lonlat := maptile.New(uint32(x), uint32(y), maptile.Zoom(z)).Bound()
	crs := webMercator{}
	minX, minY := crs.FromWGS84(lonlat.Min[0], lonlat.Min[1])
	maxX, maxY := crs.FromWGS84(lonlat.Max[0], lonlat.Max[1])

	return Grid{
		CRS:    crs,
		Bounds: orb.Bound{Min: orb.Point{minX, minY}, Max: orb.Point{maxX, maxY}},
		Width:  size,
		Height: size,
	}, nil
}

// BBoxGrid returns an EPSG:4326 grid over a [west, south, east, north] box.
func BBoxGrid(bbox []float64, width, height int) (Grid, error) {
	if len(bbox) != 4 {
		return Grid{}, fmt.Errorf("bbox must have 4 values, got %d", len(bbox))
	}
	if width <= 0 || height <= 0 {
		return Grid{}, fmt.Errorf("grid size must be positive, got %dx%d", width, height)
	}
	return Grid{
		CRS:    geographic{code: EPSG4326},
		Bounds: orb.Bound{Min: orb.Point{bbox[0], bbox[1]}, Max: orb.Point{bbox[2], bbox[3]}},
		Width:  width,
		Height: height,
	}, nil
}

// Pixels returns the number of pixels in the grid.
func (g Grid) Pixels() int {
	return g.Width * g.Height
}

// PixelCenter returns the CRS coordinates of the centre of pixel (col, row).
func (g Grid) PixelCenter(col, row int) (x, y float64) {
	resX := (g.Bounds.Max[0] - g.Bounds.Min[0]) / float64(g.Width)
	resY := (g.Bounds.Max[1] - g.Bounds.Min[1]) / float64(g.Height)
	return g.Bounds.Min[0] + (float64(col)+0.5)*resX, g.Bounds.Max[1] - (float64(row)+0.5)*resY
}

// LonLatBounds returns the grid extent in WGS84 degrees.
func (g Grid) LonLatBounds() orb.Bound {
	minLon, minLat := g.CRS.ToWGS84(g.Bounds.Min[0], g.Bounds.Min[1])
	maxLon, maxLat := g.CRS.ToWGS84(g.Bounds.Max[0], g.Bounds.Max[1])
	return orb.Bound{Min: orb.Point{minLon, minLat}, Max: orb.Point{maxLon, maxLat}}
}

// BBox returns LonLatBounds as [west, south, east, north].
func (g Grid) BBox() []float64 {
	b := g.LonLatBounds()
	return []float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]}
}
