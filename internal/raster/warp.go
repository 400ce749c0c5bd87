package raster

import (
	"fmt"
	"math"

	"github.com/robert-malhotra/stac-mosaic-tiler/internal/catalog"
	"github.com/robert-malhotra/stac-mosaic-tiler/internal/geo"
)

// Georef places a decoded Source in a coordinate reference system.
type Georef struct {
	CRS     geo.CRS
	ToPixel geo.Affine // CRS coordinates -> (col, row)
}

// Georeference derives the source georeferencing from the projection
// extension fields, falling back to stretching the item bbox in EPSG:4326
// over the decoded raster.
func Georeference(asset catalog.Asset, src *Source) (Georef, error) {
	if len(asset.Transform) >= 6 && asset.EPSG != 0 {
		crs, err := geo.LookupCRS(asset.EPSG)
		if err != nil {
			return Georef{}, fmt.Errorf("%w: %w", ErrAssetUnreadable, err)
		}
		t, err := geo.NewAffine(asset.Transform)
		if err != nil {
			return Georef{}, fmt.Errorf("%w: %w", ErrAssetUnreadable, err)
		}

		// proj:shape describes the full-resolution raster; a smaller decoded
		// raster (an overview or preview) covers the same footprint.
		if len(asset.Shape) == 2 && (asset.Shape[0] != src.Height || asset.Shape[1] != src.Width) {
			sx := float64(asset.Shape[1]) / float64(src.Width)
			sy := float64(asset.Shape[0]) / float64(src.Height)
			t = geo.Affine{t[0] * sx, t[1] * sy, t[2], t[3] * sx, t[4] * sy, t[5]}
		}

		inv, err := t.Invert()
		if err != nil {
			return Georef{}, fmt.Errorf("%w: %w", ErrAssetUnreadable, err)
		}
		return Georef{CRS: crs, ToPixel: inv}, nil
	}

	if len(asset.ItemBBox) == 4 {
		b := asset.ItemBBox
		t := geo.AffineFromBounds(b[0], b[1], b[2], b[3], src.Width, src.Height)
		inv, err := t.Invert()
		if err != nil {
			return Georef{}, fmt.Errorf("%w: %w", ErrAssetUnreadable, err)
		}
		crs, _ := geo.LookupCRS(geo.EPSG4326)
		return Georef{CRS: crs, ToPixel: inv}, nil
	}

	return Georef{}, fmt.Errorf("%w: asset %s has no georeferencing", ErrAssetUnreadable, asset.Name)
}

// Warp resamples src onto grid. Target pixels whose centre falls outside the
// source footprint, on nodata, on NaN or on transparent pixels stay invalid.
func Warp(src *Source, ref Georef, grid geo.Grid, resampling Resampling, nodata *float64) *Window {
	win := NewWindow(grid.Width, grid.Height, src.Bands)
	n := win.Pixels()
	sameCRS := grid.CRS.EPSG() == ref.CRS.EPSG()
	vals := make([]float64, src.Bands)

	for row := 0; row < grid.Height; row++ {
		for col := 0; col < grid.Width; col++ {
			x, y := grid.PixelCenter(col, row)
			if !sameCRS {
				lon, lat := grid.CRS.ToWGS84(x, y)
				x, y = ref.CRS.FromWGS84(lon, lat)
			}
			sc, sr := ref.ToPixel.Apply(x, y)

			ok := false
			if resampling == Bilinear {
				ok = sampleBilinear(src, sc, sr, nodata, vals)
			}
			if !ok {
				ok = sampleNearest(src, sc, sr, nodata, vals)
			}
			if !ok {
				continue
			}

			i := row*grid.Width + col
			win.Mask[i] = true
			for b, v := range vals {
				win.Data[b*n+i] = v
			}
		}
	}
	return win
}

func sampleNearest(src *Source, c, r float64, nodata *float64, out []float64) bool {
	ci, ri := int(math.Floor(c)), int(math.Floor(r))
	if ci < 0 || ri < 0 || ci >= src.Width || ri >= src.Height {
		return false
	}
	idx := ri*src.Width + ci
	if !src.validAt(idx, nodata) {
		return false
	}
	for b := range out {
		out[b] = src.at(b, idx)
	}
	return true
}

func sampleBilinear(src *Source, c, r float64, nodata *float64, out []float64) bool {
	// pixel centres sit at half-integer coordinates
	c -= 0.5
	r -= 0.5
	c0, r0 := int(math.Floor(c)), int(math.Floor(r))
	if c0 < 0 || r0 < 0 || c0+1 >= src.Width || r0+1 >= src.Height {
		return false
	}
	fx, fy := c-float64(c0), r-float64(r0)

	i00 := r0*src.Width + c0
	i10 := i00 + 1
	i01 := i00 + src.Width
	i11 := i01 + 1
	for _, idx := range [4]int{i00, i10, i01, i11} {
		if !src.validAt(idx, nodata) {
			return false
		}
	}

	for b := range out {
		top := src.at(b, i00)*(1-fx) + src.at(b, i10)*fx
		bottom := src.at(b, i01)*(1-fx) + src.at(b, i11)*fx
		out[b] = top*(1-fy) + bottom*fy
	}
	return true
}

// validAt reports whether source pixel idx carries data. A pixel is nodata
// when every band equals the nodata value.
func (s *Source) validAt(idx int, nodata *float64) bool {
	if s.Bands == 0 || (s.Alpha != nil && !s.Alpha[idx]) {
		return false
	}
	allNodata := nodata != nil
	for b := 0; b < s.Bands; b++ {
		v := s.at(b, idx)
		if math.IsNaN(v) {
			return false
		}
		if allNodata && !sameValue(v, *nodata) {
			allNodata = false
		}
	}
	return !allNodata
}

func sameValue(v, nodata float64) bool {
	if math.IsNaN(nodata) {
		return math.IsNaN(v)
	}
	return v == nodata
}
