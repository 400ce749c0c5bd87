package geo

import (
	"errors"
	"fmt"
)

// Affine maps pixel (col, row) to CRS (x, y) in the GDAL/STAC proj:transform
// order: x = a*col + b*row + c, y = d*col + e*row + f.
type Affine [6]float64

// NewAffine builds a transform from a proj:transform array (6 or 9 values).
func NewAffine(t []float64) (Affine, error) {
	if len(t) != 6 && len(t) != 9 {
		return Affine{}, fmt.Errorf("transform must have 6 or 9 values, got %d", len(t))
	}
	return Affine{t[0], t[1], t[2], t[3], t[4], t[5]}, nil
}

// AffineFromBounds stretches a cols x rows raster over bounds with north up.
func AffineFromBounds(minX, minY, maxX, maxY float64, cols, rows int) Affine {
	return Affine{
		(maxX - minX) / float64(cols), 0, minX,
		0, -(maxY - minY) / float64(rows), maxY,
	}
}

// Apply maps pixel coordinates to CRS coordinates.
func (t Affine) Apply(col, row float64) (x, y float64) {
	return t[0]*col + t[1]*row + t[2], t[3]*col + t[4]*row + t[5]
}

// Invert returns the CRS-to-pixel transform.
func (t Affine) Invert() (Affine, error) {
	det := t[0]*t[4] - t[1]*t[3]
	if det == 0 {
		return Affine{}, errors.New("transform is not invertible")
	}
	ia := t[4] / det
	ib := -t[1] / det
	id := -t[3] / det
	ie := t[0] / det
	return Affine{
		ia, ib, -(ia*t[2] + ib*t[5]),
		id, ie, -(id*t[2] + ie*t[5]),
	}, nil
}
