// Package geo holds the coordinate math for target tile grids and source
// raster georeferencing.
package geo

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

// Well-known EPSG codes.
const (
	EPSG4326 = 4326
	EPSG3857 = 3857
)

// ErrUnsupportedCRS is returned for coordinate reference systems the tiler cannot project.
var ErrUnsupportedCRS = errors.New("unsupported coordinate reference system")

// CRS converts between a projected or geographic system and WGS84 lon/lat.
type CRS interface {
	EPSG() int
	ToWGS84(x, y float64) (lon, lat float64)
	FromWGS84(lon, lat float64) (x, y float64)
}

// LookupCRS returns the CRS for an EPSG code.
func LookupCRS(epsg int) (CRS, error) {
	switch {
	case epsg == EPSG4326, epsg == 4269, epsg == 4258:
		// NAD83 and ETRS89 are within a metre of WGS84, below tile resolution
		return geographic{code: epsg}, nil
	case epsg == EPSG3857, epsg == 900913, epsg == 3785:
		return webMercator{}, nil
	case epsg > 32600 && epsg <= 32660:
		return newUTM(epsg-32600, false, epsg), nil
	case epsg > 32700 && epsg <= 32760:
		return newUTM(epsg-32700, true, epsg), nil
	}
	return nil, fmt.Errorf("%w: EPSG:%d", ErrUnsupportedCRS, epsg)
}

type geographic struct{ code int }

func (g geographic) EPSG() int { return g.code }

func (geographic) ToWGS84(x, y float64) (float64, float64) { return x, y }

func (geographic) FromWGS84(lon, lat float64) (float64, float64) { return lon, lat }

type webMercator struct{}

func (webMercator) EPSG() int { return EPSG3857 }

func (webMercator) ToWGS84(x, y float64) (float64, float64) {
	p := project.Mercator.ToWGS84(orb.Point{x, y})
	return p[0], p[1]
}

func (webMercator) FromWGS84(lon, lat float64) (float64, float64) {
	p := project.WGS84.ToMercator(orb.Point{lon, lat})
	return p[0], p[1]
}
