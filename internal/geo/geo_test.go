package geo

import (
	"errors"
	"math"
	"testing"
)

func near(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestTileGrid(t *testing.T) {
	g, err := TileGrid(0, 0, 0, 256)
	if err != nil {
		t.Fatalf("TileGrid() error: %v", err)
	}
	const edge = 20037508.342789244
	if !near(g.Bounds.Min[0], -edge, 1e-3) || !near(g.Bounds.Max[1], edge, 1e-3) {
		t.Errorf("world tile bounds = %v", g.Bounds)
	}

	b := g.LonLatBounds()
	if !near(b.Min[0], -180, 1e-9) || !near(b.Max[0], 180, 1e-9) || !near(b.Max[1], 85.0511287798, 1e-6) {
		t.Errorf("world tile lon/lat bounds = %v", b)
	}

	g, err = TileGrid(1, 1, 0, 512)
	if err != nil {
		t.Fatal(err)
	}
	if g.Width != 512 || !near(g.Bounds.Min[0], 0, 1e-6) || !near(g.Bounds.Min[1], 0, 1e-6) {
		t.Errorf("tile 1/1/0 = %+v", g)
	}
}

func TestTileGrid_Invalid(t *testing.T) {
	for _, c := range [][3]int{{-1, 0, 0}, {1, 2, 0}, {3, 0, 8}, {31, 0, 0}} {
		if _, err := TileGrid(c[0], c[1], c[2], 256); !errors.Is(err, ErrInvalidTile) {
			t.Errorf("TileGrid(%v) error = %v, want ErrInvalidTile", c, err)
		}
	}
}

func TestGrid_PixelCenter(t *testing.T) {
	g, err := BBoxGrid([]float64{0, 0, 10, 10}, 10, 10)
	if err != nil {
		t.Fatal(err)
	}
	x, y := g.PixelCenter(0, 0)
	if x != 0.5 || y != 9.5 {
		t.Errorf("PixelCenter(0,0) = %v,%v", x, y)
	}
	x, y = g.PixelCenter(9, 9)
	if x != 9.5 || y != 0.5 {
		t.Errorf("PixelCenter(9,9) = %v,%v", x, y)
	}
}

func TestUTM_RoundTrip(t *testing.T) {
	tests := []struct {
		epsg     int
		lon, lat float64
	}{
		{32632, 9, 45},
		{32632, 11.3, 47.2},
		{32633, 12.1, 60.5},
		{32755, 147.2, -33.8},
		{32618, -74.0, 40.7},
	}

	for _, tt := range tests {
		crs, err := LookupCRS(tt.epsg)
		if err != nil {
			t.Fatalf("LookupCRS(%d) error: %v", tt.epsg, err)
		}
		x, y := crs.FromWGS84(tt.lon, tt.lat)
		lon, lat := crs.ToWGS84(x, y)
		if !near(lon, tt.lon, 1e-6) || !near(lat, tt.lat, 1e-6) {
			t.Errorf("EPSG:%d round trip (%v,%v) -> (%v,%v) -> (%v,%v)", tt.epsg, tt.lon, tt.lat, x, y, lon, lat)
		}
	}
}

func TestUTM_CentralMeridian(t *testing.T) {
	crs, _ := LookupCRS(32631)
	x, y := crs.FromWGS84(3, 0)
	if !near(x, 500000, 1e-6) || !near(y, 0, 1e-6) {
		t.Errorf("equator on central meridian = %v,%v", x, y)
	}

	south, _ := LookupCRS(32731)
	_, y = south.FromWGS84(3, 0)
	if !near(y, 10000000, 1e-6) {
		t.Errorf("southern false northing = %v", y)
	}
}

func TestLookupCRS_Unsupported(t *testing.T) {
	if _, err := LookupCRS(2154); !errors.Is(err, ErrUnsupportedCRS) {
		t.Errorf("error = %v, want ErrUnsupportedCRS", err)
	}
}

func TestAffine_Invert(t *testing.T) {
	a, err := NewAffine([]float64{10, 0, 499980, 0, -10, 5100000})
	if err != nil {
		t.Fatal(err)
	}
	inv, err := a.Invert()
	if err != nil {
		t.Fatal(err)
	}

	x, y := a.Apply(123.5, 77.25)
	col, row := inv.Apply(x, y)
	if !near(col, 123.5, 1e-9) || !near(row, 77.25, 1e-9) {
		t.Errorf("inverse round trip = %v,%v", col, row)
	}

	if _, err := (Affine{}).Invert(); err == nil {
		t.Error("expected error for singular transform")
	}
}
