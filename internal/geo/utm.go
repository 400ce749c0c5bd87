package geo

import "math"

// WGS84 ellipsoid and UTM constants.
const (
	wgs84A  = 6378137.0
	wgs84F  = 1 / 298.257223563
	utmK0   = 0.9996
	utmE0   = 500000.0
	utmN0S  = 10000000.0
	deg2rad = math.Pi / 180
	rad2deg = 180 / math.Pi
)

// utm is a transverse Mercator projection on the WGS84 ellipsoid using the
// USGS series expansions, accurate to well under a metre inside a zone.
type utm struct {
	code  int
	south bool
	lon0  float64 // central meridian, radians

	e2, ep2, e1    float64
	m1, m2, m3, m4 float64
}

func newUTM(zone int, south bool, code int) utm {
	e2 := wgs84F * (2 - wgs84F)
	e4, e6 := e2*e2, e2*e2*e2
	sq := math.Sqrt(1 - e2)
	return utm{
		code:  code,
		south: south,
		lon0:  float64((zone-1)*6-180+3) * deg2rad,
		e2:    e2,
		ep2:   e2 / (1 - e2),
		e1:    (1 - sq) / (1 + sq),
		m1:    1 - e2/4 - 3*e4/64 - 5*e6/256,
		m2:    3*e2/8 + 3*e4/32 + 45*e6/1024,
		m3:    15*e4/256 + 45*e6/1024,
		m4:    35 * e6 / 3072,
	}
}

func (u utm) EPSG() int { return u.code }

func (u utm) FromWGS84(lon, lat float64) (float64, float64) {
	phi := lat * deg2rad
	sin, cos, tan := math.Sin(phi), math.Cos(phi), math.Tan(phi)

	n := wgs84A / math.Sqrt(1-u.e2*sin*sin)
	t := tan * tan
	c := u.ep2 * cos * cos
	a := cos * (lon*deg2rad - u.lon0)
	m := wgs84A * (u.m1*phi - u.m2*math.Sin(2*phi) + u.m3*math.Sin(4*phi) - u.m4*math.Sin(6*phi))

	a2 := a * a
	x := utmK0 * n * (a + (1-t+c)*a2*a/6 + (5-18*t+t*t+72*c-58*u.ep2)*a2*a2*a/120)
	y := utmK0 * (m + n*tan*(a2/2+(5-t+9*c+4*c*c)*a2*a2/24+(61-58*t+t*t+600*c-330*u.ep2)*a2*a2*a2/720))

	x += utmE0
	if u.south {
		y += utmN0S
	}
	return x, y
}

func (u utm) ToWGS84(x, y float64) (float64, float64) {
	x -= utmE0
	if u.south {
		y -= utmN0S
	}

	mu := y / utmK0 / (wgs84A * u.m1)
	e1 := u.e1
	phi1 := mu +
		(3*e1/2-27*e1*e1*e1/32)*math.Sin(2*mu) +
		(21*e1*e1/16-55*e1*e1*e1*e1/32)*math.Sin(4*mu) +
		(151*e1*e1*e1/96)*math.Sin(6*mu) +
		(1097*e1*e1*e1*e1/512)*math.Sin(8*mu)

	sin, cos, tan := math.Sin(phi1), math.Cos(phi1), math.Tan(phi1)
	c1 := u.ep2 * cos * cos
	t1 := tan * tan
	den := 1 - u.e2*sin*sin
	n1 := wgs84A / math.Sqrt(den)
	r1 := wgs84A * (1 - u.e2) / (den * math.Sqrt(den))
	d := x / (n1 * utmK0)
	d2 := d * d

	lat := phi1 - (n1*tan/r1)*(d2/2-
		(5+3*t1+10*c1-4*c1*c1-9*u.ep2)*d2*d2/24+
		(61+90*t1+298*c1+45*t1*t1-252*u.ep2-3*c1*c1)*d2*d2*d2/720)
	lon := u.lon0 + (d-
		(1+2*t1+c1)*d2*d/6+
		(5-2*c1+28*t1-3*c1*c1+8*u.ep2+24*t1*t1)*d2*d2*d/120)/cos

	return lon * rad2deg, lat * rad2deg
}
