package sba

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Datum is a reference ellipsoid used to convert between Cartesian
// (ECEF, meters) and geodetic (longitude/latitude in degrees, height in
// meters) coordinates.
type Datum struct {
	Name      string
	SemiMajor float64
	SemiMinor float64
}

// WGS84Datum returns the WGS84 reference ellipsoid.
func WGS84Datum() Datum {
	return Datum{
		Name:      "WGS84",
		SemiMajor: 6378137.0,
		SemiMinor: 6356752.314245,
	}
}

// e2 returns the first eccentricity squared.
func (d Datum) e2() float64 {
	a, b := d.SemiMajor, d.SemiMinor
	return (a*a - b*b) / (a * a)
}

// GeodeticToCartesian converts a lon/lat/height triple (degrees,
// degrees, meters) to an ECEF position in meters.
func (d Datum) GeodeticToCartesian(llh r3.Vector) r3.Vector {
	lon := llh.X * math.Pi / 180.0
	lat := llh.Y * math.Pi / 180.0
	h := llh.Z

	sinLat, cosLat := math.Sin(lat), math.Cos(lat)
	sinLon, cosLon := math.Sin(lon), math.Cos(lon)

	// Prime vertical radius of curvature.
	n := d.SemiMajor / math.Sqrt(1.0-d.e2()*sinLat*sinLat)

	return r3.Vector{
		X: (n + h) * cosLat * cosLon,
		Y: (n + h) * cosLat * sinLon,
		Z: (n*(1.0-d.e2()) + h) * sinLat,
	}
}

// CartesianToGeodetic converts an ECEF position in meters to a
// lon/lat/height triple (degrees, degrees, meters) using Bowring's
// method, accurate to well below a millimeter for terrestrial points.
func (d Datum) CartesianToGeodetic(xyz r3.Vector) r3.Vector {
	a, b := d.SemiMajor, d.SemiMinor
	e2 := d.e2()
	ep2 := (a*a - b*b) / (b * b)

	p := math.Hypot(xyz.X, xyz.Y)
	lon := math.Atan2(xyz.Y, xyz.X)

	// Bowring's parametric latitude seed.
	theta := math.Atan2(xyz.Z*a, p*b)
	sinT, cosT := math.Sin(theta), math.Cos(theta)
	lat := math.Atan2(xyz.Z+ep2*b*sinT*sinT*sinT, p-e2*a*cosT*cosT*cosT)

	sinLat, cosLat := math.Sin(lat), math.Cos(lat)
	n := a / math.Sqrt(1.0-e2*sinLat*sinLat)
	var h float64
	if math.Abs(cosLat) > 1e-12 {
		h = p/cosLat - n
	} else {
		h = math.Abs(xyz.Z) - b
	}

	return r3.Vector{
		X: lon * 180.0 / math.Pi,
		Y: lat * 180.0 / math.Pi,
		Z: h,
	}
}

// EcefToNed returns the rotation matrix from ECEF axes to the local
// north-east-down frame whose origin is the given geodetic position
// (degrees, degrees, meters).
func (d Datum) EcefToNed(llh r3.Vector) *mat.Dense {
	lon := llh.X * math.Pi / 180.0
	lat := llh.Y * math.Pi / 180.0

	sinLat, cosLat := math.Sin(lat), math.Cos(lat)
	sinLon, cosLon := math.Sin(lon), math.Cos(lon)

	return mat.NewDense(3, 3, []float64{
		-sinLat * cosLon, -sinLat * sinLon, cosLat,
		-sinLon, cosLon, 0,
		-cosLat * cosLon, -cosLat * sinLon, -sinLat,
	})
}
