package sba

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
)

func TestGeodeticCartesianRoundTrip(t *testing.T) {
	datum := WGS84Datum()
	cases := []r3.Vector{
		{X: 0, Y: 0, Z: 0},
		{X: -122.33, Y: 47.61, Z: 56.0},
		{X: 151.21, Y: -33.87, Z: 20.0},
		{X: 12.49, Y: 41.89, Z: 800000.0}, // orbital altitude
		{X: -70.66, Y: -33.45, Z: 520.0},
		{X: 0, Y: 89.9, Z: 100.0}, // near-polar
	}
	for _, llh := range cases {
		xyz := datum.GeodeticToCartesian(llh)
		back := datum.CartesianToGeodetic(xyz)
		if !almostEqual(back.X, llh.X, 1e-9) || !almostEqual(back.Y, llh.Y, 1e-9) {
			t.Errorf("%v: angles came back as (%.12f, %.12f)", llh, back.X, back.Y)
		}
		if !almostEqual(back.Z, llh.Z, 1e-6) {
			t.Errorf("%v: height came back as %.9f", llh, back.Z)
		}
	}
}

func TestGeodeticOrigin(t *testing.T) {
	datum := WGS84Datum()
	xyz := datum.GeodeticToCartesian(r3.Vector{})
	if !almostEqual(xyz.X, datum.SemiMajor, 1e-6) || !almostEqual(xyz.Y, 0, 1e-6) || !almostEqual(xyz.Z, 0, 1e-6) {
		t.Errorf("(0,0,0) geodetic maps to %v, want (%g, 0, 0)", xyz, datum.SemiMajor)
	}

	pole := datum.GeodeticToCartesian(r3.Vector{X: 0, Y: 90, Z: 0})
	if !almostEqual(pole.Z, datum.SemiMinor, 1e-6) {
		t.Errorf("north pole Z = %.6f, want %g", pole.Z, datum.SemiMinor)
	}
	if !almostEqual(math.Hypot(pole.X, pole.Y), 0, 1e-6) {
		t.Errorf("north pole off axis: %v", pole)
	}
}

func TestEcefToNedAtOrigin(t *testing.T) {
	datum := WGS84Datum()
	m := datum.EcefToNed(r3.Vector{})

	// At lon=lat=0 the local frame aligns with the ECEF axes: north is
	// +Z, east is +Y, down is -X.
	north := rotateVec(m, r3.Vector{Z: 1})
	east := rotateVec(m, r3.Vector{Y: 1})
	down := rotateVec(m, r3.Vector{X: -1})

	if !almostEqual(north.X, 1, 1e-12) || !almostEqual(north.Y, 0, 1e-12) || !almostEqual(north.Z, 0, 1e-12) {
		t.Errorf("ECEF +Z should be pure north, got %v", north)
	}
	if !almostEqual(east.Y, 1, 1e-12) {
		t.Errorf("ECEF +Y should be pure east, got %v", east)
	}
	if !almostEqual(down.Z, 1, 1e-12) {
		t.Errorf("ECEF -X should be pure down, got %v", down)
	}
}

func TestEcefToNedOrthonormal(t *testing.T) {
	datum := WGS84Datum()
	m := datum.EcefToNed(r3.Vector{X: 31.1, Y: -12.7, Z: 0})
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			dot := 0.0
			for k := 0; k < 3; k++ {
				dot += m.At(r, k) * m.At(c, k)
			}
			want := 0.0
			if r == c {
				want = 1.0
			}
			if !almostEqual(dot, want, 1e-12) {
				t.Errorf("row %d . row %d = %g, want %g", r, c, dot, want)
			}
		}
	}
}

func TestEcefToNedUpIsRadial(t *testing.T) {
	datum := WGS84Datum()
	llh := r3.Vector{X: 45.0, Y: 30.0, Z: 0}
	m := datum.EcefToNed(llh)

	// Moving straight up in height must map to pure -down.
	p0 := datum.GeodeticToCartesian(llh)
	p1 := datum.GeodeticToCartesian(r3.Vector{X: llh.X, Y: llh.Y, Z: 100.0})
	up := rotateVec(m, p1.Sub(p0))
	if !almostEqual(up.Z, -100, 1e-6) {
		t.Errorf("height step maps to down = %g, want -100", up.Z)
	}
	if !almostEqual(up.X, 0, 1e-6) || !almostEqual(up.Y, 0, 1e-6) {
		t.Errorf("height step leaks into horizontal: %v", up)
	}
}
