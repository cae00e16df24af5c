package sba

import (
	"github.com/pkg/errors"
)

// Distortion is a lens distortion model applied in normalized image
// coordinates (before scaling by the focal length). Parameters round-trip
// through flat slices so an optimizer can rebuild the model from a
// parameter block.
type Distortion interface {
	// Apply distorts the normalized image point (x, y).
	Apply(x, y float64) (float64, float64)
	// Parameters returns the model coefficients as a flat slice.
	Parameters() []float64
	// WithParameters returns a copy of the model rebuilt from the given
	// coefficients. Fails if the count does not match the model.
	WithParameters(p []float64) (Distortion, error)
}

// RadialDistortion is a pure radial polynomial model with an arbitrary
// number of coefficients: scale = 1 + k1*r^2 + k2*r^4 + ...
type RadialDistortion struct {
	K []float64
}

// NewRadialDistortion creates a radial distortion model with the given coefficients.
func NewRadialDistortion(k ...float64) *RadialDistortion {
	coeffs := make([]float64, len(k))
	copy(coeffs, k)
	return &RadialDistortion{K: coeffs}
}

// Apply distorts the normalized image point (x, y).
func (rd *RadialDistortion) Apply(x, y float64) (float64, float64) {
	r2 := x*x + y*y
	scale := 1.0
	rp := r2
	for _, k := range rd.K {
		scale += k * rp
		rp *= r2
	}
	return x * scale, y * scale
}

// Parameters returns the radial coefficients.
func (rd *RadialDistortion) Parameters() []float64 {
	out := make([]float64, len(rd.K))
	copy(out, rd.K)
	return out
}

// WithParameters rebuilds the model from the given coefficients.
func (rd *RadialDistortion) WithParameters(p []float64) (Distortion, error) {
	if len(p) != len(rd.K) {
		return nil, errors.Errorf("radial distortion expects %d coefficients, got %d", len(rd.K), len(p))
	}
	return NewRadialDistortion(p...), nil
}

// BrownConradyDistortion is a modified Brown-Conrady model with three
// radial and two tangential terms, as described by OpenCV.
type BrownConradyDistortion struct {
	RadialK1     float64
	RadialK2     float64
	RadialK3     float64
	TangentialP1 float64
	TangentialP2 float64
}

// Apply distorts the normalized image point (x, y).
func (bc *BrownConradyDistortion) Apply(x, y float64) (float64, float64) {
	r2 := x*x + y*y
	radDist := 1. + bc.RadialK1*r2 + bc.RadialK2*r2*r2 + bc.RadialK3*r2*r2*r2
	radDistX := x * radDist
	radDistY := y * radDist
	tanDistX := 2.*bc.TangentialP1*x*y + bc.TangentialP2*(r2+2.*x*x)
	tanDistY := 2.*bc.TangentialP2*x*y + bc.TangentialP1*(r2+2.*y*y)
	return radDistX + tanDistX, radDistY + tanDistY
}

// Parameters returns the coefficients in the order k1, k2, k3, p1, p2.
func (bc *BrownConradyDistortion) Parameters() []float64 {
	return []float64{bc.RadialK1, bc.RadialK2, bc.RadialK3, bc.TangentialP1, bc.TangentialP2}
}

// WithParameters rebuilds the model from the given coefficients.
func (bc *BrownConradyDistortion) WithParameters(p []float64) (Distortion, error) {
	if len(p) != 5 {
		return nil, errors.Errorf("Brown-Conrady distortion expects 5 coefficients, got %d", len(p))
	}
	return &BrownConradyDistortion{
		RadialK1:     p[0],
		RadialK2:     p[1],
		RadialK3:     p[2],
		TangentialP1: p[3],
		TangentialP2: p[4],
	}, nil
}
