package sba

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Residual is an error term over parameter-block values. The external
// solver drives the residual vector toward zero; Evaluate must be safe
// for concurrent invocation against shared read-only state.
type Residual interface {
	// Dimension returns the length of the residual vector.
	Dimension() int
	// Evaluate fills residuals from the current parameter-block values.
	// Failures are reported per call and never silently absorbed.
	Evaluate(params [][]float64, residuals []float64) error
}

// checkResidualCall validates the argument shapes handed to a residual.
func checkResidualCall(r Residual, numBlocks int, params [][]float64, residuals []float64) error {
	if len(params) != numBlocks {
		return errors.Errorf("got %d parameter blocks, want %d", len(params), numBlocks)
	}
	if len(residuals) != r.Dimension() {
		return errors.Errorf("residual vector has length %d, want %d", len(residuals), r.Dimension())
	}
	return nil
}

// ReprojectionError is the difference between a pixel observation and
// the projection of the point into the camera, normalized per axis by
// the pixel sigma.
type ReprojectionError struct {
	observation r2.Point
	pixelSigma  r2.Point
	model       BundleModel
}

// NewReprojectionError creates a reprojection residual over one
// observation and one camera adapter.
func NewReprojectionError(observation, pixelSigma r2.Point, model BundleModel) (*ReprojectionError, error) {
	if pixelSigma.X <= 0 || pixelSigma.Y <= 0 {
		return nil, errors.Errorf("pixel sigma must be positive, got (%g, %g)", pixelSigma.X, pixelSigma.Y)
	}
	return &ReprojectionError{
		observation: observation,
		pixelSigma:  pixelSigma,
		model:       model,
	}, nil
}

// Dimension returns 2.
func (e *ReprojectionError) Dimension() int { return 2 }

// NumParameterBlocks matches the adapter's block count.
func (e *ReprojectionError) NumParameterBlocks() int { return e.model.NumParameterBlocks() }

// Evaluate projects the point and differences it against the
// observation. A projection failure is surfaced, not zeroed.
func (e *ReprojectionError) Evaluate(params [][]float64, residuals []float64) error {
	if err := checkResidualCall(e, e.model.NumParameterBlocks(), params, residuals); err != nil {
		return err
	}
	pix, err := e.model.Evaluate(params)
	if err != nil {
		return errors.Wrap(err, "reprojection")
	}
	residuals[0] = (pix.X - e.observation.X) / e.pixelSigma.X
	residuals[1] = (pix.Y - e.observation.Y) / e.pixelSigma.Y
	return nil
}

// Fixed relative scaling between the translation and rotation halves of
// the camera drift residual. Position units are meters, so the camera is
// not locked down too tightly; rotation units are radians.
const (
	camDriftPositionWeight = 1e-2
	camDriftRotationWeight = 5e1
)

// CamError penalizes drift of a 6-parameter camera adjustment away from
// its pre-optimization value, with fixed internal scales for the
// translation and rotation halves and one external weight.
type CamError struct {
	origCam []float64
	weight  float64
}

// NewCamError copies the original adjustment; orig must have 6 elements.
func NewCamError(orig []float64, weight float64) (*CamError, error) {
	if len(orig) != NumPoseParams {
		return nil, errors.Errorf("camera adjustment must have %d parameters, got %d", NumPoseParams, len(orig))
	}
	cp := make([]float64, NumPoseParams)
	copy(cp, orig)
	return &CamError{origCam: cp, weight: weight}, nil
}

// Dimension returns 6.
func (e *CamError) Dimension() int { return NumPoseParams }

// Evaluate differences the current adjustment against the original.
func (e *CamError) Evaluate(params [][]float64, residuals []float64) error {
	if err := checkResidualCall(e, 1, params, residuals); err != nil {
		return err
	}
	cam := params[0]
	if len(cam) != NumPoseParams {
		return errors.Errorf("camera block has %d parameters, want %d", len(cam), NumPoseParams)
	}
	for p := 0; p < NumPoseParams/2; p++ {
		residuals[p] = camDriftPositionWeight * e.weight * (cam[p] - e.origCam[p])
	}
	for p := NumPoseParams / 2; p < NumPoseParams; p++ {
		residuals[p] = camDriftRotationWeight * e.weight * (cam[p] - e.origCam[p])
	}
	return nil
}

// RotTransError penalizes drift of a 6-parameter camera adjustment with
// independently supplied translation and rotation weights and no
// internal scale constants. Unlike CamError there is no fixed relative
// scaling, which gives finer-grained external control.
type RotTransError struct {
	origCam           []float64
	rotationWeight    float64
	translationWeight float64
}

// NewRotTransError copies the original adjustment; orig must have 6 elements.
func NewRotTransError(orig []float64, rotationWeight, translationWeight float64) (*RotTransError, error) {
	if len(orig) != NumPoseParams {
		return nil, errors.Errorf("camera adjustment must have %d parameters, got %d", NumPoseParams, len(orig))
	}
	cp := make([]float64, NumPoseParams)
	copy(cp, orig)
	return &RotTransError{
		origCam:           cp,
		rotationWeight:    rotationWeight,
		translationWeight: translationWeight,
	}, nil
}

// Dimension returns 6.
func (e *RotTransError) Dimension() int { return NumPoseParams }

// Evaluate differences the current adjustment against the original.
func (e *RotTransError) Evaluate(params [][]float64, residuals []float64) error {
	if err := checkResidualCall(e, 1, params, residuals); err != nil {
		return err
	}
	cam := params[0]
	if len(cam) != NumPoseParams {
		return errors.Errorf("camera block has %d parameters, want %d", len(cam), NumPoseParams)
	}
	for p := 0; p < NumPoseParams/2; p++ {
		residuals[p] = e.translationWeight * (cam[p] - e.origCam[p])
	}
	for p := NumPoseParams / 2; p < NumPoseParams; p++ {
		residuals[p] = e.rotationWeight * (cam[p] - e.origCam[p])
	}
	return nil
}

// CamUncertaintyError imposes a hard constraint on camera center motion.
// The current displacement relative to the original adjustment is
// rotated into the local north-east-down frame at the camera's original
// geodetic position, normalized per axis by the uncertainty bound, and
// raised to the 4th power. The result is scaled by the number of pixel
// observations backing this camera and by the uncertainty power, so
// well-observed cameras are penalized proportionally harder once they
// exceed their declared uncertainty. The solver squares residuals
// internally, making this an effective 8th-power barrier.
type CamUncertaintyError struct {
	origAdj     []float64
	uncertainty r2.Point
	numPixelObs int
	power       float64
	ecefToNed   *mat.Dense
}

// NewCamUncertaintyError builds the constraint for one camera. origCtr
// is the original camera center in ECEF, origAdj the original
// 6-parameter adjustment, uncertainty the horizontal/vertical bound in
// meters.
func NewCamUncertaintyError(origCtr r3.Vector, origAdj []float64, uncertainty r2.Point,
	numPixelObs int, datum Datum, power float64) (*CamUncertaintyError, error) {
	if len(origAdj) != NumPoseParams {
		return nil, errors.Errorf("camera adjustment must have %d parameters, got %d", NumPoseParams, len(origAdj))
	}
	if uncertainty.X <= 0 || uncertainty.Y <= 0 {
		return nil, errors.Errorf("camera uncertainty must be positive, got (%g, %g)", uncertainty.X, uncertainty.Y)
	}
	cp := make([]float64, NumPoseParams)
	copy(cp, origAdj)
	return &CamUncertaintyError{
		origAdj:     cp,
		uncertainty: uncertainty,
		numPixelObs: numPixelObs,
		power:       power,
		ecefToNed:   datum.EcefToNed(datum.CartesianToGeodetic(origCtr)),
	}, nil
}

// Dimension returns 2: horizontal and vertical motion.
func (e *CamUncertaintyError) Dimension() int { return 2 }

// JacobianScheme requests Ridders extrapolation. Plain central
// differences are unstable near the constraint boundary when the
// uncertainty is 0.1 m or less.
func (e *CamUncertaintyError) JacobianScheme() JacobianScheme { return JacobianRidders }

// Evaluate computes the barrier residual from the current adjustment.
func (e *CamUncertaintyError) Evaluate(params [][]float64, residuals []float64) error {
	if err := checkResidualCall(e, 1, params, residuals); err != nil {
		return err
	}
	cam := params[0]
	if len(cam) != NumPoseParams {
		return errors.Errorf("camera block has %d parameters, want %d", len(cam), NumPoseParams)
	}
	shift := r3.Vector{
		X: cam[0] - e.origAdj[0],
		Y: cam[1] - e.origAdj[1],
		Z: cam[2] - e.origAdj[2],
	}
	ned := rotateVec(e.ecefToNed, shift)

	horiz := math.Hypot(ned.X, ned.Y) / e.uncertainty.X
	vert := ned.Z / e.uncertainty.Y

	scale := float64(e.numPixelObs) * e.power
	residuals[0] = scale * horiz * horiz * horiz * horiz
	residuals[1] = scale * vert * vert * vert * vert
	return nil
}

// LLHError anchors an optimized Cartesian point to an observed geodetic
// position, normalized per axis by independent sigmas. Differencing in
// lon/lat/height keeps the anisotropy of ground-control confidence:
// height is commonly less trusted than horizontal position, and a
// Cartesian difference would mix the axes and discard that.
type LLHError struct {
	observedLLH r3.Vector
	sigma       r3.Vector
	datum       Datum
}

// NewLLHError creates a geodetic ground-control residual. observedXYZ is
// the observed point in ECEF; sigma is per-axis in lon/lat/height order.
func NewLLHError(observedXYZ, sigma r3.Vector, datum Datum) (*LLHError, error) {
	if sigma.X <= 0 || sigma.Y <= 0 || sigma.Z <= 0 {
		return nil, errors.Errorf("ground control sigma must be positive, got %v", sigma)
	}
	return &LLHError{
		observedLLH: datum.CartesianToGeodetic(observedXYZ),
		sigma:       sigma,
		datum:       datum,
	}, nil
}

// Dimension returns 3: lon, lat, height.
func (e *LLHError) Dimension() int { return 3 }

// Evaluate converts the floating point to geodetic form and differences
// it against the observation.
func (e *LLHError) Evaluate(params [][]float64, residuals []float64) error {
	if err := checkResidualCall(e, 1, params, residuals); err != nil {
		return err
	}
	point := params[0]
	if len(point) != NumPointParams {
		return errors.Errorf("point block has %d parameters, want %d", len(point), NumPointParams)
	}
	llh := e.datum.CartesianToGeodetic(pointFromBlock(point))
	residuals[0] = (llh.X - e.observedLLH.X) / e.sigma.X
	residuals[1] = (llh.Y - e.observedLLH.Y) / e.sigma.Y
	residuals[2] = (llh.Z - e.observedLLH.Z) / e.sigma.Z
	return nil
}

// XYZError anchors an optimized Cartesian point to an observed Cartesian
// position, normalized per axis by independent sigmas.
type XYZError struct {
	observedXYZ r3.Vector
	sigma       r3.Vector
}

// NewXYZError creates a Cartesian ground-control residual.
func NewXYZError(observedXYZ, sigma r3.Vector) (*XYZError, error) {
	if sigma.X <= 0 || sigma.Y <= 0 || sigma.Z <= 0 {
		return nil, errors.Errorf("ground control sigma must be positive, got %v", sigma)
	}
	return &XYZError{observedXYZ: observedXYZ, sigma: sigma}, nil
}

// Dimension returns 3.
func (e *XYZError) Dimension() int { return 3 }

// Evaluate differences the floating point against the observation.
func (e *XYZError) Evaluate(params [][]float64, residuals []float64) error {
	if err := checkResidualCall(e, 1, params, residuals); err != nil {
		return err
	}
	point := params[0]
	if len(point) != NumPointParams {
		return errors.Errorf("point block has %d parameters, want %d", len(point), NumPointParams)
	}
	residuals[0] = (point[0] - e.observedXYZ.X) / e.sigma.X
	residuals[1] = (point[1] - e.observedXYZ.Y) / e.sigma.Y
	residuals[2] = (point[2] - e.observedXYZ.Z) / e.sigma.Z
	return nil
}
