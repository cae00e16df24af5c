package sba

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Observation is one pixel measurement of one point by one camera.
// Immutable once built.
type Observation struct {
	Pixel      r2.Point
	PixelSigma r2.Point
	CameraIdx  int
	PointIdx   int
}

// ControlPointType distinguishes free tie points from externally
// constrained ground points.
type ControlPointType int

const (
	// PointFree is an ordinary tie point with no ground constraint.
	PointFree ControlPointType = iota
	// PointGCP is a ground control point with a trusted geodetic position.
	PointGCP
	// PointFromDEM is a point whose height is constrained by a DEM.
	PointFromDEM
)

// ControlPoint is one entry of the control network: an observed ground
// position in ECEF with per-axis sigmas and a fixed/floating flag.
type ControlPoint struct {
	Type     ControlPointType
	Position r3.Vector
	Sigma    r3.Vector
	Fixed    bool
}

// ControlNetwork is the externally supplied set of ground points.
type ControlNetwork []ControlPoint

// ParamStorage owns the flat numeric parameter blocks for one adjustment
// run: one point block per ground point, and pose/center/focus/
// distortion blocks per camera, with intrinsic blocks optionally shared
// across all cameras. Blocks are created once, sized by variant, and
// persist for the run; only the external solver mutates their contents.
type ParamStorage struct {
	opts        IntrinsicOptions
	points      [][]float64
	pointFixed  []bool
	poses       [][]float64
	centers     [][]float64
	focuses     [][]float64
	distortions [][]float64
}

// NewParamStorage allocates storage for the given number of points and
// cameras. distSizes gives the distortion block size per camera; when
// distortion is shared all sizes must agree.
func NewParamStorage(numPoints, numCameras int, distSizes []int, opts IntrinsicOptions) (*ParamStorage, error) {
	if numPoints < 0 || numCameras <= 0 {
		return nil, errors.Errorf("invalid storage dimensions: %d points, %d cameras", numPoints, numCameras)
	}
	if len(distSizes) != numCameras {
		return nil, errors.Errorf("got %d distortion sizes for %d cameras", len(distSizes), numCameras)
	}
	if opts.ShareDistortion {
		for _, s := range distSizes[1:] {
			if s != distSizes[0] {
				return nil, errors.Errorf("shared distortion requires equal sizes, got %v", distSizes)
			}
		}
	}

	s := &ParamStorage{
		opts:       opts,
		points:     make([][]float64, numPoints),
		pointFixed: make([]bool, numPoints),
		poses:      make([][]float64, numCameras),
	}
	for i := range s.points {
		s.points[i] = make([]float64, NumPointParams)
	}
	for i := range s.poses {
		s.poses[i] = make([]float64, NumPoseParams)
	}

	numCenters, numFocuses, numDists := numCameras, numCameras, numCameras
	if opts.ShareCenter {
		numCenters = 1
	}
	if opts.ShareFocus {
		numFocuses = 1
	}
	if opts.ShareDistortion {
		numDists = 1
	}
	s.centers = make([][]float64, numCenters)
	for i := range s.centers {
		s.centers[i] = make([]float64, NumCenterParams)
	}
	s.focuses = make([][]float64, numFocuses)
	for i := range s.focuses {
		s.focuses[i] = make([]float64, NumFocusParams)
	}
	s.distortions = make([][]float64, numDists)
	for i := range s.distortions {
		s.distortions[i] = make([]float64, distSizes[i])
	}
	return s, nil
}

// NumPoints returns the number of point blocks.
func (s *ParamStorage) NumPoints() int { return len(s.points) }

// NumCameras returns the number of pose blocks.
func (s *ParamStorage) NumCameras() int { return len(s.poses) }

// Options returns the intrinsics-sharing configuration.
func (s *ParamStorage) Options() IntrinsicOptions { return s.opts }

// PointBlock returns the 3-element block for a ground point.
func (s *ParamStorage) PointBlock(i int) ([]float64, error) {
	if i < 0 || i >= len(s.points) {
		return nil, errors.Errorf("point index %d out of range [0, %d)", i, len(s.points))
	}
	return s.points[i], nil
}

// PoseBlock returns the 6-element block for a camera.
func (s *ParamStorage) PoseBlock(cam int) ([]float64, error) {
	if cam < 0 || cam >= len(s.poses) {
		return nil, errors.Errorf("camera index %d out of range [0, %d)", cam, len(s.poses))
	}
	return s.poses[cam], nil
}

// CenterBlock returns the optical-center block for a camera, collapsing
// to the single shared block when centers are shared.
func (s *ParamStorage) CenterBlock(cam int) ([]float64, error) {
	if cam < 0 || cam >= len(s.poses) {
		return nil, errors.Errorf("camera index %d out of range [0, %d)", cam, len(s.poses))
	}
	if s.opts.ShareCenter {
		cam = 0
	}
	return s.centers[cam], nil
}

// FocusBlock returns the focal-length block for a camera, collapsing to
// the single shared block when focus is shared.
func (s *ParamStorage) FocusBlock(cam int) ([]float64, error) {
	if cam < 0 || cam >= len(s.poses) {
		return nil, errors.Errorf("camera index %d out of range [0, %d)", cam, len(s.poses))
	}
	if s.opts.ShareFocus {
		cam = 0
	}
	return s.focuses[cam], nil
}

// DistortionBlock returns the distortion block for a camera, collapsing
// to the single shared block when distortion is shared.
func (s *ParamStorage) DistortionBlock(cam int) ([]float64, error) {
	if cam < 0 || cam >= len(s.poses) {
		return nil, errors.Errorf("camera index %d out of range [0, %d)", cam, len(s.poses))
	}
	if s.opts.ShareDistortion {
		cam = 0
	}
	return s.distortions[cam], nil
}

// SetPoint stores a ground point position into its block.
func (s *ParamStorage) SetPoint(i int, p r3.Vector) error {
	block, err := s.PointBlock(i)
	if err != nil {
		return err
	}
	block[0], block[1], block[2] = p.X, p.Y, p.Z
	return nil
}

// Point reads a ground point position out of its block.
func (s *ParamStorage) Point(i int) (r3.Vector, error) {
	block, err := s.PointBlock(i)
	if err != nil {
		return r3.Vector{}, err
	}
	return pointFromBlock(block), nil
}

// SetPointFixed marks a point block fixed or floating.
func (s *ParamStorage) SetPointFixed(i int, fixed bool) error {
	if i < 0 || i >= len(s.pointFixed) {
		return errors.Errorf("point index %d out of range [0, %d)", i, len(s.pointFixed))
	}
	s.pointFixed[i] = fixed
	return nil
}

// PointFixed reports whether a point block is fixed.
func (s *ParamStorage) PointFixed(i int) bool {
	return i >= 0 && i < len(s.pointFixed) && s.pointFixed[i]
}

// SeedCamera initializes a camera's blocks from a loaded camera model,
// so the optimization starts at the camera's current state. An adjusted
// camera seeds its pose block with the current adjustment.
func (s *ParamStorage) SeedCamera(cam int, model CameraModel) error {
	pose, err := s.PoseBlock(cam)
	if err != nil {
		return err
	}
	seedIntrinsics := func(principal [2]float64, focal float64, dist []float64) error {
		center, err := s.CenterBlock(cam)
		if err != nil {
			return err
		}
		center[0], center[1] = principal[0], principal[1]
		focus, err := s.FocusBlock(cam)
		if err != nil {
			return err
		}
		focus[0] = focal
		block, err := s.DistortionBlock(cam)
		if err != nil {
			return err
		}
		if len(block) != len(dist) {
			return errors.Errorf("camera %d: distortion block has %d values, camera has %d", cam, len(block), len(dist))
		}
		copy(block, dist)
		return nil
	}

	switch c := model.(type) {
	case *AdjustedCamera:
		pose[0], pose[1], pose[2] = c.Translation.X, c.Translation.Y, c.Translation.Z
		pose[3], pose[4], pose[5] = c.Rotation.X, c.Rotation.Y, c.Rotation.Z
		return nil
	case *PinholeCamera:
		copy(pose, c.Pose.Slice())
		var dist []float64
		if c.Distortion != nil {
			dist = c.Distortion.Parameters()
		}
		return seedIntrinsics([2]float64{c.Principal.X, c.Principal.Y}, c.Focal, dist)
	case *OpticalBarCamera:
		copy(pose, c.Pose.Slice())
		return seedIntrinsics([2]float64{c.Principal.X, c.Principal.Y}, c.Focal,
			[]float64{c.ScanScale, c.MotionComp, c.Velocity})
	case *CSMCamera:
		copy(pose, c.Pose.Slice())
		return seedIntrinsics([2]float64{c.Principal.X, c.Principal.Y}, c.Focal, c.Distortion)
	default:
		return errors.Errorf("camera %d: cannot seed parameters from %T", cam, model)
	}
}
