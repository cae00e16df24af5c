package sba

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrProjectionFailure reports that a ground point does not project into
// a camera (behind the sensor, or the projection is undefined for that
// geometry). It is a distinct failure signal, never a numeric value: the
// solver is expected to reject or shrink the step when it sees it.
var ErrProjectionFailure = errors.New("point does not project into the camera")

// CameraModel projects world-frame ground points into pixel coordinates.
// Implementations must be safe for concurrent use: Project may be called
// from multiple solver threads at once and must not mutate the receiver.
type CameraModel interface {
	// Project returns the pixel location of a ground point, or an error
	// wrapping ErrProjectionFailure if the point does not project.
	Project(point r3.Vector) (r2.Point, error)
	// Center returns the position of the projection center in the world frame.
	Center() r3.Vector
}

// PinholeCamera is a frame camera with a single focal length, a
// principal point offset in pixels and a lens distortion model.
type PinholeCamera struct {
	Pose       Pose
	Focal      float64
	Principal  r2.Point
	Distortion Distortion
}

// Project returns the pixel location of a ground point.
func (cam *PinholeCamera) Project(point r3.Vector) (r2.Point, error) {
	rot := cam.Pose.WorldToCamera()
	q := rotateVec(rot, point.Sub(cam.Pose.Position))
	if q.Z <= 0 {
		return r2.Point{}, errors.Wrap(ErrProjectionFailure, "pinhole")
	}
	x, y := q.X/q.Z, q.Y/q.Z
	if cam.Distortion != nil {
		x, y = cam.Distortion.Apply(x, y)
	}
	return r2.Point{
		X: cam.Focal*x + cam.Principal.X,
		Y: cam.Focal*y + cam.Principal.Y,
	}, nil
}

// Center returns the projection center.
func (cam *PinholeCamera) Center() r3.Vector {
	return cam.Pose.Position
}

// OpticalBarCamera is a panoramic scanning camera. The image column maps
// to a scan angle about the vertical camera axis; ScanScale converts the
// angle to pixels, and the motion compensation term shifts the line
// sample proportionally to the scan angle.
type OpticalBarCamera struct {
	Pose       Pose
	Focal      float64
	Principal  r2.Point
	ScanScale  float64 // scan-angle to pixel conversion factor
	MotionComp float64 // image motion compensation factor
	Velocity   float64 // platform velocity along track, m/s
}

// numOpticalBarExtraParams is the count of optical-bar specific
// intrinsics beyond center and focus: scan scale, motion compensation
// factor and velocity.
const numOpticalBarExtraParams = 3

// Project returns the pixel location of a ground point.
func (cam *OpticalBarCamera) Project(point r3.Vector) (r2.Point, error) {
	rot := cam.Pose.WorldToCamera()
	q := rotateVec(rot, point.Sub(cam.Pose.Position))
	if q.Z <= 0 {
		return r2.Point{}, errors.Wrap(ErrProjectionFailure, "optical bar")
	}
	// Scan angle about the vertical axis and elevation in the scan plane.
	alpha := math.Atan2(q.X, q.Z)
	rho := math.Hypot(q.X, q.Z)
	return r2.Point{
		X: cam.Focal*alpha*cam.ScanScale + cam.Principal.X,
		Y: cam.Focal*(q.Y/rho) + cam.Principal.Y + cam.Velocity*cam.MotionComp*alpha,
	}, nil
}

// Center returns the projection center.
func (cam *OpticalBarCamera) Center() r3.Vector {
	return cam.Pose.Position
}

// CSMCamera is a CSM-style frame model carrying an opaque distortion
// coefficient vector of arbitrary length, applied as a radial polynomial
// in normalized coordinates.
type CSMCamera struct {
	Pose       Pose
	Focal      float64
	Principal  r2.Point
	Distortion []float64
}

// Project returns the pixel location of a ground point.
func (cam *CSMCamera) Project(point r3.Vector) (r2.Point, error) {
	rot := cam.Pose.WorldToCamera()
	q := rotateVec(rot, point.Sub(cam.Pose.Position))
	if q.Z <= 0 {
		return r2.Point{}, errors.Wrap(ErrProjectionFailure, "csm")
	}
	x, y := q.X/q.Z, q.Y/q.Z
	r2n := x*x + y*y
	scale := 1.0
	rp := r2n
	for _, k := range cam.Distortion {
		scale += k * rp
		rp *= r2n
	}
	return r2.Point{
		X: cam.Focal*x*scale + cam.Principal.X,
		Y: cam.Focal*y*scale + cam.Principal.Y,
	}, nil
}

// Center returns the projection center.
func (cam *CSMCamera) Center() r3.Vector {
	return cam.Pose.Position
}

// AdjustedCamera wraps any camera model with a 6-dof adjustment: a
// translation of the projection center and a rotation about the original
// center. A zero adjustment reproduces the underlying camera exactly.
type AdjustedCamera struct {
	Underlying  CameraModel
	Translation r3.Vector
	Rotation    r3.Vector
}

// Project applies the inverse adjustment to the ground point and
// projects it through the underlying camera.
func (cam *AdjustedCamera) Project(point r3.Vector) (r2.Point, error) {
	ctr := cam.Underlying.Center()
	rot := rodrigues(cam.Rotation)
	// Inverse adjustment: undo translation, then rotate back about the
	// original center.
	adjusted := rotateVecT(rot, point.Sub(ctr).Sub(cam.Translation)).Add(ctr)
	return cam.Underlying.Project(adjusted)
}

// Center returns the adjusted projection center.
func (cam *AdjustedCamera) Center() r3.Vector {
	return cam.Underlying.Center().Add(cam.Translation)
}

// CameraArena owns the loaded camera models for one adjustment run and
// hands out stable handles. Adapters and residuals hold handles instead
// of sharing raw references, so the lifetime of every camera is the
// lifetime of the arena.
type CameraArena struct {
	cameras map[uuid.UUID]CameraModel
}

// NewCameraArena creates an empty camera arena.
func NewCameraArena() *CameraArena {
	return &CameraArena{
		cameras: make(map[uuid.UUID]CameraModel),
	}
}

// Add registers a camera and returns its handle.
func (arena *CameraArena) Add(cam CameraModel) uuid.UUID {
	handle := uuid.New()
	arena.cameras[handle] = cam
	return handle
}

// Camera resolves a handle to its camera model.
func (arena *CameraArena) Camera(handle uuid.UUID) (CameraModel, error) {
	cam, ok := arena.cameras[handle]
	if !ok {
		return nil, errors.Errorf("no camera registered for handle %s", handle)
	}
	return cam, nil
}

// Len returns the number of registered cameras.
func (arena *CameraArena) Len() int {
	return len(arena.cameras)
}
