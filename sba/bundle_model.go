package sba

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Parameter block sizes shared by every camera variant. The first block
// is always the ground point and the second always the pose.
const (
	NumPointParams  = 3
	NumPoseParams   = 6
	NumCenterParams = 2
	NumFocusParams  = 1
)

// BundleModel unpacks solver parameter blocks into a temporary camera
// model and projects a ground point through it. It hides model-specific
// intrinsics behind a fixed point/pose contract plus a variable-length
// intrinsics tail, so every residual stays sensor-agnostic.
//
// Evaluate must be safe for concurrent invocation: it may only use local
// temporaries and must never mutate the wrapped camera.
type BundleModel interface {
	// NumPointParams is 3 for every variant.
	NumPointParams() int
	// NumPoseParams is 6 for every variant.
	NumPoseParams() int
	// NumIntrinsicParams counts all camera parameters other than point and pose.
	NumIntrinsicParams() int
	// NumParameterBlocks returns the number of solver parameter blocks.
	NumParameterBlocks() int
	// BlockSizes returns the size of each parameter block, in order.
	// The sizes sum to NumPointParams+NumPoseParams+NumIntrinsicParams.
	BlockSizes() []int
	// Evaluate rebuilds a camera from the current block values and
	// projects the ground point into pixel space. Returns an error
	// wrapping ErrProjectionFailure when the point does not project.
	Evaluate(blocks [][]float64) (r2.Point, error)
	// Handle identifies the wrapped camera in its arena.
	Handle() uuid.UUID
}

// validateBundleModel checks the block-size invariant shared by all
// variants. A mismatch is a configuration error detected before any
// solving begins.
func validateBundleModel(m BundleModel) error {
	total := 0
	for _, s := range m.BlockSizes() {
		total += s
	}
	want := m.NumPointParams() + m.NumPoseParams() + m.NumIntrinsicParams()
	if total != want {
		return errors.Errorf("block sizes sum to %d, want %d", total, want)
	}
	return nil
}

// checkBlocks validates the block list passed into Evaluate against the
// model's declared layout. A mismatch is an input invariant violation
// and is surfaced immediately.
func checkBlocks(m BundleModel, blocks [][]float64) error {
	sizes := m.BlockSizes()
	if len(blocks) != len(sizes) {
		return errors.Errorf("got %d parameter blocks, want %d", len(blocks), len(sizes))
	}
	for i, s := range sizes {
		if len(blocks[i]) != s {
			return errors.Errorf("parameter block %d has %d values, want %d", i, len(blocks[i]), s)
		}
	}
	return nil
}

func pointFromBlock(b []float64) r3.Vector {
	return r3.Vector{X: b[0], Y: b[1], Z: b[2]}
}

// AdjustedBundleModel wraps a preconfigured camera of any type and only
// varies the six adjustment parameters. Blocks: (point), (pose).
type AdjustedBundleModel struct {
	handle uuid.UUID
	cam    CameraModel
}

// NewAdjustedBundleModel resolves the handle in the arena and wraps the
// camera behind the two-block adjusted contract.
func NewAdjustedBundleModel(arena *CameraArena, handle uuid.UUID) (*AdjustedBundleModel, error) {
	cam, err := arena.Camera(handle)
	if err != nil {
		return nil, errors.Wrap(err, "adjusted bundle model")
	}
	m := &AdjustedBundleModel{handle: handle, cam: cam}
	if err := validateBundleModel(m); err != nil {
		return nil, errors.Wrap(err, "adjusted bundle model")
	}
	return m, nil
}

func (m *AdjustedBundleModel) NumPointParams() int     { return NumPointParams }
func (m *AdjustedBundleModel) NumPoseParams() int      { return NumPoseParams }
func (m *AdjustedBundleModel) NumIntrinsicParams() int { return 0 }
func (m *AdjustedBundleModel) NumParameterBlocks() int { return 2 }
func (m *AdjustedBundleModel) Handle() uuid.UUID       { return m.handle }

func (m *AdjustedBundleModel) BlockSizes() []int {
	return []int{NumPointParams, NumPoseParams}
}

// Evaluate applies the pose block as a 6-dof adjustment on top of the
// wrapped camera and projects the point block through it.
func (m *AdjustedBundleModel) Evaluate(blocks [][]float64) (r2.Point, error) {
	if err := checkBlocks(m, blocks); err != nil {
		return r2.Point{}, err
	}
	adj := PoseFromSlice(blocks[1])
	cam := AdjustedCamera{
		Underlying:  m.cam,
		Translation: adj.Position,
		Rotation:    adj.Rotation,
	}
	return cam.Project(pointFromBlock(blocks[0]))
}

// PinholeBundleModel solves for all pinhole camera parameters.
// Blocks: (point), (pose), (center), (focus), (lens distortion).
// Blocks the current run does not want to solve for should be marked
// constant in the problem so the solver leaves them alone.
type PinholeBundleModel struct {
	handle uuid.UUID
	cam    *PinholeCamera
}

// NewPinholeBundleModel resolves the handle in the arena; the camera
// must be a pinhole model.
func NewPinholeBundleModel(arena *CameraArena, handle uuid.UUID) (*PinholeBundleModel, error) {
	cam, err := arena.Camera(handle)
	if err != nil {
		return nil, errors.Wrap(err, "pinhole bundle model")
	}
	pinhole, ok := cam.(*PinholeCamera)
	if !ok {
		return nil, errors.Errorf("pinhole bundle model: camera %s is %T, not a pinhole", handle, cam)
	}
	m := &PinholeBundleModel{handle: handle, cam: pinhole}
	if err := validateBundleModel(m); err != nil {
		return nil, errors.Wrap(err, "pinhole bundle model")
	}
	return m, nil
}

// numDistParams reads the lens distortion size from the wrapped camera.
func (m *PinholeBundleModel) numDistParams() int {
	if m.cam.Distortion == nil {
		return 0
	}
	return len(m.cam.Distortion.Parameters())
}

func (m *PinholeBundleModel) NumPointParams() int { return NumPointParams }
func (m *PinholeBundleModel) NumPoseParams() int  { return NumPoseParams }
func (m *PinholeBundleModel) NumIntrinsicParams() int {
	return NumCenterParams + NumFocusParams + m.numDistParams()
}
func (m *PinholeBundleModel) NumParameterBlocks() int { return 5 }
func (m *PinholeBundleModel) Handle() uuid.UUID       { return m.handle }

func (m *PinholeBundleModel) BlockSizes() []int {
	return []int{NumPointParams, NumPoseParams, NumCenterParams, NumFocusParams, m.numDistParams()}
}

// Evaluate rebuilds a pinhole camera from the current block values and
// projects the point block through it.
func (m *PinholeBundleModel) Evaluate(blocks [][]float64) (r2.Point, error) {
	if err := checkBlocks(m, blocks); err != nil {
		return r2.Point{}, err
	}
	cam := PinholeCamera{
		Pose:      PoseFromSlice(blocks[1]),
		Principal: r2.Point{X: blocks[2][0], Y: blocks[2][1]},
		Focal:     blocks[3][0],
	}
	if m.cam.Distortion != nil {
		dist, err := m.cam.Distortion.WithParameters(blocks[4])
		if err != nil {
			return r2.Point{}, errors.Wrap(err, "pinhole bundle model")
		}
		cam.Distortion = dist
	}
	return cam.Project(pointFromBlock(blocks[0]))
}

// OpticalBarBundleModel solves for all optical-bar camera parameters.
// Blocks: (point), (pose), (center), (focus), (extra bar parameters).
type OpticalBarBundleModel struct {
	handle uuid.UUID
	cam    *OpticalBarCamera
}

// NewOpticalBarBundleModel resolves the handle in the arena; the camera
// must be an optical-bar model.
func NewOpticalBarBundleModel(arena *CameraArena, handle uuid.UUID) (*OpticalBarBundleModel, error) {
	cam, err := arena.Camera(handle)
	if err != nil {
		return nil, errors.Wrap(err, "optical bar bundle model")
	}
	bar, ok := cam.(*OpticalBarCamera)
	if !ok {
		return nil, errors.Errorf("optical bar bundle model: camera %s is %T, not an optical bar", handle, cam)
	}
	m := &OpticalBarBundleModel{handle: handle, cam: bar}
	if err := validateBundleModel(m); err != nil {
		return nil, errors.Wrap(err, "optical bar bundle model")
	}
	return m, nil
}

func (m *OpticalBarBundleModel) NumPointParams() int { return NumPointParams }
func (m *OpticalBarBundleModel) NumPoseParams() int  { return NumPoseParams }
func (m *OpticalBarBundleModel) NumIntrinsicParams() int {
	return NumCenterParams + NumFocusParams + numOpticalBarExtraParams
}
func (m *OpticalBarBundleModel) NumParameterBlocks() int { return 5 }
func (m *OpticalBarBundleModel) Handle() uuid.UUID       { return m.handle }

func (m *OpticalBarBundleModel) BlockSizes() []int {
	return []int{NumPointParams, NumPoseParams, NumCenterParams, NumFocusParams, numOpticalBarExtraParams}
}

// Evaluate rebuilds an optical-bar camera from the current block values
// and projects the point block through it.
func (m *OpticalBarBundleModel) Evaluate(blocks [][]float64) (r2.Point, error) {
	if err := checkBlocks(m, blocks); err != nil {
		return r2.Point{}, err
	}
	cam := OpticalBarCamera{
		Pose:       PoseFromSlice(blocks[1]),
		Principal:  r2.Point{X: blocks[2][0], Y: blocks[2][1]},
		Focal:      blocks[3][0],
		ScanScale:  blocks[4][0],
		MotionComp: blocks[4][1],
		Velocity:   blocks[4][2],
	}
	return cam.Project(pointFromBlock(blocks[0]))
}

// CSMBundleModel solves for all CSM camera parameters.
// Blocks: (point), (pose), (center), (focus), (distortion vector).
type CSMBundleModel struct {
	handle uuid.UUID
	cam    *CSMCamera
}

// NewCSMBundleModel resolves the handle in the arena; the camera must be
// a CSM model.
func NewCSMBundleModel(arena *CameraArena, handle uuid.UUID) (*CSMBundleModel, error) {
	cam, err := arena.Camera(handle)
	if err != nil {
		return nil, errors.Wrap(err, "csm bundle model")
	}
	csm, ok := cam.(*CSMCamera)
	if !ok {
		return nil, errors.Errorf("csm bundle model: camera %s is %T, not a csm model", handle, cam)
	}
	m := &CSMBundleModel{handle: handle, cam: csm}
	if err := validateBundleModel(m); err != nil {
		return nil, errors.Wrap(err, "csm bundle model")
	}
	return m, nil
}

// numDistParams reads the distortion vector size from the wrapped camera.
func (m *CSMBundleModel) numDistParams() int {
	return len(m.cam.Distortion)
}

func (m *CSMBundleModel) NumPointParams() int { return NumPointParams }
func (m *CSMBundleModel) NumPoseParams() int  { return NumPoseParams }
func (m *CSMBundleModel) NumIntrinsicParams() int {
	return NumCenterParams + NumFocusParams + m.numDistParams()
}
func (m *CSMBundleModel) NumParameterBlocks() int { return 5 }
func (m *CSMBundleModel) Handle() uuid.UUID       { return m.handle }

func (m *CSMBundleModel) BlockSizes() []int {
	return []int{NumPointParams, NumPoseParams, NumCenterParams, NumFocusParams, m.numDistParams()}
}

// Evaluate rebuilds a CSM camera from the current block values and
// projects the point block through it.
func (m *CSMBundleModel) Evaluate(blocks [][]float64) (r2.Point, error) {
	if err := checkBlocks(m, blocks); err != nil {
		return r2.Point{}, err
	}
	dist := make([]float64, len(blocks[4]))
	copy(dist, blocks[4])
	cam := CSMCamera{
		Pose:       PoseFromSlice(blocks[1]),
		Principal:  r2.Point{X: blocks[2][0], Y: blocks[2][1]},
		Focal:      blocks[3][0],
		Distortion: dist,
	}
	return cam.Project(pointFromBlock(blocks[0]))
}
