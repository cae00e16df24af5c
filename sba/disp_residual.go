package sba

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// IntrinsicOptions describes whether intrinsics are solved for and which
// intrinsic blocks are shared between cameras. When a block is shared,
// one physical parameter block serves every camera referencing it.
type IntrinsicOptions struct {
	SolveIntrinsics bool
	ShareCenter     bool
	ShareFocus      bool
	ShareDistortion bool
}

// DispXYZError enforces stereo disparity consistency for a fixed
// reference terrain point: the point is projected into the left camera,
// mapped through the interpolated disparity field, and the residual is
// the difference between that predicted pixel and the point's own
// projection into the right camera.
//
// When intrinsics are solved jointly and shared, the same physical block
// is referenced from two logical slots (left and right). The residual
// keeps an explicit slot-to-block mapping so a shared block is never
// passed twice under different identities to the solver, and partial
// derivatives accumulate into one Jacobian column.
type DispXYZError struct {
	maxDispError     float64
	refTerrainWeight float64
	refXYZ           []float64
	disp             DisparityField
	left             BundleModel
	right            BundleModel
	opts             IntrinsicOptions

	// Slot mapping: for each camera, the index in the deduplicated
	// parameter list of its pose/center/focus/distortion blocks.
	leftSlots  []int
	rightSlots []int
	numBlocks  int
}

// NewDispXYZError builds the residual and its deduplicated slot table.
// The reference point is fixed and never optimized. Without intrinsics
// solving both cameras must use the two-block adjusted contract.
func NewDispXYZError(maxDispError, refTerrainWeight float64, refXYZ r3.Vector,
	disp DisparityField, left, right BundleModel, opts IntrinsicOptions) (*DispXYZError, error) {
	e := &DispXYZError{
		maxDispError:     maxDispError,
		refTerrainWeight: refTerrainWeight,
		refXYZ:           []float64{refXYZ.X, refXYZ.Y, refXYZ.Z},
		disp:             disp,
		left:             left,
		right:            right,
		opts:             opts,
	}
	if err := e.buildSlots(); err != nil {
		return nil, errors.Wrap(err, "disparity residual")
	}
	return e, nil
}

// buildSlots lays out the deduplicated parameter list. The pose blocks
// are always distinct; intrinsic blocks collapse onto the left camera's
// slot when shared.
func (e *DispXYZError) buildSlots() error {
	if !e.opts.SolveIntrinsics {
		if e.left.NumParameterBlocks() != 2 || e.right.NumParameterBlocks() != 2 {
			return errors.Errorf("without intrinsics solving both cameras must have 2 blocks, got %d and %d",
				e.left.NumParameterBlocks(), e.right.NumParameterBlocks())
		}
		e.leftSlots = []int{0}
		e.rightSlots = []int{1}
		e.numBlocks = 2
		return nil
	}

	if e.left.NumParameterBlocks() != 5 || e.right.NumParameterBlocks() != 5 {
		return errors.Errorf("intrinsics solving requires 5-block cameras, got %d and %d",
			e.left.NumParameterBlocks(), e.right.NumParameterBlocks())
	}
	leftSizes := e.left.BlockSizes()
	rightSizes := e.right.BlockSizes()
	if e.opts.ShareDistortion && leftSizes[4] != rightSizes[4] {
		return errors.Errorf("cannot share distortion between blocks of size %d and %d", leftSizes[4], rightSizes[4])
	}

	e.leftSlots = []int{0}
	e.rightSlots = []int{1}
	next := 2
	for _, shared := range []bool{e.opts.ShareCenter, e.opts.ShareFocus, e.opts.ShareDistortion} {
		leftSlot := next
		next++
		e.leftSlots = append(e.leftSlots, leftSlot)
		if shared {
			e.rightSlots = append(e.rightSlots, leftSlot)
		} else {
			e.rightSlots = append(e.rightSlots, next)
			next++
		}
	}
	e.numBlocks = next
	return nil
}

// Dimension returns 2.
func (e *DispXYZError) Dimension() int { return 2 }

// NumParameterBlocks returns the length of the deduplicated block list.
func (e *DispXYZError) NumParameterBlocks() int { return e.numBlocks }

// ResidualBlocks assembles the deduplicated parameter-block list for
// registration with the solver, in slot order, pulling blocks for the
// two camera indices out of the parameter storage.
func (e *DispXYZError) ResidualBlocks(store *ParamStorage, leftCam, rightCam int) ([][]float64, error) {
	if leftCam == rightCam {
		return nil, errors.Errorf("left and right camera index are both %d", leftCam)
	}
	blocks := make([][]float64, e.numBlocks)
	fill := func(slots []int, cam int) error {
		for i, slot := range slots {
			var b []float64
			var err error
			switch i {
			case 0:
				b, err = store.PoseBlock(cam)
			case 1:
				b, err = store.CenterBlock(cam)
			case 2:
				b, err = store.FocusBlock(cam)
			case 3:
				b, err = store.DistortionBlock(cam)
			}
			if err != nil {
				return err
			}
			blocks[slot] = b
		}
		return nil
	}
	if err := fill(e.leftSlots, leftCam); err != nil {
		return nil, errors.Wrap(err, "disparity residual blocks")
	}
	if err := fill(e.rightSlots, rightCam); err != nil {
		return nil, errors.Wrap(err, "disparity residual blocks")
	}
	return blocks, nil
}

// unpack re-expands the deduplicated list into the per-camera block
// views each adapter expects, with the fixed reference point injected as
// the point block.
func (e *DispXYZError) unpack(params [][]float64) (left, right [][]float64) {
	left = make([][]float64, 0, len(e.leftSlots)+1)
	left = append(left, e.refXYZ)
	for _, slot := range e.leftSlots {
		left = append(left, params[slot])
	}
	right = make([][]float64, 0, len(e.rightSlots)+1)
	right = append(right, e.refXYZ)
	for _, slot := range e.rightSlots {
		right = append(right, params[slot])
	}
	return left, right
}

// Evaluate computes the disparity-consistency residual. An invalid or
// out-of-range disparity lookup is a local degeneracy: the residual is
// forced to zero and no failure is propagated. Projection failures are
// surfaced.
func (e *DispXYZError) Evaluate(params [][]float64, residuals []float64) error {
	if err := checkResidualCall(e, e.numBlocks, params, residuals); err != nil {
		return err
	}
	leftBlocks, rightBlocks := e.unpack(params)

	leftPix, err := e.left.Evaluate(leftBlocks)
	if err != nil {
		return errors.Wrap(err, "disparity residual: left camera")
	}
	disp, ok := e.disp.Sample(leftPix)
	if !ok || math.Hypot(disp.X, disp.Y) > e.maxDispError {
		residuals[0] = 0
		residuals[1] = 0
		return nil
	}
	rightPix, err := e.right.Evaluate(rightBlocks)
	if err != nil {
		return errors.Wrap(err, "disparity residual: right camera")
	}
	residuals[0] = e.refTerrainWeight * (leftPix.X + disp.X - rightPix.X)
	residuals[1] = e.refTerrainWeight * (leftPix.Y + disp.Y - rightPix.Y)
	return nil
}
