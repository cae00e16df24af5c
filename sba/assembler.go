package sba

import (
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// GroundConstraintOptions configures how ground control and DEM-height
// constraints are added to the problem. The values are supplied by the
// surrounding driver, not owned here.
type GroundConstraintOptions struct {
	// CostFunction names the robust loss applied to ground constraints.
	CostFunction string
	// RobustThreshold parameterizes the bounded-influence losses.
	RobustThreshold float64
	// UseLLHError differences in lon/lat/height instead of ECEF, keeping
	// the anisotropy of the per-axis sigmas.
	UseLLHError bool
	// FixGCPXYZ holds every ground control point's coordinates fixed.
	FixGCPXYZ bool
}

// AddGroundConstraints iterates the control network and registers one
// ground-constraint residual block per constrained point, applying the
// configured loss and fixed/floating policy. It returns the number of
// points used and residual blocks added. Configuration failures abort
// the assembly entirely, before any block is registered.
func AddGroundConstraints(opts GroundConstraintOptions, cnet ControlNetwork, datum Datum,
	store *ParamStorage, problem *Problem, logger golog.Logger) (numPointsUsed, numResiduals int, err error) {

	loss, err := LossByName(opts.CostFunction, opts.RobustThreshold)
	if err != nil {
		return 0, 0, errors.Wrap(err, "ground constraints")
	}
	if len(cnet) > store.NumPoints() {
		return 0, 0, errors.Errorf("control network has %d points but storage has %d", len(cnet), store.NumPoints())
	}

	// Validate the whole network before touching the problem.
	var verr error
	for i, cp := range cnet {
		if cp.Type == PointFree {
			continue
		}
		if cp.Sigma.X <= 0 || cp.Sigma.Y <= 0 || cp.Sigma.Z <= 0 {
			verr = multierr.Append(verr, errors.Errorf("point %d: sigma must be positive, got %v", i, cp.Sigma))
		}
	}
	if verr != nil {
		return 0, 0, errors.Wrap(verr, "ground constraints")
	}

	for i, cp := range cnet {
		if cp.Type == PointFree {
			continue
		}
		block, err := store.PointBlock(i)
		if err != nil {
			return numPointsUsed, numResiduals, errors.Wrap(err, "ground constraints")
		}

		var res Residual
		if opts.UseLLHError {
			res, err = NewLLHError(cp.Position, cp.Sigma, datum)
		} else {
			res, err = NewXYZError(cp.Position, cp.Sigma)
		}
		if err != nil {
			return numPointsUsed, numResiduals, errors.Wrapf(err, "ground constraints: point %d", i)
		}
		if err := problem.AddResidualBlock(res, loss, block); err != nil {
			return numPointsUsed, numResiduals, errors.Wrapf(err, "ground constraints: point %d", i)
		}

		if cp.Fixed || (opts.FixGCPXYZ && cp.Type == PointGCP) {
			if err := store.SetPointFixed(i, true); err != nil {
				return numPointsUsed, numResiduals, errors.Wrap(err, "ground constraints")
			}
			problem.SetBlockConstant(block)
		}
		numPointsUsed++
		numResiduals++
	}

	logger.Infof("added %d ground constraint residuals over %d points (loss %q)",
		numResiduals, numPointsUsed, opts.CostFunction)
	return numPointsUsed, numResiduals, nil
}

// AddReprojectionResiduals registers one reprojection residual per pixel
// observation, pulling the referenced blocks out of the parameter
// storage in the adapter's declared order. models[k] is the adapter for
// camera index k.
func AddReprojectionResiduals(observations []Observation, models []BundleModel, loss LossFunction,
	store *ParamStorage, problem *Problem) (int, error) {

	added := 0
	for i, obs := range observations {
		if obs.CameraIdx < 0 || obs.CameraIdx >= len(models) {
			return added, errors.Errorf("observation %d references camera %d of %d", i, obs.CameraIdx, len(models))
		}
		model := models[obs.CameraIdx]
		blocks, err := CameraBlocks(store, model, obs.PointIdx, obs.CameraIdx)
		if err != nil {
			return added, errors.Wrapf(err, "observation %d", i)
		}
		res, err := NewReprojectionError(obs.Pixel, obs.PixelSigma, model)
		if err != nil {
			return added, errors.Wrapf(err, "observation %d", i)
		}
		if err := problem.AddResidualBlock(res, loss, blocks...); err != nil {
			return added, errors.Wrapf(err, "observation %d", i)
		}
		added++
	}
	return added, nil
}

// CameraBlocks returns the ordered parameter-block list an adapter's
// Evaluate expects, resolved from storage: point and pose for the
// adjusted variant, plus center/focus/distortion for the full-intrinsics
// variants.
func CameraBlocks(store *ParamStorage, model BundleModel, pointIdx, camIdx int) ([][]float64, error) {
	point, err := store.PointBlock(pointIdx)
	if err != nil {
		return nil, err
	}
	pose, err := store.PoseBlock(camIdx)
	if err != nil {
		return nil, err
	}
	blocks := [][]float64{point, pose}
	if model.NumParameterBlocks() == 2 {
		return blocks, nil
	}
	center, err := store.CenterBlock(camIdx)
	if err != nil {
		return nil, err
	}
	focus, err := store.FocusBlock(camIdx)
	if err != nil {
		return nil, err
	}
	dist, err := store.DistortionBlock(camIdx)
	if err != nil {
		return nil, err
	}
	return append(blocks, center, focus, dist), nil
}
