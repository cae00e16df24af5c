package sba

import (
	"math"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/maorshutman/lm"
	"gonum.org/v1/gonum/mat"
)

func TestProblemFreeBlockAccounting(t *testing.T) {
	p := NewProblem()
	point := []float64{1, 2, 3}
	res, err := NewXYZError(r3.Vector{X: 1, Y: 2, Z: 3}, r3.Vector{X: 1, Y: 1, Z: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.AddResidualBlock(res, nil, point); err != nil {
		t.Fatal(err)
	}
	// The same backing array registered twice counts once.
	if err := p.AddResidualBlock(res, nil, point); err != nil {
		t.Fatal(err)
	}
	if p.NumResidualBlocks() != 2 {
		t.Errorf("NumResidualBlocks = %d, want 2", p.NumResidualBlocks())
	}
	if p.NumResiduals() != 6 {
		t.Errorf("NumResiduals = %d, want 6", p.NumResiduals())
	}
	if p.NumFreeParams() != 3 {
		t.Errorf("NumFreeParams = %d, want 3 for one shared block", p.NumFreeParams())
	}

	p.SetBlockConstant(point)
	if p.NumFreeParams() != 0 {
		t.Errorf("NumFreeParams = %d after freezing, want 0", p.NumFreeParams())
	}
}

func TestProblemRejectsRepeatedBlockInOneResidual(t *testing.T) {
	p := NewProblem()
	block := []float64{1, 2, 3}
	res, err := NewXYZError(r3.Vector{}, r3.Vector{X: 1, Y: 1, Z: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.AddResidualBlock(res, nil, block, block); err == nil {
		t.Error("expected an error for a block repeated within one registration")
	}
	if p.NumResidualBlocks() != 0 || p.NumResiduals() != 0 {
		t.Error("a rejected registration must not change the problem")
	}
	// A fresh copy with its own backing array is a different block.
	other := append([]float64(nil), block...)
	if err := p.AddResidualBlock(res, nil, block, other); err != nil {
		t.Errorf("distinct blocks were rejected: %v", err)
	}
}

func TestProblemPackUpdateRoundTrip(t *testing.T) {
	p := NewProblem()
	a := []float64{1, 2, 3}
	b := []float64{4, 5, 6}
	res, err := NewXYZError(r3.Vector{}, r3.Vector{X: 1, Y: 1, Z: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.AddResidualBlock(res, nil, a); err != nil {
		t.Fatal(err)
	}
	if err := p.AddResidualBlock(res, nil, b); err != nil {
		t.Fatal(err)
	}

	x := p.PackParams()
	want := []float64{1, 2, 3, 4, 5, 6}
	for i := range want {
		if x[i] != want[i] {
			t.Fatalf("PackParams = %v, want %v", x, want)
		}
	}

	x[0], x[5] = 10, 60
	if err := p.UpdateParams(x); err != nil {
		t.Fatal(err)
	}
	if a[0] != 10 || b[2] != 60 {
		t.Errorf("blocks after update: %v %v", a, b)
	}
	if err := p.UpdateParams(x[:4]); err == nil {
		t.Error("expected an error for a short parameter vector")
	}
}

func TestProblemJacobianIdentityForUnitSigma(t *testing.T) {
	p := NewProblem()
	point := []float64{100, -50, 30}
	res, err := NewXYZError(r3.Vector{X: 90, Y: -60, Z: 35}, r3.Vector{X: 1, Y: 1, Z: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.AddResidualBlock(res, nil, point); err != nil {
		t.Fatal(err)
	}

	jac := mat.NewDense(3, 3, nil)
	if err := p.Jacobian(jac); err != nil {
		t.Fatal(err)
	}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			want := 0.0
			if r == c {
				want = 1.0
			}
			if !almostEqual(jac.At(r, c), want, 1e-6) {
				t.Errorf("J[%d][%d] = %g, want %g", r, c, jac.At(r, c), want)
			}
		}
	}
}

func TestProblemRobustLossFolding(t *testing.T) {
	p := NewProblem()
	point := []float64{3, 4, 0}
	res, err := NewXYZError(r3.Vector{}, r3.Vector{X: 1, Y: 1, Z: 1})
	if err != nil {
		t.Fatal(err)
	}
	loss, err := LossByName("huber", 1.0)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.AddResidualBlock(res, loss, point); err != nil {
		t.Fatal(err)
	}

	out := make([]float64, 3)
	if err := p.Residuals(out); err != nil {
		t.Fatal(err)
	}
	// s = 25, rho = 2*sqrt(25) - 1 = 9, so each entry scales by sqrt(9/25).
	f := math.Sqrt(9.0 / 25.0)
	want := []float64{3 * f, 4 * f, 0}
	for i := range want {
		if !almostEqual(out[i], want[i], 1e-12) {
			t.Errorf("residual[%d] = %g, want %g", i, out[i], want[i])
		}
	}
	// The squared norm matches the robustified cost.
	s := out[0]*out[0] + out[1]*out[1] + out[2]*out[2]
	if !almostEqual(s, 9.0, 1e-12) {
		t.Errorf("folded cost = %g, want 9", s)
	}
}

func TestAddGroundConstraints(t *testing.T) {
	logger := golog.NewTestLogger(t)
	datum := WGS84Datum()
	opts := IntrinsicOptions{}
	store, err := NewParamStorage(3, 1, []int{0}, opts)
	if err != nil {
		t.Fatal(err)
	}
	gcp := datum.GeodeticToCartesian(r3.Vector{X: 10, Y: 50, Z: 200})
	dem := datum.GeodeticToCartesian(r3.Vector{X: 10.1, Y: 50.1, Z: 180})
	cnet := ControlNetwork{
		{Type: PointFree},
		{Type: PointGCP, Position: gcp, Sigma: r3.Vector{X: 0.1, Y: 0.1, Z: 0.5}},
		{Type: PointFromDEM, Position: dem, Sigma: r3.Vector{X: 5, Y: 5, Z: 2}},
	}
	for i, cp := range cnet {
		if err := store.SetPoint(i, cp.Position); err != nil {
			t.Fatal(err)
		}
	}

	problem := NewProblem()
	points, residuals, err := AddGroundConstraints(
		GroundConstraintOptions{CostFunction: "l2", UseLLHError: true, FixGCPXYZ: true},
		cnet, datum, store, problem, logger)
	if err != nil {
		t.Fatal(err)
	}
	if points != 2 || residuals != 2 {
		t.Errorf("got %d points / %d residuals, want 2 / 2", points, residuals)
	}
	if !store.PointFixed(1) {
		t.Error("GCP should be fixed with FixGCPXYZ")
	}
	if store.PointFixed(2) {
		t.Error("DEM point should stay floating")
	}
	// The GCP block is constant, so only the DEM point's 3 params float.
	if problem.NumFreeParams() != 3 {
		t.Errorf("NumFreeParams = %d, want 3", problem.NumFreeParams())
	}

	// All points seeded at their observed positions: residuals are zero.
	vec := make([]float64, problem.NumResiduals())
	if err := problem.Residuals(vec); err != nil {
		t.Fatal(err)
	}
	for i, r := range vec {
		if !almostEqual(r, 0, 1e-9) {
			t.Errorf("residual[%d] = %g, want 0", i, r)
		}
	}
}

func TestAddGroundConstraintsConfigurationErrors(t *testing.T) {
	logger := golog.NewTestLogger(t)
	datum := WGS84Datum()
	store, err := NewParamStorage(1, 1, []int{0}, IntrinsicOptions{})
	if err != nil {
		t.Fatal(err)
	}
	cnet := ControlNetwork{{Type: PointGCP, Sigma: r3.Vector{X: 1, Y: 1, Z: 1}}}

	problem := NewProblem()
	if _, _, err := AddGroundConstraints(
		GroundConstraintOptions{CostFunction: "tukey"}, cnet, datum, store, problem, logger); err == nil {
		t.Error("expected an error for an unknown cost function")
	}
	if problem.NumResidualBlocks() != 0 {
		t.Error("a configuration error must not register any blocks")
	}

	bad := ControlNetwork{{Type: PointGCP, Sigma: r3.Vector{X: 1, Y: -1, Z: 1}}}
	if _, _, err := AddGroundConstraints(
		GroundConstraintOptions{CostFunction: "l2"}, bad, datum, store, problem, logger); err == nil {
		t.Error("expected an error for a non-positive sigma")
	}
	if problem.NumResidualBlocks() != 0 {
		t.Error("sigma validation must run before any block is registered")
	}
}

// buildReprojectionProblem sets up one adjusted camera observing points
// at their true positions, then perturbs the camera adjustment.
func buildReprojectionProblem(t *testing.T) (*Problem, []float64) {
	t.Helper()
	arena := NewCameraArena()
	model, err := NewAdjustedBundleModel(arena, arena.Add(testPinhole()))
	if err != nil {
		t.Fatal(err)
	}
	points := []r3.Vector{
		{X: 5, Y: 3, Z: 20},
		{X: -4, Y: 6, Z: 30},
		{X: 8, Y: -7, Z: 25},
		{X: -6, Y: -5, Z: 40},
		{X: 1, Y: 9, Z: 35},
	}

	store, err := NewParamStorage(len(points), 1, []int{0}, IntrinsicOptions{})
	if err != nil {
		t.Fatal(err)
	}
	var observations []Observation
	for i, pt := range points {
		if err := store.SetPoint(i, pt); err != nil {
			t.Fatal(err)
		}
		pix, err := model.Evaluate([][]float64{{pt.X, pt.Y, pt.Z}, make([]float64, NumPoseParams)})
		if err != nil {
			t.Fatal(err)
		}
		observations = append(observations, Observation{
			Pixel:      pix,
			PixelSigma: r2.Point{X: 1, Y: 1},
			CameraIdx:  0,
			PointIdx:   i,
		})
	}

	problem := NewProblem()
	added, err := AddReprojectionResiduals(observations, []BundleModel{model}, TrivialLoss{}, store, problem)
	if err != nil {
		t.Fatal(err)
	}
	if added != len(points) {
		t.Fatalf("added %d residuals, want %d", added, len(points))
	}

	// Only the camera adjustment floats.
	for i := range points {
		block, err := store.PointBlock(i)
		if err != nil {
			t.Fatal(err)
		}
		problem.SetBlockConstant(block)
	}
	pose, err := store.PoseBlock(0)
	if err != nil {
		t.Fatal(err)
	}
	pose[0], pose[1], pose[2] = 0.5, -0.3, 0.2
	pose[3], pose[4], pose[5] = 0.002, -0.001, 0.001
	return problem, pose
}

func TestSolvePoseRefinement(t *testing.T) {
	problem, pose := buildReprojectionProblem(t)
	if problem.NumFreeParams() != NumPoseParams {
		t.Fatalf("NumFreeParams = %d, want %d", problem.NumFreeParams(), NumPoseParams)
	}

	initial := make([]float64, problem.NumResiduals())
	if err := problem.Residuals(initial); err != nil {
		t.Fatal(err)
	}
	initialNorm := mat.Norm(mat.NewVecDense(len(initial), initial), 2)
	if initialNorm < 1.0 {
		t.Fatalf("perturbation too small to test against: |r| = %g", initialNorm)
	}

	prob, err := problem.LMProblem()
	if err != nil {
		t.Fatal(err)
	}
	results, err := lm.LM(prob, &lm.Settings{Iterations: 200, ObjectiveTol: 1e-16})
	if err != nil {
		t.Fatal(err)
	}
	if err := problem.UpdateParams(results.X); err != nil {
		t.Fatal(err)
	}

	final := make([]float64, problem.NumResiduals())
	if err := problem.Residuals(final); err != nil {
		t.Fatal(err)
	}
	finalNorm := mat.Norm(mat.NewVecDense(len(final), final), 2)
	if finalNorm > 1e-3*initialNorm {
		t.Errorf("solver left |r| = %g from %g", finalNorm, initialNorm)
	}
	// The recovered adjustment should be near zero.
	for i, v := range pose {
		if math.Abs(v) > 1e-3 {
			t.Errorf("adjustment[%d] = %g, want ~0", i, v)
		}
	}
}

func TestLMProblemRequiresContent(t *testing.T) {
	if _, err := NewProblem().LMProblem(); err == nil {
		t.Error("expected an error for an empty problem")
	}

	p := NewProblem()
	block := []float64{1, 2, 3}
	res, err := NewXYZError(r3.Vector{}, r3.Vector{X: 1, Y: 1, Z: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.AddResidualBlock(res, nil, block); err != nil {
		t.Fatal(err)
	}
	p.SetBlockConstant(block)
	if _, err := p.LMProblem(); err == nil {
		t.Error("expected an error when every block is constant")
	}
}
