package sba

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
)

// JacobianScheme selects the numerical differencing scheme used for a
// residual block.
type JacobianScheme int

const (
	// JacobianCentral is a plain central difference.
	JacobianCentral JacobianScheme = iota
	// JacobianRidders is Ridders' polynomial extrapolation of central
	// differences, for residuals that are unstable under a fixed step.
	JacobianRidders
)

// jacobianSchemer lets a residual request a specific differencing scheme.
type jacobianSchemer interface {
	JacobianScheme() JacobianScheme
}

// schemeFor returns the residual's requested scheme, defaulting to
// central differences.
func schemeFor(r Residual) JacobianScheme {
	if s, ok := r.(jacobianSchemer); ok {
		return s.JacobianScheme()
	}
	return JacobianCentral
}

// blockJacobian numerically differentiates eval at x into dst, which
// must be dim x len(x). eval fills out from the parameter vector x.
func blockJacobian(dst *mat.Dense, eval func(x, out []float64) error, x []float64, scheme JacobianScheme) error {
	if scheme == JacobianRidders {
		return riddersJacobian(dst, eval, x)
	}
	var evalErr error
	f := func(out, xv []float64) {
		if err := eval(xv, out); err != nil && evalErr == nil {
			evalErr = err
		}
	}
	fd.Jacobian(dst, f, x, &fd.JacobianSettings{Formula: fd.Central})
	return evalErr
}

// Ridders extrapolation constants, following the classic dfridr recipe.
const (
	riddersCon      = 1.4
	riddersSafe     = 2.0
	riddersTableLen = 10
	riddersInitStep = 1e-2
)

// riddersJacobian fills dst column by column using Ridders' method:
// central differences at geometrically shrinking steps, combined by
// Neville polynomial extrapolation to the zero-step limit. Each column
// stops as soon as the extrapolation error starts growing.
func riddersJacobian(dst *mat.Dense, eval func(x, out []float64) error, x []float64) error {
	dim, cols := dst.Dims()
	if cols != len(x) {
		return errors.Errorf("jacobian has %d columns for %d parameters", cols, len(x))
	}

	xp := make([]float64, len(x))
	fp := make([]float64, dim)
	fm := make([]float64, dim)

	// tab[i][j] holds the j-th extrapolation of the i-th step size.
	tab := make([][][]float64, riddersTableLen)
	for i := range tab {
		tab[i] = make([][]float64, riddersTableLen)
		for j := range tab[i] {
			tab[i][j] = make([]float64, dim)
		}
	}

	central := func(j int, h float64, out []float64) error {
		copy(xp, x)
		xp[j] = x[j] + h
		if err := eval(xp, fp); err != nil {
			return err
		}
		xp[j] = x[j] - h
		if err := eval(xp, fm); err != nil {
			return err
		}
		for k := 0; k < dim; k++ {
			out[k] = (fp[k] - fm[k]) / (2 * h)
		}
		return nil
	}

	con2 := riddersCon * riddersCon
	best := make([]float64, dim)
	for j := 0; j < len(x); j++ {
		h := riddersInitStep * math.Max(1.0, math.Abs(x[j]))
		if err := central(j, h, tab[0][0]); err != nil {
			return err
		}
		copy(best, tab[0][0])
		bestErr := math.Inf(1)

		for i := 1; i < riddersTableLen; i++ {
			h /= riddersCon
			if err := central(j, h, tab[i][0]); err != nil {
				return err
			}
			fac := con2
			for m := 1; m <= i; m++ {
				errT := 0.0
				for k := 0; k < dim; k++ {
					tab[i][m][k] = (tab[i][m-1][k]*fac - tab[i-1][m-1][k]) / (fac - 1)
					e := math.Max(
						math.Abs(tab[i][m][k]-tab[i][m-1][k]),
						math.Abs(tab[i][m][k]-tab[i-1][m-1][k]))
					if e > errT {
						errT = e
					}
				}
				fac *= con2
				if errT <= bestErr {
					bestErr = errT
					copy(best, tab[i][m])
				}
			}
			// Higher order became unstable; keep the best estimate so far.
			diverge := 0.0
			for k := 0; k < dim; k++ {
				d := math.Abs(tab[i][i][k] - tab[i-1][i-1][k])
				if d > diverge {
					diverge = d
				}
			}
			if diverge >= riddersSafe*bestErr {
				break
			}
		}
		for k := 0; k < dim; k++ {
			dst.Set(k, j, best[k])
		}
	}
	return nil
}
