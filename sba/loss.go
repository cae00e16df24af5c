package sba

import (
	"math"

	"github.com/pkg/errors"
)

// LossFunction is a robust kernel applied to the squared residual norm
// to bound the influence of outliers.
type LossFunction interface {
	// Rho maps the squared residual norm to the robustified cost.
	Rho(s float64) float64
	// Threshold returns the configured outlier threshold (0 for trivial).
	Threshold() float64
}

// TrivialLoss leaves the squared residual norm untouched.
type TrivialLoss struct{}

// Rho returns s unchanged.
func (TrivialLoss) Rho(s float64) float64 { return s }

// Threshold returns 0.
func (TrivialLoss) Threshold() float64 { return 0 }

// HuberLoss is quadratic up to the threshold and linear beyond it.
type HuberLoss struct {
	threshold float64
}

// Rho applies the Huber kernel.
func (l HuberLoss) Rho(s float64) float64 {
	a2 := l.threshold * l.threshold
	if s <= a2 {
		return s
	}
	return 2*l.threshold*math.Sqrt(s) - a2
}

// Threshold returns the configured threshold.
func (l HuberLoss) Threshold() float64 { return l.threshold }

// CauchyLoss grows logarithmically, bounding outlier influence harder
// than Huber.
type CauchyLoss struct {
	threshold float64
}

// Rho applies the Cauchy kernel.
func (l CauchyLoss) Rho(s float64) float64 {
	a2 := l.threshold * l.threshold
	return a2 * math.Log1p(s/a2)
}

// Threshold returns the configured threshold.
func (l CauchyLoss) Threshold() float64 { return l.threshold }

// LossByName maps a configuration name and threshold to a robust loss.
// Recognized names: "l2", "none" and "trivial" for the trivial loss,
// "huber" and "cauchy" for the bounded-influence kernels. An
// unrecognized name is a configuration error.
func LossByName(name string, threshold float64) (LossFunction, error) {
	switch name {
	case "l2", "none", "trivial":
		return TrivialLoss{}, nil
	case "huber":
		if threshold <= 0 {
			return nil, errors.Errorf("huber loss needs a positive threshold, got %g", threshold)
		}
		return HuberLoss{threshold: threshold}, nil
	case "cauchy":
		if threshold <= 0 {
			return nil, errors.Errorf("cauchy loss needs a positive threshold, got %g", threshold)
		}
		return CauchyLoss{threshold: threshold}, nil
	default:
		return nil, errors.Errorf("unknown robust cost function %q", name)
	}
}
