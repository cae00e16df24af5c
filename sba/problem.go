package sba

import (
	"math"

	"github.com/maorshutman/lm"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// residualFloodValue replaces the residual vector when an evaluation
// fails inside the solver loop, so the solver rejects and shrinks the
// step instead of crashing. Large but safely squarable.
const residualFloodValue = 1e100

// residualBlock is one registered error term: the residual function, the
// ordered parameter blocks it reads, and an optional robust loss.
type residualBlock struct {
	res    Residual
	loss   LossFunction
	blocks [][]float64
	scheme JacobianScheme
	dim    int
}

// eval computes the (loss-rescaled) residual segment for this block.
// The robust kernel is folded in as sqrt(rho(s)/s) so the squared norm
// of the returned vector equals the robustified cost.
func (rb residualBlock) eval(seg []float64) error {
	if err := rb.res.Evaluate(rb.blocks, seg); err != nil {
		return err
	}
	if rb.loss != nil {
		s := 0.0
		for _, r := range seg {
			s += r * r
		}
		if s > 0 {
			f := math.Sqrt(rb.loss.Rho(s) / s)
			for i := range seg {
				seg[i] *= f
			}
		}
	}
	return nil
}

// Problem collects residual blocks over externally-owned parameter
// storage and presents them to a generic nonlinear least-squares solver
// as one flat residual vector plus Jacobian. It owns no parameter
// values; it only holds views into the storage.
type Problem struct {
	blocks       []residualBlock
	constant     map[*float64]struct{}
	numResiduals int
}

// NewProblem creates an empty problem.
func NewProblem() *Problem {
	return &Problem{
		constant: make(map[*float64]struct{}),
	}
}

// AddResidualBlock registers a residual over the given ordered parameter
// blocks with an optional robust loss (nil means trivial).
func (p *Problem) AddResidualBlock(res Residual, loss LossFunction, blocks ...[]float64) error {
	if res == nil {
		return errors.New("nil residual")
	}
	if len(blocks) == 0 {
		return errors.New("residual block needs at least one parameter block")
	}
	// A block may be shared across registrations, but repeating it within
	// one block list would double its Jacobian contribution. Callers that
	// share blocks between slots must deduplicate first, the way the
	// disparity residual's slot table does.
	seen := make(map[*float64]struct{}, len(blocks))
	for i, b := range blocks {
		if len(b) == 0 {
			continue
		}
		if _, dup := seen[&b[0]]; dup {
			return errors.Errorf("parameter block %d repeats an earlier block in the same residual", i)
		}
		seen[&b[0]] = struct{}{}
	}
	p.blocks = append(p.blocks, residualBlock{
		res:    res,
		loss:   loss,
		blocks: blocks,
		scheme: schemeFor(res),
		dim:    res.Dimension(),
	})
	p.numResiduals += res.Dimension()
	return nil
}

// SetBlockConstant excludes a parameter block from optimization. The
// block keeps its current values; residuals still read it.
func (p *Problem) SetBlockConstant(block []float64) {
	if len(block) == 0 {
		return
	}
	p.constant[&block[0]] = struct{}{}
}

// NumResidualBlocks returns the number of registered residual blocks.
func (p *Problem) NumResidualBlocks() int { return len(p.blocks) }

// NumResiduals returns the total residual dimension.
func (p *Problem) NumResiduals() int { return p.numResiduals }

// freeBlocks returns the unique non-constant parameter blocks in
// registration order. Blocks are identified by their backing array, so a
// block shared between residuals (or between two slots of one residual)
// appears exactly once.
func (p *Problem) freeBlocks() [][]float64 {
	seen := make(map[*float64]struct{})
	var out [][]float64
	for _, rb := range p.blocks {
		for _, b := range rb.blocks {
			if len(b) == 0 {
				continue
			}
			key := &b[0]
			if _, isConst := p.constant[key]; isConst {
				continue
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, b)
		}
	}
	return out
}

// NumFreeParams returns the total number of optimized scalar parameters.
func (p *Problem) NumFreeParams() int {
	n := 0
	for _, b := range p.freeBlocks() {
		n += len(b)
	}
	return n
}

// PackParams flattens the current free-block values into one vector.
func (p *Problem) PackParams() []float64 {
	free := p.freeBlocks()
	n := 0
	for _, b := range free {
		n += len(b)
	}
	x := make([]float64, 0, n)
	for _, b := range free {
		x = append(x, b...)
	}
	return x
}

// UpdateParams copies a flat parameter vector back into the free blocks.
// This is the single-writer step the external solver performs between
// evaluation passes.
func (p *Problem) UpdateParams(x []float64) error {
	free := p.freeBlocks()
	n := 0
	for _, b := range free {
		n += len(b)
	}
	if len(x) != n {
		return errors.Errorf("parameter vector has %d values, want %d", len(x), n)
	}
	scatterParams(x, free)
	return nil
}

func scatterParams(x []float64, free [][]float64) {
	off := 0
	for _, b := range free {
		copy(b, x[off:off+len(b)])
		off += len(b)
	}
}

// Residuals evaluates every residual block at the current block values
// into dst, which must have length NumResiduals. The first evaluation
// failure aborts the pass and is returned to the caller.
func (p *Problem) Residuals(dst []float64) error {
	if len(dst) != p.numResiduals {
		return errors.Errorf("residual vector has length %d, want %d", len(dst), p.numResiduals)
	}
	off := 0
	for i, rb := range p.blocks {
		if err := rb.eval(dst[off : off+rb.dim]); err != nil {
			return errors.Wrapf(err, "residual block %d", i)
		}
		off += rb.dim
	}
	return nil
}

// Jacobian numerically differentiates the full residual vector with
// respect to the free parameters into dst (NumResiduals x
// NumFreeParams). Each residual block is differentiated per parameter
// block with its own scheme; contributions to a shared block accumulate
// into the same columns.
func (p *Problem) Jacobian(dst *mat.Dense) error {
	free := p.freeBlocks()
	colOf := make(map[*float64]int, len(free))
	col := 0
	for _, b := range free {
		colOf[&b[0]] = col
		col += len(b)
	}
	rows, cols := dst.Dims()
	if rows != p.numResiduals || cols != col {
		return errors.Errorf("jacobian is %dx%d, want %dx%d", rows, cols, p.numResiduals, col)
	}
	dst.Zero()

	rowOff := 0
	for i, rb := range p.blocks {
		for _, b := range rb.blocks {
			if len(b) == 0 {
				continue
			}
			c0, isFree := colOf[&b[0]]
			if !isFree {
				continue
			}
			block := b
			evalFn := func(xb, out []float64) error {
				saved := make([]float64, len(block))
				copy(saved, block)
				copy(block, xb)
				err := rb.eval(out)
				copy(block, saved)
				return err
			}
			local := mat.NewDense(rb.dim, len(block), nil)
			x0 := make([]float64, len(block))
			copy(x0, block)
			if err := blockJacobian(local, evalFn, x0, rb.scheme); err != nil {
				return errors.Wrapf(err, "jacobian of residual block %d", i)
			}
			for r := 0; r < rb.dim; r++ {
				for c := 0; c < len(block); c++ {
					dst.Set(rowOff+r, c0+c, dst.At(rowOff+r, c0+c)+local.At(r, c))
				}
			}
		}
		rowOff += rb.dim
	}
	return nil
}

// LMProblem flattens the problem into the external Levenberg-Marquardt
// solver's form. The solver owns the iteration; evaluation failures
// inside its loop flood the residual vector so the step is rejected.
func (p *Problem) LMProblem() (lm.LMProblem, error) {
	free := p.freeBlocks()
	if len(free) == 0 {
		return lm.LMProblem{}, errors.New("no free parameter blocks to optimize")
	}
	if p.numResiduals == 0 {
		return lm.LMProblem{}, errors.New("no residual blocks registered")
	}
	x0 := p.PackParams()

	fn := func(dst, x []float64) {
		scatterParams(x, free)
		if err := p.Residuals(dst); err != nil {
			for i := range dst {
				dst[i] = residualFloodValue
			}
		}
	}
	jac := func(dst *mat.Dense, x []float64) {
		scatterParams(x, free)
		if err := p.Jacobian(dst); err != nil {
			dst.Zero()
		}
	}
	return lm.LMProblem{
		Dim:        len(x0),
		Size:       p.numResiduals,
		Func:       fn,
		Jac:        jac,
		InitParams: x0,
		Tau:        1e-6,
		Eps1:       1e-8,
		Eps2:       1e-8,
	}, nil
}
