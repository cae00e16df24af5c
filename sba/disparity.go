package sba

import (
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
)

// DisparityField maps a left-image pixel to a stereo disparity vector.
// A lookup may be invalid (masked out, or outside the field); callers
// recover from that locally instead of propagating a failure.
type DisparityField interface {
	// Sample returns the interpolated disparity at the given pixel and
	// whether the lookup is valid.
	Sample(pix r2.Point) (r2.Point, bool)
}

// GridDisparity is a dense disparity grid with a validity mask,
// sampled with bilinear interpolation. A sample is valid only when all
// four surrounding grid cells are valid.
type GridDisparity struct {
	cols, rows int
	dx, dy     []float64
	valid      []bool
}

// NewGridDisparity creates a disparity grid of the given dimensions with
// every cell initially valid and zero.
func NewGridDisparity(cols, rows int) (*GridDisparity, error) {
	if cols < 2 || rows < 2 {
		return nil, errors.Errorf("disparity grid needs at least 2x2 cells, got %dx%d", cols, rows)
	}
	n := cols * rows
	g := &GridDisparity{
		cols:  cols,
		rows:  rows,
		dx:    make([]float64, n),
		dy:    make([]float64, n),
		valid: make([]bool, n),
	}
	for i := range g.valid {
		g.valid[i] = true
	}
	return g, nil
}

func (g *GridDisparity) cellIndex(col, row int) (int, error) {
	if col < 0 || col >= g.cols || row < 0 || row >= g.rows {
		return 0, errors.Errorf("cell (%d, %d) out of range for a %dx%d grid", col, row, g.cols, g.rows)
	}
	return row*g.cols + col, nil
}

// Set stores a disparity value at a grid cell.
func (g *GridDisparity) Set(col, row int, disp r2.Point) error {
	i, err := g.cellIndex(col, row)
	if err != nil {
		return err
	}
	g.dx[i] = disp.X
	g.dy[i] = disp.Y
	g.valid[i] = true
	return nil
}

// Invalidate masks out a grid cell.
func (g *GridDisparity) Invalidate(col, row int) error {
	i, err := g.cellIndex(col, row)
	if err != nil {
		return err
	}
	g.valid[i] = false
	return nil
}

// Sample bilinearly interpolates the disparity at a pixel.
func (g *GridDisparity) Sample(pix r2.Point) (r2.Point, bool) {
	if pix.X < 0 || pix.Y < 0 || pix.X > float64(g.cols-1) || pix.Y > float64(g.rows-1) {
		return r2.Point{}, false
	}
	c0 := int(pix.X)
	r0 := int(pix.Y)
	if c0 >= g.cols-1 {
		c0 = g.cols - 2
	}
	if r0 >= g.rows-1 {
		r0 = g.rows - 2
	}
	fx := pix.X - float64(c0)
	fy := pix.Y - float64(r0)

	i00 := r0*g.cols + c0
	idx := [4]int{i00, i00 + 1, i00 + g.cols, i00 + g.cols + 1}
	w := [4]float64{
		(1 - fx) * (1 - fy),
		fx * (1 - fy),
		(1 - fx) * fy,
		fx * fy,
	}

	// Only cells that actually contribute need to be valid, so a sample
	// at an exact grid node ignores masked neighbors.
	var out r2.Point
	for k := range w {
		if w[k] == 0 {
			continue
		}
		if !g.valid[idx[k]] {
			return r2.Point{}, false
		}
		out.X += w[k] * g.dx[idx[k]]
		out.Y += w[k] * g.dy[idx[k]]
	}
	return out, true
}

// UniformDisparity returns the same disparity for every pixel. Useful
// for tests and for degenerate stereo geometry.
type UniformDisparity struct {
	Disparity r2.Point
}

// Sample returns the uniform disparity.
func (u UniformDisparity) Sample(r2.Point) (r2.Point, bool) {
	return u.Disparity, true
}
