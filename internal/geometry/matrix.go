// Package geometry derives camera state from image shape, calibration and
// model matrices.
package geometry

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/keller-mark/viv/internal/pixel"
	"github.com/keller-mark/viv/internal/tiling"
)

var (
	// ErrGeometry is the parent of every geometry failure.
	ErrGeometry = errors.New("geometry error")

	// ErrMissingAxis is returned when a shape lacks a required axis label.
	ErrMissingAxis = fmt.Errorf("%w: missing required shape axis", ErrGeometry)

	// ErrNotAxisAligned is returned when a 2D model matrix rotates or shears.
	ErrNotAxisAligned = fmt.Errorf("%w: model matrix is not axis aligned", ErrGeometry)
)

// Identity returns a fresh 4x4 identity matrix.
func Identity() *mat.Dense {
	return Scale(1, 1, 1)
}

// Scale returns a 4x4 scaling matrix.
func Scale(sx, sy, sz float64) *mat.Dense {
	m := mat.NewDense(4, 4, nil)
	m.Set(0, 0, sx)
	m.Set(1, 1, sy)
	m.Set(2, 2, sz)
	m.Set(3, 3, 1)
	return m
}

// FromColumnMajor builds a matrix from 16 values in column-major order, the
// layout WebGL-style clients send.
func FromColumnMajor(v []float64) (*mat.Dense, error) {
	if len(v) != 16 {
		return nil, fmt.Errorf("%w: model matrix needs 16 values, got %d", ErrGeometry, len(v))
	}
	m := mat.NewDense(4, 4, nil)
	for col := 0; col < 4; col++ {
		for row := 0; row < 4; row++ {
			m.Set(row, col, v[col*4+row])
		}
	}
	return m, nil
}

// ColumnMajor flattens m in column-major order. A nil matrix is the identity.
func ColumnMajor(m *mat.Dense) []float64 {
	if m == nil {
		m = Identity()
	}
	out := make([]float64, 16)
	for col := 0; col < 4; col++ {
		for row := 0; row < 4; row++ {
			out[col*4+row] = m.At(row, col)
		}
	}
	return out
}

// TransformPoint applies m to p as a homogeneous point.
func TransformPoint(m *mat.Dense, p [3]float64) [3]float64 {
	if m == nil {
		return p
	}
	var out mat.VecDense
	out.MulVec(m, mat.NewVecDense(4, []float64{p[0], p[1], p[2], 1}))
	w := out.AtVec(3)
	if w == 0 {
		w = 1
	}
	return [3]float64{out.AtVec(0) / w, out.AtVec(1) / w, out.AtVec(2) / w}
}

// PhysicalSizeScalingMatrix scales each axis by its physical pixel size
// relative to the smallest one. Without x, y and z sizes it is the identity.
func PhysicalSizeScalingMatrix(src pixel.Source) *mat.Dense {
	sizes := src.PhysicalSizes()
	x, okX := sizes["x"]
	y, okY := sizes["y"]
	z, okZ := sizes["z"]
	if !okX || !okY || !okZ || x.Value == 0 || y.Value == 0 || z.Value == 0 {
		return Identity()
	}
	lo := math.Min(z.Value, math.Min(x.Value, y.Value))
	return Scale(x.Value/lo, y.Value/lo, z.Value/lo)
}

// PlanarTransform reduces a model matrix to the axis-aligned 2D transform
// the tiling package works with. A nil matrix is the identity.
func PlanarTransform(m *mat.Dense) (tiling.Transform, error) {
	if m == nil {
		return tiling.Identity(), nil
	}
	if r, c := m.Dims(); r != 4 || c != 4 {
		return tiling.Transform{}, fmt.Errorf("%w: model matrix is %dx%d", ErrGeometry, r, c)
	}
	if m.At(0, 1) != 0 || m.At(1, 0) != 0 || m.At(3, 0) != 0 || m.At(3, 1) != 0 {
		return tiling.Transform{}, ErrNotAxisAligned
	}
	w := m.At(3, 3)
	if w == 0 || m.At(0, 0) == 0 || m.At(1, 1) == 0 {
		return tiling.Transform{}, fmt.Errorf("%w: model matrix is singular in x/y", ErrGeometry)
	}
	return tiling.Transform{
		ScaleX:     m.At(0, 0) / w,
		ScaleY:     m.At(1, 1) / w,
		TranslateX: m.At(0, 3) / w,
		TranslateY: m.At(1, 3) / w,
	}, nil
}

// MatrixKey is a value key for a model matrix; nil and the identity share a key.
func MatrixKey(m *mat.Dense) string {
	return fmt.Sprint(ColumnMajor(m))
}
