// SPDX-License-Identifier: Apache-2.0

package tensor

// Tests for the tensor core. Focus: shape arithmetic, GEMM correctness at
// the seams (the transposed variants back the linear layers' forward and
// backward paths), softmax stability, and reduced-precision rounding.

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShapeBasics(t *testing.T) {
	s := NewShape(2, 3, 4)
	require.Equal(t, 3, s.NDim())
	require.Equal(t, 24, s.Numel())
	require.Equal(t, []int{12, 4, 1}, s.Strides())
	require.Equal(t, 4, s.At(-1))
	require.Equal(t, 2, s.At(0))
	require.True(t, s.Equal(NewShape(2, 3, 4)))
	require.False(t, s.Equal(NewShape(2, 3)))
	require.Equal(t, "[2, 3, 4]", s.String())
}

func TestShapeAtRejectsOutOfRange(t *testing.T) {
	s := NewShape(2, 3)
	require.Panics(t, func() { s.At(2) })
	require.Panics(t, func() { s.At(-3) })
}

func TestMatmulKnownValues(t *testing.T) {
	// [2,3] @ [3,2] -> [2,2]
	a := FromSlice([]float32{1, 2, 3, 4, 5, 6}, NewShape(2, 3))
	b := FromSlice([]float32{7, 8, 9, 10, 11, 12}, NewShape(3, 2))
	c := Matmul(a, b)
	require.Equal(t, []float32{58, 64, 139, 154}, c.DataPtr())
}

// The transposed Gemm variants take different kernel paths than an explicit
// transpose followed by a plain Gemm, so accumulation order differs and the
// results agree only up to the last ulp.
func requireCloseSlices(t *testing.T, want, got []float32) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-6, "element %d", i)
	}
}

func TestMatmulTransposedBMatchesExplicitTranspose(t *testing.T) {
	gen := rand.New(rand.NewSource(7))
	a := Randn(gen, NewShape(5, 4), F32)
	b := Randn(gen, NewShape(3, 4), F32)

	got := MatmulTransposedB(a, b)
	want := Matmul(a, b.Transpose())
	requireCloseSlices(t, want.DataPtr(), got.DataPtr())
}

func TestMatmulTransposedAMatchesExplicitTranspose(t *testing.T) {
	gen := rand.New(rand.NewSource(7))
	a := Randn(gen, NewShape(6, 3), F32)
	b := Randn(gen, NewShape(6, 5), F32)

	got := MatmulTransposedA(a, b)
	want := Matmul(a.Transpose(), b)
	requireCloseSlices(t, want.DataPtr(), got.DataPtr())
}

func TestMatmulZeroRows(t *testing.T) {
	a := New(NewShape(0, 4), F32)
	b := New(NewShape(4, 3), F32)
	c := Matmul(a, b)
	require.Equal(t, 0, c.Shape().Numel())
}

func TestSoftmaxRowsSumToOne(t *testing.T) {
	gen := rand.New(rand.NewSource(11))
	x := RandnWithStd(gen, NewShape(4, 8), F32, 3)
	p := x.Softmax()
	data := p.DataPtr()
	for r := 0; r < 4; r++ {
		sum := float32(0)
		for c := 0; c < 8; c++ {
			sum += data[r*8+c]
		}
		assert.InDelta(t, 1.0, sum, 1e-5)
	}
}

func TestSoftmaxLargeLogitsStable(t *testing.T) {
	x := FromSlice([]float32{1000, 1000, 999}, NewShape(1, 3))
	p := x.Softmax()
	for _, v := range p.DataPtr() {
		require.False(t, v != v, "softmax produced NaN")
		require.GreaterOrEqual(t, v, float32(0))
	}
}

func TestRandnDeterministicGivenSeed(t *testing.T) {
	a := Randn(rand.New(rand.NewSource(1234)), NewShape(16), F32)
	b := Randn(rand.New(rand.NewSource(1234)), NewShape(16), F32)
	require.Equal(t, a.DataPtr(), b.DataPtr())
}

func TestDTypeRoundIsIdempotent(t *testing.T) {
	for _, dt := range []DType{F32, F16, BF16} {
		for _, v := range []float32{0, 1, -1, 0.1, 3.14159, 1e-3, 123.456} {
			once := dt.Round(v)
			require.Equal(t, once, dt.Round(once), "dtype %v value %v", dt, v)
		}
	}
}

func TestDTypeRoundExactValuesSurvive(t *testing.T) {
	// Powers of two and small integers are exactly representable in both
	// half formats.
	for _, dt := range []DType{F16, BF16} {
		for _, v := range []float32{0, 1, -2, 0.5, 4, -0.25} {
			require.Equal(t, v, dt.Round(v))
		}
	}
}

func TestCastToTagsAndRounds(t *testing.T) {
	x := FromSlice([]float32{0.1, 0.2, 0.3}, NewShape(3))
	h := x.CastTo(F16)
	require.Equal(t, F16, h.DType())
	for i, v := range h.DataPtr() {
		assert.InDelta(t, x.DataPtr()[i], v, 1e-3)
	}
}

func TestAccumulateGradAt(t *testing.T) {
	w := New(NewShape(4, 2), F32)
	w.AccumulateGradAt(2, []float32{1, 2, 3, 4})
	w.AccumulateGradAt(2, []float32{1, 1, 1, 1})
	require.Equal(t, []float32{0, 0, 2, 3, 4, 5, 0, 0}, w.Grad)
}

func TestReshapeSharesStorage(t *testing.T) {
	x := FromSlice([]float32{1, 2, 3, 4}, NewShape(2, 2))
	y := x.Reshape(NewShape(4))
	y.Set(9, 0)
	require.Equal(t, float32(9), x.At(0, 0))
	require.Panics(t, func() { x.Reshape(NewShape(3)) })
}
