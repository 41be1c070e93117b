// SPDX-License-Identifier: Apache-2.0

// Package tensor implements the float32 tensor core used by the MoE layers.
//
// All storage is flat []float32 in row-major order. Matrix multiplication is
// delegated to gonum's blas32 (pure Go, row-major), so the package is fully
// portable across platforms.
package tensor

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/chewxy/math32"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// ---------------------------------------------------------------------------
// Shape
// ---------------------------------------------------------------------------

// Shape represents the dimensions of a tensor. Internally stored as a
// private slice to prevent external mutation.
type Shape struct{ dims []int }

// NewShape creates a Shape from variadic dimension sizes.
func NewShape(dims ...int) Shape {
	d := make([]int, len(dims))
	copy(d, dims)
	return Shape{dims: d}
}

// Dims returns a copy of the dimension sizes.
func (s Shape) Dims() []int {
	d := make([]int, len(s.dims))
	copy(d, s.dims)
	return d
}

// DimsRef returns a direct reference to the internal dimension slice.
// The caller must NOT mutate the returned slice.
func (s Shape) DimsRef() []int { return s.dims }

// NDim returns the number of dimensions.
func (s Shape) NDim() int { return len(s.dims) }

// Numel returns the total number of elements (product of all dimensions).
func (s Shape) Numel() int {
	if len(s.dims) == 0 {
		return 0
	}
	return prod(s.dims)
}

// At returns the size of dimension dim. Negative indices count from the end,
// matching NumPy convention.
func (s Shape) At(dim int) int {
	if dim < 0 {
		dim += len(s.dims)
	}
	if dim < 0 || dim >= len(s.dims) {
		panic(fmt.Sprintf("dimension %d out of range for %d-dim shape", dim, len(s.dims)))
	}
	return s.dims[dim]
}

// Strides returns row-major strides for the shape.
func (s Shape) Strides() []int {
	if len(s.dims) == 0 {
		return nil
	}
	strides := make([]int, len(s.dims))
	strides[len(s.dims)-1] = 1
	for i := len(s.dims) - 2; i >= 0; i-- {
		strides[i] = strides[i+1] * s.dims[i+1]
	}
	return strides
}

// Equal returns true if two shapes have identical dimensions.
func (s Shape) Equal(other Shape) bool {
	if len(s.dims) != len(other.dims) {
		return false
	}
	for i := range s.dims {
		if s.dims[i] != other.dims[i] {
			return false
		}
	}
	return true
}

// String formats the shape as "[d0, d1, ...]".
func (s Shape) String() string {
	parts := make([]string, len(s.dims))
	for i, d := range s.dims {
		parts[i] = fmt.Sprintf("%d", d)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// ---------------------------------------------------------------------------
// Tensor
// ---------------------------------------------------------------------------

// Tensor stores multi-dimensional float32 data in a contiguous flat slice.
// Row-major layout: the last dimension varies fastest. All operations
// allocate new tensors unless suffixed with "InPlace".
type Tensor struct {
	data  []float32
	shape Shape
	dtype DType
	Grad  []float32 // per-element gradient, nil until allocated
}

// New allocates a zero-filled tensor of the given shape and dtype.
func New(shape Shape, dtype DType) *Tensor {
	return &Tensor{data: make([]float32, shape.Numel()), shape: shape, dtype: dtype}
}

// Zeros is an alias for New (zero-filled tensor).
func Zeros(shape Shape, dtype DType) *Tensor { return New(shape, dtype) }

// Ones allocates a tensor filled with 1.0.
func Ones(shape Shape, dtype DType) *Tensor {
	t := New(shape, dtype)
	for i := range t.data {
		t.data[i] = 1
	}
	return t
}

// Full allocates a tensor filled with v.
func Full(shape Shape, dtype DType, v float32) *Tensor {
	t := New(shape, dtype)
	for i := range t.data {
		t.data[i] = v
	}
	return t
}

// FromSlice creates a tensor by copying the provided data.
// Panics if len(data) != shape.Numel().
func FromSlice(data []float32, shape Shape) *Tensor {
	if len(data) != shape.Numel() {
		panic(fmt.Sprintf("data length %d != shape numel %d", len(data), shape.Numel()))
	}
	d := make([]float32, len(data))
	copy(d, data)
	return &Tensor{data: d, shape: shape, dtype: F32}
}

// FromSliceNoCopy creates a tensor that directly owns the provided slice
// (no copy). The caller must NOT retain or mutate the slice after this call.
func FromSliceNoCopy(data []float32, shape Shape) *Tensor {
	if len(data) != shape.Numel() {
		panic(fmt.Sprintf("data length %d != shape numel %d", len(data), shape.Numel()))
	}
	return &Tensor{data: data, shape: shape, dtype: F32}
}

// Randn fills a new tensor with standard normal values drawn from gen.
// The generator is explicit so that construction is reproducible without
// global random state; the same generator and draw order yields bit-identical
// tensors on every rank.
func Randn(gen *rand.Rand, shape Shape, dtype DType) *Tensor {
	return RandnWithStd(gen, shape, dtype, 1)
}

// RandnWithStd fills a new tensor with normal values scaled by std.
func RandnWithStd(gen *rand.Rand, shape Shape, dtype DType, std float32) *Tensor {
	t := New(shape, dtype)
	for i := range t.data {
		t.data[i] = float32(gen.NormFloat64()) * std
	}
	return t
}

// Shape returns the tensor's shape.
func (t *Tensor) Shape() Shape { return t.shape }

// DType returns the tensor's data type tag.
func (t *Tensor) DType() DType { return t.dtype }

// DataPtr returns the underlying storage slice directly (no copy).
// Callers may mutate elements in-place; use Data() for a safe copy.
func (t *Tensor) DataPtr() []float32 { return t.data }

// Data returns a copy of the underlying storage.
func (t *Tensor) Data() []float32 {
	d := make([]float32, len(t.data))
	copy(d, t.data)
	return d
}

// At reads a single element by multi-dimensional index.
func (t *Tensor) At(indices ...int) float32 { return t.data[t.flatIndex(indices)] }

// Set writes a single element by multi-dimensional index.
func (t *Tensor) Set(value float32, indices ...int) { t.data[t.flatIndex(indices)] = value }

// Clone returns a deep copy of the tensor (gradient excluded).
func (t *Tensor) Clone() *Tensor {
	c := FromSlice(t.data, t.shape)
	c.dtype = t.dtype
	return c
}

// Reshape returns a new tensor sharing the same backing data but with a
// different shape. The total number of elements must be unchanged.
// WARNING: because data is shared, mutations to one affect the other.
func (t *Tensor) Reshape(s Shape) *Tensor {
	if t.shape.Numel() != s.Numel() {
		panic(fmt.Sprintf("cannot reshape %v to %v: different numel", t.shape, s))
	}
	return &Tensor{data: t.data, shape: s, dtype: t.dtype}
}

// CastTo rounds every element to the precision of dtype and returns the
// result as a new tensor tagged with that dtype. Storage stays float32;
// the values are exactly representable in the target precision.
func (t *Tensor) CastTo(dtype DType) *Tensor {
	r := New(t.shape, dtype)
	dtype.RoundSlice(r.data, t.data)
	return r
}

func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != t.shape.NDim() {
		panic(fmt.Sprintf("expected %d indices, got %d", t.shape.NDim(), len(indices)))
	}
	idx := 0
	strides := t.shape.Strides()
	for i, index := range indices {
		if index < 0 || index >= t.shape.At(i) {
			panic(fmt.Sprintf("index %d out of bounds for dim %d with size %d", index, i, t.shape.At(i)))
		}
		idx += index * strides[i]
	}
	return idx
}

func (t *Tensor) assertShape(other *Tensor) {
	if !t.shape.Equal(other.shape) {
		panic(fmt.Sprintf("shape mismatch: %v vs %v", t.shape, other.shape))
	}
}

// ---------------------------------------------------------------------------
// Gradients
// ---------------------------------------------------------------------------

// ZeroGrad resets the gradient. If Grad exists and matches the data length,
// it is zeroed in place to avoid reallocation.
func (t *Tensor) ZeroGrad() {
	if t.Grad != nil && len(t.Grad) == len(t.data) {
		for i := range t.Grad {
			t.Grad[i] = 0
		}
	} else {
		t.Grad = nil
	}
}

// GradSlice returns the gradient storage, allocating it zero-filled on first
// use. The returned slice aliases t.Grad.
func (t *Tensor) GradSlice() []float32 {
	if t.Grad == nil {
		t.Grad = make([]float32, len(t.data))
	}
	return t.Grad
}

// AccumulateGrad adds grad element-wise into t.Grad, allocating if nil.
func (t *Tensor) AccumulateGrad(grad []float32) {
	g := t.GradSlice()
	for i, v := range grad {
		g[i] += v
	}
}

// AccumulateGradAt adds grad into t.Grad starting at flat element offset off.
// Used by sharded weight stores whose gradient contributions arrive one
// row-block at a time.
func (t *Tensor) AccumulateGradAt(off int, grad []float32) {
	g := t.GradSlice()
	if off < 0 || off+len(grad) > len(g) {
		panic(fmt.Sprintf("gradient block [%d, %d) out of range for %d elements", off, off+len(grad), len(g)))
	}
	for i, v := range grad {
		g[off+i] += v
	}
}

// ---------------------------------------------------------------------------
// Element-wise operations
// ---------------------------------------------------------------------------

// Add returns element-wise t + o.
func (t *Tensor) Add(o *Tensor) *Tensor {
	t.assertShape(o)
	r := New(t.shape, t.dtype)
	a, b, dst := t.data, o.data, r.data
	for i := range dst {
		dst[i] = a[i] + b[i]
	}
	return r
}

// Sub returns element-wise t - o.
func (t *Tensor) Sub(o *Tensor) *Tensor {
	t.assertShape(o)
	r := New(t.shape, t.dtype)
	a, b, dst := t.data, o.data, r.data
	for i := range dst {
		dst[i] = a[i] - b[i]
	}
	return r
}

// Mul returns element-wise t * o (Hadamard product).
func (t *Tensor) Mul(o *Tensor) *Tensor {
	t.assertShape(o)
	r := New(t.shape, t.dtype)
	a, b, dst := t.data, o.data, r.data
	for i := range dst {
		dst[i] = a[i] * b[i]
	}
	return r
}

// Scale returns t * s (scalar multiplication).
func (t *Tensor) Scale(s float32) *Tensor {
	r := New(t.shape, t.dtype)
	src, dst := t.data, r.data
	for i := range dst {
		dst[i] = src[i] * s
	}
	return r
}

// AddInPlace adds other to t element-wise, mutating t.
func (t *Tensor) AddInPlace(other *Tensor) {
	t.assertShape(other)
	a, b := t.data, other.data
	for i := range a {
		a[i] += b[i]
	}
}

// ScaleInPlace multiplies every element of t by s, mutating t.
func (t *Tensor) ScaleInPlace(s float32) {
	for i := range t.data {
		t.data[i] *= s
	}
}

// Sum returns the sum of all elements.
func (t *Tensor) Sum() float32 {
	sum := float32(0)
	for _, v := range t.data {
		sum += v
	}
	return sum
}

// Mean returns the arithmetic mean of all elements.
func (t *Tensor) Mean() float32 { return t.Sum() / float32(len(t.data)) }

// ---------------------------------------------------------------------------
// Softmax
// ---------------------------------------------------------------------------

// softmaxCore computes row-wise softmax from src into dst along the last
// dimension. Max-subtraction keeps the exponentials in range.
func softmaxCore(src, dst []float32, lastDim, numVectors int) {
	for v := 0; v < numVectors; v++ {
		off := v * lastDim
		sRow := src[off : off+lastDim]
		dRow := dst[off : off+lastDim]

		maxVal := sRow[0]
		for i := 1; i < lastDim; i++ {
			if sRow[i] > maxVal {
				maxVal = sRow[i]
			}
		}
		sum := float32(0)
		for i := 0; i < lastDim; i++ {
			e := math32.Exp(sRow[i] - maxVal)
			dRow[i] = e
			sum += e
		}
		invSum := 1.0 / sum
		for i := 0; i < lastDim; i++ {
			dRow[i] *= invSum
		}
	}
}

// Softmax computes row-wise softmax along the last dimension.
func (t *Tensor) Softmax() *Tensor {
	if t.shape.NDim() < 1 {
		panic("softmax requires at least 1 dimension")
	}
	result := New(t.shape, t.dtype)
	lastDim := t.shape.At(-1)
	softmaxCore(t.data, result.data, lastDim, t.shape.Numel()/lastDim)
	return result
}

// SoftmaxInto computes row-wise softmax into a pre-allocated output tensor.
func (t *Tensor) SoftmaxInto(out *Tensor) {
	t.assertShape(out)
	lastDim := t.shape.At(-1)
	softmaxCore(t.data, out.data, lastDim, t.shape.Numel()/lastDim)
}

// ---------------------------------------------------------------------------
// Matrix multiplication (gonum blas32, row-major)
// ---------------------------------------------------------------------------

func general(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

// Matmul computes C = A @ B for 2D tensors. A: [M, K], B: [K, N] -> C: [M, N].
func Matmul(a, b *Tensor) *Tensor {
	if a.shape.NDim() != 2 || b.shape.NDim() != 2 {
		panic("matmul requires 2D tensors")
	}
	m, k := a.shape.At(0), a.shape.At(1)
	bK, n := b.shape.At(0), b.shape.At(1)
	if k != bK {
		panic(fmt.Sprintf("matmul dimension mismatch: %d vs %d", k, bK))
	}
	result := New(NewShape(m, n), a.dtype)
	if m == 0 || n == 0 || k == 0 {
		return result
	}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		general(m, k, a.data), general(k, n, b.data), 0, general(m, n, result.data))
	return result
}

// MatmulTransposedB computes C = A @ B^T without materializing the transpose.
// A: [M, K], B: [N, K] -> C: [M, N]. This is the hot path for linear layers
// whose weights are stored [out_features, in_features].
func MatmulTransposedB(a, b *Tensor) *Tensor {
	if a.shape.NDim() != 2 || b.shape.NDim() != 2 {
		panic("MatmulTransposedB requires 2D tensors")
	}
	m, k := a.shape.At(0), a.shape.At(1)
	n, bK := b.shape.At(0), b.shape.At(1)
	if k != bK {
		panic(fmt.Sprintf("matmulT dimension mismatch: %d vs %d", k, bK))
	}
	result := New(NewShape(m, n), a.dtype)
	if m == 0 || n == 0 || k == 0 {
		return result
	}
	blas32.Gemm(blas.NoTrans, blas.Trans, 1,
		general(m, k, a.data), general(n, k, b.data), 0, general(m, n, result.data))
	return result
}

// MatmulTransposedA computes C = A^T @ B without materializing the transpose.
// A: [K, M], B: [K, N] -> C: [M, N]. Used for weight gradients
// dW = activations^T @ grad_output.
func MatmulTransposedA(a, b *Tensor) *Tensor {
	if a.shape.NDim() != 2 || b.shape.NDim() != 2 {
		panic("MatmulTransposedA requires 2D tensors")
	}
	k, m := a.shape.At(0), a.shape.At(1)
	bK, n := b.shape.At(0), b.shape.At(1)
	if k != bK {
		panic(fmt.Sprintf("matmulT dimension mismatch: %d vs %d", k, bK))
	}
	result := New(NewShape(m, n), a.dtype)
	if m == 0 || n == 0 || k == 0 {
		return result
	}
	blas32.Gemm(blas.Trans, blas.NoTrans, 1,
		general(k, m, a.data), general(k, n, b.data), 0, general(m, n, result.data))
	return result
}

// Transpose swaps the last two dimensions by explicit element copy.
func (t *Tensor) Transpose() *Tensor {
	if t.shape.NDim() < 2 {
		panic("transpose requires at least 2D tensor")
	}
	dims := t.shape.Dims()
	dims[len(dims)-1], dims[len(dims)-2] = dims[len(dims)-2], dims[len(dims)-1]
	result := New(NewShape(dims...), t.dtype)
	rows, cols := t.shape.At(-2), t.shape.At(-1)
	batchSize := t.shape.Numel() / (rows * cols)
	for batch := 0; batch < batchSize; batch++ {
		srcOff, dstOff := batch*rows*cols, batch*cols*rows
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				result.data[dstOff+j*rows+i] = t.data[srcOff+i*cols+j]
			}
		}
	}
	return result
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

// prod returns the product of all integers in xs.
func prod(xs []int) int {
	n := 1
	for _, x := range xs {
		n *= x
	}
	return n
}

// SplitLast splits dims into (leading dims, product of leading dims, last dim).
// Used to treat [batch, seq, hidden] as (batch*seq, hidden) for 2D matmuls.
func SplitLast(dims []int) (leading []int, leadingSize int, last int) {
	if len(dims) == 0 {
		panic("shape must have at least one dimension")
	}
	last = dims[len(dims)-1]
	leading = dims[:len(dims)-1]
	leadingSize = prod(leading)
	return leading, leadingSize, last
}

// WithLastDim creates a new shape by appending last to the leading dimensions.
// Restores the original batch dims after a flattened matmul.
func WithLastDim(dims []int, last int) Shape {
	out := append(append([]int(nil), dims...), last)
	return NewShape(out...)
}
