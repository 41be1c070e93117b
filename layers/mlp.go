// SPDX-License-Identifier: Apache-2.0

package layers

import (
	"math/rand"

	"github.com/chewxy/math32"

	"github.com/tgale96/megablocks/tensor"
)

// Expert weights live in two logical matrices of shape
// [num_experts*ffn_hidden, hidden], expert-major:
//
//	w1 -- up projection:   z = x @ w1_e^T
//	w2 -- down projection: y = gelu(z) @ w2_e
//
// Each rank physically holds a slice of the logical row axis:
//
//	expert parallel: rank r = h*esd + e holds the rows of expert block e
//	                 restricted to ffn shard h.
//	weight parallel: rank r holds the contiguous flat slice
//	                 [r*rows/world, (r+1)*rows/world).
//
// Both modes materialize the full logical tensors from the same generator
// and slice their shard out of them, so the reconstructed logical weights
// are bit-identical across modes for a fixed seed.

// expertBlock describes the locally held rows of one expert.
type expertBlock struct {
	expert int // global expert id
	off    int // first row within the local shard
	n      int // number of ffn rows held
}

// MLP is one rank's shard of the expert feed-forward weights.
type MLP struct {
	args   Arguments
	rank   int
	blocks []expertBlock

	// W1 and W2 are the local shards, shape [localRows, hidden] each.
	W1, W2 *tensor.Tensor
}

func newMLP(args Arguments, gen *rand.Rand) *MLP {
	hidden := args.HiddenSize
	logicalRows := args.NumExperts * args.FFNHiddenSize
	localRows := logicalRows / args.worldSize()
	rank := args.Group.Rank()

	// Draw the full logical weights, then slice the local shard. w1 is drawn
	// completely before w2 so the generator stream is mode-independent.
	full1 := make([]float32, logicalRows*hidden)
	full2 := make([]float32, logicalRows*hidden)
	args.initFn()(gen, full1)
	args.initFn()(gen, full2)

	m := &MLP{
		args: args,
		rank: rank,
		W1:   tensor.New(tensor.NewShape(localRows, hidden), tensor.F32),
		W2:   tensor.New(tensor.NewShape(localRows, hidden), tensor.F32),
	}
	w1, w2 := m.W1.DataPtr(), m.W2.DataPtr()
	off := 0
	for _, rng := range m.shardRows() {
		copy(w1[off*hidden:], full1[rng.start*hidden:(rng.start+rng.n)*hidden])
		copy(w2[off*hidden:], full2[rng.start*hidden:(rng.start+rng.n)*hidden])
		off += rng.n
	}
	m.blocks = m.localBlocks()
	return m
}

type rowRange struct{ start, n int }

// shardRows returns the logical row ranges this rank owns, in local order.
func (m *MLP) shardRows() []rowRange {
	a := m.args
	if a.WeightParallelism || !a.ExpertModelParallelism {
		localRows := a.NumExperts * a.FFNHiddenSize / a.worldSize()
		return []rowRange{{start: m.rank * localRows, n: localRows}}
	}
	h, e := shardCoords(a, m.rank)
	epr, ffnLocal := expertsPerShard(a), ffnRowsPerShard(a)
	out := make([]rowRange, 0, epr)
	for le := 0; le < epr; le++ {
		expert := e*epr + le
		out = append(out, rowRange{start: expert*a.FFNHiddenSize + h*ffnLocal, n: ffnLocal})
	}
	return out
}

// localBlocks maps the owned logical rows back to (expert, local offset).
func (m *MLP) localBlocks() []expertBlock {
	a := m.args
	ffn := a.FFNHiddenSize
	out := make([]expertBlock, 0, 4)
	off := 0
	for _, rng := range m.shardRows() {
		// A range never straddles an expert boundary under expert
		// parallelism; under weight parallelism the single flat range may
		// cover several experts and fractional edges.
		row := rng.start
		remaining := rng.n
		for remaining > 0 {
			expert := row / ffn
			n := minInt(remaining, (expert+1)*ffn-row)
			out = append(out, expertBlock{expert: expert, off: off, n: n})
			row += n
			off += n
			remaining -= n
		}
	}
	return out
}

// blockFor returns the locally held rows of the given expert, if any.
func (m *MLP) blockFor(expert int) (expertBlock, bool) {
	for _, b := range m.blocks {
		if b.expert == expert {
			return b, true
		}
	}
	return expertBlock{}, false
}

func (m *MLP) w1Block(b expertBlock) *tensor.Tensor {
	hidden := m.args.HiddenSize
	return tensor.FromSliceNoCopy(m.W1.DataPtr()[b.off*hidden:(b.off+b.n)*hidden], tensor.NewShape(b.n, hidden))
}

func (m *MLP) w2Block(b expertBlock) *tensor.Tensor {
	hidden := m.args.HiddenSize
	return tensor.FromSliceNoCopy(m.W2.DataPtr()[b.off*hidden:(b.off+b.n)*hidden], tensor.NewShape(b.n, hidden))
}

// Apply computes the partial expert output y = gelu(x @ w1_b^T) @ w2_b for a
// batch of tokens assigned to block b's expert. When the shard holds only a
// slice of the expert's ffn rows the result is a partial sum; callers combine
// partials across shards.
//
// Unless memory-optimized, the pre-activation z is returned for reuse in
// Grad; in memory-optimized mode z is discarded and recomputed there.
func (m *MLP) Apply(b expertBlock, x *tensor.Tensor) (y, z *tensor.Tensor) {
	z = tensor.MatmulTransposedB(x, m.w1Block(b))
	y = tensor.Matmul(gelu(z), m.w2Block(b))
	if m.args.MemoryOptimizedMLP {
		return y, nil
	}
	return y, z
}

// Grad backpropagates dy through a group previously computed with Apply,
// accumulating the shard's weight gradients in place and returning the
// gradient with respect to x. z may be nil (memory-optimized mode); it is
// then recomputed from x, yielding bit-identical gradients.
func (m *MLP) Grad(b expertBlock, x, z, dy *tensor.Tensor) *tensor.Tensor {
	hidden := m.args.HiddenSize
	w1b, w2b := m.w1Block(b), m.w2Block(b)
	if z == nil {
		z = tensor.MatmulTransposedB(x, w1b)
	}
	h := gelu(z)

	// dW2 = h^T @ dy
	m.W2.AccumulateGradAt(b.off*hidden, tensor.MatmulTransposedA(h, dy).DataPtr())

	// dh = dy @ w2^T, dz = dh * gelu'(z)
	dz := tensor.MatmulTransposedB(dy, w2b)
	dzData, zData := dz.DataPtr(), z.DataPtr()
	for i := range dzData {
		dzData[i] *= geluDeriv(zData[i])
	}

	// dW1 = dz^T @ x, dx = dz @ w1
	m.W1.AccumulateGradAt(b.off*hidden, tensor.MatmulTransposedA(dz, x).DataPtr())
	return tensor.Matmul(dz, w1b)
}

// Parameters returns the local weight shards.
func (m *MLP) Parameters() []*tensor.Tensor { return []*tensor.Tensor{m.W1, m.W2} }

// ---------------------------------------------------------------------------
// GELU (tanh approximation)
// ---------------------------------------------------------------------------

const (
	geluC = 0.7978845608028654 // sqrt(2/pi)
	geluA = 0.044715
)

func geluScalar(x float32) float32 {
	return 0.5 * x * (1 + math32.Tanh(geluC*(x+geluA*x*x*x)))
}

// geluDeriv is the analytic derivative of the tanh-approximate GELU.
func geluDeriv(x float32) float32 {
	u := geluC * (x + geluA*x*x*x)
	t := math32.Tanh(u)
	return 0.5*(1+t) + 0.5*x*(1-t*t)*geluC*(1+3*geluA*x*x)
}

func gelu(z *tensor.Tensor) *tensor.Tensor {
	r := tensor.New(z.Shape(), z.DType())
	src, dst := z.DataPtr(), r.DataPtr()
	for i, v := range src {
		dst[i] = geluScalar(v)
	}
	return r
}
