// SPDX-License-Identifier: Apache-2.0

package layers

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgale96/megablocks/tensor"
)

func mlpArgs() Arguments {
	return Arguments{
		HiddenSize:    6,
		FFNHiddenSize: 10,
		NumExperts:    3,
		TopK:          1,
	}
}

// Local (unsharded) construction: one block per expert, full ffn width.
func TestMLPLocalBlocks(t *testing.T) {
	m := newMLP(mlpArgs(), rand.New(rand.NewSource(1)))
	require.Len(t, m.blocks, 3)
	for e, b := range m.blocks {
		require.Equal(t, e, b.expert)
		require.Equal(t, e*10, b.off)
		require.Equal(t, 10, b.n)
	}
	require.True(t, m.W1.Shape().Equal(tensor.NewShape(30, 6)))
	require.True(t, m.W2.Shape().Equal(tensor.NewShape(30, 6)))
}

// Apply against a scalar reference: y = gelu(x @ w1^T) @ w2.
func TestMLPApplyMatchesReference(t *testing.T) {
	args := mlpArgs()
	m := newMLP(args, rand.New(rand.NewSource(2)))
	x := tensor.Randn(rand.New(rand.NewSource(3)), tensor.NewShape(4, args.HiddenSize), tensor.F32)

	b := m.blocks[1]
	y, z := m.Apply(b, x)
	require.True(t, y.Shape().Equal(tensor.NewShape(4, args.HiddenSize)))
	require.NotNil(t, z)

	hidden, ffn := args.HiddenSize, args.FFNHiddenSize
	w1, w2 := m.W1.DataPtr(), m.W2.DataPtr()
	for tok := 0; tok < 4; tok++ {
		for j := 0; j < hidden; j++ {
			want := 0.0
			for f := 0; f < ffn; f++ {
				zf := 0.0
				for i := 0; i < hidden; i++ {
					zf += float64(x.At(tok, i)) * float64(w1[(b.off+f)*hidden+i])
				}
				g := 0.5 * zf * (1 + math.Tanh(geluC*(zf+geluA*zf*zf*zf)))
				want += g * float64(w2[(b.off+f)*hidden+j])
			}
			assert.InDelta(t, want, float64(y.At(tok, j)), 1e-4, "token %d dim %d", tok, j)
		}
	}
}

func TestMLPGradFiniteDifference(t *testing.T) {
	args := mlpArgs()
	m := newMLP(args, rand.New(rand.NewSource(4)))
	x := tensor.Randn(rand.New(rand.NewSource(5)), tensor.NewShape(3, args.HiddenSize), tensor.F32)
	b := m.blocks[0]

	loss := func() float32 {
		y, _ := m.Apply(b, x)
		return y.Sum()
	}

	y, z := m.Apply(b, x)
	dy := tensor.Ones(y.Shape(), tensor.F32)
	dx := m.Grad(b, x, z, dy)

	const eps = 1e-2
	// Weight gradients: probe a few entries of w1 and w2 inside the block.
	hidden := args.HiddenSize
	for _, probe := range []struct {
		name string
		data []float32
		grad []float32
	}{
		{"w1", m.W1.DataPtr(), m.W1.Grad},
		{"w2", m.W2.DataPtr(), m.W2.Grad},
	} {
		require.NotNil(t, probe.grad)
		for _, i := range []int{b.off * hidden, b.off*hidden + 7, b.off*hidden + 23} {
			orig := probe.data[i]
			probe.data[i] = orig + eps
			up := loss()
			probe.data[i] = orig - eps
			down := loss()
			probe.data[i] = orig
			numeric := (up - down) / (2 * eps)
			assert.InDelta(t, numeric, probe.grad[i], 5e-2, "%s element %d", probe.name, i)
		}
	}

	// Input gradient.
	xd, dxd := x.DataPtr(), dx.DataPtr()
	for _, i := range []int{0, 4, 9, 17} {
		orig := xd[i]
		xd[i] = orig + eps
		up := loss()
		xd[i] = orig - eps
		down := loss()
		xd[i] = orig
		numeric := (up - down) / (2 * eps)
		assert.InDelta(t, numeric, dxd[i], 5e-2, "input element %d", i)
	}
}

// The memory-optimized path recomputes the pre-activation in backward and
// must produce bit-identical gradients to the caching path.
func TestMemoryOptimizedGradsBitIdentical(t *testing.T) {
	base := mlpArgs()
	opt := base
	opt.MemoryOptimizedMLP = true

	mBase := newMLP(base, rand.New(rand.NewSource(6)))
	mOpt := newMLP(opt, rand.New(rand.NewSource(6)))
	require.Equal(t, mBase.W1.DataPtr(), mOpt.W1.DataPtr())

	x := tensor.Randn(rand.New(rand.NewSource(7)), tensor.NewShape(5, base.HiddenSize), tensor.F32)
	b := mBase.blocks[2]

	yBase, zBase := mBase.Apply(b, x)
	yOpt, zOpt := mOpt.Apply(b, x)
	require.NotNil(t, zBase)
	require.Nil(t, zOpt)
	require.Equal(t, yBase.DataPtr(), yOpt.DataPtr())

	dy := tensor.Randn(rand.New(rand.NewSource(8)), yBase.Shape(), tensor.F32)
	dxBase := mBase.Grad(b, x, zBase, dy)
	dxOpt := mOpt.Grad(b, x, nil, dy)

	require.Equal(t, dxBase.DataPtr(), dxOpt.DataPtr())
	require.Equal(t, mBase.W1.Grad, mOpt.W1.Grad)
	require.Equal(t, mBase.W2.Grad, mOpt.W2.Grad)
}

// Weight-parallel flat slicing reconstructs the same logical tensor that
// expert-parallel sharding does, once the gather permutation is applied.
func TestShardRowsCoverLogicalRowsOnce(t *testing.T) {
	for _, tc := range []struct {
		world   int
		experts int
		wp      bool
	}{
		{2, 4, false}, {2, 4, true}, {4, 2, false}, {4, 2, true},
	} {
		covered := make(map[int]int)
		a := argsWithWorld(tc.world, tc.experts, tc.wp)
		a.FFNHiddenSize = 8
		a.HiddenSize = 4
		require.NoError(t, a.validate())
		for r := 0; r < tc.world; r++ {
			m := &MLP{args: a, rank: r}
			for _, rng := range m.shardRows() {
				for row := rng.start; row < rng.start+rng.n; row++ {
					covered[row]++
				}
			}
		}
		logicalRows := tc.experts * a.FFNHiddenSize
		require.Len(t, covered, logicalRows, "world=%d experts=%d wp=%v", tc.world, tc.experts, tc.wp)
		for row, n := range covered {
			require.Equal(t, 1, n, "row %d covered %d times", row, n)
		}
	}
}
