// SPDX-License-Identifier: Apache-2.0

package layers

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgale96/megablocks/tensor"
)

func routerArgs(experts, topK int) Arguments {
	return Arguments{
		HiddenSize:    8,
		FFNHiddenSize: 16,
		NumExperts:    experts,
		TopK:          topK,
	}
}

func TestRouterShapesAndProbabilityRange(t *testing.T) {
	args := routerArgs(4, 2)
	r := newRouter(args, rand.New(rand.NewSource(3)))
	x := tensor.Randn(rand.New(rand.NewSource(4)), tensor.NewShape(6, args.HiddenSize), tensor.F32)

	gates, indices := r.Forward(x)
	require.Len(t, gates, 6*2)
	require.Len(t, indices, 6*2)
	for i, g := range gates {
		require.GreaterOrEqual(t, g, float32(0))
		require.LessOrEqual(t, g, float32(1))
		require.GreaterOrEqual(t, indices[i], 0)
		require.Less(t, indices[i], 4)
	}
	// Top-k indices are distinct per token.
	for tok := 0; tok < 6; tok++ {
		require.NotEqual(t, indices[tok*2], indices[tok*2+1], "token %d", tok)
	}
}

func TestRouterSelectionMatchesManualArgmax(t *testing.T) {
	args := routerArgs(5, 1)
	r := newRouter(args, rand.New(rand.NewSource(9)))
	x := tensor.Randn(rand.New(rand.NewSource(10)), tensor.NewShape(16, args.HiddenSize), tensor.F32)

	_, indices := r.Forward(x)

	probs := tensor.MatmulTransposedB(x, r.Weight).Softmax().DataPtr()
	for tok := 0; tok < 16; tok++ {
		best, bestVal := 0, probs[tok*5]
		for e := 1; e < 5; e++ {
			if probs[tok*5+e] > bestVal {
				best, bestVal = e, probs[tok*5+e]
			}
		}
		require.Equal(t, best, indices[tok], "token %d", tok)
	}
}

// Exact logit ties resolve to the lowest expert index: a zero input yields
// identical logits for every expert.
func TestRouterTieBreakLowestIndexWins(t *testing.T) {
	args := routerArgs(4, 2)
	r := newRouter(args, rand.New(rand.NewSource(5)))
	x := tensor.Zeros(tensor.NewShape(3, args.HiddenSize), tensor.F32)

	gates, indices := r.Forward(x)
	for tok := 0; tok < 3; tok++ {
		require.Equal(t, 0, indices[tok*2])
		require.Equal(t, 1, indices[tok*2+1])
		assert.InDelta(t, 0.25, gates[tok*2], 1e-6)
		assert.InDelta(t, 0.25, gates[tok*2+1], 1e-6)
	}
}

func TestRouterNormalizedGatesSumToOne(t *testing.T) {
	args := routerArgs(6, 3)
	args.NormalizeExpertWeights = true
	r := newRouter(args, rand.New(rand.NewSource(5)))
	x := tensor.Randn(rand.New(rand.NewSource(6)), tensor.NewShape(4, args.HiddenSize), tensor.F32)

	gates, _ := r.Forward(x)
	for tok := 0; tok < 4; tok++ {
		sum := gates[tok*3] + gates[tok*3+1] + gates[tok*3+2]
		assert.InDelta(t, 1.0, sum, 1e-5)
	}
}

// Finite-difference check of the weight gradient through top-k and softmax.
// Loss = sum of selected gates. Random logits keep the selection stable
// under the small perturbation, so the loss is smooth where we probe it.
func TestRouterWeightGradFiniteDifference(t *testing.T) {
	args := routerArgs(4, 2)
	r := newRouter(args, rand.New(rand.NewSource(21)))
	x := tensor.Randn(rand.New(rand.NewSource(22)), tensor.NewShape(5, args.HiddenSize), tensor.F32)

	gates, _ := r.Forward(x)
	dGates := make([]float32, len(gates))
	for i := range dGates {
		dGates[i] = 1
	}
	r.Backward(dGates)
	grad := append([]float32(nil), r.Weight.Grad...)

	loss := func() float32 {
		g, _ := r.Forward(x)
		sum := float32(0)
		for _, v := range g {
			sum += v
		}
		return sum
	}

	const eps = 1e-2
	w := r.Weight.DataPtr()
	for _, i := range []int{0, 3, 7, 13, 21, 31} {
		orig := w[i]
		w[i] = orig + eps
		up := loss()
		w[i] = orig - eps
		down := loss()
		w[i] = orig
		numeric := (up - down) / (2 * eps)
		assert.InDelta(t, numeric, grad[i], 2e-3, "weight element %d", i)
	}
}

// The input gradient must be consistent with the weight gradient math:
// probe it the same way.
func TestRouterInputGradFiniteDifference(t *testing.T) {
	args := routerArgs(4, 1)
	r := newRouter(args, rand.New(rand.NewSource(31)))
	x := tensor.Randn(rand.New(rand.NewSource(32)), tensor.NewShape(3, args.HiddenSize), tensor.F32)

	gates, _ := r.Forward(x)
	dGates := make([]float32, len(gates))
	for i := range dGates {
		dGates[i] = 1
	}
	dx := r.Backward(dGates)

	loss := func() float32 {
		g, _ := r.Forward(x)
		sum := float32(0)
		for _, v := range g {
			sum += v
		}
		return sum
	}

	const eps = 1e-2
	xd := x.DataPtr()
	dxd := dx.DataPtr()
	for _, i := range []int{0, 5, 11, 17, 23} {
		orig := xd[i]
		xd[i] = orig + eps
		up := loss()
		xd[i] = orig - eps
		down := loss()
		xd[i] = orig
		numeric := (up - down) / (2 * eps)
		assert.InDelta(t, numeric, dxd[i], 2e-3, "input element %d", i)
	}
}
