// SPDX-License-Identifier: Apache-2.0

package layers

import (
	"math/rand"

	"github.com/tgale96/megablocks/tensor"
)

// Router selects the top-k experts for each token via a learned gate.
//
// Gating:
//
//	probs  = softmax(x @ W^T)        -- probability over all experts
//	topk   = k highest-probability experts
//	gates  = probs[topk]             -- optionally renormalized to sum to 1
//
// The projection weight is replicated identically on every rank and never
// sharded; each rank computes logits and gradients for its own tokens only,
// so cross-mode gradient agreement is exact rather than reduced.
//
// Tie-break rule: on exact probability ties the lower expert index wins.
// Selection scans experts in ascending index order with a strict comparison,
// so the rule is deterministic rather than an accident of sort stability.
type Router struct {
	args Arguments

	// Weight is the gate projection, shape [num_experts, hidden].
	Weight *tensor.Tensor

	// Cached by Forward for the backward pass.
	lastInput   *tensor.Tensor // [tokens, hidden]
	lastProbs   *tensor.Tensor // [tokens, num_experts]
	lastIndices []int          // [tokens*topK]
	lastGates   []float32      // [tokens*topK]
}

func newRouter(args Arguments, gen *rand.Rand) *Router {
	w := tensor.New(tensor.NewShape(args.NumExperts, args.HiddenSize), tensor.F32)
	args.initFn()(gen, w.DataPtr())
	return &Router{args: args, Weight: w}
}

// Forward computes the expert assignment for every token.
// Input: [tokens, hidden]. Returns gates [tokens*topK] and expert indices
// [tokens*topK], both in token-major order.
func (r *Router) Forward(x *tensor.Tensor) (gates []float32, indices []int) {
	r.lastInput = x
	numTokens := x.Shape().At(0)
	nExperts, topK := r.args.NumExperts, r.args.TopK

	logits := tensor.MatmulTransposedB(x, r.Weight)
	probs := logits.Softmax()
	r.lastProbs = probs
	probsData := probs.DataPtr()

	gates = make([]float32, numTokens*topK)
	indices = make([]int, numTokens*topK)
	selected := make([]bool, nExperts)

	// Greedy top-k per token: O(K*E), strict > keeps the lowest index on ties.
	for t := 0; t < numTokens; t++ {
		row := probsData[t*nExperts : (t+1)*nExperts]
		for e := range selected {
			selected[e] = false
		}
		for k := 0; k < topK; k++ {
			bestIdx, bestVal := -1, float32(-1)
			for e := 0; e < nExperts; e++ {
				if !selected[e] && row[e] > bestVal {
					bestVal = row[e]
					bestIdx = e
				}
			}
			selected[bestIdx] = true
			indices[t*topK+k] = bestIdx
			gates[t*topK+k] = bestVal
		}
		if r.args.NormalizeExpertWeights {
			sum := float32(0)
			for k := 0; k < topK; k++ {
				sum += gates[t*topK+k]
			}
			if sum > 0 {
				inv := 1 / sum
				for k := 0; k < topK; k++ {
					gates[t*topK+k] *= inv
				}
			}
		}
	}

	r.lastIndices = indices
	r.lastGates = gates
	return gates, indices
}

// Backward propagates the gate-weight gradients through the top-k selection
// and softmax, accumulates the projection weight gradient, and returns the
// gradient with respect to the input tokens.
//
// dGates is indexed like the gates returned by Forward: [tokens*topK].
func (r *Router) Backward(dGates []float32) *tensor.Tensor {
	if r.lastInput == nil {
		panic("backward called before forward")
	}
	numTokens := r.lastInput.Shape().At(0)
	nExperts, topK := r.args.NumExperts, r.args.TopK
	probsData := r.lastProbs.DataPtr()

	// Gradient w.r.t. the full probability vector. Only the selected experts
	// receive a direct contribution; the softmax backward spreads it.
	dProbs := make([]float32, numTokens*nExperts)
	for t := 0; t < numTokens; t++ {
		if r.args.NormalizeExpertWeights {
			// g_k = p_k / s with s the sum over the selected probabilities:
			// dp_j = dg_j/s - sum_k(dg_k * p_k)/s^2 for selected j.
			sum := float32(0)
			for k := 0; k < topK; k++ {
				sum += probsData[t*nExperts+r.lastIndices[t*topK+k]]
			}
			if sum == 0 {
				continue
			}
			weighted := float32(0)
			for k := 0; k < topK; k++ {
				weighted += dGates[t*topK+k] * probsData[t*nExperts+r.lastIndices[t*topK+k]]
			}
			for k := 0; k < topK; k++ {
				e := r.lastIndices[t*topK+k]
				dProbs[t*nExperts+e] += dGates[t*topK+k]/sum - weighted/(sum*sum)
			}
		} else {
			for k := 0; k < topK; k++ {
				dProbs[t*nExperts+r.lastIndices[t*topK+k]] += dGates[t*topK+k]
			}
		}
	}

	// Softmax backward: dlogit_e = p_e * (dp_e - sum_j(dp_j * p_j)).
	dLogits := tensor.New(tensor.NewShape(numTokens, nExperts), tensor.F32)
	dlData := dLogits.DataPtr()
	for t := 0; t < numTokens; t++ {
		off := t * nExperts
		dot := float32(0)
		for e := 0; e < nExperts; e++ {
			dot += dProbs[off+e] * probsData[off+e]
		}
		for e := 0; e < nExperts; e++ {
			dlData[off+e] = probsData[off+e] * (dProbs[off+e] - dot)
		}
	}

	// dW = dlogits^T @ x, dx = dlogits @ W.
	r.Weight.AccumulateGrad(tensor.MatmulTransposedA(dLogits, r.lastInput).DataPtr())
	return tensor.Matmul(dLogits, r.Weight)
}

// Parameters returns the gate projection weight.
func (r *Router) Parameters() []*tensor.Tensor { return []*tensor.Tensor{r.Weight} }
