// SPDX-License-Identifier: Apache-2.0

package layers

import (
	"math/rand"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tgale96/megablocks/tensor"
)

// RoutingStats is the auxiliary output of a forward pass, consumed by
// load-balancing losses and monitoring outside this layer.
type RoutingStats struct {
	// TokensPerExpert counts the local assignment slots routed to each
	// expert this forward pass.
	TokensPerExpert []int
	// Gates and Indices are the per-slot gate weights and expert ids,
	// token-major, slot = t*topK + k.
	Gates   []float32
	Indices []int
}

// DMoE composes the router, the sharded expert weights, and the parallel
// dispatcher into a single forward/backward-differentiable unit.
type DMoE struct {
	Args    Arguments
	Router  *Router
	Experts *MLP

	disp dispatcher

	// Forward cache for backward.
	lastShape  tensor.Shape
	lastGates  []float32
	lastYhat   *tensor.Tensor
	lastTokens int
}

// New validates args and constructs the layer on the local rank. All weight
// draws come from gen in a fixed order (router, then w1, then w2), so two
// layers built from equally seeded generators hold bit-identical logical
// weights even under different sharding modes.
func New(args Arguments, gen *rand.Rand) (*DMoE, error) {
	if err := args.validate(); err != nil {
		return nil, errors.Wrap(err, "dmoe config")
	}
	d := &DMoE{
		Args:    args,
		Router:  newRouter(args, gen),
		Experts: newMLP(args, gen),
	}
	if args.WeightParallelism {
		d.disp = newWeightParallel(args)
	} else {
		d.disp = newExpertParallel(args)
	}
	klog.V(1).Infof("dmoe rank=%d/%d experts=%d topk=%d esd=%d hsd=%d",
		args.Group.Rank(), args.worldSize(), args.NumExperts, args.TopK,
		ExpertShardingDegree(args), HiddenShardingDegree(args))
	return d, nil
}

// Forward applies the MoE layer to x of shape [..., hidden] and returns the
// output in the same shape together with routing statistics.
func (d *DMoE) Forward(x *tensor.Tensor) (*tensor.Tensor, *RoutingStats) {
	if dt := d.Args.dtype(); dt != tensor.F32 {
		// Reduced-precision inputs: round activations at the layer boundary.
		x = x.CastTo(dt)
	}
	dims := x.Shape().DimsRef()
	leading, numTokens, hidden := tensor.SplitLast(dims)
	if hidden != d.Args.HiddenSize {
		panic(errors.Errorf("input hidden dim %d, layer expects %d", hidden, d.Args.HiddenSize))
	}
	flat := x.Reshape(tensor.NewShape(numTokens, hidden))

	gates, indices := d.Router.Forward(flat)
	yhat := d.disp.Forward(d.Experts, flat, indices)

	// Weighted combination over the top-k assignments of each token.
	out := tensor.New(tensor.NewShape(numTokens, hidden), tensor.F32)
	outData, yhatData := out.DataPtr(), yhat.DataPtr()
	topK := d.Args.TopK
	for t := 0; t < numTokens; t++ {
		row := outData[t*hidden : (t+1)*hidden]
		for k := 0; k < topK; k++ {
			slot := t*topK + k
			g := gates[slot]
			part := yhatData[slot*hidden : (slot+1)*hidden]
			for j := range row {
				row[j] += g * part[j]
			}
		}
	}

	stats := &RoutingStats{
		TokensPerExpert: make([]int, d.Args.NumExperts),
		Gates:           gates,
		Indices:         indices,
	}
	for _, e := range indices {
		stats.TokensPerExpert[e]++
	}

	d.lastShape = x.Shape()
	d.lastGates = gates
	d.lastYhat = yhat
	d.lastTokens = numTokens
	return out.Reshape(tensor.WithLastDim(leading, hidden)), stats
}

// Backward propagates dOut through the gate combination, the dispatcher, and
// the router, accumulating all weight gradients in place. Returns the
// gradient with respect to the input, in the input's shape.
func (d *DMoE) Backward(dOut *tensor.Tensor) *tensor.Tensor {
	if d.lastYhat == nil {
		panic("backward called before forward")
	}
	hidden := d.Args.HiddenSize
	topK := d.Args.TopK
	numTokens := d.lastTokens
	flat := dOut.Reshape(tensor.NewShape(numTokens, hidden))
	dOutData := flat.DataPtr()
	yhatData := d.lastYhat.DataPtr()

	// Shards whose experts received no tokens still expose (zero) gradients.
	d.Router.Weight.GradSlice()
	d.Experts.W1.GradSlice()
	d.Experts.W2.GradSlice()

	// out_t = sum_k gate_tk * yhat_tk:
	//   d gate_tk = <dOut_t, yhat_tk>,  d yhat_tk = gate_tk * dOut_t.
	dGates := make([]float32, numTokens*topK)
	dYhat := tensor.New(tensor.NewShape(numTokens*topK, hidden), tensor.F32)
	dYhatData := dYhat.DataPtr()
	for t := 0; t < numTokens; t++ {
		g := dOutData[t*hidden : (t+1)*hidden]
		for k := 0; k < topK; k++ {
			slot := t*topK + k
			part := yhatData[slot*hidden : (slot+1)*hidden]
			dot := float32(0)
			for j := range g {
				dot += g[j] * part[j]
			}
			dGates[slot] = dot
			drow := dYhatData[slot*hidden : (slot+1)*hidden]
			gate := d.lastGates[slot]
			for j := range g {
				drow[j] = gate * g[j]
			}
		}
	}

	dx := d.disp.Backward(d.Experts, dYhat)
	dx.AddInPlace(d.Router.Backward(dGates))
	return dx.Reshape(d.lastShape)
}

// Parameters returns the router weight and the local expert weight shards.
func (d *DMoE) Parameters() []*tensor.Tensor {
	return append(d.Router.Parameters(), d.Experts.Parameters()...)
}

// ZeroGrad clears all parameter gradients in place.
func (d *DMoE) ZeroGrad() {
	for _, p := range d.Parameters() {
		p.ZeroGrad()
	}
}

// LoadBalancingLoss computes the switch-style auxiliary loss from the last
// forward pass: alpha * E * sum_e(f_e * P_e), with f_e the fraction of
// assignments routed to expert e and P_e the mean gate probability of e.
// Purely local; callers average across ranks if desired.
func (d *DMoE) LoadBalancingLoss(alpha float32) float32 {
	r := d.Router
	if r.lastProbs == nil {
		return 0
	}
	nExperts := d.Args.NumExperts
	numTokens := r.lastProbs.Shape().At(0)
	probs := r.lastProbs.DataPtr()

	counts := make([]float32, nExperts)
	probSums := make([]float32, nExperts)
	for _, e := range r.lastIndices {
		counts[e]++
	}
	for t := 0; t < numTokens; t++ {
		for e := 0; e < nExperts; e++ {
			probSums[e] += probs[t*nExperts+e]
		}
	}

	totalAssign := float32(len(r.lastIndices))
	loss := float32(0)
	for e := 0; e < nExperts; e++ {
		loss += (counts[e] / totalAssign) * (probSums[e] / float32(numTokens))
	}
	return loss * alpha * float32(nExperts)
}
