// SPDX-License-Identifier: Apache-2.0

package layers

import (
	"math/rand"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/tgale96/megablocks/comm"
	"github.com/tgale96/megablocks/tensor"
)

// Verification and debugging utilities. Production code never gathers full
// weights to a privileged rank; these helpers exist so tests and opt-in
// equivalence checks can reconstruct and compare logical tensors.

// GatherShards all-gathers a local [rows, hidden] shard into the full
// [world*rows, hidden] tensor, stacked in rank order. Every rank receives
// the same result.
func GatherShards(c *comm.Comm, shard *tensor.Tensor) *tensor.Tensor {
	rows, cols := shard.Shape().At(0), shard.Shape().At(1)
	full := tensor.New(tensor.NewShape(c.WorldSize()*rows, cols), shard.DType())
	if err := c.AllGatherInto(full.DataPtr(), shard.DataPtr()); err != nil {
		panic(err)
	}
	return full
}

// GatherGrads is GatherShards over a shard's gradient storage.
func GatherGrads(c *comm.Comm, shard *tensor.Tensor) *tensor.Tensor {
	rows, cols := shard.Shape().At(0), shard.Shape().At(1)
	full := tensor.New(tensor.NewShape(c.WorldSize()*rows, cols), tensor.F32)
	if err := c.AllGatherInto(full.DataPtr(), shard.GradSlice()); err != nil {
		panic(err)
	}
	return full
}

// PermuteGathered reorders a gathered expert-parallel tensor into the
// logical (weight-parallel) layout. The gather stacks rank shards in rank
// order, which under expert parallelism enumerates hidden shards
// slowest (rank = h*esd + e); the logical layout wants expert blocks
// slowest. Equivalent to view(hsd, esd, -1).transpose(1, 0).
func PermuteGathered(a Arguments, gathered *tensor.Tensor) *tensor.Tensor {
	esd, hsd := ExpertShardingDegree(a), HiddenShardingDegree(a)
	data := gathered.DataPtr()
	if len(data)%(esd*hsd) != 0 {
		panic(errors.Errorf("gathered size %d not divisible by %d shards", len(data), esd*hsd))
	}
	chunk := len(data) / (esd * hsd)
	out := tensor.New(gathered.Shape(), gathered.DType())
	outData := out.DataPtr()
	for h := 0; h < hsd; h++ {
		for e := 0; e < esd; e++ {
			src := (h*esd + e) * chunk
			dst := (e*hsd + h) * chunk
			copy(outData[dst:dst+chunk], data[src:src+chunk])
		}
	}
	return out
}

// AllClose reports nil when a and b agree element-wise within
// |a-b| <= atol + rtol*|b|, and a descriptive error for the first and worst
// violations otherwise.
func AllClose(a, b *tensor.Tensor, rtol, atol float32) error {
	if !a.Shape().Equal(b.Shape()) {
		return errors.Errorf("shape mismatch: %v vs %v", a.Shape(), b.Shape())
	}
	return allCloseSlices(a.DataPtr(), b.DataPtr(), rtol, atol)
}

func allCloseSlices(a, b []float32, rtol, atol float32) error {
	if len(a) != len(b) {
		return errors.Errorf("length mismatch: %d vs %d", len(a), len(b))
	}
	worst, worstIdx := float32(0), -1
	for i := range a {
		diff := math32.Abs(a[i] - b[i])
		tol := atol + rtol*math32.Abs(b[i])
		if diff > tol && diff-tol > worst {
			worst, worstIdx = diff-tol, i
		}
	}
	if worstIdx >= 0 {
		return errors.Errorf("mismatch at %d: %g vs %g (tol exceeded by %g)",
			worstIdx, a[worstIdx], b[worstIdx], worst)
	}
	return nil
}

// EquivalenceTolerances bundles the comparison thresholds for the opt-in
// cross-mode check.
type EquivalenceTolerances struct {
	ForwardRTol, ForwardATol float32
	GradRTol, GradATol       float32
}

// DefaultTolerances matches the documented contract: 1e-4 for activations,
// 1e-5 for gradients.
func DefaultTolerances() EquivalenceTolerances {
	return EquivalenceTolerances{ForwardRTol: 1e-4, ForwardATol: 1e-4, GradRTol: 1e-5, GradATol: 1e-5}
}

// VerifyParallelEquivalence is the opt-in equivalence-checking mode: it
// builds one expert-parallel and one weight-parallel layer from identically
// seeded generators on every rank of the group, runs forward and backward on
// rank-seeded random input, and checks that outputs, gathered-and-permuted
// expert weight gradients, and router weight gradients agree within tol.
//
// base's parallelism flags are ignored; its Group must span the calling
// world. Intended for tests and bring-up debugging, not the training path.
func VerifyParallelEquivalence(c *comm.Comm, base Arguments, batch, seqLen int, seed int64, tol EquivalenceTolerances) error {
	epArgs := base
	epArgs.Group = c
	epArgs.ExpertModelParallelism = true
	epArgs.WeightParallelism = false

	wpArgs := base
	wpArgs.Group = c
	wpArgs.ExpertModelParallelism = false
	wpArgs.WeightParallelism = true

	// Reset the generator per layer so the models get identical weights.
	ep, err := New(epArgs, rand.New(rand.NewSource(seed)))
	if err != nil {
		return err
	}
	wp, err := New(wpArgs, rand.New(rand.NewSource(seed)))
	if err != nil {
		return err
	}

	// Different data per rank: fold the rank into the input seed.
	dataGen := rand.New(rand.NewSource(seed * int64(c.Rank()+1)))
	x := tensor.Randn(dataGen, tensor.NewShape(batch, seqLen, base.HiddenSize), tensor.F32)

	wpOut, _ := wp.Forward(x)
	epOut, _ := ep.Forward(x)
	if err := AllClose(wpOut, epOut, tol.ForwardRTol, tol.ForwardATol); err != nil {
		return errors.Wrap(err, "forward outputs")
	}

	// Mean loss: every output element receives gradient 1/numel.
	dOut := tensor.Full(wpOut.Shape(), tensor.F32, 1/float32(wpOut.Shape().Numel()))
	wp.Backward(dOut)
	ep.Backward(dOut)

	// Expert weights live on different ranks in the two modes: gather the
	// full gradients and un-permute the expert-parallel layout to compare.
	for i, name := range []string{"w1", "w2"} {
		wpGrad := GatherGrads(c, wp.Experts.Parameters()[i])
		epGrad := PermuteGathered(epArgs, GatherGrads(c, ep.Experts.Parameters()[i]))
		if err := AllClose(wpGrad, epGrad, tol.GradRTol, tol.GradATol); err != nil {
			return errors.Wrapf(err, "%s gradient", name)
		}
	}

	// The router weight is replicated, never sharded: exact local agreement.
	if err := allCloseSlices(wp.Router.Weight.GradSlice(), ep.Router.Weight.GradSlice(), tol.GradRTol, tol.GradATol); err != nil {
		return errors.Wrap(err, "router weight gradient")
	}
	return nil
}
