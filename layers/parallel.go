// SPDX-License-Identifier: Apache-2.0

package layers

import (
	"k8s.io/klog/v2"

	"github.com/tgale96/megablocks/comm"
	"github.com/tgale96/megablocks/tensor"
)

// dispatcher moves token data across the group so the sharded MLP can run,
// and inverts the exact forward movement for gradients. The two strategies
// compute the same function over different physical layouts:
//
//	expert parallel: tokens travel to the ranks holding their expert's rows
//	                 (all hsd of them when the ffn axis is also sharded) and
//	                 the partial results travel back in sent order.
//	weight parallel: tokens stay put; activations are all-gathered so every
//	                 rank applies its weight rows to every token, and the
//	                 partial outputs are reduce-scattered to the token owners.
//
// Forward consumes one assignment slot per (token, k) pair, slot = t*topK+k,
// and produces the combined unweighted expert output for every local slot.
// Gate weighting happens in the dMoE layer, identically in both modes.
type dispatcher interface {
	Forward(m *MLP, x *tensor.Tensor, indices []int) *tensor.Tensor
	Backward(m *MLP, dYhat *tensor.Tensor) *tensor.Tensor
}

// ---------------------------------------------------------------------------
// Expert parallelism
// ---------------------------------------------------------------------------

// recvRef locates one received token row: source rank and position within
// that source's buffer. Forward and backward exchanges share the alignment.
type recvRef struct{ src, pos int }

// epGroup is one owned expert's batch of received tokens.
type epGroup struct {
	block expertBlock
	refs  []recvRef
	x     *tensor.Tensor // received token rows, global order
	z     *tensor.Tensor // pre-activation, nil in memory-optimized mode
}

type expertParallel struct {
	args Arguments
	c    *comm.Comm

	// Forward plan, replayed in reverse by Backward.
	sendSlots [][]int
	groups    []epGroup
	numSlots  int
}

func newExpertParallel(args Arguments) *expertParallel {
	return &expertParallel{args: args, c: args.Group}
}

func (p *expertParallel) Forward(m *MLP, x *tensor.Tensor, indices []int) *tensor.Tensor {
	a := p.args
	hidden := a.HiddenSize
	world := p.c.WorldSize()
	esd, hsd := ExpertShardingDegree(a), HiddenShardingDegree(a)
	epr := expertsPerShard(a)
	xData := x.DataPtr()

	// Plan: slot -> destination ranks. A token is replicated to every rank
	// holding a shard of its expert's ffn rows. Slots stay ascending per
	// destination so the return exchange is its own inverse.
	p.numSlots = len(indices)
	p.sendSlots = make([][]int, world)
	for slot, e := range indices {
		blk := e / epr
		for h := 0; h < hsd; h++ {
			d := h*esd + blk
			p.sendSlots[d] = append(p.sendSlots[d], slot)
		}
	}

	sendX := make([][]float32, world)
	sendE := make([][]int, world)
	for d, slots := range p.sendSlots {
		buf := make([]float32, len(slots)*hidden)
		experts := make([]int, len(slots))
		for i, slot := range slots {
			t := slot / a.TopK
			copy(buf[i*hidden:], xData[t*hidden:(t+1)*hidden])
			experts[i] = indices[slot]
		}
		sendX[d] = buf
		sendE[d] = experts
	}
	klog.V(2).Infof("ep dispatch rank=%d slots=%d esd=%d hsd=%d", p.c.Rank(), p.numSlots, esd, hsd)

	recvX := p.c.AllToAll(sendX)
	recvE := p.c.AllToAllInt(sendE)

	// Group received rows by owned expert, in (source rank, position) order;
	// positions ascend with the sender's slot order, so the group order is
	// globally consistent across modes.
	p.groups = p.groups[:0]
	replyY := make([][]float32, world)
	for src := range replyY {
		replyY[src] = make([]float32, len(recvE[src])*hidden)
	}
	for _, b := range m.blocks {
		var refs []recvRef
		for src := 0; src < world; src++ {
			for pos, e := range recvE[src] {
				if e == b.expert {
					refs = append(refs, recvRef{src: src, pos: pos})
				}
			}
		}
		if len(refs) == 0 {
			continue
		}
		xg := tensor.New(tensor.NewShape(len(refs), hidden), tensor.F32)
		xgData := xg.DataPtr()
		for i, ref := range refs {
			copy(xgData[i*hidden:], recvX[ref.src][ref.pos*hidden:(ref.pos+1)*hidden])
		}
		y, z := m.Apply(b, xg)
		yData := y.DataPtr()
		for i, ref := range refs {
			copy(replyY[ref.src][ref.pos*hidden:], yData[i*hidden:(i+1)*hidden])
		}
		p.groups = append(p.groups, epGroup{block: b, refs: refs, x: xg, z: z})
	}

	// Return partial outputs to their origins and combine the hsd partial
	// sums per slot, in ascending contributor-rank order.
	back := p.c.AllToAll(replyY)
	yhat := tensor.New(tensor.NewShape(p.numSlots, hidden), tensor.F32)
	yhatData := yhat.DataPtr()
	for d, slots := range p.sendSlots {
		buf := back[d]
		for i, slot := range slots {
			row := yhatData[slot*hidden : (slot+1)*hidden]
			part := buf[i*hidden : (i+1)*hidden]
			for j := range row {
				row[j] += part[j]
			}
		}
	}
	return yhat
}

func (p *expertParallel) Backward(m *MLP, dYhat *tensor.Tensor) *tensor.Tensor {
	if p.sendSlots == nil {
		panic("backward called before forward")
	}
	a := p.args
	hidden := a.HiddenSize
	world := p.c.WorldSize()
	dyData := dYhat.DataPtr()

	// The forward combine summed hsd partials per slot, so each contributing
	// shard receives the same output gradient row.
	dSend := make([][]float32, world)
	for d, slots := range p.sendSlots {
		buf := make([]float32, len(slots)*hidden)
		for i, slot := range slots {
			copy(buf[i*hidden:], dyData[slot*hidden:(slot+1)*hidden])
		}
		dSend[d] = buf
	}
	recvDY := p.c.AllToAll(dSend)

	// Backprop each expert group; gradient rows return on the same
	// (source, position) alignment the forward receive established.
	replyDX := make([][]float32, world)
	for src := range replyDX {
		replyDX[src] = make([]float32, len(recvDY[src])) // same row count as forward
	}
	for _, g := range p.groups {
		dyg := tensor.New(tensor.NewShape(len(g.refs), hidden), tensor.F32)
		dygData := dyg.DataPtr()
		for i, ref := range g.refs {
			copy(dygData[i*hidden:], recvDY[ref.src][ref.pos*hidden:(ref.pos+1)*hidden])
		}
		dxg := m.Grad(g.block, g.x, g.z, dyg)
		dxgData := dxg.DataPtr()
		for i, ref := range g.refs {
			copy(replyDX[ref.src][ref.pos*hidden:], dxgData[i*hidden:(i+1)*hidden])
		}
	}

	back := p.c.AllToAll(replyDX)
	numTokens := p.numSlots / a.TopK
	dx := tensor.New(tensor.NewShape(numTokens, hidden), tensor.F32)
	dxData := dx.DataPtr()
	for d, slots := range p.sendSlots {
		buf := back[d]
		for i, slot := range slots {
			t := slot / a.TopK
			row := dxData[t*hidden : (t+1)*hidden]
			part := buf[i*hidden : (i+1)*hidden]
			for j := range row {
				row[j] += part[j]
			}
		}
	}
	return dx
}

// ---------------------------------------------------------------------------
// Weight parallelism
// ---------------------------------------------------------------------------

// wpGroup is one owned expert block's batch over the gathered global tokens.
type wpGroup struct {
	block expertBlock
	slots []int // global assignment slots, ascending
	x     *tensor.Tensor
	z     *tensor.Tensor
}

type weightParallel struct {
	args Arguments
	c    *comm.Comm

	groups     []wpGroup
	localSlots int
}

func newWeightParallel(args Arguments) *weightParallel {
	return &weightParallel{args: args, c: args.Group}
}

func (p *weightParallel) Forward(m *MLP, x *tensor.Tensor, indices []int) *tensor.Tensor {
	a := p.args
	hidden := a.HiddenSize
	p.localSlots = len(indices)

	// Every rank sees every token: gather activations and routing metadata.
	// Global slot g = source_rank*localSlots + local_slot.
	gx := p.c.AllGather(x.DataPtr())
	gidx := p.c.AllGatherInt(indices)
	globalSlots := len(gidx)
	klog.V(2).Infof("wp dispatch rank=%d globalSlots=%d", p.c.Rank(), globalSlots)

	partial := make([]float32, globalSlots*hidden)
	p.groups = p.groups[:0]
	for _, b := range m.blocks {
		var slots []int
		for g, e := range gidx {
			if e == b.expert {
				slots = append(slots, g)
			}
		}
		if len(slots) == 0 {
			continue
		}
		xg := tensor.New(tensor.NewShape(len(slots), hidden), tensor.F32)
		xgData := xg.DataPtr()
		for i, g := range slots {
			t := g / a.TopK
			copy(xgData[i*hidden:], gx[t*hidden:(t+1)*hidden])
		}
		y, z := m.Apply(b, xg)
		yData := y.DataPtr()
		for i, g := range slots {
			copy(partial[g*hidden:], yData[i*hidden:(i+1)*hidden])
		}
		p.groups = append(p.groups, wpGroup{block: b, slots: slots, x: xg, z: z})
	}

	// Each slot's full expert output is the sum of the row partials across
	// ranks; the reduce-scatter delivers every token's combined output to
	// its owner.
	mine := p.c.ReduceScatterSum(partial)
	return tensor.FromSliceNoCopy(mine, tensor.NewShape(p.localSlots, hidden))
}

func (p *weightParallel) Backward(m *MLP, dYhat *tensor.Tensor) *tensor.Tensor {
	if p.localSlots == 0 && len(p.groups) == 0 {
		panic("backward called before forward")
	}
	a := p.args
	hidden := a.HiddenSize

	// Transpose of the forward reduce-scatter: every rank needs the output
	// gradient of every slot it contributed to.
	gdy := p.c.AllGather(dYhat.DataPtr())

	globalTokens := len(gdy) / hidden / a.TopK
	dXPartial := make([]float32, globalTokens*hidden)
	for _, g := range p.groups {
		dyg := tensor.New(tensor.NewShape(len(g.slots), hidden), tensor.F32)
		dygData := dyg.DataPtr()
		for i, slot := range g.slots {
			copy(dygData[i*hidden:], gdy[slot*hidden:(slot+1)*hidden])
		}
		dxg := m.Grad(g.block, g.x, g.z, dyg)
		dxgData := dxg.DataPtr()
		for i, slot := range g.slots {
			t := slot / a.TopK
			row := dXPartial[t*hidden : (t+1)*hidden]
			part := dxgData[i*hidden : (i+1)*hidden]
			for j := range row {
				row[j] += part[j]
			}
		}
	}

	// Transpose of the forward all-gather: sum the per-rank input-gradient
	// partials and deliver each token's gradient to its owner.
	mine := p.c.ReduceScatterSum(dXPartial)
	return tensor.FromSliceNoCopy(mine, tensor.NewShape(p.localSlots/a.TopK, hidden))
}
