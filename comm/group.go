// SPDX-License-Identifier: Apache-2.0

// Package comm implements in-process SPMD communication groups.
//
// A Group binds a fixed set of ranks, each running on its own goroutine,
// into a collective domain. Every collective is a synchronous rendezvous:
// a call blocks until all ranks in the group have issued it. Ranks must
// issue collectives in the same program order; a rank that skips or reorders
// a call deadlocks the group, exactly as it would on a real device mesh.
package comm

import (
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Group is a communication group over world in-process ranks.
type Group struct {
	world int

	mu       sync.Mutex
	cond     *sync.Cond
	gen      uint64
	arrived  int
	slots    []any
	gathered []any
}

// NewGroup creates a group of the given world size.
func NewGroup(world int) *Group {
	if world < 1 {
		panic("world size must be positive")
	}
	g := &Group{world: world, slots: make([]any, world)}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// WorldSize returns the number of ranks in the group.
func (g *Group) WorldSize() int { return g.world }

// Comm returns the per-rank handle for rank.
func (g *Group) Comm(rank int) *Comm {
	if rank < 0 || rank >= g.world {
		panic("rank out of range")
	}
	return &Comm{g: g, rank: rank}
}

// exchange deposits contrib for rank and blocks until every rank of the
// group has deposited, then returns all contributions indexed by rank.
//
// The returned slice is shared by all ranks of the same rendezvous and must
// be treated as read-only. Reuse across consecutive collectives is safe: the
// published slice for generation N cannot be overwritten until every rank
// has returned from N and entered N+1.
func (g *Group) exchange(rank int, contrib any) []any {
	g.mu.Lock()
	gen := g.gen
	g.slots[rank] = contrib
	g.arrived++
	if g.arrived == g.world {
		g.gathered = g.slots
		g.slots = make([]any, g.world)
		g.arrived = 0
		g.gen++
		g.cond.Broadcast()
	} else {
		for g.gen == gen {
			g.cond.Wait()
		}
	}
	out := g.gathered
	g.mu.Unlock()
	return out
}

// Comm is one rank's handle into a Group. A nil Comm behaves as a
// single-rank group: all collectives degenerate to local copies, which
// lets layer code run unmodified without a device mesh.
type Comm struct {
	g    *Group
	rank int
}

// Rank returns the caller's rank within the group (0 for a nil Comm).
func (c *Comm) Rank() int {
	if c == nil {
		return 0
	}
	return c.rank
}

// WorldSize returns the group's size (1 for a nil Comm).
func (c *Comm) WorldSize() int {
	if c == nil {
		return 1
	}
	return c.g.world
}

// Barrier blocks until every rank in the group has called it.
func (c *Comm) Barrier() {
	if c == nil {
		return
	}
	c.g.exchange(c.rank, nil)
}

// AllGather concatenates every rank's local slice in rank order.
// All ranks receive the same result. Local slices may differ in length.
func (c *Comm) AllGather(local []float32) []float32 {
	if c == nil {
		out := make([]float32, len(local))
		copy(out, local)
		return out
	}
	klog.V(2).Infof("allgather rank=%d n=%d", c.rank, len(local))
	parts := c.g.exchange(c.rank, local)
	total := 0
	for _, p := range parts {
		total += len(p.([]float32))
	}
	out := make([]float32, 0, total)
	for _, p := range parts {
		out = append(out, p.([]float32)...)
	}
	return out
}

// AllGatherInto gathers every rank's local slice into dst in rank order.
// Every rank's contribution must have the same length, and dst must hold
// world*len(local) elements.
func (c *Comm) AllGatherInto(dst, local []float32) error {
	if c == nil {
		if len(dst) != len(local) {
			return errors.Errorf("allgather: dst holds %d elements, want %d", len(dst), len(local))
		}
		copy(dst, local)
		return nil
	}
	if len(dst) != c.g.world*len(local) {
		return errors.Errorf("allgather: dst holds %d elements, want %d", len(dst), c.g.world*len(local))
	}
	parts := c.g.exchange(c.rank, local)
	off := 0
	for _, p := range parts {
		off += copy(dst[off:], p.([]float32))
	}
	return nil
}

// AllGatherInt concatenates every rank's local int slice in rank order.
func (c *Comm) AllGatherInt(local []int) []int {
	if c == nil {
		out := make([]int, len(local))
		copy(out, local)
		return out
	}
	parts := c.g.exchange(c.rank, local)
	total := 0
	for _, p := range parts {
		total += len(p.([]int))
	}
	out := make([]int, 0, total)
	for _, p := range parts {
		out = append(out, p.([]int)...)
	}
	return out
}

// AllReduceSum sums local element-wise across ranks; every rank receives the
// full sum. Addends are accumulated in rank order, so the result is
// deterministic for a fixed group.
func (c *Comm) AllReduceSum(local []float32) []float32 {
	if c == nil {
		out := make([]float32, len(local))
		copy(out, local)
		return out
	}
	klog.V(2).Infof("allreduce rank=%d n=%d", c.rank, len(local))
	parts := c.g.exchange(c.rank, local)
	out := make([]float32, len(local))
	for _, p := range parts {
		v := p.([]float32)
		for i := range out {
			out[i] += v[i]
		}
	}
	return out
}

// ReduceScatterSum splits every rank's local slice into world equal chunks,
// sums chunk i element-wise across ranks, and delivers the summed chunk i to
// rank i. len(local) must be divisible by the world size and identical on
// all ranks. Addends accumulate in rank order.
func (c *Comm) ReduceScatterSum(local []float32) []float32 {
	if c == nil {
		out := make([]float32, len(local))
		copy(out, local)
		return out
	}
	world := c.g.world
	if len(local)%world != 0 {
		panic(errors.Errorf("reducescatter: %d elements not divisible by world %d", len(local), world))
	}
	chunk := len(local) / world
	klog.V(2).Infof("reducescatter rank=%d n=%d chunk=%d", c.rank, len(local), chunk)
	parts := c.g.exchange(c.rank, local)
	out := make([]float32, chunk)
	base := c.rank * chunk
	for _, p := range parts {
		v := p.([]float32)
		for i := range out {
			out[i] += v[base+i]
		}
	}
	return out
}

// AllToAll exchanges per-destination buffers: send[j] is delivered to rank j,
// and the result's entry j is what rank j sent to the caller. Buffers may
// have arbitrary (including zero) lengths. The returned slices alias the
// senders' buffers and must be treated as read-only.
func (c *Comm) AllToAll(send [][]float32) [][]float32 {
	if c == nil {
		if len(send) != 1 {
			panic("alltoall: send buffer count must equal world size")
		}
		return [][]float32{send[0]}
	}
	world := c.g.world
	if len(send) != world {
		panic(errors.Errorf("alltoall: %d send buffers, want %d", len(send), world))
	}
	klog.V(2).Infof("alltoall rank=%d", c.rank)
	parts := c.g.exchange(c.rank, send)
	recv := make([][]float32, world)
	for j, p := range parts {
		recv[j] = p.([][]float32)[c.rank]
	}
	return recv
}

// AllToAllInt is AllToAll for int payloads (routing metadata).
func (c *Comm) AllToAllInt(send [][]int) [][]int {
	if c == nil {
		if len(send) != 1 {
			panic("alltoall: send buffer count must equal world size")
		}
		return [][]int{send[0]}
	}
	world := c.g.world
	if len(send) != world {
		panic(errors.Errorf("alltoall: %d send buffers, want %d", len(send), world))
	}
	parts := c.g.exchange(c.rank, send)
	recv := make([][]int, world)
	for j, p := range parts {
		recv[j] = p.([][]int)[c.rank]
	}
	return recv
}

// Launch runs fn once per rank, each on its own goroutine, and blocks until
// all ranks return. The first non-nil error (lowest rank) is returned.
// A stalled collective hangs exactly as it would on a real group; recovery
// is the caller's concern.
func Launch(world int, fn func(c *Comm) error) error {
	g := NewGroup(world)
	errs := make([]error, world)
	var wg sync.WaitGroup
	for r := 0; r < world; r++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			errs[rank] = fn(g.Comm(rank))
		}(r)
	}
	wg.Wait()
	for r, err := range errs {
		if err != nil {
			return errors.Wrapf(err, "rank %d", r)
		}
	}
	return nil
}
