// SPDX-License-Identifier: Apache-2.0

// Package layers implements a distributed dropless Mixture-of-Experts layer
// with two interchangeable sharding strategies: expert parallelism (tokens
// travel to the ranks owning their experts) and weight parallelism (weights
// are sliced across ranks and every rank sees every token). For identical
// seeds and inputs the two strategies compute the same function.
package layers

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tgale96/megablocks/comm"
	"github.com/tgale96/megablocks/tensor"
)

// InitFn fills a freshly allocated weight buffer from gen. Initialization is
// driven by an explicit generator so that ranks seeded identically draw
// bit-identical logical weights regardless of the sharding mode.
type InitFn func(gen *rand.Rand, data []float32)

// NormalInit returns an InitFn drawing from N(0, std^2).
func NormalInit(std float32) InitFn {
	return func(gen *rand.Rand, data []float32) {
		for i := range data {
			data[i] = float32(gen.NormFloat64()) * std
		}
	}
}

// Arguments bundles the dMoE hyperparameters and parallelism mode. It is
// validated once at construction and never mutated afterwards.
type Arguments struct {
	HiddenSize    int
	FFNHiddenSize int
	NumExperts    int
	TopK          int

	// Exactly one of the two parallelism modes may be set when Group is
	// non-nil. With a nil Group both modes degenerate to local execution.
	ExpertModelParallelism bool
	WeightParallelism      bool
	Group                  *comm.Comm

	// FP16/BF16 round input activations through the reduced precision at
	// the layer boundary. Mutually exclusive.
	FP16 bool
	BF16 bool

	// Init seeds the router and expert weights. Defaults to NormalInit(0.1).
	Init InitFn

	// MemoryOptimizedMLP discards pre-activations after the forward pass and
	// recomputes them during backward. Gradients are bit-identical to the
	// caching path.
	MemoryOptimizedMLP bool

	// NormalizeExpertWeights renormalizes the selected top-k gate weights to
	// sum to one. Off by default: gates are the raw softmax probabilities of
	// the selected experts.
	NormalizeExpertWeights bool
}

func (a Arguments) worldSize() int { return a.Group.WorldSize() }

func (a Arguments) dtype() tensor.DType {
	switch {
	case a.FP16:
		return tensor.F16
	case a.BF16:
		return tensor.BF16
	default:
		return tensor.F32
	}
}

func (a Arguments) initFn() InitFn {
	if a.Init != nil {
		return a.Init
	}
	return NormalInit(0.1)
}

// validate fails fast on contradictory or unsatisfiable configurations.
func (a Arguments) validate() error {
	if a.HiddenSize < 1 || a.FFNHiddenSize < 1 {
		return errors.Errorf("hidden sizes must be positive, got hidden=%d ffn=%d", a.HiddenSize, a.FFNHiddenSize)
	}
	if a.NumExperts < 1 {
		return errors.Errorf("num experts must be positive, got %d", a.NumExperts)
	}
	if a.TopK < 1 || a.TopK > a.NumExperts {
		return errors.Errorf("top-k must be in [1, %d], got %d", a.NumExperts, a.TopK)
	}
	if a.ExpertModelParallelism && a.WeightParallelism {
		return errors.New("expert model parallelism and weight parallelism are mutually exclusive")
	}
	if a.FP16 && a.BF16 {
		return errors.New("fp16 and bf16 are mutually exclusive")
	}
	world := a.worldSize()
	if world > 1 && !a.ExpertModelParallelism && !a.WeightParallelism {
		return errors.Errorf("a parallelism mode must be selected for a group of %d ranks", world)
	}
	if a.WeightParallelism {
		if (a.NumExperts*a.FFNHiddenSize)%world != 0 {
			return errors.Errorf("weight rows %d not divisible by world size %d",
				a.NumExperts*a.FFNHiddenSize, world)
		}
		return nil
	}
	// Expert parallelism (or local execution, where both degrees are 1).
	esd := minInt(world, a.NumExperts)
	if a.NumExperts%esd != 0 {
		return errors.Errorf("num experts %d not divisible by expert sharding degree %d", a.NumExperts, esd)
	}
	if world%esd != 0 {
		return errors.Errorf("world size %d not divisible by expert sharding degree %d", world, esd)
	}
	if a.FFNHiddenSize%(world/esd) != 0 {
		return errors.Errorf("ffn hidden size %d not divisible by hidden sharding degree %d",
			a.FFNHiddenSize, world/esd)
	}
	return nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
