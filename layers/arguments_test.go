// SPDX-License-Identifier: Apache-2.0

package layers

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tgale96/megablocks/comm"
)

func testArgs() Arguments {
	return Arguments{
		HiddenSize:    32,
		FFNHiddenSize: 64,
		NumExperts:    4,
		TopK:          1,
	}
}

func TestBothParallelModesRejected(t *testing.T) {
	a := testArgs()
	a.ExpertModelParallelism = true
	a.WeightParallelism = true
	_, err := New(a, rand.New(rand.NewSource(1)))
	require.Error(t, err)
	require.Contains(t, err.Error(), "mutually exclusive")
}

func TestGroupWithoutModeRejected(t *testing.T) {
	a := testArgs()
	a.Group = comm.NewGroup(2).Comm(0)
	_, err := New(a, rand.New(rand.NewSource(1)))
	require.Error(t, err)
}

func TestBothHalfPrecisionFlagsRejected(t *testing.T) {
	a := testArgs()
	a.FP16 = true
	a.BF16 = true
	_, err := New(a, rand.New(rand.NewSource(1)))
	require.Error(t, err)
}

func TestIndivisibleShardingRejected(t *testing.T) {
	// 4 experts over 3 ranks: neither the expert count nor the world size
	// divides cleanly.
	a := testArgs()
	a.ExpertModelParallelism = true
	a.Group = comm.NewGroup(3).Comm(0)
	require.Error(t, a.validate())

	// Weight parallelism with rows not divisible by the world size.
	b := testArgs()
	b.FFNHiddenSize = 5
	b.NumExperts = 1
	b.TopK = 1
	b.WeightParallelism = true
	b.Group = comm.NewGroup(2).Comm(0)
	require.Error(t, b.validate())
}

func TestTopKBounds(t *testing.T) {
	a := testArgs()
	a.TopK = 0
	require.Error(t, a.validate())
	a.TopK = a.NumExperts + 1
	require.Error(t, a.validate())
	a.TopK = a.NumExperts
	require.NoError(t, a.validate())
}

func TestValidLocalConstruction(t *testing.T) {
	d, err := New(testArgs(), rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	require.Len(t, d.Parameters(), 3)
}
