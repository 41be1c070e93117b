// SPDX-License-Identifier: Apache-2.0

package layers

// Sharding-degree utilities. Both functions are pure and deterministic given
// the configuration; the dispatchers use them to plan communication and the
// verification helpers use them to un-permute gathered shards.
//
// Invariant: ExpertShardingDegree(a) * HiddenShardingDegree(a) == world size.

// ExpertShardingDegree returns the number of ranks across which the expert
// count is partitioned. Under expert parallelism this is the world size,
// capped at the expert count (when experts are fewer than ranks, the
// remaining ranks shard the ffn dimension instead). Under weight parallelism
// experts are never partitioned.
func ExpertShardingDegree(a Arguments) int {
	if a.WeightParallelism {
		return 1
	}
	return minInt(a.worldSize(), a.NumExperts)
}

// HiddenShardingDegree returns the number of ranks across which the ffn
// hidden dimension is partitioned: the world size divided by the expert
// sharding degree.
func HiddenShardingDegree(a Arguments) int {
	return a.worldSize() / ExpertShardingDegree(a)
}

// expertsPerShard returns how many experts one expert-shard holds.
func expertsPerShard(a Arguments) int {
	return a.NumExperts / ExpertShardingDegree(a)
}

// ffnRowsPerShard returns how many ffn rows of each owned expert one
// hidden-shard holds under expert parallelism.
func ffnRowsPerShard(a Arguments) int {
	return a.FFNHiddenSize / HiddenShardingDegree(a)
}

// shardCoords decomposes a rank into its (hidden shard, expert shard)
// coordinates. Ranks enumerate expert shards fastest: rank = h*esd + e.
func shardCoords(a Arguments, rank int) (h, e int) {
	esd := ExpertShardingDegree(a)
	return rank / esd, rank % esd
}
