// Package sharding partitions a test inventory into disjoint, reproducible
// subsets. It is pure computation: given the same inventory and shard spec
// it always produces the same assignment, regardless of the order the
// adapter discovered the tests in.
//
// Correctness hinges on canonicalization. Every strategy first sorts the
// inventory by descriptor ID; positions in that sorted order, not discovery
// order, drive the assignment. Two CI machines running different shard
// indexes against the same suite therefore agree on the full partitioning
// without ever talking to each other.
package sharding

import (
	"fmt"

	"testshard/internal/inventory"
	"testshard/internal/logging"
)

// Canonicalize returns a copy of tests in canonical order: ascending by ID,
// stable for duplicates. The input slice is not modified.
func Canonicalize(tests []inventory.TestDescriptor) []inventory.TestDescriptor {
	ordered := make([]inventory.TestDescriptor, len(tests))
	copy(ordered, tests)
	inventory.SortByID(ordered)
	return ordered
}

// Partition returns the subset of tests belonging to the shard named by
// spec. The result preserves canonical order. An empty result is valid:
// with more shards than tests the high-index shards receive nothing.
func Partition(tests []inventory.TestDescriptor, spec inventory.ShardSpec) ([]inventory.TestDescriptor, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	ordered := Canonicalize(tests)

	var subset []inventory.TestDescriptor
	switch spec.Strategy {
	case inventory.StrategyRoundRobin:
		subset = roundRobin(ordered, spec.Index, spec.Total)
	case inventory.StrategySequential:
		subset = sequential(ordered, spec.Index, spec.Total)
	default:
		// Validate covers this; kept for defense against new strategies.
		return nil, fmt.Errorf("%w: unhandled strategy %q", inventory.ErrInvalidShardSpec, spec.Strategy)
	}

	logging.ShardingDebug("partitioned %d tests, shard %s -> %d tests",
		len(tests), spec, len(subset))

	return subset, nil
}

// PartitionAll computes every shard of the partitioning. Used by plan
// output; Partition is the single-shard fast path.
func PartitionAll(tests []inventory.TestDescriptor, total int, strategy inventory.Strategy) ([][]inventory.TestDescriptor, error) {
	shards := make([][]inventory.TestDescriptor, total)
	for i := 1; i <= total; i++ {
		spec := inventory.ShardSpec{Index: i, Total: total, Strategy: strategy}
		subset, err := Partition(tests, spec)
		if err != nil {
			return nil, err
		}
		shards[i-1] = subset
	}
	return shards, nil
}

// roundRobin assigns canonical position p (0-based) to shard (p mod total)+1.
// Shard sizes differ by at most one.
func roundRobin(ordered []inventory.TestDescriptor, index, total int) []inventory.TestDescriptor {
	subset := make([]inventory.TestDescriptor, 0, (len(ordered)+total-1)/total)
	for p, t := range ordered {
		if (p%total)+1 == index {
			subset = append(subset, t)
		}
	}
	return subset
}

// sequential assigns contiguous blocks: shard i covers positions
// [(i-1)*ceil(n/total), i*ceil(n/total)) clipped to n. Preserves
// file-adjacency at the cost of up to total-1 imbalance.
func sequential(ordered []inventory.TestDescriptor, index, total int) []inventory.TestDescriptor {
	n := len(ordered)
	if n == 0 {
		return []inventory.TestDescriptor{}
	}

	block := (n + total - 1) / total // ceil(n/total)
	start := (index - 1) * block
	end := index * block
	if start > n {
		start = n
	}
	if end > n {
		end = n
	}

	subset := make([]inventory.TestDescriptor, end-start)
	copy(subset, ordered[start:end])
	return subset
}
