// Package allocation implements the Allocation Strategy contract from
// SPEC_FULL.md §4.5: a pure policy deciding where a new shard should be
// placed and which shards to rebalance, given a snapshot of current
// allocations. Grounded in the teacher's
// internal/coordinator.ShardRegistry.RebalanceShards, generalized from a
// simple round-robin into the least-shard and legacy-threshold algorithms
// the specification requires.
package allocation

import (
	"math"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/dreamware/shardkit/internal/sharding"
)

// Snapshot is the read-only view of current allocations an Allocation
// Strategy decides from.
type Snapshot struct {
	// Allocations maps each known region to its currently allocated shards.
	Allocations map[sharding.RegionRef][]sharding.ShardId
	// RebalanceInProgress is the set of shards currently mid-handoff; a
	// conforming strategy must never propose moving one of these again.
	RebalanceInProgress map[sharding.ShardId]bool
}

// Strategy is the Allocation Strategy contract: decide where to place a
// newly-requested shard, and which shards (if any) should be rebalanced
// this tick.
type Strategy interface {
	// AllocateShard picks a region for shardID out of the regions present
	// in snapshot.Allocations. Must not return a region absent from the
	// snapshot.
	AllocateShard(shardID sharding.ShardId, snapshot Snapshot) sharding.RegionRef
	// Rebalance returns the set of shards that should be migrated this
	// tick. Must never include a shard already in
	// snapshot.RebalanceInProgress.
	Rebalance(snapshot Snapshot) []sharding.ShardId
}

func sortedRegions(snapshot Snapshot) []sharding.RegionRef {
	regions := make([]sharding.RegionRef, 0, len(snapshot.Allocations))
	for r := range snapshot.Allocations {
		regions = append(regions, r)
	}
	slices.SortFunc(regions, func(a, b sharding.RegionRef) int { return strings.Compare(a.RegionID, b.RegionID) })
	return regions
}

// LeastShardStrategy is the default allocation policy described in
// SPEC_FULL.md §4.1: allocate to the least-loaded region; rebalance up to
// min(AbsoluteLimit, ceil(RelativeLimit * numberOfRegions)) shards from
// the most-loaded region(s) whenever most-least > 1.
type LeastShardStrategy struct {
	// AbsoluteLimit bounds the number of shards moved per rebalance tick
	// regardless of cluster size.
	AbsoluteLimit int
	// RelativeLimit bounds the same count as a fraction of region count.
	RelativeLimit float64
}

// NewLeastShardStrategy constructs a LeastShardStrategy with the given
// tuning, matching the `least-shard-allocation-*` configuration keys.
func NewLeastShardStrategy(absoluteLimit int, relativeLimit float64) *LeastShardStrategy {
	return &LeastShardStrategy{AbsoluteLimit: absoluteLimit, RelativeLimit: relativeLimit}
}

func (s *LeastShardStrategy) AllocateShard(_ sharding.ShardId, snapshot Snapshot) sharding.RegionRef {
	regions := sortedRegions(snapshot)
	if len(regions) == 0 {
		return sharding.RegionRef{}
	}

	best := regions[0]
	bestCount := len(snapshot.Allocations[best])
	for _, r := range regions[1:] {
		if c := len(snapshot.Allocations[r]); c < bestCount {
			best, bestCount = r, c
		}
	}
	return best
}

func (s *LeastShardStrategy) Rebalance(snapshot Snapshot) []sharding.ShardId {
	regions := sortedRegions(snapshot)
	if len(regions) < 2 {
		return nil
	}

	most := regions[0]
	mostCount, leastCount := len(snapshot.Allocations[most]), len(snapshot.Allocations[most])
	for _, r := range regions[1:] {
		c := len(snapshot.Allocations[r])
		if c > mostCount {
			most, mostCount = r, c
		}
		if c < leastCount {
			leastCount = c
		}
	}

	if mostCount-leastCount <= 1 {
		return nil
	}

	limit := s.AbsoluteLimit
	if relLimit := int(math.Ceil(s.RelativeLimit * float64(len(regions)))); relLimit < limit {
		limit = relLimit
	}
	if limit < 1 {
		limit = 1
	}

	var candidates []sharding.ShardId
	for _, shardID := range snapshot.Allocations[most] {
		if snapshot.RebalanceInProgress[shardID] {
			continue
		}
		candidates = append(candidates, shardID)
	}
	slices.SortFunc(candidates, func(a, b sharding.ShardId) int { return strings.Compare(string(a), string(b)) })

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates
}

// ThresholdStrategy is the legacy allocation policy: allocate to the
// least-loaded region (same as LeastShardStrategy), but rebalance whenever
// a single region's shard count exceeds Threshold, moving at most
// MaxSimultaneousRebalance shards cluster-wide per tick.
type ThresholdStrategy struct {
	Threshold                int
	MaxSimultaneousRebalance int
}

// NewThresholdStrategy constructs a ThresholdStrategy matching the legacy
// `threshold`/`max-simultaneous-rebalance` configuration keys.
func NewThresholdStrategy(threshold, maxSimultaneousRebalance int) *ThresholdStrategy {
	return &ThresholdStrategy{Threshold: threshold, MaxSimultaneousRebalance: maxSimultaneousRebalance}
}

func (s *ThresholdStrategy) AllocateShard(_ sharding.ShardId, snapshot Snapshot) sharding.RegionRef {
	regions := sortedRegions(snapshot)
	if len(regions) == 0 {
		return sharding.RegionRef{}
	}
	best := regions[0]
	bestCount := len(snapshot.Allocations[best])
	for _, r := range regions[1:] {
		if c := len(snapshot.Allocations[r]); c < bestCount {
			best, bestCount = r, c
		}
	}
	return best
}

func (s *ThresholdStrategy) Rebalance(snapshot Snapshot) []sharding.ShardId {
	regions := sortedRegions(snapshot)
	if len(regions) < 2 {
		return nil
	}

	var candidates []sharding.ShardId
	for _, r := range regions {
		shards := snapshot.Allocations[r]
		if len(shards) <= s.Threshold {
			continue
		}
		sorted := append([]sharding.ShardId(nil), shards...)
		slices.SortFunc(sorted, func(a, b sharding.ShardId) int { return strings.Compare(string(a), string(b)) })
		overflow := len(shards) - s.Threshold
		for _, shardID := range sorted {
			if overflow == 0 {
				break
			}
			if snapshot.RebalanceInProgress[shardID] {
				continue
			}
			candidates = append(candidates, shardID)
			overflow--
		}
	}

	if len(candidates) > s.MaxSimultaneousRebalance {
		candidates = candidates[:s.MaxSimultaneousRebalance]
	}
	return candidates
}
