// Package coordinator implements the Shard Coordinator from SPEC_FULL.md
// §4.1: the cluster-wide-singleton authoritative shard-to-region mapping
// and migration controller, generalized from the teacher's
// internal/coordinator.ShardRegistry + HealthMonitor into a durable,
// handoff-driven state machine.
package coordinator

import "github.com/dreamware/shardkit/internal/sharding"

// Snapshot is the durable store's current view of Coordinator state,
// matching the Data Model in SPEC_FULL.md §3.
type Snapshot struct {
	AllocationMap    map[sharding.ShardId]string // shardID -> regionID
	PendingRebalance map[sharding.ShardId]bool
	Regions          map[string]string // regionID -> addr
	Proxies          map[string]string
}

// DurableStore is the Coordinator's persistence collaborator, interchangeable
// between the event-sourced (internal/durable/raftstore) and replicated
// (internal/durable/replicated) backends named in SPEC_FULL.md §4.1.
// Durability transitions must precede observable effects: the Coordinator
// never acks a caller before the corresponding DurableStore call returns
// nil.
type DurableStore interface {
	RegisterRegion(regionID, addr string) error
	RegisterProxy(regionID, addr string) error
	TerminateRegion(regionID string) error
	TerminateProxy(regionID string) error
	AllocateShardHome(shardID sharding.ShardId, regionID string) error
	DeallocateShardHome(shardID sharding.ShardId) error
	Snapshot() Snapshot
}
