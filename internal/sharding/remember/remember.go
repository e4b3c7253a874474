// Package remember implements the Remember-Entities Store contract from
// SPEC_FULL.md §4.4: a pluggable durable log of shard and entity
// membership used to restart entities after crashes. Three backends are
// provided: event-sourced (internal/durable/raftstore), replicated
// (internal/durable/replicated), and custom (adapting the teacher's
// internal/storage.Store).
package remember

import "github.com/dreamware/shardkit/internal/sharding"

// ShardsHandle is produced by StartShardsStore: the current remembered
// shard set for one type, plus mutators with per-write success/failure
// reporting via the returned error.
type ShardsHandle interface {
	Shards() []sharding.ShardId
	AddShard(id sharding.ShardId) error
	RemoveShard(id sharding.ShardId) error
}

// EntitiesHandle is produced by StartEntitiesStore: the current
// remembered entity set for one (typeName, shardId).
type EntitiesHandle interface {
	Entities() []sharding.EntityId
	AddEntity(id sharding.EntityId) error
	RemoveEntity(id sharding.EntityId) error
}

// Store is the full provider contract. The Region and Shard packages
// depend only on this interface, never on a concrete backend.
type Store interface {
	StartShardsStore(typeName sharding.TypeName) (ShardsHandle, error)
	StartEntitiesStore(typeName sharding.TypeName, shardID sharding.ShardId) (EntitiesHandle, error)
}
