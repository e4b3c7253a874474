// Package sharding defines the shared vocabulary of the cluster sharding
// core: identifiers, addressing, and the control-message contracts named
// in SPEC_FULL.md §3 and §6. The Coordinator, Region, Shard, allocation,
// and remember-entities packages all depend on these types without
// depending on each other's internals.
package sharding

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// TypeName is the logical name of an entity type; namespace for all
// mapping state.
type TypeName string

// ShardId is the opaque partition key derived from a message by a
// caller-supplied function; the unit of allocation and handoff.
type ShardId string

// EntityId is an entity's identity within a shard.
type EntityId string

// RegionRef addresses a Shard Region on some node.
type RegionRef struct {
	// RegionID uniquely identifies this region instance. cmd/node takes it
	// from NODE_ID and generates a fresh google/uuid on each start only
	// when NODE_ID is unset.
	RegionID string `json:"region_id"`
	// Addr is the HTTP address other processes use to reach this region.
	Addr string `json:"addr"`
	// TypeName is the entity type this region hosts shards for.
	TypeName TypeName `json:"type_name"`
	// Proxy marks a region that only routes to remote shards and hosts
	// no local shards (cross-datacenter access, SPEC_FULL.md §6/S6).
	Proxy bool `json:"proxy,omitempty"`
}

func (r RegionRef) String() string {
	return fmt.Sprintf("%s@%s[%s]", r.RegionID, r.Addr, r.TypeName)
}

// Envelope carries a user message alongside the routing coordinates the
// Region resolves it to; it is the JSON body of Region-to-Region dispatch
// calls (SPEC_FULL.md §6).
type Envelope struct {
	ShardID  ShardId  `json:"shard_id"`
	EntityID EntityId `json:"entity_id"`
	Body     []byte   `json:"body"`
}

// --- Control-message contracts (SPEC_FULL.md §6) ---

type RegisterRequest struct {
	Region RegionRef `json:"region"`
}

type RegisterAck struct {
	CoordinatorID string `json:"coordinator_id"`
}

type GetShardHomeRequest struct {
	ShardID   ShardId   `json:"shard_id"`
	Requester RegionRef `json:"requester"`
}

// ShardHomeStatus distinguishes the two non-error GetShardHome outcomes.
type ShardHomeStatus string

const (
	ShardHomeFound        ShardHomeStatus = "home"
	ShardHomeDeallocStat  ShardHomeStatus = "deallocated"
)

type ShardHomeResponse struct {
	ShardID ShardId         `json:"shard_id"`
	Status  ShardHomeStatus `json:"status"`
	Region  RegionRef       `json:"region,omitempty"`
}

type HostShardRequest struct {
	ShardID ShardId `json:"shard_id"`
}

type ShardStartedNotice struct {
	ShardID ShardId `json:"shard_id"`
}

type BeginHandOffRequest struct {
	ShardID ShardId `json:"shard_id"`
}

type BeginHandOffAck struct {
	ShardID ShardId `json:"shard_id"`
}

type HandOffRequest struct {
	ShardID ShardId `json:"shard_id"`
}

type ShardStoppedNotice struct {
	ShardID ShardId `json:"shard_id"`
}

type GracefulShutdownRequest struct {
	Region RegionRef `json:"region"`
}

type CoordinatorStateSnapshot struct {
	AllocationMap    map[ShardId]RegionRef `json:"allocation_map"`
	PendingRebalance []ShardId             `json:"pending_rebalance"`
}

// DeadLetter records a message the system could not or would not deliver,
// per SPEC_FULL.md §4.2's buffer-overflow and §4.3's handing-off policies.
// ID is lexically sortable by creation time, so a dead-letter sink can
// order entries for display without parsing a separate timestamp field.
type DeadLetter struct {
	ID       string   `json:"id"`
	ShardID  ShardId  `json:"shard_id"`
	EntityID EntityId `json:"entity_id,omitempty"`
	Reason   string   `json:"reason"`
}

// NewDeadLetter builds a DeadLetter with a fresh monotonic ULID, the same
// generation idiom used for durable identifiers elsewhere in the example
// corpus.
func NewDeadLetter(shardID ShardId, entityID EntityId, reason string) DeadLetter {
	entropy := ulid.Monotonic(rand.Reader, 0)
	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return DeadLetter{ID: id.String(), ShardID: shardID, EntityID: entityID, Reason: reason}
}
