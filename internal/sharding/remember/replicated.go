package remember

import (
	"fmt"
	"sync"

	"github.com/dreamware/shardkit/internal/durable/replicated"
	"github.com/dreamware/shardkit/internal/sharding"
)

// Gossip is the replication collaborator a ReplicatedStore merges through:
// Fetch retrieves a peer's current OR-Set for key (a "shards:TypeName" or
// "entities:TypeName/ShardId" identifier) and Push ships the local OR-Set
// to that peer. A production wiring wraps the membership package's peer
// list and an HTTP or raft-transport-style RPC; tests use an in-memory
// fake.
type Gossip interface {
	Peers() []string
	Fetch(peer, key string) (*replicated.ORSet, error)
	Push(peer, key string, set *replicated.ORSet) error
}

// ReplicatedStore implements Store over per-key OR-Sets merged across a
// read/write quorum of peers, the alternative to EventSourcedStore named
// in SPEC_FULL.md §4.1/§4.4 for deployments that accept eventual
// consistency over linearizable consensus.
type ReplicatedStore struct {
	gossip Gossip
	minCap int

	mu   sync.Mutex
	sets map[string]*replicated.ORSet
}

// NewReplicatedStore constructs a ReplicatedStore gossiping through g.
// minCap is the floor on quorum size described in SPEC_FULL.md §4.1
// (max(ceil(N/2)+1, minCap)).
func NewReplicatedStore(g Gossip, minCap int) *ReplicatedStore {
	return &ReplicatedStore{gossip: g, minCap: minCap, sets: make(map[string]*replicated.ORSet)}
}

func (s *ReplicatedStore) setFor(key string) *replicated.ORSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		set = replicated.NewORSet()
		s.sets[key] = set
	}
	return set
}

// quorum synchronously merges local's current state with as many peers as
// it can reach, pushing local's state to each in turn, and reports an
// error if fewer than the required quorum of peers acknowledged.
func (s *ReplicatedStore) quorum(key string, local *replicated.ORSet) error {
	peers := s.gossip.Peers()
	required := replicated.Quorum(len(peers)+1, s.minCap) - 1 // -1: local counts as one ack
	if required <= 0 {
		return nil
	}

	acked := 0
	for _, p := range peers {
		if err := s.gossip.Push(p, key, local); err != nil {
			continue
		}
		remote, err := s.gossip.Fetch(p, key)
		if err != nil {
			continue
		}
		local.Merge(remote)
		acked++
	}

	if acked < required {
		return fmt.Errorf("remember: replicated quorum not reached for %s: got %d, need %d", key, acked, required)
	}
	return nil
}

func shardsKey(typeName sharding.TypeName) string {
	return "shards:" + string(typeName)
}

func entitiesKey(typeName sharding.TypeName, shardID sharding.ShardId) string {
	return "entities:" + string(typeName) + "/" + string(shardID)
}

func (s *ReplicatedStore) StartShardsStore(typeName sharding.TypeName) (ShardsHandle, error) {
	return &replicatedShards{store: s, key: shardsKey(typeName)}, nil
}

func (s *ReplicatedStore) StartEntitiesStore(typeName sharding.TypeName, shardID sharding.ShardId) (EntitiesHandle, error) {
	return &replicatedEntities{store: s, key: entitiesKey(typeName, shardID)}, nil
}

type replicatedShards struct {
	store *ReplicatedStore
	key   string
}

func (h *replicatedShards) Shards() []sharding.ShardId {
	elems := h.store.setFor(h.key).Elements()
	out := make([]sharding.ShardId, len(elems))
	for i, e := range elems {
		out[i] = sharding.ShardId(e)
	}
	return out
}

func (h *replicatedShards) AddShard(id sharding.ShardId) error {
	set := h.store.setFor(h.key)
	set.Add(string(id))
	return h.store.quorum(h.key, set)
}

func (h *replicatedShards) RemoveShard(id sharding.ShardId) error {
	set := h.store.setFor(h.key)
	set.Remove(string(id))
	return h.store.quorum(h.key, set)
}

type replicatedEntities struct {
	store *ReplicatedStore
	key   string
}

func (h *replicatedEntities) Entities() []sharding.EntityId {
	elems := h.store.setFor(h.key).Elements()
	out := make([]sharding.EntityId, len(elems))
	for i, e := range elems {
		out[i] = sharding.EntityId(e)
	}
	return out
}

func (h *replicatedEntities) AddEntity(id sharding.EntityId) error {
	set := h.store.setFor(h.key)
	set.Add(string(id))
	return h.store.quorum(h.key, set)
}

func (h *replicatedEntities) RemoveEntity(id sharding.EntityId) error {
	set := h.store.setFor(h.key)
	set.Remove(string(id))
	return h.store.quorum(h.key, set)
}
