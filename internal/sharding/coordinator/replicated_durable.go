package coordinator

import (
	"fmt"
	"strings"
	"sync"

	"github.com/dreamware/shardkit/internal/durable/replicated"
	"github.com/dreamware/shardkit/internal/sharding"
)

// Gossip lets the replicated backend reach peer Coordinator replicas to
// merge LWWMap state, mirroring internal/sharding/remember.Gossip but over
// the Coordinator's own map rather than a remember-entities OR-Set.
type Gossip interface {
	Peers() []string
	Fetch(peer string) (*replicated.LWWMap, error)
	Push(peer string, m *replicated.LWWMap) error
}

const (
	regionPrefix  = "region:"
	proxyPrefix   = "proxy:"
	shardPrefix   = "shard:"
	pendingPrefix = "pending:"
)

// ReplicatedDurableStore adapts a replicated.LWWMap, gossiped to a quorum of
// peers on every write, into the Coordinator's DurableStore contract. Unlike
// the raft backend, it carries no built-in Singleton collaborator: callers
// must pair it with a membership-oldest-based Singleton implementation.
type ReplicatedDurableStore struct {
	gossip Gossip
	minCap int

	mu  sync.Mutex
	lww *replicated.LWWMap
}

// NewReplicatedDurableStore wraps an empty LWWMap gossiped through g,
// requiring at least minCap acknowledging replicas for every write.
func NewReplicatedDurableStore(g Gossip, minCap int) *ReplicatedDurableStore {
	return &ReplicatedDurableStore{gossip: g, minCap: minCap, lww: replicated.NewLWWMap()}
}

func (s *ReplicatedDurableStore) putQuorum(key, value string) error {
	s.mu.Lock()
	s.lww.Put(key, value)
	local := s.lww
	s.mu.Unlock()
	return s.quorum(key, local)
}

func (s *ReplicatedDurableStore) deleteQuorum(key string) error {
	s.mu.Lock()
	s.lww.Delete(key)
	local := s.lww
	s.mu.Unlock()
	return s.quorum(key, local)
}

// quorum gossips local to every peer, merges back their replies, and
// requires at least Quorum(N+1, minCap)-1 peers to have acknowledged,
// matching the write-quorum rule in SPEC_FULL.md §4.1.
func (s *ReplicatedDurableStore) quorum(key string, local *replicated.LWWMap) error {
	peers := s.gossip.Peers()
	required := replicated.Quorum(len(peers)+1, s.minCap) - 1
	if required <= 0 {
		return nil
	}
	acked := 0
	for _, p := range peers {
		if err := s.gossip.Push(p, local); err != nil {
			continue
		}
		remote, err := s.gossip.Fetch(p)
		if err != nil {
			continue
		}
		s.mu.Lock()
		s.lww.Merge(remote)
		s.mu.Unlock()
		acked++
	}
	if acked < required {
		return fmt.Errorf("coordinator: replicated quorum not reached for %s: got %d, need %d", key, acked, required)
	}
	return nil
}

func (s *ReplicatedDurableStore) RegisterRegion(regionID, addr string) error {
	return s.putQuorum(regionPrefix+regionID, addr)
}

func (s *ReplicatedDurableStore) RegisterProxy(regionID, addr string) error {
	return s.putQuorum(proxyPrefix+regionID, addr)
}

func (s *ReplicatedDurableStore) TerminateRegion(regionID string) error {
	if err := s.deleteQuorum(regionPrefix + regionID); err != nil {
		return err
	}
	return s.reallocateFrom(regionID)
}

func (s *ReplicatedDurableStore) TerminateProxy(regionID string) error {
	return s.deleteQuorum(proxyPrefix + regionID)
}

// reallocateFrom marks every shard currently allocated to regionID as
// pending rebalance, the replicated-backend analogue of the raft FSM's
// applyTermination side effect.
func (s *ReplicatedDurableStore) reallocateFrom(regionID string) error {
	s.mu.Lock()
	var affected []string
	for k, v := range s.lww.All() {
		if strings.HasPrefix(k, shardPrefix) && v == regionID {
			affected = append(affected, strings.TrimPrefix(k, shardPrefix))
		}
	}
	s.mu.Unlock()

	for _, shardID := range affected {
		if err := s.DeallocateShardHome(sharding.ShardId(shardID)); err != nil {
			return err
		}
	}
	return nil
}

func (s *ReplicatedDurableStore) AllocateShardHome(shardID sharding.ShardId, regionID string) error {
	if err := s.putQuorum(shardPrefix+string(shardID), regionID); err != nil {
		return err
	}
	return s.deleteQuorum(pendingPrefix + string(shardID))
}

func (s *ReplicatedDurableStore) DeallocateShardHome(shardID sharding.ShardId) error {
	if err := s.deleteQuorum(shardPrefix + string(shardID)); err != nil {
		return err
	}
	return s.putQuorum(pendingPrefix+string(shardID), "true")
}

// GossipState returns the live LWWMap backing this store, for a transport
// layer to serve over the gossip endpoint peers Fetch from.
func (s *ReplicatedDurableStore) GossipState() *replicated.LWWMap {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lww
}

// MergeGossip folds a peer's pushed LWWMap into this store, the receiving
// side of the Gossip.Push a peer issues against this store's HTTP endpoint.
func (s *ReplicatedDurableStore) MergeGossip(remote *replicated.LWWMap) {
	s.mu.Lock()
	s.lww.Merge(remote)
	s.mu.Unlock()
}

func (s *ReplicatedDurableStore) Snapshot() Snapshot {
	s.mu.Lock()
	all := s.lww.All()
	s.mu.Unlock()

	out := Snapshot{
		AllocationMap:    make(map[sharding.ShardId]string),
		PendingRebalance: make(map[sharding.ShardId]bool),
		Regions:          make(map[string]string),
		Proxies:          make(map[string]string),
	}
	for k, v := range all {
		switch {
		case strings.HasPrefix(k, regionPrefix):
			out.Regions[strings.TrimPrefix(k, regionPrefix)] = v
		case strings.HasPrefix(k, proxyPrefix):
			out.Proxies[strings.TrimPrefix(k, proxyPrefix)] = v
		case strings.HasPrefix(k, shardPrefix):
			out.AllocationMap[sharding.ShardId(strings.TrimPrefix(k, shardPrefix))] = v
		case strings.HasPrefix(k, pendingPrefix):
			out.PendingRebalance[sharding.ShardId(strings.TrimPrefix(k, pendingPrefix))] = v == "true"
		}
	}
	return out
}
