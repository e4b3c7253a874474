package coordinator

import (
	"encoding/json"
	"time"

	"github.com/dreamware/shardkit/internal/durable/raftstore"
	"github.com/dreamware/shardkit/internal/sharding"
)

// RaftDurableStore adapts a shared *raftstore.Node into the Coordinator's
// DurableStore contract: the raft log IS the journal described in
// SPEC_FULL.md §4.1, and this type's companion raftstore.Node also serves
// as the Singleton-manager collaborator via IsLeader/LeaderCh.
type RaftDurableStore struct {
	node    *raftstore.Node
	timeout time.Duration
}

// NewRaftDurableStore wraps node. timeout bounds each raft Apply call.
func NewRaftDurableStore(node *raftstore.Node, timeout time.Duration) *RaftDurableStore {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RaftDurableStore{node: node, timeout: timeout}
}

func (s *RaftDurableStore) RegisterRegion(regionID, addr string) error {
	return s.node.Apply(raftstore.LogEntry{
		Type:    raftstore.LogEntryShardRegionRegistered,
		Payload: mustMarshal(raftstore.RegionPayload{RegionID: regionID, Addr: addr}),
	}, s.timeout)
}

func (s *RaftDurableStore) RegisterProxy(regionID, addr string) error {
	return s.node.Apply(raftstore.LogEntry{
		Type:    raftstore.LogEntryShardRegionProxyRegistered,
		Payload: mustMarshal(raftstore.RegionPayload{RegionID: regionID, Addr: addr}),
	}, s.timeout)
}

func (s *RaftDurableStore) TerminateRegion(regionID string) error {
	return s.node.Apply(raftstore.LogEntry{
		Type:    raftstore.LogEntryShardRegionTerminated,
		Payload: mustMarshal(raftstore.RegionPayload{RegionID: regionID}),
	}, s.timeout)
}

func (s *RaftDurableStore) TerminateProxy(regionID string) error {
	return s.node.Apply(raftstore.LogEntry{
		Type:    raftstore.LogEntryShardRegionProxyTerminated,
		Payload: mustMarshal(raftstore.RegionPayload{RegionID: regionID}),
	}, s.timeout)
}

func (s *RaftDurableStore) AllocateShardHome(shardID sharding.ShardId, regionID string) error {
	return s.node.Apply(raftstore.LogEntry{
		Type:    raftstore.LogEntryShardHomeAllocated,
		Payload: mustMarshal(raftstore.ShardHomeAllocatedPayload{ShardID: string(shardID), RegionID: regionID}),
	}, s.timeout)
}

func (s *RaftDurableStore) DeallocateShardHome(shardID sharding.ShardId) error {
	return s.node.Apply(raftstore.LogEntry{
		Type:    raftstore.LogEntryShardHomeDeallocated,
		Payload: mustMarshal(raftstore.ShardHomeDeallocatedPayload{ShardID: string(shardID)}),
	}, s.timeout)
}

func (s *RaftDurableStore) Snapshot() Snapshot {
	state := s.node.FSM().State()
	out := Snapshot{
		AllocationMap:    make(map[sharding.ShardId]string, len(state.AllocationMap)),
		PendingRebalance: make(map[sharding.ShardId]bool, len(state.PendingRebalance)),
		Regions:          state.Regions,
		Proxies:          state.Proxies,
	}
	for shardID, regionID := range state.AllocationMap {
		out.AllocationMap[sharding.ShardId(shardID)] = regionID
	}
	for shardID, pending := range state.PendingRebalance {
		out.PendingRebalance[sharding.ShardId(shardID)] = pending
	}
	return out
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("coordinator: marshal durable payload: " + err.Error())
	}
	return data
}
