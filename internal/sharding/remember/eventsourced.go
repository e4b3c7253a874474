package remember

import (
	"fmt"
	"time"

	"github.com/dreamware/shardkit/internal/durable/raftstore"
	"github.com/dreamware/shardkit/internal/sharding"
)

// EventSourcedStore implements Store over a shared raftstore.Node: every
// AddShard/RemoveShard/AddEntity/RemoveEntity call appends a log entry and
// waits for raft commit, exactly the "append to a journal keyed by
// (typeName, shardId); state is derived from replay" backend required by
// SPEC_FULL.md §4.4.
type EventSourcedStore struct {
	node    *raftstore.Node
	timeout time.Duration
}

// NewEventSourcedStore wraps node. timeout bounds each raft Apply call.
func NewEventSourcedStore(node *raftstore.Node, timeout time.Duration) *EventSourcedStore {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &EventSourcedStore{node: node, timeout: timeout}
}

func (s *EventSourcedStore) StartShardsStore(typeName sharding.TypeName) (ShardsHandle, error) {
	return &eventSourcedShards{store: s, typeName: typeName}, nil
}

func (s *EventSourcedStore) StartEntitiesStore(typeName sharding.TypeName, shardID sharding.ShardId) (EntitiesHandle, error) {
	return &eventSourcedEntities{store: s, typeName: typeName, shardID: shardID}, nil
}

type eventSourcedShards struct {
	store    *EventSourcedStore
	typeName sharding.TypeName
}

func (h *eventSourcedShards) Shards() []sharding.ShardId {
	set := h.store.node.FSM().State().RememberedShards[string(h.typeName)]
	out := make([]sharding.ShardId, 0, len(set))
	for id := range set {
		out = append(out, sharding.ShardId(id))
	}
	return out
}

func (h *eventSourcedShards) AddShard(id sharding.ShardId) error {
	return h.store.apply(raftstore.LogEntryRememberShardAdded, raftstore.RememberShardPayload{
		TypeName: string(h.typeName), ShardID: string(id),
	})
}

func (h *eventSourcedShards) RemoveShard(id sharding.ShardId) error {
	return h.store.apply(raftstore.LogEntryRememberShardRemoved, raftstore.RememberShardPayload{
		TypeName: string(h.typeName), ShardID: string(id),
	})
}

type eventSourcedEntities struct {
	store    *EventSourcedStore
	typeName sharding.TypeName
	shardID  sharding.ShardId
}

func (h *eventSourcedEntities) Entities() []sharding.EntityId {
	key := string(h.typeName) + "/" + string(h.shardID)
	set := h.store.node.FSM().State().RememberedEntities[key]
	out := make([]sharding.EntityId, 0, len(set))
	for id := range set {
		out = append(out, sharding.EntityId(id))
	}
	return out
}

func (h *eventSourcedEntities) AddEntity(id sharding.EntityId) error {
	return h.store.apply(raftstore.LogEntryRememberEntityAdded, raftstore.RememberEntityPayload{
		TypeName: string(h.typeName), ShardID: string(h.shardID), EntityID: string(id),
	})
}

func (h *eventSourcedEntities) RemoveEntity(id sharding.EntityId) error {
	return h.store.apply(raftstore.LogEntryRememberEntityRemoved, raftstore.RememberEntityPayload{
		TypeName: string(h.typeName), ShardID: string(h.shardID), EntityID: string(id),
	})
}

func (s *EventSourcedStore) apply(entryType raftstore.LogEntryType, payload any) error {
	data, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("remember: marshal payload: %w", err)
	}
	return s.node.Apply(raftstore.LogEntry{Type: entryType, Payload: data}, s.timeout)
}
