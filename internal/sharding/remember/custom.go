package remember

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dreamware/shardkit/internal/sharding"
	"github.com/dreamware/shardkit/internal/storage"
)

// CustomStore adapts the project's key-value storage.Store into the
// Remember-Entities contract, the "plug your own store" backend named in
// SPEC_FULL.md §4.4. It is grounded directly in the teacher's
// internal/storage.MemoryStore: each remembered set is JSON-encoded and
// kept under one storage key, read-modify-written under a single
// store-wide lock so concurrent Add/Remove calls never race.
type CustomStore struct {
	backend storage.Store

	mu sync.Mutex
}

// NewCustomStore wraps backend, any storage.Store implementation.
func NewCustomStore(backend storage.Store) *CustomStore {
	return &CustomStore{backend: backend}
}

func (s *CustomStore) StartShardsStore(typeName sharding.TypeName) (ShardsHandle, error) {
	return &customShards{store: s, key: "remember/shards/" + string(typeName)}, nil
}

func (s *CustomStore) StartEntitiesStore(typeName sharding.TypeName, shardID sharding.ShardId) (EntitiesHandle, error) {
	key := "remember/entities/" + string(typeName) + "/" + string(shardID)
	return &customEntities{store: s, key: key}, nil
}

func (s *CustomStore) readSet(key string) ([]string, error) {
	raw, err := s.backend.Get(key)
	if err != nil {
		if err == storage.ErrKeyNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("remember: read %s: %w", key, err)
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("remember: decode %s: %w", key, err)
	}
	return ids, nil
}

func (s *CustomStore) writeSet(key string, ids []string) error {
	raw, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("remember: encode %s: %w", key, err)
	}
	if err := s.backend.Put(key, raw); err != nil {
		return fmt.Errorf("remember: write %s: %w", key, err)
	}
	return nil
}

func (s *CustomStore) add(key, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.readSet(key)
	if err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	return s.writeSet(key, append(ids, id))
}

func (s *CustomStore) remove(key, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.readSet(key)
	if err != nil {
		return err
	}
	out := ids[:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return s.writeSet(key, out)
}

type customShards struct {
	store *CustomStore
	key   string
}

func (h *customShards) Shards() []sharding.ShardId {
	ids, _ := h.store.readSet(h.key)
	out := make([]sharding.ShardId, len(ids))
	for i, id := range ids {
		out[i] = sharding.ShardId(id)
	}
	return out
}

func (h *customShards) AddShard(id sharding.ShardId) error    { return h.store.add(h.key, string(id)) }
func (h *customShards) RemoveShard(id sharding.ShardId) error { return h.store.remove(h.key, string(id)) }

type customEntities struct {
	store *CustomStore
	key   string
}

func (h *customEntities) Entities() []sharding.EntityId {
	ids, _ := h.store.readSet(h.key)
	out := make([]sharding.EntityId, len(ids))
	for i, id := range ids {
		out[i] = sharding.EntityId(id)
	}
	return out
}

func (h *customEntities) AddEntity(id sharding.EntityId) error {
	return h.store.add(h.key, string(id))
}

func (h *customEntities) RemoveEntity(id sharding.EntityId) error {
	return h.store.remove(h.key, string(id))
}
