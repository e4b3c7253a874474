// Package storage defines the abstract key-value storage interface backing
// entity state in this module, with one concrete in-memory implementation.
//
// # Overview
//
// storage.Store is the persistence seam for shard.KVEntity
// (internal/sharding/shard) and for remember.CustomStore
// (internal/sharding/remember), which layers the Remember-Entities
// interface over a plain Store. Both use MemoryStore in the default
// bootstrap (cmd/node); embedders wanting durable
// storage implement Store against their own backend and wire it in where
// NewMemoryStore is called today.
//
// # Core Interface
//
// Store: Get(key), Put(key, value), Delete(key). Get returns
// ErrKeyNotFound when the key is absent; Delete of an absent key returns
// nil. All operations are safe for concurrent use.
//
// # See Also
//
// Related packages:
//   - internal/sharding/shard: KVEntity, the Store-backed Entity
//   - internal/sharding/remember: CustomStore, the Store-backed
//     Remember-Entities backend
package storage
