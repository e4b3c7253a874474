package shard

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dreamware/shardkit/internal/storage"
)

// Codec converts between an Entity's in-process message values and the
// wire bytes carried in a sharding.Envelope, needed only when a Region
// dispatches to a peer over HTTP (local delivery passes msg through
// untouched). Entity types outside this package supply their own Codec.
type Codec interface {
	Encode(msg any) ([]byte, error)
	Decode(data []byte) (any, error)
}

// kvWireMessage tags a KV message for JSON transport, since KVGet/KVPut/
// KVDelete have no Go-level type information once serialized.
type kvWireMessage struct {
	Kind  string `json:"kind"`
	Key   string `json:"key"`
	Value []byte `json:"value,omitempty"`
}

// KVCodec is the Codec for KVEntity's message set.
type KVCodec struct{}

func (KVCodec) Encode(msg any) ([]byte, error) {
	var w kvWireMessage
	switch m := msg.(type) {
	case KVGet:
		w = kvWireMessage{Kind: "get", Key: m.Key}
	case KVPut:
		w = kvWireMessage{Kind: "put", Key: m.Key, Value: m.Value}
	case KVDelete:
		w = kvWireMessage{Kind: "delete", Key: m.Key}
	default:
		return nil, fmt.Errorf("shard: KVCodec: unrecognized message %T", msg)
	}
	return json.Marshal(w)
}

func (KVCodec) Decode(data []byte) (any, error) {
	var w kvWireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("shard: KVCodec: decode: %w", err)
	}
	switch w.Kind {
	case "get":
		return KVGet{Key: w.Key}, nil
	case "put":
		return KVPut{Key: w.Key, Value: w.Value}, nil
	case "delete":
		return KVDelete{Key: w.Key}, nil
	default:
		return nil, fmt.Errorf("shard: KVCodec: unrecognized wire kind %q", w.Kind)
	}
}

// KVGet, KVPut, and KVDelete are the message types KVEntity understands,
// kept intentionally close to the teacher's internal/shard.Shard
// Get/Put/Delete surface so existing storage-oriented callers have a
// ready-made Entity to instantiate (SPEC_FULL.md §3.1).
type (
	KVGet    struct{ Key string }
	KVPut    struct {
		Key   string
		Value []byte
	}
	KVDelete struct{ Key string }
)

// KVEntity adapts a storage.Store into an Entity: each KVEntity instance
// owns its own store, and the Shard routes messages to it by entityId.
type KVEntity struct {
	id    string
	store storage.Store
}

// NewKVEntityFactory returns an EntityFactory producing one KVEntity per
// entityID, each backed by its own in-memory store.
func NewKVEntityFactory() EntityFactory {
	return func(entityID string) Entity {
		return &KVEntity{id: entityID, store: storage.NewMemoryStore()}
	}
}

func (e *KVEntity) Receive(_ context.Context, msg any) (any, error) {
	switch m := msg.(type) {
	case KVGet:
		return e.store.Get(m.Key)
	case KVPut:
		return nil, e.store.Put(m.Key, m.Value)
	case KVDelete:
		return nil, e.store.Delete(m.Key)
	default:
		return nil, fmt.Errorf("shard: KVEntity %s: unrecognized message %T", e.id, msg)
	}
}
