// Package raftstore is the event-sourced durable-state backend for the
// Shard Coordinator and, sharing the same log, the Remember-Entities
// store: hashicorp/raft IS the append-only journal described in
// SPEC_FULL.md §4.1/§6, and raft leadership doubles as the Singleton
// manager collaborator.
package raftstore

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/dreamware/shardkit/internal/telemetry/logger"
)

// LogEntryType tags the payload carried by a single raft log entry.
type LogEntryType uint8

const (
	LogEntryShardRegionRegistered LogEntryType = iota + 1
	LogEntryShardRegionProxyRegistered
	LogEntryShardRegionTerminated
	LogEntryShardRegionProxyTerminated
	LogEntryShardHomeAllocated
	LogEntryShardHomeDeallocated
	LogEntryRememberShardAdded
	LogEntryRememberShardRemoved
	LogEntryRememberEntityAdded
	LogEntryRememberEntityRemoved
)

// LogEntry is the envelope written to the raft log for every durable
// transition named in SPEC_FULL.md §4.1.
type LogEntry struct {
	Type    LogEntryType    `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RegionPayload names a region for Register/Terminate events.
type RegionPayload struct {
	RegionID string `json:"region_id"`
	Addr     string `json:"addr"`
}

// ShardHomeAllocatedPayload records a shard's new home.
type ShardHomeAllocatedPayload struct {
	ShardID  string `json:"shard_id"`
	RegionID string `json:"region_id"`
}

// ShardHomeDeallocatedPayload records a shard entering rebalance.
type ShardHomeDeallocatedPayload struct {
	ShardID string `json:"shard_id"`
}

// RememberShardPayload records a shard-membership change for a type.
type RememberShardPayload struct {
	TypeName string `json:"type_name"`
	ShardID  string `json:"shard_id"`
}

// RememberEntityPayload records an entity-membership change for a shard.
type RememberEntityPayload struct {
	TypeName string `json:"type_name"`
	ShardID  string `json:"shard_id"`
	EntityID string `json:"entity_id"`
}

// State is the full reconstructed Coordinator + Remember-Entities state,
// matching the Data Model in SPEC_FULL.md §3.
type State struct {
	// AllocationMap maps a ShardId to the RegionId that owns it.
	AllocationMap map[string]string
	// PendingRebalance is the set of ShardIds currently mid-handoff.
	PendingRebalance map[string]bool
	// Regions is the set of known, non-proxy region addresses by id.
	Regions map[string]string
	// Proxies is the set of known proxy-only region addresses by id.
	Proxies map[string]string
	// RememberedShards maps TypeName to its durable shard set.
	RememberedShards map[string]map[string]bool
	// RememberedEntities maps "TypeName/ShardId" to its durable entity set.
	RememberedEntities map[string]map[string]bool
}

func newState() *State {
	return &State{
		AllocationMap:      make(map[string]string),
		PendingRebalance:   make(map[string]bool),
		Regions:            make(map[string]string),
		Proxies:            make(map[string]string),
		RememberedShards:   make(map[string]map[string]bool),
		RememberedEntities: make(map[string]map[string]bool),
	}
}

func (s *State) clone() *State {
	c := newState()
	for k, v := range s.AllocationMap {
		c.AllocationMap[k] = v
	}
	for k, v := range s.PendingRebalance {
		c.PendingRebalance[k] = v
	}
	for k, v := range s.Regions {
		c.Regions[k] = v
	}
	for k, v := range s.Proxies {
		c.Proxies[k] = v
	}
	for t, set := range s.RememberedShards {
		cp := make(map[string]bool, len(set))
		for k, v := range set {
			cp[k] = v
		}
		c.RememberedShards[t] = cp
	}
	for t, set := range s.RememberedEntities {
		cp := make(map[string]bool, len(set))
		for k, v := range set {
			cp[k] = v
		}
		c.RememberedEntities[t] = cp
	}
	return c
}

// FSM implements raft.FSM over the Coordinator/Remember-Entities State.
type FSM struct {
	mu    sync.RWMutex
	state *State
	log   logger.Logger
}

// NewFSM creates an empty FSM.
func NewFSM(log logger.Logger) *FSM {
	if log == nil {
		log = logger.Default()
	}
	return &FSM{state: newState(), log: log}
}

// Apply applies one committed raft log entry. A corrupt or unrecognized
// entry means the durable log can no longer be trusted to reconstruct
// Coordinator state faithfully, so Apply panics rather than silently
// skip or guess — raft's crash/restart-from-snapshot path is the correct
// recovery, not best-effort continuation. See SPEC_FULL.md §7.
func (f *FSM) Apply(l *raft.Log) interface{} {
	var entry LogEntry
	if err := json.Unmarshal(l.Data, &entry); err != nil {
		f.log.Error("FATAL: durable log entry corrupted", "error", err, "index", l.Index, "term", l.Term)
		panic(fmt.Sprintf("raftstore: FSM.Apply: unmarshal failed at index=%d: %v", l.Index, err))
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch entry.Type {
	case LogEntryShardRegionRegistered:
		f.applyRegion(entry.Payload, f.state.Regions)
	case LogEntryShardRegionProxyRegistered:
		f.applyRegion(entry.Payload, f.state.Proxies)
	case LogEntryShardRegionTerminated:
		f.applyTermination(entry.Payload, f.state.Regions)
	case LogEntryShardRegionProxyTerminated:
		f.applyTermination(entry.Payload, f.state.Proxies)
	case LogEntryShardHomeAllocated:
		f.applyShardHomeAllocated(entry.Payload)
	case LogEntryShardHomeDeallocated:
		f.applyShardHomeDeallocated(entry.Payload)
	case LogEntryRememberShardAdded:
		f.applyRememberShard(entry.Payload, true)
	case LogEntryRememberShardRemoved:
		f.applyRememberShard(entry.Payload, false)
	case LogEntryRememberEntityAdded:
		f.applyRememberEntity(entry.Payload, true)
	case LogEntryRememberEntityRemoved:
		f.applyRememberEntity(entry.Payload, false)
	default:
		f.log.Error("FATAL: unknown durable log entry type", "type", entry.Type, "index", l.Index)
		panic(fmt.Sprintf("raftstore: FSM.Apply: unknown log type %d at index=%d", entry.Type, l.Index))
	}

	return nil
}

func (f *FSM) applyRegion(payload json.RawMessage, into map[string]string) {
	var p RegionPayload
	mustUnmarshal(payload, &p, "RegionPayload")
	into[p.RegionID] = p.Addr
}

func (f *FSM) applyTermination(payload json.RawMessage, from map[string]string) {
	var p RegionPayload
	mustUnmarshal(payload, &p, "RegionPayload")
	delete(from, p.RegionID)
	for shardID, region := range f.state.AllocationMap {
		if region == p.RegionID {
			delete(f.state.AllocationMap, shardID)
			f.state.PendingRebalance[shardID] = false
		}
	}
}

func (f *FSM) applyShardHomeAllocated(payload json.RawMessage) {
	var p ShardHomeAllocatedPayload
	mustUnmarshal(payload, &p, "ShardHomeAllocatedPayload")
	f.state.AllocationMap[p.ShardID] = p.RegionID
	delete(f.state.PendingRebalance, p.ShardID)
}

func (f *FSM) applyShardHomeDeallocated(payload json.RawMessage) {
	var p ShardHomeDeallocatedPayload
	mustUnmarshal(payload, &p, "ShardHomeDeallocatedPayload")
	delete(f.state.AllocationMap, p.ShardID)
	f.state.PendingRebalance[p.ShardID] = true
}

func (f *FSM) applyRememberShard(payload json.RawMessage, add bool) {
	var p RememberShardPayload
	mustUnmarshal(payload, &p, "RememberShardPayload")
	set, ok := f.state.RememberedShards[p.TypeName]
	if !ok {
		set = make(map[string]bool)
		f.state.RememberedShards[p.TypeName] = set
	}
	if add {
		set[p.ShardID] = true
	} else {
		delete(set, p.ShardID)
	}
}

func (f *FSM) applyRememberEntity(payload json.RawMessage, add bool) {
	var p RememberEntityPayload
	mustUnmarshal(payload, &p, "RememberEntityPayload")
	key := p.TypeName + "/" + p.ShardID
	set, ok := f.state.RememberedEntities[key]
	if !ok {
		set = make(map[string]bool)
		f.state.RememberedEntities[key] = set
	}
	if add {
		set[p.EntityID] = true
	} else {
		delete(set, p.EntityID)
	}
}

func mustUnmarshal(data json.RawMessage, out any, what string) {
	if err := json.Unmarshal(data, out); err != nil {
		panic(fmt.Sprintf("raftstore: corrupt %s: %v", what, err))
	}
}

// Snapshot returns a point-in-time copy of the FSM state for raft log
// compaction.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return &fsmSnapshot{state: f.state.clone()}, nil
}

// Restore replaces all FSM state from a previously persisted snapshot.
func (f *FSM) Restore(r io.ReadCloser) error {
	defer r.Close()

	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("raftstore: create gzip reader: %w", err)
	}
	defer gz.Close()

	var state State
	if err := json.NewDecoder(gz).Decode(&state); err != nil {
		return fmt.Errorf("raftstore: decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = &state
	f.log.Info("fsm state restored from snapshot", "shards", len(state.AllocationMap), "regions", len(state.Regions))
	return nil
}

// State returns a defensive copy of the current reconstructed state.
func (f *FSM) State() *State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state.clone()
}

type fsmSnapshot struct {
	state *State
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		gz := gzip.NewWriter(sink)
		defer gz.Close()

		if err := json.NewEncoder(gz).Encode(s.state); err != nil {
			return fmt.Errorf("encode snapshot: %w", err)
		}
		return gz.Close()
	}()

	if err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
