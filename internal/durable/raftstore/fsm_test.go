package raftstore

import (
	"encoding/json"
	"testing"

	"github.com/hashicorp/raft"
)

func applyEntry(t *testing.T, fsm *FSM, entryType LogEntryType, payload any, index uint64) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	entryData, err := json.Marshal(LogEntry{Type: entryType, Payload: data})
	if err != nil {
		t.Fatalf("marshal entry: %v", err)
	}
	fsm.Apply(&raft.Log{Index: index, Data: entryData})
}

func TestFSMApplyShardHomeAllocated(t *testing.T) {
	fsm := NewFSM(nil)

	applyEntry(t, fsm, LogEntryShardRegionRegistered, RegionPayload{RegionID: "region-a", Addr: "http://a:8080"}, 1)
	applyEntry(t, fsm, LogEntryShardHomeAllocated, ShardHomeAllocatedPayload{ShardID: "7", RegionID: "region-a"}, 2)

	state := fsm.State()
	if state.AllocationMap["7"] != "region-a" {
		t.Errorf("AllocationMap[7] = %q, want region-a", state.AllocationMap["7"])
	}
	if state.PendingRebalance["7"] {
		t.Errorf("shard 7 should not be pending after allocation")
	}
}

func TestFSMApplyShardHomeDeallocated(t *testing.T) {
	fsm := NewFSM(nil)

	applyEntry(t, fsm, LogEntryShardHomeAllocated, ShardHomeAllocatedPayload{ShardID: "3", RegionID: "region-b"}, 1)
	applyEntry(t, fsm, LogEntryShardHomeDeallocated, ShardHomeDeallocatedPayload{ShardID: "3"}, 2)

	state := fsm.State()
	if _, ok := state.AllocationMap["3"]; ok {
		t.Errorf("shard 3 should be unallocated")
	}
	if !state.PendingRebalance["3"] {
		t.Errorf("shard 3 should be pending rebalance")
	}
}

func TestFSMApplyRegionTerminatedUnallocatesShards(t *testing.T) {
	fsm := NewFSM(nil)

	applyEntry(t, fsm, LogEntryShardRegionRegistered, RegionPayload{RegionID: "region-a", Addr: "http://a:8080"}, 1)
	applyEntry(t, fsm, LogEntryShardHomeAllocated, ShardHomeAllocatedPayload{ShardID: "1", RegionID: "region-a"}, 2)
	applyEntry(t, fsm, LogEntryShardHomeAllocated, ShardHomeAllocatedPayload{ShardID: "2", RegionID: "region-a"}, 3)
	applyEntry(t, fsm, LogEntryShardRegionTerminated, RegionPayload{RegionID: "region-a"}, 4)

	state := fsm.State()
	if len(state.Regions) != 0 {
		t.Errorf("region-a should be removed from Regions")
	}
	if len(state.AllocationMap) != 0 {
		t.Errorf("all shards owned by region-a should be unallocated, got %v", state.AllocationMap)
	}
}

func TestFSMApplyRememberShardsAndEntitiesIdempotent(t *testing.T) {
	fsm := NewFSM(nil)

	applyEntry(t, fsm, LogEntryRememberShardAdded, RememberShardPayload{TypeName: "Order", ShardID: "5"}, 1)
	applyEntry(t, fsm, LogEntryRememberShardAdded, RememberShardPayload{TypeName: "Order", ShardID: "5"}, 2)
	applyEntry(t, fsm, LogEntryRememberEntityAdded, RememberEntityPayload{TypeName: "Order", ShardID: "5", EntityID: "x"}, 3)
	applyEntry(t, fsm, LogEntryRememberEntityAdded, RememberEntityPayload{TypeName: "Order", ShardID: "5", EntityID: "x"}, 4)

	state := fsm.State()
	if len(state.RememberedShards["Order"]) != 1 {
		t.Errorf("RememberedShards[Order] = %v, want one entry", state.RememberedShards["Order"])
	}
	if len(state.RememberedEntities["Order/5"]) != 1 {
		t.Errorf("RememberedEntities[Order/5] = %v, want one entry", state.RememberedEntities["Order/5"])
	}
}

func TestFSMApplyCorruptEntryPanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on corrupt log entry, got none")
		}
	}()

	fsm := NewFSM(nil)
	fsm.Apply(&raft.Log{Index: 1, Data: []byte("not json")})
}

func TestFSMApplyUnknownTypePanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on unknown log entry type, got none")
		}
	}()

	fsm := NewFSM(nil)
	entryData, _ := json.Marshal(LogEntry{Type: 99, Payload: json.RawMessage(`{}`)})
	fsm.Apply(&raft.Log{Index: 1, Data: entryData})
}
