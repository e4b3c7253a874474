package remember

import (
	"testing"
	"time"

	"github.com/dreamware/shardkit/internal/durable/raftstore"
	"github.com/dreamware/shardkit/internal/durable/replicated"
	"github.com/dreamware/shardkit/internal/sharding"
	"github.com/dreamware/shardkit/internal/storage"
)

func TestCustomStoreShardsRoundTrip(t *testing.T) {
	store := NewCustomStore(storage.NewMemoryStore())

	handle, err := store.StartShardsStore("game")
	if err != nil {
		t.Fatalf("StartShardsStore: %v", err)
	}

	if got := handle.Shards(); len(got) != 0 {
		t.Fatalf("Shards() on empty store = %v, want none", got)
	}

	if err := handle.AddShard("1"); err != nil {
		t.Fatalf("AddShard: %v", err)
	}
	if err := handle.AddShard("2"); err != nil {
		t.Fatalf("AddShard: %v", err)
	}
	if err := handle.AddShard("1"); err != nil {
		t.Fatalf("AddShard duplicate: %v", err)
	}

	got := handle.Shards()
	if len(got) != 2 {
		t.Fatalf("Shards() = %v, want 2 entries", got)
	}

	if err := handle.RemoveShard("1"); err != nil {
		t.Fatalf("RemoveShard: %v", err)
	}
	got = handle.Shards()
	if len(got) != 1 || got[0] != sharding.ShardId("2") {
		t.Fatalf("Shards() after remove = %v, want [2]", got)
	}
}

func TestCustomStoreEntitiesIsolatedPerShard(t *testing.T) {
	store := NewCustomStore(storage.NewMemoryStore())

	h1, _ := store.StartEntitiesStore("game", "1")
	h2, _ := store.StartEntitiesStore("game", "2")

	if err := h1.AddEntity("alice"); err != nil {
		t.Fatalf("AddEntity: %v", err)
	}
	if got := h2.Entities(); len(got) != 0 {
		t.Fatalf("shard 2 entities = %v, want none (isolated from shard 1)", got)
	}
	if got := h1.Entities(); len(got) != 1 || got[0] != sharding.EntityId("alice") {
		t.Fatalf("shard 1 entities = %v, want [alice]", got)
	}
}

// fakeGossip is an in-process Gossip used to test ReplicatedStore's
// quorum logic without a real network transport.
type fakeGossip struct {
	peers map[string]map[string]*replicated.ORSet
}

func newFakeGossip(peerNames ...string) *fakeGossip {
	g := &fakeGossip{peers: make(map[string]map[string]*replicated.ORSet)}
	for _, name := range peerNames {
		g.peers[name] = make(map[string]*replicated.ORSet)
	}
	return g
}

func (g *fakeGossip) Peers() []string {
	names := make([]string, 0, len(g.peers))
	for name := range g.peers {
		names = append(names, name)
	}
	return names
}

func (g *fakeGossip) Fetch(peer, key string) (*replicated.ORSet, error) {
	set, ok := g.peers[peer][key]
	if !ok {
		set = replicated.NewORSet()
		g.peers[peer][key] = set
	}
	return set, nil
}

func (g *fakeGossip) Push(peer, key string, set *replicated.ORSet) error {
	existing, ok := g.peers[peer][key]
	if !ok {
		existing = replicated.NewORSet()
		g.peers[peer][key] = existing
	}
	existing.Merge(set)
	return nil
}

func TestReplicatedStoreQuorumSucceedsWithEnoughPeers(t *testing.T) {
	gossip := newFakeGossip("b", "c")
	store := NewReplicatedStore(gossip, 2)

	handle, _ := store.StartShardsStore("game")
	if err := handle.AddShard("1"); err != nil {
		t.Fatalf("AddShard: %v", err)
	}

	got := handle.Shards()
	if len(got) != 1 || got[0] != sharding.ShardId("1") {
		t.Fatalf("Shards() = %v, want [1]", got)
	}
}

func TestReplicatedStoreQuorumFailsWithNoPeers(t *testing.T) {
	gossip := newFakeGossip()
	store := NewReplicatedStore(gossip, 2)

	handle, _ := store.StartShardsStore("game")
	if err := handle.AddShard("1"); err == nil {
		t.Fatal("AddShard: want error when quorum of 2 is unreachable with zero peers")
	}
}

func newTestRaftNode(t *testing.T) *raftstore.Node {
	t.Helper()
	fsm := raftstore.NewFSM(nil)
	node, err := raftstore.NewNode(raftstore.Config{
		NodeID:    "test-node",
		BindAddr:  "127.0.0.1:0",
		DataDir:   t.TempDir(),
		Bootstrap: true,
	}, fsm)
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	t.Cleanup(func() { node.Close() })
	return node
}

func TestEventSourcedStoreShardsRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping raft-backed test in short mode")
	}

	node := newTestRaftNode(t)

	deadline := time.Now().Add(5 * time.Second)
	for !node.IsLeader() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if !node.IsLeader() {
		t.Fatal("single-node bootstrap cluster never became leader")
	}

	store := NewEventSourcedStore(node, 2*time.Second)
	handle, err := store.StartShardsStore("game")
	if err != nil {
		t.Fatalf("StartShardsStore: %v", err)
	}

	if err := handle.AddShard("7"); err != nil {
		t.Fatalf("AddShard: %v", err)
	}
	got := handle.Shards()
	if len(got) != 1 || got[0] != sharding.ShardId("7") {
		t.Fatalf("Shards() = %v, want [7]", got)
	}

	if err := handle.RemoveShard("7"); err != nil {
		t.Fatalf("RemoveShard: %v", err)
	}
	if got := handle.Shards(); len(got) != 0 {
		t.Fatalf("Shards() after remove = %v, want none", got)
	}
}
