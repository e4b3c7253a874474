package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dreamware/shardkit/internal/sharding"
	"github.com/dreamware/shardkit/internal/sharding/allocation"
)

// fakeDurableStore is an in-memory DurableStore for exercising the
// Coordinator without a real raft/replicated backend.
type fakeDurableStore struct {
	mu               sync.Mutex
	regions          map[string]string
	proxies          map[string]string
	allocationMap    map[sharding.ShardId]string
	pendingRebalance map[sharding.ShardId]bool
}

func newFakeDurableStore() *fakeDurableStore {
	return &fakeDurableStore{
		regions:          make(map[string]string),
		proxies:          make(map[string]string),
		allocationMap:    make(map[sharding.ShardId]string),
		pendingRebalance: make(map[sharding.ShardId]bool),
	}
}

func (f *fakeDurableStore) RegisterRegion(regionID, addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regions[regionID] = addr
	return nil
}

func (f *fakeDurableStore) RegisterProxy(regionID, addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.proxies[regionID] = addr
	return nil
}

func (f *fakeDurableStore) TerminateRegion(regionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.regions, regionID)
	for shardID, r := range f.allocationMap {
		if r == regionID {
			delete(f.allocationMap, shardID)
			f.pendingRebalance[shardID] = true
		}
	}
	return nil
}

func (f *fakeDurableStore) TerminateProxy(regionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.proxies, regionID)
	return nil
}

func (f *fakeDurableStore) AllocateShardHome(shardID sharding.ShardId, regionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allocationMap[shardID] = regionID
	delete(f.pendingRebalance, shardID)
	return nil
}

func (f *fakeDurableStore) DeallocateShardHome(shardID sharding.ShardId) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.allocationMap, shardID)
	f.pendingRebalance[shardID] = true
	return nil
}

func (f *fakeDurableStore) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := Snapshot{
		AllocationMap:    make(map[sharding.ShardId]string, len(f.allocationMap)),
		PendingRebalance: make(map[sharding.ShardId]bool, len(f.pendingRebalance)),
		Regions:          make(map[string]string, len(f.regions)),
		Proxies:          make(map[string]string, len(f.proxies)),
	}
	for k, v := range f.allocationMap {
		out.AllocationMap[k] = v
	}
	for k, v := range f.pendingRebalance {
		out.PendingRebalance[k] = v
	}
	for k, v := range f.regions {
		out.Regions[k] = v
	}
	for k, v := range f.proxies {
		out.Proxies[k] = v
	}
	return out
}

// alwaysLeader is a Singleton that is always active, for tests not
// exercising leadership transitions.
type alwaysLeader struct{ ch chan bool }

func newAlwaysLeader() *alwaysLeader { return &alwaysLeader{ch: make(chan bool)} }
func (a *alwaysLeader) IsLeader() bool        { return true }
func (a *alwaysLeader) LeaderCh() <-chan bool { return a.ch }

type fakeRegionClient struct {
	mu           sync.Mutex
	hosted       []sharding.ShardId
	beganHandoff []sharding.ShardId
	handedOff    []sharding.ShardId
}

func (f *fakeRegionClient) HostShard(_ context.Context, _ sharding.RegionRef, shardID sharding.ShardId) (sharding.ShardStartedNotice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hosted = append(f.hosted, shardID)
	return sharding.ShardStartedNotice{ShardID: shardID}, nil
}

func (f *fakeRegionClient) BeginHandOff(_ context.Context, _ sharding.RegionRef, shardID sharding.ShardId) (sharding.BeginHandOffAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beganHandoff = append(f.beganHandoff, shardID)
	return sharding.BeginHandOffAck{ShardID: shardID}, nil
}

func (f *fakeRegionClient) HandOff(_ context.Context, _ sharding.RegionRef, shardID sharding.ShardId) (sharding.ShardStoppedNotice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handedOff = append(f.handedOff, shardID)
	return sharding.ShardStoppedNotice{ShardID: shardID}, nil
}

func newTestCoordinator(t *testing.T, store DurableStore, regions *fakeRegionClient) *Coordinator {
	t.Helper()
	c := New(Config{
		Store:             store,
		Singleton:         newAlwaysLeader(),
		Strategy:          allocation.NewLeastShardStrategy(10, 1.0),
		Regions:           regions,
		CoordinatorID:     "coord-1",
		RebalanceInterval: time.Hour, // disabled for these tests; driven manually
		HandoffTimeout:    time.Second,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)
	return c
}

func TestRegisterIsIdempotent(t *testing.T) {
	store := newFakeDurableStore()
	c := newTestCoordinator(t, store, &fakeRegionClient{})

	region := sharding.RegionRef{RegionID: "r1", Addr: "http://r1", TypeName: "game"}
	for i := 0; i < 2; i++ {
		ack, err := c.Register(sharding.RegisterRequest{Region: region})
		if err != nil {
			t.Fatalf("Register: %v", err)
		}
		if ack.CoordinatorID != "coord-1" {
			t.Fatalf("CoordinatorID = %q, want coord-1", ack.CoordinatorID)
		}
	}
	if addr := store.Snapshot().Regions["r1"]; addr != "http://r1" {
		t.Fatalf("stored addr = %q, want http://r1", addr)
	}
}

func TestGetShardHomeAllocatesAndPersistsBeforeReply(t *testing.T) {
	store := newFakeDurableStore()
	regions := &fakeRegionClient{}
	c := newTestCoordinator(t, store, regions)

	region := sharding.RegionRef{RegionID: "r1", Addr: "http://r1", TypeName: "game"}
	if _, err := c.Register(sharding.RegisterRequest{Region: region}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx := context.Background()
	resp, err := c.GetShardHome(ctx, sharding.GetShardHomeRequest{ShardID: "7", Requester: region})
	if err != nil {
		t.Fatalf("GetShardHome: %v", err)
	}
	if resp.Status != sharding.ShardHomeFound || resp.Region.RegionID != "r1" {
		t.Fatalf("GetShardHome = %+v, want found on r1", resp)
	}
	if got := store.Snapshot().AllocationMap["7"]; got != "r1" {
		t.Fatalf("durable allocation = %q, want r1", got)
	}

	resp2, err := c.GetShardHome(ctx, sharding.GetShardHomeRequest{ShardID: "7", Requester: region})
	if err != nil {
		t.Fatalf("GetShardHome (repeat): %v", err)
	}
	if resp2.Region.RegionID != "r1" {
		t.Fatalf("repeated lookup returned %+v, want the same home", resp2)
	}
}

func TestMigrateDrivesFullHandoffSequence(t *testing.T) {
	store := newFakeDurableStore()
	regions := &fakeRegionClient{}
	c := newTestCoordinator(t, store, regions)

	region := sharding.RegionRef{RegionID: "r1", Addr: "http://r1", TypeName: "game"}
	if _, err := c.Register(sharding.RegisterRequest{Region: region}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := store.AllocateShardHome("3", "r1"); err != nil {
		t.Fatalf("seed allocation: %v", err)
	}

	c.migrate(context.Background(), "3")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := store.Snapshot().AllocationMap["3"]; !ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, ok := store.Snapshot().AllocationMap["3"]; ok {
		t.Fatal("shard 3 still allocated after migrate")
	}

	regions.mu.Lock()
	defer regions.mu.Unlock()
	if len(regions.beganHandoff) != 1 || regions.beganHandoff[0] != "3" {
		t.Fatalf("beganHandoff = %v, want [3]", regions.beganHandoff)
	}
	if len(regions.handedOff) != 1 || regions.handedOff[0] != "3" {
		t.Fatalf("handedOff = %v, want [3]", regions.handedOff)
	}
}

func TestRegionTerminatedFallsBackToUnallocated(t *testing.T) {
	store := newFakeDurableStore()
	c := newTestCoordinator(t, store, &fakeRegionClient{})

	region := sharding.RegionRef{RegionID: "r1", Addr: "http://r1", TypeName: "game"}
	if _, err := c.Register(sharding.RegisterRequest{Region: region}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := store.AllocateShardHome("9", "r1"); err != nil {
		t.Fatalf("seed allocation: %v", err)
	}

	if err := c.RegionTerminated("r1"); err != nil {
		t.Fatalf("RegionTerminated: %v", err)
	}

	snap := store.Snapshot()
	if _, ok := snap.AllocationMap["9"]; ok {
		t.Fatal("shard 9 still allocated after region terminated")
	}
	if !snap.PendingRebalance["9"] {
		t.Fatal("shard 9 should be pending rebalance after region terminated")
	}
}

func TestRegionTerminatedRoutesProxyToTerminateProxy(t *testing.T) {
	store := newFakeDurableStore()
	c := newTestCoordinator(t, store, &fakeRegionClient{})

	proxy := sharding.RegionRef{RegionID: "proxy1", Addr: "http://proxy1", TypeName: "game", Proxy: true}
	if _, err := c.Register(sharding.RegisterRequest{Region: proxy}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, ok := store.Snapshot().Proxies["proxy1"]; !ok {
		t.Fatal("proxy1 should be registered as a proxy before termination")
	}

	if err := c.RegionTerminated("proxy1"); err != nil {
		t.Fatalf("RegionTerminated: %v", err)
	}

	if _, ok := store.Snapshot().Proxies["proxy1"]; ok {
		t.Fatal("proxy1 should be removed from Proxies via TerminateProxy, not left behind")
	}
	if _, ok := store.Snapshot().Regions["proxy1"]; ok {
		t.Fatal("proxy1 should never have been recorded as a hosting region")
	}
}
