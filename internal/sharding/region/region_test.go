package region

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dreamware/shardkit/internal/config"
	"github.com/dreamware/shardkit/internal/sharding"
	"github.com/dreamware/shardkit/internal/sharding/shard"
)

type fakeCoordinator struct {
	mu          sync.Mutex
	homeFor     map[sharding.ShardId]sharding.RegionRef
	registered  []sharding.RegionRef
	shutdownReq []sharding.RegionRef
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{homeFor: make(map[sharding.ShardId]sharding.RegionRef)}
}

func (f *fakeCoordinator) Register(_ context.Context, req sharding.RegisterRequest) (sharding.RegisterAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, req.Region)
	return sharding.RegisterAck{CoordinatorID: "coord-1"}, nil
}

func (f *fakeCoordinator) GetShardHome(_ context.Context, req sharding.GetShardHomeRequest) (sharding.ShardHomeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	home, ok := f.homeFor[req.ShardID]
	if !ok {
		home = req.Requester // self-allocate for the test
		f.homeFor[req.ShardID] = home
	}
	return sharding.ShardHomeResponse{ShardID: req.ShardID, Status: sharding.ShardHomeFound, Region: home}, nil
}

func (f *fakeCoordinator) GracefulShutdown(_ context.Context, req sharding.GracefulShutdownRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdownReq = append(f.shutdownReq, req.Region)
	return nil
}

type fakeRemote struct {
	mu  sync.Mutex
	got []sharding.Envelope
}

func (f *fakeRemote) Dispatch(_ context.Context, _ sharding.RegionRef, env sharding.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, env)
	return nil
}

func newTestRegion(t *testing.T, coord CoordinatorClient, remote RemoteDispatcher) (*Region, context.CancelFunc) {
	t.Helper()
	self := sharding.RegionRef{RegionID: "region-1", Addr: "http://region-1", TypeName: "game"}
	r := New(Config{
		Self:        self,
		NumShards:   4,
		Coordinator: coord,
		Remote:      remote,
		Factory:     shard.NewKVEntityFactory(),
		Codec:       shard.KVCodec{},
		Buffer:      config.Config{BufferSize: 10, BufferOverflowPolicy: config.DropTail},
	})
	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	return r, cancel
}

func TestRegionResolvesAndDeliversLocally(t *testing.T) {
	coord := newFakeCoordinator()
	r, cancel := newTestRegion(t, coord, &fakeRemote{})
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()

	if err := r.Deliver(ctx, "alice", shard.KVPut{Key: "k", Value: []byte("v")}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	shardID := sharding.NumShardsFor("alice", 4)
	for time.Now().Before(deadline) {
		if _, ok := r.KnownHome(shardID); ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	home, ok := r.KnownHome(shardID)
	if !ok {
		t.Fatal("shard home never resolved")
	}
	if home.RegionID != "region-1" {
		t.Fatalf("home = %v, want self", home)
	}
}

func TestRegionBuffersUntilHomeResolved(t *testing.T) {
	coord := newFakeCoordinator()
	remote := &fakeRemote{}
	r, cancel := newTestRegion(t, coord, remote)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()

	// Deliver several messages back-to-back before resolution completes;
	// none should be lost.
	for i := 0; i < 3; i++ {
		if err := r.Deliver(ctx, "bob", shard.KVPut{Key: "k", Value: []byte("v")}); err != nil {
			t.Fatalf("Deliver: %v", err)
		}
	}

	shardID := sharding.NumShardsFor("bob", 4)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := r.KnownHome(shardID); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("shard home never resolved after buffered deliveries")
}

func TestRegionHandOffDrainsLocalShard(t *testing.T) {
	coord := newFakeCoordinator()
	r, cancel := newTestRegion(t, coord, &fakeRemote{})
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()

	shardID := r.HostShard(ctx, "1").ShardID
	if shardID != "1" {
		t.Fatalf("HostShard returned %v, want 1", shardID)
	}

	notice := r.HandOff(context.Background(), "1", "stop")
	if notice.ShardID != "1" {
		t.Fatalf("HandOff returned %v, want 1", notice.ShardID)
	}
	if _, ok := r.KnownHome("1"); ok {
		t.Fatal("shard state should be removed after HandOff")
	}
}

func TestRegionDeliverEnvelopeDecodesAndDispatchesLocally(t *testing.T) {
	coord := newFakeCoordinator()
	r, cancel := newTestRegion(t, coord, &fakeRemote{})
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()

	shardID := r.HostShard(ctx, r.shardIDFor("carol")).ShardID

	body, err := shard.KVCodec{}.Encode(shard.KVPut{Key: "k", Value: []byte("v")})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	env := sharding.Envelope{ShardID: shardID, EntityID: "carol", Body: body}
	if err := r.DeliverEnvelope(ctx, env); err != nil {
		t.Fatalf("DeliverEnvelope: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
}
