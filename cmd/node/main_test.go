package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardkit/internal/config"
	"github.com/dreamware/shardkit/internal/sharding"
	"github.com/dreamware/shardkit/internal/sharding/region"
	"github.com/dreamware/shardkit/internal/sharding/shard"
	"github.com/dreamware/shardkit/internal/telemetry/logger"
)

type fakeCoordinator struct {
	mu      sync.Mutex
	homeFor map[sharding.ShardId]sharding.RegionRef
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{homeFor: make(map[sharding.ShardId]sharding.RegionRef)}
}

func (f *fakeCoordinator) Register(_ context.Context, req sharding.RegisterRequest) (sharding.RegisterAck, error) {
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
	return nil
}

type fakeRemote struct{}

func (fakeRemote) Dispatch(_ context.Context, _ sharding.RegionRef, _ sharding.Envelope) error {
	return nil
}

func newTestKVPlane(t *testing.T) *kvDataPlane {
	t.Helper()
	self := sharding.RegionRef{RegionID: "node-1", Addr: "http://node-1", TypeName: "kv"}
	reg := region.New(region.Config{
		Self:        self,
		NumShards:   4,
		Coordinator: newFakeCoordinator(),
		Remote:      fakeRemote{},
		Factory:     shard.NewKVEntityFactory(),
		Codec:       shard.KVCodec{},
		Buffer:      config.Config{BufferSize: 10, BufferOverflowPolicy: config.DropTail},
		Logger:      logger.Default(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go reg.Run(ctx)
	return &kvDataPlane{region: reg, numShards: 4, logger: logger.Default()}
}

// TestKVDataPlanePutThenGet verifies a round trip through the async
// Deliver path (PUT) and the synchronous local Ask path (GET), the two
// halves kvDataPlane.handle exposes over HTTP.
func TestKVDataPlanePutThenGet(t *testing.T) {
	kv := newTestKVPlane(t)

	putReq := httptest.NewRequest(http.MethodPut, "/kv/alice", strings.NewReader("hello"))
	putW := httptest.NewRecorder()
	kv.handle(putW, putReq)
	require.Equal(t, http.StatusAccepted, putW.Code)

	require.Eventually(t, func() bool {
		getReq := httptest.NewRequest(http.MethodGet, "/kv/alice", nil)
		getW := httptest.NewRecorder()
		kv.handle(getW, getReq)
		return getW.Code == http.StatusOK && getW.Body.String() == "hello"
	}, 2*time.Second, 10*time.Millisecond, "PUT never became visible to GET")
}

// TestKVDataPlaneGetMissingKey verifies an unwritten key on a known-local
// shard reports 404, not 503 or 500.
func TestKVDataPlaneGetMissingKey(t *testing.T) {
	kv := newTestKVPlane(t)

	// Prime shard ownership with a PUT to a different key on the same
	// shard's Region so the shard is hosted locally, then ask for a key
	// that was never written.
	putReq := httptest.NewRequest(http.MethodPut, "/kv/seed", strings.NewReader("x"))
	kv.handle(httptest.NewRecorder(), putReq)

	require.Eventually(t, func() bool {
		getReq := httptest.NewRequest(http.MethodGet, "/kv/missing", nil)
		getW := httptest.NewRecorder()
		kv.handle(getW, getReq)
		return getW.Code == http.StatusNotFound
	}, 2*time.Second, 10*time.Millisecond)
}

// TestKVDataPlaneRejectsBadMethod verifies unsupported methods return 405
// rather than falling through to one of the data handlers.
func TestKVDataPlaneRejectsBadMethod(t *testing.T) {
	kv := newTestKVPlane(t)
	req := httptest.NewRequest(http.MethodPatch, "/kv/alice", nil)
	w := httptest.NewRecorder()
	kv.handle(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

// TestKVDataPlaneRejectsEmptyKey verifies the bare /kv/ path is a 400, not
// a panic from an empty shard key.
func TestKVDataPlaneRejectsEmptyKey(t *testing.T) {
	kv := newTestKVPlane(t)
	req := httptest.NewRequest(http.MethodGet, "/kv/", nil)
	w := httptest.NewRecorder()
	kv.handle(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
