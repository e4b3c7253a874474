// Package region implements the Shard Region from SPEC_FULL.md §4.2: the
// only place user code sends messages for a type, responsible for location
// resolution, per-shard buffering, and dispatch, generalized from the
// teacher's on-demand-shard-creation pattern in cmd/node/main.go.
package region

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dreamware/shardkit/internal/config"
	"github.com/dreamware/shardkit/internal/sharding"
	"github.com/dreamware/shardkit/internal/sharding/mailbox"
	"github.com/dreamware/shardkit/internal/sharding/remember"
	"github.com/dreamware/shardkit/internal/sharding/shard"
	"github.com/dreamware/shardkit/internal/telemetry/logger"
	"github.com/dreamware/shardkit/internal/telemetry/metrics"
)

// CoordinatorClient is the Region's view of the Shard Coordinator control
// plane (SPEC_FULL.md §6). Production wiring POSTs these requests to the
// coordinator's HTTP address via internal/cluster.PostJSON; tests use a
// fake.
type CoordinatorClient interface {
	Register(ctx context.Context, req sharding.RegisterRequest) (sharding.RegisterAck, error)
	GetShardHome(ctx context.Context, req sharding.GetShardHomeRequest) (sharding.ShardHomeResponse, error)
	GracefulShutdown(ctx context.Context, req sharding.GracefulShutdownRequest) error
}

// RemoteDispatcher delivers an already-resolved Envelope to a peer Region,
// the dispatch half of SPEC_FULL.md §4.2's contract ("messages for the
// shard must be delivered without involving the Coordinator").
type RemoteDispatcher interface {
	Dispatch(ctx context.Context, target sharding.RegionRef, env sharding.Envelope) error
}

// Config configures a Region.
type Config struct {
	Self        sharding.RegionRef
	NumShards   int
	Coordinator CoordinatorClient
	Remote      RemoteDispatcher
	Factory     shard.EntityFactory
	Codec       shard.Codec // required only to dispatch to/receive from peer Regions
	Buffer      config.Config
	Logger      logger.Logger

	// RememberStore, when non-nil, turns on the Remember-Entities
	// integration (SPEC_FULL.md §4.4): every local Shard gets its own
	// EntitiesHandle, and shards this Region remembered hosting from a
	// prior incarnation are started eagerly by Bootstrap instead of
	// waiting for a first message.
	RememberStore remember.Store
	// HandoffTimeout bounds how long a local Shard waits for its
	// entities to stop during HandOff before force-stopping stragglers
	// (SPEC_FULL.md §4.3).
	HandoffTimeout time.Duration
}

type shardState struct {
	home    *sharding.RegionRef // nil: unknown
	local   *shard.Shard
	buffer  []bufferedDispatch
	cancel  context.CancelFunc
}

type bufferedDispatch struct {
	entityID string
	msg      any
}

// Region owns per-shard routing state on a single goroutine (its
// mailbox), per SPEC_FULL.md §5.
type Region struct {
	cfg Config
	mb  *mailbox.Mailbox

	mu     sync.Mutex
	shards map[sharding.ShardId]*shardState

	rememberedShards remember.ShardsHandle // nil unless cfg.RememberStore is set

	coordinatorID string
	registered    bool
}

// New constructs a Region. Call Run to start its executor and Register to
// join the Coordinator's known-regions set.
func New(cfg Config) *Region {
	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}
	return &Region{cfg: cfg, mb: mailbox.New(1024), shards: make(map[sharding.ShardId]*shardState)}
}

// Run drains the Region's mailbox until ctx is done.
func (r *Region) Run(ctx context.Context) { r.mb.Run(ctx) }

// Register sends Register(region) to the Coordinator once and returns its
// error; retrying is left to the caller.
func (r *Region) Register(ctx context.Context) error {
	ack, err := r.cfg.Coordinator.Register(ctx, sharding.RegisterRequest{Region: r.cfg.Self})
	if err != nil {
		return fmt.Errorf("region: register: %w", err)
	}
	r.mu.Lock()
	r.coordinatorID = ack.CoordinatorID
	r.registered = true
	r.mu.Unlock()
	return nil
}

// Bootstrap starts every shard this Region remembers hosting from a prior
// incarnation, reading RememberedShards for its own TypeName and starting
// each eagerly, without waiting for a message or a HostShard call from
// the Coordinator (SPEC_FULL.md §3's RememberedShards invariant and S5).
// A no-op when RememberStore is not configured.
func (r *Region) Bootstrap(ctx context.Context) error {
	if r.cfg.RememberStore == nil {
		return nil
	}
	handle, err := r.cfg.RememberStore.StartShardsStore(r.cfg.Self.TypeName)
	if err != nil {
		return fmt.Errorf("region: start shards store: %w", err)
	}
	r.mu.Lock()
	r.rememberedShards = handle
	remembered := handle.Shards()
	r.mu.Unlock()

	for _, shardID := range remembered {
		r.HostShard(ctx, shardID)
	}
	if len(remembered) > 0 {
		r.cfg.Logger.Info("restarted remembered shards", "count", len(remembered))
	}
	return nil
}

// shardIDFor computes the ShardId for entityID using the Region's
// configured partition count.
func (r *Region) shardIDFor(entityID string) sharding.ShardId {
	return sharding.NumShardsFor(entityID, r.cfg.NumShards)
}

// Deliver is the only entry point user code calls to send msg to
// entityID. It resolves entityID's shard and dispatches, buffering if the
// shard's home is not yet known.
func (r *Region) Deliver(ctx context.Context, entityID string, msg any) error {
	shardID := r.shardIDFor(entityID)
	return r.mb.Send(func(ctx context.Context) {
		r.dispatch(ctx, shardID, entityID, msg)
	})
}

func (r *Region) dispatch(ctx context.Context, shardID sharding.ShardId, entityID string, msg any) {
	r.mu.Lock()
	st, ok := r.shards[shardID]
	if !ok {
		st = &shardState{}
		r.shards[shardID] = st
		r.mu.Unlock()
		go r.resolve(ctx, shardID)
		r.mu.Lock()
	}

	if st.home == nil {
		r.bufferLocked(st, shardID, entityID, msg)
		r.mu.Unlock()
		return
	}
	home := *st.home
	local := st.local
	r.mu.Unlock()

	r.send(ctx, shardID, entityID, msg, home, local)
}

func (r *Region) bufferLocked(st *shardState, shardID sharding.ShardId, entityID string, msg any) {
	max := r.cfg.Buffer.BufferSize
	if max <= 0 {
		max = 1000
	}
	if len(st.buffer) >= max {
		dropped := bufferedDispatch{entityID: entityID, msg: msg}
		reason := "overflow-tail"
		if r.cfg.Buffer.BufferOverflowPolicy == config.DropHead {
			reason = "overflow-head"
			dropped = st.buffer[0]
			st.buffer = append(st.buffer[1:], bufferedDispatch{entityID: entityID, msg: msg})
		}
		dl := sharding.NewDeadLetter(shardID, sharding.EntityId(dropped.entityID), reason)
		r.cfg.Logger.Warn("per-shard buffer overflow, dropping to dead-letters",
			"id", dl.ID, "shard", dl.ShardID, "entity", dl.EntityID, "reason", dl.Reason)
		metrics.BufferDrops.WithLabelValues(reason).Inc()
		return
	}
	st.buffer = append(st.buffer, bufferedDispatch{entityID: entityID, msg: msg})
}

func (r *Region) send(ctx context.Context, shardID sharding.ShardId, entityID string, msg any, home sharding.RegionRef, local *shard.Shard) {
	if home.RegionID == r.cfg.Self.RegionID {
		if local != nil {
			_ = local.Deliver(entityID, msg)
		}
		return
	}
	if r.cfg.Codec == nil {
		r.cfg.Logger.Error("no Codec configured, cannot dispatch to remote region", "shard", shardID, "target", home)
		return
	}
	body, err := r.cfg.Codec.Encode(msg)
	if err != nil {
		r.cfg.Logger.Error("encode message for remote dispatch failed", "shard", shardID, "error", err)
		return
	}
	env := sharding.Envelope{ShardID: shardID, EntityID: sharding.EntityId(entityID), Body: body}
	if err := r.cfg.Remote.Dispatch(ctx, home, env); err != nil {
		r.cfg.Logger.Error("remote dispatch failed", "shard", shardID, "target", home, "error", err)
	}
}

// DeliverEnvelope is the entry point for a message arriving over the wire
// from a peer Region's RemoteDispatcher, decoded via the configured Codec
// and delivered to the local shard exactly as a local Deliver would be.
func (r *Region) DeliverEnvelope(ctx context.Context, env sharding.Envelope) error {
	if r.cfg.Codec == nil {
		return fmt.Errorf("region: no Codec configured, cannot decode incoming envelope")
	}
	msg, err := r.cfg.Codec.Decode(env.Body)
	if err != nil {
		return fmt.Errorf("region: decode envelope: %w", err)
	}
	return r.mb.Send(func(ctx context.Context) {
		r.dispatch(ctx, env.ShardID, string(env.EntityID), msg)
	})
}

// resolve sends GetShardHome to the Coordinator and, on success, installs
// the mapping and drains any buffered messages.
func (r *Region) resolve(ctx context.Context, shardID sharding.ShardId) {
	resp, err := r.cfg.Coordinator.GetShardHome(ctx, sharding.GetShardHomeRequest{ShardID: shardID, Requester: r.cfg.Self})
	if err != nil {
		r.cfg.Logger.Error("GetShardHome failed, will retry", "shard", shardID, "error", err)
		return
	}
	if resp.Status == sharding.ShardHomeDeallocStat {
		// Mid-rebalance: leave buffered, the periodic retry loop re-asks.
		return
	}
	_ = r.mb.Send(func(ctx context.Context) {
		r.installHome(ctx, shardID, resp.Region)
	})
}

func (r *Region) installHome(ctx context.Context, shardID sharding.ShardId, home sharding.RegionRef) {
	r.mu.Lock()
	st := r.shards[shardID]
	st.home = &home
	buffered := st.buffer
	st.buffer = nil

	var local *shard.Shard
	if home.RegionID == r.cfg.Self.RegionID {
		if st.local == nil {
			st.local = r.startLocalShardLocked(ctx, shardID, st)
		}
		local = st.local
	}
	r.mu.Unlock()

	for _, bm := range buffered {
		r.send(ctx, shardID, bm.entityID, bm.msg, home, local)
	}
}

// HostShard starts a local Shard instance for shardID, per the
// Coordinator's HostShard(shardId) control message.
func (r *Region) HostShard(ctx context.Context, shardID sharding.ShardId) sharding.ShardStartedNotice {
	r.mu.Lock()
	st, ok := r.shards[shardID]
	if !ok {
		st = &shardState{}
		r.shards[shardID] = st
	}
	if st.local == nil {
		st.local = r.startLocalShardLocked(ctx, shardID, st)
	}
	r.mu.Unlock()
	return sharding.ShardStartedNotice{ShardID: shardID}
}

// startLocalShardLocked starts a Shard goroutine for shardID and records
// its cancel func on st. Callers must already hold r.mu.
func (r *Region) startLocalShardLocked(ctx context.Context, shardID sharding.ShardId, st *shardState) *shard.Shard {
	var entities remember.EntitiesHandle
	if r.cfg.RememberStore != nil {
		handle, err := r.cfg.RememberStore.StartEntitiesStore(r.cfg.Self.TypeName, shardID)
		if err != nil {
			r.cfg.Logger.Error("start entities store failed, remember-entities disabled for this shard", "shard", shardID, "error", err)
		} else {
			entities = handle
		}
		if r.rememberedShards != nil {
			if err := r.rememberedShards.AddShard(shardID); err != nil {
				r.cfg.Logger.Error("remember-entities: record shard failed", "shard", shardID, "error", err)
			}
		}
	}

	shardCtx, cancel := context.WithCancel(ctx)
	s := shard.New(shard.Config{
		TypeName:       r.cfg.Self.TypeName,
		ID:             shardID,
		Factory:        r.cfg.Factory,
		HandoffTimeout: r.cfg.HandoffTimeout,
		Remember:       entities,
		Logger:         r.cfg.Logger,
	})
	go s.Run(shardCtx)

	st.cancel = cancel
	metrics.ShardsPerRegion.WithLabelValues(r.cfg.Self.RegionID).Inc()
	return s
}

// BeginHandOff invalidates local knowledge of shardID and begins
// buffering, per SPEC_FULL.md §4.2.
func (r *Region) BeginHandOff(shardID sharding.ShardId) sharding.BeginHandOffAck {
	r.mu.Lock()
	if st, ok := r.shards[shardID]; ok {
		st.home = nil
	}
	r.mu.Unlock()
	return sharding.BeginHandOffAck{ShardID: shardID}
}

// HandOff instructs the local Shard to stop its entities and reports
// ShardStopped once it terminates.
func (r *Region) HandOff(ctx context.Context, shardID sharding.ShardId, stopMsg any) sharding.ShardStoppedNotice {
	r.mu.Lock()
	st, ok := r.shards[shardID]
	r.mu.Unlock()
	if ok && st.local != nil {
		st.local.HandOff(ctx, stopMsg)
	}

	r.mu.Lock()
	if ok && st.cancel != nil {
		st.cancel()
	}
	delete(r.shards, shardID)
	remembered := r.rememberedShards
	r.mu.Unlock()

	if remembered != nil {
		if err := remembered.RemoveShard(shardID); err != nil {
			r.cfg.Logger.Error("remember-entities: forget shard failed", "shard", shardID, "error", err)
		}
	}

	metrics.ShardsPerRegion.WithLabelValues(r.cfg.Self.RegionID).Dec()
	return sharding.ShardStoppedNotice{ShardID: shardID}
}

// GracefulShutdown requests the Coordinator rebalance every shard this
// Region owns, then blocks until all local shards have drained.
func (r *Region) GracefulShutdown(ctx context.Context) error {
	if err := r.cfg.Coordinator.GracefulShutdown(ctx, sharding.GracefulShutdownRequest{Region: r.cfg.Self}); err != nil {
		return fmt.Errorf("region: graceful shutdown: %w", err)
	}

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		remaining := len(r.shards)
		r.mu.Unlock()
		if remaining == 0 {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("region: graceful shutdown timed out with shards still draining")
}

// RetryPendingResolutions re-sends GetShardHome for every shard whose home
// is still unknown, the periodic Retry operation in SPEC_FULL.md §4.2.
func (r *Region) RetryPendingResolutions(ctx context.Context) {
	r.mu.Lock()
	var pending []sharding.ShardId
	for id, st := range r.shards {
		if st.home == nil {
			pending = append(pending, id)
		}
	}
	r.mu.Unlock()

	for _, id := range pending {
		go r.resolve(ctx, id)
	}
}

// LocalShard returns the locally-running Shard instance for shardID, if
// one is hosted on this Region right now. Callers needing a synchronous
// reply from an entity (outside the core's at-most-once dispatch
// contract) use this to reach the Shard directly and call its own Ask.
func (r *Region) LocalShard(shardID sharding.ShardId) (*shard.Shard, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.shards[shardID]
	if !ok || st.local == nil {
		return nil, false
	}
	return st.local, true
}

// KnownHome returns the currently resolved home for shardID, if any, for
// tests and diagnostics.
func (r *Region) KnownHome(shardID sharding.ShardId) (sharding.RegionRef, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.shards[shardID]
	if !ok || st.home == nil {
		return sharding.RegionRef{}, false
	}
	return *st.home, true
}
