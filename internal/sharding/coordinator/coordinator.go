package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dreamware/shardkit/internal/sharding"
	"github.com/dreamware/shardkit/internal/sharding/allocation"
	"github.com/dreamware/shardkit/internal/telemetry/logger"
	"github.com/dreamware/shardkit/internal/telemetry/metrics"
)

// RegionClient is the Coordinator's view of a Shard Region, the collaborator
// side of SPEC_FULL.md §6's HostShard/BeginHandOff/HandOff control messages.
// Production wiring dispatches these over HTTP (local or remote, indistinct
// to the Coordinator); tests use a fake.
type RegionClient interface {
	HostShard(ctx context.Context, target sharding.RegionRef, shardID sharding.ShardId) (sharding.ShardStartedNotice, error)
	BeginHandOff(ctx context.Context, target sharding.RegionRef, shardID sharding.ShardId) (sharding.BeginHandOffAck, error)
	HandOff(ctx context.Context, target sharding.RegionRef, shardID sharding.ShardId) (sharding.ShardStoppedNotice, error)
}

// handoffPhase is the Coordinator-local runtime sub-state of a shard
// mid-migration. Only the Allocated/Unallocated endpoints of SPEC_FULL.md
// §4.1's state machine are persisted to DurableStore; BeginningHandOff and
// HandingOff live only in the live Coordinator's memory and are lost on
// failover, where the shard's persisted entry is still Allocated (it is
// deallocated only after HandOff succeeds).
type handoffPhase int

const (
	phaseNone handoffPhase = iota
	phaseBeginningHandOff
	phaseHandingOff
)

// Config configures a Coordinator.
type Config struct {
	Store             DurableStore
	Singleton         Singleton
	Strategy          allocation.Strategy
	Regions           RegionClient
	RebalanceInterval time.Duration
	HandoffTimeout    time.Duration
	CoordinatorID     string
	Logger            logger.Logger
}

// Coordinator is the cluster-wide-singleton authoritative shard-to-region
// mapping and migration controller from SPEC_FULL.md §4.1, generalized from
// the teacher's internal/coordinator.ShardRegistry + HealthMonitor pairing.
// It only serves requests while its Singleton collaborator reports
// leadership; a standby Coordinator instance keeps its Run goroutine alive
// but Register, RegisterProxy and GetShardHome return ErrNotLeader.
type Coordinator struct {
	cfg Config

	mu      sync.Mutex
	regions map[string]sharding.RegionRef // regionID -> full ref, live-only
	proxies map[string]sharding.RegionRef
	handoff map[sharding.ShardId]handoffPhase
	active  bool
}

// ErrNotLeader is returned by Register, RegisterProxy and GetShardHome when
// this instance does not currently hold the singleton role.
// GracefulShutdownReq, RegionTerminated and StateSnapshot do not check it.
var ErrNotLeader = fmt.Errorf("coordinator: this instance is not the active singleton")

// New constructs a Coordinator. Call Run to start following Singleton
// leadership changes and driving the periodic rebalance tick.
func New(cfg Config) *Coordinator {
	if cfg.HandoffTimeout <= 0 {
		cfg.HandoffTimeout = 5 * time.Second
	}
	if cfg.RebalanceInterval <= 0 {
		cfg.RebalanceInterval = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}
	return &Coordinator{
		cfg:     cfg,
		regions: make(map[string]sharding.RegionRef),
		proxies: make(map[string]sharding.RegionRef),
		handoff: make(map[sharding.ShardId]handoffPhase),
	}
}

// Run follows the Singleton collaborator's leadership signal and, while
// active, runs the periodic rebalance tick until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	c.mu.Lock()
	c.active = c.cfg.Singleton.IsLeader()
	c.mu.Unlock()

	ticker := time.NewTicker(c.cfg.RebalanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case leader := <-c.cfg.Singleton.LeaderCh():
			c.mu.Lock()
			c.active = leader
			c.mu.Unlock()
			if leader {
				c.cfg.Logger.Info("coordinator became active singleton")
			} else {
				c.cfg.Logger.Info("coordinator lost singleton role")
			}
		case <-ticker.C:
			if c.isActive() {
				c.RebalanceTick(ctx)
			}
		}
	}
}

func (c *Coordinator) isActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Register records a non-proxy region as a known shard-hosting member,
// idempotent on region identity.
func (c *Coordinator) Register(req sharding.RegisterRequest) (sharding.RegisterAck, error) {
	if !c.isActive() {
		return sharding.RegisterAck{}, ErrNotLeader
	}
	if req.Region.Proxy {
		return c.RegisterProxy(req)
	}
	if err := c.cfg.Store.RegisterRegion(req.Region.RegionID, req.Region.Addr); err != nil {
		return sharding.RegisterAck{}, fmt.Errorf("coordinator: register region: %w", err)
	}
	c.mu.Lock()
	c.regions[req.Region.RegionID] = req.Region
	c.mu.Unlock()
	c.cfg.Logger.Info("region registered", "region_id", req.Region.RegionID, "addr", req.Region.Addr)

	// A region that already owns shards in persisted state is restarting
	// after a crash: re-drive HostShard for each so remembered entities
	// start without waiting for a message (SPEC_FULL.md §3, S3/S5),
	// rather than leaving them stranded until the next client request.
	go c.redriveHostShard(req.Region)

	return sharding.RegisterAck{CoordinatorID: c.cfg.CoordinatorID}, nil
}

// redriveHostShard re-sends HostShard for every shard the persisted
// Allocation Map already assigns to region, covering the case where the
// region process crashed and restarted: the Coordinator's state never
// stopped saying it owns these shards, so nothing else would ever ask it
// to host them again.
func (c *Coordinator) redriveHostShard(region sharding.RegionRef) {
	snap := c.cfg.Store.Snapshot()
	for shardID, regionID := range snap.AllocationMap {
		if regionID != region.RegionID {
			continue
		}
		if snap.PendingRebalance[shardID] {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandoffTimeout)
		if _, err := c.cfg.Regions.HostShard(ctx, region, shardID); err != nil {
			c.cfg.Logger.Error("redrive HostShard failed", "shard", shardID, "region", region.RegionID, "error", err)
		}
		cancel()
	}
}

// RegisterProxy records a proxy-only region: it may ask GetShardHome but
// never receives HostShard.
func (c *Coordinator) RegisterProxy(req sharding.RegisterRequest) (sharding.RegisterAck, error) {
	if !c.isActive() {
		return sharding.RegisterAck{}, ErrNotLeader
	}
	if err := c.cfg.Store.RegisterProxy(req.Region.RegionID, req.Region.Addr); err != nil {
		return sharding.RegisterAck{}, fmt.Errorf("coordinator: register proxy: %w", err)
	}
	c.mu.Lock()
	c.proxies[req.Region.RegionID] = req.Region
	c.mu.Unlock()
	return sharding.RegisterAck{CoordinatorID: c.cfg.CoordinatorID}, nil
}

// RegionTerminated marks regionID gone: its shards fall back to
// Unallocated and will be reallocated on their next GetShardHome, per the
// Region-liveness path in SPEC_FULL.md §4.1. A regionID known only as a
// proxy (it never hosts shards) drives ShardRegionProxyTerminated instead
// of ShardRegionTerminated, per SPEC_FULL.md §3's separate durable
// transition for proxy departures.
func (c *Coordinator) RegionTerminated(regionID string) error {
	c.mu.Lock()
	_, isProxy := c.proxies[regionID]
	c.mu.Unlock()

	if isProxy {
		if err := c.cfg.Store.TerminateProxy(regionID); err != nil {
			return fmt.Errorf("coordinator: proxy terminated: %w", err)
		}
		c.mu.Lock()
		delete(c.proxies, regionID)
		c.mu.Unlock()
		c.cfg.Logger.Info("proxy region terminated", "region_id", regionID)
		return nil
	}

	if err := c.cfg.Store.TerminateRegion(regionID); err != nil {
		return fmt.Errorf("coordinator: region terminated: %w", err)
	}
	c.mu.Lock()
	delete(c.regions, regionID)
	c.mu.Unlock()
	c.cfg.Logger.Info("region terminated, shards fall back to unallocated", "region_id", regionID)
	return nil
}

// GetShardHome resolves shardID's current home, allocating one via the
// configured Strategy on first request. Durability precedes the reply: the
// Coordinator never tells a Region to host a shard it has not yet
// committed to DurableStore.
func (c *Coordinator) GetShardHome(ctx context.Context, req sharding.GetShardHomeRequest) (sharding.ShardHomeResponse, error) {
	if !c.isActive() {
		return sharding.ShardHomeResponse{}, ErrNotLeader
	}

	c.mu.Lock()
	if phase := c.handoff[req.ShardID]; phase != phaseNone {
		c.mu.Unlock()
		return sharding.ShardHomeResponse{ShardID: req.ShardID, Status: sharding.ShardHomeDeallocStat}, nil
	}
	c.mu.Unlock()

	snap := c.cfg.Store.Snapshot()
	if regionID, ok := snap.AllocationMap[req.ShardID]; ok {
		home, err := c.regionRef(regionID)
		if err != nil {
			return sharding.ShardHomeResponse{}, err
		}
		return sharding.ShardHomeResponse{ShardID: req.ShardID, Status: sharding.ShardHomeFound, Region: home}, nil
	}

	allocSnap := c.allocationSnapshot(snap)
	home := c.cfg.Strategy.AllocateShard(req.ShardID, allocSnap)
	if home.RegionID == "" {
		return sharding.ShardHomeResponse{}, fmt.Errorf("coordinator: no regions available to allocate shard %s", req.ShardID)
	}

	if err := c.cfg.Store.AllocateShardHome(req.ShardID, home.RegionID); err != nil {
		return sharding.ShardHomeResponse{}, fmt.Errorf("coordinator: allocate shard home: %w", err)
	}
	if _, err := c.cfg.Regions.HostShard(ctx, home, req.ShardID); err != nil {
		c.cfg.Logger.Error("HostShard failed after durable allocation", "shard", req.ShardID, "region", home.RegionID, "error", err)
	}
	c.cfg.Logger.Info("shard allocated", "shard", req.ShardID, "region", home.RegionID)
	return sharding.ShardHomeResponse{ShardID: req.ShardID, Status: sharding.ShardHomeFound, Region: home}, nil
}

// regionRef resolves a regionID to the live RegionRef recorded at
// Register time, needed because DurableStore.Snapshot only carries the
// bare addr string.
func (c *Coordinator) regionRef(regionID string) (sharding.RegionRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ref, ok := c.regions[regionID]; ok {
		return ref, nil
	}
	return sharding.RegionRef{}, fmt.Errorf("coordinator: unknown region %s", regionID)
}

func (c *Coordinator) allocationSnapshot(snap Snapshot) allocation.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := allocation.Snapshot{
		Allocations:         make(map[sharding.RegionRef][]sharding.ShardId, len(c.regions)),
		RebalanceInProgress: make(map[sharding.ShardId]bool, len(c.handoff)),
	}
	for _, ref := range c.regions {
		out.Allocations[ref] = nil
	}
	for shardID, regionID := range snap.AllocationMap {
		ref, ok := c.regions[regionID]
		if !ok {
			continue
		}
		out.Allocations[ref] = append(out.Allocations[ref], shardID)
	}
	for shardID, pending := range snap.PendingRebalance {
		if pending {
			out.RebalanceInProgress[shardID] = true
		}
	}
	for shardID, phase := range c.handoff {
		if phase != phaseNone {
			out.RebalanceInProgress[shardID] = true
		}
	}
	return out
}

// RebalanceTick asks the Strategy which shards to migrate this tick and
// drives handoff for each, per SPEC_FULL.md §4.1's periodic rebalance loop.
func (c *Coordinator) RebalanceTick(ctx context.Context) {
	snap := c.cfg.Store.Snapshot()
	candidates := c.cfg.Strategy.Rebalance(c.allocationSnapshot(snap))
	for _, shardID := range candidates {
		go c.migrate(ctx, shardID)
	}
}

// GracefulShutdownReq rebalances every shard currently allocated to
// req.Region away from it, for an orderly region departure.
func (c *Coordinator) GracefulShutdownReq(ctx context.Context, req sharding.GracefulShutdownRequest) error {
	snap := c.cfg.Store.Snapshot()
	var owned []sharding.ShardId
	for shardID, regionID := range snap.AllocationMap {
		if regionID == req.Region.RegionID {
			owned = append(owned, shardID)
		}
	}
	for _, shardID := range owned {
		go c.migrate(ctx, shardID)
	}
	return nil
}

// migrate drives shardID through BeginningHandOff -> HandingOff ->
// Unallocated, then lets the next GetShardHome reallocate it elsewhere.
func (c *Coordinator) migrate(ctx context.Context, shardID sharding.ShardId) {
	c.mu.Lock()
	if c.handoff[shardID] != phaseNone {
		c.mu.Unlock()
		return
	}
	c.handoff[shardID] = phaseBeginningHandOff
	c.mu.Unlock()

	snap := c.cfg.Store.Snapshot()
	regionID, ok := snap.AllocationMap[shardID]
	if !ok {
		c.clearHandoff(shardID)
		return
	}
	home, err := c.regionRef(regionID)
	if err != nil {
		c.clearHandoff(shardID)
		return
	}

	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandoffTimeout)
	defer cancel()

	start := time.Now()
	if _, err := c.cfg.Regions.BeginHandOff(hctx, home, shardID); err != nil {
		c.cfg.Logger.Error("BeginHandOff failed", "shard", shardID, "region", home.RegionID, "error", err)
		c.clearHandoff(shardID)
		return
	}

	c.mu.Lock()
	c.handoff[shardID] = phaseHandingOff
	c.mu.Unlock()

	if _, err := c.cfg.Regions.HandOff(hctx, home, shardID); err != nil {
		c.cfg.Logger.Error("HandOff timed out or failed", "shard", shardID, "region", home.RegionID, "error", err)
		c.clearHandoff(shardID)
		return
	}
	metrics.HandoffDuration.Observe(time.Since(start).Seconds())
	metrics.RebalanceShardsMoved.Inc()

	if err := c.cfg.Store.DeallocateShardHome(shardID); err != nil {
		c.cfg.Logger.Error("DeallocateShardHome failed after successful handoff", "shard", shardID, "error", err)
	}
	c.clearHandoff(shardID)
	c.cfg.Logger.Info("shard handoff complete", "shard", shardID, "from_region", home.RegionID)
}

func (c *Coordinator) clearHandoff(shardID sharding.ShardId) {
	c.mu.Lock()
	delete(c.handoff, shardID)
	c.mu.Unlock()
}

// StateSnapshot returns the Coordinator's current view for diagnostics and
// the /status control endpoint.
func (c *Coordinator) StateSnapshot() sharding.CoordinatorStateSnapshot {
	snap := c.cfg.Store.Snapshot()
	out := sharding.CoordinatorStateSnapshot{
		AllocationMap: make(map[sharding.ShardId]sharding.RegionRef, len(snap.AllocationMap)),
	}
	for shardID, regionID := range snap.AllocationMap {
		if ref, err := c.regionRef(regionID); err == nil {
			out.AllocationMap[shardID] = ref
		}
	}
	for shardID, pending := range snap.PendingRebalance {
		if pending {
			out.PendingRebalance = append(out.PendingRebalance, shardID)
		}
	}
	return out
}
