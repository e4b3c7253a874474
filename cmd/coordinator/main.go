// Package main implements the Shard Coordinator process: the
// cluster-wide-singleton control plane from SPEC_FULL.md §4.1 that owns
// the authoritative shard-to-region mapping and drives handoff during
// rebalance.
//
// Every coordinator process runs the same code; only one instance serves
// requests at a time; which one is decided by the configured durability
// backend's Singleton collaborator (raft leadership, or oldest-member
// election over gossip). Standby instances keep running so a failover has
// somewhere to land.
//
// Configuration is loaded via internal/config (environment variables
// prefixed SHARD_, optionally layered over a YAML file); a handful of
// deployment-only settings that don't belong in that shared surface are
// read directly from the environment below.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/shardkit/internal/config"
	"github.com/dreamware/shardkit/internal/durable/raftstore"
	"github.com/dreamware/shardkit/internal/membership"
	"github.com/dreamware/shardkit/internal/sharding/allocation"
	"github.com/dreamware/shardkit/internal/sharding/coordinator"
	"github.com/dreamware/shardkit/internal/sharding/transport"
	"github.com/dreamware/shardkit/internal/telemetry/logger"
)

func main() {
	cfg, err := config.Load(getenv("SHARD_CONFIG_FILE", ""))
	if err != nil {
		fatalf("load config: %v", err)
	}

	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: os.Stderr})
	if err != nil {
		fatalf("init logger: %v", err)
	}
	logger.SetDefault(log)

	if watchPath := getenv("SHARD_CONFIG_FILE", ""); watchPath != "" {
		if _, err := config.WatchLogLevel(watchPath); err != nil {
			log.Warn("config hot-reload disabled", "error", err)
		}
	}

	if getenv("SHARD_DUMP_CONFIG", "") == "true" {
		if dump, err := cfg.Dump(); err != nil {
			log.Warn("config dump failed", "error", err)
		} else {
			log.Info("effective configuration", "yaml", dump)
		}
	}

	nodeID := mustGetenv(log, "COORDINATOR_ID")
	listen := getenv("COORDINATOR_LISTEN", ":8080")
	public := getenv("COORDINATOR_ADDR", "http://127.0.0.1:8080")

	store, singleton, wireMembership, closeBackend, err := buildBackend(cfg, log, nodeID, public)
	if err != nil {
		fatalf("build durability backend: %v", err)
	}
	defer closeBackend()

	strategy := buildStrategy(cfg)

	coord := coordinator.New(coordinator.Config{
		Store:             store,
		Singleton:         singleton,
		Strategy:          strategy,
		Regions:           &transport.RegionHTTPClient{},
		RebalanceInterval: cfg.RebalanceInterval,
		HandoffTimeout:    cfg.HandoffTimeout,
		CoordinatorID:     uuid.NewString(),
		Logger:            log,
	})
	wireMembership(coord)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go coord.Run(ctx)

	replicated, _ := store.(*coordinator.ReplicatedDurableStore)
	httpSrv := &http.Server{
		Addr:              listen,
		Handler:           (&transport.CoordinatorServer{Coord: coord, Logger: log, Replicated: replicated}).Mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("coordinator listening", "addr", listen, "public", public, "node_id", nodeID)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", "error", err)
	}
	log.Info("coordinator stopped")
}

// buildBackend constructs the DurableStore/Singleton pair matching
// cfg.StateStoreMode, per SPEC_FULL.md §4.1's interchangeable-backend
// requirement. The returned closer releases backend resources (raft log
// files, gossip goroutines) on shutdown. The returned wire func hooks up
// any backend-specific liveness signal (e.g. memberlist leave events) to
// the now-constructed Coordinator; it is a no-op for backends with no
// such signal.
func buildBackend(cfg *config.Config, log logger.Logger, nodeID, publicAddr string) (coordinator.DurableStore, coordinator.Singleton, func(*coordinator.Coordinator), func(), error) {
	switch cfg.StateStoreMode {
	case config.StateStoreDData:
		return buildReplicatedBackend(cfg, log, nodeID, publicAddr)
	case config.StateStorePersistence, "":
		return buildRaftBackend(cfg, log, nodeID)
	default:
		return nil, nil, nil, nil, fmt.Errorf("unsupported state-store-mode %q (custom backends are wired by forking this bootstrap, not by flag)", cfg.StateStoreMode)
	}
}

func buildRaftBackend(cfg *config.Config, log logger.Logger, nodeID string) (coordinator.DurableStore, coordinator.Singleton, func(*coordinator.Coordinator), func(), error) {
	dataDir := getenv("COORDINATOR_DATA_DIR", "./data/"+nodeID)
	raftBind := getenv("COORDINATOR_RAFT_BIND", "127.0.0.1:9000")
	bootstrap := getenv("COORDINATOR_BOOTSTRAP", "true") == "true"

	fsm := raftstore.NewFSM(log)
	node, err := raftstore.NewNode(raftstore.Config{
		NodeID:    nodeID,
		BindAddr:  raftBind,
		DataDir:   dataDir,
		Bootstrap: bootstrap,
		Logger:    log,
	}, fsm)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("start raft node: %w", err)
	}

	store := coordinator.NewRaftDurableStore(node, cfg.HandoffTimeout)
	noopWire := func(*coordinator.Coordinator) {}
	return store, node, noopWire, func() { _ = node.Close() }, nil
}

func buildReplicatedBackend(cfg *config.Config, log logger.Logger, nodeID, publicAddr string) (coordinator.DurableStore, coordinator.Singleton, func(*coordinator.Coordinator), func(), error) {
	bindAddr := getenv("MEMBERSHIP_BIND_ADDR", "0.0.0.0")
	bindPort := atoiDefault(getenv("MEMBERSHIP_BIND_PORT", "7950"))
	var seeds []string
	if raw := getenv("MEMBERSHIP_SEEDS", ""); raw != "" {
		seeds = splitCSV(raw)
	}

	members, err := membership.New(membership.Config{
		NodeID:          nodeID,
		DataCenter:      cfg.DataCenter,
		BindAddr:        bindAddr,
		BindPort:        bindPort,
		CoordinatorAddr: publicAddr,
		SeedNodes:       seeds,
		Logger:          log,
	})
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("join membership: %w", err)
	}

	gossip := &transport.HTTPGossip{Members: members, SelfID: nodeID}
	store := coordinator.NewReplicatedDurableStore(gossip, cfg.MajorityMinCap)
	singleton := coordinator.NewMembershipSingleton(members, nodeID, cfg.RetryInterval)

	// A member leaving the gossip ring is the only liveness signal this
	// backend has for a Region disappearing without a graceful shutdown;
	// feed it to RegionTerminated so its shards are freed for
	// reallocation instead of waiting on a dead region forever.
	wire := func(coord *coordinator.Coordinator) {
		members.OnLeave(func(nodeID string) {
			if err := coord.RegionTerminated(nodeID); err != nil {
				log.Warn("region terminated handling failed", "region", nodeID, "error", err)
			}
		})
	}

	return store, singleton, wire, func() {
		singleton.Close()
		_ = members.Shutdown()
	}, nil
}

// buildStrategy selects the Allocation Strategy per ALLOCATION_STRATEGY
// ("least-shard", the default, or "threshold" for the legacy policy);
// internal/config has no such field since the strategy choice is a
// deployment decision, not per-region runtime tuning.
func buildStrategy(cfg *config.Config) allocation.Strategy {
	if getenv("ALLOCATION_STRATEGY", "least-shard") == "threshold" {
		return allocation.NewThresholdStrategy(cfg.Threshold, cfg.MaxSimultaneousRebalance)
	}
	return allocation.NewLeastShardStrategy(cfg.LeastShardAbsoluteLimit, cfg.LeastShardRelativeLimit)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func mustGetenv(log logger.Logger, k string) string {
	v := os.Getenv(k)
	if v == "" {
		log.Error("missing required environment variable", "key", k)
		os.Exit(1)
	}
	return v
}

func atoiDefault(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 7950
		}
		n = n*10 + int(r-'0')
	}
	if n == 0 {
		return 7950
	}
	return n
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
