// Package main implements the Shard Region process: the per-node router
// from SPEC_FULL.md §4.2 that locates, creates, passivates, and hands off
// shards, plus a small KV entity data plane so the running system is
// directly exercisable (PUT/GET/DELETE), generalized from the teacher's
// on-demand-shard-creation node in the original cmd/node/main.go.
//
// Every node process registers its one Region with the Coordinator (or a
// configured proxy data-center's Coordinator, for cross-DC access) and
// then serves two HTTP surfaces: the control plane the Coordinator and
// peer Regions use (/region/*), and a data plane for client traffic
// (/kv/*). A GET for a key whose shard this Region doesn't currently
// host locally is redirected to the Region that does, once the
// Coordinator has resolved it; until then it returns 503 so the caller
// retries, matching the at-most-once, no-coordinator-side-buffering
// dispatch contract in SPEC_FULL.md §4.1/§4.2.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/shardkit/internal/config"
	"github.com/dreamware/shardkit/internal/sharding"
	"github.com/dreamware/shardkit/internal/sharding/region"
	"github.com/dreamware/shardkit/internal/sharding/remember"
	"github.com/dreamware/shardkit/internal/sharding/shard"
	"github.com/dreamware/shardkit/internal/sharding/transport"
	"github.com/dreamware/shardkit/internal/storage"
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

	nodeID := getenv("NODE_ID", uuid.NewString())
	listen := getenv("NODE_LISTEN", ":8081")
	public := getenv("NODE_ADDR", "http://127.0.0.1:8081")
	coordinatorAddr := mustGetenv(log, "COORDINATOR_ADDR")
	typeName := sharding.TypeName(getenv("REGION_TYPE", "kv"))
	numShards := atoiDefault(getenv("NUM_SHARDS", "32"), 32)

	self := sharding.RegionRef{
		RegionID: nodeID,
		Addr:     public,
		TypeName: typeName,
		Proxy:    cfg.ProxyOnly,
	}

	var rememberStore remember.Store
	if cfg.RememberEntities {
		// The CLI bootstrap always uses the custom adapter over an
		// in-memory store: the eventsourced and ddata backends need a
		// raft node or gossip ring of their own, which is a deployment
		// decision left to embedders wiring this package directly (see
		// DESIGN.md).
		rememberStore = remember.NewCustomStore(storage.NewMemoryStore())
	}

	reg := region.New(region.Config{
		Self:           self,
		NumShards:      numShards,
		Coordinator:    &transport.CoordinatorHTTPClient{Addr: coordinatorAddr},
		Remote:         &transport.RemoteDispatcherHTTP{},
		Factory:        shard.NewKVEntityFactory(),
		Codec:          shard.KVCodec{},
		Buffer:         *cfg,
		RememberStore:  rememberStore,
		HandoffTimeout: cfg.HandoffTimeout,
		Logger:         log,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reg.Run(ctx)

	if err := registerWithRetry(ctx, reg, cfg.RetryInterval, log); err != nil {
		fatalf("register with coordinator: %v", err)
	}
	if err := reg.Bootstrap(ctx); err != nil {
		log.Error("remember-entities bootstrap failed", "error", err)
	}

	retryTicker := time.NewTicker(cfg.RetryInterval)
	defer retryTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-retryTicker.C:
				reg.RetryPendingResolutions(ctx)
			}
		}
	}()

	mux := (&transport.RegionServer{Region: reg, Logger: log}).Mux()
	kv := &kvDataPlane{region: reg, numShards: numShards, logger: log}
	mux.HandleFunc("/kv/", kv.handle)

	httpSrv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("region listening", "addr", listen, "public", public, "node_id", nodeID, "type", typeName)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("graceful shutdown: draining shards")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 35*time.Second)
	defer shutdownCancel()
	if err := reg.GracefulShutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown incomplete", "error", err)
	}

	httpShutdownCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := httpSrv.Shutdown(httpShutdownCtx); err != nil {
		log.Error("http server shutdown error", "error", err)
	}
	log.Info("region stopped")
}

// registerWithRetry retries Region.Register on cfg.RetryInterval until it
// succeeds or ctx is done, the Region-side half of SPEC_FULL.md §4.2's
// periodic Retry operation.
func registerWithRetry(ctx context.Context, reg *region.Region, interval time.Duration, log logger.Logger) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	for {
		if err := reg.Register(ctx); err == nil {
			return nil
		} else {
			log.Warn("register with coordinator failed, retrying", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// kvDataPlane exposes shard.KVEntity over HTTP for client traffic, the
// data-plane counterpart of transport.RegionServer's control plane.
type kvDataPlane struct {
	region    *region.Region
	numShards int
	logger    logger.Logger
}

func (k *kvDataPlane) handle(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/kv/")
	if key == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}
	shardID := sharding.NumShardsFor(key, k.numShards)

	switch r.Method {
	case http.MethodPut:
		defer r.Body.Close()
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := k.region.Deliver(r.Context(), key, shard.KVPut{Key: key, Value: body}); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)

	case http.MethodDelete:
		if err := k.region.Deliver(r.Context(), key, shard.KVDelete{Key: key}); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)

	case http.MethodGet:
		local, ok := k.region.LocalShard(shardID)
		if !ok {
			if home, known := k.region.KnownHome(shardID); known {
				http.Redirect(w, r, home.Addr+r.URL.Path, http.StatusTemporaryRedirect)
				return
			}
			// Kick off resolution (harmless if already in flight) and
			// ask the caller to retry once the Coordinator answers.
			_ = k.region.Deliver(r.Context(), key, shard.KVGet{Key: key})
			w.Header().Set("Retry-After", "1")
			http.Error(w, "shard location not yet resolved", http.StatusServiceUnavailable)
			return
		}
		val, err := local.Ask(r.Context(), key, shard.KVGet{Key: key})
		if err != nil {
			if err == storage.ErrKeyNotFound {
				http.Error(w, "key not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		if b, ok := val.([]byte); ok {
			_, _ = w.Write(b)
		}

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
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

func atoiDefault(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
