package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dreamware/shardkit/internal/durable/replicated"
	"github.com/dreamware/shardkit/internal/sharding"
	"github.com/dreamware/shardkit/internal/sharding/coordinator"
	"github.com/dreamware/shardkit/internal/sharding/region"
	"github.com/dreamware/shardkit/internal/telemetry/logger"
)

// CoordinatorServer exposes a Coordinator's control-plane operations over
// HTTP, the server-side counterpart to CoordinatorHTTPClient.
type CoordinatorServer struct {
	Coord  *coordinator.Coordinator
	Logger logger.Logger
	// Replicated is set only when the process runs the replicated
	// durability backend; its presence turns on the gossip endpoint
	// HTTPGossip's peers Fetch/Push against.
	Replicated *coordinator.ReplicatedDurableStore
}

// Mux builds the CoordinatorServer's HTTP routes.
func (s *CoordinatorServer) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/coordinator/register", s.handleRegister)
	mux.HandleFunc("/coordinator/register-proxy", s.handleRegisterProxy)
	mux.HandleFunc("/coordinator/shard-home", s.handleGetShardHome)
	mux.HandleFunc("/coordinator/graceful-shutdown", s.handleGracefulShutdown)
	mux.HandleFunc("/coordinator/state", s.handleState)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", promhttp.Handler())
	if s.Replicated != nil {
		mux.HandleFunc("/coordinator/gossip", s.handleGossip)
	}
	return mux
}

// handleGossip serves this replica's LWWMap to GET requests and merges a
// peer's pushed LWWMap on POST, the two halves of HTTPGossip's Fetch/Push.
func (s *CoordinatorServer) handleGossip(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, s.Replicated.GossipState())
	case http.MethodPost:
		remote := replicated.NewLWWMap()
		if err := json.NewDecoder(r.Body).Decode(remote); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		s.Replicated.MergeGossip(remote)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *CoordinatorServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req sharding.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	ack, err := s.Coord.Register(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, ack)
}

func (s *CoordinatorServer) handleRegisterProxy(w http.ResponseWriter, r *http.Request) {
	var req sharding.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	ack, err := s.Coord.RegisterProxy(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, ack)
}

func (s *CoordinatorServer) handleGetShardHome(w http.ResponseWriter, r *http.Request) {
	var req sharding.GetShardHomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	resp, err := s.Coord.GetShardHome(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, resp)
}

func (s *CoordinatorServer) handleGracefulShutdown(w http.ResponseWriter, r *http.Request) {
	var req sharding.GracefulShutdownRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := s.Coord.GracefulShutdownReq(r.Context(), req); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *CoordinatorServer) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.Coord.StateSnapshot())
}

func (s *CoordinatorServer) writeError(w http.ResponseWriter, err error) {
	if err == coordinator.ErrNotLeader {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// RegionServer exposes a Region's control-plane and dispatch operations
// over HTTP, the server-side counterpart of RegionHTTPClient and
// RemoteDispatcherHTTP.
type RegionServer struct {
	Region *region.Region
	Logger logger.Logger
}

// Mux builds the RegionServer's HTTP routes.
func (s *RegionServer) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/region/host-shard", s.handleHostShard)
	mux.HandleFunc("/region/begin-handoff", s.handleBeginHandOff)
	mux.HandleFunc("/region/hand-off", s.handleHandOff)
	mux.HandleFunc("/region/dispatch", s.handleDispatch)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (s *RegionServer) handleHostShard(w http.ResponseWriter, r *http.Request) {
	var req sharding.HostShardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	ctx, cancel := deadline(r)
	defer cancel()
	writeJSON(w, s.Region.HostShard(ctx, req.ShardID))
}

func (s *RegionServer) handleBeginHandOff(w http.ResponseWriter, r *http.Request) {
	var req sharding.BeginHandOffRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	writeJSON(w, s.Region.BeginHandOff(req.ShardID))
}

func (s *RegionServer) handleHandOff(w http.ResponseWriter, r *http.Request) {
	var req sharding.HandOffRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	ctx, cancel := deadline(r)
	defer cancel()
	writeJSON(w, s.Region.HandOff(ctx, req.ShardID, "handoff"))
}

func (s *RegionServer) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var env sharding.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := s.Region.DeliverEnvelope(r.Context(), env); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func deadline(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), 10*time.Second)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
