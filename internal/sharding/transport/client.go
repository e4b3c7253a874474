// Package transport wires the Coordinator and Region control-message
// contracts from SPEC_FULL.md §6 onto HTTP, following the teacher's
// internal/cluster.PostJSON/GetJSON request/response idiom rather than
// introducing a second RPC mechanism.
package transport

import (
	"context"
	"fmt"

	"github.com/dreamware/shardkit/internal/cluster"
	"github.com/dreamware/shardkit/internal/sharding"
)

// CoordinatorHTTPClient implements region.CoordinatorClient by POSTing to a
// Coordinator's HTTP control-plane endpoints.
type CoordinatorHTTPClient struct {
	Addr string
}

func (c *CoordinatorHTTPClient) Register(ctx context.Context, req sharding.RegisterRequest) (sharding.RegisterAck, error) {
	path := "/coordinator/register"
	if req.Region.Proxy {
		path = "/coordinator/register-proxy"
	}
	var ack sharding.RegisterAck
	if err := cluster.PostJSON(ctx, c.Addr+path, req, &ack); err != nil {
		return sharding.RegisterAck{}, fmt.Errorf("transport: register: %w", err)
	}
	return ack, nil
}

func (c *CoordinatorHTTPClient) GetShardHome(ctx context.Context, req sharding.GetShardHomeRequest) (sharding.ShardHomeResponse, error) {
	var resp sharding.ShardHomeResponse
	if err := cluster.PostJSON(ctx, c.Addr+"/coordinator/shard-home", req, &resp); err != nil {
		return sharding.ShardHomeResponse{}, fmt.Errorf("transport: get shard home: %w", err)
	}
	return resp, nil
}

func (c *CoordinatorHTTPClient) GracefulShutdown(ctx context.Context, req sharding.GracefulShutdownRequest) error {
	if err := cluster.PostJSON(ctx, c.Addr+"/coordinator/graceful-shutdown", req, nil); err != nil {
		return fmt.Errorf("transport: graceful shutdown: %w", err)
	}
	return nil
}

// RegionHTTPClient implements coordinator.RegionClient by POSTing to a
// Region's HTTP control-plane endpoints.
type RegionHTTPClient struct{}

func (c *RegionHTTPClient) HostShard(ctx context.Context, target sharding.RegionRef, shardID sharding.ShardId) (sharding.ShardStartedNotice, error) {
	var notice sharding.ShardStartedNotice
	req := sharding.HostShardRequest{ShardID: shardID}
	if err := cluster.PostJSON(ctx, target.Addr+"/region/host-shard", req, &notice); err != nil {
		return sharding.ShardStartedNotice{}, fmt.Errorf("transport: host shard: %w", err)
	}
	return notice, nil
}

func (c *RegionHTTPClient) BeginHandOff(ctx context.Context, target sharding.RegionRef, shardID sharding.ShardId) (sharding.BeginHandOffAck, error) {
	var ack sharding.BeginHandOffAck
	req := sharding.BeginHandOffRequest{ShardID: shardID}
	if err := cluster.PostJSON(ctx, target.Addr+"/region/begin-handoff", req, &ack); err != nil {
		return sharding.BeginHandOffAck{}, fmt.Errorf("transport: begin handoff: %w", err)
	}
	return ack, nil
}

func (c *RegionHTTPClient) HandOff(ctx context.Context, target sharding.RegionRef, shardID sharding.ShardId) (sharding.ShardStoppedNotice, error) {
	var notice sharding.ShardStoppedNotice
	req := sharding.HandOffRequest{ShardID: shardID}
	if err := cluster.PostJSON(ctx, target.Addr+"/region/hand-off", req, &notice); err != nil {
		return sharding.ShardStoppedNotice{}, fmt.Errorf("transport: hand off: %w", err)
	}
	return notice, nil
}

// RemoteDispatcherHTTP implements region.RemoteDispatcher by POSTing an
// already-resolved Envelope directly to the owning peer Region, bypassing
// the Coordinator entirely (SPEC_FULL.md §4.2).
type RemoteDispatcherHTTP struct{}

func (d *RemoteDispatcherHTTP) Dispatch(ctx context.Context, target sharding.RegionRef, env sharding.Envelope) error {
	if err := cluster.PostJSON(ctx, target.Addr+"/region/dispatch", env, nil); err != nil {
		return fmt.Errorf("transport: dispatch: %w", err)
	}
	return nil
}
