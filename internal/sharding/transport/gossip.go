package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/dreamware/shardkit/internal/cluster"
	"github.com/dreamware/shardkit/internal/durable/replicated"
	"github.com/dreamware/shardkit/internal/membership"
)

// HTTPGossip implements coordinator.Gossip (not remember.Gossip, whose
// methods also take a key) by reaching peer Coordinator instances over HTTP,
// discovering them through the shared membership collaborator rather than
// a separate peer list.
type HTTPGossip struct {
	Members *membership.Membership
	SelfID  string
}

// Peers returns every other known member's gossip endpoint address.
func (g *HTTPGossip) Peers() []string {
	var peers []string
	for _, m := range g.Members.Members() {
		if m.NodeID == g.SelfID || m.CoordinatorAddr == "" {
			continue
		}
		peers = append(peers, m.CoordinatorAddr)
	}
	return peers
}

// Fetch retrieves peer's current LWWMap over its /coordinator/gossip
// endpoint.
func (g *HTTPGossip) Fetch(peer string) (*replicated.LWWMap, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m := replicated.NewLWWMap()
	if err := cluster.GetJSON(ctx, peer+"/coordinator/gossip", m); err != nil {
		return nil, fmt.Errorf("transport: gossip fetch %s: %w", peer, err)
	}
	return m, nil
}

// Push posts this replica's LWWMap to peer, which merges it on arrival.
func (g *HTTPGossip) Push(peer string, m *replicated.LWWMap) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cluster.PostJSON(ctx, peer+"/coordinator/gossip", m, nil); err != nil {
		return fmt.Errorf("transport: gossip push %s: %w", peer, err)
	}
	return nil
}
