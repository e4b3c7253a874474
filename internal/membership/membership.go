// Package membership provides the cluster-membership collaborator required
// by SPEC_FULL.md §6: join and leave callbacks (leave also fires when a
// member is declared dead; metadata updates are only logged), "oldest
// member" determination, and a self-address + datacenter label, backed by
// hashicorp/memberlist.
package membership

import (
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/memberlist"

	"github.com/dreamware/shardkit/internal/telemetry/logger"
)

// Member describes a single cluster member as seen through the gossip
// protocol, carrying the address fields the addressing collaborator needs
// to build a RegionRef.
type Member struct {
	NodeID          string
	GossipAddr      string
	RegionAddr      string
	CoordinatorAddr string
	DataCenter      string
	JoinedAt        int64 // local join sequence number, used only for oldest-member ordering
}

// Config configures a Membership instance.
type Config struct {
	NodeID     string
	DataCenter string
	BindAddr   string
	BindPort   int
	// RegionAddr is this node's Shard Region HTTP address, advertised to
	// peers via gossip metadata so they can build a RegionRef without a
	// separate discovery round-trip.
	RegionAddr string
	// CoordinatorAddr is this node's Shard Coordinator HTTP address, set
	// only by processes running a (possibly standby) Coordinator replica;
	// advertised the same way as RegionAddr for gossip-backend peer
	// discovery.
	CoordinatorAddr string
	SeedNodes       []string
	Logger          logger.Logger
}

// Membership wraps a memberlist.Memberlist and exposes the narrow surface
// the sharding core depends on.
type Membership struct {
	list       *memberlist.Memberlist
	log        logger.Logger
	dataCenter string

	mu      sync.RWMutex
	joined  map[string]int64
	seq     int64
	onJoin  func(Member)
	onLeave func(nodeID string)

	shutdown atomic.Bool
}

type nodeMetadata struct {
	RegionAddr      string `json:"region_addr"`
	CoordinatorAddr string `json:"coordinator_addr,omitempty"`
	DataCenter      string `json:"data_center"`
}

// New creates and joins (or bootstraps) a membership instance.
func New(cfg Config) (*Membership, error) {
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}

	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = cfg.NodeID
	mlConfig.BindAddr = cfg.BindAddr
	mlConfig.BindPort = cfg.BindPort
	mlConfig.LogOutput = &logWriter{log: log}

	m := &Membership{
		log:        log,
		dataCenter: cfg.DataCenter,
		joined:     make(map[string]int64),
	}

	meta := nodeMetadata{RegionAddr: cfg.RegionAddr, CoordinatorAddr: cfg.CoordinatorAddr, DataCenter: cfg.DataCenter}
	mlConfig.Delegate = &metadataDelegate{meta: meta}
	mlConfig.Events = &eventDelegate{m: m}

	list, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("membership: create: %w", err)
	}
	m.list = list

	if len(cfg.SeedNodes) > 0 {
		n, err := list.Join(cfg.SeedNodes)
		if err != nil {
			list.Shutdown()
			return nil, fmt.Errorf("membership: join: %w", err)
		}
		log.Info("joined cluster", "node_id", cfg.NodeID, "joined_count", n)
	} else {
		log.Info("bootstrapped cluster", "node_id", cfg.NodeID)
	}

	return m, nil
}

// OnJoin registers a callback invoked when a member joins.
func (m *Membership) OnJoin(fn func(Member)) { m.onJoin = fn }

// OnLeave registers a callback invoked when a member leaves or is marked
// unreachable; the Coordinator treats this as RegionTerminated.
func (m *Membership) OnLeave(fn func(nodeID string)) { m.onLeave = fn }

// Members returns the current member list.
func (m *Membership) Members() []Member {
	out := make([]Member, 0, len(m.list.Members()))
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, n := range m.list.Members() {
		var meta nodeMetadata
		_ = json.Unmarshal(n.Meta, &meta)
		out = append(out, Member{
			NodeID:          n.Name,
			GossipAddr:      net.JoinHostPort(n.Addr.String(), fmt.Sprintf("%d", n.Port)),
			RegionAddr:      meta.RegionAddr,
			CoordinatorAddr: meta.CoordinatorAddr,
			DataCenter:      meta.DataCenter,
			JoinedAt:        m.joined[n.Name],
		})
	}
	return out
}

// Oldest returns the member with the earliest recorded join sequence.
// coordinator.MembershipSingleton uses it to elect the active Coordinator
// under the replicated backend; the raft backend uses raft leadership.
func (m *Membership) Oldest() (Member, bool) {
	members := m.Members()
	if len(members) == 0 {
		return Member{}, false
	}
	sort.Slice(members, func(i, j int) bool { return members[i].JoinedAt < members[j].JoinedAt })
	return members[0], true
}

// LocalNode returns this process's own member record.
func (m *Membership) LocalNode() Member {
	n := m.list.LocalNode()
	var meta nodeMetadata
	_ = json.Unmarshal(n.Meta, &meta)
	return Member{
		NodeID:          n.Name,
		GossipAddr:      net.JoinHostPort(n.Addr.String(), fmt.Sprintf("%d", n.Port)),
		RegionAddr:      meta.RegionAddr,
		CoordinatorAddr: meta.CoordinatorAddr,
		DataCenter:      meta.DataCenter,
	}
}

// Leave gracefully leaves the cluster.
func (m *Membership) Leave() error {
	return m.list.Leave(0)
}

// Shutdown stops gossip participation.
func (m *Membership) Shutdown() error {
	if !m.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	return m.list.Shutdown()
}

type eventDelegate struct{ m *Membership }

func (e *eventDelegate) NotifyJoin(n *memberlist.Node) {
	e.m.mu.Lock()
	e.m.seq++
	e.m.joined[n.Name] = e.m.seq
	e.m.mu.Unlock()

	var meta nodeMetadata
	_ = json.Unmarshal(n.Meta, &meta)
	mem := Member{
		NodeID:          n.Name,
		GossipAddr:      net.JoinHostPort(n.Addr.String(), fmt.Sprintf("%d", n.Port)),
		RegionAddr:      meta.RegionAddr,
		CoordinatorAddr: meta.CoordinatorAddr,
		DataCenter:      meta.DataCenter,
	}
	e.m.log.Info("member joined", "node_id", n.Name, "region_addr", meta.RegionAddr)
	if e.m.onJoin != nil {
		e.m.onJoin(mem)
	}
}

func (e *eventDelegate) NotifyLeave(n *memberlist.Node) {
	e.m.log.Info("member left", "node_id", n.Name)
	if e.m.onLeave != nil {
		e.m.onLeave(n.Name)
	}
}

func (e *eventDelegate) NotifyUpdate(n *memberlist.Node) {
	e.m.log.Debug("member updated", "node_id", n.Name)
}

type metadataDelegate struct{ meta nodeMetadata }

func (d *metadataDelegate) NodeMeta(limit int) []byte {
	data, err := json.Marshal(d.meta)
	if err != nil || len(data) > limit {
		return nil
	}
	return data
}
func (d *metadataDelegate) NotifyMsg([]byte)                           {}
func (d *metadataDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *metadataDelegate) LocalState(join bool) []byte                { return nil }
func (d *metadataDelegate) MergeRemoteState(buf []byte, join bool)     {}

type logWriter struct{ log logger.Logger }

func (w *logWriter) Write(p []byte) (int, error) {
	w.log.Debug(string(p))
	return len(p), nil
}
