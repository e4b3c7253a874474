package raftstore

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"

	"github.com/dreamware/shardkit/internal/telemetry/logger"
)

// Config configures a Node.
type Config struct {
	NodeID    string
	BindAddr  string
	DataDir   string
	Bootstrap bool
	Logger    logger.Logger
}

// Node wraps hashicorp/raft for the Coordinator's event-sourced durability
// backend. Its leadership state is also the Singleton-manager collaborator
// from SPEC_FULL.md §6: whichever node holds raft leadership is the live
// Shard Coordinator instance.
type Node struct {
	raft      *raft.Raft
	transport *raft.NetworkTransport
	fsm       *FSM
	log       logger.Logger

	logStore      raft.LogStore
	stableStore   raft.StableStore
	snapshotStore raft.SnapshotStore

	leaderCh chan bool
}

// NewNode creates and, if Bootstrap is set, bootstraps a single-member raft
// cluster around fsm.
func NewNode(cfg Config, fsm *FSM) (*Node, error) {
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("raftstore: data dir is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("raftstore: create data dir: %w", err)
	}

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)
	raftConfig.Logger = logger.NewHCLogAdapter(log, "raft")

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("raftstore: resolve bind addr: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("raftstore: create transport: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("raftstore: create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		logStore.Close()
		transport.Close()
		return nil, fmt.Errorf("raftstore: create stable store: %w", err)
	}
	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 3, os.Stderr)
	if err != nil {
		stableStore.Close()
		logStore.Close()
		transport.Close()
		return nil, fmt.Errorf("raftstore: create snapshot store: %w", err)
	}

	leaderCh := make(chan bool, 10)
	raftConfig.NotifyCh = leaderCh

	r, err := raft.NewRaft(raftConfig, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		stableStore.Close()
		logStore.Close()
		transport.Close()
		return nil, fmt.Errorf("raftstore: create raft: %w", err)
	}

	n := &Node{
		raft:          r,
		transport:     transport,
		fsm:           fsm,
		log:           log,
		logStore:      logStore,
		stableStore:   stableStore,
		snapshotStore: snapshotStore,
		leaderCh:      leaderCh,
	}

	if cfg.Bootstrap {
		f := r.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{{ID: raft.ServerID(cfg.NodeID), Address: transport.LocalAddr()}},
		})
		if err := f.Error(); err != nil {
			n.Close()
			return nil, fmt.Errorf("raftstore: bootstrap: %w", err)
		}
	}

	log.Info("raft node started", "node_id", cfg.NodeID, "bind_addr", cfg.BindAddr, "bootstrap", cfg.Bootstrap)
	return n, nil
}

// Apply appends entry to the log and waits for it to commit.
func (n *Node) Apply(entry LogEntry, timeout time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("raftstore: marshal entry: %w", err)
	}
	f := n.raft.Apply(data, timeout)
	if err := f.Error(); err != nil {
		return fmt.Errorf("raftstore: apply: %w", err)
	}
	return nil
}

// IsLeader reports whether this node currently holds raft leadership, i.e.
// whether this process is the live Shard Coordinator instance.
func (n *Node) IsLeader() bool { return n.raft.State() == raft.Leader }

// LeaderCh notifies true/false on every leadership change, the signal the
// Coordinator uses to start or stop serving after a failover.
func (n *Node) LeaderCh() <-chan bool { return n.leaderCh }

// AddVoter adds a voting member to the raft configuration.
func (n *Node) AddVoter(nodeID, addr string, timeout time.Duration) error {
	f := n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, timeout)
	if err := f.Error(); err != nil {
		return fmt.Errorf("raftstore: add voter: %w", err)
	}
	return nil
}

// RemoveServer removes a member from the raft configuration. No code path
// in this module calls it; a terminated region leaves the raft
// configuration unchanged.
func (n *Node) RemoveServer(nodeID string, timeout time.Duration) error {
	f := n.raft.RemoveServer(raft.ServerID(nodeID), 0, timeout)
	if err := f.Error(); err != nil {
		return fmt.Errorf("raftstore: remove server: %w", err)
	}
	return nil
}

// FSM returns the underlying state machine for read access.
func (n *Node) FSM() *FSM { return n.fsm }

// Close gracefully shuts the raft node down.
func (n *Node) Close() error {
	n.log.Info("shutting down raft node")
	if err := n.raft.Shutdown().Error(); err != nil {
		n.log.Error("raft shutdown failed", "error", err)
	}
	if s, ok := n.stableStore.(*raftboltdb.BoltStore); ok {
		s.Close()
	}
	if s, ok := n.logStore.(*raftboltdb.BoltStore); ok {
		s.Close()
	}
	n.transport.Close()
	close(n.leaderCh)
	return nil
}
