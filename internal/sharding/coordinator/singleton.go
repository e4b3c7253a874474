package coordinator

import (
	"time"

	"github.com/dreamware/shardkit/internal/membership"
)

// Singleton tells the Coordinator whether this process currently holds the
// cluster-singleton role, and notifies it of role transitions, per
// SPEC_FULL.md §6's Singleton-manager collaborator.
//
// *raftstore.Node already satisfies this interface directly (IsLeader,
// LeaderCh) for the event-sourced backend, where raft leadership IS
// singleton status. The replicated backend has no consensus leader, so it
// pairs with MembershipSingleton instead.
type Singleton interface {
	IsLeader() bool
	LeaderCh() <-chan bool
}

// MembershipSingleton elects the oldest live cluster member as the
// singleton, for deployments running the replicated durability backend
// where no raft leader exists to play that role.
type MembershipSingleton struct {
	members  *membership.Membership
	selfID   string
	poll     time.Duration
	leaderCh chan bool

	stop chan struct{}
}

// NewMembershipSingleton polls members every poll interval (default 1s) to
// decide whether selfID is currently the oldest member.
func NewMembershipSingleton(members *membership.Membership, selfID string, poll time.Duration) *MembershipSingleton {
	if poll <= 0 {
		poll = time.Second
	}
	s := &MembershipSingleton{
		members:  members,
		selfID:   selfID,
		poll:     poll,
		leaderCh: make(chan bool, 10),
		stop:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *MembershipSingleton) run() {
	var wasLeader bool
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			isLeader := s.IsLeader()
			if isLeader != wasLeader {
				wasLeader = isLeader
				s.leaderCh <- isLeader
			}
		}
	}
}

// IsLeader reports whether selfID is currently the oldest known member.
func (s *MembershipSingleton) IsLeader() bool {
	oldest, ok := s.members.Oldest()
	return ok && oldest.NodeID == s.selfID
}

// LeaderCh notifies true/false on every observed singleton role change.
func (s *MembershipSingleton) LeaderCh() <-chan bool { return s.leaderCh }

// Close stops the polling goroutine.
func (s *MembershipSingleton) Close() {
	close(s.stop)
}
