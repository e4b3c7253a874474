package shard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dreamware/shardkit/internal/sharding"
	"github.com/dreamware/shardkit/internal/sharding/mailbox"
	"github.com/dreamware/shardkit/internal/sharding/remember"
	"github.com/dreamware/shardkit/internal/telemetry/logger"
)

// LifecycleState is one entity's position in the state machine from
// SPEC_FULL.md §4.3: NotStarted -> Active -> Passivating -> NotStarted (or
// back to Active with a new incarnation if messages arrived during
// passivation), and Active -> HandingOff during shard handoff.
type LifecycleState string

const (
	NotStarted  LifecycleState = "not_started"
	Active      LifecycleState = "active"
	Passivating LifecycleState = "passivating"
	HandingOff  LifecycleState = "handing_off"
)

type incarnation struct {
	entity  Entity
	state   LifecycleState
	stopMsg any
	buffer  []bufferedMsg
}

type bufferedMsg struct {
	msg   any
	reply chan replyEnvelope
}

type replyEnvelope struct {
	val any
	err error
}

// Config configures a Shard.
type Config struct {
	TypeName      sharding.TypeName
	ID            sharding.ShardId
	Factory       EntityFactory
	HandoffTimeout time.Duration
	// Remember enables the Remember-Entities integration (SPEC_FULL.md
	// §4.3). Nil disables it: entities are not restarted after a crash.
	Remember remember.EntitiesHandle
	Logger   logger.Logger
}

// Shard is the per-shard owner of a type's entities on one node. All
// mutable state (entities map) is owned by the single goroutine started by
// Run; external callers only ever enqueue Commands onto the Shard's
// mailbox, per SPEC_FULL.md §5.
type Shard struct {
	cfg Config
	mb  *mailbox.Mailbox

	mu       sync.Mutex
	entities map[string]*incarnation
	stopped  bool
}

// New constructs a Shard. Call Run to start its executor goroutine.
func New(cfg Config) *Shard {
	if cfg.HandoffTimeout <= 0 {
		cfg.HandoffTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}
	return &Shard{
		cfg:      cfg,
		mb:       mailbox.New(256),
		entities: make(map[string]*incarnation),
	}
}

// Run starts the Shard's single-threaded executor. Returns when ctx is
// done or the Shard is stopped via Handoff.
func (s *Shard) Run(ctx context.Context) {
	if s.cfg.Remember != nil {
		for _, id := range s.cfg.Remember.Entities() {
			s.startIncarnation(ctx, string(id))
		}
	}
	s.mb.Run(ctx)
}

// Deliver routes msg to entityID, starting a fresh incarnation if none is
// active. Deliver is async: it never blocks on the entity's handler.
func (s *Shard) Deliver(entityID string, msg any) error {
	return s.mb.Send(func(ctx context.Context) {
		s.deliver(ctx, entityID, msg)
	})
}

// Ask routes msg to entityID and waits for the entity's reply.
func (s *Shard) Ask(ctx context.Context, entityID string, msg any) (any, error) {
	reply := make(chan replyEnvelope, 1)
	err := s.mb.Send(func(ctx context.Context) {
		s.deliverWithReply(ctx, entityID, msg, reply)
	})
	if err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.val, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Shard) deliver(ctx context.Context, entityID string, msg any) {
	s.deliverWithReply(ctx, entityID, msg, nil)
}

func (s *Shard) deliverWithReply(ctx context.Context, entityID string, msg any, reply chan replyEnvelope) {
	s.mu.Lock()
	inc, ok := s.entities[entityID]
	if !ok {
		inc = s.startIncarnationLocked(ctx, entityID)
	}

	switch inc.state {
	case HandingOff:
		s.mu.Unlock()
		dl := sharding.NewDeadLetter(s.cfg.ID, sharding.EntityId(entityID), "handing-off")
		s.cfg.Logger.Warn("message sent to dead-letters during handoff", "id", dl.ID, "shard", dl.ShardID, "entity", dl.EntityID)
		if reply != nil {
			reply <- replyEnvelope{err: fmt.Errorf("shard: %s is handing off", s.cfg.ID)}
		}
		return
	case Passivating:
		inc.buffer = append(inc.buffer, bufferedMsg{msg: msg, reply: reply})
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.invoke(ctx, entityID, inc, msg, reply)
}

func (s *Shard) invoke(ctx context.Context, entityID string, inc *incarnation, msg any, reply chan replyEnvelope) {
	val, err := inc.entity.Receive(ctx, msg)
	if reply != nil {
		reply <- replyEnvelope{val: val, err: err}
	}

	if p, ok := val.(Passivate); ok {
		s.beginPassivation(ctx, entityID, inc, p.StopMsg)
	}
}

func (s *Shard) startIncarnation(ctx context.Context, entityID string) *incarnation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startIncarnationLocked(ctx, entityID)
}

func (s *Shard) startIncarnationLocked(_ context.Context, entityID string) *incarnation {
	inc := &incarnation{entity: s.cfg.Factory(entityID), state: Active}
	s.entities[entityID] = inc
	if s.cfg.Remember != nil {
		if err := s.cfg.Remember.AddEntity(sharding.EntityId(entityID)); err != nil {
			s.cfg.Logger.Error("remember-entities add failed, retrying in background", "entity", entityID, "error", err)
			go s.retryRememberAdd(entityID)
		}
	}
	return inc
}

func (s *Shard) retryRememberAdd(entityID string) {
	backoff := 100 * time.Millisecond
	for i := 0; i < 5; i++ {
		time.Sleep(backoff)
		if err := s.cfg.Remember.AddEntity(sharding.EntityId(entityID)); err == nil {
			return
		}
		backoff *= 2
	}
	s.cfg.Logger.Error("remember-entities add abandoned after retries", "entity", entityID)
}

func (s *Shard) beginPassivation(ctx context.Context, entityID string, inc *incarnation, stopMsg any) {
	s.mu.Lock()
	inc.state = Passivating
	inc.stopMsg = stopMsg
	s.mu.Unlock()

	_, _ = inc.entity.Receive(ctx, stopMsg)
	s.completePassivation(ctx, entityID, inc)
}

func (s *Shard) completePassivation(ctx context.Context, entityID string, inc *incarnation) {
	s.mu.Lock()
	buffered := inc.buffer
	inc.buffer = nil

	if s.cfg.Remember != nil {
		if err := s.cfg.Remember.RemoveEntity(sharding.EntityId(entityID)); err != nil {
			s.cfg.Logger.Error("remember-entities remove failed", "entity", entityID, "error", err)
		}
	}

	if len(buffered) == 0 {
		delete(s.entities, entityID)
		s.mu.Unlock()
		return
	}

	// Messages arrived during passivation: replay into a new incarnation.
	fresh := s.startIncarnationLocked(ctx, entityID)
	s.mu.Unlock()

	for _, bm := range buffered {
		s.invoke(ctx, entityID, fresh, bm.msg, bm.reply)
	}
}

// HandOff stops every active entity with handOffStopMessage, waits up to
// the configured handoff timeout, force-stops stragglers, and terminates
// the Shard (SPEC_FULL.md §4.3 handoff procedure).
func (s *Shard) HandOff(ctx context.Context, handOffStopMessage any) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.entities))
	for id, inc := range s.entities {
		if inc.state == Active {
			inc.state = HandingOff
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		wg.Add(len(ids))
		for _, id := range ids {
			id := id
			go func() {
				defer wg.Done()
				s.mu.Lock()
				inc := s.entities[id]
				s.mu.Unlock()
				if inc != nil {
					_, _ = inc.entity.Receive(ctx, handOffStopMessage)
				}
			}()
		}
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.HandoffTimeout):
		s.cfg.Logger.Error("handoff timed out, force-stopping stragglers", "shard", s.cfg.ID)
	}

	s.mu.Lock()
	s.entities = make(map[string]*incarnation)
	s.stopped = true
	s.mu.Unlock()
	s.mb.Close()
}

// Stopped reports whether HandOff has completed.
func (s *Shard) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// ActiveEntityCount reports the number of entities with a live incarnation,
// for metrics and tests.
func (s *Shard) ActiveEntityCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, inc := range s.entities {
		if inc.state == Active {
			n++
		}
	}
	return n
}
