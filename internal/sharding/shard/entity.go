// Package shard implements the Shard component from SPEC_FULL.md §4.3: the
// per-shard owner of a type's entities on one node, enforcing at-most-one
// live incarnation per entity and orchestrating passivation and handoff.
//
// Generalizes the teacher's internal/shard.Shard (a KV-store-shaped record)
// into a true entity-actor model, per the expansion in SPEC_FULL.md §3.1.
package shard

import "context"

// Entity is any stateful worker a Shard can own. Receive runs on the
// owning Shard's single-threaded mailbox goroutine; a returned Passivate signals the
// Shard to begin passivation for this incarnation.
type Entity interface {
	Receive(ctx context.Context, msg any) (any, error)
}

// Passivate is returned by Entity.Receive to request passivation. StopMsg
// is delivered to the entity immediately afterward, fulfilling the
// "entity requests passivation by returning a signal wrapping the
// stop-message" contract in SPEC_FULL.md §4.2.
type Passivate struct {
	StopMsg any
}

// EntityFactory constructs a fresh Entity incarnation for entityID. Called
// by the Shard on first message and on replay after passivation.
type EntityFactory func(entityID string) Entity
