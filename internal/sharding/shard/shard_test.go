package shard

import (
	"context"
	"testing"
	"time"
)

type echoEntity struct{}

func (echoEntity) Receive(_ context.Context, msg any) (any, error) {
	return msg, nil
}

func echoFactory(string) Entity { return echoEntity{} }

func newTestShard(factory EntityFactory) (*Shard, context.CancelFunc) {
	s := New(Config{TypeName: "game", ID: "1", Factory: factory})
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	return s, cancel
}

func TestShardAskRoundTrips(t *testing.T) {
	s, cancel := newTestShard(echoFactory)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()

	got, err := s.Ask(ctx, "alice", "ping")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if got != "ping" {
		t.Fatalf("Ask() = %v, want ping", got)
	}
	if n := s.ActiveEntityCount(); n != 1 {
		t.Fatalf("ActiveEntityCount() = %d, want 1", n)
	}
}

type passivatingEntity struct{ received []any }

func (e *passivatingEntity) Receive(_ context.Context, msg any) (any, error) {
	if msg == "passivate" {
		return Passivate{StopMsg: "stop"}, nil
	}
	e.received = append(e.received, msg)
	return nil, nil
}

func TestShardMessageAfterPassivationStartsNewIncarnation(t *testing.T) {
	s, cancel := newTestShard(func(string) Entity {
		return &passivatingEntity{}
	})
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()

	if _, err := s.Ask(ctx, "bob", "hello"); err != nil {
		t.Fatalf("Ask: %v", err)
	}

	// Passivate; the Shard begins stopping this incarnation.
	if err := s.Deliver("bob", "passivate"); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	// Passivation runs to completion inside the mailbox command handling
	// "passivate", so the next message for bob starts a fresh incarnation.
	if err := s.Deliver("bob", "buffered"); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if n := s.ActiveEntityCount(); n != 1 {
		t.Fatalf("ActiveEntityCount() after replay = %d, want 1 (new incarnation)", n)
	}
}

func TestShardHandOffStopsAllEntities(t *testing.T) {
	s, cancel := newTestShard(echoFactory)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()
	if _, err := s.Ask(ctx, "alice", "ping"); err != nil {
		t.Fatalf("Ask: %v", err)
	}

	s.HandOff(context.Background(), "stop")

	if !s.Stopped() {
		t.Fatal("Stopped() = false after HandOff")
	}
	if n := s.ActiveEntityCount(); n != 0 {
		t.Fatalf("ActiveEntityCount() after HandOff = %d, want 0", n)
	}
}

func TestKVEntityRoundTrip(t *testing.T) {
	factory := NewKVEntityFactory()
	s, cancel := newTestShard(factory)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()

	if _, err := s.Ask(ctx, "alice", KVPut{Key: "k", Value: []byte("v")}); err != nil {
		t.Fatalf("Ask Put: %v", err)
	}
	got, err := s.Ask(ctx, "alice", KVGet{Key: "k"})
	if err != nil {
		t.Fatalf("Ask Get: %v", err)
	}
	if string(got.([]byte)) != "v" {
		t.Fatalf("Get = %q, want v", got)
	}
}
