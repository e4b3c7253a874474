// Package mailbox gives every Region and Shard instance (and, through its
// Shard, every entity) the single-threaded cooperative executor described in
// SPEC_FULL.md §5: one goroutine owns the instance's mutable state and
// processes exactly one command at a time from a buffered channel, so no
// two commands for the same instance ever run concurrently.
package mailbox

import (
	"context"
	"errors"
)

// ErrClosed is returned by Send when the mailbox's owning goroutine has
// already stopped.
var ErrClosed = errors.New("mailbox: closed")

// Command is one unit of work posted to a Mailbox. A Command runs on the
// mailbox's single goroutine, to completion, before the next Command is
// pulled — this is the suspension-point rule from SPEC_FULL.md §5.
type Command func(ctx context.Context)

// Mailbox is a bounded FIFO queue of Commands drained by exactly one
// goroutine (started by Run). It carries no state of its own beyond the
// queue; all actual instance state lives in the closures captured by each
// Command.
type Mailbox struct {
	queue  chan Command
	closed chan struct{}
}

// New creates a Mailbox with room for capacity pending commands.
func New(capacity int) *Mailbox {
	if capacity < 1 {
		capacity = 1
	}
	return &Mailbox{queue: make(chan Command, capacity), closed: make(chan struct{})}
}

// Send enqueues cmd, blocking if the mailbox is full. Returns ErrClosed if
// the mailbox has already been closed.
func (m *Mailbox) Send(cmd Command) error {
	select {
	case <-m.closed:
		return ErrClosed
	default:
	}
	select {
	case m.queue <- cmd:
		return nil
	case <-m.closed:
		return ErrClosed
	}
}

// TrySend enqueues cmd without blocking, reporting false if the mailbox is
// full or closed. Used for buffering policies that need a non-blocking
// overflow decision (SPEC_FULL.md §4.2).
func (m *Mailbox) TrySend(cmd Command) bool {
	select {
	case <-m.closed:
		return false
	default:
	}
	select {
	case m.queue <- cmd:
		return true
	default:
		return false
	}
}

// Run drains the mailbox on the calling goroutine until ctx is done or
// Close is called. Callers invoke this as `go mb.Run(ctx)` to give the
// owning instance its single-threaded executor.
func (m *Mailbox) Run(ctx context.Context) {
	for {
		select {
		case cmd, ok := <-m.queue:
			if !ok {
				return
			}
			cmd(ctx)
		case <-ctx.Done():
			return
		case <-m.closed:
			return
		}
	}
}

// Close stops accepting new commands. Already-queued commands already
// delivered to Run continue to be processed until Run observes the close.
func (m *Mailbox) Close() {
	select {
	case <-m.closed:
	default:
		close(m.closed)
	}
}

// Len reports the number of commands currently queued, for buffer-size
// metrics and overflow-policy decisions.
func (m *Mailbox) Len() int { return len(m.queue) }
