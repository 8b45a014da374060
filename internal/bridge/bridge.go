// Package bridge carries traffic between the single-threaded engine host and
// the connection-facing goroutines. Events flow host → server through a
// bounded buffer that never blocks the publisher; commands flow server → host
// through a queue the host drains at its own pace.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/codefionn/stenobridge/internal/logger"
	"github.com/codefionn/stenobridge/internal/protocol"
)

// ErrHostUnavailable reports that the host side is shutting down or gone and
// cannot take further commands.
var ErrHostUnavailable = errors.New("host is unavailable")

// Outcome is the host's answer to a submitted command.
type Outcome struct {
	Result any
	Err    error
}

// Pending is a one-shot handle for a command awaiting its outcome.
type Pending struct {
	done   chan Outcome
	closed <-chan struct{}
	once   sync.Once
}

// Wait blocks until the host resolves the command, the context ends, or the
// bridge closes. A bridge teardown resolves the command as host-unavailable.
func (p *Pending) Wait(ctx context.Context) (Outcome, error) {
	select {
	case out := <-p.done:
		return out, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case <-p.closed:
		// A resolution may have raced the teardown; prefer it.
		select {
		case out := <-p.done:
			return out, nil
		default:
			return Outcome{Err: ErrHostUnavailable}, nil
		}
	}
}

func (p *Pending) resolve(out Outcome) {
	p.once.Do(func() {
		p.done <- out
	})
}

// Call pairs a relayed command with its pending outcome. The host context
// resolves it exactly once; later resolutions are ignored.
type Call struct {
	Command *protocol.ClientCommand
	pending *Pending
}

// Resolve delivers the command outcome back to the waiting submitter.
func (c *Call) Resolve(result any, err error) {
	c.pending.resolve(Outcome{Result: result, Err: err})
}

// Bridge is the cross-context channel pair. One host goroutine drains
// Calls(); one server goroutine drains Events(). Publishers and submitters
// may be many.
type Bridge struct {
	events chan *protocol.EngineEvent
	calls  chan *Call

	seq     atomic.Uint64
	dropped atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a bridge with the given buffer capacities. Capacities below
// one are raised to one.
func New(eventBuffer, callQueue int) *Bridge {
	if eventBuffer < 1 {
		eventBuffer = 1
	}
	if callQueue < 1 {
		callQueue = 1
	}
	return &Bridge{
		events: make(chan *protocol.EngineEvent, eventBuffer),
		calls:  make(chan *Call, callQueue),
		done:   make(chan struct{}),
	}
}

// Publish stamps the event with the next sequence number and enqueues it for
// the server side. It never blocks: when the buffer is full the oldest
// buffered event is evicted to make room, and the loss is counted. Publishing
// to a closed bridge discards the event.
func (b *Bridge) Publish(ev *protocol.EngineEvent) {
	if ev == nil {
		return
	}
	ev.Seq = b.seq.Add(1)

	select {
	case <-b.done:
		b.countDrop(ev.Seq)
		return
	default:
	}

	select {
	case b.events <- ev:
		return
	default:
	}

	// Buffer full: evict the oldest event so the newest wins.
	select {
	case old := <-b.events:
		b.countDrop(old.Seq)
	default:
	}
	select {
	case b.events <- ev:
	default:
		b.countDrop(ev.Seq)
	}
}

// countDrop records one lost event. Log volume is kept in check by only
// reporting drop counts that are powers of two.
func (b *Bridge) countDrop(seq uint64) {
	n := b.dropped.Add(1)
	if n&(n-1) == 0 {
		logger.Warn("Event buffer overflow: %d events dropped so far (latest seq %d)", n, seq)
	}
}

// Submit queues a command for the host context and returns a handle for its
// outcome. Submissions from a single goroutine keep their order. Returns
// ErrHostUnavailable once the bridge is closed.
func (b *Bridge) Submit(ctx context.Context, cmd *protocol.ClientCommand) (*Pending, error) {
	if cmd == nil {
		return nil, fmt.Errorf("submit: nil command")
	}

	select {
	case <-b.done:
		return nil, ErrHostUnavailable
	default:
	}

	pending := &Pending{
		done:   make(chan Outcome, 1),
		closed: b.done,
	}
	call := &Call{Command: cmd, pending: pending}

	select {
	case b.calls <- call:
		return pending, nil
	case <-b.done:
		return nil, ErrHostUnavailable
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Events is drained by the server side broadcaster.
func (b *Bridge) Events() <-chan *protocol.EngineEvent {
	return b.events
}

// Calls is drained by the host context runtime.
func (b *Bridge) Calls() <-chan *Call {
	return b.calls
}

// Done closes when the bridge shuts down.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Seq returns the sequence number of the most recently published event.
func (b *Bridge) Seq() uint64 {
	return b.seq.Load()
}

// Dropped returns how many events have been lost to buffer overflow.
func (b *Bridge) Dropped() uint64 {
	return b.dropped.Load()
}

// Close tears the bridge down. Queued commands that the host never picked up
// resolve as host-unavailable. Safe to call more than once.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		for {
			select {
			case call := <-b.calls:
				call.Resolve(nil, ErrHostUnavailable)
			default:
				logger.Debug("Bridge closed: %d events published, %d dropped", b.seq.Load(), b.dropped.Load())
				return
			}
		}
	})
}
