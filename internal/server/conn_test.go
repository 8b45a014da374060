package server

import (
	"testing"
	"time"

	"github.com/codefionn/stenobridge/internal/protocol"
)

// Pumps never run in these tests, so a nil socket is fine: queueing, filters
// and close bookkeeping never touch the transport.
func newQueuedConn(queueSize int) *Conn {
	c := NewConn("conn_test", nil, nil, nil, queueSize)
	c.markAuthenticated()
	return c
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateConnecting:    "connecting",
		StateAuthenticated: "authenticated",
		StateClosing:       "closing",
		StateClosed:        "closed",
		State(42):          "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestConnFilterDefaultsToAll(t *testing.T) {
	c := newQueuedConn(4)

	for _, kind := range []protocol.EventKind{
		protocol.EventStroke,
		protocol.EventTranslation,
		protocol.EventMachineState,
	} {
		if !c.wants(kind) {
			t.Errorf("Unfiltered connection should want %s", kind)
		}
	}

	c.setFilter([]protocol.EventKind{protocol.EventTranslation})
	if c.wants(protocol.EventStroke) {
		t.Error("Filtered connection should not want Stroke")
	}
	if !c.wants(protocol.EventTranslation) {
		t.Error("Filtered connection should want Translation")
	}

	// Empty filter resets to all.
	c.setFilter(nil)
	if !c.wants(protocol.EventStroke) {
		t.Error("Reset connection should want Stroke again")
	}
}

func TestConnDeliverEventSeqMonotonic(t *testing.T) {
	c := newQueuedConn(8)

	c.deliverEvent(protocol.EventTranslation, 1, []byte("a"))
	c.deliverEvent(protocol.EventTranslation, 2, []byte("b"))
	c.deliverEvent(protocol.EventTranslation, 2, []byte("b-again"))
	c.deliverEvent(protocol.EventTranslation, 1, []byte("a-again"))

	if got := len(c.send); got != 2 {
		t.Fatalf("Expected 2 queued frames, got %d", got)
	}
}

func TestConnDeliverEventHonorsFilter(t *testing.T) {
	c := newQueuedConn(8)
	c.setFilter([]protocol.EventKind{protocol.EventOutputToggled})

	c.deliverEvent(protocol.EventStroke, 1, []byte("stroke"))
	c.deliverEvent(protocol.EventOutputToggled, 2, []byte("toggled"))

	if got := len(c.send); got != 1 {
		t.Fatalf("Expected 1 queued frame, got %d", got)
	}
	if got := string(<-c.send); got != "toggled" {
		t.Errorf("Wrong frame queued: %q", got)
	}
}

func TestConnOverwhelmedClosesConnection(t *testing.T) {
	c := newQueuedConn(1)

	c.deliverEvent(protocol.EventTranslation, 1, []byte("a"))
	c.deliverEvent(protocol.EventTranslation, 2, []byte("b"))

	if c.State() != StateClosing {
		t.Fatalf("Expected Closing state, got %s", c.State())
	}
	if c.Reason() != ReasonOverwhelmed {
		t.Errorf("Expected overwhelmed reason, got %s", c.Reason())
	}

	select {
	case <-c.closing:
	default:
		t.Error("closing channel should be closed")
	}

	// Further sends are dropped without blocking.
	if c.trySend([]byte("c")) {
		t.Error("trySend should fail on a closing connection")
	}
}

func TestConnCloseReasonFirstWins(t *testing.T) {
	c := newQueuedConn(1)

	c.beginClose(ReasonIdleTimeout)
	c.beginClose(ReasonClientGone)

	if c.Reason() != ReasonIdleTimeout {
		t.Errorf("First close reason should stick, got %s", c.Reason())
	}
}

func TestConnNotAuthenticatedGetsNoEvents(t *testing.T) {
	c := NewConn("conn_test", nil, nil, nil, 4)

	c.deliverEvent(protocol.EventTranslation, 1, []byte("a"))
	if len(c.send) != 0 {
		t.Error("Connecting state should not receive events")
	}
}

func TestConnIdleTracking(t *testing.T) {
	c := newQueuedConn(1)

	c.lastInbound.Store(time.Now().Add(-time.Minute).UnixNano())
	if c.IdleFor() < 59*time.Second {
		t.Errorf("Expected ~1m idle, got %v", c.IdleFor())
	}

	c.touch()
	if c.IdleFor() > time.Second {
		t.Errorf("touch should reset idleness, got %v", c.IdleFor())
	}
}
