package server

import (
	"testing"
	"time"

	"github.com/codefionn/stenobridge/internal/protocol"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func translationAt(seq uint64, text string) *protocol.EngineEvent {
	ev := protocol.NewTranslationEvent(text, 0)
	ev.Seq = seq
	return ev
}

func TestHubRegisterAndBroadcast(t *testing.T) {
	events := make(chan *protocol.EngineEvent)
	h := NewHub(events, 0, 50*time.Millisecond)
	go h.Run()
	defer h.Stop()

	first := newQueuedConn(8)
	second := newQueuedConn(8)
	h.Register(first)
	h.Register(second)
	waitFor(t, time.Second, func() bool { return h.ConnCount() == 2 },
		"Connections never registered")

	events <- translationAt(1, "hello ")
	waitFor(t, time.Second, func() bool {
		return len(first.send) == 1 && len(second.send) == 1
	}, "Broadcast never reached both connections")

	h.Unregister(second)
	waitFor(t, time.Second, func() bool { return h.ConnCount() == 1 },
		"Connection never unregistered")

	events <- translationAt(2, "world")
	waitFor(t, time.Second, func() bool { return len(first.send) == 2 },
		"Second broadcast never arrived")

	if got := len(second.send); got != 1 {
		t.Errorf("Unregistered connection should not receive events, has %d frames", got)
	}
}

func TestHubStopDrainsConnections(t *testing.T) {
	h := NewHub(nil, 0, time.Second)
	go h.Run()

	conns := []*Conn{newQueuedConn(8), newQueuedConn(8)}
	for _, c := range conns {
		h.Register(c)
		// Stand-in for the read pump: unregister once the close is signalled.
		go func(c *Conn) {
			<-c.closing
			h.Unregister(c)
		}(c)
	}
	waitFor(t, time.Second, func() bool { return h.ConnCount() == 2 },
		"Connections never registered")

	done := make(chan struct{})
	go func() {
		h.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after connections unregistered")
	}

	if got := h.ConnCount(); got != 0 {
		t.Errorf("Expected 0 connections after drain, got %d", got)
	}
	for _, c := range conns {
		if c.Reason() != ReasonServerShutdown {
			t.Errorf("Connection %s closed with reason %s, want %s", c.ID, c.Reason(), ReasonServerShutdown)
		}
	}

	// Idempotent.
	h.Stop()
}

func TestHubStopForceClosesStragglers(t *testing.T) {
	h := NewHub(nil, 0, 50*time.Millisecond)
	go h.Run()

	straggler := newQueuedConn(8)
	h.Register(straggler)
	waitFor(t, time.Second, func() bool { return h.ConnCount() == 1 },
		"Connection never registered")

	done := make(chan struct{})
	go func() {
		h.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after drain grace expired")
	}

	if got := h.ConnCount(); got != 0 {
		t.Errorf("Expected straggler to be dropped, got %d connections", got)
	}
	if straggler.Reason() != ReasonServerShutdown {
		t.Errorf("Straggler closed with reason %s, want %s", straggler.Reason(), ReasonServerShutdown)
	}
}

func TestHubRejectsConnectionsAfterStop(t *testing.T) {
	h := NewHub(nil, 0, 50*time.Millisecond)
	go h.Run()
	h.Stop()

	late := newQueuedConn(8)
	h.Register(late)

	if late.State() != StateClosing {
		t.Errorf("Late connection should be closing, got %s", late.State())
	}
	if late.Reason() != ReasonServerShutdown {
		t.Errorf("Late connection reason %s, want %s", late.Reason(), ReasonServerShutdown)
	}
	if got := h.ConnCount(); got != 0 {
		t.Errorf("Stopped hub should hold no connections, got %d", got)
	}

	// Unregister after stop must not block either.
	h.Unregister(late)
}

func TestHubSweepsIdleConnections(t *testing.T) {
	h := NewHub(nil, 100*time.Millisecond, 50*time.Millisecond)
	go h.Run()
	defer h.Stop()

	idle := newQueuedConn(8)
	idle.lastInbound.Store(time.Now().Add(-time.Minute).UnixNano())
	busy := newQueuedConn(8)
	h.Register(idle)
	h.Register(busy)

	// The sweep ticker never fires more often than once a second. Keep the
	// busy connection touched so only the idle one crosses the threshold.
	waitFor(t, 2*time.Second, func() bool {
		busy.touch()
		return idle.State() == StateClosing
	}, "Idle connection was never swept")

	if idle.Reason() != ReasonIdleTimeout {
		t.Errorf("Idle connection reason %s, want %s", idle.Reason(), ReasonIdleTimeout)
	}
	if busy.State() == StateClosing {
		t.Error("Active connection should survive the idle sweep")
	}
}
