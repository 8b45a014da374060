package server

import (
	"sync"
	"time"

	"github.com/codefionn/stenobridge/internal/logger"
	"github.com/codefionn/stenobridge/internal/protocol"
)

// Hub maintains the set of live connections and fans engine events out to
// them. It is the single owner of the registry: every add and remove goes
// through its channels while the run loop is alive.
type Hub struct {
	conns      map[*Conn]bool
	register   chan *Conn
	unregister chan *Conn

	// events is the bridge's host→server stream. Nil when the hub is used
	// without a bridge (tests).
	events <-chan *protocol.EngineEvent

	idleTimeout time.Duration
	drainGrace  time.Duration

	log *logger.Logger

	mu       sync.RWMutex
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewHub creates a hub over the given event stream. An idleTimeout of zero
// disables the idle sweep.
func NewHub(events <-chan *protocol.EngineEvent, idleTimeout, drainGrace time.Duration) *Hub {
	if drainGrace <= 0 {
		drainGrace = 5 * time.Second
	}
	return &Hub{
		conns:       make(map[*Conn]bool),
		register:    make(chan *Conn),
		unregister:  make(chan *Conn),
		events:      events,
		idleTimeout: idleTimeout,
		drainGrace:  drainGrace,
		log:         logger.Global().WithPrefix("hub"),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Run starts the hub. It returns once Stop has been called and every
// connection has been drained or force-closed.
func (h *Hub) Run() {
	h.log.Info("Connection hub started")
	defer h.log.Info("Connection hub stopped")
	defer close(h.done)

	sweep := time.NewTicker(h.sweepInterval())
	defer sweep.Stop()

	for {
		select {
		case conn := <-h.register:
			h.add(conn)
			h.log.Debug("Connection registered: %s (total: %d)", conn.ID, h.ConnCount())

		case conn := <-h.unregister:
			h.remove(conn)
			h.log.Debug("Connection unregistered: %s (total: %d)", conn.ID, h.ConnCount())

		case ev := <-h.events:
			h.broadcast(ev)

		case <-sweep.C:
			h.sweepIdle()

		case <-h.quit:
			h.drain()
			return
		}
	}
}

// Stop shuts the hub down and blocks until the run loop has drained every
// connection. Safe to call more than once.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.quit)
	})
	<-h.done
}

// Register hands a connection to the hub. If the hub is already stopped the
// connection is closed instead.
func (h *Hub) Register(conn *Conn) {
	select {
	case h.register <- conn:
	case <-h.done:
		conn.beginClose(ReasonServerShutdown)
		conn.forceClose()
	}
}

// Unregister removes a connection. Never blocks, even after the run loop has
// exited.
func (h *Hub) Unregister(conn *Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
		h.remove(conn)
	}
}

// ConnCount returns the number of registered connections.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) add(conn *Conn) {
	h.mu.Lock()
	h.conns[conn] = true
	h.mu.Unlock()
}

func (h *Hub) remove(conn *Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
}

func (h *Hub) snapshot() []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := make([]*Conn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	return conns
}

// broadcast encodes the event once and enqueues the shared bytes on every
// matching connection. Slow connections close themselves as overwhelmed
// instead of holding the loop up.
func (h *Hub) broadcast(ev *protocol.EngineEvent) {
	if ev == nil {
		return
	}
	frame, err := protocol.EncodeEvent(ev)
	if err != nil {
		h.log.Error("Failed to encode %s event (seq %d): %v", ev.Kind, ev.Seq, err)
		return
	}

	h.mu.RLock()
	for conn := range h.conns {
		conn.deliverEvent(ev.Kind, ev.Seq, frame)
	}
	h.mu.RUnlock()
}

func (h *Hub) sweepInterval() time.Duration {
	interval := h.idleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	return interval
}

// sweepIdle closes connections with no inbound traffic for the idle timeout.
// Transport pongs do not count as traffic.
func (h *Hub) sweepIdle() {
	if h.idleTimeout <= 0 {
		return
	}
	for _, conn := range h.snapshot() {
		if conn.IdleFor() > h.idleTimeout {
			h.log.Info("Connection %s idle for %v, closing", conn.ID, conn.IdleFor().Round(time.Second))
			conn.beginClose(ReasonIdleTimeout)
		}
	}
}

// drain moves every connection to Closing and waits up to the drain grace
// for their write pumps to flush and unregister. Stragglers are force-closed.
func (h *Hub) drain() {
	conns := h.snapshot()
	if len(conns) == 0 {
		return
	}
	h.log.Info("Draining %d connection(s)", len(conns))

	for _, conn := range conns {
		conn.beginClose(ReasonServerShutdown)
	}

	grace := time.NewTimer(h.drainGrace)
	defer grace.Stop()

	for h.ConnCount() > 0 {
		select {
		case conn := <-h.unregister:
			h.remove(conn)

		case conn := <-h.register:
			// Late arrival during shutdown.
			conn.beginClose(ReasonServerShutdown)
			conn.forceClose()

		case <-grace.C:
			for _, conn := range h.snapshot() {
				h.log.Warn("Forcing connection %s closed after drain grace", conn.ID)
				conn.forceClose()
				h.remove(conn)
			}
			return
		}
	}
}
