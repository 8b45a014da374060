package server

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codefionn/stenobridge/internal/consts"
	"github.com/codefionn/stenobridge/internal/logger"
	"github.com/codefionn/stenobridge/internal/protocol"
)

// State is a connection's position in its lifecycle. Transitions only move
// forward: Connecting → Authenticated → Closing → Closed.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateClosing
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason records why a connection left the registry. The reason is sent
// to the peer in the close frame.
type CloseReason string

const (
	ReasonClientGone        CloseReason = "client_gone"
	ReasonProtocolViolation CloseReason = "protocol_violation"
	ReasonOverwhelmed       CloseReason = "overwhelmed"
	ReasonIdleTimeout       CloseReason = "idle_timeout"
	ReasonServerShutdown    CloseReason = "server_shutdown"
)

// rawPongFrame answers the bare-text heartbeat without touching the codec.
var rawPongFrame = []byte(protocol.RawPong)

// Conn represents one WebSocket connection after a successful upgrade.
type Conn struct {
	ID         string
	hub        *Hub
	sock       *websocket.Conn
	dispatcher *Dispatcher

	send       chan []byte
	closing    chan struct{}
	writerDone chan struct{}

	state       atomic.Int32
	lastInbound atomic.Int64

	closeOnce sync.Once

	mu     sync.Mutex
	reason CloseReason
	filter map[protocol.EventKind]struct{} // nil means all events

	// lastSeq is touched only by the hub run loop.
	lastSeq uint64
}

// NewConn wraps an upgraded socket. The queue size bounds how far a slow
// reader may fall behind before the connection is closed as overwhelmed.
func NewConn(id string, hub *Hub, sock *websocket.Conn, dispatcher *Dispatcher, queueSize int) *Conn {
	if queueSize < 1 {
		queueSize = consts.DefaultOutboundQueue
	}
	c := &Conn{
		ID:         id,
		hub:        hub,
		sock:       sock,
		dispatcher: dispatcher,
		send:       make(chan []byte, queueSize),
		closing:    make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	c.lastInbound.Store(time.Now().UnixNano())
	return c
}

// generateConnectionID generates a random connection ID.
func generateConnectionID() string {
	raw := make([]byte, 8)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Sprintf("conn_%d", time.Now().UnixNano())
	}
	return "conn_" + hex.EncodeToString(raw)
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Reason returns the close reason; empty until the connection begins closing.
func (c *Conn) Reason() CloseReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *Conn) markAuthenticated() {
	c.state.Store(int32(StateAuthenticated))
}

// beginClose moves the connection to Closing with the given reason. Only the
// first reason sticks; later calls are no-ops.
func (c *Conn) beginClose(reason CloseReason) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		c.state.Store(int32(StateClosing))
		close(c.closing)
		logger.Debug("Connection %s closing: %s", c.ID, reason)
	})
}

// forceClose tears the socket down immediately, abandoning queued frames.
func (c *Conn) forceClose() {
	if c.sock != nil {
		_ = c.sock.Close()
	}
}

// setFilter replaces the subscription filter. An empty list resets the
// connection to receiving every event kind.
func (c *Conn) setFilter(kinds []protocol.EventKind) {
	var filter map[protocol.EventKind]struct{}
	if len(kinds) > 0 {
		filter = make(map[protocol.EventKind]struct{}, len(kinds))
		for _, kind := range kinds {
			filter[kind] = struct{}{}
		}
	}
	c.mu.Lock()
	c.filter = filter
	c.mu.Unlock()
}

func (c *Conn) wants(kind protocol.EventKind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.filter == nil {
		return true
	}
	_, ok := c.filter[kind]
	return ok
}

// touch records inbound traffic for the idle sweep. Transport pongs do not
// count; only real messages keep a connection alive.
func (c *Conn) touch() {
	c.lastInbound.Store(time.Now().UnixNano())
}

// IdleFor returns how long the connection has been silent.
func (c *Conn) IdleFor() time.Duration {
	return time.Since(time.Unix(0, c.lastInbound.Load()))
}

// deliverEvent enqueues a pre-encoded event frame if the connection's filter
// matches and the sequence moves forward. Called only from the hub run loop.
func (c *Conn) deliverEvent(kind protocol.EventKind, seq uint64, frame []byte) {
	if c.State() != StateAuthenticated {
		return
	}
	if !c.wants(kind) {
		return
	}
	if seq <= c.lastSeq {
		return
	}
	if c.trySend(frame) {
		c.lastSeq = seq
	}
}

// trySend enqueues a frame without ever blocking. A full queue marks the
// connection overwhelmed and starts its close.
func (c *Conn) trySend(frame []byte) bool {
	select {
	case <-c.closing:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		logger.Warn("Connection %s overwhelmed: outbound queue full", c.ID)
		c.beginClose(ReasonOverwhelmed)
		return false
	}
}

// sendEnvelope encodes and enqueues a control reply for this connection.
func (c *Conn) sendEnvelope(env *protocol.Envelope) {
	frame, err := env.Encode()
	if err != nil {
		logger.Error("Failed to encode %s envelope for %s: %v", env.Kind, c.ID, err)
		return
	}
	c.trySend(frame)
}

// ReadPump pumps messages from the WebSocket connection to the dispatcher.
func (c *Conn) ReadPump() {
	defer func() {
		c.beginClose(ReasonClientGone)
		c.hub.Unregister(c)
		// Let the write pump flush queued frames and the close frame
		// before the socket goes away.
		select {
		case <-c.writerDone:
		case <-time.After(consts.WriteWait):
		}
		_ = c.sock.Close()
		c.state.Store(int32(StateClosed))
	}()

	c.sock.SetReadLimit(consts.MaxMessageSize)
	_ = c.sock.SetReadDeadline(time.Now().Add(consts.PongWait))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(consts.PongWait))
	})

	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Error("Connection %s read error: %v", c.ID, err)
			}
			return
		}
		c.touch()

		// Raw heartbeat answered before any decoding.
		if bytes.Equal(bytes.TrimSpace(data), []byte(protocol.RawPing)) {
			c.trySend(rawPongFrame)
			continue
		}

		if err := c.dispatcher.Handle(c, data); err != nil {
			logger.Warn("Connection %s protocol violation: %v", c.ID, err)
			c.beginClose(ReasonProtocolViolation)
			return
		}
	}
}

// WritePump pumps queued frames to the WebSocket connection and keeps the
// transport alive with pings.
func (c *Conn) WritePump() {
	ticker := time.NewTicker(consts.PingPeriod)
	defer func() {
		ticker.Stop()
		close(c.writerDone)
		_ = c.sock.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.sock.SetWriteDeadline(time.Now().Add(consts.WriteWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.Debug("Connection %s write error: %v", c.ID, err)
				return
			}

		case <-c.closing:
			c.flushAndClose()
			return

		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(consts.WriteWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// flushAndClose writes out frames that were queued before the close began,
// then sends a close frame carrying the reason.
func (c *Conn) flushAndClose() {
	for {
		select {
		case frame := <-c.send:
			_ = c.sock.SetWriteDeadline(time.Now().Add(consts.WriteWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			reason := c.Reason()
			_ = c.sock.SetWriteDeadline(time.Now().Add(consts.WriteWait))
			_ = c.sock.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(closeCode(reason), string(reason)))
			return
		}
	}
}

// closeCode maps a close reason to its WebSocket status code.
func closeCode(reason CloseReason) int {
	switch reason {
	case ReasonProtocolViolation:
		return websocket.ClosePolicyViolation
	case ReasonOverwhelmed:
		return websocket.CloseTryAgainLater
	default:
		return websocket.CloseNormalClosure
	}
}
