package wsclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codefionn/stenobridge/internal/logger"
	"github.com/codefionn/stenobridge/internal/protocol"
	"github.com/codefionn/stenobridge/internal/secrets"
)

// ConnectionState represents the current state of the client connection.
type ConnectionState int32

const (
	// StateDisconnected indicates the client is not connected
	StateDisconnected ConnectionState = iota
	// StateConnecting indicates the client is dialing or authenticating
	StateConnecting
	// StateConnected indicates the client is connected and authenticated
	StateConnected
	// StateClosed indicates the client has been closed
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrNotConnected is returned when an operation needs a live connection.
	ErrNotConnected = errors.New("not connected")
	// ErrClientClosed is returned once the client has been closed or the
	// connection has dropped.
	ErrClientClosed = errors.New("client is closed")
)

// ServerError carries an Error envelope received from the server.
type ServerError struct {
	Code    string
	Message string
	Details string
}

func (e *ServerError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Details != "" {
		msg += ": " + e.Details
	}
	return msg
}

// Config holds client configuration.
type Config struct {
	// BaseURL is the HTTP root of the bridge, e.g. "http://localhost:8086".
	BaseURL string
	// Secret is the shared secret used to answer the server's challenge.
	Secret string
	// DialTimeout bounds the credential fetch, the upgrade, and the
	// authentication handshake.
	DialTimeout time.Duration
	// RequestTimeout is the default timeout for command round trips.
	RequestTimeout time.Duration
	// WriteTimeout is the timeout for writing a single frame.
	WriteTimeout time.Duration
	// PingInterval is how often the raw heartbeat is sent. It keeps the
	// connection from being reclaimed as idle.
	PingInterval time.Duration
	// EventBuffer is the capacity of the decoded event channel. Events are
	// dropped when the consumer falls this far behind.
	EventBuffer int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:        "http://localhost:8086",
		DialTimeout:    10 * time.Second,
		RequestTimeout: 30 * time.Second,
		WriteTimeout:   10 * time.Second,
		PingInterval:   54 * time.Second,
		EventBuffer:    256,
	}
}

var (
	rawPingFrame = []byte(protocol.RawPing)
	rawPongFrame = []byte(protocol.RawPong)
)

// Client is a stenobridge WebSocket client.
type Client struct {
	config *Config

	sockMu        sync.RWMutex
	sock          *websocket.Conn
	connectionID  string
	serverVersion string
	key           []byte

	state atomic.Int32 // ConnectionState

	outgoing chan []byte
	events   chan *protocol.EngineEvent

	pending   map[string]chan *protocol.Envelope
	pendingMu sync.RWMutex

	wg        sync.WaitGroup
	stopCh    chan struct{}
	closeOnce sync.Once
}

// NewClient creates a client for the given server with the default
// configuration.
func NewClient(baseURL, secret string) (*Client, error) {
	config := DefaultConfig()
	config.BaseURL = baseURL
	config.Secret = secret
	return NewClientWithConfig(config)
}

// NewClientWithConfig creates a client with custom configuration.
func NewClientWithConfig(config *Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	if config.Secret == "" {
		return nil, errors.New("secret is required")
	}
	if config.EventBuffer < 1 {
		config.EventBuffer = 1
	}

	client := &Client{
		config:   config,
		outgoing: make(chan []byte, 64),
		events:   make(chan *protocol.EngineEvent, config.EventBuffer),
		pending:  make(map[string]chan *protocol.Envelope),
		stopCh:   make(chan struct{}),
	}
	client.state.Store(int32(StateDisconnected))
	return client, nil
}

// Dial creates a client and connects it in one step.
func Dial(ctx context.Context, baseURL, secret string) (*Client, error) {
	client, err := NewClient(baseURL, secret)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// Connect fetches the key-derivation parameters, opens the WebSocket, and
// completes the challenge-response handshake.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.stopCh:
		return ErrClientClosed
	default:
	}
	if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return errors.New("already connected")
	}

	key, err := c.fetchProofKey(ctx)
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		return err
	}

	wsURL, err := websocketURL(c.config.BaseURL)
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.config.DialTimeout}
	sock, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		if resp != nil {
			_ = resp.Body.Close()
			return fmt.Errorf("dial %s: %s: %w", wsURL, resp.Status, err)
		}
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}

	connectionID, serverVersion, err := c.handshake(sock, key)
	if err != nil {
		_ = sock.Close()
		c.state.Store(int32(StateDisconnected))
		return err
	}

	c.sockMu.Lock()
	c.sock = sock
	c.connectionID = connectionID
	c.serverVersion = serverVersion
	c.key = key
	c.sockMu.Unlock()

	c.state.Store(int32(StateConnected))

	c.wg.Add(2)
	go c.readPump(sock)
	go c.writePump(sock)
	if c.config.PingInterval > 0 {
		c.wg.Add(1)
		go c.heartbeat()
	}

	logger.Debug("Connected to %s as %s (server %s)", c.config.BaseURL, connectionID, serverVersion)
	return nil
}

// fetchProofKey downloads the server's public credential parameters and
// derives the proof key from the shared secret.
func (c *Client) fetchProofKey(ctx context.Context) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.config.BaseURL+"/credential", nil)
	if err != nil {
		return nil, fmt.Errorf("build credential request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch credential parameters: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch credential parameters: server answered %s", resp.Status)
	}

	var info struct {
		Salt        string `json:"salt"`
		Fingerprint string `json:"fingerprint"`
		KDF         struct {
			Name   string `json:"name"`
			N      int    `json:"n"`
			R      int    `json:"r"`
			P      int    `json:"p"`
			KeyLen int    `json:"key_len"`
		} `json:"kdf"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("parse credential parameters: %w", err)
	}

	// A parameter mismatch would produce silently wrong proofs, so refuse
	// anything but the scheme this client implements.
	if info.KDF.Name != "scrypt" || info.KDF.N != secrets.ScryptN ||
		info.KDF.R != secrets.ScryptR || info.KDF.P != secrets.ScryptP ||
		info.KDF.KeyLen != secrets.KeySize {
		return nil, fmt.Errorf("server uses unsupported key derivation %s(N=%d,r=%d,p=%d,len=%d)",
			info.KDF.Name, info.KDF.N, info.KDF.R, info.KDF.P, info.KDF.KeyLen)
	}

	salt, err := base64.StdEncoding.DecodeString(info.Salt)
	if err != nil {
		return nil, fmt.Errorf("decode credential salt: %w", err)
	}
	return secrets.DeriveKey(c.config.Secret, salt)
}

// handshake answers the server's challenge and waits for the welcome.
func (c *Client) handshake(sock *websocket.Conn, key []byte) (connectionID, serverVersion string, err error) {
	_ = sock.SetReadDeadline(time.Now().Add(c.config.DialTimeout))

	challenge, err := readEnvelope(sock)
	if err != nil {
		return "", "", fmt.Errorf("read challenge: %w", err)
	}
	if challenge.Kind != protocol.KindChallenge {
		return "", "", fmt.Errorf("expected %s, got %s", protocol.KindChallenge, challenge.Kind)
	}
	var ch protocol.ChallengePayload
	if err := challenge.ParsePayload(&ch); err != nil {
		return "", "", fmt.Errorf("parse challenge: %w", err)
	}

	proof, err := protocol.NewProof(secrets.ProofFor(key, ch.Nonce)).Encode()
	if err != nil {
		return "", "", err
	}
	_ = sock.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := sock.WriteMessage(websocket.TextMessage, proof); err != nil {
		return "", "", fmt.Errorf("send proof: %w", err)
	}

	reply, err := readEnvelope(sock)
	if err != nil {
		return "", "", fmt.Errorf("read welcome: %w", err)
	}
	switch reply.Kind {
	case protocol.KindWelcome:
	case protocol.KindError:
		if reply.Error != nil {
			return "", "", &ServerError{reply.Error.Code, reply.Error.Message, reply.Error.Details}
		}
		return "", "", errors.New("authentication rejected")
	default:
		return "", "", fmt.Errorf("expected %s, got %s", protocol.KindWelcome, reply.Kind)
	}

	var welcome protocol.WelcomePayload
	if err := reply.ParsePayload(&welcome); err != nil {
		return "", "", fmt.Errorf("parse welcome: %w", err)
	}

	// The read pump manages its own deadlines from here on.
	_ = sock.SetReadDeadline(time.Time{})
	return welcome.ConnectionID, welcome.ServerVersion, nil
}

// websocketURL maps the HTTP base URL onto the websocket endpoint.
func websocketURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/websocket"
	return u.String(), nil
}

func readEnvelope(sock *websocket.Conn) (*protocol.Envelope, error) {
	_, data, err := sock.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.Decode(data)
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// IsConnected returns true if the client is connected and authenticated.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// ConnectionID returns the identifier the server assigned to this
// connection. Empty until connected.
func (c *Client) ConnectionID() string {
	c.sockMu.RLock()
	defer c.sockMu.RUnlock()
	return c.connectionID
}

// ServerVersion returns the version announced in the welcome. Empty until
// connected.
func (c *Client) ServerVersion() string {
	c.sockMu.RLock()
	defer c.sockMu.RUnlock()
	return c.serverVersion
}

// Events returns the decoded engine event stream. Event kinds this client
// version does not recognize are skipped.
func (c *Client) Events() <-chan *protocol.EngineEvent {
	return c.events
}

// Close tears the connection down. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.stopCh) })
	c.state.Store(int32(StateClosed))
	c.closeSocket()
	c.wg.Wait()
	return nil
}

func (c *Client) closeSocket() {
	c.sockMu.Lock()
	if c.sock != nil {
		_ = c.sock.Close()
		c.sock = nil
	}
	c.sockMu.Unlock()
}

// connectionLost marks the client dead after an I/O failure. The client does
// not reconnect; callers build a fresh one.
func (c *Client) connectionLost(err error) {
	if c.State() == StateClosed {
		return
	}
	logger.Warn("Connection to %s lost: %v", c.config.BaseURL, err)
	c.state.Store(int32(StateDisconnected))
	c.closeOnce.Do(func() { close(c.stopCh) })
	c.closeSocket()
}

// readPump reads frames, matches replies to pending requests, and decodes
// events onto the event channel.
func (c *Client) readPump(sock *websocket.Conn) {
	defer c.wg.Done()

	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			c.connectionLost(err)
			return
		}

		// Raw heartbeat answer; nothing to decode.
		if bytes.Equal(bytes.TrimSpace(data), rawPongFrame) {
			continue
		}

		env, err := protocol.Decode(data)
		if err != nil {
			logger.Warn("Dropping malformed frame from server: %v", err)
			continue
		}

		if env.CorrelationID != "" && c.deliverReply(env) {
			continue
		}

		ev, err := protocol.ParseEvent(env)
		if err != nil {
			logger.Debug("Skipping %s frame: %v", env.Kind, err)
			continue
		}
		select {
		case c.events <- ev:
		default:
			logger.Warn("Event buffer full, dropping %s (seq %d)", ev.Kind, ev.Seq)
		}
	}
}

// deliverReply routes an envelope to the request waiting on its correlation
// id. Returns false when nobody is waiting.
func (c *Client) deliverReply(env *protocol.Envelope) bool {
	c.pendingMu.RLock()
	ch, ok := c.pending[env.CorrelationID]
	c.pendingMu.RUnlock()
	if !ok {
		return false
	}
	select {
	case ch <- env:
	default:
	}
	return true
}

// writePump writes queued frames to the socket.
func (c *Client) writePump(sock *websocket.Conn) {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopCh:
			return
		case frame := <-c.outgoing:
			_ = sock.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := sock.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.connectionLost(err)
				return
			}
		}
	}
}

// heartbeat keeps the connection from idling out server-side.
func (c *Client) heartbeat() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			select {
			case c.outgoing <- rawPingFrame:
			case <-c.stopCh:
				return
			}
		}
	}
}

// request sends a frame and blocks until the reply for the correlation id
// arrives. Error envelopes come back as *ServerError.
func (c *Client) request(ctx context.Context, correlationID string, frame []byte) (*protocol.Envelope, error) {
	if !c.IsConnected() {
		return nil, ErrNotConnected
	}

	respCh := make(chan *protocol.Envelope, 1)
	c.pendingMu.Lock()
	c.pending[correlationID] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, correlationID)
		c.pendingMu.Unlock()
	}()

	select {
	case c.outgoing <- frame:
	case <-c.stopCh:
		return nil, ErrClientClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case resp := <-respCh:
		if resp.Kind == protocol.KindError && resp.Error != nil {
			return nil, &ServerError{resp.Error.Code, resp.Error.Message, resp.Error.Details}
		}
		return resp, nil
	case <-c.stopCh:
		return nil, ErrClientClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// opContext applies the default request timeout when the caller's context has
// no deadline of its own.
func (c *Client) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.config.RequestTimeout)
}
