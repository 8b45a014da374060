package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/codefionn/stenobridge/internal/auth"
	"github.com/codefionn/stenobridge/internal/bridge"
	"github.com/codefionn/stenobridge/internal/config"
	"github.com/codefionn/stenobridge/internal/consts"
	"github.com/codefionn/stenobridge/internal/logger"
	"github.com/codefionn/stenobridge/internal/protocol"
	"github.com/codefionn/stenobridge/internal/secrets"
)

// Server represents the WebSocket server
type Server struct {
	cfg        *config.Config
	br         *bridge.Bridge
	gate       *auth.Gate
	hub        *Hub
	dispatcher *Dispatcher
	upgrader   websocket.Upgrader
	router     *httprouter.Router

	listener   net.Listener
	httpServer *http.Server

	mu       sync.Mutex
	running  bool
	stopping atomic.Bool
	stopOnce sync.Once
}

// NewServer creates a WebSocket server over the given bridge and auth gate.
func NewServer(cfg *config.Config, br *bridge.Bridge, gate *auth.Gate) (*Server, error) {
	if cfg == nil || br == nil || gate == nil {
		return nil, fmt.Errorf("server needs config, bridge and gate")
	}

	s := &Server{
		cfg:        cfg,
		br:         br,
		gate:       gate,
		hub:        NewHub(br.Events(), cfg.IdleTimeout(), cfg.DrainGrace()),
		dispatcher: NewDispatcher(br, nil),
		router:     httprouter.New(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  consts.ReadBufferSize,
		WriteBufferSize: consts.WriteBufferSize,
		CheckOrigin:     s.checkOrigin,
	}
	s.setupRoutes()
	return s, nil
}

// SetKnownOptions installs the engine's option check so bad SetConfigOption
// commands are refused before they reach the host. Call before Start.
func (s *Server) SetKnownOptions(fn func(string) bool) {
	s.dispatcher.knownOption = fn
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.GET("/websocket", s.handleWebSocket)
	s.router.GET("/credential", s.handleCredential)
	s.router.GET("/health", s.handleHealth)
}

// Start binds the listener, starts the hub, and begins serving.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		s.setRunning(false)
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr(), err)
	}
	if s.cfg.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCert, s.cfg.TLSKey)
		if err != nil {
			_ = ln.Close()
			s.setRunning(false)
			return fmt.Errorf("load TLS key pair: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
	}
	s.listener = ln

	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: consts.WriteWait,
	}

	go s.hub.Run()

	go func() {
		logger.Info("WebSocket server listening on %s (max connections: %d)", s.Addr(), s.cfg.MaxConnections)
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error: %v", err)
		}
	}()

	return nil
}

// Stop shuts the server down: new handshakes are refused, live connections
// drain within the grace window, stragglers are force-closed. Safe to call
// more than once.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		logger.Info("Stopping WebSocket server...")
		s.stopping.Store(true)

		// Drain live connections before tearing the HTTP server down.
		s.hub.Stop()

		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.httpServer.Shutdown(ctx); err != nil {
				logger.Warn("HTTP server shutdown: %v", err)
			}
		}

		s.setRunning(false)

		logger.Info("WebSocket server stopped")
	})
	return nil
}

// Addr returns the bound listen address, useful when the configured port is 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr()
	}
	return s.listener.Addr().String()
}

func (s *Server) setRunning(v bool) {
	s.mu.Lock()
	s.running = v
	s.mu.Unlock()
}

// IsRunning returns whether the server is accepting connections.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ConnCount returns the number of registered connections.
func (s *Server) ConnCount() int {
	return s.hub.ConnCount()
}

// handleWebSocket admits a connection: limit checks, upgrade, challenge
// handshake, then registration.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.stopping.Load() {
		refuse(w, http.StatusServiceUnavailable, protocol.ErrorCodeHostUnavailable, "server is shutting down")
		return
	}
	if s.hub.ConnCount() >= s.cfg.MaxConnections {
		logger.Warn("Connection limit reached (%d), rejecting %s", s.cfg.MaxConnections, r.RemoteAddr)
		refuse(w, http.StatusServiceUnavailable, protocol.ErrorCodeHostUnavailable, "connection limit reached")
		return
	}

	origin := clientOrigin(r)
	challenge, err := s.gate.Begin(origin)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrRateLimited):
			logger.Warn("Refusing challenge for rate-limited origin %s", origin)
			refuse(w, http.StatusTooManyRequests, protocol.ErrorCodeRateLimited, "too many failed attempts")
		case errors.Is(err, auth.ErrMissingCredential):
			refuse(w, http.StatusServiceUnavailable, protocol.ErrorCodeMissingCredential, "credential not provisioned")
		default:
			logger.Error("Failed to issue challenge: %v", err)
			refuse(w, http.StatusInternalServerError, protocol.ErrorCodeInternalError, "internal error")
		}
		return
	}

	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Failed to upgrade WebSocket: %v", err)
		return
	}

	connID := generateConnectionID()
	if err := s.handshake(sock, challenge, connID); err != nil {
		logger.Warn("Handshake failed for %s: %v", origin, err)
		_ = sock.Close()
		return
	}

	conn := NewConn(connID, s.hub, sock, s.dispatcher, s.cfg.OutboundQueueSize)
	conn.markAuthenticated()
	s.hub.Register(conn)

	go conn.WritePump()
	go conn.ReadPump()

	logger.Info("Connection %s authenticated from %s", connID, origin)
}

// handshake runs the challenge-response exchange on a fresh socket. No
// envelope other than the proof is accepted, and nothing is registered until
// the proof verifies.
func (s *Server) handshake(sock *websocket.Conn, challenge *auth.Challenge, connID string) error {
	if err := writeEnvelope(sock, protocol.NewChallenge(challenge.Nonce)); err != nil {
		return fmt.Errorf("send challenge: %w", err)
	}

	_ = sock.SetReadDeadline(time.Now().Add(s.gate.TTL() + time.Second))
	_, data, err := sock.ReadMessage()
	if err != nil {
		return fmt.Errorf("read proof: %w", err)
	}
	// The read pump re-arms its own deadline once the connection is live.
	_ = sock.SetReadDeadline(time.Time{})

	env, err := protocol.Decode(data)
	if err != nil {
		_ = writeEnvelope(sock, protocol.NewErrorEnvelope("",
			protocol.ErrorCodeDecodeError, "malformed envelope", err.Error()))
		return err
	}
	if env.Kind != protocol.KindProof {
		_ = writeEnvelope(sock, protocol.NewErrorEnvelope(env.CorrelationID,
			protocol.ErrorCodeInvalidRequest,
			fmt.Sprintf("expected %s, got %s", protocol.KindProof, env.Kind), ""))
		return fmt.Errorf("expected proof, got %s", env.Kind)
	}
	var proof protocol.ProofPayload
	if err := env.ParsePayload(&proof); err != nil {
		_ = writeEnvelope(sock, protocol.NewErrorEnvelope(env.CorrelationID,
			protocol.ErrorCodeDecodeError, "malformed proof payload", err.Error()))
		return err
	}

	if err := s.gate.Verify(challenge, proof.Response); err != nil {
		_ = writeEnvelope(sock, protocol.NewErrorEnvelope(env.CorrelationID,
			authWireCode(err), err.Error(), ""))
		return err
	}

	return writeEnvelope(sock, protocol.NewWelcome(connID, consts.Version))
}

// handleCredential serves the public key derivation parameters so clients
// can compute the proof key from the shared secret.
func (s *Server) handleCredential(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	salt, err := s.gate.Salt()
	if err != nil {
		http.Error(w, "credential not provisioned", http.StatusServiceUnavailable)
		return
	}
	fingerprint, err := s.gate.Fingerprint()
	if err != nil {
		http.Error(w, "credential not provisioned", http.StatusServiceUnavailable)
		return
	}

	resp := CredentialInfo{
		Salt:        salt,
		Fingerprint: fingerprint,
		KDF: KDFParams{
			Name:   "scrypt",
			N:      secrets.ScryptN,
			R:      secrets.ScryptR,
			P:      secrets.ScryptP,
			KeyLen: secrets.KeySize,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error("Failed to write credential response: %v", err)
	}
}

// handleHealth reports liveness and a few counters.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	resp := map[string]any{
		"status":           "ok",
		"connections":      s.hub.ConnCount(),
		"events_published": s.br.Seq(),
		"events_dropped":   s.br.Dropped(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error("Failed to write health response: %v", err)
	}
}

// CredentialInfo is the public answer of the credential endpoint.
type CredentialInfo struct {
	Salt        string    `json:"salt"`
	Fingerprint string    `json:"fingerprint"`
	KDF         KDFParams `json:"kdf"`
}

// KDFParams names the key derivation function and its cost parameters.
type KDFParams struct {
	Name   string `json:"name"`
	N      int    `json:"n"`
	R      int    `json:"r"`
	P      int    `json:"p"`
	KeyLen int    `json:"key_len"`
}

// checkOrigin admits same-host browsers, non-browser clients (no Origin
// header), and the configured allowlist.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	logger.Warn("Rejecting WebSocket origin %s", origin)
	return false
}

// clientOrigin is the per-origin identity used for rate limiting: the remote
// IP without the ephemeral port.
func clientOrigin(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// authWireCode maps handshake errors onto the wire error taxonomy.
func authWireCode(err error) string {
	switch {
	case errors.Is(err, auth.ErrExpiredChallenge):
		return protocol.ErrorCodeExpiredChallenge
	case errors.Is(err, auth.ErrMissingCredential):
		return protocol.ErrorCodeMissingCredential
	default:
		return protocol.ErrorCodeInvalidProof
	}
}

// refuse answers a pre-upgrade refusal with an error envelope in the body so
// clients see the same error taxonomy on both transports.
func refuse(w http.ResponseWriter, status int, code, message string) {
	frame, err := protocol.NewErrorEnvelope("", code, message, "").Encode()
	if err != nil {
		http.Error(w, message, status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(frame)
}

func writeEnvelope(sock *websocket.Conn, env *protocol.Envelope) error {
	frame, err := env.Encode()
	if err != nil {
		return err
	}
	_ = sock.SetWriteDeadline(time.Now().Add(consts.WriteWait))
	return sock.WriteMessage(websocket.TextMessage, frame)
}
