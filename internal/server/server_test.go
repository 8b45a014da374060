package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codefionn/stenobridge/internal/auth"
	"github.com/codefionn/stenobridge/internal/bridge"
	"github.com/codefionn/stenobridge/internal/config"
	"github.com/codefionn/stenobridge/internal/consts"
	"github.com/codefionn/stenobridge/internal/engine"
	"github.com/codefionn/stenobridge/internal/protocol"
	"github.com/codefionn/stenobridge/internal/secrets"
)

const testSecret = "steno-bridge-test-secret"

// testEnv wires a server with a provisioned credential on an ephemeral port.
type testEnv struct {
	t    *testing.T
	cfg  *config.Config
	br   *bridge.Bridge
	gate *auth.Gate
	srv  *Server

	// key is the proof key a well-behaved client would derive.
	key []byte
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	credPath := filepath.Join(t.TempDir(), "credential.json")
	cred, err := auth.WriteCredential(credPath, testSecret)
	if err != nil {
		t.Fatalf("WriteCredential failed: %v", err)
	}
	key, err := cred.DeriveKey()
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}

	store, err := auth.NewStore(credPath)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.CredentialPath = credPath
	cfg.DrainGraceSeconds = 1
	if mutate != nil {
		mutate(cfg)
	}

	gate := auth.NewGate(store, auth.Config{
		ChallengeTTL:  cfg.ChallengeTTL(),
		FailureBurst:  cfg.AuthFailureBurst,
		FailureRefill: cfg.AuthFailureRefill(),
	})
	t.Cleanup(gate.Close)

	br := bridge.New(cfg.EventBufferSize, cfg.CallQueueSize)
	t.Cleanup(br.Close)

	srv, err := NewServer(cfg, br, gate)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	return &testEnv{t: t, cfg: cfg, br: br, gate: gate, srv: srv, key: key}
}

// start brings the server up and waits until the health endpoint answers.
func (env *testEnv) start() {
	t := env.t
	t.Helper()

	if err := env.srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = env.srv.Stop() })

	waitFor(t, 2*time.Second, func() bool {
		resp, err := http.Get(env.baseURL() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, "Server never became ready")
}

func (env *testEnv) baseURL() string { return "http://" + env.srv.Addr() }
func (env *testEnv) wsURL() string   { return "ws://" + env.srv.Addr() + "/websocket" }

func (env *testEnv) dialRaw(header http.Header) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	return dialer.Dial(env.wsURL(), header)
}

// authenticate answers the challenge on a freshly upgraded socket and waits
// for the welcome.
func (env *testEnv) authenticate(sock *websocket.Conn) {
	t := env.t
	t.Helper()

	challenge := readEnvelope(t, sock)
	if challenge.Kind != protocol.KindChallenge {
		t.Fatalf("Expected %s, got %s", protocol.KindChallenge, challenge.Kind)
	}
	var ch protocol.ChallengePayload
	if err := challenge.ParsePayload(&ch); err != nil {
		t.Fatalf("Parse challenge payload failed: %v", err)
	}

	writeFrame(t, sock, protocol.NewProof(secrets.ProofFor(env.key, ch.Nonce)))

	welcome := readEnvelope(t, sock)
	if welcome.Kind != protocol.KindWelcome {
		t.Fatalf("Expected %s, got %s", protocol.KindWelcome, welcome.Kind)
	}
	var w protocol.WelcomePayload
	if err := welcome.ParsePayload(&w); err != nil {
		t.Fatalf("Parse welcome payload failed: %v", err)
	}
	if w.ConnectionID == "" {
		t.Fatal("Welcome carries no connection ID")
	}
	if w.ServerVersion != consts.Version {
		t.Errorf("Welcome server version %q, want %q", w.ServerVersion, consts.Version)
	}
}

func (env *testEnv) dialAuthed() *websocket.Conn {
	t := env.t
	t.Helper()

	sock, _, err := env.dialRaw(nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { _ = sock.Close() })
	env.authenticate(sock)
	return sock
}

func readRaw(t *testing.T, sock *websocket.Conn) []byte {
	t.Helper()
	_ = sock.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := sock.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	return data
}

func readEnvelope(t *testing.T, sock *websocket.Conn) *protocol.Envelope {
	t.Helper()
	env, err := protocol.Decode(readRaw(t, sock))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	return env
}

func writeFrame(t *testing.T, sock *websocket.Conn, env *protocol.Envelope) {
	t.Helper()
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if err := sock.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
}

func sendCommand(t *testing.T, sock *websocket.Conn, cmd *protocol.ClientCommand) {
	t.Helper()
	data, err := protocol.EncodeCommand(cmd)
	if err != nil {
		t.Fatalf("EncodeCommand failed: %v", err)
	}
	if err := sock.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
}

func TestServerHandshakeDeliversEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start()

	sock := env.dialAuthed()
	// The welcome goes out just before the hub registration lands.
	waitFor(t, time.Second, func() bool { return env.srv.ConnCount() == 1 },
		"Connection never registered")

	env.br.Publish(protocol.NewTranslationEvent("hello", 0))

	msg := readEnvelope(t, sock)
	if msg.Kind != string(protocol.EventTranslation) {
		t.Fatalf("Expected Translation, got %s", msg.Kind)
	}
	if msg.Seq != 1 {
		t.Errorf("Expected seq 1, got %d", msg.Seq)
	}
	var tr protocol.TranslationPayload
	if err := msg.ParsePayload(&tr); err != nil {
		t.Fatalf("Parse translation payload failed: %v", err)
	}
	if tr.Text != "hello" {
		t.Errorf("Translation text %q, want %q", tr.Text, "hello")
	}
}

func TestServerRejectsInvalidProof(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start()

	sock, _, err := env.dialRaw(nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer sock.Close()

	challenge := readEnvelope(t, sock)
	if challenge.Kind != protocol.KindChallenge {
		t.Fatalf("Expected Challenge, got %s", challenge.Kind)
	}

	writeFrame(t, sock, protocol.NewProof(strings.Repeat("ab", 32)))

	reply := readEnvelope(t, sock)
	if reply.Kind != protocol.KindError {
		t.Fatalf("Expected Error, got %s", reply.Kind)
	}
	if reply.Error == nil || reply.Error.Code != protocol.ErrorCodeInvalidProof {
		t.Errorf("Expected %s, got %+v", protocol.ErrorCodeInvalidProof, reply.Error)
	}

	// The server hangs up after a failed handshake.
	_ = sock.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := sock.ReadMessage(); err == nil {
		t.Error("Expected the connection to be closed after a failed proof")
	}
}

func TestServerRateLimitsFailedHandshakes(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start()

	for i := 0; i < env.cfg.AuthFailureBurst; i++ {
		sock, _, err := env.dialRaw(nil)
		if err != nil {
			t.Fatalf("Dial %d failed: %v", i+1, err)
		}
		challenge := readEnvelope(t, sock)
		if challenge.Kind != protocol.KindChallenge {
			t.Fatalf("Dial %d: expected Challenge, got %s", i+1, challenge.Kind)
		}
		writeFrame(t, sock, protocol.NewProof(strings.Repeat("ab", 32)))
		reply := readEnvelope(t, sock)
		if reply.Kind != protocol.KindError {
			t.Fatalf("Dial %d: expected Error, got %s", i+1, reply.Kind)
		}
		sock.Close()
	}

	// Budget exhausted: the next attempt is refused before the upgrade.
	_, resp, err := env.dialRaw(nil)
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("Expected bad handshake, got %v", err)
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("Expected HTTP 429, got %+v", resp)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("Failed to read refusal body: %v", err)
	}
	refusal, err := protocol.Decode(body)
	if err != nil {
		t.Fatalf("Refusal body is not an envelope: %v", err)
	}
	if refusal.Error == nil || refusal.Error.Code != protocol.ErrorCodeRateLimited {
		t.Fatalf("Expected %s refusal, got %+v", protocol.ErrorCodeRateLimited, refusal.Error)
	}
}

func TestServerSubscriptionFilter(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start()

	sock := env.dialAuthed()

	writeFrame(t, sock, protocol.NewSubscribe("s1", []protocol.EventKind{protocol.EventTranslation}))
	ack := readEnvelope(t, sock)
	if ack.Kind != protocol.KindAck || ack.CorrelationID != "s1" {
		t.Fatalf("Expected ack for s1, got %s (%s)", ack.Kind, ack.CorrelationID)
	}

	env.br.Publish(protocol.NewStrokeEvent([]string{"H-"}, "H-"))
	env.br.Publish(protocol.NewTranslationEvent("kept", 0))

	msg := readEnvelope(t, sock)
	if msg.Kind != string(protocol.EventTranslation) {
		t.Fatalf("Filter leaked a %s event", msg.Kind)
	}
	if msg.Seq != 2 {
		t.Errorf("Expected seq 2, got %d", msg.Seq)
	}

	// An empty subscription resets the connection to all events.
	writeFrame(t, sock, protocol.NewSubscribe("s2", nil))
	ack = readEnvelope(t, sock)
	if ack.Kind != protocol.KindAck || ack.CorrelationID != "s2" {
		t.Fatalf("Expected ack for s2, got %s (%s)", ack.Kind, ack.CorrelationID)
	}

	env.br.Publish(protocol.NewStrokeEvent([]string{"T-"}, "T-"))
	msg = readEnvelope(t, sock)
	if msg.Kind != string(protocol.EventStroke) {
		t.Fatalf("Expected Stroke after filter reset, got %s", msg.Kind)
	}
}

func TestServerCommandRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)

	sim := engine.NewSim(engine.SimConfig{OutputEnabled: true})
	rt := engine.NewRuntime(sim, env.br)
	if err := rt.Start(); err != nil {
		t.Fatalf("Runtime start failed: %v", err)
	}
	t.Cleanup(func() { _ = rt.Stop() })
	env.srv.SetKnownOptions(sim.KnownOption)
	env.start()

	sock := env.dialAuthed()

	sendCommand(t, sock, &protocol.ClientCommand{
		Kind:          protocol.CommandSetConfigOption,
		CorrelationID: "c1",
		SetConfigOption: &protocol.SetConfigOptionPayload{
			Option: "output_enabled",
			Value:  false,
		},
	})

	// The ack and the broadcast arrive in no guaranteed order.
	ack, toggled := collectAckAndToggle(t, sock, "c1")
	if ack.Outcome != protocol.OutcomeOK {
		t.Errorf("Ack outcome %q, want %q", ack.Outcome, protocol.OutcomeOK)
	}
	var result struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.Unmarshal(ack.Result, &result); err != nil {
		t.Fatalf("Unmarshal ack result failed: %v", err)
	}
	if result.Enabled {
		t.Error("Ack result should report output disabled")
	}
	if toggled.Enabled {
		t.Error("Broadcast should report output disabled")
	}

	// A bare toggle flips it back on.
	sendCommand(t, sock, &protocol.ClientCommand{
		Kind:          protocol.CommandToggleOutput,
		CorrelationID: "c2",
		ToggleOutput:  &protocol.ToggleOutputPayload{},
	})
	ack, toggled = collectAckAndToggle(t, sock, "c2")
	if ack.Outcome != protocol.OutcomeOK {
		t.Errorf("Ack outcome %q, want %q", ack.Outcome, protocol.OutcomeOK)
	}
	if !toggled.Enabled {
		t.Error("Broadcast should report output enabled again")
	}
}

// collectAckAndToggle reads frames until both the ack for the given
// correlation ID and an OutputToggled broadcast have arrived. Other events on
// the wire are skipped.
func collectAckAndToggle(t *testing.T, sock *websocket.Conn, correlationID string) (*protocol.AckPayload, *protocol.OutputToggledPayload) {
	t.Helper()

	var ack *protocol.AckPayload
	var toggled *protocol.OutputToggledPayload
	for i := 0; i < 10 && (ack == nil || toggled == nil); i++ {
		msg := readEnvelope(t, sock)
		switch {
		case msg.Kind == protocol.KindAck && msg.CorrelationID == correlationID:
			var a protocol.AckPayload
			if err := msg.ParsePayload(&a); err != nil {
				t.Fatalf("Parse ack payload failed: %v", err)
			}
			ack = &a
		case msg.Kind == protocol.KindError:
			t.Fatalf("Unexpected error envelope: %+v", msg.Error)
		case msg.Kind == string(protocol.EventOutputToggled):
			var p protocol.OutputToggledPayload
			if err := msg.ParsePayload(&p); err != nil {
				t.Fatalf("Parse toggle payload failed: %v", err)
			}
			toggled = &p
		}
	}
	if ack == nil || toggled == nil {
		t.Fatalf("Missing ack (%v) or toggle broadcast (%v)", ack != nil, toggled != nil)
	}
	return ack, toggled
}

func TestServerRejectsUnknownOption(t *testing.T) {
	env := newTestEnv(t, nil)
	sim := engine.NewSim(engine.SimConfig{})
	env.srv.SetKnownOptions(sim.KnownOption)
	env.start()

	sock := env.dialAuthed()

	sendCommand(t, sock, &protocol.ClientCommand{
		Kind:          protocol.CommandSetConfigOption,
		CorrelationID: "b1",
		SetConfigOption: &protocol.SetConfigOptionPayload{
			Option: "nonexistent_option",
			Value:  1,
		},
	})

	reply := readEnvelope(t, sock)
	if reply.Kind != protocol.KindError || reply.CorrelationID != "b1" {
		t.Fatalf("Expected error for b1, got %s (%s)", reply.Kind, reply.CorrelationID)
	}
	if reply.Error == nil || reply.Error.Code != protocol.ErrorCodeInvalidRequest {
		t.Errorf("Expected %s, got %+v", protocol.ErrorCodeInvalidRequest, reply.Error)
	}
	if reply.Error != nil && !strings.Contains(reply.Error.Message, "unknown option") {
		t.Errorf("Error message %q should name the unknown option", reply.Error.Message)
	}

	assertStillAlive(t, sock)
}

func TestServerRejectsOversizedLookup(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start()

	sock := env.dialAuthed()

	sendCommand(t, sock, &protocol.ClientCommand{
		Kind:          protocol.CommandLookup,
		CorrelationID: "L1",
		Lookup:        &protocol.LookupPayload{Text: strings.Repeat("a", consts.MaxLookupChars+1)},
	})

	reply := readEnvelope(t, sock)
	if reply.Kind != protocol.KindError || reply.CorrelationID != "L1" {
		t.Fatalf("Expected error for L1, got %s (%s)", reply.Kind, reply.CorrelationID)
	}
	if reply.Error == nil || reply.Error.Code != protocol.ErrorCodeInvalidRequest {
		t.Errorf("Expected %s, got %+v", protocol.ErrorCodeInvalidRequest, reply.Error)
	}

	assertStillAlive(t, sock)
}

func TestServerUnsupportedCommandKeepsConnection(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start()

	sock := env.dialAuthed()

	writeFrame(t, sock, &protocol.Envelope{Kind: "Quit", CorrelationID: "q1"})

	reply := readEnvelope(t, sock)
	if reply.Kind != protocol.KindError || reply.CorrelationID != "q1" {
		t.Fatalf("Expected error for q1, got %s (%s)", reply.Kind, reply.CorrelationID)
	}
	if reply.Error == nil || reply.Error.Code != protocol.ErrorCodeUnsupportedCommand {
		t.Errorf("Expected %s, got %+v", protocol.ErrorCodeUnsupportedCommand, reply.Error)
	}

	assertStillAlive(t, sock)
}

// assertStillAlive round-trips an envelope ping to show the connection
// survived a recoverable error.
func assertStillAlive(t *testing.T, sock *websocket.Conn) {
	t.Helper()

	writeFrame(t, sock, &protocol.Envelope{Kind: protocol.KindPing, CorrelationID: "alive"})
	reply := readEnvelope(t, sock)
	if reply.Kind != protocol.KindPong || reply.CorrelationID != "alive" {
		t.Fatalf("Expected pong for alive, got %s (%s)", reply.Kind, reply.CorrelationID)
	}
}

func TestServerMalformedEnvelopeClosesConnection(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start()

	sock := env.dialAuthed()

	if err := sock.WriteMessage(websocket.TextMessage, []byte("{this is not json")); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	reply := readEnvelope(t, sock)
	if reply.Kind != protocol.KindError {
		t.Fatalf("Expected Error, got %s", reply.Kind)
	}
	if reply.Error == nil || reply.Error.Code != protocol.ErrorCodeDecodeError {
		t.Errorf("Expected %s, got %+v", protocol.ErrorCodeDecodeError, reply.Error)
	}

	_ = sock.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := sock.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("Expected policy violation close, got %v", err)
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Text != string(ReasonProtocolViolation) {
		t.Errorf("Close text %q, want %q", ce.Text, ReasonProtocolViolation)
	}
}

func TestServerRawHeartbeat(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start()

	sock := env.dialAuthed()

	if err := sock.WriteMessage(websocket.TextMessage, []byte(protocol.RawPing)); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	if got := string(readRaw(t, sock)); got != protocol.RawPong {
		t.Fatalf("Expected raw %q, got %q", protocol.RawPong, got)
	}

	// The codec path still works afterwards.
	assertStillAlive(t, sock)
}

func TestServerGracefulStopFlushesQueuedEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start()

	sock := env.dialAuthed()
	waitFor(t, time.Second, func() bool { return env.srv.ConnCount() == 1 },
		"Connection never registered")

	env.br.Publish(protocol.NewTranslationEvent("flush me", 0))
	// Once the hub has taken the event off the bridge, its broadcast
	// completes before the stop signal can be observed.
	waitFor(t, time.Second, func() bool { return len(env.br.Events()) == 0 },
		"Hub never consumed the event")

	stopped := make(chan struct{})
	go func() {
		_ = env.srv.Stop()
		close(stopped)
	}()

	msg := readEnvelope(t, sock)
	if msg.Kind != string(protocol.EventTranslation) {
		t.Fatalf("Expected the queued Translation, got %s", msg.Kind)
	}

	_ = sock.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := sock.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("Expected normal closure, got %v", err)
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Text != string(ReasonServerShutdown) {
		t.Errorf("Close text %q, want %q", ce.Text, ReasonServerShutdown)
	}

	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop never returned")
	}

	// Idempotent, and the listener is gone.
	if err := env.srv.Stop(); err != nil {
		t.Errorf("Second Stop failed: %v", err)
	}
	if _, _, err := env.dialRaw(nil); err == nil {
		t.Error("Dial should fail after Stop")
	}
}

func TestServerCredentialEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start()

	resp, err := http.Get(env.baseURL() + "/credential")
	if err != nil {
		t.Fatalf("GET /credential failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var info CredentialInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("Decode credential info failed: %v", err)
	}
	if _, err := base64.StdEncoding.DecodeString(info.Salt); err != nil || info.Salt == "" {
		t.Errorf("Salt %q is not valid base64", info.Salt)
	}
	if len(info.Fingerprint) != 2*secrets.FingerprintSize {
		t.Errorf("Fingerprint %q has wrong length", info.Fingerprint)
	}
	if info.KDF.Name != "scrypt" || info.KDF.N != secrets.ScryptN ||
		info.KDF.R != secrets.ScryptR || info.KDF.P != secrets.ScryptP ||
		info.KDF.KeyLen != secrets.KeySize {
		t.Errorf("KDF parameters %+v do not match the published scheme", info.KDF)
	}
}

func TestServerHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start()

	var health struct {
		Status          string `json:"status"`
		Connections     int    `json:"connections"`
		EventsPublished uint64 `json:"events_published"`
		EventsDropped   uint64 `json:"events_dropped"`
	}
	fetch := func() {
		t.Helper()
		resp, err := http.Get(env.baseURL() + "/health")
		if err != nil {
			t.Fatalf("GET /health failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Expected 200, got %d", resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
			t.Fatalf("Decode health failed: %v", err)
		}
	}

	fetch()
	if health.Status != "ok" || health.Connections != 0 || health.EventsPublished != 0 {
		t.Errorf("Unexpected initial health: %+v", health)
	}

	sock := env.dialAuthed()
	waitFor(t, time.Second, func() bool { return env.srv.ConnCount() == 1 },
		"Connection never registered")
	env.br.Publish(protocol.NewTranslationEvent("hi", 0))
	readEnvelope(t, sock)

	fetch()
	if health.Connections != 1 {
		t.Errorf("Expected 1 connection, got %d", health.Connections)
	}
	if health.EventsPublished != 1 {
		t.Errorf("Expected 1 published event, got %d", health.EventsPublished)
	}
}

func TestServerHostUnavailableAfterBridgeClose(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start()

	sock := env.dialAuthed()
	env.br.Close()

	sendCommand(t, sock, &protocol.ClientCommand{
		Kind:          protocol.CommandToggleOutput,
		CorrelationID: "c3",
		ToggleOutput:  &protocol.ToggleOutputPayload{},
	})

	reply := readEnvelope(t, sock)
	if reply.Kind != protocol.KindError || reply.CorrelationID != "c3" {
		t.Fatalf("Expected error for c3, got %s (%s)", reply.Kind, reply.CorrelationID)
	}
	if reply.Error == nil || reply.Error.Code != protocol.ErrorCodeHostUnavailable {
		t.Errorf("Expected %s, got %+v", protocol.ErrorCodeHostUnavailable, reply.Error)
	}

	assertStillAlive(t, sock)
}

func TestServerConnectionLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.MaxConnections = 1
	})
	env.start()

	env.dialAuthed()
	waitFor(t, time.Second, func() bool { return env.srv.ConnCount() == 1 },
		"Connection never registered")

	_, resp, err := env.dialRaw(nil)
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("Expected bad handshake, got %v", err)
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("Expected HTTP 503, got %+v", resp)
	}
}

func TestServerOriginPolicy(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.AllowedOrigins = []string{"http://app.example"}
	})
	env.start()

	sock, _, err := env.dialRaw(http.Header{"Origin": {"http://app.example"}})
	if err != nil {
		t.Fatalf("Allowed origin was refused: %v", err)
	}
	t.Cleanup(func() { _ = sock.Close() })
	env.authenticate(sock)

	_, resp, err := env.dialRaw(http.Header{"Origin": {"http://evil.example"}})
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("Expected bad handshake for bad origin, got %v", err)
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("Expected HTTP 403, got %+v", resp)
	}
}

func TestServerStartTwiceFails(t *testing.T) {
	env := newTestEnv(t, nil)
	env.start()

	if err := env.srv.Start(); err == nil {
		t.Fatal("Second Start should fail")
	}
}
