// Package protocol defines the wire representation of engine events, client
// commands and server control messages, together with the codec that moves
// them to and from envelope bytes. The package is pure: no I/O, no logging.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventKind identifies an engine event variant.
type EventKind string

// Engine event kinds (server → client).
const (
	EventStroke        EventKind = "Stroke"
	EventTranslation   EventKind = "Translation"
	EventConfigChanged EventKind = "ConfigChanged"
	EventOutputToggled EventKind = "OutputToggled"
	EventMachineState  EventKind = "MachineState"
)

// CommandKind identifies a client command variant.
type CommandKind string

// Client command kinds (client → server, relayed into the host context).
const (
	CommandSetConfigOption CommandKind = "SetConfigOption"
	CommandToggleOutput    CommandKind = "ToggleOutput"
	CommandSendText        CommandKind = "SendText"
	CommandLookup          CommandKind = "Lookup"
)

// Control message kinds (handled at the server edge, never relayed).
const (
	KindChallenge = "Challenge"
	KindProof     = "Proof"
	KindWelcome   = "Welcome"
	KindAck       = "Ack"
	KindError     = "Error"
	KindSubscribe = "Subscribe"
	KindPing      = "Ping"
	KindPong      = "Pong"
)

// Raw heartbeat frames exchanged outside the envelope codec.
const (
	RawPing = "ping"
	RawPong = "pong"
)

// Ack outcomes.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Wire error codes.
const (
	ErrorCodeDecodeError        = "DECODE_ERROR"
	ErrorCodeMissingCredential  = "AUTH_MISSING_CREDENTIAL"
	ErrorCodeInvalidProof       = "AUTH_INVALID_PROOF"
	ErrorCodeExpiredChallenge   = "AUTH_EXPIRED_CHALLENGE"
	ErrorCodeUnsupportedCommand = "UNSUPPORTED_COMMAND"
	ErrorCodeHostUnavailable    = "HOST_UNAVAILABLE"
	ErrorCodeInvalidRequest     = "INVALID_REQUEST"
	ErrorCodeRateLimited        = "RATE_LIMITED"
	ErrorCodeInternalError      = "INTERNAL_ERROR"
)

var (
	// ErrMalformedEnvelope reports wire input that does not decode to a
	// complete, valid message. Connection-fatal.
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrUnsupportedCommand reports a syntactically valid envelope whose kind
	// is not a known command. Recoverable per message.
	ErrUnsupportedCommand = errors.New("unsupported command kind")

	// ErrUnknownEvent reports an event envelope with an unrecognized kind.
	// Clients skip these to tolerate version skew.
	ErrUnknownEvent = errors.New("unknown event kind")
)

// Envelope is the serialized form of every message on the wire. Payload stays
// raw until the kind-specific parse; unknown JSON fields are ignored so newer
// peers can extend messages without breaking older ones.
type Envelope struct {
	Kind          string          `json:"kind"`
	Seq           uint64          `json:"seq,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     string          `json:"timestamp,omitempty"`
	Error         *ErrorInfo      `json:"error,omitempty"`
}

// ErrorInfo carries a wire-level error.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// ChallengePayload is sent by the server to open the handshake.
type ChallengePayload struct {
	Nonce string `json:"nonce"`
}

// ProofPayload answers a challenge with the client's derived proof.
type ProofPayload struct {
	Response string `json:"response"`
}

// WelcomePayload admits an authenticated connection.
type WelcomePayload struct {
	ConnectionID  string `json:"connection_id"`
	ServerVersion string `json:"server_version"`
}

// AckPayload reports the outcome of a correlated command.
type AckPayload struct {
	Outcome string          `json:"outcome"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// SubscribePayload narrows which event kinds a connection receives.
// An empty or absent list means all kinds.
type SubscribePayload struct {
	Events []EventKind `json:"events,omitempty"`
}

// Decode parses envelope bytes. It either yields a complete envelope or
// fails with ErrMalformedEnvelope; there is no partial decode.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Kind == "" {
		return nil, fmt.Errorf("%w: missing kind", ErrMalformedEnvelope)
	}
	return &env, nil
}

// Encode serializes the envelope to wire bytes.
func (env *Envelope) Encode() ([]byte, error) {
	return json.Marshal(env)
}

// ParsePayload unmarshals the envelope payload into v. An absent payload
// leaves v zero-valued; a payload that does not fit v's shape is reported as
// ErrMalformedEnvelope.
func (env *Envelope) ParsePayload(v any) error {
	if len(env.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedEnvelope, env.Kind, err)
	}
	return nil
}

// NewChallenge builds the handshake challenge envelope.
func NewChallenge(nonce string) *Envelope {
	env, _ := newEnvelope(KindChallenge, ChallengePayload{Nonce: nonce})
	return env
}

// NewProof builds the client's handshake answer.
func NewProof(response string) *Envelope {
	env, _ := newEnvelope(KindProof, ProofPayload{Response: response})
	return env
}

// NewWelcome builds the envelope that admits an authenticated connection.
func NewWelcome(connectionID, serverVersion string) *Envelope {
	env, _ := newEnvelope(KindWelcome, WelcomePayload{
		ConnectionID:  connectionID,
		ServerVersion: serverVersion,
	})
	return env
}

// NewAck builds an acknowledgment for a correlated command. A non-nil result
// is embedded verbatim as JSON.
func NewAck(correlationID, outcome string, result any) (*Envelope, error) {
	payload := AckPayload{Outcome: outcome}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("marshal ack result: %w", err)
		}
		payload.Result = raw
	}
	env, err := newEnvelope(KindAck, payload)
	if err != nil {
		return nil, err
	}
	env.CorrelationID = correlationID
	return env, nil
}

// NewErrorEnvelope builds an error reply. The correlation id may be empty for
// errors not tied to a specific command.
func NewErrorEnvelope(correlationID, code, message, details string) *Envelope {
	return &Envelope{
		Kind:          KindError,
		CorrelationID: correlationID,
		Timestamp:     wireTimestamp(time.Now()),
		Error: &ErrorInfo{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// NewSubscribe builds a subscription filter update.
func NewSubscribe(correlationID string, kinds []EventKind) *Envelope {
	env, _ := newEnvelope(KindSubscribe, SubscribePayload{Events: kinds})
	env.CorrelationID = correlationID
	return env
}

// NewPong answers an envelope-level ping.
func NewPong(correlationID string) *Envelope {
	env := &Envelope{
		Kind:          KindPong,
		CorrelationID: correlationID,
		Timestamp:     wireTimestamp(time.Now()),
	}
	return env
}

func newEnvelope(kind string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return &Envelope{
		Kind:      kind,
		Payload:   raw,
		Timestamp: wireTimestamp(time.Now()),
	}, nil
}

func wireTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
