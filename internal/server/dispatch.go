package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/codefionn/stenobridge/internal/bridge"
	"github.com/codefionn/stenobridge/internal/consts"
	"github.com/codefionn/stenobridge/internal/engine"
	"github.com/codefionn/stenobridge/internal/logger"
	"github.com/codefionn/stenobridge/internal/protocol"
)

// Dispatcher turns inbound envelopes into replies. Control kinds (Subscribe,
// Ping) are answered at the edge; commands are relayed through the bridge to
// the host and acknowledged once the host resolves them.
type Dispatcher struct {
	br *bridge.Bridge

	// knownOption validates SetConfigOption targets before the host is
	// touched. Nil skips the check and lets the host decide.
	knownOption func(string) bool
}

// NewDispatcher creates a dispatcher over the given bridge.
func NewDispatcher(br *bridge.Bridge, knownOption func(string) bool) *Dispatcher {
	return &Dispatcher{br: br, knownOption: knownOption}
}

// Handle processes one inbound message. A non-nil return means the message
// violated the protocol and the connection must close; recoverable problems
// are answered with Error envelopes and a nil return.
func (d *Dispatcher) Handle(conn *Conn, data []byte) error {
	env, err := protocol.Decode(data)
	if err != nil {
		conn.sendEnvelope(protocol.NewErrorEnvelope("", protocol.ErrorCodeDecodeError,
			"malformed envelope", err.Error()))
		return err
	}

	switch env.Kind {
	case protocol.KindPing:
		conn.sendEnvelope(protocol.NewPong(env.CorrelationID))
		return nil

	case protocol.KindSubscribe:
		return d.handleSubscribe(conn, env)

	default:
		return d.handleCommand(conn, env)
	}
}

// handleSubscribe updates the connection's event filter.
func (d *Dispatcher) handleSubscribe(conn *Conn, env *protocol.Envelope) error {
	var sub protocol.SubscribePayload
	if err := env.ParsePayload(&sub); err != nil {
		conn.sendEnvelope(protocol.NewErrorEnvelope(env.CorrelationID,
			protocol.ErrorCodeDecodeError, "malformed subscribe payload", err.Error()))
		return err
	}

	conn.setFilter(sub.Events)
	logger.Debug("Connection %s subscribed to %d event kind(s)", conn.ID, len(sub.Events))

	ack, err := protocol.NewAck(env.CorrelationID, protocol.OutcomeOK,
		protocol.SubscribePayload{Events: sub.Events})
	if err != nil {
		logger.Error("Failed to build subscribe ack for %s: %v", conn.ID, err)
		return nil
	}
	conn.sendEnvelope(ack)
	return nil
}

// handleCommand validates and relays a command to the host, then answers the
// originating connection once the outcome arrives.
func (d *Dispatcher) handleCommand(conn *Conn, env *protocol.Envelope) error {
	cmd, err := protocol.ParseCommand(env)
	if err != nil {
		switch {
		case errors.Is(err, protocol.ErrUnsupportedCommand):
			conn.sendEnvelope(protocol.NewErrorEnvelope(env.CorrelationID,
				protocol.ErrorCodeUnsupportedCommand,
				fmt.Sprintf("unsupported command %q", env.Kind), ""))
			return nil
		case errors.Is(err, protocol.ErrInvalidCommand):
			conn.sendEnvelope(protocol.NewErrorEnvelope(env.CorrelationID,
				protocol.ErrorCodeInvalidRequest, "invalid command", err.Error()))
			return nil
		default:
			conn.sendEnvelope(protocol.NewErrorEnvelope(env.CorrelationID,
				protocol.ErrorCodeDecodeError, "malformed command payload", err.Error()))
			return err
		}
	}

	if reason := d.rejectReason(cmd); reason != "" {
		conn.sendEnvelope(protocol.NewErrorEnvelope(cmd.CorrelationID,
			protocol.ErrorCodeInvalidRequest, reason, ""))
		return nil
	}

	cmd.ConnID = conn.ID

	// Submitting inline on the read pump preserves per-connection command
	// order.
	ctx, cancel := context.WithTimeout(context.Background(), consts.SubmitTimeout)
	pending, err := d.br.Submit(ctx, cmd)
	cancel()
	if err != nil {
		conn.sendEnvelope(protocol.NewErrorEnvelope(cmd.CorrelationID,
			protocol.ErrorCodeHostUnavailable, "host is unavailable", err.Error()))
		return nil
	}

	go d.awaitOutcome(conn, cmd.CorrelationID, pending)
	return nil
}

// rejectReason applies the static checks that never need the host.
func (d *Dispatcher) rejectReason(cmd *protocol.ClientCommand) string {
	switch cmd.Kind {
	case protocol.CommandSetConfigOption:
		if d.knownOption != nil && !d.knownOption(cmd.SetConfigOption.Option) {
			return fmt.Sprintf("unknown option %q", cmd.SetConfigOption.Option)
		}
	case protocol.CommandLookup:
		if len(cmd.Lookup.Text) > consts.MaxLookupChars {
			return fmt.Sprintf("lookup text exceeds %d bytes", consts.MaxLookupChars)
		}
	}
	return ""
}

// awaitOutcome waits for the host's answer and replies to the connection. If
// the connection closed in the meantime the reply is discarded.
func (d *Dispatcher) awaitOutcome(conn *Conn, correlationID string, pending *bridge.Pending) {
	ctx, cancel := context.WithTimeout(context.Background(), consts.CommandTimeout)
	defer cancel()

	outcome, err := pending.Wait(ctx)
	if err != nil {
		logger.Warn("Command %s on %s timed out waiting for the host", correlationID, conn.ID)
		conn.sendEnvelope(protocol.NewErrorEnvelope(correlationID,
			protocol.ErrorCodeHostUnavailable, "host did not answer in time", ""))
		return
	}
	if outcome.Err != nil {
		conn.sendEnvelope(protocol.NewErrorEnvelope(correlationID,
			wireCode(outcome.Err), outcome.Err.Error(), ""))
		return
	}

	ack, err := protocol.NewAck(correlationID, protocol.OutcomeOK, outcome.Result)
	if err != nil {
		logger.Error("Failed to encode ack result for %s: %v", conn.ID, err)
		conn.sendEnvelope(protocol.NewErrorEnvelope(correlationID,
			protocol.ErrorCodeInternalError, "failed to encode result", ""))
		return
	}
	conn.sendEnvelope(ack)
}

// wireCode maps host-side errors onto the wire error taxonomy.
func wireCode(err error) string {
	switch {
	case errors.Is(err, bridge.ErrHostUnavailable), errors.Is(err, engine.ErrNotRunning):
		return protocol.ErrorCodeHostUnavailable
	case errors.Is(err, protocol.ErrUnsupportedCommand):
		return protocol.ErrorCodeUnsupportedCommand
	case errors.Is(err, engine.ErrUnknownOption), errors.Is(err, protocol.ErrInvalidCommand):
		return protocol.ErrorCodeInvalidRequest
	default:
		return protocol.ErrorCodeInternalError
	}
}
