package wsclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/codefionn/stenobridge/internal/lookup"
	"github.com/codefionn/stenobridge/internal/protocol"
)

// Subscribe narrows the event stream to the given kinds. An empty list
// resets the connection to receiving every event kind.
func (c *Client) Subscribe(ctx context.Context, kinds []protocol.EventKind) error {
	correlationID := uuid.New().String()
	frame, err := protocol.NewSubscribe(correlationID, kinds).Encode()
	if err != nil {
		return err
	}

	ctx, cancel := c.opContext(ctx)
	defer cancel()

	resp, err := c.request(ctx, correlationID, frame)
	if err != nil {
		return err
	}
	_, err = parseAck(resp)
	return err
}

// SetConfigOption changes a single engine option.
func (c *Client) SetConfigOption(ctx context.Context, option string, value any) error {
	resp, err := c.command(ctx, func(correlationID string) *protocol.ClientCommand {
		return &protocol.ClientCommand{
			Kind:          protocol.CommandSetConfigOption,
			CorrelationID: correlationID,
			SetConfigOption: &protocol.SetConfigOptionPayload{
				Option: option,
				Value:  value,
			},
		}
	})
	if err != nil {
		return err
	}
	_, err = parseAck(resp)
	return err
}

// ToggleOutput switches translation output and reports the resulting state.
// A nil enabled flips the current state.
func (c *Client) ToggleOutput(ctx context.Context, enabled *bool) (bool, error) {
	resp, err := c.command(ctx, func(correlationID string) *protocol.ClientCommand {
		return &protocol.ClientCommand{
			Kind:          protocol.CommandToggleOutput,
			CorrelationID: correlationID,
			ToggleOutput:  &protocol.ToggleOutputPayload{Enabled: enabled},
		}
	})
	if err != nil {
		return false, err
	}
	ack, err := parseAck(resp)
	if err != nil {
		return false, err
	}

	var result struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.Unmarshal(ack.Result, &result); err != nil {
		return false, fmt.Errorf("parse toggle result: %w", err)
	}
	return result.Enabled, nil
}

// SendText types literal text through the engine output.
func (c *Client) SendText(ctx context.Context, text string) error {
	resp, err := c.command(ctx, func(correlationID string) *protocol.ClientCommand {
		return &protocol.ClientCommand{
			Kind:          protocol.CommandSendText,
			CorrelationID: correlationID,
			SendText:      &protocol.SendTextPayload{Text: text},
		}
	})
	if err != nil {
		return err
	}
	_, err = parseAck(resp)
	return err
}

// Lookup asks the engine's dictionaries for outlines producing the given
// text.
func (c *Client) Lookup(ctx context.Context, text string) ([]lookup.Sequence, error) {
	resp, err := c.command(ctx, func(correlationID string) *protocol.ClientCommand {
		return &protocol.ClientCommand{
			Kind:          protocol.CommandLookup,
			CorrelationID: correlationID,
			Lookup:        &protocol.LookupPayload{Text: text},
		}
	})
	if err != nil {
		return nil, err
	}
	ack, err := parseAck(resp)
	if err != nil {
		return nil, err
	}

	if len(ack.Result) == 0 {
		return nil, nil
	}
	var sequences []lookup.Sequence
	if err := json.Unmarshal(ack.Result, &sequences); err != nil {
		return nil, fmt.Errorf("parse lookup result: %w", err)
	}
	return sequences, nil
}

// Ping round-trips an envelope-level ping.
func (c *Client) Ping(ctx context.Context) error {
	correlationID := uuid.New().String()
	frame, err := (&protocol.Envelope{
		Kind:          protocol.KindPing,
		CorrelationID: correlationID,
	}).Encode()
	if err != nil {
		return err
	}

	ctx, cancel := c.opContext(ctx)
	defer cancel()

	resp, err := c.request(ctx, correlationID, frame)
	if err != nil {
		return err
	}
	if resp.Kind != protocol.KindPong {
		return fmt.Errorf("expected %s, got %s", protocol.KindPong, resp.Kind)
	}
	return nil
}

// command encodes and round-trips one client command.
func (c *Client) command(ctx context.Context, build func(correlationID string) *protocol.ClientCommand) (*protocol.Envelope, error) {
	correlationID := uuid.New().String()
	frame, err := protocol.EncodeCommand(build(correlationID))
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.opContext(ctx)
	defer cancel()

	return c.request(ctx, correlationID, frame)
}

// parseAck unwraps an Ack envelope, failing on anything else.
func parseAck(env *protocol.Envelope) (*protocol.AckPayload, error) {
	if env.Kind != protocol.KindAck {
		return nil, fmt.Errorf("expected %s, got %s", protocol.KindAck, env.Kind)
	}
	var ack protocol.AckPayload
	if err := env.ParsePayload(&ack); err != nil {
		return nil, fmt.Errorf("parse ack: %w", err)
	}
	if ack.Outcome != protocol.OutcomeOK {
		return nil, fmt.Errorf("command finished with outcome %q", ack.Outcome)
	}
	return &ack, nil
}
