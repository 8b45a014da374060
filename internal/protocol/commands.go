package protocol

import (
	"errors"
	"fmt"
)

// ErrInvalidCommand reports a known command whose payload fails validation.
// Recoverable per message.
var ErrInvalidCommand = errors.New("invalid command")

// ClientCommand is a decoded client command. Exactly one payload pointer is
// non-nil, matching Kind. ConnID names the submitting connection and is set
// by the server, never by the client.
type ClientCommand struct {
	Kind          CommandKind
	CorrelationID string
	ConnID        string

	SetConfigOption *SetConfigOptionPayload
	ToggleOutput    *ToggleOutputPayload
	SendText        *SendTextPayload
	Lookup          *LookupPayload
}

// SetConfigOptionPayload changes a single engine option.
type SetConfigOptionPayload struct {
	Option string `json:"option"`
	Value  any    `json:"value"`
}

// ToggleOutputPayload switches translation output. A nil Enabled flips the
// current state.
type ToggleOutputPayload struct {
	Enabled *bool `json:"enabled,omitempty"`
}

// SendTextPayload types literal text through the engine output.
type SendTextPayload struct {
	Text string `json:"text"`
}

// LookupPayload asks the dictionary for outlines producing the given text.
type LookupPayload struct {
	Text string `json:"text"`
}

// ParseCommand decodes a command envelope. Unrecognized kinds report
// ErrUnsupportedCommand; recognized kinds with unusable payloads report
// ErrInvalidCommand. Both are recoverable for the connection.
func ParseCommand(env *Envelope) (*ClientCommand, error) {
	cmd := &ClientCommand{
		Kind:          CommandKind(env.Kind),
		CorrelationID: env.CorrelationID,
	}
	switch cmd.Kind {
	case CommandSetConfigOption:
		cmd.SetConfigOption = &SetConfigOptionPayload{}
		if err := env.ParsePayload(cmd.SetConfigOption); err != nil {
			return nil, err
		}
	case CommandToggleOutput:
		cmd.ToggleOutput = &ToggleOutputPayload{}
		if err := env.ParsePayload(cmd.ToggleOutput); err != nil {
			return nil, err
		}
	case CommandSendText:
		cmd.SendText = &SendTextPayload{}
		if err := env.ParsePayload(cmd.SendText); err != nil {
			return nil, err
		}
	case CommandLookup:
		cmd.Lookup = &LookupPayload{}
		if err := env.ParsePayload(cmd.Lookup); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCommand, env.Kind)
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// EncodeCommand serializes a client command as envelope bytes.
func EncodeCommand(cmd *ClientCommand) ([]byte, error) {
	payload, err := cmd.payload()
	if err != nil {
		return nil, err
	}
	env, err := newEnvelope(string(cmd.Kind), payload)
	if err != nil {
		return nil, err
	}
	env.CorrelationID = cmd.CorrelationID
	return env.Encode()
}

// Validate checks the payload shape before the command is relayed to the
// host. It never consults engine state.
func (cmd *ClientCommand) Validate() error {
	switch cmd.Kind {
	case CommandSetConfigOption:
		if cmd.SetConfigOption == nil || cmd.SetConfigOption.Option == "" {
			return fmt.Errorf("%w: SetConfigOption requires an option name", ErrInvalidCommand)
		}
	case CommandToggleOutput:
		if cmd.ToggleOutput == nil {
			return fmt.Errorf("%w: ToggleOutput payload missing", ErrInvalidCommand)
		}
	case CommandSendText:
		if cmd.SendText == nil || cmd.SendText.Text == "" {
			return fmt.Errorf("%w: SendText requires text", ErrInvalidCommand)
		}
	case CommandLookup:
		if cmd.Lookup == nil || cmd.Lookup.Text == "" {
			return fmt.Errorf("%w: Lookup requires text", ErrInvalidCommand)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedCommand, cmd.Kind)
	}
	return nil
}

func (cmd *ClientCommand) payload() (any, error) {
	switch cmd.Kind {
	case CommandSetConfigOption:
		if cmd.SetConfigOption != nil {
			return cmd.SetConfigOption, nil
		}
	case CommandToggleOutput:
		if cmd.ToggleOutput != nil {
			return cmd.ToggleOutput, nil
		}
	case CommandSendText:
		if cmd.SendText != nil {
			return cmd.SendText, nil
		}
	case CommandLookup:
		if cmd.Lookup != nil {
			return cmd.Lookup, nil
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCommand, cmd.Kind)
	}
	return nil, fmt.Errorf("command %s has no payload", cmd.Kind)
}
