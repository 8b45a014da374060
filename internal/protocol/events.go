package protocol

import (
	"fmt"
	"time"
)

// EngineEvent is a decoded engine event. Exactly one payload pointer is
// non-nil, matching Kind. Seq is assigned when the event enters the bridge.
type EngineEvent struct {
	Kind      EventKind
	Seq       uint64
	Timestamp time.Time

	Stroke        *StrokePayload
	Translation   *TranslationPayload
	ConfigChanged *ConfigChangedPayload
	OutputToggled *OutputToggledPayload
	MachineState  *MachineStatePayload
}

// StrokePayload reports one chord from the steno machine.
type StrokePayload struct {
	Keys   []string `json:"keys"`
	Rtfcre string   `json:"rtfcre"`
}

// TranslationPayload reports text emitted by the translation engine.
// Backspaces counts characters retracted before Text is typed.
type TranslationPayload struct {
	Text       string `json:"text"`
	Backspaces int    `json:"backspaces,omitempty"`
}

// ConfigChangedPayload reports a single changed engine option.
type ConfigChangedPayload struct {
	Option string `json:"option"`
	Value  any    `json:"value"`
}

// OutputToggledPayload reports the new output state.
type OutputToggledPayload struct {
	Enabled bool `json:"enabled"`
}

// MachineStatePayload reports a steno machine connection transition.
type MachineStatePayload struct {
	Machine string `json:"machine"`
	State   string `json:"state"`
}

// NewStrokeEvent builds a stroke event stamped with the current time.
func NewStrokeEvent(keys []string, rtfcre string) *EngineEvent {
	return &EngineEvent{
		Kind:      EventStroke,
		Timestamp: time.Now(),
		Stroke:    &StrokePayload{Keys: keys, Rtfcre: rtfcre},
	}
}

// NewTranslationEvent builds a translation event stamped with the current time.
func NewTranslationEvent(text string, backspaces int) *EngineEvent {
	return &EngineEvent{
		Kind:        EventTranslation,
		Timestamp:   time.Now(),
		Translation: &TranslationPayload{Text: text, Backspaces: backspaces},
	}
}

// NewConfigChangedEvent builds a config change event stamped with the current
// time.
func NewConfigChangedEvent(option string, value any) *EngineEvent {
	return &EngineEvent{
		Kind:          EventConfigChanged,
		Timestamp:     time.Now(),
		ConfigChanged: &ConfigChangedPayload{Option: option, Value: value},
	}
}

// NewOutputToggledEvent builds an output toggle event stamped with the
// current time.
func NewOutputToggledEvent(enabled bool) *EngineEvent {
	return &EngineEvent{
		Kind:          EventOutputToggled,
		Timestamp:     time.Now(),
		OutputToggled: &OutputToggledPayload{Enabled: enabled},
	}
}

// NewMachineStateEvent builds a machine state event stamped with the current
// time.
func NewMachineStateEvent(machine, state string) *EngineEvent {
	return &EngineEvent{
		Kind:         EventMachineState,
		Timestamp:    time.Now(),
		MachineState: &MachineStatePayload{Machine: machine, State: state},
	}
}

// EncodeEvent serializes an engine event as envelope bytes.
func EncodeEvent(ev *EngineEvent) ([]byte, error) {
	payload, err := ev.payload()
	if err != nil {
		return nil, err
	}
	env, err := newEnvelope(string(ev.Kind), payload)
	if err != nil {
		return nil, err
	}
	env.Seq = ev.Seq
	env.Timestamp = wireTimestamp(ev.Timestamp)
	return env.Encode()
}

// ParseEvent decodes an event envelope back into an EngineEvent. Envelopes
// with an unrecognized kind report ErrUnknownEvent so callers can skip them.
func ParseEvent(env *Envelope) (*EngineEvent, error) {
	ev := &EngineEvent{Kind: EventKind(env.Kind), Seq: env.Seq}
	if env.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, env.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("%w: timestamp: %v", ErrMalformedEnvelope, err)
		}
		ev.Timestamp = ts
	}
	switch ev.Kind {
	case EventStroke:
		ev.Stroke = &StrokePayload{}
		if err := env.ParsePayload(ev.Stroke); err != nil {
			return nil, err
		}
	case EventTranslation:
		ev.Translation = &TranslationPayload{}
		if err := env.ParsePayload(ev.Translation); err != nil {
			return nil, err
		}
	case EventConfigChanged:
		ev.ConfigChanged = &ConfigChangedPayload{}
		if err := env.ParsePayload(ev.ConfigChanged); err != nil {
			return nil, err
		}
	case EventOutputToggled:
		ev.OutputToggled = &OutputToggledPayload{}
		if err := env.ParsePayload(ev.OutputToggled); err != nil {
			return nil, err
		}
	case EventMachineState:
		ev.MachineState = &MachineStatePayload{}
		if err := env.ParsePayload(ev.MachineState); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Kind)
	}
	return ev, nil
}

func (ev *EngineEvent) payload() (any, error) {
	switch ev.Kind {
	case EventStroke:
		if ev.Stroke != nil {
			return ev.Stroke, nil
		}
	case EventTranslation:
		if ev.Translation != nil {
			return ev.Translation, nil
		}
	case EventConfigChanged:
		if ev.ConfigChanged != nil {
			return ev.ConfigChanged, nil
		}
	case EventOutputToggled:
		if ev.OutputToggled != nil {
			return ev.OutputToggled, nil
		}
	case EventMachineState:
		if ev.MachineState != nil {
			return ev.MachineState, nil
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Kind)
	}
	return nil, fmt.Errorf("event %s has no payload", ev.Kind)
}
