package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/codefionn/stenobridge/internal/logger"
	"github.com/codefionn/stenobridge/internal/lookup"
	"github.com/codefionn/stenobridge/internal/protocol"
)

// Option defaults recognized by the simulated engine. The map doubles as the
// known-option registry for validation.
var defaultOptions = map[string]any{
	"space_placement":   "Before Output",
	"start_attached":    false,
	"start_capitalized": false,
	"undo_levels":       float64(100),
	"machine_type":      "Simulated",
}

// outputOption is handled specially: it drives output state instead of the
// generic option table and surfaces as an OutputToggled event.
const outputOption = "output_enabled"

// demoStep is one beat of the built-in demo feed.
type demoStep struct {
	keys   []string
	rtfcre string
	text   string
}

// demoScript loops forever in demo mode, writing "hello world." over and
// over the way a real machine session would look on the wire.
var demoScript = []demoStep{
	{keys: []string{"H-", "E", "-L"}, rtfcre: "HEL"},
	{keys: []string{"H-", "R-", "O"}, rtfcre: "HRO", text: "hello "},
	{keys: []string{"W-", "O", "-R", "-L", "-D"}, rtfcre: "WORLD", text: "world"},
	{keys: []string{"T-", "P-", "-P", "-L"}, rtfcre: "TP-PL", text: ". "},
}

// Sim is a self-contained engine for development, demos and tests. It keeps
// the real engine's observable behavior: option state, output toggling, text
// output surfacing as translations, and dictionary lookups.
type Sim struct {
	mu        sync.Mutex
	running   bool
	output    bool
	options   map[string]any
	sink      func(*protocol.EngineEvent)
	suggester *lookup.Suggester

	demoInterval time.Duration
	demoStop     chan struct{}
	demoDone     chan struct{}
}

// SimConfig tunes the simulated engine.
type SimConfig struct {
	// Dictionary backs Lookup commands. May be nil.
	Dictionary lookup.Dictionary
	// DemoInterval, when positive, emits a scripted stroke/translation
	// feed at that cadence.
	DemoInterval time.Duration
	// OutputEnabled is the initial output state.
	OutputEnabled bool
}

// NewSim creates a simulated engine.
func NewSim(cfg SimConfig) *Sim {
	options := make(map[string]any, len(defaultOptions))
	for name, value := range defaultOptions {
		options[name] = value
	}
	s := &Sim{
		output:       cfg.OutputEnabled,
		options:      options,
		demoInterval: cfg.DemoInterval,
	}
	if cfg.Dictionary != nil {
		s.suggester = lookup.NewSuggester(cfg.Dictionary)
	}
	return s
}

// OnEvent implements Engine.
func (s *Sim) OnEvent(sink func(*protocol.EngineEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

// Start implements Engine. It announces the simulated machine and, in demo
// mode, starts the scripted feed.
func (s *Sim) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	interval := s.demoInterval
	if interval > 0 {
		s.demoStop = make(chan struct{})
		s.demoDone = make(chan struct{})
	}
	s.mu.Unlock()

	s.emit(protocol.NewMachineStateEvent("Simulated", "connected"))
	if interval > 0 {
		go s.demoLoop(interval)
		logger.Info("Simulated engine started in demo mode (interval %v)", interval)
	} else {
		logger.Info("Simulated engine started")
	}
	return nil
}

// Stop implements Engine.
func (s *Sim) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	stop, done := s.demoStop, s.demoDone
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	s.emit(protocol.NewMachineStateEvent("Simulated", "disconnected"))
	logger.Info("Simulated engine stopped")
	return nil
}

// KnownOption implements Engine.
func (s *Sim) KnownOption(name string) bool {
	if name == outputOption {
		return true
	}
	_, ok := defaultOptions[name]
	return ok
}

// ApplyCommand implements Engine.
func (s *Sim) ApplyCommand(cmd *protocol.ClientCommand) (any, error) {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil, ErrNotRunning
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	switch cmd.Kind {
	case protocol.CommandSetConfigOption:
		return s.setOption(cmd.SetConfigOption.Option, cmd.SetConfigOption.Value)
	case protocol.CommandToggleOutput:
		return s.toggleOutput(cmd.ToggleOutput.Enabled)
	case protocol.CommandSendText:
		return s.sendText(cmd.SendText.Text)
	case protocol.CommandLookup:
		return s.lookupText(cmd.Lookup.Text)
	default:
		return nil, fmt.Errorf("%w: %q", protocol.ErrUnsupportedCommand, cmd.Kind)
	}
}

// setOption updates one engine option. The output option routes to output
// state; everything else lands in the option table and surfaces as a
// ConfigChanged event.
func (s *Sim) setOption(name string, value any) (any, error) {
	if name == outputOption {
		enabled, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: %s wants a boolean", ErrUnknownOption, name)
		}
		return s.toggleOutput(&enabled)
	}
	if !s.KnownOption(name) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOption, name)
	}

	s.mu.Lock()
	s.options[name] = value
	s.mu.Unlock()

	s.emit(protocol.NewConfigChangedEvent(name, value))
	return nil, nil
}

// toggleOutput switches translation output. A nil target flips the current
// state.
func (s *Sim) toggleOutput(target *bool) (any, error) {
	s.mu.Lock()
	if target != nil {
		s.output = *target
	} else {
		s.output = !s.output
	}
	enabled := s.output
	s.mu.Unlock()

	s.emit(protocol.NewOutputToggledEvent(enabled))
	return map[string]bool{"enabled": enabled}, nil
}

// sendText types literal text through the engine; observers see it as a
// translation.
func (s *Sim) sendText(text string) (any, error) {
	s.mu.Lock()
	enabled := s.output
	s.mu.Unlock()
	if !enabled {
		return nil, fmt.Errorf("output is disabled")
	}
	s.emit(protocol.NewTranslationEvent(text, 0))
	return nil, nil
}

// lookupText resolves stroke sequences for the text.
func (s *Sim) lookupText(text string) (any, error) {
	s.mu.Lock()
	suggester := s.suggester
	s.mu.Unlock()
	if suggester == nil {
		return []lookup.Sequence{}, nil
	}
	return suggester.Suggest(text), nil
}

// Option returns the current value of an option, for tests and diagnostics.
func (s *Sim) Option(name string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name == outputOption {
		return s.output, true
	}
	value, ok := s.options[name]
	return value, ok
}

// OutputEnabled returns the current output state.
func (s *Sim) OutputEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output
}

func (s *Sim) emit(ev *protocol.EngineEvent) {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink != nil {
		sink(ev)
	}
}

// demoLoop emits the scripted feed until stopped. Translations are
// suppressed while output is disabled, mirroring a real engine.
func (s *Sim) demoLoop(interval time.Duration) {
	defer close(s.demoDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	step := 0
	for {
		select {
		case <-s.demoStop:
			return
		case <-ticker.C:
			beat := demoScript[step%len(demoScript)]
			step++

			s.emit(protocol.NewStrokeEvent(beat.keys, beat.rtfcre))
			if beat.text == "" {
				continue
			}
			s.mu.Lock()
			enabled := s.output
			s.mu.Unlock()
			if enabled {
				s.emit(protocol.NewTranslationEvent(beat.text, 0))
			}
		}
	}
}
