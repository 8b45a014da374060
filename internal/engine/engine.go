// Package engine defines the host-side contract of the stenography engine
// and the runtime that gives it a single-threaded home. The engine is never
// touched from connection goroutines; every command crosses the bridge and is
// applied by the runtime goroutine.
package engine

import (
	"errors"

	"github.com/codefionn/stenobridge/internal/protocol"
)

var (
	// ErrUnknownOption is returned for config options the engine does not
	// recognize. Recoverable per command.
	ErrUnknownOption = errors.New("unknown engine option")
	// ErrNotRunning is returned for commands applied outside the engine's
	// running state.
	ErrNotRunning = errors.New("engine is not running")
)

// Engine is the stateful stenography core. Implementations are driven from
// exactly one goroutine: the runtime applies commands sequentially, and all
// state transitions surface as events through the registered sink.
type Engine interface {
	// Start brings the engine up. Events may flow once Start returns.
	Start() error
	// Stop shuts the engine down and stops event emission.
	Stop() error
	// ApplyCommand executes one relayed client command and returns its
	// result payload, if any.
	ApplyCommand(cmd *protocol.ClientCommand) (any, error)
	// KnownOption reports whether the engine recognizes a config option.
	KnownOption(name string) bool
	// OnEvent registers the sink receiving every engine event. Must be
	// called before Start.
	OnEvent(sink func(*protocol.EngineEvent))
}
