package engine

import (
	"sync"

	"github.com/codefionn/stenobridge/internal/bridge"
	"github.com/codefionn/stenobridge/internal/logger"
	"github.com/codefionn/stenobridge/internal/protocol"
)

// Runtime is the host context: the one goroutine with the right to touch the
// engine. It wires engine events into the bridge and drains the bridge's
// command queue, applying commands strictly in arrival order.
type Runtime struct {
	engine Engine
	br     *bridge.Bridge

	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewRuntime pairs an engine with its bridge.
func NewRuntime(eng Engine, br *bridge.Bridge) *Runtime {
	return &Runtime{
		engine: eng,
		br:     br,
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start brings the engine up and begins draining commands.
func (r *Runtime) Start() error {
	r.engine.OnEvent(func(ev *protocol.EngineEvent) {
		r.br.Publish(ev)
	})
	if err := r.engine.Start(); err != nil {
		return err
	}
	go r.loop()
	logger.Info("Engine runtime started")
	return nil
}

// Stop halts command processing, then stops the engine. Commands still
// queued on the bridge are failed by the bridge's own Close. Safe to call
// more than once.
func (r *Runtime) Stop() error {
	var err error
	r.stopOnce.Do(func() {
		close(r.quit)
		<-r.done
		err = r.engine.Stop()
		logger.Info("Engine runtime stopped")
	})
	return err
}

func (r *Runtime) loop() {
	defer close(r.done)
	for {
		select {
		case <-r.quit:
			return
		case call := <-r.br.Calls():
			result, err := r.engine.ApplyCommand(call.Command)
			if err != nil {
				logger.Debug("Command %s failed: %v", call.Command.Kind, err)
			}
			call.Resolve(result, err)
		}
	}
}
