// Package pprof exposes the Go runtime profiling endpoints on an opt-in
// debug listener, kept off the public websocket port.
package pprof

import (
	"context"
	"fmt"
	"net"
	"net/http"
	netpprof "net/http/pprof"
	"os"
	"path/filepath"
	"runtime/pprof"
	"sync"
	"time"

	"github.com/codefionn/stenobridge/internal/logger"
)

// Config holds the profiling configuration.
type Config struct {
	// Addr is the debug listener address (e.g. "localhost:6060").
	// Empty disables the listener.
	Addr string

	// CPUProfile is a path to write a whole-run CPU profile to.
	// Empty disables CPU profiling.
	CPUProfile string
}

// Handler runs the debug listener and the optional CPU profile for the
// lifetime of the process.
type Handler struct {
	cfg      Config
	server   *http.Server
	listener net.Listener
	cpuFile  *os.File

	mu      sync.Mutex
	stopped bool
}

// NewHandler creates a profiling handler with the given configuration.
func NewHandler(cfg Config) *Handler {
	return &Handler{cfg: cfg}
}

// Start begins CPU profiling and serves the debug endpoints. A zero
// Config makes Start a no-op.
func (h *Handler) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cfg.CPUProfile != "" {
		if err := os.MkdirAll(filepath.Dir(h.cfg.CPUProfile), 0755); err != nil {
			return fmt.Errorf("failed to create directory for CPU profile: %w", err)
		}
		f, err := os.Create(h.cfg.CPUProfile)
		if err != nil {
			return fmt.Errorf("failed to create CPU profile file: %w", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			f.Close()
			return fmt.Errorf("failed to start CPU profiling: %w", err)
		}
		h.cpuFile = f
	}

	if h.cfg.Addr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", netpprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", netpprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", netpprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", netpprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", netpprof.Trace)

		ln, err := net.Listen("tcp", h.cfg.Addr)
		if err != nil {
			h.stopCPULocked()
			return fmt.Errorf("failed to bind debug listener: %w", err)
		}

		h.listener = ln
		h.server = &http.Server{Handler: mux}

		go func() {
			if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
				logger.Error("Debug listener failed: %v", err)
			}
		}()

		logger.Info("Profiling endpoints on http://%s/debug/pprof/", ln.Addr())
	}

	return nil
}

// Addr returns the bound debug listener address, or "" when the listener
// is disabled or not started.
func (h *Handler) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

// Stop flushes the CPU profile and shuts the listener down. Stop is
// idempotent.
func (h *Handler) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return nil
	}
	h.stopped = true

	var errs []error
	if err := h.stopCPULocked(); err != nil {
		errs = append(errs, err)
	}

	if h.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down debug listener: %w", err))
		}
		h.server = nil
		h.listener = nil
	}

	if len(errs) > 0 {
		return fmt.Errorf("profiling shutdown: %v", errs)
	}
	return nil
}

func (h *Handler) stopCPULocked() error {
	if h.cpuFile == nil {
		return nil
	}
	pprof.StopCPUProfile()
	err := h.cpuFile.Close()
	h.cpuFile = nil
	if err != nil {
		return fmt.Errorf("failed to close CPU profile: %w", err)
	}
	return nil
}
