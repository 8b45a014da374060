package pprof

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDebugListenerServesIndex(t *testing.T) {
	h := NewHandler(Config{Addr: "127.0.0.1:0"})
	if err := h.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer h.Stop()

	addr := h.Addr()
	if addr == "" {
		t.Fatal("Addr should report the bound listener address")
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/debug/pprof/", addr))
	if err != nil {
		t.Fatalf("GET /debug/pprof/ failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /debug/pprof/ status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestCPUProfileWritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles", "cpu.out")
	h := NewHandler(Config{CPUProfile: path})
	if err := h.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Burn a little CPU so the profile has samples to record.
	sum := 0
	for i := 0; i < 1_000_000; i++ {
		sum += i
	}
	_ = sum

	if err := h.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("CPU profile was not written: %v", err)
	}
	if info.Size() == 0 {
		t.Error("CPU profile is empty")
	}
}

func TestStopIdempotent(t *testing.T) {
	h := NewHandler(Config{Addr: "127.0.0.1:0"})
	if err := h.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := h.Stop(); err != nil {
		t.Fatalf("first Stop failed: %v", err)
	}
	if err := h.Stop(); err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}
}

func TestZeroConfigIsNoop(t *testing.T) {
	h := NewHandler(Config{})
	if err := h.Start(); err != nil {
		t.Fatalf("Start with zero config failed: %v", err)
	}
	if got := h.Addr(); got != "" {
		t.Errorf("Addr = %q, want empty for disabled listener", got)
	}
	if err := h.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}
