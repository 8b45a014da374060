// Package pidfile guards against two bridge instances fighting over the
// same port and credential file.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// File is a PID file that acts as a single-instance lock. Acquire refuses
// to proceed while another live process owns the file; a PID left behind
// by a crashed instance is taken over silently.
type File struct {
	path string
}

// New creates a PID file handle for the given path. Nothing is written
// until Acquire is called.
func New(path string) *File {
	return &File{path: path}
}

// Acquire writes the current PID to the file. It fails when the file
// already names a process that is still running.
func (f *File) Acquire() error {
	if pid, err := readPID(f.path); err == nil && alive(pid) {
		return fmt.Errorf("pidfile %s held by running process %d", f.path, pid)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create pidfile directory: %w", err)
	}

	content := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(f.path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write pidfile: %w", err)
	}
	return nil
}

// Release removes the PID file. Releasing a file that was never acquired
// or is already gone is not an error.
func (f *File) Release() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove pidfile: %w", err)
	}
	return nil
}

// Path returns the PID file path.
func (f *File) Path() string {
	return f.path
}

// Owner reports the PID recorded in the file and whether that process is
// still alive.
func (f *File) Owner() (pid int, running bool, err error) {
	pid, err = readPID(f.path)
	if err != nil {
		return 0, false, err
	}
	return pid, alive(pid), nil
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read pidfile: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in pidfile: %w", err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("invalid PID %d in pidfile", pid)
	}
	return pid, nil
}

// alive probes the process with signal 0, which performs the permission
// and existence checks without delivering anything.
func alive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to someone else.
	return err == syscall.EPERM
}
