// Package securemem provides memory-protected storage for sensitive data
// using memguard to prevent data from being read via debugger, memory dump, or swap.
package securemem

import (
	"github.com/awnumar/memguard"
)

// Cleanup securely destroys all secure memory. The daemon calls this on its
// shutdown path after the server has drained. memguard's own interrupt
// catcher is deliberately not installed: it would exit the process on SIGINT
// before connections get their close frames.
func Cleanup() {
	memguard.Purge()
}

// SecureWipe wipes a byte slice from memory.
// This is a convenience wrapper around memguard.WipeBytes.
func SecureWipe(data []byte) {
	memguard.WipeBytes(data)
}

// SecureWipeString wipes a string from memory.
// Note: Strings in Go are immutable, so this creates a new empty string
// and allows the old one to be garbage collected.
func SecureWipeString(s *string) {
	if s != nil {
		*s = ""
	}
}
