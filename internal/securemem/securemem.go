// Package securemem provides memory-protected storage for sensitive data
// using memguard to prevent data from being read via debugger, memory dump, or swap.
package securemem

import (
	"github.com/awnumar/memguard"
)

// String stores a secret in encrypted, locked memory. The credential store
// keeps the derived proof key in one of these for the server's lifetime.
type String struct {
	buf     *memguard.LockedBuffer
	invalid bool
}

// NewString creates a secure string from the given plaintext.
// The plaintext is immediately stored in encrypted memory.
func NewString(plaintext string) *String {
	return &String{
		buf: memguard.NewBufferFromBytes([]byte(plaintext)),
	}
}

// NewStringFromBytes creates a secure string from the given bytes.
// NOTE: memguard wipes the input slice.
func NewStringFromBytes(data []byte) *String {
	return &String{
		buf: memguard.NewBufferFromBytes(data),
	}
}

// String returns the plaintext value.
// WARNING: The returned string is a copy in regular memory. Callers should
// ensure the copy is dropped as soon as possible.
func (s *String) String() string {
	if s == nil || s.invalid || s.buf == nil {
		return ""
	}
	return string(s.buf.Bytes())
}

// IsEmpty returns true if the string is empty or has been destroyed.
func (s *String) IsEmpty() bool {
	if s == nil || s.invalid || s.buf == nil {
		return true
	}
	return len(s.buf.Bytes()) == 0
}

// Len returns the length of the stored secret.
func (s *String) Len() int {
	if s == nil || s.invalid || s.buf == nil {
		return 0
	}
	return len(s.buf.Bytes())
}

// Destroy securely wipes the string from memory.
// After calling this, the string should not be used.
func (s *String) Destroy() {
	if s == nil || s.invalid {
		return
	}
	if s.buf != nil {
		s.buf.Destroy()
		s.buf = nil
	}
	s.invalid = true
}

// WithBytes runs fn with a transient plaintext copy that is wiped when fn
// returns. fn must not retain references to the slice.
func (s *String) WithBytes(fn func([]byte)) {
	if s == nil || s.invalid || s.buf == nil {
		return
	}
	b := s.buf.Bytes()
	copyBytes := make([]byte, len(b))
	copy(copyBytes, b)
	defer memguard.WipeBytes(copyBytes)
	fn(copyBytes)
}
