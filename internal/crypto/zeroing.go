// Package crypto provides the AES streaming transforms used by the 3DS
// container/archive pipeline.
// This file contains memory zeroing utilities for secure cleanup of key material.

package crypto

import (
	"crypto/subtle"
	"hash"
)

// SecureZero overwrites b with zeros, using subtle.ConstantTimeCopy so the
// compiler can't optimize the write away.
func SecureZero(b []byte) {
	if len(b) == 0 {
		return
	}
	// Use constant-time copy from a zero slice to prevent optimization removal
	zeros := make([]byte, len(b))
	subtle.ConstantTimeCopy(1, b, zeros)
}

// SecureZeroMultiple zeros multiple byte slices in a single call.
// Useful for cleaning up multiple related keys or buffers.
func SecureZeroMultiple(slices ...[]byte) {
	for _, s := range slices {
		SecureZero(s)
	}
}

// SecureZeroHash resets a hash.Hash state to prevent partial hash data
// from remaining in memory. Note: not all Hash implementations may fully
// clear their internal state on Reset().
func SecureZeroHash(h hash.Hash) {
	if h != nil {
		h.Reset()
	}
}

// KeyMaterial wraps sensitive key data with automatic zeroing on Close().
// Use this for temporary key storage that must be cleaned up, e.g. an
// auxiliary-file buffer holding a key slot's Y half before it's consumed.
type KeyMaterial struct {
	data   []byte
	closed bool
}

// NewKeyMaterial creates a new KeyMaterial wrapper.
// The data is copied to prevent modification of the original slice.
func NewKeyMaterial(data []byte) *KeyMaterial {
	if data == nil {
		return &KeyMaterial{}
	}
	// Make a copy to own the data
	copied := make([]byte, len(data))
	copy(copied, data)
	return &KeyMaterial{data: copied}
}

// Bytes returns the underlying key data.
// Returns nil if the KeyMaterial has been closed.
func (km *KeyMaterial) Bytes() []byte {
	if km.closed {
		return nil
	}
	return km.data
}

// Len returns the length of the key data.
func (km *KeyMaterial) Len() int {
	if km.closed || km.data == nil {
		return 0
	}
	return len(km.data)
}

// Close securely zeros the key data and marks it as closed.
// This method is idempotent - multiple calls are safe.
func (km *KeyMaterial) Close() {
	if km.closed || km.data == nil {
		return
	}
	SecureZero(km.data)
	km.data = nil
	km.closed = true
}

// IsClosed returns whether the KeyMaterial has been closed.
func (km *KeyMaterial) IsClosed() bool {
	return km.closed
}

