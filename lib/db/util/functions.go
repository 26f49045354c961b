package util

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

// --------------------------------------------------------------------------
// General Utility Functions
// --------------------------------------------------------------------------

// GenerateSeed creates a random seed for internal hash distribution
func GenerateSeed() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// fall back to the current time, only if the system rng is broken
		return uint64(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint64(b[:])
}

// --------------------------------------------------------------------------
// Hash Functions
// --------------------------------------------------------------------------

// UintKey is an efficient key type based on uint64 for internal hash representation
type UintKey uint64

// HashParts hashes several strings as one key. A separator byte is mixed in between
// the parts so that ("ab", "c") and ("a", "bc") produce different keys.
func HashParts(seed uint64, parts ...string) UintKey {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)

	hash := uint64(offset64) ^ seed
	for i, p := range parts {
		if i > 0 {
			hash ^= 0x1f
			hash *= prime64
		}
		for j := 0; j < len(p); j++ {
			hash ^= uint64(p[j])
			hash *= prime64
		}
	}
	return UintKey(hash)
}
