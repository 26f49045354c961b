// Package seal holds the cryptographic primitives of the keychain:
// passkey based master key derivation (argon2id), purpose bound sub-keys
// (HKDF-SHA256) and AES-256-GCM authenticated encryption.
//
// Sealed values have the layout nonce(12) || ciphertext || tag(16).
package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hkdf"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	// KeySize is the size of all symmetric keys (AES-256)
	KeySize   = 32
	nonceSize = 12
)

var (
	// ErrDecrypt is returned (wrapped) whenever a sealed value can not be opened,
	// e.g. because it was sealed under a different key or was tampered with.
	ErrDecrypt = errors.New("seal: decryption failed")

	// ErrEmptyPasskey is returned when a master key should be derived from an empty passkey
	ErrEmptyPasskey = errors.New("seal: passkey is empty")
)

// KDFParams are the argon2id cost parameters used for the master key
type KDFParams struct {
	Time      uint32 // number of passes
	MemoryKiB uint32 // memory in KiB
	Threads   uint8  // parallelism
}

// DefaultKDFParams returns the argon2id parameters recommended by RFC 9106 (second choice)
func DefaultKDFParams() KDFParams {
	return KDFParams{
		Time:      3,
		MemoryKiB: 64 * 1024,
		Threads:   4,
	}
}

// DeriveMasterKey derives the master key of a connection from its passkey.
// The same passkey, salt and params always produce the same key.
func DeriveMasterKey(passkey, salt []byte, params KDFParams) ([]byte, error) {
	if len(passkey) == 0 {
		return nil, ErrEmptyPasskey
	}
	if params.Time == 0 || params.MemoryKiB == 0 || params.Threads == 0 {
		return nil, fmt.Errorf("seal: invalid kdf params %+v", params)
	}
	return argon2.IDKey(passkey, salt, params.Time, params.MemoryKiB, params.Threads, KeySize), nil
}

// DeriveSubKey derives a purpose bound key from the master key
func DeriveSubKey(master []byte, info string) ([]byte, error) {
	key, err := hkdf.Key(sha256.New, master, nil, info, KeySize)
	if err != nil {
		return nil, fmt.Errorf("seal: HKDF derivation failed: %w", err)
	}
	return key, nil
}

// GenerateKey returns a new random symmetric key
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("seal: generating key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext under key. aad is authenticated but not encrypted and
// must be passed unchanged to Open.
func Seal(key, plaintext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize, nonceSize+len(plaintext)+gcm.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("seal: generating nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

// Open decrypts a value produced by Seal. Any failure wraps ErrDecrypt.
func Open(key, sealed, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < nonceSize+gcm.Overhead() {
		return nil, fmt.Errorf("%w: sealed value too short (%d bytes)", ErrDecrypt, len(sealed))
	}

	plain, err := gcm.Open(nil, sealed[:nonceSize], sealed[nonceSize:], aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plain, nil
}

// SealString is Seal with a base64 (std) encoded result
func SealString(key, plaintext, aad []byte) (string, error) {
	sealed, err := Seal(key, plaintext, aad)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// OpenString is Open for a base64 (std) encoded sealed value
func OpenString(key []byte, sealed string, aad []byte) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", ErrDecrypt, err)
	}
	return Open(key, raw, aad)
}

// Wipe overwrites b with zeros
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("seal: AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("seal: GCM: %w", err)
	}
	return gcm, nil
}
