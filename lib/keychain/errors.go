package keychain

import (
	"errors"
	"fmt"

	"github.com/ValentinKolb/dSync/lib/resource"
	"github.com/ValentinKolb/dSync/lib/seal"
)

var (
	// ErrDecryption matches every error caused by a value that can not be opened
	// with the connections key material. It is the same sentinel the seal package
	// wraps, so resource transforms failing on a stale key match it too.
	ErrDecryption = seal.ErrDecrypt

	// ErrClosed is returned by all operations of a closed store
	ErrClosed = errors.New("keychain: store is closed")

	// ErrNoPersister is returned by Flush if the store was created without a persister
	ErrNoPersister = errors.New("keychain: no persister configured")
)

// DecryptionError is returned when a stored value can not be decrypted
type DecryptionError struct {
	Key  string
	Type resource.ValueType
	Err  error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("keychain: can not decrypt %s value of %q: %v", e.Type, e.Key, e.Err)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

func (e *DecryptionError) Is(target error) bool { return target == ErrDecryption }
