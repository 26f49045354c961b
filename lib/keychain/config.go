package keychain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/dSync/lib/seal"
)

// Config holds the parameters of a keychain store
type Config struct {
	// Passkey the master key is derived from
	Passkey []byte
	// Salt for the key derivation, must be the same for every session of a user
	Salt []byte
	// KDF are the argon2id cost parameters
	KDF seal.KDFParams

	// FlushDelay is the time pending changes are collected before they are persisted
	FlushDelay time.Duration
	// RetryCount is the number of retries of a failed flush
	RetryCount int
	// RetryBackoff is the pause between two attempts
	RetryBackoff time.Duration

	// CacheSize is the max. number of plaintext bytes kept in memory, 0 disables the cache
	CacheSize int64
}

// DefaultConfig returns a config with default values for everything but passkey and salt
func DefaultConfig() Config {
	return Config{
		KDF:          seal.DefaultKDFParams(),
		FlushDelay:   10 * time.Millisecond,
		RetryCount:   2,
		RetryBackoff: 200 * time.Millisecond,
		CacheSize:    1 << 20,
	}
}

func (c *Config) validate() error {
	if len(c.Passkey) == 0 {
		return seal.ErrEmptyPasskey
	}
	if len(c.Salt) == 0 {
		return fmt.Errorf("keychain: salt must not be empty")
	}
	if c.FlushDelay < 0 || c.RetryCount < 0 || c.RetryBackoff < 0 || c.CacheSize < 0 {
		return fmt.Errorf("keychain: negative values in config")
	}
	return nil
}

// String returns a formatted string representation of the config, secrets are masked
func (c *Config) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	mask := func(b []byte) string {
		if len(b) == 0 {
			return "<not set>"
		}
		return fmt.Sprintf("<%d bytes>", len(b))
	}

	addSection("Keychain")
	addField("Passkey", mask(c.Passkey))
	addField("Salt", mask(c.Salt))
	addField("KDF Time", strconv.FormatUint(uint64(c.KDF.Time), 10))
	addField("KDF Memory", fmt.Sprintf("%d KiB", c.KDF.MemoryKiB))
	addField("KDF Threads", strconv.Itoa(int(c.KDF.Threads)))
	addField("Flush Delay", c.FlushDelay.String())
	addField("Retry Count", strconv.Itoa(c.RetryCount))
	addField("Retry Backoff", c.RetryBackoff.String())
	addField("Cache Size", fmt.Sprintf("%d bytes", c.CacheSize))

	return sb.String()
}
