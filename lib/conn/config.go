package conn

import (
	"fmt"
	"strings"
	"time"

	"github.com/ValentinKolb/dSync/lib/keychain"
	"github.com/ValentinKolb/dSync/rpc/common"
)

// Config aggregates the configuration of all components of a connection
type Config struct {
	Keychain keychain.Config
	Client   common.ClientConfig
	// PollInterval is the time between two pings to the server, 0 disables polling
	PollInterval time.Duration
}

// DefaultConfig returns an offline config, passkey and salt still have to be set
func DefaultConfig() Config {
	return Config{
		Keychain:     keychain.DefaultConfig(),
		Client:       common.DefaultClientConfig(),
		PollInterval: 5 * time.Second,
	}
}

// String returns a formatted string representation of the config, secrets are masked
func (c *Config) String() string {
	var sb strings.Builder

	sb.WriteString("\nCONNECTION\n")
	sb.WriteString(fmt.Sprintf("  %-22s: %s\n", "Poll Interval", c.PollInterval))
	mode := "online"
	if c.Client.Offline() {
		mode = "offline"
	}
	sb.WriteString(fmt.Sprintf("  %-22s: %s\n", "Mode", mode))

	sb.WriteString(c.Keychain.String())
	sb.WriteString(c.Client.String())
	return sb.String()
}
