package common

import (
	"fmt"
	"strconv"
	"strings"
)

// --------------------------------------------------------------------------
// RPC client configuration struct
// --------------------------------------------------------------------------

type ClientConfig struct {
	Endpoints     []string
	TimeoutSecond int
	RetryCount    int
	// RetryBackoffMillis is the pause between two attempts of a request
	RetryBackoffMillis int
	// AuthToken is sent as bearer token, never printed
	AuthToken string
	// Concurrency limits parallel custom requests of a batch
	Concurrency int
}

// DefaultClientConfig returns the config used when no flags are given
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		TimeoutSecond:      10,
		RetryCount:         3,
		RetryBackoffMillis: 200,
		Concurrency:        4,
	}
}

// Offline reports whether no endpoint is configured
func (c *ClientConfig) Offline() bool {
	return len(c.Endpoints) == 0
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// General Client Settings
	addSection("Client Configuration")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Retry Count", strconv.Itoa(c.RetryCount))
	addField("Retry Backoff", fmt.Sprintf("%d ms", c.RetryBackoffMillis))
	addField("Concurrency", strconv.Itoa(max(1, c.Concurrency)))
	if c.AuthToken != "" {
		addField("Auth Token", fmt.Sprintf("<%d chars>", len(c.AuthToken)))
	} else {
		addField("Auth Token", "<none>")
	}

	// Endpoints
	addSection("Endpoints")
	if c.Offline() {
		addField("-", "offline")
	}
	for i, endpoint := range c.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}

	return sb.String()
}
