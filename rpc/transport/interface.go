package transport

import (
	"context"

	"github.com/ValentinKolb/dSync/rpc/common"
)

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// ServerHandleFunc is a function type that handles incoming requests
// It takes the route and the request body and returns the response body
type ServerHandleFunc func(route string, req []byte) (resp []byte)

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

// IRPCClientTransport is the interface for the RPC client transport
type IRPCClientTransport interface {
	// Connect initializes the transport with the given configuration
	Connect(config common.ClientConfig) error
	// Send sends a request to a route of the server and returns the response
	Send(ctx context.Context, route string, req []byte) (resp []byte, err error)
	// Close closes the transport connection
	Close() error
}
