// Package transport defines the contract between the rpc client and the network.
//
// A client transport sends a serialized request to a route of the server and
// returns the serialized response. It knows nothing about messages, so the
// serializer and the transport can be combined freely.
//
// Key Components:
//
//   - IRPCClientTransport: Interface for client-side transport implementations that
//     handles connection management and request sending.
//
//   - ServerHandleFunc: Function type for request handling callbacks, used by
//     server side adapters (e.g. test servers).
package transport
