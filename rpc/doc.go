// Package rpc connects a dSync client to the chat server.
//
// The package is organized into several subpackages:
//
//   - common: The Message protocol (connect, ping, keychain update and custom
//     requests, each response may embed a sync log) and the client configuration.
//
//   - transport: The client transport abstraction and its http implementation
//     (round robin over endpoints, retries, bearer auth). The http package also
//     contains a handler that can be used to serve the protocol in tests.
//
//   - serializer: Conversion between Message objects and bytes (JSON).
//
//   - client: The client used by a connection. It forwards every embedded sync
//     log to the sync engine and persists keychain updates.
package rpc
