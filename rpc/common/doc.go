// Package common provides the data structures shared by the rpc packages.
//
// The package focuses on:
//   - Message protocol definition for the communication with the chat server
//   - Configuration structure of the client
//
// Key Components:
//
//   - Message: Envelope of every request and response. Which fields are used
//     depends on the type of message. Any response may carry a sync log fragment
//     under "sync_log", the client forwards it to the sync engine.
//
//   - MessageType: Enumeration of all supported operations (connect, keychain
//     update, ping, custom requests) and the control messages success / error.
//
//   - ClientConfig: Endpoints, timeouts, retry behavior and the auth token of a
//     client. String() masks the token.
package common
