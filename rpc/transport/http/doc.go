// Package http implements the transport to the chat server over HTTP.
//
// Every request is a POST of the serialized message to <endpoint>/<route>.
// Endpoints are selected round-robin, failed attempts are retried on the next
// endpoint after a backoff. A configured auth token is sent as bearer token.
//
// NewHandler is the server side counterpart. It routes POST /{route} to a
// transport.ServerHandleFunc and is used to run a fake server in tests.
//
// Thread Safety:
//
//	The client transport is thread-safe and can be used concurrently. It uses
//	atomic operations for the round-robin counter.
package http
