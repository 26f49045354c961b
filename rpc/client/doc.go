// Package client is the connection of a dSync session to the chat server.
//
// A Client sends messages through a transport and a serializer. Every response
// may embed a sync log fragment; the client extracts it and forwards it to the
// SyncSink (the sync engine of the connection) before the response is returned,
// so callers observe the synced state once their request returns.
//
// The client implements keychain.Persister, the keychain store of a connection
// flushes its batched updates through it.
//
// Usage Example:
//
//	cfg := common.DefaultClientConfig()
//	cfg.Endpoints = []string{"https://chat.example.com/api"}
//
//	c, _ := client.New(cfg, http.NewHttpClientTransport(), serializer.NewJSONSerializer(), engine)
//	res, _ := c.Connect(ctx, 0) // full sync
//	_ = c.UpdateKeychain(ctx, update)
//
// Thread Safety:
//
//	A client is safe for concurrent use. Embedded logs are queued in the order
//	the responses arrive.
package client
