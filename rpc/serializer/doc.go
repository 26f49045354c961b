// Package serializer converts rpc messages to and from their wire form.
//
// The chat server speaks JSON, so the JSON implementation is the only one. The
// interface is kept so the client can be tested with a serializer that fails on
// purpose.
//
// Thread Safety:
//
//	Serializers are stateless and safe for concurrent use.
package serializer
