package client

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/ValentinKolb/dSync/rpc/serializer"
	"github.com/ValentinKolb/dSync/rpc/transport"
)

// RemoteError is an error reported by the server in a response
type RemoteError struct {
	MsgType common.MessageType
	Msg     string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc %s: server error: %s", e.MsgType, e.Msg)
}

// invokeRPCRequest is a helper function used for all requests of the client.
// It serializes req, sends it to route and deserializes the response.
// The embedded sync log of the response (if any) is returned even if the response reports an error.
// This method also checks if the type of the response is the expected type.
func invokeRPCRequest(ctx context.Context, route string, req *common.Message, transport transport.IRPCClientTransport, serializer serializer.IRPCSerializer) (*common.Message, error) {
	// Serialize the request
	reqBytes, err := serializer.Serialize(*req)
	if err != nil {
		return nil, fmt.Errorf("rpc %s: serializing request: %w", req.MsgType, err)
	}

	respBytes, err := transport.Send(ctx, route, reqBytes)
	if err != nil {
		return nil, fmt.Errorf("rpc %s: %w", req.MsgType, err)
	}

	// Deserialize the response
	resp := &common.Message{}
	if err = serializer.Deserialize(respBytes, resp); err != nil {
		return nil, fmt.Errorf("rpc %s: %w", req.MsgType, err)
	}

	// Check if the response is an error response
	if resp.MsgType == common.MsgTError || resp.Err != "" {
		return resp, &RemoteError{MsgType: req.MsgType, Msg: resp.Err}
	}

	// Check if the type of the response is the expected type
	if resp.MsgType != req.MsgType {
		return resp, fmt.Errorf("rpc %s: unexpected message type %s", req.MsgType, resp.MsgType)
	}

	return resp, nil
}
