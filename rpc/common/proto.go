package common

import (
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/dSync/lib/keychain"
	"github.com/ValentinKolb/dSync/lib/synclog"
)

// Routes of the server endpoints, the transport appends them to the endpoint url
const (
	RouteSync     = "sync"
	RouteKeychain = "keychain"
	RouteRPC      = "rpc"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message represents a single message used for both requests and responses.
// Which fields are used depends on the type of message.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// Request fields
	Since    int64            `json:"since,omitempty"`    // Used for: Connect (0 = full sync)
	Keychain *keychain.Update `json:"keychain,omitempty"` // Used for: KeychainUpdate
	Method   string           `json:"method,omitempty"`   // Used for: Custom

	// Response only fields
	Ok  bool   `json:"ok,omitempty"`
	Err string `json:"err,omitempty"` // Empty if no error, otherwise contains the error message

	// SyncLog may be embedded in any response
	SyncLog *synclog.Log `json:"sync_log,omitempty"`

	// Payload of custom requests and responses
	Meta json.RawMessage `json:"meta,omitempty"`
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewConnectRequest creates a new Connect request, since = 0 requests a full sync log
func NewConnectRequest(since int64) *Message {
	return &Message{
		MsgType: MsgTConnect,
		Since:   since,
	}
}

// NewConnectResponse creates a new Connect response
func NewConnectResponse(log *synclog.Log, err error) *Message {
	msg := &Message{
		MsgType: MsgTConnect,
		Ok:      err == nil,
		SyncLog: log,
	}
	if err != nil {
		msg.Err = err.Error()
	}
	return msg
}

// NewKeychainUpdateRequest creates a new KeychainUpdate request
func NewKeychainUpdateRequest(update keychain.Update) *Message {
	return &Message{
		MsgType:  MsgTKeychainUpdate,
		Keychain: &update,
	}
}

// NewKeychainUpdateResponse creates a new KeychainUpdate response
func NewKeychainUpdateResponse(log *synclog.Log, err error) *Message {
	msg := &Message{
		MsgType: MsgTKeychainUpdate,
		Ok:      err == nil,
		SyncLog: log,
	}
	if err != nil {
		msg.Err = err.Error()
	}
	return msg
}

// NewPingRequest creates a new Ping request
func NewPingRequest() *Message {
	return &Message{MsgType: MsgTPing}
}

// NewPingResponse creates a new Ping response
func NewPingResponse(log *synclog.Log) *Message {
	return &Message{
		MsgType: MsgTPing,
		Ok:      true,
		SyncLog: log,
	}
}

// NewCustomRequest creates a new Custom request
func NewCustomRequest(method string, meta json.RawMessage) *Message {
	return &Message{
		MsgType: MsgTCustom,
		Method:  method,
		Meta:    meta,
	}
}

// NewCustomResponse creates a new Custom response
func NewCustomResponse(meta json.RawMessage, log *synclog.Log, err error) *Message {
	msg := &Message{
		MsgType: MsgTCustom,
		Ok:      err == nil,
		Meta:    meta,
		SyncLog: log,
	}
	if err != nil {
		msg.Err = err.Error()
	}
	return msg
}

// NewErrorResponse creates a new Error response
func NewErrorResponse(err string) *Message {
	return &Message{
		MsgType: MsgTError,
		Err:     err,
	}
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the type of message used in RPC communication.
type MessageType uint8

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	switch t {
	case MsgTConnect:
		return "connect"
	case MsgTKeychainUpdate:
		return "keychain_update"
	case MsgTPing:
		return "ping"
	case MsgTCustom:
		return "custom"
	case MsgTError:
		return "error"
	case MsgTSuccess:
		return "success"
	default:
		return "unknown"
	}
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	switch s {
	case "connect":
		*t = MsgTConnect
	case "keychain_update":
		*t = MsgTKeychainUpdate
	case "ping":
		*t = MsgTPing
	case "custom":
		*t = MsgTCustom
	case "error":
		*t = MsgTError
	case "success":
		*t = MsgTSuccess
	default:
		return fmt.Errorf("unknown message type: %s", s)
	}

	return nil
}

// --------------------------------------------------------------------------
// Message Type Constants
// --------------------------------------------------------------------------

const (
	// General message types

	MsgTUnknown MessageType = iota
	MsgTSuccess             // Indicates a successful operation
	MsgTError               // Indicates an error occurred

	// Sync operations

	MsgTConnect        // Handshake, the response carries the sync log
	MsgTKeychainUpdate // Persist keychain changes
	MsgTPing           // Poll for incremental sync logs

	// Custom operations

	MsgTCustom // Feature request, payload in Meta
)
