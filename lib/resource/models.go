package resource

import (
	"encoding/json"
	"strings"
)

// User is a chat user
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	PublicKey   string `json:"public_key,omitempty"`
	UpdatedAt   int64  `json:"updated_at"`
}

func (u User) ResourceID() string { return u.ID }

// RoomKind distinguishes direct conversations from group rooms
type RoomKind string

const (
	RoomDirect RoomKind = "direct"
	RoomGroup  RoomKind = "group"
)

// Room is a chat room with decrypted name and topic
type Room struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Topic     string   `json:"topic,omitempty"`
	OwnerID   string   `json:"owner_id"`
	Kind      RoomKind `json:"kind"`
	UpdatedAt int64    `json:"updated_at"`
}

func (r Room) ResourceID() string { return r.ID }

// Member links a user to a room
type Member struct {
	ID        string `json:"id"`
	RoomID    string `json:"room_id"`
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
	UpdatedAt int64  `json:"updated_at"`
}

func (m Member) ResourceID() string { return m.ID }

// AIModel is an AI model configured for a room. Config is decrypted with the rooms AI key.
type AIModel struct {
	ID        string          `json:"id"`
	Provider  string          `json:"provider"`
	Name      string          `json:"name"`
	RoomID    string          `json:"room_id,omitempty"`
	Config    json.RawMessage `json:"config,omitempty"`
	UpdatedAt int64           `json:"updated_at"`
}

func (m AIModel) ResourceID() string { return m.ID }

// KeychainEntry is a keychain value as sent by the server.
// Value is base64, and sealed under the connections master key if Encrypted is set.
type KeychainEntry struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Type      ValueType `json:"type"`
	Value     string    `json:"value"`
	Encrypted bool      `json:"encrypted"`
}

func (k KeychainEntry) ResourceID() string { return k.ID }

// KeychainEntryID returns the resource id used for a (key, type) pair
func KeychainEntryID(key string, t ValueType) string {
	return string(t) + ":" + key
}

// ParseKeychainEntryID splits a keychain entry id into key and type
func ParseKeychainEntryID(id string) (key string, t ValueType, ok bool) {
	typ, key, found := strings.Cut(id, ":")
	if !found || key == "" || !ValueType(typ).Valid() {
		return "", "", false
	}
	return key, ValueType(typ), true
}
