package resource

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/dSync/lib/seal"
)

// KeyProvider gives transforms access to plaintext keychain values
type KeyProvider interface {
	Get(key string, t ValueType) (value []byte, ok bool, err error)
}

// rawRoom is the wire form of a room, name and topic are sealed with the room key
type rawRoom struct {
	Room
	EncryptedName  string `json:"encrypted_name,omitempty"`
	EncryptedTopic string `json:"encrypted_topic,omitempty"`
}

// rawAIModel is the wire form of an AI model, the config is sealed with the rooms AI key
type rawAIModel struct {
	AIModel
	EncryptedConfig string `json:"encrypted_config,omitempty"`
}

// RoomAAD is the additional authenticated data used when sealing room fields
func RoomAAD(roomID, field string) []byte {
	return []byte("room:" + roomID + ":" + field)
}

// AIModelAAD is the additional authenticated data used when sealing AI model configs
func AIModelAAD(modelID string) []byte {
	return []byte("ai_model:" + modelID + ":config")
}

// DefaultDefinitions returns the definitions of all built-in kinds.
// Transforms of rooms and AI models read their keys from kp.
func DefaultDefinitions(kp KeyProvider) ([]*Definition, error) {
	user, err := Define[User](Config{
		Kind:        KindUser,
		IndexedKeys: []string{"username"},
	})
	if err != nil {
		return nil, err
	}

	room, err := Define[Room](Config{
		Kind:        KindRoom,
		IndexedKeys: []string{"owner_id", "kind"},
		Transform:   roomTransform(kp),
	})
	if err != nil {
		return nil, err
	}

	member, err := Define[Member](Config{
		Kind:             KindMember,
		IndexedKeys:      []string{"room_id", "user_id"},
		CompositeIndexes: [][]string{{"room_id", "user_id"}},
	})
	if err != nil {
		return nil, err
	}

	model, err := Define[AIModel](Config{
		Kind:             KindAIModel,
		IndexedKeys:      []string{"provider"},
		CompositeIndexes: [][]string{{"provider", "name"}},
		Transform:        aiModelTransform(kp),
	})
	if err != nil {
		return nil, err
	}

	keychain, err := Define[KeychainEntry](Config{
		Kind:        KindKeychain,
		IndexedKeys: []string{"key", "type"},
		Transient:   true,
		Transform:   keychainTransform,
	})
	if err != nil {
		return nil, err
	}

	return []*Definition{user, room, member, model, keychain}, nil
}

// DefaultRegistry returns a registry with all built-in kinds
func DefaultRegistry(kp KeyProvider) (*Registry, error) {
	defs, err := DefaultDefinitions(kp)
	if err != nil {
		return nil, err
	}
	return NewRegistry(defs...)
}

// --------------------------------------------------------------------------
// Transforms
// --------------------------------------------------------------------------

func roomTransform(kp KeyProvider) TransformFunc {
	return func(_ context.Context, raw json.RawMessage) (Resource, error) {
		var r rawRoom
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("decoding room: %w", err)
		}
		if r.EncryptedName == "" && r.EncryptedTopic == "" {
			return r.Room, nil
		}

		key, err := requireKey(kp, r.ID, TypeRoomKey)
		if err != nil {
			return nil, err
		}

		room := r.Room
		if r.EncryptedName != "" {
			name, err := seal.OpenString(key, r.EncryptedName, RoomAAD(r.ID, "name"))
			if err != nil {
				return nil, fmt.Errorf("room %s name: %w", r.ID, err)
			}
			room.Name = string(name)
		}
		if r.EncryptedTopic != "" {
			topic, err := seal.OpenString(key, r.EncryptedTopic, RoomAAD(r.ID, "topic"))
			if err != nil {
				return nil, fmt.Errorf("room %s topic: %w", r.ID, err)
			}
			room.Topic = string(topic)
		}
		return room, nil
	}
}

func aiModelTransform(kp KeyProvider) TransformFunc {
	return func(_ context.Context, raw json.RawMessage) (Resource, error) {
		var m rawAIModel
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decoding ai model: %w", err)
		}
		if m.EncryptedConfig == "" {
			return m.AIModel, nil
		}
		if m.RoomID == "" {
			return nil, fmt.Errorf("ai model %s has an encrypted config but no room", m.ID)
		}

		key, err := requireKey(kp, m.RoomID, TypeRoomAIKey)
		if err != nil {
			return nil, err
		}
		config, err := seal.OpenString(key, m.EncryptedConfig, AIModelAAD(m.ID))
		if err != nil {
			return nil, fmt.Errorf("ai model %s config: %w", m.ID, err)
		}

		model := m.AIModel
		model.Config = json.RawMessage(config)
		return model, nil
	}
}

func keychainTransform(_ context.Context, raw json.RawMessage) (Resource, error) {
	var e KeychainEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decoding keychain entry: %w", err)
	}
	if !e.Type.Valid() {
		return nil, fmt.Errorf("keychain entry %q has unknown type %q", e.Key, e.Type)
	}
	if e.ID == "" {
		e.ID = KeychainEntryID(e.Key, e.Type)
	}
	return e, nil
}

func requireKey(kp KeyProvider, key string, t ValueType) ([]byte, error) {
	if kp == nil {
		return nil, &MissingKeyError{Key: key, Type: t}
	}
	value, ok, err := kp.Get(key, t)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &MissingKeyError{Key: key, Type: t}
	}
	return value, nil
}
