package resource

// Kind identifies a resource kind
type Kind string

const (
	KindUser     Kind = "user"
	KindRoom     Kind = "room"
	KindMember   Kind = "member"
	KindAIModel  Kind = "ai_model"
	KindKeychain Kind = "keychain"
)

// Kinds returns all resource kinds known at build time
func Kinds() []Kind {
	return []Kind{KindUser, KindRoom, KindMember, KindAIModel, KindKeychain}
}

// Valid reports whether k is one of the known kinds
func (k Kind) Valid() bool {
	switch k {
	case KindUser, KindRoom, KindMember, KindAIModel, KindKeychain:
		return true
	default:
		return false
	}
}

func (k Kind) String() string {
	return string(k)
}

// ValueType is the type of keychain value
type ValueType string

const (
	TypePrivateKey        ValueType = "private_key"
	TypePublicKey         ValueType = "public_key"
	TypeRoomKey           ValueType = "room_key"
	TypeRoomAIKey         ValueType = "room_ai_key"
	TypeLegacyAIKey       ValueType = "legacy_ai_key"
	TypeConversationAIKey ValueType = "conversation_ai_key"
)

// ValueTypes returns all keychain value types
func ValueTypes() []ValueType {
	return []ValueType{TypePrivateKey, TypePublicKey, TypeRoomKey, TypeRoomAIKey, TypeLegacyAIKey, TypeConversationAIKey}
}

// Valid reports whether t is a known value type
func (t ValueType) Valid() bool {
	switch t {
	case TypePrivateKey, TypePublicKey, TypeRoomKey, TypeRoomAIKey, TypeLegacyAIKey, TypeConversationAIKey:
		return true
	default:
		return false
	}
}

// Confidential reports whether values of this type must be stored encrypted
func (t ValueType) Confidential() bool {
	return t != TypePublicKey
}
