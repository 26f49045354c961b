// Package resource declares the fixed set of resource kinds mirrored by dSync
// and, per kind, how a raw server payload becomes a stored row.
//
// Key Components:
//
//   - Kind: closed enum of resource kinds (user, room, member, ai_model, keychain).
//
//   - Definition: static metadata per kind. It carries the stored Go type, the
//     single field indexes, the composite indexes, the transient flag and an
//     optional transform. Field names are the json tags of the stored type.
//     Indexes that reference undeclared or non scalar fields are rejected when
//     the definition is created, never at query time.
//
//   - Registry: map from kind to definition, owned by one connection. The
//     resource database reads it to build its tables and indexes.
//
//   - Stored shapes: User, Room, Member, AIModel and KeychainEntry.
//
// Transforms may need keychain material (room keys, AI keys). They receive it
// through the KeyProvider interface and return a MissingKeyError, which matches
// ErrKeyUnavailable, when the key has not arrived yet. The sync engine treats
// that as "retry later" instead of a failure.
package resource
