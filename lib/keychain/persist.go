package keychain

import (
	"context"

	"github.com/ValentinKolb/dSync/lib/resource"
)

// ValueToSet is one persisted value. Value is base64 and sealed if Encrypted is set.
type ValueToSet struct {
	Key       string             `json:"key"`
	Type      resource.ValueType `json:"type"`
	Value     string             `json:"value"`
	Encrypted bool               `json:"encrypted"`
}

// ValueToRemove identifies a value that should be removed on the server
type ValueToRemove struct {
	Key  string             `json:"key"`
	Type resource.ValueType `json:"type"`
}

// Update is one batched keychain change set
type Update struct {
	Set    []ValueToSet    `json:"set,omitempty"`
	Remove []ValueToRemove `json:"remove,omitempty"`
}

// Empty reports whether the update contains no operations
func (u Update) Empty() bool {
	return len(u.Set) == 0 && len(u.Remove) == 0
}

// Persister stores keychain updates on the server
type Persister interface {
	UpdateKeychain(ctx context.Context, update Update) error
}

// PersisterFunc adapts a function to the Persister interface
type PersisterFunc func(ctx context.Context, update Update) error

func (f PersisterFunc) UpdateKeychain(ctx context.Context, update Update) error {
	return f(ctx, update)
}

// Entry converts a persisted value to the keychain entry a sync log carries for it
func (v ValueToSet) Entry() resource.KeychainEntry {
	return resource.KeychainEntry{
		ID:        resource.KeychainEntryID(v.Key, v.Type),
		Key:       v.Key,
		Type:      v.Type,
		Value:     v.Value,
		Encrypted: v.Encrypted,
	}
}

// pendingOp is a queued change, seq orders ops of one batch
type pendingOp struct {
	seq    uint64
	remove bool
	set    ValueToSet
}
