package db

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/ValentinKolb/dSync/lib/resource"
)

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

type Implementation string

const (
	ImplMemtable Implementation = "memtable"
)

// Feature represents database features as bit flags
type Feature uint64

const (
	FeatureIndexes    Feature = 1 << iota // Support for single field indexes
	FeatureComposite                      // Support for composite indexes
	FeatureTombstones                     // Removals are remembered, older sets are ignored
	FeatureBatch                          // Support for batched change notifications
	FeatureTransient                      // Support for transient (pass through) kinds
)

func (f Feature) String() string {
	switch f {
	case FeatureIndexes:
		return "Indexes"
	case FeatureComposite:
		return "Composite"
	case FeatureTombstones:
		return "Tombstones"
	case FeatureBatch:
		return "Batch"
	case FeatureTransient:
		return "Transient"
	default:
		return "Unknown"
	}
}

// KindInfo holds statistics of the table of one kind
type KindInfo struct {
	Rows         int            `json:"rows"`
	Tombstones   int            `json:"tombstones"`
	IndexEntries map[string]int `json:"index_entries"`
	SizeBytes    int            `json:"size_bytes"`
}

type DatabaseInfo struct {
	SizeBytes         int                        `json:"size_bytes"`
	DbType            Implementation             `json:"db_type"`
	SupportedFeatures []Feature                  `json:"supported_features"`
	Kinds             map[resource.Kind]KindInfo `json:"kinds"`
}

// Change is the notification sent to subscribers of a kind.
// IDs contains every id that was set, removed or cleared since the last notification.
type Change struct {
	Kind resource.Kind
	IDs  map[string]struct{}
}

// Has reports whether id is part of the change
func (c Change) Has(id string) bool {
	_, ok := c.IDs[id]
	return ok
}

// Sorted returns the changed ids in ascending order
func (c Change) Sorted() []string {
	ids := make([]string, 0, len(c.IDs))
	for id := range c.IDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// TransientEvent is passed to listeners of transient kinds.
// Resource is nil if the event is a removal.
type TransientEvent struct {
	Kind      resource.Kind
	ID        string
	Resource  resource.Resource
	Timestamp int64
}

// Removed reports whether the event is a removal
func (e TransientEvent) Removed() bool {
	return e.Resource == nil
}

// --------------------------------------------------------------------------
// Database Interface
// --------------------------------------------------------------------------

// ResourceDB is the typed, indexed in-memory store of all resources of a connection.
// It holds one table per stored kind. Every table has a primary map (id -> row) and
// one map per index (index key -> ids). Writes to a table are serialized, reads may run
// concurrently. After every write all indexes are consistent with the primary map.
//
// Rows are last-write-wins by timestamp: a write that is older than the current row
// (or the tombstone of a removed row) is ignored.
type ResourceDB interface {

	// --------------------------------------------------------------------------
	// Write Operations
	// --------------------------------------------------------------------------

	// ApplySet decodes raw with the kinds definition (running its transform) and stores the result,
	// replacing the previous row with the same id. The transform runs outside the table lock.
	// applied is false if the write was older than the current row.
	// Transient kinds are decoded and passed to the transient listeners, but never stored.
	ApplySet(ctx context.Context, kind resource.Kind, raw json.RawMessage, ts int64) (res resource.Resource, applied bool, err error)

	// ApplyRemove removes the row with the given id from the primary map and all indexes.
	// Removing an absent id changes nothing visible. applied is false if the removal was older than the row.
	ApplyRemove(kind resource.Kind, id string, ts int64) (applied bool, err error)

	// Clear removes all rows (and tombstones) of a kind
	Clear(kind resource.Kind)

	// ClearAll clears every kind
	ClearAll()

	// --------------------------------------------------------------------------
	// Query Operations
	// --------------------------------------------------------------------------

	// Get returns the row with the given id
	Get(kind resource.Kind, id string) (res resource.Resource, ok bool)

	// Query returns all rows whose index key matches values, in insertion order.
	// Composite indexes take one value per field. No match is not an error.
	// An index that is not declared for the kind returns ErrUnknownIndex.
	Query(kind resource.Kind, index string, values ...string) (res []resource.Resource, err error)

	// All returns all rows of a kind in insertion order
	All(kind resource.Kind) []resource.Resource

	// Count returns the number of rows of a kind
	Count(kind resource.Kind) int

	// --------------------------------------------------------------------------
	// Notifications
	// --------------------------------------------------------------------------

	// Batch runs fn and delays all change notifications until the outermost batch returns.
	// Then each subscriber of a changed kind is notified once with all changed ids.
	Batch(fn func() error) error

	// Subscribe registers fn for changes of kind. fn runs synchronously on the writing goroutine.
	Subscribe(kind resource.Kind, fn func(Change)) (cancel func())

	// OnTransient registers fn for events of a transient kind.
	// An error of fn is returned by the ApplySet / ApplyRemove call that caused the event.
	OnTransient(kind resource.Kind, fn func(TransientEvent) error) (cancel func())

	// --------------------------------------------------------------------------
	// Feature Support
	// --------------------------------------------------------------------------

	// Registry returns the definitions the database was created with
	Registry() *resource.Registry

	// SupportsFeature checks if the database implementation supports the specified feature.
	// Multiple features can be checked at once using bitwise OR (|) operator.
	SupportsFeature(feature Feature) (ok bool)

	// GetInfo returns information about the database.
	GetInfo() (info DatabaseInfo)

	// Close clears the database, further writes return ErrClosed.
	Close() (err error)
}
