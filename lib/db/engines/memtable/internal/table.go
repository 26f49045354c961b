package internal

import (
	"sort"
	"sync"

	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/resource"
)

// --------------------------------------------------------------------------
// Row Type (stored resource with metadata)
// --------------------------------------------------------------------------

// Row stores a resource with metadata
type Row struct {
	Resource  resource.Resource
	Timestamp int64             // Timestamp of the write that produced the row
	Seq       uint64            // Insertion sequence number, kept when the row is replaced
	Size      int               // Size of the raw payload
	keys      map[string]string // index name -> key the row is filed under
}

// --------------------------------------------------------------------------
// Table Type (all rows of one kind)
// --------------------------------------------------------------------------

// Table holds the rows of one kind together with their indexes.
// All writes take the write lock, so the indexes are always consistent with the rows.
type Table struct {
	mu         sync.RWMutex
	def        *resource.Definition
	indexes    map[string][]string                       // index name -> fields
	rows       map[string]*Row                           // id -> row
	tombstones map[string]int64                          // id -> timestamp of the removal
	index      map[string]map[string]map[string]struct{} // index name -> key -> ids
	seq        uint64
	size       int
}

// NewTable creates an empty table for def
func NewTable(def *resource.Definition) *Table {
	t := &Table{
		def:     def,
		indexes: def.Indexes(),
	}
	t.reset()
	return t
}

func (t *Table) reset() {
	t.rows = make(map[string]*Row)
	t.tombstones = make(map[string]int64)
	t.index = make(map[string]map[string]map[string]struct{}, len(t.indexes))
	for name := range t.indexes {
		t.index[name] = make(map[string]map[string]struct{})
	}
	t.size = 0
}

// Definition returns the definition of the table
func (t *Table) Definition() *resource.Definition {
	return t.def
}

// HasIndex reports whether an index with this name is declared and the number of its fields
func (t *Table) HasIndex(name string) (int, bool) {
	fields, ok := t.indexes[name]
	return len(fields), ok
}

// --------------------------------------------------------------------------
// Write Operations
// --------------------------------------------------------------------------

// Put stores res, replacing the row with the same id.
// The write is ignored (false) if it is older than the current row or tombstone.
func (t *Table) Put(res resource.Resource, ts int64, size int) bool {
	id := res.ResourceID()

	t.mu.Lock()
	defer t.mu.Unlock()

	var seq uint64
	if old, ok := t.rows[id]; ok {
		if ts < old.Timestamp {
			return false
		}
		t.unindex(id, old)
		t.size -= old.Size
		seq = old.Seq
	} else if tomb, ok := t.tombstones[id]; ok {
		if ts < tomb {
			return false
		}
		delete(t.tombstones, id)
	}

	if seq == 0 {
		t.seq++
		seq = t.seq
	}

	row := &Row{Resource: res, Timestamp: ts, Seq: seq, Size: size}
	t.indexRow(id, row)
	t.rows[id] = row
	t.size += size
	return true
}

// Remove deletes the row with the given id and records a tombstone.
// applied is false if the removal is older than the row, existed reports whether a row was removed.
func (t *Table) Remove(id string, ts int64) (applied, existed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.rows[id]; ok {
		if ts < old.Timestamp {
			return false, true
		}
		t.unindex(id, old)
		t.size -= old.Size
		delete(t.rows, id)
		t.tombstones[id] = ts
		return true, true
	}

	if tomb, ok := t.tombstones[id]; !ok || ts > tomb {
		t.tombstones[id] = ts
	}
	return true, false
}

// Clear removes all rows and tombstones and returns the ids of the removed rows
func (t *Table) Clear() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, len(t.rows))
	for id := range t.rows {
		ids = append(ids, id)
	}
	t.reset()
	return ids
}

func (t *Table) indexRow(id string, row *Row) {
	row.keys = make(map[string]string, len(t.indexes))
	for name, fields := range t.indexes {
		key, ok := t.def.IndexKey(row.Resource, fields)
		if !ok {
			continue
		}
		bucket, ok := t.index[name][key]
		if !ok {
			bucket = make(map[string]struct{})
			t.index[name][key] = bucket
		}
		bucket[id] = struct{}{}
		row.keys[name] = key
	}
}

func (t *Table) unindex(id string, row *Row) {
	for name, key := range row.keys {
		bucket := t.index[name][key]
		delete(bucket, id)
		if len(bucket) == 0 {
			delete(t.index[name], key)
		}
	}
}

// --------------------------------------------------------------------------
// Query Operations
// --------------------------------------------------------------------------

// Get returns the row with the given id
func (t *Table) Get(id string) (*Row, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	row, ok := t.rows[id]
	return row, ok
}

// Query returns the resources filed under key in the index name, in insertion order
func (t *Table) Query(name, key string) []resource.Resource {
	t.mu.RLock()
	defer t.mu.RUnlock()

	bucket := t.index[name][key]
	rows := make([]*Row, 0, len(bucket))
	for id := range bucket {
		rows = append(rows, t.rows[id])
	}
	return sortedResources(rows)
}

// All returns all resources in insertion order
func (t *Table) All() []resource.Resource {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rows := make([]*Row, 0, len(t.rows))
	for _, row := range t.rows {
		rows = append(rows, row)
	}
	return sortedResources(rows)
}

// Len returns the number of rows
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// Info returns the statistics of the table
func (t *Table) Info() db.KindInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entries := make(map[string]int, len(t.index))
	for name, keys := range t.index {
		n := 0
		for _, bucket := range keys {
			n += len(bucket)
		}
		entries[name] = n
	}
	return db.KindInfo{
		Rows:         len(t.rows),
		Tombstones:   len(t.tombstones),
		IndexEntries: entries,
		SizeBytes:    t.size,
	}
}

// CheckConsistency verifies that every index matches the primary map.
// It returns the first violation found as an error message, or "" if the table is consistent.
func (t *Table) CheckConsistency() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for name, fields := range t.indexes {
		expected := 0
		for id, row := range t.rows {
			key, ok := t.def.IndexKey(row.Resource, fields)
			if !ok {
				continue
			}
			expected++
			if _, found := t.index[name][key][id]; !found {
				return "row " + id + " missing in index " + name
			}
		}
		actual := 0
		for key, bucket := range t.index[name] {
			for id := range bucket {
				row, ok := t.rows[id]
				if !ok {
					return "index " + name + " references removed row " + id
				}
				if k, _ := t.def.IndexKey(row.Resource, fields); k != key {
					return "index " + name + " files row " + id + " under a stale key"
				}
				actual++
			}
		}
		if actual != expected {
			return "index " + name + " has unexpected entries"
		}
	}
	return ""
}

func sortedResources(rows []*Row) []resource.Resource {
	sort.Slice(rows, func(i, j int) bool { return rows[i].Seq < rows[j].Seq })
	out := make([]resource.Resource, len(rows))
	for i, row := range rows {
		out[i] = row.Resource
	}
	return out
}
