package synclog

import (
	"time"

	"github.com/ValentinKolb/dSync/lib/db/util"
	"github.com/ValentinKolb/dSync/lib/resource"
)

// deferredEntry is a set entry whose transform is waiting for a keychain key
type deferredEntry struct {
	entry Entry
	err   error
	since time.Time
}

// deferredSet holds at most one deferred entry per (kind, id), ordered by timestamp.
// It is only used by the engine goroutine.
type deferredSet struct {
	seed uint64
	heap *util.MapHeap[*deferredEntry]
}

func newDeferredSet() *deferredSet {
	return &deferredSet{
		seed: util.GenerateSeed(),
		heap: util.NewMapHeap[*deferredEntry](),
	}
}

func (d *deferredSet) key(kind resource.Kind, id string) uint64 {
	return uint64(util.HashParts(d.seed, string(kind), id))
}

// priority maps a signed timestamp to an unsigned priority with the same order
func priority(ts int64) uint64 {
	return uint64(ts) ^ (1 << 63)
}

// put defers e. If a newer entry for the same id is already deferred, e is discarded (false).
func (d *deferredSet) put(e Entry, err error) bool {
	key := d.key(e.Kind, e.ResourceID)
	if _, existing, ok := d.heap.GetByKey(key); ok && existing.entry.Timestamp > e.Timestamp {
		return false
	}
	d.heap.Put(key, priority(e.Timestamp), &deferredEntry{entry: e, err: err, since: time.Now()})
	return true
}

// supersede removes the deferred entry for the id of e if e is not older
func (d *deferredSet) supersede(e Entry) (*deferredEntry, bool) {
	key := d.key(e.Kind, e.ResourceID)
	_, existing, ok := d.heap.GetByKey(key)
	if !ok || existing.entry.Timestamp > e.Timestamp {
		return nil, false
	}
	d.heap.RemoveByKey(key)
	return existing, true
}

// drain removes and returns all entries, oldest first
func (d *deferredSet) drain() []*deferredEntry {
	out := make([]*deferredEntry, 0, d.heap.Len())
	for d.heap.Len() > 0 {
		_, _, e := d.heap.PopMin()
		out = append(out, e)
	}
	return out
}

// dropKinds removes all entries of the given kinds and returns them
func (d *deferredSet) dropKinds(kinds []resource.Kind) []*deferredEntry {
	if d.heap.Len() == 0 || len(kinds) == 0 {
		return nil
	}
	drop := make(map[resource.Kind]struct{}, len(kinds))
	for _, k := range kinds {
		drop[k] = struct{}{}
	}

	var dropped []*deferredEntry
	for _, e := range d.drain() {
		if _, ok := drop[e.entry.Kind]; ok {
			dropped = append(dropped, e)
			continue
		}
		d.heap.Put(d.key(e.entry.Kind, e.entry.ResourceID), priority(e.entry.Timestamp), e)
	}
	return dropped
}

func (d *deferredSet) len() int {
	return d.heap.Len()
}
