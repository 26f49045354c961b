package internal

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/resource"
	"github.com/puzpuzpuz/xsync/v3"
)

// Notifier collects changed ids per kind and delivers them to the subscribers.
// While a batch is open changes are only collected.
type Notifier struct {
	mu      sync.Mutex
	depth   int
	pending map[resource.Kind]map[string]struct{}

	subs   *xsync.MapOf[resource.Kind, *xsync.MapOf[uint64, func(db.Change)]]
	nextID atomic.Uint64
}

// NewNotifier creates a notifier without subscribers
func NewNotifier() *Notifier {
	return &Notifier{
		pending: make(map[resource.Kind]map[string]struct{}),
		subs:    xsync.NewMapOf[resource.Kind, *xsync.MapOf[uint64, func(db.Change)]](),
	}
}

// Subscribe registers fn for changes of kind
func (n *Notifier) Subscribe(kind resource.Kind, fn func(db.Change)) (cancel func()) {
	id := n.nextID.Add(1)
	kindSubs, _ := n.subs.LoadOrCompute(kind, func() *xsync.MapOf[uint64, func(db.Change)] {
		return xsync.NewMapOf[uint64, func(db.Change)]()
	})
	kindSubs.Store(id, fn)
	return func() { kindSubs.Delete(id) }
}

// Record marks ids of kind as changed and delivers the change unless a batch is open
func (n *Notifier) Record(kind resource.Kind, ids ...string) {
	if len(ids) == 0 {
		return
	}
	n.mu.Lock()
	set, ok := n.pending[kind]
	if !ok {
		set = make(map[string]struct{}, len(ids))
		n.pending[kind] = set
	}
	for _, id := range ids {
		set[id] = struct{}{}
	}
	open := n.depth > 0
	n.mu.Unlock()

	if !open {
		n.deliver()
	}
}

// Begin opens a (possibly nested) batch
func (n *Notifier) Begin() {
	n.mu.Lock()
	n.depth++
	n.mu.Unlock()
}

// End closes a batch, closing the outermost batch delivers all collected changes
func (n *Notifier) End() {
	n.mu.Lock()
	n.depth--
	outermost := n.depth == 0
	n.mu.Unlock()

	if outermost {
		n.deliver()
	}
}

func (n *Notifier) deliver() {
	n.mu.Lock()
	if len(n.pending) == 0 {
		n.mu.Unlock()
		return
	}
	pending := n.pending
	n.pending = make(map[resource.Kind]map[string]struct{})
	n.mu.Unlock()

	kinds := make([]resource.Kind, 0, len(pending))
	for kind := range pending {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	for _, kind := range kinds {
		kindSubs, ok := n.subs.Load(kind)
		if !ok {
			continue
		}
		change := db.Change{Kind: kind, IDs: pending[kind]}
		kindSubs.Range(func(_ uint64, fn func(db.Change)) bool {
			fn(change)
			return true
		})
	}
}
