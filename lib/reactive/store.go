package reactive

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/logging"
	"github.com/ValentinKolb/dSync/lib/resource"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger(logging.NameReactive)

// ErrClosed is returned when a view is created on a closed store
var ErrClosed = errors.New("reactive: store is closed")

// Store is the reactive front of one kind. T must be the stored type of the kind.
type Store[T resource.Resource] struct {
	db   db.ResourceDB
	def  *resource.Definition
	kind resource.Kind

	views  *xsync.MapOf[uint64, func(db.Change)]
	viewID atomic.Uint64

	closeOnce sync.Once
	cancel    func()
	closed    atomic.Bool
}

// NewStore creates the reactive front of kind. Transient kinds have no rows and are rejected.
func NewStore[T resource.Resource](database db.ResourceDB, kind resource.Kind) (*Store[T], error) {
	def, ok := database.Registry().Lookup(kind)
	if !ok {
		return nil, fmt.Errorf("reactive: %w: %s", db.ErrUnknownKind, kind)
	}
	if def.Transient() {
		return nil, fmt.Errorf("reactive: %w: %s", db.ErrTransientKind, kind)
	}

	s := &Store[T]{
		db:    database,
		def:   def,
		kind:  kind,
		views: xsync.NewMapOf[uint64, func(db.Change)](),
	}
	s.cancel = database.Subscribe(kind, s.dispatch)
	return s, nil
}

// Kind returns the kind of the store
func (s *Store[T]) Kind() resource.Kind { return s.kind }

// Active returns the number of views that currently have subscribers
func (s *Store[T]) Active() int { return s.views.Size() }

// Close detaches the store from the database. Views stop receiving notifications.
func (s *Store[T]) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		s.views.Clear()
	})
}

func (s *Store[T]) dispatch(change db.Change) {
	s.views.Range(func(_ uint64, fn func(db.Change)) bool {
		fn(change)
		return true
	})
}

func (s *Store[T]) register(fn func(db.Change)) uint64 {
	id := s.viewID.Add(1)
	if !s.closed.Load() {
		s.views.Store(id, fn)
	}
	return id
}

func (s *Store[T]) unregister(id uint64) {
	s.views.Delete(id)
}

// cast converts a stored row to T
func (s *Store[T]) cast(res resource.Resource) (T, bool) {
	v, ok := res.(T)
	if !ok {
		Logger.Warningf("row %s of %s has type %T", res.ResourceID(), s.kind, res)
	}
	return v, ok
}

// --------------------------------------------------------------------------
// Subscriber list shared by the views
// --------------------------------------------------------------------------

// subscribers keeps the callbacks of one view and registers the view with its
// store while the list is not empty
type subscribers[F any] struct {
	mu     sync.Mutex
	fns    map[uint64]F
	nextID uint64

	register   func()
	unregister func()
}

func (l *subscribers[F]) add(fn F) (cancel func()) {
	l.mu.Lock()
	if l.fns == nil {
		l.fns = make(map[uint64]F)
	}
	l.nextID++
	id := l.nextID
	l.fns[id] = fn
	if len(l.fns) == 1 {
		l.register()
	}
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.fns, id)
			if len(l.fns) == 0 {
				l.unregister()
			}
		})
	}
}

func (l *subscribers[F]) snapshot() []F {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]F, 0, len(l.fns))
	for _, fn := range l.fns {
		out = append(out, fn)
	}
	return out
}

func (l *subscribers[F]) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fns)
}
