package reactive

import (
	"sync"

	"github.com/ValentinKolb/dSync/lib/db"
)

// One is a live view of a single row
type One[T any] struct {
	get  func(id string) (T, bool)
	id   string
	subs subscribers[func(T, bool)]

	mu       sync.Mutex
	handleID uint64
}

// One returns a view of the row with the given id. The row does not have to exist.
func (s *Store[T]) One(id string) *One[T] {
	o := &One[T]{id: id, get: s.get}
	o.subs.register = func() {
		o.mu.Lock()
		o.handleID = s.register(o.onChange)
		o.mu.Unlock()
	}
	o.subs.unregister = func() {
		o.mu.Lock()
		s.unregister(o.handleID)
		o.mu.Unlock()
	}
	return o
}

// ID returns the id the view follows
func (o *One[T]) ID() string { return o.id }

// Get returns the current row, ok is false if it does not exist
func (o *One[T]) Get() (T, bool) {
	return o.get(o.id)
}

// Subscribe registers fn, it is called with the current row every time the row is set or removed
func (o *One[T]) Subscribe(fn func(value T, ok bool)) (cancel func()) {
	return o.subs.add(fn)
}

// Subscribers returns the number of active subscriptions
func (o *One[T]) Subscribers() int { return o.subs.len() }

func (o *One[T]) onChange(change db.Change) {
	if !change.Has(o.id) {
		return
	}
	value, ok := o.Get()
	for _, fn := range o.subs.snapshot() {
		fn(value, ok)
	}
}

func (s *Store[T]) get(id string) (T, bool) {
	var zero T
	res, ok := s.db.Get(s.kind, id)
	if !ok {
		return zero, false
	}
	return s.cast(res)
}
