package reactive

import (
	"fmt"
	"sync"

	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/resource"
)

// Query selects the rows of a Many view.
// Without an index all rows of the kind are candidates. Filter is applied after the index lookup.
type Query[T any] struct {
	Index  string
	Values []string
	Filter func(T) bool
}

// Many is a live view of all rows matching a query, in insertion order
type Many[T any] struct {
	fetch func() ([]T, []string, error)
	subs  subscribers[func([]T)]

	mu       sync.Mutex
	handleID uint64
	members  map[string]struct{}
}

// Many returns a view of the rows matching q. The index and the number of values are validated.
func (s *Store[T]) Many(q Query[T]) (*Many[T], error) {
	if q.Index != "" {
		fields, ok := s.def.Indexes()[q.Index]
		if !ok {
			return nil, fmt.Errorf("reactive: %w: %s.%s", db.ErrUnknownIndex, s.kind, q.Index)
		}
		if len(fields) != len(q.Values) {
			return nil, fmt.Errorf("reactive: index %s.%s takes %d values, got %d", s.kind, q.Index, len(fields), len(q.Values))
		}
	}

	values := append([]string(nil), q.Values...)
	m := &Many[T]{fetch: func() ([]T, []string, error) { return s.query(q.Index, values, q.Filter) }}
	m.subs.register = func() {
		_, ids, err := m.fetch()
		if err != nil {
			Logger.Warningf("initial query of %s failed: %v", s.kind, err)
		}
		m.mu.Lock()
		m.members = toSet(ids)
		m.handleID = s.register(m.onChange)
		m.mu.Unlock()
	}
	m.subs.unregister = func() {
		m.mu.Lock()
		s.unregister(m.handleID)
		m.members = nil
		m.mu.Unlock()
	}
	return m, nil
}

// Get returns the current result
func (m *Many[T]) Get() ([]T, error) {
	rows, _, err := m.fetch()
	return rows, err
}

// Subscribe registers fn, it is called with the new result whenever a changed row was or is part of the result
func (m *Many[T]) Subscribe(fn func([]T)) (cancel func()) {
	return m.subs.add(fn)
}

// Subscribers returns the number of active subscriptions
func (m *Many[T]) Subscribers() int { return m.subs.len() }

func (m *Many[T]) onChange(change db.Change) {
	rows, ids, err := m.fetch()
	if err != nil {
		Logger.Warningf("query failed: %v", err)
		return
	}
	current := toSet(ids)

	m.mu.Lock()
	affected := false
	for id := range change.IDs {
		_, was := m.members[id]
		_, is := current[id]
		if was || is {
			affected = true
			break
		}
	}
	m.members = current
	m.mu.Unlock()

	if !affected {
		return
	}
	for _, fn := range m.subs.snapshot() {
		fn(rows)
	}
}

func (s *Store[T]) query(index string, values []string, filter func(T) bool) ([]T, []string, error) {
	var rows []T
	var ids []string

	var found []resource.Resource
	if index == "" {
		found = s.db.All(s.kind)
	} else {
		var err error
		if found, err = s.db.Query(s.kind, index, values...); err != nil {
			return nil, nil, err
		}
	}

	for _, res := range found {
		v, ok := s.cast(res)
		if !ok || (filter != nil && !filter(v)) {
			continue
		}
		rows = append(rows, v)
		ids = append(ids, res.ResourceID())
	}
	return rows, ids, nil
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
