// Package util
//
// This file provides a priority queue with key-based access.
//
// It combines a binary heap with a hash map, so items can be processed in
// priority order (e.g. oldest timestamp first) while still being replaced or
// removed by key in O(log n). The sync engine uses it for entries that could not
// be applied yet: the key identifies (kind, resource id), the priority is the
// entry timestamp, and a newer entry for the same resource replaces the old one.
//
// Complexity:
//   - O(log n) for Push, PopMin, Put (update) and RemoveByKey
//   - O(1) for Contains, GetByKey and Peek
//
// This implementation is not thread-safe. External synchronization is required.
//
// Example usage:
//
//	q := NewMapHeap[string]()
//	q.Put(1001, 5, "entry a")
//	q.Put(1002, 3, "entry b")
//
//	for q.Len() > 0 {
//	    key, prio, value := q.PopMin()
//	    ...
//	}
package util

import (
	"container/heap"
	"strconv"
)

// item is a single queue element
type item[V any] struct {
	Key      uint64 // Unique identifier for the item
	Priority uint64 // Lower priority is popped first
	Value    V      // Payload
	index    int    // Index in the heap, maintained by heap package
}

func (i *item[V]) String() string {
	return "{Key: " + strconv.FormatUint(i.Key, 10) + ", Priority: " + strconv.FormatUint(i.Priority, 10) + "}"
}

// itemHeap is the heap.Interface backing a MapHeap
type itemHeap[V any] struct {
	items    []*item[V]
	itemsMap map[uint64]*item[V]
}

func (h *itemHeap[V]) Len() int { return len(h.items) }

// Less orders by priority; equal priorities are ordered by key to keep pops deterministic
func (h *itemHeap[V]) Less(i, j int) bool {
	if h.items[i].Priority == h.items[j].Priority {
		return h.items[i].Key < h.items[j].Key
	}
	return h.items[i].Priority < h.items[j].Priority
}

func (h *itemHeap[V]) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *itemHeap[V]) Push(x interface{}) {
	it := x.(*item[V])
	it.index = len(h.items)
	h.items = append(h.items, it)
	h.itemsMap[it.Key] = it
}

func (h *itemHeap[V]) Pop() interface{} {
	old := h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil // avoid memory leak
	it.index = -1
	h.items = old[:n-1]
	delete(h.itemsMap, it.Key)
	return it
}

// MapHeap is a min-priority queue with key-based access
type MapHeap[V any] struct {
	h itemHeap[V]
}

// NewMapHeap creates a new empty queue
func NewMapHeap[V any]() *MapHeap[V] {
	return &MapHeap[V]{
		h: itemHeap[V]{
			items:    make([]*item[V], 0),
			itemsMap: make(map[uint64]*item[V]),
		},
	}
}

// Len returns the number of items in the queue
func (q *MapHeap[V]) Len() int { return q.h.Len() }

// Put adds a new item or replaces the priority and value of an existing one
func (q *MapHeap[V]) Put(key, priority uint64, value V) {
	if it, exists := q.h.itemsMap[key]; exists {
		it.Priority = priority
		it.Value = value
		heap.Fix(&q.h, it.index)
		return
	}

	heap.Push(&q.h, &item[V]{
		Key:      key,
		Priority: priority,
		Value:    value,
	})
}

// PopMin removes and returns the item with the lowest priority.
// It must not be called on an empty queue.
func (q *MapHeap[V]) PopMin() (key, priority uint64, value V) {
	it := heap.Pop(&q.h).(*item[V])
	return it.Key, it.Priority, it.Value
}

// RemoveByKey removes an item by its key and returns its value
func (q *MapHeap[V]) RemoveByKey(key uint64) (V, bool) {
	it, exists := q.h.itemsMap[key]
	if !exists {
		var zero V
		return zero, false
	}

	heap.Remove(&q.h, it.index)
	return it.Value, true
}

// Peek returns the key, priority and value of the minimum item without removing it
func (q *MapHeap[V]) Peek() (key, priority uint64, value V, ok bool) {
	if len(q.h.items) == 0 {
		return 0, 0, value, false
	}
	it := q.h.items[0]
	return it.Key, it.Priority, it.Value, true
}

// Contains checks if a key exists in the queue
func (q *MapHeap[V]) Contains(key uint64) bool {
	_, exists := q.h.itemsMap[key]
	return exists
}

// GetByKey returns the priority and value stored for key without removing it
func (q *MapHeap[V]) GetByKey(key uint64) (priority uint64, value V, ok bool) {
	it, exists := q.h.itemsMap[key]
	if !exists {
		return 0, value, false
	}
	return it.Priority, it.Value, true
}
