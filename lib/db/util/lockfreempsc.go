// Package util provides a lock-free Multi-Producer Single-Consumer (MPSC) queue implementation.
//
// Features and Guarantees:
//
//   - Lock-Free writes: producers append with atomic CAS operations
//   - Unbounded Size: the queue can grow to any size as needed, limited only by available memory
//   - Single Consumer: values are delivered to exactly one goroutine through the Recv() channel
//   - FIFO per producer: values pushed sequentially by one goroutine are delivered in that order.
//     Under concurrent Push() calls the order is decided by which producer links its node first.
//   - Draining Close: after Close() no new values are accepted, values already queued are still
//     delivered, then the Recv() channel is closed.
package util

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// node represents a single element in the queue
type node[T any] struct {
	value T
	next  atomic.Pointer[node[T]]
}

// LockFreeMPSC is a lock-free multi-producer single-consumer queue
// backed by a linked list of nodes
type LockFreeMPSC[T any] struct {
	head     atomic.Pointer[node[T]]
	tail     atomic.Pointer[node[T]]
	out      chan T
	consumer sync.WaitGroup
	closed   atomic.Bool

	// pushes that passed the closed check but may not have linked their node yet.
	// sealed is set by Close once closed is set and inflight dropped to zero.
	inflight atomic.Int64
	sealed   atomic.Bool

	// the consumer parks on cond when the list is empty
	mu   sync.Mutex
	cond *sync.Cond
}

// NewLockFreeMPSC creates a new queue and starts its delivery goroutine
func NewLockFreeMPSC[T any]() *LockFreeMPSC[T] {
	sentinel := &node[T]{}

	q := &LockFreeMPSC[T]{
		out: make(chan T),
	}
	q.cond = sync.NewCond(&q.mu)
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	q.consumer.Add(1)
	go q.consume()

	return q
}

// Push adds a value to the queue.
// Returns false if the queue is closed.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (q *LockFreeMPSC[T]) Push(value T) bool {
	q.inflight.Add(1)
	defer q.inflight.Add(-1)

	if q.closed.Load() {
		return false
	}

	newNode := &node[T]{value: value}
	var backoff uint8

	for {
		tailNode := q.tail.Load()
		next := tailNode.next.Load()
		if next == nil {
			if tailNode.next.CompareAndSwap(nil, newNode) {
				// another producer may already have advanced the tail, that's fine
				q.tail.CompareAndSwap(tailNode, newNode)
				q.wake()
				return true
			}
		} else {
			// help a producer that linked its node but did not move the tail yet
			q.tail.CompareAndSwap(tailNode, next)
		}

		// spin with exponential backoff under contention, then yield
		if backoff < 10 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// wake signals the consumer. The lock is taken so a signal can not slip in
// between the consumers emptiness check and its Wait call.
func (q *LockFreeMPSC[T]) wake() {
	q.mu.Lock()
	q.cond.Signal()
	q.mu.Unlock()
}

// consume moves values from the linked list to the output channel
func (q *LockFreeMPSC[T]) consume() {
	defer q.consumer.Done()
	defer close(q.out)

	var zero T
	for {
		// sealed is read before draining, no node can be linked after it was set
		sealed := q.sealed.Load()
		hasItems := false

		for {
			head := q.head.Load()
			next := head.next.Load()
			if next == nil {
				break
			}
			hasItems = true

			value := next.value
			q.head.Store(next)
			q.out <- value

			// release the reference, next is the new sentinel
			next.value = zero
		}

		if hasItems {
			continue
		}
		if sealed {
			return
		}

		q.mu.Lock()
		if q.head.Load().next.Load() == nil && !q.sealed.Load() {
			q.cond.Wait()
		}
		q.mu.Unlock()
	}
}

// Recv returns the channel values are delivered on.
// The channel is closed once the queue is closed and drained.
func (q *LockFreeMPSC[T]) Recv() <-chan T {
	return q.out
}

// Close closes the queue, preventing further writes.
// Values already in the queue are still delivered.
// Close returns once every concurrent Push has either been rejected or linked its value.
func (q *LockFreeMPSC[T]) Close() {
	q.closed.Store(true)
	for q.inflight.Load() > 0 {
		runtime.Gosched()
	}
	q.sealed.Store(true)
	q.wake()
}

// IsClosed returns true if the queue is closed.
func (q *LockFreeMPSC[T]) IsClosed() bool {
	return q.closed.Load()
}

// Len returns an approximate count of queued values.
// This is O(n) and should only be used for debugging.
func (q *LockFreeMPSC[T]) Len() int {
	count := 0
	current := q.head.Load()
	for {
		next := current.next.Load()
		if next == nil {
			break
		}
		count++
		current = next
	}
	return count
}
