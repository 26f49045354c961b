// Package util provides the small data structures shared by the resource
// database and the sync engine.
//
// The package contains:
//   - functions: hash functions and seed generation
//   - mapheap: a priority queue with key-based access, used to order deferred
//     sync entries by timestamp while allowing supersession by (kind, id)
//   - lockfreempsc: a lock-free Multi-Producer Single-Consumer (MPSC) queue, used
//     as the inbox of the sync engine so that logs are applied in arrival order
package util
