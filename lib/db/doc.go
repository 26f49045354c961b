// Package db provides the interface of the local resource database of a connection.
// It defines the ResourceDB interface that the sync engine writes to and the reactive
// store front reads from, independent of the table implementation.
//
// The package focuses on:
//   - A unified interface for typed, indexed resource tables
//   - Feature discovery through capability flags
//   - Change notifications (coalesced in batches) and transient pass through
//   - Standardized metadata reporting
//
// Key Components:
//
//   - ResourceDB Interface: The core interface that all implementations must satisfy.
//     It provides write operations (ApplySet, ApplyRemove, Clear), read operations
//     (Get, Query, All, Count), notifications (Batch, Subscribe, OnTransient) and
//     metadata retrieval (GetInfo).
//
//   - Feature Flags: The Feature type defines capability flags that implementations
//     can advertise through the SupportsFeature method.
//
//   - Database Information: The DatabaseInfo structure reports rows, tombstones and
//     index entries per kind. Sizes are estimated from the raw payloads.
//
//   - Errors: Failures of the database itself are returned as *Error with a RetCode.
//     Errors of a kinds transform are returned wrapped, so errors.Is works on them.
//
// Note on timestamps:
//   - Every write carries the timestamp of its sync log entry. A row (or the tombstone
//     of a removed row) remembers the timestamp of the write that produced it, and older
//     writes are ignored. Writes with an equal timestamp are applied, so re-applying
//     the same entry is idempotent.
package db
