// Package memtable implements the resource database (db.ResourceDB) of a connection
// as a set of in-memory tables, one per stored resource kind.
//
// The package focuses on:
//   - Consistent indexes: every write updates the primary map and all index maps of a
//     table under the tables write lock, so readers never observe a row without its
//     index entries (or the other way round)
//   - Last-write-wins rows: every row and every tombstone carries the timestamp of the
//     write that produced it, older writes are ignored
//   - Coalesced change notifications: inside a batch changes are only collected and
//     delivered once the outermost batch returns
//
// Key Components:
//
//   - memtableImpl: The database structure implementing db.ResourceDB. It holds the
//     registry, one table per non transient kind and the transient listeners.
//     Transforms (decryption) run before any lock is taken.
//
//   - Table: All rows of one kind. Rows keep the sequence number of their first
//     insertion, so queries return results in insertion order even after a row was
//     replaced. Index maps store index key -> set of ids.
//
//   - Notifier: Collects the changed ids per kind and delivers them to the subscribers,
//     either immediately or at the end of the outermost batch.
//
// Thread-safety: reads may run concurrently with each other and with writes of other
// kinds. Writes of the same kind are serialized.
package memtable
