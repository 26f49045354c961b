// Package reactive is the read side of a connection.
//
// A Store wraps one kind of a db.ResourceDB and hands out live views: One follows
// a single row by id, Many follows the result of an index query and/or predicate.
// Views push a notification synchronously on the writing goroutine whenever a
// change touches them. The database delivers one change per kind and batch, so
// a sync log touching many rows results in a single notification per view.
//
// A view is only registered with its store while it has subscribers. Dropping
// the last subscription releases it.
package reactive
