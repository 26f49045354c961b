// Package testing provides standardised tests and benchmarks for
// database implementations that satisfy the db.ResourceDB interface.
//
// The package contains:
//   - testing: A comprehensive test suite for validating conformance to the ResourceDB
//     interface contract (idempotence, last-write-wins, index consistency, batching, ...)
//   - benchmark: Performance tests for measuring throughput of common database operations
//
// All tests run against a registry with the built-in resource kinds (without keychain access).
//
// Example usage:
//
//	// Creating a factory function for your implementation
//	factory := func(registry *resource.Registry) db.ResourceDB {
//		return NewMyDatabase(registry)
//	}
//
//	// Running the standard test suite
//	dbtesting.RunResourceDBTests(t, "MyDatabase", factory)
//
//	// Running performance benchmarks
//	dbtesting.RunResourceDBBenchmarks(b, "MyDatabase", factory)
package testing
