// Package cmd implements the command-line interface of dSync. It is a thin
// layer over lib/conn and mostly useful to debug sync logs and keychains.
//
// The package is organized into several subpackages:
//
//   - session: Commands that open a connection (replay, connect, keychain)
//   - perf: Benchmarks of the local sync engine, database and keychain
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See dsync -help for a list of all commands.
package cmd
