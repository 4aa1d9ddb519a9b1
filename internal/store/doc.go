// Package store owns the SQLite handle shared by envtrack's persistent
// components.
//
// Open applies the embedded schema (or verifies its version), configures the
// connection pragmas, and makes every transaction begin with write intent so
// read-modify-write sequences cannot interleave. WithTx wraps the commit and
// rollback bookkeeping and retries transactions that lose the race for the
// write lock. The helpers in this package fix the timestamp encoding used by
// every table.
package store
