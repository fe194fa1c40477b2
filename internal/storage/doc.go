// Package storage persists deliverables, reminder jobs, and credentials.
//
// Drivers:
//   - "sqlite": single-file SQLite database (default)
//   - "postgres": PostgreSQL via DSN
//   - "memory": in-process store (tests, dry runs); contents die with the process
//
// All drivers provide atomic per-record upsert, a conditional scheduled →
// dispatching claim for reminder jobs, and compare-and-swap on credentials.
package storage
