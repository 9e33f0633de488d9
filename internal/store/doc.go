// Package store provides the durable media the ledger writes to.
//
// Two media live here:
//   - Log: an append-only, line-oriented file with one canonical JSON record
//     per line. Events, command records, command outcomes, trajectory steps,
//     trajectory outcomes, derived artifacts and budget receipts each get a
//     separate Log so retention and replay can be scoped independently.
//   - Index: a SQLite table of idempotency claims keyed by
//     (idempotency_key, scope_key). It is the durable dedupe backend for the
//     command ledger.
//
// # Critical Patterns
//
// Append-only: a Log is only ever appended to. The single exception is
// Rewrite, which the trajectory log uses for explicit, caller-requested
// pruning. Rewrite replaces the file atomically via a temp file and rename.
//
// Single writer: one process owns a data directory. Appends from goroutines
// in that process are serialized by the Log's mutex and land as one write(2)
// each. There is no cross-process locking.
//
// Atomic claims: Index.Claim is an insert-or-select inside one transaction
// (INSERT ... ON CONFLICT DO NOTHING, then SELECT), so two concurrent claims
// for the same key can never both proceed.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//
// Records are serialized with ir.Canonicalize, so a line's bytes are a pure
// function of its content.
package store
