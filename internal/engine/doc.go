// Package engine implements the command ledger.
//
// A command is executed at most once per (idempotency_key, scope_key):
//
//  1. The envelope is validated and routed to the pack owning its namespace.
//  2. The key is claimed in a DedupeIndex. A completed key returns the stored
//     outcome; a key held by another execution returns already_processing.
//  3. The pack's reducer is rebuilt from the event store and the handler
//     turns the command into event drafts.
//  4. The ledger completes the drafts into envelopes, appends them, records
//     the outcome and completes the claim.
//
// Nothing is returned before the events and the outcome are durable. When an
// append fails the claim is released, so a retry with the same key is a fresh
// attempt: appends are at-least-once, the visible outcome is exactly-once.
//
// Handlers are pure. They reject a command by returning PreconditionFailed or
// Invalid; any other error yields a failed outcome and releases the claim.
package engine
