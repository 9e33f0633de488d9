// Package ir provides the canonical record types and identity functions for the ledger.
//
// This package contains type definitions, canonicalization, content hashing and the
// envelope validators. All other internal packages import ir; ir imports nothing
// internal. This keeps identity rules in one place so every producer and consumer
// agrees on what a record is and how it is named.
//
// Key design constraints:
//   - Every ID that must be reproducible is derived from CanonicalForm bytes
//     (RFC 8785 JSON over NFC-normalized strings) hashed with SHA-256.
//   - Hash inputs are domain separated (see hash.go) so an event payload can never
//     collide with a trajectory step carrying the same fields.
//   - Canonicalization failures are fatal: a CanonicalizationError means a
//     non-reproducible ID was about to be minted.
//   - All JSON tags use snake_case.
//   - Business time (occurred_at) and recording time (ingested_at) are separate fields.
package ir
