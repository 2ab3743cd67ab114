// Package session defines the persisted form of an authenticated session
// and the stores that keep it between process runs.
//
// # Encoding
//
// A [State] is stored as versioned JSON. [Decode] rejects unknown fields
// and unknown versions and then validates the record field by field, so a
// damaged or foreign blob fails with [ErrMalformedState] instead of
// producing a half-populated session.
//
// # Architecture boundaries
//
// This package owns the [State] model and the [Store] implementations
// (Redis, file, SQLite). It does not decide whether a state is still usable
// against the provider; that is the engine's validity check.
//
// # What this package must NOT do
//
//   - Import the root engine package (no upward imports).
//   - Store the account password in any field.
package session
