// Package cookie provides the session cookie jar used by the authentication
// engine: Set-Cookie merging, deterministic Cookie header rendering and the
// aggregate validity predicate that decides whether a persisted session can be
// reused without a network round trip.
//
// # Merge semantics
//
// The jar is keyed by cookie name only. A Set-Cookie header for a name that is
// already present overwrites the attributes carried by the header and keeps
// every attribute the header omits. Malformed headers are dropped and returned
// to the caller so they can be reported; merging never fails.
//
// # Validity
//
// An empty jar is never valid. Otherwise every cookie must either carry
// [FlagTrustMarker] or expire strictly after the evaluation time. Cookies
// without an expiry are not considered valid.
//
// # What this package must NOT do
//
//   - Perform network I/O or know about provider endpoints.
//   - Log cookie values.
package cookie
