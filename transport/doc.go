// Package transport assembles provider requests and executes them.
//
// A [Builder] turns endpoints, client identity and per-call inputs (cookie
// string, session continuation values, push target) into a [Request]. It
// keeps no protocol state and every method is a pure function of its
// arguments. Execution is delegated to a [Doer]; [HTTPDoer] is the
// net/http implementation with timeouts, bounded retries, pacing and
// response decoding.
//
// # Architecture boundaries
//
// The session engine owns cookies and tokens and passes them in. Nothing in
// this package reads or writes a cookie jar.
//
// # What this package must NOT do
//
//   - Interpret provider payloads beyond transport concerns.
//   - Log header values (cookies and tokens travel in headers).
package transport
