// Package identity holds the client-correlation identifier and the fixed
// build, locale and timezone metadata that every provider request carries.
//
// An [Identity] is created once per session. Its client id is generated
// lazily on first use and never changes afterwards; a resumed session
// restores the id it was persisted with.
//
// # What this package must NOT do
//
//   - Hold protocol state (tokens, cookies, account metadata).
//   - Perform network I/O.
package identity
