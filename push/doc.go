// Package push performs the push-notification handshake that binds an
// authenticated session to a notification channel: token acquisition,
// topic registration, per-service device registration, state queries and
// the web courier long-poll.
//
// A [Registrar] reads the session's cookie jar through the narrow [Jar]
// interface and never mutates it, so registration may run while other
// goroutines read the jar. The [State] it updates is owned by the caller
// and passed in by pointer.
//
// # What this package must NOT do
//
//   - Mutate cookies or authentication tokens.
//   - Decide whether a failed registration invalidates the session.
package push
