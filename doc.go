// Package goICloud establishes and maintains an authenticated iCloud web
// session: credential sign-in, trusted-device verification codes, account
// login, cookie bookkeeping and push-notification registration.
//
// A [Session] is built once through [Builder.Build] and then driven by the
// host with [Session.Prepare], [Session.Login] and
// [Session.EnterTwoFactorCode]. The host learns what to do next from
// [Event] values delivered to its [EventSink]; it persists
// [Session.Snapshot] so the next process run can resume without signing in
// again.
//
// # Architecture boundaries
//
// goICloud is the public surface. It exposes [Session], [Builder], [Config]
// and value types. Cookie handling lives in cookie, client identity in
// identity, request construction and the HTTP collaborator in transport,
// push registration in push and the persisted model and stores in session.
// Those packages never import goICloud.
//
// # What this package must NOT do
//
//   - Persist or log the account password, tokens or cookie values.
//   - Run two transitions on one Session at the same time.
//   - Publish a partially updated session when a transition fails or its
//     context is cancelled.
package goICloud
