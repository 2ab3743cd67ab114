// Package prometheus renders session metrics in the Prometheus text
// exposition format.
//
// [NewExporter] reads a [goICloud.Session] (or any [Source]) on every render.
// Counters are named icloud_*_total; the one histogram is
// icloud_transition_latency_seconds.
//
// # What this package must NOT do
//
//   - Register metrics in a global registry. Callers mount the Handler.
//   - Mutate session state.
package prometheus
