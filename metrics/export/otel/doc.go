// Package otel exposes session metrics through OpenTelemetry observable
// instruments.
//
// [NewExporter] registers one Int64ObservableCounter per session counter and
// one Int64ObservableGauge per latency bucket. A single callback reads
// [goICloud.Session.Metrics] on each collection.
//
// # What this package must NOT do
//
//   - Own the MeterProvider. Callers supply the Meter.
//   - Mutate session state.
package otel
