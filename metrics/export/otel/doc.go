// Package otel bridges authpipe counters and the refresh latency histogram
// into OpenTelemetry.
//
// [NewExporter] registers an Int64ObservableCounter per counter, tagged
// with the pipeline component that records it. The refresh latency
// histogram becomes one Int64ObservableGauge with a data point per "le"
// bound, holding cumulative counts, plus a _count counter. One callback
// reads the snapshot on each collection cycle.
//
// # What this package must NOT do
//
//   - Own the MeterProvider. Callers supply the Meter.
//   - Mutate pipeline state.
package otel
