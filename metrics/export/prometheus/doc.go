// Package prometheus renders authpipe metrics in the Prometheus text
// exposition format.
//
// Counters are named authpipe_*_total; the single histogram is
// authpipe_refresh_latency_seconds.
//
// # What this package must NOT do
//
//   - Register into a global Prometheus registry. Callers mount the Handler.
//   - Mutate pipeline state.
package prometheus
