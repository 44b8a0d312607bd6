// Package metrics holds the pipeline's in-process counters and the refresh
// latency histogram.
//
// Counters are padded atomics indexed by [ID], so incrementing from the
// gateway hot path never allocates or takes a lock. Exporters under
// metrics/export read [Snapshot] values; nothing here talks to a collector.
package metrics
