// Package metrics provides the lock-free counter and latency histogram
// primitives behind clinicauth.Metrics.
//
// Counters are cache-line padded atomics. Histograms use 8 fixed buckets
// (<=5ms ... +Inf). Both are allocation-free on the write path.
//
// # What this package must NOT do
//
//   - Perform I/O.
//   - Import clinicauth or any sibling package.
//   - Expose global registries.
package metrics
