// Package otel publishes clinicauth engine metrics as OpenTelemetry
// asynchronous instruments.
//
// Every counter becomes an Int64ObservableCounter with the shared
// clinicauth_*_total name. The role lookup latency histogram becomes one
// cumulative Int64ObservableGauge, clinicauth_role_lookup_latency_seconds_bucket,
// with an "le" attribute per boundary, plus a _count gauge. A single callback
// reads the engine snapshot per collection.
//
// # What this package must NOT do
//
//   - Own the MeterProvider; callers supply the Meter.
//   - Mutate engine state.
package otel
