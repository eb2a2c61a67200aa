// Package prometheus renders clinicauth engine metrics in the Prometheus text
// exposition format.
//
// Counters are named clinicauth_*_total; the role lookup latency histogram is
// clinicauth_role_lookup_latency_seconds and is only present when latency
// histograms are enabled. Mount [Exporter.Handler] on a metrics route; no
// global registry is touched.
package prometheus
