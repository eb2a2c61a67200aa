package internaldefs

import (
	"strconv"
	"strings"

	"github.com/MrEthical07/clinicauth"
	"github.com/MrEthical07/clinicauth/internal/metrics"
)

// Def names one exported series.
type Def struct {
	ID   clinicauth.MetricID
	Name string
	Help string
}

// Counters lists every engine counter in export order.
var Counters = []Def{
	{clinicauth.MetricLoginSuccess, "clinicauth_login_success_total", "Sign-ins accepted by the identity provider."},
	{clinicauth.MetricLoginFailure, "clinicauth_login_failure_total", "Sign-ins rejected for invalid credentials (counted attempts)."},
	{clinicauth.MetricLoginLocked, "clinicauth_login_locked_total", "Sign-ins refused because the email was locked out."},
	{clinicauth.MetricLockoutTriggered, "clinicauth_lockout_triggered_total", "Lockouts started by a failure threshold."},
	{clinicauth.MetricLockoutCleared, "clinicauth_lockout_cleared_total", "Administrative lockout clears."},
	{clinicauth.MetricRoleResolved, "clinicauth_role_resolved_total", "Roles resolved for the current identity."},
	{clinicauth.MetricRoleLookupFailure, "clinicauth_role_lookup_failure_total", "Role lookups that failed or timed out."},
	{clinicauth.MetricRoleCacheHit, "clinicauth_role_cache_hit_total", "Roles served from a fresh cached binding."},
	{clinicauth.MetricSessionValidated, "clinicauth_session_validated_total", "Existing sessions confirmed by the identity provider."},
	{clinicauth.MetricSessionRejected, "clinicauth_session_rejected_total", "Existing sessions rejected or timed out during validation."},
	{clinicauth.MetricEventDuplicate, "clinicauth_event_duplicate_total", "Provider events dropped as duplicates."},
	{clinicauth.MetricEventDebounced, "clinicauth_event_debounced_total", "Provider events superseded within the debounce window."},
	{clinicauth.MetricSignOut, "clinicauth_sign_out_total", "Sign-outs, local or provider initiated."},
}

// LookupLatency is the only histogram.
var LookupLatency = Def{
	clinicauth.MetricRoleLookupLatency,
	"clinicauth_role_lookup_latency_seconds",
	"Role lookup latency.",
}

const (
	AuditDroppedName = "clinicauth_audit_dropped_total"
	AuditDroppedHelp = "Audit events dropped by dispatcher backpressure."
)

// Bucket is one histogram bucket boundary.
type Bucket struct {
	// LE is the Prometheus le label value, in seconds.
	LE string
	// Suffix is LE made safe for instrument names ("0_005", "inf").
	Suffix string
}

// Buckets returns the boundaries matching internal/metrics, ending in +Inf.
func Buckets() []Bucket {
	out := make([]Bucket, 0, metrics.BucketCount)
	for _, bound := range metrics.UpperBounds {
		le := strconv.FormatFloat(bound.Seconds(), 'f', -1, 64)
		out = append(out, Bucket{LE: le, Suffix: strings.ReplaceAll(le, ".", "_")})
	}
	return append(out, Bucket{LE: "+Inf", Suffix: "inf"})
}

// Cumulative turns per-bucket counts into running totals, padding or
// truncating raw to the bucket count. A nil raw yields all zeros.
func Cumulative(raw []uint64) []uint64 {
	out := make([]uint64, metrics.BucketCount)
	var running uint64
	for i := range out {
		if i < len(raw) {
			running += raw[i]
		}
		out[i] = running
	}
	return out
}
