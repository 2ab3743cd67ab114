package internaldefs

import (
	goICloud "github.com/MrEthical07/goICloud"
)

// CounterDef names one session counter for export.
type CounterDef struct {
	ID   goICloud.MetricID
	Name string
	Help string
}

// HistogramDef names one session histogram for export.
type HistogramDef struct {
	ID   goICloud.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter in a stable order.
var CounterDefs = []CounterDef{
	{ID: goICloud.MetricLoginSuccess, Name: "icloud_login_success_total", Help: "Logins that reached the authenticated state."},
	{ID: goICloud.MetricLoginFailure, Name: "icloud_login_failure_total", Help: "Sign-in attempts rejected by the provider."},
	{ID: goICloud.MetricTwoFactorRequired, Name: "icloud_two_factor_required_total", Help: "Sign-ins that required a verification code."},
	{ID: goICloud.MetricTwoFactorSuccess, Name: "icloud_two_factor_success_total", Help: "Accepted verification codes."},
	{ID: goICloud.MetricTwoFactorFailure, Name: "icloud_two_factor_failure_total", Help: "Rejected verification codes."},
	{ID: goICloud.MetricSessionResumed, Name: "icloud_session_resumed_total", Help: "Persisted sessions resumed without a provider call."},
	{ID: goICloud.MetricSessionExpired, Name: "icloud_session_expired_total", Help: "Sessions found or declared expired."},
	{ID: goICloud.MetricPushTokenAcquired, Name: "icloud_push_token_acquired_total", Help: "Push tokens acquired."},
	{ID: goICloud.MetricPushTopicsRegistered, Name: "icloud_push_topics_registered_total", Help: "Push topic registrations."},
	{ID: goICloud.MetricDeviceRegistered, Name: "icloud_push_device_registered_total", Help: "Per-service device registrations."},
	{ID: goICloud.MetricPushFailure, Name: "icloud_push_failure_total", Help: "Failed push registration steps."},
	{ID: goICloud.MetricTransportFailure, Name: "icloud_transport_failure_total", Help: "Transitions failed by transport errors."},
	{ID: goICloud.MetricMalformedResponse, Name: "icloud_malformed_response_total", Help: "Transitions failed by unexpected provider answers."},
	{ID: goICloud.MetricTransitionRejected, Name: "icloud_transition_rejected_total", Help: "Calls rejected while another transition was running."},
	{ID: goICloud.MetricCookiesDropped, Name: "icloud_cookies_dropped_total", Help: "Malformed Set-Cookie headers dropped."},
}

// HistogramDefs lists every exported histogram.
var HistogramDefs = []HistogramDef{
	{ID: goICloud.MetricTransitionLatency, Name: "icloud_transition_latency_seconds", Help: "Wall time of completed transitions."},
}

// HistogramBounds are the upper bounds of the latency buckets in seconds.
var HistogramBounds = []string{
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"1",
	"2.5",
	"5",
	"+Inf",
}

// HistogramBoundSuffix is HistogramBounds spelled for instrument names.
var HistogramBoundSuffix = []string{
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"1",
	"2_5",
	"5",
	"inf",
}

// NormalizeBuckets copies raw into a fixed-size array, zero-filling
// missing buckets.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts to cumulative counts.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
