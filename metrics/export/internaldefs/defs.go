package internaldefs

import (
	"github.com/MrEthical07/authpipe/metrics"
)

// CounterDef names one exported counter.
type CounterDef struct {
	ID   metrics.ID
	Name string
	Help string
}

// HistogramDef names one exported histogram.
type HistogramDef struct {
	ID   metrics.ID
	Name string
	Help string
}

var CounterDefs = []CounterDef{
	{ID: metrics.RequestSent, Name: "authpipe_request_sent_total", Help: "Requests dispatched through the gateway."},
	{ID: metrics.RequestUnauthorized, Name: "authpipe_request_unauthorized_total", Help: "Unauthorized responses eligible for refresh."},
	{ID: metrics.RefreshStarted, Name: "authpipe_refresh_started_total", Help: "Refresh calls sent to the auth server."},
	{ID: metrics.RefreshJoined, Name: "authpipe_refresh_joined_total", Help: "Callers that awaited an in-flight refresh."},
	{ID: metrics.RefreshSuccess, Name: "authpipe_refresh_success_total", Help: "Successful refresh operations."},
	{ID: metrics.RefreshFailure, Name: "authpipe_refresh_failure_total", Help: "Failed refresh operations."},
	{ID: metrics.Replay, Name: "authpipe_replay_total", Help: "Requests replayed after refresh."},
	{ID: metrics.ReplayUnauthorized, Name: "authpipe_replay_unauthorized_total", Help: "Replays rejected as unauthorized."},
	{ID: metrics.SessionEnded, Name: "authpipe_session_ended_total", Help: "Sessions ended by refresh failure."},
	{ID: metrics.LoginSuccess, Name: "authpipe_login_success_total", Help: "Completed logins."},
	{ID: metrics.LoginFailure, Name: "authpipe_login_failure_total", Help: "Failed logins."},
	{ID: metrics.StepUpRequired, Name: "authpipe_stepup_required_total", Help: "Logins gated by step-up."},
	{ID: metrics.StepUpSuccess, Name: "authpipe_stepup_success_total", Help: "Successful step-up verifications."},
	{ID: metrics.StepUpFailure, Name: "authpipe_stepup_failure_total", Help: "Step-up codes rejected by the server."},
	{ID: metrics.StepUpCodeRejected, Name: "authpipe_stepup_code_rejected_total", Help: "Step-up codes rejected before any network call."},
	{ID: metrics.StepUpEnabled, Name: "authpipe_stepup_enabled_total", Help: "Step-up enrollments committed."},
	{ID: metrics.StepUpDisabled, Name: "authpipe_stepup_disabled_total", Help: "Step-up factors disabled."},
	{ID: metrics.BackupCodesRegenerated, Name: "authpipe_backup_codes_regenerated_total", Help: "Backup-code batches regenerated."},
	{ID: metrics.IdleWarning, Name: "authpipe_idle_warning_total", Help: "Idle warnings shown."},
	{ID: metrics.IdleLogout, Name: "authpipe_idle_logout_total", Help: "Forced logouts after idle timeout."},
	{ID: metrics.Logout, Name: "authpipe_logout_total", Help: "Explicit logouts."},
}

var HistogramDefs = []HistogramDef{
	{ID: metrics.RefreshLatency, Name: "authpipe_refresh_latency_seconds", Help: "Refresh round-trip latency."},
}

var HistogramBounds = []string{
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"1",
	"+Inf",
}

// NormalizeBuckets pads or truncates raw to the fixed bucket count.
func NormalizeBuckets(raw []uint64) [metrics.BucketCount]uint64 {
	var out [metrics.BucketCount]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts to cumulative le counts.
func CumulativeBuckets(raw [metrics.BucketCount]uint64) [metrics.BucketCount]uint64 {
	var out [metrics.BucketCount]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
