// Package metrics exposes the orchestrator's Prometheus instruments.
// All label values are bounded: statuses, deny kinds, and error kinds
// come from closed enums, and skill_id is bounded by the registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "baton_runs_started_total",
			Help: "Workflow runs started, by mode (fresh, resume, replay)",
		},
		[]string{"mode"},
	)

	runsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "baton_runs_completed_total",
			Help: "Workflow runs reaching a terminal state, by status",
		},
		[]string{"status"},
	)

	stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "baton_step_duration_seconds",
			Help:    "Wall time per step invocation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"skill_id"},
	)

	stepRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "baton_step_retries_total",
			Help: "Step retry attempts, by skill and error kind",
		},
		[]string{"skill_id", "error_kind"},
	)

	checkpointSave = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "baton_checkpoint_save_seconds",
			Help:    "Checkpoint save latency",
			Buckets: prometheus.DefBuckets,
		},
	)

	replayMismatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "baton_replay_mismatches_total",
			Help: "Replay comparisons that diverged from the golden record",
		},
	)

	goldenTamper = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "baton_golden_tamper_total",
			Help: "Golden record signature verification failures",
		},
	)

	policyDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "baton_policy_denials_total",
			Help: "Policy denials, by deny kind",
		},
		[]string{"kind"},
	)

	claimConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "baton_claim_conflicts_total",
			Help: "Item completions rejected because the claim was revoked",
		},
	)

	inboxTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "baton_inbox_timeouts_total",
			Help: "Reply-inbox waits that expired before a post arrived",
		},
	)
)

// RecordRunStarted increments the run-start counter. mode is one of
// fresh, resume, replay.
func RecordRunStarted(mode string) {
	runsStarted.WithLabelValues(mode).Inc()
}

// RecordRunCompleted increments the terminal-state counter.
func RecordRunCompleted(status string) {
	runsCompleted.WithLabelValues(status).Inc()
}

// ObserveStepDuration records one step invocation's wall time.
func ObserveStepDuration(skillID string, seconds float64) {
	stepDuration.WithLabelValues(skillID).Observe(seconds)
}

// RecordStepRetry increments the retry counter.
func RecordStepRetry(skillID, errorKind string) {
	stepRetries.WithLabelValues(skillID, errorKind).Inc()
}

// ObserveCheckpointSave records one checkpoint write's latency.
func ObserveCheckpointSave(seconds float64) {
	checkpointSave.Observe(seconds)
}

// RecordReplayMismatch increments the replay divergence counter.
func RecordReplayMismatch() {
	replayMismatches.Inc()
}

// RecordGoldenTamper increments the tamper counter.
func RecordGoldenTamper() {
	goldenTamper.Inc()
}

// RecordPolicyDenial increments the denial counter for a deny kind.
func RecordPolicyDenial(kind string) {
	policyDenials.WithLabelValues(kind).Inc()
}

// RecordClaimConflict increments the revoked-claim counter.
func RecordClaimConflict() {
	claimConflicts.Inc()
}

// RecordInboxTimeout increments the inbox timeout counter.
func RecordInboxTimeout() {
	inboxTimeouts.Inc()
}
