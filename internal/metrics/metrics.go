package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edgegate_decisions_total",
		Help: "Access decisions returned by the decision engine, by outcome",
	}, []string{"decision"})
	decisionLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "edgegate_decision_duration_seconds",
		Help:    "Time spent evaluating a single access request",
		Buckets: []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05},
	})
	policyEvalErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "edgegate_policy_evaluation_errors_total",
		Help: "Policies skipped during evaluation because their rules could not be evaluated",
	})
	snapshotPolicies = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "edgegate_snapshot_policies",
		Help: "Number of policies in the decision engine snapshot",
	})
	endpointsHealthy = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "edgegate_backend_endpoints_healthy",
		Help: "Number of backend endpoints currently in the ranked pool",
	})
	backendCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edgegate_backend_calls_total",
		Help: "Backend gateway calls by outcome (success, no_response)",
	}, []string{"outcome"})
	policySyncs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edgegate_policy_syncs_total",
		Help: "Policy synchronization runs by result (success, failure, skipped)",
	}, []string{"result"})
	expiredRemoved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "edgegate_policies_expired_removed_total",
		Help: "Expired policies physically removed by cleanup passes",
	})
	auditDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "edgegate_audit_records_dropped_total",
		Help: "Decision records dropped because the audit forwarding queue was full",
	})
	requestsBlocked = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edgegate_api_requests_blocked_total",
		Help: "Local API requests rejected by the security layer, by reason",
	}, []string{"reason"})
)

// Register registers Prometheus collectors. Call once at startup.
func Register(registry prometheus.Registerer) {
	registry.MustRegister(
		decisionsTotal,
		decisionLatency,
		policyEvalErrors,
		snapshotPolicies,
		endpointsHealthy,
		backendCalls,
		policySyncs,
		expiredRemoved,
		auditDropped,
		requestsBlocked,
	)
}

// ObserveDecision records one decision and its evaluation time in seconds.
func ObserveDecision(decision string, seconds float64) {
	decisionsTotal.WithLabelValues(decision).Inc()
	decisionLatency.Observe(seconds)
}

// IncPolicyEvalError counts a policy skipped because of an evaluation error.
func IncPolicyEvalError() { policyEvalErrors.Inc() }

// SetSnapshotPolicies reports the size of the freshly loaded snapshot.
func SetSnapshotPolicies(n int) { snapshotPolicies.Set(float64(n)) }

// SetHealthyEndpoints reports the ranked pool size after a health change.
func SetHealthyEndpoints(n int) { endpointsHealthy.Set(float64(n)) }

// IncBackendCall counts a finished backend gateway call.
func IncBackendCall(outcome string) { backendCalls.WithLabelValues(outcome).Inc() }

// IncPolicySync counts a finished (or skipped) sync run.
func IncPolicySync(result string) { policySyncs.WithLabelValues(result).Inc() }

// AddExpiredRemoved adds the number of rows removed by a cleanup pass.
func AddExpiredRemoved(n int64) { expiredRemoved.Add(float64(n)) }

// IncAuditDropped counts a decision record that could not be queued for forwarding.
func IncAuditDropped() { auditDropped.Inc() }

// IncRequestBlocked counts a local API request rejected before reaching its handler.
func IncRequestBlocked(reason string) { requestsBlocked.WithLabelValues(reason).Inc() }
