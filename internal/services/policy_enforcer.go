package services

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/beacon-iot/edgegate/internal/logger"
	"github.com/beacon-iot/edgegate/internal/metrics"
	"github.com/beacon-iot/edgegate/internal/models"
	"github.com/beacon-iot/edgegate/internal/privacy"
	"github.com/beacon-iot/edgegate/internal/util"
)

const noMatchReason = "no matching policies"

// EngineState is Stale until a snapshot is loaded and again once it is older than the refresh interval.
type EngineState string

const (
	StateStale EngineState = "stale"
	StateFresh EngineState = "fresh"
)

// PolicySource supplies the policies a snapshot is built from.
type PolicySource interface {
	List(enabledOnly, excludeExpired bool) ([]models.Policy, error)
}

// DecisionRecorder receives one privacy-preserving record per decision. It must not block.
type DecisionRecorder interface {
	RecordDecision(rec models.DecisionRecord)
}

// EnforcerOptions configures a PolicyEnforcer.
type EnforcerOptions struct {
	GatewayID       string
	DefaultDecision models.AccessDecision
	RefreshInterval time.Duration
	Expressions     *ExpressionCompiler
	Recorder        DecisionRecorder
	// Clock supplies the time used for hour and weekday restrictions. Defaults to time.Now.
	Clock func() time.Time
}

// EnforcerStats are the engine counters. They only grow for the life of the process.
type EnforcerStats struct {
	TotalRequests       uint64     `json:"total_requests"`
	AllowDecisions      uint64     `json:"allow_decisions"`
	DenyDecisions       uint64     `json:"deny_decisions"`
	UnknownDecisions    uint64     `json:"unknown_decisions"`
	PolicyCacheHits     uint64     `json:"policy_cache_hits"`
	PolicyCacheMisses   uint64     `json:"policy_cache_misses"`
	EvaluationErrors    uint64     `json:"evaluation_errors"`
	AverageProcessingMS float64    `json:"average_processing_time_ms"`
	CachedPolicies      int        `json:"cached_policies_count"`
	BrokenPolicies      int        `json:"broken_policies_count"`
	CacheLastUpdated    *time.Time `json:"cache_last_updated"`
	State               string     `json:"state"`
	DefaultDecision     string     `json:"default_decision"`
	GatewayID           string     `json:"gateway_id"`
}

type policySnapshot struct {
	policies []*compiledPolicy
	broken   int
	loadedAt time.Time
}

// PolicyEnforcer evaluates access requests against an in-memory snapshot of the store.
// Evaluate is safe for concurrent use; the snapshot is replaced by reference, never mutated.
type PolicyEnforcer struct {
	source   PolicySource
	hasher   *privacy.DeviceHasher
	exprs    *ExpressionCompiler
	recorder DecisionRecorder
	clock    func() time.Time
	log      *logrus.Entry

	gatewayID       string
	defaultDecision models.AccessDecision
	refreshInterval time.Duration

	snap        atomic.Pointer[policySnapshot]
	invalidated atomic.Bool
	refreshMu   sync.Mutex

	statsMu sync.Mutex
	stats   EnforcerStats
}

// NewPolicyEnforcer returns an engine in the Stale state.
func NewPolicyEnforcer(source PolicySource, hasher *privacy.DeviceHasher, opts EnforcerOptions) (*PolicyEnforcer, error) {
	if source == nil {
		return nil, errors.New("policy source is required")
	}
	if hasher == nil {
		return nil, errors.New("device hasher is required")
	}
	switch opts.DefaultDecision {
	case "":
		opts.DefaultDecision = models.DecisionDeny
	case models.DecisionAllow, models.DecisionDeny, models.DecisionUnknown:
	default:
		return nil, fmt.Errorf("unsupported default decision %q", opts.DefaultDecision)
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &PolicyEnforcer{
		source:          source,
		hasher:          hasher,
		exprs:           opts.Expressions,
		recorder:        opts.Recorder,
		clock:           opts.Clock,
		log:             logger.Component("enforcer"),
		gatewayID:       opts.GatewayID,
		defaultDecision: opts.DefaultDecision,
		refreshInterval: opts.RefreshInterval,
	}, nil
}

// State reports whether the snapshot is usable without a refresh.
func (e *PolicyEnforcer) State() EngineState {
	snap := e.snap.Load()
	if snap == nil || e.invalidated.Load() {
		return StateStale
	}
	if time.Since(snap.loadedAt) >= e.refreshInterval {
		return StateStale
	}
	return StateFresh
}

// Invalidate forces the next evaluation to reload the snapshot.
func (e *PolicyEnforcer) Invalidate() {
	e.invalidated.Store(true)
}

// Reload rebuilds the snapshot now and returns the number of usable policies.
func (e *PolicyEnforcer) Reload() (int, error) {
	e.log.Debug("Force reloading policies from store")
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()
	if err := e.refreshLocked(); err != nil {
		return 0, err
	}
	return len(e.snap.Load().policies), nil
}

func (e *PolicyEnforcer) refreshLocked() error {
	wasInvalidated := e.invalidated.Swap(false)

	policies, err := e.source.List(true, true)
	if err != nil {
		if wasInvalidated {
			e.invalidated.Store(true)
		}
		return fmt.Errorf("load policy snapshot: %w", err)
	}

	snap := &policySnapshot{
		policies: make([]*compiledPolicy, 0, len(policies)),
		loadedAt: time.Now(),
	}
	for _, p := range policies {
		cp, err := compilePolicy(p, e.exprs)
		if err != nil {
			snap.broken++
			metrics.IncPolicyEvalError()
			e.log.WithError(err).WithField("policy_id", p.ID).Warn("Skipping policy with unusable rules")
			continue
		}
		snap.policies = append(snap.policies, cp)
	}
	e.snap.Store(snap)
	metrics.SetSnapshotPolicies(len(snap.policies))

	e.log.WithFields(logrus.Fields{"policies": len(snap.policies), "broken": snap.broken}).Debug("Loaded policy snapshot")
	return nil
}

// ensureFresh refreshes a stale snapshot. While another caller refreshes, callers that
// already have a snapshot keep evaluating against it instead of waiting.
func (e *PolicyEnforcer) ensureFresh() *policySnapshot {
	if e.State() == StateFresh {
		return e.snap.Load()
	}

	if e.snap.Load() != nil {
		if !e.refreshMu.TryLock() {
			return e.snap.Load()
		}
	} else {
		e.refreshMu.Lock()
	}
	defer e.refreshMu.Unlock()

	if e.State() != StateFresh {
		if err := e.refreshLocked(); err != nil {
			e.log.WithError(err).Error("Failed to refresh policy snapshot")
		}
	}
	return e.snap.Load()
}

// Evaluate decides one request. It always returns a result: internal failures, including
// panics, produce the configured default decision with an explanatory reason.
func (e *PolicyEnforcer) Evaluate(req models.AccessRequest) (result models.AccessResult) {
	start := time.Now()
	var deviceHash string

	defer func() {
		if r := recover(); r != nil {
			e.log.WithField("panic", r).Error("Recovered from panic during policy evaluation")
			e.countEvalError()
			result = e.fallback(fmt.Sprintf("error during policy evaluation: %v", r))
		}
		result.ProcessingTime = time.Since(start)
		e.finish(&req, deviceHash, result)
	}()

	snap := e.ensureFresh()
	deviceHash = e.hasher.Hash(req.DeviceID)
	now := e.clock()

	var vars map[string]any
	lazyVars := func() map[string]any {
		if vars == nil {
			vars = requestVars(&req, deviceHash, now)
		}
		return vars
	}

	if snap == nil {
		e.countEvalError()
		return e.fallback("policy snapshot unavailable")
	}
	for _, cp := range snap.policies {
		if !cp.applies(&req, deviceHash, now) {
			continue
		}
		decision, label, err := cp.decide(&req, lazyVars)
		if err != nil {
			e.log.WithError(err).WithField("policy_id", cp.id).Warn("Error evaluating policy, skipping")
			metrics.IncPolicyEvalError()
			e.countEvalError()
			continue
		}
		e.countLookup(true)
		return models.AccessResult{
			Decision:    decision,
			PolicyID:    cp.id,
			RuleMatched: label,
			Reason:      "matched policy: " + cp.name,
			Confidence:  1.0,
			Metadata: map[string]any{
				"hashed_device_id": deviceHash,
				"policy_version":   cp.version,
				"policy_priority":  cp.priority,
			},
		}
	}

	e.countLookup(false)
	return models.AccessResult{
		Decision:   e.defaultDecision,
		Reason:     noMatchReason,
		Confidence: 1.0,
		Metadata:   map[string]any{"hashed_device_id": deviceHash},
	}
}

func (e *PolicyEnforcer) fallback(reason string) models.AccessResult {
	return models.AccessResult{
		Decision: e.defaultDecision,
		Reason:   reason,
	}
}

func (e *PolicyEnforcer) finish(req *models.AccessRequest, deviceHash string, result models.AccessResult) {
	ms := float64(result.ProcessingTime) / float64(time.Millisecond)

	e.statsMu.Lock()
	e.stats.TotalRequests++
	switch result.Decision {
	case models.DecisionAllow:
		e.stats.AllowDecisions++
	case models.DecisionDeny:
		e.stats.DenyDecisions++
	default:
		e.stats.UnknownDecisions++
	}
	n := float64(e.stats.TotalRequests)
	e.stats.AverageProcessingMS = (e.stats.AverageProcessingMS*(n-1) + ms) / n
	e.statsMu.Unlock()

	metrics.ObserveDecision(string(result.Decision), result.ProcessingTime.Seconds())

	e.log.WithFields(logrus.Fields{
		"device_hash": util.ShortHash(deviceHash),
		"action":      util.SanitizeForLog(req.Action),
		"resource":    util.TruncateForLog(req.Resource),
		"decision":    result.Decision,
		"policy_id":   result.PolicyID,
		"elapsed_ms":  ms,
	}).Debug("Access decision")

	if e.recorder == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.WithField("panic", r).Error("Decision recorder panicked")
		}
	}()
	e.recorder.RecordDecision(models.DecisionRecord{
		UUID:           uuid.NewString(),
		GatewayID:      e.gatewayID,
		HashedDeviceID: deviceHash,
		DeviceType:     req.DeviceType,
		Action:         req.Action,
		Resource:       req.Resource,
		Decision:       result.Decision,
		PolicyID:       result.PolicyID,
		RuleMatched:    result.RuleMatched,
		Reason:         result.Reason,
		ProcessingMS:   ms,
		CreatedAt:      time.Now().UTC(),
	})
}

func (e *PolicyEnforcer) countLookup(hit bool) {
	e.statsMu.Lock()
	if hit {
		e.stats.PolicyCacheHits++
	} else {
		e.stats.PolicyCacheMisses++
	}
	e.statsMu.Unlock()
}

func (e *PolicyEnforcer) countEvalError() {
	e.statsMu.Lock()
	e.stats.EvaluationErrors++
	e.statsMu.Unlock()
}

// Stats returns a copy of the counters plus snapshot details.
func (e *PolicyEnforcer) Stats() EnforcerStats {
	e.statsMu.Lock()
	st := e.stats
	e.statsMu.Unlock()

	if snap := e.snap.Load(); snap != nil {
		st.CachedPolicies = len(snap.policies)
		st.BrokenPolicies = snap.broken
		loaded := snap.loadedAt
		st.CacheLastUpdated = &loaded
	}
	st.State = string(e.State())
	st.DefaultDecision = string(e.defaultDecision)
	st.GatewayID = e.gatewayID
	return st
}
