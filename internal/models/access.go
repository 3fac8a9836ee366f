package models

import (
	"time"
)

// AccessDecision is the outcome of evaluating one access request.
type AccessDecision string

const (
	DecisionAllow   AccessDecision = "allow"
	DecisionDeny    AccessDecision = "deny"
	DecisionUnknown AccessDecision = "unknown"
)

// AccessRequest describes a device attempting an action on a resource. DeviceID is the raw
// identifier; it is hashed before it is compared, logged or returned.
type AccessRequest struct {
	DeviceID   string         `json:"device_id" binding:"required"`
	DeviceType string         `json:"device_type"`
	Action     string         `json:"action" binding:"required"`
	Resource   string         `json:"resource" binding:"required"`
	Timestamp  time.Time      `json:"timestamp"`
	SourceIP   string         `json:"source_ip,omitempty"`
	Protocol   string         `json:"protocol,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// AccessResult is returned for every request, including failed evaluations.
type AccessResult struct {
	Decision       AccessDecision `json:"decision"`
	PolicyID       string         `json:"policy_id,omitempty"`
	RuleMatched    string         `json:"rule_matched,omitempty"`
	Reason         string         `json:"reason"`
	Confidence     float64        `json:"confidence"`
	ProcessingTime time.Duration  `json:"processing_time_ns"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Allowed reports whether the request may proceed.
func (r AccessResult) Allowed() bool {
	return r.Decision == DecisionAllow
}
