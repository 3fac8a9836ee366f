package models

import (
	"time"
)

// DecisionRecord is the privacy-preserving audit entry written for each decision.
// It carries the hashed device id only.
type DecisionRecord struct {
	UUID           string         `json:"uuid"`
	GatewayID      string         `json:"gateway_id"`
	HashedDeviceID string         `json:"hashed_device_id"`
	DeviceType     string         `json:"device_type,omitempty"`
	Action         string         `json:"action"`
	Resource       string         `json:"resource"`
	Decision       AccessDecision `json:"decision"`
	PolicyID       string         `json:"policy_id,omitempty"`
	RuleMatched    string         `json:"rule_matched,omitempty"`
	Reason         string         `json:"reason"`
	ProcessingMS   float64        `json:"processing_ms"`
	CreatedAt      time.Time      `json:"created_at"`
}
