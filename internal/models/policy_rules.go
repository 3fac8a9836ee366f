package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// PolicyRules is the decoded condition/action tree of a policy.
//
// Every filter is optional. A missing key decodes to nil and always passes; a present
// but empty list matches nothing.
type PolicyRules struct {
	DeviceTypes      []string          `json:"device_types,omitempty"`
	Actions          []string          `json:"actions,omitempty"`
	Resources        []string          `json:"resources,omitempty"`
	TimeRestrictions *TimeRestrictions `json:"time_restrictions,omitempty"`
	DeviceConditions *DeviceConditions `json:"device_conditions,omitempty"`
	DefaultAction    string            `json:"default_action,omitempty"`
	AllowRules       []RuleCondition   `json:"allow_rules,omitempty"`
	DenyRules        []RuleCondition   `json:"deny_rules,omitempty"`
}

// TimeRestrictions limits a policy to hours of day (0-23) and weekdays (0 = Monday ... 6 = Sunday),
// evaluated in the gateway's local time.
type TimeRestrictions struct {
	AllowedHours    []int `json:"allowed_hours,omitempty"`
	AllowedWeekdays []int `json:"allowed_weekdays,omitempty"`
}

// DeviceConditions lists privacy hashes (never raw ids) that a policy is limited to or excludes.
type DeviceConditions struct {
	AllowedDevices []string `json:"allowed_devices,omitempty"`
	DeniedDevices  []string `json:"denied_devices,omitempty"`
}

// RuleCondition is one explicit allow or deny rule. Unset sub-conditions always match.
type RuleCondition struct {
	Name string `json:"name,omitempty"`
	// SourceIP is a single address or a CIDR block.
	SourceIP   string         `json:"source_ip,omitempty"`
	Protocol   string         `json:"protocol,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	// Expression is a CEL expression over `request` that must evaluate to a bool.
	Expression string `json:"expression,omitempty"`
}

// ParseRules decodes a raw rules payload. Unknown keys are ignored; wrong types are an error.
func ParseRules(raw json.RawMessage) (*PolicyRules, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, fmt.Errorf("rules payload is empty")
	}
	var rules PolicyRules
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&rules); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	return &rules, nil
}
