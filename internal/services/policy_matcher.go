package services

import (
	"encoding/json"
	"fmt"
	"net"
	"reflect"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/beacon-iot/edgegate/internal/models"
	"github.com/beacon-iot/edgegate/internal/util"
)

const defaultActionLabel = "default_action"

type compiledRule struct {
	label   string
	cond    models.RuleCondition
	attrs   map[string]any
	program cel.Program
}

// compiledPolicy is the immutable, pre-parsed form of a policy held in a snapshot.
type compiledPolicy struct {
	id       string
	name     string
	version  int
	priority int
	rules    *models.PolicyRules
	allow    []compiledRule
	deny     []compiledRule
}

func compilePolicy(p models.Policy, exprs *ExpressionCompiler) (*compiledPolicy, error) {
	rules, err := models.ParseRules(p.Rules)
	if err != nil {
		return nil, err
	}
	cp := &compiledPolicy{
		id:       p.ID,
		name:     p.Name,
		version:  p.Version,
		priority: p.Priority,
		rules:    rules,
	}
	if cp.allow, err = compileRules("allow_rules", rules.AllowRules, exprs); err != nil {
		return nil, err
	}
	if cp.deny, err = compileRules("deny_rules", rules.DenyRules, exprs); err != nil {
		return nil, err
	}
	return cp, nil
}

func compileRules(kind string, conds []models.RuleCondition, exprs *ExpressionCompiler) ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(conds))
	for i, cond := range conds {
		cr := compiledRule{label: cond.Name, cond: cond}
		if cr.label == "" {
			cr.label = fmt.Sprintf("%s[%d]", kind, i)
		}
		if cond.SourceIP != "" && !util.IsValidCIDR(cond.SourceIP) {
			return nil, fmt.Errorf("%s: source_ip %q is not an address or CIDR", cr.label, cond.SourceIP)
		}
		if cond.Attributes != nil {
			cr.attrs = normalizeValue(cond.Attributes).(map[string]any)
		}
		if cond.Expression != "" {
			if exprs == nil {
				return nil, fmt.Errorf("%s: expressions are not supported", cr.label)
			}
			prg, err := exprs.Compile(cond.Expression)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", cr.label, err)
			}
			cr.program = prg
		}
		out = append(out, cr)
	}
	return out, nil
}

// applies runs the applicability filters. Absent filters pass.
func (cp *compiledPolicy) applies(req *models.AccessRequest, deviceHash string, now time.Time) bool {
	r := cp.rules
	if r.DeviceTypes != nil && !containsString(r.DeviceTypes, req.DeviceType) {
		return false
	}
	if r.Actions != nil && !containsString(r.Actions, req.Action) {
		return false
	}
	if r.Resources != nil && !containsString(r.Resources, req.Resource) {
		return false
	}
	if tr := r.TimeRestrictions; tr != nil {
		if tr.AllowedHours != nil && !containsInt(tr.AllowedHours, now.Hour()) {
			return false
		}
		if tr.AllowedWeekdays != nil && !containsInt(tr.AllowedWeekdays, mondayFirstWeekday(now)) {
			return false
		}
	}
	if dc := r.DeviceConditions; dc != nil {
		if dc.AllowedDevices != nil && !containsString(dc.AllowedDevices, deviceHash) {
			return false
		}
		if containsString(dc.DeniedDevices, deviceHash) {
			return false
		}
	}
	return true
}

// decide evaluates allow rules, then deny rules, then the policy default.
func (cp *compiledPolicy) decide(req *models.AccessRequest, vars func() map[string]any) (models.AccessDecision, string, error) {
	for i := range cp.allow {
		ok, err := cp.allow[i].matches(req, vars)
		if err != nil {
			return "", "", err
		}
		if ok {
			return models.DecisionAllow, cp.allow[i].label, nil
		}
	}
	for i := range cp.deny {
		ok, err := cp.deny[i].matches(req, vars)
		if err != nil {
			return "", "", err
		}
		if ok {
			return models.DecisionDeny, cp.deny[i].label, nil
		}
	}
	if cp.rules.DefaultAction == string(models.DecisionAllow) {
		return models.DecisionAllow, defaultActionLabel, nil
	}
	return models.DecisionDeny, defaultActionLabel, nil
}

// matches requires every present sub-condition to hold. The source address and attribute
// checks only apply when the request carries a source address or an attribute map;
// protocol is always compared.
func (cr *compiledRule) matches(req *models.AccessRequest, vars func() map[string]any) (bool, error) {
	if cr.cond.SourceIP != "" && req.SourceIP != "" && !util.IPMatchesCIDR(net.ParseIP(req.SourceIP), cr.cond.SourceIP) {
		return false, nil
	}
	if cr.cond.Protocol != "" && req.Protocol != cr.cond.Protocol {
		return false, nil
	}
	if req.Attributes != nil {
		for key, want := range cr.attrs {
			got, ok := req.Attributes[key]
			if !ok || !reflect.DeepEqual(want, normalizeValue(got)) {
				return false, nil
			}
		}
	}
	if cr.program != nil {
		ok, err := EvalBool(cr.program, vars())
		if err != nil {
			return false, fmt.Errorf("%s: %w", cr.label, err)
		}
		return ok, nil
	}
	return true, nil
}

// requestVars is the `request` activation seen by rule expressions.
func requestVars(req *models.AccessRequest, deviceHash string, now time.Time) map[string]any {
	attrs := map[string]any{}
	if req.Attributes != nil {
		attrs = normalizeValue(req.Attributes).(map[string]any)
	}
	return map[string]any{
		"device_type": req.DeviceType,
		"action":      req.Action,
		"resource":    req.Resource,
		"protocol":    req.Protocol,
		"source_ip":   req.SourceIP,
		"attributes":  attrs,
		"device_hash": deviceHash,
		"hour":        int64(now.Hour()),
		"weekday":     int64(mondayFirstWeekday(now)),
	}
}

// normalizeValue maps every numeric representation to float64 so values decoded from
// policy JSON compare equal to values supplied by callers.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case int:
		return float64(t)
	case int8:
		return float64(t)
	case int16:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint:
		return float64(t)
	case uint8:
		return float64(t)
	case uint16:
		return float64(t)
	case uint32:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeValue(val)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = val
		}
		return out
	default:
		return v
	}
}

// mondayFirstWeekday numbers days 0 = Monday ... 6 = Sunday.
func mondayFirstWeekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsInt(list []int, v int) bool {
	for _, n := range list {
		if n == v {
			return true
		}
	}
	return false
}
