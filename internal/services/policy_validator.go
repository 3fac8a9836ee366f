package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/beacon-iot/edgegate/internal/models"
	"github.com/beacon-iot/edgegate/internal/util"
)

const policySchemaURL = "https://edgegate.local/schemas/policy.schema.json"

const policySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "name", "rules"],
  "properties": {
    "id": {"type": "string", "minLength": 1, "maxLength": 128},
    "name": {"type": "string", "minLength": 1},
    "description": {"type": ["string", "null"]},
    "priority": {"type": "integer"},
    "enabled": {"type": "boolean"},
    "version": {"type": "integer", "minimum": 0},
    "expires_at": {"type": ["string", "null"]},
    "rules": {"$ref": "#/$defs/rules"}
  },
  "$defs": {
    "stringList": {"type": "array", "items": {"type": "string"}},
    "rule": {
      "type": "object",
      "properties": {
        "name": {"type": "string"},
        "source_ip": {"type": "string"},
        "protocol": {"type": "string"},
        "attributes": {"type": "object"},
        "expression": {"type": "string"}
      }
    },
    "rules": {
      "type": "object",
      "properties": {
        "device_types": {"$ref": "#/$defs/stringList"},
        "actions": {"$ref": "#/$defs/stringList"},
        "resources": {"$ref": "#/$defs/stringList"},
        "time_restrictions": {
          "type": "object",
          "properties": {
            "allowed_hours": {"type": "array", "items": {"type": "integer", "minimum": 0, "maximum": 23}},
            "allowed_weekdays": {"type": "array", "items": {"type": "integer", "minimum": 0, "maximum": 6}}
          }
        },
        "device_conditions": {
          "type": "object",
          "properties": {
            "allowed_devices": {"$ref": "#/$defs/stringList"},
            "denied_devices": {"$ref": "#/$defs/stringList"}
          }
        },
        "default_action": {"enum": ["allow", "deny"]},
        "allow_rules": {"type": "array", "items": {"$ref": "#/$defs/rule"}},
        "deny_rules": {"type": "array", "items": {"$ref": "#/$defs/rule"}}
      }
    }
  }
}`

// PolicyValidator checks policy records before they reach the store.
type PolicyValidator struct {
	schema *jsonschema.Schema
	exprs  *ExpressionCompiler
}

// NewPolicyValidator compiles the record schema. exprs may be nil to skip expression checks.
func NewPolicyValidator(exprs *ExpressionCompiler) (*PolicyValidator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(policySchemaURL, strings.NewReader(policySchema)); err != nil {
		return nil, fmt.Errorf("policy schema load failed: %w", err)
	}
	schema, err := c.Compile(policySchemaURL)
	if err != nil {
		return nil, fmt.Errorf("policy schema compile failed: %w", err)
	}
	return &PolicyValidator{schema: schema, exprs: exprs}, nil
}

// ValidateRecord checks a raw record as delivered by the backend or the admin API.
func (v *PolicyValidator) ValidateRecord(raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}

	var rec struct {
		Rules json.RawMessage `json:"rules"`
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	return v.ValidateRules(rec.Rules)
}

// ValidatePolicy validates an already decoded policy.
func (v *PolicyValidator) ValidatePolicy(p *models.Policy) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	return v.ValidateRecord(raw)
}

// ValidateRules applies the checks the schema cannot express: address syntax and expression compilation.
func (v *PolicyValidator) ValidateRules(raw json.RawMessage) error {
	rules, err := models.ParseRules(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	check := func(kind string, list []models.RuleCondition) error {
		for i, r := range list {
			if r.SourceIP != "" && !util.IsValidCIDR(r.SourceIP) {
				return fmt.Errorf("%w: %s[%d] source_ip %q is not an address or CIDR", ErrInvalidPolicy, kind, i, r.SourceIP)
			}
			if r.Expression != "" && v.exprs != nil {
				if _, err := v.exprs.Compile(r.Expression); err != nil {
					return fmt.Errorf("%w: %s[%d] expression: %v", ErrInvalidPolicy, kind, i, err)
				}
			}
		}
		return nil
	}
	if err := check("allow_rules", rules.AllowRules); err != nil {
		return err
	}
	return check("deny_rules", rules.DenyRules)
}
