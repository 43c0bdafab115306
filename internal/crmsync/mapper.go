package crmsync

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type Transform string

const (
	TransformIdentity  Transform = ""
	TransformTrim      Transform = "trim"
	TransformLowercase Transform = "lowercase"
	TransformUppercase Transform = "uppercase"
	TransformString    Transform = "string"
	TransformNumber    Transform = "number"
	TransformBool      Transform = "bool"
)

// MappingRule maps one internal field (Source) to one external property
// (Target). An override rule with an empty Target disables the default rule
// for that Source.
type MappingRule struct {
	Source    string    `json:"source"`
	Target    string    `json:"target"`
	Transform Transform `json:"transform,omitempty"`
}

func (r MappingRule) Validate() error {
	if strings.TrimSpace(r.Source) == "" {
		return fmt.Errorf("%w: mapping rule source is required", ErrInvalidInput)
	}
	switch r.Transform {
	case TransformIdentity, TransformTrim, TransformLowercase, TransformUppercase, TransformString, TransformNumber, TransformBool:
		return nil
	default:
		return fmt.Errorf("%w: unknown transform %q", ErrInvalidInput, r.Transform)
	}
}

func ValidateRules(rules []MappingRule) error {
	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			return err
		}
	}
	return nil
}

var defaultRules = map[EntityType][]MappingRule{
	EntityPerson: {
		{Source: "first_name", Target: "firstname", Transform: TransformTrim},
		{Source: "last_name", Target: "lastname", Transform: TransformTrim},
		{Source: "email", Target: "email", Transform: TransformLowercase},
		{Source: "phone", Target: "phone", Transform: TransformTrim},
		{Source: "company", Target: "company"},
		{Source: "job_title", Target: "jobtitle"},
	},
	EntityOrganization: {
		{Source: "name", Target: "name", Transform: TransformTrim},
		{Source: "domain", Target: "domain", Transform: TransformLowercase},
		{Source: "industry", Target: "industry"},
		{Source: "phone", Target: "phone", Transform: TransformTrim},
	},
	EntityDeal: {
		{Source: "title", Target: "dealname", Transform: TransformTrim},
		{Source: "amount", Target: "amount", Transform: TransformNumber},
		{Source: "stage", Target: "dealstage"},
		{Source: "close_date", Target: "closedate"},
	},
	EntityActivity: {
		{Source: "subject", Target: "hs_task_subject", Transform: TransformTrim},
		{Source: "body", Target: "hs_task_body"},
		{Source: "status", Target: "hs_task_status", Transform: TransformUppercase},
		{Source: "due_at", Target: "hs_timestamp"},
	},
}

func DefaultRules(entityType EntityType) []MappingRule {
	return append([]MappingRule(nil), defaultRules[entityType]...)
}

// EffectiveRules applies workspace overrides on top of the defaults. An
// override replaces every default sharing its source or target field.
func EffectiveRules(defaults, overrides []MappingRule) []MappingRule {
	out := make([]MappingRule, 0, len(defaults)+len(overrides))
	for _, def := range defaults {
		replaced := false
		for _, override := range overrides {
			if override.Source == def.Source || (override.Target != "" && override.Target == def.Target) {
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, def)
		}
	}
	for _, override := range overrides {
		if override.Target == "" {
			continue
		}
		out = append(out, override)
	}
	return out
}

// ToExternal maps internal fields to external properties. Fields without a
// rule are dropped; rules whose source is absent leave the target unset.
func ToExternal(entity Fields, rules []MappingRule) Fields {
	out := Fields{}
	for _, rule := range rules {
		if rule.Source == "" || rule.Target == "" {
			continue
		}
		value, ok := entity[rule.Source]
		if !ok {
			continue
		}
		out[rule.Target] = applyTransform(rule.Transform, value)
	}
	return out
}

// FromExternal is the reverse of ToExternal and returns an internal patch.
func FromExternal(payload Fields, rules []MappingRule) Fields {
	out := Fields{}
	for _, rule := range rules {
		if rule.Source == "" || rule.Target == "" {
			continue
		}
		value, ok := payload[rule.Target]
		if !ok {
			continue
		}
		out[rule.Source] = applyTransform(rule.Transform, value)
	}
	return out
}

// Project restricts internal fields to the mapped set in their normalized
// form, which is what content hashes and conflict diffs compare.
func Project(entity Fields, rules []MappingRule) Fields {
	return FromExternal(ToExternal(entity, rules), rules)
}

func MappedFields(rules []MappingRule) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(rules))
	for _, rule := range rules {
		if rule.Source == "" || rule.Target == "" {
			continue
		}
		if _, ok := seen[rule.Source]; ok {
			continue
		}
		seen[rule.Source] = struct{}{}
		out = append(out, rule.Source)
	}
	return out
}

// ContentHash is a stable digest of projected fields.
func ContentHash(projected Fields) string {
	if projected == nil {
		projected = Fields{}
	}
	encoded, err := json.Marshal(projected)
	if err != nil {
		encoded = []byte(fmt.Sprintf("%v", projected))
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

func valuesEqual(a, b any) bool {
	left, errA := json.Marshal(a)
	right, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return fmt.Sprint(a) == fmt.Sprint(b)
	}
	return bytes.Equal(left, right)
}

func applyTransform(transform Transform, value any) any {
	if value == nil {
		return nil
	}
	switch transform {
	case TransformTrim:
		if s, ok := value.(string); ok {
			return strings.TrimSpace(s)
		}
	case TransformLowercase:
		if s, ok := value.(string); ok {
			return strings.ToLower(strings.TrimSpace(s))
		}
	case TransformUppercase:
		if s, ok := value.(string); ok {
			return strings.ToUpper(strings.TrimSpace(s))
		}
	case TransformString:
		switch typed := value.(type) {
		case string:
			return typed
		case float64:
			return strconv.FormatFloat(typed, 'f', -1, 64)
		default:
			return fmt.Sprint(typed)
		}
	case TransformNumber:
		switch typed := value.(type) {
		case float64:
			return typed
		case float32:
			return float64(typed)
		case int:
			return float64(typed)
		case int64:
			return float64(typed)
		case json.Number:
			if f, err := typed.Float64(); err == nil {
				return f
			}
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(typed), 64); err == nil {
				return f
			}
		}
	case TransformBool:
		switch typed := value.(type) {
		case bool:
			return typed
		case string:
			if b, err := strconv.ParseBool(strings.TrimSpace(typed)); err == nil {
				return b
			}
		}
	}
	return value
}
