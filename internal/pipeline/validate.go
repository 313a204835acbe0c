package pipeline

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"slices"
	"sort"
	"unicode/utf8"

	"github.com/oktsec/riskgate/internal/config"
)

type fieldRule struct {
	config.FieldRule
	re *regexp.Regexp
}

// validator is a compiled config.Validator. It is immutable once built.
type validator struct {
	name      string
	fields    map[string]fieldRule
	order     []string
	sensitive []string
}

func compileValidator(name string, v config.Validator) (*validator, error) {
	out := &validator{name: name, fields: make(map[string]fieldRule, len(v.Fields))}
	for field, rule := range v.Fields {
		fr := fieldRule{FieldRule: rule}
		if rule.Pattern != "" {
			re, err := regexp.Compile(rule.Pattern)
			if err != nil {
				return nil, fmt.Errorf("validator %s field %s: %w", name, field, err)
			}
			fr.re = re
		}
		out.fields[field] = fr
		out.order = append(out.order, field)
		if rule.Sensitive {
			out.sensitive = append(out.sensitive, field)
		}
	}
	sort.Strings(out.order)
	sort.Strings(out.sensitive)
	return out, nil
}

// validate checks data against every rule. Errors abort the pipeline;
// warnings flag sensitive fields and never abort.
func (v *validator) validate(data map[string]any) (errs, warnings []string) {
	for _, field := range v.order {
		rule := v.fields[field]
		value, ok := data[field]
		if !ok || value == nil {
			if rule.Required {
				errs = append(errs, fmt.Sprintf("field %q is required", field))
			}
			continue
		}
		if msg := rule.check(field, value); msg != "" {
			errs = append(errs, msg)
			continue
		}
		if rule.Sensitive {
			warnings = append(warnings, fmt.Sprintf("field %q contains sensitive data", field))
		}
	}
	return errs, warnings
}

func (r fieldRule) check(field string, value any) string {
	if r.Type != "" && !matchesType(r.Type, value) {
		return fmt.Sprintf("field %q must be of type %s", field, r.Type)
	}
	s, isString := value.(string)
	if r.re != nil {
		if !isString {
			return fmt.Sprintf("field %q must be a string to match a pattern", field)
		}
		if !r.re.MatchString(s) {
			return fmt.Sprintf("field %q does not match pattern %s", field, r.Pattern)
		}
	}
	if len(r.Enum) > 0 && !slices.Contains(r.Enum, fmt.Sprint(value)) {
		return fmt.Sprintf("field %q must be one of %v", field, r.Enum)
	}
	if r.Min == nil && r.Max == nil {
		return ""
	}

	// Ranges bound numbers by value and strings by length.
	var n float64
	var unit string
	if isString {
		n, unit = float64(utf8.RuneCountInString(s)), " characters"
	} else if f, ok := toFloat(value); ok {
		n = f
	} else {
		return ""
	}
	if r.Min != nil && n < *r.Min {
		return fmt.Sprintf("field %q is below minimum %g%s", field, *r.Min, unit)
	}
	if r.Max != nil && n > *r.Max {
		return fmt.Sprintf("field %q exceeds maximum %g%s", field, *r.Max, unit)
	}
	return ""
}

func matchesType(typ string, value any) bool {
	switch typ {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := toFloat(value)
		return ok
	case "integer":
		f, ok := toFloat(value)
		return ok && f == math.Trunc(f)
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	}
	return true
}

func toFloat(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
