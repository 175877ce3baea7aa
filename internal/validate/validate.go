// Package validate checks raw records against per-schema field constraints
// before they enter the cleaning and loading stages.
package validate

import (
	_ "embed"
	"fmt"
	"math"

	"gopkg.in/yaml.v3"

	"github.com/fogline/fogline/internal/record"
)

//go:embed rules.yaml
var rulesYAML []byte

// Kind of constraint applied to a field.
const (
	KindNumeric = "numeric"
	KindBool    = "bool"
)

// Rule is one field constraint: a numeric range or a boolean type check.
type Rule struct {
	Kind      string   `yaml:"kind"`
	Min       *float64 `yaml:"min"`
	Max       *float64 `yaml:"max"`
	AllowNull bool     `yaml:"allow_null"`
}

// Rules maps schema name -> field name -> constraint.
type Rules map[string]map[string]Rule

var defaultRules = mustLoadRules()

func mustLoadRules() Rules {
	var r Rules
	if err := yaml.Unmarshal(rulesYAML, &r); err != nil {
		panic(fmt.Sprintf("validate: parse embedded rules: %v", err))
	}
	return r
}

// DefaultRules returns the embedded constraint table.
func DefaultRules() Rules { return defaultRules }

// Invalid pairs a rejected record with the validation errors that sank it.
type Invalid struct {
	Record record.Raw
	Errors []string
	Schema string
}

// Record checks every field of rec that has a declared rule for schema.
// Fields absent from the record are not flagged; partial records are
// provisionally valid. An unknown schema has no rules, so everything passes.
func (r Rules) Record(rec record.Raw, schema string) (bool, []string) {
	fields, ok := r[schema]
	if !ok {
		return true, nil
	}

	var errs []string
	for field, rule := range fields {
		v, present := rec[field]
		if !present {
			continue
		}
		if v == nil {
			if !rule.AllowNull {
				errs = append(errs, fmt.Sprintf("%s=<nil> failed validation", field))
			}
			continue
		}
		switch rule.Kind {
		case KindBool:
			if _, ok := v.(bool); !ok {
				errs = append(errs, fmt.Sprintf("%s=%v failed validation", field, v))
			}
		case KindNumeric:
			f, ok := asFloat(v)
			if !ok {
				errs = append(errs, fmt.Sprintf("%s=%v caused error: not a number", field, v))
				continue
			}
			if rule.Min != nil && f < *rule.Min {
				errs = append(errs, fmt.Sprintf("%s=%v failed validation", field, v))
			} else if rule.Max != nil && f > *rule.Max {
				errs = append(errs, fmt.Sprintf("%s=%v failed validation", field, v))
			}
		}
	}
	return len(errs) == 0, errs
}

// Batch partitions records into valid and invalid, preserving input order
// within each partition.
func (r Rules) Batch(recs []record.Raw, schema string) ([]record.Raw, []Invalid) {
	var valid []record.Raw
	var invalid []Invalid
	for _, rec := range recs {
		if ok, errs := r.Record(rec, schema); ok {
			valid = append(valid, rec)
		} else {
			invalid = append(invalid, Invalid{Record: rec, Errors: errs, Schema: schema})
		}
	}
	return valid, invalid
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) {
			return 0, false
		}
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
	default:
		return 0, false
	}
}
