package traverse

import (
	"slices"
	"strings"

	"github.com/hupe1980/fabricgo/model"
)

// Operator compares a container field against a filter value.
type Operator uint8

const (
	OpEqual Operator = iota
	OpNotEqual
	OpGreaterThan
	OpGreaterEqual
	OpLessThan
	OpLessEqual
	OpContains
	OpIn
)

// Filter is one field/operator/value predicate. Filters are applied after
// candidate generation and scoring, immediately before a candidate is
// admitted to the result set, so scoring always sees the true graph
// neighborhood.
//
// Supported fields: "type", "modality", "keyword", "topic", "hotness",
// "access_count".
type Filter struct {
	Field    string
	Operator Operator
	Value    any
}

// Matches evaluates the filter against an attribute record.
func (f Filter) Matches(rec *model.AttributeRecord) bool {
	if rec == nil {
		return false
	}
	switch f.Field {
	case "type":
		return f.matchString(rec.Type.String())
	case "modality":
		return f.matchString(rec.Modality)
	case "keyword":
		return f.matchStringSet(rec.Context.Keywords)
	case "topic":
		return f.matchStringSet(rec.Context.Topics)
	case "hotness":
		return f.matchFloat(float64(rec.Hints.Hotness))
	case "access_count":
		return f.matchFloat(float64(rec.Hints.AccessCount))
	default:
		return false
	}
}

func (f Filter) matchString(got string) bool {
	switch f.Operator {
	case OpEqual:
		want, ok := f.Value.(string)
		return ok && got == want
	case OpNotEqual:
		want, ok := f.Value.(string)
		return ok && got != want
	case OpContains:
		want, ok := f.Value.(string)
		return ok && strings.Contains(got, want)
	case OpIn:
		want, ok := f.Value.([]string)
		return ok && slices.Contains(want, got)
	default:
		return false
	}
}

func (f Filter) matchStringSet(set []string) bool {
	switch f.Operator {
	case OpContains, OpEqual:
		want, ok := f.Value.(string)
		return ok && slices.Contains(set, want)
	case OpNotEqual:
		want, ok := f.Value.(string)
		return ok && !slices.Contains(set, want)
	case OpIn:
		want, ok := f.Value.([]string)
		if !ok {
			return false
		}
		for _, w := range want {
			if slices.Contains(set, w) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func (f Filter) matchFloat(got float64) bool {
	want, ok := toFloat(f.Value)
	if !ok {
		return false
	}
	switch f.Operator {
	case OpEqual:
		return got == want
	case OpNotEqual:
		return got != want
	case OpGreaterThan:
		return got > want
	case OpGreaterEqual:
		return got >= want
	case OpLessThan:
		return got < want
	case OpLessEqual:
		return got <= want
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	default:
		return 0, false
	}
}

// matchesAll reports whether rec passes every filter.
func matchesAll(filters []Filter, rec *model.AttributeRecord) bool {
	for _, f := range filters {
		if !f.Matches(rec) {
			return false
		}
	}
	return true
}
