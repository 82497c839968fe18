package store

import (
	"encoding/json"
	"fmt"
	"sort"
)

// rawDoc pairs a stored document with its decoded field view, used by both
// store implementations to evaluate filters and ordering uniformly.
type rawDoc struct {
	data   []byte
	fields map[string]any
}

func newRawDoc(data []byte) (rawDoc, error) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return rawDoc{}, fmt.Errorf("decode document: %w", err)
	}
	return rawDoc{data: data, fields: fields}, nil
}

func (d rawDoc) matches(filters []Filter) bool {
	for _, f := range filters {
		if !valueEqual(d.fields[f.Field], f.Value) {
			return false
		}
	}
	return true
}

// valueEqual compares a decoded JSON value with a caller-supplied filter
// value. JSON numbers always decode to float64, so numeric filter values are
// normalized before comparison.
func valueEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			return af == bf
		}
		return false
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
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
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// applyQuery filters, orders, and limits docs, then marshals the survivors
// into out as a JSON array.
func applyQuery(docs []rawDoc, q Query, out any) error {
	matched := docs[:0:0]
	for _, d := range docs {
		if d.matches(q.Filters) {
			matched = append(matched, d)
		}
	}

	if q.OrderBy != "" {
		sort.SliceStable(matched, func(i, j int) bool {
			less := valueLess(matched[i].fields[q.OrderBy], matched[j].fields[q.OrderBy])
			if q.Descending {
				return !less && !valueEqual(matched[i].fields[q.OrderBy], matched[j].fields[q.OrderBy])
			}
			return less
		})
	}

	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}

	payload := make([]json.RawMessage, len(matched))
	for i, d := range matched {
		payload[i] = d.data
	}
	arr, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode query result: %w", err)
	}
	if err := json.Unmarshal(arr, out); err != nil {
		return fmt.Errorf("decode query result: %w", err)
	}
	return nil
}

func valueLess(a, b any) bool {
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			return af < bf
		}
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}
