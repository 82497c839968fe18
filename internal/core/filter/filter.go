// Package filter narrows which records a user/collection pair is eligible to
// synchronize. A field tech on a constrained tablet can scope sync to, say,
// the jobs they are assigned to instead of the whole tenant dataset.
package filter

import (
	"fmt"
	"sync"
)

// Rule is one predicate on a record field. Disabled rules are kept but not
// evaluated.
type Rule struct {
	UserID     string `json:"user_id"`
	Collection string `json:"collection"`
	Field      string `json:"filter_field"`
	Value      any    `json:"filter_value"`
	Enabled    bool   `json:"enabled"`
}

// Filter evaluates selective sync rules.
//
// Combination semantics: rules for the same (user, collection) that name the
// same field OR together (the field may match any of the allowed values);
// rules naming distinct fields AND together. No enabled rules means
// everything is eligible.
type Filter struct {
	mu    sync.RWMutex
	rules map[string][]Rule // key: userID + "/" + collection
}

func New() *Filter {
	return &Filter{rules: make(map[string][]Rule)}
}

func key(userID, collection string) string {
	return userID + "/" + collection
}

// Upsert replaces the rule matching (user, collection, field, value), or
// appends a new one.
func (f *Filter) Upsert(rule Rule) {
	f.mu.Lock()
	defer f.mu.Unlock()

	k := key(rule.UserID, rule.Collection)
	for i, existing := range f.rules[k] {
		if existing.Field == rule.Field && fmt.Sprint(existing.Value) == fmt.Sprint(rule.Value) {
			f.rules[k][i] = rule
			return
		}
	}
	f.rules[k] = append(f.rules[k], rule)
}

// Rules returns the rules for a user/collection pair, enabled or not.
func (f *Filter) Rules(userID, collection string) []Rule {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]Rule(nil), f.rules[key(userID, collection)]...)
}

// Eligible reports whether doc passes every enabled rule group for the pair.
func (f *Filter) Eligible(userID, collection string, doc map[string]any) bool {
	f.mu.RLock()
	rules := f.rules[key(userID, collection)]
	f.mu.RUnlock()

	// Group enabled rules by field: same field ORs, fields AND.
	byField := make(map[string][]Rule)
	for _, r := range rules {
		if r.Enabled {
			byField[r.Field] = append(byField[r.Field], r)
		}
	}

	for field, group := range byField {
		matched := false
		for _, r := range group {
			if fmt.Sprint(doc[field]) == fmt.Sprint(r.Value) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}
