// Package permission implements tool-confirmation brokering: a persisted
// rule set that auto-resolves confirmation requests, and a pending queue for
// requests that need a human decision.
package permission

import (
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Action is what a matching rule does with a request.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
)

// Rule is a persisted auto-resolution policy.
//
// An absent ToolName matches any tool; an absent Pattern matches any input.
// A rule with neither is a deliberate global wildcard, useful as a trailing
// allow-everything or deny-everything policy. Precedence is stored order,
// not specificity.
type Rule struct {
	ID          string     `json:"id"`
	ToolName    string     `json:"toolName,omitempty"`
	Pattern     string     `json:"pattern,omitempty"`
	Action      Action     `json:"action"`
	Description string     `json:"description,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

// Expired reports whether the rule's expiry is in the past. Expired rules
// never match, regardless of their other fields.
func (r *Rule) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

// Matches reports whether this rule resolves a request for toolName with the
// given serialized input. A pattern that fails to compile is treated as
// non-matching; it must never abort rule iteration.
func (r *Rule) Matches(toolName, serializedInput string, now time.Time) bool {
	if r.Expired(now) {
		return false
	}
	if r.ToolName != "" && !strings.EqualFold(r.ToolName, toolName) {
		return false
	}
	if r.Pattern != "" {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			log.Printf("permission: rule %s has invalid pattern %q, skipping: %v", r.ID, r.Pattern, err)
			return false
		}
		if !re.MatchString(serializedInput) {
			return false
		}
	}
	return true
}

// Validate checks the fields a caller controls. The pattern is deliberately
// not validated here: a stored-then-broken pattern must degrade to
// non-matching, so rejecting it at write time would only cover half the
// cases.
func (r *Rule) Validate() error {
	if r.Action != ActionAllow && r.Action != ActionDeny {
		return fmt.Errorf("action must be %q or %q, got %q", ActionAllow, ActionDeny, r.Action)
	}
	return nil
}

// StringifyInput is the default serialization of a tool input for pattern
// matching: every leaf value of the JSON document, depth-first with object
// keys visited in sorted order, joined by newlines. Engines may install a
// different Stringify hook when an agent needs other semantics.
func StringifyInput(input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(input, &v); err != nil {
		// Unparsable input still participates in matching as raw text.
		return string(input)
	}
	var parts []string
	flattenValue(v, &parts)
	return strings.Join(parts, "\n")
}

func flattenValue(v any, parts *[]string) {
	switch val := v.(type) {
	case nil:
		// An explicit null is a matchable token, unlike an absent key.
		*parts = append(*parts, "null")
	case string:
		*parts = append(*parts, val)
	case bool:
		*parts = append(*parts, fmt.Sprintf("%t", val))
	case float64:
		*parts = append(*parts, strconv(val))
	case []any:
		for _, item := range val {
			flattenValue(item, parts)
		}
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			flattenValue(val[k], parts)
		}
	default:
		*parts = append(*parts, fmt.Sprintf("%v", val))
	}
}

// strconv renders a JSON number without a trailing ".0" for integral values.
func strconv(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}
