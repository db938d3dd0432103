package permission

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRuleMatches(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	cases := []struct {
		name  string
		rule  Rule
		tool  string
		input string
		want  bool
	}{
		{"tool and pattern match", Rule{ToolName: "Bash", Pattern: "^echo"}, "Bash", "echo hi", true},
		{"pattern anchors at start", Rule{ToolName: "Bash", Pattern: "^echo"}, "Bash", "sudo echo hi", false},
		{"pattern matches mid-string", Rule{ToolName: "Bash", Pattern: "rm -rf"}, "Bash", "cd /tmp && rm -rf x", true},
		{"tool mismatch", Rule{ToolName: "Write", Pattern: "^echo"}, "Bash", "echo hi", false},
		{"tool match is case-insensitive", Rule{ToolName: "bash"}, "Bash", "anything", true},
		{"empty tool matches any tool", Rule{Pattern: "secret"}, "WebFetch", "secret url", true},
		{"empty pattern matches any input", Rule{ToolName: "Bash"}, "Bash", "whatever", true},
		{"fully empty rule is a wildcard", Rule{}, "AnyTool", "any input", true},
		{"invalid regex never matches", Rule{ToolName: "Bash", Pattern: "(["}, "Bash", "([", false},
		{"expired in the past", Rule{ToolName: "Bash", ExpiresAt: &past}, "Bash", "x", false},
		{"expiry in the future still matches", Rule{ToolName: "Bash", ExpiresAt: &future}, "Bash", "x", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.rule.Matches(tc.tool, tc.input, now); got != tc.want {
				t.Fatalf("Matches(%q, %q) = %v, want %v", tc.tool, tc.input, got, tc.want)
			}
		})
	}
}

func TestStringifyInput(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"single string", `{"command":"echo hi"}`, "echo hi"},
		{"keys sorted", `{"b":"two","a":"one"}`, "one\ntwo"},
		{"nested values depth-first", `{"outer":{"inner":"deep"},"top":"shallow"}`, "deep\nshallow"},
		{"array elements", `{"args":["a","b"]}`, "a\nb"},
		{"integral number without decimal", `{"n":42}`, "42"},
		{"fractional number kept", `{"n":1.5}`, "1.5"},
		{"booleans and null", `{"a":true,"b":null}`, "true\nnull"},
		{"bare string", `"just text"`, "just text"},
		{"unparsable input used as raw text", `not json at all`, "not json at all"},
		{"empty input", ``, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := StringifyInput(json.RawMessage(tc.input)); got != tc.want {
				t.Fatalf("StringifyInput(%s) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestRuleValidate(t *testing.T) {
	if err := (&Rule{Action: ActionAllow}).Validate(); err != nil {
		t.Fatalf("allow should validate: %v", err)
	}
	if err := (&Rule{Action: ActionDeny}).Validate(); err != nil {
		t.Fatalf("deny should validate: %v", err)
	}
	if err := (&Rule{Action: "maybe"}).Validate(); err == nil {
		t.Fatal("unknown action should fail validation")
	}
	// A syntactically invalid pattern is stored as-is and simply never
	// matches, so Validate does not reject it.
	if err := (&Rule{Action: ActionAllow, Pattern: "(["}).Validate(); err != nil {
		t.Fatalf("invalid pattern should still validate: %v", err)
	}
}
