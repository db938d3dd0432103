package permission

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func tempStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "permission_rules.json")
	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return store, path
}

func TestStoreRoundTrip(t *testing.T) {
	store, path := tempStore(t)
	added := mustAdd(t, store, Rule{ToolName: "Bash", Pattern: "^echo", Action: ActionAllow, Description: "echo is safe"})
	if added.ID == "" {
		t.Fatal("Add must assign an ID")
	}
	if added.CreatedAt.IsZero() || added.UpdatedAt.IsZero() {
		t.Fatal("Add must stamp timestamps")
	}

	reloaded, err := NewStore(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	rules := reloaded.List()
	if len(rules) != 1 {
		t.Fatalf("expected 1 rule after reload, got %d", len(rules))
	}
	if rules[0].ID != added.ID || rules[0].Pattern != "^echo" {
		t.Fatalf("reloaded rule mismatch: %#v", rules[0])
	}
}

func TestStoreMissingFileIsEmptySet(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "nope", "rules.json"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	if len(store.List()) != 0 {
		t.Fatal("expected empty rule set")
	}
}

func TestStoreLoadSkipsMalformedEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	data := `[
		{"id":"r1","toolName":"Bash","pattern":"^echo","action":"allow","createdAt":"2026-01-01T00:00:00Z","updatedAt":"2026-01-01T00:00:00Z"},
		{"id":"r2","action":"shrug"},
		"not an object",
		{"id":"r3","action":"deny","createdAt":"2026-01-02T00:00:00Z","updatedAt":"2026-01-02T00:00:00Z"}
	]`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	rules := store.List()
	if len(rules) != 2 {
		t.Fatalf("expected the 2 valid rules, got %d", len(rules))
	}
	if rules[0].ID != "r1" || rules[1].ID != "r3" {
		t.Fatalf("wrong rules survived: %s, %s", rules[0].ID, rules[1].ID)
	}
}

func TestStoreUpdatePartialPatch(t *testing.T) {
	store, _ := tempStore(t)
	added := mustAdd(t, store, Rule{ToolName: "Bash", Pattern: "^echo", Action: ActionAllow})

	pattern := "^ls"
	updated, err := store.Update(added.ID, RulePatch{Pattern: &pattern})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.Pattern != "^ls" {
		t.Fatalf("Pattern = %q", updated.Pattern)
	}
	if updated.ToolName != "Bash" || updated.Action != ActionAllow {
		t.Fatal("unpatched fields must be preserved")
	}
	if updated.ID != added.ID || !updated.CreatedAt.Equal(added.CreatedAt) {
		t.Fatal("ID and CreatedAt are immutable")
	}
	if !updated.UpdatedAt.After(added.UpdatedAt) && !updated.UpdatedAt.Equal(added.UpdatedAt) {
		t.Fatal("UpdatedAt must be bumped")
	}
}

func TestStoreUpdateClearExpiry(t *testing.T) {
	store, _ := tempStore(t)
	soon := time.Now().Add(time.Hour)
	added := mustAdd(t, store, Rule{ToolName: "Bash", Action: ActionAllow, ExpiresAt: &soon})

	updated, err := store.Update(added.ID, RulePatch{ClearExpiry: true})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.ExpiresAt != nil {
		t.Fatal("ClearExpiry should drop the expiry")
	}
}

func TestStoreUpdateUnknownID(t *testing.T) {
	store, _ := tempStore(t)
	if _, err := store.Update("ghost", RulePatch{}); err == nil {
		t.Fatal("expected an error for an unknown rule ID")
	}
}

func TestStoreDelete(t *testing.T) {
	store, path := tempStore(t)
	a := mustAdd(t, store, Rule{ToolName: "Bash", Action: ActionAllow})
	b := mustAdd(t, store, Rule{ToolName: "Write", Action: ActionDeny})

	if err := store.Delete(a.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.Delete(a.ID); err == nil {
		t.Fatal("second delete of same ID should fail")
	}

	reloaded, err := NewStore(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	rules := reloaded.List()
	if len(rules) != 1 || rules[0].ID != b.ID {
		t.Fatalf("expected only %s to survive, got %#v", b.ID, rules)
	}
}

func TestStoreClearPersistsEmptyArray(t *testing.T) {
	store, path := tempStore(t)
	mustAdd(t, store, Rule{ToolName: "Bash", Action: ActionAllow})
	mustAdd(t, store, Rule{ToolName: "Write", Action: ActionDeny})

	if err := store.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read rule file: %v", err)
	}
	if strings.TrimSpace(string(data)) != "[]" {
		t.Fatalf("cleared store must persist as [], got %q", data)
	}

	reloaded, err := NewStore(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if rules := reloaded.List(); len(rules) != 0 {
		t.Fatalf("expected no rules after clear, got %#v", rules)
	}
}

func TestStoreAddRejectsInvalidAction(t *testing.T) {
	store, _ := tempStore(t)
	if _, err := store.Add(Rule{ToolName: "Bash", Action: "maybe"}); err == nil {
		t.Fatal("expected validation error")
	}
}
