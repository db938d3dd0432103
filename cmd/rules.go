package main

import (
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/agentdeck/host/internal/config"
	"github.com/agentdeck/host/internal/permission"
)

// openRules loads the config and opens the rule store it points at.
func openRules(configPath string, stderr io.Writer) (*permission.Store, bool) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return nil, false
	}
	store, err := permission.NewStore(cfg.RulesPath())
	if err != nil {
		fmt.Fprintf(stderr, "Failed to open rule store: %v\n", err)
		return nil, false
	}
	return store, true
}

// runRulesList prints the stored permission rules in precedence order.
func runRulesList(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("rules list", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 1
	}

	store, ok := openRules(*configPath, stderr)
	if !ok {
		return 1
	}

	rules := store.List()
	if len(rules) == 0 {
		fmt.Fprintln(stdout, "No rules stored.")
		return 0
	}

	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tACTION\tTOOL\tPATTERN\tEXPIRES\tDESCRIPTION")
	for _, r := range rules {
		tool := r.ToolName
		if tool == "" {
			tool = "*"
		}
		pattern := r.Pattern
		if pattern == "" {
			pattern = "*"
		}
		expires := "-"
		if r.ExpiresAt != nil {
			expires = r.ExpiresAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.Action, tool, pattern, expires, r.Description)
	}
	w.Flush()
	return 0
}

// runRulesAdd stores a new permission rule.
// Usage: agentdeck rules add --action allow --tool Bash --pattern '^git '
func runRulesAdd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("rules add", flag.ContinueOnError)
	fs.SetOutput(stderr)

	configPath := fs.String("config", "", "Path to config file")
	action := fs.String("action", "allow", "Rule action: allow or deny")
	tool := fs.String("tool", "", "Tool name to match (empty matches any tool)")
	pattern := fs.String("pattern", "", "Regexp matched against the tool input (empty matches any input)")
	description := fs.String("description", "", "Human-readable note")
	ttl := fs.Duration("ttl", 0, "Expiry relative to now, e.g. 24h (0 means never)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: agentdeck rules add [options]\n\nStore a permission rule that auto-resolves matching tool confirmations.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 1
	}

	store, ok := openRules(*configPath, stderr)
	if !ok {
		return 1
	}

	rule := permission.Rule{
		ToolName:    *tool,
		Pattern:     *pattern,
		Action:      permission.Action(*action),
		Description: *description,
	}
	if *ttl > 0 {
		expires := time.Now().Add(*ttl)
		rule.ExpiresAt = &expires
	}

	added, err := store.Add(rule)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to add rule: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Added rule %s\n", added.ID)
	return 0
}

// runRulesDelete removes a rule by ID.
func runRulesDelete(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("rules delete", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Usage: agentdeck rules delete <id>")
		return 1
	}

	store, ok := openRules(*configPath, stderr)
	if !ok {
		return 1
	}
	if err := store.Delete(fs.Arg(0)); err != nil {
		fmt.Fprintf(stderr, "Failed to delete rule: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Deleted rule %s\n", fs.Arg(0))
	return 0
}

// runRulesClear removes every stored rule.
func runRulesClear(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("rules clear", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 1
	}

	store, ok := openRules(*configPath, stderr)
	if !ok {
		return 1
	}
	count := len(store.List())
	if err := store.Clear(); err != nil {
		fmt.Fprintf(stderr, "Failed to clear rules: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Cleared %d rules\n", count)
	return 0
}
