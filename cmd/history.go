package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/agentdeck/host/internal/config"
	"github.com/agentdeck/host/internal/history"
	"github.com/agentdeck/host/internal/session"
)

// openHistory loads the config and opens the history database it points at.
func openHistory(configPath string, stderr io.Writer) (*history.Store, bool) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return nil, false
	}
	store, err := history.NewStore(cfg.HistoryPath())
	if err != nil {
		fmt.Fprintf(stderr, "Failed to open history: %v\n", err)
		return nil, false
	}
	return store, true
}

// runHistoryList prints persisted sessions, newest first.
func runHistoryList(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("history list", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 1
	}

	store, ok := openHistory(*configPath, stderr)
	if !ok {
		return 1
	}
	defer store.Close()

	records, err := store.List()
	if err != nil {
		fmt.Fprintf(stderr, "Failed to list history: %v\n", err)
		return 1
	}
	if len(records) == 0 {
		fmt.Fprintln(stdout, "No sessions persisted.")
		return 0
	}

	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tUPDATED\tTITLE")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID, r.Status, r.UpdatedAt.Format(time.RFC3339), r.Title)
	}
	w.Flush()
	return 0
}

// runHistoryShow prints one persisted session transcript.
func runHistoryShow(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("history show", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Usage: agentdeck history show <id>")
		return 1
	}

	store, ok := openHistory(*configPath, stderr)
	if !ok {
		return 1
	}
	defer store.Close()

	record, entries, err := store.Load(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load session: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Session %s (%s), updated %s\n\n", record.ID, record.Status, record.UpdatedAt.Format(time.RFC3339))
	for _, entry := range entries {
		switch entry.Role {
		case "user":
			fmt.Fprintf(stdout, "> %s\n\n", entry.Text)
		default:
			if entry.Thought != "" {
				fmt.Fprintf(stdout, "~ %s\n", entry.Thought)
			}
			if entry.Text != "" {
				fmt.Fprintf(stdout, "%s\n", entry.Text)
			}
			for _, call := range decodeToolCalls(entry.ToolCallsJSON) {
				fmt.Fprintf(stdout, "  [%s] %s\n", call.Status, call.Name)
			}
			fmt.Fprintln(stdout)
		}
	}
	return 0
}

// runHistoryDelete removes one persisted session.
func runHistoryDelete(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("history delete", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Usage: agentdeck history delete <id>")
		return 1
	}

	store, ok := openHistory(*configPath, stderr)
	if !ok {
		return 1
	}
	defer store.Close()

	if err := store.Delete(fs.Arg(0)); err != nil {
		fmt.Fprintf(stderr, "Failed to delete session: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Deleted session %s\n", fs.Arg(0))
	return 0
}

func decodeToolCalls(blob string) []session.ToolCall {
	if blob == "" {
		return nil
	}
	var calls []session.ToolCall
	if err := json.Unmarshal([]byte(blob), &calls); err != nil {
		return nil
	}
	return calls
}
