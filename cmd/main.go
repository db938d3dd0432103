package main

import (
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags.
// Example: go build -ldflags="-X main.Version=v0.1.0" ./cmd
var Version = "dev"

const usage = `agentdeck - terminal host for ACP coding agents

Usage:
  agentdeck <command> [options]

Commands:
  run           Start the agent and an interactive session
  rules list    List stored permission rules
  rules add     Add a permission rule
  rules delete <id>  Delete a permission rule
  rules clear   Delete all permission rules
  history list       List persisted sessions
  history show <id>  Print a persisted session transcript
  history delete <id>  Delete a persisted session
  version       Print the version

Run 'agentdeck <command> --help' for more information on a command.
`

func main() {
	os.Exit(run(os.Args, os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprint(stdout, usage)
		return 0
	}

	switch args[1] {
	case "run":
		return runRun(args[2:], stdin, stdout, stderr)
	case "rules":
		if len(args) < 3 {
			fmt.Fprintln(stdout, "Usage: agentdeck rules <list|add|delete|clear>")
			return 1
		}
		switch args[2] {
		case "list":
			return runRulesList(args[3:], stdout, stderr)
		case "add":
			return runRulesAdd(args[3:], stdout, stderr)
		case "delete":
			return runRulesDelete(args[3:], stdout, stderr)
		case "clear":
			return runRulesClear(args[3:], stdout, stderr)
		default:
			fmt.Fprintf(stdout, "Unknown rules command: %s\n", args[2])
			return 1
		}
	case "history":
		if len(args) < 3 {
			fmt.Fprintln(stdout, "Usage: agentdeck history <list|show|delete>")
			return 1
		}
		switch args[2] {
		case "list":
			return runHistoryList(args[3:], stdout, stderr)
		case "show":
			return runHistoryShow(args[3:], stdout, stderr)
		case "delete":
			return runHistoryDelete(args[3:], stdout, stderr)
		default:
			fmt.Fprintf(stdout, "Unknown history command: %s\n", args[2])
			return 1
		}
	case "version", "--version", "-v":
		fmt.Fprintf(stdout, "agentdeck %s\n", Version)
		return 0
	case "help", "--help", "-h":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stdout, "Unknown command: %s\n\n", args[1])
		fmt.Fprint(stdout, usage)
		return 1
	}
}
