package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/agentdeck/host/internal/acp"
	"github.com/agentdeck/host/internal/bridge"
	"github.com/agentdeck/host/internal/config"
	"github.com/agentdeck/host/internal/diff"
	"github.com/agentdeck/host/internal/history"
	"github.com/agentdeck/host/internal/host"
	"github.com/agentdeck/host/internal/permission"
	"github.com/agentdeck/host/internal/workspace"
)

const replHelp = `Commands:
  /help                 Show this help
  /sessions             List sessions
  /new [title]          Create a session
  /switch <id>          Switch the current session
  /cancel               Cancel the current turn
  /yes [always]         Approve the pending tool confirmation
  /no                   Deny the pending tool confirmation
  /changes              List pending file changes
  /accept <path>|all    Accept a pending file change
  /reject <path>|all    Reject a pending file change
  /history              List persisted sessions
  /resume <id>          Resume a persisted session
  /quit                 Exit

Anything else is sent to the agent as a prompt.
`

// runRun starts the agent process and drives an interactive session on
// stdin/stdout.
func runRun(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var configPath, workspaceDir, agentCmd string
	fs.StringVar(&configPath, "config", "", "Path to config file (default: ~/.agentdeck/config.toml)")
	fs.StringVar(&workspaceDir, "workspace", "", "Workspace root the agent is scoped to")
	fs.StringVar(&agentCmd, "agent", "", "Agent executable to spawn")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 1
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if workspaceDir != "" {
		cfg.Workspace = workspaceDir
	}
	if agentCmd != "" {
		cfg.AgentCmd = agentCmd
	}

	ws, err := workspace.New(cfg.Workspace)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to open workspace: %v\n", err)
		return 1
	}

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		fmt.Fprintf(stderr, "Failed to create state dir: %v\n", err)
		return 1
	}
	rules, err := permission.NewStore(cfg.RulesPath())
	if err != nil {
		fmt.Fprintf(stderr, "Failed to open rule store: %v\n", err)
		return 1
	}
	store, err := history.NewStore(cfg.HistoryPath())
	if err != nil {
		fmt.Fprintf(stderr, "Failed to open history: %v\n", err)
		return 1
	}
	defer store.Close()

	agent, err := host.StartAgent(cfg.AgentCmd, cfg.AgentArgs, ws.Root())
	if err != nil {
		fmt.Fprintf(stderr, "Failed to start agent: %v\n", err)
		return 1
	}
	defer agent.Stop(5 * time.Second)

	ui := &console{out: stdout}

	events := host.Events{
		OnText:              ui.onText,
		OnStatus:            ui.onStatus,
		OnError:             ui.onError,
		OnTaskList:          ui.onTaskList,
		OnPermissionRequest: ui.onPermissionRequest,
	}

	var bridgeServer *bridge.Server
	h := host.New(agent.Stdio(), host.Options{
		Workspace:     ws,
		Rules:         rules,
		History:       store,
		MaxTerminals:  cfg.MaxTerminals,
		FlushInterval: time.Duration(cfg.FlushIntervalMs) * time.Millisecond,
		FlushBytes:    cfg.FlushBytes,
		Events:        fanOutEvents(events, func() *bridge.Server { return bridgeServer }),
	})
	defer h.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	result, err := h.Initialize(ctx)
	cancel()
	if err != nil {
		fmt.Fprintf(stderr, "Initialize failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Connected to %s (protocol %d), workspace %s\n", cfg.AgentCmd, result.ProtocolVersion, ws.Root())

	if cfg.BridgeAddr != "" {
		bridgeServer = bridge.NewServer(h, bridge.Options{
			Addr:        cfg.BridgeAddr,
			RequireAuth: cfg.BridgeRequireAuth,
			TokenHash:   cfg.BridgeTokenHash,
			RatePerSec:  cfg.BridgeRatePerSec,
		})
		if err := bridgeServer.Start(); err != nil {
			fmt.Fprintf(stderr, "Failed to start bridge: %v\n", err)
			return 1
		}
		defer bridgeServer.Stop()
		fmt.Fprintf(stdout, "Bridge listening on %s\n", bridgeServer.Addr())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(stdin)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-sigCh:
			fmt.Fprintln(stdout, "\nShutting down")
			return 0
		case <-agent.Done():
			if err := agent.Err(); err != nil {
				fmt.Fprintf(stderr, "Agent exited: %v\n", err)
				return 1
			}
			fmt.Fprintln(stdout, "Agent exited")
			return 0
		case line, ok := <-lines:
			if !ok {
				return 0
			}
			if done := ui.handleLine(h, line, stdout, stderr); done {
				return 0
			}
		}
	}
}

// fanOutEvents duplicates host events to the console and, when a bridge is
// running, to its connected clients. The getter indirection lets the bridge
// start after the host.
func fanOutEvents(ui host.Events, getBridge func() *bridge.Server) host.Events {
	return host.Events{
		OnText: func(sessionID, text string) {
			ui.OnText(sessionID, text)
			if b := getBridge(); b != nil {
				b.EmitText(sessionID, text)
			}
		},
		OnStatus: func(sessionID string, status acp.SessionStatus) {
			ui.OnStatus(sessionID, status)
			if b := getBridge(); b != nil {
				b.EmitStatus(sessionID, status)
			}
		},
		OnError: func(note acp.ErrorNote) {
			ui.OnError(note)
			if b := getBridge(); b != nil {
				b.EmitError(note)
			}
		},
		OnTaskList: func(sessionID string, tasks []acp.TaskItem) {
			ui.OnTaskList(sessionID, tasks)
			if b := getBridge(); b != nil {
				b.EmitTaskList(sessionID, tasks)
			}
		},
		OnPermissionRequest: func(req acp.PermissionRequest) {
			ui.OnPermissionRequest(req)
			if b := getBridge(); b != nil {
				b.EmitPermissionRequest(req)
			}
		},
	}
}

// console renders host events and tracks the pending confirmation so /yes
// and /no know what they answer.
type console struct {
	out io.Writer

	mu      sync.Mutex
	pending []acp.PermissionRequest
}

func (c *console) onText(_, text string) {
	fmt.Fprint(c.out, text)
}

func (c *console) onStatus(sessionID string, status acp.SessionStatus) {
	switch status {
	case acp.StatusCompleted, acp.StatusCancelled, acp.StatusTimeout, acp.StatusError:
		fmt.Fprintf(c.out, "\n[%s] %s\n", shortID(sessionID), status)
	}
}

func (c *console) onError(note acp.ErrorNote) {
	fmt.Fprintf(c.out, "\n! %s: %s\n", note.Title, note.Message)
}

func (c *console) onTaskList(_ string, tasks []acp.TaskItem) {
	fmt.Fprintln(c.out)
	for _, task := range tasks {
		marker := " "
		switch task.Status {
		case "completed":
			marker = "x"
		case "in_progress":
			marker = ">"
		}
		fmt.Fprintf(c.out, "  [%s] %s\n", marker, task.Label)
	}
}

func (c *console) onPermissionRequest(req acp.PermissionRequest) {
	c.mu.Lock()
	c.pending = append(c.pending, req)
	c.mu.Unlock()
	fmt.Fprintf(c.out, "\n? %s wants to run %s (/yes, /yes always, /no)\n", shortID(req.SessionID), req.ToolName)
	if meta := req.Confirmation; meta != nil {
		if meta.RiskLevel != "" {
			fmt.Fprintf(c.out, "  risk: %s\n", meta.RiskLevel)
		}
		switch {
		case meta.Command != "":
			fmt.Fprintf(c.out, "  $ %s\n", meta.Command)
		case meta.Path != "" && meta.Diff != "":
			fmt.Fprintf(c.out, "  %s %s\n", meta.Path, diff.Summarize(meta.Diff))
		}
	}
	if len(req.ToolInput) > 0 {
		fmt.Fprintf(c.out, "  %s\n", permission.StringifyInput(req.ToolInput))
	}
}

// takePending pops the oldest unanswered confirmation.
func (c *console) takePending() (acp.PermissionRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return acp.PermissionRequest{}, false
	}
	req := c.pending[0]
	c.pending = c.pending[1:]
	return req, true
}

// handleLine interprets one line of user input. Returns true on /quit.
func (c *console) handleLine(h *host.Host, line string, stdout, stderr io.Writer) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		go func() {
			if _, err := h.Prompt(context.Background(), line, false); err != nil {
				fmt.Fprintf(stderr, "Prompt failed: %v\n", err)
			}
		}()
		return false
	}

	fields := strings.Fields(line)
	cmd, rest := fields[0], fields[1:]
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch cmd {
	case "/quit", "/exit":
		return true

	case "/help":
		fmt.Fprint(stdout, replHelp)

	case "/sessions":
		cur, hasCur := h.CurrentSession()
		for _, s := range h.Sessions() {
			current := " "
			if hasCur && cur.ID == s.ID {
				current = "*"
			}
			fmt.Fprintf(stdout, "%s %s  %-20s %s\n", current, shortID(s.ID), s.Status, s.Title)
		}

	case "/new":
		s, err := h.NewSession(ctx, strings.Join(rest, " "))
		if err != nil {
			fmt.Fprintf(stderr, "Failed to create session: %v\n", err)
			break
		}
		fmt.Fprintf(stdout, "Session %s\n", shortID(s.ID))

	case "/switch":
		if len(rest) != 1 {
			fmt.Fprintln(stderr, "Usage: /switch <id>")
			break
		}
		if err := h.SwitchSession(ctx, rest[0]); err != nil {
			fmt.Fprintf(stderr, "Failed to switch: %v\n", err)
		}

	case "/cancel":
		if cur, ok := h.CurrentSession(); ok {
			if err := h.CancelSession(cur.ID); err != nil {
				fmt.Fprintf(stderr, "Failed to cancel: %v\n", err)
			}
		}

	case "/yes", "/no":
		req, ok := c.takePending()
		if !ok {
			fmt.Fprintln(stderr, "Nothing to confirm")
			break
		}
		opts := permission.ConfirmOptions{
			TrustAlways: cmd == "/yes" && len(rest) > 0 && rest[0] == "always",
		}
		if err := h.ConfirmTool(req.ToolCallID, cmd == "/yes", opts); err != nil {
			fmt.Fprintf(stderr, "Failed to confirm: %v\n", err)
		}

	case "/changes":
		cur, ok := h.CurrentSession()
		if !ok {
			break
		}
		for _, change := range h.PendingChanges(cur.ID) {
			fmt.Fprintf(stdout, "%-8s %-40s %s\n", change.Type, change.Path, diff.Summarize(change.Diff))
		}

	case "/accept", "/reject":
		cur, ok := h.CurrentSession()
		if !ok || len(rest) != 1 {
			fmt.Fprintf(stderr, "Usage: %s <path>|all\n", cmd)
			break
		}
		accept := cmd == "/accept"
		if rest[0] == "all" {
			for _, failure := range h.ResolveAllChanges(ctx, cur.ID, accept) {
				fmt.Fprintf(stderr, "%s: %v\n", failure.Path, failure.Err)
			}
			break
		}
		if err := h.ResolveChange(ctx, cur.ID, rest[0], accept); err != nil {
			fmt.Fprintf(stderr, "Failed: %v\n", err)
		}

	case "/history":
		entries, err := h.ListHistory()
		if err != nil {
			fmt.Fprintf(stderr, "Failed to list history: %v\n", err)
			break
		}
		for _, entry := range entries {
			fmt.Fprintf(stdout, "%s  %-12s %s\n", entry.SessionID, entry.Status, entry.Title)
		}

	case "/resume":
		if len(rest) != 1 {
			fmt.Fprintln(stderr, "Usage: /resume <id>")
			break
		}
		s, err := h.ResumeHistory(ctx, rest[0])
		if err != nil {
			fmt.Fprintf(stderr, "Failed to resume: %v\n", err)
			break
		}
		fmt.Fprintf(stdout, "Resumed %s (%d messages)\n", shortID(s.ID), len(s.Transcript.Messages()))

	default:
		fmt.Fprintf(stderr, "Unknown command %s (try /help)\n", cmd)
	}
	return false
}

// shortID trims a UUID to its first group for display.
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}
