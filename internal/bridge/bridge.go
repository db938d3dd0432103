// Package bridge exposes a running host over a websocket so remote
// frontends (mobile, web) can watch sessions and answer confirmations. The
// host stays the single owner of the agent connection; the bridge is a
// fan-out layer on top of it.
package bridge

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/agentdeck/host/internal/acp"
	apperrors "github.com/agentdeck/host/internal/errors"
	"github.com/agentdeck/host/internal/permission"
	"github.com/agentdeck/host/internal/session"
)

// channelBufferSize is the per-client send buffer. A client that falls this
// far behind starts dropping broadcast frames rather than stalling others.
const channelBufferSize = 256

// Controller is the slice of host operations the bridge drives on behalf of
// remote clients. *host.Host satisfies it.
type Controller interface {
	Prompt(ctx context.Context, text string, persistent bool) (*acp.PromptResult, error)
	ConfirmTool(toolCallID string, confirmed bool, opts permission.ConfirmOptions) error
	ResolveChange(ctx context.Context, sessionID, path string, accept bool) error
	SwitchSession(ctx context.Context, id string) error
	CancelSession(id string) error
	Sessions() []session.Summary
	PendingChanges(sessionID string) []acp.FileChange
}

// Options configure a bridge server.
type Options struct {
	// Addr is the listen address, e.g. "127.0.0.1:8791".
	Addr string

	// RequireAuth rejects websocket upgrades without a bearer token that
	// matches TokenHash.
	RequireAuth bool

	// TokenHash is the bcrypt hash the presented token is compared against.
	TokenHash string

	// RatePerSec caps inbound commands per client. Zero means
	// DefaultRatePerSec.
	RatePerSec int
}

// DefaultRatePerSec is the inbound command rate limit applied when Options
// leaves it unset.
const DefaultRatePerSec = 50

// Server accepts websocket clients, broadcasts host events to them, and
// forwards their commands to the controller.
type Server struct {
	ctrl     Controller
	opts     Options
	upgrader websocket.Upgrader

	httpServer *http.Server
	listener   net.Listener

	mu      sync.RWMutex
	clients map[*client]bool
	closed  bool
}

// NewServer builds a bridge over ctrl. Call Start to begin listening.
func NewServer(ctrl Controller, opts Options) *Server {
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = DefaultRatePerSec
	}
	return &Server{
		ctrl:    ctrl,
		opts:    opts,
		clients: make(map[*client]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The bridge is reached by native apps, not browsers; origin
			// enforcement happens at the token layer.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start binds the listener and serves until Stop. It returns once the
// listener is bound, so callers can read Addr immediately.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("bridge listen on %s: %w", s.opts.Addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{Handler: s.createMux()}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("bridge: serve ended: %v", err)
		}
	}()

	log.Printf("bridge: listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound listen address. Only valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes every client and shuts the HTTP server down.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.signalClose()
	}

	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) createMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/acp", s.handleWebSocket)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// handleWebSocket authenticates and upgrades one client connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.opts.RequireAuth {
		if err := s.authenticate(r); err != nil {
			log.Printf("bridge: rejected connection: %v", err)
			http.Error(w, "Unauthorized: "+apperrors.GetMessage(err), http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("bridge: upgrade failed: %v", err)
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan Message, channelBufferSize),
		done:   make(chan struct{}),
		server: s,
		// Burst matches one screenful of rapid taps; sustained flooding is
		// shed before it reaches the host.
		limiter: rate.NewLimiter(rate.Limit(s.opts.RatePerSec), 10),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[c] = true
	count := len(s.clients)
	s.mu.Unlock()

	log.Printf("bridge: client connected (%d total)", count)

	// Seed the new client with current state before streaming deltas.
	c.send <- newMessage(TypeSessionList, summarize(s.ctrl.Sessions()))

	go c.writePump()
	go c.readPump()
}

// authenticate checks the bearer token against the configured bcrypt hash.
func (s *Server) authenticate(r *http.Request) error {
	token := extractBearerToken(r)
	if token == "" {
		return apperrors.New(apperrors.CodeBridgeAuthInvalid, "missing token")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.opts.TokenHash), []byte(token)); err != nil {
		return apperrors.Wrap(apperrors.CodeBridgeAuthInvalid, "invalid token", err)
	}
	return nil
}

// Broadcast queues msg on every connected client. Slow clients drop frames
// instead of blocking the caller.
func (s *Server) Broadcast(msg Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		select {
		case c.send <- msg:
		default:
			log.Printf("bridge: dropping %s frame for slow client", msg.Type)
		}
	}
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// EmitText forwards a transcript delta to all clients.
func (s *Server) EmitText(sessionID, text string) {
	s.Broadcast(newMessage(TypeText, textPayload{SessionID: sessionID, Text: text}))
}

// EmitStatus forwards a session status transition to all clients.
func (s *Server) EmitStatus(sessionID string, status acp.SessionStatus) {
	s.Broadcast(newMessage(TypeStatus, statusPayload{SessionID: sessionID, Status: string(status)}))
}

// EmitError forwards an error note to all clients.
func (s *Server) EmitError(note acp.ErrorNote) {
	s.Broadcast(newMessage(TypeError, note))
}

// EmitTaskList forwards a session's task list to all clients.
func (s *Server) EmitTaskList(sessionID string, tasks []acp.TaskItem) {
	s.Broadcast(newMessage(TypeTaskList, struct {
		SessionID string         `json:"sessionId"`
		Tasks     []acp.TaskItem `json:"tasks"`
	}{sessionID, tasks}))
}

// EmitPermissionRequest forwards a suspended confirmation to all clients.
// Any client may answer; the first confirmTool command wins.
func (s *Server) EmitPermissionRequest(req acp.PermissionRequest) {
	s.Broadcast(newMessage(TypePermissionRequest, req))
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	count := len(s.clients)
	s.mu.Unlock()
	log.Printf("bridge: client disconnected (%d remaining)", count)
}

func summarize(sessions []session.Summary) []sessionSummary {
	out := make([]sessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionSummary{
			SessionID: s.ID,
			Title:     s.Title,
			Status:    string(s.Status),
			UpdatedAt: s.UpdatedAt.Format(time.RFC3339),
		})
	}
	return out
}

// extractBearerToken pulls the token from the Authorization header, falling
// back to a token query parameter for websocket clients that cannot set
// headers.
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return r.URL.Query().Get("token")
}
