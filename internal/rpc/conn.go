// Package rpc implements the ACP transport: newline-delimited JSON-RPC 2.0
// over a duplex byte stream (typically the stdio pipes of the agent process).
//
// A Conn plays both roles at once. Outbound, it is a client: Call assigns a
// fresh request ID, registers a pending callback, and blocks the caller (not
// the read loop) until the matching response arrives. Inbound, it is a
// server: requests carrying both a method and an ID are dispatched through
// the capability Registry, and method-only frames fan out to notification
// handlers.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"

	apperrors "github.com/agentdeck/host/internal/errors"
)

// JSON-RPC 2.0 protocol error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Frames larger than this are a protocol violation, not a buffering problem.
const maxFrameBytes = 10 * 1024 * 1024

// Error is a JSON-RPC error object. Data carries the host's stable
// {code, message} pair when the failure originated in a CodedError.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface so Call can return it directly.
func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// message is the superset of JSON-RPC request, response, and notification
// frames. Which fields are set determines the kind:
//
//	Method, no ID   -> notification
//	Method and ID   -> inbound request
//	ID, no Method   -> response to one of our requests
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

func (m *message) isNotification() bool { return m.Method != "" && m.ID == nil }
func (m *message) isRequest() bool      { return m.Method != "" && m.ID != nil }
func (m *message) isResponse() bool     { return m.Method == "" && m.ID != nil }

// NotificationHandler receives an inbound notification's params.
type NotificationHandler func(params json.RawMessage)

// Conn frames and correlates JSON-RPC messages over a duplex stream.
type Conn struct {
	stream io.ReadWriteCloser

	// writeMu serializes whole frames onto the stream.
	writeMu sync.Mutex

	// mu guards nextID, pending, and closed.
	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan *message
	closed  bool

	notifyMu sync.RWMutex
	notify   map[string][]NotificationHandler

	registry *Registry

	// done is closed when the read loop exits; Call uses it to fail fast.
	done chan struct{}
}

// NewConn wraps a stream and starts the read loop. The registry answers
// inbound requests; it may be empty for pure-client connections.
func NewConn(stream io.ReadWriteCloser, registry *Registry) *Conn {
	if registry == nil {
		registry = NewRegistry()
	}
	c := &Conn{
		stream:   stream,
		pending:  make(map[int64]chan *message),
		notify:   make(map[string][]NotificationHandler),
		registry: registry,
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// OnNotification registers a handler for an inbound notification method.
// Handlers for the same method run in registration order, synchronously with
// the read loop, so per-session ordering on the wire is preserved.
func (c *Conn) OnNotification(method string, h NotificationHandler) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.notify[method] = append(c.notify[method], h)
}

// Call sends a request and blocks until the response, context cancellation,
// or stream closure. On closure every pending call fails with a
// transport.closed error; callers must not retry locally.
func (c *Conn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, apperrors.TransportClosed(method)
	}
	c.nextID++
	id := c.nextID
	respCh := make(chan *message, 1)
	c.pending[id] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.writeFrame(&message{JSONRPC: "2.0", ID: &id, Method: method, Params: marshalParams(params)}); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeTransportClosed, fmt.Sprintf("sending %s", method), err)
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, apperrors.TransportClosed(method)
	}
}

// Notify sends a notification (no ID, no response).
func (c *Conn) Notify(method string, params any) error {
	return c.writeFrame(&message{JSONRPC: "2.0", Method: method, Params: marshalParams(params)})
}

// Close closes the underlying stream. The read loop then unwinds and rejects
// every pending call.
func (c *Conn) Close() error {
	return c.stream.Close()
}

// Done is closed once the read loop has exited.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// readLoop consumes frames until EOF or a read error, then rejects all
// pending calls. Notifications run inline to keep wire order; inbound
// requests run in their own goroutine so a suspended handler (terminal
// waitForExit, user confirmation) cannot stall the stream.
func (c *Conn) readLoop() {
	defer c.teardown()

	scanner := bufio.NewScanner(c.stream)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg message
		if err := json.Unmarshal(line, &msg); err != nil {
			log.Printf("rpc: dropping unparsable frame: %v", err)
			_ = c.writeFrame(&message{JSONRPC: "2.0", Error: &Error{Code: CodeParseError, Message: "parse error"}})
			continue
		}

		switch {
		case msg.isNotification():
			c.dispatchNotification(&msg)
		case msg.isRequest():
			go c.dispatchRequest(&msg)
		case msg.isResponse():
			c.dispatchResponse(&msg)
		default:
			log.Printf("rpc: dropping frame with neither method nor id")
		}
	}

	if err := scanner.Err(); err != nil && err != io.EOF {
		log.Printf("rpc: read loop ended: %v", err)
	}
}

func (c *Conn) teardown() {
	c.mu.Lock()
	c.closed = true
	stale := c.pending
	c.pending = make(map[int64]chan *message)
	c.mu.Unlock()

	// Wake every pending caller; Call translates done into transport.closed.
	close(c.done)

	if n := len(stale); n > 0 {
		log.Printf("rpc: stream closed with %d requests in flight", n)
	}
}

func (c *Conn) dispatchNotification(msg *message) {
	c.notifyMu.RLock()
	handlers := c.notify[msg.Method]
	c.notifyMu.RUnlock()

	if len(handlers) == 0 {
		log.Printf("rpc: no handler for notification %s", msg.Method)
		return
	}
	for _, h := range handlers {
		h(msg.Params)
	}
}

func (c *Conn) dispatchRequest(msg *message) {
	handler, ok := c.registry.Lookup(msg.Method)
	if !ok {
		err := apperrors.MethodMissing(msg.Method)
		c.replyError(*msg.ID, CodeMethodNotFound, "method not found", err)
		return
	}

	result, err := handler(context.Background(), msg.Params)
	if err != nil {
		rpcCode := CodeInternalError
		if apperrors.IsCode(err, apperrors.CodeRPCInvalidParams) {
			rpcCode = CodeInvalidParams
		}
		c.replyError(*msg.ID, rpcCode, apperrors.GetMessage(err), err)
		return
	}
	c.replyResult(*msg.ID, result)
}

func (c *Conn) dispatchResponse(msg *message) {
	c.mu.Lock()
	ch, ok := c.pending[*msg.ID]
	if ok {
		delete(c.pending, *msg.ID)
	}
	c.mu.Unlock()

	if !ok {
		// Stale or duplicated response. Logged and ignored; never fatal.
		log.Printf("rpc: %s: response id %d matches no pending request",
			apperrors.CodeRPCUnknownResponse, *msg.ID)
		return
	}
	ch <- msg
}

func (c *Conn) replyResult(id int64, result any) {
	raw := marshalParams(result)
	if raw == nil {
		raw = json.RawMessage("null")
	}
	if err := c.writeFrame(&message{JSONRPC: "2.0", ID: &id, Result: raw}); err != nil {
		log.Printf("rpc: failed to write response %d: %v", id, err)
	}
}

func (c *Conn) replyError(id int64, rpcCode int, summary string, cause error) {
	code, msg := apperrors.ToCodeAndMessage(cause)
	frame := &message{JSONRPC: "2.0", ID: &id, Error: &Error{
		Code:    rpcCode,
		Message: summary,
		Data:    map[string]string{"code": code, "message": msg},
	}}
	if err := c.writeFrame(frame); err != nil {
		log.Printf("rpc: failed to write error response %d: %v", id, err)
	}
}

// writeFrame marshals one message and appends the newline delimiter under
// the write lock so concurrent senders never interleave frames.
func (c *Conn) writeFrame(msg *message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stream.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// marshalParams converts an arbitrary params value to raw JSON, passing
// through nil and pre-marshaled values untouched.
func marshalParams(params any) json.RawMessage {
	switch v := params.(type) {
	case nil:
		return nil
	case json.RawMessage:
		return v
	default:
		data, err := json.Marshal(params)
		if err != nil {
			log.Printf("rpc: failed to marshal params: %v", err)
			return nil
		}
		return data
	}
}
