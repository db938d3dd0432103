// Package errors provides standardized error codes for the agentdeck host.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (transport, rpc, terminal, fs, ...)
//   - error: The specific error type within that domain
//
// These codes are stable and can be carried inside JSON-RPC error responses
// so agents and UIs can handle failures programmatically. Human-readable
// messages are provided alongside codes.
package errors

import (
	"errors"
	"fmt"
)

// Error codes by domain.
// These are stable identifiers that protocol peers can rely on.
const (
	// Transport domain - stream-level failures
	CodeTransportClosed = "transport.closed" // Stream ended with requests in flight

	// RPC domain - JSON-RPC dispatch errors
	CodeRPCUnknownResponse = "rpc.unknown_response" // Response ID matches no pending request
	CodeRPCMethodMissing   = "rpc.method_missing"   // No handler registered for method
	CodeRPCInvalidParams   = "rpc.invalid_params"   // Params failed to decode
	CodeRPCParseFailed     = "rpc.parse_failed"     // Inbound frame is not valid JSON

	// Client domain - host/agent handshake state
	CodeClientNotInitialized = "client.not_initialized" // Operation before initialize completed

	// Session domain - conversation lifecycle errors
	CodeSessionNotFound = "session.not_found" // Session ID does not exist

	// Terminal domain - subprocess proxy errors
	CodeTerminalNotFound    = "terminal.not_found"    // Terminal released or never existed
	CodeTerminalSpawnFailed = "terminal.spawn_failed" // Failed to start the subprocess

	// FS domain - workspace file access errors
	CodeFSPathOutsideWorkspace = "fs.path_outside_workspace" // Path escapes the workspace root
	CodeFSReadFailed           = "fs.read_failed"            // File read failed
	CodeFSWriteFailed          = "fs.write_failed"           // File write failed

	// Permission domain - rule store and confirmation errors
	CodePermissionInvalidPattern = "permission.invalid_pattern" // Rule regex failed to compile
	CodePermissionRuleNotFound   = "permission.rule_not_found"  // Rule ID does not exist
	CodePermissionNotPending     = "permission.not_pending"     // No confirmation waiting for that tool call

	// History domain - persisted session errors
	CodeHistoryNotFound = "history.not_found" // Persisted session does not exist

	// Bridge domain - remote access errors
	CodeBridgeAuthInvalid = "bridge.auth_invalid" // Missing or wrong bearer token
	CodeBridgeRateLimited = "bridge.rate_limited" // Too many messages per second

	// Config domain
	CodeConfigInvalid = "config.invalid" // Config file failed to parse or validate

	// General domain - catch-all errors
	CodeUnknown  = "error.unknown"  // Unknown error
	CodeInternal = "error.internal" // Internal host error
)

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "terminal.not_found")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// If the error is a CodedError, returns its code.
// Falls back to CodeUnknown for unrecognized errors.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	return CodeUnknown
}

// GetMessage extracts a human-readable message from an error.
// If the error is a CodedError, returns its message.
// Otherwise, returns the error's Error() string.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}

	return err.Error()
}

// ToCodeAndMessage extracts both code and message from an error.
// This is the primary function for converting errors to protocol responses.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}

	return CodeUnknown, err.Error()
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// Common error constructors for frequently used error types.

// TransportClosed creates a "transport.closed" error for a pending request.
func TransportClosed(method string) *CodedError {
	return New(CodeTransportClosed, fmt.Sprintf("stream closed while %s was pending", method))
}

// MethodMissing creates an "rpc.method_missing" error.
func MethodMissing(method string) *CodedError {
	return New(CodeRPCMethodMissing, fmt.Sprintf("no handler registered for method %q", method))
}

// NotInitialized creates a "client.not_initialized" error.
func NotInitialized(operation string) *CodedError {
	return New(CodeClientNotInitialized, fmt.Sprintf("%s called before initialize completed", operation))
}

// SessionNotFound creates a "session.not_found" error.
func SessionNotFound(id string) *CodedError {
	return New(CodeSessionNotFound, fmt.Sprintf("session %s not found", id))
}

// TerminalNotFound creates a "terminal.not_found" error.
func TerminalNotFound(id string) *CodedError {
	return New(CodeTerminalNotFound, fmt.Sprintf("terminal %s not found", id))
}

// PathOutsideWorkspace creates an "fs.path_outside_workspace" error.
func PathOutsideWorkspace(path string) *CodedError {
	return New(CodeFSPathOutsideWorkspace, fmt.Sprintf("path %q escapes the workspace root", path))
}

// InvalidPattern creates a "permission.invalid_pattern" error.
func InvalidPattern(pattern string, cause error) *CodedError {
	return Wrap(CodePermissionInvalidPattern, fmt.Sprintf("pattern %q does not compile", pattern), cause)
}

// RuleNotFound creates a "permission.rule_not_found" error.
func RuleNotFound(id string) *CodedError {
	return New(CodePermissionRuleNotFound, fmt.Sprintf("permission rule %s not found", id))
}

// HistoryNotFound creates a "history.not_found" error.
func HistoryNotFound(id string) *CodedError {
	return New(CodeHistoryNotFound, fmt.Sprintf("no persisted session %s", id))
}

// Internal creates an "error.internal" error.
func Internal(message string, cause error) *CodedError {
	return Wrap(CodeInternal, message, cause)
}
